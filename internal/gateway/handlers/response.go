package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/mrmushfiq/llm0-keypool/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-keypool/internal/gateway/resilient"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
)

// RequestLogger stores request log entries, satisfied by *database.DB
type RequestLogger interface {
	LogRequest(ctx context.Context, log *models.GatewayLog) error
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// errorStatus maps a generation error onto the HTTP status returned to callers
func errorStatus(err error) int {
	var parseErr *providers.ParseError
	switch {
	case errors.As(err, &parseErr):
		return http.StatusBadGateway
	case errors.Is(err, resilient.ErrUnknownModel):
		return http.StatusBadRequest
	case errors.Is(err, resilient.ErrRetriesExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// logRequest writes the entry in the background; logs is optional
func logRequest(logs RequestLogger, entry *models.GatewayLog) {
	if logs == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := logs.LogRequest(ctx, entry); err != nil {
			slog.Warn("failed to store request log",
				slog.String("endpoint", entry.Endpoint),
				slog.Any("error", err))
		}
	}()
}

func errorMessage(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	return &msg
}
