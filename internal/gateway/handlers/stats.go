package handlers

import (
	"net/http"

	"github.com/mrmushfiq/llm0-keypool/internal/gateway/resilient"
	"github.com/mrmushfiq/llm0-keypool/internal/keypool"
)

type StatsHandler struct {
	router *resilient.Router
}

func NewStatsHandler(router *resilient.Router) *StatsHandler {
	return &StatsHandler{router: router}
}

// HandleKeyStats handles GET /v1/keys/stats. Keys are reported by fingerprint only.
func (h *StatsHandler) HandleKeyStats(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]keypool.Stats)
	for _, name := range h.router.Names() {
		client, ok := h.router.Client(name)
		if !ok {
			continue
		}
		out[name] = client.Stats()
	}
	writeJSON(w, http.StatusOK, out)
}
