package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mrmushfiq/llm0-keypool/internal/hypothesis"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
)

type HypothesisHandler struct {
	generator *hypothesis.Generator
}

func NewHypothesisHandler(generator *hypothesis.Generator) *HypothesisHandler {
	return &HypothesisHandler{generator: generator}
}

type triggerResponse struct {
	Queued bool               `json:"queued"`
	Busy   bool               `json:"busy"`
	Latest *models.Hypothesis `json:"latest"`
}

// HandleTrigger handles POST /v1/hypotheses
func (h *HypothesisHandler) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	latest := h.generator.Trigger()
	writeJSON(w, http.StatusAccepted, triggerResponse{
		Queued: true,
		Busy:   h.generator.Busy(),
		Latest: latest,
	})
}

// HandleList handles GET /v1/hypotheses
func (h *HypothesisHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"hypotheses": h.generator.List(),
	})
}

// HandleGet handles GET /v1/hypotheses/{id}
func (h *HypothesisHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	hyp, ok := h.generator.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "hypothesis not found")
		return
	}
	writeJSON(w, http.StatusOK, hyp)
}
