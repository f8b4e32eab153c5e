package server

import (
	"net/http"

	"github.com/ashita-ai/mitoshi/internal/model"
)

// HandleDecisionFeedback handles POST /v1/decisions/{id}/feedback: a human
// verdict on an agent decision.
func (h *Handlers) HandleDecisionFeedback(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.FeedbackRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	idem, proceed := h.beginIdempotentWrite(w, r, req)
	if !proceed {
		return
	}
	fb, err := h.db.InsertFeedback(r.Context(), model.DecisionFeedback{
		DecisionID:  id,
		Kind:        req.Kind,
		Comment:     req.Comment,
		SubmittedBy: subject(r),
	})
	if err != nil {
		h.clearIdempotentWrite(r, idem)
		h.writeServiceError(w, r, "decision", err)
		return
	}
	h.logger.Info("decisions: feedback recorded", "decision_id", id, "kind", fb.Kind, "subject", fb.SubmittedBy)
	h.completeIdempotentWrite(r, idem, http.StatusCreated, fb)
	writeJSON(w, r, http.StatusCreated, fb)
}

// HandleGetDecision handles GET /v1/decisions/{id}, returning the decision
// with its feedback.
func (h *Handlers) HandleGetDecision(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	d, err := h.db.GetDecision(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, "decision", err)
		return
	}
	fb, err := h.db.FeedbackForDecision(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, "failed to load feedback", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"decision": d, "feedback": fb})
}
