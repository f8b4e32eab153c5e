package server

import (
	"net/http"

	"github.com/ashita-ai/mitoshi/internal/model"
)

// HandleListInsights handles GET /v1/insights.
func (h *Handlers) HandleListInsights(w http.ResponseWriter, r *http.Request) {
	f := model.InsightFilter{
		Property: queryString(r, "property"),
		EntityID: queryString(r, "entity_id"),
		Source:   queryString(r, "source"),
		Limit:    queryLimit(r, 50),
		Offset:   queryOffset(r),
	}
	var err error
	if f.Category, err = queryEnum(r, "category", model.Category.Valid); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if f.Severity, err = queryEnum(r, "severity", model.Severity.Valid); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if f.Status, err = queryEnum(r, "status", model.InsightStatus.Valid); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if f.EntityType, err = queryEnum(r, "entity_type", model.EntityType.Valid); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	insights, total, err := h.db.QueryInsights(r.Context(), f)
	if err != nil {
		h.writeServiceError(w, r, "failed to query insights", err)
		return
	}
	writeListJSON(w, r, insights, total, f.Limit, f.Offset)
}

// HandleGetInsight handles GET /v1/insights/{id}.
func (h *Handlers) HandleGetInsight(w http.ResponseWriter, r *http.Request) {
	in, err := h.db.GetInsight(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, "insight", err)
		return
	}
	writeJSON(w, r, http.StatusOK, in)
}

// HandleUpdateInsightStatus handles PATCH /v1/insights/{id}/status. Status
// only moves forward; a backward move is a 409.
func (h *Handlers) HandleUpdateInsightStatus(w http.ResponseWriter, r *http.Request) {
	var req model.UpdateInsightStatusRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if !req.Status.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid status")
		return
	}

	in, err := h.db.UpdateInsightStatus(r.Context(), r.PathValue("id"), req.Status)
	if err != nil {
		h.writeServiceError(w, r, "insight", err)
		return
	}
	h.logger.Info("insights: status updated", "insight_id", in.ID, "status", in.Status, "subject", subject(r))
	writeJSON(w, r, http.StatusOK, in)
}
