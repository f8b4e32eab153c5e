package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/mitoshi/internal/model"
)

// HandleListAlerts handles GET /v1/alerts.
func (h *Handlers) HandleListAlerts(w http.ResponseWriter, r *http.Request) {
	status, err := queryEnum(r, "status", model.AlertStatus.Valid)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	f := model.AlertFilter{
		Property: queryString(r, "property"),
		Status:   status,
		Limit:    queryLimit(r, 50),
		Offset:   queryOffset(r),
	}
	if v := r.URL.Query().Get("rule_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid rule_id")
			return
		}
		f.RuleID = &id
	}

	list, total, err := h.alerts.List(r.Context(), f)
	if err != nil {
		h.writeServiceError(w, r, "failed to list alerts", err)
		return
	}
	writeListJSON(w, r, list, total, f.Limit, f.Offset)
}

// HandleResolveAlert handles POST /v1/alerts/{id}/resolve. The caller's
// subject is recorded as resolved_by.
func (h *Handlers) HandleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.ResolveAlertRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	idem, proceed := h.beginIdempotentWrite(w, r, req)
	if !proceed {
		return
	}
	alert, err := h.alerts.Resolve(r.Context(), id, subject(r), req.Notes, req.IsFalsePositive)
	if err != nil {
		h.clearIdempotentWrite(r, idem)
		h.writeServiceError(w, r, "alert", err)
		return
	}
	h.completeIdempotentWrite(r, idem, http.StatusOK, alert)
	writeJSON(w, r, http.StatusOK, alert)
}
