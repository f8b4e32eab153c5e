package server

import (
	"net/http"

	"github.com/ashita-ai/mitoshi/internal/model"
)

// HandleListActions handles GET /v1/actions.
func (h *Handlers) HandleListActions(w http.ResponseWriter, r *http.Request) {
	status, err := queryEnum(r, "status", model.ActionStatus.Valid)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	f := model.ActionFilter{
		Property:  queryString(r, "property"),
		InsightID: queryString(r, "insight_id"),
		Status:    status,
		Limit:     queryLimit(r, 50),
		Offset:    queryOffset(r),
	}
	list, total, err := h.actions.List(r.Context(), f)
	if err != nil {
		h.writeServiceError(w, r, "failed to list actions", err)
		return
	}
	writeListJSON(w, r, list, total, f.Limit, f.Offset)
}

// HandleTopActions handles GET /v1/actions/top: the open work queue by
// priority. Without ?property it spans every property.
func (h *Handlers) HandleTopActions(w http.ResponseWriter, r *http.Request) {
	list, err := h.actions.TopPriority(r.Context(), r.URL.Query().Get("property"), queryLimit(r, 10))
	if err != nil {
		h.writeServiceError(w, r, "failed to list top actions", err)
		return
	}
	writeJSON(w, r, http.StatusOK, list)
}

// HandleGetAction handles GET /v1/actions/{id}.
func (h *Handlers) HandleGetAction(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	a, err := h.actions.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, "action", err)
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

// HandleUpdateAction handles PATCH /v1/actions/{id}.
func (h *Handlers) HandleUpdateAction(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var u model.ActionUpdate
	if err := decodeJSON(w, r, &u, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	a, err := h.actions.Update(r.Context(), id, u)
	if err != nil {
		h.writeServiceError(w, r, "action", err)
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

// HandleRecordOutcome handles POST /v1/actions/{id}/outcome.
func (h *Handlers) HandleRecordOutcome(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.RecordOutcomeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	idem, proceed := h.beginIdempotentWrite(w, r, req)
	if !proceed {
		return
	}
	a, err := h.actions.RecordOutcome(r.Context(), id, req.MetricsAfter)
	if err != nil {
		h.clearIdempotentWrite(r, idem)
		h.writeServiceError(w, r, "action", err)
		return
	}
	h.completeIdempotentWrite(r, idem, http.StatusOK, a)
	writeJSON(w, r, http.StatusOK, a)
}
