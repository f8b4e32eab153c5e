package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/mitoshi/internal/model"
	"github.com/ashita-ai/mitoshi/internal/refresh"
)

// HandleListRuns handles GET /v1/runs, newest first.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset := queryLimit(r, 20), queryOffset(r)
	runs, total, err := h.db.ListRefreshRuns(r.Context(), limit, offset)
	if err != nil {
		h.writeServiceError(w, r, "failed to list runs", err)
		return
	}
	writeListJSON(w, r, runs, total, limit, offset)
}

// HandleGetRun handles GET /v1/runs/{id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	run, err := h.db.GetRefreshRun(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, "run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleTriggerRun handles POST /v1/runs. The run is recorded before the
// response and executes in the background; poll GET /v1/runs/{id} for the
// result. An empty body runs as of today.
func (h *Handlers) HandleTriggerRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "refresh runs are not enabled")
		return
	}
	var req model.TriggerRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil && !errors.Is(err, errEmptyBody) {
		handleDecodeError(w, r, err)
		return
	}
	asOf := h.now()
	if req.AsOf != nil {
		asOf = *req.AsOf
	}
	if asOf.After(h.now()) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "as_of is in the future")
		return
	}

	idem, proceed := h.beginIdempotentWrite(w, r, req)
	if !proceed {
		return
	}
	id, err := h.runs.Start(h.runCtx, asOf, refresh.TriggerManual)
	if err != nil {
		h.clearIdempotentWrite(r, idem)
		if errors.Is(err, refresh.ErrRunInProgress) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
			return
		}
		h.writeServiceError(w, r, "failed to start run", err)
		return
	}
	h.logger.Info("refresh: run triggered", "run_id", id, "subject", subject(r))
	resp := model.TriggerRunResponse{RunID: id}
	h.completeIdempotentWrite(r, idem, http.StatusAccepted, resp)
	writeJSON(w, r, http.StatusAccepted, resp)
}
