package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hanrei/internal/court"
	"github.com/ashita-ai/hanrei/internal/model"
	"github.com/ashita-ai/hanrei/internal/redact"
	"github.com/ashita-ai/hanrei/internal/storage"
)

// CourtRunner runs a court session over a case. *court.Orchestrator
// satisfies it; tests substitute fakes.
type CourtRunner interface {
	Run(ctx context.Context, caseID uuid.UUID, stream func(court.StreamEvent)) (court.RunResult, error)
}

var _ CourtRunner = (*court.Orchestrator)(nil)

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("server: %s is not a valid uuid", name)
	}
	return id, nil
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// HandleCreateCase responds to POST /api/court/cases.
func (h *Handlers) HandleCreateCase(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)

	var req model.CreateCaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if len(req.Source) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "source is required")
		return
	}

	c, err := h.db.CreateCase(r.Context(), model.Case{
		Source:   req.Source,
		Metadata: req.Metadata,
		Result:   req.Result,
		Summary:  req.Summary,
	})
	if err != nil {
		var unredacted *redact.UnredactedDataError
		if errors.As(err, &unredacted) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				"payload contains unredacted sensitive data (rule "+unredacted.RuleName+")")
			return
		}
		h.logger.Error("create case failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "create case failed")
		return
	}
	writeJSON(w, r, http.StatusCreated, c)
}

// HandleListCases responds to GET /api/court/cases.
func (h *Handlers) HandleListCases(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	cases, err := h.db.ListCases(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("list cases failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "list cases failed")
		return
	}
	writeList(w, r, cases, len(cases))
}

// HandleGetCase responds to GET /api/court/cases/{case_id}.
func (h *Handlers) HandleGetCase(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "case_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "case_id is not a valid uuid")
		return
	}
	c, err := h.db.GetCase(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "case not found")
			return
		}
		h.logger.Error("get case failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "get case failed")
		return
	}
	writeJSON(w, r, http.StatusOK, c)
}

// HandleListCaseEvents responds to GET /api/court/cases/{case_id}/events.
func (h *Handlers) HandleListCaseEvents(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "case_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "case_id is not a valid uuid")
		return
	}
	events, err := h.db.ListCaseEvents(r.Context(), id, queryInt(r, "limit", 200))
	if err != nil {
		h.logger.Error("list case events failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "list case events failed")
		return
	}
	writeList(w, r, events, len(events))
}

// HandleCourtRun responds to POST /api/court/run: runs a full court session
// synchronously and returns the finished run with its judgement.
func (h *Handlers) HandleCourtRun(w http.ResponseWriter, r *http.Request) {
	if h.courts == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "court runs are not configured")
		return
	}
	h.limitBody(w, r)

	var req model.CourtRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.CaseID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "case_id is required")
		return
	}

	result, err := h.courts.Run(r.Context(), req.CaseID, nil)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "case not found")
			return
		}
		h.logger.Error("court run failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "court run failed")
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// HandleCourtRunStream responds to POST /api/court/run/stream: starts a
// court session and streams its progress as server-sent events. Each
// notification is one SSE message; the terminal message carries the
// finished run and judgement.
func (h *Handlers) HandleCourtRunStream(w http.ResponseWriter, r *http.Request) {
	if h.courts == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "court runs are not configured")
		return
	}
	h.limitBody(w, r)

	var req model.CourtRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.CaseID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "case_id is required")
		return
	}
	caseID := req.CaseID
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// The server write timeout would cut long runs short.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	writeSSE := func(event string, payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
	}

	result, runErr := h.courts.Run(r.Context(), caseID, func(ev court.StreamEvent) {
		writeSSE(string(ev.Type), ev)
	})
	if runErr != nil {
		writeSSE("error", map[string]any{"error": runErr.Error()})
		return
	}
	writeSSE("result", result)
}

// HandleGetCourtRun responds to GET /api/court/runs/{run_id}.
func (h *Handlers) HandleGetCourtRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "run_id is not a valid uuid")
		return
	}
	run, err := h.db.GetCourtRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "court run not found")
			return
		}
		h.logger.Error("get court run failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "get court run failed")
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleListLessons responds to GET /api/court/lessons.
func (h *Handlers) HandleListLessons(w http.ResponseWriter, r *http.Request) {
	lessons, err := h.db.ListLessons(r.Context(),
		r.URL.Query().Get("role"), queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		h.logger.Error("list lessons failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "list lessons failed")
		return
	}
	writeList(w, r, lessons, len(lessons))
}

// HandleListPromptUpdates responds to GET /api/court/prompt-updates.
func (h *Handlers) HandleListPromptUpdates(w http.ResponseWriter, r *http.Request) {
	status := model.PromptUpdateStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.PromptProposed, model.PromptApproved, model.PromptRejected, model.PromptApplied:
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown status filter")
		return
	}

	updates, err := h.db.ListPromptUpdates(r.Context(), status, queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		h.logger.Error("list prompt updates failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "list prompt updates failed")
		return
	}
	writeList(w, r, updates, len(updates))
}

// HandleReviewPromptUpdate responds to POST /api/court/prompt-updates/{update_id}/review.
func (h *Handlers) HandleReviewPromptUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "update_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "update_id is not a valid uuid")
		return
	}
	h.limitBody(w, r)

	var req model.ReviewPromptUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	reviewer := "local"
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		reviewer = claims.Name
	}
	update, err := h.db.ReviewPromptUpdate(r.Context(), id, req.Approve, reviewer, req.Comment)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "prompt update not found")
		case errors.Is(err, storage.ErrInvalidState):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
		default:
			h.logger.Error("review prompt update failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "review prompt update failed")
		}
		return
	}
	writeJSON(w, r, http.StatusOK, update)
}

// HandleApplyPromptUpdate responds to POST /api/court/prompt-updates/{update_id}/apply.
func (h *Handlers) HandleApplyPromptUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "update_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "update_id is not a valid uuid")
		return
	}

	prompt, err := h.db.ApplyPromptUpdate(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "prompt update not found")
		case errors.Is(err, storage.ErrInvalidState):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
		default:
			h.logger.Error("apply prompt update failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "apply prompt update failed")
		}
		return
	}
	writeJSON(w, r, http.StatusOK, prompt)
}

// HandleGetRolePrompt responds to GET /api/court/roles/{role}/prompt.
func (h *Handlers) HandleGetRolePrompt(w http.ResponseWriter, r *http.Request) {
	role := r.PathValue("role")
	prompt, err := h.db.GetActiveRolePrompt(r.Context(), role)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no active prompt for role")
			return
		}
		h.logger.Error("get role prompt failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "get role prompt failed")
		return
	}
	writeJSON(w, r, http.StatusOK, prompt)
}
