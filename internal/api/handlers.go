package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"runbox/internal/monitor"
	"runbox/internal/queue"
	"runbox/internal/runtime"
	"runbox/internal/storage"
)

// Store is the persistence surface the handlers need.
type Store interface {
	CreateSession(ctx context.Context, language, sourceCode string) (*storage.Session, error)
	GetSession(ctx context.Context, id string) (*storage.Session, error)
	UpdateSessionCode(ctx context.Context, id, sourceCode string) (*storage.Session, error)
	ArchiveSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, filter storage.SessionFilter) ([]storage.Session, error)
	CreateExecution(ctx context.Context, sessionID string) (*storage.Execution, error)
	GetExecution(ctx context.Context, id string) (*storage.Execution, error)
	ListExecutions(ctx context.Context, sessionID string, limit int) ([]storage.Execution, error)
	Healthy(ctx context.Context) bool
}

type Handlers struct {
	store    Store
	producer queue.Producer
	runtimes *runtime.Registry
	metrics  *monitor.Metrics
	maxCode  int64
}

func NewHandlers(store Store, producer queue.Producer, runtimes *runtime.Registry, metrics *monitor.Metrics, maxCode int64) *Handlers {
	return &Handlers{
		store:    store,
		producer: producer,
		runtimes: runtimes,
		metrics:  metrics,
		maxCode:  maxCode,
	}
}

func (h *Handlers) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if req.Language == "" {
		writeError(w, "language is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Code == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if h.maxCode > 0 && int64(len(req.Code)) > h.maxCode {
		writeError(w, "code exceeds maximum size", "CODE_TOO_LARGE", http.StatusRequestEntityTooLarge, r)
		return
	}
	if _, err := h.runtimes.Get(req.Language); err != nil {
		writeError(w, err.Error(), "UNSUPPORTED_LANGUAGE", http.StatusBadRequest, r)
		return
	}

	if h.metrics != nil {
		h.metrics.CodeSizeBytes.Observe(float64(len(req.Code)))
	}

	session, err := h.store.CreateSession(r.Context(), req.Language, req.Code)
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("create session failed")
		writeError(w, "failed to create session", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusCreated, session)
}

func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "session ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	session, err := h.store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, "session not found", "NOT_FOUND", http.StatusNotFound, r)
			return
		}
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	filter := storage.SessionFilter{
		Status: storage.SessionStatus(r.URL.Query().Get("status")),
		Limit:  100,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Limit = n
	}

	sessions, err := h.store.ListSessions(r.Context(), filter)
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handlers) HandleUpdateCode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "session ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	var req UpdateCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Code == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if h.maxCode > 0 && int64(len(req.Code)) > h.maxCode {
		writeError(w, "code exceeds maximum size", "CODE_TOO_LARGE", http.StatusRequestEntityTooLarge, r)
		return
	}

	session, err := h.store.UpdateSessionCode(r.Context(), id, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, "session not found", "NOT_FOUND", http.StatusNotFound, r)
			return
		}
		writeError(w, "update failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

func (h *Handlers) HandleArchiveSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "session ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if err := h.store.ArchiveSession(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, "session not found", "NOT_FOUND", http.StatusNotFound, r)
			return
		}
		writeError(w, "archive failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(storage.SessionArchived)})
}

// HandleRunSession enqueues an execution of the session's current code and
// returns 202 with the new execution in QUEUED state.
func (h *Handlers) HandleRunSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "session ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	session, err := h.store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, "session not found", "NOT_FOUND", http.StatusNotFound, r)
			return
		}
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if session.Status == storage.SessionArchived {
		writeError(w, "session is archived", "SESSION_ARCHIVED", http.StatusConflict, r)
		return
	}

	// The QUEUED record is written before the job is enqueued so pollers
	// never see an execution ID the store does not know about.
	exec, err := h.store.CreateExecution(r.Context(), session.ID)
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("create execution failed")
		writeError(w, "failed to create execution", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	job := queue.Job{
		ExecutionID: exec.ID,
		Language:    session.Language,
		Code:        session.SourceCode,
	}
	if err := h.producer.Enqueue(r.Context(), job); err != nil {
		log.Error().Err(err).
			Str("execution_id", exec.ID).
			Str("request_id", RequestIDFromContext(r.Context())).
			Msg("enqueue failed")
		writeError(w, "failed to enqueue execution", "QUEUE_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	if h.metrics != nil {
		h.metrics.EnqueuedTotal.Inc()
	}

	writeJSON(w, http.StatusAccepted, RunResponse{
		ExecutionID: exec.ID,
		SessionID:   session.ID,
		Status:      string(exec.Status),
	})
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "execution ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	exec, err := h.store.GetExecution(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
			return
		}
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, exec)
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "session ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if _, err := h.store.GetSession(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, "session not found", "NOT_FOUND", http.StatusNotFound, r)
			return
		}
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	execs, err := h.store.ListExecutions(r.Context(), id, 100)
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, execs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
