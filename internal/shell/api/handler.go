// Package api serves a read-only HTTP view of the config store and the run
// journal.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/artpar/deploychain/internal/core/domain"
	"github.com/artpar/deploychain/internal/shell/store"
)

// =============================================================================
// Record Sources
// =============================================================================

// RecordSource returns the current key/address mapping.
type RecordSource interface {
	Records(ctx context.Context) (map[string]string, error)
}

// RecordSourceFunc adapts a function to RecordSource.
type RecordSourceFunc func(ctx context.Context) (map[string]string, error)

func (f RecordSourceFunc) Records(ctx context.Context) (map[string]string, error) {
	return f(ctx)
}

// =============================================================================
// Handler
// =============================================================================

// Handler provides HTTP handlers for the API.
type Handler struct {
	records RecordSource
	journal store.Journal // nil when journaling is disabled
	token   string
	logger  *slog.Logger
}

// NewHandler creates a new API handler. journal may be nil. A non-empty
// token is required as a bearer token on every route except /health.
func NewHandler(records RecordSource, journal store.Journal, token string, l *slog.Logger) *Handler {
	if l == nil {
		l = slog.Default()
	}
	return &Handler{
		records: records,
		journal: journal,
		token:   token,
		logger:  l.With("component", "api"),
	}
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.jsonContentType)
	r.Use(h.requestIDHeader)

	r.Get("/health", h.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(h.requireToken)

		r.Route("/records", func(r chi.Router) {
			r.Get("/", h.handleListRecords)
			r.Get("/{key}", h.handleGetRecord)
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", h.handleListRuns)
			r.Get("/{id}", h.handleGetRun)
		})
	})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" && r.Header.Get("Authorization") != "Bearer "+h.token {
			h.logger.Warn("rejected request without valid token",
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			h.writeError(w, http.StatusUnauthorized, "missing or invalid token", "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// =============================================================================
// Record Handlers
// =============================================================================

func (h *Handler) handleListRecords(w http.ResponseWriter, r *http.Request) {
	values, err := h.records.Records(r.Context())
	if err != nil {
		h.logger.Error("failed to read records", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to read records", "internal_error")
		return
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	resp := RecordsResponse{Records: make([]RecordResponse, 0, len(keys)), Total: len(keys)}
	for _, k := range keys {
		resp.Records = append(resp.Records, RecordResponse{Key: k, Value: values[k]})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	values, err := h.records.Records(r.Context())
	if err != nil {
		h.logger.Error("failed to read records", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to read records", "internal_error")
		return
	}

	value, ok := values[key]
	if !ok {
		h.writeError(w, http.StatusNotFound, "record not found", "record_not_found")
		return
	}
	h.writeJSON(w, http.StatusOK, RecordResponse{Key: key, Value: value})
}

// =============================================================================
// Run Handlers
// =============================================================================

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		h.writeError(w, http.StatusNotFound, "run journal is disabled", "journal_disabled")
		return
	}

	opts := store.DefaultListOptions()
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Offset = n
		}
	}
	opts = opts.Normalize()

	runs, err := h.journal.ListRuns(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list runs", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list runs", "internal_error")
		return
	}

	resp := RunsResponse{Runs: make([]RunResponse, 0, len(runs)), Limit: opts.Limit, Offset: opts.Offset}
	for i := range runs {
		resp.Runs = append(resp.Runs, runToResponse(&runs[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		h.writeError(w, http.StatusNotFound, "run journal is disabled", "journal_disabled")
		return
	}
	id := chi.URLParam(r, "id")

	run, err := h.journal.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "run not found", "run_not_found")
			return
		}
		h.logger.Error("failed to get run", "run_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get run", "internal_error")
		return
	}

	records, err := h.journal.ListStepRecords(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to list step records", "run_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list step records", "internal_error")
		return
	}

	resp := RunDetailResponse{RunResponse: runToResponse(run), Steps: make([]StepResponse, 0, len(records))}
	for _, rec := range records {
		resp.Steps = append(resp.Steps, stepToResponse(rec))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func runToResponse(run *domain.Run) RunResponse {
	return RunResponse{
		ID:          run.ID,
		Pipeline:    run.Pipeline,
		Environment: run.Environment,
		From:        run.From,
		Status:      string(run.Status),
		HaltedAt:    run.HaltedAt,
		Error:       run.Error,
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
	}
}

func stepToResponse(rec domain.StepRecord) StepResponse {
	resp := StepResponse{
		Position:   rec.Position,
		Step:       rec.Step,
		Unit:       rec.Unit,
		Status:     rec.Status,
		Key:        rec.Key,
		Address:    rec.Address,
		Wiring:     make([]WiringResponse, 0, len(rec.Wiring)),
		Error:      rec.Error,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
	}
	for _, w := range rec.Wiring {
		resp.Wiring = append(resp.Wiring, WiringResponse{
			Operation: w.Operation,
			Target:    w.Target,
			Policy:    w.Policy,
			Outcome:   string(w.Outcome),
			Error:     w.Error,
		})
	}
	return resp
}
