// Package api is the HTTP surface for submitting and inspecting tasks.
// It exposes task submission, status, result, and cancel endpoints plus
// health probes and dead letter queue operations, all on net/http with
// method-qualified route patterns.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dreadew/conveyor"
	"github.com/dreadew/conveyor/breaker"
	"github.com/dreadew/conveyor/engine"
)

// API serves the Conveyor HTTP endpoints for one Engine.
type API struct {
	eng    *engine.Engine
	logger *slog.Logger
}

// Option configures the API.
type Option func(*API)

// WithLogger sets the logger for request-level errors.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// New creates an API from an Engine.
func New(eng *engine.Engine, opts ...Option) *API {
	a := &API{
		eng:    eng,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /tasks", a.submitTask)
	mux.HandleFunc("GET /tasks", a.listTasks)
	mux.HandleFunc("GET /tasks/{taskID}", a.getTask)
	mux.HandleFunc("GET /tasks/{taskID}/result", a.getTaskResult)
	mux.HandleFunc("POST /tasks/{taskID}/cancel", a.cancelTask)

	mux.HandleFunc("GET /dlq", a.listDLQ)
	mux.HandleFunc("GET /dlq/{entryID}", a.getDLQ)
	mux.HandleFunc("POST /dlq/{entryID}/replay", a.replayDLQ)

	mux.HandleFunc("GET /stats", a.getStats)

	mux.HandleFunc("GET /healthz", a.healthz)
	mux.HandleFunc("GET /readyz", a.readyz)

	return mux
}

// errorResponse is the JSON body for all non-2xx responses.
type errorResponse struct {
	Error string `json:"error"`
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("encode response", "error", err)
	}
}

// writeError maps domain sentinels to HTTP status codes.
func (a *API) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, conveyor.ErrJobNotFound),
		errors.Is(err, conveyor.ErrDLQNotFound):
		status = http.StatusNotFound
	case errors.Is(err, conveyor.ErrInvalidState),
		errors.Is(err, conveyor.ErrJobAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, breaker.ErrOpen):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		a.logger.Error("request failed", "error", err)
	}
	a.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (a *API) writeBadRequest(w http.ResponseWriter, msg string) {
	a.writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}
