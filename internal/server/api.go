package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"dockyard/internal/logging"
	"dockyard/internal/serviceapi"
)

type RouterOptions struct {
	// APIKey, when set, is required as a bearer token on mutating routes.
	APIKey string
	Logger *slog.Logger
}

type api struct {
	core   serviceapi.Core
	logger *slog.Logger
}

type runRequest struct {
	Command string `json:"command"`
	RunID   string `json:"runId,omitempty"`
}

type validateRequest struct {
	Command string `json:"command"`
}

// NewRouter builds the /v1 HTTP API on top of core.
func NewRouter(core serviceapi.Core, options RouterOptions) http.Handler {
	logger := logging.OrDiscard(options.Logger).With("component", "http")
	handlers := &api{core: core, logger: logger}

	router := mux.NewRouter()
	router.Use(withRequestID, withRequestLog(logger))
	router.NotFoundHandler = http.HandlerFunc(handleNotFound)
	router.MethodNotAllowedHandler = http.HandlerFunc(handleMethodNotAllowed)

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/run", requireAPIKey(options.APIKey, handlers.handleRun)).Methods(http.MethodPost)
	v1.HandleFunc("/validate", requireAPIKey(options.APIKey, handlers.handleValidate)).Methods(http.MethodPost)
	v1.HandleFunc("/jobs", handlers.handleListJobs).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}", handlers.handleJobStatus).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}/events", handlers.handleJobEvents).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}/ws", handlers.handleJobStream).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}/cancel", requireAPIKey(options.APIKey, handlers.handleCancelJob)).Methods(http.MethodPost)
	v1.HandleFunc("/health", handlers.handleHealth).Methods(http.MethodGet)
	return router
}

func (a *api) handleRun(w http.ResponseWriter, req *http.Request) {
	var payload runRequest
	if err := decodeJSON(req, &payload); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	result, err := a.core.Submit(req.Context(), payload.Command, strings.TrimSpace(payload.RunID))
	if err != nil {
		a.logger.Info("run rejected", "error", err.Error())
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (a *api) handleValidate(w http.ResponseWriter, req *http.Request) {
	var payload validateRequest
	if err := decodeJSON(req, &payload); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	result, err := a.core.Validate(req.Context(), payload.Command)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *api) handleListJobs(w http.ResponseWriter, req *http.Request) {
	jobs, err := a.core.List(req.Context())
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (a *api) handleJobStatus(w http.ResponseWriter, req *http.Request) {
	snapshot, err := a.core.Status(req.Context(), mux.Vars(req)["id"], runIDParam(req))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (a *api) handleCancelJob(w http.ResponseWriter, req *http.Request) {
	snapshot, err := a.core.Cancel(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (a *api) handleHealth(w http.ResponseWriter, req *http.Request) {
	health, err := a.core.Health(req.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeAPIError(w, http.StatusNotFound, "not_found", "route not found")
}

func handleMethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

func runIDParam(req *http.Request) string {
	return strings.TrimSpace(req.URL.Query().Get("runId"))
}
