// Package handlers serves the admin HTTP API of the engine.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"live-notifier/internal/models"
	"live-notifier/internal/scheduler"
	"live-notifier/pkg/tasks"
)

// Engine is the part of *monitor.Engine the API exposes.
type Engine interface {
	Subscribe(channelName string, platform models.Platform) (bool, error)
	Unsubscribe(channelName string, platform models.Platform) bool
	StatusOf(channelName string, platform models.Platform) (models.ChannelStatus, bool)
	ListSubscriptions() []models.ChannelSubscription
	Statuses() map[string]models.ChannelStatus
	Platforms() []models.Platform
	SchedulerState() scheduler.State
	PollingInterval(platform models.Platform) (time.Duration, bool)
	PollPlatform(ctx context.Context, platform models.Platform) error
	QueryLiveStatus(ctx context.Context, channelNames []string, platform models.Platform) ([]models.ChannelStatus, error)
	QueryTopStreams(ctx context.Context, limit int) map[models.Platform][]models.ChannelStatus
}

type Handlers struct {
	engine Engine
	// asynqClient is set in asynq mode; manual polls are then queued
	// instead of run in the request.
	asynqClient tasks.TaskEnqueuer
	logger      *slog.Logger
}

func New(engine Engine, asynqClient tasks.TaskEnqueuer, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		engine:      engine,
		asynqClient: asynqClient,
		logger:      logger,
	}
}

// Router returns the API routes. The middlewares wrap every route except
// /healthz and /metrics.
func (h *Handlers) Router(mw ...mux.MiddlewareFunc) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.GetHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(mw...)
	api.HandleFunc("/subscriptions", h.GetSubscriptions).Methods(http.MethodGet)
	api.HandleFunc("/subscriptions", h.PostSubscription).Methods(http.MethodPost)
	api.HandleFunc("/subscriptions/{platform}/{channel}", h.DeleteSubscription).Methods(http.MethodDelete)
	api.HandleFunc("/status", h.GetStatuses).Methods(http.MethodGet)
	api.HandleFunc("/status/{platform}/{channel}", h.GetStatus).Methods(http.MethodGet)
	api.HandleFunc("/live", h.GetLive).Methods(http.MethodGet)
	api.HandleFunc("/top", h.GetTop).Methods(http.MethodGet)
	api.HandleFunc("/poll/{platform}", h.PostPoll).Methods(http.MethodPost)
	return r
}

func (h *Handlers) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"scheduler":     h.engine.SchedulerState().String(),
		"platforms":     h.engine.Platforms(),
		"subscriptions": len(h.engine.ListSubscriptions()),
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func platformVar(w http.ResponseWriter, r *http.Request) (models.Platform, bool) {
	p, err := models.ParsePlatform(mux.Vars(r)["platform"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return p, true
}
