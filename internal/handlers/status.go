package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/hibiken/asynq"

	"live-notifier/internal/models"
	"live-notifier/internal/monitor"
	"live-notifier/pkg/tasks"
)

const (
	defaultTopLimit = 10
	maxTopLimit     = 100
	maxLiveChannels = 100
)

func (h *Handlers) GetStatuses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Statuses())
}

func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	platform, ok := platformVar(w, r)
	if !ok {
		return
	}
	status, ok := h.engine.StatusOf(mux.Vars(r)["channel"], platform)
	if !ok {
		writeError(w, http.StatusNotFound, "no status for channel")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// GetLive checks arbitrary channels without subscribing them.
func (h *Handlers) GetLive(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	platform, err := models.ParsePlatform(q.Get("platform"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var names []string
	for _, n := range strings.Split(q.Get("channels"), ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		writeError(w, http.StatusBadRequest, "channels is required")
		return
	}
	if len(names) > maxLiveChannels {
		writeError(w, http.StatusBadRequest, "at most 100 channels per request")
		return
	}

	statuses, err := h.engine.QueryLiveStatus(r.Context(), names, platform)
	if errors.Is(err, monitor.ErrPlatformDisabled) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("Live status query failed", "platform", platform, "error", err)
		writeError(w, http.StatusBadGateway, "live status query failed")
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (h *Handlers) GetTop(w http.ResponseWriter, r *http.Request) {
	limit := defaultTopLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxTopLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, h.engine.QueryTopStreams(r.Context(), limit))
}

// PostPoll triggers a cycle. In asynq mode the cycle is queued and the
// response is 202; otherwise it runs before the response is written.
func (h *Handlers) PostPoll(w http.ResponseWriter, r *http.Request) {
	platform, ok := platformVar(w, r)
	if !ok {
		return
	}
	interval, enabled := h.engine.PollingInterval(platform)
	if !enabled {
		writeError(w, http.StatusNotFound, "platform not enabled")
		return
	}

	if h.asynqClient != nil {
		task, err := tasks.NewPollPlatformTask(platform)
		if err != nil {
			h.logger.Error("Error creating task", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		info, err := h.asynqClient.Enqueue(task, tasks.PollPlatformOptions(interval)...)
		if errors.Is(err, asynq.ErrDuplicateTask) {
			writeError(w, http.StatusConflict, "poll already queued")
			return
		}
		if err != nil {
			h.logger.Error("Error enqueuing task", "platform", platform, "error", err)
			writeError(w, http.StatusServiceUnavailable, "could not queue poll")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"platform": string(platform), "taskId": info.ID})
		return
	}

	err := h.engine.PollPlatform(context.WithoutCancel(r.Context()), platform)
	switch {
	case errors.Is(err, monitor.ErrCycleInFlight):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		h.logger.Error("Manual poll failed", "platform", platform, "error", err)
		writeError(w, http.StatusInternalServerError, "poll failed")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"platform": string(platform), "status": "done"})
	}
}
