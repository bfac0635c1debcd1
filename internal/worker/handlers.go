package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"live-notifier/internal/models"
	"live-notifier/internal/monitor"
	"live-notifier/pkg/tasks"
)

// PlatformPoller runs one poll cycle. It is implemented by *monitor.Engine.
type PlatformPoller interface {
	PollPlatform(ctx context.Context, platform models.Platform) error
}

type TaskHandler struct {
	engine PlatformPoller
	logger *slog.Logger
}

func NewTaskHandler(engine PlatformPoller, logger *slog.Logger) *TaskHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskHandler{engine: engine, logger: logger}
}

// Register binds every task type this handler serves to mux.
func (h *TaskHandler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(tasks.TypePollPlatform, h.HandlePollPlatformTask)
}

func (h *TaskHandler) HandlePollPlatformTask(ctx context.Context, t *asynq.Task) error {
	var p tasks.PollPlatformTaskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	platform, err := models.ParsePlatform(string(p.Platform))
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	// Cycles are never cut short by the task deadline or server shutdown.
	err = h.engine.PollPlatform(context.WithoutCancel(ctx), platform)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, monitor.ErrCycleInFlight):
		h.logger.InfoContext(ctx, "Poll task dropped, cycle already running", "platform", platform)
		return nil
	case errors.Is(err, monitor.ErrPlatformDisabled):
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return fmt.Errorf("poll %s: %w", platform, err)
}
