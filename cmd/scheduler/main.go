package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"live-notifier/internal/config"
	"live-notifier/internal/logging"
	"live-notifier/internal/models"
	"live-notifier/pkg/tasks"
)

// CommitSHA is set at build time via ldflags
var CommitSHA = "unknown"

// registrar is implemented by *asynq.Scheduler.
type registrar interface {
	Register(cronspec string, task *asynq.Task, opts ...asynq.Option) (string, error)
}

// registerPolls adds one periodic poll task per platform.
func registerPolls(s registrar, intervals map[models.Platform]time.Duration, platforms []models.Platform) error {
	for _, p := range platforms {
		interval := intervals[p]
		task, err := tasks.NewPollPlatformTask(p)
		if err != nil {
			return fmt.Errorf("could not create task for %s: %w", p, err)
		}
		spec := fmt.Sprintf("@every %s", interval)
		id, err := s.Register(spec, task, tasks.PollPlatformOptions(interval)...)
		if err != nil {
			return fmt.Errorf("could not register task for %s: %w", p, err)
		}
		slog.Info("Registered poll task", "platform", p, "spec", spec, "entry_id", id)
	}
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	if cfg.RedisAddr == "" {
		slog.Error("REDIS_ADDR is required")
		os.Exit(1)
	}

	scheduler := asynq.NewScheduler(
		asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		&asynq.SchedulerOpts{},
	)

	platforms := []models.Platform{models.PlatformKick, models.PlatformYouTube}
	if cfg.TwitchEnabled() {
		platforms = append([]models.Platform{models.PlatformTwitch}, platforms...)
	}
	if err := registerPolls(scheduler, cfg.Intervals(), platforms); err != nil {
		slog.Error("Failed to register tasks", "error", err)
		os.Exit(1)
	}

	slog.Info("Scheduler starting", "commit", CommitSHA)
	if err := scheduler.Run(); err != nil {
		slog.Error("could not run scheduler", "error", err)
		os.Exit(1)
	}
}
