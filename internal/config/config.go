// Package config loads the service configuration from the environment. A
// .env file in the working directory is read first when present.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"

	"live-notifier/internal/models"
)

const (
	SchedulerLocal = "local"
	SchedulerAsynq = "asynq"

	maxTwitchBatchSize = 75
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	DataDir       string `env:"DATA_DIR" default:"./data"`
	DatabaseURL   string `env:"DATABASE_URL"`
	RedisAddr     string `env:"REDIS_ADDR"`
	EventsChannel string `env:"EVENTS_CHANNEL" default:"stream-events"`
	SchedulerMode string `env:"SCHEDULER_MODE" default:"local"`
	SeedChannels  string `env:"SEED_CHANNELS"`

	PollInterval        time.Duration `env:"POLL_INTERVAL" default:"60s"`
	TwitchPollInterval  time.Duration `env:"TWITCH_POLL_INTERVAL"`
	KickPollInterval    time.Duration `env:"KICK_POLL_INTERVAL"`
	YouTubePollInterval time.Duration `env:"YOUTUBE_POLL_INTERVAL"`
	FlushInterval       time.Duration `env:"FLUSH_INTERVAL" default:"5s"`
	HTTPTimeout         time.Duration `env:"HTTP_TIMEOUT" default:"10s"`

	TwitchClientID      string        `env:"TWITCH_CLIENT_ID"`
	TwitchClientSecret  string        `env:"TWITCH_CLIENT_SECRET"`
	TwitchBatchSize     int           `env:"TWITCH_BATCH_SIZE" default:"75"`
	TwitchBatchDelay    time.Duration `env:"TWITCH_BATCH_DELAY" default:"1s"`
	KickRequestDelay    time.Duration `env:"KICK_REQUEST_DELAY" default:"1s"`
	YouTubeRequestDelay time.Duration `env:"YOUTUBE_REQUEST_DELAY" default:"1s"`
	LeaseLifetime       time.Duration `env:"LEASE_LIFETIME" default:"360h"` // 15 days

	APIRateLimit float64 `env:"API_RATE_LIMIT" default:"5"`
	APIRateBurst int     `env:"API_RATE_BURST" default:"10"`
	// AdminToken protects the admin API when set.
	AdminToken string `env:"ADMIN_TOKEN"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	switch cfg.SchedulerMode {
	case SchedulerLocal:
	case SchedulerAsynq:
		if cfg.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required when SCHEDULER_MODE is asynq")
		}
	default:
		return fmt.Errorf("SCHEDULER_MODE must be %q or %q, got %q", SchedulerLocal, SchedulerAsynq, cfg.SchedulerMode)
	}

	if (cfg.TwitchClientID == "") != (cfg.TwitchClientSecret == "") {
		return errors.New("TWITCH_CLIENT_ID and TWITCH_CLIENT_SECRET must be set together")
	}
	if cfg.TwitchBatchSize < 1 || cfg.TwitchBatchSize > maxTwitchBatchSize {
		return fmt.Errorf("TWITCH_BATCH_SIZE must be between 1 and %d", maxTwitchBatchSize)
	}

	durations := map[string]time.Duration{
		"POLL_INTERVAL":  cfg.PollInterval,
		"FLUSH_INTERVAL": cfg.FlushInterval,
		"HTTP_TIMEOUT":   cfg.HTTPTimeout,
		"LEASE_LIFETIME": cfg.LeaseLifetime,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if cfg.APIRateLimit <= 0 || cfg.APIRateBurst <= 0 {
		return errors.New("API_RATE_LIMIT and API_RATE_BURST must be positive")
	}

	if _, err := cfg.Seed(); err != nil {
		return err
	}
	return nil
}

// TwitchEnabled reports whether Twitch credentials were provided.
func (c *Config) TwitchEnabled() bool {
	return c.TwitchClientID != "" && c.TwitchClientSecret != ""
}

// Intervals returns the polling interval of every platform, applying the
// per-platform overrides to POLL_INTERVAL.
func (c *Config) Intervals() map[models.Platform]time.Duration {
	out := map[models.Platform]time.Duration{
		models.PlatformTwitch:  c.PollInterval,
		models.PlatformKick:    c.PollInterval,
		models.PlatformYouTube: c.PollInterval,
	}
	overrides := map[models.Platform]time.Duration{
		models.PlatformTwitch:  c.TwitchPollInterval,
		models.PlatformKick:    c.KickPollInterval,
		models.PlatformYouTube: c.YouTubePollInterval,
	}
	for p, d := range overrides {
		if d > 0 {
			out[p] = d
		}
	}
	return out
}

// Seed parses SEED_CHANNELS, a comma separated list of platform:channel.
func (c *Config) Seed() ([]models.ChannelSubscription, error) {
	var out []models.ChannelSubscription
	for _, item := range strings.Split(c.SeedChannels, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		platform, name, ok := strings.Cut(item, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("SEED_CHANNELS entry %q must look like platform:channel", item)
		}
		p, err := models.ParsePlatform(platform)
		if err != nil {
			return nil, fmt.Errorf("SEED_CHANNELS entry %q: %w", item, err)
		}
		name = strings.TrimSpace(name)
		if err := models.ValidateChannelName(p, name); err != nil {
			return nil, fmt.Errorf("SEED_CHANNELS entry %q: %w", item, err)
		}
		out = append(out, models.ChannelSubscription{Platform: p, ChannelName: name})
	}
	return out, nil
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}
