package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"live-notifier/internal/config"
	"live-notifier/internal/db"
	"live-notifier/internal/handlers"
	"live-notifier/internal/lease"
	"live-notifier/internal/logging"
	"live-notifier/internal/middleware"
	"live-notifier/internal/models"
	"live-notifier/internal/monitor"
	"live-notifier/internal/poller"
	"live-notifier/internal/poller/kick"
	"live-notifier/internal/poller/twitch"
	"live-notifier/internal/poller/youtube"
	"live-notifier/internal/relay"
	"live-notifier/internal/worker"
	"live-notifier/pkg/tasks"
)

// CommitSHA is set at build time via ldflags
var CommitSHA = "unknown"

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// setupStore picks Postgres when DATABASE_URL is set and JSON files in
// DATA_DIR otherwise. The returned func closes the connection.
func setupStore(ctx context.Context, cfg *config.Config) (db.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		slog.Info("Using file store", "dir", cfg.DataDir)
		return db.NewFileStore(cfg.DataDir), func() {}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return db.NewPostgresStore(conn), func() { _ = conn.Close() }, nil
}

func setupPollers(cfg *config.Config, store db.Store, clock clockwork.Clock) ([]poller.Poller, error) {
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	var pollers []poller.Poller

	if cfg.TwitchEnabled() {
		leases := lease.NewManager(lease.Config{
			Platform:     models.PlatformTwitch,
			ClientID:     cfg.TwitchClientID,
			ClientSecret: cfg.TwitchClientSecret,
			Lifetime:     cfg.LeaseLifetime,
			HTTPClient:   httpClient,
		}, store, clock, slog.Default())

		tp, err := twitch.New(twitch.Config{
			ClientID:   cfg.TwitchClientID,
			HTTPClient: httpClient,
			BatchSize:  cfg.TwitchBatchSize,
			BatchDelay: cfg.TwitchBatchDelay,
		}, leases, clock, slog.Default())
		if err != nil {
			return nil, err
		}
		pollers = append(pollers, tp)
	} else {
		slog.Warn("TWITCH_CLIENT_ID and TWITCH_CLIENT_SECRET not set, Twitch polling disabled")
	}

	pollers = append(pollers,
		kick.New(kick.Config{HTTPClient: httpClient, RequestDelay: cfg.KickRequestDelay}, clock, slog.Default()),
		youtube.New(youtube.Config{HTTPClient: httpClient, RequestDelay: cfg.YouTubeRequestDelay}, clock, slog.Default()),
	)
	return pollers, nil
}

func setupRelay(ctx context.Context, cfg *config.Config, engine *monitor.Engine, clock clockwork.Clock) *goredis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("Redis not reachable yet, events are relayed once it is", "addr", cfg.RedisAddr, "error", err)
	}
	engine.OnEvent(relay.New(rdb, cfg.EventsChannel, clock, slog.Default()))
	slog.Info("Relaying events to Redis", "addr", cfg.RedisAddr, "channel", cfg.EventsChannel)
	return rdb
}

// setupTaskServer consumes poll tasks in asynq mode. Concurrency covers one
// cycle per platform; the engine rejects overlapping cycles itself.
func setupTaskServer(cfg *config.Config, engine *monitor.Engine) (*asynq.Server, *asynq.ServeMux) {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		asynq.Config{
			Concurrency: len(engine.Platforms()),
			Queues: map[string]int{
				"default": 1,
			},
			Logger: newAsynqLogger(slog.Default()),
		},
	)
	mux := asynq.NewServeMux()
	worker.NewTaskHandler(engine, slog.Default()).Register(mux)
	return srv, mux
}

func newHTTPServer(cfg *config.Config, engine *monitor.Engine, enqueuer tasks.TaskEnqueuer) *http.Server {
	if cfg.AdminToken == "" && cfg.IsProduction() {
		slog.Warn("ADMIN_TOKEN not set, admin API is unauthenticated")
	}
	limiter := middleware.NewRateLimiterMiddleware(rate.Limit(cfg.APIRateLimit), cfg.APIRateBurst)
	router := handlers.New(engine, enqueuer, slog.Default()).Router(
		limiter.Middleware,
		middleware.AuthMiddleware(cfg.AdminToken),
	)
	return &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "scheduler", cfg.SchedulerMode, "commit", CommitSHA)

	ctx := context.Background()

	store, closeStore, err := setupStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to set up store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	pollers, err := setupPollers(cfg, store, clock)
	if err != nil {
		slog.Error("Failed to set up pollers", "error", err)
		os.Exit(1)
	}

	seed, _ := cfg.Seed() // validated by config.Load
	asynqMode := cfg.SchedulerMode == config.SchedulerAsynq
	engine := monitor.New(monitor.Options{
		Store:              store,
		Pollers:            pollers,
		Intervals:          cfg.Intervals(),
		FlushInterval:      cfg.FlushInterval,
		Seed:               seed,
		ExternalScheduling: asynqMode,
		Clock:              clock,
		Logger:             slog.Default(),
	})
	if err := engine.Load(ctx); err != nil {
		slog.Error("Failed to load snapshot", "error", err)
		os.Exit(1)
	}

	if rdb := setupRelay(ctx, cfg, engine, clock); rdb != nil {
		defer func() { _ = rdb.Close() }()
	}

	engine.Start(ctx)

	// Pass nil explicitly outside asynq mode to avoid a typed-nil interface.
	var enqueuer tasks.TaskEnqueuer
	var taskSrv *asynq.Server
	if asynqMode {
		client := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer client.Close()
		enqueuer = client

		var mux *asynq.ServeMux
		taskSrv, mux = setupTaskServer(cfg, engine)
		if err := taskSrv.Start(mux); err != nil {
			slog.Error("Failed to start task server", "error", err)
			os.Exit(1)
		}
	}

	srv := newHTTPServer(cfg, engine, enqueuer)
	done := runGracefulShutdown(srv, taskSrv, engine)

	slog.Info("Admin API listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
	<-done
	slog.Info("Shutdown complete")
}

func runGracefulShutdown(srv *http.Server, taskSrv *asynq.Server, engine *monitor.Engine) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		if taskSrv != nil {
			taskSrv.Shutdown()
		}

		if err := engine.Shutdown(shutdownCtx); err != nil {
			slog.Error("Engine shutdown error", "error", err)
		}

		close(done)
	}()

	return done
}
