// Package monitor wires the registry, the pollers, the detector, the event
// dispatcher and persistence into the polling engine. One Engine is built per
// process and handed to every consumer.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"live-notifier/internal/db"
	"live-notifier/internal/detector"
	"live-notifier/internal/events"
	"live-notifier/internal/metrics"
	"live-notifier/internal/models"
	"live-notifier/internal/poller"
	"live-notifier/internal/registry"
	"live-notifier/internal/scheduler"
)

const DefaultInterval = 60 * time.Second

var (
	ErrCycleInFlight    = errors.New("poll cycle already in flight")
	ErrPlatformDisabled = errors.New("platform not enabled")
)

// ChannelIDCache is implemented by pollers that memoise handle resolution.
// The cache travels with the snapshot.
type ChannelIDCache interface {
	ChannelIDs() map[string]string
	RestoreChannelIDs(ids map[string]string)
	OnChannelIDResolved(fn func())
}

type Options struct {
	Store         db.Store
	Pollers       []poller.Poller
	Intervals     map[models.Platform]time.Duration
	FlushInterval time.Duration
	// Seed is subscribed on Load in addition to the persisted channels.
	Seed []models.ChannelSubscription
	// ExternalScheduling leaves the timers to another process; Start then
	// only runs the background flush.
	ExternalScheduling bool
	Clock              clockwork.Clock
	Logger             *slog.Logger
}

type Engine struct {
	registry   *registry.Registry
	dispatcher *events.Dispatcher
	persister  *db.Persister
	scheduler  *scheduler.Scheduler
	store      db.Store
	pollers    map[models.Platform]poller.Poller
	guards     map[models.Platform]*sync.Mutex
	idCache    ChannelIDCache
	seed       []models.ChannelSubscription
	external   bool
	clock      clockwork.Clock
	logger     *slog.Logger

	mu          sync.Mutex
	stopFlusher context.CancelFunc
	flusherDone chan struct{}
}

func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	e := &Engine{
		dispatcher: events.NewDispatcher(opts.Logger),
		store:      opts.Store,
		pollers:    make(map[models.Platform]poller.Poller),
		guards:     make(map[models.Platform]*sync.Mutex),
		seed:       opts.Seed,
		external:   opts.ExternalScheduling,
		clock:      opts.Clock,
		logger:     opts.Logger,
	}

	intervals := make(map[models.Platform]time.Duration)
	for _, p := range opts.Pollers {
		platform := p.Platform()
		e.pollers[platform] = p
		e.guards[platform] = &sync.Mutex{}
		intervals[platform] = DefaultInterval
		if d, ok := opts.Intervals[platform]; ok && d > 0 {
			intervals[platform] = d
		}
		if c, ok := p.(ChannelIDCache); ok {
			e.idCache = c
		}
	}

	e.persister = db.NewPersister(opts.Store, e.snapshot, opts.Clock, opts.FlushInterval, opts.Logger)
	e.registry = registry.New(opts.Clock, e.persister.MarkDirty)
	e.scheduler = scheduler.New(e.scheduledPoll, intervals, opts.Clock, opts.Logger)
	if e.idCache != nil {
		e.idCache.OnChannelIDResolved(e.persister.MarkDirty)
	}
	return e
}

// Load restores the persisted snapshot and subscribes the seed channels. A
// snapshot that cannot be decoded is replaced by an empty one.
func (e *Engine) Load(ctx context.Context) error {
	s, err := e.store.LoadSnapshot(ctx)
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		e.logger.Error("Snapshot is corrupt, starting with an empty state", "error", err)
		e.persister.MarkDirty()
	case err != nil:
		return fmt.Errorf("failed to load snapshot: %w", err)
	case s != nil:
		e.registry.Restore(*s)
		if e.idCache != nil {
			e.idCache.RestoreChannelIDs(s.ChannelIDs)
		}
		e.logger.Info("Snapshot loaded", "channels", len(s.Channels), "statuses", len(s.LastKnownStatuses), "channel_ids", len(s.ChannelIDs))
	}

	for _, sub := range e.seed {
		if err := models.ValidateChannelName(sub.Platform, sub.ChannelName); err != nil {
			e.logger.Warn("Ignoring seed channel", "platform", sub.Platform, "channel", sub.ChannelName, "error", err)
			continue
		}
		e.registry.Subscribe(sub.ChannelName, sub.Platform)
	}
	e.updateGauges()
	return nil
}

func (e *Engine) snapshot() models.Snapshot {
	s := e.registry.Snapshot()
	if e.idCache != nil {
		s.ChannelIDs = e.idCache.ChannelIDs()
	}
	return s
}

// Subscribe returns false when the channel was already subscribed, and
// models.ErrInvalidChannelName for a name the platform cannot resolve.
func (e *Engine) Subscribe(channelName string, platform models.Platform) (bool, error) {
	channelName = strings.TrimSpace(channelName)
	if err := models.ValidateChannelName(platform, channelName); err != nil {
		return false, err
	}
	added := e.registry.Subscribe(channelName, platform)
	if added {
		e.logger.Info("Channel subscribed", "platform", platform, "channel", channelName)
		e.updateGauges()
	}
	return added, nil
}

// Unsubscribe removes the channel and its status.
func (e *Engine) Unsubscribe(channelName string, platform models.Platform) bool {
	removed := e.registry.Unsubscribe(channelName, platform)
	if removed {
		e.logger.Info("Channel unsubscribed", "platform", platform, "channel", channelName)
		e.updateGauges()
	}
	return removed
}

func (e *Engine) StatusOf(channelName string, platform models.Platform) (models.ChannelStatus, bool) {
	return e.registry.StatusOf(channelName, platform)
}

func (e *Engine) ListSubscriptions() []models.ChannelSubscription {
	return e.registry.List()
}

func (e *Engine) Statuses() map[string]models.ChannelStatus {
	return e.registry.Statuses()
}

// OnEvent registers h for every event kind. Events() gives access to the
// typed single-kind registrations.
func (e *Engine) OnEvent(h events.Handler) {
	e.dispatcher.Subscribe(h)
}

func (e *Engine) Events() *events.Dispatcher {
	return e.dispatcher
}

// Platforms returns the platforms that have a poller.
func (e *Engine) Platforms() []models.Platform {
	var out []models.Platform
	for _, p := range models.Platforms {
		if _, ok := e.pollers[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Start launches the background flush and, unless scheduling is external,
// the poll timers.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.stopFlusher == nil {
		flushCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		e.stopFlusher = cancel
		e.flusherDone = make(chan struct{})
		go func(done chan struct{}) {
			defer close(done)
			e.persister.Run(flushCtx)
		}(e.flusherDone)
	}
	e.mu.Unlock()

	if !e.external {
		e.scheduler.Start(ctx)
	}
}

// Stop clears the timers. Running cycles finish on their own; see Wait.
func (e *Engine) Stop() {
	e.scheduler.Stop()
}

// Wait blocks until every scheduled cycle has returned.
func (e *Engine) Wait() {
	e.scheduler.Wait()
}

func (e *Engine) SchedulerState() scheduler.State {
	return e.scheduler.State()
}

// Shutdown stops the timers, waits for running cycles, stops the background
// flush and writes the final snapshot.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.Stop()

	waited := make(chan struct{})
	go func() {
		e.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		e.logger.Warn("Gave up waiting for running poll cycles", "error", ctx.Err())
	}

	e.mu.Lock()
	if e.stopFlusher != nil {
		e.stopFlusher()
		<-e.flusherDone
		e.stopFlusher = nil
	}
	e.mu.Unlock()

	return e.FlushNow(ctx)
}

// FlushNow writes the snapshot synchronously.
func (e *Engine) FlushNow(ctx context.Context) error {
	if err := e.persister.FlushNow(ctx); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

func (e *Engine) SetPollingInterval(platform models.Platform, d time.Duration) error {
	if _, ok := e.pollers[platform]; !ok {
		return fmt.Errorf("%w: %s", ErrPlatformDisabled, platform)
	}
	if d <= 0 {
		return fmt.Errorf("polling interval must be positive, got %s", d)
	}
	e.scheduler.SetInterval(platform, d)
	return nil
}

func (e *Engine) PollingInterval(platform models.Platform) (time.Duration, bool) {
	if _, ok := e.pollers[platform]; !ok {
		return 0, false
	}
	return e.scheduler.Interval(platform)
}

func (e *Engine) scheduledPoll(ctx context.Context, platform models.Platform) error {
	err := e.PollPlatform(ctx, platform)
	if errors.Is(err, ErrCycleInFlight) {
		e.logger.Info("Previous poll cycle still running, skipping tick", "platform", platform)
		return nil
	}
	return err
}

// QueryLiveStatus checks channels that need not be subscribed. Nothing is
// stored and no event is emitted. Channels that do not exist are left out.
func (e *Engine) QueryLiveStatus(ctx context.Context, channelNames []string, platform models.Platform) ([]models.ChannelStatus, error) {
	p, ok := e.pollers[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlatformDisabled, platform)
	}

	var targets []poller.Target
	seen := make(map[string]bool)
	for _, name := range channelNames {
		name = strings.TrimSpace(name)
		key := models.ChannelKey(platform, name)
		if name == "" || seen[key] {
			continue
		}
		seen[key] = true
		targets = append(targets, poller.Target{Sub: models.ChannelSubscription{Platform: platform, ChannelName: name}})
	}

	res := p.Poll(ctx, targets)
	out := make([]models.ChannelStatus, 0, len(res.Observations))
	for _, o := range res.Observations {
		s := o.Status.Clone()
		s.Key = o.Sub.Key()
		out = append(out, s)
	}
	return out, nil
}

// QueryTopStreams returns the most popular live channels of every platform
// that can list them. A failing platform contributes an empty list.
func (e *Engine) QueryTopStreams(ctx context.Context, limit int) map[models.Platform][]models.ChannelStatus {
	out := make(map[models.Platform][]models.ChannelStatus)
	for _, platform := range e.Platforms() {
		top, ok := e.pollers[platform].(poller.TopStreamer)
		if !ok {
			continue
		}
		streams, err := top.TopStreams(ctx, limit)
		if err != nil {
			e.logger.Warn("Failed to fetch top streams", "platform", platform, "error", err)
			streams = []models.ChannelStatus{}
		}
		out[platform] = streams
	}
	return out
}

// PollPlatform runs one poll cycle for platform. At most one cycle per
// platform runs at a time; a concurrent call gets ErrCycleInFlight.
func (e *Engine) PollPlatform(ctx context.Context, platform models.Platform) error {
	p, ok := e.pollers[platform]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPlatformDisabled, platform)
	}
	guard := e.guards[platform]
	if !guard.TryLock() {
		metrics.PollCyclesTotal.WithLabelValues(string(platform), "skipped").Inc()
		return ErrCycleInFlight
	}
	defer guard.Unlock()

	logger := e.logger.With("platform", platform, "cycle_id", uuid.NewString())
	subs := e.registry.ListPlatform(platform)
	if len(subs) == 0 {
		logger.Debug("No subscribed channels")
		return nil
	}

	targets := make([]poller.Target, len(subs))
	for i, sub := range subs {
		targets[i] = poller.Target{Sub: sub}
		if prev, ok := e.registry.StatusOf(sub.ChannelName, platform); ok {
			targets[i].Prev = &prev
		}
	}

	start := e.clock.Now()
	res := p.Poll(ctx, targets)

	var evs []events.Event
	discarded := 0
	for _, o := range res.Observations {
		prev, ok := e.registry.Apply(o.Sub, o.Status)
		if !ok {
			discarded++
			continue
		}
		evs = append(evs, detector.Detect(o.Sub, prev, o.Status)...)
	}

	for _, sub := range res.NotFound {
		if e.registry.Unsubscribe(sub.ChannelName, sub.Platform) {
			logger.Warn("Channel no longer exists, unsubscribed", "channel", sub.ChannelName)
			evs = append(evs, events.ChannelNotFound{Platform: sub.Platform, ChannelName: sub.ChannelName})
		}
	}
	if len(res.NotFound) > 0 {
		e.updateGauges()
	}

	e.dispatcher.Publish(ctx, evs...)
	for _, ev := range evs {
		metrics.EventsEmittedTotal.WithLabelValues(string(platform), string(ev.Kind())).Inc()
	}

	outcome := "ok"
	if res.Failed > 0 {
		outcome = "partial"
	}
	elapsed := e.clock.Since(start)
	metrics.PollCyclesTotal.WithLabelValues(string(platform), outcome).Inc()
	metrics.PollCycleDuration.WithLabelValues(string(platform)).Observe(elapsed.Seconds())

	logger.Info("Poll cycle finished",
		"channels", len(subs),
		"observed", len(res.Observations),
		"failed", res.Failed,
		"not_found", len(res.NotFound),
		"discarded", discarded,
		"events", len(evs),
		"duration", elapsed.Round(time.Millisecond),
	)
	return nil
}

func (e *Engine) updateGauges() {
	counts := make(map[models.Platform]int)
	for _, s := range e.registry.List() {
		counts[s.Platform]++
	}
	for _, p := range models.Platforms {
		metrics.SubscribedChannels.WithLabelValues(string(p)).Set(float64(counts[p]))
	}
}
