package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"live-notifier/internal/db"
	"live-notifier/internal/events"
	"live-notifier/internal/models"
	"live-notifier/internal/poller"
	"live-notifier/internal/scheduler"
	"live-notifier/internal/test"
)

type fakePoller struct {
	platform models.Platform
	mu       sync.Mutex
	calls    int
	poll     func(ctx context.Context, targets []poller.Target) poller.Result
}

func (f *fakePoller) Platform() models.Platform { return f.platform }

func (f *fakePoller) Poll(ctx context.Context, targets []poller.Target) poller.Result {
	f.mu.Lock()
	f.calls++
	fn := f.poll
	f.mu.Unlock()
	if fn == nil {
		return poller.Result{}
	}
	return fn(ctx, targets)
}

func (f *fakePoller) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type topPoller struct {
	fakePoller
	top []models.ChannelStatus
	err error
}

func (f *topPoller) TopStreams(context.Context, int) ([]models.ChannelStatus, error) {
	return f.top, f.err
}

type cachingPoller struct {
	fakePoller
	ids map[string]string
}

func (c *cachingPoller) ChannelIDs() map[string]string         { return c.ids }
func (c *cachingPoller) RestoreChannelIDs(ids map[string]string) { c.ids = ids }
func (c *cachingPoller) OnChannelIDResolved(func())              {}

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) add(e events.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, e)
	r.mu.Unlock()
}

func (r *recorder) handler() events.Handler {
	return events.Funcs{
		StreamOnline:    func(_ context.Context, e events.StreamOnline) { r.add(e) },
		StreamOffline:   func(_ context.Context, e events.StreamOffline) { r.add(e) },
		NewVideo:        func(_ context.Context, e events.NewVideo) { r.add(e) },
		ChannelNotFound: func(_ context.Context, e events.ChannelNotFound) { r.add(e) },
	}
}

func (r *recorder) take() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.evs
	r.evs = nil
	return out
}

// liveScript makes every target report the given liveness.
func liveScript(clock clockwork.Clock, live *bool) func(context.Context, []poller.Target) poller.Result {
	return func(_ context.Context, targets []poller.Target) poller.Result {
		var res poller.Result
		for _, t := range targets {
			s := models.ChannelStatus{LastChecked: clock.Now()}
			if *live {
				s.IsLive = true
				s.Title = "Hello"
			}
			res.Observations = append(res.Observations, poller.Observation{Sub: t.Sub, Status: s})
		}
		return res
	}
}

func newEngine(t *testing.T, store db.Store, pollers ...poller.Poller) (*Engine, *recorder, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	e := New(Options{Store: store, Pollers: pollers, Clock: clock})
	require.NoError(t, e.Load(context.Background()))
	rec := &recorder{}
	e.OnEvent(rec.handler())
	return e, rec, clock
}

func TestEngine_OnlineOfflineScenario(t *testing.T) {
	live := false
	fp := &fakePoller{platform: models.PlatformTwitch}
	e, rec, clock := newEngine(t, test.NewMemoryStore(), fp)
	fp.poll = liveScript(clock, &live)

	added, err := e.Subscribe("alpha", models.PlatformTwitch)
	require.NoError(t, err)
	require.True(t, added)

	live = true
	require.NoError(t, e.PollPlatform(context.Background(), models.PlatformTwitch))
	assert.Equal(t, []events.Event{
		events.StreamOnline{Platform: models.PlatformTwitch, ChannelName: "alpha", Title: "Hello"},
	}, rec.take())

	live = false
	clock.Advance(time.Minute)
	require.NoError(t, e.PollPlatform(context.Background(), models.PlatformTwitch))
	assert.Equal(t, []events.Event{
		events.StreamOffline{Platform: models.PlatformTwitch, ChannelName: "alpha"},
	}, rec.take())

	clock.Advance(time.Minute)
	require.NoError(t, e.PollPlatform(context.Background(), models.PlatformTwitch))
	assert.Empty(t, rec.take())

	status, ok := e.StatusOf("ALPHA", models.PlatformTwitch)
	require.True(t, ok)
	assert.Equal(t, "twitch:alpha", status.Key)
	assert.False(t, status.IsLive)
	assert.Equal(t, clock.Now(), status.LastChecked)
}

func TestEngine_SubscribeIsIdempotent(t *testing.T) {
	e, _, _ := newEngine(t, test.NewMemoryStore())

	added, err := e.Subscribe("alpha", models.PlatformKick)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = e.Subscribe("Alpha", models.PlatformKick)
	require.NoError(t, err)
	assert.False(t, added)
	added, _ = e.Subscribe("alpha", models.PlatformYouTube)
	assert.True(t, added)
	assert.Len(t, e.ListSubscriptions(), 2)
}

func TestEngine_SubscribeRejectsImpossibleTwitchLogin(t *testing.T) {
	e, _, _ := newEngine(t, test.NewMemoryStore())

	for _, name := range []string{"bad name", "dash-ed", "", strings.Repeat("a", 26)} {
		added, err := e.Subscribe(name, models.PlatformTwitch)
		assert.ErrorIs(t, err, models.ErrInvalidChannelName, name)
		assert.False(t, added)
	}
	assert.Empty(t, e.ListSubscriptions())

	added, err := e.Subscribe(" good_name ", models.PlatformTwitch)
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, "good_name", e.ListSubscriptions()[0].ChannelName)
}

func TestEngine_UnsubscribeRemovesStatus(t *testing.T) {
	live := true
	fp := &fakePoller{platform: models.PlatformKick}
	e, _, clock := newEngine(t, test.NewMemoryStore(), fp)
	fp.poll = liveScript(clock, &live)

	e.Subscribe("alpha", models.PlatformKick)
	require.NoError(t, e.PollPlatform(context.Background(), models.PlatformKick))
	_, ok := e.StatusOf("alpha", models.PlatformKick)
	require.True(t, ok)

	assert.True(t, e.Unsubscribe("alpha", models.PlatformKick))
	_, ok = e.StatusOf("alpha", models.PlatformKick)
	assert.False(t, ok)
	assert.Empty(t, e.Statuses())
	assert.False(t, e.Unsubscribe("alpha", models.PlatformKick))
}

func TestEngine_NotFoundUnsubscribesAndNotifies(t *testing.T) {
	fp := &fakePoller{platform: models.PlatformYouTube}
	fp.poll = func(_ context.Context, targets []poller.Target) poller.Result {
		return poller.Result{NotFound: []models.ChannelSubscription{targets[0].Sub}}
	}
	e, rec, _ := newEngine(t, test.NewMemoryStore(), fp)
	e.Subscribe("Ghost", models.PlatformYouTube)

	require.NoError(t, e.PollPlatform(context.Background(), models.PlatformYouTube))

	assert.Empty(t, e.ListSubscriptions())
	assert.Equal(t, []events.Event{
		events.ChannelNotFound{Platform: models.PlatformYouTube, ChannelName: "Ghost"},
	}, rec.take())
}

func TestEngine_DiscardsResultOfChannelUnsubscribedMidCycle(t *testing.T) {
	fp := &fakePoller{platform: models.PlatformKick}
	e, rec, clock := newEngine(t, test.NewMemoryStore(), fp)
	fp.poll = func(_ context.Context, targets []poller.Target) poller.Result {
		e.Unsubscribe(targets[0].Sub.ChannelName, models.PlatformKick)
		return poller.Result{Observations: []poller.Observation{{
			Sub:    targets[0].Sub,
			Status: models.ChannelStatus{IsLive: true, LastChecked: clock.Now()},
		}}}
	}
	e.Subscribe("alpha", models.PlatformKick)

	require.NoError(t, e.PollPlatform(context.Background(), models.PlatformKick))
	_, ok := e.StatusOf("alpha", models.PlatformKick)
	assert.False(t, ok)
	assert.Empty(t, rec.take())
}

func TestEngine_PassesPreviousStatusToPoller(t *testing.T) {
	live := true
	var seen []*models.ChannelStatus
	fp := &fakePoller{platform: models.PlatformKick}
	e, _, clock := newEngine(t, test.NewMemoryStore(), fp)
	script := liveScript(clock, &live)
	fp.poll = func(ctx context.Context, targets []poller.Target) poller.Result {
		seen = append(seen, targets[0].Prev)
		return script(ctx, targets)
	}
	e.Subscribe("alpha", models.PlatformKick)

	require.NoError(t, e.PollPlatform(context.Background(), models.PlatformKick))
	require.NoError(t, e.PollPlatform(context.Background(), models.PlatformKick))

	require.Len(t, seen, 2)
	assert.Nil(t, seen[0])
	require.NotNil(t, seen[1])
	assert.True(t, seen[1].IsLive)
}

func TestEngine_CycleInFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	fp := &fakePoller{platform: models.PlatformTwitch}
	fp.poll = func(context.Context, []poller.Target) poller.Result {
		close(entered)
		<-release
		return poller.Result{}
	}
	e, _, _ := newEngine(t, test.NewMemoryStore(), fp)
	e.Subscribe("alpha", models.PlatformTwitch)

	done := make(chan error)
	go func() { done <- e.PollPlatform(context.Background(), models.PlatformTwitch) }()
	<-entered

	err := e.PollPlatform(context.Background(), models.PlatformTwitch)
	assert.ErrorIs(t, err, ErrCycleInFlight)

	close(release)
	assert.NoError(t, <-done)
	assert.Equal(t, 1, fp.callCount())
}

func TestEngine_DisabledPlatform(t *testing.T) {
	e, _, _ := newEngine(t, test.NewMemoryStore())

	assert.ErrorIs(t, e.PollPlatform(context.Background(), models.PlatformTwitch), ErrPlatformDisabled)
	assert.ErrorIs(t, e.SetPollingInterval(models.PlatformTwitch, time.Second), ErrPlatformDisabled)
	_, err := e.QueryLiveStatus(context.Background(), []string{"alpha"}, models.PlatformTwitch)
	assert.ErrorIs(t, err, ErrPlatformDisabled)
}

func TestEngine_QueryLiveStatusDoesNotTouchState(t *testing.T) {
	live := true
	fp := &fakePoller{platform: models.PlatformKick}
	store := test.NewMemoryStore()
	e, rec, clock := newEngine(t, store, fp)
	fp.poll = liveScript(clock, &live)

	statuses, err := e.QueryLiveStatus(context.Background(), []string{"alpha", " Alpha ", "", "beta"}, models.PlatformKick)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, "kick:alpha", statuses[0].Key)
	assert.True(t, statuses[0].IsLive)

	assert.Empty(t, e.ListSubscriptions())
	assert.Empty(t, e.Statuses())
	assert.Empty(t, rec.take())
}

func TestEngine_QueryTopStreams(t *testing.T) {
	twitch := &topPoller{
		fakePoller: fakePoller{platform: models.PlatformTwitch},
		top:        []models.ChannelStatus{{Key: "twitch:big", IsLive: true}},
	}
	kick := &topPoller{fakePoller: fakePoller{platform: models.PlatformKick}, err: errors.New("cloudflare")}
	yt := &fakePoller{platform: models.PlatformYouTube}
	e, _, _ := newEngine(t, test.NewMemoryStore(), twitch, kick, yt)

	top := e.QueryTopStreams(context.Background(), 5)
	assert.Len(t, top, 2)
	assert.Equal(t, twitch.top, top[models.PlatformTwitch])
	assert.NotNil(t, top[models.PlatformKick])
	assert.Empty(t, top[models.PlatformKick])
}

func TestEngine_LoadRestoresSnapshotAndSeeds(t *testing.T) {
	store := test.NewMemoryStore()
	store.Snapshot = &models.Snapshot{
		Channels: []models.ChannelSubscription{{Platform: models.PlatformYouTube, ChannelName: "alpha"}},
		LastKnownStatuses: map[string]models.ChannelStatus{
			"youtube:alpha": {IsLive: true, LastVideo: &models.VideoInfo{ID: "v1"}},
		},
		ChannelIDs: map[string]string{"alpha": "UCaaaaaaaaaaaaaaaaaaaaaa"},
	}
	cp := &cachingPoller{fakePoller: fakePoller{platform: models.PlatformYouTube}}

	e := New(Options{
		Store:   store,
		Pollers: []poller.Poller{cp},
		Seed:    []models.ChannelSubscription{
			{Platform: models.PlatformKick, ChannelName: "beta"},
			{Platform: models.PlatformYouTube, ChannelName: "ALPHA"},
			{Platform: models.PlatformTwitch, ChannelName: "bad name"},
		},
		Clock:   clockwork.NewFakeClock(),
	})
	require.NoError(t, e.Load(context.Background()))

	assert.Len(t, e.ListSubscriptions(), 2)
	status, ok := e.StatusOf("alpha", models.PlatformYouTube)
	require.True(t, ok)
	assert.Equal(t, "v1", status.LastVideoID())
	assert.Equal(t, "UCaaaaaaaaaaaaaaaaaaaaaa", cp.ids["alpha"])

	require.NoError(t, e.FlushNow(context.Background()))
	require.NotNil(t, store.Snapshot)
	assert.Len(t, store.Snapshot.Channels, 2)
	assert.Equal(t, cp.ids, store.Snapshot.ChannelIDs)
}

func TestEngine_LoadReplacesCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "monitoring.json"), []byte("{not json"), 0o644))
	store := db.NewFileStore(dir)

	e := New(Options{Store: store, Clock: clockwork.NewFakeClock()})
	require.NoError(t, e.Load(context.Background()))
	assert.Empty(t, e.ListSubscriptions())

	require.NoError(t, e.FlushNow(context.Background()))
	s, err := store.LoadSnapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Empty(t, s.Channels)
}

type brokenStore struct{ *test.MemoryStore }

func (brokenStore) LoadSnapshot(context.Context) (*models.Snapshot, error) {
	return nil, errors.New("connection refused")
}

func TestEngine_LoadFailsOnUnreachableStore(t *testing.T) {
	e := New(Options{Store: brokenStore{test.NewMemoryStore()}, Clock: clockwork.NewFakeClock()})
	assert.Error(t, e.Load(context.Background()))
}

func TestEngine_StartAndShutdown(t *testing.T) {
	live := false
	fp := &fakePoller{platform: models.PlatformKick}
	store := test.NewMemoryStore()
	e, _, clock := newEngine(t, store, fp)
	fp.poll = liveScript(clock, &live)
	e.Subscribe("alpha", models.PlatformKick)

	e.Start(context.Background())
	e.Start(context.Background())
	assert.Equal(t, scheduler.Running, e.SchedulerState())
	assert.Eventually(t, func() bool { return fp.callCount() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))

	assert.Equal(t, scheduler.Stopped, e.SchedulerState())
	assert.GreaterOrEqual(t, store.SaveCount(), 1)
	_, ok := e.StatusOf("alpha", models.PlatformKick)
	assert.True(t, ok)
}

func TestEngine_ExternalSchedulingSkipsTimers(t *testing.T) {
	fp := &fakePoller{platform: models.PlatformKick}
	e := New(Options{Store: test.NewMemoryStore(), Pollers: []poller.Poller{fp}, ExternalScheduling: true, Clock: clockwork.NewFakeClock()})
	require.NoError(t, e.Load(context.Background()))
	e.Subscribe("alpha", models.PlatformKick)

	e.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, fp.callCount())
	assert.Equal(t, scheduler.Stopped, e.SchedulerState())
	require.NoError(t, e.Shutdown(context.Background()))
}

func TestEngine_SetPollingInterval(t *testing.T) {
	fp := &fakePoller{platform: models.PlatformKick}
	e, _, _ := newEngine(t, test.NewMemoryStore(), fp)

	d, ok := e.PollingInterval(models.PlatformKick)
	require.True(t, ok)
	assert.Equal(t, DefaultInterval, d)

	require.NoError(t, e.SetPollingInterval(models.PlatformKick, 30*time.Second))
	d, _ = e.PollingInterval(models.PlatformKick)
	assert.Equal(t, 30*time.Second, d)
	assert.Error(t, e.SetPollingInterval(models.PlatformKick, 0))
}
