package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"live-notifier/internal/models"
	"live-notifier/internal/poller"
)

type fakeLeaser struct {
	mu          sync.Mutex
	tokens      []string
	issued      int
	invalidated []string
}

func (f *fakeLeaser) Lease(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens[f.issued], nil
}

func (f *fakeLeaser) Invalidate(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, token)
	if f.issued < len(f.tokens)-1 {
		f.issued++
	}
}

// helixServer fakes the users and streams endpoints. Logins in live are
// online, logins in gone do not exist.
type helixServer struct {
	mu         sync.Mutex
	live       map[string]bool
	gone       map[string]bool
	userCalls  [][]string
	usersFail  func(call int, logins []string) int
	validToken string
}

func (h *helixServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if h.validToken != "" && r.Header.Get("Authorization") != "Bearer "+h.validToken {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"Unauthorized","status":401,"message":"Invalid OAuth token"}`)
		return
	}

	switch r.URL.Path {
	case "/users":
		logins := r.URL.Query()["login"]
		h.userCalls = append(h.userCalls, logins)
		if h.usersFail != nil {
			if code := h.usersFail(len(h.userCalls), logins); code != 0 {
				w.WriteHeader(code)
				fmt.Fprintf(w, `{"error":"Error","status":%d,"message":"upstream"}`, code)
				return
			}
		}
		var data []map[string]string
		for _, l := range logins {
			if h.gone[l] {
				continue
			}
			data = append(data, map[string]string{"id": "id-" + l, "login": l, "display_name": l})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	case "/streams":
		var data []map[string]any
		ids := r.URL.Query()["user_id"]
		if len(ids) == 0 {
			for l := range h.live {
				ids = append(ids, "id-"+l)
			}
			sort.Strings(ids)
		}
		for _, id := range ids {
			login := strings.TrimPrefix(id, "id-")
			if !h.live[login] {
				continue
			}
			data = append(data, map[string]any{
				"id":            "s-" + login,
				"user_id":       id,
				"user_login":    login,
				"game_name":     "Just Chatting",
				"title":         "Hello",
				"viewer_count":  42,
				"started_at":    "2024-05-01T10:00:00Z",
				"thumbnail_url": "https://static-cdn.jtvnw.net/previews-ttv/live_user_" + login + "-{width}x{height}.jpg",
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data, "pagination": map[string]any{}})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestPoller(t *testing.T, h *helixServer, leases Leaser) *Poller {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	p, err := New(Config{ClientID: "client", APIBaseURL: srv.URL}, leases, clockwork.NewFakeClock(), nil)
	require.NoError(t, err)
	p.shuffle = func([]poller.Target) {}
	return p
}

func targets(names ...string) []poller.Target {
	out := make([]poller.Target, len(names))
	for i, n := range names {
		out[i] = poller.Target{Sub: models.ChannelSubscription{Platform: models.PlatformTwitch, ChannelName: n}}
	}
	return out
}

func observation(t *testing.T, res poller.Result, name string) models.ChannelStatus {
	t.Helper()
	for _, o := range res.Observations {
		if o.Sub.ChannelName == name {
			return o.Status
		}
	}
	t.Fatalf("no observation for %s", name)
	return models.ChannelStatus{}
}

func TestPoll_LiveAndOffline(t *testing.T) {
	h := &helixServer{live: map[string]bool{"alpha": true}}
	p := newTestPoller(t, h, &fakeLeaser{tokens: []string{"t1"}})

	res := p.Poll(context.Background(), targets("Alpha", "beta"))
	require.Len(t, res.Observations, 2)
	assert.Empty(t, res.NotFound)
	assert.Zero(t, res.Failed)

	alpha := observation(t, res, "Alpha")
	assert.True(t, alpha.IsLive)
	assert.Equal(t, "Hello", alpha.Title)
	assert.Equal(t, "Just Chatting", alpha.Game)
	assert.Equal(t, 42, alpha.ViewerCount)
	assert.Equal(t, "https://static-cdn.jtvnw.net/previews-ttv/live_user_alpha-640x360.jpg", alpha.Thumbnail)
	require.NotNil(t, alpha.StartedAt)
	assert.True(t, alpha.StartedAt.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))

	beta := observation(t, res, "beta")
	assert.False(t, beta.IsLive)
	assert.Empty(t, beta.Title)
}

func TestPoll_SplitsIntoBatches(t *testing.T) {
	h := &helixServer{}
	p := newTestPoller(t, h, &fakeLeaser{tokens: []string{"t1"}})

	names := make([]string, 160)
	for i := range names {
		names[i] = fmt.Sprintf("chan%03d", i)
	}
	res := p.Poll(context.Background(), targets(names...))

	assert.Len(t, res.Observations, 160)
	require.Len(t, h.userCalls, 3)
	assert.Len(t, h.userCalls[0], 75)
	assert.Len(t, h.userCalls[1], 75)
	assert.Len(t, h.userCalls[2], 10)
}

func TestPoll_TransientBatchFailureRetriesSameSetOnce(t *testing.T) {
	h := &helixServer{usersFail: func(int, []string) int { return http.StatusServiceUnavailable }}
	p := newTestPoller(t, h, &fakeLeaser{tokens: []string{"t1"}})

	names := make([]string, 75)
	for i := range names {
		names[i] = fmt.Sprintf("chan%02d", i)
	}
	res := p.Poll(context.Background(), targets(names...))

	assert.Empty(t, res.Observations)
	assert.Empty(t, res.NotFound)
	assert.Equal(t, 75, res.Failed)

	// batch, one retry of the same batch, then the first verification lookup
	// hits the outage and verification stops.
	require.Len(t, h.userCalls, 3)
	assert.Len(t, h.userCalls[0], 75)
	assert.ElementsMatch(t, h.userCalls[0], h.userCalls[1])
	assert.Len(t, h.userCalls[2], 1)
}

func TestPoll_RetrySucceeds(t *testing.T) {
	h := &helixServer{usersFail: func(call int, _ []string) int {
		if call == 1 {
			return http.StatusBadGateway
		}
		return 0
	}}
	p := newTestPoller(t, h, &fakeLeaser{tokens: []string{"t1"}})

	res := p.Poll(context.Background(), targets("alpha", "beta"))
	assert.Len(t, res.Observations, 2)
	assert.Zero(t, res.Failed)
	assert.Len(t, h.userCalls, 2)
}

func TestPoll_MissingLoginIsVerifiedAsNotFound(t *testing.T) {
	h := &helixServer{gone: map[string]bool{"ghost": true}}
	p := newTestPoller(t, h, &fakeLeaser{tokens: []string{"t1"}})

	res := p.Poll(context.Background(), targets("alpha", "ghost"))
	require.Len(t, res.Observations, 1)
	assert.Equal(t, "alpha", res.Observations[0].Sub.ChannelName)
	require.Len(t, res.NotFound, 1)
	assert.Equal(t, "ghost", res.NotFound[0].ChannelName)
	assert.Equal(t, []string{"ghost"}, h.userCalls[len(h.userCalls)-1])
}

func TestPoll_RejectedLoginDoesNotStallSiblings(t *testing.T) {
	h := &helixServer{
		live: map[string]bool{"alpha": true},
		usersFail: func(_ int, logins []string) int {
			for _, l := range logins {
				if strings.Contains(l, " ") {
					return http.StatusBadRequest
				}
			}
			return 0
		},
	}
	p := newTestPoller(t, h, &fakeLeaser{tokens: []string{"t1"}})

	res := p.Poll(context.Background(), targets("alpha", "beta", "bad name"))

	require.Len(t, res.NotFound, 1)
	assert.Equal(t, "bad name", res.NotFound[0].ChannelName)
	assert.Zero(t, res.Failed)

	observed := make(map[string]bool)
	for _, o := range res.Observations {
		observed[o.Sub.ChannelName] = o.Status.IsLive
	}
	assert.Equal(t, map[string]bool{"alpha": true, "beta": false}, observed)
}

func TestPoll_RateLimitedVerificationStops(t *testing.T) {
	h := &helixServer{usersFail: func(call int, _ []string) int {
		if call <= 2 {
			return http.StatusBadRequest
		}
		return http.StatusTooManyRequests
	}}
	p := newTestPoller(t, h, &fakeLeaser{tokens: []string{"t1"}})

	res := p.Poll(context.Background(), targets("alpha", "beta"))
	assert.Empty(t, res.NotFound)
	assert.Empty(t, res.Observations)
	assert.Equal(t, 2, res.Failed)
	assert.Len(t, h.userCalls, 3)
}

func TestPoll_UnauthorizedRefreshesLeaseOnce(t *testing.T) {
	h := &helixServer{validToken: "fresh", live: map[string]bool{"alpha": true}}
	leases := &fakeLeaser{tokens: []string{"stale", "fresh"}}
	p := newTestPoller(t, h, leases)

	res := p.Poll(context.Background(), targets("alpha"))
	require.Len(t, res.Observations, 1)
	assert.True(t, res.Observations[0].Status.IsLive)
	assert.Equal(t, []string{"stale"}, leases.invalidated)
}

func TestPoll_UnauthorizedTwiceSkipsBatch(t *testing.T) {
	h := &helixServer{validToken: "never"}
	leases := &fakeLeaser{tokens: []string{"stale", "also-stale"}}
	p := newTestPoller(t, h, leases)

	res := p.Poll(context.Background(), targets("alpha", "beta"))
	assert.Empty(t, res.Observations)
	assert.Empty(t, res.NotFound)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, []string{"stale"}, leases.invalidated, "one refresh, no retry loop")
}

func TestTopStreams(t *testing.T) {
	h := &helixServer{live: map[string]bool{"alpha": true, "beta": true}}
	p := newTestPoller(t, h, &fakeLeaser{tokens: []string{"t1"}})

	top, err := p.TopStreams(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "twitch:alpha", top[0].Key)
	assert.True(t, top[0].IsLive)
}

func TestChunk(t *testing.T) {
	assert.Nil(t, chunk(nil, 75))
	got := chunk(targets("a", "b", "c", "d", "e"), 2)
	require.Len(t, got, 3)
	assert.Len(t, got[2], 1)
}
