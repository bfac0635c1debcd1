package lease

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"live-notifier/internal/models"
	"live-notifier/internal/test"
)

func tokenServer(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "id", r.PostForm.Get("client_id"))
		assert.Equal(t, "secret", r.PostForm.Get("client_secret"))

		n := atomic.AddInt32(calls, 1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"token-%d","expires_in":5000000,"token_type":"bearer"}`, n)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newManager(url string, store Storage, clock clockwork.Clock) *Manager {
	return NewManager(Config{
		Platform:     models.PlatformTwitch,
		ClientID:     "id",
		ClientSecret: "secret",
		TokenURL:     url,
	}, store, clock, nil)
}

func TestLease_IssuesOnceAndReuses(t *testing.T) {
	var calls int32
	srv := tokenServer(t, &calls)
	store := test.NewMemoryStore()
	clock := clockwork.NewFakeClock()
	m := newManager(srv.URL, store, clock)

	first, err := m.Lease(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", first)

	clock.Advance(24 * time.Hour)
	second, err := m.Lease(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	persisted, ok := store.Leases[models.PlatformTwitch]
	require.True(t, ok)
	assert.Equal(t, "token-1", persisted.AccessToken)
	assert.True(t, persisted.IssuedAt.Equal(clock.Now().Add(-24*time.Hour)))
}

func TestLease_ReusedUntilLifetimeBoundary(t *testing.T) {
	var calls int32
	srv := tokenServer(t, &calls)
	clock := clockwork.NewFakeClock()
	m := newManager(srv.URL, test.NewMemoryStore(), clock)

	first, err := m.Lease(context.Background())
	require.NoError(t, err)

	clock.Advance(DefaultLifetime - time.Nanosecond)
	token, err := m.Lease(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, token)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	clock.Advance(time.Nanosecond)
	token, err = m.Lease(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-2", token)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestLease_ConcurrentCallersShareOneIssuance(t *testing.T) {
	var calls int32
	srv := tokenServer(t, &calls)
	m := newManager(srv.URL, test.NewMemoryStore(), clockwork.NewFakeClock())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := m.Lease(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "token-1", token)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestLease_AdoptsYoungPersistedLease(t *testing.T) {
	var calls int32
	srv := tokenServer(t, &calls)
	store := test.NewMemoryStore()
	clock := clockwork.NewFakeClock()
	store.Leases[models.PlatformTwitch] = models.CredentialLease{
		AccessToken: "persisted",
		IssuedAt:    clock.Now().Add(-14 * 24 * time.Hour),
	}
	m := newManager(srv.URL, store, clock)

	token, err := m.Lease(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "persisted", token)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestLease_ReplacesExpiredLease(t *testing.T) {
	var calls int32
	srv := tokenServer(t, &calls)
	store := test.NewMemoryStore()
	clock := clockwork.NewFakeClock()
	store.Leases[models.PlatformTwitch] = models.CredentialLease{
		AccessToken: "old",
		IssuedAt:    clock.Now().Add(-16 * 24 * time.Hour),
	}
	m := newManager(srv.URL, store, clock)

	token, err := m.Lease(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", token)

	clock.Advance(DefaultLifetime)
	token, err = m.Lease(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-2", token)
}

func TestLease_InvalidateForcesNewIssuance(t *testing.T) {
	var calls int32
	srv := tokenServer(t, &calls)
	store := test.NewMemoryStore()
	m := newManager(srv.URL, store, clockwork.NewFakeClock())

	token, err := m.Lease(context.Background())
	require.NoError(t, err)

	m.Invalidate(token)
	next, err := m.Lease(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-2", next, "rejected token is not re-adopted from storage")
	assert.Equal(t, "token-2", store.Leases[models.PlatformTwitch].AccessToken)
}

func TestLease_InvalidateIgnoresStaleToken(t *testing.T) {
	var calls int32
	srv := tokenServer(t, &calls)
	m := newManager(srv.URL, test.NewMemoryStore(), clockwork.NewFakeClock())

	_, err := m.Lease(context.Background())
	require.NoError(t, err)

	m.Invalidate("something-else")
	token, err := m.Lease(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", token)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestLease_IssueError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"status":403,"message":"invalid client secret"}`))
	}))
	defer srv.Close()

	m := newManager(srv.URL, test.NewMemoryStore(), clockwork.NewFakeClock())
	_, err := m.Lease(context.Background())
	require.Error(t, err)

	var issueErr *IssueError
	require.True(t, errors.As(err, &issueErr))
	assert.Equal(t, http.StatusForbidden, issueErr.StatusCode)
	assert.Contains(t, issueErr.Error(), "invalid client secret")
}
