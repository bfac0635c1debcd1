package youtube

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"live-notifier/internal/poller"
)

var (
	channelIDPattern = regexp.MustCompile(`UC[0-9A-Za-z_-]{22}`)
	exactChannelID   = regexp.MustCompile(`^UC[0-9A-Za-z_-]{22}$`)
)

// Resolver maps channel handles to channel ids. Resolved ids are kept for
// the life of the process and are part of the persisted snapshot.
type Resolver struct {
	baseURL string
	client  *http.Client

	group    singleflight.Group
	mu       sync.RWMutex
	ids      map[string]string
	onChange func()
}

func NewResolver(baseURL string, client *http.Client) *Resolver {
	return &Resolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		ids:     make(map[string]string),
	}
}

// OnChange registers fn to run after a new id was cached.
func (r *Resolver) OnChange(fn func()) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Resolve returns the channel id for handle. Handles that already are a
// channel id are returned unchanged.
func (r *Resolver) Resolve(ctx context.Context, handle string) (string, error) {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if exactChannelID.MatchString(handle) {
		return handle, nil
	}
	key := strings.ToLower(handle)

	r.mu.RLock()
	id, ok := r.ids[key]
	r.mu.RUnlock()
	if ok {
		return id, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		id, err := r.lookup(ctx, key)
		if err != nil {
			return "", err
		}
		r.mu.Lock()
		r.ids[key] = id
		notify := r.onChange
		r.mu.Unlock()
		if notify != nil {
			notify()
		}
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// lookup fetches the profile page and picks the channel id that occurs most
// often in it.
func (r *Resolver) lookup(ctx context.Context, handle string) (string, error) {
	endpoint := r.baseURL + "/@" + url.PathEscape(handle)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", handle, err)
	}
	defer resp.Body.Close()

	if err := poller.CheckStatus(resp.StatusCode); err != nil {
		return "", fmt.Errorf("resolve %s: %w", handle, err)
	}
	page, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", handle, err)
	}

	id := mostFrequent(channelIDPattern.FindAll(page, -1))
	if id == "" {
		return "", &poller.ParseError{What: "channel page of " + handle, Err: fmt.Errorf("no channel id found")}
	}
	return id, nil
}

func mostFrequent(matches [][]byte) string {
	counts := make(map[string]int, len(matches))
	best := ""
	for _, m := range matches {
		id := string(m)
		counts[id]++
		if counts[id] > counts[best] || (counts[id] == counts[best] && id < best) {
			best = id
		}
	}
	return best
}

// IDs returns a copy of the cache.
func (r *Resolver) IDs() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.ids))
	for k, v := range r.ids {
		out[k] = v
	}
	return out
}

// Restore seeds the cache from a persisted snapshot.
func (r *Resolver) Restore(ids map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range ids {
		r.ids[strings.ToLower(k)] = v
	}
}
