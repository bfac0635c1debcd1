// Package registry holds the subscribed channels and their last known status.
// It is the single source of truth for what gets polled.
package registry

import (
	"reflect"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"

	"live-notifier/internal/models"
)

type Registry struct {
	clock    clockwork.Clock
	onChange func()

	mu       sync.RWMutex
	channels []models.ChannelSubscription
	statuses map[string]models.ChannelStatus
}

// New creates an empty registry. onChange runs after every mutation that
// should reach durable storage; it must not call back into the registry.
func New(clock clockwork.Clock, onChange func()) *Registry {
	if onChange == nil {
		onChange = func() {}
	}
	return &Registry{
		clock:    clock,
		onChange: onChange,
		statuses: make(map[string]models.ChannelStatus),
	}
}

// Subscribe adds the channel. It returns false when the channel is already
// subscribed on that platform or the name is blank.
func (r *Registry) Subscribe(channelName string, platform models.Platform) bool {
	channelName = strings.TrimSpace(channelName)
	if channelName == "" {
		return false
	}
	key := models.ChannelKey(platform, channelName)

	r.mu.Lock()
	for _, c := range r.channels {
		if c.Key() == key {
			r.mu.Unlock()
			return false
		}
	}
	r.channels = append(r.channels, models.ChannelSubscription{
		Platform:     platform,
		ChannelName:  channelName,
		SubscribedAt: r.clock.Now().UTC(),
	})
	r.mu.Unlock()

	r.onChange()
	return true
}

// Unsubscribe removes the channel and its status.
func (r *Registry) Unsubscribe(channelName string, platform models.Platform) bool {
	key := models.ChannelKey(platform, strings.TrimSpace(channelName))

	r.mu.Lock()
	removed := false
	kept := r.channels[:0]
	for _, c := range r.channels {
		if c.Key() == key {
			removed = true
			continue
		}
		kept = append(kept, c)
	}
	r.channels = kept
	_, hadStatus := r.statuses[key]
	delete(r.statuses, key)
	r.mu.Unlock()

	if removed || hadStatus {
		r.onChange()
	}
	return removed
}

// List returns a copy of all subscriptions in subscription order.
func (r *Registry) List() []models.ChannelSubscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ChannelSubscription, len(r.channels))
	copy(out, r.channels)
	return out
}

// ListPlatform returns the subscriptions of one platform.
func (r *Registry) ListPlatform(platform models.Platform) []models.ChannelSubscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.ChannelSubscription
	for _, c := range r.channels {
		if c.Platform == platform {
			out = append(out, c)
		}
	}
	return out
}

// StatusOf returns a copy of the channel's last known status. The status only
// exists once the channel has been polled.
func (r *Registry) StatusOf(channelName string, platform models.Platform) (models.ChannelStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.statuses[models.ChannelKey(platform, strings.TrimSpace(channelName))]
	if !ok {
		return models.ChannelStatus{}, false
	}
	return s.Clone(), true
}

// Statuses returns a copy of every known status keyed by "platform:channel".
func (r *Registry) Statuses() map[string]models.ChannelStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]models.ChannelStatus, len(r.statuses))
	for k, s := range r.statuses {
		out[k] = s.Clone()
	}
	return out
}

// Apply stores fresh as the status of sub and returns the status it replaced.
// ok is false when sub was unsubscribed in the meantime; nothing is stored
// then.
func (r *Registry) Apply(sub models.ChannelSubscription, fresh models.ChannelStatus) (prev models.ChannelStatus, ok bool) {
	key := sub.Key()
	fresh = fresh.Clone()
	fresh.Key = key

	r.mu.Lock()
	if !r.subscribedLocked(key) {
		r.mu.Unlock()
		return models.ChannelStatus{}, false
	}
	prev = r.statuses[key]
	r.statuses[key] = fresh
	r.mu.Unlock()

	if changed(prev, fresh) {
		r.onChange()
	}
	return prev.Clone(), true
}

// Snapshot returns the durable part of the registry.
func (r *Registry) Snapshot() models.Snapshot {
	return models.Snapshot{
		Channels:          r.List(),
		LastKnownStatuses: r.Statuses(),
	}
}

// Restore replaces the registry content with a previously saved snapshot.
// Duplicate channels and statuses without a subscription are dropped.
func (r *Registry) Restore(s models.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.channels = r.channels[:0]
	r.statuses = make(map[string]models.ChannelStatus)
	seen := make(map[string]bool)
	for _, c := range s.Channels {
		key := c.Key()
		if seen[key] || strings.TrimSpace(c.ChannelName) == "" {
			continue
		}
		seen[key] = true
		r.channels = append(r.channels, c)
	}
	for key, st := range s.LastKnownStatuses {
		if seen[key] {
			st.Key = key
			r.statuses[key] = st.Clone()
		}
	}
}

func (r *Registry) subscribedLocked(key string) bool {
	for _, c := range r.channels {
		if c.Key() == key {
			return true
		}
	}
	return false
}

// changed ignores LastChecked, which moves on every poll.
func changed(prev, fresh models.ChannelStatus) bool {
	prev.LastChecked = fresh.LastChecked
	return !reflect.DeepEqual(prev, fresh)
}
