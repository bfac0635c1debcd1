// Package relay republishes engine events on a Redis pub/sub channel so other
// processes can react to them.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"live-notifier/internal/events"
	"live-notifier/internal/metrics"
)

// publisher is the subset of *goredis.Client used here.
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd
}

type Relay struct {
	rdb     publisher
	channel string
	clock   clockwork.Clock
	logger  *slog.Logger
}

var _ events.Handler = (*Relay)(nil)

func New(rdb *goredis.Client, channel string, clock clockwork.Clock, logger *slog.Logger) *Relay {
	return newRelay(rdb, channel, clock, logger)
}

func newRelay(rdb publisher, channel string, clock clockwork.Clock, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{rdb: rdb, channel: channel, clock: clock, logger: logger}
}

func (r *Relay) HandleStreamOnline(ctx context.Context, e events.StreamOnline) { r.publish(ctx, e) }

func (r *Relay) HandleStreamOffline(ctx context.Context, e events.StreamOffline) { r.publish(ctx, e) }

func (r *Relay) HandleNewVideo(ctx context.Context, e events.NewVideo) { r.publish(ctx, e) }

func (r *Relay) HandleChannelNotFound(ctx context.Context, e events.ChannelNotFound) {
	r.publish(ctx, e)
}

func (r *Relay) publish(ctx context.Context, e events.Event) {
	data, err := encode(e, uuid.NewString(), r.clock.Now().UTC())
	if err != nil {
		r.logger.Error("Failed to encode event", "event", e.Kind(), "error", err)
		metrics.RelayPublishErrors.Inc()
		return
	}

	if err := r.rdb.Publish(ctx, r.channel, data).Err(); err != nil {
		platform, channel := e.Channel()
		r.logger.Error("Failed to relay event", "event", e.Kind(), "platform", platform, "channel", channel, "error", err)
		metrics.RelayPublishErrors.Inc()
	}
}

// encode flattens the event fields into an envelope carrying id, type and
// emittedAt.
func encode(e events.Event, id string, at time.Time) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", e.Kind(), err)
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("failed to flatten %s: %w", e.Kind(), err)
	}
	fields["id"] = id
	fields["type"] = e.Kind()
	fields["emittedAt"] = at
	return json.Marshal(fields)
}
