package events

import (
	"context"
	"log/slog"
	"sync"
)

// Dispatcher delivers events to handlers in registration order.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []Handler
	logger   *slog.Logger
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger}
}

// Subscribe registers h for every event kind.
func (d *Dispatcher) Subscribe(h Handler) {
	d.mu.Lock()
	d.handlers = append(d.handlers, h)
	d.mu.Unlock()
}

func (d *Dispatcher) OnStreamOnline(fn func(ctx context.Context, e StreamOnline)) {
	d.Subscribe(Funcs{StreamOnline: fn})
}

func (d *Dispatcher) OnStreamOffline(fn func(ctx context.Context, e StreamOffline)) {
	d.Subscribe(Funcs{StreamOffline: fn})
}

func (d *Dispatcher) OnNewVideo(fn func(ctx context.Context, e NewVideo)) {
	d.Subscribe(Funcs{NewVideo: fn})
}

func (d *Dispatcher) OnChannelNotFound(fn func(ctx context.Context, e ChannelNotFound)) {
	d.Subscribe(Funcs{ChannelNotFound: fn})
}

// Publish hands every event to every handler. A panicking handler is logged
// and skipped.
func (d *Dispatcher) Publish(ctx context.Context, evs ...Event) {
	d.mu.RLock()
	handlers := make([]Handler, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.RUnlock()

	for _, e := range evs {
		platform, channel := e.Channel()
		d.logger.InfoContext(ctx, "Emitting event", "event", e.Kind(), "platform", platform, "channel", channel)
		for _, h := range handlers {
			d.deliver(ctx, h, e)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(ctx, "Event handler panicked", "event", e.Kind(), "panic", r)
		}
	}()
	e.dispatch(ctx, h)
}
