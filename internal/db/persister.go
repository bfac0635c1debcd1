package db

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"live-notifier/internal/metrics"
	"live-notifier/internal/models"
)

// Persister writes the snapshot in the background whenever it was marked
// dirty. A failed write leaves the flag set so the next tick retries.
type Persister struct {
	store    Store
	source   func() models.Snapshot
	clock    clockwork.Clock
	interval time.Duration
	logger   *slog.Logger

	dirty atomic.Bool
	mu    sync.Mutex
}

func NewPersister(store Store, source func() models.Snapshot, clock clockwork.Clock, interval time.Duration, logger *slog.Logger) *Persister {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{
		store:    store,
		source:   source,
		clock:    clock,
		interval: interval,
		logger:   logger,
	}
}

// MarkDirty schedules a write for the next flush. It never blocks.
func (p *Persister) MarkDirty() {
	p.dirty.Store(true)
}

func (p *Persister) Dirty() bool {
	return p.dirty.Load()
}

// Run flushes on every interval until ctx is cancelled.
func (p *Persister) Run(ctx context.Context) {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if !p.dirty.Load() {
				continue
			}
			if err := p.flush(ctx); err != nil {
				p.logger.Error("Snapshot write failed, will retry", "error", err)
			}
		}
	}
}

// FlushNow writes the current snapshot regardless of the dirty flag.
func (p *Persister) FlushNow(ctx context.Context) error {
	return p.flush(ctx)
}

func (p *Persister) flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.dirty.Store(false)
	if err := p.store.SaveSnapshot(ctx, p.source()); err != nil {
		p.dirty.Store(true)
		metrics.PersistenceWritesTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.PersistenceWritesTotal.WithLabelValues("ok").Inc()
	return nil
}
