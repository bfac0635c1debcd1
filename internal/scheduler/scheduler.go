// Package scheduler drives one repeating poll timer per platform.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"live-notifier/internal/models"
)

// PollFunc runs one poll cycle for a platform.
type PollFunc func(ctx context.Context, platform models.Platform) error

type State int

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

type loop struct {
	cancel context.CancelFunc
	reset  chan time.Duration
}

type Scheduler struct {
	poll   PollFunc
	clock  clockwork.Clock
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	intervals map[models.Platform]time.Duration
	loops     map[models.Platform]*loop
	wg        sync.WaitGroup
}

func New(poll PollFunc, intervals map[models.Platform]time.Duration, clock clockwork.Clock, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	iv := make(map[models.Platform]time.Duration, len(intervals))
	for p, d := range intervals {
		iv[p] = d
	}
	return &Scheduler{
		poll:      poll,
		clock:     clock,
		logger:    logger,
		intervals: iv,
		loops:     make(map[models.Platform]*loop),
	}
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start begins polling every configured platform, immediately and then on
// each tick. Poll cycles run on a context detached from ctx's cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Running {
		s.logger.Warn("Scheduler already running, ignoring start")
		return
	}
	s.state = Running

	pollCtx := context.WithoutCancel(ctx)
	for _, p := range models.Platforms {
		interval, ok := s.intervals[p]
		if !ok {
			continue
		}
		loopCtx, cancel := context.WithCancel(ctx)
		l := &loop{cancel: cancel, reset: make(chan time.Duration, 1)}
		s.loops[p] = l

		s.wg.Add(1)
		go s.run(loopCtx, pollCtx, p, interval, l.reset)
		s.logger.Info("Polling scheduled", "platform", p, "interval", interval)
	}
}

// Stop cancels every timer. A cycle already running finishes on its own.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Stopped {
		return
	}
	for p, l := range s.loops {
		l.cancel()
		delete(s.loops, p)
	}
	s.state = Stopped
	s.logger.Info("Scheduler stopped")
}

// Wait blocks until every loop, including its in-flight cycle, has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// SetInterval changes a platform's interval. A running timer is restarted
// with the new period.
func (s *Scheduler) SetInterval(p models.Platform, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.intervals[p] = d
	l, ok := s.loops[p]
	if !ok {
		return
	}
	select {
	case <-l.reset:
	default:
	}
	l.reset <- d
	s.logger.Info("Polling interval changed", "platform", p, "interval", d)
}

func (s *Scheduler) Interval(p models.Platform) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.intervals[p]
	return d, ok
}

func (s *Scheduler) run(ctx, pollCtx context.Context, p models.Platform, interval time.Duration, reset <-chan time.Duration) {
	defer s.wg.Done()

	s.fire(pollCtx, p)

	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-reset:
			ticker.Reset(d)
		case <-ticker.Chan():
			if ctx.Err() != nil {
				return
			}
			s.fire(pollCtx, p)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, p models.Platform) {
	if err := s.poll(ctx, p); err != nil {
		s.logger.Warn("Poll cycle failed", "platform", p, "error", err)
	}
}
