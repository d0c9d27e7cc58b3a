package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// LoopHealth is the task-health part of a status report.
type LoopHealth struct {
	Name                string        `json:"name"`
	Running             bool          `json:"running"`
	Interval            time.Duration `json:"interval"`
	Cycles              int64         `json:"cycles"`
	LastCycleAt         time.Time     `json:"last_cycle_at"`
	LastCycleDuration   time.Duration `json:"last_cycle_duration"`
	LastError           string        `json:"last_error,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

// loop runs cycle once immediately and then every interval until the parent
// context is cancelled or Stop is called. A cycle in flight when the stop
// arrives gets grace to finish before its context is cancelled.
type loop struct {
	name     string
	interval time.Duration
	grace    time.Duration
	cycle    func(ctx context.Context) error
	logger   *slog.Logger

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once

	cleanupMu sync.Mutex
	cleanups  []func()

	healthMu sync.Mutex
	health   LoopHealth
}

func newLoop(name string, interval, grace time.Duration, cycle func(context.Context) error, logger *slog.Logger) *loop {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if grace <= 0 {
		grace = interval
	}
	return &loop{
		name:     name,
		interval: interval,
		grace:    grace,
		cycle:    cycle,
		logger:   logger,
		stopCh:   make(chan struct{}),
		health:   LoopHealth{Name: name, Interval: interval},
	}
}

func (l *loop) run(ctx context.Context) error {
	l.running.Store(true)
	l.logger.InfoContext(ctx, l.name+" started", slog.Duration("interval", l.interval))
	defer func() {
		l.running.Store(false)
		l.runCleanups()
		l.logger.Info(l.name + " stopped")
	}()

	// Cycles run on a context detached from ctx so a stop lets them finish
	// within grace instead of aborting mid-call.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		done := make(chan struct{})
		go func() {
			defer close(done)
			l.runOnce(workCtx)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			l.abandon(done, cancelWork)
			return ctx.Err()
		case <-l.stopCh:
			l.abandon(done, cancelWork)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopCh:
			return nil
		case <-ticker.C:
		}
	}
}

func (l *loop) runOnce(ctx context.Context) {
	start := time.Now()
	err := l.cycle(ctx)
	elapsed := time.Since(start)

	l.healthMu.Lock()
	l.health.Cycles++
	l.health.LastCycleAt = start.UTC()
	l.health.LastCycleDuration = elapsed
	if err != nil {
		l.health.LastError = err.Error()
		l.health.ConsecutiveFailures++
	} else {
		l.health.LastError = ""
		l.health.ConsecutiveFailures = 0
	}
	l.healthMu.Unlock()

	if err != nil {
		l.logger.ErrorContext(ctx, l.name+" cycle failed", slog.String("error", err.Error()))
	}
	if elapsed > l.interval {
		l.logger.WarnContext(ctx, l.name+" cycle overran interval",
			slog.Duration("elapsed", elapsed),
			slog.Duration("interval", l.interval),
		)
	}
}

// abandon waits up to grace for the in-flight cycle, then cancels it and
// waits one more grace period for calls to unwind.
func (l *loop) abandon(done <-chan struct{}, cancel context.CancelFunc) {
	timer := time.NewTimer(l.grace)
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-timer.C:
	}
	l.logger.Warn(l.name+" cycle still running at shutdown, cancelling", slog.Duration("grace", l.grace))
	cancel()

	timer.Reset(l.grace)
	select {
	case <-done:
	case <-timer.C:
		l.logger.Error(l.name + " cycle did not unwind after cancel")
	}
}

func (l *loop) stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *loop) registerCleanup(fn func()) {
	l.cleanupMu.Lock()
	l.cleanups = append(l.cleanups, fn)
	l.cleanupMu.Unlock()
}

func (l *loop) runCleanups() {
	l.cleanupMu.Lock()
	fns := l.cleanups
	l.cleanups = nil
	l.cleanupMu.Unlock()
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

func (l *loop) snapshot() LoopHealth {
	l.healthMu.Lock()
	defer l.healthMu.Unlock()
	h := l.health
	h.Running = l.running.Load()
	return h
}
