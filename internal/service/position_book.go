package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/riskguard/internal/domain"
	"github.com/alanyoungcy/riskguard/internal/metrics"
)

// bookEntry guards one position. lock is a one-slot channel so acquisition
// can honour a context deadline.
type bookEntry struct {
	lock    chan struct{}
	pos     domain.Position // only touched while holding lock
	view    atomic.Pointer[domain.Position]
	dirty   atomic.Bool // local state not yet persisted
	removed atomic.Bool
}

func newBookEntry(p domain.Position) *bookEntry {
	e := &bookEntry{lock: make(chan struct{}, 1), pos: p.Clone()}
	v := p.Clone()
	e.view.Store(&v)
	return e
}

func (e *bookEntry) publish() {
	v := e.pos.Clone()
	e.view.Store(&v)
}

// PositionBook owns the in-process view of open positions. Every
// read-modify-write goes through With, which serializes callers per position
// so the monitor and the adjuster can never interleave on the same id.
// The Store remains the durable owner; each mutation is written through.
type PositionBook struct {
	store          domain.PositionStore
	locks          domain.LockManager
	lockTTL        time.Duration
	maxAdjustments int
	logger         *slog.Logger

	refreshMu sync.Mutex // one Refresh at a time

	mu      sync.Mutex
	entries map[string]*bookEntry
	// gen counts drops; dropped maps each id closed locally to the gen of
	// its drop so a Refresh whose read predates the close does not revive it.
	gen     uint64
	dropped map[string]uint64
}

// BookOption customizes a PositionBook.
type BookOption func(*PositionBook)

// WithDistributedLocks adds a cross-process lease per position on top of the
// in-process lock.
func WithDistributedLocks(lm domain.LockManager, ttl time.Duration) BookOption {
	return func(b *PositionBook) {
		b.locks = lm
		b.lockTTL = ttl
	}
}

// NewPositionBook creates an empty book. maxAdjustments is applied to
// positions loaded without their own cap.
func NewPositionBook(store domain.PositionStore, maxAdjustments int, logger *slog.Logger, opts ...BookOption) *PositionBook {
	b := &PositionBook{
		store:          store,
		maxAdjustments: maxAdjustments,
		lockTTL:        30 * time.Second,
		logger:         logger.With(slog.String("component", "position_book")),
		entries:        make(map[string]*bookEntry),
		dropped:        make(map[string]uint64),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Load performs the initial fill from the store. A failure here means the
// subsystem cannot run safely.
func (b *PositionBook) Load(ctx context.Context) error {
	if err := b.Refresh(ctx); err != nil {
		return fmt.Errorf("position_book: initial load: %w", err)
	}
	b.logger.InfoContext(ctx, "positions loaded", slog.Int("count", b.Len()))
	return nil
}

// Refresh adds positions the store reports as open and drops those it no
// longer lists. Existing entries keep their local state.
func (b *PositionBook) Refresh(ctx context.Context) error {
	b.refreshMu.Lock()
	defer b.refreshMu.Unlock()

	b.mu.Lock()
	start := b.gen
	b.mu.Unlock()

	open, err := b.store.GetOpen(ctx)
	if err != nil {
		return fmt.Errorf("position_book: get open: %w", err)
	}

	seen := make(map[string]bool, len(open))
	var gone []*bookEntry

	b.mu.Lock()
	for _, p := range open {
		if g, ok := b.dropped[p.ID]; ok && g > start {
			// Closed while the read was in flight.
			continue
		}
		seen[p.ID] = true
		if _, ok := b.entries[p.ID]; ok {
			continue
		}
		b.entries[p.ID] = newBookEntry(b.normalize(p))
	}
	for id, g := range b.dropped {
		if g <= start {
			delete(b.dropped, id)
		}
	}
	for id, e := range b.entries {
		if !seen[id] {
			gone = append(gone, e)
			delete(b.entries, id)
		}
	}
	n := len(b.entries)
	b.mu.Unlock()

	// Callers already waiting on a dropped entry's lock bail out.
	for _, e := range gone {
		e.removed.Store(true)
	}
	metrics.OpenPositions.Set(float64(n))
	return nil
}

func (b *PositionBook) normalize(p domain.Position) domain.Position {
	if p.MaxAdjustments <= 0 {
		p.MaxAdjustments = b.maxAdjustments
	}
	if p.AdjustmentCount > p.MaxAdjustments {
		b.logger.Warn("adjustment count above cap, clamping",
			slog.String("position_id", p.ID),
			slog.Int("count", p.AdjustmentCount),
			slog.Int("max", p.MaxAdjustments),
		)
		p.AdjustmentCount = p.MaxAdjustments
	}
	if p.Protection == "" {
		p.Protection = domain.ProtectionAttached
	}
	if p.Status == "" {
		p.Status = domain.PositionOpen
	}
	return p
}

// Len returns the number of guarded positions.
func (b *PositionBook) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Get returns the last published state of id without taking its lock.
func (b *PositionBook) Get(id string) (domain.Position, bool) {
	b.mu.Lock()
	e, ok := b.entries[id]
	b.mu.Unlock()
	if !ok {
		return domain.Position{}, false
	}
	return e.view.Load().Clone(), true
}

// Snapshot returns the last published state of every position, ordered by id.
func (b *PositionBook) Snapshot() []domain.Position {
	b.mu.Lock()
	out := make([]domain.Position, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e.view.Load().Clone())
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OpenExposure sums the entry notional of every guarded position.
func (b *PositionBook) OpenExposure() float64 {
	var sum float64
	for _, p := range b.Snapshot() {
		sum += p.Notional()
	}
	return sum
}

// With runs fn while holding the lock of position id. It returns
// domain.ErrNotFound when the position is not in the book and
// domain.ErrLockHeld when another process owns the distributed lease.
func (b *PositionBook) With(ctx context.Context, id string, fn func(ctx context.Context, tx *Tx) error) error {
	b.mu.Lock()
	e, ok := b.entries[id]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("position_book: %s: %w", id, domain.ErrNotFound)
	}

	select {
	case e.lock <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("position_book: lock %s: %w", id, ctx.Err())
	}
	defer func() { <-e.lock }()

	if e.removed.Load() {
		return fmt.Errorf("position_book: %s: %w", id, domain.ErrNotFound)
	}

	if b.locks != nil {
		unlock, err := b.locks.Acquire(ctx, "position:"+id, b.lockTTL)
		if err != nil {
			return fmt.Errorf("position_book: lease %s: %w", id, err)
		}
		defer unlock()
	}

	tx := &Tx{book: b, entry: e}
	err := fn(ctx, tx)
	if tx.closed {
		b.drop(id, e)
	}
	return err
}

func (b *PositionBook) drop(id string, e *bookEntry) {
	e.removed.Store(true)
	b.mu.Lock()
	if cur, ok := b.entries[id]; ok && cur == e {
		delete(b.entries, id)
	}
	b.gen++
	b.dropped[id] = b.gen
	n := len(b.entries)
	b.mu.Unlock()
	metrics.OpenPositions.Set(float64(n))
}

// FlushDirty retries persisting local state that an earlier write failed to
// store.
func (b *PositionBook) FlushDirty(ctx context.Context) {
	var ids []string
	b.mu.Lock()
	for id, e := range b.entries {
		if e.dirty.Load() {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()

	for _, id := range ids {
		err := b.With(ctx, id, func(ctx context.Context, tx *Tx) error {
			if !tx.entry.dirty.Load() {
				return nil
			}
			if err := b.store.Update(ctx, id, domain.Snapshot(tx.entry.pos)); err != nil {
				return err
			}
			tx.entry.dirty.Store(false)
			return nil
		})
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			b.logger.WarnContext(ctx, "flush dirty position failed",
				slog.String("position_id", id),
				slog.String("action", "persist"),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Tx is the handle passed to With callbacks. It is only valid inside the
// callback.
type Tx struct {
	book   *PositionBook
	entry  *bookEntry
	closed bool
}

// Position returns a copy of the locked position.
func (t *Tx) Position() domain.Position {
	return t.entry.pos.Clone()
}

// Commit applies u locally and writes it through to the store. The local
// state always reflects u, since the caller commits facts already
// acknowledged by the gateway; a failed write is retried by FlushDirty.
func (t *Tx) Commit(ctx context.Context, u domain.PositionUpdate) error {
	e := t.entry
	u.Apply(&e.pos)
	e.pos.UpdatedAt = time.Now().UTC()
	e.publish()

	if err := t.book.store.Update(ctx, e.pos.ID, u); err != nil {
		e.dirty.Store(true)
		return fmt.Errorf("position_book: update %s: %w", e.pos.ID, err)
	}
	return nil
}

// Close finalizes the position in the store and removes it from the book once
// the callback returns. On error the position stays in the book unchanged.
func (t *Tx) Close(ctx context.Context, c domain.ClosedPosition) error {
	e := t.entry
	if e.pos.Status != domain.PositionClosing {
		return fmt.Errorf("position_book: close %s from %s: %w", e.pos.ID, e.pos.Status, domain.ErrPositionClosed)
	}
	if err := t.book.store.MarkClosed(ctx, c); err != nil {
		return fmt.Errorf("position_book: mark closed %s: %w", e.pos.ID, err)
	}
	e.pos.Status = domain.PositionClosed
	e.pos.ExitPrice = domain.Float(c.ExitPrice)
	e.pos.ExitReason = c.Reason
	e.pos.RealizedPnL = c.RealizedPnL
	closedAt := c.ClosedAt
	e.pos.ClosedAt = &closedAt
	e.publish()
	t.closed = true
	return nil
}
