package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/riskguard/internal/cache/memory"
	"github.com/alanyoungcy/riskguard/internal/domain"
	"github.com/alanyoungcy/riskguard/internal/executor"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errTransient = errors.New("gateway timeout")

// memStore is an in-memory PositionStore and AdjustmentStore.
type memStore struct {
	mu        sync.Mutex
	positions map[string]domain.Position
	records   []domain.AdjustmentRecord
	closed    []domain.ClosedPosition
	updateErr error
	closeErr  error
	getErr    error
}

func newMemStore(ps ...domain.Position) *memStore {
	s := &memStore{positions: make(map[string]domain.Position)}
	for _, p := range ps {
		s.positions[p.ID] = p
	}
	return s
}

func (s *memStore) Create(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[p.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.positions[p.ID] = p
	return nil
}

func (s *memStore) GetOpen(context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	var out []domain.Position
	for _, p := range s.positions {
		if p.Status != domain.PositionClosed {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (s *memStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p.Clone(), nil
}

func (s *memStore) Update(_ context.Context, id string, u domain.PositionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	p, ok := s.positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	u.Apply(&p)
	s.positions[id] = p
	return nil
}

func (s *memStore) MarkClosed(_ context.Context, c domain.ClosedPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeErr != nil {
		return s.closeErr
	}
	p, ok := s.positions[c.ID]
	if !ok {
		return domain.ErrNotFound
	}
	p.Status = domain.PositionClosed
	p.ExitPrice = domain.Float(c.ExitPrice)
	p.ExitReason = c.Reason
	p.RealizedPnL = c.RealizedPnL
	s.positions[c.ID] = p
	s.closed = append(s.closed, c)
	return nil
}

func (s *memStore) Append(_ context.Context, rec domain.AdjustmentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *memStore) ListRecent(_ context.Context, limit int) ([]domain.AdjustmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AdjustmentRecord, 0, limit)
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}

func (s *memStore) ListBefore(context.Context, time.Time, int) ([]domain.AdjustmentRecord, error) {
	return nil, nil
}

func (s *memStore) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func (s *memStore) stored(id string) domain.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[id].Clone()
}

func (s *memStore) setErrors(update, closeErr error) {
	s.mu.Lock()
	s.updateErr = update
	s.closeErr = closeErr
	s.mu.Unlock()
}

// fakeGateway records calls and fails on demand.
type fakeGateway struct {
	mu        sync.Mutex
	cancelErr error
	placeErr  error
	closeErr  error
	cancels   []string
	places    []placeCall
	closes    []closeCall
}

type placeCall struct {
	ID     string
	TP, SL float64
}

type closeCall struct {
	ID    string
	Price float64
}

func (g *fakeGateway) CancelProtectiveOrders(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels = append(g.cancels, id)
	return g.cancelErr
}

func (g *fakeGateway) PlaceProtectiveOrders(_ context.Context, id string, tp, sl float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.places = append(g.places, placeCall{ID: id, TP: tp, SL: sl})
	return g.placeErr
}

func (g *fakeGateway) ClosePosition(_ context.Context, id string, price float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closes = append(g.closes, closeCall{ID: id, Price: price})
	return g.closeErr
}

func (g *fakeGateway) set(fn func(g *fakeGateway)) {
	g.mu.Lock()
	fn(g)
	g.mu.Unlock()
}

func (g *fakeGateway) counts() (cancels, places, closes int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.cancels), len(g.places), len(g.closes)
}

func (g *fakeGateway) closeCalls() []closeCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]closeCall(nil), g.closes...)
}

// fakeMarket serves a settable price per instrument.
type fakeMarket struct {
	mu     sync.Mutex
	prices map[string]float64
	err    error
	calls  int
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{prices: make(map[string]float64)}
}

func (m *fakeMarket) GetPrice(_ context.Context, instrument string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return 0, m.err
	}
	p, ok := m.prices[instrument]
	if !ok {
		return 0, domain.ErrPriceUnavailable
	}
	return p, nil
}

func (m *fakeMarket) set(instrument string, price float64) {
	m.mu.Lock()
	m.prices[instrument] = price
	m.mu.Unlock()
}

// fakeOutcomes records PnLs fed to the breaker.
type fakeOutcomes struct {
	mu   sync.Mutex
	pnls []float64
}

func (f *fakeOutcomes) RecordOutcome(_ context.Context, pnl float64) domain.BreakerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pnls = append(f.pnls, pnl)
	return domain.BreakerState{Phase: domain.BreakerArmed}
}

// fakeAlerts records notification events.
type fakeAlerts struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeAlerts) Notify(_ context.Context, event, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeAlerts) has(event string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e == event {
			return true
		}
	}
	return false
}

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func longPosition(id string, entry, tp, sl float64) domain.Position {
	return domain.Position{
		ID:             id,
		Instrument:     "BTC-USD",
		Side:           domain.SideLong,
		EntryPrice:     entry,
		Quantity:       1,
		CurrentPrice:   entry,
		TakeProfit:     tp,
		StopLoss:       sl,
		MaxAdjustments: 5,
		Status:         domain.PositionOpen,
		Protection:     domain.ProtectionAttached,
		OpenedAt:       time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC),
	}
}

// harness wires a book, resolver, monitor and adjuster over the fakes. The
// price cache uses a manual clock, so each cycle sees a fresh price once the
// clock is advanced past the ttl.
type harness struct {
	store    *memStore
	gateway  *fakeGateway
	market   *fakeMarket
	clock    *testClock
	outcomes *fakeOutcomes
	alerts   *fakeAlerts
	book     *PositionBook
	prices   *PriceResolver
	monitor  *PositionMonitor
	adjuster *PositionAdjuster
}

func newHarness(t *testing.T, ps ...domain.Position) *harness {
	t.Helper()
	h := &harness{
		store:    newMemStore(ps...),
		gateway:  &fakeGateway{},
		market:   newFakeMarket(),
		clock:    newTestClock(),
		outcomes: &fakeOutcomes{},
		alerts:   &fakeAlerts{},
	}
	logger := quietLogger()
	cache := memory.NewPriceCache(time.Second, memory.WithClock(h.clock.Now))
	retry := executor.RetryConfig{MaxAttempts: 1}
	h.book = NewPositionBook(h.store, 5, logger)
	require.NoError(t, h.book.Load(context.Background()))
	h.prices = NewPriceResolver(cache, h.market, time.Second, retry, logger)
	h.monitor = NewPositionMonitor(h.book, h.prices, h.gateway,
		MonitorDeps{Outcomes: h.outcomes, Alerts: h.alerts},
		MonitorConfig{Interval: 10 * time.Millisecond, ShutdownGrace: 50 * time.Millisecond, Workers: 2},
		logger)
	cfg := DefaultAdjusterConfig()
	cfg.Interval = 10 * time.Millisecond
	cfg.ShutdownGrace = 50 * time.Millisecond
	h.adjuster = NewPositionAdjuster(h.book, h.prices, h.gateway,
		AdjusterDeps{Records: h.store, Alerts: h.alerts}, cfg, logger)
	return h
}

// tick sets the market price and expires the cached one.
func (h *harness) tick(instrument string, price float64) {
	h.market.set(instrument, price)
	h.clock.Advance(2 * time.Second)
}
