package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/riskguard/internal/config"
	"github.com/alanyoungcy/riskguard/internal/domain"
	"github.com/alanyoungcy/riskguard/internal/executor"
	"github.com/alanyoungcy/riskguard/internal/notify"
)

type busMessage struct {
	channel string
	payload []byte
}

type recordingBus struct {
	mu   sync.Mutex
	msgs []busMessage
}

func (b *recordingBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, busMessage{channel: channel, payload: payload})
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *recordingBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *recordingBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type titleSender struct {
	mu     sync.Mutex
	titles []string
}

func (s *titleSender) Send(_ context.Context, title, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = append(s.titles, title)
	return nil
}

func (s *titleSender) Name() string { return "test" }

func (s *titleSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.titles...)
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg := config.Defaults()
	return New(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestBreakerObserver_PublishesAndNotifies(t *testing.T) {
	a := newTestApp(t)
	bus := &recordingBus{}
	sender := &titleSender{}
	deps := &Dependencies{
		SignalBus: bus,
		Notifier:  notify.NewNotifier([]notify.Sender{sender}, nil, 0, a.logger),
	}
	observe := a.breakerObserver(deps)

	until := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	observe(context.Background(), domain.BreakerTransition{
		From:  domain.BreakerArmed,
		To:    domain.BreakerTripped,
		State: domain.BreakerState{Phase: domain.BreakerTripped, ConsecutiveLosses: 3, CooldownUntil: &until},
		Cause: "losing trade",
	})
	// REACTIVATING is published but not alerted.
	observe(context.Background(), domain.BreakerTransition{
		From: domain.BreakerTripped,
		To:   domain.BreakerReactivating,
	})

	bus.mu.Lock()
	require.Len(t, bus.msgs, 2)
	assert.Equal(t, domain.ChannelBreaker, bus.msgs[0].channel)
	var got domain.BreakerTransition
	require.NoError(t, json.Unmarshal(bus.msgs[0].payload, &got))
	bus.mu.Unlock()
	assert.Equal(t, domain.BreakerTripped, got.To)
	assert.Equal(t, 3, got.State.ConsecutiveLosses)

	assert.Eventually(t, func() bool {
		return len(sender.sent()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"Circuit breaker tripped"}, sender.sent())
}

func TestPhaseValue(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0.0, phaseValue(domain.BreakerArmed))
	assert.Equal(t, 1.0, phaseValue(domain.BreakerReactivating))
	assert.Equal(t, 2.0, phaseValue(domain.BreakerTripped))
}

func TestNeedsS3(t *testing.T) {
	t.Parallel()
	cfg := config.Defaults()
	assert.False(t, needsS3(&cfg))

	cfg.Archive.Enabled = true
	assert.True(t, needsS3(&cfg))

	cfg.Mode = "monitor"
	assert.False(t, needsS3(&cfg))

	cfg.Mode = "archive"
	cfg.Archive.Enabled = false
	assert.True(t, needsS3(&cfg))
	assert.False(t, needsGateway(cfg.Mode))
}

type countingArchiver struct {
	mu      sync.Mutex
	cutoffs []time.Time
}

func (c *countingArchiver) ArchiveAdjustments(_ context.Context, before time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cutoffs = append(c.cutoffs, before)
	return 2, nil
}

func TestArchiveMode_RunsOnePass(t *testing.T) {
	a := newTestApp(t)
	a.cfg.Archive.RetentionDays = 10
	archiver := &countingArchiver{}

	require.NoError(t, a.ArchiveMode(context.Background(), &Dependencies{Archiver: archiver}))
	require.Len(t, archiver.cutoffs, 1)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, -10), archiver.cutoffs[0], time.Minute)

	require.Error(t, a.ArchiveMode(context.Background(), &Dependencies{}))
}

func TestPositionLeaseTTL_CoversCloseRetries(t *testing.T) {
	t.Parallel()
	cfg := config.Defaults()
	timeout := 10 * time.Second
	protective := executor.DefaultRetryConfig()
	closeRetry := executor.CloseRetryConfig()
	closeRetry.MaxAttempts = 5

	ttl := positionLeaseTTL(cfg.Redis.LockTTL.Duration, timeout, protective, closeRetry)
	assert.Greater(t, ttl, cfg.Redis.LockTTL.Duration)
	assert.Greater(t, ttl, 5*timeout, "five close attempts alone take 50s")
	assert.GreaterOrEqual(t, ttl, closeRetry.Budget(timeout)+2*protective.Budget(timeout))

	assert.Equal(t, time.Hour, positionLeaseTTL(time.Hour, timeout, protective, closeRetry))
}
