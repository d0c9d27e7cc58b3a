// Package feed streams last-trade prices from a websocket endpoint into the
// in-process PriceCache and, optionally, the shared Redis price store.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/riskguard/internal/domain"
	"github.com/alanyoungcy/riskguard/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// PriceSink receives every valid tick. *memory.PriceCache satisfies it.
type PriceSink interface {
	Set(instrument string, price float64)
}

// Tick is one price update on the wire.
type Tick struct {
	Instrument string  `json:"instrument"`
	Price      float64 `json:"price"`
	Timestamp  int64   `json:"ts"`
}

type subscribeCommand struct {
	Type        string   `json:"type"`
	Instruments []string `json:"instruments"`
}

// Config configures a PriceFeed.
type Config struct {
	URL              string
	Instruments      []string
	HandshakeTimeout time.Duration
	ReconnectWait    time.Duration
	MaxReconnectWait time.Duration
}

// PriceFeed keeps one websocket subscription alive and fans ticks out to the
// cache and store. Run reconnects with exponential backoff until ctx ends.
type PriceFeed struct {
	cfg    Config
	cache  PriceSink
	store  domain.PriceStore
	logger *slog.Logger

	mu    sync.Mutex
	ticks int64
}

// NewPriceFeed creates a feed. store may be nil.
func NewPriceFeed(cfg Config, cache PriceSink, store domain.PriceStore, logger *slog.Logger) *PriceFeed {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.MaxReconnectWait < cfg.ReconnectWait {
		cfg.MaxReconnectWait = 30 * time.Second
	}
	return &PriceFeed{
		cfg:    cfg,
		cache:  cache,
		store:  store,
		logger: logger.With(slog.String("component", "price_feed")),
	}
}

// Ticks returns the number of ticks applied since start.
func (f *PriceFeed) Ticks() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ticks
}

// Run connects, subscribes and reads until ctx is cancelled.
func (f *PriceFeed) Run(ctx context.Context) error {
	if f.cfg.URL == "" {
		return errors.New("feed: url is required")
	}
	wait := f.cfg.ReconnectWait
	for {
		start := time.Now()
		err := f.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A session that stayed up for a while resets the backoff.
		if time.Since(start) > f.cfg.MaxReconnectWait {
			wait = f.cfg.ReconnectWait
		}
		metrics.FeedReconnects.Inc()
		f.logger.WarnContext(ctx, "price feed disconnected",
			slog.String("error", errString(err)),
			slog.Duration("retry_in", wait),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if wait > f.cfg.MaxReconnectWait {
			wait = f.cfg.MaxReconnectWait
		}
	}
}

func (f *PriceFeed) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: f.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()

	if len(f.cfg.Instruments) > 0 {
		cmd := subscribeCommand{Type: "subscribe", Instruments: f.cfg.Instruments}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(cmd); err != nil {
			return fmt.Errorf("feed: subscribe: %w", err)
		}
	}
	f.logger.InfoContext(ctx, "price feed subscribed",
		slog.String("url", f.cfg.URL),
		slog.Int("instruments", len(f.cfg.Instruments)),
	)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go f.pingLoop(conn, done)

	// Unblock ReadMessage when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = conn.Close()
	})
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}
		f.handle(ctx, data)
	}
}

func (f *PriceFeed) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// handle accepts either a single tick object or an array of ticks.
func (f *PriceFeed) handle(ctx context.Context, data []byte) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return
	}
	var ticks []Tick
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, &ticks); err != nil {
			f.logger.DebugContext(ctx, "dropping malformed batch", slog.String("error", err.Error()))
			return
		}
	} else {
		var t Tick
		if err := json.Unmarshal(data, &t); err != nil {
			f.logger.DebugContext(ctx, "dropping malformed tick", slog.String("error", err.Error()))
			return
		}
		ticks = append(ticks, t)
	}
	for _, t := range ticks {
		f.apply(ctx, t)
	}
}

func (f *PriceFeed) apply(ctx context.Context, t Tick) {
	if t.Instrument == "" || t.Price <= 0 {
		return
	}
	f.cache.Set(t.Instrument, t.Price)
	f.mu.Lock()
	f.ticks++
	f.mu.Unlock()
	metrics.FeedTicks.Inc()

	if f.store == nil {
		return
	}
	ts := time.Now()
	if t.Timestamp > 0 {
		ts = time.Unix(t.Timestamp, 0)
	}
	if err := f.store.SetPrice(ctx, t.Instrument, t.Price, ts); err != nil {
		f.logger.WarnContext(ctx, "price store write failed",
			slog.String("instrument", t.Instrument),
			slog.String("error", err.Error()),
		)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
