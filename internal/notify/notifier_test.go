package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	name string
	err  error

	mu     sync.Mutex
	titles []string
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func (r *recordingSender) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.titles...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifier_FiltersEvents(t *testing.T) {
	t.Parallel()
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{"breaker_tripped", " close_failed "}, 0, quietLogger())
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, "breaker_tripped", "tripped", ""))
	require.NoError(t, n.Notify(ctx, "close_failed", "close failed", ""))
	require.NoError(t, n.Notify(ctx, "position_closed", "closed", ""))
	require.NoError(t, n.NotifyAll(ctx, "forced", ""))

	assert.Equal(t, []string{"tripped", "close failed", "forced"}, s.sent())
}

func TestNotifier_Cooldown(t *testing.T) {
	t.Parallel()
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, nil, time.Minute, quietLogger())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, "close_failed", "p1", ""))
	require.NoError(t, n.Notify(ctx, "close_failed", "p1", ""))
	require.NoError(t, n.Notify(ctx, "close_failed", "p2", ""))
	now = now.Add(2 * time.Minute)
	require.NoError(t, n.Notify(ctx, "close_failed", "p1", ""))

	assert.Equal(t, []string{"p1", "p2", "p1"}, s.sent())
}

func TestNotifier_OneSenderFailing(t *testing.T) {
	t.Parallel()
	bad := &recordingSender{name: "bad", err: errors.New("boom")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, 0, quietLogger())

	err := n.Notify(context.Background(), "breaker_tripped", "tripped", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Equal(t, []string{"tripped"}, good.sent())
}

func TestNotifier_NoSenders(t *testing.T) {
	t.Parallel()
	n := NewNotifier(nil, nil, 0, quietLogger())
	assert.False(t, n.Enabled())
	require.NoError(t, n.Notify(context.Background(), "x", "y", "z"))
}

func TestTelegramSender_Send(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var path string
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&payload)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := NewTelegramSender(srv.URL, "tok", "42")
	require.NoError(t, s.Send(context.Background(), "Breaker tripped", "loss 5.2%"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "42", payload["chat_id"])
	assert.Equal(t, "*Breaker tripped*\nloss 5.2%", payload["text"])
}

func TestTelegramSender_ErrorStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "chat not found", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewTelegramSender(srv.URL, "tok", "42").Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestDiscordSender_TruncatesLongContent(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var payload struct {
		Content string `json:"content"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	require.NoError(t, s.Send(context.Background(), "Close failed", strings.Repeat("x", 3000)))

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, strings.HasPrefix(payload.Content, "**Close failed**\n"))
	assert.Len(t, []rune(payload.Content), discordContentLimit)
}
