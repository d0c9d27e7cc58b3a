package service

import (
	"sync"

	"github.com/alanyoungcy/riskguard/internal/domain"
)

// AdjustmentLog keeps the most recent adjustment records in a fixed-size
// ring. Older records live in the AdjustmentStore.
type AdjustmentLog struct {
	mu   sync.Mutex
	buf  []domain.AdjustmentRecord
	next int
	full bool
}

// NewAdjustmentLog creates a log holding at most size records.
func NewAdjustmentLog(size int) *AdjustmentLog {
	if size < 1 {
		size = 1
	}
	return &AdjustmentLog{buf: make([]domain.AdjustmentRecord, size)}
}

// Add appends rec, evicting the oldest record when full.
func (l *AdjustmentLog) Add(rec domain.AdjustmentRecord) {
	l.mu.Lock()
	l.buf[l.next] = rec
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()
}

// Len returns the number of records held.
func (l *AdjustmentLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lenLocked()
}

func (l *AdjustmentLog) lenLocked() int {
	if l.full {
		return len(l.buf)
	}
	return l.next
}

// Recent returns up to limit records, newest first. limit <= 0 returns all.
func (l *AdjustmentLog) Recent(limit int) []domain.AdjustmentRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.lenLocked()
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.AdjustmentRecord, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (l.next - i + len(l.buf)) % len(l.buf)
		out = append(out, l.buf[idx])
	}
	return out
}

// Stats summarizes the records in the window.
func (l *AdjustmentLog) Stats() domain.AdjustmentStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.lenLocked()
	s := domain.AdjustmentStats{
		ByReason: make(map[domain.AdjustmentReason]int),
		Window:   len(l.buf),
	}
	for i := 0; i < n; i++ {
		rec := l.buf[i]
		s.Total++
		s.ByReason[rec.Reason]++
		if rec.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(s.Total)
	}
	return s
}
