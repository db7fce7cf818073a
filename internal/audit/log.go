// Package audit keeps recent decisions in memory and forwards them to an
// optional publisher.
package audit

import (
	"sync"
	"time"

	"govoracle/internal/model"
)

type Log struct {
	mu    sync.RWMutex
	buf   []model.Decision
	limit int
}

func NewLog(limit int) *Log {
	if limit <= 0 {
		limit = 1000
	}
	return &Log{limit: limit}
}

func (l *Log) Add(d model.Decision) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buf) < l.limit {
		l.buf = append(l.buf, d)
		return
	}
	copy(l.buf, l.buf[1:])
	l.buf[len(l.buf)-1] = d
}

// List returns up to limit of the most recent decisions, oldest first.
func (l *Log) List(limit int) []model.Decision {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit <= 0 || limit > len(l.buf) {
		limit = len(l.buf)
	}
	out := make([]model.Decision, 0, limit)
	for i := len(l.buf) - limit; i < len(l.buf); i++ {
		out = append(out, l.buf[i])
	}
	return out
}

func (l *Log) Since(ts time.Time) []model.Decision {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.Decision, 0)
	for _, d := range l.buf {
		if !d.DecidedAt.Before(ts) {
			out = append(out, d)
		}
	}
	return out
}

func (l *Log) Get(requestID string) (model.Decision, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.buf) - 1; i >= 0; i-- {
		if l.buf[i].RequestID == requestID {
			return l.buf[i], true
		}
	}
	return model.Decision{}, false
}

func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = nil
}
