package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/blackroad/meshgate/internal/signal"
)

const (
	signalLogCap  = 1000
	signalLogTrim = 500
)

// signalLog is the bounded in-memory buffer behind GET /v1/signals. It is
// fed from its own bus subscription, so everything published anywhere in the
// gateway shows up here.
type signalLog struct {
	mu  sync.RWMutex
	buf []signal.Signal
}

func newSignalLog() *signalLog {
	return &signalLog{buf: make([]signal.Signal, 0, signalLogTrim)}
}

func (l *signalLog) append(s signal.Signal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, s)
	if len(l.buf) > signalLogCap {
		l.buf = append(l.buf[:0:0], l.buf[len(l.buf)-signalLogTrim:]...)
	}
}

// query returns matching signals newest first.
func (l *signalLog) query(typ signal.Type, source string, since time.Time, limit int) []signal.Signal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > len(l.buf) {
		limit = len(l.buf)
	}
	out := make([]signal.Signal, 0, limit)
	for i := len(l.buf) - 1; i >= 0 && len(out) < limit; i-- {
		s := l.buf[i]
		if typ != "" && s.Type != typ {
			continue
		}
		if source != "" && s.Source != source {
			continue
		}
		if !since.IsZero() && s.Time().Before(since) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (l *signalLog) len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buf)
}

// run drains a bus subscription until the context ends.
func (l *signalLog) run(ctx context.Context, ch <-chan signal.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-ch:
			if !ok {
				return
			}
			l.append(s)
		}
	}
}
