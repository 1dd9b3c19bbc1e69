// Package audit provides an append-only audit trail for gateway activity.
// Every routed request, webhook, auth event, and admin action is recorded
// with an indexed (actor, action, resource, outcome) tuple plus the full
// signal payload.
package audit

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blackroad/meshgate/internal/signal"
)

// Outcome classifies how the audited action ended.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// Record is one audit entry. ID and At are filled on append when empty.
type Record struct {
	ID        string        `json:"id"`
	At        time.Time     `json:"at"`
	Actor     string        `json:"actor"`
	Action    string        `json:"action"`
	Resource  string        `json:"resource,omitempty"`
	Outcome   string        `json:"outcome"`
	RequestID string        `json:"request_id,omitempty"`
	Signal    signal.Signal `json:"signal"`
}

// Filter selects records. Zero fields match everything; Cursor pages by
// record id, newest first.
type Filter struct {
	Actor    string
	Action   string
	Resource string
	Outcome  string
	Since    time.Time
	Until    time.Time
	Cursor   string
	Limit    int
}

func (f Filter) matches(r Record) bool {
	if f.Actor != "" && r.Actor != f.Actor {
		return false
	}
	if f.Action != "" && r.Action != f.Action {
		return false
	}
	if f.Resource != "" && r.Resource != f.Resource {
		return false
	}
	if f.Outcome != "" && r.Outcome != f.Outcome {
		return false
	}
	if !f.Since.IsZero() && r.At.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.At.After(f.Until) {
		return false
	}
	return true
}

// Backend is the durable side of the trail. The memory Log, the SQLite
// store, and the Postgres store all implement it.
type Backend interface {
	Append(ctx context.Context, r Record) error
	Query(ctx context.Context, f Filter) ([]Record, error)
	StreamJSONL(ctx context.Context, w io.Writer, f Filter) error
	StreamCSV(ctx context.Context, w io.Writer, f Filter) error
	Purge(ctx context.Context, olderThan time.Duration) (int64, error)
	Close() error
}

func enrich(r *Record) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	if r.RequestID == "" {
		if id, ok := r.Signal.Data["request_id"].(string); ok {
			r.RequestID = id
		}
	}
}

// Log is the in-memory ring fallback used when no database is configured.
type Log struct {
	mu      sync.RWMutex
	records []Record
	maxLen  int
}

// NewLog creates a ring of at most maxLen records. maxLen=0 is unbounded.
func NewLog(maxLen int) *Log {
	return &Log{records: make([]Record, 0, 256), maxLen: maxLen}
}

func (l *Log) Append(_ context.Context, r Record) error {
	enrich(&r)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, r)
	if l.maxLen > 0 && len(l.records) > l.maxLen {
		l.records = l.records[len(l.records)-l.maxLen:]
	}
	return nil
}

// Query returns matching records, newest first.
func (l *Log) Query(_ context.Context, f Filter) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Record
	skipping := f.Cursor != ""
	for i := len(l.records) - 1; i >= 0; i-- {
		r := l.records[i]
		if skipping {
			if r.ID == f.Cursor {
				skipping = false
			}
			continue
		}
		if !f.matches(r) {
			continue
		}
		out = append(out, r)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (l *Log) StreamJSONL(ctx context.Context, w io.Writer, f Filter) error {
	records, err := l.Query(ctx, f)
	if err != nil {
		return err
	}
	return writeJSONL(w, records)
}

func (l *Log) StreamCSV(ctx context.Context, w io.Writer, f Filter) error {
	records, err := l.Query(ctx, f)
	if err != nil {
		return err
	}
	return writeCSV(w, records)
}

func (l *Log) Purge(_ context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.records[:0]
	var deleted int64
	for _, r := range l.records {
		if r.At.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	l.records = kept
	return deleted, nil
}

func (l *Log) Close() error { return nil }

// Count reports the number of buffered records.
func (l *Log) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// PurgeLoop applies retention on a fixed interval until ctx is done. It
// purges once immediately so restarts do not accumulate stale records.
func PurgeLoop(ctx context.Context, b Backend, retention, interval time.Duration) {
	if retention <= 0 || interval <= 0 {
		return
	}

	_, _ = b.Purge(ctx, retention)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = b.Purge(ctx, retention)
		}
	}
}
