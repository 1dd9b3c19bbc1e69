package audit

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/blackroad/meshgate/internal/signal"
)

func testRecord(actor, action, outcome string, at time.Time) Record {
	return Record{
		At:      at,
		Actor:   actor,
		Action:  action,
		Outcome: outcome,
		Signal:  signal.NewAt(signal.Type(action), actor, "AI", nil, at),
	}
}

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return map[string]Backend{
		"memory": NewLog(0),
		"sqlite": store,
	}
}

func TestAppendAndQuery(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := b.Append(ctx, testRecord("alice", "route.request", OutcomeSuccess, now.Add(-time.Hour))); err != nil {
				t.Fatal(err)
			}
			if err := b.Append(ctx, testRecord("bob", "route.failed", OutcomeFailure, now)); err != nil {
				t.Fatal(err)
			}

			got, err := b.Query(ctx, Filter{Actor: "alice"})
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 || got[0].Actor != "alice" {
				t.Fatalf("actor filter: got %+v", got)
			}

			got, err = b.Query(ctx, Filter{Outcome: OutcomeFailure})
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 || got[0].Action != "route.failed" {
				t.Fatalf("outcome filter: got %+v", got)
			}

			got, err = b.Query(ctx, Filter{Since: now.Add(-time.Minute)})
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 || got[0].Actor != "bob" {
				t.Fatalf("since filter: got %+v", got)
			}
		})
	}
}

func TestQueryNewestFirstWithLimit(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				r := testRecord("a", "route.request", OutcomeSuccess, now.Add(time.Duration(i)*time.Second))
				if err := b.Append(ctx, r); err != nil {
					t.Fatal(err)
				}
			}

			got, err := b.Query(ctx, Filter{Limit: 2})
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 2 {
				t.Fatalf("expected 2, got %d", len(got))
			}
			if !got[0].At.After(got[1].At) {
				t.Fatalf("expected newest first: %v then %v", got[0].At, got[1].At)
			}
		})
	}
}

func TestCursorPagination(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 6; i++ {
				r := testRecord("a", "route.request", OutcomeSuccess, now.Add(time.Duration(i)*time.Second))
				if err := b.Append(ctx, r); err != nil {
					t.Fatal(err)
				}
			}

			page1, err := b.Query(ctx, Filter{Limit: 3})
			if err != nil {
				t.Fatal(err)
			}
			page2, err := b.Query(ctx, Filter{Limit: 3, Cursor: page1[len(page1)-1].ID})
			if err != nil {
				t.Fatal(err)
			}

			seen := make(map[string]bool)
			for _, r := range append(page1, page2...) {
				if seen[r.ID] {
					t.Fatalf("record %s appeared on both pages", r.ID)
				}
				seen[r.ID] = true
			}
			if len(seen) != 6 {
				t.Fatalf("expected 6 distinct records across pages, got %d", len(seen))
			}
		})
	}
}

func TestPurgeByAge(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := b.Append(ctx, testRecord("a", "old", OutcomeSuccess, now.Add(-48*time.Hour))); err != nil {
				t.Fatal(err)
			}
			if err := b.Append(ctx, testRecord("a", "new", OutcomeSuccess, now)); err != nil {
				t.Fatal(err)
			}

			deleted, err := b.Purge(ctx, 24*time.Hour)
			if err != nil {
				t.Fatal(err)
			}
			if deleted != 1 {
				t.Fatalf("expected 1 deleted, got %d", deleted)
			}

			got, err := b.Query(ctx, Filter{})
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 || got[0].Action != "new" {
				t.Fatalf("expected only the new record, got %+v", got)
			}
		})
	}
}

func TestStreamJSONL(t *testing.T) {
	ctx := context.Background()

	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				if err := b.Append(ctx, testRecord("a", "route.request", OutcomeSuccess, time.Now().UTC())); err != nil {
					t.Fatal(err)
				}
			}

			var buf bytes.Buffer
			if err := b.StreamJSONL(ctx, &buf, Filter{}); err != nil {
				t.Fatal(err)
			}
			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			if len(lines) != 3 {
				t.Fatalf("expected 3 JSONL lines, got %d", len(lines))
			}
			for _, line := range lines {
				if !strings.Contains(line, `"route.request"`) {
					t.Fatalf("line missing action: %s", line)
				}
			}
		})
	}
}

func TestStreamCSVHeader(t *testing.T) {
	ctx := context.Background()

	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := b.Append(ctx, testRecord("a", "x", OutcomeSuccess, time.Now().UTC())); err != nil {
				t.Fatal(err)
			}

			var buf bytes.Buffer
			if err := b.StreamCSV(ctx, &buf, Filter{}); err != nil {
				t.Fatal(err)
			}
			if !strings.HasPrefix(buf.String(), "id,at,actor,action,resource,outcome,request_id") {
				t.Fatalf("unexpected CSV header: %s", buf.String())
			}
		})
	}
}

func TestMemoryRingBounded(t *testing.T) {
	l := NewLog(10)
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		if err := l.Append(ctx, testRecord("a", "x", OutcomeSuccess, time.Now().UTC())); err != nil {
			t.Fatal(err)
		}
	}
	if l.Count() != 10 {
		t.Fatalf("expected ring capped at 10, got %d", l.Count())
	}
}

func TestSQLiteAppendIsIdempotentByID(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	r := testRecord("a", "x", OutcomeSuccess, time.Now().UTC())
	r.ID = "fixed-id"
	if err := store.Append(ctx, r); err != nil {
		t.Fatal(err)
	}
	if err := store.Append(ctx, r); err != nil {
		t.Fatal(err)
	}

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("duplicate id should be ignored, got %d rows", n)
	}
}

func TestFromSignalOutcomes(t *testing.T) {
	cases := []struct {
		typ  signal.Type
		want string
	}{
		{signal.RouteComplete, OutcomeSuccess},
		{signal.RouteFailed, OutcomeFailure},
		{signal.WebhookRejected, OutcomeFailure},
		{signal.RateLimited, OutcomeDenied},
		{signal.QueueFull, OutcomeDenied},
		{signal.RateLimitDown, OutcomeFailure},
	}
	for _, tc := range cases {
		r := FromSignal(signal.New(tc.typ, "gw", "AI", nil))
		if r.Outcome != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.typ, tc.want, r.Outcome)
		}
	}
}

func TestRecorderTapAppendsBeforePublishReturns(t *testing.T) {
	bus := signal.NewBus(16)
	log := NewLog(0)
	rec := NewRecorder(log, zap.NewNop())
	bus.Tap(rec.Signal)

	bus.Publish(signal.New(signal.RouteComplete, "gw", "AI", map[string]any{"request_id": "r1"}))

	// Publish has returned, so the record must already be durable. No
	// polling.
	if log.Count() != 1 {
		t.Fatalf("expected 1 record at publish return, got %d", log.Count())
	}
	got, _ := log.Query(context.Background(), Filter{})
	if got[0].RequestID != "r1" {
		t.Fatalf("request id should be lifted from signal data, got %+v", got[0])
	}
}

func TestRecorderTapKeepsAllRecordsUnderBurst(t *testing.T) {
	bus := signal.NewBus(16)
	log := NewLog(0)
	rec := NewRecorder(log, zap.NewNop())
	bus.Tap(rec.Signal)
	bus.Subscribe("slow", signal.Subscription{}) // never drained

	const n = 400
	for i := 0; i < n; i++ {
		bus.Publish(signal.New(signal.RouteRequest, "burst", "", map[string]any{"i": i}))
	}

	if log.Count() != n {
		t.Fatalf("burst of %d publishes left %d audit records", n, log.Count())
	}
}
