package route

import (
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/blackroad/meshgate/internal/classify"
	"github.com/blackroad/meshgate/internal/registry"
	"github.com/blackroad/meshgate/internal/signal"
)

func newRouter(t *testing.T) (*Router, *signal.Bus) {
	t.Helper()
	reg, err := registry.FromDocument(registry.DefaultDocument())
	if err != nil {
		t.Fatal(err)
	}
	bus := signal.NewBus(64)
	return New(classify.New(reg), bus, zap.NewNop()), bus
}

func TestRouteEmitsRequestSignal(t *testing.T) {
	r, bus := newRouter(t)
	ch := bus.Subscribe("t", signal.Subscription{Type: signal.RouteRequest})

	id, result := r.Route(classify.Request{Kind: classify.KindText, Body: "Sync Salesforce contacts to the CRM"})
	if id == "" {
		t.Fatal("request id should be generated")
	}
	if result.Org != "FND" {
		t.Fatalf("expected FND, got %s", result.Org)
	}

	select {
	case s := <-ch:
		if s.Source != "OS" || s.Target != "FND" {
			t.Fatalf("expected OS → FND, got %s → %s", s.Source, s.Target)
		}
		if s.Data["request_id"] != id {
			t.Fatalf("signal should carry the request id")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for route.request")
	}
}

func TestRoutePreservesCallerRequestID(t *testing.T) {
	r, _ := newRouter(t)
	id, _ := r.Route(classify.Request{ID: "req-42", Kind: classify.KindText, Body: "x"})
	if id != "req-42" {
		t.Fatalf("expected req-42, got %s", id)
	}
}

func TestHistoryTrimsToHalf(t *testing.T) {
	r, _ := newRouter(t)

	for i := 0; i <= historyCap; i++ {
		r.Route(classify.Request{Kind: classify.KindText, Body: fmt.Sprintf("request %d", i)})
	}

	if got := r.HistoryLen(); got != historyTrim+1 {
		t.Fatalf("expected trim to %d (+1 for the overflow entry), got %d", historyTrim, got)
	}

	// Keep going: the buffer must never exceed its cap.
	for i := 0; i < historyCap; i++ {
		r.Route(classify.Request{Kind: classify.KindText, Body: "more"})
		if got := r.HistoryLen(); got > historyCap {
			t.Fatalf("history exceeded cap: %d", got)
		}
	}
}

func TestStats(t *testing.T) {
	r, _ := newRouter(t)
	r.Route(classify.Request{Kind: classify.KindText, Body: "Salesforce sync"})
	r.Route(classify.Request{Kind: classify.KindText, Body: "qwerty asdf"})

	st := r.Stats()
	if st.Total != 2 {
		t.Fatalf("expected 2 entries, got %d", st.Total)
	}
	if st.ByOrg["FND"] != 1 || st.ByOrg["AI"] != 1 {
		t.Fatalf("unexpected org counts: %v", st.ByOrg)
	}
	if st.ByBranch["rule"] != 1 || st.ByBranch["fallback"] != 1 {
		t.Fatalf("unexpected branch counts: %v", st.ByBranch)
	}
	if st.AvgConfidence <= 0 || st.AvgConfidence > 1 {
		t.Fatalf("bad avg confidence: %f", st.AvgConfidence)
	}
}

func TestRecentNewestFirst(t *testing.T) {
	r, _ := newRouter(t)
	r.Route(classify.Request{ID: "a", Kind: classify.KindText, Body: "one"})
	r.Route(classify.Request{ID: "b", Kind: classify.KindText, Body: "two"})

	recent := r.Recent(2)
	if len(recent) != 2 || recent[0].RequestID != "b" || recent[1].RequestID != "a" {
		t.Fatalf("expected [b a], got %+v", recent)
	}
}
