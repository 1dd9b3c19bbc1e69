package nodehealth

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/blackroad/meshgate/internal/signal"
)

func newTracker(t *testing.T, staleAfter time.Duration) (*Tracker, *signal.Bus) {
	t.Helper()
	bus := signal.NewBus(16)
	return New(bus, zap.NewNop(), staleAfter), bus
}

func expectSignal(t *testing.T, ch <-chan signal.Signal, typ signal.Type) signal.Signal {
	t.Helper()
	select {
	case s := <-ch:
		if s.Type != typ {
			t.Fatalf("expected %s, got %s", typ, s.Type)
		}
		return s
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for %s", typ)
		return signal.Signal{}
	}
}

func TestFirstHeartbeatEmitsOnline(t *testing.T) {
	tr, bus := newTracker(t, time.Minute)
	ch := bus.Subscribe("t", signal.Subscription{Type: signal.NodeOnline})

	tr.Heartbeat("edge-1", "INF")

	s := expectSignal(t, ch, signal.NodeOnline)
	if s.Source != "edge-1" || s.Target != "INF" {
		t.Fatalf("unexpected signal: %+v", s)
	}
	if tr.OnlineCount() != 1 {
		t.Fatalf("expected 1 online, got %d", tr.OnlineCount())
	}
}

func TestRepeatHeartbeatIsQuiet(t *testing.T) {
	tr, bus := newTracker(t, time.Minute)
	ch := bus.Subscribe("t", signal.Subscription{Type: signal.NodeOnline})

	tr.Heartbeat("edge-1", "INF")
	<-ch
	tr.Heartbeat("edge-1", "INF")

	select {
	case s := <-ch:
		t.Fatalf("repeat heartbeat should not re-announce, got %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSweepMarksStaleOffline(t *testing.T) {
	tr, bus := newTracker(t, 10*time.Millisecond)
	offline := bus.Subscribe("off", signal.Subscription{Type: signal.NodeOffline})
	online := bus.Subscribe("on", signal.Subscription{Type: signal.NodeOnline})

	tr.Heartbeat("edge-1", "INF")
	<-online

	time.Sleep(20 * time.Millisecond)
	if n := tr.Sweep(); n != 1 {
		t.Fatalf("expected 1 transition, got %d", n)
	}
	expectSignal(t, offline, signal.NodeOffline)

	if tr.OnlineCount() != 0 {
		t.Fatalf("expected 0 online, got %d", tr.OnlineCount())
	}

	// A fresh heartbeat brings it back and re-announces.
	tr.Heartbeat("edge-1", "")
	expectSignal(t, online, signal.NodeOnline)
}

func TestSnapshotSorted(t *testing.T) {
	tr, _ := newTracker(t, time.Minute)
	tr.Heartbeat("zulu", "OS")
	tr.Heartbeat("alpha", "OS")

	snap := tr.Snapshot()
	if len(snap) != 2 || snap[0].Name != "alpha" || snap[1].Name != "zulu" {
		t.Fatalf("expected sorted [alpha zulu], got %+v", snap)
	}
}
