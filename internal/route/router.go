// Package route wraps the classifier with history tracking and signal
// emission: every classified request leaves a route.request signal on the bus
// and a history entry for stats introspection.
package route

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/blackroad/meshgate/internal/classify"
	"github.com/blackroad/meshgate/internal/signal"
)

const (
	historyCap  = 1000
	historyTrim = 500
)

// Entry is one remembered classification.
type Entry struct {
	RequestID  string                  `json:"request_id"`
	At         time.Time               `json:"at"`
	Result     classify.Classification `json:"result"`
}

// Router classifies requests and remembers the last N results.
type Router struct {
	classifier *classify.Classifier
	bus        *signal.Bus
	logger     *zap.Logger

	mu      sync.Mutex
	history []Entry
}

// New creates a router.
func New(classifier *classify.Classifier, bus *signal.Bus, logger *zap.Logger) *Router {
	return &Router{
		classifier: classifier,
		bus:        bus,
		logger:     logger,
		history:    make([]Entry, 0, historyTrim),
	}
}

// Route classifies the request, records it, and emits route.request.
// The request id is generated when absent.
func (r *Router) Route(req classify.Request) (string, classify.Classification) {
	if req.ID == "" {
		req.ID = ulid.Make().String()
	}

	result := r.classifier.Classify(req)

	r.mu.Lock()
	r.history = append(r.history, Entry{RequestID: req.ID, At: time.Now().UTC(), Result: result})
	if len(r.history) > historyCap {
		r.history = append(r.history[:0:0], r.history[len(r.history)-historyTrim:]...)
	}
	r.mu.Unlock()

	source := "OS"
	if req.Actor != "" {
		source = req.Actor
	}
	r.bus.Publish(signal.New(signal.RouteRequest, source, result.Org, map[string]any{
		"request_id": req.ID,
		"service":    result.Service,
		"confidence": result.Confidence,
		"branch":     string(result.Branch),
		"kind":       string(req.Kind),
	}))

	r.logger.Debug("request routed",
		zap.String("request_id", req.ID),
		zap.String("org", result.Org),
		zap.String("service", result.Service),
		zap.Float64("confidence", result.Confidence),
	)
	return req.ID, result
}

// Stats summarises the history buffer.
type Stats struct {
	Total         int                `json:"total"`
	ByOrg         map[string]int     `json:"by_org"`
	ByBranch      map[string]int     `json:"by_branch"`
	AvgConfidence float64            `json:"avg_confidence"`
}

// Stats computes aggregates over the current history.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Stats{
		Total:    len(r.history),
		ByOrg:    make(map[string]int),
		ByBranch: make(map[string]int),
	}
	if st.Total == 0 {
		return st
	}

	sum := 0.0
	for _, e := range r.history {
		st.ByOrg[e.Result.Org]++
		st.ByBranch[string(e.Result.Branch)]++
		sum += e.Result.Confidence
	}
	st.AvgConfidence = sum / float64(st.Total)
	return st
}

// Recent returns the N most recent entries, newest first.
func (r *Router) Recent(n int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || n > len(r.history) {
		n = len(r.history)
	}
	out := make([]Entry, 0, n)
	for i := len(r.history) - 1; i >= len(r.history)-n; i-- {
		out = append(out, r.history[i])
	}
	return out
}

// HistoryLen reports the current buffer length (for tests and metrics).
func (r *Router) HistoryLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.history)
}
