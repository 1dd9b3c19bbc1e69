// Package dispatch resolves a classification to a concrete service endpoint,
// invokes it once within a bounded latency budget, and records the outcome.
// Retries belong to the failover layer above; this layer makes exactly one
// attempt and emits exactly one signal per dispatch.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blackroad/meshgate/internal/registry"
	"github.com/blackroad/meshgate/internal/signal"
)

// Outcome is the terminal state of a dispatch.
type Outcome string

const (
	Success Outcome = "success"
	Failure Outcome = "failure"
)

// Result is the record of one dispatch attempt.
type Result struct {
	RequestID string    `json:"request_id"`
	Org       string    `json:"org"`
	Service   string    `json:"service"`
	Outcome   Outcome   `json:"outcome"`
	Status    int       `json:"status"`
	LatencyMS int64     `json:"latency_ms"`
	Body      []byte    `json:"-"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Caller is the narrow capability used to invoke a backend. Tests substitute
// a mock; production uses HTTPCaller.
type Caller interface {
	Call(ctx context.Context, endpoint string, payload []byte) (status int, body []byte, err error)
}

// HTTPCaller invokes endpoints over HTTP POST with the dispatch budgets:
// 5 s connect, 30 s total.
type HTTPCaller struct {
	client *http.Client
}

// NewHTTPCaller builds the production caller.
func NewHTTPCaller() *HTTPCaller {
	return &HTTPCaller{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
				TLSHandshakeTimeout: 5 * time.Second,
			},
		},
	}
}

func (c *HTTPCaller) Call(ctx context.Context, endpoint string, payload []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

const historyCap = 1000

// Dispatcher performs single-attempt dispatches and keeps a bounded history
// for stats.
type Dispatcher struct {
	reg    *registry.Registry
	caller Caller
	bus    *signal.Bus
	logger *zap.Logger

	mu      sync.Mutex
	history []Result
}

// New creates a dispatcher.
func New(reg *registry.Registry, caller Caller, bus *signal.Bus, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		reg:    reg,
		caller: caller,
		bus:    bus,
		logger: logger,
	}
}

// Dispatch resolves (org, service) through the registry fallback chain and
// invokes the endpoint once. The result's signal is on the bus before
// Dispatch returns.
func (d *Dispatcher) Dispatch(ctx context.Context, requestID, org, service string, payload []byte) Result {
	start := time.Now()

	svc, ok := d.reg.Snapshot().ResolveEndpoint(org, service)
	if !ok {
		res := Result{
			RequestID: requestID,
			Org:       org,
			Service:   service,
			Outcome:   Failure,
			Status:    http.StatusNotFound,
			Reason:    "no_service",
			At:        start.UTC(),
		}
		d.record(res)
		return res
	}

	status, body, err := d.caller.Call(ctx, svc.Endpoint, payload)
	latency := time.Since(start)

	res := Result{
		RequestID: requestID,
		Org:       org,
		Service:   svc.Name,
		Status:    status,
		LatencyMS: latency.Milliseconds(),
		Body:      body,
		At:        start.UTC(),
	}

	switch {
	case err != nil:
		res.Outcome = Failure
		res.Reason = callReason(err)
		if res.Status == 0 {
			res.Status = http.StatusBadGateway
		}
	case status >= 200 && status <= 299:
		res.Outcome = Success
	default:
		res.Outcome = Failure
		res.Reason = "origin_error"
	}

	d.record(res)
	return res
}

func callReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "origin_timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "origin_timeout"
	}
	return "origin_unreachable"
}

// record appends to history and publishes the dispatch signal synchronously,
// so the signal is observable before the caller's HTTP response goes out.
func (d *Dispatcher) record(res Result) {
	d.mu.Lock()
	d.history = append(d.history, res)
	if len(d.history) > historyCap {
		d.history = append(d.history[:0:0], d.history[len(d.history)-historyCap/2:]...)
	}
	d.mu.Unlock()

	typ := signal.RouteComplete
	data := map[string]any{
		"request_id": res.RequestID,
		"org":        res.Org,
		"service":    res.Service,
		"status":     res.Status,
		"latency_ms": res.LatencyMS,
	}
	if res.Outcome != Success {
		typ = signal.RouteFailed
		data["reason"] = res.Reason
	}
	d.bus.Publish(signal.New(typ, "OS", res.Org, data))

	d.logger.Debug("dispatch recorded",
		zap.String("request_id", res.RequestID),
		zap.String("org", res.Org),
		zap.String("service", res.Service),
		zap.Int("status", res.Status),
		zap.String("outcome", string(res.Outcome)),
	)
}

// Stats aggregates dispatch history.
type Stats struct {
	Total        int            `json:"total"`
	SuccessRate  float64        `json:"success_rate"`
	ByOrg        map[string]int `json:"by_org"`
	ByService    map[string]int `json:"by_service"`
	AvgLatencyMS float64        `json:"avg_latency_ms"` // successful dispatches only
}

// Stats computes aggregates over the current history.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := Stats{
		Total:     len(d.history),
		ByOrg:     make(map[string]int),
		ByService: make(map[string]int),
	}
	if st.Total == 0 {
		return st
	}

	successes := 0
	var latencySum int64
	for _, r := range d.history {
		st.ByOrg[r.Org]++
		st.ByService[r.Service]++
		if r.Outcome == Success {
			successes++
			latencySum += r.LatencyMS
		}
	}
	st.SuccessRate = float64(successes) / float64(st.Total)
	if successes > 0 {
		st.AvgLatencyMS = float64(latencySum) / float64(successes)
	}
	return st
}
