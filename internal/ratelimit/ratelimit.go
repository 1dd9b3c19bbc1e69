// Package ratelimit implements fixed-window rate limiting behind a single
// writer goroutine. All bucket state is owned by one goroutine; callers talk
// to it over a channel, so there are no locks and no data races on buckets.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Defaults for the fixed window.
const (
	DefaultWindow = 60 * time.Second
	DefaultLimit  = 1000
)

// ErrUnavailable reports that the limiter actor is not running or its inbox
// timed out. Callers decide the policy; the gateway fails open.
var ErrUnavailable = errors.New("ratelimit: limiter unavailable")

// Decision is the limiter's answer for one request.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration // zero when allowed
}

type bucket struct {
	windowStart time.Time
	count       int
}

type request struct {
	identity string
	limit    int // 0 = limiter default
	now      time.Time
	reply    chan Decision
}

// Limiter is a fixed-window counter keyed by caller identity. A bucket
// belongs to the window that opened it; the first request after the window
// elapses opens a fresh one.
type Limiter struct {
	window time.Duration
	limit  int
	logger *zap.Logger

	inbox  chan request
	done   chan struct{}
	closed chan struct{}
}

// New creates a limiter. Zero values select the defaults.
func New(window time.Duration, limit int, logger *zap.Logger) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Limiter{
		window: window,
		limit:  limit,
		logger: logger,
		inbox:  make(chan request, 256),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// Start launches the writer goroutine. It returns once the actor is serving.
func (l *Limiter) Start() {
	go l.run()
}

// Stop shuts the actor down and waits for it to drain.
func (l *Limiter) Stop() {
	close(l.done)
	<-l.closed
}

func (l *Limiter) run() {
	defer close(l.closed)

	buckets := make(map[string]*bucket)
	sweep := time.NewTicker(l.window)
	defer sweep.Stop()

	for {
		select {
		case <-l.done:
			return
		case now := <-sweep.C:
			// Buckets expire two windows after they opened.
			for id, b := range buckets {
				if now.Sub(b.windowStart) >= 2*l.window {
					delete(buckets, id)
				}
			}
		case req := <-l.inbox:
			req.reply <- l.decide(buckets, req)
		}
	}
}

func (l *Limiter) decide(buckets map[string]*bucket, req request) Decision {
	limit := req.limit
	if limit <= 0 {
		limit = l.limit
	}

	b, ok := buckets[req.identity]
	if !ok || req.now.Sub(b.windowStart) >= l.window {
		b = &bucket{windowStart: req.now}
		buckets[req.identity] = b
	}

	if b.count >= limit {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: b.windowStart.Add(l.window).Sub(req.now),
		}
	}
	b.count++
	return Decision{Allowed: true, Remaining: limit - b.count}
}

// Allow asks the actor whether the identity may proceed. It returns
// ErrUnavailable when the actor is stopped or the context expires first;
// the caller chooses whether to fail open.
func (l *Limiter) Allow(ctx context.Context, identity string) (Decision, error) {
	return l.AllowLimit(ctx, identity, 0)
}

// AllowLimit is Allow with a per-identity limit override. API keys carry
// their own limit; zero selects the limiter default.
func (l *Limiter) AllowLimit(ctx context.Context, identity string, limit int) (Decision, error) {
	req := request{identity: identity, limit: limit, now: time.Now(), reply: make(chan Decision, 1)}

	select {
	case l.inbox <- req:
	case <-l.closed:
		return Decision{}, ErrUnavailable
	case <-ctx.Done():
		return Decision{}, ErrUnavailable
	}

	select {
	case d := <-req.reply:
		return d, nil
	case <-l.closed:
		return Decision{}, ErrUnavailable
	case <-ctx.Done():
		return Decision{}, ErrUnavailable
	}
}
