package webhooks

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blackroad/meshgate/internal/signal"
)

// QueueDepth bounds the processing queue. A full queue rejects with 503
// rather than blocking the HTTP path.
const QueueDepth = 1024

// Error is the receiver's HTTP-facing rejection.
type Error struct {
	Status int    `json:"-"`
	Code   string `json:"code"`
}

// Rejection codes, stable across providers.
const (
	CodeNoHandler        = "no_handler"
	CodeInvalidBody      = "invalid_body"
	CodeInvalidSignature = "invalid_signature"
	CodeTimestampExpired = "timestamp_expired"
	CodeParseError       = "parse_error"
	CodeQueueFull        = "queue_full"
)

// Receiver runs the full intake pipeline: resolve handler, verify, parse,
// enqueue. Verification and parsing are synchronous so the caller gets the
// right status; canonical signal emission happens on the worker side.
type Receiver struct {
	registry *Registry
	secrets  map[string]string
	bus      *signal.Bus
	logger   *zap.Logger
	queue    chan Event
}

// NewReceiver creates a receiver. secrets maps provider name to shared
// secret; providers without an entry are accepted unverified.
func NewReceiver(registry *Registry, secrets map[string]string, bus *signal.Bus, logger *zap.Logger) *Receiver {
	return &Receiver{
		registry: registry,
		secrets:  secrets,
		bus:      bus,
		logger:   logger,
		queue:    make(chan Event, QueueDepth),
	}
}

// Receive processes one inbound webhook. provider comes from the URL path;
// hint is the optional provider_hint override. On success the event is
// queued and its webhook.received signal is already on the bus.
func (r *Receiver) Receive(provider, hint string, headers http.Header, body []byte) (Event, *Error) {
	handler, ok := r.resolve(provider, hint, headers)
	if !ok {
		return Event{}, &Error{Status: http.StatusBadRequest, Code: CodeNoHandler}
	}

	verified := false
	secret := r.secrets[handler.Provider()]
	if secret != "" {
		if err := handler.Verify(headers, body, secret); err != nil {
			code := CodeInvalidSignature
			status := http.StatusForbidden
			if errors.Is(err, ErrTimestampExpired) {
				code = CodeTimestampExpired
			}
			r.bus.Publish(signal.New(signal.WebhookRejected, handler.Provider(), "OS", map[string]any{
				"reason": code,
			}))
			return Event{}, &Error{Status: status, Code: code}
		}
		verified = true
	}

	evt, err := handler.Parse(headers, body)
	if err != nil {
		if errors.Is(err, ErrInvalidBody) {
			return Event{}, &Error{Status: http.StatusBadRequest, Code: CodeInvalidBody}
		}
		return Event{}, &Error{Status: http.StatusInternalServerError, Code: CodeParseError}
	}

	evt.ID = uuid.NewString()
	evt.Verified = verified
	evt.ReceivedAt = time.Now().UTC()

	select {
	case r.queue <- evt:
	default:
		r.bus.Publish(signal.New(signal.QueueFull, handler.Provider(), "OS", map[string]any{
			"queue_depth": QueueDepth,
		}))
		return Event{}, &Error{Status: http.StatusServiceUnavailable, Code: CodeQueueFull}
	}

	r.bus.Publish(signal.New(signal.WebhookReceived, evt.Provider, evt.Org, map[string]any{
		"event_id": evt.ID,
		"type":     string(evt.Type),
		"verified": evt.Verified,
	}))
	return evt, nil
}

func (r *Receiver) resolve(provider, hint string, headers http.Header) (Handler, bool) {
	if hint != "" {
		if h, ok := r.registry.Lookup(hint); ok {
			return h, true
		}
	}
	if provider != "" {
		if h, ok := r.registry.Lookup(provider); ok {
			return h, true
		}
	}
	return r.registry.Detect(headers)
}

// QueueLen reports the current backlog (for status and metrics).
func (r *Receiver) QueueLen() int {
	return len(r.queue)
}

// Run drains the queue until ctx is done, publishing each event's canonical
// signal. Verified events also get a webhook.verified marker.
func (r *Receiver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-r.queue:
			r.process(evt)
		}
	}
}

func (r *Receiver) process(evt Event) {
	data := map[string]any{
		"event_id": evt.ID,
		"provider": evt.Provider,
		"resource": evt.Resource,
		"verified": evt.Verified,
	}
	for k, v := range evt.Data {
		data[k] = v
	}

	source := evt.Provider
	if evt.Actor != "" {
		source = evt.Actor
	}
	if evt.Verified {
		r.bus.Publish(signal.New(signal.WebhookVerified, evt.Provider, evt.Org, map[string]any{
			"event_id": evt.ID,
		}))
	}
	r.bus.Publish(signal.New(evt.Type, source, evt.Org, data))

	r.logger.Info("webhook processed",
		zap.String("provider", evt.Provider),
		zap.String("type", string(evt.Type)),
		zap.String("org", evt.Org),
		zap.Bool("verified", evt.Verified),
	)
}
