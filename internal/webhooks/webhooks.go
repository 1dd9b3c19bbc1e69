// Package webhooks ingests provider callbacks, verifies their signatures,
// and converts them into canonical signals on the bus. Each provider has a
// Handler; the Receiver owns detection, verification, and the bounded
// processing queue.
package webhooks

import (
	"errors"
	"net/http"
	"time"

	"github.com/blackroad/meshgate/internal/signal"
)

// Verification errors. The receiver maps these onto its HTTP error codes.
var (
	ErrMissingSignature = errors.New("webhooks: missing signature header")
	ErrInvalidSignature = errors.New("webhooks: signature mismatch")
	ErrTimestampExpired = errors.New("webhooks: timestamp outside tolerance")
	ErrInvalidBody      = errors.New("webhooks: body is not a valid payload")
)

// ReplayWindow is the tolerance for providers that sign a timestamp.
const ReplayWindow = 300 * time.Second

// Event is a parsed, provider-neutral webhook.
type Event struct {
	ID         string         `json:"id"`
	Provider   string         `json:"provider"`
	Type       signal.Type    `json:"type"`
	Org        string         `json:"org"`
	Resource   string         `json:"resource,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	Verified   bool           `json:"verified"`
	Data       map[string]any `json:"data,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}

// Handler adapts one provider's wire format.
type Handler interface {
	// Provider is the stable name used in URLs and secret config.
	Provider() string
	// CanHandle inspects headers to claim a request when the caller did not
	// name a provider.
	CanHandle(h http.Header) bool
	// Verify checks the request signature against the shared secret. It is
	// not called when no secret is configured.
	Verify(h http.Header, body []byte, secret string) error
	// Parse converts the body into an Event. It runs after Verify.
	Parse(h http.Header, body []byte) (Event, error)
}

// Registry holds the known handlers in registration order.
type Registry struct {
	handlers []Handler
	byName   map[string]Handler
}

// NewRegistry builds a registry over the given handlers.
func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{byName: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		r.handlers = append(r.handlers, h)
		r.byName[h.Provider()] = h
	}
	return r
}

// DefaultRegistry returns a registry with every built-in provider.
func DefaultRegistry() *Registry {
	return NewRegistry(
		&GitHubHandler{},
		&StripeHandler{},
		&SlackHandler{},
		&SalesforceHandler{},
		&CloudflareHandler{},
		&GoogleHandler{},
		&FigmaHandler{},
	)
}

// Lookup finds a handler by provider name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	h, ok := r.byName[name]
	return h, ok
}

// Detect returns the first handler claiming the headers, in registration
// order.
func (r *Registry) Detect(h http.Header) (Handler, bool) {
	for _, handler := range r.handlers {
		if handler.CanHandle(h) {
			return handler, true
		}
	}
	return nil, false
}

// Providers lists the registered provider names in order.
func (r *Registry) Providers() []string {
	out := make([]string, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h.Provider())
	}
	return out
}
