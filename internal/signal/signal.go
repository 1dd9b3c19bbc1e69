// Package signal defines the typed, immutable events every stage of the
// gateway emits, plus the in-process bus that fans them out.
package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Type classifies signals.
type Type string

const (
	RouteRequest    Type = "route.request"
	RouteComplete   Type = "route.complete"
	RouteFailed     Type = "route.failed"
	WebhookReceived Type = "webhook.received"
	WebhookVerified Type = "webhook.verified"
	WebhookRejected Type = "webhook.rejected"
	AuthLogin       Type = "auth.login"
	AuthFailed      Type = "auth.failed"
	ConfigChanged   Type = "config.changed"
	NodeOnline      Type = "node.online"
	NodeOffline     Type = "node.offline"
	BudgetAlert     Type = "budget.alert"
	RateLimited     Type = "rate_limited"
	RateLimitDown   Type = "rate_limit.unavailable"
	QueueFull       Type = "queue.full"
	SignalError     Type = "signal.error"

	// Canonical webhook event types.
	PaymentReceived Type = "payment.received"
	PROpened        Type = "pr.opened"
	PRMerged        Type = "pr.merged"
	IssueOpened     Type = "issue.opened"
	DeployStarted   Type = "deploy.started"
	MessagePosted   Type = "message.posted"
	RecordChanged   Type = "record.changed"
	FileUpdated     Type = "file.updated"
)

// Broadcast is the target token meaning "all subscribers".
const Broadcast = "ALL"

// Signal is a typed, immutable event. Construct with New; once built it is
// never mutated.
type Signal struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Source    string         `json:"source"`
	Target    string         `json:"target"`
	Timestamp int64          `json:"timestamp"` // milliseconds since epoch, UTC
	Data      map[string]any `json:"data,omitempty"`
}

// New builds a signal with a deterministic ID derived from
// (type, source, timestamp_ms, hash(data)).
func New(typ Type, source, target string, data map[string]any) Signal {
	return NewAt(typ, source, target, data, time.Now().UTC())
}

// NewAt builds a signal with an explicit timestamp. Used by parsers that
// carry a provider-supplied event time, and by tests.
func NewAt(typ Type, source, target string, data map[string]any, at time.Time) Signal {
	if target == "" {
		target = Broadcast
	}
	s := Signal{
		Type:      typ,
		Source:    source,
		Target:    target,
		Timestamp: at.UnixMilli(),
		Data:      data,
	}
	s.ID = deriveID(s)
	return s
}

// deriveID hashes (type, source, timestamp_ms, body hash) so that two signals
// with the same identity collide only when they are byte-identical within the
// same millisecond.
func deriveID(s Signal) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%s", s.Type, s.Source, s.Timestamp, bodyHash(s.Data))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// bodyHash produces a stable hash of the data map: keys are sorted before
// hashing so map iteration order cannot change the result.
func bodyHash(data map[string]any) string {
	if len(data) == 0 {
		return "empty"
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		v, _ := json.Marshal(data[k])
		fmt.Fprintf(h, "%s=%s;", k, v)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Time returns the signal timestamp as a time.Time (UTC).
func (s Signal) Time() time.Time {
	return time.UnixMilli(s.Timestamp).UTC()
}

// Formatted renders the single-line human form:
//
//	<glyph> <source> → <target> : <type>[, k=v, …]
func (s Signal) Formatted() string {
	var b strings.Builder
	b.WriteString(glyph(s.Type))
	b.WriteString(" ")
	b.WriteString(s.Source)
	b.WriteString(" → ")
	b.WriteString(s.Target)
	b.WriteString(" : ")
	b.WriteString(string(s.Type))

	if len(s.Data) > 0 {
		keys := make([]string, 0, len(s.Data))
		for k := range s.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, ", %s=%v", k, s.Data[k])
		}
	}
	return b.String()
}

func glyph(t Type) string {
	switch {
	case t == RouteComplete || t == WebhookVerified || t == NodeOnline || t == AuthLogin:
		return "✓"
	case t == RouteFailed || t == WebhookRejected || t == NodeOffline || t == AuthFailed || t == SignalError:
		return "✗"
	case t == BudgetAlert || t == RateLimited || t == RateLimitDown || t == QueueFull:
		return "!"
	case strings.HasPrefix(string(t), "webhook."):
		// webhook.verified/rejected take ✓/✗ above; only webhook.received
		// reaches here
		return "◈"
	default:
		return "→"
	}
}

// Valid reports whether the type is one of the known signal types.
func (t Type) Valid() bool {
	switch t {
	case RouteRequest, RouteComplete, RouteFailed,
		WebhookReceived, WebhookVerified, WebhookRejected,
		AuthLogin, AuthFailed, ConfigChanged,
		NodeOnline, NodeOffline, BudgetAlert,
		RateLimited, RateLimitDown, QueueFull, SignalError,
		PaymentReceived, PROpened, PRMerged, IssueOpened,
		DeployStarted, MessagePosted, RecordChanged, FileUpdated:
		return true
	}
	return false
}
