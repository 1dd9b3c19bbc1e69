package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/blackroad/meshgate/internal/signal"
)

// ownRepoPrefix marks repositories that belong to the mesh itself. Events on
// them route to the AI org; everything else lands on OS for triage.
const ownRepoPrefix = "BlackRoad-AI/"

func hmacHex(secret string, parts ...string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, p := range parts {
		mac.Write([]byte(p))
	}
	return hex.EncodeToString(mac.Sum(nil))
}

func constantTimeEqualHex(wantHex, gotHex string) bool {
	want, err := hex.DecodeString(wantHex)
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(gotHex)
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}

func constantTimeEqualString(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// GitHubHandler verifies X-Hub-Signature-256 and maps pull request, issue,
// and deployment events.
type GitHubHandler struct{}

func (g *GitHubHandler) Provider() string { return "github" }

func (g *GitHubHandler) CanHandle(h http.Header) bool {
	return h.Get("X-GitHub-Event") != ""
}

func (g *GitHubHandler) Verify(h http.Header, body []byte, secret string) error {
	sig := h.Get("X-Hub-Signature-256")
	if sig == "" {
		return ErrMissingSignature
	}
	sig = strings.TrimPrefix(sig, "sha256=")
	if !constantTimeEqualHex(hmacHex(secret, string(body)), sig) {
		return ErrInvalidSignature
	}
	return nil
}

func (g *GitHubHandler) Parse(h http.Header, body []byte) (Event, error) {
	var payload struct {
		Action     string `json:"action"`
		Repository struct {
			FullName string `json:"full_name"`
			Name     string `json:"name"`
		} `json:"repository"`
		Sender struct {
			Login string `json:"login"`
		} `json:"sender"`
		PullRequest struct {
			Merged bool `json:"merged"`
		} `json:"pull_request"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Event{}, ErrInvalidBody
	}

	typ := signal.WebhookReceived
	switch h.Get("X-GitHub-Event") {
	case "pull_request":
		if payload.Action == "opened" {
			typ = signal.PROpened
		} else if payload.Action == "closed" && payload.PullRequest.Merged {
			typ = signal.PRMerged
		}
	case "issues":
		if payload.Action == "opened" {
			typ = signal.IssueOpened
		}
	case "deployment", "deployment_status", "workflow_run":
		typ = signal.DeployStarted
	}

	// Some senders put the owner-qualified name under "name" instead of
	// "full_name".
	repo := payload.Repository.FullName
	if repo == "" {
		repo = payload.Repository.Name
	}

	org := "OS"
	if strings.HasPrefix(repo, ownRepoPrefix) {
		org = "AI"
	}

	return Event{
		Provider: g.Provider(),
		Type:     typ,
		Org:      org,
		Resource: repo,
		Actor:    payload.Sender.Login,
		Data: map[string]any{
			"event":  h.Get("X-GitHub-Event"),
			"action": payload.Action,
		},
	}, nil
}

// StripeHandler verifies the t/v1 signature scheme with a replay window and
// maps payment events.
type StripeHandler struct {
	Now func() time.Time // tests override
}

func (s *StripeHandler) Provider() string { return "stripe" }

func (s *StripeHandler) CanHandle(h http.Header) bool {
	return h.Get("Stripe-Signature") != ""
}

func (s *StripeHandler) Verify(h http.Header, body []byte, secret string) error {
	header := h.Get("Stripe-Signature")
	if header == "" {
		return ErrMissingSignature
	}

	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return ErrMissingSignature
	}

	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	if d := now.Sub(time.Unix(sec, 0)); d > ReplayWindow || d < -ReplayWindow {
		return ErrTimestampExpired
	}

	want := hmacHex(secret, ts, ".", string(body))
	for _, sig := range sigs {
		if constantTimeEqualHex(want, sig) {
			return nil
		}
	}
	return ErrInvalidSignature
}

func (s *StripeHandler) Parse(_ http.Header, body []byte) (Event, error) {
	var payload struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object struct {
				ID       string `json:"id"`
				Amount   int64  `json:"amount"`
				Currency string `json:"currency"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Type == "" {
		return Event{}, ErrInvalidBody
	}

	typ := signal.WebhookReceived
	switch payload.Type {
	case "payment_intent.succeeded", "charge.succeeded", "invoice.paid", "checkout.session.completed":
		typ = signal.PaymentReceived
	}

	return Event{
		Provider: s.Provider(),
		Type:     typ,
		Org:      "COM",
		Resource: payload.Data.Object.ID,
		Data: map[string]any{
			"stripe_event": payload.Type,
			"stripe_id":    payload.ID,
			"amount":       payload.Data.Object.Amount,
			"currency":     payload.Data.Object.Currency,
		},
	}, nil
}

// SlackHandler verifies the v0 signing scheme with a replay window and maps
// message events.
type SlackHandler struct {
	Now func() time.Time
}

func (s *SlackHandler) Provider() string { return "slack" }

func (s *SlackHandler) CanHandle(h http.Header) bool {
	return h.Get("X-Slack-Signature") != ""
}

func (s *SlackHandler) Verify(h http.Header, body []byte, secret string) error {
	sig := h.Get("X-Slack-Signature")
	ts := h.Get("X-Slack-Request-Timestamp")
	if sig == "" || ts == "" {
		return ErrMissingSignature
	}

	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	if d := now.Sub(time.Unix(sec, 0)); d > ReplayWindow || d < -ReplayWindow {
		return ErrTimestampExpired
	}

	want := "v0=" + hmacHex(secret, "v0:", ts, ":", string(body))
	if !constantTimeEqualString(want, sig) {
		return ErrInvalidSignature
	}
	return nil
}

func (s *SlackHandler) Parse(_ http.Header, body []byte) (Event, error) {
	var payload struct {
		Type  string `json:"type"`
		Event struct {
			Type    string `json:"type"`
			User    string `json:"user"`
			Channel string `json:"channel"`
		} `json:"event"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Type == "" {
		return Event{}, ErrInvalidBody
	}

	typ := signal.WebhookReceived
	if payload.Event.Type == "message" {
		typ = signal.MessagePosted
	}

	return Event{
		Provider: s.Provider(),
		Type:     typ,
		Org:      "ENT",
		Resource: payload.Event.Channel,
		Actor:    payload.Event.User,
		Data:     map[string]any{"slack_type": payload.Type, "event_type": payload.Event.Type},
	}, nil
}

// SalesforceHandler verifies a plain hex HMAC header and maps record change
// notifications.
type SalesforceHandler struct{}

func (s *SalesforceHandler) Provider() string { return "salesforce" }

func (s *SalesforceHandler) CanHandle(h http.Header) bool {
	return h.Get("X-Salesforce-Signature") != ""
}

func (s *SalesforceHandler) Verify(h http.Header, body []byte, secret string) error {
	sig := h.Get("X-Salesforce-Signature")
	if sig == "" {
		return ErrMissingSignature
	}
	if !constantTimeEqualHex(hmacHex(secret, string(body)), sig) {
		return ErrInvalidSignature
	}
	return nil
}

func (s *SalesforceHandler) Parse(_ http.Header, body []byte) (Event, error) {
	var payload struct {
		SObject string `json:"sobject"`
		ID      string `json:"id"`
		Change  string `json:"change"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.SObject == "" {
		return Event{}, ErrInvalidBody
	}

	return Event{
		Provider: s.Provider(),
		Type:     signal.RecordChanged,
		Org:      "FND",
		Resource: payload.SObject + "/" + payload.ID,
		Data:     map[string]any{"sobject": payload.SObject, "change": payload.Change},
	}, nil
}

// CloudflareHandler verifies the shared-token header and maps deploy
// notifications.
type CloudflareHandler struct{}

func (c *CloudflareHandler) Provider() string { return "cloudflare" }

func (c *CloudflareHandler) CanHandle(h http.Header) bool {
	return h.Get("Cf-Webhook-Auth") != ""
}

func (c *CloudflareHandler) Verify(h http.Header, _ []byte, secret string) error {
	token := h.Get("Cf-Webhook-Auth")
	if token == "" {
		return ErrMissingSignature
	}
	if !constantTimeEqualString(secret, token) {
		return ErrInvalidSignature
	}
	return nil
}

func (c *CloudflareHandler) Parse(_ http.Header, body []byte) (Event, error) {
	var payload struct {
		Name string `json:"name"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Name == "" {
		return Event{}, ErrInvalidBody
	}

	return Event{
		Provider: c.Provider(),
		Type:     signal.DeployStarted,
		Org:      "INF",
		Resource: payload.Name,
		Data:     map[string]any{"text": payload.Text},
	}, nil
}

// GoogleHandler verifies the channel token and maps drive change
// notifications. Google sends state in headers; the body is usually empty.
type GoogleHandler struct{}

func (g *GoogleHandler) Provider() string { return "google" }

func (g *GoogleHandler) CanHandle(h http.Header) bool {
	return h.Get("X-Goog-Channel-ID") != ""
}

func (g *GoogleHandler) Verify(h http.Header, _ []byte, secret string) error {
	token := h.Get("X-Goog-Channel-Token")
	if token == "" {
		return ErrMissingSignature
	}
	if !constantTimeEqualString(secret, token) {
		return ErrInvalidSignature
	}
	return nil
}

func (g *GoogleHandler) Parse(h http.Header, _ []byte) (Event, error) {
	channel := h.Get("X-Goog-Channel-ID")
	if channel == "" {
		return Event{}, ErrInvalidBody
	}

	return Event{
		Provider: g.Provider(),
		Type:     signal.FileUpdated,
		Org:      "CLD",
		Resource: h.Get("X-Goog-Resource-ID"),
		Data: map[string]any{
			"channel": channel,
			"state":   h.Get("X-Goog-Resource-State"),
		},
	}, nil
}

// FigmaHandler verifies the payload passcode and maps file update events.
type FigmaHandler struct{}

func (f *FigmaHandler) Provider() string { return "figma" }

func (f *FigmaHandler) CanHandle(h http.Header) bool {
	return h.Get("X-Figma-Event") != ""
}

func (f *FigmaHandler) Verify(_ http.Header, body []byte, secret string) error {
	var payload struct {
		Passcode string `json:"passcode"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Passcode == "" {
		return ErrMissingSignature
	}
	if !constantTimeEqualString(secret, payload.Passcode) {
		return ErrInvalidSignature
	}
	return nil
}

func (f *FigmaHandler) Parse(_ http.Header, body []byte) (Event, error) {
	var payload struct {
		EventType string `json:"event_type"`
		FileKey   string `json:"file_key"`
		FileName  string `json:"file_name"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.EventType == "" {
		return Event{}, ErrInvalidBody
	}

	return Event{
		Provider: f.Provider(),
		Type:     signal.FileUpdated,
		Org:      "DSN",
		Resource: payload.FileKey,
		Data:     map[string]any{"event_type": payload.EventType, "file_name": payload.FileName},
	}, nil
}
