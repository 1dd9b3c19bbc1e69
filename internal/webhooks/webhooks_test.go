package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/blackroad/meshgate/internal/signal"
)

func githubSign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func stripeSign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s.%s", ts, body)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func slackSign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:%s", ts, body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func newReceiver(t *testing.T, secrets map[string]string) (*Receiver, *signal.Bus) {
	t.Helper()
	bus := signal.NewBus(64)
	return NewReceiver(DefaultRegistry(), secrets, bus, zap.NewNop()), bus
}

func TestGitHubSignedWebhookAccepted(t *testing.T) {
	secret := "gh-secret"
	r, bus := newReceiver(t, map[string]string{"github": secret})
	ch := bus.Subscribe("t", signal.Subscription{Type: signal.WebhookReceived})

	body := []byte(`{"action":"opened","repository":{"full_name":"BlackRoad-AI/meshgate"},"sender":{"login":"octocat"}}`)
	h := http.Header{}
	h.Set("X-GitHub-Event", "pull_request")
	h.Set("X-Hub-Signature-256", githubSign(secret, body))

	evt, rejErr := r.Receive("github", "", h, body)
	if rejErr != nil {
		t.Fatalf("expected accept, got %+v", rejErr)
	}
	if evt.Type != signal.PROpened {
		t.Fatalf("expected pr.opened, got %s", evt.Type)
	}
	if evt.Org != "AI" {
		t.Fatalf("own-repo events route to AI, got %s", evt.Org)
	}
	if !evt.Verified {
		t.Fatal("signed webhook should be verified")
	}

	select {
	case s := <-ch:
		if s.Data["verified"] != true {
			t.Fatalf("webhook.received should carry verified=true: %+v", s.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("webhook.received not published")
	}
}

func TestGitHubBadSignatureRejected(t *testing.T) {
	r, bus := newReceiver(t, map[string]string{"github": "right"})
	ch := bus.Subscribe("t", signal.Subscription{Type: signal.WebhookRejected})

	body := []byte(`{"action":"opened"}`)
	h := http.Header{}
	h.Set("X-GitHub-Event", "pull_request")
	h.Set("X-Hub-Signature-256", githubSign("wrong", body))

	_, rejErr := r.Receive("github", "", h, body)
	if rejErr == nil || rejErr.Status != http.StatusForbidden || rejErr.Code != CodeInvalidSignature {
		t.Fatalf("expected 403 invalid_signature, got %+v", rejErr)
	}

	select {
	case s := <-ch:
		if s.Data["reason"] != CodeInvalidSignature {
			t.Fatalf("rejection signal missing reason: %+v", s.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("webhook.rejected not published")
	}
}

func TestGitHubForeignRepoRoutesToOS(t *testing.T) {
	r, _ := newReceiver(t, nil)

	body := []byte(`{"action":"opened","repository":{"full_name":"someone/else"}}`)
	h := http.Header{}
	h.Set("X-GitHub-Event", "issues")

	evt, rejErr := r.Receive("github", "", h, body)
	if rejErr != nil {
		t.Fatal(rejErr)
	}
	if evt.Org != "OS" || evt.Type != signal.IssueOpened {
		t.Fatalf("expected OS issue.opened, got %s %s", evt.Org, evt.Type)
	}
}

func TestGitHubRepoNameOnlyPayloadRoutesToAI(t *testing.T) {
	secret := "gh-secret"
	r, _ := newReceiver(t, map[string]string{"github": secret})

	// Owner-qualified name under "name" with no "full_name".
	body := []byte(`{"action":"opened","number":42,"repository":{"name":"BlackRoad-AI/router"}}`)
	h := http.Header{}
	h.Set("X-GitHub-Event", "pull_request")
	h.Set("X-Hub-Signature-256", githubSign(secret, body))

	evt, rejErr := r.Receive("github", "", h, body)
	if rejErr != nil {
		t.Fatalf("expected accept, got %+v", rejErr)
	}
	if evt.Type != signal.PROpened {
		t.Fatalf("expected pr.opened, got %s", evt.Type)
	}
	if evt.Org != "AI" {
		t.Fatalf("own-repo events route to AI, got %s", evt.Org)
	}
	if evt.Resource != "BlackRoad-AI/router" {
		t.Fatalf("unexpected resource %q", evt.Resource)
	}
}

func TestNoSecretMeansUnverifiedButAccepted(t *testing.T) {
	r, _ := newReceiver(t, nil)

	body := []byte(`{"action":"opened","repository":{"full_name":"BlackRoad-AI/x"}}`)
	h := http.Header{}
	h.Set("X-GitHub-Event", "pull_request")

	evt, rejErr := r.Receive("github", "", h, body)
	if rejErr != nil {
		t.Fatalf("no-secret intake must not reject, got %+v", rejErr)
	}
	if evt.Verified {
		t.Fatal("event without a configured secret must be unverified")
	}
}

func TestStripeValidSignature(t *testing.T) {
	secret := "whsec_test"
	r, _ := newReceiver(t, map[string]string{"stripe": secret})

	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","amount":4200,"currency":"usd"}}}`)
	ts := fmt.Sprint(time.Now().Unix())
	h := http.Header{}
	h.Set("Stripe-Signature", stripeSign(secret, ts, body))

	evt, rejErr := r.Receive("stripe", "", h, body)
	if rejErr != nil {
		t.Fatalf("expected accept, got %+v", rejErr)
	}
	if evt.Type != signal.PaymentReceived || evt.Org != "COM" {
		t.Fatalf("expected COM payment.received, got %s %s", evt.Org, evt.Type)
	}
}

func TestStripeStaleTimestampRejected(t *testing.T) {
	secret := "whsec_test"
	r, _ := newReceiver(t, map[string]string{"stripe": secret})

	body := []byte(`{"type":"payment_intent.succeeded"}`)
	stale := fmt.Sprint(time.Now().Add(-10 * time.Minute).Unix())
	h := http.Header{}
	h.Set("Stripe-Signature", stripeSign(secret, stale, body))

	_, rejErr := r.Receive("stripe", "", h, body)
	if rejErr == nil || rejErr.Status != http.StatusForbidden || rejErr.Code != CodeTimestampExpired {
		t.Fatalf("expected 403 timestamp_expired, got %+v", rejErr)
	}
}

func TestSlackValidSignature(t *testing.T) {
	secret := "slack-secret"
	r, _ := newReceiver(t, map[string]string{"slack": secret})

	body := []byte(`{"type":"event_callback","event":{"type":"message","user":"U1","channel":"C1"}}`)
	ts := fmt.Sprint(time.Now().Unix())
	h := http.Header{}
	h.Set("X-Slack-Request-Timestamp", ts)
	h.Set("X-Slack-Signature", slackSign(secret, ts, body))

	evt, rejErr := r.Receive("slack", "", h, body)
	if rejErr != nil {
		t.Fatalf("expected accept, got %+v", rejErr)
	}
	if evt.Type != signal.MessagePosted {
		t.Fatalf("expected message.posted, got %s", evt.Type)
	}
}

func TestSlackStaleTimestampRejected(t *testing.T) {
	secret := "slack-secret"
	r, _ := newReceiver(t, map[string]string{"slack": secret})

	body := []byte(`{"type":"event_callback"}`)
	ts := fmt.Sprint(time.Now().Add(-6 * time.Minute).Unix())
	h := http.Header{}
	h.Set("X-Slack-Request-Timestamp", ts)
	h.Set("X-Slack-Signature", slackSign(secret, ts, body))

	_, rejErr := r.Receive("slack", "", h, body)
	if rejErr == nil || rejErr.Code != CodeTimestampExpired {
		t.Fatalf("expected timestamp_expired, got %+v", rejErr)
	}
}

func TestInvalidBodyIs400(t *testing.T) {
	r, _ := newReceiver(t, nil)

	h := http.Header{}
	h.Set("X-GitHub-Event", "pull_request")

	_, rejErr := r.Receive("github", "", h, []byte("not json"))
	if rejErr == nil || rejErr.Status != http.StatusBadRequest || rejErr.Code != CodeInvalidBody {
		t.Fatalf("expected 400 invalid_body, got %+v", rejErr)
	}
}

func TestUnknownProviderNoHeadersIs400(t *testing.T) {
	r, _ := newReceiver(t, nil)

	_, rejErr := r.Receive("nonesuch", "", http.Header{}, []byte(`{}`))
	if rejErr == nil || rejErr.Status != http.StatusBadRequest || rejErr.Code != CodeNoHandler {
		t.Fatalf("expected 400 no_handler, got %+v", rejErr)
	}
}

func TestProviderHintOverridesDetection(t *testing.T) {
	r, _ := newReceiver(t, nil)

	body := []byte(`{"sobject":"Account","id":"001","change":"update"}`)
	evt, rejErr := r.Receive("", "salesforce", http.Header{}, body)
	if rejErr != nil {
		t.Fatalf("hint should resolve the handler, got %+v", rejErr)
	}
	if evt.Provider != "salesforce" || evt.Type != signal.RecordChanged {
		t.Fatalf("unexpected event: %+v", evt)
	}
}

func TestHeaderDetectionWithoutPathProvider(t *testing.T) {
	r, _ := newReceiver(t, nil)

	body := []byte(`{"event_type":"FILE_UPDATE","file_key":"abc","file_name":"design"}`)
	h := http.Header{}
	h.Set("X-Figma-Event", "FILE_UPDATE")

	evt, rejErr := r.Receive("", "", h, body)
	if rejErr != nil {
		t.Fatal(rejErr)
	}
	if evt.Provider != "figma" || evt.Org != "DSN" {
		t.Fatalf("expected figma/DSN, got %s/%s", evt.Provider, evt.Org)
	}
}

func TestQueueFullReturns503(t *testing.T) {
	r, bus := newReceiver(t, nil)
	ch := bus.Subscribe("t", signal.Subscription{Type: signal.QueueFull})

	body := []byte(`{"action":"opened","repository":{"full_name":"x/y"}}`)
	h := http.Header{}
	h.Set("X-GitHub-Event", "issues")

	// Fill the queue; no worker is draining it.
	for i := 0; i < QueueDepth; i++ {
		if _, rejErr := r.Receive("github", "", h, body); rejErr != nil {
			t.Fatalf("fill %d: %+v", i, rejErr)
		}
	}

	_, rejErr := r.Receive("github", "", h, body)
	if rejErr == nil || rejErr.Status != http.StatusServiceUnavailable || rejErr.Code != CodeQueueFull {
		t.Fatalf("expected 503 queue_full, got %+v", rejErr)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("queue.full not published")
	}
}

func TestWorkerPublishesCanonicalSignal(t *testing.T) {
	secret := "gh"
	r, bus := newReceiver(t, map[string]string{"github": secret})
	canonical := bus.Subscribe("c", signal.Subscription{Type: signal.PROpened})
	verifiedCh := bus.Subscribe("v", signal.Subscription{Type: signal.WebhookVerified})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	body := []byte(`{"action":"opened","repository":{"full_name":"BlackRoad-AI/meshgate"},"sender":{"login":"octocat"}}`)
	h := http.Header{}
	h.Set("X-GitHub-Event", "pull_request")
	h.Set("X-Hub-Signature-256", githubSign(secret, body))

	if _, rejErr := r.Receive("github", "", h, body); rejErr != nil {
		t.Fatal(rejErr)
	}

	select {
	case s := <-canonical:
		if s.Source != "octocat" || s.Target != "AI" {
			t.Fatalf("expected octocat → AI, got %s → %s", s.Source, s.Target)
		}
		if s.Data["verified"] != true {
			t.Fatalf("canonical signal should carry verified flag: %+v", s.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("canonical signal not published")
	}

	select {
	case <-verifiedCh:
	case <-time.After(time.Second):
		t.Fatal("webhook.verified not published")
	}
}

func TestCloudflareTokenVerify(t *testing.T) {
	r, _ := newReceiver(t, map[string]string{"cloudflare": "tok"})

	body := []byte(`{"name":"pages-deploy","text":"deployment started"}`)
	h := http.Header{}
	h.Set("Cf-Webhook-Auth", "tok")

	evt, rejErr := r.Receive("cloudflare", "", h, body)
	if rejErr != nil {
		t.Fatal(rejErr)
	}
	if evt.Type != signal.DeployStarted || evt.Org != "INF" {
		t.Fatalf("expected INF deploy.started, got %s %s", evt.Org, evt.Type)
	}

	h.Set("Cf-Webhook-Auth", "wrong")
	if _, rejErr := r.Receive("cloudflare", "", h, body); rejErr == nil || rejErr.Code != CodeInvalidSignature {
		t.Fatalf("expected invalid_signature, got %+v", rejErr)
	}
}

func TestGoogleHeaderOnlyParse(t *testing.T) {
	r, _ := newReceiver(t, map[string]string{"google": "chan-tok"})

	h := http.Header{}
	h.Set("X-Goog-Channel-ID", "chan-1")
	h.Set("X-Goog-Channel-Token", "chan-tok")
	h.Set("X-Goog-Resource-ID", "file-9")
	h.Set("X-Goog-Resource-State", "update")

	evt, rejErr := r.Receive("google", "", h, nil)
	if rejErr != nil {
		t.Fatal(rejErr)
	}
	if evt.Type != signal.FileUpdated || evt.Resource != "file-9" {
		t.Fatalf("unexpected event: %+v", evt)
	}
}

func TestRegistryProvidersStableOrder(t *testing.T) {
	want := []string{"github", "stripe", "slack", "salesforce", "cloudflare", "google", "figma"}
	got := DefaultRegistry().Providers()
	if len(got) != len(want) {
		t.Fatalf("expected %d providers, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("provider %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}
