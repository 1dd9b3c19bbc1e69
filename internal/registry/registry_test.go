package registry

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultDocumentValidates(t *testing.T) {
	snap, err := Build(DefaultDocument())
	if err != nil {
		t.Fatalf("default document should validate: %v", err)
	}
	if len(snap.Orgs()) != 15 {
		t.Fatalf("expected 15 orgs, got %d", len(snap.Orgs()))
	}
	if _, ok := snap.Org(DefaultOrg); !ok {
		t.Fatal("default org AI missing")
	}
	if len(snap.Categories()) != 14 {
		t.Fatalf("expected 14 categories, got %d", len(snap.Categories()))
	}
}

func TestRuleOrdering(t *testing.T) {
	doc := &Document{
		Orgs: []*Organization{
			{Code: "AI", Name: "AI", Services: []*Service{
				{Name: "router", Endpoint: "http://ai/router"},
				{Name: "agents", Endpoint: "http://ai/agents"},
			}},
		},
		Rules: []*Rule{
			{Name: "low", Pattern: "x", Org: "AI", Service: "router", Priority: 10},
			{Name: "tie-a", Pattern: "x", Org: "AI", Service: "agents", Priority: 50},
			{Name: "tie-b", Pattern: "x", Org: "AI", Service: "router", Priority: 50},
			{Name: "high", Pattern: "x", Org: "AI", Service: "router", Priority: 90},
		},
	}
	snap, err := Build(doc)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	got := make([]string, 0, 4)
	for _, r := range snap.Rules() {
		got = append(got, r.Name)
	}
	want := []string{"high", "tie-a", "tie-b", "low"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rule order: got %v, want %v", got, want)
		}
	}
}

func TestValidationRejectsDanglingRule(t *testing.T) {
	doc := DefaultDocument()
	doc.Rules = append(doc.Rules, &Rule{Name: "bad", Pattern: "y", Org: "AI", Service: "nope", Priority: 1})
	if _, err := Build(doc); err == nil {
		t.Fatal("expected error for rule referencing unknown service")
	}
}

func TestValidationRejectsBadOrgCode(t *testing.T) {
	doc := &Document{Orgs: []*Organization{{Code: "toolong", Name: "x"}}}
	if _, err := Build(doc); err == nil {
		t.Fatal("expected error for lowercase/long org code")
	}
}

func TestValidationRejectsEmptyEndpoint(t *testing.T) {
	doc := &Document{
		Orgs: []*Organization{
			{Code: "AI", Name: "AI", Services: []*Service{{Name: "router"}}},
		},
	}
	if _, err := Build(doc); err == nil {
		t.Fatal("expected error for empty endpoint")
	}
}

func TestResolveEndpointFallbackChain(t *testing.T) {
	doc := &Document{
		Orgs: []*Organization{
			{Code: "AI", Name: "AI", Services: []*Service{
				{Name: "first", Endpoint: "http://ai/first"},
				{Name: "deflt", Endpoint: "http://ai/default", Default: true},
				{Name: "named", Endpoint: "http://ai/named"},
			}},
			{Code: "MV", Name: "Empty"},
		},
	}
	snap, err := Build(doc)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if svc, ok := snap.ResolveEndpoint("AI", "named"); !ok || svc.Name != "named" {
		t.Fatalf("named lookup failed: %v", svc)
	}
	if svc, ok := snap.ResolveEndpoint("AI", "missing"); !ok || svc.Name != "deflt" {
		t.Fatalf("default fallback failed: %v", svc)
	}
	if svc, ok := snap.ResolveEndpoint("MV", "anything"); ok {
		t.Fatalf("org without services should not resolve, got %v", svc)
	}
	if _, ok := snap.ResolveEndpoint("XX", ""); ok {
		t.Fatal("unknown org should not resolve")
	}
}

func TestFirstServiceFallbackWhenNoDefault(t *testing.T) {
	doc := &Document{
		Orgs: []*Organization{
			{Code: "AI", Name: "AI", Services: []*Service{
				{Name: "first", Endpoint: "http://ai/first"},
				{Name: "second", Endpoint: "http://ai/second"},
			}},
		},
	}
	snap, err := Build(doc)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if svc, ok := snap.ResolveEndpoint("AI", ""); !ok || svc.Name != "first" {
		t.Fatalf("expected first declared service, got %v", svc)
	}
}

func TestReloadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")

	valid := `
orgs:
  - code: AI
    name: BlackRoad AI
    services:
      - name: router
        endpoint: http://ai/router
        default: true
rules:
  - name: anything
    pattern: route
    org: AI
    service: router
    priority: 10
`
	if err := os.WriteFile(path, []byte(valid), 0o600); err != nil {
		t.Fatal(err)
	}

	reg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := len(reg.Snapshot().Rules()); got != 1 {
		t.Fatalf("expected 1 rule, got %d", got)
	}

	// A broken document must not replace the installed snapshot.
	if err := os.WriteFile(path, []byte("orgs: [{code: bad}]"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := reg.Reload(); err == nil {
		t.Fatal("expected reload error for invalid document")
	}
	if got := len(reg.Snapshot().Rules()); got != 1 {
		t.Fatal("previous snapshot should survive a failed reload")
	}
}

func TestCaseInsensitiveRuleMatch(t *testing.T) {
	snap, err := Build(DefaultDocument())
	if err != nil {
		t.Fatal(err)
	}
	var sf *Rule
	for _, r := range snap.Rules() {
		if r.Name == "salesforce" {
			sf = r
		}
	}
	if sf == nil {
		t.Fatal("salesforce rule missing")
	}
	if !sf.Matches("Sync SALESFORCE contacts") {
		t.Fatal("rule should match case-insensitively")
	}
	if sf.Matches("sales force") {
		t.Fatal("rule should respect word boundary")
	}
}
