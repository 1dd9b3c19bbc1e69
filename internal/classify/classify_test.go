package classify

import (
	"fmt"
	"testing"

	"github.com/blackroad/meshgate/internal/registry"
)

func defaultClassifier(t *testing.T) *Classifier {
	t.Helper()
	reg, err := registry.FromDocument(registry.DefaultDocument())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return New(reg)
}

func TestSalesforceTextRoutesToFoundry(t *testing.T) {
	c := defaultClassifier(t)

	got := c.Classify(Request{Kind: KindText, Body: "Sync Salesforce contacts to the CRM"})
	if got.Org != "FND" || got.Service != "salesforce" {
		t.Fatalf("expected FND/salesforce, got %s/%s", got.Org, got.Service)
	}
	if got.Confidence < 0.6 {
		t.Fatalf("expected confidence >= 0.6, got %f", got.Confidence)
	}
	if got.Branch != ByRule {
		t.Fatalf("expected rule branch, got %s", got.Branch)
	}
	if len(got.Patterns) != 1 || got.Patterns[0] != "salesforce" {
		t.Fatalf("expected patterns=[salesforce], got %v", got.Patterns)
	}
}

func TestFallbackOnGibberish(t *testing.T) {
	c := defaultClassifier(t)

	got := c.Classify(Request{Kind: KindText, Body: "qwerty asdf"})
	if got.Org != "AI" || got.Service != "router" {
		t.Fatalf("expected AI/router, got %s/%s", got.Org, got.Service)
	}
	if got.Confidence != 0.5 {
		t.Fatalf("expected 0.5, got %f", got.Confidence)
	}
	if got.Branch != Fallback {
		t.Fatalf("expected fallback branch, got %s", got.Branch)
	}
}

func TestEmptyInputIsFallbackNotError(t *testing.T) {
	c := defaultClassifier(t)
	got := c.Classify(Request{Kind: KindText, Body: ""})
	if got.Branch != Fallback || got.Confidence != 0.5 {
		t.Fatalf("empty input should hit fallback at 0.5, got %+v", got)
	}
}

func TestConfidenceAlwaysInRange(t *testing.T) {
	c := defaultClassifier(t)
	inputs := []string{
		"", "deploy the cluster now", "stripe payment refund checkout order subscription",
		"model prompt inference llm embedding", "GPU cuda tensor", "random words here",
		"secret token certificate encrypt vault",
	}
	for _, in := range inputs {
		got := c.Classify(Request{Kind: KindText, Body: in})
		if got.Confidence < 0.0 || got.Confidence > 1.0 {
			t.Fatalf("confidence out of range for %q: %f", in, got.Confidence)
		}
	}
}

func TestHigherPriorityRuleWins(t *testing.T) {
	doc := &registry.Document{
		Orgs: []*registry.Organization{
			{Code: "AI", Name: "AI", Services: []*registry.Service{
				{Name: "router", Endpoint: "http://ai/router"},
				{Name: "agents", Endpoint: "http://ai/agents"},
			}},
		},
		Rules: []*registry.Rule{
			{Name: "low", Pattern: "overlap", Org: "AI", Service: "router", Priority: 10},
			{Name: "high", Pattern: "overlap", Org: "AI", Service: "agents", Priority: 90},
		},
	}
	reg, err := registry.FromDocument(doc)
	if err != nil {
		t.Fatal(err)
	}

	got := New(reg).Classify(Request{Kind: KindText, Body: "this has overlap in it"})
	if got.Service != "agents" {
		t.Fatalf("higher-priority rule should win, got service %s", got.Service)
	}
	if got.Patterns[0] != "high" {
		t.Fatalf("expected pattern high, got %v", got.Patterns)
	}
}

func TestRuleTieBreaksByDeclarationOrder(t *testing.T) {
	doc := &registry.Document{
		Orgs: []*registry.Organization{
			{Code: "AI", Name: "AI", Services: []*registry.Service{
				{Name: "router", Endpoint: "http://ai/router"},
				{Name: "agents", Endpoint: "http://ai/agents"},
			}},
		},
		Rules: []*registry.Rule{
			{Name: "first", Pattern: "same", Org: "AI", Service: "router", Priority: 50},
			{Name: "second", Pattern: "same", Org: "AI", Service: "agents", Priority: 50},
		},
	}
	reg, err := registry.FromDocument(doc)
	if err != nil {
		t.Fatal(err)
	}

	got := New(reg).Classify(Request{Kind: KindText, Body: "same"})
	if got.Patterns[0] != "first" {
		t.Fatalf("tie should break by declaration order, got %v", got.Patterns)
	}
}

func TestKeywordScoring(t *testing.T) {
	c := defaultClassifier(t)

	// No rule matches; "storage" and "backup" hit 2 of 5 storage keywords.
	got := c.Classify(Request{Kind: KindText, Body: "run a nightly storage backup"})
	if got.Branch != ByScore {
		t.Fatalf("expected score branch, got %s", got.Branch)
	}
	if got.Org != "CLD" || got.Service != "objects" {
		t.Fatalf("expected CLD/objects, got %s/%s", got.Org, got.Service)
	}
	if want := 0.4; got.Scores["storage"] != want {
		t.Fatalf("expected storage score %f, got %f", want, got.Scores["storage"])
	}
}

func TestCategoryTieBreaksByDeclarationOrder(t *testing.T) {
	doc := &registry.Document{
		Orgs: []*registry.Organization{
			{Code: "AI", Name: "AI", Services: []*registry.Service{
				{Name: "router", Endpoint: "http://ai/router"},
				{Name: "agents", Endpoint: "http://ai/agents"},
			}},
		},
		Categories: []*registry.Category{
			{Name: "alpha", Org: "AI", Service: "router", Keywords: []string{"shared"}},
			{Name: "beta", Org: "AI", Service: "agents", Keywords: []string{"shared"}},
		},
	}
	reg, err := registry.FromDocument(doc)
	if err != nil {
		t.Fatal(err)
	}

	// Both categories score 1.0; alpha is declared first and must win,
	// every time.
	for i := 0; i < 20; i++ {
		got := New(reg).Classify(Request{Kind: KindText, Body: "shared"})
		if got.Service != "router" {
			t.Fatalf("iteration %d: tie should break to first-declared category, got %s", i, got.Service)
		}
	}
}

func TestNormalize(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Hello,  World!", "hello world"},
		{"  spaced\tout\n", "spaced out"},
		{"keep-hyphen_and_underscore", "keep-hyphen_and_underscore"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Fatalf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRegexSeesRawTextNotNormalized(t *testing.T) {
	doc := &registry.Document{
		Orgs: []*registry.Organization{
			{Code: "AI", Name: "AI", Services: []*registry.Service{
				{Name: "router", Endpoint: "http://ai/router"},
			}},
		},
		Rules: []*registry.Rule{
			{Name: "punct", Pattern: `deploy!`, Org: "AI", Service: "router", Priority: 10},
		},
	}
	reg, err := registry.FromDocument(doc)
	if err != nil {
		t.Fatal(err)
	}

	got := New(reg).Classify(Request{Kind: KindText, Body: "Deploy! now"})
	if got.Branch != ByRule {
		t.Fatalf("rule on punctuation should match raw text, got branch %s", got.Branch)
	}
}

func TestScoreCapAtOne(t *testing.T) {
	doc := &registry.Document{
		Orgs: []*registry.Organization{
			{Code: "AI", Name: "AI", Services: []*registry.Service{
				{Name: "router", Endpoint: "http://ai/router"},
			}},
		},
		Categories: []*registry.Category{
			{Name: "tiny", Org: "AI", Service: "router", Keywords: []string{"word"}},
		},
	}
	reg, err := registry.FromDocument(doc)
	if err != nil {
		t.Fatal(err)
	}

	got := New(reg).Classify(Request{Kind: KindText, Body: "word word word"})
	if got.Confidence != 1.0 {
		t.Fatalf("expected capped confidence 1.0, got %f", got.Confidence)
	}
}

func ExampleClassifier_Classify() {
	reg, _ := registry.FromDocument(registry.DefaultDocument())
	c := New(reg)
	got := c.Classify(Request{Kind: KindText, Body: "Sync Salesforce contacts to the CRM"})
	fmt.Println(got.Org, got.Service)
	// Output: FND salesforce
}
