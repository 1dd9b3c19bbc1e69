// Package classify turns unstructured input into an (organization, service)
// classification by combining regex rules with keyword scoring.
package classify

import (
	"strings"
	"unicode"

	"github.com/blackroad/meshgate/internal/registry"
)

// Kind enumerates where a request came from.
type Kind string

const (
	KindText    Kind = "TEXT"
	KindHTTP    Kind = "HTTP"
	KindWebhook Kind = "WEBHOOK"
	KindSignal  Kind = "SIGNAL"
	KindCLI     Kind = "CLI"
)

// Request is an immutable classification input. Build it once; classifiers
// never mutate it.
type Request struct {
	ID       string
	Kind     Kind
	Body     string
	Headers  map[string]string
	Metadata map[string]any
	Actor    string
}

// Branch names which classification path fired.
type Branch string

const (
	ByRule   Branch = "rule"
	ByScore  Branch = "score"
	Fallback Branch = "fallback"
)

// Classification is the result of classifying one request. Exactly one of
// the branch-specific fields is populated, matching Branch.
type Classification struct {
	Org        string             `json:"org"`
	Service    string             `json:"service"`
	Confidence float64            `json:"confidence"`
	Branch     Branch             `json:"branch"`
	Patterns   []string           `json:"patterns,omitempty"` // rule names that contributed
	Scores     map[string]float64 `json:"scores,omitempty"`   // per-category, ByScore only
}

// Classifier is stateless; it reads the registry snapshot on every call so
// hot reloads take effect immediately.
type Classifier struct {
	reg *registry.Registry
}

// New creates a classifier bound to a registry.
func New(reg *registry.Registry) *Classifier {
	return &Classifier{reg: reg}
}

// Classify produces a classification for the request. It never fails: empty
// or unmatchable input yields the fallback with confidence 0.5.
func (c *Classifier) Classify(req Request) Classification {
	snap := c.reg.Snapshot()
	raw := req.Body

	// Rules see the raw text, case-insensitively, in descending priority.
	rules := snap.Rules()
	for _, rule := range rules {
		if !rule.Matches(raw) {
			continue
		}
		return Classification{
			Org:        rule.Org,
			Service:    rule.Service,
			Confidence: ruleConfidence(rule, rules),
			Branch:     ByRule,
			Patterns:   []string{rule.Name},
		}
	}

	// Keyword scoring sees the normalized text.
	tokens := tokenSet(Normalize(raw))
	if len(tokens) > 0 {
		best, scores := scoreCategories(snap.Categories(), tokens)
		if best != nil {
			return Classification{
				Org:        best.Org,
				Service:    best.Service,
				Confidence: clamp(scores[best.Name]),
				Branch:     ByScore,
				Scores:     scores,
			}
		}
	}

	return Classification{
		Org:        registry.DefaultOrg,
		Service:    registry.FallbackService,
		Confidence: 0.5,
		Branch:     Fallback,
	}
}

// ruleConfidence is 0.5 plus 0.1 per distinct priority level below the
// matched rule, capped at 1.0. Higher-priority rules therefore claim more
// confidence, and the mapping is stable across runs.
func ruleConfidence(matched *registry.Rule, all []*registry.Rule) float64 {
	below := make(map[int]struct{})
	for _, r := range all {
		if r.Priority < matched.Priority {
			below[r.Priority] = struct{}{}
		}
	}
	return clamp(0.5 + 0.1*float64(len(below)))
}

// scoreCategories returns the winning category and the full score map.
// Score = matching keywords / total keywords, capped at 1.0. Ties break by
// declaration order, which the registry guarantees stable.
func scoreCategories(cats []*registry.Category, tokens map[string]struct{}) (*registry.Category, map[string]float64) {
	scores := make(map[string]float64, len(cats))
	var best *registry.Category
	bestScore := 0.0

	for _, cat := range cats {
		hits := 0
		for _, kw := range cat.Keywords {
			if _, ok := tokens[kw]; ok {
				hits++
			}
		}
		score := clamp(float64(hits) / float64(len(cat.Keywords)))
		scores[cat.Name] = score
		if score > bestScore {
			best = cat
			bestScore = score
		}
	}

	if bestScore == 0 {
		return nil, scores
	}
	return best, scores
}

// Normalize lowercases, strips scoring punctuation, and collapses runs of
// whitespace. Regex rules never see normalized text; only keyword scoring
// does.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	lastSpace := true
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		case strings.ContainsRune(".,;:!?\"'()[]{}", r):
			// stripped for scoring
		default:
			b.WriteRune(r)
			lastSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}

func tokenSet(normalized string) map[string]struct{} {
	if normalized == "" {
		return nil
	}
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(normalized) {
		set[tok] = struct{}{}
	}
	return set
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
