// Package registry holds the declarative routing registry: organizations,
// their services, priority-ordered regex rules, and keyword categories.
// The registry is loaded once at startup and hot-swapped atomically on
// explicit reload; readers always see a consistent snapshot.
package registry

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// DefaultOrg is the fallback organization when classification finds nothing.
const DefaultOrg = "AI"

// FallbackService is the service used with DefaultOrg for fallback routing.
const FallbackService = "router"

// OrgStatus is the lifecycle state of an organization.
type OrgStatus string

const (
	StatusActive     OrgStatus = "active"
	StatusPlanned    OrgStatus = "planned"
	StatusDeprecated OrgStatus = "deprecated"
)

// Service is a concrete endpoint within an organization.
type Service struct {
	Name        string   `yaml:"name" json:"name"`
	Endpoint    string   `yaml:"endpoint" json:"endpoint"`
	HealthPath  string   `yaml:"health_path,omitempty" json:"health_path,omitempty"`
	Type        string   `yaml:"type,omitempty" json:"type,omitempty"` // rest | rpc | grpc | websocket
	Provider    string   `yaml:"provider,omitempty" json:"provider,omitempty"`
	Nodes       []string `yaml:"nodes,omitempty" json:"nodes,omitempty"`
	Default     bool     `yaml:"default,omitempty" json:"default,omitempty"`
	OrgCode     string   `yaml:"-" json:"org"` // parent code, set at load
}

// Organization is a namespace for services, identified by a 2-3 letter code.
type Organization struct {
	Code     string     `yaml:"code" json:"code"`
	Name     string     `yaml:"name" json:"name"`
	Status   OrgStatus  `yaml:"status" json:"status"`
	Services []*Service `yaml:"services" json:"services"`
}

// Rule maps matching text to a specific (org, service). Rules are evaluated
// in descending priority; ties break by declaration order.
type Rule struct {
	Name     string `yaml:"name" json:"name"`
	Pattern  string `yaml:"pattern" json:"pattern"`
	Org      string `yaml:"org" json:"org"`
	Service  string `yaml:"service" json:"service"`
	Priority int    `yaml:"priority" json:"priority"`

	re    *regexp.Regexp
	index int // declaration order, for tie-breaking
}

// Matches reports whether the rule's pattern matches the raw text.
// Patterns are case-insensitive.
func (r *Rule) Matches(text string) bool {
	return r.re != nil && r.re.MatchString(text)
}

// Category is a bag of keywords that votes for a specific (org, service)
// during scoring. Declaration order in the registry document is the tie-break
// for equal scores and must be stable.
type Category struct {
	Name     string   `yaml:"name" json:"name"`
	Org      string   `yaml:"org" json:"org"`
	Service  string   `yaml:"service" json:"service"`
	Keywords []string `yaml:"keywords" json:"keywords"`
}

// Document is the on-disk form of the registry.
type Document struct {
	Orgs       []*Organization `yaml:"orgs"`
	Rules      []*Rule         `yaml:"rules"`
	Categories []*Category     `yaml:"categories"`
}

// Snapshot is an immutable, validated registry view.
type Snapshot struct {
	orgs       map[string]*Organization
	orgOrder   []string
	rules      []*Rule // sorted: priority desc, declaration order asc
	categories []*Category
}

var orgCodeRe = regexp.MustCompile(`^[A-Z]{2,3}$`)

// Build validates a document and produces a snapshot.
func Build(doc *Document) (*Snapshot, error) {
	snap := &Snapshot{
		orgs:       make(map[string]*Organization, len(doc.Orgs)),
		categories: doc.Categories,
	}

	for _, org := range doc.Orgs {
		if !orgCodeRe.MatchString(org.Code) {
			return nil, fmt.Errorf("org %q: code must be 2-3 uppercase letters", org.Code)
		}
		if _, dup := snap.orgs[org.Code]; dup {
			return nil, fmt.Errorf("duplicate org code %q", org.Code)
		}
		if org.Status == "" {
			org.Status = StatusActive
		}
		for _, svc := range org.Services {
			if svc.Name == "" {
				return nil, fmt.Errorf("org %q: service with empty name", org.Code)
			}
			if svc.Endpoint == "" {
				return nil, fmt.Errorf("org %q service %q: endpoint required", org.Code, svc.Name)
			}
			svc.OrgCode = org.Code
		}
		snap.orgs[org.Code] = org
		snap.orgOrder = append(snap.orgOrder, org.Code)
	}

	if _, ok := snap.orgs[DefaultOrg]; !ok {
		return nil, fmt.Errorf("registry must declare the default org %q", DefaultOrg)
	}

	for i, rule := range doc.Rules {
		re, err := regexp.Compile("(?i)" + rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: bad pattern: %w", rule.Name, err)
		}
		rule.re = re
		rule.index = i
		if _, err := snap.resolve(rule.Org, rule.Service); err != nil {
			return nil, fmt.Errorf("rule %q: %w", rule.Name, err)
		}
		snap.rules = append(snap.rules, rule)
	}
	sort.SliceStable(snap.rules, func(i, j int) bool {
		if snap.rules[i].Priority != snap.rules[j].Priority {
			return snap.rules[i].Priority > snap.rules[j].Priority
		}
		return snap.rules[i].index < snap.rules[j].index
	})

	for _, cat := range doc.Categories {
		if len(cat.Keywords) == 0 {
			return nil, fmt.Errorf("category %q: keywords required", cat.Name)
		}
		if _, err := snap.resolve(cat.Org, cat.Service); err != nil {
			return nil, fmt.Errorf("category %q: %w", cat.Name, err)
		}
	}

	return snap, nil
}

func (s *Snapshot) resolve(orgCode, serviceName string) (*Service, error) {
	org, ok := s.orgs[orgCode]
	if !ok {
		return nil, fmt.Errorf("unknown org %q", orgCode)
	}
	for _, svc := range org.Services {
		if svc.Name == serviceName {
			return svc, nil
		}
	}
	return nil, fmt.Errorf("org %q has no service %q", orgCode, serviceName)
}

// Org returns an organization by code.
func (s *Snapshot) Org(code string) (*Organization, bool) {
	org, ok := s.orgs[code]
	return org, ok
}

// Orgs returns all organization codes in declaration order.
func (s *Snapshot) Orgs() []string {
	return s.orgOrder
}

// Service looks up a named service within an organization.
func (s *Snapshot) Service(orgCode, name string) (*Service, bool) {
	svc, err := s.resolve(orgCode, name)
	return svc, err == nil
}

// ResolveEndpoint walks the fallback chain for an organization:
// named service, then declared default, then first declared service.
// Returns false when the organization has no services at all.
func (s *Snapshot) ResolveEndpoint(orgCode, serviceName string) (*Service, bool) {
	org, ok := s.orgs[orgCode]
	if !ok {
		return nil, false
	}
	if serviceName != "" {
		for _, svc := range org.Services {
			if svc.Name == serviceName {
				return svc, true
			}
		}
	}
	for _, svc := range org.Services {
		if svc.Default {
			return svc, true
		}
	}
	if len(org.Services) > 0 {
		return org.Services[0], true
	}
	return nil, false
}

// Rules returns rules sorted by descending priority (declaration order for
// ties).
func (s *Snapshot) Rules() []*Rule {
	return s.rules
}

// Categories returns categories in declaration order.
func (s *Snapshot) Categories() []*Category {
	return s.categories
}

// Registry holds the current snapshot and supports atomic reload.
type Registry struct {
	current atomic.Pointer[Snapshot]
	path    string
}

// Load reads, validates, and installs a registry document from a YAML file.
// An empty path installs the built-in default document.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// FromDocument builds a registry directly from a document (tests, embedded
// defaults).
func FromDocument(doc *Document) (*Registry, error) {
	snap, err := Build(doc)
	if err != nil {
		return nil, err
	}
	r := &Registry{}
	r.current.Store(snap)
	return r, nil
}

// Reload re-reads the registry file and swaps the snapshot atomically.
// On error the previous snapshot stays installed.
func (r *Registry) Reload() error {
	doc := DefaultDocument()
	if r.path != "" {
		data, err := os.ReadFile(r.path)
		if err != nil {
			return fmt.Errorf("read registry: %w", err)
		}
		doc = &Document{}
		if err := yaml.Unmarshal(data, doc); err != nil {
			return fmt.Errorf("parse registry: %w", err)
		}
	}

	snap, err := Build(doc)
	if err != nil {
		return fmt.Errorf("validate registry: %w", err)
	}
	r.current.Store(snap)
	return nil
}

// Snapshot returns the current registry view.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// NormalizeOrgCode uppercases and trims a user-supplied org code.
func NormalizeOrgCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
