package filter

import (
	"encoding/json"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// EndpointMatchType is the Match.Type enum from spec.md §3. glob is a
// supplemental fourth type (SPEC_FULL.md §3) layered on top of the
// spec-mandated path/prefix/regex set, grounded on the glob-compiled
// path rules in the teacher's rule engine.
type EndpointMatchType string

const (
	MatchPath   EndpointMatchType = "path"
	MatchPrefix EndpointMatchType = "prefix"
	MatchRegex  EndpointMatchType = "regex"
	MatchGlob   EndpointMatchType = "glob"
)

type EndpointMatch struct {
	Type  EndpointMatchType `json:"type"`
	Value string            `json:"value"`
}

type EndpointAction struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// EndpointRule is one rule of endpoint_filter.json.
type EndpointRule struct {
	ID       string            `json:"id,omitempty"`
	Services []string          `json:"services"`
	Methods  []string          `json:"methods"`
	Match    EndpointMatch     `json:"match"`
	Query    map[string]string `json:"query,omitempty"`
	Action   EndpointAction    `json:"action"`

	compiledRegex *regexp.Regexp
	compiledGlob  glob.Glob
}

// EndpointFilterConfig is the endpoint_filter.json document.
type EndpointFilterConfig struct {
	Enabled bool           `json:"enabled"`
	Rules   []EndpointRule `json:"rules"`
}

// Match is the hit returned by Evaluate.
type Match struct {
	RuleID  string
	Status  int
	Message string
}

// EndpointBlocker evaluates endpoint_filter.json's rules in order;
// first match wins. Regex/glob rules are compiled once per reload; a
// rule with an invalid pattern is skipped and logged (spec.md §4.2).
type EndpointBlocker struct {
	path string

	mu      sync.Mutex
	sig     fileSig
	enabled bool
	rules   []EndpointRule
}

func NewEndpointBlocker(path string) *EndpointBlocker {
	return &EndpointBlocker{path: path}
}

func (b *EndpointBlocker) reload() {
	sig, exists := statSig(b.path)
	if !exists {
		b.enabled = false
		b.rules = nil
		b.sig = fileSig{}
		return
	}
	if sig == b.sig {
		return
	}

	data, err := os.ReadFile(b.path)
	if err != nil || len(data) == 0 {
		b.enabled = false
		b.rules = nil
		b.sig = sig
		return
	}

	var cfg EndpointFilterConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		slog.Warn("endpoint filter config invalid, disabling", "path", b.path, "error", err)
		b.enabled = false
		b.rules = nil
		b.sig = sig
		return
	}

	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		switch r.Match.Type {
		case MatchRegex:
			re, err := regexp.Compile(r.Match.Value)
			if err != nil {
				slog.Warn("endpoint rule regex invalid, skipping rule", "rule_id", r.ID, "error", err)
				continue
			}
			r.compiledRegex = re
		case MatchGlob:
			g, err := glob.Compile(r.Match.Value, '/')
			if err != nil {
				slog.Warn("endpoint rule glob invalid, skipping rule", "rule_id", r.ID, "error", err)
				continue
			}
			r.compiledGlob = g
		}
	}

	b.enabled = cfg.Enabled
	b.rules = cfg.Rules
	b.sig = sig
}

// Evaluate scans rules in order and returns the first match, if any.
// Disabled short-circuits to no match.
func (b *EndpointBlocker) Evaluate(service, method, path string, query url.Values) (Match, bool) {
	b.mu.Lock()
	b.reload()
	enabled := b.enabled
	rules := b.rules
	b.mu.Unlock()

	if !enabled {
		return Match{}, false
	}

	for _, r := range rules {
		if !serviceAllowed(r.Services, service) {
			continue
		}
		if !methodAllowed(r.Methods, method) {
			continue
		}
		if !pathMatches(r, path) {
			continue
		}
		if !queryMatches(r.Query, query) {
			continue
		}
		return Match{RuleID: r.ID, Status: r.Action.Status, Message: r.Action.Message}, true
	}
	return Match{}, false
}

func serviceAllowed(services []string, service string) bool {
	if len(services) == 0 {
		return true
	}
	for _, s := range services {
		if s == service {
			return true
		}
	}
	return false
}

func methodAllowed(methods []string, method string) bool {
	if len(methods) == 0 {
		return true
	}
	for _, m := range methods {
		if m == "*" || strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

func pathMatches(r EndpointRule, path string) bool {
	switch r.Match.Type {
	case MatchPath:
		return path == r.Match.Value
	case MatchPrefix:
		return strings.HasPrefix(path, r.Match.Value)
	case MatchRegex:
		return r.compiledRegex != nil && r.compiledRegex.MatchString(path)
	case MatchGlob:
		return r.compiledGlob != nil && r.compiledGlob.Match(path)
	default:
		return false
	}
}

func queryMatches(want map[string]string, got url.Values) bool {
	for k, v := range want {
		actual, present := got[k]
		if !present || len(actual) == 0 {
			return false
		}
		if v == "*" {
			continue
		}
		if actual[0] != v {
			return false
		}
	}
	return true
}
