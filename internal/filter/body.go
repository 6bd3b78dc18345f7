package filter

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"unicode/utf8"
)

type BodyFilterOp string

const (
	BodyOpReplace BodyFilterOp = "replace"
	BodyOpRemove  BodyFilterOp = "remove"
)

// BodyFilterRule is one entry of filter.json. replace without a target
// is rejected at load time (spec.md §3).
type BodyFilterRule struct {
	Source string       `json:"source"`
	Op     BodyFilterOp `json:"op"`
	Target string       `json:"target,omitempty"`
}

func (r BodyFilterRule) validate() error {
	if r.Op == BodyOpReplace && r.Target == "" {
		return fmt.Errorf("body rule %q: replace requires a target", r.Source)
	}
	return nil
}

// BodyRewriter applies an ordered list of string replace/remove rules to
// request bodies. Non-UTF-8 bodies bypass the filter untouched.
type BodyRewriter struct {
	path string

	mu    sync.Mutex
	sig   fileSig
	rules []BodyFilterRule
}

func NewBodyRewriter(path string) *BodyRewriter {
	return &BodyRewriter{path: path}
}

func (b *BodyRewriter) reload() {
	sig, exists := statSig(b.path)
	if !exists {
		b.rules = nil
		b.sig = fileSig{}
		return
	}
	if sig == b.sig {
		return
	}

	data, err := os.ReadFile(b.path)
	if err != nil || len(data) == 0 {
		b.rules = nil
		b.sig = sig
		return
	}

	var rules []BodyFilterRule
	if err := json.Unmarshal(data, &rules); err != nil {
		slog.Warn("body filter config invalid, disabling", "path", b.path, "error", err)
		b.rules = nil
		b.sig = sig
		return
	}

	valid := rules[:0:0]
	for _, r := range rules {
		if err := r.validate(); err != nil {
			slog.Warn("body filter rule invalid, skipping", "error", err)
			continue
		}
		valid = append(valid, r)
	}

	b.rules = valid
	b.sig = sig
}

// Apply runs the configured rules over body in order. Non-UTF-8 input is
// returned unchanged.
func (b *BodyRewriter) Apply(body []byte) []byte {
	b.mu.Lock()
	b.reload()
	rules := b.rules
	b.mu.Unlock()

	if len(rules) == 0 || !utf8.Valid(body) {
		return body
	}

	s := string(body)
	for _, r := range rules {
		if r.Source == "" {
			continue
		}
		target := r.Target
		if r.Op == BodyOpRemove {
			target = ""
		}
		s = strings.ReplaceAll(s, r.Source, target)
	}
	return []byte(s)
}
