package filter

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"sync"
)

// HeaderFilterConfig is the header_filter.json document.
type HeaderFilterConfig struct {
	Enabled        bool     `json:"enabled"`
	BlockedHeaders []string `json:"blocked_headers"`
}

// HeaderStripper removes configured header names, case-insensitively,
// from outgoing client headers. It never touches response headers —
// that rewrite stays out of scope per the Non-goals in SPEC_FULL.md.
type HeaderStripper struct {
	path string

	mu      sync.Mutex
	sig     fileSig
	cfg     HeaderFilterConfig
	blocked map[string]bool
}

func NewHeaderStripper(path string) *HeaderStripper {
	return &HeaderStripper{path: path, blocked: map[string]bool{}}
}

func (h *HeaderStripper) reload() {
	sig, exists := statSig(h.path)
	if !exists {
		h.cfg = HeaderFilterConfig{}
		h.blocked = map[string]bool{}
		h.sig = fileSig{}
		return
	}
	if sig == h.sig {
		return
	}

	data, err := os.ReadFile(h.path)
	if err != nil || len(data) == 0 {
		h.cfg = HeaderFilterConfig{}
		h.blocked = map[string]bool{}
		h.sig = sig
		return
	}

	var cfg HeaderFilterConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		// Malformed JSON degrades to disabled, per spec.md §7.
		h.cfg = HeaderFilterConfig{}
		h.blocked = map[string]bool{}
		h.sig = sig
		return
	}

	blocked := make(map[string]bool, len(cfg.BlockedHeaders))
	for _, name := range cfg.BlockedHeaders {
		blocked[strings.ToLower(name)] = true
	}
	h.cfg = cfg
	h.blocked = blocked
	h.sig = sig
}

// Apply returns a copy of headers with the configured blocked headers
// removed, case-insensitively. Disabled returns the input unchanged.
func (h *HeaderStripper) Apply(headers http.Header) http.Header {
	h.mu.Lock()
	h.reload()
	enabled := h.cfg.Enabled
	blocked := h.blocked
	h.mu.Unlock()

	if !enabled || len(blocked) == 0 {
		return headers
	}

	out := headers.Clone()
	for name := range out {
		if blocked[strings.ToLower(name)] {
			out.Del(name)
		}
	}
	return out
}
