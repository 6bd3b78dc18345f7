// Package loadbalancer tracks per-service upstream health and produces
// ordered candidate lists. Grounded on the map+slice+persist-on-mutation
// pattern of internal/agent/killswitch.go in the teacher repo, with JSON
// persistence instead of YAML. Each exported method is one complete
// critical section under a plain mutex; OnFailure never calls
// MaybeReset — the engine calls them one after the other.
package loadbalancer

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/clp-proxy/clp/internal/configstore"
)

type Mode string

const (
	ModeActiveFirst Mode = "active-first"
	ModeWeightBased Mode = "weight-based"
)

type Options struct {
	AutoResetOnAllFailed bool `json:"auto_reset_on_all_failed"`
	NotifyEnabled        bool `json:"notify_enabled"`
	ResetCooldownSeconds int  `json:"reset_cooldown_seconds"`
	FailureThreshold     int  `json:"failure_threshold"`
}

type serviceState struct {
	FailureThreshold int            `json:"failure_threshold"`
	CurrentFailures  map[string]int `json:"current_failures"`
	ExcludedConfigs  []string       `json:"excluded_configs"`
	LastResetAt      *time.Time     `json:"last_reset_at,omitempty"`
}

type fileDoc struct {
	Mode       Mode                    `json:"mode"`
	Options    Options                 `json:"options"`
	PerService map[string]serviceState `json:"per_service"`
}

// LoadBalancer holds per-service state for one LB config file. The
// reentrancy requirement is satisfied structurally: every exported
// method acquires the lock itself, and internal helpers that need to
// run "within" on_failure are plain unlocked functions called only by
// the already-locked public method, never by re-entering Lock.
type LoadBalancer struct {
	path string

	mu      sync.Mutex
	sig     struct{ mtimeNs, size int64 }
	mode    Mode
	options Options
	state   map[string]*serviceState
}

func New(path string) *LoadBalancer {
	return &LoadBalancer{path: path, state: map[string]*serviceState{}}
}

func (lb *LoadBalancer) reload() {
	fi, err := os.Stat(lb.path)
	if err != nil {
		return
	}
	sig := struct{ mtimeNs, size int64 }{fi.ModTime().UnixNano(), fi.Size()}
	if sig == lb.sig {
		return
	}

	data, err := os.ReadFile(lb.path)
	if err != nil || len(data) == 0 {
		return
	}

	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return
	}

	state := make(map[string]*serviceState, len(doc.PerService))
	for svc, s := range doc.PerService {
		cp := s
		if cp.CurrentFailures == nil {
			cp.CurrentFailures = map[string]int{}
		}
		state[svc] = &cp
	}

	lb.mode = doc.Mode
	lb.options = doc.Options
	lb.state = state
	lb.sig = sig
}

func (lb *LoadBalancer) persist() error {
	doc := fileDoc{Mode: lb.mode, Options: lb.options, PerService: map[string]serviceState{}}
	for svc, s := range lb.state {
		doc.PerService[svc] = *s
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling lb state: %w", err)
	}
	tmp := lb.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing lb state: %w", err)
	}
	if err := os.Rename(tmp, lb.path); err != nil {
		return fmt.Errorf("renaming lb state into place: %w", err)
	}
	if fi, err := os.Stat(lb.path); err == nil {
		lb.sig = struct{ mtimeNs, size int64 }{fi.ModTime().UnixNano(), fi.Size()}
	}
	return nil
}

func (lb *LoadBalancer) serviceLocked(service string) *serviceState {
	s, ok := lb.state[service]
	if !ok {
		s = &serviceState{
			FailureThreshold: lb.options.FailureThreshold,
			CurrentFailures:  map[string]int{},
		}
		if s.FailureThreshold == 0 {
			s.FailureThreshold = 3
		}
		lb.state[service] = s
	}
	return s
}

// Pick returns an ordered candidate list per spec.md §4.6.
func (lb *LoadBalancer) Pick(service string, snap configstore.Snapshot) []configstore.UpstreamConfig {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.reload()

	switch lb.mode {
	case ModeActiveFirst:
		if c, ok := snap.ActiveNonDeleted(); ok {
			return []configstore.UpstreamConfig{c}
		}
		return nil
	default: // weight-based
		st := lb.serviceLocked(service)
		excluded := make(map[string]bool, len(st.ExcludedConfigs))
		for _, n := range st.ExcludedConfigs {
			excluded[n] = true
		}
		var candidates []configstore.UpstreamConfig
		for _, c := range snap {
			if c.Deleted || excluded[c.Name] {
				continue
			}
			candidates = append(candidates, c)
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Weight != candidates[j].Weight {
				return candidates[i].Weight > candidates[j].Weight
			}
			return candidates[i].Name < candidates[j].Name
		})
		return candidates
	}
}

// State is a read-only view of one service's LB state, for the
// supplemented dashboard read surface (SPEC_FULL.md §4).
type State struct {
	Mode            Mode     `json:"mode"`
	ExcludedConfigs []string `json:"excluded_configs"`
	CurrentFailures map[string]int `json:"current_failures"`
}

// Snapshot returns the current state for service without mutating it.
func (lb *LoadBalancer) Snapshot(service string) State {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.reload()

	st := lb.serviceLocked(service)
	failures := make(map[string]int, len(st.CurrentFailures))
	for k, v := range st.CurrentFailures {
		failures[k] = v
	}
	return State{
		Mode:            lb.mode,
		ExcludedConfigs: append([]string(nil), st.ExcludedConfigs...),
		CurrentFailures: failures,
	}
}

// IsActiveFirst reports whether the configured mode is active-first,
// which never retries across candidates (spec.md §4.10 phase 6).
func (lb *LoadBalancer) IsActiveFirst() bool {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.reload()
	return lb.mode == ModeActiveFirst
}

// OnSuccess clears failure state for name.
func (lb *LoadBalancer) OnSuccess(service, name string) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.reload()

	st := lb.serviceLocked(service)
	delete(st.CurrentFailures, name)
	st.ExcludedConfigs = removeName(st.ExcludedConfigs, name)
	return lb.persist()
}

// OnFailure increments the failure count for name, excluding it once the
// threshold is reached. excludedNow reports whether this call caused the
// exclusion (so the engine can decide to emit lb_switch). failures and
// threshold are returned so the engine can carry them on that event
// (spec.md §6's lb_switch{failures, threshold, attempt}).
func (lb *LoadBalancer) OnFailure(service, name string) (excludedNow bool, failures int, threshold int, err error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.reload()

	st := lb.serviceLocked(service)
	st.CurrentFailures[name]++
	failures = st.CurrentFailures[name]

	threshold = st.FailureThreshold
	if threshold <= 0 {
		threshold = lb.options.FailureThreshold
	}

	wasExcluded := contains(st.ExcludedConfigs, name)
	if failures >= threshold && !wasExcluded {
		st.ExcludedConfigs = append(st.ExcludedConfigs, name)
		excludedNow = true
	}

	return excludedNow, failures, threshold, lb.persist()
}

// Threshold returns the effective failure threshold for service, for
// events (lb_reset, lb_exhausted) that report it outside of OnFailure.
func (lb *LoadBalancer) Threshold(service string) int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.reload()
	return lb.serviceLocked(service).FailureThreshold
}

// MaybeReset implements spec.md §4.6's cooldown-gated reset. Called when
// a first retry pass exhausts all candidates. cooldownRemaining is the
// time left before a reset would be allowed again, for lb_exhausted's
// cooldown_remaining_seconds field; it is zero when a reset just
// happened or auto-reset is disabled.
func (lb *LoadBalancer) MaybeReset(service string, now time.Time) (reset bool, cooldownRemaining time.Duration, err error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.reload()

	if !lb.options.AutoResetOnAllFailed {
		return false, 0, nil
	}

	st := lb.serviceLocked(service)
	cooldown := time.Duration(lb.options.ResetCooldownSeconds) * time.Second
	if st.LastResetAt != nil {
		if elapsed := now.Sub(*st.LastResetAt); elapsed < cooldown {
			return false, cooldown - elapsed, nil
		}
	}

	st.CurrentFailures = map[string]int{}
	st.ExcludedConfigs = nil
	nowCopy := now
	st.LastResetAt = &nowCopy

	return true, 0, lb.persist()
}

func removeName(list []string, name string) []string {
	out := list[:0:0]
	for _, n := range list {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}

func contains(list []string, name string) bool {
	for _, n := range list {
		if n == name {
			return true
		}
	}
	return false
}
