// Package router applies model-to-model and model-to-config mapping
// rules to a parsed request body, grounded on the "parse just the
// fields needed, no-op on error" style of internal/extractor in the
// teacher repo.
package router

import (
	"encoding/json"
	"os"
	"sync"
)

type SourceType string

const (
	SourceModel  SourceType = "model"
	SourceConfig SourceType = "config"
)

type Mode string

const (
	ModeDefault       Mode = "default"
	ModeModelMapping  Mode = "model-mapping"
	ModeConfigMapping Mode = "config-mapping"
)

type ModelMapping struct {
	Source     string     `json:"source"`
	SourceType SourceType `json:"source_type"`
	Target     string     `json:"target"`
}

type ConfigMapping struct {
	Model      string `json:"model"`
	ConfigName string `json:"config_name"`
}

// Config is the content of one service's data/<service>_router_config.json.
type Config struct {
	Mode           Mode            `json:"mode"`
	ModelMappings  []ModelMapping  `json:"model_mappings"`
	ConfigMappings []ConfigMapping `json:"config_mappings"`
}

// Result carries the (possibly rewritten) body and a forced config name
// if config-mapping selected one.
type Result struct {
	Body         []byte
	ForcedConfig string
	Forced       bool
}

type requestShape struct {
	Model *string `json:"model"`
}

// ExtractModel pulls $.model out of a JSON request body. Returns ok=false
// if the body isn't JSON or the field is absent — routing is then a
// no-op, per spec.md §4.5.
func ExtractModel(body []byte) (string, bool) {
	var shape requestShape
	if err := json.Unmarshal(body, &shape); err != nil {
		return "", false
	}
	if shape.Model == nil {
		return "", false
	}
	return *shape.Model, true
}

// Route applies cfg to body. pickedConfig is the config name the load
// balancer would otherwise have chosen (needed for source_type=config
// model mappings) — callers pass "" if it isn't known yet.
func Route(cfg Config, body []byte, pickedConfig string) Result {
	if cfg.Mode == ModeDefault || cfg.Mode == "" {
		return Result{Body: body}
	}

	model, ok := ExtractModel(body)
	if !ok {
		return Result{Body: body}
	}

	switch cfg.Mode {
	case ModeModelMapping:
		newModel, changed := applyModelMapping(cfg.ModelMappings, model, pickedConfig)
		if !changed {
			return Result{Body: body}
		}
		return Result{Body: rewriteModel(body, newModel)}

	case ModeConfigMapping:
		for _, m := range cfg.ConfigMappings {
			if m.Model == model {
				return Result{Body: body, ForcedConfig: m.ConfigName, Forced: true}
			}
		}
		return Result{Body: body}
	}

	return Result{Body: body}
}

// applyModelMapping finds the first matching rule per source_type:
// source_type=model wins on model-name match, source_type=config wins
// on the already-picked config name matching. First match per
// source_type wins (spec.md §4.5) — here applied as: first overall
// matching rule in list order determines the rewrite.
func applyModelMapping(mappings []ModelMapping, model, pickedConfig string) (string, bool) {
	var byModel, byConfig *ModelMapping
	for i := range mappings {
		m := &mappings[i]
		switch m.SourceType {
		case SourceModel:
			if byModel == nil && m.Source == model {
				byModel = m
			}
		case SourceConfig:
			if byConfig == nil && pickedConfig != "" && m.Source == pickedConfig {
				byConfig = m
			}
		}
	}
	// List-order precedence: whichever rule appears first in mappings wins
	// if both matched.
	for i := range mappings {
		m := &mappings[i]
		if byModel == m || byConfig == m {
			return m.Target, true
		}
	}
	return "", false
}

// Store hot-reloads one service's data/<service>_router_config.json by file
// signature, the same pattern as configstore.Store and filter.*.
type Store struct {
	path string

	mu  sync.Mutex
	sig struct{ mtimeNs, size int64 }
	cfg Config
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Get returns the current routing config, reloading if the backing
// file's signature changed.
func (s *Store) Get() Config {
	s.mu.Lock()
	defer s.mu.Unlock()

	fi, err := os.Stat(s.path)
	if err != nil {
		s.cfg = Config{}
		return s.cfg
	}
	sig := struct{ mtimeNs, size int64 }{fi.ModTime().UnixNano(), fi.Size()}
	if sig == s.sig {
		return s.cfg
	}

	data, err := os.ReadFile(s.path)
	if err != nil || len(data) == 0 {
		s.cfg = Config{}
		s.sig = sig
		return s.cfg
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		s.cfg = Config{}
		s.sig = sig
		return s.cfg
	}

	s.cfg = cfg
	s.sig = sig
	return s.cfg
}

func rewriteModel(body []byte, newModel string) []byte {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return body
	}
	encoded, err := json.Marshal(newModel)
	if err != nil {
		return body
	}
	raw["model"] = encoded
	out, err := json.Marshal(raw)
	if err != nil {
		return body
	}
	return out
}
