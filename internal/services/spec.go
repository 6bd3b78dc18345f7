// Package services defines the Spec struct the engine uses for its
// per-service specializations. Concrete specializations live in
// services/claude and services/codex.
package services

import (
	"net/http"

	"github.com/clp-proxy/clp/internal/usage"
)

// Spec is what the engine needs to know to serve one AI CLI service: a
// name, a usage-parser dialect, and the upstream test request. It has
// no model-name extractor; both services share router.ExtractModel,
// which reads the top-level "model" field.
type Spec struct {
	Name          string
	Dialect       usage.Dialect
	TestRequest   func(baseURL string) (*http.Request, error)
}
