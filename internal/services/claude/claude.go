// Package claude supplies the Claude CLI service specialization: the
// Anthropic SSE usage dialect and a minimal upstream health-check
// request. Model extraction itself is shared (router.ExtractModel uses
// $.model for both services per spec.md §4.5) so it isn't duplicated
// here.
package claude

import (
	"net/http"
	"strings"

	"github.com/clp-proxy/clp/internal/services"
	"github.com/clp-proxy/clp/internal/usage"
)

const ServiceName = "claude"

func Spec() services.Spec {
	return services.Spec{
		Name:    ServiceName,
		Dialect: usage.DialectClaude,
		TestRequest: func(baseURL string) (*http.Request, error) {
			body := `{"model":"claude-3-5-haiku-latest","max_tokens":1,"messages":[{"role":"user","content":"ping"}]}`
			req, err := http.NewRequest(http.MethodPost, strings.TrimRight(baseURL, "/")+"/v1/messages", strings.NewReader(body))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("anthropic-version", "2023-06-01")
			return req, nil
		},
	}
}
