// Package codex supplies the Codex CLI service specialization.
package codex

import (
	"net/http"
	"strings"

	"github.com/clp-proxy/clp/internal/services"
	"github.com/clp-proxy/clp/internal/usage"
)

const ServiceName = "codex"

func Spec() services.Spec {
	return services.Spec{
		Name:    ServiceName,
		Dialect: usage.DialectCodex,
		TestRequest: func(baseURL string) (*http.Request, error) {
			body := `{"model":"gpt-5-codex","input":"ping"}`
			req, err := http.NewRequest(http.MethodPost, strings.TrimRight(baseURL, "/")+"/v1/responses", strings.NewReader(body))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")
			return req, nil
		},
	}
}
