package claude

import (
	"io"
	"testing"

	"github.com/clp-proxy/clp/internal/usage"
)

func TestSpec_Dialect(t *testing.T) {
	s := Spec()
	if s.Name != ServiceName {
		t.Errorf("expected name %q, got %q", ServiceName, s.Name)
	}
	if s.Dialect != usage.DialectClaude {
		t.Error("expected Claude dialect")
	}
}

func TestSpec_TestRequest(t *testing.T) {
	req, err := Spec().TestRequest("https://api.anthropic.com/")
	if err != nil {
		t.Fatalf("TestRequest: %v", err)
	}
	if req.URL.String() != "https://api.anthropic.com/v1/messages" {
		t.Errorf("unexpected URL: %s", req.URL)
	}
	if req.Header.Get("anthropic-version") == "" {
		t.Error("expected anthropic-version header to be set")
	}
	body, _ := io.ReadAll(req.Body)
	if len(body) == 0 {
		t.Error("expected a non-empty ping request body")
	}
}
