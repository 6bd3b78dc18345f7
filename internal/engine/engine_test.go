package engine

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/clp-proxy/clp/internal/configstore"
	"github.com/clp-proxy/clp/internal/filter"
	"github.com/clp-proxy/clp/internal/hub"
	"github.com/clp-proxy/clp/internal/loadbalancer"
	"github.com/clp-proxy/clp/internal/requestlog"
	"github.com/clp-proxy/clp/internal/router"
	"github.com/clp-proxy/clp/internal/services"
	"github.com/clp-proxy/clp/internal/usage"
)

// newTestEngine wires a full Engine against temp-file-backed domain
// stores and an in-memory Hub/Log, the way cmd/clp.buildService does.
func newTestEngine(t *testing.T, configsJSON string) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()

	configsPath := filepath.Join(dir, "claude.json")
	if err := os.WriteFile(configsPath, []byte(configsJSON), 0o644); err != nil {
		t.Fatal(err)
	}

	e := New(Options{
		Service:         "claude",
		Spec:            services.Spec{Name: "claude", Dialect: usage.DialectClaude},
		Configs:         configstore.New(configsPath),
		EndpointBlocker: filter.NewEndpointBlocker(filepath.Join(dir, "endpoint_filter.json")),
		HeaderStripper:  filter.NewHeaderStripper(filepath.Join(dir, "header_filter.json")),
		BodyRewriter:    filter.NewBodyRewriter(filepath.Join(dir, "body_filter.json")),
		Routing:         router.NewStore(filepath.Join(dir, "router_config.json")),
		LoadBalancer:    loadbalancer.New(filepath.Join(dir, "lb_config.json")),
		Hub:             hub.New(),
		Log:             requestlog.New(filepath.Join(dir, "requests.jsonl"), 100),
	})
	return e, dir
}

func activeFirstConfig(baseURL string) string {
	return `[{"name":"primary","base_url":"` + baseURL + `","api_key":"k","weight":1,"active":true}]`
}

func TestServeHTTP_ForwardsSuccessfulRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "k" {
			t.Errorf("expected credential header forwarded, got headers: %v", r.Header)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	// active-first mode is set explicitly: an empty or absent mode in
	// lb_config.json makes Pick fall back to weight-based ordering.
	e, dir := newTestEngine(t, activeFirstConfig(upstream.URL))
	if err := os.WriteFile(filepath.Join(dir, "lb_config.json"), []byte(`{"mode":"active-first"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != `{"ok":true}` {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestServeHTTP_EndpointBlocked(t *testing.T) {
	e, dir := newTestEngine(t, `[]`)
	blockRules := `{"enabled":true,"rules":[{"id":"r1","match":{"type":"path","value":"/v1/admin"},"action":{"status":403,"message":"blocked"}}]}`
	if err := os.WriteFile(filepath.Join(dir, "endpoint_filter.json"), []byte(blockRules), 0o644); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/admin", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if rec.Body.String() != "blocked" {
		t.Errorf("expected block message in body, got %q", rec.Body.String())
	}
}

func TestServeHTTP_NoUpstreamConfigured(t *testing.T) {
	e, dir := newTestEngine(t, `[]`)
	if err := os.WriteFile(filepath.Join(dir, "lb_config.json"), []byte(`{"mode":"active-first"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when no upstream is configured, got %d", rec.Code)
	}
}

func TestServeHTTP_WeightBasedRetriesAcrossCandidates(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer healthy.Close()

	configsJSON := `[
		{"name":"bad","base_url":"` + failing.URL + `","api_key":"k","weight":10,"active":false},
		{"name":"good","base_url":"` + healthy.URL + `","api_key":"k","weight":1,"active":false}
	]`
	e, dir := newTestEngine(t, configsJSON)
	if err := os.WriteFile(filepath.Join(dir, "lb_config.json"), []byte(`{"mode":"weight-based","options":{"failure_threshold":5}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected the second candidate to succeed after the first failed, got %d", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("expected response from healthy upstream, got %q", rec.Body.String())
	}
}

func TestServeHTTP_ActiveFirstDoesNotRetry(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()

	e, dir := newTestEngine(t, activeFirstConfig(failing.URL))
	if err := os.WriteFile(filepath.Join(dir, "lb_config.json"), []byte(`{"mode":"active-first"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected active-first mode to fail without retrying, got %d", rec.Code)
	}
}

func TestServeHTTP_RoutingRewritesModel(t *testing.T) {
	var gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 1024)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	e, dir := newTestEngine(t, activeFirstConfig(upstream.URL))
	os.WriteFile(filepath.Join(dir, "lb_config.json"), []byte(`{"mode":"active-first"}`), 0o644)
	routeCfg := `{"mode":"model-mapping","model_mappings":[{"source":"gpt-4","source_type":"model","target":"gpt-4o"}]}`
	os.WriteFile(filepath.Join(dir, "router_config.json"), []byte(routeCfg), 0o644)

	body := `{"model":"gpt-4"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", stringsReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotBody == "" || !contains(gotBody, "gpt-4o") {
		t.Errorf("expected upstream to receive rewritten model, got %q", gotBody)
	}
}

func stringsReader(s string) *stringReaderCloser {
	return &stringReaderCloser{data: s}
}

type stringReaderCloser struct {
	data string
	pos  int
}

func (r *stringReaderCloser) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, errEOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

func (r *stringReaderCloser) Close() error { return nil }

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

var errEOF = io.EOF
