package configstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGet_MissingFile(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "nonexistent.json"))
	snap, err := s.Get()
	if err != nil {
		t.Fatalf("Get with missing file should not error: %v", err)
	}
	if len(snap) != 0 {
		t.Errorf("expected empty snapshot, got %d entries", len(snap))
	}
}

func TestGet_ValidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "claude.json")
	body := `[{"name":"primary","base_url":"https://api.anthropic.com","api_key":"k1","weight":10,"active":true}]`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	s := New(path)
	snap, err := s.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	c, ok := snap["primary"]
	if !ok {
		t.Fatal("expected config named primary")
	}
	if c.BaseURL != "https://api.anthropic.com" || c.Weight != 10 || !c.Active {
		t.Errorf("unexpected config: %+v", c)
	}
}

func TestGet_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "claude.json")
	if err := os.WriteFile(path, []byte(`not json`), 0o644); err != nil {
		t.Fatal(err)
	}

	s := New(path)
	if _, err := s.Get(); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestGet_HotReloadBySignature(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "claude.json")
	write := func(body string) {
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	write(`[{"name":"a","base_url":"https://a","weight":1}]`)
	s := New(path)
	snap, err := s.Get()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := snap["a"]; !ok {
		t.Fatal("expected config a")
	}

	// Force a distinct mtime so the signature changes.
	future := time.Now().Add(time.Second)
	write(`[{"name":"b","base_url":"https://b","weight":2}]`)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	snap, err = s.Get()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := snap["b"]; !ok {
		t.Fatal("expected reloaded config b after file change")
	}
	if _, ok := snap["a"]; ok {
		t.Fatal("stale config a should be gone after reload")
	}
}

func TestUpdate_AppendAndPersist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "claude.json")
	s := New(path)

	err := s.Update(func(current []UpstreamConfig) ([]UpstreamConfig, error) {
		return append(current, UpstreamConfig{Name: "new", BaseURL: "https://x", Weight: 5, Active: true}), nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	// Re-read from a fresh Store to confirm it was actually persisted.
	s2 := New(path)
	snap, err := s2.Get()
	if err != nil {
		t.Fatal(err)
	}
	c, ok := snap["new"]
	if !ok {
		t.Fatal("expected persisted config named new")
	}
	if c.BaseURL != "https://x" || c.Weight != 5 {
		t.Errorf("unexpected persisted config: %+v", c)
	}
}

func TestUpdate_MutationError(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "claude.json"))
	wantErr := os.ErrInvalid
	err := s.Update(func(current []UpstreamConfig) ([]UpstreamConfig, error) {
		return nil, wantErr
	})
	if err != wantErr {
		t.Errorf("expected mutation error to propagate, got %v", err)
	}
}

func TestCredential_APIKeyWinsOverAuthToken(t *testing.T) {
	c := UpstreamConfig{APIKey: "key123", AuthToken: "token456"}
	header, value := c.Credential()
	if header != "x-api-key" || value != "key123" {
		t.Errorf("expected x-api-key/key123, got %s/%s", header, value)
	}
}

func TestCredential_AuthTokenFallback(t *testing.T) {
	c := UpstreamConfig{AuthToken: "token456"}
	header, value := c.Credential()
	if header != "Authorization" || value != "Bearer token456" {
		t.Errorf("expected Authorization/Bearer token456, got %s/%s", header, value)
	}
}

func TestActiveNonDeleted(t *testing.T) {
	snap := Snapshot{
		"deleted": {Name: "deleted", Active: true, Deleted: true},
		"active":  {Name: "active", Active: true, Deleted: false},
		"other":   {Name: "other", Active: false},
	}
	c, ok := snap.ActiveNonDeleted()
	if !ok || c.Name != "active" {
		t.Errorf("expected active non-deleted config, got %+v ok=%v", c, ok)
	}
}

func TestActiveNonDeleted_NoneFound(t *testing.T) {
	snap := Snapshot{"other": {Name: "other", Active: false}}
	if _, ok := snap.ActiveNonDeleted(); ok {
		t.Error("expected ok=false when no active non-deleted config exists")
	}
}
