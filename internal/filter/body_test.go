package filter

import (
	"os"
	"path/filepath"
	"testing"
)

func writeBodyFilter(t *testing.T, body string) *BodyRewriter {
	t.Helper()
	path := filepath.Join(t.TempDir(), "body_filter.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return NewBodyRewriter(path)
}

func TestBodyRewriter_Replace(t *testing.T) {
	b := writeBodyFilter(t, `[{"source":"gpt-4","op":"replace","target":"gpt-4o"}]`)
	out := b.Apply([]byte(`{"model":"gpt-4"}`))
	if string(out) != `{"model":"gpt-4o"}` {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestBodyRewriter_Remove(t *testing.T) {
	b := writeBodyFilter(t, `[{"source":"-unstable","op":"remove"}]`)
	out := b.Apply([]byte(`{"model":"gpt-4-unstable"}`))
	if string(out) != `{"model":"gpt-4"}` {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestBodyRewriter_OrderedApplication(t *testing.T) {
	b := writeBodyFilter(t, `[
		{"source":"a","op":"replace","target":"b"},
		{"source":"b","op":"replace","target":"c"}
	]`)
	out := b.Apply([]byte(`a`))
	if string(out) != `c` {
		t.Errorf("expected rules to chain in order, got %s", out)
	}
}

func TestBodyRewriter_NonUTF8Bypasses(t *testing.T) {
	b := writeBodyFilter(t, `[{"source":"x","op":"replace","target":"y"}]`)
	invalid := []byte{0xff, 0xfe, 'x'}
	out := b.Apply(invalid)
	if string(out) != string(invalid) {
		t.Error("non-UTF-8 body should pass through untouched")
	}
}

func TestBodyRewriter_InvalidRuleRejectedAtLoad(t *testing.T) {
	// replace without target is invalid and should be skipped, not
	// crash the reload.
	b := writeBodyFilter(t, `[
		{"source":"bad","op":"replace"},
		{"source":"ok","op":"replace","target":"fine"}
	]`)
	out := b.Apply([]byte(`bad ok`))
	if string(out) != `bad fine` {
		t.Errorf("expected only valid rule applied, got %s", out)
	}
}

func TestBodyRewriter_NoRulesReturnsInputUnchanged(t *testing.T) {
	b := NewBodyRewriter(filepath.Join(t.TempDir(), "nonexistent.json"))
	in := []byte(`{"model":"gpt-4"}`)
	out := b.Apply(in)
	if string(out) != string(in) {
		t.Error("missing config should leave body untouched")
	}
}
