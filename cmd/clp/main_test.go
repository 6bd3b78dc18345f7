package main

import (
	"log/slog"
	"os"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":  slog.LevelDebug,
		"warn":   slog.LevelWarn,
		"error":  slog.LevelError,
		"info":   slog.LevelInfo,
		"bogus":  slog.LevelInfo,
		"":       slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestBindHost_EnvOverridesFallback(t *testing.T) {
	const envVar = "CLP_TEST_BIND_HOST"
	os.Unsetenv(envVar)
	if got := bindHost(envVar, "127.0.0.1"); got != "127.0.0.1" {
		t.Errorf("expected fallback when unset, got %q", got)
	}

	os.Setenv(envVar, "0.0.0.0")
	defer os.Unsetenv(envVar)
	if got := bindHost(envVar, "127.0.0.1"); got != "0.0.0.0" {
		t.Errorf("expected env override, got %q", got)
	}
}
