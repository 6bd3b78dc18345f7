// Package supervisor implements the process-management concerns of the
// clp CLI: daemonizing, PID files, and HTTP/signal-based shutdown,
// grounded on cmd/ctrlai/main.go's spawnDaemon/writePIDFile/runStop.
package supervisor

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// SpawnDaemon re-execs the current binary as a detached background
// process with CLP_DAEMONIZED=1, then exits. The child skips this
// branch and runs the proxy in the foreground of its own process.
func SpawnDaemon(configDir string) error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("finding executable path: %w", err)
	}

	logPath := filepath.Join(configDir, "clp.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", logPath, err)
	}
	defer logFile.Close()

	child := exec.Command(exePath, "start", "--config-dir", configDir)
	child.Stdout = logFile
	child.Stderr = logFile
	child.Env = append(os.Environ(), "CLP_DAEMONIZED=1")

	if err := child.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	fmt.Printf("[clp] proxy started in background (pid %d)\n", child.Process.Pid)
	fmt.Printf("[clp] log file: %s\n", logPath)

	if err := child.Process.Release(); err != nil {
		fmt.Fprintf(os.Stderr, "[clp] warning: failed to release child process: %v\n", err)
	}
	return nil
}

// WritePIDFile records the current process's PID under configDir/run.
func WritePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// RemovePIDFile removes the PID file left by WritePIDFile, if present.
func RemovePIDFile(path string) {
	os.Remove(path)
}

// IsLoopback reports whether remoteAddr (an "ip:port" string as seen on
// http.Request.RemoteAddr) resolves to localhost. Used to restrict the
// /shutdown endpoint to same-host callers.
func IsLoopback(remoteAddr string) bool {
	host := remoteAddr
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		host = remoteAddr[:idx]
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return host == "127.0.0.1" || host == "::1" || strings.HasPrefix(host, "127.")
}

// Stop tries to stop a running proxy: HTTP POST /shutdown first
// (cross-platform), then PID file + SIGTERM on Unix as a fallback.
func Stop(configDir string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	pidPath := filepath.Join(configDir, "run", "proxy.pid")

	for _, port := range []string{"3210", "3211"} {
		resp, err := client.Post(fmt.Sprintf("http://127.0.0.1:%s/shutdown", port), "application/json", nil)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				fmt.Printf("[clp] stop signal sent via port %s\n", port)
				os.Remove(pidPath)
				return nil
			}
		}
	}

	if runtime.GOOS == "windows" {
		return fmt.Errorf("proxy is not responding — cannot stop")
	}

	pidBytes, err := os.ReadFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("proxy is not running (no PID file and HTTP unreachable)")
		}
		return fmt.Errorf("reading PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	if err != nil {
		return fmt.Errorf("invalid PID in %s: %w", pidPath, err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		os.Remove(pidPath)
		return fmt.Errorf("stopping proxy (pid %d): %w", pid, err)
	}

	os.Remove(pidPath)
	fmt.Printf("[clp] sent stop signal to proxy (pid %d)\n", pid)
	return nil
}

// Status reports whether the Claude and Codex listeners are reachable.
func Status(configDir string) error {
	client := &http.Client{Timeout: 2 * time.Second}
	for name, port := range map[string]string{"claude": "3210", "codex": "3211"} {
		resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%s/health", port))
		if err != nil {
			fmt.Printf("[clp] %-7s NOT RUNNING (port %s)\n", name, port)
			continue
		}
		resp.Body.Close()
		fmt.Printf("[clp] %-7s RUNNING    (port %s)\n", name, port)
	}
	return nil
}

// FirstTimeSetup writes empty-but-valid config files under configDir so
// the proxy has something to hot-reload from on first run.
func FirstTimeSetup(configDir string) error {
	if err := os.MkdirAll(filepath.Join(configDir, "data"), 0o755); err != nil {
		return err
	}

	defaults := map[string]string{
		"claude.json":              "[]",
		"codex.json":               "[]",
		"endpoint_filter.json":     `{"rules":[]}`,
		"header_filter.json":       `{"enabled":false,"blocked_headers":[]}`,
		"filter.json":              "[]",
		"auth.json":                `{"enabled":false,"tokens":[]}`,
		"data/claude_router_config.json": `{"mode":"default"}`,
		"data/codex_router_config.json":  `{"mode":"default"}`,
		"data/claude_lb_config.json":     `{"mode":"active-first","options":{},"per_service":{}}`,
		"data/codex_lb_config.json":      `{"mode":"active-first","options":{},"per_service":{}}`,
	}

	for name, content := range defaults {
		path := filepath.Join(configDir, name)
		if _, err := os.Stat(path); err == nil {
			continue // don't clobber an existing file
		}
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}

	fmt.Printf("[clp] initialized config at %s\n", configDir)
	return nil
}
