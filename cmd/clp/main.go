// Command clp is the process supervisor for the CLP reverse proxy.
// Out of scope for the engine itself (spec.md §1 treats it as an
// external collaborator), but a complete repo needs an entry point —
// grounded on cmd/ctrlai/main.go's cobra command tree, daemon mode via
// self re-exec, PID file handling, and loopback-restricted shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clp-proxy/clp/internal/auth"
	"github.com/clp-proxy/clp/internal/configstore"
	"github.com/clp-proxy/clp/internal/engine"
	"github.com/clp-proxy/clp/internal/filter"
	"github.com/clp-proxy/clp/internal/hub"
	"github.com/clp-proxy/clp/internal/loadbalancer"
	"github.com/clp-proxy/clp/internal/notify"
	"github.com/clp-proxy/clp/internal/procconfig"
	"github.com/clp-proxy/clp/internal/requestlog"
	"github.com/clp-proxy/clp/internal/router"
	"github.com/clp-proxy/clp/internal/services"
	"github.com/clp-proxy/clp/internal/services/claude"
	"github.com/clp-proxy/clp/internal/services/codex"
	"github.com/clp-proxy/clp/internal/supervisor"
)

func defaultConfigDir() string {
	if dir := os.Getenv("CLP_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".clp"
	}
	return filepath.Join(home, ".clp")
}

var configDir string

func main() {
	root := &cobra.Command{
		Use:   "clp",
		Short: "CLP — local reverse proxy for AI CLI clients",
	}
	root.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir(), "directory holding claude.json, codex.json, filter.json, etc.")

	root.AddCommand(startCmd(), stopCmd(), statusCmd(), initCmd(), upstreamCmd(), routeCmd(), authCmd(), logCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func startCmd() *cobra.Command {
	var daemon bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the Claude and Codex proxy listeners",
		RunE: func(cmd *cobra.Command, args []string) error {
			if daemon && os.Getenv("CLP_DAEMONIZED") != "1" {
				return supervisor.SpawnDaemon(configDir)
			}
			return runStart(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&daemon, "daemon", false, "run in the background")
	return cmd
}

func runStart(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(configDir, "data"), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(configDir, "run"), 0o755); err != nil {
		return fmt.Errorf("creating run dir: %w", err)
	}

	procCfg, err := procconfig.Load(filepath.Join(configDir, "process.yaml"))
	if err != nil {
		return err
	}
	slog.SetLogLoggerLevel(parseLevel(procCfg.Logging.Level))

	h := hub.New()

	watcher, err := notify.New(configDir, h, []string{claude.ServiceName, codex.ServiceName})
	if err != nil {
		return fmt.Errorf("starting config watcher: %w", err)
	}
	defer watcher.Close()

	authGate := auth.New(filepath.Join(configDir, "auth.json"))

	claudeBundle := buildService(configDir, claude.ServiceName, claude.Spec(), h)
	codexBundle := buildService(configDir, codex.ServiceName, codex.Spec(), h)

	proxyHost := bindHost("CLP_PROXY_HOST", procCfg.Server.Host)

	// A single shutdown channel is shared by both listeners' /shutdown
	// handlers, so a POST to either one drains both — grounded on
	// cmd/ctrlai/main.go's runStart, which feeds the same channel from
	// OS signals and its one HTTP /shutdown handler.
	shutdownCh := make(chan struct{}, 1)
	triggerShutdown := func() {
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
	}

	claudeServer := &http.Server{Addr: fmt.Sprintf("%s:3210", proxyHost), Handler: buildMux(claude.ServiceName, claudeBundle, authGate, h, triggerShutdown)}
	codexServer := &http.Server{Addr: fmt.Sprintf("%s:3211", proxyHost), Handler: buildMux(codex.ServiceName, codexBundle, authGate, h, triggerShutdown)}

	pidPath := filepath.Join(configDir, "run", "proxy.pid")
	if err := supervisor.WritePIDFile(pidPath); err != nil {
		return err
	}
	defer supervisor.RemovePIDFile(pidPath)

	errCh := make(chan error, 2)
	go func() { errCh <- claudeServer.ListenAndServe() }()
	go func() { errCh <- codexServer.ListenAndServe() }()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
	case <-shutdownCh:
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	claudeServer.Shutdown(shutdownCtx)
	codexServer.Shutdown(shutdownCtx)
	return nil
}

// serviceBundle holds one service's wired Engine plus the collaborators
// the supplemented dashboard read surface also needs direct access to.
type serviceBundle struct {
	engine *engine.Engine
	api    *dashboardAPI
}

// buildService wires one service's collaborators into an Engine. Each
// service gets its own config store, routing store, load balancer, and
// request log, namespaced by service name under configDir — mirroring
// the teacher's per-agent file layout. The three filter files are not
// namespaced: both services read the same endpoint_filter.json,
// header_filter.json and filter.json.
func buildService(configDir, name string, spec services.Spec, h *hub.Hub) serviceBundle {
	dataDir := filepath.Join(configDir, "data")

	log := requestlog.New(filepath.Join(dataDir, "proxy_requests_"+name+".jsonl"), 1000)
	if err := log.LoadFromDisk(); err != nil {
		slog.Warn("loading request log from disk", "service", name, "error", err)
	}
	if idx, err := requestlog.OpenIndex(filepath.Join(dataDir, name+"_requests_index.db")); err != nil {
		slog.Warn("opening request log index, continuing without it", "service", name, "error", err)
	} else {
		log.SetIndex(idx)
	}

	configs := configstore.New(filepath.Join(configDir, name+".json"))
	lb := loadbalancer.New(filepath.Join(dataDir, name+"_lb_config.json"))

	eng := engine.New(engine.Options{
		Service:         name,
		Spec:            spec,
		Configs:         configs,
		EndpointBlocker: filter.NewEndpointBlocker(filepath.Join(configDir, "endpoint_filter.json")),
		HeaderStripper:  filter.NewHeaderStripper(filepath.Join(configDir, "header_filter.json")),
		BodyRewriter:    filter.NewBodyRewriter(filepath.Join(configDir, "filter.json")),
		Routing:         router.NewStore(filepath.Join(dataDir, name+"_router_config.json")),
		LoadBalancer:    lb,
		Hub:             h,
		Log:             log,
	})

	return serviceBundle{engine: eng, api: newDashboardAPI(name, configs, log, lb)}
}

func buildMux(service string, bundle serviceBundle, gate *auth.Gate, h *hub.Hub, triggerShutdown func()) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/ws/realtime", func(w http.ResponseWriter, r *http.Request) {
		if !gate.Check(service, r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		hub.ServeWebSocket(h, service, w, r)
	})
	mux.HandleFunc("/shutdown", func(w http.ResponseWriter, r *http.Request) {
		if !supervisor.IsLoopback(r.RemoteAddr) || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
		triggerShutdown()
	})
	bundle.api.register(mux, gate)
	mux.Handle("/", withAuth(service, gate, bundle.engine))
	return mux
}

func withAuth(service string, gate *auth.Gate, eng *engine.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !gate.Check(service, r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		eng.ServeHTTP(w, r)
	})
}

func bindHost(envVar, fallback string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return fallback
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return supervisor.Stop(configDir)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the proxy is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			return supervisor.Status(configDir)
		},
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write default config files under --config-dir",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := supervisor.FirstTimeSetup(configDir); err != nil {
				return err
			}
			processYAML := filepath.Join(configDir, "process.yaml")
			if _, err := os.Stat(processYAML); os.IsNotExist(err) {
				return procconfig.WriteDefault(processYAML)
			}
			return nil
		},
	}
}
