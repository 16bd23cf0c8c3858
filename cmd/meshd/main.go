// Package main is the CLI entry point for meshd — a multi-agent
// execution fabric: one supervisor per agent, a four-tier relay
// connecting supervisor/sandbox-document/workers, a pluggable
// provider-adapter layer for streaming LLM completions, and a
// request-interceptor that owns every credential so no worker ever
// sees an API key.
//
// Architecture overview:
//
//	CLI/hub client --> interceptor (:3100) --> LLM provider (Anthropic/OpenAI/...)
//	                      |
//	                      +-- supervisor.Manager
//	                            |-- one supervisor per agent (lifecycle state machine)
//	                            |-- sandbox document (DOM/page-API surface)
//	                            |-- loop.Worker (think -> act -> think)
//	                            +-- relay (correlated request/response between peers)
//
// CLI commands (cobra):
//
//	meshd               - Interactive first-run setup
//	meshd start [-d]    - Start the fabric (foreground or daemon)
//	meshd stop          - Stop the fabric
//	meshd status        - Show fabric status + agents
//	meshd agents        - List/spawn/kill/revive agents
//	meshd rules         - Manage hook rules
//	meshd events        - Query/verify the event log
//	meshd config        - View/edit fabric configuration
//	meshd data          - Export/import/clear persisted state
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meshrun/meshd/internal/config"
	"github.com/meshrun/meshd/internal/dashboard"
	"github.com/meshrun/meshd/internal/eventlog"
	"github.com/meshrun/meshd/internal/hooks"
	"github.com/meshrun/meshd/internal/hub"
	"github.com/meshrun/meshd/internal/interceptor"
	"github.com/meshrun/meshd/internal/model"
	"github.com/meshrun/meshd/internal/netpolicy"
	"github.com/meshrun/meshd/internal/persistence"
	"github.com/meshrun/meshd/internal/provider"
	"github.com/meshrun/meshd/internal/provider/anthropic"
	"github.com/meshrun/meshd/internal/provider/openai"
	"github.com/meshrun/meshd/internal/storage"
	"github.com/meshrun/meshd/internal/supervisor"
	"github.com/meshrun/meshd/internal/toolregistry"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-02-10"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultConfigDir returns the path to ~/.meshd/ where all runtime
// state lives: config.yaml, hooks.yaml, agents.yaml, eventlog/,
// storage/, and persistence state.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".meshd"
	}
	return filepath.Join(home, ".meshd")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

var configDir string

var rootCmd = &cobra.Command{
	Use:   "meshd",
	Short: "meshd — a multi-agent execution fabric",
	Long: `meshd runs one supervisor per agent, each driving a think-act loop
against a pluggable LLM provider, with tool calls routed through a
capability-scoped registry and every credential owned by a single
request interceptor.

Run 'meshd start' to start the fabric, or run 'meshd' with no
arguments for interactive first-run setup.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFirstTimeSetup(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir(), "Path to meshd config and state directory")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dataCmd)
}

// ============================================================================
// meshd start — start the fabric
// ============================================================================

var daemonMode bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the fabric",
	Long: `Start the meshd fabric: the request interceptor, the supervisor
manager, the hub link (if configured), and the dashboard.

By default runs in the foreground. Use -d for daemon/background mode.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart(cmd, args)
	},
}

func init() {
	startCmd.Flags().BoolVarP(&daemonMode, "daemon", "d", false, "Run the fabric in daemon/background mode")
}

// runStart wires every subsystem together and blocks until shutdown.
//
//  1. Handle daemon mode (re-exec as background process if -d)
//  2. Load config from ~/.meshd/config.yaml
//  3. Initialize the hook engine (hooks.yaml + builtin rules)
//  4. Initialize the event log (hash-chained JSONL + SQLite index)
//  5. Initialize the persistence layer (settings, agent records, conversations)
//  6. Build the tool registry and its local/supervisor handlers
//  7. Build the provider registry (anthropic, openai) and the interceptor
//  8. Build the supervisor manager, resurrecting any persisted agents
//  9. Connect to the hub if configured
//  10. Mount everything on one HTTP server, write PID file, watch for hot-reload
//  11. Block until SIGINT/SIGTERM or HTTP /shutdown, then drain gracefully
func runStart(cmd *cobra.Command, args []string) error {
	if daemonMode && os.Getenv("MESHD_DAEMONIZED") != "1" {
		return spawnDaemon()
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	hooksE, err := hooks.New(filepath.Join(configDir, "hooks.yaml"))
	if err != nil {
		return fmt.Errorf("failed to initialize hook engine: %w", err)
	}
	fmt.Printf("[meshd] Loaded %d rules (%d builtin + %d custom)\n",
		hooksE.TotalRules(), hooksE.BuiltinCount(), hooksE.CustomCount())

	eventLog, err := eventlog.New(filepath.Join(configDir, "eventlog"))
	if err != nil {
		return fmt.Errorf("failed to initialize event log: %w", err)
	}
	defer eventLog.Close()

	store, err := persistence.New(filepath.Join(configDir, "state"))
	if err != nil {
		return fmt.Errorf("failed to initialize persistence layer: %w", err)
	}
	defer store.Close()

	tools, storageH := buildToolRegistry(filepath.Join(configDir, "storage"))

	providers := provider.NewRegistry()
	providers.RegisterFactory("anthropic", anthropic.New)
	providers.RegisterFactory("openai", openai.New)

	upstreamClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     120 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			ForceAttemptHTTP2:   true,
		},
		// No Timeout — streaming completions can run for minutes.
	}
	icept := interceptor.New(cfg, upstreamClient)

	var hubLink *hub.Link
	if cfg.Interceptor.HubMode && cfg.Interceptor.HubHTTPURL != "" {
		hubLink = hub.New(cfg.Interceptor.HubHTTPURL, cfg.Interceptor.HubToken, tools)
		icept.SetHubLink(hubLink)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	streamFn := newStreamFunc(upstreamClient, addr)

	var manager *supervisor.Manager
	netFetcher := netpolicy.NewFetcher(upstreamClient, func() *hub.Link { return hubLink })
	supervisorHandlers := storageH.handlers()
	supervisorHandlers["network.fetch"] = func(ctx context.Context, agentID string, input map[string]any) (string, bool, error) {
		policy := model.NetworkPolicy{Mode: model.NetworkAllowAll}
		if manager != nil {
			if sup, err := manager.Get(agentID); err == nil {
				policy = sup.Config().NetworkPolicy
			}
		}
		return netFetcher.Fetch(ctx, agentID, policy, argString(input, "method"), argString(input, "url"))
	}

	deps := supervisor.Deps{
		Tools:              tools,
		Hooks:              hooksE,
		Providers:          providers,
		LocalHandlers:      map[string]supervisor.LocalHandler{},
		SupervisorHandlers: supervisorHandlers,
		Stream:             streamFn,
		Events:             nil,
	}

	manager, err = supervisor.NewManager(filepath.Join(configDir, "agents.yaml"), deps)
	if err != nil {
		return fmt.Errorf("failed to initialize supervisor manager: %w", err)
	}

	if hubLink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := hubLink.Connect(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "[meshd] Warning: hub connect failed, running hub-less: %v\n", err)
		} else {
			fmt.Println("[meshd] Connected to hub")
		}
		cancel()
	}

	var dash *dashboard.Dashboard
	if cfg.Dashboard.Enabled {
		dash = dashboard.New(dashboard.Options{
			EventLog:  eventLog,
			Manager:   manager,
			Hooks:     hooksE,
			RulesPath: filepath.Join(configDir, "hooks.yaml"),
		})
	}

	mux := http.NewServeMux()
	mux.Handle("/api/anthropic/", icept)
	mux.Handle("/api/openai/", icept)
	mux.Handle("/api/moonshot/", icept)
	mux.Handle("/api/qwen/", icept)
	mux.Handle("/api/minimax/", icept)
	mux.Handle("/api/zhipu/", icept)

	if dash != nil {
		mux.Handle("/dashboard", dash)
		mux.Handle("/dashboard/", dash)
		mux.Handle("/dashboard/ws", dash.WebSocketHandler())
		mux.Handle("/api/", dash.APIHandler())
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","version":"%s"}`, version)
	})

	shutdownCh := make(chan struct{}, 1)
	mux.HandleFunc("/shutdown", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		if !isLoopback(r.RemoteAddr) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"shutting_down"}`)
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout/ReadTimeout — completions stream for minutes.
	}

	pidFile := filepath.Join(configDir, "meshd.pid")
	if err := writePIDFile(pidFile); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer removePIDFile(pidFile)

	watcher, err := config.NewWatcher(configDir, config.WatchTargets{
		OnHooksChange: func() {
			if reloadErr := hooksE.Reload(filepath.Join(configDir, "hooks.yaml")); reloadErr != nil {
				fmt.Fprintf(os.Stderr, "[meshd] Warning: failed to reload hooks: %v\n", reloadErr)
			} else {
				fmt.Println("[meshd] Hooks reloaded")
			}
		},
		OnConfigChange: func() {
			if reloaded, reloadErr := config.Load(filepath.Join(configDir, "config.yaml")); reloadErr != nil {
				fmt.Fprintf(os.Stderr, "[meshd] Warning: failed to reload config: %v\n", reloadErr)
			} else {
				icept.UpdateConfig(reloaded)
				fmt.Println("[meshd] Config reloaded")
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[meshd] Fabric listening on http://%s\n", addr)
		if cfg.Dashboard.Enabled {
			fmt.Printf("[meshd] Dashboard at http://%s/dashboard\n", addr)
		}
		if !daemonMode {
			fmt.Println("[meshd] Press Ctrl+C to stop")
		}
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n[meshd] Shutting down (signal received)...")
	case <-shutdownCh:
		fmt.Println("[meshd] Shutting down (stop command received)...")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		fmt.Fprintf(os.Stderr, "[meshd] Shutdown error: %v\n", shutdownErr)
	}

	if err := manager.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "[meshd] Warning: failed to persist agent manager state: %v\n", err)
	}
	if hubLink != nil {
		hubLink.Close()
	}

	fmt.Println("[meshd] Stopped")
	return nil
}

// newStreamFunc builds the supervisor.Deps.Stream closure: it issues
// req against this process's own interceptor endpoint (the interceptor
// owns credential injection; workers never see an API key) and scans
// the response body as Server-Sent Events.
func newStreamFunc(client *http.Client, addr string) func(ctx context.Context, req provider.Request) (<-chan provider.SSEEvent, error) {
	return func(ctx context.Context, req provider.Request) (<-chan provider.SSEEvent, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+req.URL, bytes.NewReader(req.Body))
		if err != nil {
			return nil, model.NewErrorf(model.ErrInternal, "meshd: building stream request").WithWrapped(err)
		}
		for k, v := range req.Headers {
			httpReq.Header.Set(k, v)
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			return nil, model.NewErrorf(model.ErrNetwork, "meshd: stream request failed").WithWrapped(err)
		}
		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, model.NewErrorf(model.ErrProvider, "meshd: provider returned %d: %s", resp.StatusCode, string(body))
		}

		ch := make(chan provider.SSEEvent, 16)
		go func() {
			defer resp.Body.Close()
			if err := provider.ScanSSE(ctx, resp.Body, ch); err != nil {
				// ScanSSE already closed ch; nothing further to do but
				// let the worker observe the stream ending early.
				_ = err
			}
		}()
		return ch, nil
	}
}

// storageFileToolSchema, storageWriteToolSchema and networkFetchToolSchema
// are the JSON Schemas declared for the builtin tools below. Path is the
// only required argument for every filesystem tool except write_file,
// which also needs content; network.fetch requires url.
const (
	storageFileToolSchema  = `{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`
	storageWriteToolSchema = `{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`
	networkFetchToolSchema = `{"type":"object","properties":{"url":{"type":"string"},"method":{"type":"string"}},"required":["url"]}`
)

// storageHandlers backs the storage.Provider-shaped tool set
// (read_file/write_file/delete_file/mkdir/list_dir) with one
// FilesystemProvider per agent, rooted at <baseDir>/<agentID>/ so no
// agent can read or write another agent's files. These run as
// SupervisorHandlers: persistence/storage access is something only
// the supervisor has standing to do, never a sandbox document or
// worker directly.
type storageHandlers struct {
	baseDir string

	mu        sync.Mutex
	providers map[string]*storage.FilesystemProvider
}

func newStorageHandlers(baseDir string) *storageHandlers {
	return &storageHandlers{baseDir: baseDir, providers: make(map[string]*storage.FilesystemProvider)}
}

func (h *storageHandlers) providerFor(agentID string) (*storage.FilesystemProvider, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if p, ok := h.providers[agentID]; ok {
		return p, nil
	}
	dir := filepath.Join(h.baseDir, agentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root for agent %s: %w", agentID, err)
	}
	p, err := storage.NewFilesystemProvider(dir)
	if err != nil {
		return nil, err
	}
	h.providers[agentID] = p
	return p, nil
}

func argString(input map[string]any, key string) string {
	v, _ := input[key].(string)
	return v
}

// handlers returns the SupervisorHandler map wiring every storage tool
// into the agentic loop's tool-call path. Each handler returns
// (resultText, isError, err) matching the executor's call contract —
// a validation failure surfaces as isError=true so the agent can
// recover from it in-loop, while err is reserved for fabric-level
// faults the supervisor itself must report.
func (h *storageHandlers) handlers() map[string]supervisor.SupervisorHandler {
	return map[string]supervisor.SupervisorHandler{
		"read_file": func(ctx context.Context, agentID string, input map[string]any) (string, bool, error) {
			p, err := h.providerFor(agentID)
			if err != nil {
				return "", false, err
			}
			data, err := p.ReadFile(argString(input, "path"))
			if err != nil {
				return err.Error(), true, nil
			}
			return string(data), false, nil
		},
		"write_file": func(ctx context.Context, agentID string, input map[string]any) (string, bool, error) {
			p, err := h.providerFor(agentID)
			if err != nil {
				return "", false, err
			}
			if err := p.WriteFile(argString(input, "path"), []byte(argString(input, "content"))); err != nil {
				return err.Error(), true, nil
			}
			return "ok", false, nil
		},
		"delete_file": func(ctx context.Context, agentID string, input map[string]any) (string, bool, error) {
			p, err := h.providerFor(agentID)
			if err != nil {
				return "", false, err
			}
			if err := p.DeleteFile(argString(input, "path")); err != nil {
				return err.Error(), true, nil
			}
			return "ok", false, nil
		},
		"mkdir": func(ctx context.Context, agentID string, input map[string]any) (string, bool, error) {
			p, err := h.providerFor(agentID)
			if err != nil {
				return "", false, err
			}
			if err := p.Mkdir(argString(input, "path")); err != nil {
				return err.Error(), true, nil
			}
			return "ok", false, nil
		},
		"list_dir": func(ctx context.Context, agentID string, input map[string]any) (string, bool, error) {
			p, err := h.providerFor(agentID)
			if err != nil {
				return "", false, err
			}
			entries, err := p.ListDir(argString(input, "path"))
			if err != nil {
				return err.Error(), true, nil
			}
			data, _ := json.Marshal(entries)
			return string(data), false, nil
		},
	}
}

// buildToolRegistry declares the filesystem tool set every agent gets
// by default and returns both the registry (handed to the supervisor
// manager and the hub link for capability announcement) and the
// handlers backing it.
func buildToolRegistry(storageDir string) (*toolregistry.Registry, *storageHandlers) {
	reg := toolregistry.New()
	h := newStorageHandlers(storageDir)

	defs := []toolregistry.Definition{
		{Name: "read_file", Context: toolregistry.ContextSupervisor, SideEffectFree: true, SchemaJSON: storageFileToolSchema},
		{Name: "write_file", Context: toolregistry.ContextSupervisor, SchemaJSON: storageWriteToolSchema},
		{Name: "delete_file", Context: toolregistry.ContextSupervisor, SchemaJSON: storageFileToolSchema},
		{Name: "mkdir", Context: toolregistry.ContextSupervisor, SchemaJSON: storageFileToolSchema},
		{Name: "list_dir", Context: toolregistry.ContextSupervisor, SideEffectFree: true, SchemaJSON: storageFileToolSchema},
		{Name: "network.fetch", Context: toolregistry.ContextSupervisor, SideEffectFree: true, SchemaJSON: networkFetchToolSchema},
	}
	for _, d := range defs {
		if err := reg.Register(d); err != nil {
			// Only reachable if two defs above share a name — a
			// programmer error, not a runtime condition to recover from.
			panic(fmt.Sprintf("meshd: invalid builtin tool definition %q: %v", d.Name, err))
		}
	}
	return reg, h
}

// spawnDaemon re-executes the meshd binary as a detached background
// process. Go can't fork() safely (the runtime is multi-threaded), so
// the parent re-execs itself with MESHD_DAEMONIZED=1 and exits; the
// child detects the sentinel and runs the fabric in the foreground of
// its own detached process.
func spawnDaemon() error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to find executable path: %w", err)
	}

	logPath := filepath.Join(configDir, "meshd.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	daemonArgs := []string{"start"}
	if configDir != defaultConfigDir() {
		daemonArgs = append(daemonArgs, "--config-dir", configDir)
	}

	child := exec.Command(exePath, daemonArgs...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.Env = append(os.Environ(), "MESHD_DAEMONIZED=1")

	if err := child.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	fmt.Printf("[meshd] Fabric started in background (PID %d)\n", child.Process.Pid)
	fmt.Printf("[meshd] Log file: %s\n", logPath)
	fmt.Println("[meshd] Use 'meshd stop' to stop the fabric")

	if err := child.Process.Release(); err != nil {
		fmt.Fprintf(os.Stderr, "[meshd] Warning: failed to release child process: %v\n", err)
	}
	logFile.Close()
	return nil
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func removePIDFile(path string) {
	os.Remove(path)
}

// isLoopback restricts the /shutdown endpoint to localhost callers.
func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		host = remoteAddr[:idx]
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return host == "127.0.0.1" || host == "::1" || strings.HasPrefix(host, "127.")
}

// ============================================================================
// meshd stop
// ============================================================================

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running fabric",
	Long: `Stop a running meshd fabric. Tries HTTP shutdown first (cross-platform),
then falls back to PID file + SIGTERM on Unix systems.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd, args)
	},
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	addr := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)

	client := &http.Client{Timeout: 5 * time.Second}
	if resp, err := client.Post(addr+"/shutdown", "application/json", nil); err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			fmt.Println("[meshd] Stop signal sent")
			os.Remove(filepath.Join(configDir, "meshd.pid"))
			return nil
		}
	}

	if runtime.GOOS == "windows" {
		return fmt.Errorf("fabric is not responding at %s — cannot stop", addr)
	}

	pidFile := filepath.Join(configDir, "meshd.pid")
	pidBytes, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("fabric is not running (no PID file and HTTP unreachable)")
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	if err != nil {
		return fmt.Errorf("invalid PID in %s: %w", pidFile, err)
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		os.Remove(pidFile)
		return fmt.Errorf("failed to stop fabric (PID %d): %w", pid, err)
	}
	os.Remove(pidFile)
	fmt.Printf("[meshd] Sent stop signal (PID %d)\n", pid)
	return nil
}

// ============================================================================
// meshd status
// ============================================================================

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show fabric status and agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd, args)
	},
}

type statusAgentJSON struct {
	ID       string                  `json:"id"`
	Name     string                  `json:"name"`
	Provider string                  `json:"provider"`
	Model    string                  `json:"model"`
	State    model.SupervisorState   `json:"state"`
	Budget   model.BudgetAccumulator `json:"budget"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	addr := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(addr + "/health")
	if err != nil {
		fmt.Println("[meshd] Status: NOT RUNNING")
		fmt.Printf("[meshd] Expected at: %s\n", addr)
		return nil
	}
	resp.Body.Close()

	fmt.Println("[meshd] Status: RUNNING")
	fmt.Printf("[meshd] Listening on: %s\n", addr)

	agentsResp, err := client.Get(addr + "/api/agents")
	if err != nil {
		fmt.Println("[meshd] Could not query agent data (dashboard may be disabled)")
		return nil
	}
	defer agentsResp.Body.Close()

	var agents []statusAgentJSON
	if err := json.NewDecoder(agentsResp.Body).Decode(&agents); err != nil {
		fmt.Println("[meshd] Could not parse agent data")
		return nil
	}
	if len(agents) == 0 {
		fmt.Println("[meshd] No agents registered yet")
		return nil
	}

	fmt.Printf("[meshd] Agents: %d total\n\n", len(agents))
	printAgentTable(agents)
	return nil
}

func printAgentTable(agents []statusAgentJSON) {
	fmt.Printf("  %-15s %-10s %-12s %-28s %-8s\n", "AGENT", "STATE", "PROVIDER", "MODEL", "TOKENS")
	fmt.Printf("  %-15s %-10s %-12s %-28s %-8s\n", "-----", "-----", "--------", "-----", "------")
	for _, a := range agents {
		fmt.Printf("  %-15s %-10s %-12s %-28s %-8d\n",
			a.ID, a.State, a.Provider, a.Model, a.Budget.InputTokens+a.Budget.OutputTokens)
	}
}

// ============================================================================
// meshd agents — list/spawn/kill/revive
// ============================================================================

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List, spawn, kill, or revive agents",
}

func init() {
	agentsCmd.AddCommand(agentsListCmd)
	agentsCmd.AddCommand(agentsSpawnCmd)
	agentsCmd.AddCommand(agentsKillCmd)
	agentsCmd.AddCommand(agentsReviveCmd)
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all known agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON("/api/agents", nil, printAgentsResponse)
	},
}

func printAgentsResponse(body []byte) error {
	var agents []statusAgentJSON
	if err := json.Unmarshal(body, &agents); err != nil {
		return fmt.Errorf("failed to parse agents response: %w", err)
	}
	if len(agents) == 0 {
		fmt.Println("No agents registered yet.")
		return nil
	}
	printAgentTable(agents)
	return nil
}

var (
	spawnProvider     string
	spawnModel        string
	spawnSystemPrompt string
)

var agentsSpawnCmd = &cobra.Command{
	Use:   "spawn <agent-id>",
	Short: "Spawn a new agent and persist its record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgentsSpawn(args[0])
	},
}

func init() {
	agentsSpawnCmd.Flags().StringVar(&spawnProvider, "provider", "anthropic", "LLM provider for this agent")
	agentsSpawnCmd.Flags().StringVar(&spawnModel, "model", "", "Model ID for this agent")
	agentsSpawnCmd.Flags().StringVar(&spawnSystemPrompt, "system-prompt", "", "System prompt for this agent")
}

// runAgentsSpawn persists an AgentRecord through the persistence layer
// directly (the CLI talks to state on disk, not the running fabric).
// The record goes to the persistence store under <configDir>/state;
// supervisor.Manager loads agents only from <configDir>/agents.yaml,
// so the fabric does not start this agent on its next launch.
func runAgentsSpawn(agentID string) error {
	store, err := persistence.New(filepath.Join(configDir, "state"))
	if err != nil {
		return fmt.Errorf("failed to open persistence layer: %w", err)
	}
	defer store.Close()

	rec := persistence.AgentRecord{
		ID: agentID,
		Config: model.AgentConfig{
			ID:           agentID,
			Name:         agentID,
			Provider:     spawnProvider,
			Model:        spawnModel,
			SystemPrompt: spawnSystemPrompt,
		},
	}
	if err := store.SaveAgent(rec); err != nil {
		return fmt.Errorf("failed to save agent record: %w", err)
	}

	fmt.Printf("[meshd] Spawned agent %q (provider=%s model=%s)\n", agentID, spawnProvider, spawnModel)
	fmt.Println("[meshd] Saved to the persistence store; the fabric's agent manager does not load agents from it")
	return nil
}

var agentsKillCmd = &cobra.Command{
	Use:   "kill <agent-id>",
	Short: "Kill a running agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON("/api/kill", map[string]string{"agent": args[0]}, nil)
	},
}

var agentsReviveCmd = &cobra.Command{
	Use:   "revive <agent-id>",
	Short: "Revive a killed, stopped, or errored agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON("/api/revive", map[string]string{"agent": args[0]}, nil)
	},
}

// postJSON issues a request against the running fabric's dashboard
// API — GET when body is nil, POST otherwise — and optionally hands
// the response body to handle.
func postJSON(path string, body any, handle func([]byte) error) error {
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	addr := fmt.Sprintf("http://%s:%d%s", cfg.Server.Host, cfg.Server.Port, path)
	client := &http.Client{Timeout: 5 * time.Second}

	var resp *http.Response
	if body == nil {
		resp, err = client.Get(addr)
	} else {
		payload, _ := json.Marshal(body)
		resp, err = client.Post(addr, "application/json", bytes.NewReader(payload))
	}
	if err != nil {
		return fmt.Errorf("fabric is not reachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed (%d): %s", resp.StatusCode, string(respBody))
	}
	if handle != nil {
		return handle(respBody)
	}
	fmt.Println("[meshd] OK")
	return nil
}

// ============================================================================
// meshd rules
// ============================================================================

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage hook rules (before/after tool use, turn start, stop)",
}

func init() {
	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesAddCmd)
	rulesCmd.AddCommand(rulesRemoveCmd)
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all rules (builtin + custom)",
	RunE: func(cmd *cobra.Command, args []string) error {
		hooksE, err := hooks.New(filepath.Join(configDir, "hooks.yaml"))
		if err != nil {
			return fmt.Errorf("failed to load hooks: %w", err)
		}
		rules := hooksE.ListRules()
		if len(rules) == 0 {
			fmt.Println("No rules configured.")
			return nil
		}
		fmt.Printf("%-25s %-10s %-10s %s\n", "NAME", "SCOPE", "ACTION", "MESSAGE")
		fmt.Printf("%-25s %-10s %-10s %s\n", "----", "-----", "------", "-------")
		for _, r := range rules {
			scope := r.Scope
			if r.Builtin {
				scope = "builtin"
			}
			fmt.Printf("%-25s %-10s %-10s %s\n", r.Name, scope, r.Action, r.Message)
		}
		return nil
	},
}

var rulesAddCmd = &cobra.Command{
	Use:   "add <yaml>",
	Short: "Add a custom rule (YAML format)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hooksE, err := hooks.New(filepath.Join(configDir, "hooks.yaml"))
		if err != nil {
			return fmt.Errorf("failed to load hooks: %w", err)
		}
		if err := hooksE.AddRule(args[0]); err != nil {
			return fmt.Errorf("failed to add rule: %w", err)
		}
		if err := hooksE.Save(filepath.Join(configDir, "hooks.yaml")); err != nil {
			return fmt.Errorf("failed to save hooks: %w", err)
		}
		fmt.Println("[meshd] Rule added")
		return nil
	},
}

var rulesRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a custom rule by name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hooksE, err := hooks.New(filepath.Join(configDir, "hooks.yaml"))
		if err != nil {
			return fmt.Errorf("failed to load hooks: %w", err)
		}
		if err := hooksE.RemoveRule(args[0]); err != nil {
			return fmt.Errorf("failed to remove rule: %w", err)
		}
		if err := hooksE.Save(filepath.Join(configDir, "hooks.yaml")); err != nil {
			return fmt.Errorf("failed to save hooks: %w", err)
		}
		fmt.Printf("[meshd] Rule %q removed\n", args[0])
		return nil
	},
}

// ============================================================================
// meshd events
// ============================================================================

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Query and verify the event log",
}

var (
	eventsTailLimit    int
	eventsQueryAgent   string
	eventsQueryKind    string
	eventsQueryDecison string
)

func init() {
	eventsCmd.AddCommand(eventsTailCmd)
	eventsCmd.AddCommand(eventsVerifyCmd)
	eventsCmd.AddCommand(eventsExportCmd)

	eventsTailCmd.Flags().IntVarP(&eventsTailLimit, "limit", "n", 20, "Number of recent entries to show")
	eventsTailCmd.Flags().StringVar(&eventsQueryAgent, "agent", "", "Filter by agent ID")
	eventsTailCmd.Flags().StringVar(&eventsQueryKind, "kind", "", "Filter by entry kind")
	eventsTailCmd.Flags().StringVar(&eventsQueryDecison, "decision", "", "Filter by decision")
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent event log entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := eventlog.New(filepath.Join(configDir, "eventlog"))
		if err != nil {
			return fmt.Errorf("failed to open event log: %w", err)
		}
		defer log.Close()

		entries, err := log.Query(eventlog.QueryParams{
			Agent: eventsQueryAgent, Kind: eventsQueryKind, Decision: eventsQueryDecison, Limit: eventsTailLimit,
		})
		if err != nil {
			return fmt.Errorf("event log query failed: %w", err)
		}
		for _, e := range entries {
			printEventEntry(e)
		}
		return nil
	},
}

func printEventEntry(e eventlog.Entry) {
	fmt.Printf("[%s] agent=%-10s kind=%-12s subject=%-16s decision=%s\n",
		e.Timestamp, e.Agent, e.Kind, e.Subject, e.Decision)
}

var eventsVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the event log's hash chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := eventlog.New(filepath.Join(configDir, "eventlog"))
		if err != nil {
			return fmt.Errorf("failed to open event log: %w", err)
		}
		defer log.Close()

		result, err := log.VerifyChain()
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}
		if result.Valid {
			fmt.Printf("[meshd] Hash chain VALID (%d entries verified)\n", result.EntriesChecked)
			return nil
		}
		fmt.Printf("[meshd] Hash chain BROKEN at entry #%d\n", result.BrokenAt)
		fmt.Printf("  Expected hash: %s\n", result.ExpectedHash)
		fmt.Printf("  Actual hash:   %s\n", result.ActualHash)
		return fmt.Errorf("event log integrity violation detected")
	},
}

var eventsExportFormat string

var eventsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the event log",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := eventlog.New(filepath.Join(configDir, "eventlog"))
		if err != nil {
			return fmt.Errorf("failed to open event log: %w", err)
		}
		defer log.Close()
		return log.Export(os.Stdout, eventsExportFormat)
	},
}

func init() {
	eventsExportCmd.Flags().StringVar(&eventsExportFormat, "format", "jsonl", "Export format: csv, json, jsonl")
}

// ============================================================================
// meshd config
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and edit fabric configuration",
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Join(configDir, "config.yaml")
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("No config file found at %s\n", path)
				fmt.Println("Run 'meshd' for interactive setup, then 'meshd start'.")
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config in editor",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Join(configDir, "config.yaml")
		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = os.Getenv("VISUAL")
		}
		if editor == "" {
			if runtime.GOOS == "windows" {
				editor = "notepad"
			} else {
				editor = "vi"
			}
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := config.WriteDefault(path); err != nil {
				return fmt.Errorf("failed to create default config: %w", err)
			}
		}
		fmt.Printf("[meshd] Opening %s in %s...\n", path, editor)
		editorCmd := exec.Command(editor, path)
		editorCmd.Stdin = os.Stdin
		editorCmd.Stdout = os.Stdout
		editorCmd.Stderr = os.Stderr
		return editorCmd.Run()
	},
}

// ============================================================================
// meshd data — export/import/clear persisted state
// ============================================================================

var dataCmd = &cobra.Command{
	Use:   "data",
	Short: "Export, import, or clear persisted settings/agents/conversations",
}

func init() {
	dataCmd.AddCommand(dataExportCmd)
	dataCmd.AddCommand(dataImportCmd)
	dataCmd.AddCommand(dataClearCmd)
}

var dataExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export settings, agent records, and conversation history as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := persistence.New(filepath.Join(configDir, "state"))
		if err != nil {
			return fmt.Errorf("failed to open persistence layer: %w", err)
		}
		defer store.Close()

		data, err := store.ExportData()
		if err != nil {
			return fmt.Errorf("export failed: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

var dataImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Replace persisted state with a previously exported JSON bundle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}
		store, err := persistence.New(filepath.Join(configDir, "state"))
		if err != nil {
			return fmt.Errorf("failed to open persistence layer: %w", err)
		}
		defer store.Close()
		if err := store.ImportData(data); err != nil {
			return fmt.Errorf("import failed: %w", err)
		}
		fmt.Println("[meshd] Import complete")
		return nil
	},
}

var dataClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear all persisted settings, agent records, and conversation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := persistence.New(filepath.Join(configDir, "state"))
		if err != nil {
			return fmt.Errorf("failed to open persistence layer: %w", err)
		}
		defer store.Close()
		if err := store.ClearAll(); err != nil {
			return fmt.Errorf("clear failed: %w", err)
		}
		fmt.Println("[meshd] Persisted state cleared")
		return nil
	},
}

// ============================================================================
// First-run interactive setup
// ============================================================================

func runFirstTimeSetup(cmd *cobra.Command, args []string) error {
	fmt.Println("=== meshd — First-Time Setup ===")
	fmt.Println()

	configPath := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists at %s\n", configPath)
		fmt.Println("Use 'meshd start' to start the fabric.")
		fmt.Println("Use 'meshd config edit' to modify the configuration.")
		return nil
	}

	fmt.Printf("Creating config directory: %s\n", configDir)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	fmt.Println("Writing default config.yaml...")
	if err := config.WriteDefault(configPath); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}

	hooksPath := filepath.Join(configDir, "hooks.yaml")
	fmt.Println("Writing default hooks.yaml (builtin guardrails enabled)...")
	if err := hooks.WriteDefaultRules(hooksPath); err != nil {
		return fmt.Errorf("failed to write default hooks: %w", err)
	}

	fmt.Println()
	fmt.Println("Setup complete! Next steps:")
	fmt.Println()
	fmt.Println("  1. Add a provider API key:")
	fmt.Println("     meshd config edit   # set interceptor.apiKeys.anthropic")
	fmt.Println()
	fmt.Println("  2. Spawn an agent:")
	fmt.Println("     meshd agents spawn main --provider anthropic --model claude-sonnet-4-5-20250929")
	fmt.Println()
	fmt.Println("  3. Start the fabric:")
	fmt.Println("     meshd start")
	fmt.Println()
	fmt.Println("  4. View the dashboard:")
	fmt.Println("     http://127.0.0.1:3100/dashboard")
	fmt.Println()
	return nil
}
