package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/syncq/internal/api"
	"github.com/kalambet/syncq/internal/config"
	"github.com/kalambet/syncq/internal/connectivity"
	"github.com/kalambet/syncq/internal/notify"
	"github.com/kalambet/syncq/internal/storage"
	"github.com/kalambet/syncq/internal/syncer"
	"github.com/kalambet/syncq/internal/transport"
)

const shutdownTimeout = 5 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the syncq daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(cmd.Context(), withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running syncq daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "syncq.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// daemon is the wired set of components behind `syncq start`.
type daemon struct {
	store   *storage.Store
	events  *notify.Notifier
	online  *connectivity.Observer
	syncer  *syncer.Syncer
	handler http.Handler
	mcp     *server.MCPServer
}

func remoteTokenSource(context.Context) (string, error) {
	return config.RemoteToken()
}

func buildDaemon(cfg config.Config, store *storage.Store, apiToken string) *daemon {
	events := notify.New()
	online := connectivity.New(cfg.Connectivity.ProbeURL, cfg.Connectivity.ProbeInterval, events)
	client := transport.New(cfg.Sync.BaseURL, cfg.Sync.RequestTimeout, remoteTokenSource)
	sy := syncer.New(store, client, online, events, syncer.Config{
		MaxRetries: cfg.Sync.MaxRetries,
		BaseDelay:  cfg.Sync.BaseDelay,
		MaxDelay:   cfg.Sync.MaxDelay,
	})

	return &daemon{
		store:  store,
		events: events,
		online: online,
		syncer: sy,
		handler: api.NewAppHandler(api.AppDeps{
			Store:        store,
			Syncer:       sy,
			Connectivity: online,
			Events:       events,
			Token:        apiToken,
		}),
		mcp: api.NewMCPServer(api.MCPDeps{
			Store:        store,
			Syncer:       sy,
			Connectivity: online,
			Events:       events,
		}),
	}
}

func runServer(parent context.Context, withMCP bool) error {
	fmt.Fprintf(os.Stderr, "syncq version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := syncer.ValidateSchedule(cfg.Sync.Schedule); err != nil {
		return err
	}

	logCloser := setupLogging(cfg.Log)
	defer logCloser.Close()

	apiToken, err := config.GetAPIToken()
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	// Refuse to start twice on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("syncq is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("syncq is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStep("Opening queue in %s", cfg.Storage.DataDir)
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Nothing is in flight yet, so any processing lease is left over from a crash.
	if n, err := store.ReleaseProcessing(); err != nil {
		return fmt.Errorf("releasing stale leases: %w", err)
	} else if n > 0 {
		slog.Warn("released operations stranded in processing", "count", n)
	}

	d := buildDaemon(cfg, store, apiToken)

	unwatch := d.syncer.WatchConnectivity(ctx, d.online.Subscribe)
	defer unwatch()

	stopSchedule, err := d.syncer.StartSchedule(ctx, cfg.Sync.Schedule)
	if err != nil {
		return err
	}
	defer stopSchedule()

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}

	srv := &http.Server{
		Handler: d.handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "syncq listening on %s, delivering to %s\n", addr, cfg.Sync.BaseURL)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		d.online.Run(gctx)
		return nil
	})

	// Deliver whatever was queued while the daemon was down. A probing observer
	// stays offline until its first probe answers, so in that mode this is a
	// no-op and the reconnect watcher drains instead.
	g.Go(func() error {
		if _, err := d.syncer.DrainIfPending(gctx); err != nil && gctx.Err() == nil {
			slog.Error("startup drain failed", "error", err)
		}
		return nil
	})

	if withMCP {
		stdioSrv := server.NewStdioServer(d.mcp)
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("syncq is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop syncq (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to syncq (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	if cfg.Sync.BaseURL == "" {
		printStatus("Remote", "%s", colorize(colorYellow, "not configured (set sync.base_url)"))
	} else {
		printStatus("Remote", "%s", cfg.Sync.BaseURL)
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)

	client, err := newAPIClient()
	if err != nil {
		printStatus("Server", "unknown (%v)", err)
		return nil
	}

	st, err := fetchQueueStatus(ctx, client)
	if err != nil {
		printStatus("Server", "stopped")
		return nil
	}
	printStatus("Server", "running on port %d", cfg.Server.Port)
	printQueueStatus(st)
	return nil
}

func fetchQueueStatus(ctx context.Context, client *apiClient) (api.QueueStatus, error) {
	resp, err := client.get(ctx, "/queue")
	if err != nil {
		return api.QueueStatus{}, err
	}
	var st api.QueueStatus
	if err := decodeJSON(resp, &st); err != nil {
		return api.QueueStatus{}, err
	}
	return st, nil
}

func printQueueStatus(st api.QueueStatus) {
	if st.Online {
		printStatus("Connectivity", "%s", colorize(colorGreen, "online"))
	} else {
		printStatus("Connectivity", "%s", colorize(colorYellow, "offline"))
	}
	printStatus("Pending", "%d", st.Pending)
	if st.Processing > 0 {
		printStatus("Processing", "%d", st.Processing)
	}
	if st.Failed > 0 {
		printStatus("Failed", "%s", colorize(colorRed, strconv.Itoa(st.Failed)))
	} else {
		printStatus("Failed", "0")
	}
	switch {
	case st.Syncing:
		printStatus("Sync", "in progress")
	case st.LastSyncAt != nil:
		printStatus("Last sync", "%s", st.LastSyncAt.Local().Format(time.RFC3339))
	default:
		printStatus("Last sync", "never")
	}
}
