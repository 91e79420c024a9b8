package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/freitascorp/browserclaw/pkg/config"
	"github.com/freitascorp/browserclaw/pkg/endpoint"
	"github.com/freitascorp/browserclaw/pkg/logger"
	"github.com/freitascorp/browserclaw/pkg/mcp"
	"github.com/freitascorp/browserclaw/pkg/ops"
	"github.com/freitascorp/browserclaw/pkg/relay"
	"github.com/freitascorp/browserclaw/pkg/tablock"
	"github.com/freitascorp/browserclaw/pkg/toolserver"
	"github.com/freitascorp/browserclaw/pkg/wire"
)

// ------------------------------------------------------------------
// Global flags
// ------------------------------------------------------------------

var (
	flagDebug bool
	flagJSON  bool
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newRoleLogger(cfg *config.Config, role string, toStderr bool) *logger.Logger {
	opts := logger.Options{
		Role:     role,
		Dir:      cfg.LogsDir(),
		Level:    cfg.SlogLevel(),
		ToStderr: toStderr,
	}
	if flagDebug {
		opts.Level = slog.LevelDebug
	}
	return logger.New(opts)
}

// signalContext is the lifetime of a foreground process: cancelled on
// SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// ------------------------------------------------------------------
// Root command
// ------------------------------------------------------------------

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "browserclaw",
		Short: "browserclaw — multi-client browser automation over a loopback relay",
		Long: `browserclaw relays automation commands between tool-servers and a single
browser endpoint over a well-known loopback port. Any participant can host
the relay; the port election decides who does.

Typical deployment: one "endpoint" process attached to a browser, plus one
"serve" process per agent exposing the tool surface on stdio.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "Enable debug logging")
	root.PersistentFlags().BoolVar(&flagJSON, "json", false, "Output in JSON format")

	root.AddCommand(
		newServeCmd(),
		newEndpointCmd(),
		newRelayCmd(),
		newOpsCmd(),
		newHealthCmd(),
		newVersionCmd(),
	)
	return root
}

// ------------------------------------------------------------------
// serve - tool-server on stdio
// ------------------------------------------------------------------

func newServeCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a tool-server: relay client plus stdio tool surface",
		Long: `Runs a tool-server process. Tool calls arrive as JSON-RPC on stdin,
commands are dispatched to the endpoint over the relay, and operation
progress streams back as notifications. Exits when stdin closes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(name)
		},
	}
	cmd.Flags().StringVar(&name, "name", "browserclaw-tools", "Client name on the relay roster")
	return cmd
}

func runServe(name string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// stdout carries the protocol, so logs go to file only.
	log := newRoleLogger(cfg, "tool-server", false)
	defer log.Close()

	archive, err := ops.OpenArchive(cfg.ArchivePath())
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer archive.Close()

	manager := ops.NewManager(ops.ManagerConfig{
		Dir:             cfg.OperationsDir(),
		DefaultDeadline: cfg.OperationTimeout,
	}, archive, log.Logger.With("component", "ops"))
	if err := manager.Recover(); err != nil {
		log.Warn("operation recovery incomplete", "error", err)
	}

	mcpServer := mcp.NewServer(name, formatVersion(), os.Stdin, os.Stdout,
		log.Logger.With("component", "mcp"))
	server := toolserver.New(toolserver.Config{
		Port:           cfg.Port,
		Name:           name,
		Version:        formatVersion(),
		PID:            os.Getpid(),
		DefaultTimeout: cfg.OperationTimeout,
	}, manager, mcpServer, log)

	ctx, stop := signalContext()
	defer stop()

	go func() {
		if err := server.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("relay client stopped", "error", err)
		}
	}()

	log.Info("tool-server up", "port", cfg.Port, "name", name)
	err = mcpServer.Serve(ctx)
	stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ------------------------------------------------------------------
// endpoint - browser gateway
// ------------------------------------------------------------------

func newEndpointCmd() *cobra.Command {
	var (
		controlURL string
		headless   bool
		name       string
	)
	cmd := &cobra.Command{
		Use:   "endpoint",
		Short: "Run the browser endpoint: launches or attaches to a browser",
		Long: `Runs the endpoint process. With --control-url it attaches to an already
running browser's DevTools socket; otherwise it launches its own. Only one
endpoint is admitted to the relay at a time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEndpoint(controlURL, headless, name)
		},
	}
	cmd.Flags().StringVar(&controlURL, "control-url", "", "DevTools URL of a running browser (launches one if empty)")
	cmd.Flags().BoolVar(&headless, "headless", true, "Launch the browser headless")
	cmd.Flags().StringVar(&name, "name", "browserclaw-endpoint", "Client name on the relay roster")
	return cmd
}

func runEndpoint(controlURL string, headless bool, name string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newRoleLogger(cfg, "endpoint", true)
	defer log.Close()

	driver, err := endpoint.NewRodDriver(endpoint.RodConfig{
		ControlURL: controlURL,
		Headless:   headless,
	}, log.Logger.With("component", "driver"))
	if err != nil {
		return err
	}
	defer driver.Close()

	// The lock manager calls back into the worker on hold expiry; the
	// worker does not exist yet, hence the late-bound variable.
	var worker *endpoint.Worker
	locks := tablock.NewManager(0, func(tabID int, operationID string) {
		if worker != nil {
			worker.FailOperation(operationID, wire.ErrLockExpired,
				fmt.Sprintf("lock on tab %d exceeded max hold", tabID))
		}
	}, log.Logger.With("component", "tablock"))

	registry := endpoint.NewRegistry(driver, locks, 0, log.Logger.With("component", "registry"))
	holder := endpoint.NewHolder(endpoint.HolderConfig{
		Port:    cfg.Port,
		Name:    name,
		Version: formatVersion(),
	}, log.Logger)
	worker = endpoint.NewWorker(endpoint.WorkerConfig{
		LogsDir: cfg.LogsDir(),
	}, holder, driver, registry, log)

	ctx, stop := signalContext()
	defer stop()

	go func() {
		if err := holder.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("relay connection stopped", "error", err)
		}
	}()

	log.Info("endpoint up", "port", cfg.Port, "headless", headless,
		"attached", controlURL != "")
	worker.Run(ctx, holder)
	return nil
}

// ------------------------------------------------------------------
// relay - dedicated router
// ------------------------------------------------------------------

func newRelayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Run a dedicated relay router on the well-known port",
		Long: `Runs a standalone relay router. Normally unnecessary: endpoint and
tool-server processes elect a host among themselves. A dedicated router is
useful when client processes come and go frequently.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay()
		},
	}
}

func runRelay() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newRoleLogger(cfg, "relay", true)
	defer log.Close()

	router := relay.NewRouter(relay.RouterConfig{Port: cfg.Port}, log.Logger)
	if err := router.Bind(); err != nil {
		if errors.Is(err, relay.ErrPortTaken) {
			return fmt.Errorf("port %d is already bound; another relay is running", cfg.Port)
		}
		return err
	}
	fmt.Printf("relay %s listening on 127.0.0.1:%d\n", router.ID(), cfg.Port)

	ctx, stop := signalContext()
	defer stop()
	return router.Serve(ctx)
}

// ------------------------------------------------------------------
// ops - operation history
// ------------------------------------------------------------------

func newOpsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ops",
		Short: "Inspect and prune operation history",
	}
	cmd.AddCommand(newOpsListCmd(), newOpsShowCmd(), newOpsPurgeCmd())
	return cmd
}

func newOpsListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archived operations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			archive, err := ops.OpenArchive(cfg.ArchivePath())
			if err != nil {
				return fmt.Errorf("open archive: %w", err)
			}
			defer archive.Close()

			records, err := archive.List(limit)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(records)
			}
			if len(records) == 0 {
				fmt.Println("no operations archived")
				return nil
			}
			fmt.Printf("%-45s %-10s %-22s %-4s %s\n", "ID", "STATUS", "COMMAND", "TAB", "CREATED")
			for _, op := range records {
				fmt.Printf("%-45s %-10s %-22s %-4d %s\n",
					op.ID, op.Status, op.Command, op.TabID,
					op.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows to show")
	return cmd
}

func newOpsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <operation-id>",
		Short: "Show one operation with its milestones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			id := args[0]

			archive, err := ops.OpenArchive(cfg.ArchivePath())
			if err != nil {
				return fmt.Errorf("open archive: %w", err)
			}
			defer archive.Close()

			if op, err := archive.Get(id); err == nil {
				return printJSON(op)
			}

			// Not archived yet: a live process may have left a snapshot.
			data, err := os.ReadFile(filepath.Join(cfg.OperationsDir(), id+".json"))
			if err != nil {
				return fmt.Errorf("no operation %s", id)
			}
			var op ops.Operation
			if err := json.Unmarshal(data, &op); err != nil {
				return fmt.Errorf("corrupt snapshot for %s: %w", id, err)
			}
			return printJSON(op)
		},
	}
}

func newOpsPurgeCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove archived operations and stale snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cutoff := time.Now().Add(-olderThan)

			archive, err := ops.OpenArchive(cfg.ArchivePath())
			if err != nil {
				return fmt.Errorf("open archive: %w", err)
			}
			defer archive.Close()

			pruned, err := archive.Prune(cutoff)
			if err != nil {
				return err
			}

			removed := purgeSnapshots(cfg.OperationsDir(), cutoff)
			fmt.Printf("purged %d archived operations, %d stale snapshots\n", pruned, removed)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "Purge operations older than this")
	return cmd
}

// purgeSnapshots removes snapshot files last touched before the cutoff.
// Live processes purge their own snapshots; this only catches leftovers
// from processes that died.
func purgeSnapshots(dir string, cutoff time.Time) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if os.Remove(filepath.Join(dir, entry.Name())) == nil {
			removed++
		}
	}
	return removed
}

// ------------------------------------------------------------------
// health - ask the live relay for its view
// ------------------------------------------------------------------

func newHealthCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Report relay and client connection health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Give up after this long")
	return cmd
}

func runHealth(timeout time.Duration) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newRoleLogger(cfg, "admin", false)
	defer log.Close()

	// Admin clients observe only: no election, no frame handling.
	client := relay.NewClient(relay.ClientConfig{
		Port: cfg.Port,
		Identity: wire.Identify{
			Type:    wire.ClientAdmin,
			Name:    "browserclaw-health",
			Version: formatVersion(),
			PID:     os.Getpid(),
		},
	}, func(wire.Frame) {}, log.Logger)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	go client.Run(ctx)

	for !client.Connected() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("no relay reachable on 127.0.0.1:%d", cfg.Port)
		case <-time.After(50 * time.Millisecond):
		}
	}

	frame := wire.MustNew(wire.FrameHealthReport, "", "relay", uuid.NewString(), nil)
	resp, err := client.Request(ctx, frame)
	if err != nil {
		return fmt.Errorf("health report: %w", err)
	}
	var report wire.HealthReport
	if err := resp.Decode(&report); err != nil {
		return err
	}

	if flagJSON {
		return printJSON(report)
	}
	fmt.Printf("relay %s: %s\n", report.RouterID, report.Router.State)
	for _, ch := range report.Clients {
		fmt.Printf("  %-28s %-12s %-10s idle %.0fs  sent %d  recv %d\n",
			ch.Client.ID, ch.Client.Type, ch.Health.State,
			ch.Health.IdleSeconds, ch.Health.FramesSent, ch.Health.FramesReceived)
	}
	return nil
}

// ------------------------------------------------------------------
// version
// ------------------------------------------------------------------

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion()
		},
	}
}

// ------------------------------------------------------------------
// helpers
// ------------------------------------------------------------------

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
