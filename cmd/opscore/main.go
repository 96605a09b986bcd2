// Command opscore runs the operations orchestration daemon: task lifecycle,
// swarm coordination, failure recovery, and the tool permission bridge,
// exposed over a local HTTP/WebSocket gateway.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/kitz-os/opscore/internal/audit"
	"github.com/kitz-os/opscore/internal/bus"
	"github.com/kitz-os/opscore/internal/config"
	"github.com/kitz-os/opscore/internal/cron"
	"github.com/kitz-os/opscore/internal/gateway"
	"github.com/kitz-os/opscore/internal/guardian"
	"github.com/kitz-os/opscore/internal/lifecycle"
	otelpkg "github.com/kitz-os/opscore/internal/otel"
	"github.com/kitz-os/opscore/internal/permission"
	"github.com/kitz-os/opscore/internal/persistence"
	"github.com/kitz-os/opscore/internal/swarm"
	"github.com/kitz-os/opscore/internal/team"
	"github.com/kitz-os/opscore/internal/telemetry"
	"github.com/kitz-os/opscore/internal/toolreg"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                      Start the daemon
  %s status               Query a running daemon (/healthz)
  %s version              Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  OPSCORE_HOME            Data directory (default: ~/.opscore)
  OPSCORE_BIND_ADDR       Gateway bind address (default: 127.0.0.1:8799)
  OPSCORE_TOKEN           Bearer token for the gateway API
`)
}

func main() {
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "version":
			fmt.Println("opscore", Version)
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	if err := run(ctx, *quiet); err != nil {
		fmt.Fprintln(os.Stderr, "opscore:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, quiet bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Pipe-friendly: suppress stdout logs when not attached to a terminal.
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		quiet = true
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("opscore starting", "version", Version, "home", cfg.HomeDir)

	provider, err := otelpkg.Init(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelpkg.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		return fmt.Errorf("init audit log: %w", err)
	}
	defer audit.Close()

	var store *persistence.Store
	if cfg.Persistence.Enabled {
		store, err = persistence.Open(cfg.HomeDir, logger)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()
		audit.SetDB(store.DB())
	}

	eventBus := bus.New()

	teams, err := team.Load(cfg.TeamsFile)
	if err != nil {
		return fmt.Errorf("load teams: %w", err)
	}
	logger.Info("team registry loaded", "teams", teams.Len())

	tools := toolreg.New()
	bridge := permission.NewBridge(tools, logger, metrics)

	grd := guardian.New(guardian.Config{
		Bus:    eventBus,
		Logger: logger,
		Router: &guardian.TeamRouter{
			Teams:  teams,
			Bus:    eventBus,
			Logger: logger,
		},
		Escalator: &guardian.TeamEscalator{
			Teams:  teams,
			Bus:    eventBus,
			Logger: logger,
		},
		Snapshotter: guardianSnapshotter(store),
		Metrics:     metrics,
	})

	manager := lifecycle.NewManager(lifecycle.Config{
		Bus:         eventBus,
		Logger:      logger,
		Deliverer:   &busDeliverer{bus: eventBus, logger: logger},
		Snapshotter: taskSnapshotter(store),
		Metrics:     metrics,
	})

	if store != nil {
		rehydrate(ctx, logger, store, manager, grd)
	}

	registerBuiltinTools(tools, manager, teams)

	coordinator := swarm.New(swarm.Config{
		Teams:              teams,
		Handler:            &toolRuntime{bridge: bridge},
		Bus:                eventBus,
		Logger:             logger,
		Reporter:           grd,
		Metrics:            metrics,
		DefaultConcurrency: cfg.Swarm.Concurrency,
		DefaultTimeout:     time.Duration(cfg.Swarm.AgentTimeoutSeconds) * time.Second,
	})

	scheduler := cron.NewScheduler(cron.Config{
		Logger:   logger,
		Interval: time.Duration(cfg.Cron.TickSeconds) * time.Second,
	})
	if err := registerJobs(scheduler, cfg.Cron, manager, grd, eventBus, logger); err != nil {
		return err
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go consumeReloads(ctx, watcher, teams, cfg, logger)
	}

	server := gateway.New(gateway.Config{
		Lifecycle: manager,
		Guardian:  grd,
		Swarm:     coordinator,
		Bridge:    bridge,
		Teams:     teams,
		Bus:       eventBus,
		Logger:    logger,
		Tracer:    provider.Tracer,
		Metrics:   metrics,
		AuthToken: cfg.Gateway.AuthToken,
	})

	httpServer := &http.Server{
		Addr:              cfg.Gateway.BindAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.Gateway.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// guardianSnapshotter adapts a possibly-nil store to the guardian interface.
func guardianSnapshotter(store *persistence.Store) guardian.Snapshotter {
	if store == nil {
		return nil
	}
	return store
}

func taskSnapshotter(store *persistence.Store) lifecycle.Snapshotter {
	if store == nil {
		return nil
	}
	return store
}

func rehydrate(ctx context.Context, logger *slog.Logger, store *persistence.Store, manager *lifecycle.Manager, grd *guardian.Guardian) {
	tasks, err := store.LoadTasks(ctx)
	if err != nil {
		logger.Warn("task rehydration failed", "error", err)
	} else if len(tasks) > 0 {
		manager.Load(tasks)
		logger.Info("rehydrated tasks", "count", len(tasks))
	}
	entries, err := store.LoadRetryEntries(ctx)
	if err != nil {
		logger.Warn("retry queue rehydration failed", "error", err)
	} else if len(entries) > 0 {
		grd.Load(entries)
		logger.Info("rehydrated retry queue", "count", len(entries))
	}
}

func registerJobs(scheduler *cron.Scheduler, cfg config.CronConfig, manager *lifecycle.Manager, grd *guardian.Guardian, eventBus *bus.Bus, logger *slog.Logger) error {
	if err := scheduler.AddJob("task-ttl-purge", cfg.PurgeExpr, func(_ context.Context) error {
		manager.Purge()
		return nil
	}); err != nil {
		return err
	}
	if err := scheduler.AddJob("sla-reminders", cfg.SLARemindExpr, func(_ context.Context) error {
		for _, task := range manager.TasksNearingSLA() {
			eventBus.Publish(bus.TopicTaskNearingSLA, bus.TaskStateChangedEvent{
				TaskID:    task.ID,
				UserID:    task.UserID,
				NewStatus: string(task.Status),
			})
		}
		return nil
	}); err != nil {
		return err
	}
	if err := scheduler.AddJob("retry-sweep", cfg.RetrySweep, func(ctx context.Context) error {
		grd.Sweep(ctx, func(_ context.Context, e guardian.Entry) error {
			// Re-dispatch to the origin agent; the attached runtime picks
			// the handoff up from the bus.
			eventBus.Publish(bus.TopicSwarmHandoff, bus.SwarmProgressEvent{
				Team:    e.Team,
				Agent:   e.Agent,
				Message: fmt.Sprintf("Retry %d for task %s: %s", e.Attempts, e.TaskID, e.Reason),
			})
			return nil
		})
		return nil
	}); err != nil {
		return err
	}
	logger.Info("maintenance jobs registered",
		"purge", cfg.PurgeExpr, "sla_remind", cfg.SLARemindExpr, "retry_sweep", cfg.RetrySweep)
	return nil
}

func consumeReloads(ctx context.Context, watcher *config.Watcher, teams *team.Registry, cfg config.Config, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}
			if strings.HasSuffix(ev.Path, "teams.yaml") {
				if err := teams.Reload(cfg.TeamsFile); err != nil {
					logger.Error("teams reload failed", "error", err)
					continue
				}
				logger.Info("team registry reloaded", "teams", teams.Len())
			} else {
				logger.Info("config changed, restart to apply", "path", ev.Path)
			}
		}
	}
}

func runStatusCommand(ctx context.Context) int {
	addr := os.Getenv("OPSCORE_BIND_ADDR")
	if addr == "" {
		addr = "127.0.0.1:8799"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/healthz", nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "status:", err)
		return 1
	}
	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "daemon not reachable:", err)
		return 1
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
	} else {
		fmt.Println(string(body))
	}
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
