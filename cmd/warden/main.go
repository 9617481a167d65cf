package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/warden/internal/audit"
	"github.com/basket/warden/internal/broker"
	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/config"
	"github.com/basket/warden/internal/dispatch"
	"github.com/basket/warden/internal/ipc"
	"github.com/basket/warden/internal/kernel"
	"github.com/basket/warden/internal/maintenance"
	otelPkg "github.com/basket/warden/internal/otel"
	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/policy"
	"github.com/basket/warden/internal/provider"
	"github.com/basket/warden/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE:
  %s -daemon                  Run the governance daemon in the foreground

SUBCOMMANDS:
  %s status                   Show store counters and audit totals
  %s task <action>            Task operations: create, list, transition,
                              approve, override, audit
  %s grant <action>           Grant operations: add, list, revoke
  %s backup [-dir <dir>]      Back up the store with a manifest
  %s restore -dir <dir>       Restore the store from a backup directory

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  WARDEN_HOME             Data directory (default: ~/.warden)

EXAMPLES:
  Run the daemon:         %s -daemon
  Create a task:          %s task create -title "Rotate keys" -scope COMPANY
  Back up the store:      %s backup
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	daemon := flag.Bool("daemon", false, "run the governance daemon")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 && !*daemon {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "task":
			os.Exit(runTaskCommand(ctx, args[1:]))
		case "grant":
			os.Exit(runGrantCommand(ctx, args[1:]))
		case "backup":
			os.Exit(runBackupCommand(ctx, args[1:]))
		case "restore":
			os.Exit(runRestoreCommand(args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	if !*daemon {
		printUsage()
		os.Exit(2)
	}
	os.Exit(runDaemon(ctx))
}

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("startup failed", "code", code, "error", err)
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", code, err)
	os.Exit(1)
}

func runDaemon(ctx context.Context) int {
	cfg, err := config.Load(config.DefaultHomeDir())
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		fatalStartup(nil, "E_HOME_DIR", err)
	}

	// Audit first so logger failures are themselves auditable.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.MetricsEnabled,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	// Transition counts come off the bus so the kernel stays metrics-free.
	transitionsSub := eventBus.Subscribe(bus.TopicTaskStateChanged)
	defer eventBus.Unsubscribe(transitionsSub)
	go func() {
		for ev := range transitionsSub.Ch() {
			if changed, ok := ev.Payload.(bus.TaskStateChangedEvent); ok {
				metrics.Transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("group", changed.Group)))
			}
		}
	}()

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetStore(store)
	logger.Info("startup phase", "phase", "schema_ready", "db", cfg.DBPath)

	gates, err := policy.NewGateTable(cfg.Gates, cfg.AdminGroup)
	if err != nil {
		fatalStartup(logger, "E_POLICY_INIT", err)
	}
	logger.Info("policy loaded", "policy_version", gates.Version(), "gates", len(cfg.Gates))

	registry := provider.NewRegistry()
	if err := registry.LoadDir(cfg.Broker.ProviderDir); err != nil {
		fatalStartup(logger, "E_PROVIDER_LOAD", err)
	}
	logger.Info("provider catalog loaded", "dir", cfg.Broker.ProviderDir, "actions", len(registry.Actions()))

	kern := kernel.New(kernel.Config{
		Store:          store,
		Gates:          gates,
		Bus:            eventBus,
		Logger:         logger,
		StrictEvidence: cfg.StrictEvidence,
	})

	brk := broker.New(broker.Config{
		Store:            store,
		Registry:         registry,
		Invoker:          provider.NewExecInvoker(registry, logger, 0),
		Gates:            gates,
		SecretFor:        cfg.GroupSecret,
		MaxInFlightCalls: cfg.Broker.MaxInFlightCalls,
		Logger:           logger,
		Bus:              eventBus,
		Metrics:          metrics,
	})

	loop := dispatch.NewLoop(dispatch.Config{
		Kernel:       kern,
		Store:        store,
		Spawner:      newQueueSpawner(store, logger),
		Logger:       logger,
		Bus:          eventBus,
		Metrics:      metrics,
		Interval:     time.Duration(cfg.Dispatch.IntervalSeconds) * time.Second,
		WIPLimit:     cfg.Dispatch.WIPLimit,
		WIPOverrides: cfg.Dispatch.WIPOverrides,
	})
	loop.Start(ctx)
	defer loop.Stop()

	consumer := ipc.NewConsumer(ipc.Config{
		Store:  store,
		Kernel: kern,
		Broker: brk,
		Logger: logger,
	})
	consumer.Start(ctx)
	defer consumer.Stop()

	runner, err := maintenance.NewRunner(maintenance.Config{
		Store:                store,
		Logger:               logger,
		RetentionCron:        cfg.Maintenance.RetentionCron,
		ExtCallRetentionDays: cfg.Maintenance.ExtCallRetentionDays,
		BackupCron:           cfg.Maintenance.BackupCron,
		BackupDir:            cfg.Maintenance.BackupDir,
		PolicyVersion:        gates.Version(),
		SecretNames:          cfg.SecretNames(),
	})
	if err != nil {
		fatalStartup(logger, "E_MAINTENANCE_INIT", err)
	}
	runner.Start(ctx)
	defer runner.Stop()

	// Config hot reload: provider catalog changes apply live. Gate table
	// changes need a restart since the table is shared by reference.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				if err := registry.LoadDir(cfg.Broker.ProviderDir); err != nil {
					logger.Error("provider catalog reload failed", "error", err)
					continue
				}
				logger.Info("provider catalog reloaded", "actions", len(registry.Actions()))
			}
		}()
	}

	logger.Info("warden running", "home", cfg.HomeDir)
	<-ctx.Done()
	logger.Info("shutting down", "audit_denials", audit.DenyCount())
	return 0
}
