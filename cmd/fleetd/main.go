package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/fleetd/internal/bus"
	"github.com/basket/fleetd/internal/channels"
	"github.com/basket/fleetd/internal/conductor"
	"github.com/basket/fleetd/internal/config"
	"github.com/basket/fleetd/internal/governor"
	"github.com/basket/fleetd/internal/identity"
	otelPkg "github.com/basket/fleetd/internal/otel"
	"github.com/basket/fleetd/internal/registry"
	"github.com/basket/fleetd/internal/retry"
	"github.com/basket/fleetd/internal/saga"
	"github.com/basket/fleetd/internal/spawner"
	"github.com/basket/fleetd/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s [flags]                 Start the fleet daemon

FLAGS:
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  FLEETD_HOME             Data directory (default: ~/.fleetd)

Configuration lives at <home>/config.yaml; a missing file starts the daemon
with defaults. Tier limits reload live on config writes; everything else
requires a restart.
`)
}

func main() {
	configPath := flag.String("config", "", "config file path (default: ~/.fleetd/config.yaml)")
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println("fleetd", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "home", cfg.HomeDir)

	// OpenTelemetry is a no-op when disabled; the meter still hands out
	// working (inert) instruments.
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: "fleetd",
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	// Bus first so the store can publish transitions from day one.
	eventBus := bus.New()
	eventBus.OnDrop(func(string) { metrics.EventsDropped.Add(ctx, 1) })

	store, err := registry.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	govOpts := []governor.Option{governor.WithCacheTTL(cfg.CacheTTL())}
	if len(cfg.TierLimits) > 0 {
		govOpts = append(govOpts, governor.WithTierLimits(cfg.TierLimits))
	}
	gov := governor.New(store, logger, govOpts...)

	var docker spawner.ContainerAPI
	if spawner.Mode(cfg.Mode) == spawner.ModeContainer {
		docker, err = spawner.NewDockerAPI()
		if err != nil {
			fatalStartup(logger, "E_DOCKER_INIT", err)
		}
	}
	agents := spawner.New(spawnerConfig(cfg), spawner.ExecRunner{}, docker, logger)

	identities := identity.NewStaticService(operatorIdentities(cfg.Operators))

	retryEngine := retry.New(store, agents, eventBus, logger, retry.Config{
		BaseDelay:       cfg.BaseDelay(),
		MaxRetries:      cfg.Retry.MaxRetries,
		MaxPromptTokens: cfg.Retry.MaxPromptTokens,
	}, retry.WithIdentity(identities))

	spawnSaga := saga.New(store, gov, agents, eventBus, logger, cfg.Retry.MaxPromptTokens)

	engine, err := conductor.New(conductor.Options{
		Store:           store,
		Bus:             eventBus,
		Governor:        gov,
		Spawner:         agents,
		Retry:           retryEngine,
		Saga:            spawnSaga,
		Logger:          logger,
		Metrics:         metrics,
		MonitorInterval: cfg.MonitorInterval(),
		JanitorSchedule: cfg.Janitor.Schedule,
	})
	if err != nil {
		fatalStartup(logger, "E_CONDUCTOR_INIT", err)
	}

	if cfg.Telegram.Enabled {
		notifier, err := channels.NewTelegramNotifier(cfg.Telegram.Token, cfg.Telegram.ChatID, logger)
		if err != nil {
			// Notification is best-effort by contract; the fleet runs without it.
			logger.Warn("telegram notifier disabled", "error", err)
		} else {
			bus.Forward(ctx, eventBus, &channels.NotifierSink{Notifier: notifier}, logger)
			logger.Info("startup phase", "phase", "notifier_connected")
		}
	}

	watchConfigReloads(ctx, *configPath, engine, logger)

	if err := engine.Start(ctx); err != nil {
		fatalStartup(logger, "E_RECOVERY", err)
	}
	logger.Info("startup phase", "phase", "daemon_ready", "mode", cfg.Mode)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	engine.Shutdown()
}

// spawnerConfig maps the daemon config onto the spawner's.
func spawnerConfig(cfg *config.Config) spawner.Config {
	return spawner.Config{
		RepoPath:       cfg.RepoPath,
		WorktreeBase:   cfg.WorktreeBase,
		Mode:           spawner.Mode(cfg.Mode),
		InstallCommand: cfg.InstallCommand,
		HookFiles:      cfg.HookFiles,
		Secrets:        cfg.Secrets(),
		Container: spawner.ContainerConfig{
			Image:       cfg.Container.Image,
			MemoryMB:    cfg.Container.MemoryMB,
			NanoCPUs:    cfg.Container.NanoCPUs,
			NetworkMode: cfg.Container.Network,
			TmpfsSize:   cfg.Container.TmpfsSize,
			StopTimeout: cfg.Container.StopTimeoutSeconds,
		},
	}
}

// operatorIdentities converts configured operators into the static identity
// table.
func operatorIdentities(ops []config.OperatorConfig) []identity.Identity {
	out := make([]identity.Identity, 0, len(ops))
	for _, op := range ops {
		out = append(out, identity.Identity{
			OperatorID:    op.ID,
			DisplayName:   op.Name,
			AutonomyLevel: op.AutonomyLevel,
		})
	}
	return out
}

// watchConfigReloads pushes tier-limit changes from config writes into the
// governor. Any other changed setting takes effect on the next restart.
func watchConfigReloads(ctx context.Context, path string, engine *conductor.Engine, logger *slog.Logger) {
	watcher := config.NewWatcher(path, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
		return
	}
	go func() {
		for range watcher.Events() {
			fresh, err := config.Load(path)
			if err != nil {
				logger.Error("config reload rejected", "error", err)
				continue
			}
			engine.ReloadTierLimits(fresh.TierLimits)
			logger.Info("tier limits reloaded", "tiers", len(fresh.TierLimits))
		}
	}()
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
