package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/burstgate/internal/bus"
	"github.com/nextlevelbuilder/burstgate/internal/config"
	"github.com/nextlevelbuilder/burstgate/internal/debounce"
	"github.com/nextlevelbuilder/burstgate/internal/gateway"
	"github.com/nextlevelbuilder/burstgate/internal/store"
	"github.com/nextlevelbuilder/burstgate/internal/store/memory"
	"github.com/nextlevelbuilder/burstgate/internal/store/pg"
	"github.com/nextlevelbuilder/burstgate/internal/store/redis"
	"github.com/nextlevelbuilder/burstgate/internal/store/sqlite"
	"github.com/nextlevelbuilder/burstgate/internal/tracing"
	"github.com/nextlevelbuilder/burstgate/internal/upgrade"
	"github.com/nextlevelbuilder/burstgate/internal/webhook"
	"github.com/nextlevelbuilder/burstgate/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the debounce gateway (default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(true); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
	}

	bufStore, err := openBufferStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open buffer store", "backend", cfg.Buffer.Backend, "error", err)
		os.Exit(1)
	}

	hook := webhook.New(cfg.Webhook.URL, webhookOptions(cfg.Webhook)...)

	msgBus := bus.New()
	sched := debounce.New(debounce.Config{
		Quiet:        cfg.Debounce.Quiet(),
		FlushTimeout: cfg.Debounce.FlushTimeout(),
		FlushOnStop:  cfg.Debounce.ShouldFlushOnShutdown(),
	}, bufStore, hook, debounce.WithEventPublisher(msgBus))

	var pinger store.Pinger
	if p, ok := bufStore.(store.Pinger); ok {
		pinger = p
	}
	server := gateway.NewServer(cfg, msgBus, sched, cfg.Buffer.Backend, pinger)

	// Runs once ingress is closed and before /ws clients are dropped, so
	// watchers see the final flushes.
	stopScheduler := func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Debounce.FlushTimeout()+5*time.Second)
		defer stopCancel()
		if err := sched.Stop(stopCtx); err != nil {
			slog.Warn("debounce stop incomplete", "error", err)
		}
	}
	server.SetDrainHook(stopScheduler)

	slog.Info("burstgate starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"backend", cfg.Buffer.Backend,
		"quiet", sched.Quiet(),
		"webhook", hook.URL(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	if lister, ok := bufStore.(store.KeyLister); ok {
		g.Go(func() error {
			if _, err := sched.Recover(gctx, lister); err != nil && !errors.Is(err, debounce.ErrStopped) {
				slog.Warn("failed to recover pending buffers", "error", err)
			}
			return nil
		})
	}
	configPath := resolveConfigPath()
	g.Go(func() error {
		w := config.NewWatcher(configPath,
			func(next *config.Config) error { return next.Validate(true) },
			func(next *config.Config) { applyReload(cfg, next, hook, server) },
		)
		if err := w.Run(gctx); err != nil {
			slog.Warn("config hot reload disabled", "error", err)
		}
		return nil
	})

	serveErr := g.Wait()
	if serveErr != nil {
		slog.Error("gateway error", "error", serveErr)
	} else {
		slog.Info("graceful shutdown complete")
	}

	// No-op when the drain hook already ran; covers a failed listen.
	stopScheduler()
	if err := bufStore.Close(); err != nil {
		slog.Warn("buffer store close failed", "error", err)
	}
	if shutdownTracing != nil {
		tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
		shutdownTracing(tctx)
		tcancel()
	}

	if serveErr != nil {
		os.Exit(1)
	}
}

func webhookOptions(wc config.WebhookConfig) []webhook.Option {
	return []webhook.Option{
		webhook.WithToken(wc.Token),
		webhook.WithHeaders(wc.Headers),
		webhook.WithTimeout(wc.Timeout()),
	}
}

// applyReload pushes hot settings from a changed config file into the running
// components. Everything else needs a restart.
func applyReload(cfg, next *config.Config, hook *webhook.Client, server *gateway.Server) {
	if restart := cfg.ApplyReload(next); len(restart) > 0 {
		slog.Warn("config.restart_required", "settings", restart)
	}
	hot := cfg.Hot()
	hook.Reconfigure(hot.Webhook.URL, webhookOptions(hot.Webhook)...)
	server.ApplyIngressLimits(hot.MaxMessageChars, hot.RateLimitRPM)
}

func storeConfig(cfg *config.Config) store.StoreConfig {
	return store.StoreConfig{
		Backend:       cfg.Buffer.Backend,
		KeyPrefix:     cfg.Buffer.KeyPrefix,
		RedisAddr:     cfg.Buffer.Redis.Addr(),
		RedisPassword: cfg.Buffer.Redis.Password,
		RedisDB:       cfg.Buffer.Redis.DB,
		PostgresDSN:   cfg.Buffer.PostgresDSN,
		SQLitePath:    cfg.Buffer.SQLitePath,
	}
}

// openBufferStore creates the configured backend. For postgres the schema must be
// current, or BURSTGATE_AUTO_MIGRATE=true must be set to bring it up to date.
func openBufferStore(ctx context.Context, cfg *config.Config) (store.BufferStore, error) {
	sc := storeConfig(cfg)
	switch sc.Backend {
	case store.BackendMemory:
		slog.Warn("memory buffer backend: pending messages are lost on restart")
		return memory.NewBufferStore(), nil

	case store.BackendRedis:
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		s, err := redis.Open(dialCtx, sc)
		if err != nil {
			return nil, err
		}
		return s, nil

	case store.BackendSQLite:
		s, err := sqlite.NewBufferStoreFromConfig(ctx, sc)
		if err != nil {
			return nil, err
		}
		return s, nil

	case store.BackendPostgres:
		s, err := pg.NewPGBufferStoreFromConfig(sc)
		if err != nil {
			return nil, err
		}
		if err := ensureSchema(ctx, s, sc.PostgresDSN); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown buffer backend %q", sc.Backend)
}

func ensureSchema(ctx context.Context, s *pg.PGBufferStore, dsn string) error {
	status, err := upgrade.CheckSchema(ctx, s.DB())
	if err != nil {
		return fmt.Errorf("check schema: %w", err)
	}
	if status.Compatible {
		return nil
	}
	if status.NeedsMigration && !status.Dirty && os.Getenv("BURSTGATE_AUTO_MIGRATE") == "true" {
		slog.Info("schema outdated, migrating", "current", status.CurrentVersion, "required", status.RequiredVersion)
		return runMigrateUp(dsn)
	}
	fmt.Fprint(os.Stderr, upgrade.FormatError(status))
	return fmt.Errorf("%w: schema v%d, required v%d", status.Err(), status.CurrentVersion, status.RequiredVersion)
}
