package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/mtzanidakis/indexswap/internal/browser"
	"github.com/mtzanidakis/indexswap/internal/config"
	"github.com/mtzanidakis/indexswap/internal/container"
	"github.com/mtzanidakis/indexswap/internal/metrics"
	"github.com/mtzanidakis/indexswap/internal/natsbus"
	"github.com/mtzanidakis/indexswap/internal/portal"
	"github.com/mtzanidakis/indexswap/internal/schedule"
	"github.com/mtzanidakis/indexswap/internal/scheduler"
	"github.com/mtzanidakis/indexswap/internal/store"
	"github.com/mtzanidakis/indexswap/internal/swap"
	"github.com/mtzanidakis/indexswap/internal/telegram"
	"github.com/mtzanidakis/indexswap/internal/vault"
	"github.com/mtzanidakis/indexswap/internal/web"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the swap service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return runServe(cfg)
		},
	}
}

func runServe(cfg *config.Config) error {
	slog.Info("starting indexswap", "version", version, "backend", cfg.Browser.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	v, err := vault.New(cfg.Vault.Secret)
	if err != nil {
		return fmt.Errorf("init vault: %w", err)
	}

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	client, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("init nats client: %w", err)
	}
	defer client.Close()
	slog.Info("nats started", "port", cfg.NATS.Port)

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New()
	if err := m.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	// Browser runtime and backend
	rt, err := browser.StartRuntime(cfg.Browser)
	if err != nil {
		return fmt.Errorf("init playwright: %w", err)
	}
	defer func() {
		if err := rt.Stop(); err != nil {
			slog.Warn("failed to stop playwright", "error", err)
		}
	}()

	timeouts := browser.PageTimeouts{Element: cfg.Portal.ElementTimeout, Navigation: cfg.Portal.PageLoadTimeout}
	var launcher browser.Launcher = &browser.LocalLauncher{Runtime: rt, Timeouts: timeouts}
	if cfg.Browser.Backend == "docker" {
		ctrMgr, err := container.NewManager(rt, cfg.Browser.Docker, timeouts)
		if err != nil {
			return fmt.Errorf("init container manager: %w", err)
		}
		if err := ctrMgr.Prepare(ctx); err != nil {
			return fmt.Errorf("prepare browser containers: %w", err)
		}
		defer ctrMgr.StopAll()
		if err := metrics.TrackContainers(reg, ctrMgr.ActiveCount); err != nil {
			return fmt.Errorf("register container gauge: %w", err)
		}
		launcher = ctrMgr
	}

	drivers := browser.NewManager(launcher, cfg.Browser.SweepInterval, cfg.Browser.ProbeTimeout)
	drivers.OnEvict = func(string) { m.Evicted() }
	defer drivers.CloseAll()
	if err := metrics.TrackHandles(reg, drivers.Count); err != nil {
		return fmt.Errorf("register handle gauge: %w", err)
	}
	go drivers.StartSweeper(ctx)

	// Portal automation
	window, err := schedule.NewWindow(cfg.Portal.OpenHours, cfg.Portal.Timezone)
	if err != nil {
		return fmt.Errorf("portal open hours: %w", err)
	}
	automator := portal.New(cfg.Portal)
	automator.Observe = func(o portal.Outcome) { m.Attempt(o.Label()) }

	// Swap orchestrator
	orch, err := swap.New(db, v, drivers, automator, swap.Options{
		PassInterval: cfg.Swap.PassInterval,
		TimeBudget:   cfg.Swap.TimeBudget,
		MaxSessions:  cfg.Swap.MaxSessions,
		StopGrace:    cfg.Swap.StopGrace,
		Window:       window,
		Events:       natsbus.NewPublisher(client),
		Metrics:      m,
	})
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}
	if n, err := orch.MarkOrphans(ctx); err != nil {
		slog.Warn("failed to mark interrupted swaps", "error", err)
	} else if n > 0 {
		slog.Info("marked interrupted swaps", "count", n)
	}
	slog.Info("portal window", "hours", window.Describe())

	// Expired session purge
	sched := scheduler.New(db, orch, cfg.Store.PurgeInterval)
	go sched.Start(ctx)

	// Telegram notifier
	if cfg.Telegram.Token != "" {
		notifier, err := telegram.New(cfg.Telegram, orch.Running)
		if err != nil {
			return fmt.Errorf("init telegram notifier: %w", err)
		}
		if err := notifier.Subscribe(client); err != nil {
			return err
		}
		defer notifier.Stop()
		go func() {
			if err := notifier.Start(ctx); err != nil {
				slog.Error("telegram notifier error", "error", err)
			}
		}()
		slog.Info("telegram notifier started", "chats", len(cfg.Telegram.NotifyTo))
	} else {
		slog.Warn("telegram token not set, notifications disabled")
	}

	// HTTP API
	srv := web.NewServer(orch, db, client, reg, cfg.Web, version)
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Start(ctx) }()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-srvErr:
		if err != nil {
			slog.Error("web server error", "error", err)
		}
		stop()
	}

	// Cleanup
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Swap.StopGrace+5*time.Second)
	defer cancel()
	orch.Shutdown(shutdownCtx)
	return nil
}
