// Package main provides the entry point for the shiftwatch daemon.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/shiftwatch/internal/config"
	"github.com/thebtf/shiftwatch/internal/dashboard"
	"github.com/thebtf/shiftwatch/internal/dashboard/sse"
	"github.com/thebtf/shiftwatch/internal/datasource"
	"github.com/thebtf/shiftwatch/internal/kvstore"
	"github.com/thebtf/shiftwatch/internal/metrics"
	"github.com/thebtf/shiftwatch/internal/monitor"
	"github.com/thebtf/shiftwatch/internal/notify"
	"github.com/thebtf/shiftwatch/internal/privacy"
	"github.com/thebtf/shiftwatch/internal/relevance"
	"github.com/thebtf/shiftwatch/internal/scheduler"
	"github.com/thebtf/shiftwatch/internal/serversync"
	"github.com/thebtf/shiftwatch/internal/tasks"
	"github.com/thebtf/shiftwatch/internal/watcher"
	"github.com/thebtf/shiftwatch/pkg/models"
)

var Version = "dev"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := config.EnsureAll(); err != nil {
		log.Fatal().Err(err).Msg("Failed to prepare data directory")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Str("path", config.SettingsPath()).Msg("Failed to load settings")
	}
	config.Set(cfg)
	zerolog.SetGlobalLevel(cfg.Level())

	log.Info().
		Str("version", Version).
		Str("endpoint", privacy.RedactDSN(cfg.Endpoint)).
		Msg("Starting shiftwatch")

	if err := cfg.Validate(); err != nil {
		log.Warn().Err(err).Msg("Incomplete configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := quartz.NewReal()

	base, err := kvstore.Open(ctx, cfg.StateDSN)
	if err != nil {
		log.Fatal().Err(err).Str("dsn", privacy.RedactDSN(cfg.StateDSN)).Msg("Failed to open state store")
	}
	store, installID, err := kvstore.ForInstallation(ctx, base)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to resolve installation id")
	}
	log.Debug().Str("installation", installID).Msg("State store ready")

	catalog, err := relevance.LoadCatalog(cfg.AreasFile)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.AreasFile).Msg("Failed to load area catalog, using defaults")
		catalog = relevance.DefaultCatalog()
	}

	rec, err := metrics.New(nil)
	if err != nil {
		log.Warn().Err(err).Msg("Metrics disabled")
		rec = nil
	}
	runner := tasks.NewRunner(cfg.PushTimeout(), rec, log.Logger)

	source, err := datasource.New(ctx, datasource.Config{
		Store:    store,
		Clock:    clock,
		Endpoint: cfg.Endpoint,
		UserID:   cfg.UserID,
		Timeout:  cfg.RequestTimeout(),
		CacheTTL: cfg.CacheTTL(),
	}, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create data source client")
	}

	broadcaster := sse.NewBroadcaster(log.Logger)
	desktop := notify.NewBeeepNotifier(notify.ParsePermission(cfg.NotificationPermission), "")
	dispatcher := notify.NewDispatcher(broadcaster, desktop, notify.NewBeepPlayer(), catalog, log.Logger)
	dispatcher.SetMuted(cfg.SoundMuted)

	mon, err := monitor.New(ctx, monitor.Deps{
		Source:   source,
		Store:    store,
		Notifier: dispatcher,
		Desktop:  desktop,
		Syncer:   serversync.New(source, runner, rec, log.Logger),
		Events:   broadcaster,
		Metrics:  rec,
		Clock:    clock,
		Catalog:  catalog,
	}, models.UserProfile{
		ID:             cfg.UserID,
		Name:           cfg.UserName,
		AreaAssignment: cfg.AreaAssignment,
	}, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create monitor")
	}

	schedCfg := scheduler.DefaultConfig()
	schedCfg.Interval = cfg.PollInterval()
	schedCfg.Jitter = cfg.PollJitter()
	sched, err := scheduler.New(schedCfg, mon.Poll, clock, log.Logger)
	if err != nil {
		log.Warn().Err(err).Msg("Configured poll interval rejected, using default")
		schedCfg.Interval = scheduler.DefaultConfig().Interval
		if sched, err = scheduler.New(schedCfg, mon.Poll, clock, log.Logger); err != nil {
			log.Fatal().Err(err).Msg("Failed to create scheduler")
		}
	}
	mon.Attach(sched)

	if err := mon.RestoreSettings(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to restore saved settings")
	}
	if err := mon.Bootstrap(ctx); err != nil {
		log.Warn().Err(err).Msg("Initial fetch failed")
	}
	sched.Start(ctx)

	server := dashboard.NewServer(mon, broadcaster, dashboard.Options{
		Clock:   clock,
		Version: Version,
		Token:   cfg.DashboardToken,
		Port:    cfg.DashboardPort,
	}, log.Logger)
	if err := server.Start(""); err != nil {
		log.Fatal().Err(err).Msg("Failed to start dashboard")
	}

	prev := *cfg
	w := watcher.New(config.SettingsPath(), func(ctx context.Context, next *config.Config) {
		if next.PollIntervalMinutes != prev.PollIntervalMinutes {
			if err := mon.SetInterval(ctx, next.PollIntervalMinutes); err != nil {
				log.Warn().Err(err).Int("minutes", next.PollIntervalMinutes).Msg("Ignoring poll interval from settings")
			}
		}
		if next.SoundMuted != prev.SoundMuted {
			if err := mon.SetMuted(ctx, next.SoundMuted); err != nil {
				log.Warn().Err(err).Msg("Failed to apply mute setting")
			}
		}
		if next.NotificationPermission != prev.NotificationPermission {
			if err := mon.SetPermission(ctx, notify.ParsePermission(next.NotificationPermission)); err != nil {
				log.Warn().Err(err).Msg("Failed to apply notification permission")
			}
		}
		zerolog.SetGlobalLevel(next.Level())
		prev = *next
	}, clock, log.Logger)
	if err := w.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("Settings watcher disabled")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Dashboard shutdown error")
	}
	sched.Stop()
	cancel()
	if err := runner.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Background tasks did not finish")
	}
	if err := base.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close state store")
	}

	log.Info().Msg("Shutdown complete")
}
