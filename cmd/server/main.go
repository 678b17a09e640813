// Package main is the entry point for the foliotrack server: a personal
// investment tracker that aggregates positions from a desktop trading
// gateway and the Schwab brokerage API into one portfolio view.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/foliotrack/foliotrack/internal/config"
	"github.com/foliotrack/foliotrack/internal/database"
	"github.com/foliotrack/foliotrack/internal/di"
	oauthtokenhandlers "github.com/foliotrack/foliotrack/internal/modules/oauthtokens/handlers"
	portfoliohandlers "github.com/foliotrack/foliotrack/internal/modules/portfolio/handlers"
	refreshhandlers "github.com/foliotrack/foliotrack/internal/modules/refresh/handlers"
	"github.com/foliotrack/foliotrack/internal/scheduler"
	"github.com/foliotrack/foliotrack/internal/server"
	"github.com/foliotrack/foliotrack/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Msg("Starting foliotrack")

	container, jobs, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	// Background jobs
	sched := scheduler.New(log)
	registerJobs(sched, jobs, log)
	sched.Start()
	defer sched.Stop()

	// HTTP server
	systemHandlers := server.NewSystemHandlers(log, cfg.DataDir, map[string]*database.DB{
		"app":         container.AppDB,
		"client_data": container.ClientDataDB,
		"cache":       container.CacheDB,
	}, container.BackupService)

	srv := server.New(cfg, server.Handlers{
		Refresh:   refreshhandlers.NewHandler(container.RefreshService, log),
		Tokens:    oauthtokenhandlers.NewHandler(container.TokenService, cfg, log),
		Portfolio: portfoliohandlers.NewHandler(container.PortfolioRepo, container.SnapshotsRepo, log),
		System:    systemHandlers,
	}, log)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	// Wait for shutdown signal or server failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}

	// Tear down the gateway connection before closing databases so the
	// final flush can still write.
	if err := container.GatewayManager.Disconnect(); err != nil {
		log.Warn().Err(err).Msg("Gateway disconnect during shutdown failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}

	log.Info().Msg("Shutdown complete")
}

// registerJobs wires the background jobs to their schedules.
func registerJobs(sched *scheduler.Scheduler, jobs *di.JobInstances, log zerolog.Logger) {
	schedules := []struct {
		spec string
		job  scheduler.Job
	}{
		{"0 */30 * * * *", jobs.RefreshJob}, // every 30 minutes
		{"@every 20m", jobs.TokenSweepJob},  // more often than the sweep lookahead
		{"0 0 4 * * *", jobs.CleanupJob},    // daily at 04:00
	}
	if jobs.BackupJob != nil {
		schedules = append(schedules, struct {
			spec string
			job  scheduler.Job
		}{"0 30 4 * * *", jobs.BackupJob}) // daily at 04:30
	}

	for _, entry := range schedules {
		if err := sched.AddJob(entry.spec, entry.job); err != nil {
			log.Fatal().Err(err).Str("job", entry.job.Name()).Msg("Failed to register job")
		}
	}
}
