// Package di provides dependency injection for services.
package di

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/foliotrack/foliotrack/internal/clients/exchangerate"
	"github.com/foliotrack/foliotrack/internal/clients/ibgateway"
	"github.com/foliotrack/foliotrack/internal/clients/schwab"
	"github.com/foliotrack/foliotrack/internal/clients/yahoo"
	"github.com/foliotrack/foliotrack/internal/config"
	"github.com/foliotrack/foliotrack/internal/modules/gateway"
	"github.com/foliotrack/foliotrack/internal/modules/oauthtokens"
	"github.com/foliotrack/foliotrack/internal/modules/refresh"
	"github.com/foliotrack/foliotrack/internal/modules/snapshots"
	"github.com/foliotrack/foliotrack/internal/reliability"
	"github.com/foliotrack/foliotrack/internal/services"
)

// InitializeServices wires clients and business services.
func InitializeServices(container *Container, cfg *config.Config, log zerolog.Logger) error {
	// External API clients
	container.SchwabClient = schwab.NewClient(log)
	container.YahooClient = yahoo.NewClient(container.ClientDataRepo, log)
	container.ExchangeRateClient = exchangerate.NewClient(container.ClientDataRepo, log)

	// Domain services
	container.CurrencyService = services.NewCurrencyService(container.ExchangeRateClient, cfg.BaseCurrency, log)
	container.TokenService = oauthtokens.NewService(container.CredentialsRepo, container.SchwabClient, log)
	container.SnapshotService = snapshots.NewService(container.SnapshotsRepo, container.PortfolioRepo, container.CurrencyService, log)

	// Gateway connection stack
	container.Reconciler = gateway.NewReconciler(container.PortfolioRepo, container.ClientDataRepo, container.YahooClient, log)
	factory := func(host string, port, clientID int) ibgateway.Transport {
		return ibgateway.NewClient(host, port, clientID, log)
	}
	container.GatewayManager = gateway.NewManager(factory, container.Reconciler, log)

	// Refresh orchestration
	container.RefreshService = refresh.NewService(
		cfg,
		container.GatewayManager,
		container.ConnectionRepo,
		container.AccountsRepo,
		container.TokenService,
		container.SchwabClient,
		container.YahooClient,
		container.PortfolioRepo,
		container.StatusStore,
		container.SnapshotService,
		log,
	)

	// Offsite backups are optional; skip wiring when no bucket is set.
	if cfg.BackupBucket != "" {
		s3Client, err := reliability.NewS3Client(cfg.BackupEndpoint, cfg.BackupAccessKey, cfg.BackupSecretKey, cfg.BackupBucket, log)
		if err != nil {
			return fmt.Errorf("failed to initialize s3 client: %w", err)
		}
		container.S3Client = s3Client
		container.BackupService = reliability.NewBackupService(
			map[string]*sql.DB{
				"app":   container.AppDB.Conn(),
				"cache": container.CacheDB.Conn(),
			},
			cfg.DataDir,
			s3Client,
			cfg.BackupRetention,
			log,
		)
	}

	log.Info().Msg("Services initialized")
	return nil
}
