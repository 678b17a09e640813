// Package di provides dependency injection type definitions.
//
// The Container is the single source of truth for all service instances and
// is passed to the server for handler access.
package di

import (
	"github.com/foliotrack/foliotrack/internal/clientdata"
	"github.com/foliotrack/foliotrack/internal/clients/exchangerate"
	"github.com/foliotrack/foliotrack/internal/clients/schwab"
	"github.com/foliotrack/foliotrack/internal/clients/yahoo"
	"github.com/foliotrack/foliotrack/internal/database"
	"github.com/foliotrack/foliotrack/internal/modules/accounts"
	"github.com/foliotrack/foliotrack/internal/modules/credentials"
	"github.com/foliotrack/foliotrack/internal/modules/gateway"
	"github.com/foliotrack/foliotrack/internal/modules/oauthtokens"
	"github.com/foliotrack/foliotrack/internal/modules/portfolio"
	"github.com/foliotrack/foliotrack/internal/modules/refresh"
	"github.com/foliotrack/foliotrack/internal/modules/settings"
	"github.com/foliotrack/foliotrack/internal/modules/snapshots"
	"github.com/foliotrack/foliotrack/internal/reliability"
	"github.com/foliotrack/foliotrack/internal/services"
)

// Container holds all dependencies for the application.
type Container struct {
	// Databases
	AppDB        *database.DB
	ClientDataDB *database.DB
	CacheDB      *database.DB

	// Repositories
	SettingsRepo    *settings.Repository
	ConnectionRepo  *settings.ConnectionRepository
	CredentialsRepo *credentials.Repository
	AccountsRepo    *accounts.Repository
	PortfolioRepo   *portfolio.Repository
	SnapshotsRepo   *snapshots.Repository
	ClientDataRepo  *clientdata.Repository
	StatusStore     *refresh.StatusStore

	// Clients
	SchwabClient       *schwab.Client
	YahooClient        *yahoo.Client
	ExchangeRateClient *exchangerate.Client

	// Services
	TokenService    *oauthtokens.Service
	CurrencyService *services.CurrencyService
	SnapshotService *snapshots.Service
	Reconciler      *gateway.Reconciler
	GatewayManager  *gateway.Manager
	RefreshService  *refresh.Service

	// Backup (nil when not configured)
	S3Client      *reliability.S3Client
	BackupService *reliability.BackupService
}

// JobInstances holds the background jobs to be registered with the
// scheduler. BackupJob is nil when backups are not configured.
type JobInstances struct {
	RefreshJob    *refresh.Job
	TokenSweepJob *oauthtokens.SweepJob
	CleanupJob    *clientdata.CleanupJob
	BackupJob     *reliability.BackupJob
}

// Close closes all database connections.
func (c *Container) Close() {
	if c.AppDB != nil {
		c.AppDB.Close()
	}
	if c.ClientDataDB != nil {
		c.ClientDataDB.Close()
	}
	if c.CacheDB != nil {
		c.CacheDB.Close()
	}
}
