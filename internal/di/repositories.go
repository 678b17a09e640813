// Package di provides dependency injection for repositories.
package di

import (
	"github.com/rs/zerolog"

	"github.com/foliotrack/foliotrack/internal/clientdata"
	"github.com/foliotrack/foliotrack/internal/modules/accounts"
	"github.com/foliotrack/foliotrack/internal/modules/credentials"
	"github.com/foliotrack/foliotrack/internal/modules/portfolio"
	"github.com/foliotrack/foliotrack/internal/modules/refresh"
	"github.com/foliotrack/foliotrack/internal/modules/settings"
	"github.com/foliotrack/foliotrack/internal/modules/snapshots"
)

// InitializeRepositories wires the data access layer.
func InitializeRepositories(container *Container, log zerolog.Logger) {
	appConn := container.AppDB.Conn()

	container.SettingsRepo = settings.NewRepository(appConn, log)
	container.ConnectionRepo = settings.NewConnectionRepository(appConn, log)
	container.CredentialsRepo = credentials.NewRepository(appConn, log)
	container.AccountsRepo = accounts.NewRepository(appConn, log)
	container.PortfolioRepo = portfolio.NewRepository(appConn, log)
	container.SnapshotsRepo = snapshots.NewRepository(appConn, log)

	container.ClientDataRepo = clientdata.NewRepository(container.ClientDataDB.Conn())
	container.StatusStore = refresh.NewStatusStore(container.CacheDB.Conn(), log)
}
