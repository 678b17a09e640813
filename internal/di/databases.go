// Package di provides dependency injection for database connections.
package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/foliotrack/foliotrack/internal/config"
	"github.com/foliotrack/foliotrack/internal/database"
)

// InitializeDatabases opens all databases and applies schemas.
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	// app.db - durable application state
	appDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/app.db",
		Profile: database.ProfileStandard,
		Name:    "app",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize app database: %w", err)
	}
	container.AppDB = appDB

	// client_data.db - TTL cache of external API responses
	clientDataDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/client_data.db",
		Profile: database.ProfileCache,
		Name:    "client_data",
	})
	if err != nil {
		appDB.Close()
		return nil, fmt.Errorf("failed to initialize client_data database: %w", err)
	}
	container.ClientDataDB = clientDataDB

	// cache.db - ephemeral operational state (refresh progress)
	cacheDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/cache.db",
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		appDB.Close()
		clientDataDB.Close()
		return nil, fmt.Errorf("failed to initialize cache database: %w", err)
	}
	container.CacheDB = cacheDB

	for _, db := range []*database.DB{appDB, clientDataDB, cacheDB} {
		if err := db.Migrate(); err != nil {
			container.Close()
			return nil, fmt.Errorf("failed to migrate %s database: %w", db.Name(), err)
		}
	}

	log.Info().Str("data_dir", cfg.DataDir).Msg("Databases initialized")
	return container, nil
}
