// Package di provides dependency injection for background jobs.
package di

import (
	"github.com/rs/zerolog"

	"github.com/foliotrack/foliotrack/internal/clientdata"
	"github.com/foliotrack/foliotrack/internal/modules/oauthtokens"
	"github.com/foliotrack/foliotrack/internal/modules/refresh"
	"github.com/foliotrack/foliotrack/internal/reliability"
)

// RegisterJobs constructs the background job instances.
func RegisterJobs(container *Container, log zerolog.Logger) *JobInstances {
	jobs := &JobInstances{
		RefreshJob:    refresh.NewJob(container.RefreshService, container.AccountsRepo, log),
		TokenSweepJob: oauthtokens.NewSweepJob(container.TokenService, log),
		CleanupJob:    clientdata.NewCleanupJob(container.ClientDataRepo, log),
	}

	if container.BackupService != nil {
		jobs.BackupJob = reliability.NewBackupJob(container.BackupService, log)
	}

	return jobs
}
