package reliability

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/foliotrack/foliotrack/internal/scheduler/base"
)

// BackupJob runs the daily offsite backup and rotation.
type BackupJob struct {
	base.JobBase
	service *BackupService
	log     zerolog.Logger
}

// NewBackupJob creates a new backup job.
func NewBackupJob(service *BackupService, log zerolog.Logger) *BackupJob {
	return &BackupJob{
		service: service,
		log:     log.With().Str("job", "backup").Logger(),
	}
}

// Run creates and uploads a backup, then rotates old ones.
func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := j.service.CreateAndUploadBackup(ctx); err != nil {
		j.log.Error().Err(err).Msg("Backup failed")
		return err
	}

	if err := j.service.RotateOldBackups(ctx); err != nil {
		// Rotation failure doesn't invalidate the backup that just succeeded.
		j.log.Error().Err(err).Msg("Backup rotation failed")
	}

	return nil
}

// Name returns the job name for scheduling and logging.
func (j *BackupJob) Name() string {
	return "backup"
}
