package oauthtokens

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/foliotrack/foliotrack/internal/scheduler/base"
)

// SweepJob proactively refreshes access tokens approaching expiry so a
// stored token is usable at any moment, not just after a reactive refresh.
// Scheduled more often than the lookahead window so nothing slips through.
type SweepJob struct {
	base.JobBase
	service *Service
	log     zerolog.Logger
}

// NewSweepJob creates a new token sweep job.
func NewSweepJob(service *Service, log zerolog.Logger) *SweepJob {
	return &SweepJob{
		service: service,
		log:     log.With().Str("job", "token_sweep").Logger(),
	}
}

// Run refreshes all credentials expiring within the lookahead window.
func (j *SweepJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	attempted, err := j.service.RefreshExpiring(ctx)
	if err != nil {
		j.log.Error().Err(err).Msg("Token sweep failed")
		return err
	}

	if attempted > 0 {
		j.log.Info().Int("refreshed", attempted).Msg("Token sweep completed")
	}

	return nil
}

// Name returns the job name for scheduling and logging.
func (j *SweepJob) Name() string {
	return "token_sweep"
}
