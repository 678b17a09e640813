package refresh

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/foliotrack/foliotrack/internal/modules/accounts"
	"github.com/foliotrack/foliotrack/internal/modules/portfolio"
	"github.com/foliotrack/foliotrack/internal/scheduler/base"
)

// Job triggers a refresh for every linked account on a schedule. Accounts
// that are mid-cycle or unconfigured are skipped, not errors; the job's
// contract is "kick whatever can be kicked".
type Job struct {
	base.JobBase
	service      *Service
	accountsRepo *accounts.Repository
	log          zerolog.Logger
}

// NewJob creates a new scheduled refresh job.
func NewJob(service *Service, accountsRepo *accounts.Repository, log zerolog.Logger) *Job {
	return &Job{
		service:      service,
		accountsRepo: accountsRepo,
		log:          log.With().Str("job", "scheduled_refresh").Logger(),
	}
}

// Run triggers refreshes for all linked accounts.
func (j *Job) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	all, err := j.accountsRepo.GetAll()
	if err != nil {
		j.log.Error().Err(err).Msg("Failed to list linked accounts")
		return err
	}

	triggered := 0
	for _, account := range all {
		var trigErr error
		switch portfolio.Source(account.Source) {
		case portfolio.SourceGateway:
			_, trigErr = j.service.RefreshGateway(ctx, account.UserID, account.ID)
		case portfolio.SourceSchwab:
			_, trigErr = j.service.RefreshSchwab(ctx, account.UserID, account.ID)
		default:
			continue
		}

		switch {
		case trigErr == nil:
			triggered++
		case errors.Is(trigErr, ErrRefreshInProgress), errors.Is(trigErr, ErrNotConfigured):
			j.log.Debug().Err(trigErr).Int64("account", account.ID).Msg("Skipping account")
		default:
			j.log.Warn().Err(trigErr).Int64("account", account.ID).Msg("Failed to trigger refresh")
		}
	}

	if triggered > 0 {
		j.log.Info().Int("triggered", triggered).Msg("Scheduled refresh triggered")
	}

	return nil
}

// Name returns the job name for scheduling and logging.
func (j *Job) Name() string {
	return "scheduled_refresh"
}
