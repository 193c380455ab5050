package dream

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/remlabs/remd/pkg/log"
	"github.com/remlabs/remd/pkg/types"
)

// TenantLister enumerates the tenants to dream for.
type TenantLister interface {
	ListTenantIDs(ctx context.Context) ([]string, error)
}

// Scheduler periodically fans dreaming jobs out over every tenant. Jobs for
// one tenant run sequentially; a failing tenant never blocks the others.
type Scheduler struct {
	dreamer  *Dreamer
	tenants  TenantLister
	interval time.Duration
	jobs     []types.DreamJob
	log      zerolog.Logger
}

// NewScheduler builds a scheduler running the given jobs each interval.
func NewScheduler(dreamer *Dreamer, tenants TenantLister, interval time.Duration, jobs []types.DreamJob) *Scheduler {
	return &Scheduler{
		dreamer:  dreamer,
		tenants:  tenants,
		interval: interval,
		jobs:     jobs,
		log:      log.WithComponent("dream-scheduler"),
	}
}

// Run ticks until the context is canceled. The first sweep starts after one
// full interval so a restart loop does not hammer the store.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Int("jobs", len(s.jobs)).Msg("dream scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("dream scheduler stopped")
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	tenants, err := s.tenants.ListTenantIDs(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list tenants")
		return
	}
	for _, tenant := range tenants {
		for _, job := range s.jobs {
			if ctx.Err() != nil {
				return
			}
			if _, err := s.dreamer.Run(ctx, tenant, job); err != nil {
				s.log.Error().Err(err).Str("tenant_id", tenant).Str("job", string(job)).Msg("dream run errored")
			}
		}
	}
}
