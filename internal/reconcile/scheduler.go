package reconcile

import (
	"context"

	"github.com/alignetic/engine/internal/retention"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Scheduler drives the retention janitor's sweep from a cron expression,
// alongside (not replacing) the pipeline's sweep-on-read guarantee.
// Grounded on r3e-network-service_layer's use of robfig/cron for scheduled
// background jobs.
type Scheduler struct {
	cron    *cron.Cron
	janitor *retention.Janitor
}

// NewScheduler creates a scheduler over the given janitor.
func NewScheduler(janitor *retention.Janitor) *Scheduler {
	return &Scheduler{cron: cron.New(), janitor: janitor}
}

// Start registers the sweep at the given cron spec (e.g. "@every 5m") and
// starts the scheduler. The job stops when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context, spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.janitor.RunCycle(ctx)
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.cron.Stop()
		log.Info().Msg("expiration scheduler stopped")
	}()
	log.Info().Str("spec", spec).Msg("expiration scheduler started")
	return nil
}
