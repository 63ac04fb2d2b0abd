package snapshot

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler periodically snapshots briefs that changed since their last
// snapshot.
type Scheduler struct {
	cron *cron.Cron
	svc  *Service
	log  zerolog.Logger
}

// NewScheduler validates expr (standard five-field cron or a descriptor
// such as "@every 15m") and registers the job. Call Start to run it.
func NewScheduler(svc *Service, expr string, log zerolog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron: cron.New(),
		svc:  svc,
		log:  log.With().Str("component", "snapshot-scheduler").Logger(),
	}
	if _, err := s.cron.AddFunc(expr, s.Tick); err != nil {
		return nil, fmt.Errorf("invalid snapshot schedule %q: %w", expr, err)
	}
	return s, nil
}

func (s *Scheduler) Tick() {
	n, err := s.svc.SnapshotChanged(context.Background())
	if err != nil {
		s.log.Error().Err(err).Msg("scheduled snapshot run failed")
		return
	}
	if n > 0 {
		s.log.Info().Int("snapshots", n).Msg("scheduled snapshots taken")
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.cron.Entries())).Msg("snapshot scheduler started")
}

// Stop waits for a running tick to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
