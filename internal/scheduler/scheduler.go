package scheduler

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"instareply/internal/services"
	"instareply/internal/store"
)

// Scheduler runs the two periodic reconciliation tasks: the pending sweep
// that re-drives unprocessed events through the pipeline, and a liveness
// probe against the service's own ping endpoint. The tasks share nothing
// beyond the event store.
type Scheduler struct {
	pipeline      *services.Pipeline
	store         *store.Store
	http          *resty.Client
	selfURL       string
	sweepInterval time.Duration
	probeInterval time.Duration
	sweepLimit    int
}

// New creates a Scheduler. sweepLimit bounds how many of the oldest
// unprocessed events one sweep re-drives.
func New(p *services.Pipeline, s *store.Store, selfURL string, sweepInterval, probeInterval time.Duration, sweepLimit int) *Scheduler {
	return &Scheduler{
		pipeline:      p,
		store:         s,
		http:          resty.New().SetTimeout(10 * time.Second),
		selfURL:       selfURL,
		sweepInterval: sweepInterval,
		probeInterval: probeInterval,
		sweepLimit:    sweepLimit,
	}
}

// Start launches both periodic tasks. They stop when ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.runSweep(ctx)
	go s.runProbe(ctx)

	log.Info().
		Dur("sweepInterval", s.sweepInterval).
		Dur("probeInterval", s.probeInterval).
		Int("sweepLimit", s.sweepLimit).
		Msg("Reconciliation scheduler started")
}

func (s *Scheduler) runSweep(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep counts unprocessed events and, when any exist, re-drives up to
// sweepLimit of the oldest through the pipeline. Failures are logged,
// never fatal; the next tick is the retry.
func (s *Scheduler) Sweep(ctx context.Context) {
	pending, err := s.store.CountPending(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Sweep: pending count failed")
		return
	}
	if pending == 0 {
		return
	}

	log.Info().Int("pending", pending).Msg("Sweep: re-driving unprocessed events")
	processed, err := s.pipeline.ProcessPending(ctx, s.sweepLimit)
	if err != nil {
		log.Error().Err(err).Msg("Sweep: processing failed")
		return
	}
	log.Info().Int("processed", processed).Msg("Sweep complete")
}

func (s *Scheduler) runProbe(ctx context.Context) {
	ticker := time.NewTicker(s.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.probe(ctx)
		}
	}
}

// probe issues a lightweight self-check. Failure is logged and never
// retried out of band; the next scheduled tick is the retry.
func (s *Scheduler) probe(ctx context.Context) {
	resp, err := s.http.R().SetContext(ctx).Get(s.selfURL + "/ping")
	if err != nil {
		log.Warn().Err(err).Str("selfURL", s.selfURL).Msg("Liveness probe failed")
		return
	}
	if resp.IsError() {
		log.Warn().Int("statusCode", resp.StatusCode()).Str("selfURL", s.selfURL).Msg("Liveness probe returned an error")
		return
	}
	log.Debug().Str("selfURL", s.selfURL).Msg("Liveness probe ok")
}
