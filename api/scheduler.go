/*
scheduler.go - Periodic mailbox import

PURPOSE:
  Periodically pulls the configured mailbox and runs the import pipeline,
  so alerts are reconciled without anyone pressing "fetch".

DESIGN:
  - One goroutine, one ticker: runs never overlap
  - Runs once immediately on start, then every Interval
  - A failed run is logged and the next tick tries again
  - Messages already imported are skipped by the pipeline, so re-reading
    the same mailbox directory is harmless

CONFIGURATION:
  - Interval: How often to fetch (scheduler.interval, default 15m)
  - Enabled:  Whether the scheduler runs (scheduler.enabled, default false)

USAGE:
  sched := NewImportScheduler(importer, 15*time.Minute)
  g.Go(func() error { return sched.Run(ctx) })

SEE ALSO:
  - handlers.go: FetchImport endpoint (manual trigger)
  - reconcile/importer.go: Importer.Fetch
*/
package api

import (
	"context"
	"time"

	"github.com/warp/estate-reconciler/logging"
	"github.com/warp/estate-reconciler/reconcile"
)

// Fetcher is the part of the importer the scheduler drives.
type Fetcher interface {
	Fetch(ctx context.Context) (*reconcile.ImportSession, error)
}

// ImportScheduler runs mailbox imports on a fixed interval.
type ImportScheduler struct {
	Importer Fetcher
	Interval time.Duration
	Enabled  bool
}

// NewImportScheduler creates an enabled scheduler.
func NewImportScheduler(importer Fetcher, interval time.Duration) *ImportScheduler {
	return &ImportScheduler{
		Importer: importer,
		Interval: interval,
		Enabled:  true,
	}
}

// Run blocks until ctx is cancelled. It returns nil on cancellation so it
// can share an errgroup with the HTTP server.
func (s *ImportScheduler) Run(ctx context.Context) error {
	log := logging.FromContext(ctx).With().Str("component", "scheduler").Logger()
	if !s.Enabled || s.Interval <= 0 {
		log.Info().Msg("import scheduler disabled")
		return nil
	}
	ctx = logging.WithContext(ctx, log)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	log.Info().Dur("interval", s.Interval).Msg("import scheduler started")

	// Run immediately on start
	s.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-ctx.Done():
			log.Info().Msg("import scheduler stopped")
			return nil
		}
	}
}

// RunOnce performs a single fetch and reports the resulting session, if any.
func (s *ImportScheduler) RunOnce(ctx context.Context) *reconcile.ImportSession {
	log := logging.FromContext(ctx)
	session, err := s.Importer.Fetch(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("scheduled import failed")
		}
		return nil
	}
	log.Info().
		Str("session_id", string(session.ID)).
		Str("status", string(session.Status)).
		Int("emails", session.EmailsFetched).
		Msg("scheduled import finished")
	return session
}
