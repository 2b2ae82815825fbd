package certification

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/attestra/certanchor/internal/metrics"
)

// reconcileBatchSize bounds how many unanchored packages one sweep retries.
const reconcileBatchSize = 50

// Scheduler periodically retries anchoring for packages whose transaction
// reference is still null.
type Scheduler struct {
	service   *Service
	updater   *metrics.Updater
	scheduler gocron.Scheduler
	ctx       context.Context
}

// NewScheduler creates the reconciliation scheduler.
func NewScheduler(ctx context.Context, service *Service, updater *metrics.Updater, interval time.Duration) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	scheduler := &Scheduler{
		service:   service,
		updater:   updater,
		scheduler: s,
		ctx:       ctx,
	}

	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(scheduler.reconcile),
	)
	if err != nil {
		return nil, err
	}

	return scheduler, nil
}

// Start begins the reconciliation loop and blocks until the context ends.
func (s *Scheduler) Start() {
	slog.Info("starting anchor reconciliation scheduler")
	s.scheduler.Start()
	<-s.ctx.Done()
	s.Stop()
}

// Stop halts the reconciliation loop.
func (s *Scheduler) Stop() {
	slog.Info("stopping anchor reconciliation scheduler")
	if err := s.scheduler.Shutdown(); err != nil {
		slog.Error("error shutting down scheduler", "err", err)
	}
}

func (s *Scheduler) reconcile() {
	err := s.service.ReconcilePendingAnchors(s.ctx, reconcileBatchSize)
	if err != nil {
		if errors.Is(err, errAnchoringDisabled) {
			slog.Info("anchoring is paused, skipping reconciliation sweep")
			return
		}
		slog.Error("anchor reconciliation sweep failed", "err", err)
	}
	if s.updater != nil {
		s.updater.Trigger()
	}
}
