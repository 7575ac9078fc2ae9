package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/service"
)

// Reconciler is the part of the service the scheduler drives.
type Reconciler interface {
	ReconcileLedger(ctx context.Context) ([]domain.LedgerDrift, error)
}

// Scheduler runs periodic ledger reconciliation.
type Scheduler struct {
	cron       *cron.Cron
	reconciler Reconciler
	spec       string
	timeout    time.Duration
	logger     *zap.Logger
}

func New(reconciler Reconciler, spec string, loc *time.Location, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}

	return &Scheduler{
		cron:       cron.New(cron.WithLocation(loc)),
		reconciler: reconciler,
		spec:       spec,
		timeout:    time.Minute,
		logger:     logger,
	}
}

// Start registers the reconciliation job and starts the cron loop. An empty
// spec disables the job.
func (s *Scheduler) Start() error {
	if s.spec == "" {
		s.logger.Info("ledger reconciliation disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(s.spec, s.RunReconciliation); err != nil {
		return err
	}

	s.logger.Info("starting scheduler", zap.String("reconcile_cron", s.spec))
	s.cron.Start()
	return nil
}

// Stop stops the cron loop and waits for a running job to finish.
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler")
	<-s.cron.Stop().Done()
}

func (s *Scheduler) RunReconciliation() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	ctx = service.WithActor(ctx, service.SystemActor)

	drift, err := s.reconciler.ReconcileLedger(ctx)
	if err != nil {
		s.logger.Error("ledger reconciliation failed", zap.Error(err))
		return
	}
	if len(drift) > 0 {
		s.logger.Warn("ledger reconciliation found drift", zap.Int("products", len(drift)))
		return
	}
	s.logger.Info("ledger reconciled")
}
