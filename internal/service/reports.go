package service

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mmeshcher/ecokoin/internal/metrics"
	"github.com/mmeshcher/ecokoin/internal/model"
)

// Report содержит сводку для администратора.
type Report struct {
	Stats          model.Stats
	RecentDeposits []model.Deposit
}

// GetReport возвращает сводные показатели и последние сдачи отходов.
func (s *Service) GetReport(ctx context.Context, recent int) (*Report, error) {
	st, err := s.repo.GetStats(ctx)
	if err != nil {
		return nil, err
	}

	deposits, err := s.ListDeposits(ctx, recent)
	if err != nil {
		return nil, err
	}

	return &Report{Stats: *st, RecentDeposits: deposits}, nil
}

// Reconcile сверяет кешированные балансы с историей начислений, выдач и корректировок.
// Расхождения логируются и отражаются в метрике ecokoin_ledger_drift_users.
func (s *Service) Reconcile(ctx context.Context) ([]model.Drift, error) {
	drift, err := s.repo.FindLedgerDrift(ctx)
	if err != nil {
		return nil, fmt.Errorf("find ledger drift: %w", err)
	}

	metrics.SetLedgerDrift(len(drift))
	for _, d := range drift {
		s.logger.Warn("ledger drift",
			zap.String("user_id", d.UserID),
			zap.String("username", d.Username),
			zap.Int64("cached", d.Cached),
			zap.Int64("expected", d.Expected),
			zap.Int64("difference", d.Difference()),
		)
	}
	return drift, nil
}

// Reconciler периодически запускает сверку балансов по расписанию cron.
type Reconciler struct {
	cron *cron.Cron
	svc  *Service
}

// NewReconciler регистрирует задачу сверки. Расписание задаётся выражением cron или @every <duration>.
func NewReconciler(ctx context.Context, svc *Service, schedule string) (*Reconciler, error) {
	cronLogger := cron.PrintfLogger(zap.NewStdLog(svc.logger))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	_, err := c.AddFunc(schedule, func() {
		if _, err := svc.Reconcile(ctx); err != nil {
			svc.logger.Error("reconcile failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule reconcile %q: %w", schedule, err)
	}

	return &Reconciler{cron: c, svc: svc}, nil
}

// Start запускает планировщик.
func (r *Reconciler) Start() {
	r.cron.Start()
}

// Stop останавливает планировщик и возвращает контекст, завершающийся после текущей задачи.
func (r *Reconciler) Stop() context.Context {
	return r.cron.Stop()
}
