// Package cronjobs schedules the background maintenance the hot loops must
// not pay for: alert history/cooldown sweeps, leak-event ledger pruning and
// signal retention in the store.
package cronjobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"sentinel/internal/alert"
	"sentinel/internal/frontrun"
	"sentinel/internal/repository"
)

type Runner struct {
	cron    *cron.Cron
	logger  *zap.Logger
	baseCtx context.Context
}

func New(logger *zap.Logger, baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Runner{
		cron:    cron.New(cron.WithSeconds()),
		logger:  logger,
		baseCtx: baseCtx,
	}
}

func (r *Runner) Add(spec string, job func(context.Context)) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() {
		ctx := context.Background()
		if r != nil && r.baseCtx != nil {
			ctx = r.baseCtx
		}
		job(ctx)
	})
}

func (r *Runner) Start() {
	if r.logger != nil {
		r.logger.Info("cron started")
	}
	r.cron.Start()
}

func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	if r.logger != nil {
		r.logger.Info("cron stopped")
	}
}

// Maintenance is the dependency set for the standing jobs. Repo may be nil in
// store-less deployments; the store job is skipped then.
type Maintenance struct {
	Logger   *zap.Logger
	Alerts   *alert.Manager
	FrontRun *frontrun.Scorer
	Repo     repository.Repository

	// SignalRetention bounds how long persisted signals outlive ExpiresAt.
	SignalRetention time.Duration
}

// RegisterMaintenance wires the standing jobs: an hourly in-memory sweep and
// a daily store retention pass.
func RegisterMaintenance(r *Runner, m Maintenance) error {
	if _, err := r.Add("0 0 * * * *", func(ctx context.Context) {
		now := time.Now().UTC()
		if m.Alerts != nil {
			m.Alerts.Sweep(now)
		}
		if m.FrontRun != nil {
			m.FrontRun.Sweep(now)
		}
		if m.Logger != nil {
			m.Logger.Debug("hourly sweep done")
		}
	}); err != nil {
		return err
	}

	if m.Repo != nil {
		if _, err := r.Add("0 30 3 * * *", func(ctx context.Context) {
			cutoff := time.Now().UTC()
			if m.SignalRetention > 0 {
				cutoff = cutoff.Add(-m.SignalRetention)
			}
			n, err := m.Repo.DeleteExpiredSignals(ctx, cutoff)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Warn("signal retention failed", zap.Error(err))
				}
				return
			}
			if m.Logger != nil && n > 0 {
				m.Logger.Info("expired signals deleted", zap.Int64("count", n))
			}
		}); err != nil {
			return err
		}
	}
	return nil
}
