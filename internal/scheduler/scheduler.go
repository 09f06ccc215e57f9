// Package scheduler runs the background expiry sweep. Licenses whose
// expiry passed are flipped lazily on validation too; the sweep bounds
// how long a stale ACTIVE row can linger without traffic.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keymint/keymint/internal/clock"
	licensedomain "github.com/keymint/keymint/internal/license/domain"
	obsmetrics "github.com/keymint/keymint/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	LicenseSvc  licensedomain.Service
	LicenseRepo licensedomain.Repository
	Config      Config `optional:"true"`
}

type Scheduler struct {
	db          *gorm.DB
	log         *zap.Logger
	cfg         Config
	clock       clock.Clock
	licenseSvc  licensedomain.Service
	licenseRepo licensedomain.Repository
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.LicenseSvc == nil || p.LicenseRepo == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:          p.DB,
		log:         p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:         p.Config.withDefaults(),
		clock:       p.Clock,
		licenseSvc:  p.LicenseSvc,
		licenseRepo: p.LicenseRepo,
	}, nil
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	return s.runJob(parent, "expiry_sweep", s.cfg.JobTimeout, s.ExpirySweepJob)
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	sweepMetrics := obsmetrics.Sweep()
	sweepMetrics.IncJobRun(name)

	err := fn(ctx)
	sweepMetrics.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	sweepMetrics.IncJobError(name, err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// ExpirySweepJob expires ACTIVE licenses whose expiry is due, one
// bounded batch per run. Each license goes through the ordinary
// transition path so locking and notifications behave the same as on
// the request path.
func (s *Scheduler) ExpirySweepJob(ctx context.Context) error {
	now := s.clock.Now()
	due, err := s.licenseRepo.ListDueForExpiry(ctx, s.db, now, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	var expired int
	var errs error
	for _, license := range due {
		if ctx.Err() != nil {
			errs = errors.Join(errs, ctx.Err())
			break
		}
		updated, err := s.licenseSvc.ExpireIfDue(ctx, license.Key)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if updated.Status == licensedomain.LicenseStatusExpired {
			expired++
		}
	}

	if expired > 0 {
		obsmetrics.Sweep().AddBatchProcessed("expiry_sweep", expired)
		s.log.Info("expired due licenses",
			zap.Int("count", expired),
			zap.Int("batch", len(due)),
		)
	}
	return errs
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("sweep run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
