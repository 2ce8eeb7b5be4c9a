package service

import (
	"context"

	"go.uber.org/ratelimit"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	logutil "github.com/ikenchina/xatm/common/log"
	"github.com/ikenchina/xatm/common/metrics"
	"github.com/ikenchina/xatm/common/operator"
	"github.com/ikenchina/xatm/define"
	"github.com/ikenchina/xatm/xa"
)

var (
	recoveryTimer   = metrics.NewTimer("xatm", "recovery", "recovery timer", []string{"rm", "ret"})
	recoveryCounter = metrics.NewCounterVec("xatm", "recovery", "recovery events", []string{"rm", "event"})
)

func (c *Coordinator) limiter() ratelimit.Limiter {
	if c.cfg.RecoveryRate <= 0 {
		return ratelimit.NewUnlimited()
	}
	return ratelimit.New(c.cfg.RecoveryRate)
}

// Recover resolves the branches resource reports in doubt for this
// coordinator : committed when a commit decision is logged, rolled back
// otherwise. Resource failures are logged and left for the next run, only
// log failures are returned. Resolved logs are cleaned up at the end.
func (c *Coordinator) Recover(ctx context.Context, resource xa.Resource) (err error) {
	rm := resource.ResourceManager()
	ctx = logutil.With(ctx, zap.String("rm", rm))
	defer func(timer func(...string)) {
		timer(rm, operator.Result(err))
	}(recoveryTimer.Timer())

	defer func() {
		if cerr := c.cfg.Store.Cleanup(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	logger := logutil.Logger(ctx).Sugar()
	xids, serr := resource.Recover(ctx)
	if serr != nil {
		logger.Errorf("recover scan : rm(%s), error(%v)", rm, serr)
		recoveryCounter.Inc(rm, "scan_failed")
		return nil
	}

	gids := xa.FilterRecoveryXids(xids, c.cfg.UniqueName)
	logger.Infof("recover : rm(%s), found(%d), mine(%d)", rm, len(xids), len(gids))

	limiter := c.limiter()
	for _, gid := range gids {
		if ctx.Err() != nil {
			logger.Warnf("recover interrupted : rm(%s), error(%v)", rm, ctx.Err())
			return nil
		}
		// an in-flight branch is resolved by its own transaction
		if c.isLive(gid.TransactionId) {
			recoveryCounter.Inc(rm, "live")
			continue
		}
		limiter.Take()
		if err = c.executor.RecoverBranch(ctx, resource, gid); err != nil {
			logger.Errorf("recover branch : xid(%s), rm(%s), error(%v)", gid, rm, err)
			if define.IsKind(err, define.KindLogIO) {
				return err
			}
			err = nil
		}
		recoveryCounter.Inc(rm, "resolved")
	}
	return nil
}

// RecoverAll recovers the resources concurrently and returns the first log failure.
func (c *Coordinator) RecoverAll(ctx context.Context, resources ...xa.Resource) error {
	g := errgroup.Group{}
	for _, r := range resources {
		r := r
		g.Go(func() error {
			return c.Recover(ctx, r)
		})
	}
	return g.Wait()
}
