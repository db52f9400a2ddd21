// Package sweeper expires stale pending join requests on a cron
// schedule. A request that sits unapproved past the configured age
// falls back to no membership, as if it had been denied.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"chatrelay/pkg/config"
	"chatrelay/pkg/directory"
	"chatrelay/pkg/logger"
)

const defaultPendingMaxAge = 7 * 24 * time.Hour

// Start starts the sweeping scheduler if enabled. Returns a cancel func.
func Start(ctx context.Context, eff config.EffectiveConfigResult, dir *directory.Directory) (context.CancelFunc, error) {
	sw := eff.Config.Sweeper

	if !sw.Enabled {
		logger.Info("sweeper_disabled")
		return func() {}, nil
	}

	maxAge := defaultPendingMaxAge
	if sw.PendingMaxAge != "" {
		d, err := time.ParseDuration(sw.PendingMaxAge)
		if err != nil || d <= 0 {
			logger.Error("sweeper_invalid_max_age", "pending_max_age", sw.PendingMaxAge)
			return nil, fmt.Errorf("invalid sweeper pending_max_age: %s", sw.PendingMaxAge)
		}
		maxAge = d
	}

	// map empty cron to default hourly
	cronExpr := sw.Cron
	if cronExpr == "" {
		cronExpr = "0 * * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("sweeper_invalid_cron", "cron", sw.Cron)
		return nil, fmt.Errorf("invalid sweeper cron expression: %s", sw.Cron)
	}

	logger.Info("sweeper_enabled", "cron", cronExpr, "pending_max_age", maxAge.String())
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, dir, cronExpr, maxAge)
	return cancel, nil
}

// runScheduler uses gronx to compute the next tick for the configured
// cron expression and sleeps until that time.
func runScheduler(ctx context.Context, dir *directory.Directory, cronExpr string, maxAge time.Duration) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("sweeper_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("sweeper_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				logger.Info("sweeper_scheduler_stopping")
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait <= 0 {
			RunOnce(dir, maxAge)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				logger.Info("sweeper_scheduler_stopping")
				return
			}
			continue
		}

		select {
		case <-time.After(wait):
			RunOnce(dir, maxAge)
		case <-ctx.Done():
			logger.Info("sweeper_scheduler_stopping")
			return
		}
	}
}

// RunOnce performs a single expiry sweep. Exposed so admin triggers and
// tests can run a sweep on demand.
func RunOnce(dir *directory.Directory, maxAge time.Duration) {
	n, err := dir.ExpirePending(maxAge)
	if err != nil {
		logger.Error("sweeper_run_error", "error", err)
		return
	}
	if n > 0 {
		logger.Info("sweeper_run_done", "expired", n)
	}
}
