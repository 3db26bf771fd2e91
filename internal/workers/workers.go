// Package workers runs the engine's background loops. Each loop is
// leader-locked so exactly one instance refreshes quotes or reconciles
// state at a time; followers keep contesting the lease and take over on
// leader failure.
package workers

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meridianre/meridian/internal/config"
	"github.com/meridianre/meridian/internal/leaderlock"
)

// QuoteRefresher refreshes the venue cost cache.
type QuoteRefresher interface {
	RefreshOnce(ctx context.Context) error
}

// HedgeReconciler re-drives stuck hedge placements and liquidations.
type HedgeReconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

// ClaimSweeper closes expired voting windows and pays approved claims.
type ClaimSweeper interface {
	ResolveExpiredVoting(ctx context.Context) (int, error)
	PayoutApproved(ctx context.Context) (int, error)
}

// Workers owns the leader-locked background loops.
type Workers struct {
	cfg             config.WorkersConfig
	refreshInterval time.Duration
	locker          *leaderlock.Locker
	refresher       QuoteRefresher
	hedges          HedgeReconciler
	claims          ClaimSweeper
	logger          *zap.Logger
}

// New assembles the worker set.
func New(cfg config.WorkersConfig, refreshInterval time.Duration, locker *leaderlock.Locker, refresher QuoteRefresher, hedges HedgeReconciler, claims ClaimSweeper, logger *zap.Logger) *Workers {
	return &Workers{
		cfg:             cfg,
		refreshInterval: refreshInterval,
		locker:          locker,
		refresher:       refresher,
		hedges:          hedges,
		claims:          claims,
		logger:          logger,
	}
}

// Run blocks until ctx is cancelled, running both loops under their
// leases.
func (w *Workers) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return w.locker.RunWithLease(groupCtx, "quote-refresh", w.refreshLoop)
	})
	group.Go(func() error {
		return w.locker.RunWithLease(groupCtx, "reconcile", w.reconcileLoop)
	})
	err := group.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// refreshLoop refreshes immediately on lease acquisition, then on the
// configured interval. Stale quotes fail closed at the pricing layer, so a
// failed refresh is logged and retried rather than escalated.
func (w *Workers) refreshLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.refreshInterval)
	defer ticker.Stop()
	for {
		if err := w.refresher.RefreshOnce(ctx); err != nil {
			w.logger.Warn("quote refresh failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Workers) reconcileLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		w.reconcileOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Workers) reconcileOnce(ctx context.Context) {
	acted, err := w.hedges.Reconcile(ctx)
	if err != nil {
		w.logger.Warn("hedge reconciliation failed", zap.Error(err))
	} else if acted > 0 {
		w.logger.Info("hedge positions reconciled", zap.Int("count", acted))
	}

	resolved, err := w.claims.ResolveExpiredVoting(ctx)
	if err != nil {
		w.logger.Warn("claim vote sweep failed", zap.Error(err))
	} else if resolved > 0 {
		w.logger.Info("expired claim votes resolved", zap.Int("count", resolved))
	}

	paid, err := w.claims.PayoutApproved(ctx)
	if err != nil {
		w.logger.Warn("approved claim payout sweep failed", zap.Error(err))
	} else if paid > 0 {
		w.logger.Info("approved claims paid", zap.Int("count", paid))
	}
}
