// Package hedge coordinates externally-held risk offsets: placement on
// policy creation, liquidation on claim approval, and idempotent
// settlement reconciled back into the tranche ledger. The coordinator is
// the sole mutator of hedge positions.
package hedge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/meridianre/meridian/internal/config"
	"github.com/meridianre/meridian/internal/metrics"
	"github.com/meridianre/meridian/pkg/errors"
	"github.com/meridianre/meridian/pkg/models"
)

// Alerter escalates conditions needing manual intervention.
type Alerter interface {
	Alert(ctx context.Context, kind string, detail map[string]string) error
}

// RefillFunc books realized hedge proceeds back into the ledger.
type RefillFunc func(amount decimal.Decimal) error

// Coordinator issues, tracks and liquidates hedge positions.
type Coordinator struct {
	cfg      config.HedgeConfig
	registry *Registry
	db       *gorm.DB
	alerter  Alerter
	refill   RefillFunc
	logger   *zap.Logger
	metrics  *metrics.Metrics

	breakerMu sync.Mutex
	breakers  map[string]*breaker

	// settleMu serializes settlement application so the all-venues-settled
	// check and the refill run exactly once per policy.
	settleMu sync.Mutex

	wg    sync.WaitGroup
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a hedge coordinator backed by the given position store.
func New(cfg config.HedgeConfig, registry *Registry, db *gorm.DB, alerter Alerter, refill RefillFunc, logger *zap.Logger, m *metrics.Metrics) (*Coordinator, error) {
	if err := db.AutoMigrate(&models.HedgePosition{}); err != nil {
		return nil, fmt.Errorf("hedge: migrate: %w", err)
	}
	return &Coordinator{
		cfg:      cfg,
		registry: registry,
		db:       db,
		alerter:  alerter,
		refill:   refill,
		logger:   logger,
		metrics:  m,
		breakers: make(map[string]*breaker),
		now:      time.Now,
		sleep:    sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// WithClock overrides the time source, for tests.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// WithSleep overrides the retry backoff sleeper, for tests.
func (c *Coordinator) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Coordinator {
	c.sleep = sleep
	return c
}

// Wait blocks until all in-flight placements finish. Used on shutdown and
// in tests.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) breakerFor(venue string) *breaker {
	c.breakerMu.Lock()
	defer c.breakerMu.Unlock()
	b, ok := c.breakers[venue]
	if !ok {
		b = newBreaker(venue, c.cfg, c.logger, c.now)
		c.breakers[venue] = b
	}
	return b
}

func (c *Coordinator) observeBreaker(venue string) {
	if c.metrics == nil {
		return
	}
	c.metrics.BreakerState.WithLabelValues(venue).Set(float64(c.breakerFor(venue).State()))
}

// BreakerState exposes a venue's breaker state for the admin surface.
func (c *Coordinator) BreakerState(venue string) BreakerState {
	return c.breakerFor(venue).State()
}

// SplitNotional computes the hedge notional for a coverage amount and its
// fixed per-venue split.
func (c *Coordinator) SplitNotional(coverage decimal.Decimal) map[string]decimal.Decimal {
	notional := coverage.Mul(c.cfg.HedgeRatio)
	split := make(map[string]decimal.Decimal, len(c.cfg.Venues))
	for _, venue := range c.cfg.Venues {
		split[venue.Name] = notional.Mul(venue.Allocation)
	}
	return split
}

// PlaceHedges creates one pending position per configured venue and starts
// their placements independently: a single venue's failure never blocks
// the others or the policy's activation. Returns the total hedge notional.
func (c *Coordinator) PlaceHedges(ctx context.Context, policy *models.Policy) (decimal.Decimal, error) {
	split := c.SplitNotional(policy.CoverageAmount)
	total := decimal.Zero
	for _, venue := range c.cfg.Venues {
		notional := split[venue.Name]
		if !notional.IsPositive() {
			continue
		}
		total = total.Add(notional)
		position := &models.HedgePosition{
			ID:        uuid.New(),
			PolicyID:  policy.ID,
			Venue:     venue.Name,
			Notional:  notional,
			Status:    models.HedgePending,
			CreatedAt: c.now(),
			UpdatedAt: c.now(),
		}
		if err := c.db.Create(position).Error; err != nil {
			return decimal.Zero, fmt.Errorf("hedge: create position: %w", err)
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			// Detached from the request context: placement outlives the
			// policy-creation call.
			c.placeWithRetry(context.WithoutCancel(ctx), position)
		}()
	}
	return total, nil
}

// placeWithRetry drives one position Pending -> Filled|Failed with bounded
// backoff, escalating to a manual-intervention alert after the final
// attempt.
func (c *Coordinator) placeWithRetry(ctx context.Context, position *models.HedgePosition) {
	for {
		if c.policyClosed(position.PolicyID) {
			c.abandonPlacement(ctx, position)
			return
		}
		err := c.placeOnce(ctx, position)
		if err == nil {
			return
		}
		position.Attempts++
		position.LastError = err.Error()
		if position.Attempts >= c.cfg.MaxAttempts {
			position.Status = models.HedgeFailed
			c.savePosition(position)
			c.escalate(ctx, "hedge_placement_failed", position)
			return
		}
		c.savePosition(position)
		c.logger.Warn("hedge placement retry scheduled",
			zap.Uint64("policy_id", position.PolicyID),
			zap.String("venue", position.Venue),
			zap.Int("attempt", position.Attempts),
			zap.Error(err))
		if c.sleep(ctx, c.cfg.RetryBackoff) != nil {
			return
		}
	}
}

func (c *Coordinator) placeOnce(ctx context.Context, position *models.HedgePosition) error {
	client, err := c.registry.Get(position.Venue)
	if err != nil {
		return err
	}
	var result OrderResult
	err = c.breakerFor(position.Venue).Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
		var placeErr error
		result, placeErr = client.PlaceOrder(callCtx, position.Notional)
		return placeErr
	})
	c.observeBreaker(position.Venue)
	if err != nil {
		if c.metrics != nil {
			c.metrics.VenueFailures.WithLabelValues(position.Venue).Inc()
		}
		return errors.NewVenueTransient(position.Venue, err)
	}
	position.Status = models.HedgeFilled
	position.ExternalReference = result.ExternalReference
	position.LastError = ""
	c.savePosition(position)
	c.logger.Info("hedge placed",
		zap.Uint64("policy_id", position.PolicyID),
		zap.String("venue", position.Venue),
		zap.String("notional", position.Notional.String()))
	return nil
}

// LiquidatePolicy concurrently liquidates all filled positions for a
// policy. Venue failures leave positions Liquidating for the
// reconciliation sweep; they are never silently dropped.
func (c *Coordinator) LiquidatePolicy(ctx context.Context, policyID uint64) error {
	var positions []models.HedgePosition
	if err := c.db.Find(&positions, "policy_id = ?", policyID).Error; err != nil {
		return fmt.Errorf("hedge: load positions: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for i := range positions {
		position := positions[i]
		if position.Status != models.HedgeFilled && position.Status != models.HedgeLiquidating {
			continue
		}
		if position.Status == models.HedgeFilled {
			position.Status = models.HedgeLiquidating
			c.savePosition(&position)
		}
		group.Go(func() error {
			if err := c.liquidateOne(groupCtx, &position); err != nil {
				c.logger.Warn("liquidation pending retry",
					zap.Uint64("policy_id", position.PolicyID),
					zap.String("venue", position.Venue),
					zap.Error(err))
			}
			// Per-venue failures are retried by the sweep, not surfaced.
			return nil
		})
	}
	return group.Wait()
}

func (c *Coordinator) liquidateOne(ctx context.Context, position *models.HedgePosition) error {
	client, err := c.registry.Get(position.Venue)
	if err != nil {
		return err
	}
	var result LiquidationResult
	err = c.breakerFor(position.Venue).Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
		var liqErr error
		result, liqErr = client.Liquidate(callCtx, position.ExternalReference)
		return liqErr
	})
	c.observeBreaker(position.Venue)
	if err != nil {
		if c.metrics != nil {
			c.metrics.VenueFailures.WithLabelValues(position.Venue).Inc()
		}
		return errors.NewVenueTransient(position.Venue, err)
	}
	result.PolicyID = position.PolicyID
	result.Venue = position.Venue
	return c.HandleLiquidationResult(ctx, result)
}

// HandleLiquidationResult applies one venue's liquidation report.
// Idempotent: a report for an already-Settled position is a no-op, not an
// error. When the last open position for a policy settles, realized
// proceeds are refilled into the ledger and slippage beyond the configured
// tolerance is escalated.
func (c *Coordinator) HandleLiquidationResult(ctx context.Context, result LiquidationResult) error {
	c.settleMu.Lock()
	defer c.settleMu.Unlock()

	var position models.HedgePosition
	err := c.db.First(&position, "policy_id = ? AND venue = ?", result.PolicyID, result.Venue).Error
	if err != nil {
		return errors.NewNotFound("hedge position", fmt.Sprintf("%d/%s", result.PolicyID, result.Venue))
	}
	if position.Status == models.HedgeSettled {
		c.logger.Debug("duplicate liquidation report ignored",
			zap.Uint64("policy_id", result.PolicyID),
			zap.String("venue", result.Venue))
		return nil
	}

	position.Status = models.HedgeSettled
	position.RealizedProceeds = result.Proceeds
	c.savePosition(&position)
	if c.metrics != nil {
		c.metrics.HedgeSettlements.Inc()
	}
	c.logger.Info("hedge position settled",
		zap.Uint64("policy_id", result.PolicyID),
		zap.String("venue", result.Venue),
		zap.String("proceeds", result.Proceeds.String()))

	return c.maybeRefillLocked(ctx, result.PolicyID)
}

// maybeRefillLocked refills the ledger once every non-failed position for
// the policy has settled.
func (c *Coordinator) maybeRefillLocked(ctx context.Context, policyID uint64) error {
	var positions []models.HedgePosition
	if err := c.db.Find(&positions, "policy_id = ?", policyID).Error; err != nil {
		return fmt.Errorf("hedge: load positions: %w", err)
	}
	proceeds := decimal.Zero
	expected := decimal.Zero
	for _, position := range positions {
		switch position.Status {
		case models.HedgeSettled:
			proceeds = proceeds.Add(position.RealizedProceeds)
			expected = expected.Add(position.Notional)
		case models.HedgeFailed:
			// Never held notional; excluded from settlement accounting.
		default:
			return nil
		}
	}
	if !proceeds.IsPositive() {
		return nil
	}
	if err := c.refill(proceeds); err != nil {
		return fmt.Errorf("hedge: ledger refill: %w", err)
	}
	c.logger.Info("hedge proceeds refilled",
		zap.Uint64("policy_id", policyID),
		zap.String("proceeds", proceeds.String()),
		zap.String("expected", expected.String()))

	if expected.IsPositive() {
		shortfall := expected.Sub(proceeds).Div(expected)
		if shortfall.GreaterThan(c.cfg.SlippageTolerance) {
			c.alert(ctx, "hedge_slippage_exceeded", map[string]string{
				"policy_id": fmt.Sprintf("%d", policyID),
				"expected":  expected.String(),
				"realized":  proceeds.String(),
				"shortfall": shortfall.String(),
				"tolerance": c.cfg.SlippageTolerance.String(),
			})
		}
	}
	return nil
}

// Reconcile re-drives stuck positions: pending placements past their
// backoff are retried or abandoned when the policy has closed, liquidating
// positions are re-issued, and fills that landed after payout-time
// liquidation already ran are unwound. Returns how many positions were
// acted on.
func (c *Coordinator) Reconcile(ctx context.Context) (int, error) {
	cutoff := c.now().Add(-c.cfg.RetryBackoff)
	var stuck []models.HedgePosition
	err := c.db.Find(&stuck, "status IN ? AND updated_at < ?",
		[]models.HedgeStatus{models.HedgePending, models.HedgeLiquidating, models.HedgeFilled}, cutoff).Error
	if err != nil {
		return 0, fmt.Errorf("hedge: load stuck positions: %w", err)
	}

	acted := 0
	for i := range stuck {
		position := stuck[i]
		switch position.Status {
		case models.HedgePending:
			acted++
			if c.policyClosed(position.PolicyID) {
				c.abandonPlacement(ctx, &position)
				continue
			}
			if position.Attempts >= c.cfg.MaxAttempts {
				position.Status = models.HedgeFailed
				c.savePosition(&position)
				c.escalate(ctx, "hedge_placement_failed", &position)
				continue
			}
			if err := c.placeOnce(ctx, &position); err != nil {
				position.Attempts++
				position.LastError = err.Error()
				c.savePosition(&position)
			}
		case models.HedgeLiquidating:
			acted++
			if err := c.liquidateOne(ctx, &position); err != nil {
				c.logger.Warn("reconcile liquidation still failing",
					zap.Uint64("policy_id", position.PolicyID),
					zap.String("venue", position.Venue),
					zap.Error(err))
			}
		case models.HedgeFilled:
			// A fill that landed after the policy closed holds a live
			// offset for dead coverage and blocks the refill of the other
			// venues' proceeds.
			if !c.policyClosed(position.PolicyID) {
				continue
			}
			acted++
			position.Status = models.HedgeLiquidating
			c.savePosition(&position)
			if err := c.liquidateOne(ctx, &position); err != nil {
				c.logger.Warn("orphaned hedge liquidation failing",
					zap.Uint64("policy_id", position.PolicyID),
					zap.String("venue", position.Venue),
					zap.Error(err))
			}
		}
	}
	return acted, nil
}

// policyClosed reports whether the policy no longer carries live coverage.
// An unknown policy is treated as live; placement then fails on its own
// terms.
func (c *Coordinator) policyClosed(policyID uint64) bool {
	var policy models.Policy
	if err := c.db.First(&policy, "id = ?", policyID).Error; err != nil {
		return false
	}
	switch policy.Status {
	case models.PolicyClaimed, models.PolicyExpired, models.PolicyCancelled:
		return true
	}
	return false
}

// abandonPlacement fails a pending position whose policy closed before the
// order went out, then re-checks whether the remaining settled positions
// refill. The position never held notional, so failing it keeps the
// settlement accounting exact.
func (c *Coordinator) abandonPlacement(ctx context.Context, position *models.HedgePosition) {
	c.settleMu.Lock()
	defer c.settleMu.Unlock()
	position.Status = models.HedgeFailed
	position.LastError = "policy closed before placement"
	c.savePosition(position)
	c.logger.Warn("hedge placement abandoned",
		zap.Uint64("policy_id", position.PolicyID),
		zap.String("venue", position.Venue))
	if err := c.maybeRefillLocked(ctx, position.PolicyID); err != nil {
		c.logger.Error("refill after abandoned placement failed",
			zap.Uint64("policy_id", position.PolicyID),
			zap.Error(err))
	}
}

func (c *Coordinator) savePosition(position *models.HedgePosition) {
	position.UpdatedAt = c.now()
	if err := c.db.Save(position).Error; err != nil {
		c.logger.Error("hedge position save failed",
			zap.Uint64("policy_id", position.PolicyID),
			zap.String("venue", position.Venue),
			zap.Error(err))
	}
}

func (c *Coordinator) escalate(ctx context.Context, kind string, position *models.HedgePosition) {
	c.logger.Error("hedge escalation",
		zap.String("kind", kind),
		zap.Uint64("policy_id", position.PolicyID),
		zap.String("venue", position.Venue),
		zap.Int("attempts", position.Attempts),
		zap.String("last_error", position.LastError))
	c.alert(ctx, kind, map[string]string{
		"policy_id":  fmt.Sprintf("%d", position.PolicyID),
		"venue":      position.Venue,
		"attempts":   fmt.Sprintf("%d", position.Attempts),
		"last_error": position.LastError,
	})
}

func (c *Coordinator) alert(ctx context.Context, kind string, detail map[string]string) {
	if c.alerter == nil {
		return
	}
	if err := c.alerter.Alert(ctx, kind, detail); err != nil {
		c.logger.Error("alert delivery failed", zap.String("kind", kind), zap.Error(err))
	}
}
