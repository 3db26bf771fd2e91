// Package ledger implements the tranche capital ledger, the single source
// of truth for pool capital. All capital mutation flows through one
// serialized entry point per operation; nothing else writes capital
// figures.
package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/meridianre/meridian/internal/config"
	"github.com/meridianre/meridian/internal/metrics"
	"github.com/meridianre/meridian/pkg/errors"
	"github.com/meridianre/meridian/pkg/models"
)

// TrancheAllocation records how much of a loss one tranche absorbed.
type TrancheAllocation struct {
	TrancheID string          `json:"tranche_id"`
	Seniority int             `json:"seniority"`
	Absorbed  decimal.Decimal `json:"absorbed"`
}

// LossReport is the outcome of a loss absorption pass.
type LossReport struct {
	Requested      decimal.Decimal     `json:"requested"`
	Absorbed       decimal.Decimal     `json:"absorbed"`
	Shortfall      decimal.Decimal     `json:"shortfall"`
	Allocations    []TrancheAllocation `json:"allocations"`
	BreakerTripped bool                `json:"breaker_tripped"`
	Insolvent      bool                `json:"insolvent"`
}

type lossEvent struct {
	amount decimal.Decimal
	at     time.Time
}

// Ledger owns the pool aggregate. Every exported method takes the single
// mutex, making each operation an atomic read-modify-write.
type Ledger struct {
	mu   sync.Mutex
	pool *models.Pool

	risk config.RiskConfig

	nextPolicyID uint64
	recentLosses []lossEvent

	db      *gorm.DB
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures optional ledger collaborators.
type Option func(*Ledger)

// WithDB enables durable journaling of every capital mutation.
func WithDB(db *gorm.DB) Option { return func(l *Ledger) { l.db = db } }

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option { return func(l *Ledger) { l.metrics = m } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// New builds a ledger with the configured tranches, most senior first.
func New(poolCfg config.PoolConfig, riskCfg config.RiskConfig, logger *zap.Logger, opts ...Option) (*Ledger, error) {
	if len(poolCfg.Tranches) == 0 {
		return nil, fmt.Errorf("ledger: at least one tranche is required")
	}
	tranches := make([]*models.Tranche, 0, len(poolCfg.Tranches))
	for _, tc := range poolCfg.Tranches {
		tranches = append(tranches, &models.Tranche{
			ID:               tc.ID,
			Seniority:        tc.Seniority,
			TargetYieldMin:   tc.TargetYieldMin,
			TargetYieldMax:   tc.TargetYieldMax,
			Capital:          decimal.Zero,
			AccumulatedYield: decimal.Zero,
			OutstandingUnits: decimal.Zero,
			LPPositions:      make(map[string]decimal.Decimal),
		})
	}
	sort.Slice(tranches, func(i, j int) bool { return tranches[i].Seniority < tranches[j].Seniority })

	l := &Ledger{
		pool: &models.Pool{
			TotalCapital:  decimal.Zero,
			Tranches:      tranches,
			AssetExposure: make(map[string]decimal.Decimal),
		},
		risk:         riskCfg,
		nextPolicyID: 1,
		logger:       logger,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.db != nil {
		if err := l.db.AutoMigrate(&JournalEntry{}, &TrancheSnapshot{}); err != nil {
			return nil, fmt.Errorf("ledger: migrate: %w", err)
		}
	}
	return l, nil
}

// NextPolicyID issues the next policy ID. IDs are sequential and
// monotonic, providing a global happens-before order for routing.
func (l *Ledger) NextPolicyID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextPolicyID
	l.nextPolicyID++
	return id
}

// Snapshot returns a deep copy of the pool for lock-free reads by the risk
// gate and pricing engine.
func (l *Ledger) Snapshot() models.Pool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Ledger) snapshotLocked() models.Pool {
	snap := models.Pool{
		TotalCapital:      l.pool.TotalCapital,
		TotalCoverageSold: l.pool.TotalCoverageSold,
		Paused:            l.pool.Paused,
		PauseReason:       l.pool.PauseReason,
		Tranches:          make([]*models.Tranche, len(l.pool.Tranches)),
		AssetExposure:     make(map[string]decimal.Decimal, len(l.pool.AssetExposure)),
	}
	for i, t := range l.pool.Tranches {
		copied := *t
		copied.LPPositions = make(map[string]decimal.Decimal, len(t.LPPositions))
		for lp, units := range t.LPPositions {
			copied.LPPositions[lp] = units
		}
		snap.Tranches[i] = &copied
	}
	for asset, exposure := range l.pool.AssetExposure {
		snap.AssetExposure[asset] = exposure
	}
	return snap
}

// Deposit adds LP capital to a tranche, issuing units at the current NAV
// (1:1 on an empty tranche).
func (l *Ledger) Deposit(trancheID, lp string, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, errors.NewValidation("amount", "deposit amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pool.Paused {
		return decimal.Zero, errors.NewPoolPaused(l.pool.PauseReason)
	}
	t := l.trancheLocked(trancheID)
	if t == nil {
		return decimal.Zero, errors.NewNotFound("tranche", trancheID)
	}

	nav := t.NAV()
	var units decimal.Decimal
	if nav.IsZero() {
		units = amount
	} else {
		units = amount.Div(nav)
	}
	t.Capital = t.Capital.Add(amount)
	t.OutstandingUnits = t.OutstandingUnits.Add(units)
	t.LPPositions[lp] = t.LPPositions[lp].Add(units)
	l.pool.TotalCapital = l.pool.TotalCapital.Add(amount)

	l.journalLocked("deposit", trancheID, amount)
	l.observeLocked()
	l.logger.Info("lp deposit",
		zap.String("tranche", trancheID),
		zap.String("lp", lp),
		zap.String("amount", amount.String()),
		zap.String("units", units.String()))
	return units, nil
}

// Withdraw redeems LP units from a tranche at current NAV. Withdrawals
// that would push the pool over its LTV ceiling are rejected.
func (l *Ledger) Withdraw(trancheID, lp string, units decimal.Decimal) (decimal.Decimal, error) {
	if units.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, errors.NewValidation("units", "withdrawal units must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pool.Paused {
		return decimal.Zero, errors.NewPoolPaused(l.pool.PauseReason)
	}
	t := l.trancheLocked(trancheID)
	if t == nil {
		return decimal.Zero, errors.NewNotFound("tranche", trancheID)
	}
	held := t.LPPositions[lp]
	if held.LessThan(units) {
		return decimal.Zero, errors.NewValidation("units", fmt.Sprintf("lp holds %s units, requested %s", held, units))
	}

	amount := t.NAV().Mul(units)
	if amount.GreaterThan(t.Capital) {
		amount = t.Capital
	}
	remaining := l.pool.TotalCapital.Sub(amount)
	if remaining.IsPositive() || remaining.IsZero() {
		if !remaining.IsZero() && l.pool.TotalCoverageSold.Div(remaining).GreaterThan(l.risk.MaxLTV) {
			return decimal.Zero, errors.NewInsufficientCapacity("post_withdrawal_ltv",
				l.pool.TotalCoverageSold.Div(remaining), l.risk.MaxLTV)
		}
		if remaining.IsZero() && l.pool.TotalCoverageSold.IsPositive() {
			return decimal.Zero, errors.NewInsufficientCapacity("post_withdrawal_ltv",
				decimal.NewFromInt(1), l.risk.MaxLTV)
		}
	}

	t.Capital = t.Capital.Sub(amount)
	t.OutstandingUnits = t.OutstandingUnits.Sub(units)
	t.LPPositions[lp] = held.Sub(units)
	if t.LPPositions[lp].IsZero() {
		delete(t.LPPositions, lp)
	}
	l.pool.TotalCapital = l.pool.TotalCapital.Sub(amount)

	l.journalLocked("withdraw", trancheID, amount.Neg())
	l.observeLocked()
	l.logger.Info("lp withdrawal",
		zap.String("tranche", trancheID),
		zap.String("lp", lp),
		zap.String("units", units.String()),
		zap.String("amount", amount.String()))
	return amount, nil
}

// CommitCoverage records a newly underwritten policy's coverage against
// pool exposure. The caller must have passed the risk gate.
func (l *Ledger) CommitCoverage(asset string, coverage decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pool.Paused {
		return errors.NewPoolPaused(l.pool.PauseReason)
	}
	l.pool.TotalCoverageSold = l.pool.TotalCoverageSold.Add(coverage)
	l.pool.AssetExposure[asset] = l.pool.AssetExposure[asset].Add(coverage)
	l.journalLocked("commit_coverage", asset, coverage)
	l.observeLocked()
	return nil
}

// ReleaseCoverage removes an expired, cancelled or claimed policy's
// coverage from pool exposure. Release is always permitted, paused or not.
func (l *Ledger) ReleaseCoverage(asset string, coverage decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pool.TotalCoverageSold = l.pool.TotalCoverageSold.Sub(coverage)
	if l.pool.TotalCoverageSold.IsNegative() {
		l.pool.TotalCoverageSold = decimal.Zero
	}
	exposure := l.pool.AssetExposure[asset].Sub(coverage)
	if exposure.IsNegative() {
		exposure = decimal.Zero
	}
	l.pool.AssetExposure[asset] = exposure
	l.journalLocked("release_coverage", asset, coverage.Neg())
	l.observeLocked()
}

// DistributePremiums allocates premium income pro rata by capital-time
// weight across tranches with capital, in two passes: weights first, then
// amounts. With a uniform accrual interval the time factor is identical
// across tranches and cancels, leaving capital weights. The final tranche
// receives the remainder so the distributed total is exact.
func (l *Ledger) DistributePremiums(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return errors.NewValidation("amount", "premium amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pool.Paused {
		return errors.NewPoolPaused(l.pool.PauseReason)
	}

	// Pass one: weights. Zero-capital tranches are skipped entirely.
	funded := make([]*models.Tranche, 0, len(l.pool.Tranches))
	totalWeight := decimal.Zero
	for _, t := range l.pool.Tranches {
		if t.Capital.IsPositive() {
			funded = append(funded, t)
			totalWeight = totalWeight.Add(t.Capital)
		}
	}
	if len(funded) == 0 {
		return errors.NewValidation("amount", "no funded tranches to distribute premiums to")
	}

	// Pass two: distribution, remainder to the last funded tranche.
	distributed := decimal.Zero
	for i, t := range funded {
		var share decimal.Decimal
		if i == len(funded)-1 {
			share = amount.Sub(distributed)
		} else {
			share = amount.Mul(t.Capital).Div(totalWeight).Round(8)
			distributed = distributed.Add(share)
		}
		t.AccumulatedYield = t.AccumulatedYield.Add(share)
		t.Capital = t.Capital.Add(share)
	}
	l.pool.TotalCapital = l.pool.TotalCapital.Add(amount)

	l.journalLocked("distribute_premiums", "", amount)
	l.observeLocked()
	if l.metrics != nil {
		f, _ := amount.Float64()
		l.metrics.PremiumsWritten.Add(f)
	}
	l.logger.Info("premiums distributed",
		zap.String("amount", amount.String()),
		zap.Int("tranches", len(funded)))
	return nil
}

// AbsorbLoss runs the reverse-seniority waterfall: the most junior funded
// tranche absorbs first, each clamped at its capital. The circuit breaker
// is evaluated as a side effect regardless of whether the loss is fully
// absorbed. A shortfall after all tranches are exhausted is insolvency:
// the pool pauses unconditionally and the error is fatal, not retryable.
func (l *Ledger) AbsorbLoss(amount decimal.Decimal) (LossReport, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return LossReport{}, errors.NewValidation("amount", "loss amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pool.Paused {
		return LossReport{}, errors.NewPoolPaused(l.pool.PauseReason)
	}

	report := LossReport{Requested: amount}
	remaining := amount

	// Reverse seniority: highest seniority number first.
	for i := len(l.pool.Tranches) - 1; i >= 0 && remaining.IsPositive(); i-- {
		t := l.pool.Tranches[i]
		if !t.Capital.IsPositive() {
			continue
		}
		absorbed := decimal.Min(remaining, t.Capital)
		t.Capital = t.Capital.Sub(absorbed)
		t.AccumulatedLosses = t.AccumulatedLosses.Add(absorbed)
		remaining = remaining.Sub(absorbed)
		report.Allocations = append(report.Allocations, TrancheAllocation{
			TrancheID: t.ID,
			Seniority: t.Seniority,
			Absorbed:  absorbed,
		})
	}

	report.Absorbed = amount.Sub(remaining)
	report.Shortfall = remaining
	l.pool.TotalCapital = l.pool.TotalCapital.Sub(report.Absorbed)

	now := l.now()
	l.recentLosses = append(l.recentLosses, lossEvent{amount: amount, at: now})
	l.pruneLossesLocked(now)

	if remaining.IsPositive() {
		report.Insolvent = true
		l.pauseLocked(fmt.Sprintf("insolvency: shortfall %s", remaining))
	} else if l.breakerTrippedLocked(amount) {
		report.BreakerTripped = true
		l.pauseLocked(fmt.Sprintf("circuit breaker: loss %s", amount))
	}

	l.journalLocked("absorb_loss", "", report.Absorbed.Neg())
	l.observeLocked()
	if l.metrics != nil {
		f, _ := report.Absorbed.Float64()
		l.metrics.LossesAbsorbed.Add(f)
	}
	l.logger.Info("loss absorbed",
		zap.String("requested", amount.String()),
		zap.String("absorbed", report.Absorbed.String()),
		zap.String("shortfall", report.Shortfall.String()),
		zap.Bool("breaker_tripped", report.BreakerTripped),
		zap.Bool("insolvent", report.Insolvent))

	if report.Insolvent {
		return report, errors.NewInsolvency(remaining)
	}
	return report, nil
}

// RefillProceeds returns realized hedge proceeds to pool capital,
// reversing the waterfall: the most senior tranche with accumulated losses
// is made whole first, and anything beyond recorded losses accrues to the
// most junior tranche. Permitted while paused, since a refill only
// restores capital.
func (l *Ledger) RefillProceeds(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return errors.NewValidation("amount", "refill amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	remaining := amount
	for _, t := range l.pool.Tranches {
		if !remaining.IsPositive() {
			break
		}
		if !t.AccumulatedLosses.IsPositive() {
			continue
		}
		restored := decimal.Min(remaining, t.AccumulatedLosses)
		t.Capital = t.Capital.Add(restored)
		t.AccumulatedLosses = t.AccumulatedLosses.Sub(restored)
		remaining = remaining.Sub(restored)
	}
	if remaining.IsPositive() {
		junior := l.pool.Tranches[len(l.pool.Tranches)-1]
		junior.Capital = junior.Capital.Add(remaining)
	}
	l.pool.TotalCapital = l.pool.TotalCapital.Add(amount)

	l.journalLocked("hedge_refill", "", amount)
	l.observeLocked()
	l.logger.Info("hedge proceeds refilled", zap.String("amount", amount.String()))
	return nil
}

// Pause marks the pool paused. Idempotent.
func (l *Ledger) Pause(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pauseLocked(reason)
	l.observeLocked()
}

// Unpause clears a pause. Requires the admin surface; the ledger itself
// never unpauses.
func (l *Ledger) Unpause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pool.Paused = false
	l.pool.PauseReason = ""
	l.journalLocked("unpause", "", decimal.Zero)
	l.observeLocked()
	l.logger.Warn("pool unpaused")
}

// Paused reports the pause flag.
func (l *Ledger) Paused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pool.Paused
}

func (l *Ledger) pauseLocked(reason string) {
	if l.pool.Paused {
		return
	}
	l.pool.Paused = true
	l.pool.PauseReason = reason
	l.journalLocked("pause", reason, decimal.Zero)
	l.logger.Error("pool paused", zap.String("reason", reason))
}

func (l *Ledger) breakerTrippedLocked(loss decimal.Decimal) bool {
	if l.risk.BreakerSingleLoss.IsPositive() && loss.GreaterThanOrEqual(l.risk.BreakerSingleLoss) {
		return true
	}
	if l.risk.BreakerWindowLoss.IsPositive() {
		window := decimal.Zero
		for _, ev := range l.recentLosses {
			window = window.Add(ev.amount)
		}
		if window.GreaterThanOrEqual(l.risk.BreakerWindowLoss) {
			return true
		}
	}
	return false
}

func (l *Ledger) pruneLossesLocked(now time.Time) {
	if l.risk.BreakerWindow <= 0 {
		return
	}
	cutoff := now.Add(-l.risk.BreakerWindow)
	kept := l.recentLosses[:0]
	for _, ev := range l.recentLosses {
		if ev.at.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	l.recentLosses = kept
}

func (l *Ledger) trancheLocked(id string) *models.Tranche {
	for _, t := range l.pool.Tranches {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (l *Ledger) observeLocked() {
	if l.metrics == nil {
		return
	}
	capital, _ := l.pool.TotalCapital.Float64()
	ltv, _ := l.pool.LTV().Float64()
	l.metrics.PoolCapital.Set(capital)
	l.metrics.PoolLTV.Set(ltv)
	if l.pool.Paused {
		l.metrics.PoolPaused.Set(1)
	} else {
		l.metrics.PoolPaused.Set(0)
	}
}

// LPUnits reports the units an LP holds across all tranches, used as the
// stake weight for claim votes.
func (l *Ledger) LPUnits(lp string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := decimal.Zero
	for _, t := range l.pool.Tranches {
		total = total.Add(t.LPPositions[lp])
	}
	return total
}
