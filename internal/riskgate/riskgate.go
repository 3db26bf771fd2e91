// Package riskgate implements admission control for new policies. The gate
// is a pure predicate over a pool snapshot: it never mutates state, and
// every product passes through the same checks with no bypass.
package riskgate

import (
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianre/meridian/internal/config"
	"github.com/meridianre/meridian/pkg/errors"
	"github.com/meridianre/meridian/pkg/models"
)

// Request describes a proposed policy for admission.
type Request struct {
	CoverageType   models.CoverageType
	Asset          string
	CoverageAmount decimal.Decimal
}

// Limits are the admission parameters an operator may adjust at runtime.
type Limits struct {
	MaxLTV                   decimal.Decimal `json:"max_ltv"`
	MaxSingleAssetExposure   decimal.Decimal `json:"max_single_asset_exposure"`
	RequiredStressMultiplier decimal.Decimal `json:"required_stress_multiplier"`
}

// Gate evaluates whether a proposed policy may be underwritten.
type Gate struct {
	mu     sync.RWMutex
	cfg    config.RiskConfig
	logger *zap.Logger
}

// New creates a risk gate with the given parameters.
func New(cfg config.RiskConfig, logger *zap.Logger) *Gate {
	return &Gate{cfg: cfg, logger: logger}
}

// Limits returns the current adjustable admission limits.
func (g *Gate) Limits() Limits {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Limits{
		MaxLTV:                   g.cfg.MaxLTV,
		MaxSingleAssetExposure:   g.cfg.MaxSingleAssetExposure,
		RequiredStressMultiplier: g.cfg.RequiredStressMultiplier,
	}
}

// SetLimits replaces the adjustable admission limits. Takes effect for
// the next admission check; in-flight checks use the snapshot they read.
func (g *Gate) SetLimits(limits Limits) error {
	if limits.MaxLTV.LessThanOrEqual(decimal.Zero) || limits.MaxLTV.GreaterThan(decimal.NewFromInt(1)) {
		return errors.NewValidation("max_ltv", "must be in (0, 1]")
	}
	if limits.MaxSingleAssetExposure.LessThanOrEqual(decimal.Zero) || limits.MaxSingleAssetExposure.GreaterThan(decimal.NewFromInt(1)) {
		return errors.NewValidation("max_single_asset_exposure", "must be in (0, 1]")
	}
	if limits.RequiredStressMultiplier.LessThanOrEqual(decimal.Zero) {
		return errors.NewValidation("required_stress_multiplier", "must be positive")
	}
	g.mu.Lock()
	g.cfg.MaxLTV = limits.MaxLTV
	g.cfg.MaxSingleAssetExposure = limits.MaxSingleAssetExposure
	g.cfg.RequiredStressMultiplier = limits.RequiredStressMultiplier
	g.mu.Unlock()
	g.logger.Warn("admission limits updated",
		zap.String("max_ltv", limits.MaxLTV.String()),
		zap.String("max_single_asset_exposure", limits.MaxSingleAssetExposure.String()),
		zap.String("required_stress_multiplier", limits.RequiredStressMultiplier.String()))
	return nil
}

// CanUnderwrite checks, in order and short-circuiting on first failure:
// projected LTV, per-asset concentration, and stress-tested worst-case
// loss against the capital buffer. A nil return means admissible.
func (g *Gate) CanUnderwrite(pool models.Pool, req Request) error {
	if req.CoverageAmount.LessThanOrEqual(decimal.Zero) {
		return errors.NewValidation("coverage_amount", "coverage amount must be positive")
	}
	if pool.Paused {
		return errors.NewPoolPaused(pool.PauseReason)
	}
	if pool.TotalCapital.LessThanOrEqual(decimal.Zero) {
		return errors.NewInsufficientCapacity("total_capital", decimal.Zero, decimal.Zero)
	}

	g.mu.RLock()
	cfg := g.cfg
	g.mu.RUnlock()

	if err := g.checkLTV(pool, req, cfg); err != nil {
		return err
	}
	if err := g.checkConcentration(pool, req, cfg); err != nil {
		return err
	}
	return g.checkStress(pool, req, cfg)
}

func (g *Gate) checkLTV(pool models.Pool, req Request, cfg config.RiskConfig) error {
	projected := pool.TotalCoverageSold.Add(req.CoverageAmount).Div(pool.TotalCapital)
	if projected.GreaterThan(cfg.MaxLTV) {
		g.logger.Debug("admission rejected on ltv",
			zap.String("projected", projected.String()),
			zap.String("max_ltv", cfg.MaxLTV.String()))
		return errors.NewInsufficientCapacity("projected_ltv", projected, cfg.MaxLTV)
	}
	return nil
}

func (g *Gate) checkConcentration(pool models.Pool, req Request, cfg config.RiskConfig) error {
	exposure := pool.AssetExposure[req.Asset].Add(req.CoverageAmount).Div(pool.TotalCapital)
	if exposure.GreaterThan(cfg.MaxSingleAssetExposure) {
		g.logger.Debug("admission rejected on concentration",
			zap.String("asset", req.Asset),
			zap.String("exposure", exposure.String()),
			zap.String("limit", cfg.MaxSingleAssetExposure.String()))
		return errors.NewInsufficientCapacity("asset_concentration", exposure, cfg.MaxSingleAssetExposure)
	}
	return nil
}

// checkStress replays each configured scenario against the hypothetical
// post-admission pool and compares the worst-case loss to the buffer the
// pool retains after covering sold exposure.
func (g *Gate) checkStress(pool models.Pool, req Request, cfg config.RiskConfig) error {
	if len(cfg.StressScenarios) == 0 {
		return nil
	}

	coverageSold := pool.TotalCoverageSold.Add(req.CoverageAmount)
	exposure := make(map[string]decimal.Decimal, len(pool.AssetExposure)+1)
	for asset, amt := range pool.AssetExposure {
		exposure[asset] = amt
	}
	exposure[req.Asset] = exposure[req.Asset].Add(req.CoverageAmount)

	worst := decimal.Zero
	worstName := ""
	for _, scenario := range cfg.StressScenarios {
		loss := coverageSold.Mul(scenario.LossRatio)
		for asset, shock := range scenario.AssetShock {
			loss = loss.Add(exposure[asset].Mul(shock))
		}
		if loss.GreaterThan(worst) {
			worst = loss
			worstName = scenario.Name
		}
	}

	buffer := pool.TotalCapital.Sub(coverageSold)
	if buffer.IsNegative() {
		buffer = decimal.Zero
	}
	allowed := buffer.Mul(cfg.RequiredStressMultiplier)
	if worst.GreaterThan(allowed) {
		g.logger.Debug("admission rejected on stress test",
			zap.String("scenario", worstName),
			zap.String("worst_case_loss", worst.String()),
			zap.String("allowed", allowed.String()))
		return errors.NewInsufficientCapacity("stress_test", worst, allowed).
			WithField("scenario", worstName)
	}
	return nil
}
