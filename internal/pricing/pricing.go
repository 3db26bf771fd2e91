// Package pricing computes policy premiums. Premium calculation is a pure
// function of the pool snapshot, product configuration and (for
// swing-priced products) the latest hedge-cost quote: identical inputs
// always reproduce the same premium.
package pricing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianre/meridian/internal/config"
	"github.com/meridianre/meridian/pkg/errors"
	"github.com/meridianre/meridian/pkg/models"
)

// QuoteSource supplies the latest hedge-cost quote per coverage class.
// Implementations must return a StaleQuote error rather than old data.
type QuoteSource interface {
	LatestQuote(ctx context.Context, coverageType models.CoverageType) (models.PriceQuote, error)
}

// Request describes a policy to be priced.
type Request struct {
	CoverageType   models.CoverageType
	Asset          string
	CoverageAmount decimal.Decimal
	DurationDays   int
}

// Component is one named term of the premium breakdown. Components sum to
// the premium.
type Component struct {
	Name   string          `json:"name"`
	Amount decimal.Decimal `json:"amount"`
}

// Quote is a priced premium with its breakdown and validity window.
type Quote struct {
	Premium   decimal.Decimal `json:"premium"`
	Breakdown []Component     `json:"breakdown_by_component"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Engine prices admitted policies.
type Engine struct {
	cfg    config.PricingConfig
	risk   config.RiskConfig
	hedge  config.HedgeConfig
	quotes QuoteSource
	logger *zap.Logger
	now    func() time.Time
}

// New creates a pricing engine. quotes may be nil when no product is
// swing-priced.
func New(cfg config.PricingConfig, risk config.RiskConfig, hedge config.HedgeConfig, quotes QuoteSource, logger *zap.Logger) *Engine {
	return &Engine{cfg: cfg, risk: risk, hedge: hedge, quotes: quotes, logger: logger, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

var (
	one         = decimal.NewFromInt(1)
	daysPerYear = decimal.NewFromInt(365)
)

// CalculatePremium prices the request against the pool snapshot.
//
// base = coverage x annual_base_rate x days/365, then multiplicative
// risk-factor, utilization and market-stress adjustments, then the size
// discount, then (swing-priced products only) an additive hedge-cost term
// from the latest quote weighted by venue allocation.
func (e *Engine) CalculatePremium(ctx context.Context, pool models.Pool, req Request) (Quote, error) {
	if req.CoverageAmount.LessThanOrEqual(decimal.Zero) {
		return Quote{}, errors.NewValidation("coverage_amount", "coverage amount must be positive")
	}
	if req.DurationDays <= 0 {
		return Quote{}, errors.NewValidation("duration_days", "duration must be at least one day")
	}
	product, ok := e.cfg.Products[string(req.CoverageType)]
	if !ok {
		return Quote{}, errors.NewValidation("coverage_type", "unknown coverage type "+string(req.CoverageType))
	}

	duration := decimal.NewFromInt(int64(req.DurationDays)).Div(daysPerYear)
	base := req.CoverageAmount.Mul(product.AnnualBaseRate).Mul(duration)
	breakdown := []Component{{Name: "base", Amount: base}}
	premium := base

	// Risk-factor multiplier for the asset/venue risk class.
	adjusted := premium.Mul(product.RiskFactor)
	breakdown = append(breakdown, Component{Name: "risk_adjustment", Amount: adjusted.Sub(premium)})
	premium = adjusted

	// Utilization multiplier rises linearly from the knee to the ceiling.
	utilization := e.utilizationMultiplier(pool, req.CoverageAmount)
	adjusted = premium.Mul(utilization)
	breakdown = append(breakdown, Component{Name: "utilization_adjustment", Amount: adjusted.Sub(premium)})
	premium = adjusted

	adjusted = premium.Mul(e.cfg.MarketStress)
	breakdown = append(breakdown, Component{Name: "stress_adjustment", Amount: adjusted.Sub(premium)})
	premium = adjusted

	if discount := e.sizeDiscount(req.CoverageAmount); discount.IsPositive() {
		reduction := premium.Mul(discount).Neg()
		breakdown = append(breakdown, Component{Name: "size_discount", Amount: reduction})
		premium = premium.Add(reduction)
	}

	if product.SwingPriced {
		hedgeCost, err := e.hedgeCost(ctx, req)
		if err != nil {
			return Quote{}, err
		}
		breakdown = append(breakdown, Component{Name: "hedge_cost", Amount: hedgeCost})
		premium = premium.Add(hedgeCost)
	}

	premium = premium.Round(8)
	return Quote{
		Premium:   premium,
		Breakdown: breakdown,
		ExpiresAt: e.now().Add(e.cfg.QuoteValidity),
	}, nil
}

// utilizationMultiplier is 1 at or below the knee and rises linearly to
// 1 + utilization_max_premium as projected LTV approaches the ceiling.
func (e *Engine) utilizationMultiplier(pool models.Pool, coverage decimal.Decimal) decimal.Decimal {
	if pool.TotalCapital.LessThanOrEqual(decimal.Zero) {
		return one
	}
	projected := pool.TotalCoverageSold.Add(coverage).Div(pool.TotalCapital)
	knee := e.cfg.UtilizationKnee
	ceiling := e.risk.MaxLTV
	if projected.LessThanOrEqual(knee) || ceiling.LessThanOrEqual(knee) {
		return one
	}
	frac := projected.Sub(knee).Div(ceiling.Sub(knee))
	if frac.GreaterThan(one) {
		frac = one
	}
	return one.Add(e.cfg.UtilizationMaxPremium.Mul(frac))
}

// sizeDiscount returns the discount of the highest tier the coverage
// amount reaches, zero when no tier applies.
func (e *Engine) sizeDiscount(coverage decimal.Decimal) decimal.Decimal {
	best := decimal.Zero
	for _, tier := range e.cfg.SizeTiers {
		if coverage.GreaterThanOrEqual(tier.MinCoverage) && tier.Discount.GreaterThan(best) {
			best = tier.Discount
		}
	}
	return best
}

// hedgeCost computes the additive swing-pricing term: the hedge notional
// times each venue's quoted cost ratio weighted by its fixed allocation
// share. Fails with StaleQuote rather than reusing old data.
func (e *Engine) hedgeCost(ctx context.Context, req Request) (decimal.Decimal, error) {
	if e.quotes == nil {
		return decimal.Zero, errors.New(errors.CodeStaleQuote, "no quote source configured for swing-priced product")
	}
	quote, err := e.quotes.LatestQuote(ctx, req.CoverageType)
	if err != nil {
		return decimal.Zero, err
	}

	costs := make(map[string]decimal.Decimal, len(quote.VenueCosts))
	for _, vc := range quote.VenueCosts {
		costs[vc.Venue] = vc.Cost
	}
	notional := req.CoverageAmount.Mul(e.hedge.HedgeRatio)
	total := decimal.Zero
	for _, venue := range e.hedge.Venues {
		total = total.Add(notional.Mul(venue.Allocation).Mul(costs[venue.Name]))
	}
	return total, nil
}
