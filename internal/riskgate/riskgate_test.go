package riskgate

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridianre/meridian/internal/config"
	"github.com/meridianre/meridian/pkg/errors"
	"github.com/meridianre/meridian/pkg/models"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func testGate() *Gate {
	return New(config.RiskConfig{
		MaxLTV:                   d("0.75"),
		MaxSingleAssetExposure:   d("0.30"),
		RequiredStressMultiplier: d("1.5"),
		StressScenarios: []config.StressScenario{
			{Name: "broad_drawdown", LossRatio: d("0.25")},
			{Name: "btc_crash", LossRatio: d("0.10"), AssetShock: map[string]decimal.Decimal{"BTC": d("0.50")}},
		},
	}, zap.NewNop())
}

func testPool(capital, sold string) models.Pool {
	return models.Pool{
		TotalCapital:      d(capital),
		TotalCoverageSold: d(sold),
		AssetExposure:     map[string]decimal.Decimal{},
	}
}

func TestRejectsOverLTV(t *testing.T) {
	gate := testGate()
	pool := testPool("1000000", "740000")

	err := gate.CanUnderwrite(pool, Request{Asset: "ETH", CoverageAmount: d("50000")})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInsufficientCapacity))

	var domainErr *errors.Error
	require.True(t, errors.As(err, &domainErr))
	assert.Equal(t, "projected_ltv", domainErr.Fields["check"])
	assert.Equal(t, "0.79", domainErr.Fields["current"])
	assert.Equal(t, "0.75", domainErr.Fields["limit"])
}

func TestRejectsConcentration(t *testing.T) {
	gate := testGate()
	pool := testPool("1000000", "250000")
	pool.AssetExposure["BTC"] = d("250000")

	err := gate.CanUnderwrite(pool, Request{Asset: "BTC", CoverageAmount: d("100000")})
	require.Error(t, err)
	var domainErr *errors.Error
	require.True(t, errors.As(err, &domainErr))
	assert.Equal(t, "asset_concentration", domainErr.Fields["check"])
}

func TestChecksShortCircuitInOrder(t *testing.T) {
	gate := testGate()
	// Violates both LTV and concentration: LTV must be reported.
	pool := testPool("1000000", "700000")
	pool.AssetExposure["BTC"] = d("700000")

	err := gate.CanUnderwrite(pool, Request{Asset: "BTC", CoverageAmount: d("100000")})
	require.Error(t, err)
	var domainErr *errors.Error
	require.True(t, errors.As(err, &domainErr))
	assert.Equal(t, "projected_ltv", domainErr.Fields["check"])
}

func TestRejectsOnStressTest(t *testing.T) {
	gate := New(config.RiskConfig{
		MaxLTV:                   d("0.75"),
		MaxSingleAssetExposure:   d("0.30"),
		RequiredStressMultiplier: d("1.5"),
		StressScenarios: []config.StressScenario{
			{Name: "severe_drawdown", LossRatio: d("0.60")},
		},
	}, zap.NewNop())

	// LTV 0.74 and concentration pass, but the scenario loss
	// 0.60 * 740k = 444k exceeds 1.5x the 260k buffer (390k).
	pool := testPool("1000000", "650000")
	err := gate.CanUnderwrite(pool, Request{Asset: "ETH", CoverageAmount: d("90000")})
	require.Error(t, err)
	var domainErr *errors.Error
	require.True(t, errors.As(err, &domainErr))
	assert.Equal(t, "stress_test", domainErr.Fields["check"])
	assert.Equal(t, "severe_drawdown", domainErr.Fields["scenario"])
}

func TestAdmitsWithinLimits(t *testing.T) {
	gate := testGate()
	pool := testPool("10000000", "2000000")
	pool.AssetExposure["ETH"] = d("1000000")

	err := gate.CanUnderwrite(pool, Request{Asset: "ETH", CoverageAmount: d("500000")})
	assert.NoError(t, err)
}

func TestRejectsPausedPool(t *testing.T) {
	gate := testGate()
	pool := testPool("10000000", "0")
	pool.Paused = true
	pool.PauseReason = "circuit breaker"

	err := gate.CanUnderwrite(pool, Request{Asset: "ETH", CoverageAmount: d("1000")})
	assert.True(t, errors.HasCode(err, errors.CodePoolPaused))
}

func TestRejectsNonPositiveCoverage(t *testing.T) {
	gate := testGate()
	pool := testPool("10000000", "0")
	err := gate.CanUnderwrite(pool, Request{Asset: "ETH", CoverageAmount: d("0")})
	assert.True(t, errors.HasCode(err, errors.CodeValidation))
}

func TestSetLimitsAppliesToNextCheck(t *testing.T) {
	gate := testGate()
	pool := testPool("1000000", "0")

	require.NoError(t, gate.CanUnderwrite(pool, Request{Asset: "ETH", CoverageAmount: d("100000")}))

	require.NoError(t, gate.SetLimits(Limits{
		MaxLTV:                   d("0.05"),
		MaxSingleAssetExposure:   d("0.30"),
		RequiredStressMultiplier: d("1.5"),
	}))

	err := gate.CanUnderwrite(pool, Request{Asset: "ETH", CoverageAmount: d("100000")})
	require.Error(t, err)
	var domainErr *errors.Error
	require.True(t, errors.As(err, &domainErr))
	assert.Equal(t, "projected_ltv", domainErr.Fields["check"])
	assert.Equal(t, "0.05", domainErr.Fields["limit"])
}

func TestSetLimitsRejectsOutOfRange(t *testing.T) {
	gate := testGate()

	err := gate.SetLimits(Limits{
		MaxLTV:                   d("1.01"),
		MaxSingleAssetExposure:   d("0.30"),
		RequiredStressMultiplier: d("1.5"),
	})
	assert.True(t, errors.HasCode(err, errors.CodeValidation))

	err = gate.SetLimits(Limits{
		MaxLTV:                   d("0.75"),
		MaxSingleAssetExposure:   d("0"),
		RequiredStressMultiplier: d("1.5"),
	})
	assert.True(t, errors.HasCode(err, errors.CodeValidation))

	err = gate.SetLimits(Limits{
		MaxLTV:                   d("0.75"),
		MaxSingleAssetExposure:   d("0.30"),
		RequiredStressMultiplier: d("-1"),
	})
	assert.True(t, errors.HasCode(err, errors.CodeValidation))

	// Nothing was applied.
	assert.True(t, gate.Limits().MaxLTV.Equal(d("0.75")))
}

func TestGateIsPure(t *testing.T) {
	gate := testGate()
	pool := testPool("10000000", "2000000")
	pool.AssetExposure["ETH"] = d("1000000")

	require.NoError(t, gate.CanUnderwrite(pool, Request{Asset: "ETH", CoverageAmount: d("500000")}))
	assert.True(t, pool.TotalCoverageSold.Equal(d("2000000")), "gate must not mutate the snapshot")
	assert.True(t, pool.AssetExposure["ETH"].Equal(d("1000000")))
}
