package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/meridianre/meridian/internal/claims"
	"github.com/meridianre/meridian/internal/config"
	"github.com/meridianre/meridian/internal/hedge"
	"github.com/meridianre/meridian/internal/ledger"
	"github.com/meridianre/meridian/internal/metrics"
	"github.com/meridianre/meridian/internal/oracle"
	"github.com/meridianre/meridian/internal/pricing"
	"github.com/meridianre/meridian/internal/riskgate"
	"github.com/meridianre/meridian/pkg/models"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type staticQuotes struct{}

func (staticQuotes) LatestQuote(ctx context.Context, ct models.CoverageType) (models.PriceQuote, error) {
	return models.PriceQuote{
		CoverageType: ct,
		VenueCosts:   []models.VenueCost{{Venue: "alpha", Cost: d("0.01")}},
		FetchedAt:    time.Now(),
	}, nil
}

type neverSustained struct{}

func (neverSustained) SustainedBelow(asset string, threshold decimal.Decimal, sustain time.Duration) bool {
	return false
}

type noopHedges struct{}

func (noopHedges) LiquidatePolicy(ctx context.Context, policyID uint64) error { return nil }

type noopTransfers struct{}

func (noopTransfers) SubmitTransfer(ctx context.Context, recipient string, amount decimal.Decimal, reference string) error {
	return nil
}

type okVenue struct{}

func (okVenue) PlaceOrder(ctx context.Context, notional decimal.Decimal) (hedge.OrderResult, error) {
	return hedge.OrderResult{ExternalReference: "ext-1"}, nil
}

func (okVenue) Liquidate(ctx context.Context, ref string) (hedge.LiquidationResult, error) {
	return hedge.LiquidationResult{Proceeds: decimal.Zero}, nil
}

func (okVenue) GetMarketData(ctx context.Context, ct models.CoverageType) (hedge.MarketData, error) {
	return hedge.MarketData{Cost: d("0.01")}, nil
}

type serverFixture struct {
	server  *Server
	ledger  *ledger.Ledger
	db      *gorm.DB
	hedges  *hedge.Coordinator
	metrics *metrics.Metrics
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Policy{}, &models.AuditEvent{}))

	logger := zap.NewNop()

	poolCfg := config.PoolConfig{Tranches: []config.TrancheConfig{
		{ID: "senior", Seniority: 1},
		{ID: "junior", Seniority: 2},
	}}
	riskCfg := config.RiskConfig{
		MaxLTV:                   d("0.75"),
		MaxSingleAssetExposure:   d("0.80"),
		RequiredStressMultiplier: d("1.5"),
		BreakerSingleLoss:        d("5000000"),
		BreakerWindowLoss:        d("8000000"),
		BreakerWindow:            24 * time.Hour,
	}
	m := metrics.New(prometheus.NewRegistry())
	pool, err := ledger.New(poolCfg, riskCfg, logger, ledger.WithDB(db), ledger.WithMetrics(m))
	require.NoError(t, err)

	pricingCfg := config.PricingConfig{
		Products: map[string]config.ProductConfig{
			"depeg_rt": {AnnualBaseRate: d("0.08"), RiskFactor: d("1.0")},
		},
		UtilizationKnee:       d("0.5"),
		UtilizationMaxPremium: d("1.0"),
		MarketStress:          d("1.0"),
		QuoteValidity:         2 * time.Minute,
	}
	hedgeCfg := config.HedgeConfig{
		HedgeRatio:            d("0.2"),
		Venues:                []config.VenueConfig{{Name: "alpha", Allocation: d("1")}},
		MaxAttempts:           3,
		RetryBackoff:          time.Millisecond,
		CallTimeout:           time.Second,
		SlippageTolerance:     d("0.05"),
		BreakerMaxFailures:    5,
		BreakerOpenTimeout:    time.Minute,
		BreakerHalfOpenProbes: 2,
	}

	registry := hedge.NewRegistry()
	registry.Register("alpha", okVenue{})
	coordinator, err := hedge.New(hedgeCfg, registry, db, nil, pool.RefillProceeds, logger, nil)
	require.NoError(t, err)

	claimsSvc, err := claims.New(
		config.ClaimsConfig{VotingWindow: 72 * time.Hour, AutoVerifySustain: 4 * time.Hour},
		db, neverSustained{}, pool, pool, noopHedges{}, noopTransfers{}, logger, nil)
	require.NoError(t, err)

	srv := New(config.ServerConfig{AdminToken: "sesame", ShutdownTimeout: time.Second}, Deps{
		Ledger:  pool,
		Gate:    riskgate.New(riskCfg, logger),
		Pricing: pricing.New(pricingCfg, riskCfg, hedgeCfg, staticQuotes{}, logger),
		Claims:  claimsSvc,
		Hedges:  coordinator,
		Venues:  registry,
		Marks:   oracle.NewObservations(24 * time.Hour),
		DB:      db,
		Metrics: m,
	}, logger)

	return &serverFixture{server: srv, ledger: pool, db: db, hedges: coordinator, metrics: m}
}

func (f *serverFixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *serverFixture) fund(t *testing.T) {
	t.Helper()
	_, err := f.ledger.Deposit("senior", "lp-1", d("800000"))
	require.NoError(t, err)
	_, err = f.ledger.Deposit("junior", "lp-2", d("200000"))
	require.NoError(t, err)
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestQuoteEndpoint(t *testing.T) {
	f := newServerFixture(t)
	f.fund(t)

	rec := f.do(t, http.MethodPost, "/api/v1/quotes", map[string]any{
		"coverage_type":   "depeg_rt",
		"asset":           "USDX",
		"coverage_amount": "100000",
		"duration_days":   30,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var quote struct {
		Premium   decimal.Decimal `json:"premium"`
		Breakdown []struct {
			Name string `json:"name"`
		} `json:"breakdown_by_component"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &quote))
	assert.True(t, quote.Premium.IsPositive())
	assert.NotEmpty(t, quote.Breakdown)
}

func TestQuoteUnknownCoverageType(t *testing.T) {
	f := newServerFixture(t)
	f.fund(t)

	rec := f.do(t, http.MethodPost, "/api/v1/quotes", map[string]any{
		"coverage_type":   "weather_drought",
		"asset":           "USDX",
		"coverage_amount": "1000",
		"duration_days":   30,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/problem+json")
}

func TestPolicyPurchaseLifecycle(t *testing.T) {
	f := newServerFixture(t)
	f.fund(t)

	rec := f.do(t, http.MethodPost, "/api/v1/policies", map[string]any{
		"coverage_type":   "depeg_rt",
		"asset":           "USDX",
		"coverage_amount": "100000",
		"trigger_level":   "0.95",
		"duration_days":   30,
		"holder":          "holder-1",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		Policy models.Policy `json:"policy"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, uint64(1), created.Policy.ID)
	assert.Equal(t, models.PolicyActive, created.Policy.Status)
	assert.True(t, created.Policy.PremiumPaid.IsPositive())

	f.hedges.Wait()

	snapshot := f.ledger.Snapshot()
	assert.True(t, snapshot.TotalCoverageSold.Equal(d("100000")))
	// The premium was distributed into pool capital.
	assert.True(t, snapshot.TotalCapital.GreaterThan(d("1000000")))

	got := f.do(t, http.MethodGet, "/api/v1/policies/1", nil, nil)
	require.Equal(t, http.StatusOK, got.Code)
}

func TestPremiumIncomeCountedOnce(t *testing.T) {
	f := newServerFixture(t)
	f.fund(t)

	rec := f.do(t, http.MethodPost, "/api/v1/policies", map[string]any{
		"coverage_type":   "depeg_rt",
		"asset":           "USDX",
		"coverage_amount": "100000",
		"trigger_level":   "0.95",
		"duration_days":   30,
		"holder":          "holder-1",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		Policy models.Policy `json:"policy"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	premium := created.Policy.PremiumPaid
	require.True(t, premium.IsPositive())

	got := testutil.ToFloat64(f.metrics.PremiumsWritten)
	assert.InDelta(t, premium.InexactFloat64(), got, 1e-6,
		"premium income must be counted exactly once")
}

func TestPolicyRejectedOverLTV(t *testing.T) {
	f := newServerFixture(t)
	f.fund(t)

	rec := f.do(t, http.MethodPost, "/api/v1/policies", map[string]any{
		"coverage_type":   "depeg_rt",
		"asset":           "USDX",
		"coverage_amount": "900000",
		"trigger_level":   "0.95",
		"duration_days":   30,
		"holder":          "holder-1",
	}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	var problem struct {
		Type   string            `json:"type"`
		Fields map[string]string `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "https://api.meridian.re/errors/insufficient_capacity", problem.Type)
	assert.Equal(t, "projected_ltv", problem.Fields["check"])

	// Nothing was committed.
	assert.True(t, f.ledger.Snapshot().TotalCoverageSold.IsZero())
}

func TestClaimVoteOverHTTP(t *testing.T) {
	f := newServerFixture(t)
	f.fund(t)

	rec := f.do(t, http.MethodPost, "/api/v1/policies", map[string]any{
		"coverage_type":   "depeg_rt",
		"asset":           "USDX",
		"coverage_amount": "50000",
		"trigger_level":   "0.95",
		"duration_days":   30,
		"holder":          "holder-1",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	f.hedges.Wait()

	claimRec := f.do(t, http.MethodPost, "/api/v1/claims", map[string]any{
		"policy_id": 1,
		"evidence":  "suspected depeg",
	}, nil)
	require.Equal(t, http.StatusCreated, claimRec.Code, claimRec.Body.String())

	var claim models.Claim
	require.NoError(t, json.Unmarshal(claimRec.Body.Bytes(), &claim))
	assert.Equal(t, models.ClaimVoting, claim.Status)

	votePath := "/api/v1/claims/" + claim.ID.String() + "/votes"
	voteRec := f.do(t, http.MethodPost, votePath, map[string]any{"voter": "lp-1", "approve": true}, nil)
	assert.Equal(t, http.StatusAccepted, voteRec.Code, voteRec.Body.String())

	dup := f.do(t, http.MethodPost, votePath, map[string]any{"voter": "lp-1", "approve": false}, nil)
	assert.Equal(t, http.StatusConflict, dup.Code)

	getRec := f.do(t, http.MethodGet, "/api/v1/claims/"+claim.ID.String(), nil, nil)
	require.Equal(t, http.StatusOK, getRec.Code)
	var detail struct {
		Votes []models.ClaimVote `json:"votes"`
	}
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &detail))
	require.Len(t, detail.Votes, 1)
}

func TestAdminRequiresToken(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/admin/v1/pause", map[string]any{"reason": "drill"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, f.ledger.Paused())
}

func TestAdminPauseBlocksUnderwriting(t *testing.T) {
	f := newServerFixture(t)
	f.fund(t)

	headers := map[string]string{"X-Admin-Token": "sesame", "X-Admin-Actor": "ops-1"}
	rec := f.do(t, http.MethodPost, "/admin/v1/pause", map[string]any{"reason": "incident drill"}, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.ledger.Paused())

	buy := f.do(t, http.MethodPost, "/api/v1/policies", map[string]any{
		"coverage_type":   "depeg_rt",
		"asset":           "USDX",
		"coverage_amount": "1000",
		"trigger_level":   "0.95",
		"duration_days":   30,
		"holder":          "holder-1",
	}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, buy.Code)

	// The admin action left an audit trail.
	var events []models.AuditEvent
	require.NoError(t, f.db.Find(&events).Error)
	require.NotEmpty(t, events)
	assert.Equal(t, "ops-1", events[0].Actor)
	assert.Equal(t, "POST /admin/v1/pause", events[0].Action)

	unpause := f.do(t, http.MethodPost, "/admin/v1/unpause", nil, headers)
	require.Equal(t, http.StatusOK, unpause.Code)
	assert.False(t, f.ledger.Paused())
}

func TestAdminObservationIngest(t *testing.T) {
	f := newServerFixture(t)
	headers := map[string]string{"X-Admin-Token": "sesame"}

	rec := f.do(t, http.MethodPost, "/admin/v1/observations", map[string]any{
		"asset": "USDX",
		"value": "0.94",
	}, headers)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestAdminRiskParams(t *testing.T) {
	f := newServerFixture(t)
	f.fund(t)
	headers := map[string]string{"X-Admin-Token": "sesame", "X-Admin-Actor": "ops-1"}

	rec := f.do(t, http.MethodGet, "/admin/v1/risk-params", nil, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	var limits riskgate.Limits
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &limits))
	assert.True(t, limits.MaxLTV.Equal(d("0.75")))

	// Tighten LTV below the pending purchase and confirm admission uses it.
	put := f.do(t, http.MethodPut, "/admin/v1/risk-params", map[string]any{
		"max_ltv":                    "0.05",
		"max_single_asset_exposure":  "0.80",
		"required_stress_multiplier": "1.5",
	}, headers)
	require.Equal(t, http.StatusOK, put.Code, put.Body.String())

	buy := f.do(t, http.MethodPost, "/api/v1/policies", map[string]any{
		"coverage_type":   "depeg_rt",
		"asset":           "USDX",
		"coverage_amount": "100000",
		"trigger_level":   "0.95",
		"duration_days":   30,
		"holder":          "holder-1",
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, buy.Code, buy.Body.String())
}

func TestAdminRiskParamsRejectsBadValues(t *testing.T) {
	f := newServerFixture(t)
	headers := map[string]string{"X-Admin-Token": "sesame"}

	rec := f.do(t, http.MethodPut, "/admin/v1/risk-params", map[string]any{
		"max_ltv":                    "1.5",
		"max_single_asset_exposure":  "0.80",
		"required_stress_multiplier": "1.5",
	}, headers)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Limits are unchanged after the rejected update.
	got := f.do(t, http.MethodGet, "/admin/v1/risk-params", nil, headers)
	require.Equal(t, http.StatusOK, got.Code)
	var limits riskgate.Limits
	require.NoError(t, json.Unmarshal(got.Body.Bytes(), &limits))
	assert.True(t, limits.MaxLTV.Equal(d("0.75")))
}

func TestAdminVenueRegistration(t *testing.T) {
	f := newServerFixture(t)
	headers := map[string]string{"X-Admin-Token": "sesame"}

	rec := f.do(t, http.MethodPost, "/admin/v1/venues", map[string]any{
		"name":     "delta",
		"endpoint": "https://delta.example.com/api",
	}, headers)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	list := f.do(t, http.MethodGet, "/admin/v1/venues", nil, headers)
	require.Equal(t, http.StatusOK, list.Code)
	var body struct {
		Venues []struct {
			Name         string `json:"name"`
			BreakerState string `json:"breaker_state"`
		} `json:"venues"`
	}
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &body))
	names := make([]string, 0, len(body.Venues))
	for _, v := range body.Venues {
		names = append(names, v.Name)
		assert.Equal(t, "closed", v.BreakerState)
	}
	assert.Contains(t, names, "delta")

	del := f.do(t, http.MethodDelete, "/admin/v1/venues/delta", nil, headers)
	require.Equal(t, http.StatusOK, del.Code)

	missing := f.do(t, http.MethodDelete, "/admin/v1/venues/delta", nil, headers)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}
