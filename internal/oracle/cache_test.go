package oracle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

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

// memStore is an in-memory Store; TTL expiry is exercised through the
// cache's own age check, which is the behavior under test.
type memStore struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMemStore() *memStore { return &memStore{m: make(map[string][]byte)} }

func (s *memStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *memStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok, nil
}

func TestLatestQuoteRoundTrip(t *testing.T) {
	now := time.Now()
	cache := NewCache(newMemStore(), 5*time.Minute, zap.NewNop()).WithClock(func() time.Time { return now })

	quote := models.PriceQuote{
		CoverageType: "depeg_rt",
		VenueCosts:   []models.VenueCost{{Venue: "alpha", Cost: d("0.012")}},
		FetchedAt:    now,
	}
	require.NoError(t, cache.Put(context.Background(), quote))

	got, err := cache.LatestQuote(context.Background(), "depeg_rt")
	require.NoError(t, err)
	assert.Equal(t, quote.CoverageType, got.CoverageType)
	require.Len(t, got.VenueCosts, 1)
	assert.True(t, got.VenueCosts[0].Cost.Equal(d("0.012")))
}

func TestLatestQuoteStaleAfterBound(t *testing.T) {
	now := time.Now()
	cache := NewCache(newMemStore(), 5*time.Minute, zap.NewNop()).WithClock(func() time.Time { return now })

	require.NoError(t, cache.Put(context.Background(), models.PriceQuote{
		CoverageType: "depeg_rt",
		VenueCosts:   []models.VenueCost{{Venue: "alpha", Cost: d("0.01")}},
		FetchedAt:    now,
	}))

	// At t=300s the quote is exactly at the bound and still valid.
	now = now.Add(300 * time.Second)
	_, err := cache.LatestQuote(context.Background(), "depeg_rt")
	assert.NoError(t, err)

	// At t=301s it must be refused.
	now = now.Add(time.Second)
	_, err = cache.LatestQuote(context.Background(), "depeg_rt")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeStaleQuote))
}

func TestLatestQuoteMissing(t *testing.T) {
	cache := NewCache(newMemStore(), 5*time.Minute, zap.NewNop())
	_, err := cache.LatestQuote(context.Background(), "unknown")
	assert.True(t, errors.HasCode(err, errors.CodeStaleQuote))
}

func TestRefresherSkipsFailingVenue(t *testing.T) {
	now := time.Now()
	cache := NewCache(newMemStore(), 5*time.Minute, zap.NewNop()).WithClock(func() time.Time { return now })
	source := &fakeMarketData{
		data: map[string]MarketData{
			"alpha": {Cost: d("0.010")},
			"gamma": {Cost: d("0.014")},
		},
		fail: map[string]bool{"beta": true},
	}
	refresher := NewRefresher(cache, source, []string{"alpha", "beta", "gamma"}, []models.CoverageType{"depeg_rt"}, zap.NewNop())

	require.NoError(t, refresher.RefreshOnce(context.Background()))

	quote, err := cache.LatestQuote(context.Background(), "depeg_rt")
	require.NoError(t, err)
	require.Len(t, quote.VenueCosts, 2)
	assert.Equal(t, "alpha", quote.VenueCosts[0].Venue)
	assert.Equal(t, "gamma", quote.VenueCosts[1].Venue)
}

type fakeMarketData struct {
	data map[string]MarketData
	fail map[string]bool
}

func (f *fakeMarketData) GetMarketData(ctx context.Context, venue string, ct models.CoverageType) (MarketData, error) {
	if f.fail[venue] {
		return MarketData{}, errors.NewVenueTransient(venue, context.DeadlineExceeded)
	}
	return f.data[venue], nil
}

func TestSustainedBelow(t *testing.T) {
	now := time.Now()
	obs := NewObservations(24 * time.Hour).WithClock(func() time.Time { return now })

	// Readings every hour for five hours, all below threshold.
	for i := 5; i >= 0; i-- {
		obs.Record("USDX", d("0.94"), now.Add(-time.Duration(i)*time.Hour))
	}
	assert.True(t, obs.SustainedBelow("USDX", d("0.95"), 4*time.Hour))

	// One reading above threshold inside the window breaks the claim.
	obs.Record("USDX", d("0.97"), now.Add(-30*time.Minute))
	assert.False(t, obs.SustainedBelow("USDX", d("0.95"), 4*time.Hour))
}

func TestSustainedBelowRequiresFullWindow(t *testing.T) {
	now := time.Now()
	obs := NewObservations(24 * time.Hour).WithClock(func() time.Time { return now })

	// History starts only two hours ago: a four-hour sustain cannot be
	// proven regardless of values.
	obs.Record("USDX", d("0.90"), now.Add(-2*time.Hour))
	obs.Record("USDX", d("0.90"), now.Add(-1*time.Hour))
	assert.False(t, obs.SustainedBelow("USDX", d("0.95"), 4*time.Hour))
}

func TestSustainedBelowNoHistory(t *testing.T) {
	obs := NewObservations(24 * time.Hour)
	assert.False(t, obs.SustainedBelow("USDX", d("0.95"), 4*time.Hour))
}
