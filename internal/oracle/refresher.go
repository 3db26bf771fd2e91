package oracle

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianre/meridian/pkg/models"
)

// MarketData is one venue's current offset cost and capacity.
type MarketData struct {
	Cost     decimal.Decimal
	Capacity decimal.Decimal
}

// MarketDataSource fetches current market data from an offset venue.
type MarketDataSource interface {
	GetMarketData(ctx context.Context, venue string, coverageType models.CoverageType) (MarketData, error)
}

// Refresher assembles fresh PriceQuotes from per-venue market data and
// overwrites the cache. It runs under the leader lock so only one instance
// refreshes at a time.
type Refresher struct {
	cache         *Cache
	source        MarketDataSource
	venues        []string
	coverageTypes []models.CoverageType
	logger        *zap.Logger
	now           func() time.Time
}

// NewRefresher creates a quote refresher over the given venues and
// coverage classes.
func NewRefresher(cache *Cache, source MarketDataSource, venues []string, coverageTypes []models.CoverageType, logger *zap.Logger) *Refresher {
	return &Refresher{
		cache:         cache,
		source:        source,
		venues:        venues,
		coverageTypes: coverageTypes,
		logger:        logger,
		now:           time.Now,
	}
}

// RefreshOnce fetches market data for every coverage class. A venue
// failure drops that venue's component from the quote rather than failing
// the refresh; a quote is only written when at least one venue responded.
func (r *Refresher) RefreshOnce(ctx context.Context) error {
	for _, ct := range r.coverageTypes {
		costs := make([]models.VenueCost, 0, len(r.venues))
		for _, venue := range r.venues {
			md, err := r.source.GetMarketData(ctx, venue, ct)
			if err != nil {
				r.logger.Warn("market data fetch failed",
					zap.String("venue", venue),
					zap.String("coverage_type", string(ct)),
					zap.Error(err))
				continue
			}
			costs = append(costs, models.VenueCost{Venue: venue, Cost: md.Cost})
		}
		if len(costs) == 0 {
			r.logger.Warn("no venue responded, keeping previous quote",
				zap.String("coverage_type", string(ct)))
			continue
		}
		quote := models.PriceQuote{
			CoverageType: ct,
			VenueCosts:   costs,
			FetchedAt:    r.now(),
		}
		if err := r.cache.Put(ctx, quote); err != nil {
			return err
		}
	}
	return nil
}
