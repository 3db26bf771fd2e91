package hedge

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/meridianre/meridian/pkg/errors"
	"github.com/meridianre/meridian/pkg/models"
)

// OrderResult is a venue's acknowledgement of a placed hedge order.
type OrderResult struct {
	ExternalReference string
}

// LiquidationResult reports the outcome of liquidating one position.
// Realized proceeds may differ from notional due to slippage.
type LiquidationResult struct {
	PolicyID uint64
	Venue    string
	Proceeds decimal.Decimal
}

// MarketData is a venue's current offset cost and remaining capacity.
type MarketData struct {
	Cost     decimal.Decimal
	Capacity decimal.Decimal
}

// VenueClient is the integration surface of one external offset venue.
// Calls may fail with venue-specific transient errors; the coordinator
// wraps them in retry and circuit-breaker discipline.
type VenueClient interface {
	PlaceOrder(ctx context.Context, notional decimal.Decimal) (OrderResult, error)
	Liquidate(ctx context.Context, externalReference string) (LiquidationResult, error)
	GetMarketData(ctx context.Context, coverageType models.CoverageType) (MarketData, error)
}

// Registry holds the registered venue clients. Registration and
// deregistration are admin operations.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]VenueClient
}

// NewRegistry creates an empty venue registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]VenueClient)}
}

// Register adds or replaces a venue client.
func (r *Registry) Register(name string, client VenueClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[name] = client
}

// Deregister removes a venue client. Existing positions at the venue
// remain on record; only new placements stop.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, name)
}

// Get returns the client for a venue.
func (r *Registry) Get(name string) (VenueClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[name]
	if !ok {
		return nil, errors.NewNotFound("venue", name)
	}
	return client, nil
}

// Names lists registered venues.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	return names
}
