// Package metrics exposes Prometheus collectors for the pool engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the engine's Prometheus collectors.
type Metrics struct {
	PremiumsWritten  prometheus.Counter
	LossesAbsorbed   prometheus.Counter
	PoolCapital      prometheus.Gauge
	PoolLTV          prometheus.Gauge
	PoolPaused       prometheus.Gauge
	PoliciesActive   prometheus.Gauge
	ClaimsByState    *prometheus.CounterVec
	VenueFailures    *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec
	HedgeSettlements prometheus.Counter
	TransfersSent    prometheus.Counter
	ReceiptsApplied  prometheus.Counter
	ReceiptsDuplicate prometheus.Counter
}

// New registers and returns the engine collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PremiumsWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "meridian", Name: "premiums_written_total",
			Help: "Cumulative premium income recorded by the ledger.",
		}),
		LossesAbsorbed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "meridian", Name: "losses_absorbed_total",
			Help: "Cumulative losses absorbed through the tranche waterfall.",
		}),
		PoolCapital: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "meridian", Name: "pool_capital",
			Help: "Current total pool capital.",
		}),
		PoolLTV: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "meridian", Name: "pool_ltv",
			Help: "Total coverage sold over total capital.",
		}),
		PoolPaused: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "meridian", Name: "pool_paused",
			Help: "1 when the pool is paused.",
		}),
		PoliciesActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "meridian", Name: "policies_active",
			Help: "Number of active policies.",
		}),
		ClaimsByState: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meridian", Name: "claim_transitions_total",
			Help: "Claim state transitions by target state.",
		}, []string{"state"}),
		VenueFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meridian", Name: "venue_failures_total",
			Help: "Venue call failures by venue.",
		}, []string{"venue"}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "meridian", Name: "venue_breaker_state",
			Help: "Venue circuit breaker state (0 closed, 1 open, 2 half-open).",
		}, []string{"venue"}),
		HedgeSettlements: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "meridian", Name: "hedge_settlements_total",
			Help: "Hedge positions settled.",
		}),
		TransfersSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "meridian", Name: "transfers_sent_total",
			Help: "Transfer instructions submitted to the settlement ledger.",
		}),
		ReceiptsApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "meridian", Name: "receipts_applied_total",
			Help: "Transfer receipts applied.",
		}),
		ReceiptsDuplicate: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "meridian", Name: "receipts_duplicate_total",
			Help: "Duplicate transfer receipts ignored.",
		}),
	}
}
