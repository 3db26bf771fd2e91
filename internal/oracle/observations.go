package oracle

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type observation struct {
	value decimal.Decimal
	at    time.Time
}

// Observations keeps a bounded per-asset history of trigger-metric
// readings. Claim auto-verification queries it for sustained threshold
// breaches.
type Observations struct {
	mu        sync.RWMutex
	byAsset   map[string][]observation
	retention time.Duration
	now       func() time.Time
}

// NewObservations creates an observation history retaining readings for
// the given duration.
func NewObservations(retention time.Duration) *Observations {
	return &Observations{
		byAsset:   make(map[string][]observation),
		retention: retention,
		now:       time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (o *Observations) WithClock(now func() time.Time) *Observations {
	o.now = now
	return o
}

// Record appends a reading for the asset and prunes expired history.
func (o *Observations) Record(asset string, value decimal.Decimal, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cutoff := o.now().Add(-o.retention)
	kept := o.byAsset[asset][:0]
	for _, obs := range o.byAsset[asset] {
		if obs.at.After(cutoff) {
			kept = append(kept, obs)
		}
	}
	o.byAsset[asset] = append(kept, observation{value: value, at: at})
}

// SustainedBelow reports whether every reading for the asset over the
// trailing sustain window was at or below the threshold, with at least one
// reading spanning the full window. Gaps in coverage count against the
// claim: no observation history means no automatic approval.
func (o *Observations) SustainedBelow(asset string, threshold decimal.Decimal, sustain time.Duration) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	history := o.byAsset[asset]
	if len(history) == 0 {
		return false
	}
	windowStart := o.now().Add(-sustain)
	spansWindow := false
	for _, obs := range history {
		if obs.at.After(windowStart) {
			if obs.value.GreaterThan(threshold) {
				return false
			}
			continue
		}
		// A reading at or before the window start proves the history
		// covers the full window.
		spansWindow = true
		if obs.at.Equal(windowStart) && obs.value.GreaterThan(threshold) {
			return false
		}
	}
	return spansWindow
}
