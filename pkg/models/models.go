// Package models defines the core entities of the parametric insurance pool:
// the capital pool and its tranches, policies, claims, hedge positions and
// price quotes. All monetary values use decimal arithmetic, never floats.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CoverageType tags a parametric insurance product class.
type CoverageType string

// PolicyStatus is the lifecycle state of a policy. Transitions are
// monotonic: a policy never returns to Active after Claimed.
type PolicyStatus string

const (
	PolicyActive    PolicyStatus = "active"
	PolicyTriggered PolicyStatus = "triggered"
	PolicyClaimed   PolicyStatus = "claimed"
	PolicyExpired   PolicyStatus = "expired"
	PolicyCancelled PolicyStatus = "cancelled"
)

// ClaimStatus is the lifecycle state of a claim. Rejected and Paid are
// terminal.
type ClaimStatus string

const (
	ClaimFiled         ClaimStatus = "filed"
	ClaimAutoVerifying ClaimStatus = "auto_verifying"
	ClaimVoting        ClaimStatus = "voting"
	ClaimApproved      ClaimStatus = "approved"
	ClaimRejected      ClaimStatus = "rejected"
	ClaimPaid          ClaimStatus = "paid"
)

// Terminal reports whether the status admits no further transitions.
func (s ClaimStatus) Terminal() bool {
	return s == ClaimRejected || s == ClaimPaid
}

// HedgeStatus is the lifecycle state of a hedge position at one venue.
type HedgeStatus string

const (
	HedgePending     HedgeStatus = "pending"
	HedgeFilled      HedgeStatus = "filled"
	HedgeFailed      HedgeStatus = "failed"
	HedgeLiquidating HedgeStatus = "liquidating"
	HedgeSettled     HedgeStatus = "settled"
)

// Tranche is a subordinated slice of pool capital. Seniority 1 is most
// senior; losses consume the highest seniority number (most junior) first.
// Tranches are created at pool initialization and never deleted, only
// zeroed.
type Tranche struct {
	ID                string          `json:"id"`
	Seniority         int             `json:"seniority"`
	TargetYieldMin    decimal.Decimal `json:"target_yield_min"`
	TargetYieldMax    decimal.Decimal `json:"target_yield_max"`
	Capital           decimal.Decimal `json:"capital"`
	AccumulatedYield  decimal.Decimal `json:"accumulated_yield"`
	AccumulatedLosses decimal.Decimal `json:"accumulated_losses"`
	OutstandingUnits  decimal.Decimal `json:"outstanding_units"`
	LPPositions       map[string]decimal.Decimal `json:"lp_positions"`
}

// NAV returns net asset value per LP unit. Capital is current capital:
// distributed yield has been added in and absorbed losses netted out
// (clamped at tranche capital), so contributed − losses + yield equals
// Capital and NAV cannot go negative; the clamp guards rounding edges.
func (t *Tranche) NAV() decimal.Decimal {
	if t.OutstandingUnits.IsZero() {
		return decimal.Zero
	}
	nav := t.Capital.Div(t.OutstandingUnits)
	if nav.IsNegative() {
		return decimal.Zero
	}
	return nav
}

// Pool is the capital pool aggregate. It exclusively owns its tranches and
// is the only writer of capital figures; all mutation goes through the
// tranche ledger's serialized entry points.
type Pool struct {
	TotalCapital      decimal.Decimal `json:"total_capital"`
	TotalCoverageSold decimal.Decimal `json:"total_coverage_sold"`
	Tranches          []*Tranche      `json:"tranches"`
	AssetExposure     map[string]decimal.Decimal `json:"asset_exposure"`
	Paused            bool            `json:"paused"`
	PauseReason       string          `json:"pause_reason,omitempty"`
}

// LTV returns total coverage sold over total capital, zero when the pool
// holds no capital.
func (p *Pool) LTV() decimal.Decimal {
	if p.TotalCapital.IsZero() {
		return decimal.Zero
	}
	return p.TotalCoverageSold.Div(p.TotalCapital)
}

// Policy is a parametric insurance contract. Identity is immutable once
// created; policy IDs are issued sequentially and monotonically, giving a
// global happens-before order for routing decisions.
type Policy struct {
	ID             uint64          `json:"id" gorm:"primaryKey;autoIncrement:false"`
	CoverageType   CoverageType    `json:"coverage_type" gorm:"index"`
	Asset          string          `json:"asset" gorm:"index"`
	CoverageAmount decimal.Decimal `json:"coverage_amount" gorm:"type:numeric"`
	TriggerLevel   decimal.Decimal `json:"trigger_level" gorm:"type:numeric"`
	FloorLevel     decimal.Decimal `json:"floor_level" gorm:"type:numeric"`
	StartTime      time.Time       `json:"start_time"`
	EndTime        time.Time       `json:"end_time"`
	PremiumPaid    decimal.Decimal `json:"premium_paid" gorm:"type:numeric"`
	HedgedNotional decimal.Decimal `json:"hedged_notional" gorm:"type:numeric"`
	Holder         string          `json:"holder" gorm:"index"`
	Status         PolicyStatus    `json:"status" gorm:"index"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Claim tracks one claim against a policy. At most one claim may exist per
// policy at a time.
type Claim struct {
	ID           uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	PolicyID     uint64          `json:"policy_id" gorm:"uniqueIndex"`
	FiledAt      time.Time       `json:"filed_at"`
	Evidence     string          `json:"evidence"`
	Status       ClaimStatus     `json:"status" gorm:"index"`
	Amount       decimal.Decimal `json:"amount" gorm:"type:numeric"`
	VotingEndsAt *time.Time      `json:"voting_ends_at,omitempty"`
	ResolvedAt   *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ClaimVote is a stake-weighted vote cast during a claim's voting window.
type ClaimVote struct {
	ID      uint64          `json:"id" gorm:"primaryKey"`
	ClaimID uuid.UUID       `json:"claim_id" gorm:"type:uuid;index:idx_claim_voter,unique"`
	Voter   string          `json:"voter" gorm:"index:idx_claim_voter,unique"`
	Approve bool            `json:"approve"`
	Stake   decimal.Decimal `json:"stake" gorm:"type:numeric"`
	CastAt  time.Time       `json:"cast_at"`
}

// HedgePosition is one risk offset held at an external venue for a policy.
// One record exists per (policy, venue) pair; positions are never deleted,
// they form the audit trail of externally-held risk.
type HedgePosition struct {
	ID                uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	PolicyID          uint64          `json:"policy_id" gorm:"index:idx_policy_venue,unique"`
	Venue             string          `json:"venue" gorm:"index:idx_policy_venue,unique"`
	Notional          decimal.Decimal `json:"notional" gorm:"type:numeric"`
	ExternalReference string          `json:"external_reference"`
	Status            HedgeStatus     `json:"status" gorm:"index"`
	Attempts          int             `json:"attempts"`
	LastError         string          `json:"last_error,omitempty"`
	RealizedProceeds  decimal.Decimal `json:"realized_proceeds" gorm:"type:numeric"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// VenueCost is one venue's contribution to a price quote.
type VenueCost struct {
	Venue string          `json:"venue"`
	Cost  decimal.Decimal `json:"cost"`
}

// PriceQuote holds the latest externally-supplied risk-offset costs for a
// coverage class. Overwritten on each refresh; consumers must reject quotes
// older than the configured staleness bound.
type PriceQuote struct {
	CoverageType CoverageType `json:"coverage_type"`
	VenueCosts   []VenueCost  `json:"venue_costs"`
	FetchedAt    time.Time    `json:"fetched_at"`
}

// Age returns how old the quote is relative to now.
func (q *PriceQuote) Age(now time.Time) time.Duration {
	return now.Sub(q.FetchedAt)
}

// AuditEvent records an elevated admin operation.
type AuditEvent struct {
	ID        uint64    `json:"id" gorm:"primaryKey"`
	Actor     string    `json:"actor" gorm:"index"`
	Action    string    `json:"action" gorm:"index"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// ProcessedReceipt dedupes transfer receipts from the external settlement
// ledger, which delivers at least once.
type ProcessedReceipt struct {
	TransferID  string    `json:"transfer_id" gorm:"primaryKey"`
	ProcessedAt time.Time `json:"processed_at"`
}
