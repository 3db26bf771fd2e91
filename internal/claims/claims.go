// Package claims drives the claim lifecycle: filing, automatic trigger
// verification against recorded market observations, stake-weighted voting
// as the fallback, and payout dispatch. State transitions are monotonic;
// Rejected and Paid are terminal.
package claims

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/meridianre/meridian/internal/config"
	"github.com/meridianre/meridian/internal/ledger"
	"github.com/meridianre/meridian/internal/metrics"
	"github.com/meridianre/meridian/pkg/errors"
	"github.com/meridianre/meridian/pkg/models"
)

// TriggerVerifier answers whether a parametric trigger condition held for
// the required sustain duration.
type TriggerVerifier interface {
	SustainedBelow(asset string, threshold decimal.Decimal, sustain time.Duration) bool
}

// StakeSource resolves a voter's stake. Voters without stake carry no
// weight and may not vote.
type StakeSource interface {
	LPUnits(lp string) decimal.Decimal
}

// PayoutLedger is the capital side of a payout.
type PayoutLedger interface {
	AbsorbLoss(amount decimal.Decimal) (ledger.LossReport, error)
	ReleaseCoverage(asset string, coverage decimal.Decimal)
	Paused() bool
}

// HedgeLiquidator unwinds a policy's external offsets after payout.
type HedgeLiquidator interface {
	LiquidatePolicy(ctx context.Context, policyID uint64) error
}

// TransferSubmitter sends the holder's payout to the external settlement
// ledger. Delivery is at least once; the transfer reference makes retries
// idempotent downstream.
type TransferSubmitter interface {
	SubmitTransfer(ctx context.Context, recipient string, amount decimal.Decimal, reference string) error
}

// Service is the claim lifecycle engine. All transitions for a claim are
// serialized through mu; external legs run outside the lock.
type Service struct {
	cfg       config.ClaimsConfig
	db        *gorm.DB
	verifier  TriggerVerifier
	stakes    StakeSource
	ledger    PayoutLedger
	hedges    HedgeLiquidator
	transfers TransferSubmitter
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu  sync.Mutex
	now func() time.Time
}

// New creates the claim service and migrates its tables.
func New(cfg config.ClaimsConfig, db *gorm.DB, verifier TriggerVerifier, stakes StakeSource, payoutLedger PayoutLedger, hedges HedgeLiquidator, transfers TransferSubmitter, logger *zap.Logger, m *metrics.Metrics) (*Service, error) {
	if err := db.AutoMigrate(&models.Claim{}, &models.ClaimVote{}); err != nil {
		return nil, fmt.Errorf("claims: migrate: %w", err)
	}
	return &Service{
		cfg:       cfg,
		db:        db,
		verifier:  verifier,
		stakes:    stakes,
		ledger:    payoutLedger,
		hedges:    hedges,
		transfers: transfers,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}, nil
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// File opens a claim against a policy and runs automatic verification.
// A verified trigger approves the claim immediately; otherwise it enters
// the stake-weighted voting window. At most one claim exists per policy.
func (s *Service) File(ctx context.Context, policyID uint64, evidence string) (*models.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var policy models.Policy
	if err := s.db.First(&policy, "id = ?", policyID).Error; err != nil {
		return nil, errors.NewNotFound("policy", fmt.Sprintf("%d", policyID))
	}
	if policy.Status != models.PolicyActive && policy.Status != models.PolicyTriggered {
		return nil, errors.NewAlreadyClaimed(policyID)
	}
	now := s.now()
	if now.Before(policy.StartTime) || now.After(policy.EndTime) {
		return nil, errors.NewValidation("policy_id", "policy is outside its coverage window")
	}

	var existing models.Claim
	if err := s.db.First(&existing, "policy_id = ?", policyID).Error; err == nil {
		return nil, errors.NewAlreadyClaimed(policyID)
	}

	claim := &models.Claim{
		ID:       uuid.New(),
		PolicyID: policyID,
		FiledAt:  now,
		Evidence: evidence,
		Status:   models.ClaimFiled,
		Amount:   policy.CoverageAmount,
	}
	if err := s.db.Create(claim).Error; err != nil {
		// The unique index on policy_id closes the race between the
		// existence check and the insert.
		return nil, errors.NewAlreadyClaimed(policyID)
	}
	s.countState(models.ClaimFiled)

	s.transition(claim, models.ClaimAutoVerifying)
	if s.verifier.SustainedBelow(policy.Asset, policy.TriggerLevel, s.cfg.AutoVerifySustain) {
		s.resolve(claim, models.ClaimApproved)
		s.logger.Info("claim auto-verified",
			zap.String("claim_id", claim.ID.String()),
			zap.Uint64("policy_id", policyID))
	} else {
		endsAt := now.Add(s.cfg.VotingWindow)
		claim.VotingEndsAt = &endsAt
		s.transition(claim, models.ClaimVoting)
		s.logger.Info("claim sent to vote",
			zap.String("claim_id", claim.ID.String()),
			zap.Uint64("policy_id", policyID),
			zap.Time("voting_ends_at", endsAt))
	}

	policy.Status = models.PolicyTriggered
	if err := s.db.Save(&policy).Error; err != nil {
		return nil, fmt.Errorf("claims: mark policy triggered: %w", err)
	}
	return claim, nil
}

// Vote casts one stake-weighted vote during a claim's voting window. A
// voter votes at most once per claim; their stake is captured at cast
// time.
func (s *Service) Vote(ctx context.Context, claimID uuid.UUID, voter string, approve bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	claim, err := s.loadClaim(claimID)
	if err != nil {
		return err
	}
	if claim.Status != models.ClaimVoting {
		return errors.NewValidation("claim_id", "claim is not in its voting window")
	}
	now := s.now()
	if claim.VotingEndsAt != nil && now.After(*claim.VotingEndsAt) {
		return errors.NewValidation("claim_id", "voting window has closed")
	}
	stake := s.stakes.LPUnits(voter)
	if !stake.IsPositive() {
		return errors.NewValidation("voter", "voter holds no stake")
	}

	var existing models.ClaimVote
	if err := s.db.First(&existing, "claim_id = ? AND voter = ?", claimID, voter).Error; err == nil {
		return errors.NewAlreadyVoted(voter)
	}
	vote := &models.ClaimVote{
		ClaimID: claimID,
		Voter:   voter,
		Approve: approve,
		Stake:   stake,
		CastAt:  now,
	}
	if err := s.db.Create(vote).Error; err != nil {
		return errors.NewAlreadyVoted(voter)
	}
	s.logger.Info("claim vote cast",
		zap.String("claim_id", claimID.String()),
		zap.String("voter", voter),
		zap.Bool("approve", approve),
		zap.String("stake", stake.String()))
	return nil
}

// ResolveExpiredVoting tallies every claim whose voting window has closed.
// Strictly more approving stake than rejecting stake approves; ties
// reject. Returns how many claims were resolved.
func (s *Service) ResolveExpiredVoting(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var expired []models.Claim
	err := s.db.Find(&expired, "status = ? AND voting_ends_at <= ?", models.ClaimVoting, now).Error
	if err != nil {
		return 0, fmt.Errorf("claims: load expired voting: %w", err)
	}

	resolved := 0
	for i := range expired {
		claim := expired[i]
		approveStake, rejectStake, err := s.tally(claim.ID)
		if err != nil {
			return resolved, err
		}
		outcome := models.ClaimRejected
		if approveStake.GreaterThan(rejectStake) {
			outcome = models.ClaimApproved
		}
		s.resolve(&claim, outcome)
		resolved++
		s.logger.Info("claim vote resolved",
			zap.String("claim_id", claim.ID.String()),
			zap.String("outcome", string(outcome)),
			zap.String("approve_stake", approveStake.String()),
			zap.String("reject_stake", rejectStake.String()))
	}
	return resolved, nil
}

// Payout pays an approved claim. A paused pool suspends payouts entirely:
// the claim stays Approved and the reconcile sweep retries it after
// unpause. Otherwise the claim is marked Paid before any external leg is
// dispatched, so a crash mid-dispatch can never double-pay. The holder
// transfer only goes out after the capital debit holds; the hedge unwind
// runs concurrently.
func (s *Service) Payout(ctx context.Context, claimID uuid.UUID) (*models.Claim, error) {
	s.mu.Lock()
	claim, err := s.loadClaim(claimID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if claim.Status == models.ClaimPaid {
		s.mu.Unlock()
		return nil, errors.NewValidation("claim_id", "claim is already paid")
	}
	if claim.Status != models.ClaimApproved {
		s.mu.Unlock()
		return nil, errors.NewValidation("claim_id", "claim is not approved")
	}
	if s.ledger.Paused() {
		s.mu.Unlock()
		return nil, errors.NewPoolPaused("payouts suspended while pool is paused")
	}
	var policy models.Policy
	if err := s.db.First(&policy, "id = ?", claim.PolicyID).Error; err != nil {
		s.mu.Unlock()
		return nil, errors.NewNotFound("policy", fmt.Sprintf("%d", claim.PolicyID))
	}

	s.resolve(claim, models.ClaimPaid)
	policy.Status = models.PolicyClaimed
	if err := s.db.Save(&policy).Error; err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("claims: mark policy claimed: %w", err)
	}
	s.mu.Unlock()

	// Coverage is released regardless of how the legs fare: the policy no
	// longer contributes to outstanding exposure.
	s.ledger.ReleaseCoverage(policy.Asset, policy.CoverageAmount)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		report, err := s.ledger.AbsorbLoss(claim.Amount)
		if err != nil {
			return fmt.Errorf("claims: absorb loss: %w", err)
		}
		if report.BreakerTripped {
			s.logger.Warn("payout tripped pool circuit breaker",
				zap.String("claim_id", claimID.String()),
				zap.String("amount", claim.Amount.String()))
		}
		// No money leaves until the capital debit has held.
		reference := "claim:" + claimID.String()
		if err := s.transfers.SubmitTransfer(groupCtx, policy.Holder, claim.Amount, reference); err != nil {
			return fmt.Errorf("claims: submit transfer: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		if err := s.hedges.LiquidatePolicy(groupCtx, claim.PolicyID); err != nil {
			return fmt.Errorf("claims: liquidate hedges: %w", err)
		}
		return nil
	})
	if err := group.Wait(); err != nil {
		// The claim stays Paid; a failed leg needs operator attention, the
		// payout decision itself is never re-run.
		s.logger.Error("payout leg failed",
			zap.String("claim_id", claimID.String()),
			zap.Error(err))
		return claim, err
	}

	s.logger.Info("claim paid",
		zap.String("claim_id", claimID.String()),
		zap.Uint64("policy_id", claim.PolicyID),
		zap.String("amount", claim.Amount.String()))
	return claim, nil
}

// PayoutApproved pays every approved claim. Runs under the reconcile
// leader lock. Claims held back by a paused pool stay Approved and are
// picked up again on the first sweep after unpause. Returns how many
// payouts were dispatched.
func (s *Service) PayoutApproved(ctx context.Context) (int, error) {
	var approved []models.Claim
	if err := s.db.Find(&approved, "status = ?", models.ClaimApproved).Error; err != nil {
		return 0, fmt.Errorf("claims: load approved: %w", err)
	}
	paid := 0
	for _, claim := range approved {
		if _, err := s.Payout(ctx, claim.ID); err != nil {
			s.logger.Error("approved claim payout failed",
				zap.String("claim_id", claim.ID.String()),
				zap.Error(err))
			continue
		}
		paid++
	}
	return paid, nil
}

// Get returns a claim and its votes.
func (s *Service) Get(ctx context.Context, claimID uuid.UUID) (*models.Claim, []models.ClaimVote, error) {
	claim, err := s.loadClaim(claimID)
	if err != nil {
		return nil, nil, err
	}
	var votes []models.ClaimVote
	if err := s.db.Find(&votes, "claim_id = ?", claimID).Error; err != nil {
		return nil, nil, fmt.Errorf("claims: load votes: %w", err)
	}
	return claim, votes, nil
}

func (s *Service) loadClaim(claimID uuid.UUID) (*models.Claim, error) {
	var claim models.Claim
	if err := s.db.First(&claim, "id = ?", claimID).Error; err != nil {
		return nil, errors.NewNotFound("claim", claimID.String())
	}
	return &claim, nil
}

func (s *Service) tally(claimID uuid.UUID) (approve, reject decimal.Decimal, err error) {
	var votes []models.ClaimVote
	if err := s.db.Find(&votes, "claim_id = ?", claimID).Error; err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("claims: load votes: %w", err)
	}
	approve, reject = decimal.Zero, decimal.Zero
	for _, vote := range votes {
		if vote.Approve {
			approve = approve.Add(vote.Stake)
		} else {
			reject = reject.Add(vote.Stake)
		}
	}
	return approve, reject, nil
}

func (s *Service) transition(claim *models.Claim, to models.ClaimStatus) {
	claim.Status = to
	claim.UpdatedAt = s.now()
	if err := s.db.Save(claim).Error; err != nil {
		s.logger.Error("claim save failed",
			zap.String("claim_id", claim.ID.String()),
			zap.Error(err))
	}
	s.countState(to)
}

func (s *Service) resolve(claim *models.Claim, to models.ClaimStatus) {
	now := s.now()
	claim.ResolvedAt = &now
	s.transition(claim, to)
}

func (s *Service) countState(state models.ClaimStatus) {
	if s.metrics == nil {
		return
	}
	s.metrics.ClaimsByState.WithLabelValues(string(state)).Inc()
}
