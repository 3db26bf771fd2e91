package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianre/meridian/internal/pricing"
	"github.com/meridianre/meridian/internal/riskgate"
	"github.com/meridianre/meridian/pkg/errors"
	"github.com/meridianre/meridian/pkg/models"
)

type quoteRequest struct {
	CoverageType   string          `json:"coverage_type" binding:"required"`
	Asset          string          `json:"asset" binding:"required"`
	CoverageAmount decimal.Decimal `json:"coverage_amount" binding:"required"`
	DurationDays   int             `json:"duration_days" binding:"required"`
}

func (s *Server) postQuote(c *gin.Context) {
	var req quoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.AbortWithError(c, errors.NewValidation("body", err.Error()))
		return
	}

	pool := s.deps.Ledger.Snapshot()
	gateReq := riskgate.Request{
		CoverageType:   models.CoverageType(req.CoverageType),
		Asset:          req.Asset,
		CoverageAmount: req.CoverageAmount,
	}
	if err := s.deps.Gate.CanUnderwrite(pool, gateReq); err != nil {
		errors.AbortWithError(c, err)
		return
	}

	quote, err := s.deps.Pricing.CalculatePremium(c.Request.Context(), pool, pricing.Request{
		CoverageType:   models.CoverageType(req.CoverageType),
		Asset:          req.Asset,
		CoverageAmount: req.CoverageAmount,
		DurationDays:   req.DurationDays,
	})
	if err != nil {
		errors.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

type policyRequest struct {
	CoverageType   string          `json:"coverage_type" binding:"required"`
	Asset          string          `json:"asset" binding:"required"`
	CoverageAmount decimal.Decimal `json:"coverage_amount" binding:"required"`
	TriggerLevel   decimal.Decimal `json:"trigger_level" binding:"required"`
	FloorLevel     decimal.Decimal `json:"floor_level"`
	DurationDays   int             `json:"duration_days" binding:"required"`
	Holder         string          `json:"holder" binding:"required"`
	// MaxPremium bounds what the holder accepts to pay; the purchase fails
	// if the freshly computed premium exceeds it.
	MaxPremium decimal.Decimal `json:"max_premium"`
}

// postPolicy admits, prices and activates a policy. Hedge placement is
// dispatched asynchronously; its outcome never blocks activation.
func (s *Server) postPolicy(c *gin.Context) {
	var req policyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.AbortWithError(c, errors.NewValidation("body", err.Error()))
		return
	}

	ctx := c.Request.Context()
	pool := s.deps.Ledger.Snapshot()
	gateReq := riskgate.Request{
		CoverageType:   models.CoverageType(req.CoverageType),
		Asset:          req.Asset,
		CoverageAmount: req.CoverageAmount,
	}
	if err := s.deps.Gate.CanUnderwrite(pool, gateReq); err != nil {
		errors.AbortWithError(c, err)
		return
	}

	quote, err := s.deps.Pricing.CalculatePremium(ctx, pool, pricing.Request{
		CoverageType:   models.CoverageType(req.CoverageType),
		Asset:          req.Asset,
		CoverageAmount: req.CoverageAmount,
		DurationDays:   req.DurationDays,
	})
	if err != nil {
		errors.AbortWithError(c, err)
		return
	}
	if req.MaxPremium.IsPositive() && quote.Premium.GreaterThan(req.MaxPremium) {
		errors.AbortWithError(c, errors.NewValidation("max_premium",
			fmt.Sprintf("premium %s exceeds accepted maximum %s", quote.Premium, req.MaxPremium)))
		return
	}

	if err := s.deps.Ledger.CommitCoverage(req.Asset, req.CoverageAmount); err != nil {
		errors.AbortWithError(c, err)
		return
	}

	now := time.Now()
	policy := &models.Policy{
		ID:             s.deps.Ledger.NextPolicyID(),
		CoverageType:   models.CoverageType(req.CoverageType),
		Asset:          req.Asset,
		CoverageAmount: req.CoverageAmount,
		TriggerLevel:   req.TriggerLevel,
		FloorLevel:     req.FloorLevel,
		StartTime:      now,
		EndTime:        now.AddDate(0, 0, req.DurationDays),
		PremiumPaid:    quote.Premium,
		Holder:         req.Holder,
		Status:         models.PolicyActive,
	}
	if err := s.deps.DB.Create(policy).Error; err != nil {
		s.deps.Ledger.ReleaseCoverage(req.Asset, req.CoverageAmount)
		errors.AbortWithError(c, errors.Wrap(errors.CodeInternal, "persist policy", err))
		return
	}

	if err := s.deps.Ledger.DistributePremiums(quote.Premium); err != nil {
		s.logger.Error("premium distribution failed",
			zap.Uint64("policy_id", policy.ID),
			zap.Error(err))
	}

	notional, err := s.deps.Hedges.PlaceHedges(ctx, policy)
	if err != nil {
		s.logger.Error("hedge placement dispatch failed",
			zap.Uint64("policy_id", policy.ID),
			zap.Error(err))
	} else if notional.IsPositive() {
		policy.HedgedNotional = notional
		if err := s.deps.DB.Save(policy).Error; err != nil {
			s.logger.Error("policy save failed", zap.Uint64("policy_id", policy.ID), zap.Error(err))
		}
	}

	// Premium income is counted by the ledger when it distributes.
	if s.deps.Metrics != nil {
		s.deps.Metrics.PoliciesActive.Inc()
	}
	s.logger.Info("policy written",
		zap.Uint64("policy_id", policy.ID),
		zap.String("holder", req.Holder),
		zap.String("coverage", req.CoverageAmount.String()),
		zap.String("premium", quote.Premium.String()))

	c.JSON(http.StatusCreated, gin.H{"policy": policy, "premium_breakdown": quote.Breakdown})
}

func (s *Server) getPolicy(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		errors.AbortWithError(c, errors.NewValidation("id", "policy id must be numeric"))
		return
	}
	var policy models.Policy
	if err := s.deps.DB.First(&policy, "id = ?", id).Error; err != nil {
		errors.AbortWithError(c, errors.NewNotFound("policy", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, policy)
}

type claimRequest struct {
	PolicyID uint64 `json:"policy_id" binding:"required"`
	Evidence string `json:"evidence"`
}

func (s *Server) postClaim(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.AbortWithError(c, errors.NewValidation("body", err.Error()))
		return
	}
	claim, err := s.deps.Claims.File(c.Request.Context(), req.PolicyID, req.Evidence)
	if err != nil {
		errors.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, claim)
}

func (s *Server) getClaim(c *gin.Context) {
	claimID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		errors.AbortWithError(c, errors.NewValidation("id", "claim id must be a uuid"))
		return
	}
	claim, votes, err := s.deps.Claims.Get(c.Request.Context(), claimID)
	if err != nil {
		errors.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"claim": claim, "votes": votes})
}

type voteRequest struct {
	Voter   string `json:"voter" binding:"required"`
	Approve *bool  `json:"approve" binding:"required"`
}

func (s *Server) postVote(c *gin.Context) {
	claimID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		errors.AbortWithError(c, errors.NewValidation("id", "claim id must be a uuid"))
		return
	}
	var req voteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.AbortWithError(c, errors.NewValidation("body", err.Error()))
		return
	}
	if err := s.deps.Claims.Vote(c.Request.Context(), claimID, req.Voter, *req.Approve); err != nil {
		errors.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "recorded"})
}

func (s *Server) getPool(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Ledger.Snapshot())
}

type depositRequest struct {
	TrancheID string          `json:"tranche_id" binding:"required"`
	LP        string          `json:"lp" binding:"required"`
	Amount    decimal.Decimal `json:"amount" binding:"required"`
}

func (s *Server) postDeposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.AbortWithError(c, errors.NewValidation("body", err.Error()))
		return
	}
	units, err := s.deps.Ledger.Deposit(req.TrancheID, req.LP, req.Amount)
	if err != nil {
		errors.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"units": units})
}

type withdrawalRequest struct {
	TrancheID string          `json:"tranche_id" binding:"required"`
	LP        string          `json:"lp" binding:"required"`
	Units     decimal.Decimal `json:"units" binding:"required"`
}

func (s *Server) postWithdrawal(c *gin.Context) {
	var req withdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.AbortWithError(c, errors.NewValidation("body", err.Error()))
		return
	}
	amount, err := s.deps.Ledger.Withdraw(req.TrancheID, req.LP, req.Units)
	if err != nil {
		errors.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"amount": amount})
}
