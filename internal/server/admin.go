package server

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianre/meridian/internal/hedge"
	"github.com/meridianre/meridian/internal/riskgate"
	"github.com/meridianre/meridian/pkg/errors"
	"github.com/meridianre/meridian/pkg/models"
)

const (
	adminTokenHeader = "X-Admin-Token"
	adminActorHeader = "X-Admin-Actor"
)

// adminAuth gates the admin surface on the configured token. Every
// authenticated admin request is recorded as an audit event after it
// completes.
func (s *Server) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(adminTokenHeader)
		if s.cfg.AdminToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			c.Header("Content-Type", "application/problem+json")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"type":   "https://api.meridian.re/errors/unauthorized",
				"title":  "Unauthorized",
				"status": http.StatusUnauthorized,
			})
			return
		}
		c.Next()
		s.audit(c)
	}
}

func (s *Server) audit(c *gin.Context) {
	actor := c.GetHeader(adminActorHeader)
	if actor == "" {
		actor = "unknown"
	}
	event := &models.AuditEvent{
		Actor:     actor,
		Action:    c.Request.Method + " " + c.FullPath(),
		Detail:    c.Request.URL.RawQuery,
		CreatedAt: time.Now(),
	}
	if err := s.deps.DB.Create(event).Error; err != nil {
		s.logger.Error("audit write failed", zap.String("action", event.Action), zap.Error(err))
	}
}

type pauseRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (s *Server) postPause(c *gin.Context) {
	var req pauseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.AbortWithError(c, errors.NewValidation("body", err.Error()))
		return
	}
	s.deps.Ledger.Pause(req.Reason)
	s.logger.Warn("pool paused by admin", zap.String("reason", req.Reason))
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Server) postUnpause(c *gin.Context) {
	s.deps.Ledger.Unpause()
	s.logger.Warn("pool unpaused by admin")
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

type venueStatus struct {
	Name         string `json:"name"`
	BreakerState string `json:"breaker_state"`
}

func (s *Server) getVenues(c *gin.Context) {
	names := s.deps.Venues.Names()
	venues := make([]venueStatus, 0, len(names))
	for _, name := range names {
		venues = append(venues, venueStatus{
			Name:         name,
			BreakerState: s.deps.Hedges.BreakerState(name).String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"venues": venues})
}

type venueRequest struct {
	Name     string `json:"name" binding:"required"`
	Endpoint string `json:"endpoint" binding:"required,url"`
}

func (s *Server) postVenue(c *gin.Context) {
	var req venueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.AbortWithError(c, errors.NewValidation("body", err.Error()))
		return
	}
	s.deps.Venues.Register(req.Name, hedge.NewHTTPVenueClient(req.Name, req.Endpoint, nil))
	s.logger.Info("venue registered", zap.String("venue", req.Name), zap.String("endpoint", req.Endpoint))
	c.JSON(http.StatusCreated, gin.H{"registered": req.Name})
}

type observationRequest struct {
	Asset      string          `json:"asset" binding:"required"`
	Value      decimal.Decimal `json:"value" binding:"required"`
	ObservedAt time.Time       `json:"observed_at"`
}

// postObservation ingests one trusted price reading. Claim auto-verification
// reads these observations when checking sustained trigger conditions.
func (s *Server) postObservation(c *gin.Context) {
	var req observationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.AbortWithError(c, errors.NewValidation("body", err.Error()))
		return
	}
	if req.ObservedAt.IsZero() {
		req.ObservedAt = time.Now()
	}
	s.deps.Marks.Record(req.Asset, req.Value, req.ObservedAt)
	c.JSON(http.StatusAccepted, gin.H{"status": "recorded"})
}

func (s *Server) getRiskParams(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Gate.Limits())
}

// putRiskParams replaces the adjustable admission limits. Already written
// policies are unaffected; the new limits apply to the next admission check.
func (s *Server) putRiskParams(c *gin.Context) {
	var limits riskgate.Limits
	if err := c.ShouldBindJSON(&limits); err != nil {
		errors.AbortWithError(c, errors.NewValidation("body", err.Error()))
		return
	}
	if err := s.deps.Gate.SetLimits(limits); err != nil {
		errors.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.deps.Gate.Limits())
}

func (s *Server) deleteVenue(c *gin.Context) {
	name := c.Param("name")
	if _, err := s.deps.Venues.Get(name); err != nil {
		errors.AbortWithError(c, err)
		return
	}
	s.deps.Venues.Deregister(name)
	s.logger.Info("venue deregistered", zap.String("venue", name))
	c.JSON(http.StatusOK, gin.H{"deregistered": name})
}
