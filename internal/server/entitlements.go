package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agencyos/metering/internal/scope"
	usagedomain "github.com/agencyos/metering/internal/usage/domain"
)

type checkEntitlementRequest struct {
	FeatureKey string  `json:"feature_key"`
	Quantity   float64 `json:"quantity"`
}

func (s *Server) ListEntitlements(c *gin.Context) {
	sc, ok := scope.FromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, scope.ErrInvalidScope)
		return
	}

	ents, err := s.entitlementSvc.List(c.Request.Context(), sc)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"entitlements": ents})
}

func (s *Server) CheckEntitlement(c *gin.Context) {
	sc, ok := scope.FromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, scope.ErrInvalidScope)
		return
	}

	var req checkEntitlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	check, err := s.entitlementSvc.Check(c.Request.Context(), sc, strings.TrimSpace(req.FeatureKey), req.Quantity)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, check)
}

func (s *Server) GetScopeSummary(c *gin.Context) {
	sc, ok := scope.FromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, scope.ErrInvalidScope)
		return
	}

	period := usagedomain.Period(strings.ToUpper(strings.TrimSpace(c.Query("period"))))

	summaries, err := s.aggregationSvc.GetUsageSummary(c.Request.Context(), sc, period, queryInt(c, "periods_back", 0))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	credits, err := s.aggregationSvc.GetAggregatedCredits(c.Request.Context(), sc)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"usage":   summaries,
		"credits": credits,
	})
}
