package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agencyos/metering/internal/scope"
	usagedomain "github.com/agencyos/metering/internal/usage/domain"
)

func (s *Server) RecordUsage(c *gin.Context) {
	sc, ok := scope.FromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, scope.ErrInvalidScope)
		return
	}

	var req usagedomain.RecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	req.Scope = sc

	event, err := s.usageSvc.Record(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, event)
}

func (s *Server) ListUsage(c *gin.Context) {
	sc, ok := scope.FromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, scope.ErrInvalidScope)
		return
	}

	resp, err := s.usageSvc.List(c.Request.Context(), usagedomain.ListRequest{
		Scope:      sc,
		FeatureKey: strings.TrimSpace(c.Query("feature_key")),
		PageToken:  c.Query("page_token"),
		PageSize:   queryInt(c, "page_size", 0),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetUsageSummary(c *gin.Context) {
	sc, ok := scope.FromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, scope.ErrInvalidScope)
		return
	}

	featureKey := strings.TrimSpace(c.Query("feature_key"))
	if featureKey == "" {
		AbortWithError(c, usagedomain.ErrInvalidFeatureKey)
		return
	}

	period := usagedomain.PeriodMonthly
	if raw := strings.TrimSpace(c.Query("period")); raw != "" {
		parsed, err := usagedomain.ParsePeriod(raw)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		period = parsed
	}

	summary, err := s.usageSvc.Summarize(c.Request.Context(), usagedomain.SummarizeRequest{
		Scope:       sc,
		FeatureKey:  featureKey,
		Period:      period,
		PeriodsBack: queryInt(c, "periods_back", 0),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

func queryInt(c *gin.Context, key string, def int) int {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
