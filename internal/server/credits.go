package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	creditdomain "github.com/agencyos/metering/internal/credit/domain"
	"github.com/agencyos/metering/internal/scope"
)

func (s *Server) ApplyCreditTransaction(c *gin.Context) {
	sc, ok := scope.FromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, scope.ErrInvalidScope)
		return
	}

	var req creditdomain.ApplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	req.Scope = sc

	txn, err := s.creditSvc.Apply(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, txn)
}

func (s *Server) ListCreditTransactions(c *gin.Context) {
	sc, ok := scope.FromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, scope.ErrInvalidScope)
		return
	}

	resp, err := s.creditSvc.ListTransactions(c.Request.Context(), creditdomain.ListRequest{
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

func (s *Server) GetCreditBalance(c *gin.Context) {
	sc, ok := scope.FromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, scope.ErrInvalidScope)
		return
	}

	balance, err := s.creditSvc.GetBalance(c.Request.Context(), sc, strings.TrimSpace(c.Query("feature_key")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, balance)
}

func (s *Server) GetAggregatedCreditBalance(c *gin.Context) {
	sc, ok := scope.FromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, scope.ErrInvalidScope)
		return
	}

	agg, err := s.creditSvc.GetAggregatedBalance(c.Request.Context(), sc)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, agg)
}
