package server

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agencyos/metering/internal/scope"
)

const (
	HeaderAgency     = "X-Agency-ID"
	HeaderSubAccount = "X-Sub-Account-ID"
	HeaderRequestID  = "X-Request-ID"
)

func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(HeaderRequestID, id)
		c.Set("request_id", id)
		c.Next()
	}
}

func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("server.http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString("request_id")),
		)
	}
}

// ScopeRequired resolves the tenant scope from headers set by the upstream
// auth layer and threads it through the request context. Identity itself is
// never resolved here.
func (s *Server) ScopeRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		sc, err := scopeFromHeaders(c)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.Request = c.Request.WithContext(scope.WithScope(c.Request.Context(), sc))
		c.Next()
	}
}

func scopeFromHeaders(c *gin.Context) (scope.Scope, error) {
	rawAgency := strings.TrimSpace(c.GetHeader(HeaderAgency))
	if rawAgency == "" {
		return scope.Scope{}, scope.ErrInvalidScope
	}
	agencyID, err := snowflake.ParseString(rawAgency)
	if err != nil {
		return scope.Scope{}, scope.ErrInvalidScope
	}

	rawSub := strings.TrimSpace(c.GetHeader(HeaderSubAccount))
	if rawSub == "" {
		sc := scope.ForAgency(agencyID)
		return sc, sc.Validate()
	}

	subAccountID, err := snowflake.ParseString(rawSub)
	if err != nil {
		return scope.Scope{}, scope.ErrInvalidScope
	}
	sc := scope.ForSubAccount(agencyID, subAccountID)
	return sc, sc.Validate()
}

func (s *Server) UsageIngestRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.ingestLimiter.Enabled() {
			c.Next()
			return
		}

		sc, ok := scope.FromContext(c.Request.Context())
		if !ok {
			AbortWithError(c, scope.ErrInvalidScope)
			return
		}

		allowed, err := s.ingestLimiter.AllowAgency(c.Request.Context(), sc)
		if err != nil {
			s.log.Warn("usage ingest rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !allowed {
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}
