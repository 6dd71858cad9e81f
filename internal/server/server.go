package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/agencyos/metering/internal/aggregation"
	"github.com/agencyos/metering/internal/config"
	creditdomain "github.com/agencyos/metering/internal/credit/domain"
	entitlementdomain "github.com/agencyos/metering/internal/entitlement/domain"
	"github.com/agencyos/metering/internal/ratelimit"
	usagedomain "github.com/agencyos/metering/internal/usage/domain"
)

var Module = fx.Module("server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(RequestLogger(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server starting", zap.String("addr", cfg.HTTPAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine         *gin.Engine
	cfg            config.Config
	log            *zap.Logger
	usageSvc       usagedomain.Service
	entitlementSvc entitlementdomain.Service
	creditSvc      creditdomain.Service
	aggregationSvc *aggregation.Service
	ingestLimiter  *ratelimit.IngestLimiter
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	Log            *zap.Logger
	UsageSvc       usagedomain.Service
	EntitlementSvc entitlementdomain.Service
	CreditSvc      creditdomain.Service
	AggregationSvc *aggregation.Service
	IngestLimiter  *ratelimit.IngestLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		log:            p.Log.Named("server"),
		usageSvc:       p.UsageSvc,
		entitlementSvc: p.EntitlementSvc,
		creditSvc:      p.CreditSvc,
		aggregationSvc: p.AggregationSvc,
		ingestLimiter:  p.IngestLimiter,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", s.ScopeRequired())

	// -------- Usage --------
	api.POST("/usage", s.UsageIngestRateLimit(), s.RecordUsage)
	api.GET("/usage", s.ListUsage)
	api.GET("/usage/summary", s.GetUsageSummary)

	// -------- Entitlements --------
	api.GET("/entitlements", s.ListEntitlements)
	api.POST("/entitlements/check", s.CheckEntitlement)

	// -------- Credits --------
	api.POST("/credits/transactions", s.ApplyCreditTransaction)
	api.GET("/credits/transactions", s.ListCreditTransactions)
	api.GET("/credits/balance", s.GetCreditBalance)
	api.GET("/credits/balance/aggregated", s.GetAggregatedCreditBalance)

	// -------- Aggregates --------
	api.GET("/summary", s.GetScopeSummary)
}
