package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/gatekeeper/internal/alert"
	alertservice "github.com/smallbiznis/gatekeeper/internal/alert/service"
	"github.com/smallbiznis/gatekeeper/internal/audit"
	auditdomain "github.com/smallbiznis/gatekeeper/internal/audit/domain"
	"github.com/smallbiznis/gatekeeper/internal/authorization"
	"github.com/smallbiznis/gatekeeper/internal/billinggate"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	"github.com/smallbiznis/gatekeeper/internal/config"
	"github.com/smallbiznis/gatekeeper/internal/entitlement"
	entdomain "github.com/smallbiznis/gatekeeper/internal/entitlement/domain"
	"github.com/smallbiznis/gatekeeper/internal/job"
	jobdomain "github.com/smallbiznis/gatekeeper/internal/job/domain"
	"github.com/smallbiznis/gatekeeper/internal/observability"
	obsmiddleware "github.com/smallbiznis/gatekeeper/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/gatekeeper/internal/observability/metrics"
	obstracing "github.com/smallbiznis/gatekeeper/internal/observability/tracing"
	"github.com/smallbiznis/gatekeeper/internal/override"
	overridedomain "github.com/smallbiznis/gatekeeper/internal/override/domain"
	"github.com/smallbiznis/gatekeeper/internal/providers"
	"github.com/smallbiznis/gatekeeper/internal/ratelimit"
	"github.com/smallbiznis/gatekeeper/internal/subscription"
	subscriptiondomain "github.com/smallbiznis/gatekeeper/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	authorization.Module,
	audit.Module,
	subscription.Module,
	providers.Module,
	alert.Module,
	entitlement.Module,
	override.Module,
	billinggate.Module,
	job.Module,
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, r *gin.Engine) {
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", srv.Addr))
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
	engine        *gin.Engine
	cfg           config.Config
	db            *gorm.DB
	log           *zap.Logger
	clock         clock.Clock
	entitlements  entdomain.Service
	subscriptions subscriptiondomain.Service
	gate          *billinggate.Gate
	overrides     overridedomain.Service
	jobs          jobdomain.Service
	auditSvc      auditdomain.Service
	authzSvc      authorization.Service
	denials       *alertservice.DenyMonitor
	limiter       *ratelimit.WebhookLimiter
	obsMetrics    *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	Entitlements  entdomain.Service
	Subscriptions subscriptiondomain.Service
	Gate          *billinggate.Gate
	Overrides     overridedomain.Service
	Jobs          jobdomain.Service
	AuditSvc      auditdomain.Service
	AuthzSvc      authorization.Service
	Denials       *alertservice.DenyMonitor `optional:"true"`
	Limiter       *ratelimit.WebhookLimiter `optional:"true"`
	ObsMetrics    *obsmetrics.Metrics       `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		db:            p.DB,
		log:           p.Log.Named("http.server"),
		clock:         p.Clock,
		entitlements:  p.Entitlements,
		subscriptions: p.Subscriptions,
		gate:          p.Gate,
		overrides:     p.Overrides,
		jobs:          p.Jobs,
		auditSvc:      p.AuditSvc,
		authzSvc:      p.AuthzSvc,
		denials:       p.Denials,
		limiter:       p.Limiter,
		obsMetrics:    p.ObsMetrics,
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")

	// -------- Entitlements --------
	tenants := v1.Group("/tenants/:tenant")
	{
		tenants.GET("/entitlements", s.GetEntitlements)
		tenants.GET("/billing-state", s.GetBillingState)
		tenants.GET("/jobs", s.RequireActor(), s.ListTenantJobs)
	}

	// -------- Billing Webhooks --------
	v1.POST("/webhooks/billing", s.HandleBillingWebhook)

	if !s.cfg.IsProduction() {
		v1.POST("/test/cleanup", s.TestCleanup)
	}
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/v1/admin")
	admin.Use(s.RequireActor())

	// -------- Overrides --------
	admin.GET("/overrides", s.ListOverrides)
	admin.POST("/overrides", s.CreateOverride)
	admin.PUT("/overrides/:id", s.UpdateOverride)
	admin.DELETE("/overrides/:id", s.DeleteOverride)

	// -------- Jobs --------
	admin.POST("/jobs/:id/cancel", s.CancelJob)

	admin.GET("/audit-logs", s.ListAuditLogs)
}
