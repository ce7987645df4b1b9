package main

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/noah-isme/user-guard-api/internal/handler"
	"github.com/noah-isme/user-guard-api/internal/middleware"
	"github.com/noah-isme/user-guard-api/internal/models"
	"github.com/noah-isme/user-guard-api/internal/service"
	"github.com/noah-isme/user-guard-api/pkg/config"
	"github.com/noah-isme/user-guard-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/user-guard-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/user-guard-api/pkg/middleware/requestid"
)

type routeDeps struct {
	auth     *handler.AuthHandler
	audit    *handler.AuditHandler
	security *handler.SecurityHandler
	users    *handler.UserHandler
	metrics  *handler.MetricsHandler

	tokens   middleware.TokenValidator
	guard    middleware.Guard
	recorder middleware.ActivityRecorder
	observer *service.MetricsService
}

func newRouter(cfg *config.Config, logr *zap.Logger, deps routeDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(deps.observer))
	r.Use(middleware.WithResponseMeta())

	r.GET("/health", deps.metrics.Health)
	r.GET("/ready", deps.metrics.Ready)
	r.GET("/metrics", deps.metrics.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	ipGuard := middleware.RateLimit(deps.guard, service.PolicyIP, middleware.KeyByClientIP)
	requireAuth := middleware.JWT(deps.tokens)

	auth := api.Group("/auth")
	auth.POST("/login",
		ipGuard,
		middleware.RateLimit(deps.guard, service.PolicyLogin, middleware.KeyByClientIP, middleware.ResetOnSuccess()),
		deps.auth.Login,
	)
	auth.POST("/forgot-password",
		ipGuard,
		middleware.RateLimit(deps.guard, service.PolicyPasswordReset, middleware.KeyByJSONField("email")),
		middleware.Audit(deps.recorder, models.ActionPasswordResetRequest, "email"),
		deps.auth.ForgotPassword,
	)
	auth.POST("/refresh", deps.auth.Refresh)
	auth.POST("/logout", requireAuth, deps.auth.Logout)
	auth.POST("/logout-all", requireAuth, deps.auth.LogoutAll)
	auth.POST("/change-password", requireAuth, deps.auth.ChangePassword)
	auth.GET("/me", requireAuth, deps.auth.Me)

	api.GET("/activity/me", requireAuth, deps.audit.Mine)

	admin := api.Group("/admin", requireAuth, middleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin))
	activity := admin.Group("/activity")
	activity.GET("", deps.audit.List)
	activity.GET("/users/:id", deps.audit.ForUser)
	activity.GET("/stats", deps.audit.Stats)
	activity.GET("/export", deps.audit.Export)
	activity.POST("/cleanup", deps.audit.Cleanup)

	security := admin.Group("/security")
	security.GET("/rate-limits", deps.security.RateLimitStatus)
	security.DELETE("/rate-limits", deps.security.Unblock)
	security.GET("/metrics", deps.security.Metrics)

	admin.PUT("/users/:id/role", deps.users.UpdateRole)

	return r
}
