package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"presence/internal/auth"
	"presence/internal/httpmiddleware"
)

// NewRouter builds the gin engine with middleware and every route.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(h.log, "/healthz", "/metrics"))
	r.Use(httpmiddleware.CORS())
	r.Use(httpmiddleware.SecurityHeaders())

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limiter := httpmiddleware.NewRateLimiter(h.cfg.RateLimitPerMin)

	public := r.Group("/v1", limiter.GinMiddleware())
	public.POST("/devices/register", h.RegisterDevice)
	public.POST("/auth/refresh", h.Refresh)
	public.POST("/auth/admin", h.AdminLogin)

	v1 := r.Group("/v1", auth.Authenticate(h.cfg.JWTSigningKey, h.cfg.JWTIssuer), limiter.GinMiddleware())
	v1.POST("/frames", h.SubmitFrame)
	v1.GET("/attendance", h.Snapshot)
	v1.GET("/attendance/:identity", h.GetPresence)
	v1.GET("/records", h.ListRecords)
	v1.GET("/records/:identity", h.GetRecord)

	admin := v1.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/attendance/reset", h.Reset)
	admin.POST("/sessions", h.StartSession)
	admin.GET("/sessions/current", h.CurrentSession)
	admin.DELETE("/sessions/current", h.StopSession)
	admin.GET("/sessions/current/frame", h.LatestFrame)
	admin.POST("/gallery/reload", h.ReloadGallery)

	return r
}
