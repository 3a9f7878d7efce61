package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"faceattend/internal/auth"
	"faceattend/internal/httpmiddleware"
)

// RouterConfig assembles the HTTP surface.
type RouterConfig struct {
	Face    *Handler
	Devices DeviceStore
	Tokens  TokenConfig
	Limiter httpmiddleware.Limiter
	Checks  map[string]Check
}

// NewRouter builds the gin engine with middleware, health, metrics and /v1 routes.
func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{SkipPaths: []string{"/healthz", "/metrics"}}))
	r.Use(httpmiddleware.RequestID(), httpmiddleware.CORS(), httpmiddleware.SecurityHeaders())
	if cfg.Limiter != nil {
		r.Use(httpmiddleware.RateLimit(cfg.Limiter))
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", Health(cfg.Checks))

	v1 := r.Group("/v1")
	v1.POST("/devices/register", RegisterDevice(cfg.Devices, cfg.Tokens))

	secured := v1.Group("", auth.Bearer(cfg.Tokens.SigningKey, cfg.Tokens.Issuer))
	cfg.Face.Mount(secured)
	return r
}
