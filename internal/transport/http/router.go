package http

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/ariavoice/aria/internal/config"
	"github.com/ariavoice/aria/internal/observability"
)

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, sig Signaler) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())

	log.Info().Str("module", "transport.http").Int("port", cfg.Port).Msg("router setup")

	r.POST("/offer", handleOffer(sig))
	r.PATCH("/offer", handleCandidates(sig))
	r.GET("/health", handleHealth)
	r.GET("/metrics", gin.WrapH(observability.MetricsHandler()))

	return r
}
