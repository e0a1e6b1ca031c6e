package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xxxsen/hybridrag/internal/middleware"
)

type RouterDeps struct {
	RAG         *RAGHandler
	AuthMode    string
	JWTSecret   []byte
	RateLimitMS int
}

func RegisterRoutes(api *gin.RouterGroup, deps RouterDeps) {
	api.GET("/healthz", Healthz)
	api.GET("/metrics", gin.WrapH(promhttp.Handler()))

	tenantGroup := api.Group("")
	tenantGroup.Use(
		middleware.Tenant(deps.AuthMode, deps.JWTSecret),
		middleware.RateLimit(msDuration(deps.RateLimitMS)),
	)
	tenantGroup.POST("/ingest", deps.RAG.Ingest)
	tenantGroup.POST("/search", deps.RAG.Search)
	tenantGroup.POST("/chat", deps.RAG.Chat)
	tenantGroup.GET("/documents", deps.RAG.Documents)
}
