package transport

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/hatchbot-ai/engine/internal/chatclient"
	"github.com/hatchbot-ai/engine/internal/config"
)

// NewRouter builds the HTTP surface: the versioned API, the metrics
// endpoint, and a health check, wrapped in CORS for browser embeds.
func NewRouter(h *Handlers, uploads chatclient.Uploader, cfg *config.Config) http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/v1")
	{
		api.POST("/conversations/:id/messages", h.PostTurn)
		api.GET("/conversations/:id/stream", h.StreamSocket)
		api.POST("/leads", h.PostLead)
		api.POST("/attachments", h.PostAttachment(uploads))
		api.GET("/sessions/:id", h.GetSession)
	}

	return corsWrapper(cfg).Handler(router)
}

// corsWrapper configures the CORS layer from the deployment config. The
// widget is embedded on customer sites, so the origin list is open by
// default and narrowed per deployment.
func corsWrapper(cfg *config.Config) *cors.Cors {
	origins := []string{"*"}
	if cfg != nil && cfg.CORSAllowedOrigins != "" && cfg.CORSAllowedOrigins != "*" {
		origins = strings.Split(cfg.CORSAllowedOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
	}

	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Origin", "Content-Type", "Content-Length", "Accept-Encoding", "Authorization", "X-Session-Id"},
		ExposedHeaders: []string{"X-Session-Id"},
		MaxAge:         300,
	})
}
