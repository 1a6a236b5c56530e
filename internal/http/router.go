// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging, panic recovery, metrics, CORS,
// security headers, compression, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Streaming-aware: the SSE chat endpoint is exempt from gzip so tokens
//     are not buffered by the compressor
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-rag-backend/internal/ai"
	"github.com/tbourn/go-rag-backend/internal/config"
	"github.com/tbourn/go-rag-backend/internal/http/handlers"
	"github.com/tbourn/go-rag-backend/internal/http/middleware"
	"github.com/tbourn/go-rag-backend/internal/ingest"
	"github.com/tbourn/go-rag-backend/internal/retriever"
	"github.com/tbourn/go-rag-backend/internal/services"
	"github.com/tbourn/go-rag-backend/internal/vectorstore"
)

// Deps carries everything the router needs injected: the database handle and
// the already-constructed collaborators services are built from.
type Deps struct {
	DB       *gorm.DB
	Model    ai.ChatModel
	Cache    *retriever.Cache
	Store    vectorstore.Store
	Pipeline *ingest.Pipeline
	Titles   *services.TitleGenerator
}

// streamRoute is the SSE endpoint path relative to the API base. It is
// excluded from gzip compression.
const streamRoute = "/chat/stream"

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured access logs
//  4. Recovery: capture panics after logger
//  5. Body size limiter (uploads go through multipart, which spools to disk)
//  6. Metrics
//  7. Rate limiter (per user/IP)
//  8. CORS and Security headers
//  9. Gzip for JSON responses, excluding the SSE stream
func RegisterRoutes(r *gin.Engine, cfg config.Config, d Deps) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured access logging
	r.Use(middleware.Logger())

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (32 MiB; covers document uploads)
	r.Use(limitBody(32 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Token-bucket rate limiter per user/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	r.Use(rl.Handler(func(c *gin.Context) {
		handlers.Fail(c, http.StatusTooManyRequests, handlers.ErrCodeRateLimited, "rate limit exceeded")
	}))

	// 8) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// 9) Compress JSON responses; never the event stream
	apiBase := cfg.APIBasePath
	r.Use(gzip.Gzip(gzip.DefaultCompression,
		gzip.WithExcludedPaths([]string{joinRoute(apiBase, streamRoute)})))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Dependency injection: services ← repo/db/collaborators
	convSvc := services.NewConversationService(d.DB)
	streamSvc := &services.StreamService{
		DB:             d.DB,
		Model:          d.Model,
		Cache:          d.Cache,
		Titles:         d.Titles,
		HistoryLimit:   cfg.HistoryLimit,
		StreamTimeout:  cfg.StreamTimeout,
		TokenDelay:     cfg.TokenDelay,
		MaxPromptRunes: 4000,
	}
	kbSvc := &services.KnowledgeService{
		DB:        d.DB,
		Store:     d.Store,
		Cache:     d.Cache,
		Pipeline:  d.Pipeline,
		UploadDir: cfg.Ingest.UploadDir,
	}
	h := handlers.New(convSvc, streamSvc, kbSvc)

	// Public API
	api := groupWithPrefix(r, apiBase)
	{
		// Conversations
		api.POST("/conversations", h.CreateConversation)
		api.GET("/conversations", h.ListConversations)
		api.GET("/conversations/:id/messages", h.ListConversationMessages)
		api.PUT("/conversations/:id/title", h.UpdateConversationTitle)
		api.DELETE("/conversations/:id", h.DeleteConversation)

		// Streaming chat
		api.POST(streamRoute, h.StreamChat)

		// Knowledge bases and files
		api.POST("/knowledge", h.CreateKnowledgeBase)
		api.GET("/knowledge", h.ListKnowledgeBases)
		api.GET("/knowledge/:id", h.GetKnowledgeBase)
		api.PUT("/knowledge/:id", h.UpdateKnowledgeBase)
		api.DELETE("/knowledge/:id", h.DeleteKnowledgeBase)
		api.POST("/knowledge/:id/files", h.UploadKnowledgeFile)
		api.GET("/knowledge/:id/files", h.ListKnowledgeFiles)
		api.GET("/knowledge/:id/files/:fid", h.GetKnowledgeFile)
		api.DELETE("/knowledge/:id/files/:fid", h.DeleteKnowledgeFile)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}

// joinRoute concatenates an API base path and a route without doubling
// slashes.
func joinRoute(base, route string) string {
	if base == "" || base == "/" {
		return route
	}
	return base + route
}
