// Command server runs the retrieval-augmented chat backend: a Gin HTTP API
// over SQLite conversation storage, a Chroma vector store, OpenAI-compatible
// embedding/completion services, and a background ingestion pipeline.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-rag-backend/internal/ai"
	"github.com/tbourn/go-rag-backend/internal/config"
	httpapi "github.com/tbourn/go-rag-backend/internal/http"
	"github.com/tbourn/go-rag-backend/internal/ingest"
	"github.com/tbourn/go-rag-backend/internal/observability"
	"github.com/tbourn/go-rag-backend/internal/repo"
	"github.com/tbourn/go-rag-backend/internal/retriever"
	"github.com/tbourn/go-rag-backend/internal/services"
	"github.com/tbourn/go-rag-backend/internal/sysutil"
	"github.com/tbourn/go-rag-backend/internal/vectorstore"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	// Optional .env for local development; absence is not an error.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("could not set up tracing")
	}

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("could not open database")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("could not migrate schema")
	}

	embedder, err := ai.NewOpenAIEmbedder(cfg.Models)
	if err != nil {
		log.Fatal().Err(err).Msg("could not construct embedder")
	}
	model, err := ai.NewOpenAIChatModel(cfg.Models)
	if err != nil {
		log.Fatal().Err(err).Msg("could not construct chat model")
	}

	store := vectorstore.NewClient(vectorstore.Config{
		URL:     cfg.Chroma.URL,
		Timeout: cfg.Chroma.Timeout,
	})
	cache := retriever.NewCache(embedder, store, cfg.TopK)

	pipeline, err := ingest.NewPipeline(ingest.Options{
		DB:           db,
		Extractor:    ingest.FileExtractor{},
		Embedder:     embedder,
		Store:        store,
		ChunkSize:    cfg.Ingest.ChunkSize,
		ChunkOverlap: cfg.Ingest.ChunkOverlap,
		Workers:      cfg.Ingest.Workers,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("could not start ingestion pipeline")
	}
	defer pipeline.Release()

	titles, err := services.NewTitleGenerator(db, model, 2)
	if err != nil {
		log.Fatal().Err(err).Msg("could not start title generator")
	}
	defer titles.Release()

	gin.SetMode(cfg.GinMode)
	engine := gin.New()
	httpapi.RegisterRoutes(engine, cfg, httpapi.Deps{
		DB:       db,
		Model:    model,
		Cache:    cache,
		Store:    store,
		Pipeline: pipeline,
		Titles:   titles,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		// WriteTimeout stays 0 by default: SSE responses outlive any fixed
		// write deadline; the stream itself enforces the 180s model bound.
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("tracing shutdown failed")
	}
}
