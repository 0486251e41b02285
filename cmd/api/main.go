// Command api runs the notes question-answering service: note CRUD with
// background indexing, hybrid retrieval, and grounded chat over HTTP.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"notemind/internal/answer"
	"notemind/internal/config"
	"notemind/internal/handlers"
	"notemind/internal/indexer"
	"notemind/internal/llm"
	"notemind/internal/retrieval"
	"notemind/internal/service"
	"notemind/internal/storage"
	"notemind/internal/vectorindex"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	db, err := storage.New(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := storage.Migrate(db); err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}

	noteRepo := storage.NewNoteRepo(db)
	chunkRepo := storage.NewChunkRepo(db)

	// Embeddings are optional. Without them retrieval runs on lexical
	// terms and recency alone.
	var embedder *llm.EmbeddingsClient
	if cfg.EmbeddingsEnabled() {
		embedder = llm.NewEmbeddingsClient(cfg.EmbeddingBaseURL, cfg.LLMAPIKey, cfg.EmbeddingModelName, cfg.EmbeddingDimensions)
		logger.Info("embeddings enabled", "model", cfg.EmbeddingModelName, "dimensions", cfg.EmbeddingDimensions)
	} else {
		logger.Warn("embeddings disabled; retrieval degrades to lexical + recency")
	}

	index := selectVectorIndex(logger, cfg, chunkRepo)

	chunker := indexer.NewChunker(cfg.ChunkTargetSize, cfg.ChunkMinSize, cfg.ChunkMaxSize, cfg.ChunkOverlap)
	var pipelineEmbedder indexer.Embedder
	if embedder != nil {
		pipelineEmbedder = embedder
	}
	pipeline := indexer.NewPipeline(chunkRepo, pipelineEmbedder, index, cfg.EmbeddingModelName, chunker)

	chatClient := llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModelName, cfg.ChatTemperature, cfg.ChatTimeout)

	var queryEmbedder retrieval.QueryEmbedder
	if embedder != nil {
		queryEmbedder = embedder
	}
	engine := retrieval.NewEngine(cfg, chunkRepo, queryEmbedder, index)
	if cfg.QueryExpansionEnabled {
		engine.WithQueryExpander(llm.NewExpander(chatClient))
	}
	if cfg.CrossEncoderEnabled && cfg.CrossEncoderURL != "" {
		engine.WithCrossEncoder(llm.NewCrossEncoderClient(cfg.CrossEncoderURL))
		logger.Info("cross-encoder rerank enabled", "url", cfg.CrossEncoderURL)
	}
	if cfg.LLMRerankEnabled {
		engine.WithLLMReranker(llm.NewPassageReranker(chatClient))
	}
	defer engine.Stop()

	generator := answer.NewGenerator(chatClient, cfg.LLMModelName, cfg.CitationSnippetMaxChars, cfg.CitationMinOverlapScore)

	chatService := service.NewChatService(engine, generator, cfg.ChatTimeout)
	noteService := service.NewNoteService(noteRepo, pipeline)

	health := handlers.NewHealthHandler(db, index.Name())
	if embedder != nil {
		health.WithEmbeddingStats(func() any { return embedder.Stats() })
	}

	router := handlers.NewRouter(logger,
		handlers.NewChatHandler(chatService),
		handlers.NewNotesHandler(noteService),
		health,
	)

	srv := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "port", cfg.APIPort, "vector_index", index.Name())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	pipeline.Wait()
}

// selectVectorIndex picks the ANN variant once at startup: Qdrant when
// configured and reachable, otherwise the full-scan fallback over the
// document store.
func selectVectorIndex(logger *slog.Logger, cfg *config.Config, chunks storage.ChunkStore) vectorindex.Index {
	qd, err := vectorindex.NewQdrantIndex(cfg.QdrantURL, cfg.QdrantCollection, cfg.VectorDistanceMetric)
	if err != nil {
		logger.Warn("qdrant client init failed; using fallback scan", "error", err)
		return vectorindex.NewScanIndex(chunks, cfg.VectorFallbackScanMax)
	}
	if !qd.Configured() {
		logger.Info("qdrant not configured; using fallback scan")
		return vectorindex.NewScanIndex(chunks, cfg.VectorFallbackScanMax)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := qd.EnsureCollection(ctx, cfg.EmbeddingDimensions); err != nil {
		logger.Warn("qdrant collection setup failed; using fallback scan", "error", err)
		return vectorindex.NewScanIndex(chunks, cfg.VectorFallbackScanMax)
	}

	logger.Info("vector index ready", "variant", qd.Name(), "collection", cfg.QdrantCollection, "metric", cfg.VectorDistanceMetric)
	return qd
}
