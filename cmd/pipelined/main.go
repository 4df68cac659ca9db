// Command pipelined runs the knowledge-base ingestion pipeline
// continuously: a sweep loop drives the Orchestrator and Validator, the
// event bus ingestor/broadcaster fans progress out to connected operator
// UIs over websockets, and an HTTP API accepts run requests and exposes
// Prometheus metrics.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nepenth/kb-pipeline/internal/eventbus/broker"
	"github.com/nepenth/kb-pipeline/internal/eventbus/producer"
	"github.com/nepenth/kb-pipeline/internal/metrics"
	"github.com/nepenth/kb-pipeline/internal/orchestrator"
	"github.com/nepenth/kb-pipeline/internal/ports"
	"github.com/nepenth/kb-pipeline/internal/ports/categorygraph"
	"github.com/nepenth/kb-pipeline/internal/ports/gitpublisher"
	"github.com/nepenth/kb-pipeline/internal/ports/llmport"
	"github.com/nepenth/kb-pipeline/internal/ports/mediastore"
	"github.com/nepenth/kb-pipeline/internal/ports/natsbroker"
	"github.com/nepenth/kb-pipeline/internal/ports/renderer"
	"github.com/nepenth/kb-pipeline/internal/ports/vectorstore"
	"github.com/nepenth/kb-pipeline/internal/ports/visionport"
	"github.com/nepenth/kb-pipeline/internal/store"
	"github.com/nepenth/kb-pipeline/internal/validator"
	"github.com/nepenth/kb-pipeline/pkg/resilience"
	"github.com/nepenth/kb-pipeline/pkg/mid"
)

const embeddingDims = 768 // nomic-embed-text, the default KB_EMBED_MODEL below

// Config holds all environment-based configuration.
type Config struct {
	Port string

	DBDriver string
	DBPath   string

	OllamaURL   string
	ChatModel   string
	EmbedModel  string
	VisionModel string
	QdrantAddr  string
	Collection  string
	Neo4jURL    string
	Neo4jUser   string
	Neo4jPass   string
	NATSUrl     string

	KnowledgeBaseDir string
	GitRepoDir       string
	GitSkipPush      bool
	MediaCacheDir    string

	CORSOrigin    string
	SweepInterval time.Duration
	ValidateEvery time.Duration
}

func loadConfig() Config {
	return Config{
		Port: envOr("KB_PORT", "8090"),

		DBDriver: envOr("KB_DB_DRIVER", "sqlite"),
		DBPath:   envOr("KB_DB_PATH", "kb_pipeline.db"),

		OllamaURL:   envOr("KB_OLLAMA_URL", "http://localhost:11434"),
		ChatModel:   envOr("KB_CHAT_MODEL", "llama3.1"),
		EmbedModel:  envOr("KB_EMBED_MODEL", "nomic-embed-text"),
		VisionModel: envOr("KB_VISION_MODEL", "llava"),
		QdrantAddr:  envOr("KB_QDRANT_ADDR", ""),
		Collection:  envOr("KB_QDRANT_COLLECTION", "kb_pipeline"),
		Neo4jURL:    envOr("KB_NEO4J_URL", ""),
		Neo4jUser:   envOr("KB_NEO4J_USER", "neo4j"),
		Neo4jPass:   envOr("KB_NEO4J_PASS", "password"),
		NATSUrl:     envOr("KB_NATS_URL", nats.DefaultURL),

		KnowledgeBaseDir: envOr("KB_KNOWLEDGE_BASE_DIR", "knowledge_base"),
		GitRepoDir:       envOr("KB_GIT_REPO_DIR", "."),
		GitSkipPush:      envOr("KB_GIT_SKIP_PUSH", "") != "",
		MediaCacheDir:    envOr("KB_MEDIA_CACHE_DIR", "media_cache"),

		CORSOrigin:    envOr("KB_CORS_ORIGIN", "*"),
		SweepInterval: durationOr("KB_SWEEP_INTERVAL", 30*time.Second),
		ValidateEvery: durationOr("KB_VALIDATE_INTERVAL", 10*time.Minute),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("pipelined exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbCfg := store.DefaultConfig()
	dbCfg.LoadFromEnv()
	db, err := store.Connect(ctx, dbCfg, logger)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer db.Close()
	if err := store.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	items := store.NewItemStore(db)
	queue := store.NewQueueStore(db)
	categories := store.NewCategoryStore(db)
	stats := store.NewStatsStore(db)

	registry := prometheus.NewRegistry()
	met := metrics.New("kb_pipeline", registry)

	nc, err := nats.Connect(cfg.NATSUrl)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer nc.Close()
	transport := natsbroker.New(nc)

	emitter := producer.New(transport, producer.DefaultConfig(), logger)

	hub := broker.NewHub(logger)
	brk := broker.New(transport, hub, broker.DefaultConfig(), logger)
	met.RegisterEventBus("kb_pipeline", brk.Stats)

	brokerCtx, stopBroker := context.WithCancel(ctx)
	defer stopBroker()
	go func() {
		if err := brk.Run(brokerCtx); err != nil && brokerCtx.Err() == nil {
			logger.Error("event bus broker stopped", "error", err)
		}
	}()

	media, err := mediastore.New(mediastore.Config{Dir: cfg.MediaCacheDir})
	if err != nil {
		return fmt.Errorf("init media store: %w", err)
	}
	vision := visionport.New(visionport.Config{BaseURL: cfg.OllamaURL, Model: cfg.VisionModel})
	llm := llmport.New(llmport.Config{BaseURL: cfg.OllamaURL, ChatModel: cfg.ChatModel, EmbedModel: cfg.EmbedModel})
	render, err := renderer.New()
	if err != nil {
		return fmt.Errorf("init renderer: %w", err)
	}
	publisher := gitpublisher.New(gitpublisher.Config{RepoDir: cfg.GitRepoDir, SkipPush: cfg.GitSkipPush})

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.KnowledgeBaseDir = cfg.KnowledgeBaseDir

	// fetcher is the noFetcher stub here: scraping the bookmark source
	// itself is out of scope (spec's Non-goals), and this deployment's real
	// Fetcher is supplied by whichever scraping tool the operator runs
	// alongside pipelined, wired through the same ports.Fetcher interface.
	orch := orchestrator.New(items, queue, categories, stats,
		noFetcher{}, media, vision, llm, render, publisher,
		emitter, orchCfg, logger)
	orch.Breaker = resilience.NewBreaker(resilience.DefaultBreakerOpts)

	if cfg.QdrantAddr != "" {
		vs, err := vectorstore.New(cfg.QdrantAddr, cfg.Collection)
		if err != nil {
			logger.Warn("qdrant connect failed, embedding_generation will be skipped", "error", err)
		} else {
			if err := vs.EnsureCollection(ctx, embeddingDims); err != nil {
				logger.Warn("qdrant ensure collection failed, embedding_generation will be skipped", "error", err)
			} else {
				orch.Vectors = vs
				defer vs.Close()
			}
		}
	}

	if cfg.Neo4jURL != "" {
		driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
		if err != nil {
			logger.Warn("neo4j driver init failed, category graph will be skipped", "error", err)
		} else if err := driver.VerifyConnectivity(ctx); err != nil {
			logger.Warn("neo4j verify failed, category graph will be skipped", "error", err)
			driver.Close(ctx)
		} else {
			orch.Graph = categorygraph.New(driver)
			defer driver.Close(ctx)
		}
	}

	valCfg := validator.DefaultConfig()
	valCfg.KnowledgeBaseDir = cfg.KnowledgeBaseDir
	val := validator.New(items, queue, categories, validator.NewOSFileChecker(), valCfg, logger)

	runs := newRunRegistry()

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sweepLoop(sweepCtx, orch, runs, cfg.SweepInterval, logger)
	}()
	go func() {
		defer wg.Done()
		validateLoop(sweepCtx, val, cfg.ValidateEvery, logger)
	}()

	router := chi.NewRouter()
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSOrigin},
		AllowedMethods:   []string{"GET", "POST", "DELETE"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
	}))

	api := &apiServer{orch: orch, val: val, items: items, runs: runs, log: logger}
	router.Get("/api/health", api.handleHealth)
	router.Post("/api/runs", api.handleCreateRun)
	router.Get("/api/runs/{taskID}", api.handleGetRun)
	router.Post("/api/runs/{taskID}/cancel", api.handleCancelRun)
	router.Post("/api/validate", api.handleValidate)
	router.Get("/api/items/stats", api.handleItemStats)
	router.Get("/ws", hub.ServeWS)
	router.Handle("/metrics", met.Handler())

	handler := mid.Chain(router, mid.Recover(logger), mid.Logger(logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("pipelined api starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	stopSweep()
	stopBroker()
	wg.Wait()

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// sweepLoop drives the orchestrator's fixed phase sequence on a fixed
// cadence, matching engine/ingest's original watch-directory polling shape
// (cmd/ingest/main.go's scan-on-ticker loop) but over the pipeline's phases
// instead of a directory listing.
func sweepLoop(ctx context.Context, orch *orchestrator.Orchestrator, runs *runRegistry, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			taskID := uuid.NewString()
			runCtx, cancel := runs.start(taskID)
			result, err := orch.Run(runCtx, uuid.NewString(), taskID, orchestrator.RunDescriptor{RunMode: "full"})
			cancel()
			if err != nil {
				log.Warn("scheduled sweep failed", "task_id", taskID, "error", err)
			}
			runs.finish(taskID, result, err)
		}
	}
}

func validateLoop(ctx context.Context, val *validator.Validator, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := val.Run(ctx, true)
			if err != nil {
				log.Warn("scheduled validation failed", "error", err)
				continue
			}
			log.Info("validation sweep complete", "health_score", report.HealthScore, "status", report.Status)
		}
	}
}

// noFetcher stands in for the bookmark-source scraper, which spec.md scopes
// out as a pluggable capability port; a deployment wires its real Fetcher in
// here rather than in pipelined itself.
type noFetcher struct{}

func (noFetcher) ListNewItems(ctx context.Context) ([]ports.ExternalRef, error) { return nil, nil }
func (noFetcher) FetchItem(ctx context.Context, ref ports.ExternalRef) (ports.FetchedItem, error) {
	return ports.FetchedItem{}, fmt.Errorf("noFetcher: no fetcher configured")
}
