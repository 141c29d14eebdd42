package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mrmushfiq/llm0-keypool/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-keypool/internal/gateway/handlers"
	"github.com/mrmushfiq/llm0-keypool/internal/gateway/metrics"
	"github.com/mrmushfiq/llm0-keypool/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-keypool/internal/gateway/resilient"
	"github.com/mrmushfiq/llm0-keypool/internal/hypothesis"
	"github.com/mrmushfiq/llm0-keypool/internal/keypool"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/config"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/database"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/redis"
)

// Model prefixes served by each pool. Gemma is served by the Gemini API.
var geminiModelPrefixes = []string{"gemini-", "gemma-"}

var chatModelPrefixes = []string{"meta-llama/", "llama", "mixtral", "qwen", "deepseek", "gpt-"}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	setupLogging(cfg)

	log.Printf("Starting key pool gateway on port %s (env: %s)", cfg.Port, cfg.Env)

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database (optional)
	var db *database.DB
	if cfg.DatabaseURL != "" {
		db, err = database.New(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		if err := db.EnsureSchema(ctx); err != nil {
			log.Fatalf("Failed to prepare database: %v", err)
		}
		log.Println("✓ Connected to PostgreSQL")
	} else {
		log.Println("DATABASE_URL not set, request logs and hypothesis history are memory only")
	}

	// Initialize Redis (optional)
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = redis.New(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		log.Println("✓ Connected to Redis")
	} else {
		log.Println("REDIS_URL not set, cache, rate limiting and key state persistence disabled")
	}

	collector := metrics.NewCollector()

	// Initialize key pools and resilient clients
	router := resilient.NewRouter()
	var defaultClient *resilient.Client

	if len(cfg.GeminiAPIKeys) > 0 {
		gemini, err := buildClient(ctx, "gemini",
			providers.NewGeminiProvider(cfg.GeminiBaseURL, cfg.GeminiModel),
			cfg.GeminiAPIKeys, cfg, redisClient, collector)
		if err != nil {
			log.Fatalf("Failed to initialize gemini pool: %v", err)
		}
		router.Register(gemini, geminiModelPrefixes...)
		defaultClient = gemini
		log.Printf("✓ Initialized gemini pool (%d keys)", gemini.Pool().Len())
	}

	if len(cfg.ChatAPIKeys) > 0 {
		chat, err := buildClient(ctx, "chat",
			providers.NewOpenAIProvider("groq", cfg.ChatBaseURL, cfg.ChatModel),
			cfg.ChatAPIKeys, cfg, redisClient, collector)
		if err != nil {
			log.Fatalf("Failed to initialize chat pool: %v", err)
		}
		router.Register(chat, chatModelPrefixes...)
		if defaultClient == nil {
			defaultClient = chat
		}
		log.Printf("✓ Initialized chat pool (%d keys)", chat.Pool().Len())
	}

	router.SetDefault(defaultClient.Name())

	// Initialize cache
	var cacheService *cache.Cache
	if redisClient != nil && cfg.CacheEnabled {
		cacheService = cache.New(redisClient, time.Duration(cfg.CacheTTLSeconds)*time.Second)
		log.Println("✓ Initialized cache")
	}

	// Hypothesis generator runs on the default pool
	genOpts := []hypothesis.Option{hypothesis.WithInterval(cfg.HypothesisInterval)}
	if db != nil {
		genOpts = append(genOpts, hypothesis.WithStore(db))
	}
	generator := hypothesis.New(defaultClient, genOpts...)
	if err := generator.Load(ctx); err != nil {
		log.Printf("Failed to load hypothesis history: %v", err)
	}
	go generator.Run(ctx)

	// Initialize handlers
	var requestLogs handlers.RequestLogger
	if db != nil {
		requestLogs = db
	}
	var limiter handlers.RateLimiter
	if redisClient != nil {
		limiter = redisClient
	}

	systemPrompt := cfg.ChatSystemPrompt
	if systemPrompt == "" {
		systemPrompt = handlers.DefaultSystemPrompt
	}

	generateHandler := handlers.NewGenerateHandler(router, cacheService, requestLogs)
	chatHandler := handlers.NewChatHandler(router, cacheService, requestLogs, systemPrompt)
	statsHandler := handlers.NewStatsHandler(router)
	hypothesisHandler := handlers.NewHypothesisHandler(generator)
	middleware := handlers.NewMiddleware(limiter, cfg.RateLimitPerMinute, cfg.AllowedOrigins, cfg.GatewayToken)

	// A request may spend every attempt plus the delays between them
	requestBudget := time.Duration(cfg.MaxRetries)*(cfg.RequestTimeout+cfg.RetryDelay) + 30*time.Second

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(requestBudget))
	r.Use(middleware.CORSMiddleware)

	// Health check and metrics (no auth required)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// API routes (with auth and rate limiting)
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)
		r.Use(middleware.RateLimitMiddleware)

		r.Post("/generate", generateHandler.HandleGenerate)
		r.Post("/chat/completions", chatHandler.HandleChatCompletion)
		r.Get("/keys/stats", statsHandler.HandleKeyStats)
		r.Post("/hypotheses", hypothesisHandler.HandleTrigger)
		r.Get("/hypotheses", hypothesisHandler.HandleList)
		r.Get("/hypotheses/{id}", hypothesisHandler.HandleGet)
	})

	// HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: requestBudget + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("🚀 Server listening on http://localhost:%s", cfg.Port)
		log.Println("   POST /v1/generate         - Single prompt generation")
		log.Println("   POST /v1/chat/completions - Chat completions (OpenAI-compatible)")
		log.Println("   GET  /v1/keys/stats       - Key pool statistics")
		log.Println("   POST /v1/hypotheses       - Queue hypothesis generation")
		log.Println("   GET  /v1/hypotheses       - List hypotheses")
		log.Println("   GET  /health              - Health check")
		log.Println("   GET  /metrics             - Prometheus metrics")
		log.Println("")
		log.Println("Ready to accept requests!")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down gracefully...")
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}

// buildClient creates a credential pool for keys, restores its persisted state
// when Redis is available and wraps it in a resilient client
func buildClient(ctx context.Context, name string, provider providers.Provider, keys []string, cfg *config.Config, redisClient *redis.Client, collector *metrics.Collector) (*resilient.Client, error) {
	var poolOpts []keypool.Option
	if redisClient != nil && cfg.KeyPoolPersist {
		poolOpts = append(poolOpts, keypool.WithStore(redis.NewCredentialStore(redisClient, name)))
	}

	pool, err := keypool.New(keys, keypool.Config{
		CooldownPeriod:            cfg.KeyCooldownPeriod,
		QuotaCooldownPeriod:       cfg.KeyQuotaCooldownPeriod,
		MaxFailuresBeforeCooldown: cfg.KeyMaxFailures,
	}, poolOpts...)
	if err != nil {
		return nil, err
	}

	if err := pool.Restore(ctx); err != nil {
		slog.Warn("failed to restore credential state", slog.String("pool", name), slog.Any("error", err))
	}

	if err := collector.WatchPool(name, pool); err != nil {
		return nil, err
	}

	return resilient.New(name, provider, pool, resilient.Config{
		MaxRetries:     cfg.MaxRetries,
		RequestTimeout: cfg.RequestTimeout,
		RetryDelay:     cfg.RetryDelay,
		Backoff:        cfg.RetryBackoff,
	}, resilient.WithRecorder(collector)), nil
}

// setupLogging installs the default slog handler used by the internal packages
func setupLogging(cfg *config.Config) {
	level := slog.LevelDebug
	var handler slog.Handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	if cfg.IsProduction() {
		level = slog.LevelInfo
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}
