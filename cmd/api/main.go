// Package main is the entry point for the API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/recovery-companion/internal/config"
	"github.com/capitalize-ai/recovery-companion/internal/detector"
	"github.com/capitalize-ai/recovery-companion/internal/handler"
	"github.com/capitalize-ai/recovery-companion/internal/llm"
	"github.com/capitalize-ai/recovery-companion/internal/middleware"
	natsclient "github.com/capitalize-ai/recovery-companion/internal/nats"
	"github.com/capitalize-ai/recovery-companion/internal/resilience"
	"github.com/capitalize-ai/recovery-companion/internal/service"
	"github.com/capitalize-ai/recovery-companion/pkg/logger"
	"github.com/capitalize-ai/recovery-companion/pkg/tracing"
)

// stores are the pipeline collaborators for the selected backend.
type stores struct {
	tasks    service.TaskService
	contexts service.ContextService
	notifier service.EscalationNotifier
	nats     *natsclient.Client
}

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		log.Fatal("failed to load policy", zap.Error(err))
	}

	seed, err := config.LoadSeed(cfg.SeedFile)
	if err != nil {
		log.Fatal("failed to load seed data", zap.Error(err))
	}

	log.Info("starting API server",
		zap.String("store", cfg.StoreBackend),
		zap.String("llm_provider", cfg.LLMProvider),
	)

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "recovery-companion", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	st, err := openStores(ctx, cfg, seed, log)
	if err != nil {
		log.Fatal("failed to open stores", zap.Error(err))
	}
	if st.nats != nil {
		defer st.nats.Close()
	}

	provider := llm.Provider(cfg.LLMProvider)
	apiKey := cfg.AnthropicAPIKey
	if provider == llm.ProviderOpenAI {
		apiKey = cfg.OpenAIAPIKey
	}
	var llmClient llm.Client
	if provider == llm.ProviderOpenAI && cfg.LLMBaseURL != "" {
		// OpenAI-compatible gateway or self-hosted model.
		llmClient = llm.NewOpenAIClientWithBaseURL(apiKey, cfg.LLMBaseURL)
	} else {
		llmClient, err = llm.NewClient(provider, apiKey)
		if err != nil {
			log.Fatal("failed to create LLM client", zap.Error(err))
		}
	}

	// Shared by every request in the process.
	limiter := resilience.NewLimiter(cfg.UpstreamRateCapacity, cfg.UpstreamRateWindow)
	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		Cooldown:         cfg.BreakerCooldown,
	})
	executor := resilience.NewExecutor(breaker, resilience.RetryPolicy{
		MaxAttempts:    cfg.RetryMaxAttempts,
		BaseDelay:      cfg.RetryBaseDelay,
		Multiplier:     cfg.RetryMultiplier,
		MaxDelay:       cfg.RetryMaxDelay,
		JitterFraction: cfg.RetryJitter,
	}, llm.Classify, cfg.UpstreamAttemptTimeout, log)

	pipeline := service.NewPipeline(service.PipelineConfig{
		Model:           cfg.Model,
		Temperature:     cfg.Temperature,
		MaxOutputTokens: cfg.MaxOutputTokens,
		StreamBuffer:    cfg.StreamBuffer,
		NextTaskLimit:   policy.NextTaskLimit,
	}, service.Dependencies{
		Client:   llmClient,
		Limiter:  limiter,
		Executor: executor,
		Classify: llm.Classify,
		Detector: detector.New(policy),
		Prompts:  service.NewPromptBuilder(cfg.MaxContextTokens, policy.ReminderChance, nil),
		Tasks:    st.tasks,
		Contexts: st.contexts,
		Notifier: st.notifier,
	}, log)

	healthHandler := handler.NewHealthHandler(st.nats, breaker)
	chatHandler := handler.NewChatHandler(pipeline, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.JWTSecret != "" {
			r.Use(middleware.Auth(cfg.JWTSecret))
		}
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Post("/chat", chatHandler.Chat)
		r.Post("/chat/stream", chatHandler.Stream)
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

func openStores(ctx context.Context, cfg *config.Config, seed *config.Seed, log *logger.Logger) (*stores, error) {
	if cfg.StoreBackend == "memory" {
		tasks := service.NewMemoryTasks(seed.TaskModels()...)
		contexts := service.NewMemoryContext()
		for _, p := range seed.ProfileModels() {
			contexts.PutProfile(p)
		}
		return &stores{
			tasks:    tasks,
			contexts: contexts,
			notifier: service.NewLogNotifier(log),
		}, nil
	}

	client, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		return nil, err
	}

	st, err := openNATSStores(ctx, client, seed, log)
	if err != nil {
		client.Close()
		return nil, err
	}
	return st, nil
}

func openNATSStores(ctx context.Context, client *natsclient.Client, seed *config.Seed, log *logger.Logger) (*stores, error) {
	manager := natsclient.NewStreamManager(client)
	if err := manager.EnsureStreams(ctx); err != nil {
		return nil, err
	}
	if err := manager.EnsureBuckets(ctx); err != nil {
		return nil, err
	}

	contexts, err := natsclient.NewContextStore(ctx, client, log)
	if err != nil {
		return nil, err
	}
	tasks, err := natsclient.NewTaskStore(ctx, client)
	if err != nil {
		return nil, err
	}

	for _, p := range seed.ProfileModels() {
		if err := contexts.PutProfile(ctx, p); err != nil {
			return nil, err
		}
	}
	var created int
	for _, t := range seed.TaskModels() {
		ok, err := tasks.CreateTask(ctx, t)
		if err != nil {
			return nil, err
		}
		if ok {
			created++
		}
	}
	if created > 0 {
		log.Info("seeded tasks", zap.Int("created", created))
	}

	return &stores{
		tasks:    tasks,
		contexts: contexts,
		notifier: natsclient.NewEscalationPublisher(client, log),
		nats:     client,
	}, nil
}
