package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/quarrylabs/quarry/internal/adapters/http"
	"github.com/quarrylabs/quarry/internal/adapters/http/handlers"
	"github.com/quarrylabs/quarry/internal/adapters/id"
	"github.com/quarrylabs/quarry/internal/adapters/postgres"
	"github.com/quarrylabs/quarry/internal/adapters/queue"
	redisadapter "github.com/quarrylabs/quarry/internal/adapters/redis"
	"github.com/quarrylabs/quarry/internal/adapters/tracing"
	"github.com/quarrylabs/quarry/internal/application/services"
	"github.com/quarrylabs/quarry/internal/auth"
	"github.com/quarrylabs/quarry/internal/config"
	"github.com/quarrylabs/quarry/internal/llm"
	"github.com/quarrylabs/quarry/internal/llm/anthropic"
	"github.com/quarrylabs/quarry/internal/llm/local"
	"github.com/quarrylabs/quarry/internal/llm/openai"
	"github.com/quarrylabs/quarry/internal/ports"
)

// serveCmd starts the gateway HTTP server.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		Long: `Start the Quarry gateway: REST endpoints for conversation
management, blocking chat, and two-phase SSE streaming.

Required configuration:
  - PostgreSQL (QUARRY_DATABASE_URL)
  - Redis (QUARRY_REDIS_ADDR)
  - JWT issuer (QUARRY_JWT_ISSUER, QUARRY_JWT_AUDIENCE, QUARRY_JWT_JWKS_URL)
  - At least one enabled provider`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Println("Starting Quarry gateway...")
	log.Printf("  HTTP:      http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Printf("  Providers: %v", cfg.EnabledProviders())

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.InitTracer("quarry-gateway")
		if err != nil {
			log.Printf("Warning: tracing init failed: %v", err)
		} else {
			defer func() {
				if err := shutdown(ctx); err != nil {
					log.Printf("Error shutting down tracer: %v", err)
				}
			}()
		}
	}

	pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	log.Println("Redis connection established")

	providers, err := buildProviders(cfg)
	if err != nil {
		return err
	}
	if len(providers) == 0 {
		return fmt.Errorf("no providers enabled; enable at least one in config")
	}

	registry := llm.NewRegistry(
		providers,
		cfg.Router.ModelPrecedence,
		time.Duration(cfg.Router.RefreshIntervalSeconds)*time.Second,
	)
	registryCtx, registryCancel := context.WithCancel(context.Background())
	defer registryCancel()
	registry.Start(registryCtx)
	log.Printf("Model registry serving %d models", len(registry.ListModels()))

	sessionTTL := time.Duration(cfg.Stream.SessionTTLSeconds) * time.Second
	wallclockCap := time.Duration(cfg.Stream.WallclockCapSeconds) * time.Second

	conversationRepo := postgres.NewConversationRepository(pool)
	messageRepo := postgres.NewMessageRepository(pool)
	principalRepo := postgres.NewPrincipalRepository(pool)
	txManager := postgres.NewTransactionManager(pool)
	idGen := id.New()

	// The claim tombstone must outlive any stream the session could start.
	sessionStore := redisadapter.NewSessionStore(rdb, sessionTTL+wallclockCap)

	jobQueue, err := queue.New(rdb, cfg.Persistence.Stream, cfg.Persistence.Deadletter)
	if err != nil {
		return err
	}

	principals := services.NewPrincipalService(principalRepo)
	conversations := services.NewConversationService(conversationRepo, messageRepo, txManager, idGen)
	guard := services.NewContextGuard(cfg.Context.OutputHeadroomTokens)
	chat := services.NewChatService(conversations, registry, guard, idGen)
	streams := services.NewStreamService(conversations, registry, guard, sessionStore, jobQueue, idGen, sessionTTL, wallclockCap)

	verifier := auth.NewVerifier(auth.Config{
		JWKSURL:  cfg.JWT.JWKSURL,
		Issuer:   cfg.JWT.Issuer,
		Audience: cfg.JWT.Audience,
		Leeway:   time.Duration(cfg.JWT.LeewaySeconds) * time.Second,
	}, nil)
	idp := auth.NewPasswordGrant(cfg.JWT.TokenURL, cfg.JWT.ClientID, cfg.JWT.ClientSecret, nil)

	healthChecks := map[string]handlers.HealthCheck{
		"database": func(ctx context.Context) ports.HealthStatus {
			if err := pool.Ping(ctx); err != nil {
				return ports.HealthStatus{OK: false, Detail: err.Error()}
			}
			return ports.HealthStatus{OK: true}
		},
		"redis": func(ctx context.Context) ports.HealthStatus {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return ports.HealthStatus{OK: false, Detail: err.Error()}
			}
			return ports.HealthStatus{OK: true}
		},
	}
	for _, provider := range providers {
		healthChecks[provider.ID()] = provider.Health
	}

	server := http.NewServer(cfg, principals, conversations, chat, streams,
		registry, verifier, idp, healthChecks, Version)

	// Remind a worker to sweep orphaned session keys now and then.
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	go func() {
		ticker := time.NewTicker(sessionTTL)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if err := jobQueue.EnqueueCleanupExpiredSessions(sweepCtx); err != nil {
					log.Printf("enqueue session sweep: %v", err)
				}
			}
		}
	}()

	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s:%d", cfg.Server.Host, cfg.Server.Port)
		serverErrors <- server.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		log.Printf("Received signal: %v", sig)
		log.Println("Shutting down gracefully...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		log.Println("Server stopped")
		return nil
	}
}

func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if cfg.Database.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	log.Println("Database connection established")
	return pool, nil
}

// buildProviders instantiates every enabled provider adapter.
func buildProviders(cfg *config.Config) ([]ports.Provider, error) {
	timeout := time.Duration(cfg.Providers.RequestTimeoutSeconds) * time.Second
	var providers []ports.Provider

	if cfg.Providers.Local.Enabled {
		models := make([]local.ModelConfig, 0, len(cfg.Providers.Local.Models))
		for _, m := range cfg.Providers.Local.Models {
			models = append(models, local.ModelConfig{
				Name:          m.Name,
				ContextWindow: m.ContextWindow,
				Streaming:     m.Streaming,
				Tools:         m.Tools,
				Reasoning:     m.Reasoning,
			})
		}
		providers = append(providers, local.New(cfg.Providers.Local.BaseURL, cfg.Providers.Local.APIKey, timeout, models))
		log.Printf("Local provider enabled: %s", cfg.Providers.Local.BaseURL)
	}

	if cfg.Providers.OpenAI.Enabled {
		p, err := openai.New(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.BaseURL, timeout)
		if err != nil {
			return nil, fmt.Errorf("init openai provider: %w", err)
		}
		providers = append(providers, p)
		log.Println("OpenAI provider enabled")
	}

	if cfg.Providers.Anthropic.Enabled {
		p, err := anthropic.New(cfg.Providers.Anthropic.APIKey, timeout)
		if err != nil {
			return nil, fmt.Errorf("init anthropic provider: %w", err)
		}
		providers = append(providers, p)
		log.Println("Anthropic provider enabled")
	}

	return providers, nil
}
