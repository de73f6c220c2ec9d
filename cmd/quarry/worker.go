package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/quarrylabs/quarry/internal/adapters/id"
	"github.com/quarrylabs/quarry/internal/adapters/postgres"
	"github.com/quarrylabs/quarry/internal/adapters/queue"
	redisadapter "github.com/quarrylabs/quarry/internal/adapters/redis"
	"github.com/quarrylabs/quarry/internal/adapters/retry"
	"github.com/quarrylabs/quarry/internal/adapters/tracing"
	"github.com/quarrylabs/quarry/internal/application/services"
	"github.com/quarrylabs/quarry/internal/worker"
)

// workerCmd starts the persistence worker.
func workerCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start the persistence worker",
		Long: `Start the Quarry persistence worker: it consumes the Redis
persistence stream, writes finished assistant turns to PostgreSQL,
and sweeps orphaned stream session keys. Run it as a separate
process; it shares nothing with the gateway but the stream.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address for the worker /metrics endpoint (empty disables it)")
	return cmd
}

func runWorker(ctx context.Context, metricsAddr string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Println("Starting Quarry persistence worker...")
	log.Printf("  Stream: %s (sink %s)", cfg.Persistence.Stream, cfg.Persistence.Sink)

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.InitTracer("quarry-worker")
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

	// The worker owns its pool; it must keep writing while the gateway
	// restarts.
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

	jobQueue, err := queue.New(rdb, cfg.Persistence.Stream, cfg.Persistence.Deadletter)
	if err != nil {
		return err
	}

	sessionTTL := time.Duration(cfg.Stream.SessionTTLSeconds) * time.Second
	wallclockCap := time.Duration(cfg.Stream.WallclockCapSeconds) * time.Second
	sessionStore := redisadapter.NewSessionStore(rdb, sessionTTL+wallclockCap)

	conversations := services.NewConversationService(
		postgres.NewConversationRepository(pool),
		postgres.NewMessageRepository(pool),
		postgres.NewTransactionManager(pool),
		id.New(),
	)

	backoff := retry.BackoffConfig{
		InitialInterval: time.Duration(cfg.Persistence.Retry.InitialSeconds) * time.Second,
		MaxInterval:     30 * time.Second,
		MaxRetries:      cfg.Persistence.Retry.MaxAttempts,
		Multiplier:      cfg.Persistence.Retry.Factor,
	}

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Printf("Worker metrics on %s/metrics", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Printf("metrics server: %v", err)
			}
		}()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal: %v, draining...", sig)
		cancel()
	}()

	sink, err := jobQueue.NewSink(runCtx, cfg.Persistence.Sink)
	if err != nil {
		return err
	}

	w := worker.New(conversations, jobQueue, sessionStore, backoff, sessionTTL)
	if err := w.Run(runCtx, sink); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Println("Worker stopped")
	return nil
}
