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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/taskwatch/project/internal/app/commandapi"
	"github.com/taskwatch/project/internal/app/identity"
	"github.com/taskwatch/project/internal/app/tasks"
	platformauth "github.com/taskwatch/project/internal/platform/auth"
	"github.com/taskwatch/project/internal/platform/dbpool"
	"github.com/taskwatch/project/internal/platform/env"
	"github.com/taskwatch/project/internal/platform/metrics"
	"github.com/taskwatch/project/internal/platform/natsutil"
	"github.com/taskwatch/project/internal/ratelimit"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := env.String("COMMAND_API_ADDR", env.DefaultCommandAddr)
	pgURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	natsURL := env.String("NATS_URL", env.DefaultNATSURL)
	jwtSecret := env.String("JWT_SECRET", "dev-insecure-change-me")
	accessTTL := env.Duration("ACCESS_TOKEN_TTL", 15*time.Minute)
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)

	pool, err := dbpool.New(runCtx, pgURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	identityRepo := identity.NewPostgresRepository(pool)
	taskRepo := tasks.NewRepository(pool)
	if err := waitForSchemas(runCtx, pool, identityRepo, taskRepo, 30*time.Second); err != nil {
		log.Fatal(err)
	}

	client, err := natsutil.ConnectJetStreamWithRetry(natsURL, env.Duration("NATS_CONNECT_TIMEOUT", 90*time.Second))
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()
	publisher := natsutil.JetStreamPublisher{JS: client.JS}

	limiter, err := buildLimiter()
	if err != nil {
		log.Fatal(err)
	}

	tokenManager := platformauth.NewManager(jwtSecret, accessTTL)
	identitySvc := identity.NewService(identityRepo, tokenManager)
	commandSvc := commandapi.NewService(taskRepo, publisher.Publish)
	handler := commandapi.NewHandler(commandSvc, identitySvc, taskRepo, limiter)

	mux := http.NewServeMux()
	mux.Handle("/", handler.Router())
	mux.Handle("/metrics", metrics.DefaultHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := checkReadiness(r.Context(), pool, client.Conn); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	fmt.Printf("Command API listening on %s\n", addr)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Fatal(err)
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("command-api graceful shutdown failed: %v", err)
	}
}

// buildLimiter wires the token-bucket admission control. The fail direction
// on storage loss is an explicit choice, never a default accident:
// RATE_LIMIT_FAIL_OPEN=true trades protection for availability.
func buildLimiter() (ratelimit.Limiter, error) {
	rules := map[string]ratelimit.Rule{
		commandapi.OpLogin: {
			Capacity:   env.Int("LOGIN_BUCKET_CAPACITY", 5),
			RefillRate: env.Float("LOGIN_REFILL_PER_SEC", 1),
		},
		commandapi.OpRefresh: {
			Capacity:   env.Int("REFRESH_BUCKET_CAPACITY", 10),
			RefillRate: env.Float("REFRESH_REFILL_PER_SEC", 0.5),
		},
	}

	switch provider := env.String("RATE_LIMIT_PROVIDER", "redis"); provider {
	case "memory":
		log.Println("rate limiter using in-process buckets; not safe for multiple API instances")
		return ratelimit.NewMemoryLimiter(rules), nil
	case "redis":
		opts, err := redis.ParseURL(env.String("REDIS_URL", env.DefaultRedisURL))
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		failOpen := env.Bool("RATE_LIMIT_FAIL_OPEN", false)
		limiter := ratelimit.NewRedisLimiter(redis.NewClient(opts), rules, failOpen)
		limiter.AcquireTimeout = env.Duration("RATE_LIMIT_ACQUIRE_TIMEOUT", 500*time.Millisecond)
		return limiter, nil
	default:
		return nil, fmt.Errorf("unknown RATE_LIMIT_PROVIDER %q", provider)
	}
}

func waitForSchemas(
	ctx context.Context,
	pool *pgxpool.Pool,
	identityRepo *identity.PostgresRepository,
	taskRepo *tasks.Repository,
	timeout time.Duration,
) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = pool.Ping(attemptCtx)
		if lastErr == nil {
			lastErr = identityRepo.EnsureSchema(attemptCtx)
		}
		if lastErr == nil {
			lastErr = taskRepo.EnsureSchema(attemptCtx)
		}
		cancel()

		if lastErr == nil {
			return nil
		}
		log.Printf("waiting for postgres readiness: %v", lastErr)
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}

func checkReadiness(ctx context.Context, pool *pgxpool.Pool, conn *nats.Conn) error {
	if conn == nil {
		return errors.New("nats connection is nil")
	}
	if conn.Status() != nats.CONNECTED {
		return fmt.Errorf("nats is not connected: %s", conn.Status().String())
	}

	checkCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	if err := pool.Ping(checkCtx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}
