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
	"github.com/taskwatch/project/internal/app/scanner"
	"github.com/taskwatch/project/internal/app/tasks"
	"github.com/taskwatch/project/internal/platform/dbpool"
	"github.com/taskwatch/project/internal/platform/env"
	"github.com/taskwatch/project/internal/platform/metrics"
	"github.com/taskwatch/project/internal/platform/natsutil"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := env.String("SCANNER_ADDR", env.DefaultScannerAddr)
	pgURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	natsURL := env.String("NATS_URL", env.DefaultNATSURL)
	interval := env.Duration("SCAN_INTERVAL", 15*time.Minute)
	tickTimeout := env.Duration("SCAN_TICK_TIMEOUT", 2*time.Minute)

	pool, err := dbpool.New(runCtx, pgURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	taskRepo := tasks.NewRepository(pool)
	if err := waitForPostgres(runCtx, pool, taskRepo, 30*time.Second); err != nil {
		log.Fatal(err)
	}

	client, err := natsutil.ConnectJetStreamWithRetry(natsURL, env.Duration("NATS_CONNECT_TIMEOUT", 90*time.Second))
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	publisher := natsutil.JetStreamPublisher{JS: client.JS}
	service := scanner.NewService(taskRepo, publisher.Publish)

	go serveHealth(addr, pool, client.Conn)

	log.Printf("task scanner started, interval %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			log.Println("task scanner stopping")
			return
		case <-ticker.C:
			runTick(runCtx, service, tickTimeout)
		}
	}
}

func runTick(ctx context.Context, service *scanner.Service, timeout time.Duration) {
	tickCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	summary, err := service.Tick(tickCtx)
	if err != nil {
		log.Printf("scan tick failed: %v", err)
		return
	}
	log.Printf("scan tick done: owners=%d published=%d failed=%d", summary.Owners, summary.Published, len(summary.Failed))
	for _, failure := range summary.Failed {
		// Retry-eligible: the next tick republishes from a fresh snapshot.
		log.Printf("publish failed (retry-eligible): subject=%s owner=%s: %v", failure.Subject, failure.Owner, failure.Err)
	}
}

func serveHealth(addr string, pool *pgxpool.Pool, conn *nats.Conn) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.DefaultHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if conn.Status() != nats.CONNECTED {
			http.Error(w, fmt.Sprintf("nats is not connected: %s", conn.Status().String()), http.StatusServiceUnavailable)
			return
		}
		checkCtx, cancel := context.WithTimeout(r.Context(), 1500*time.Millisecond)
		defer cancel()
		if err := pool.Ping(checkCtx); err != nil {
			http.Error(w, fmt.Sprintf("postgres ping failed: %v", err), http.StatusServiceUnavailable)
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
	}
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("scanner health server failed: %v", err)
	}
}

func waitForPostgres(ctx context.Context, pool *pgxpool.Pool, repo *tasks.Repository, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = pool.Ping(attemptCtx)
		if lastErr == nil {
			lastErr = repo.EnsureSchema(attemptCtx)
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
