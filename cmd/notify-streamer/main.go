package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/taskwatch/project/internal/app/dispatcher"
	"github.com/taskwatch/project/internal/messaging"
	platformauth "github.com/taskwatch/project/internal/platform/auth"
	"github.com/taskwatch/project/internal/platform/env"
	"github.com/taskwatch/project/internal/platform/metrics"
	"github.com/taskwatch/project/internal/platform/natsutil"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := env.String("STREAMER_ADDR", env.DefaultStreamerAddr)
	jwtSecret := env.String("JWT_SECRET", "dev-insecure-change-me")
	accessTTL := env.Duration("ACCESS_TOKEN_TTL", 15*time.Minute)
	heartbeat := env.Duration("SSE_HEARTBEAT", 25*time.Second)
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)

	tokenManager := platformauth.NewManager(jwtSecret, accessTTL)

	client, err := natsutil.ConnectJetStreamWithRetry(env.String("NATS_URL", env.DefaultNATSURL), env.Duration("NATS_CONNECT_TIMEOUT", 90*time.Second))
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	registry := dispatcher.NewRegistry()
	fanout := dispatcher.NewDispatcher(registry)
	subscriber := newChangeSubscriber(client.JS, fanout, registry)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.DefaultHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if client.Conn.Status() != nats.CONNECTED {
			http.Error(w, "nats is not connected: "+client.Conn.Status().String(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /user/{identity}/topic/notifications", func(w http.ResponseWriter, r *http.Request) {
		serveNotifications(w, r, tokenManager, registry, subscriber, heartbeat)
	})

	mux.HandleFunc("GET /events/disconnect", func(w http.ResponseWriter, r *http.Request) {
		claims, ok := parseHandshakeToken(w, r, tokenManager)
		if !ok {
			return
		}
		registry.CloseUser(claims.Subject)
		subscriber.MaybeUnsubscribe(claims.Subject)
		w.WriteHeader(http.StatusNoContent)
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Keep WriteTimeout unset for long-lived SSE streams.
		IdleTimeout: 120 * time.Second,
	}

	fmt.Printf("Notify Streamer listening on %s\n", addr)
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
		log.Printf("notify-streamer graceful shutdown failed: %v", err)
	}
}

func serveNotifications(
	w http.ResponseWriter,
	r *http.Request,
	tokenManager platformauth.Manager,
	registry *dispatcher.Registry,
	subscriber *changeSubscriber,
	heartbeat time.Duration,
) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	claims, ok := parseHandshakeToken(w, r, tokenManager)
	if !ok {
		return
	}
	if claims.Subject != strings.TrimSpace(r.PathValue("identity")) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	streamCtx, cancelStream := context.WithCancel(r.Context())
	defer cancelStream()

	session, err := registry.Admit(claims, cancelStream)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	// LIFO: the lease must be released before MaybeUnsubscribe counts the
	// remaining sessions, or the last disconnect leaks the subscription.
	defer subscriber.MaybeUnsubscribe(session.UserID)
	defer registry.Release(session.UserID, session.ID)

	if err := subscriber.EnsureSubscribed(session.UserID); err != nil {
		http.Error(w, "stream subscription failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(w, "event: connected\ndata: {\"session_id\":%q}\n\n", session.ID)
	flusher.Flush()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-streamCtx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case change := <-session.Ch:
			payload, err := json.Marshal(change)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", change.ChangeType, payload)
			flusher.Flush()
		}
	}
}

func parseHandshakeToken(w http.ResponseWriter, r *http.Request, tokenManager platformauth.Manager) (platformauth.Claims, bool) {
	token := platformauth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		http.Error(w, "token is required", http.StatusUnauthorized)
		return platformauth.Claims{}, false
	}
	claims, err := tokenManager.Parse(token)
	if err != nil {
		// Expired or invalid credentials never downgrade to an anonymous
		// session; the handshake is rejected outright.
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return platformauth.Claims{}, false
	}
	return claims, true
}

// changeSubscriber holds one JetStream subscription per user with at least
// one live session, feeding the dispatcher. DeliverNew keeps the live
// channel best-effort: durable history belongs to the digest path.
type changeSubscriber struct {
	subscribe func(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
	fanout    *dispatcher.Dispatcher
	registry  *dispatcher.Registry

	mu     sync.Mutex
	byUser map[string]*nats.Subscription
}

func newChangeSubscriber(js nats.JetStreamContext, fanout *dispatcher.Dispatcher, registry *dispatcher.Registry) *changeSubscriber {
	return &changeSubscriber{
		subscribe: func(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
			return js.Subscribe(subject, handler, nats.DeliverNew())
		},
		fanout:   fanout,
		registry: registry,
		byUser:   map[string]*nats.Subscription{},
	}
}

func (s *changeSubscriber) EnsureSubscribed(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byUser[userID]; ok {
		return nil
	}
	sub, err := s.subscribe(messaging.ChangeSubject(userID), func(msg *nats.Msg) {
		if err := s.fanout.HandleMessage(msg.Data); err != nil {
			log.Printf("discarding change notice: %v", err)
		}
	})
	if err != nil {
		return err
	}
	s.byUser[userID] = sub
	return nil
}

// MaybeUnsubscribe drops the user's bus subscription once their last
// session is gone.
func (s *changeSubscriber) MaybeUnsubscribe(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.registry.SessionCount(userID) > 0 {
		return
	}
	if sub, ok := s.byUser[userID]; ok {
		_ = sub.Unsubscribe()
		delete(s.byUser, userID)
	}
}
