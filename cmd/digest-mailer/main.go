package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/taskwatch/project/internal/app/digest"
	"github.com/taskwatch/project/internal/mail"
	"github.com/taskwatch/project/internal/messaging"
	"github.com/taskwatch/project/internal/platform/env"
	"github.com/taskwatch/project/internal/platform/metrics"
	"github.com/taskwatch/project/internal/platform/natsutil"
)

// Consumer group per report topic: digest consumption progresses
// independently per topic and never blocks live-notification processing or
// the scanner.
var consumerGroups = map[string]string{
	messaging.TopicAllTasks:        "digest-all",
	messaging.TopicUnfinishedTasks: "digest-unfinished",
	messaging.TopicFinishedTasks:   "digest-finished",
}

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	natsURL := env.String("NATS_URL", env.DefaultNATSURL)
	handleTimeout := env.Duration("DIGEST_HANDLE_TIMEOUT", 30*time.Second)

	service := digest.NewService(buildTransport())
	service.MaxAttempts = env.Int("DIGEST_MAX_ATTEMPTS", 3)
	service.Backoff = env.Duration("DIGEST_RETRY_BACKOFF", 2*time.Second)

	client, err := natsutil.ConnectJetStreamWithRetry(natsURL, env.Duration("NATS_CONNECT_TIMEOUT", 90*time.Second))
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	subs := make([]*nats.Subscription, 0, len(consumerGroups))
	for _, topic := range messaging.ReportTopics {
		group := consumerGroups[topic]
		sub, err := client.JS.QueueSubscribe(
			messaging.ReportTopicSubject(topic),
			group,
			func(msg *nats.Msg) { handleMessage(runCtx, service, msg, handleTimeout) },
			nats.ManualAck(),
			nats.Durable(group),
			nats.AckWait(2*time.Minute),
		)
		if err != nil {
			log.Fatal(err)
		}
		subs = append(subs, sub)
		log.Printf("digest mailer consuming %s as group %s", sub.Subject, group)
	}

	go serveHealth(env.String("MAILER_ADDR", env.DefaultMailerAddr), client.Conn)

	<-runCtx.Done()
	log.Println("digest mailer stopping: draining subscriptions")
	for _, sub := range subs {
		// Drain stops new deliveries and lets in-flight handlers finish,
		// so cursors are committed before exit.
		_ = sub.Drain()
	}
	time.Sleep(env.Duration("DRAIN_GRACE", 2*time.Second))
}

func handleMessage(ctx context.Context, service *digest.Service, msg *nats.Msg, timeout time.Duration) {
	handleCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := service.Handle(handleCtx, msg.Data); err != nil {
		if errors.Is(err, digest.ErrInvalidEventPayload) {
			log.Printf("discarding invalid report payload: %v", err)
			_ = msg.Term()
			return
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Shutdown or timeout mid-delivery: leave the message for
			// redelivery, never Term it.
			log.Printf("digest handling interrupted, leaving for redelivery: %v", err)
			_ = msg.Nak()
			return
		}
		if errors.Is(err, digest.ErrDeliveryExhausted) {
			// Dead-letter path: record and move on rather than stalling
			// the partition behind one undeliverable digest.
			log.Printf("digest dead-lettered: subject=%s: %v", msg.Subject, err)
			_ = msg.Term()
			return
		}
		log.Printf("digest processing failed: %v", err)
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
}

func buildTransport() mail.Transport {
	switch provider := env.String("MAIL_PROVIDER", "log"); provider {
	case "resend":
		apiKey := env.String("RESEND_API_KEY", "")
		from := env.String("MAIL_FROM", "")
		if apiKey == "" || from == "" {
			log.Fatal("MAIL_PROVIDER=resend requires RESEND_API_KEY and MAIL_FROM")
		}
		return mail.NewResendTransport(apiKey, from, env.Float("MAIL_SENDS_PER_SEC", 10))
	case "log":
		return mail.LogTransport{}
	default:
		log.Fatalf("unknown MAIL_PROVIDER %q", provider)
		return nil
	}
}

func serveHealth(addr string, conn *nats.Conn) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.DefaultHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if conn.Status() != nats.CONNECTED {
			http.Error(w, "nats is not connected: "+conn.Status().String(), http.StatusServiceUnavailable)
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
		log.Printf("mailer health server failed: %v", err)
	}
}
