package digest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/taskwatch/project/internal/contracts"
	"github.com/taskwatch/project/internal/mail"
	"github.com/taskwatch/project/internal/platform/metrics"
)

var ErrInvalidEventPayload = errors.New("invalid event payload")

// ErrDeliveryExhausted means the transport failed for every allowed
// attempt. The consumer routes the message to the dead-letter path (log +
// ack) instead of blocking the partition.
var ErrDeliveryExhausted = errors.New("digest delivery attempts exhausted")

// Service maps report events to digest documents and hands them to the
// mail transport with bounded retries.
type Service struct {
	Transport   mail.Transport
	MaxAttempts int
	Backoff     time.Duration
	Sleep       func(ctx context.Context, d time.Duration) error
}

func NewService(transport mail.Transport) *Service {
	return &Service{
		Transport:   transport,
		MaxAttempts: 3,
		Backoff:     2 * time.Second,
		Sleep:       sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Document builds the digest document for one report event.
func Document(event contracts.ReportEvent) contracts.DigestDocument {
	return contracts.DigestDocument{
		RecipientAddress: event.OwnerEmail,
		ReportKind:       event.Topic,
		Tasks:            event.Tasks,
		GeneratedAt:      event.GeneratedAt,
	}
}

// Handle processes one report event payload. Transport failures are
// retried with a fixed backoff up to MaxAttempts; exhaustion returns
// ErrDeliveryExhausted wrapping the last transport error. Context
// cancellation is not exhaustion: it returns the context error so the
// consumer redelivers instead of dead-lettering.
func (s *Service) Handle(ctx context.Context, payload []byte) error {
	var event contracts.ReportEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return ErrInvalidEventPayload
	}
	if event.OwnerEmail == "" || event.Topic == "" {
		return ErrInvalidEventPayload
	}

	doc := Document(event)
	var lastErr error
	for attempt := 1; attempt <= s.MaxAttempts; attempt++ {
		lastErr = s.Transport.Deliver(ctx, doc)
		if lastErr == nil {
			delivered.WithLabelValues(event.Topic).Inc()
			return nil
		}
		if attempt < s.MaxAttempts {
			if sleepErr := s.Sleep(ctx, s.Backoff); sleepErr != nil {
				// Interrupted mid-backoff (shutdown): the event was never
				// given its full attempt budget, so it must redeliver
				// rather than dead-letter.
				return errors.Join(sleepErr, lastErr)
			}
		}
	}

	deadLettered.WithLabelValues(event.Topic).Inc()
	return errors.Join(ErrDeliveryExhausted, lastErr)
}

var delivered = metrics.NewCounterVec(metrics.Opts{
	Name: "digest_delivered_total",
	Help: "Digest documents handed to the mail transport per topic.",
}, []string{"topic"})

var deadLettered = metrics.NewCounterVec(metrics.Opts{
	Name: "digest_dead_letter_total",
	Help: "Digest documents dead-lettered after exhausting retries per topic.",
}, []string{"topic"})

func init() {
	metrics.Default.MustRegister(delivered, deadLettered)
}
