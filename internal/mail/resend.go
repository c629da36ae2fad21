package mail

import (
	"context"
	"fmt"

	"github.com/resend/resend-go/v3"
	"github.com/taskwatch/project/internal/contracts"
	"golang.org/x/time/rate"
)

// ResendTransport sends digests through the Resend API. Outbound sends are
// paced so a large scanner tick cannot exhaust the provider's send quota.
type ResendTransport struct {
	FromAddress string

	client *resend.Client
	pacer  *rate.Limiter
}

func NewResendTransport(apiKey, fromAddress string, sendsPerSecond float64) *ResendTransport {
	if sendsPerSecond <= 0 {
		sendsPerSecond = 10
	}
	return &ResendTransport{
		FromAddress: fromAddress,
		client:      resend.NewClient(apiKey),
		pacer:       rate.NewLimiter(rate.Limit(sendsPerSecond), 1),
	}
}

func (t *ResendTransport) Deliver(ctx context.Context, doc contracts.DigestDocument) error {
	if doc.RecipientAddress == "" {
		return fmt.Errorf("digest has no recipient address")
	}
	if err := t.pacer.Wait(ctx); err != nil {
		return err
	}

	htmlBody, err := RenderDigestHTML(ctx, doc)
	if err != nil {
		return fmt.Errorf("render digest: %w", err)
	}

	params := &resend.SendEmailRequest{
		To:      []string{doc.RecipientAddress},
		From:    t.FromAddress,
		Subject: DigestSubject(doc),
		Text:    RenderDigestText(doc),
		Html:    htmlBody,
	}
	sent, err := t.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return fmt.Errorf("resend send failed: %w", err)
	}
	if sent == nil || sent.Id == "" {
		return fmt.Errorf("resend send failed: empty response")
	}
	return nil
}
