package mail

import (
	"context"
	"log"

	"github.com/taskwatch/project/internal/contracts"
)

// Transport delivers one digest document to its recipient. Implementations
// are called only from the asynchronous digest consumer, never from a
// request path.
type Transport interface {
	Deliver(ctx context.Context, doc contracts.DigestDocument) error
}

// LogTransport writes digests to the process log instead of sending mail.
// Used for local development and as the fallback when no provider is
// configured.
type LogTransport struct{}

func (LogTransport) Deliver(_ context.Context, doc contracts.DigestDocument) error {
	log.Printf("digest (log transport): to=%s kind=%s tasks=%d", doc.RecipientAddress, doc.ReportKind, len(doc.Tasks))
	return nil
}
