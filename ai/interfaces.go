package ai

import (
	"context"

	"whatsapp-autoreply/license"
)

// Service produces chat completions on behalf of a license.
type Service interface {
	Chat(ctx context.Context, licenseKey string, messages []Message, opts Options) (*Completion, error)
}

// CreditConsumer debits license credits.
type CreditConsumer interface {
	ConsumeCredits(ctx context.Context, licenseKey string, kind license.CreditKind, amount int) error
}
