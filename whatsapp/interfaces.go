package whatsapp

import (
	"context"

	"whatsapp-autoreply/authstore"
	"whatsapp-autoreply/license"
	"whatsapp-autoreply/transport"
)

// AuthStore persists session rows.
type AuthStore interface {
	Load(ctx context.Context, licenseKey string) (*authstore.Row, error)
	Ensure(ctx context.Context, licenseKey, tenantID, siteURL string) error
	UpdateState(ctx context.Context, licenseKey string, u authstore.StateUpdate) error
	SaveAuth(ctx context.Context, licenseKey string, blob []byte) error
	ClearAuth(ctx context.Context, licenseKey string) error
}

// LicenseValidator checks a key before any transport is built.
type LicenseValidator interface {
	ValidateLicense(ctx context.Context, licenseKey string) (*license.Info, error)
}

// Replier is the part of a session a message handler may use.
type Replier interface {
	LicenseKey() string
	Config() SessionConfig
	Limiter() *RateLimiter
	SendText(ctx context.Context, to, text string) error
}

// MessageHandler processes inbound messages. Calls for one session are
// serial.
type MessageHandler interface {
	HandleMessage(ctx context.Context, r Replier, msg *transport.Message)
}
