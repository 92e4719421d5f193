package whatsapp

import "time"

// State is the connection state of a session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateQR           State = "qr"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Active reports whether a session in this state owns a live transport or is
// about to.
func (s State) Active() bool {
	return s == StateConnecting || s == StateQR || s == StateConnected
}

const (
	MinMessagesPerMinute     = 1
	MaxMessagesPerMinute     = 5
	DefaultMessagesPerMinute = 3
)

// Tags switch site context sections on or off in prompts.
type Tags struct {
	Bookings bool
	FAQs     bool
	Shop     bool
}

// SessionConfig is supplied at connect time and is fixed for the life of the
// session.
type SessionConfig struct {
	SiteURL           string
	MessagesPerMinute int
	PromptTemplate    string
	Tags              Tags
}

// ClampMessagesPerMinute forces n into [1,5].
func ClampMessagesPerMinute(n int) int {
	if n < MinMessagesPerMinute {
		return MinMessagesPerMinute
	}
	if n > MaxMessagesPerMinute {
		return MaxMessagesPerMinute
	}
	return n
}

// ConnectRequest asks the registry for a session.
type ConnectRequest struct {
	LicenseKey string
	TenantID   string
	Config     SessionConfig
}

// Snapshot is a point-in-time view of a session or its persisted row.
type Snapshot struct {
	LicenseKey  string
	TenantID    string
	State       State
	QR          string
	LastError   string
	PhoneNumber string
	DeviceJID   string
	SiteURL     string
	ConnectedAt *time.Time
}
