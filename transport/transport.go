// Package transport defines the messaging connection a session drives. The
// pairing, encryption and wire protocol live behind this interface.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable means the native transport cannot be used in this deployment.
var ErrUnavailable = errors.New("whatsapp transport unavailable")

// EventType identifies what a transport reported.
type EventType int

const (
	// EventQR carries a fresh pairing code.
	EventQR EventType = iota
	// EventOpen reports a usable, paired connection.
	EventOpen
	// EventClose reports the connection ended. LoggedOut marks a permanent close.
	EventClose
	// EventCreds carries an updated credential blob.
	EventCreds
	// EventMessage carries an inbound message.
	EventMessage
)

func (t EventType) String() string {
	switch t {
	case EventQR:
		return "qr"
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventCreds:
		return "creds"
	case EventMessage:
		return "message"
	}
	return "unknown"
}

// Event is one item from a transport's event stream. Only the fields relevant
// to Type are set.
type Event struct {
	Type EventType

	QR string

	PhoneNumber string
	DeviceJID   string

	LoggedOut bool
	Reason    string

	Creds []byte

	Message *Message
}

// Envelope holds the text-bearing parts of a message.
type Envelope struct {
	Conversation    string
	ExtendedText    string
	ImageCaption    string
	VideoCaption    string
	DocumentCaption string
}

// Message is an inbound message as seen by the session.
type Message struct {
	ID        string
	ChatJID   string
	SenderJID string
	PushName  string
	FromMe    bool
	IsGroup   bool
	Timestamp time.Time
	Content   Envelope
}

// Transport is one live connection handle. Events are delivered on a single
// channel that is closed after Close.
type Transport interface {
	// Connect starts the connection. Progress is reported through Events.
	Connect(ctx context.Context) error
	Events() <-chan Event
	SendText(ctx context.Context, to, text string) error
	// Logout unlinks the device from the account.
	Logout(ctx context.Context) error
	// Close tears the connection down without unlinking.
	Close()
}

// Factory builds transports. creds is the persisted credential blob, nil for
// a fresh pairing.
type Factory interface {
	New(ctx context.Context, licenseKey string, creds []byte) (Transport, error)
}
