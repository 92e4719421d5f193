package whatsapp

import "time"

// Options tunes session timers.
type Options struct {
	// ConnectWait bounds how long Connect waits for the state to leave
	// connecting.
	ConnectWait time.Duration
	// PersistDebounce collapses bursts of credential updates into one write.
	PersistDebounce time.Duration
	// ReconnectBase and ReconnectMax shape the delay min(max, base*2^attempt).
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int
	// InboxSize buffers inbound messages per session.
	InboxSize int
}

func DefaultOptions() Options {
	return Options{
		ConnectWait:          8 * time.Second,
		PersistDebounce:      750 * time.Millisecond,
		ReconnectBase:        time.Second,
		ReconnectMax:         30 * time.Second,
		MaxReconnectAttempts: 6,
		InboxSize:            256,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ConnectWait <= 0 {
		o.ConnectWait = d.ConnectWait
	}
	if o.PersistDebounce <= 0 {
		o.PersistDebounce = d.PersistDebounce
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = d.ReconnectBase
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = d.ReconnectMax
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if o.InboxSize <= 0 {
		o.InboxSize = d.InboxSize
	}
	return o
}
