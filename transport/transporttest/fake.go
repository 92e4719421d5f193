// Package transporttest provides an in-memory transport for tests.
package transporttest

import (
	"context"
	"sync"

	"whatsapp-autoreply/transport"
)

// Sent is a text handed to SendText.
type Sent struct {
	To   string
	Text string
}

// Transport is a scriptable transport. Tests push events with Emit.
type Transport struct {
	Creds []byte

	mu         sync.Mutex
	events     chan transport.Event
	closed     bool
	connected  bool
	loggedOut  bool
	sent       []Sent
	ConnectErr error
	SendErr    error
}

func NewTransport(creds []byte) *Transport {
	return &Transport{Creds: creds, events: make(chan transport.Event, 64)}
}

func (t *Transport) Connect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ConnectErr != nil {
		return t.ConnectErr
	}
	t.connected = true
	return nil
}

func (t *Transport) Events() <-chan transport.Event { return t.events }

func (t *Transport) SendText(_ context.Context, to, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.SendErr != nil {
		return t.SendErr
	}
	t.sent = append(t.sent, Sent{To: to, Text: text})
	return nil
}

func (t *Transport) Logout(context.Context) error {
	t.mu.Lock()
	t.loggedOut = true
	t.mu.Unlock()
	return nil
}

func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.events)
}

// Emit delivers an event unless the transport is closed.
func (t *Transport) Emit(evt transport.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.events <- evt
}

func (t *Transport) Sent() []Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Sent(nil), t.sent...)
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) LoggedOut() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loggedOut
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Factory records every transport it builds.
type Factory struct {
	mu         sync.Mutex
	built      []*Transport
	Err        error
	OnNew      func(*Transport)
	ConnectErr error
}

func (f *Factory) New(_ context.Context, _ string, creds []byte) (transport.Transport, error) {
	f.mu.Lock()
	if f.Err != nil {
		f.mu.Unlock()
		return nil, f.Err
	}
	t := NewTransport(append([]byte(nil), creds...))
	t.ConnectErr = f.ConnectErr
	f.built = append(f.built, t)
	hook := f.OnNew
	f.mu.Unlock()

	if hook != nil {
		hook(t)
	}
	return t, nil
}

// Count returns how many transports were built.
func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.built)
}

// Last returns the most recently built transport, or nil.
func (f *Factory) Last() *Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.built) == 0 {
		return nil
	}
	return f.built[len(f.built)-1]
}

// At returns the i-th built transport.
func (f *Factory) At(i int) *Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built[i]
}
