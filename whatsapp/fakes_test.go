package whatsapp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"whatsapp-autoreply/authstore"
	"whatsapp-autoreply/license"
	"whatsapp-autoreply/transport"
	"whatsapp-autoreply/transport/transporttest"
)

type memStore struct {
	mu        sync.Mutex
	rows      map[string]*authstore.Row
	saves     [][]byte
	clears    int
	states    []string
	failLoads error
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]*authstore.Row)}
}

func (m *memStore) Load(_ context.Context, key string) (*authstore.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failLoads != nil {
		return nil, m.failLoads
	}
	row, ok := m.rows[key]
	if !ok {
		return nil, authstore.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (m *memStore) Ensure(_ context.Context, key, tenantID, siteURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[key]; ok {
		row.SiteURL = siteURL
		return nil
	}
	m.rows[key] = &authstore.Row{LicenseKey: key, TenantID: tenantID, SiteURL: siteURL, State: "disconnected"}
	return nil
}

func (m *memStore) UpdateState(ctx context.Context, key string, u authstore.StateUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, u.State)
	row, ok := m.rows[key]
	if !ok {
		return nil
	}
	row.State = u.State
	row.LastQR = u.QR
	row.LastError = u.LastError
	if u.PhoneNumber != "" {
		row.PhoneNumber = u.PhoneNumber
	}
	if u.DeviceJID != "" {
		row.DeviceJID = u.DeviceJID
	}
	return nil
}

func (m *memStore) SaveAuth(_ context.Context, key string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves = append(m.saves, blob)
	if row, ok := m.rows[key]; ok {
		row.AuthState = blob
	}
	return nil
}

func (m *memStore) ClearAuth(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clears++
	if row, ok := m.rows[key]; ok {
		row.AuthState = nil
		row.PhoneNumber = ""
		row.DeviceJID = ""
	}
	return nil
}

func (m *memStore) row(key string) authstore.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[key]; ok {
		return *row
	}
	return authstore.Row{}
}

func (m *memStore) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saves)
}

type fakeLicenses struct {
	err   error
	calls int
	mu    sync.Mutex
}

func (f *fakeLicenses) ValidateLicense(_ context.Context, key string) (*license.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &license.Info{Valid: true, Status: "active", TenantID: "tenant-" + key}, nil
}

// fakeClock records timers and fires them on demand.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// pending returns timers that neither fired nor were stopped.
func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// fire runs a pending timer with the given duration.
func (c *fakeClock) fire(t *testing.T, d time.Duration) {
	t.Helper()
	c.mu.Lock()
	var target *fakeTimer
	for _, tm := range c.timers {
		if !tm.stopped && !tm.fired && tm.d == d {
			target = tm
			break
		}
	}
	if target != nil {
		target.fired = true
	}
	c.mu.Unlock()
	if target == nil {
		t.Fatalf("no pending timer of %s", d)
	}
	target.f()
}

type recordingHandler struct {
	mu   sync.Mutex
	msgs []*transport.Message
}

func (h *recordingHandler) HandleMessage(_ context.Context, _ Replier, msg *transport.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

type harness struct {
	registry *Registry
	factory  *transporttest.Factory
	store    *memStore
	licenses *fakeLicenses
	clock    *fakeClock
	handler  *recordingHandler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		factory:  &transporttest.Factory{},
		store:    newMemStore(),
		licenses: &fakeLicenses{},
		clock:    &fakeClock{},
		handler:  &recordingHandler{},
	}
	opts := DefaultOptions()
	opts.ConnectWait = 200 * time.Millisecond
	h.registry = NewRegistry(h.factory, h.store, h.licenses, h.handler, opts, zerolog.Nop())
	h.registry.after = h.clock.AfterFunc
	t.Cleanup(func() { _ = h.registry.Close(context.Background()) })
	return h
}

// emitQROnConnect makes every new transport offer a pairing code.
func (h *harness) emitQROnConnect() {
	h.factory.OnNew = func(tr *transporttest.Transport) {
		tr.Emit(transport.Event{Type: transport.EventQR, QR: "2@qr"})
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
