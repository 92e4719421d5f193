package whatsapp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"whatsapp-autoreply/authstore"
	"whatsapp-autoreply/metrics"
	"whatsapp-autoreply/transport"
)

const (
	storeTimeout  = 5 * time.Second
	logoutTimeout = 15 * time.Second
)

type timer interface {
	Stop() bool
}

type afterFunc func(d time.Duration, f func()) timer

func systemAfterFunc(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}

// Session owns one license's connection. Transport events are applied under
// mu by the goroutine pumping that transport; inbound messages are handed to
// a single worker so replies for one session never run concurrently.
type Session struct {
	licenseKey string
	tenantID   string
	cfg        SessionConfig
	opts       Options
	limiter    *RateLimiter

	factory  transport.Factory
	store    AuthStore
	handler  MessageHandler
	logger   zerolog.Logger
	after    afterFunc
	onRemove func(*Session)

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan *transport.Message

	mu         sync.Mutex
	state      State
	qr         string
	lastError  string
	phone      string
	deviceJID  string
	connected  *time.Time
	authState  []byte
	attempts   int
	backoff    *backoff.ExponentialBackOff
	generation uint64
	tr         transport.Transport
	closed     bool
	changed    chan struct{}

	persistTimer   timer
	persistSeq     uint64
	reconnectTimer timer
}

type sessionParams struct {
	licenseKey string
	tenantID   string
	cfg        SessionConfig
	opts       Options
	authState  []byte
	factory    transport.Factory
	store      AuthStore
	handler    MessageHandler
	logger     zerolog.Logger
	after      afterFunc
	onRemove   func(*Session)
}

func newSession(parent context.Context, p sessionParams) *Session {
	ctx, cancel := context.WithCancel(parent)
	if p.after == nil {
		p.after = systemAfterFunc
	}
	p.cfg.MessagesPerMinute = ClampMessagesPerMinute(p.cfg.MessagesPerMinute)
	s := &Session{
		licenseKey: p.licenseKey,
		tenantID:   p.tenantID,
		cfg:        p.cfg,
		opts:       p.opts,
		limiter:    NewRateLimiter(p.cfg.MessagesPerMinute),
		factory:    p.factory,
		store:      p.store,
		handler:    p.handler,
		logger:     p.logger.With().Str("license", p.licenseKey).Logger(),
		after:      p.after,
		onRemove:   p.onRemove,
		ctx:        ctx,
		cancel:     cancel,
		inbox:      make(chan *transport.Message, p.opts.InboxSize),
		state:      StateDisconnected,
		authState:  p.authState,
		backoff:    newReconnectBackOff(p.opts.ReconnectBase, p.opts.ReconnectMax),
		changed:    make(chan struct{}),
	}
	return s
}

// newReconnectBackOff yields min(max, base*2^n) for n = 1, 2, ...
func newReconnectBackOff(base, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Clock = backoff.SystemClock
	b.Reset()
	return b
}

func (s *Session) LicenseKey() string { return s.licenseKey }

func (s *Session) Config() SessionConfig { return s.cfg }

func (s *Session) Limiter() *RateLimiter { return s.limiter }

// Snapshot returns the current view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		LicenseKey:  s.licenseKey,
		TenantID:    s.tenantID,
		State:       s.state,
		QR:          s.qr,
		LastError:   s.lastError,
		PhoneNumber: s.phone,
		DeviceJID:   s.deviceJID,
		SiteURL:     s.cfg.SiteURL,
		ConnectedAt: s.connected,
	}
}

// SendText sends through the open connection.
func (s *Session) SendText(ctx context.Context, to, text string) error {
	s.mu.Lock()
	tr := s.tr
	state := s.state
	s.mu.Unlock()

	if tr == nil || state != StateConnected {
		return ErrNotConnected
	}
	return tr.SendText(ctx, to, text)
}

// start takes ownership of the first transport and begins connecting.
func (s *Session) start(tr transport.Transport) {
	go s.work()

	s.mu.Lock()
	s.setStateLocked(StateConnecting)
	s.persistStateLocked()
	gen := s.attachLocked(tr)
	s.mu.Unlock()

	go s.dial(gen, tr)
}

// attachLocked makes tr the live handle and starts pumping its events.
func (s *Session) attachLocked(tr transport.Transport) uint64 {
	s.generation++
	s.tr = tr
	gen := s.generation
	go s.pump(gen, tr)
	return gen
}

func (s *Session) dial(gen uint64, tr transport.Transport) {
	if err := tr.Connect(s.ctx); err != nil {
		s.handleEvent(gen, transport.Event{Type: transport.EventClose, Reason: err.Error()})
	}
}

func (s *Session) pump(gen uint64, tr transport.Transport) {
	for evt := range tr.Events() {
		s.handleEvent(gen, evt)
	}
}

func (s *Session) work() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.inbox:
			if s.handler != nil {
				s.handler.HandleMessage(s.ctx, s, msg)
			}
		}
	}
}

func (s *Session) handleEvent(gen uint64, evt transport.Event) {
	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		return
	}

	switch evt.Type {
	case transport.EventQR:
		s.qr = evt.QR
		s.lastError = ""
		s.resetAttemptsLocked()
		s.setStateLocked(StateQR)
		s.persistStateLocked()

	case transport.EventOpen:
		now := time.Now().UTC()
		s.qr = ""
		s.lastError = ""
		s.connected = &now
		if evt.PhoneNumber != "" {
			s.phone = evt.PhoneNumber
		}
		if evt.DeviceJID != "" {
			s.deviceJID = evt.DeviceJID
		}
		s.resetAttemptsLocked()
		s.setStateLocked(StateConnected)
		s.persistStateLocked()
		s.logger.Info().Str("phone", s.phone).Msg("Session connected")

	case transport.EventCreds:
		s.authState = evt.Creds
		s.schedulePersistLocked()

	case transport.EventClose:
		if evt.LoggedOut {
			s.loggedOutLocked(evt.Reason)
			s.mu.Unlock()
			if s.onRemove != nil {
				s.onRemove(s)
			}
			return
		}
		s.transientCloseLocked(evt.Reason)

	case transport.EventMessage:
		s.mu.Unlock()
		s.enqueue(evt.Message)
		return
	}
	s.mu.Unlock()
}

func (s *Session) enqueue(msg *transport.Message) {
	if msg == nil {
		return
	}
	metrics.IncrementInbound()
	select {
	case s.inbox <- msg:
	default:
		s.logger.Warn().Str("message_id", msg.ID).Msg("Inbox full, dropping message")
	}
}

// loggedOutLocked wipes credentials in memory and in the row, with no retry.
func (s *Session) loggedOutLocked(reason string) {
	s.logger.Warn().Str("reason", reason).Msg("Session logged out, credentials wiped")
	s.closed = true
	s.stopTimersLocked()
	s.detachLocked()

	s.authState = nil
	s.qr = ""
	s.phone = ""
	s.deviceJID = ""
	s.lastError = reason
	s.setStateLocked(StateDisconnected)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.store.ClearAuth(ctx, s.licenseKey); err != nil {
		s.logger.Error().Err(err).Msg("Failed to clear auth state")
	}
	s.persistStateWith(ctx)
	s.cancel()
}

func (s *Session) transientCloseLocked(reason string) {
	s.detachLocked()
	s.attempts++

	if s.attempts > s.opts.MaxReconnectAttempts {
		s.lastError = fmt.Sprintf("reconnect attempts exhausted after %d tries: %s", s.opts.MaxReconnectAttempts, reason)
		s.qr = ""
		s.setStateLocked(StateError)
		s.persistStateLocked()
		metrics.IncrementReconnectsExhausted()
		s.logger.Error().Str("reason", reason).Msg("Giving up reconnecting")
		return
	}

	delay := s.backoff.NextBackOff()
	s.lastError = reason
	s.qr = ""
	s.setStateLocked(StateError)
	s.persistStateLocked()

	gen := s.generation
	s.reconnectTimer = s.after(delay, func() { s.reconnect(gen) })
	metrics.IncrementReconnects()
	s.logger.Warn().
		Str("reason", reason).
		Int("attempt", s.attempts).
		Dur("delay", delay).
		Msg("Connection closed, reconnect scheduled")
}

func (s *Session) reconnect(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.reconnectTimer = nil
	creds := s.authState
	s.setStateLocked(StateConnecting)
	s.persistStateLocked()
	s.mu.Unlock()

	tr, err := s.factory.New(s.ctx, s.licenseKey, creds)

	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		if tr != nil {
			tr.Close()
		}
		return
	}
	if err != nil {
		s.transientCloseLocked(fmt.Sprintf("creating transport: %v", err))
		s.mu.Unlock()
		return
	}
	next := s.attachLocked(tr)
	s.mu.Unlock()

	s.dial(next, tr)
}

// detachLocked drops the live handle. Events still queued on it are ignored.
func (s *Session) detachLocked() {
	s.generation++
	if s.tr != nil {
		go s.tr.Close()
		s.tr = nil
	}
}

func (s *Session) resetAttemptsLocked() {
	s.attempts = 0
	s.backoff.Reset()
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

func (s *Session) stopTimersLocked() {
	if s.persistTimer != nil {
		s.persistTimer.Stop()
		s.persistTimer = nil
	}
	s.persistSeq++
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

func (s *Session) schedulePersistLocked() {
	if s.persistTimer != nil {
		s.persistTimer.Stop()
	}
	s.persistSeq++
	seq := s.persistSeq
	s.persistTimer = s.after(s.opts.PersistDebounce, func() { s.flushAuth(seq) })
}

func (s *Session) flushAuth(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || seq != s.persistSeq {
		return
	}
	s.persistTimer = nil
	s.saveAuthLocked()
}

func (s *Session) saveAuthLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.store.SaveAuth(ctx, s.licenseKey, s.authState); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist auth state")
		return
	}
	metrics.IncrementAuthWrites()
}

func (s *Session) setStateLocked(state State) {
	if s.state != state {
		metrics.RecordTransition(string(state))
	}
	s.state = state
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Session) persistStateLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	s.persistStateWith(ctx)
}

func (s *Session) persistStateWith(ctx context.Context) {
	err := s.store.UpdateState(ctx, s.licenseKey, authstore.StateUpdate{
		State:       string(s.state),
		QR:          s.qr,
		LastError:   s.lastError,
		PhoneNumber: s.phone,
		DeviceJID:   s.deviceJID,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("state", string(s.state)).Msg("Failed to persist session state")
	}
}

// waitSettled blocks until the state leaves connecting, d passes or ctx ends.
func (s *Session) waitSettled(ctx context.Context, d time.Duration) Snapshot {
	deadline := time.NewTimer(d)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		if s.state != StateConnecting {
			snap := s.snapshotLocked()
			s.mu.Unlock()
			return snap
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-deadline.C:
			return s.Snapshot()
		case <-ctx.Done():
			return s.Snapshot()
		}
	}
}

// Disconnect unlinks the device and wipes credentials. Explicit disconnect
// wins over any pending reconnect. Store writes outlive the caller's context.
func (s *Session) Disconnect(ctx context.Context) Snapshot {
	s.mu.Lock()
	if s.closed {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap
	}
	s.closed = true
	s.stopTimersLocked()
	s.generation++
	tr := s.tr
	s.tr = nil
	creds := s.authState

	s.authState = nil
	s.qr = ""
	s.lastError = ""
	s.phone = ""
	s.deviceJID = ""
	s.setStateLocked(StateDisconnected)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	lctx, lcancel := context.WithTimeout(context.WithoutCancel(ctx), logoutTimeout)
	defer lcancel()
	if tr != nil {
		if err := tr.Logout(lctx); err != nil {
			s.logger.Warn().Err(err).Msg("Logout failed")
		}
		tr.Close()
	} else if err := unlink(lctx, s.factory, s.licenseKey, creds); err != nil {
		// between reconnect attempts there is no live handle
		s.logger.Warn().Err(err).Msg("Logout failed")
	}

	sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer scancel()
	if err := s.store.ClearAuth(sctx, s.licenseKey); err != nil {
		s.logger.Error().Err(err).Msg("Failed to clear auth state")
	}
	err := s.store.UpdateState(sctx, s.licenseKey, authstore.StateUpdate{State: string(StateDisconnected)})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist session state")
	}

	s.cancel()
	s.logger.Info().Msg("Session disconnected")
	return snap
}

// unlink logs out the device named by creds on a short-lived transport.
func unlink(ctx context.Context, factory transport.Factory, licenseKey string, creds []byte) error {
	if factory == nil || len(creds) == 0 {
		return nil
	}
	tr, err := factory.New(ctx, licenseKey, creds)
	if err != nil {
		return fmt.Errorf("creating transport: %w", err)
	}
	defer tr.Close()
	return tr.Logout(ctx)
}

// shutdown closes the connection but keeps credentials so a later connect
// can resume. Pending credential updates are flushed first.
func (s *Session) shutdown(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	pending := s.persistTimer != nil
	s.closed = true
	s.stopTimersLocked()
	if pending {
		s.saveAuthLocked()
	}
	s.generation++
	tr := s.tr
	s.tr = nil
	s.qr = ""
	s.setStateLocked(StateDisconnected)
	s.persistStateWith(ctx)
	s.mu.Unlock()

	if tr != nil {
		tr.Close()
	}
	s.cancel()
}
