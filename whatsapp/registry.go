package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"whatsapp-autoreply/authstore"
	"whatsapp-autoreply/license"
	"whatsapp-autoreply/metrics"
	"whatsapp-autoreply/transport"
)

// Registry maps license keys to live sessions. It is process scoped: empty at
// startup and never resumes sessions on its own.
type Registry struct {
	factory  transport.Factory
	store    AuthStore
	licenses LicenseValidator
	handler  MessageHandler
	opts     Options
	logger   zerolog.Logger
	after    afterFunc

	ctx    context.Context
	cancel context.CancelFunc

	mutex    sync.RWMutex
	sessions map[string]*Session

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewRegistry creates a registry. factory may be nil when the deployment has
// no native transport; Connect then fails with ErrTransportUnavailable.
func NewRegistry(factory transport.Factory, store AuthStore, licenses LicenseValidator, handler MessageHandler, opts Options, logger zerolog.Logger) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		factory:  factory,
		store:    store,
		licenses: licenses,
		handler:  handler,
		opts:     opts.withDefaults(),
		logger:   logger.With().Str("component", "registry").Logger(),
		after:    systemAfterFunc,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (r *Registry) lockFor(licenseKey string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[licenseKey]
	if !ok {
		l = &sync.Mutex{}
		r.locks[licenseKey] = l
	}
	return l
}

// Connect returns the existing session when it is connecting, showing a QR or
// connected. Otherwise it builds a session from the persisted credentials and
// waits up to ConnectWait for it to leave connecting.
func (r *Registry) Connect(ctx context.Context, req ConnectRequest) (Snapshot, error) {
	if req.LicenseKey == "" {
		return Snapshot{}, ErrInvalidLicense
	}
	info, err := r.licenses.ValidateLicense(ctx, req.LicenseKey)
	if errors.Is(err, license.ErrInvalidLicense) {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidLicense, err)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("validating license: %w", err)
	}
	if r.factory == nil {
		return Snapshot{}, ErrTransportUnavailable
	}

	tenantID := req.TenantID
	if tenantID == "" && info != nil {
		tenantID = info.TenantID
	}

	lock := r.lockFor(req.LicenseKey)
	lock.Lock()

	if existing, ok := r.Get(req.LicenseKey); ok {
		snap := existing.Snapshot()
		if snap.State.Active() {
			lock.Unlock()
			return snap, nil
		}
		// exhausted or waiting to retry: a manual connect starts over
		existing.shutdown(ctx)
		r.remove(existing)
	}

	s, err := r.newSession(ctx, req.LicenseKey, tenantID, req.Config)
	lock.Unlock()
	if err != nil {
		return Snapshot{}, err
	}

	return s.waitSettled(ctx, r.opts.ConnectWait), nil
}

// newSession loads credentials, builds the first transport and registers a
// started session. The caller holds the license lock.
func (r *Registry) newSession(ctx context.Context, licenseKey, tenantID string, cfg SessionConfig) (*Session, error) {
	var creds []byte
	row, err := r.store.Load(ctx, licenseKey)
	switch {
	case errors.Is(err, authstore.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("loading session row: %w", err)
	default:
		creds = row.AuthState
		if row.TenantID != "" {
			tenantID = row.TenantID
		}
	}

	if err := r.store.Ensure(ctx, licenseKey, tenantID, cfg.SiteURL); err != nil {
		return nil, fmt.Errorf("creating session row: %w", err)
	}

	tr, err := r.factory.New(r.ctx, licenseKey, creds)
	if errors.Is(err, transport.ErrUnavailable) {
		return nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	if err != nil {
		return nil, fmt.Errorf("creating transport: %w", err)
	}

	s := newSession(r.ctx, sessionParams{
		licenseKey: licenseKey,
		tenantID:   tenantID,
		cfg:        cfg,
		opts:       r.opts,
		authState:  creds,
		factory:    r.factory,
		store:      r.store,
		handler:    r.handler,
		logger:     r.logger,
		after:      r.after,
		onRemove:   r.remove,
	})

	r.mutex.Lock()
	r.sessions[licenseKey] = s
	metrics.SetActiveSessions(len(r.sessions))
	r.mutex.Unlock()

	r.logger.Info().
		Str("license", licenseKey).
		Bool("resume", creds != nil).
		Msg("Starting session")
	s.start(tr)
	return s, nil
}

// Disconnect logs the session out, cancels its timers and forgets it. It is
// idempotent.
func (r *Registry) Disconnect(ctx context.Context, licenseKey string) (Snapshot, error) {
	lock := r.lockFor(licenseKey)
	lock.Lock()
	defer lock.Unlock()

	if s, ok := r.Get(licenseKey); ok {
		r.remove(s)
		return s.Disconnect(ctx), nil
	}

	// no live session, e.g. after a restart: unlink and drop stored credentials
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logoutTimeout)
	defer cancel()
	row, err := r.store.Load(ctx, licenseKey)
	switch {
	case errors.Is(err, authstore.ErrNotFound):
		return Snapshot{LicenseKey: licenseKey, State: StateDisconnected}, nil
	case err != nil:
		return Snapshot{}, fmt.Errorf("loading session row: %w", err)
	}
	if err := unlink(ctx, r.factory, licenseKey, row.AuthState); err != nil {
		r.logger.Warn().Err(err).Str("license", licenseKey).Msg("Logout failed")
	}
	if err := r.store.ClearAuth(ctx, licenseKey); err != nil {
		return Snapshot{}, fmt.Errorf("clearing auth state: %w", err)
	}
	err = r.store.UpdateState(ctx, licenseKey, authstore.StateUpdate{State: string(StateDisconnected)})
	if err != nil {
		return Snapshot{}, fmt.Errorf("marking session disconnected: %w", err)
	}
	return Snapshot{LicenseKey: licenseKey, State: StateDisconnected}, nil
}

// Status never blocks on the transport: live snapshot, else persisted row,
// else disconnected.
func (r *Registry) Status(ctx context.Context, licenseKey string) (Snapshot, error) {
	if s, ok := r.Get(licenseKey); ok {
		return s.Snapshot(), nil
	}

	row, err := r.store.Load(ctx, licenseKey)
	if errors.Is(err, authstore.ErrNotFound) {
		return Snapshot{LicenseKey: licenseKey, State: StateDisconnected}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("loading session row: %w", err)
	}
	return Snapshot{
		LicenseKey:  row.LicenseKey,
		TenantID:    row.TenantID,
		State:       State(row.State),
		QR:          row.LastQR,
		LastError:   row.LastError,
		PhoneNumber: row.PhoneNumber,
		DeviceJID:   row.DeviceJID,
		SiteURL:     row.SiteURL,
		ConnectedAt: row.ConnectedAt,
	}, nil
}

// Get returns the live session for licenseKey.
func (r *Registry) Get(licenseKey string) (*Session, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	s, ok := r.sessions[licenseKey]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.sessions)
}

func (r *Registry) remove(s *Session) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if cur, ok := r.sessions[s.licenseKey]; ok && cur == s {
		delete(r.sessions, s.licenseKey)
		metrics.SetActiveSessions(len(r.sessions))
	}
}

// Close shuts every session down without logging out, so credentials survive
// a restart.
func (r *Registry) Close(ctx context.Context) error {
	r.mutex.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	metrics.SetActiveSessions(0)
	r.mutex.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.shutdown(ctx)
		}(s)
	}
	wg.Wait()
	r.cancel()

	r.logger.Info().Int("sessions", len(sessions)).Msg("Registry closed")
	return ctx.Err()
}
