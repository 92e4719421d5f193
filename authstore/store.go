// Package authstore persists one row per license: connection state, the
// last pairing code and the transport's opaque credential blob.
package authstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog"

	"whatsapp-autoreply/utils"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	table = "whatsapp_sessions"
)

// ErrNotFound is returned by Load when the license has no row.
var ErrNotFound = errors.New("session row not found")

var columns = []string{
	"license_key", "tenant_id", "connection_state", "phone_number", "device_jid",
	"auth_state_blob", "last_qr", "last_error", "connected_at", "disconnected_at",
	"site_url", "created_at", "updated_at",
}

// Row is the persisted view of a session.
type Row struct {
	LicenseKey     string
	TenantID       string
	State          string
	PhoneNumber    string
	DeviceJID      string
	AuthState      []byte
	LastQR         string
	LastError      string
	ConnectedAt    *time.Time
	DisconnectedAt *time.Time
	SiteURL        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// StateUpdate is a material transition. PhoneNumber and DeviceJID are only
// written when set; connected_at and disconnected_at follow State.
type StateUpdate struct {
	State       string
	QR          string
	LastError   string
	PhoneNumber string
	DeviceJID   string
}

// Store implements the session row operations on database/sql.
type Store struct {
	db     *sql.DB
	sb     sq.StatementBuilderType
	sealer *Sealer
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a store. key enables sealing of credential blobs.
func New(db *sql.DB, driver string, key *[32]byte, logger zerolog.Logger) *Store {
	var format sq.PlaceholderFormat = sq.Question
	if driver == DriverPostgres {
		format = sq.Dollar
	}
	return &Store{
		db:     db,
		sb:     sq.StatementBuilder.PlaceholderFormat(format),
		sealer: NewSealer(key),
		logger: logger.With().Str("component", "authstore").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Open opens the database and waits for it to answer.
func Open(ctx context.Context, driver, dsn string, maxOpenConns int) (*sql.DB, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	err = utils.WithRetry(ctx, func() error {
		return db.PingContext(ctx)
	}, utils.DefaultRetryConfig())
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return db, nil
}

// Load returns the row for licenseKey. A blob that cannot be opened is
// dropped so the next connect pairs from scratch.
func (s *Store) Load(ctx context.Context, licenseKey string) (*Row, error) {
	query, args, err := s.sb.Select(columns...).From(table).
		Where(sq.Eq{"license_key": licenseKey}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}

	var (
		row            Row
		blob           []byte
		connectedAt    sql.NullTime
		disconnectedAt sql.NullTime
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&row.LicenseKey, &row.TenantID, &row.State, &row.PhoneNumber, &row.DeviceJID,
		&blob, &row.LastQR, &row.LastError, &connectedAt, &disconnectedAt,
		&row.SiteURL, &row.CreatedAt, &row.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session row: %w", err)
	}

	if connectedAt.Valid {
		row.ConnectedAt = &connectedAt.Time
	}
	if disconnectedAt.Valid {
		row.DisconnectedAt = &disconnectedAt.Time
	}
	if len(blob) > 0 {
		row.AuthState, err = s.sealer.Open(blob)
		if err != nil {
			s.logger.Warn().Err(err).Str("license", licenseKey).Msg("Discarding unreadable auth blob")
			row.AuthState = nil
		}
	}
	return &row, nil
}

// Ensure creates the row on first connect. An existing row keeps its tenant
// and credentials; only the site URL is refreshed.
func (s *Store) Ensure(ctx context.Context, licenseKey, tenantID, siteURL string) error {
	now := s.now()
	query, args, err := s.sb.Insert(table).
		Columns("license_key", "tenant_id", "connection_state", "site_url", "created_at", "updated_at").
		Values(licenseKey, tenantID, "disconnected", siteURL, now, now).
		Suffix("ON CONFLICT (license_key) DO UPDATE SET site_url = excluded.site_url, updated_at = excluded.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("building upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upserting session row: %w", err)
	}
	return nil
}

// UpdateState records a transition.
func (s *Store) UpdateState(ctx context.Context, licenseKey string, u StateUpdate) error {
	now := s.now()
	set := map[string]interface{}{
		"connection_state": u.State,
		"last_qr":          u.QR,
		"last_error":       u.LastError,
		"updated_at":       now,
	}
	if u.PhoneNumber != "" {
		set["phone_number"] = u.PhoneNumber
	}
	if u.DeviceJID != "" {
		set["device_jid"] = u.DeviceJID
	}
	switch u.State {
	case "connected":
		set["connected_at"] = now
	case "disconnected":
		set["disconnected_at"] = now
	}
	return s.update(ctx, licenseKey, set, "updating session state")
}

// SaveAuth stores the credential blob.
func (s *Store) SaveAuth(ctx context.Context, licenseKey string, blob []byte) error {
	sealed, err := s.sealer.Seal(blob)
	if err != nil {
		return fmt.Errorf("sealing auth blob: %w", err)
	}
	return s.update(ctx, licenseKey, map[string]interface{}{
		"auth_state_blob": sealed,
		"updated_at":      s.now(),
	}, "saving auth blob")
}

// ClearAuth wipes the credential blob and the paired identity.
func (s *Store) ClearAuth(ctx context.Context, licenseKey string) error {
	return s.update(ctx, licenseKey, map[string]interface{}{
		"auth_state_blob": nil,
		"phone_number":    "",
		"device_jid":      "",
		"last_qr":         "",
		"updated_at":      s.now(),
	}, "clearing auth blob")
}

func (s *Store) update(ctx context.Context, licenseKey string, set map[string]interface{}, op string) error {
	query, args, err := s.sb.Update(table).SetMap(set).
		Where(sq.Eq{"license_key": licenseKey}).ToSql()
	if err != nil {
		return fmt.Errorf("building update: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
