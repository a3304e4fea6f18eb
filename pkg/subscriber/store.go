// Package subscriber persists who has messaged each tenant, their last
// shared location, and per-user preferences.
package subscriber

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"botfleet/pkg/tenant"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("subscriber store closed")

// Subscriber is one sender known to a tenant.
type Subscriber struct {
	TenantID string
	UserID   string
	// Location is the last location the user shared, nil when none.
	Location  *tenant.Location
	FirstSeen time.Time
	LastSeen  time.Time
}

// Store is a SQLite-backed subscriber directory. It is safe for concurrent
// use; SQLite serializes writers on a single connection.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open creates or opens the database at path and applies migrations.
func Open(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("subscriber db path is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open subscriber db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	s := &Store{db: db, log: log.With("component", "subscriber.store")}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.log.Debug("Subscriber store ready", "path", path)
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

// Touch records that userID messaged tenantID at at. The first call
// subscribes the user; later calls only bump last_seen.
func (s *Store) Touch(ctx context.Context, tenantID, userID string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if tenantID == "" || userID == "" {
		return errors.New("tenant and user are required")
	}
	ms := at.UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(tenant_id, user_id, first_seen, last_seen) VALUES(?,?,?,?)
		 ON CONFLICT(tenant_id, user_id) DO UPDATE SET last_seen=excluded.last_seen`,
		tenantID, userID, ms, ms,
	)
	if err != nil {
		return fmt.Errorf("touch subscriber: %w", err)
	}
	return nil
}

// SetLocation stores the user's latest location, subscribing them if needed.
func (s *Store) SetLocation(ctx context.Context, tenantID, userID string, loc tenant.Location, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if err := s.Touch(ctx, tenantID, userID, at); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO locations(tenant_id, user_id, latitude, longitude, name, updated_at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(tenant_id, user_id) DO UPDATE SET
		   latitude=excluded.latitude, longitude=excluded.longitude,
		   name=excluded.name, updated_at=excluded.updated_at`,
		tenantID, userID, loc.Latitude, loc.Longitude, nullStr(loc.Name), at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save location: %w", err)
	}
	return nil
}

// Location returns the user's last location, or nil.
func (s *Store) Location(ctx context.Context, tenantID, userID string) (*tenant.Location, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	var (
		loc  tenant.Location
		name sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT latitude, longitude, name FROM locations WHERE tenant_id = ? AND user_id = ?`,
		tenantID, userID,
	).Scan(&loc.Latitude, &loc.Longitude, &name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load location: %w", err)
	}
	loc.Name = name.String
	return &loc, nil
}

// ListForTenant returns every subscriber of tenantID, oldest first, each
// with its last known location when one exists.
func (s *Store) ListForTenant(ctx context.Context, tenantID string) ([]Subscriber, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.user_id, s.first_seen, s.last_seen, l.latitude, l.longitude, l.name
		 FROM subscribers s
		 LEFT JOIN locations l ON l.tenant_id = s.tenant_id AND l.user_id = s.user_id
		 WHERE s.tenant_id = ?
		 ORDER BY s.first_seen, s.user_id`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	var out []Subscriber
	for rows.Next() {
		var (
			sub         = Subscriber{TenantID: tenantID}
			first, last int64
			lat, lng    sql.NullFloat64
			name        sql.NullString
		)
		if err := rows.Scan(&sub.UserID, &first, &last, &lat, &lng, &name); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		sub.FirstSeen = time.UnixMilli(first)
		sub.LastSeen = time.UnixMilli(last)
		if lat.Valid && lng.Valid {
			sub.Location = &tenant.Location{Latitude: lat.Float64, Longitude: lng.Float64, Name: name.String}
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	return out, nil
}

// Count returns the number of subscribers of tenantID.
func (s *Store) Count(ctx context.Context, tenantID string) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM subscribers WHERE tenant_id = ?`, tenantID)
}

// CountWithLocation returns how many subscribers have shared a location.
func (s *Store) CountWithLocation(ctx context.Context, tenantID string) (int, error) {
	return s.count(ctx,
		`SELECT COUNT(*) FROM subscribers s
		 JOIN locations l ON l.tenant_id = s.tenant_id AND l.user_id = s.user_id
		 WHERE s.tenant_id = ?`, tenantID)
}

func (s *Store) count(ctx context.Context, query, tenantID string) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, tenantID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count subscribers: %w", err)
	}
	return n, nil
}

// SetPreference upserts one preference value.
func (s *Store) SetPreference(ctx context.Context, tenantID, userID, key, value string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO preferences(tenant_id, user_id, key, value) VALUES(?,?,?,?)
		 ON CONFLICT(tenant_id, user_id, key) DO UPDATE SET value=excluded.value`,
		tenantID, userID, key, value,
	)
	if err != nil {
		return fmt.Errorf("save preference: %w", err)
	}
	return nil
}

// Preference returns a stored preference and whether it exists.
func (s *Store) Preference(ctx context.Context, tenantID, userID, key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, ErrClosed
	}
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM preferences WHERE tenant_id = ? AND user_id = ? AND key = ?`,
		tenantID, userID, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load preference: %w", err)
	}
	return value, true, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
