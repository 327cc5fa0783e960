package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/leetcoach/internal/domain"
	_ "modernc.org/sqlite"
)

// ErrUserNotFound is returned by updates that target a missing user.
var ErrUserNotFound = errors.New("user not found")

// MaxListLimit caps ListOffers.
const MaxListLimit = 200

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository. The path ":memory:"
// opens a private in-memory database.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		// WAL mode for concurrent readers alongside the offer writer.
		dsn = dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS preferences (
		user_id TEXT PRIMARY KEY,
		assistance_delay_seconds INTEGER NOT NULL,
		auto_assist_enabled INTEGER NOT NULL,
		auto_activate INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS offers (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		trigger_name TEXT NOT NULL,
		source TEXT,
		url TEXT,
		auto_open INTEGER NOT NULL,
		metrics_json TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_offers_user_created ON offers(user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_offers_created ON offers(created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var lastSeen, createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // missing user is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username, user.LastSeenAt.Unix(),
		user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
		return ErrUserNotFound
	}
	return nil
}

// GetPreferences retrieves a user's stored preferences.
func (s *SQLiteStore) GetPreferences(ctx context.Context, userID string) (*domain.Preferences, error) {
	query := `
		SELECT user_id, assistance_delay_seconds, auto_assist_enabled, auto_activate, updated_at
		FROM preferences WHERE user_id = ?`

	var p domain.Preferences
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&p.UserID, &p.AssistanceDelaySeconds, &p.AutoAssistEnabled, &p.AutoActivate, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // never saved is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("scan preferences row: %w", err)
	}
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return &p, nil
}

// UpsertPreferences creates or replaces a user's preferences.
func (s *SQLiteStore) UpsertPreferences(ctx context.Context, p *domain.Preferences) error {
	query := `
	INSERT INTO preferences (user_id, assistance_delay_seconds, auto_assist_enabled, auto_activate, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		assistance_delay_seconds = excluded.assistance_delay_seconds,
		auto_assist_enabled = excluded.auto_assist_enabled,
		auto_activate = excluded.auto_activate,
		updated_at = excluded.updated_at`

	return withRetry(ctx, "upsert preferences", func() error {
		_, err := s.db.ExecContext(ctx, query,
			p.UserID, p.AssistanceDelaySeconds, p.AutoAssistEnabled, p.AutoActivate, p.UpdatedAt.Unix(),
		)
		return err
	})
}

// InsertOffer appends an entry to the offer history. Re-inserting the same
// event ID is a no-op.
func (s *SQLiteStore) InsertOffer(ctx context.Context, o *domain.OfferRecord) error {
	var metrics any
	if len(o.Metrics) > 0 {
		raw, err := json.Marshal(o.Metrics)
		if err != nil {
			return fmt.Errorf("encode offer metrics: %w", err)
		}
		metrics = string(raw)
	}

	query := `
	INSERT INTO offers (id, user_id, session_id, kind, trigger_name, source, url, auto_open, metrics_json, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`

	return withRetry(ctx, "insert offer", func() error {
		_, err := s.db.ExecContext(ctx, query,
			o.ID, o.UserID, o.SessionID, o.Kind, o.Trigger, o.Source, o.URL,
			o.AutoOpen, metrics, o.CreatedAt.UnixMilli(),
		)
		return err
	})
}

// ListOffers returns a user's most recent offers, newest first. A
// non-positive or oversized limit means MaxListLimit.
func (s *SQLiteStore) ListOffers(ctx context.Context, userID string, limit int) ([]*domain.OfferRecord, error) {
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}

	query := `
		SELECT id, user_id, session_id, kind, trigger_name, source, url, auto_open, metrics_json, created_at
		FROM offers WHERE user_id = ?
		ORDER BY created_at DESC, id
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query offers: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close offer rows", "error", closeErr)
		}
	}()

	offers := make([]*domain.OfferRecord, 0, limit)
	for rows.Next() {
		var o domain.OfferRecord
		var source, url, metrics sql.NullString
		var createdAt int64

		if err := rows.Scan(
			&o.ID, &o.UserID, &o.SessionID, &o.Kind, &o.Trigger,
			&source, &url, &o.AutoOpen, &metrics, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan offer row: %w", err)
		}

		o.Source = source.String
		o.URL = url.String
		o.CreatedAt = time.UnixMilli(createdAt)
		if metrics.Valid && metrics.String != "" {
			if err := json.Unmarshal([]byte(metrics.String), &o.Metrics); err != nil {
				return nil, fmt.Errorf("decode offer metrics: %w", err)
			}
		}
		offers = append(offers, &o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate offers: %w", err)
	}
	return offers, nil
}

// DeleteOffersBefore prunes history older than cutoff.
func (s *SQLiteStore) DeleteOffersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := withRetry(ctx, "prune offers", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM offers WHERE created_at < ?`, cutoff.UnixMilli())
		if err != nil {
			return err
		}
		n, err = result.RowsAffected()
		return err
	})
	return n, err
}
