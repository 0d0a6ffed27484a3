package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"wx-dispatch/internal/domain"
)

// SQLiteStore is the conversation store for single-process deployments.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("repository: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("repository: open database: %w", err)
	}
	// A single writer keeps transactions from tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, logger: logger, now: time.Now}
	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: create schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			chat_id        INTEGER PRIMARY KEY,
			echo_enabled   INTEGER NOT NULL DEFAULT 0,
			pending_intent TEXT NOT NULL DEFAULT '',
			username       TEXT NOT NULL DEFAULT '',
			first_name     TEXT NOT NULL DEFAULT '',
			last_name      TEXT NOT NULL DEFAULT '',
			language_code  TEXT NOT NULL DEFAULT '',
			chat_type      TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL,
			last_activity  TEXT NOT NULL,
			version        INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS locations (
			chat_id    INTEGER PRIMARY KEY,
			latitude   REAL NOT NULL,
			longitude  REAL NOT NULL,
			place_name TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL,
			FOREIGN KEY (chat_id) REFERENCES conversations(chat_id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS events (
			chat_id     INTEGER NOT NULL,
			event_id    INTEGER NOT NULL,
			kind        TEXT NOT NULL,
			text        TEXT NOT NULL DEFAULT '',
			received_at TEXT NOT NULL,
			recorded_at INTEGER NOT NULL DEFAULT 0,
			expires_at  INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (chat_id, event_id)
		);

		CREATE INDEX IF NOT EXISTS idx_events_expires ON events(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetConversation(ctx context.Context, chatID int64) (*domain.Conversation, error) {
	var (
		conv                    = domain.Conversation{ChatID: chatID}
		echo                    int
		pending                 string
		createdAt, lastActivity string
		lat, lon                sql.NullFloat64
		placeName, updatedAt    sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT c.echo_enabled, c.pending_intent, c.username, c.first_name, c.last_name,
		       c.language_code, c.chat_type, c.created_at, c.last_activity, c.version,
		       l.latitude, l.longitude, l.place_name, l.updated_at
		FROM conversations c
		LEFT JOIN locations l ON l.chat_id = c.chat_id
		WHERE c.chat_id = ?`, chatID,
	).Scan(&echo, &pending, &conv.Status.Profile.Username, &conv.Status.Profile.FirstName,
		&conv.Status.Profile.LastName, &conv.Status.Profile.LanguageCode, &conv.Status.Profile.ChatType,
		&createdAt, &lastActivity, &conv.Status.Version, &lat, &lon, &placeName, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: GetConversation: %w", err)
	}

	conv.Status.EchoEnabled = echo != 0
	conv.Status.PendingIntent = domain.PendingIntent(pending)
	if conv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("repository: GetConversation created_at: %w", err)
	}
	if conv.Status.LastActivityAt, err = parseTime(lastActivity); err != nil {
		return nil, fmt.Errorf("repository: GetConversation last_activity: %w", err)
	}
	if lat.Valid && lon.Valid {
		loc := domain.Location{Latitude: lat.Float64, Longitude: lon.Float64, PlaceName: placeName.String}
		if updatedAt.Valid {
			loc.UpdatedAt, _ = parseTime(updatedAt.String)
		}
		conv.LastLocation = &loc
	}
	return &conv, nil
}

// UpsertStatus creates the conversation when status.Version is zero and
// otherwise updates it only if the stored version still matches. Either way
// the stored version advances by one; a mismatch returns
// domain.ErrStaleConversation.
func (s *SQLiteStore) UpsertStatus(ctx context.Context, chatID int64, status domain.Status) error {
	p := status.Profile
	activity := formatTime(status.LastActivityAt)

	var (
		res sql.Result
		err error
	)
	if status.Version == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO conversations (chat_id, echo_enabled, pending_intent, username, first_name, last_name,
				language_code, chat_type, created_at, last_activity, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
			ON CONFLICT(chat_id) DO NOTHING`,
			chatID, boolToInt(status.EchoEnabled), string(status.PendingIntent), p.Username, p.FirstName,
			p.LastName, p.LanguageCode, p.ChatType, activity, activity)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE conversations SET
				echo_enabled = ?,
				pending_intent = ?,
				username = ?,
				first_name = ?,
				last_name = ?,
				language_code = ?,
				chat_type = ?,
				last_activity = ?,
				version = version + 1
			WHERE chat_id = ? AND version = ?`,
			boolToInt(status.EchoEnabled), string(status.PendingIntent), p.Username, p.FirstName,
			p.LastName, p.LanguageCode, p.ChatType, activity, chatID, status.Version)
	}
	if err != nil {
		return fmt.Errorf("repository: UpsertStatus: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("repository: UpsertStatus rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("repository: UpsertStatus chat %d version %d: %w", chatID, status.Version, domain.ErrStaleConversation)
	}
	return nil
}

func (s *SQLiteStore) UpsertLocation(ctx context.Context, chatID int64, loc domain.Location) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: UpsertLocation begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE chat_id = ?`, chatID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("repository: UpsertLocation chat %d: %w", chatID, domain.ErrConversationNotFound)
	}
	if err != nil {
		return fmt.Errorf("repository: UpsertLocation lookup: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO locations (chat_id, latitude, longitude, place_name, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			place_name = excluded.place_name,
			updated_at = excluded.updated_at`,
		chatID, loc.Latitude, loc.Longitude, loc.PlaceName, formatTime(loc.UpdatedAt))
	if err != nil {
		return fmt.Errorf("repository: UpsertLocation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("repository: UpsertLocation commit: %w", err)
	}
	return nil
}

// DeleteConversation removes the status and location. Audit rows stay until
// they expire.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, chatID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: DeleteConversation begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM locations WHERE chat_id = ?`,
		`DELETE FROM conversations WHERE chat_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, chatID); err != nil {
			return fmt.Errorf("repository: DeleteConversation: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("repository: DeleteConversation commit: %w", err)
	}
	return nil
}

// RecordEvent inserts an audit row, reporting false if the event id is
// already present. Expired rows for the chat are dropped first so they behave
// like items removed by a TTL.
func (s *SQLiteStore) RecordEvent(ctx context.Context, rec domain.AuditRecord) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("repository: RecordEvent begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM events WHERE chat_id = ? AND expires_at > 0 AND expires_at <= ?`,
		rec.ChatID, s.now().Unix()); err != nil {
		return false, fmt.Errorf("repository: RecordEvent expire: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (chat_id, event_id, kind, text, received_at, recorded_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, event_id) DO NOTHING`,
		rec.ChatID, rec.EventID, rec.Kind, rec.Text, formatTime(rec.ReceivedAt), rec.RecordedAt.UnixNano(), rec.TTL)
	if err != nil {
		return false, fmt.Errorf("repository: RecordEvent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("repository: RecordEvent rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("repository: RecordEvent commit: %w", err)
	}
	return n > 0, nil
}

// CountEvents counts unexpired audit rows recorded at or after since.
func (s *SQLiteStore) CountEvents(ctx context.Context, chatID int64, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE chat_id = ? AND recorded_at >= ? AND (expires_at = 0 OR expires_at > ?)`,
		chatID, since.UnixNano(), s.now().Unix()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("repository: CountEvents: %w", err)
	}
	return n, nil
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
