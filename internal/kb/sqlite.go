package kb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/google/uuid"
)

// SQLiteStore is the offline/dev-loop Store, same schema as Postgres
// (minus array/GIN types, which SQLite has no native equivalent for:
// tags are stored as a comma-joined string and reconstructed on read).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) a SQLite database at path and
// ensures the kb_items schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("kb: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 serializes writers anyway; avoid lock storms

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kb_items (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			key          TEXT NOT NULL,
			version      INTEGER NOT NULL,
			etag         TEXT NOT NULL,
			content_type TEXT NOT NULL,
			value        TEXT NOT NULL,
			tags         TEXT NOT NULL DEFAULT '',
			session_id   TEXT,
			created_at   TEXT NOT NULL,
			created_by   TEXT NOT NULL,
			deleted      INTEGER NOT NULL DEFAULT 0,
			UNIQUE(key, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_kb_items_key_version ON kb_items(key, version DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_kb_items_session ON kb_items(session_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("kb: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Store(ctx context.Context, p StoreParams) (StoreResult, error) {
	if err := ValidateKey(p.Key); err != nil {
		return StoreResult{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return StoreResult{}, fmt.Errorf("kb: begin tx: %w", err)
	}
	defer tx.Rollback()

	var currentMax int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM kb_items WHERE key = ?`, p.Key,
	).Scan(&currentMax); err != nil {
		return StoreResult{}, fmt.Errorf("kb: read current version: %w", err)
	}

	var currentETag string
	if currentMax > 0 {
		if err := tx.QueryRowContext(ctx,
			`SELECT etag FROM kb_items WHERE key = ? AND version = ?`, p.Key, currentMax,
		).Scan(&currentETag); err != nil {
			return StoreResult{}, fmt.Errorf("kb: read current etag: %w", err)
		}
	}

	if p.IfMatch != "" {
		if ok, conflict := checkIfMatch(p.IfMatch, currentMax, currentETag); !ok {
			return StoreResult{}, conflict
		}
	}

	valueJSON, err := json.Marshal(p.Value)
	if err != nil {
		return StoreResult{}, fmt.Errorf("kb: marshal value: %w", err)
	}

	newVersion := currentMax + 1
	etag := uuid.NewString()
	now := time.Now().UTC()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO kb_items (key, version, etag, content_type, value, tags, session_id, created_at, created_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Key, newVersion, etag, p.ContentType, string(valueJSON), strings.Join(p.Tags, ","),
		nullableString(SessionID(p.Key)), now.Format(time.RFC3339Nano), p.CreatedBy,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return StoreResult{}, &ErrConflict{Key: p.Key, ExpectedLatest: currentMax}
		}
		return StoreResult{}, fmt.Errorf("kb: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return StoreResult{}, &ErrConflict{Key: p.Key, ExpectedLatest: currentMax}
		}
		return StoreResult{}, fmt.Errorf("kb: commit: %w", err)
	}

	return StoreResult{Version: newVersion, ETag: etag, StoredAt: now.Format(time.RFC3339Nano)}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, p GetParams) (Item, error) {
	if err := ValidateKey(p.Key); err != nil {
		return Item{}, err
	}

	var row *sql.Row
	switch {
	case p.Version > 0:
		row = s.db.QueryRowContext(ctx,
			`SELECT key, version, etag, content_type, value, tags, session_id, created_at, created_by, deleted
			 FROM kb_items WHERE key = ? AND version = ?`, p.Key, p.Version)
	case p.AsOf != "":
		row = s.db.QueryRowContext(ctx,
			`SELECT key, version, etag, content_type, value, tags, session_id, created_at, created_by, deleted
			 FROM kb_items WHERE key = ? AND created_at <= ?
			 ORDER BY version DESC LIMIT 1`, p.Key, p.AsOf)
	default:
		row = s.db.QueryRowContext(ctx,
			`SELECT key, version, etag, content_type, value, tags, session_id, created_at, created_by, deleted
			 FROM kb_items WHERE key = ?
			 ORDER BY version DESC LIMIT 1`, p.Key)
	}

	var item Item
	var valueJSON, tagsJoined, createdAt string
	var sessionID sql.NullString
	var deleted int
	if err := row.Scan(&item.Key, &item.Version, &item.ETag, &item.ContentType, &valueJSON,
		&tagsJoined, &sessionID, &createdAt, &item.CreatedBy, &deleted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Item{}, &ErrNotFound{Key: p.Key}
		}
		return Item{}, fmt.Errorf("kb: get: %w", err)
	}

	item.Deleted = deleted != 0
	if item.Deleted {
		return Item{}, &ErrNotFound{Key: p.Key}
	}
	if sessionID.Valid {
		item.SessionID = sessionID.String
	}
	if tagsJoined != "" {
		item.Tags = strings.Split(tagsJoined, ",")
	}
	createdAtT, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Item{}, fmt.Errorf("kb: parse created_at: %w", err)
	}
	item.CreatedAt = createdAtT
	if err := json.Unmarshal([]byte(valueJSON), &item.Value); err != nil {
		return Item{}, fmt.Errorf("kb: unmarshal value: %w", err)
	}
	return item, nil
}

// DumpSession returns every item whose session_id matches sessionID,
// sorted by key then version.
func (s *SQLiteStore) DumpSession(ctx context.Context, sessionID string) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, version, etag, content_type, value, tags, session_id, created_at, created_by, deleted
		 FROM kb_items WHERE session_id = ?
		 ORDER BY key, version`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("kb: dump session: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var item Item
		var valueJSON, tagsJoined, createdAt string
		var sid sql.NullString
		var deleted int
		if err := rows.Scan(&item.Key, &item.Version, &item.ETag, &item.ContentType, &valueJSON,
			&tagsJoined, &sid, &createdAt, &item.CreatedBy, &deleted); err != nil {
			return nil, fmt.Errorf("kb: dump session scan: %w", err)
		}
		item.Deleted = deleted != 0
		if sid.Valid {
			item.SessionID = sid.String
		}
		if tagsJoined != "" {
			item.Tags = strings.Split(tagsJoined, ",")
		}
		if createdAtT, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			item.CreatedAt = createdAtT
		}
		if err := json.Unmarshal([]byte(valueJSON), &item.Value); err != nil {
			return nil, fmt.Errorf("kb: unmarshal value: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
