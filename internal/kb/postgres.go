package kb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the relational Store backing production deployments,
// grounded on the persisted layout in spec.md §6: kb_items with a unique
// (key, version) constraint doing the concurrency-control work.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// PostgresConfig configures pool construction.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	ConnectTimeout time.Duration
}

// NewPostgresStore connects to Postgres and ensures the kb_items schema
// exists.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("kb: parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	connectCtx := ctx
	var cancel context.CancelFunc
	if cfg.ConnectTimeout > 0 {
		connectCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("kb: connect postgres: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		return nil, fmt.Errorf("kb: ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kb_items (
			id           BIGSERIAL PRIMARY KEY,
			key          TEXT NOT NULL,
			version      INT NOT NULL,
			etag         TEXT NOT NULL,
			content_type TEXT NOT NULL,
			value        JSONB NOT NULL,
			tags         TEXT[] NOT NULL DEFAULT '{}',
			session_id   TEXT,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			created_by   TEXT NOT NULL,
			deleted      BOOLEAN NOT NULL DEFAULT false,
			UNIQUE(key, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_kb_items_key_version ON kb_items(key, version DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_kb_items_session ON kb_items(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_kb_items_tags ON kb_items USING GIN(tags)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("kb: migrate: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Store implements Store. The version/etag race is resolved by the
// database: two concurrent writers both compute max(version)+1 from a
// stale read, but only one INSERT can satisfy UNIQUE(key, version) — the
// loser's unique-violation is surfaced as ErrConflict.
func (s *PostgresStore) Store(ctx context.Context, p StoreParams) (StoreResult, error) {
	if err := ValidateKey(p.Key); err != nil {
		return StoreResult{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return StoreResult{}, fmt.Errorf("kb: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var currentMax int
	var currentETag string
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM kb_items WHERE key = $1`, p.Key,
	).Scan(&currentMax)
	if err != nil {
		return StoreResult{}, fmt.Errorf("kb: read current version: %w", err)
	}
	if currentMax > 0 {
		err = tx.QueryRow(ctx,
			`SELECT etag FROM kb_items WHERE key = $1 AND version = $2`, p.Key, currentMax,
		).Scan(&currentETag)
		if err != nil {
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
	sessionID := SessionID(p.Key)
	var storedAt time.Time

	err = tx.QueryRow(ctx,
		`INSERT INTO kb_items (key, version, etag, content_type, value, tags, session_id, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING created_at`,
		p.Key, newVersion, etag, p.ContentType, valueJSON, p.Tags, nullableString(sessionID), p.CreatedBy,
	).Scan(&storedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return StoreResult{}, &ErrConflict{Key: p.Key, ExpectedLatest: currentMax}
		}
		return StoreResult{}, fmt.Errorf("kb: insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return StoreResult{}, &ErrConflict{Key: p.Key, ExpectedLatest: currentMax}
		}
		return StoreResult{}, fmt.Errorf("kb: commit: %w", err)
	}

	return StoreResult{
		Version:  newVersion,
		ETag:     etag,
		StoredAt: storedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, p GetParams) (Item, error) {
	if err := ValidateKey(p.Key); err != nil {
		return Item{}, err
	}

	var row pgx.Row
	switch {
	case p.Version > 0:
		row = s.pool.QueryRow(ctx,
			`SELECT key, version, etag, content_type, value, tags, session_id, created_at, created_by, deleted
			 FROM kb_items WHERE key = $1 AND version = $2`, p.Key, p.Version)
	case p.AsOf != "":
		asOf, err := time.Parse(time.RFC3339Nano, p.AsOf)
		if err != nil {
			if asOf, err = time.Parse(time.RFC3339, p.AsOf); err != nil {
				return Item{}, &ErrNotFound{Key: p.Key}
			}
		}
		row = s.pool.QueryRow(ctx,
			`SELECT key, version, etag, content_type, value, tags, session_id, created_at, created_by, deleted
			 FROM kb_items WHERE key = $1 AND created_at <= $2
			 ORDER BY version DESC LIMIT 1`, p.Key, asOf)
	default:
		row = s.pool.QueryRow(ctx,
			`SELECT key, version, etag, content_type, value, tags, session_id, created_at, created_by, deleted
			 FROM kb_items WHERE key = $1
			 ORDER BY version DESC LIMIT 1`, p.Key)
	}

	var item Item
	var valueJSON []byte
	var sessionID *string
	if err := row.Scan(&item.Key, &item.Version, &item.ETag, &item.ContentType, &valueJSON,
		&item.Tags, &sessionID, &item.CreatedAt, &item.CreatedBy, &item.Deleted); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, &ErrNotFound{Key: p.Key}
		}
		return Item{}, fmt.Errorf("kb: get: %w", err)
	}
	if item.Deleted {
		return Item{}, &ErrNotFound{Key: p.Key}
	}
	if sessionID != nil {
		item.SessionID = *sessionID
	}
	if err := json.Unmarshal(valueJSON, &item.Value); err != nil {
		return Item{}, fmt.Errorf("kb: unmarshal value: %w", err)
	}
	return item, nil
}

// DumpSession returns every item (including every version) whose
// session_id matches sessionID, sorted by key then version.
func (s *PostgresStore) DumpSession(ctx context.Context, sessionID string) ([]Item, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, version, etag, content_type, value, tags, session_id, created_at, created_by, deleted
		 FROM kb_items WHERE session_id = $1
		 ORDER BY key, version`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("kb: dump session: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var item Item
		var valueJSON []byte
		var sid *string
		if err := rows.Scan(&item.Key, &item.Version, &item.ETag, &item.ContentType, &valueJSON,
			&item.Tags, &sid, &item.CreatedAt, &item.CreatedBy, &item.Deleted); err != nil {
			return nil, fmt.Errorf("kb: dump session scan: %w", err)
		}
		if sid != nil {
			item.SessionID = *sid
		}
		if err := json.Unmarshal(valueJSON, &item.Value); err != nil {
			return nil, fmt.Errorf("kb: unmarshal value: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
