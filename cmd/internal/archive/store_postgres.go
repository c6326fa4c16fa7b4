package archive

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "coedit").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("archive: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("archive: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "coedit",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("archive: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the schema and changes table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("archive: nil store")
	}

	changes := pgIdent(s.schema, "changes")

	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{s.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + changes + ` (
		     session_id     text        NOT NULL,
		     change_id      text        NOT NULL,
		     version        bigint      NOT NULL CHECK (version > 0),
		     participant_id text        NOT NULL,
		     kind           text        NOT NULL CHECK (kind IN ('insert', 'delete')),
		     position       integer     NOT NULL CHECK (position >= 0),
		     content        text        NOT NULL,
		     hash           text        NOT NULL,
		     applied_at     timestamptz NOT NULL,
		     PRIMARY KEY (session_id, change_id),
		     UNIQUE (session_id, version)
		 )`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("archive: ensure schema: %w", err)
		}
	}
	return nil
}

// AppendChange archives a change with idempotency on (session_id, change_id).
func (s *PostgresStore) AppendChange(ctx context.Context, in StoredChange) (AppendResult, error) {
	if s == nil || s.pool == nil {
		return AppendResult{}, errors.New("archive: nil store")
	}
	if in.SessionID == "" || in.ChangeID == "" || in.Version <= 0 {
		return AppendResult{}, errors.New("archive: invalid input")
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	changes := pgIdent(s.schema, "changes")

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+changes+` (
		     session_id, change_id, version, participant_id, kind, position, content, hash, applied_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (session_id, change_id) DO NOTHING`,
		in.SessionID, in.ChangeID, in.Version, in.ParticipantID, in.Kind, in.Position, in.Content, in.Hash, in.AppliedAt,
	)
	if err != nil {
		return AppendResult{}, fmt.Errorf("insert change: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return AppendResult{Stored: in}, nil
	}

	existing, err := s.readChange(ctx, changes, in.SessionID, in.ChangeID)
	if err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Stored: existing, Duplicated: true}, nil
}

// FetchChanges returns changes ordered by version ASC, with optional paging by AfterVersion.
func (s *PostgresStore) FetchChanges(ctx context.Context, in FetchInput) (FetchResult, error) {
	if s == nil || s.pool == nil {
		return FetchResult{}, errors.New("archive: nil store")
	}
	if in.SessionID == "" {
		return FetchResult{}, errors.New("archive: missing session_id")
	}
	if err := ctx.Err(); err != nil {
		return FetchResult{}, err
	}

	limit := clampLimit(in.Limit)
	fetch := limit + 1

	after := int64(0)
	if in.AfterVersion != nil {
		after = *in.AfterVersion
	}

	changes := pgIdent(s.schema, "changes")

	rows, err := s.pool.Query(ctx,
		`SELECT session_id, change_id, version, participant_id, kind, position, content, hash, applied_at
		   FROM `+changes+`
		  WHERE session_id = $1 AND version > $2
		  ORDER BY version ASC
		  LIMIT $3`,
		in.SessionID, after, fetch,
	)
	if err != nil {
		return FetchResult{}, err
	}
	defer rows.Close()

	out := make([]StoredChange, 0, fetch)
	for rows.Next() {
		var c StoredChange
		if err := rows.Scan(
			&c.SessionID,
			&c.ChangeID,
			&c.Version,
			&c.ParticipantID,
			&c.Kind,
			&c.Position,
			&c.Content,
			&c.Hash,
			&c.AppliedAt,
		); err != nil {
			return FetchResult{}, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return FetchResult{}, err
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return FetchResult{Changes: out, HasMore: hasMore}, nil
}

func (s *PostgresStore) readChange(ctx context.Context, table, sessionID, changeID string) (StoredChange, error) {
	var c StoredChange
	err := s.pool.QueryRow(ctx,
		`SELECT session_id, change_id, version, participant_id, kind, position, content, hash, applied_at
		   FROM `+table+`
		  WHERE session_id = $1 AND change_id = $2`,
		sessionID, changeID,
	).Scan(&c.SessionID, &c.ChangeID, &c.Version, &c.ParticipantID, &c.Kind, &c.Position, &c.Content, &c.Hash, &c.AppliedAt)
	return c, err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
