package hub

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresRegistry is the shared Registry for multi-node deployments,
// selected when DATABASE_URL is set.
type PostgresRegistry struct {
	db *sql.DB
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS logic_updates (
	update_id  TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	doc        JSONB NOT NULL
)`

// OpenPostgresRegistry connects and migrates.
func OpenPostgresRegistry(databaseURL string) (*PostgresRegistry, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open update registry: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate update registry: %w", err)
	}
	return &PostgresRegistry{db: db}, nil
}

// NewPostgresRegistry wraps an existing connection without migrating.
func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

// Close releases the database handle.
func (r *PostgresRegistry) Close() error { return r.db.Close() }

func (r *PostgresRegistry) Save(ctx context.Context, u *LogicUpdate) error {
	doc, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO logic_updates (update_id, status, created_at, doc)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (update_id) DO UPDATE SET
			status = EXCLUDED.status,
			doc = EXCLUDED.doc`,
		u.UpdateID, string(u.Status), u.CreatedAt.UTC(), doc)
	if err != nil {
		return fmt.Errorf("save update %s: %w", u.UpdateID, err)
	}
	return nil
}

func (r *PostgresRegistry) Get(ctx context.Context, id string) (*LogicUpdate, error) {
	var doc []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT doc FROM logic_updates WHERE update_id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUpdateNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load update %s: %w", id, err)
	}
	return decodeUpdate(string(doc))
}

func (r *PostgresRegistry) List(ctx context.Context, limit int) ([]*LogicUpdate, error) {
	query := `SELECT doc FROM logic_updates ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list updates: %w", err)
	}
	defer rows.Close()

	var out []*LogicUpdate
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		u, err := decodeUpdate(string(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
