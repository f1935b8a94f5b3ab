package hub

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteRegistry is the durable single-node Registry. The full update
// document is stored as JSON; status and creation time are lifted into
// columns for querying.
type SQLiteRegistry struct {
	db *sql.DB
}

const registrySchema = `
CREATE TABLE IF NOT EXISTS logic_updates (
	update_id  TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	created_at TEXT NOT NULL,
	doc        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_logic_updates_created ON logic_updates(created_at);
`

// OpenSQLiteRegistry opens (creating if needed) the registry at path.
func OpenSQLiteRegistry(path string) (*SQLiteRegistry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open update registry: %w", err)
	}
	if _, err := db.Exec(registrySchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate update registry: %w", err)
	}
	return &SQLiteRegistry{db: db}, nil
}

// Close releases the database handle.
func (r *SQLiteRegistry) Close() error { return r.db.Close() }

func (r *SQLiteRegistry) Save(ctx context.Context, u *LogicUpdate) error {
	doc, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO logic_updates (update_id, status, created_at, doc)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (update_id) DO UPDATE SET
			status = excluded.status,
			doc = excluded.doc`,
		u.UpdateID, string(u.Status), u.CreatedAt.UTC().Format(time.RFC3339Nano), string(doc))
	if err != nil {
		return fmt.Errorf("save update %s: %w", u.UpdateID, err)
	}
	return nil
}

func (r *SQLiteRegistry) Get(ctx context.Context, id string) (*LogicUpdate, error) {
	var doc string
	err := r.db.QueryRowContext(ctx,
		`SELECT doc FROM logic_updates WHERE update_id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUpdateNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load update %s: %w", id, err)
	}
	return decodeUpdate(doc)
}

func (r *SQLiteRegistry) List(ctx context.Context, limit int) ([]*LogicUpdate, error) {
	query := `SELECT doc FROM logic_updates ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list updates: %w", err)
	}
	defer rows.Close()

	var out []*LogicUpdate
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		u, err := decodeUpdate(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func decodeUpdate(doc string) (*LogicUpdate, error) {
	var u LogicUpdate
	if err := json.Unmarshal([]byte(doc), &u); err != nil {
		return nil, fmt.Errorf("decode update: %w", err)
	}
	return &u, nil
}
