package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresBackend is the shared durable store for multi-node
// deployments. Routing order places it between redis and sqlite.
type PostgresBackend struct {
	db *sql.DB
}

const postgresMemorySchema = `
CREATE TABLE IF NOT EXISTS memory_items (
	key             TEXT NOT NULL,
	domain          TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	content         BYTEA NOT NULL,
	metadata        JSONB,
	signature       TEXT,
	logic_update_id TEXT,
	stored_at       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (domain, key)
);
CREATE INDEX IF NOT EXISTS idx_memory_items_domain ON memory_items(domain, user_id);
`

// OpenPostgresBackend connects and migrates the memory table.
func OpenPostgresBackend(databaseURL string) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres memory store: %w", err)
	}
	b := NewPostgresBackend(db)
	if _, err := db.Exec(postgresMemorySchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate postgres memory store: %w", err)
	}
	return b, nil
}

// NewPostgresBackend wraps an existing connection without migrating.
func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

// Close releases the database handle.
func (b *PostgresBackend) Close() error { return b.db.Close() }

func (b *PostgresBackend) Name() string { return "postgres" }

func (b *PostgresBackend) Store(ctx context.Context, item Item) error {
	md, err := json.Marshal(item.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO memory_items (key, domain, user_id, content, metadata, signature, logic_update_id, stored_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (domain, key) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			signature = EXCLUDED.signature,
			logic_update_id = EXCLUDED.logic_update_id,
			stored_at = EXCLUDED.stored_at`,
		item.Key, item.Domain, item.UserID, []byte(item.Content), md,
		item.Signature, item.LogicUpdateID, item.StoredAt.UTC())
	if err != nil {
		return fmt.Errorf("%w: postgres: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (b *PostgresBackend) Fetch(ctx context.Context, q Query) (*Result, error) {
	query := `SELECT key, domain, user_id, content, metadata, signature, logic_update_id, stored_at
		FROM memory_items WHERE TRUE`
	args := make([]any, 0, 5)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.Key != "" {
		query += " AND key = " + arg(q.Key)
	}
	if q.Domain != "" {
		query += " AND domain = " + arg(q.Domain)
	}
	if q.UserID != "" {
		query += " AND user_id = " + arg(q.UserID)
	}
	if q.Text != "" {
		query += " AND convert_from(content, 'UTF8') LIKE " + arg("%"+q.Text+"%")
	}
	query += " ORDER BY stored_at DESC"
	if q.Limit > 0 {
		query += " LIMIT " + arg(q.Limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: postgres: %v", ErrBackendUnavailable, err)
	}
	defer rows.Close()

	res := &Result{}
	for rows.Next() {
		var item Item
		var content, md []byte
		if err := rows.Scan(&item.Key, &item.Domain, &item.UserID, &content, &md,
			&item.Signature, &item.LogicUpdateID, &item.StoredAt); err != nil {
			return nil, fmt.Errorf("scan memory item: %w", err)
		}
		item.Content = content
		if len(md) > 0 && string(md) != "null" {
			if err := json.Unmarshal(md, &item.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		res.Items = append(res.Items, item)
	}
	return res, rows.Err()
}
