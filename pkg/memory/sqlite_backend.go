package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend is the durable store, last in the default routing order.
type SQLiteBackend struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS memory_items (
	key             TEXT NOT NULL,
	domain          TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	content         BLOB NOT NULL,
	metadata        TEXT,
	signature       TEXT,
	logic_update_id TEXT,
	stored_at       TEXT NOT NULL,
	PRIMARY KEY (domain, key)
);
CREATE INDEX IF NOT EXISTS idx_memory_items_domain ON memory_items(domain, user_id);
`

// OpenSQLiteBackend opens (creating if needed) the durable store at path.
func OpenSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate memory store: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

// Close releases the database handle.
func (b *SQLiteBackend) Close() error { return b.db.Close() }

func (b *SQLiteBackend) Name() string { return "sqlite" }

func (b *SQLiteBackend) Store(ctx context.Context, item Item) error {
	md, err := json.Marshal(item.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO memory_items (key, domain, user_id, content, metadata, signature, logic_update_id, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (domain, key) DO UPDATE SET
			user_id = excluded.user_id,
			content = excluded.content,
			metadata = excluded.metadata,
			signature = excluded.signature,
			logic_update_id = excluded.logic_update_id,
			stored_at = excluded.stored_at`,
		item.Key, item.Domain, item.UserID, []byte(item.Content), string(md),
		item.Signature, item.LogicUpdateID, item.StoredAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: sqlite: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (b *SQLiteBackend) Fetch(ctx context.Context, q Query) (*Result, error) {
	query := `SELECT key, domain, user_id, content, metadata, signature, logic_update_id, stored_at
		FROM memory_items WHERE 1=1`
	args := make([]any, 0, 5)
	if q.Key != "" {
		query += " AND key = ?"
		args = append(args, q.Key)
	}
	if q.Domain != "" {
		query += " AND domain = ?"
		args = append(args, q.Domain)
	}
	if q.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, q.UserID)
	}
	if q.Text != "" {
		query += " AND content LIKE ?"
		args = append(args, "%"+q.Text+"%")
	}
	query += " ORDER BY stored_at DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: sqlite: %v", ErrBackendUnavailable, err)
	}
	defer rows.Close()

	res := &Result{}
	for rows.Next() {
		var item Item
		var content []byte
		var md, storedAt string
		if err := rows.Scan(&item.Key, &item.Domain, &item.UserID, &content, &md,
			&item.Signature, &item.LogicUpdateID, &storedAt); err != nil {
			return nil, fmt.Errorf("scan memory item: %w", err)
		}
		item.Content = content
		if md != "" && md != "null" {
			if err := json.Unmarshal([]byte(md), &item.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		if t, err := time.Parse(time.RFC3339Nano, storedAt); err == nil {
			item.StoredAt = t
		}
		res.Items = append(res.Items, item)
	}
	return res, rows.Err()
}
