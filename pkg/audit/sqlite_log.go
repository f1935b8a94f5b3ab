package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/grace-platform/grace/pkg/crypto"

	_ "modernc.org/sqlite"
)

// schemaVersion is written to the metadata table so on-disk layouts can
// evolve without silent corruption.
const schemaVersion = 1

// SQLiteLog persists the chain to disk. The in-memory tail (sequence and
// head hash) is authoritative between appends; rows are written inside the
// writer lock so the on-disk order matches the chain order.
type SQLiteLog struct {
	mu       sync.Mutex
	db       *sql.DB
	head     string
	sequence uint64
	hasher   crypto.Hasher
	signer   crypto.Signer
}

// OpenSQLiteLog opens (or creates) the audit database at path and
// reconciles the chain head from the last persisted row.
func OpenSQLiteLog(path string, signer crypto.Signer) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	l := &SQLiteLog{
		db:     db,
		head:   GenesisHash,
		hasher: crypto.NewCanonicalHasher(),
		signer: signer,
	}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := l.reconcile(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLog) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS audit_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audit_entries (
			sequence INTEGER PRIMARY KEY,
			entry_id TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			subsystem TEXT NOT NULL,
			resource TEXT NOT NULL,
			payload BLOB,
			result TEXT NOT NULL,
			prev_hash TEXT NOT NULL,
			hash TEXT NOT NULL,
			signature TEXT
		);`,
		fmt.Sprintf(`INSERT OR IGNORE INTO audit_meta (key, value) VALUES ('schema_version', '%d');`, schemaVersion),
	}
	for _, q := range queries {
		if _, err := l.db.ExecContext(context.Background(), q); err != nil {
			return fmt.Errorf("migrate audit db: %w", err)
		}
	}
	return nil
}

func (l *SQLiteLog) reconcile() error {
	row := l.db.QueryRowContext(context.Background(),
		`SELECT sequence, hash FROM audit_entries ORDER BY sequence DESC LIMIT 1`)
	var seq uint64
	var hash string
	switch err := row.Scan(&seq, &hash); err {
	case nil:
		l.sequence = seq
		l.head = hash
	case sql.ErrNoRows:
		// empty log
	default:
		return fmt.Errorf("reconcile audit head: %w", err)
	}
	return nil
}

func (l *SQLiteLog) Append(ctx context.Context, rec Record) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, err := composeEntry(rec, l.sequence+1, l.head, l.hasher, l.signer)
	if err != nil {
		return nil, err
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO audit_entries
		 (sequence, entry_id, timestamp, actor, action, subsystem, resource, payload, result, prev_hash, hash, signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Sequence, entry.EntryID, entry.Timestamp, entry.Actor, entry.Action,
		entry.Subsystem, entry.Resource, []byte(entry.Payload), entry.Result,
		entry.PrevHash, entry.Hash, entry.Signature)
	if err != nil {
		return nil, &WriteError{Err: err}
	}

	l.sequence = entry.Sequence
	l.head = entry.Hash
	return entry, nil
}

func (l *SQLiteLog) Get(ctx context.Context, startSeq, endSeq uint64) ([]*Entry, error) {
	return l.Query(ctx, Filter{StartSeq: startSeq, EndSeq: endSeq})
}

func (l *SQLiteLog) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	query := `SELECT sequence, entry_id, timestamp, actor, action, subsystem, resource, payload, result, prev_hash, hash, signature
		 FROM audit_entries WHERE 1=1`
	args := make([]any, 0, 6)
	if f.Action != "" {
		query += " AND action = ?"
		args = append(args, f.Action)
	}
	if f.Subsystem != "" {
		query += " AND subsystem = ?"
		args = append(args, f.Subsystem)
	}
	if f.Resource != "" {
		query += " AND resource = ?"
		args = append(args, f.Resource)
	}
	if f.Result != "" {
		query += " AND result = ?"
		args = append(args, f.Result)
	}
	if f.StartSeq > 0 {
		query += " AND sequence >= ?"
		args = append(args, f.StartSeq)
	}
	if f.EndSeq > 0 {
		query += " AND sequence <= ?"
		args = append(args, f.EndSeq)
	}
	query += " ORDER BY sequence ASC"
	if f.MaxResults > 0 {
		query += " LIMIT ?"
		args = append(args, f.MaxResults)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]*Entry, 0)
	for rows.Next() {
		e := &Entry{}
		var payload []byte
		var signature sql.NullString
		if err := rows.Scan(&e.Sequence, &e.EntryID, &e.Timestamp, &e.Actor, &e.Action,
			&e.Subsystem, &e.Resource, &payload, &e.Result, &e.PrevHash, &e.Hash, &signature); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if len(payload) > 0 {
			e.Payload = payload
		}
		e.Signature = signature.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

func (l *SQLiteLog) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

func (l *SQLiteLog) Sequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sequence
}

func (l *SQLiteLog) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	entries, err := l.Query(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	return verifyChain(entries, l.hasher)
}

// Close releases the underlying database handle.
func (l *SQLiteLog) Close() error {
	return l.db.Close()
}
