// Package audit implements the immutable audit log: an append-only,
// hash-chained record of every decision the control plane makes.
// Entries are identified by a strictly increasing sequence; each entry's
// hash covers the previous entry's hash plus its own serialized content.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grace-platform/grace/pkg/crypto"
)

var (
	ErrEntryNotFound = errors.New("audit entry not found")
	ErrChainBroken   = errors.New("audit chain integrity broken")
)

// WriteError wraps a persistence failure during Append. Callers must treat
// it as fatal for the originating operation; no silent drops.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string { return fmt.Sprintf("audit write failed: %v", e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }

// GenesisHash anchors the chain before the first entry.
const GenesisHash = "genesis"

// Entry is a single immutable record in the audit log.
type Entry struct {
	EntryID   string          `json:"entry_id"`
	Sequence  uint64          `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Subsystem string          `json:"subsystem"`
	Resource  string          `json:"resource"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Result    string          `json:"result"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
	Signature string          `json:"signature,omitempty"`
}

// Record is the caller-supplied portion of an entry.
type Record struct {
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	Subsystem string `json:"subsystem"`
	Resource  string `json:"resource"`
	Payload   any    `json:"payload,omitempty"`
	Result    string `json:"result"`
}

// Filter selects entries for queries and exports.
type Filter struct {
	Action     string
	Subsystem  string
	Resource   string
	Result     string
	StartSeq   uint64
	EndSeq     uint64
	MaxResults int
}

func (f Filter) matches(e *Entry) bool {
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Subsystem != "" && e.Subsystem != f.Subsystem {
		return false
	}
	if f.Resource != "" && e.Resource != f.Resource {
		return false
	}
	if f.Result != "" && e.Result != f.Result {
		return false
	}
	if f.StartSeq > 0 && e.Sequence < f.StartSeq {
		return false
	}
	if f.EndSeq > 0 && e.Sequence > f.EndSeq {
		return false
	}
	return true
}

// IntegrityReport is the result of walking the chain.
type IntegrityReport struct {
	Valid      bool   `json:"valid"`
	Entries    int    `json:"entries"`
	BrokenAt   uint64 `json:"broken_at,omitempty"`
	Detail     string `json:"detail,omitempty"`
	ChainHead  string `json:"chain_head"`
	VerifiedAt time.Time
}

// Log is the append-only audit log contract. Append is serialized behind a
// single writer; concurrent appenders are ordered by arrival.
type Log interface {
	Append(ctx context.Context, rec Record) (*Entry, error)
	Get(ctx context.Context, startSeq, endSeq uint64) ([]*Entry, error)
	Query(ctx context.Context, f Filter) ([]*Entry, error)
	Head() string
	Sequence() uint64
	VerifyIntegrity(ctx context.Context) (*IntegrityReport, error)
}

// MemoryLog is the in-process implementation backing tests and the
// default boot profile.
type MemoryLog struct {
	mu       sync.RWMutex
	entries  []*Entry
	head     string
	sequence uint64
	hasher   crypto.Hasher
	signer   crypto.Signer
}

// NewMemoryLog creates an empty in-memory log. signer may be nil, in which
// case entries carry only the hash chain.
func NewMemoryLog(signer crypto.Signer) *MemoryLog {
	return &MemoryLog{
		head:   GenesisHash,
		hasher: crypto.NewCanonicalHasher(),
		signer: signer,
	}
}

// composeEntry builds and hashes an entry under the writer lock.
func composeEntry(rec Record, seq uint64, prevHash string, hasher crypto.Hasher, signer crypto.Signer) (*Entry, error) {
	var payload json.RawMessage
	if rec.Payload != nil {
		raw, err := json.Marshal(rec.Payload)
		if err != nil {
			return nil, &WriteError{Err: fmt.Errorf("serialize payload: %w", err)}
		}
		payload = raw
	}

	entry := &Entry{
		EntryID:   uuid.New().String(),
		Sequence:  seq,
		Timestamp: time.Now().UTC(),
		Actor:     rec.Actor,
		Action:    rec.Action,
		Subsystem: rec.Subsystem,
		Resource:  rec.Resource,
		Payload:   payload,
		Result:    rec.Result,
		PrevHash:  prevHash,
	}

	hash, err := hashEntry(entry, hasher)
	if err != nil {
		return nil, &WriteError{Err: err}
	}
	entry.Hash = hash

	if signer != nil {
		sig, err := signer.Sign([]byte(entry.Hash))
		if err != nil {
			return nil, &WriteError{Err: fmt.Errorf("sign entry: %w", err)}
		}
		entry.Signature = sig
	}
	return entry, nil
}

// hashEntry covers prev_hash plus the serialized entry content.
func hashEntry(e *Entry, hasher crypto.Hasher) (string, error) {
	hashable := struct {
		Sequence  uint64          `json:"sequence"`
		Timestamp time.Time       `json:"timestamp"`
		Actor     string          `json:"actor"`
		Action    string          `json:"action"`
		Subsystem string          `json:"subsystem"`
		Resource  string          `json:"resource"`
		Payload   json.RawMessage `json:"payload,omitempty"`
		Result    string          `json:"result"`
		PrevHash  string          `json:"prev_hash"`
	}{e.Sequence, e.Timestamp, e.Actor, e.Action, e.Subsystem, e.Resource, e.Payload, e.Result, e.PrevHash}

	h, err := hasher.Hash(hashable)
	if err != nil {
		return "", fmt.Errorf("hash entry: %w", err)
	}
	return h, nil
}

// Append adds a new entry to the log and returns it with its sequence set.
func (l *MemoryLog) Append(ctx context.Context, rec Record) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, &WriteError{Err: err}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, err := composeEntry(rec, l.sequence+1, l.head, l.hasher, l.signer)
	if err != nil {
		return nil, err
	}

	l.sequence++
	l.entries = append(l.entries, entry)
	l.head = entry.Hash
	return entry, nil
}

// Get returns entries in [startSeq, endSeq]; endSeq 0 means the tail.
func (l *MemoryLog) Get(ctx context.Context, startSeq, endSeq uint64) ([]*Entry, error) {
	return l.Query(ctx, Filter{StartSeq: startSeq, EndSeq: endSeq})
}

func (l *MemoryLog) Query(_ context.Context, f Filter) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Entry, 0)
	for _, e := range l.entries {
		if f.matches(e) {
			out = append(out, e)
			if f.MaxResults > 0 && len(out) >= f.MaxResults {
				break
			}
		}
	}
	return out, nil
}

func (l *MemoryLog) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

func (l *MemoryLog) Sequence() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sequence
}

// VerifyIntegrity walks the chain from genesis and reports the first break.
func (l *MemoryLog) VerifyIntegrity(_ context.Context) (*IntegrityReport, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return verifyChain(l.entries, l.hasher)
}

func verifyChain(entries []*Entry, hasher crypto.Hasher) (*IntegrityReport, error) {
	report := &IntegrityReport{
		Valid:      true,
		Entries:    len(entries),
		ChainHead:  GenesisHash,
		VerifiedAt: time.Now().UTC(),
	}

	prev := GenesisHash
	for _, e := range entries {
		if e.PrevHash != prev {
			report.Valid = false
			report.BrokenAt = e.Sequence
			report.Detail = fmt.Sprintf("entry %d links to %s, expected %s", e.Sequence, e.PrevHash, prev)
			return report, fmt.Errorf("%w: %s", ErrChainBroken, report.Detail)
		}
		computed, err := hashEntry(e, hasher)
		if err != nil {
			report.Valid = false
			report.BrokenAt = e.Sequence
			report.Detail = fmt.Sprintf("entry %d unhashable: %v", e.Sequence, err)
			return report, fmt.Errorf("%w: %s", ErrChainBroken, report.Detail)
		}
		if computed != e.Hash {
			report.Valid = false
			report.BrokenAt = e.Sequence
			report.Detail = fmt.Sprintf("entry %d hash mismatch", e.Sequence)
			return report, fmt.Errorf("%w: %s", ErrChainBroken, report.Detail)
		}
		prev = e.Hash
	}

	report.ChainHead = prev
	return report, nil
}
