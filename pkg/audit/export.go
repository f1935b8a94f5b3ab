package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/grace-platform/grace/pkg/crypto"
)

// ErrNoEntries is returned when an export filter matches nothing.
var ErrNoEntries = errors.New("no entries match filter")

// EvidenceBundle is an exportable, independently verifiable slice of the log.
type EvidenceBundle struct {
	BundleID   string    `json:"bundle_id"`
	Version    string    `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	StartSeq   uint64    `json:"start_sequence"`
	EndSeq     uint64    `json:"end_sequence"`
	EntryCount int       `json:"entry_count"`
	Entries    []*Entry  `json:"entries"`
	ChainHead  string    `json:"chain_head"`
	BundleHash string    `json:"bundle_hash"`
}

// ExportBundle packages the entries matching f into an evidence bundle.
func ExportBundle(ctx context.Context, log Log, f Filter) (*EvidenceBundle, error) {
	entries, err := log.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNoEntries
	}

	bundle := &EvidenceBundle{
		BundleID:   uuid.New().String(),
		Version:    "1.0.0",
		CreatedAt:  time.Now().UTC(),
		StartSeq:   entries[0].Sequence,
		EndSeq:     entries[len(entries)-1].Sequence,
		EntryCount: len(entries),
		Entries:    entries,
		ChainHead:  entries[len(entries)-1].Hash,
	}

	data, err := json.Marshal(bundle.Entries)
	if err != nil {
		return nil, fmt.Errorf("marshal bundle entries: %w", err)
	}
	bundle.BundleHash = crypto.NewCanonicalHasher().HashBytes(data)
	return bundle, nil
}

// VerifyBundle checks a bundle's hash and internal chain consistency.
func VerifyBundle(bundle *EvidenceBundle) error {
	if len(bundle.Entries) == 0 {
		return fmt.Errorf("bundle is empty")
	}

	data, err := json.Marshal(bundle.Entries)
	if err != nil {
		return fmt.Errorf("marshal bundle entries: %w", err)
	}
	if crypto.NewCanonicalHasher().HashBytes(data) != bundle.BundleHash {
		return fmt.Errorf("bundle hash mismatch")
	}

	for i := 1; i < len(bundle.Entries); i++ {
		if bundle.Entries[i].PrevHash != bundle.Entries[i-1].Hash {
			return fmt.Errorf("%w: bundle chain broken at entry %d", ErrChainBroken, i)
		}
	}
	return nil
}
