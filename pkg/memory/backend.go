// Package memory is the fusion gateway: the single gated path for all
// memory reads and writes across pluggable backends. Every store and
// fetch passes governance, carries a crypto identity, and lands in the
// audit log. The gateway is never a backend itself and never re-ranks.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrBackendUnavailable marks a backend as unreachable. Fetch falls
// through to the next backend; when all fail the gateway returns an
// UnavailableError wrapping this sentinel.
var ErrBackendUnavailable = errors.New("memory backend unavailable")

// ErrNotFound is returned by backends for absent keys.
var ErrNotFound = errors.New("memory item not found")

// Item is one stored memory unit.
type Item struct {
	Key           string            `json:"key"`
	Domain        string            `json:"domain"`
	UserID        string            `json:"user_id"`
	Content       json.RawMessage   `json:"content"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Signature     string            `json:"signature,omitempty"`
	LogicUpdateID string            `json:"logic_update_id,omitempty"`
	StoredAt      time.Time         `json:"stored_at"`
}

// Query selects items from a backend. Ranking and relevance scoring are
// the backend's concern.
type Query struct {
	Domain string `json:"domain"`
	UserID string `json:"user_id"`
	Text   string `json:"text,omitempty"`
	Key    string `json:"key,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// Result is a backend's answer to a query. LogicUpdateID reports which
// schema version produced the data, when the backend tracks that.
type Result struct {
	Items         []Item `json:"items"`
	LogicUpdateID string `json:"logic_update_id,omitempty"`
}

// Backend is one memory store behind the gateway.
type Backend interface {
	Name() string
	Store(ctx context.Context, item Item) error
	Fetch(ctx context.Context, q Query) (*Result, error)
}

// SemanticBackend is the in-process store with naive substring matching
// over content and metadata. It stands in for a vector index in tests
// and small deployments.
type SemanticBackend struct {
	mu    sync.RWMutex
	items map[string]Item // key -> item
	order []string
}

// NewSemanticBackend creates an empty in-memory backend.
func NewSemanticBackend() *SemanticBackend {
	return &SemanticBackend{items: make(map[string]Item)}
}

func (b *SemanticBackend) Name() string { return "semantic" }

func (b *SemanticBackend) Store(_ context.Context, item Item) error {
	if item.Key == "" {
		return fmt.Errorf("semantic store: empty key")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.items[item.Key]; !exists {
		b.order = append(b.order, item.Key)
	}
	b.items[item.Key] = item
	return nil
}

func (b *SemanticBackend) Fetch(_ context.Context, q Query) (*Result, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	res := &Result{}
	for i := len(b.order) - 1; i >= 0; i-- {
		item := b.items[b.order[i]]
		if !matches(item, q) {
			continue
		}
		res.Items = append(res.Items, item)
		if q.Limit > 0 && len(res.Items) >= q.Limit {
			break
		}
	}
	return res, nil
}

func matches(item Item, q Query) bool {
	if q.Key != "" && item.Key != q.Key {
		return false
	}
	if q.Domain != "" && item.Domain != q.Domain {
		return false
	}
	if q.UserID != "" && item.UserID != q.UserID {
		return false
	}
	if q.Text != "" {
		needle := strings.ToLower(q.Text)
		if !strings.Contains(strings.ToLower(string(item.Content)), needle) &&
			!metadataContains(item.Metadata, needle) {
			return false
		}
	}
	return true
}

func metadataContains(md map[string]string, needle string) bool {
	for _, v := range md {
		if strings.Contains(strings.ToLower(v), needle) {
			return true
		}
	}
	return false
}
