// Package ports manages the 8000-8100 service port range: allocation with
// OS-level liveness probing, disk-persisted reconciliation, and a watchdog
// that releases ports held by dead processes.
package ports

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	DefaultRangeStart = 8000
	DefaultRangeEnd   = 8100
)

// ErrNoPortAvailable is returned when the managed range is exhausted.
var ErrNoPortAvailable = errors.New("no port available in managed range")

// HealthStatus of an allocation as seen by the watchdog.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Allocation is one managed port lease.
type Allocation struct {
	Port         int          `json:"port"`
	ServiceName  string       `json:"service_name"`
	StartedBy    string       `json:"started_by"`
	Purpose      string       `json:"purpose"`
	PID          int          `json:"pid"`
	AllocatedAt  time.Time    `json:"allocated_at"`
	HealthStatus HealthStatus `json:"health_status"`
	HealthURL    string       `json:"health_url,omitempty"`
	RequestCount int64        `json:"request_count"`
	ErrorCount   int64        `json:"error_count"`
}

// Snapshot summarizes the manager state.
type Snapshot struct {
	RangeStart int `json:"range_start"`
	RangeEnd   int `json:"range_end"`
	Allocated  int `json:"allocated"`
	Free       int `json:"free"`
}

// Manager owns the port registry. Allocations persist to disk so restarts
// can reconcile.
type Manager struct {
	mu          sync.Mutex
	rangeStart  int
	rangeEnd    int
	allocations map[int]*Allocation
	statePath   string
	probe       func(port int) bool
}

// Options configures a Manager.
type Options struct {
	RangeStart int
	RangeEnd   int
	// StatePath is the JSON registry file; empty disables persistence.
	StatePath string
	// Probe overrides the OS liveness check (tests).
	Probe func(port int) bool
}

// NewManager creates a manager and reconciles any persisted allocations.
func NewManager(opts Options) (*Manager, error) {
	if opts.RangeStart == 0 {
		opts.RangeStart = DefaultRangeStart
	}
	if opts.RangeEnd == 0 {
		opts.RangeEnd = DefaultRangeEnd
	}
	if opts.RangeEnd < opts.RangeStart {
		return nil, fmt.Errorf("invalid port range %d-%d", opts.RangeStart, opts.RangeEnd)
	}
	m := &Manager{
		rangeStart:  opts.RangeStart,
		rangeEnd:    opts.RangeEnd,
		allocations: make(map[int]*Allocation),
		statePath:   opts.StatePath,
		probe:       opts.Probe,
	}
	if m.probe == nil {
		m.probe = portFree
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// portFree reports whether the OS will let us bind the port.
func portFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// Allocate leases the first free port in the range.
func (m *Manager) Allocate(serviceName, startedBy, purpose string, pid int) (int, error) {
	return m.AllocateWithHealth(serviceName, startedBy, purpose, pid, "")
}

// AllocateWithHealth additionally registers an HTTP health URL for the
// watchdog ping. The URL may contain %d for the allocated port.
func (m *Manager) AllocateWithHealth(serviceName, startedBy, purpose string, pid int, healthURL string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for port := m.rangeStart; port <= m.rangeEnd; port++ {
		if _, taken := m.allocations[port]; taken {
			continue
		}
		if !m.probe(port) {
			continue
		}
		// Literal URLs pass through untouched.
		url := healthURL
		if strings.Contains(url, "%d") {
			url = fmt.Sprintf(healthURL, port)
		}
		m.allocations[port] = &Allocation{
			Port:         port,
			ServiceName:  serviceName,
			StartedBy:    startedBy,
			Purpose:      purpose,
			PID:          pid,
			AllocatedAt:  time.Now().UTC(),
			HealthStatus: HealthUnknown,
			HealthURL:    url,
		}
		if err := m.persistLocked(); err != nil {
			delete(m.allocations, port)
			return 0, err
		}
		return port, nil
	}
	return 0, fmt.Errorf("%w (%d-%d)", ErrNoPortAvailable, m.rangeStart, m.rangeEnd)
}

// Release frees a port.
func (m *Manager) Release(port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.allocations[port]; !ok {
		return fmt.Errorf("port %d is not allocated", port)
	}
	delete(m.allocations, port)
	return m.persistLocked()
}

// Status returns the manager snapshot.
func (m *Manager) Status() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := m.rangeEnd - m.rangeStart + 1
	return Snapshot{
		RangeStart: m.rangeStart,
		RangeEnd:   m.rangeEnd,
		Allocated:  len(m.allocations),
		Free:       total - len(m.allocations),
	}
}

// Allocations returns copies of all current leases.
func (m *Manager) Allocations() []*Allocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Allocation, 0, len(m.allocations))
	for _, a := range m.allocations {
		c := *a
		out = append(out, &c)
	}
	return out
}

// setHealth updates health bookkeeping from the watchdog.
func (m *Manager) setHealth(port int, status HealthStatus, requestDelta, errorDelta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.allocations[port]; ok {
		a.HealthStatus = status
		a.RequestCount += requestDelta
		a.ErrorCount += errorDelta
	}
}

func (m *Manager) persistLocked() error {
	if m.statePath == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.allocations, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize port registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.statePath), 0o755); err != nil {
		return fmt.Errorf("create port registry dir: %w", err)
	}
	tmp := m.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write port registry: %w", err)
	}
	if err := os.Rename(tmp, m.statePath); err != nil {
		return fmt.Errorf("replace port registry: %w", err)
	}
	return nil
}

func (m *Manager) load() error {
	if m.statePath == "" {
		return nil
	}
	data, err := os.ReadFile(m.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read port registry: %w", err)
	}
	var stored map[int]*Allocation
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("parse port registry: %w", err)
	}
	for port, a := range stored {
		if port >= m.rangeStart && port <= m.rangeEnd {
			m.allocations[port] = a
		}
	}
	return nil
}
