package ports

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/grace-platform/grace/pkg/mesh"
)

// DefaultSweepInterval is the watchdog cadence.
const DefaultSweepInterval = 30 * time.Second

// Watchdog scans allocations, verifies the owning PID is alive, optionally
// pings an HTTP health URL, and releases ports held by dead services.
type Watchdog struct {
	manager  *Manager
	bus      *mesh.Bus
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger
	pidAlive func(pid int) bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// WatchdogOptions configures a Watchdog.
type WatchdogOptions struct {
	Interval time.Duration
	Logger   *slog.Logger
	// PIDAlive overrides the OS process check (tests).
	PIDAlive func(pid int) bool
}

// NewWatchdog creates a watchdog over the manager, publishing
// port.released_dead to bus when it reclaims a port.
func NewWatchdog(m *Manager, bus *mesh.Bus, opts WatchdogOptions) *Watchdog {
	if opts.Interval <= 0 {
		opts.Interval = DefaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	w := &Watchdog{
		manager:  m,
		bus:      bus,
		interval: opts.Interval,
		client:   &http.Client{Timeout: 2 * time.Second},
		logger:   opts.Logger,
		pidAlive: opts.PIDAlive,
	}
	if w.pidAlive == nil {
		w.pidAlive = processAlive
	}
	return w
}

// processAlive checks the PID with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Start launches the periodic sweep.
func (w *Watchdog) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx)
}

// Stop halts the watchdog.
func (w *Watchdog) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

func (w *Watchdog) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one health pass over all allocations and returns the ports
// released because their owner died.
func (w *Watchdog) Sweep(ctx context.Context) []int {
	released := make([]int, 0)
	for _, a := range w.manager.Allocations() {
		if !w.pidAlive(a.PID) {
			w.logger.Warn("releasing port held by dead process",
				"port", a.Port, "service", a.ServiceName, "pid", a.PID)
			if err := w.manager.Release(a.Port); err == nil {
				released = append(released, a.Port)
				w.publishReleased(ctx, a)
			}
			continue
		}
		if a.HealthURL != "" {
			if w.ping(ctx, a.HealthURL) {
				w.manager.setHealth(a.Port, HealthHealthy, 1, 0)
			} else {
				w.manager.setHealth(a.Port, HealthUnhealthy, 1, 1)
			}
		}
	}
	return released
}

func (w *Watchdog) ping(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

func (w *Watchdog) publishReleased(ctx context.Context, a *Allocation) {
	if w.bus == nil {
		return
	}
	_ = w.bus.Publish(ctx, mesh.Event{
		EventType: mesh.EventPortReleasedDead,
		Source:    "port_watchdog",
		Payload: map[string]any{
			"port":    a.Port,
			"service": a.ServiceName,
			"pid":     a.PID,
		},
	})
}
