package manifest

import (
	"context"
	"log/slog"
	"time"
)

// DefaultHeartbeatInterval is T_hb; missing 3·T_hb marks ERROR.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	missedBeatsBeforeError   = 3
)

// HeartbeatMonitor watches registered components and marks those that
// stop heartbeating as ERROR, emitting component.error.
type HeartbeatMonitor struct {
	manifest *Manifest
	interval time.Duration
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewHeartbeatMonitor creates a monitor with the given T_hb.
func NewHeartbeatMonitor(m *Manifest, interval time.Duration, logger *slog.Logger) *HeartbeatMonitor {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartbeatMonitor{manifest: m, interval: interval, logger: logger}
}

// Start launches the monitoring task. Stop cancels it.
func (h *HeartbeatMonitor) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	go h.run(ctx)
}

// Stop halts the monitor and waits for the sweep loop to exit.
func (h *HeartbeatMonitor) Stop() {
	if h.cancel != nil {
		h.cancel()
		<-h.done
	}
}

func (h *HeartbeatMonitor) run(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Sweep marks ACTIVE components without a heartbeat in 3·T_hb as ERROR.
func (h *HeartbeatMonitor) Sweep() {
	cutoff := time.Now().UTC().Add(-missedBeatsBeforeError * h.interval)
	for _, rec := range h.manifest.Query(Filter{Status: StatusActive}) {
		last := rec.LastHeartbeat
		if last.IsZero() {
			last = rec.RegisteredAt
		}
		if last.Before(cutoff) {
			h.logger.Warn("component missed heartbeats, marking ERROR",
				"component_id", rec.ComponentID, "last_heartbeat", last)
			if err := h.manifest.Transition(rec.ComponentID, StatusError); err != nil {
				h.logger.Error("failed to mark component ERROR",
					"component_id", rec.ComponentID, "error", err)
			}
		}
	}
}
