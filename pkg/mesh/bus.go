package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grace-platform/grace/pkg/audit"
)

const (
	// DefaultHistorySize is the ring buffer capacity for postmortems.
	DefaultHistorySize = 1000
	// DefaultQueueCapacity bounds each subscriber queue.
	DefaultQueueCapacity = 64

	normalRetryDelay  = 10 * time.Millisecond
	criticalBlockTime = 1 * time.Second
)

// Handler processes one delivered event. Handlers must be idempotent:
// delivery is at-most-once-apparent per publication, but callers may retry.
type Handler func(ctx context.Context, ev Event) error

// AlertSink receives alert-flagged events synchronously with publication.
type AlertSink func(ev Event)

// Options configures a Bus.
type Options struct {
	HistorySize   int
	QueueCapacity int
	AuditLog      audit.Log
	Logger        *slog.Logger
}

// Bus is the single logical in-process event bus.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string]*subscription
	routes     []RouteRule
	alertSinks []AlertSink

	history *ring
	audit   audit.Log
	logger  *slog.Logger

	queueCap int
	closed   bool
	wg       sync.WaitGroup
}

type subscription struct {
	id      string
	owner   string
	pattern string
	handler Handler

	normalQ   chan Event
	criticalQ chan Event
	done      chan struct{}
}

// NewBus creates a Bus. The audit log may be nil only in tests that never
// publish audit-flagged events.
func NewBus(opts Options) *Bus {
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = DefaultQueueCapacity
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Bus{
		subs:     make(map[string]*subscription),
		history:  newRing(opts.HistorySize),
		audit:    opts.AuditLog,
		logger:   opts.Logger,
		queueCap: opts.QueueCapacity,
	}
}

// SetRoutes replaces the declarative route table. Called at boot and by the
// Hub when a route update distributes.
func (b *Bus) SetRoutes(routes []RouteRule) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes = append([]RouteRule(nil), routes...)
}

// Routes returns the active route table.
func (b *Bus) Routes() []RouteRule {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]RouteRule(nil), b.routes...)
}

// RegisterAlertSink adds a synchronous alert sink.
func (b *Bus) RegisterAlertSink(sink AlertSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alertSinks = append(b.alertSinks, sink)
}

// Subscribe registers a handler for events matching pattern. owner is the
// component id the subscription belongs to; route rules with a subscriber
// list are matched against it. Returns the subscription id.
func (b *Bus) Subscribe(owner, pattern string, handler Handler) string {
	sub := &subscription{
		id:        uuid.New().String(),
		owner:     owner,
		pattern:   pattern,
		handler:   handler,
		normalQ:   make(chan Event, b.queueCap),
		criticalQ: make(chan Event, b.queueCap),
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.deliverLoop(sub)
	return sub.id
}

// Unsubscribe removes a subscription and stops its worker.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.done)
	}
}

// Publish emits an event: route lookup, history, audit-before-fanout,
// synchronous alerts, then fan-out to matching subscribers. A failed audit
// append fails the publish; the originating operation must treat that as
// fatal.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Priority == "" {
		ev.Priority = PriorityNormal
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus closed")
	}
	var matched []RouteRule
	for _, r := range b.routes {
		if MatchPattern(r.EventPattern, ev.EventType) {
			matched = append(matched, r)
			if r.PriorityOverride != "" {
				ev.Priority = ev.Priority.Max(r.PriorityOverride)
			}
			if r.AuditRequired {
				ev.Audit = true
			}
			if r.AlertRequired {
				ev.Alert = true
			}
		}
	}
	sinks := b.alertSinks
	targets := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if !MatchPattern(sub.pattern, ev.EventType) {
			continue
		}
		if len(matched) > 0 && !ruleTargets(matched, sub.owner) {
			continue
		}
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	b.history.add(ev)

	if ev.Audit {
		if b.audit == nil {
			return fmt.Errorf("audit-flagged event %s without audit log", ev.EventType)
		}
		if _, err := b.audit.Append(ctx, audit.Record{
			Actor:     ev.Source,
			Action:    "event_published",
			Subsystem: "event_mesh",
			Resource:  ev.EventType,
			Payload:   ev,
			Result:    "ok",
		}); err != nil {
			return fmt.Errorf("audit event %s: %w", ev.EventType, err)
		}
	}

	if ev.Alert {
		for _, sink := range sinks {
			sink(ev)
		}
	}

	for _, sub := range targets {
		b.enqueue(sub, ev)
	}
	return nil
}

// ruleTargets reports whether any matched rule targets the owner.
func ruleTargets(rules []RouteRule, owner string) bool {
	for _, r := range rules {
		if r.appliesTo(owner) {
			return true
		}
	}
	return false
}

// enqueue applies the backpressure policy: low drops on overflow, normal
// retries once, high and critical block briefly.
func (b *Bus) enqueue(sub *subscription, ev Event) {
	q := sub.normalQ
	if ev.Priority.rank() >= PriorityHigh.rank() {
		q = sub.criticalQ
	}

	select {
	case q <- ev:
		return
	default:
	}

	switch ev.Priority {
	case PriorityLow:
		b.dropped(sub, ev)
	case PriorityNormal:
		select {
		case q <- ev:
		case <-time.After(normalRetryDelay):
			select {
			case q <- ev:
			default:
				b.dropped(sub, ev)
			}
		}
	default: // high, critical
		select {
		case q <- ev:
		case <-time.After(criticalBlockTime):
			b.dropped(sub, ev)
		}
	}
}

func (b *Bus) dropped(sub *subscription, ev Event) {
	b.logger.Warn("event dropped on backpressure",
		"event_type", ev.EventType, "subscriber", sub.owner, "priority", ev.Priority)
	if ev.EventType == EventDropped {
		return
	}
	_ = b.Publish(context.Background(), Event{
		EventType: EventDropped,
		Source:    "event_mesh",
		Priority:  PriorityNormal,
		Payload: map[string]any{
			"event_id":   ev.EventID,
			"event_type": ev.EventType,
			"subscriber": sub.owner,
		},
	})
}

// deliverLoop drains one subscription. Critical-lane events jump ahead of
// queued normal work; within a lane, per-source FIFO order is preserved.
func (b *Bus) deliverLoop(sub *subscription) {
	defer b.wg.Done()
	for {
		select {
		case ev := <-sub.criticalQ:
			b.invoke(sub, ev)
			continue
		default:
		}
		select {
		case ev := <-sub.criticalQ:
			b.invoke(sub, ev)
		case ev := <-sub.normalQ:
			b.invoke(sub, ev)
		case <-sub.done:
			return
		}
	}
}

// invoke runs the handler. Failures are surfaced as handler.failure events
// and never halt fan-out.
func (b *Bus) invoke(sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerFailure(sub, ev, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := sub.handler(context.Background(), ev); err != nil {
		b.handlerFailure(sub, ev, err)
	}
}

func (b *Bus) handlerFailure(sub *subscription, ev Event, err error) {
	b.logger.Error("event handler failed",
		"event_type", ev.EventType, "subscriber", sub.owner, "error", err)
	if ev.EventType == EventHandlerFailure {
		return
	}
	_ = b.Publish(context.Background(), Event{
		EventType: EventHandlerFailure,
		Source:    "event_mesh",
		Priority:  PriorityNormal,
		Payload: map[string]any{
			"event_id":   ev.EventID,
			"event_type": ev.EventType,
			"subscriber": sub.owner,
			"error":      err.Error(),
		},
	})
}

// Recent returns up to n events from the history ring, newest last.
// A nil filter returns everything retained.
func (b *Bus) Recent(n int, filter func(Event) bool) []Event {
	return b.history.recent(n, filter)
}

// Close stops all subscription workers.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[string]*subscription)
	b.mu.Unlock()

	for _, s := range subs {
		close(s.done)
	}
	b.wg.Wait()
}
