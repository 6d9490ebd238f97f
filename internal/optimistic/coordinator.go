package optimistic

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/appejv/storesync/internal/metrics"
	"github.com/appejv/storesync/internal/netstate"
	"github.com/appejv/storesync/internal/offline"
	"github.com/appejv/storesync/internal/report"
)

// DefaultGraceWindow is how long a confirmed update stays visible.
const DefaultGraceWindow = 5 * time.Second

const tracerName = "github.com/appejv/storesync/internal/optimistic"

// Enqueuer is the part of the offline queue failed changes are handed to.
type Enqueuer interface {
	Enqueue(ctx context.Context, t offline.ActionType, resource string, payload any, opts ...offline.EnqueueOption) offline.Action
}

// Settler publishes the outcome of replayed queue actions.
type Settler interface {
	OnSettle(fn func(offline.Settlement)) func()
}

// Option configures a Coordinator.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	reporter report.Reporter
	metrics  *metrics.Metrics
	grace    time.Duration
	classify func(error) bool
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithReporter sets the sink confirm failures are forwarded to.
func WithReporter(r report.Reporter) Option {
	return func(o *options) {
		if r != nil {
			o.reporter = r
		}
	}
}

// WithMetrics records outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithGraceWindow overrides DefaultGraceWindow.
func WithGraceWindow(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.grace = d
		}
	}
}

// WithNetworkClassifier replaces netstate.IsNetworkError as the test for
// failures that are handed to the offline queue.
func WithNetworkClassifier(fn func(error) bool) Option {
	return func(o *options) {
		if fn != nil {
			o.classify = fn
		}
	}
}

type entry[T any] struct {
	update   Update[T]
	handoff  *Handoff
	actionID string
	timer    *time.Timer

	// handingOff is set while Enqueue runs; a settlement arriving before
	// actionID is known is parked in early.
	handingOff bool
	early      *offline.Settlement
}

// Coordinator holds at most one Update per id. A newer Apply for an id
// replaces the entry; completions of the older call are then ignored.
type Coordinator[T any] struct {
	queue    Enqueuer
	logger   *slog.Logger
	reporter report.Reporter
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	grace    time.Duration
	classify func(error) bool

	// afterFunc schedules the purge of settled entries.
	afterFunc func(time.Duration, func()) *time.Timer

	mu      sync.Mutex
	entries map[string]*entry[T]

	listenMu  sync.Mutex
	listenSeq uint64
	listeners map[uint64]func([]Update[T])
}

// New creates a coordinator. queue may be nil, in which case nothing is
// handed off.
func New[T any](queue Enqueuer, opts ...Option) *Coordinator[T] {
	o := options{
		logger:   slog.Default(),
		reporter: report.Discard,
		grace:    DefaultGraceWindow,
		classify: netstate.IsNetworkError,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Coordinator[T]{
		queue:     queue,
		logger:    o.logger.With("component", "optimistic"),
		reporter:  o.reporter,
		metrics:   o.metrics,
		tracer:    otel.Tracer(tracerName),
		grace:     o.grace,
		classify:  o.classify,
		afterFunc: time.AfterFunc,
		entries:   make(map[string]*entry[T]),
		listeners: make(map[uint64]func([]Update[T])),
	}
}

// Apply records change as pending, runs confirm and resolves the entry.
// It never panics and never returns an error outside the Result.
func (c *Coordinator[T]) Apply(ctx context.Context, change Change[T], confirm ConfirmFunc) Result {
	e := &entry[T]{
		update: Update[T]{
			ID:           change.ID,
			Type:         change.Type,
			Data:         change.Data,
			OriginalData: change.Original,
			Status:       StatusPending,
			Timestamp:    time.Now(),
		},
		handoff: change.Handoff,
	}

	c.mu.Lock()
	if old := c.entries[change.ID]; old != nil && old.timer != nil {
		old.timer.Stop()
	}
	c.entries[change.ID] = e
	c.mu.Unlock()
	c.notify()

	ctx, span := c.tracer.Start(ctx, "optimistic.apply", trace.WithAttributes(
		attribute.String("update.id", change.ID),
		attribute.String("update.type", change.Type),
	))
	defer span.End()

	err := runConfirm(ctx, confirm)
	if err == nil {
		c.mu.Lock()
		current := c.entries[change.ID] == e
		if current {
			e.update.Status = StatusSuccess
			e.timer = c.afterFunc(c.grace, func() { c.purge(change.ID, e) })
		}
		c.mu.Unlock()

		c.metrics.Optimistic(change.Type, string(StatusSuccess))
		if current {
			c.notify()
		} else {
			c.logger.Debug("superseded update confirmed", "id", change.ID, "type", change.Type)
		}
		return Result{Success: true}
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	c.mu.Lock()
	current := c.entries[change.ID] == e
	if current {
		e.update.Status = StatusFailed
		e.update.Err = err
	}
	c.mu.Unlock()

	c.metrics.Optimistic(change.Type, string(StatusFailed))
	c.reporter.Report(err, map[string]any{
		"action": "optimistic_update_failed",
		"id":     change.ID,
		"type":   change.Type,
	})

	if current && c.classify(err) {
		c.handOff(context.WithoutCancel(ctx), change.ID, e)
	}
	if current {
		c.notify()
	}
	return Result{Success: false, Err: err}
}

// Rollback drops the entry for id without touching the backend.
func (c *Coordinator[T]) Rollback(id string) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(c.entries, id)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	c.logger.Debug("rolled back optimistic update", "id", id)
	c.notify()
}

// Pending returns the updates still waiting for confirmation.
func (c *Coordinator[T]) Pending() []Update[T] {
	return c.filter(StatusPending)
}

// Failed returns the updates whose confirmation failed.
func (c *Coordinator[T]) Failed() []Update[T] {
	return c.filter(StatusFailed)
}

// All returns every tracked update, oldest first.
func (c *Coordinator[T]) All() []Update[T] {
	return c.filter("")
}

// Get returns the update tracked for id.
func (c *Coordinator[T]) Get(id string) (Update[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return Update[T]{}, false
	}
	return e.update, true
}

// Subscribe registers fn to receive the full list after every change.
func (c *Coordinator[T]) Subscribe(fn func([]Update[T])) func() {
	c.listenMu.Lock()
	id := c.listenSeq
	c.listenSeq++
	c.listeners[id] = fn
	c.listenMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.listenMu.Lock()
			delete(c.listeners, id)
			c.listenMu.Unlock()
		})
	}
}

// Clear drops every update and notifies once.
func (c *Coordinator[T]) Clear() {
	c.mu.Lock()
	for _, e := range c.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	c.entries = make(map[string]*entry[T])
	c.mu.Unlock()
	c.notify()
}

// RetryFailed moves failed updates into the offline queue and stops
// tracking them. Updates without a hand-off descriptor stay failed. It
// returns how many updates were moved.
func (c *Coordinator[T]) RetryFailed(ctx context.Context) int {
	if c.queue == nil {
		return 0
	}

	c.mu.Lock()
	var moved []*entry[T]
	for id, e := range c.entries {
		if e.update.Status != StatusFailed || e.handoff == nil {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(c.entries, id)
		moved = append(moved, e)
	}
	c.mu.Unlock()

	sort.Slice(moved, func(i, j int) bool {
		return moved[i].update.Timestamp.Before(moved[j].update.Timestamp)
	})
	for _, e := range moved {
		if e.update.Queued {
			continue
		}
		c.enqueue(ctx, e)
	}

	if len(moved) > 0 {
		c.logger.Info("failed updates moved to offline queue", "count", len(moved))
		c.notify()
	}
	return len(moved)
}

// Sweep rolls back failed updates older than olderThan that are not waiting
// on the offline queue. It returns how many were dropped.
func (c *Coordinator[T]) Sweep(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	c.mu.Lock()
	var dropped []string
	for id, e := range c.entries {
		if e.update.Status != StatusFailed || e.update.Queued || e.update.Timestamp.After(cutoff) {
			continue
		}
		delete(c.entries, id)
		dropped = append(dropped, id)
	}
	c.mu.Unlock()

	if len(dropped) == 0 {
		return 0
	}
	c.logger.Info("stale failed updates rolled back", "count", len(dropped), "ids", dropped)
	c.notify()
	return len(dropped)
}

// Track listens for queue settlements and resolves the failed updates whose
// hand-off they settle.
func (c *Coordinator[T]) Track(s Settler) func() {
	return s.OnSettle(c.Reconcile)
}

// Reconcile applies the outcome of a replayed action to the update that
// handed it off. Settlements for unknown or superseded updates are ignored.
func (c *Coordinator[T]) Reconcile(s offline.Settlement) {
	origin := s.Action.Origin
	if origin == "" {
		return
	}

	c.mu.Lock()
	e := c.entries[origin]
	if e == nil || e.update.Status != StatusFailed {
		c.mu.Unlock()
		return
	}
	if e.actionID == "" && e.handingOff {
		e.early = &s
		c.mu.Unlock()
		return
	}
	if e.actionID != s.Action.ID {
		c.mu.Unlock()
		return
	}
	c.settleLocked(origin, e, s)
	status := e.update.Status
	c.mu.Unlock()

	c.logger.Info("queued update settled", "id", origin, "status", status)
	c.notify()
}

// settleLocked resolves a failed entry from its queue settlement. Callers
// hold c.mu.
func (c *Coordinator[T]) settleLocked(id string, e *entry[T], s offline.Settlement) {
	e.update.Queued = false
	if s.Err == nil {
		e.update.Status = StatusSuccess
		e.update.Err = nil
		e.timer = c.afterFunc(c.grace, func() { c.purge(id, e) })
		return
	}
	e.update.Err = s.Err
}

func (c *Coordinator[T]) handOff(ctx context.Context, id string, e *entry[T]) {
	if c.queue == nil || e.handoff == nil {
		return
	}
	c.mu.Lock()
	e.handingOff = true
	c.mu.Unlock()

	actionID := c.enqueue(ctx, e)

	c.mu.Lock()
	defer c.mu.Unlock()
	early := e.early
	e.handingOff, e.early = false, nil
	if actionID == "" {
		return
	}
	e.actionID = actionID
	if c.entries[id] != e || e.update.Status != StatusFailed {
		return
	}
	// A drain may settle the action before Enqueue returns.
	if early != nil && early.Action.ID == actionID {
		c.settleLocked(id, e, *early)
		return
	}
	e.update.Queued = true
}

// enqueue hands e to the offline queue and returns the queued action id, or
// "" when the queue refused it.
func (c *Coordinator[T]) enqueue(ctx context.Context, e *entry[T]) string {
	var payload any = e.update.Data
	if e.handoff.Payload != nil {
		payload = e.handoff.Payload
	}
	a := c.queue.Enqueue(ctx, e.handoff.Action, e.handoff.Resource, payload, offline.WithOrigin(e.update.ID))
	if a.ID == "" {
		return ""
	}
	c.logger.Info("update handed to offline queue",
		"id", e.update.ID,
		"type", e.update.Type,
		"resource", e.handoff.Resource)
	return a.ID
}

func (c *Coordinator[T]) purge(id string, e *entry[T]) {
	c.mu.Lock()
	if c.entries[id] != e {
		c.mu.Unlock()
		return
	}
	delete(c.entries, id)
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator[T]) filter(status Status) []Update[T] {
	c.mu.Lock()
	out := make([]Update[T], 0, len(c.entries))
	for _, e := range c.entries {
		if status == "" || e.update.Status == status {
			out = append(out, e.update)
		}
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func (c *Coordinator[T]) notify() {
	c.listenMu.Lock()
	fns := make([]func([]Update[T]), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenMu.Unlock()
	if len(fns) == 0 {
		return
	}

	updates := c.All()
	for _, fn := range fns {
		fn(updates)
	}
}

func runConfirm(ctx context.Context, confirm ConfirmFunc) (err error) {
	if confirm == nil {
		return ErrNoConfirm
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrConfirmPanic, r)
		}
	}()
	return confirm(ctx)
}
