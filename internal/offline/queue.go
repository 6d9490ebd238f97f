package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/appejv/storesync/internal/metrics"
	"github.com/appejv/storesync/internal/netstate"
	"github.com/appejv/storesync/internal/report"
	"github.com/appejv/storesync/internal/storage"
)

// DefaultMaxRetries is how many replay attempts an action gets before it is
// dropped as a permanent failure.
const DefaultMaxRetries = 3

const tracerName = "github.com/appejv/storesync/internal/offline"

// Backend is the remote data store actions are replayed against.
type Backend interface {
	Insert(ctx context.Context, resource string, record map[string]any) error
	Update(ctx context.Context, resource, id string, fields map[string]any) error
	Delete(ctx context.Context, resource, id string) error
}

// Settlement describes an action leaving the queue after a replay.
// Err is nil on success; Permanent marks an action dropped after failing.
type Settlement struct {
	Action    Action
	Err       error
	Permanent bool
}

// DrainSummary counts what a drain did. When a drain ran several passes the
// counts are summed and Remaining is the size after the last one.
type DrainSummary struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Retrying  int `json:"retrying"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

func (s *DrainSummary) add(pass DrainSummary) {
	s.Attempted += pass.Attempted
	s.Succeeded += pass.Succeeded
	s.Retrying += pass.Retrying
	s.Failed += pass.Failed
	s.Remaining = pass.Remaining
}

// drainRun is one background drain. Triggers that arrive while it runs set
// rerun so the run makes another pass over the queue before it ends.
type drainRun struct {
	done    chan struct{}
	rerun   bool
	summary DrainSummary
	err     error
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithReporter sets the sink for persistence errors and permanent failures.
func WithReporter(r report.Reporter) Option {
	return func(q *Queue) {
		if r != nil {
			q.reporter = r
		}
	}
}

// WithMetrics records queue activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithMaxRetries overrides DefaultMaxRetries. Values below 1 are ignored.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// WithStorageKey overrides DefaultStorageKey.
func WithStorageKey(key string) Option {
	return func(q *Queue) { q.storageKey = key }
}

// WithPermanentClassifier makes failures for which fn returns true drop the
// action immediately instead of consuming a retry. By default every failure
// is retried up to the limit.
func WithPermanentClassifier(fn func(error) bool) Option {
	return func(q *Queue) { q.permanent = fn }
}

// Queue is a persisted FIFO of actions waiting for connectivity.
type Queue struct {
	backend    Backend
	observer   netstate.Observer
	persister  *Persister
	logger     *slog.Logger
	reporter   report.Reporter
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	maxRetries int
	storageKey string
	permanent  func(error) bool

	mu          sync.Mutex
	items       []Action
	online      bool
	loaded      bool
	initialized bool
	closed      bool
	unsubscribe func()
	run         *drainRun

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	settleMu  sync.RWMutex
	settleSeq uint64
	settlers  map[uint64]func(Settlement)
}

// New creates a queue replaying against backend and persisting into kv.
// The queue assumes it is online until Initialize asks the observer.
func New(backend Backend, observer netstate.Observer, kv storage.KV, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		backend:    backend,
		observer:   observer,
		logger:     slog.Default(),
		reporter:   report.Discard,
		tracer:     otel.Tracer(tracerName),
		maxRetries: DefaultMaxRetries,
		online:     true,
		ctx:        ctx,
		cancel:     cancel,
		settlers:   make(map[uint64]func(Settlement)),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "offline_queue")
	q.persister = NewPersister(kv, q.storageKey, q.logger, q.reporter)
	return q
}

// Initialize loads the persisted backlog, subscribes to connectivity changes
// and drains right away when online. Calls after the first do nothing.
func (q *Queue) Initialize(ctx context.Context) {
	q.mu.Lock()
	if q.initialized || q.closed {
		q.mu.Unlock()
		return
	}
	q.initialized = true
	q.ensureLoadedLocked(ctx)
	backlog := len(q.items)
	q.mu.Unlock()

	q.metrics.SetQueueDepth(backlog)
	unsubscribe := q.observer.Subscribe(q.handleNetwork)
	online := q.observer.Online(ctx)

	q.mu.Lock()
	q.unsubscribe = unsubscribe
	q.online = online
	q.mu.Unlock()
	q.metrics.SetOnline(online)

	q.logger.Info("offline queue initialized", "backlog", backlog, "online", online)

	if online {
		if _, err := q.Drain(ctx); err != nil && !errors.Is(err, ErrOffline) {
			q.logger.Warn("initial drain failed", "error", err)
		}
	}
}

// Enqueue appends a new action and persists the queue. It never fails: a
// storage error is reported and the action stays queued in memory. An
// invalid type or an unencodable payload is reported and nothing is queued;
// the returned Action then has an empty ID.
func (q *Queue) Enqueue(ctx context.Context, t ActionType, resource string, payload any, opts ...EnqueueOption) Action {
	if !t.Valid() {
		q.reporter.Report(fmt.Errorf("%w: %q", ErrUnknownAction, t), map[string]any{
			"action":   "enqueue",
			"resource": resource,
		})
		return Action{}
	}
	raw, err := encodePayload(payload)
	if err != nil {
		q.reporter.Report(err, map[string]any{
			"action":   "enqueue",
			"type":     string(t),
			"resource": resource,
		})
		return Action{}
	}

	a := Action{
		ID:         uuid.NewString(),
		Type:       t,
		Resource:   resource,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&a)
	}

	q.mu.Lock()
	q.ensureLoadedLocked(ctx)
	q.items = append(q.items, a)
	size := len(q.items)
	q.saveLocked(ctx)
	q.mu.Unlock()

	q.metrics.Enqueued(resource, string(t))
	q.metrics.SetQueueDepth(size)
	q.logger.Info("action queued for offline sync",
		"type", t,
		"resource", resource,
		"queue_size", size)
	return a
}

// IsOnline returns the last observed connectivity state.
func (q *Queue) IsOnline() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// Size returns the number of queued actions.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// List returns a copy of the queued actions in replay order.
func (q *Queue) List() []Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Action, len(q.items))
	copy(out, q.items)
	return out
}

// Clear drops every queued action and erases the persisted backlog.
func (q *Queue) Clear(ctx context.Context) {
	q.mu.Lock()
	dropped := len(q.items)
	q.items = nil
	q.loaded = true
	if err := q.persister.Remove(ctx); err != nil {
		q.reporter.Report(err, map[string]any{"action": "clear_offline_queue"})
	}
	q.mu.Unlock()

	q.metrics.SetQueueDepth(0)
	q.logger.Info("offline queue cleared", "dropped", dropped)
}

// OnSettle registers fn to be called for every action that leaves the queue
// after a replay. The returned func removes the registration.
func (q *Queue) OnSettle(fn func(Settlement)) func() {
	q.settleMu.Lock()
	id := q.settleSeq
	q.settleSeq++
	q.settlers[id] = fn
	q.settleMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.settleMu.Lock()
			delete(q.settlers, id)
			q.settleMu.Unlock()
		})
	}
}

// Drain replays the queued actions oldest first and waits for the result.
// A call made while a drain is running asks that drain for one more pass, so
// everything queued before the call is attempted. Actions enqueued during a
// pass without a new trigger are left for the next drain.
//
// The drain runs on the queue's own context: cancelling ctx only stops the
// wait. Close cancels the drain itself.
func (q *Queue) Drain(ctx context.Context) (DrainSummary, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return DrainSummary{}, ErrClosed
	}
	if !q.online && q.run == nil {
		q.mu.Unlock()
		return DrainSummary{}, ErrOffline
	}
	run := q.requestDrainLocked(ctx)
	q.mu.Unlock()

	select {
	case <-run.done:
		return run.summary, run.err
	case <-ctx.Done():
		return DrainSummary{}, ctx.Err()
	}
}

// requestDrainLocked starts a drain or flags the running one for another
// pass. Callers hold q.mu and have checked q.closed.
func (q *Queue) requestDrainLocked(parent context.Context) *drainRun {
	if q.run != nil {
		q.run.rerun = true
		return q.run
	}
	run := &drainRun{done: make(chan struct{})}
	q.run = run
	q.wg.Add(1)
	ctx := trace.ContextWithSpanContext(q.ctx, trace.SpanContextFromContext(parent))
	go q.runDrain(ctx, run)
	return run
}

func (q *Queue) runDrain(ctx context.Context, run *drainRun) {
	defer q.wg.Done()

	var total DrainSummary
	for pass := 0; ; pass++ {
		summary, err := q.drain(ctx)
		if errors.Is(err, ErrOffline) {
			if pass > 0 {
				// Went offline between passes; the reconnect starts a new drain.
				err = nil
			}
		} else {
			total.add(summary)
		}

		q.mu.Lock()
		again := err == nil && run.rerun && q.online
		run.rerun = false
		if !again {
			q.run = nil
		}
		q.mu.Unlock()

		if !again {
			run.summary, run.err = total, err
			close(run.done)
			return
		}
	}
}

func (q *Queue) handleNetwork(online bool) {
	q.mu.Lock()
	wasOffline := !q.online
	changed := q.online != online
	q.online = online
	var run *drainRun
	if wasOffline && online && !q.closed {
		run = q.requestDrainLocked(q.ctx)
		q.wg.Add(1)
	}
	q.mu.Unlock()

	q.metrics.SetOnline(online)
	if changed {
		q.logger.Info("network state changed", "online", online)
	}
	if run == nil {
		return
	}

	go func() {
		defer q.wg.Done()
		<-run.done
		if err := run.err; err != nil && !errors.Is(err, ErrOffline) && !errors.Is(err, context.Canceled) {
			q.logger.Warn("drain after reconnect failed", "error", err)
		}
	}()
}

func (q *Queue) drain(ctx context.Context) (DrainSummary, error) {
	q.mu.Lock()
	if !q.online {
		q.mu.Unlock()
		return DrainSummary{}, ErrOffline
	}
	q.ensureLoadedLocked(ctx)
	if len(q.items) == 0 {
		q.mu.Unlock()
		return DrainSummary{}, nil
	}
	snapshot := q.items
	q.items = nil
	q.mu.Unlock()

	ctx, span := q.tracer.Start(ctx, "offline.drain",
		trace.WithAttributes(attribute.Int("queue.size", len(snapshot))))
	defer span.End()

	start := time.Now()
	q.logger.Info("processing offline queue", "queue_size", len(snapshot))

	var (
		summary DrainSummary
		retry   []Action
	)
	for i, a := range snapshot {
		if ctx.Err() != nil {
			retry = append(retry, snapshot[i:]...)
			break
		}

		summary.Attempted++
		err := q.replay(ctx, a)
		if err == nil {
			summary.Succeeded++
			q.metrics.Replayed(a.Resource, metrics.OutcomeSuccess)
			q.logger.Info("action processed successfully", "type", a.Type, "resource", a.Resource)
			q.settle(Settlement{Action: a})
			continue
		}
		if ctx.Err() != nil {
			// Cancelled mid-call: the attempt does not count.
			retry = append(retry, snapshot[i:]...)
			break
		}

		a.RetryCount++
		permanent := q.permanent != nil && q.permanent(err)
		if a.RetryCount < q.maxRetries && !permanent {
			summary.Retrying++
			retry = append(retry, a)
			q.metrics.Replayed(a.Resource, metrics.OutcomeRetry)
			q.logger.Warn("action failed, will retry",
				"type", a.Type,
				"resource", a.Resource,
				"retries", a.RetryCount,
				"error", err)
			continue
		}

		summary.Failed++
		q.metrics.Replayed(a.Resource, metrics.OutcomePermanent)
		q.logger.Error("action dropped after permanent failure",
			"id", a.ID,
			"type", a.Type,
			"resource", a.Resource,
			"retries", a.RetryCount,
			"error", err)
		q.reporter.Report(err, map[string]any{
			"action":   "offline_sync_failed",
			"id":       a.ID,
			"type":     string(a.Type),
			"resource": a.Resource,
			"retries":  a.RetryCount,
		})
		q.settle(Settlement{Action: a, Err: err, Permanent: true})
	}

	// Retried actions were enqueued before anything added during the pass,
	// so they go back in front.
	q.mu.Lock()
	q.items = append(retry, q.items...)
	summary.Remaining = len(q.items)
	q.saveLocked(context.WithoutCancel(ctx))
	q.mu.Unlock()

	elapsed := time.Since(start)
	q.metrics.ObserveDrain(elapsed)
	q.metrics.SetQueueDepth(summary.Remaining)
	span.SetAttributes(
		attribute.Int("drain.succeeded", summary.Succeeded),
		attribute.Int("drain.retrying", summary.Retrying),
		attribute.Int("drain.failed", summary.Failed),
	)
	q.logger.Info("offline queue drained",
		"succeeded", summary.Succeeded,
		"retrying", summary.Retrying,
		"failed", summary.Failed,
		"remaining", summary.Remaining,
		"duration", elapsed)

	return summary, ctx.Err()
}

func (q *Queue) replay(ctx context.Context, a Action) (err error) {
	ctx, span := q.tracer.Start(ctx, "offline.replay", trace.WithAttributes(
		attribute.String("action.id", a.ID),
		attribute.String("action.type", string(a.Type)),
		attribute.String("action.resource", a.Resource),
		attribute.Int("action.retries", a.RetryCount),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	return Execute(ctx, q.backend, a)
}

// Execute performs a against backend once, without retrying.
func Execute(ctx context.Context, backend Backend, a Action) error {
	fields, err := a.Fields()
	if err != nil {
		return err
	}

	switch a.Type {
	case ActionCreate:
		return backend.Insert(ctx, a.Resource, fields)
	case ActionUpdate:
		id := idString(fields["id"])
		if id == "" {
			return ErrMissingID
		}
		delete(fields, "id")
		return backend.Update(ctx, a.Resource, id, fields)
	case ActionDelete:
		id := idString(fields["id"])
		if id == "" {
			return ErrMissingID
		}
		return backend.Delete(ctx, a.Resource, id)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, a.Type)
	}
}

func (q *Queue) settle(s Settlement) {
	q.settleMu.RLock()
	fns := make([]func(Settlement), 0, len(q.settlers))
	for _, fn := range q.settlers {
		fns = append(fns, fn)
	}
	q.settleMu.RUnlock()

	for _, fn := range fns {
		fn(s)
	}
}

// ensureLoadedLocked merges the persisted backlog in front of anything queued
// before the first successful load. After a read error the queue keeps
// working in memory and the load is retried on the next call. Callers hold
// q.mu.
func (q *Queue) ensureLoadedLocked(ctx context.Context) {
	if q.loaded {
		return
	}
	backlog, err := q.persister.Load(ctx)
	if err != nil {
		q.logger.Warn("offline queue backlog unreadable, will retry", "error", err)
		return
	}
	q.loaded = true
	if len(backlog) == 0 {
		return
	}
	q.items = append(backlog, q.items...)
}

// saveLocked persists q.items. Until the stored backlog has been read, it is
// left untouched rather than overwritten with a partial list. Callers hold
// q.mu.
func (q *Queue) saveLocked(ctx context.Context) {
	if !q.loaded {
		return
	}
	if err := q.persister.Save(ctx, q.items); err != nil {
		q.logger.Warn("offline queue not persisted", "error", err)
		q.reporter.Report(err, map[string]any{
			"action":     "save_offline_queue",
			"queue_size": len(q.items),
		})
	}
}
