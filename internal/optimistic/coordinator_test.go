package optimistic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appejv/storesync/internal/netstate"
	"github.com/appejv/storesync/internal/offline"
	"github.com/appejv/storesync/internal/storage"
)

type orderStatus struct {
	Status string `json:"status"`
}

type recordingReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordingReporter) Report(err error, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

type countingBackend struct {
	calls atomic.Int32
	fail  error
}

func (b *countingBackend) Insert(context.Context, string, map[string]any) error {
	b.calls.Add(1)
	return b.fail
}

func (b *countingBackend) Update(context.Context, string, string, map[string]any) error {
	b.calls.Add(1)
	return b.fail
}

func (b *countingBackend) Delete(context.Context, string, string) error {
	b.calls.Add(1)
	return b.fail
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	coord    *Coordinator[orderStatus]
	queue    *offline.Queue
	kv       storage.KV
	observer *netstate.Static
	backend  *countingBackend
	reporter *recordingReporter
}

func newFixture(t *testing.T, grace time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		kv:       storage.NewMemory(),
		observer: netstate.NewStatic(false),
		backend:  &countingBackend{},
		reporter: &recordingReporter{},
	}
	f.queue = offline.New(f.backend, f.observer, f.kv, offline.WithLogger(quietLogger()))
	f.queue.Initialize(context.Background())
	t.Cleanup(f.queue.Close)

	f.coord = New[orderStatus](f.queue,
		WithLogger(quietLogger()),
		WithReporter(f.reporter),
		WithGraceWindow(grace))
	return f
}

func (f *fixture) persisted(t *testing.T) []offline.Action {
	t.Helper()
	raw, ok, err := f.kv.GetItem(context.Background(), offline.DefaultStorageKey)
	require.NoError(t, err)
	if !ok {
		return nil
	}
	var actions []offline.Action
	require.NoError(t, json.Unmarshal([]byte(raw), &actions))
	return actions
}

func orderChange(id, status string) Change[orderStatus] {
	return Change[orderStatus]{
		ID:       "order-" + id,
		Type:     "update_order",
		Data:     orderStatus{Status: status},
		Original: orderStatus{Status: "pending"},
		Handoff: &Handoff{
			Action:   offline.ActionUpdate,
			Resource: "orders",
			Payload:  map[string]any{"id": id, "status": status},
		},
	}
}

func ok(context.Context) error { return nil }

// settlingQueue settles every action before Enqueue returns, the way a drain
// running on another goroutine can.
type settlingQueue struct {
	settle func(offline.Settlement)
	err    error
}

func (q *settlingQueue) Enqueue(_ context.Context, t offline.ActionType, resource string, _ any, opts ...offline.EnqueueOption) offline.Action {
	a := offline.Action{ID: "act-" + resource, Type: t, Resource: resource}
	for _, opt := range opts {
		opt(&a)
	}
	q.settle(offline.Settlement{Action: a, Err: q.err, Permanent: q.err != nil})
	return a
}

func TestSuccessIsPrunedAfterGraceWindow(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)

	res := f.coord.Apply(context.Background(), orderChange("1", "completed"), ok)
	require.True(t, res.Success)
	require.NoError(t, res.Err)

	all := f.coord.All()
	require.Len(t, all, 1)
	assert.Equal(t, StatusSuccess, all[0].Status)
	assert.Equal(t, "completed", all[0].Data.Status)
	assert.Equal(t, "pending", all[0].OriginalData.Status)

	require.Eventually(t, func() bool { return len(f.coord.All()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestDefaultGraceWindow(t *testing.T) {
	c := New[int](nil, WithLogger(quietLogger()))
	assert.Equal(t, 5*time.Second, DefaultGraceWindow)

	var (
		scheduled time.Duration
		purge     func()
	)
	c.afterFunc = func(d time.Duration, f func()) *time.Timer {
		scheduled, purge = d, f
		return time.AfterFunc(time.Hour, func() {})
	}

	c.Apply(context.Background(), Change[int]{ID: "x", Data: 1}, ok)
	assert.Equal(t, DefaultGraceWindow, scheduled)
	require.NotNil(t, purge)
	assert.Len(t, c.All(), 1, "visible until the grace window elapses")

	purge()
	assert.Empty(t, c.All())
}

func TestNetworkFailureIsHandedOff(t *testing.T) {
	f := newFixture(t, time.Second)

	res := f.coord.Apply(context.Background(), orderChange("7", "shipped"), func(context.Context) error {
		return errors.New("Network request failed")
	})
	require.False(t, res.Success)
	require.EqualError(t, res.Err, "Network request failed")

	failed := f.coord.Failed()
	require.Len(t, failed, 1)
	assert.True(t, failed[0].Queued)
	assert.Equal(t, 1, f.reporter.count())

	backlog := f.persisted(t)
	require.Len(t, backlog, 1)
	assert.Equal(t, offline.ActionUpdate, backlog[0].Type)
	assert.Equal(t, "orders", backlog[0].Resource)
	assert.Equal(t, "order-7", backlog[0].Origin)
	assert.Equal(t, "7", backlog[0].RecordID())
}

func TestRejectionIsNotHandedOff(t *testing.T) {
	f := newFixture(t, time.Second)

	res := f.coord.Apply(context.Background(), orderChange("7", "shipped"), func(context.Context) error {
		return errors.New("permission denied for table orders")
	})
	require.False(t, res.Success)
	assert.Empty(t, f.persisted(t))
	assert.Equal(t, 0, f.queue.Size())

	failed := f.coord.Failed()
	require.Len(t, failed, 1)
	assert.False(t, failed[0].Queued)
}

func TestNoHandoffDescriptor(t *testing.T) {
	f := newFixture(t, time.Second)
	change := orderChange("7", "shipped")
	change.Handoff = nil

	f.coord.Apply(context.Background(), change, func(context.Context) error { return errors.New("offline") })
	assert.Equal(t, 0, f.queue.Size())
}

func TestSameIDKeepsOneEntry(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	var violations atomic.Int32
	f.coord.Subscribe(func(updates []Update[orderStatus]) {
		ids := map[string]int{}
		for _, u := range updates {
			ids[u.ID]++
			if ids[u.ID] > 1 {
				violations.Add(1)
			}
		}
	})

	done := make(chan Result)
	go func() {
		done <- f.coord.Apply(ctx, orderChange("1", "processing"), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	second := f.coord.Apply(ctx, orderChange("1", "completed"), func(context.Context) error {
		return errors.New("validation failed")
	})
	require.False(t, second.Success)

	close(release)
	first := <-done
	assert.True(t, first.Success)

	all := f.coord.All()
	require.Len(t, all, 1)
	assert.Equal(t, StatusFailed, all[0].Status, "a superseded completion must not overwrite the newer entry")
	assert.Equal(t, "completed", all[0].Data.Status)
	assert.Zero(t, violations.Load())
}

func TestSupersededSuccessDoesNotPurgeNewEntry(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)
	ctx := context.Background()

	f.coord.Apply(ctx, orderChange("1", "processing"), ok)
	f.coord.Apply(ctx, orderChange("1", "completed"), func(context.Context) error { return errors.New("rejected") })

	time.Sleep(80 * time.Millisecond)
	all := f.coord.All()
	require.Len(t, all, 1)
	assert.Equal(t, StatusFailed, all[0].Status)
}

func TestRollbackPending(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		f.coord.Apply(ctx, orderChange("3", "cancelled"), func(context.Context) error {
			close(started)
			<-release
			return errors.New("network down")
		})
		close(done)
	}()
	<-started

	require.Len(t, f.coord.Pending(), 1)
	f.coord.Rollback("order-3")
	assert.Empty(t, f.coord.All())

	close(release)
	<-done
	assert.Empty(t, f.coord.All(), "completion of a rolled back update leaves no entry")
	assert.Equal(t, int32(0), f.backend.calls.Load())
	assert.Equal(t, 0, f.queue.Size())
}

func TestRollbackUnknownIDDoesNotNotify(t *testing.T) {
	c := New[int](nil)
	var calls int
	c.Subscribe(func([]Update[int]) { calls++ })
	c.Rollback("missing")
	assert.Zero(t, calls)
}

func TestSubscribeAndClear(t *testing.T) {
	c := New[int](nil, WithLogger(quietLogger()))
	var snapshots [][]Update[int]
	unsubscribe := c.Subscribe(func(u []Update[int]) { snapshots = append(snapshots, u) })

	c.Apply(context.Background(), Change[int]{ID: "a", Data: 1}, ok)
	require.Len(t, snapshots, 2)
	assert.Equal(t, StatusPending, snapshots[0][0].Status)
	assert.Equal(t, StatusSuccess, snapshots[1][0].Status)

	c.Clear()
	require.Len(t, snapshots, 3)
	assert.Empty(t, snapshots[2])

	unsubscribe()
	c.Apply(context.Background(), Change[int]{ID: "b", Data: 2}, ok)
	assert.Len(t, snapshots, 3)
	c.Clear()
}

func TestPanicAndNilConfirmBecomeFailures(t *testing.T) {
	c := New[int](nil, WithLogger(quietLogger()))
	ctx := context.Background()

	res := c.Apply(ctx, Change[int]{ID: "p"}, func(context.Context) error { panic("boom") })
	require.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrConfirmPanic)

	res = c.Apply(ctx, Change[int]{ID: "n"}, nil)
	assert.ErrorIs(t, res.Err, ErrNoConfirm)
	assert.Len(t, c.Failed(), 2)
}

func TestRetryFailed(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	rejected := func(context.Context) error { return errors.New("timeout waiting for server") }

	f.coord.Apply(ctx, orderChange("1", "completed"), rejected)
	noHandoff := orderChange("2", "completed")
	noHandoff.Handoff = nil
	f.coord.Apply(ctx, noHandoff, rejected)
	f.coord.Apply(ctx, orderChange("3", "shipped"), func(context.Context) error { return errors.New("fetch failed") })
	require.Equal(t, 1, f.queue.Size(), "network failure already queued")

	moved := f.coord.RetryFailed(ctx)
	assert.Equal(t, 2, moved)
	assert.Equal(t, 2, f.queue.Size(), "an already queued update is not queued twice")

	failed := f.coord.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "order-2", failed[0].ID)
}

func TestSweepDropsStaleUnqueuedFailures(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	f.coord.Apply(ctx, orderChange("1", "completed"), func(context.Context) error { return errors.New("row locked") })
	f.coord.Apply(ctx, orderChange("2", "shipped"), func(context.Context) error { return errors.New("fetch failed") })
	f.coord.Apply(ctx, orderChange("3", "shipped"), func(context.Context) error {
		return errors.New("conflict")
	})

	assert.Equal(t, 0, f.coord.Sweep(time.Hour), "nothing is old enough")

	time.Sleep(10 * time.Millisecond)
	dropped := f.coord.Sweep(time.Millisecond)
	assert.Equal(t, 2, dropped)

	failed := f.coord.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "order-2", failed[0].ID, "queued updates wait for their settlement")
}

func TestReconcileWithQueue(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	f.coord.Track(f.queue)
	ctx := context.Background()

	f.coord.Apply(ctx, orderChange("9", "completed"), func(context.Context) error { return errors.New("network unreachable") })
	require.Len(t, f.coord.Failed(), 1)

	f.observer.Set(true)

	require.Eventually(t, func() bool {
		u, found := f.coord.Get("order-9")
		return found && u.Status == StatusSuccess
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), f.backend.calls.Load())

	require.Eventually(t, func() bool { return len(f.coord.All()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestReconcilePermanentFailure(t *testing.T) {
	c := New[int](nil, WithLogger(quietLogger()))
	c.Apply(context.Background(), Change[int]{ID: "a"}, func(context.Context) error { return errors.New("network") })
	c.mu.Lock()
	c.entries["a"].actionID = "act-1"
	c.entries["a"].update.Queued = true
	c.mu.Unlock()

	final := errors.New("row locked")
	c.Reconcile(offline.Settlement{Action: offline.Action{ID: "act-1", Origin: "a"}, Err: final, Permanent: true})

	u, found := c.Get("a")
	require.True(t, found)
	assert.Equal(t, StatusFailed, u.Status)
	assert.Equal(t, final, u.Err)
	assert.False(t, u.Queued)

	c.Reconcile(offline.Settlement{Action: offline.Action{ID: "other", Origin: "a"}})
	u, _ = c.Get("a")
	assert.Equal(t, StatusFailed, u.Status, "settlement of a different action is ignored")
}

func TestUpdateJSON(t *testing.T) {
	u := Update[orderStatus]{ID: "order-1", Type: "update_order", Data: orderStatus{Status: "done"}, Status: StatusFailed, Err: errors.New("nope")}
	data, err := json.Marshal(u)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "nope", decoded["error"])
	assert.Equal(t, "failed", decoded["status"])
	assert.Equal(t, map[string]any{"status": "done"}, decoded["data"])
}

func TestSettlementBeforeEnqueueReturns(t *testing.T) {
	q := &settlingQueue{}
	c := New[orderStatus](q, WithLogger(quietLogger()), WithGraceWindow(time.Hour))
	q.settle = c.Reconcile
	ctx := context.Background()
	networkDown := func(context.Context) error { return errors.New("network request failed") }

	res := c.Apply(ctx, orderChange("3", "paid"), networkDown)
	require.False(t, res.Success)

	u, found := c.Get("order-3")
	require.True(t, found)
	assert.Equal(t, StatusSuccess, u.Status)
	assert.False(t, u.Queued)
	assert.NoError(t, u.Err)
	c.Clear()

	final := errors.New("row locked")
	q.err = final
	c.Apply(ctx, orderChange("4", "paid"), networkDown)

	u, found = c.Get("order-4")
	require.True(t, found)
	assert.Equal(t, StatusFailed, u.Status)
	assert.False(t, u.Queued)
	assert.Equal(t, final, u.Err)
}
