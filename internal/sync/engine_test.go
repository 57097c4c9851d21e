package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kimhsiao/worktally/internal/device"
	apperrors "github.com/kimhsiao/worktally/internal/errors"
	"github.com/kimhsiao/worktally/internal/events"
	"github.com/kimhsiao/worktally/internal/models"
	"github.com/kimhsiao/worktally/internal/store"
	"github.com/kimhsiao/worktally/internal/sync/conflict"
	"github.com/kimhsiao/worktally/internal/sync/deadletter"
	"github.com/kimhsiao/worktally/internal/sync/queue"
	"github.com/kimhsiao/worktally/internal/sync/remote"
)

// =====================================================
// Test Doubles
// =====================================================

type call struct {
	endpoint string
	method   string
	data     json.RawMessage
}

type handlerFunc func(n int, endpoint string, req remote.Request) (*remote.Response, error)

// fakeRemote records requests and answers them with handler.
type fakeRemote struct {
	mu      stdsync.Mutex
	calls   []call
	handler handlerFunc
}

func (f *fakeRemote) Request(ctx context.Context, endpoint string, req remote.Request) (*remote.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{endpoint: endpoint, method: req.Method, data: req.Data})
	n := len(f.calls)
	h := f.handler
	f.mu.Unlock()
	if h == nil {
		return &remote.Response{Status: 200}, nil
	}
	return h(n, endpoint, req)
}

func (f *fakeRemote) setHandler(h handlerFunc) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeRemote) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRemote) callAt(i int) call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func succeed(int, string, remote.Request) (*remote.Response, error) {
	return &remote.Response{Status: 200}, nil
}

func failWith(status int, body string) handlerFunc {
	return func(int, string, remote.Request) (*remote.Response, error) {
		var data json.RawMessage
		if body != "" {
			data = json.RawMessage(body)
		}
		return nil, &remote.Error{Status: status, Data: data, Message: fmt.Sprintf("status %d", status)}
	}
}

// fakeConn is a settable connectivity source.
type fakeConn struct {
	online atomic.Bool
	checks atomic.Int32
}

func (c *fakeConn) Check(context.Context) bool {
	c.checks.Add(1)
	return c.online.Load()
}

func (c *fakeConn) Subscribe(func(bool)) func() { return func() {} }

// recorder captures every bus event in order.
type recorder struct {
	mu  stdsync.Mutex
	all []events.Event
}

func (r *recorder) handle(e events.Event) {
	r.mu.Lock()
	r.all = append(r.all, e)
	r.mu.Unlock()
}

func (r *recorder) named(name string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.all {
		if e.Name() == name {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	engine *Engine
	queue  *queue.Manager
	store  *store.MemoryStore
	remote *fakeRemote
	conn   *fakeConn
	dead   *deadletter.Log
	events *recorder
}

type harnessOpt func(*Deps, *Options)

func withStrategy(s conflict.Strategy) harnessOpt {
	return func(d *Deps, _ *Options) { d.Strategy = s }
}

func withDebounce(delay time.Duration) harnessOpt {
	return func(_ *Deps, o *Options) { o.DebounceDelay = delay }
}

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()
	s := store.NewMemoryStore()
	bus := events.NewBus()
	ids := device.New(s)
	q := queue.NewManager(s, bus, ids)
	h := &harness{
		queue:  q,
		store:  s,
		remote: &fakeRemote{},
		conn:   &fakeConn{},
		dead:   deadletter.New(s, deadletter.DefaultLimit),
		events: &recorder{},
	}
	h.conn.online.Store(true)
	bus.On(events.Wildcard, h.events.handle)

	deps := Deps{
		Bus:          bus,
		Queue:        q,
		Devices:      ids,
		Remote:       h.remote,
		Connectivity: h.conn,
		DeadLetters:  h.dead,
	}
	// Long debounce keeps scheduled cycles out of tests that drive syncs by hand.
	o := Options{DebounceDelay: time.Hour}
	for _, opt := range opts {
		opt(&deps, &o)
	}

	h.engine = NewEngine(deps, o)
	if err := h.engine.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(h.engine.Close)
	return h
}

func (h *harness) enqueue(t *testing.T, id string, typ models.EntityType, action models.ActionType, data string) string {
	t.Helper()
	syncID, err := h.queue.QueueAction(context.Background(), queue.NewAction{
		ID: id, Type: typ, Action: action, Data: json.RawMessage(data),
	})
	if err != nil {
		t.Fatalf("QueueAction() error = %v", err)
	}
	return syncID
}

func (h *harness) enqueueWork(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		h.enqueue(t, fmt.Sprintf("w%02d", i), models.EntityWork, models.ActionCreate, fmt.Sprintf(`{"title":"job %d"}`, i))
	}
}

func (h *harness) pending(t *testing.T) []models.PendingAction {
	t.Helper()
	actions, err := h.queue.PendingActions(context.Background())
	if err != nil {
		t.Fatalf("PendingActions() error = %v", err)
	}
	return actions
}

func (h *harness) sync(t *testing.T) bool {
	t.Helper()
	return h.engine.SyncWithServer(context.Background())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// =====================================================
// Sync Cycle Tests
// =====================================================

// TestSyncWithServer_endToEnd verifies 12 successful actions in two batches.
func TestSyncWithServer_endToEnd(t *testing.T) {
	h := newHarness(t)
	h.enqueueWork(t, 12)

	if !h.sync(t) {
		t.Fatal("SyncWithServer() = false, want true")
	}

	progress := h.events.named(events.SyncProgress)
	if len(progress) != 2 {
		t.Fatalf("got %d SYNC_PROGRESS events, want 2", len(progress))
	}
	first := progress[0].(events.SyncProgressEvent)
	second := progress[1].(events.SyncProgressEvent)
	if first.CurrentBatch != 1 || first.TotalBatches != 2 || first.Processed != 10 || first.Total != 12 || first.PercentComplete != 83 {
		t.Errorf("first progress = %+v", first)
	}
	if second.CurrentBatch != 2 || second.Processed != 12 || second.PercentComplete != 100 {
		t.Errorf("second progress = %+v", second)
	}

	completed := h.events.named(events.SyncCompleted)
	if len(completed) != 1 {
		t.Fatalf("got %d SYNC_COMPLETED events, want 1", len(completed))
	}
	c := completed[0].(events.SyncCompletedEvent)
	if !c.Success || c.Processed != 12 || c.Failed != 0 || c.Remaining == nil || *c.Remaining != 0 {
		t.Errorf("completed = %+v", c)
	}

	if n := len(h.events.named(events.ActionProcessed)); n != 12 {
		t.Errorf("got %d ACTION_PROCESSED events, want 12", n)
	}
	if n := len(h.events.named(events.SyncStarted)); n != 1 {
		t.Errorf("got %d SYNC_STARTED events, want 1", n)
	}
	if left := h.pending(t); len(left) != 0 {
		t.Errorf("queue has %d actions after sync, want 0", len(left))
	}
	if n := h.remote.count(); n != 12 {
		t.Errorf("remote calls = %d, want 12", n)
	}

	status, err := h.engine.GetSyncStatus(context.Background())
	if err != nil {
		t.Fatalf("GetSyncStatus() error = %v", err)
	}
	if status.PendingCount != 0 || status.LastSyncStatus != models.SyncOutcomeSuccess || status.LastSyncTime == 0 || status.IsSyncing {
		t.Errorf("status = %+v", status)
	}
}

// TestSyncWithServer_emptyQueue verifies an empty cycle completes successfully.
func TestSyncWithServer_emptyQueue(t *testing.T) {
	h := newHarness(t)

	if !h.sync(t) {
		t.Error("SyncWithServer() = false, want true")
	}
	completed := h.events.named(events.SyncCompleted)
	if len(completed) != 1 {
		t.Fatalf("got %d SYNC_COMPLETED events, want 1", len(completed))
	}
	c := completed[0].(events.SyncCompletedEvent)
	if !c.Success || c.Processed != 0 || c.Failed != 0 {
		t.Errorf("completed = %+v", c)
	}
	if h.remote.count() != 0 {
		t.Error("remote called for an empty queue")
	}
}

// TestSyncWithServer_priorityOrder verifies replay follows queue order.
func TestSyncWithServer_priorityOrder(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "p1", models.EntityPayment, models.ActionDelete, ``)
	h.enqueue(t, "me", models.EntityProfile, models.ActionUpdate, `{"name":"Sam"}`)
	h.enqueue(t, "w1", models.EntityWork, models.ActionCreate, `{"title":"Paint"}`)

	h.sync(t)

	want := []string{"/profiles/me", "/works", "/payments/p1"}
	for i, endpoint := range want {
		if got := h.remote.callAt(i).endpoint; got != endpoint {
			t.Errorf("call %d endpoint = %s, want %s", i, got, endpoint)
		}
	}
}

// TestSyncWithServer_requestShape verifies methods and injected fields.
func TestSyncWithServer_requestShape(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "w1", models.EntityWork, models.ActionCreate, `{"title":"Paint"}`)
	h.enqueue(t, "w2", models.EntityWork, models.ActionUpdate, `{"hours":2}`)
	h.enqueue(t, "p1", models.EntityPayment, models.ActionDelete, ``)

	h.sync(t)

	deviceID, _ := device.New(h.store).ID(context.Background())

	create := h.remote.callAt(0)
	if create.method != remote.MethodPost || create.endpoint != "/works" {
		t.Errorf("create = %s %s", create.method, create.endpoint)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(create.data, &body); err != nil {
		t.Fatalf("create body %s: %v", create.data, err)
	}
	if body["title"] != "Paint" || body["_version"] != float64(1) || body["_deviceId"] != deviceID {
		t.Errorf("create body = %v", body)
	}

	update := h.remote.callAt(1)
	if update.method != remote.MethodPut || update.endpoint != "/works/w2" {
		t.Errorf("update = %s %s", update.method, update.endpoint)
	}

	del := h.remote.callAt(2)
	if del.method != remote.MethodDelete || del.endpoint != "/payments/p1" {
		t.Errorf("delete = %s %s", del.method, del.endpoint)
	}
	if len(del.data) != 0 {
		t.Errorf("delete body = %s, want none", del.data)
	}
}

// TestSyncWithServer_concurrentGuard verifies a second call during a cycle is a no-op.
func TestSyncWithServer_concurrentGuard(t *testing.T) {
	h := newHarness(t)
	h.enqueueWork(t, 1)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.remote.setHandler(func(int, string, remote.Request) (*remote.Response, error) {
		close(entered)
		<-release
		return &remote.Response{Status: 200}, nil
	})

	done := make(chan bool)
	go func() { done <- h.engine.SyncWithServer(context.Background()) }()

	<-entered
	if !h.engine.IsSyncing() {
		t.Error("IsSyncing() = false during a cycle")
	}
	if h.engine.SyncWithServer(context.Background()) {
		t.Error("second SyncWithServer() = true, want false")
	}
	close(release)

	if !<-done {
		t.Error("first SyncWithServer() = false, want true")
	}
	if n := h.remote.count(); n != 1 {
		t.Errorf("remote calls = %d, want 1", n)
	}
	if n := len(h.events.named(events.SyncStarted)); n != 1 {
		t.Errorf("got %d SYNC_STARTED events, want 1", n)
	}
	if h.engine.IsSyncing() {
		t.Error("IsSyncing() = true after the cycle")
	}
}

// =====================================================
// Failure Handling Tests
// =====================================================

// TestSyncWithServer_retryBound verifies transient failures retry MaxRetries times.
func TestSyncWithServer_retryBound(t *testing.T) {
	h := newHarness(t)
	h.enqueueWork(t, 1)
	h.remote.setHandler(failWith(503, ""))

	for cycle := 1; cycle <= 4; cycle++ {
		if h.sync(t) {
			t.Errorf("cycle %d: SyncWithServer() = true, want false", cycle)
		}
		left := h.pending(t)
		if len(left) != 1 || left[0].RetryCount != cycle {
			t.Fatalf("cycle %d: queue = %+v", cycle, left)
		}
		if left[0].LastAttempt == 0 || left[0].Error == "" {
			t.Errorf("cycle %d: lastAttempt/error not recorded", cycle)
		}
	}

	status, _ := h.engine.GetSyncStatus(context.Background())
	if status.LastSyncStatus != models.SyncOutcomePartial || status.FailedCount != 1 {
		t.Errorf("status after retries = %+v", status)
	}

	h.sync(t)

	if left := h.pending(t); len(left) != 0 {
		t.Errorf("queue = %+v, want empty after max retries", left)
	}
	if n := h.remote.count(); n != 5 {
		t.Errorf("remote calls = %d, want 5", n)
	}

	var maxRetries, temporary int
	for _, e := range h.events.named(events.ActionFailed) {
		switch f := e.(events.ActionFailedEvent); f.Reason {
		case events.ReasonMaxRetries:
			maxRetries++
		case events.ReasonTemporaryFailure:
			temporary++
			if !f.WillRetry {
				t.Error("temporary failure without willRetry")
			}
		}
	}
	if maxRetries != 1 || temporary != 4 {
		t.Errorf("max_retries events = %d, temporary = %d; want 1 and 4", maxRetries, temporary)
	}

	letters, _ := h.dead.List(context.Background())
	if len(letters) != 1 || letters[0].Reason != models.DeadLetterMaxRetries || letters[0].Status != 503 {
		t.Errorf("dead letters = %+v", letters)
	}
}

// TestSyncWithServer_clientErrorDrop verifies a 422 is dropped after one attempt.
func TestSyncWithServer_clientErrorDrop(t *testing.T) {
	h := newHarness(t)
	h.enqueueWork(t, 1)
	h.remote.setHandler(failWith(422, `{"error":"invalid"}`))

	if !h.sync(t) {
		t.Error("SyncWithServer() = false, want true")
	}
	h.sync(t)

	if n := h.remote.count(); n != 1 {
		t.Errorf("remote calls = %d, want 1", n)
	}
	if left := h.pending(t); len(left) != 0 {
		t.Errorf("queue = %+v, want empty", left)
	}

	processed := h.events.named(events.ActionProcessed)
	if len(processed) != 1 || processed[0].(events.ActionProcessedEvent).Action.Error == "" {
		t.Errorf("ACTION_PROCESSED = %+v, want one with the error recorded", processed)
	}
	if n := len(h.events.named(events.ActionFailed)); n != 0 {
		t.Errorf("got %d ACTION_FAILED events, want 0", n)
	}

	letters, _ := h.dead.List(context.Background())
	if len(letters) != 1 || letters[0].Reason != models.DeadLetterClientError || letters[0].Status != 422 {
		t.Errorf("dead letters = %+v", letters)
	}
}

// TestSyncWithServer_nonRemoteError verifies untyped errors are treated as transient.
func TestSyncWithServer_nonRemoteError(t *testing.T) {
	h := newHarness(t)
	h.enqueueWork(t, 1)
	h.remote.setHandler(func(int, string, remote.Request) (*remote.Response, error) {
		return nil, errors.New("socket closed")
	})

	h.sync(t)

	left := h.pending(t)
	if len(left) != 1 || left[0].RetryCount != 1 {
		t.Errorf("queue = %+v, want one action with retryCount 1", left)
	}
}

// TestSyncWithServer_networkLossAbort verifies later batches are skipped after disconnection.
func TestSyncWithServer_networkLossAbort(t *testing.T) {
	h := newHarness(t)
	h.enqueueWork(t, 25)
	h.remote.setHandler(func(n int, _ string, _ remote.Request) (*remote.Response, error) {
		if n == 1 {
			h.conn.online.Store(false)
		}
		return &remote.Response{Status: 200}, nil
	})

	if h.sync(t) {
		t.Error("SyncWithServer() = true, want false")
	}

	if n := h.remote.count(); n != 10 {
		t.Errorf("remote calls = %d, want 10 (batch 1 only)", n)
	}
	failed := h.events.named(events.SyncFailed)
	if len(failed) != 1 || failed[0].(events.SyncFailedEvent).Reason != events.ReasonNetworkDisconnected {
		t.Errorf("SYNC_FAILED = %+v", failed)
	}
	if n := len(h.events.named(events.SyncProgress)); n != 1 {
		t.Errorf("got %d SYNC_PROGRESS events, want 1", n)
	}
	if n := len(h.events.named(events.SyncCompleted)); n != 0 {
		t.Errorf("got %d SYNC_COMPLETED events, want 0", n)
	}

	left := h.pending(t)
	if len(left) != 15 {
		t.Fatalf("queue has %d actions, want 15", len(left))
	}
	for _, a := range left {
		if a.RetryCount != 0 {
			t.Errorf("unattempted action %s has retryCount %d", a.SyncID, a.RetryCount)
		}
	}

	status, _ := h.engine.GetSyncStatus(context.Background())
	if status.LastSyncStatus != models.SyncOutcomePartial || status.PendingCount != 15 {
		t.Errorf("status = %+v", status)
	}
}

// TestSyncWithServer_queueDuringCycle verifies actions queued mid-cycle survive bookkeeping.
func TestSyncWithServer_queueDuringCycle(t *testing.T) {
	h := newHarness(t)
	h.enqueueWork(t, 2)

	var lateSyncID string
	h.remote.setHandler(func(n int, _ string, _ remote.Request) (*remote.Response, error) {
		if n == 1 {
			lateSyncID = h.enqueue(t, "late", models.EntitySettings, models.ActionUpdate, `{"theme":"dark"}`)
		}
		return &remote.Response{Status: 200}, nil
	})

	h.sync(t)

	left := h.pending(t)
	if len(left) != 1 || left[0].SyncID != lateSyncID {
		t.Errorf("queue = %+v, want only the late action", left)
	}
	completed := h.events.named(events.SyncCompleted)[0].(events.SyncCompletedEvent)
	if completed.Processed != 2 || *completed.Remaining != 1 {
		t.Errorf("completed = %+v", completed)
	}
}

// TestSyncWithServer_replacedDuringCycle verifies an action coalesced away mid-cycle is skipped.
func TestSyncWithServer_replacedDuringCycle(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "w1", models.EntityWork, models.ActionUpdate, `{"hours":1}`)

	var replacement string
	h.remote.setHandler(func(n int, _ string, _ remote.Request) (*remote.Response, error) {
		if n == 1 {
			replacement = h.enqueue(t, "w1", models.EntityWork, models.ActionUpdate, `{"hours":2}`)
		}
		return nil, &remote.Error{Status: 503, Message: "busy"}
	})

	h.sync(t)

	left := h.pending(t)
	if len(left) != 1 || left[0].SyncID != replacement || left[0].RetryCount != 0 {
		t.Errorf("queue = %+v, want the untouched replacement", left)
	}
	if n := len(h.events.named(events.ActionFailed)); n != 0 {
		t.Errorf("got %d ACTION_FAILED events for a replaced action, want 0", n)
	}
}

// TestSyncWithServer_unexpectedPanic verifies a crash is reported and the guard released.
func TestSyncWithServer_unexpectedPanic(t *testing.T) {
	h := newHarness(t)
	h.enqueueWork(t, 1)
	h.remote.setHandler(func(int, string, remote.Request) (*remote.Response, error) {
		panic("driver bug")
	})

	if h.sync(t) {
		t.Error("SyncWithServer() = true, want false")
	}
	failed := h.events.named(events.SyncFailed)
	if len(failed) != 1 {
		t.Fatalf("got %d SYNC_FAILED events, want 1", len(failed))
	}
	if f := failed[0].(events.SyncFailedEvent); f.Reason != events.ReasonUnexpectedError || f.Error == "" {
		t.Errorf("SYNC_FAILED = %+v", f)
	}
	if h.engine.IsSyncing() {
		t.Fatal("guard not released after panic")
	}

	h.remote.setHandler(succeed)
	if !h.sync(t) {
		t.Error("SyncWithServer() after recovery = false, want true")
	}
}

// brokenQueueStore fails reads of the pending action key once armed.
type brokenQueueStore struct {
	*store.MemoryStore
	armed atomic.Bool
}

func (b *brokenQueueStore) Get(ctx context.Context, key string) (string, bool, error) {
	if b.armed.Load() && key == store.KeyPendingActions {
		return "", false, errors.New("disk error")
	}
	return b.MemoryStore.Get(ctx, key)
}

// TestSyncWithServer_storeFailure verifies storage errors surface as unexpected_error.
func TestSyncWithServer_storeFailure(t *testing.T) {
	s := &brokenQueueStore{MemoryStore: store.NewMemoryStore()}
	bus := events.NewBus()
	rec := &recorder{}
	bus.On(events.Wildcard, rec.handle)
	ids := device.New(s)
	q := queue.NewManager(s, bus, ids)
	e := NewEngine(Deps{Bus: bus, Queue: q, Devices: ids, Remote: &fakeRemote{}}, Options{DebounceDelay: time.Hour})
	defer e.Close()

	s.armed.Store(true)
	if e.SyncWithServer(context.Background()) {
		t.Error("SyncWithServer() = true, want false")
	}
	failed := rec.named(events.SyncFailed)
	if len(failed) != 1 || failed[0].(events.SyncFailedEvent).Reason != events.ReasonUnexpectedError {
		t.Errorf("SYNC_FAILED = %+v", failed)
	}
}

// =====================================================
// Conflict Tests
// =====================================================

// TestSyncWithServer_conflictServerWins verifies the default drops the action.
func TestSyncWithServer_conflictServerWins(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "w1", models.EntityWork, models.ActionUpdate, `{"hours":3}`)
	h.remote.setHandler(failWith(409, `{"hours":5}`))

	if !h.sync(t) {
		t.Error("SyncWithServer() = false, want true")
	}
	h.sync(t)

	if n := h.remote.count(); n != 1 {
		t.Errorf("remote calls = %d, want 1", n)
	}
	if left := h.pending(t); len(left) != 0 {
		t.Errorf("queue = %+v, want empty", left)
	}

	conflicts := h.events.named(events.ConflictDetected)
	if len(conflicts) != 1 {
		t.Fatalf("got %d CONFLICT_DETECTED events, want 1", len(conflicts))
	}
	c := conflicts[0].(events.ConflictDetectedEvent)
	if string(c.ServerData) != `{"hours":5}` || string(c.ClientData) != `{"hours":3}` {
		t.Errorf("conflict = server %s client %s", c.ServerData, c.ClientData)
	}

	processed := h.events.named(events.ActionProcessed)
	if len(processed) != 1 {
		t.Fatalf("got %d ACTION_PROCESSED events, want 1", len(processed))
	}
	if settled := processed[0].(events.ActionProcessedEvent).Action; !settled.IsConflictResolved() {
		t.Errorf("ACTION_PROCESSED = %+v, want conflictResolved", settled)
	}
	if letters, _ := h.dead.List(context.Background()); len(letters) != 0 {
		t.Errorf("server-wins conflict dead-lettered: %+v", letters)
	}
}

// TestSyncWithServer_conflictFlag verifies a 2xx body with conflict:true is a conflict.
func TestSyncWithServer_conflictFlag(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "w1", models.EntityWork, models.ActionUpdate, `{"hours":3}`)
	h.remote.setHandler(func(int, string, remote.Request) (*remote.Response, error) {
		return &remote.Response{Status: 200, Conflict: true, Data: json.RawMessage(`{"hours":9}`)}, nil
	})

	h.sync(t)

	if n := len(h.events.named(events.ConflictDetected)); n != 1 {
		t.Errorf("got %d CONFLICT_DETECTED events, want 1", n)
	}
	if left := h.pending(t); len(left) != 0 {
		t.Errorf("queue = %+v, want empty", left)
	}
}

// TestSyncWithServer_conflictClientWins verifies a version bump and a retry that carries it.
func TestSyncWithServer_conflictClientWins(t *testing.T) {
	h := newHarness(t, withStrategy(conflict.ClientWins{MaxConflicts: 5}))
	h.enqueue(t, "w1", models.EntityWork, models.ActionUpdate, `{"hours":3}`)
	h.remote.setHandler(failWith(409, `{"hours":5}`))

	if h.sync(t) {
		t.Error("SyncWithServer() = true, want false")
	}

	left := h.pending(t)
	if len(left) != 1 {
		t.Fatalf("queue = %+v, want the action kept", left)
	}
	a := left[0]
	if a.Version != 2 || a.RetryCount != 1 || a.ConflictCount != 1 || string(a.ConflictData) != `{"hours":5}` {
		t.Errorf("action = %+v", a)
	}

	h.remote.setHandler(succeed)
	if !h.sync(t) {
		t.Error("retry SyncWithServer() = false, want true")
	}
	var body map[string]interface{}
	json.Unmarshal(h.remote.callAt(1).data, &body)
	if body["_version"] != float64(2) {
		t.Errorf("retry _version = %v, want 2", body["_version"])
	}
}

// TestSyncWithServer_conflictClientWinsBounded verifies endless conflicts eventually drop.
func TestSyncWithServer_conflictClientWinsBounded(t *testing.T) {
	h := newHarness(t, withStrategy(conflict.ClientWins{MaxConflicts: 2}))
	h.enqueue(t, "w1", models.EntityWork, models.ActionUpdate, `{"hours":3}`)
	h.remote.setHandler(failWith(409, ``))

	for i := 0; i < 20 && len(h.pending(t)) > 0; i++ {
		h.sync(t)
	}

	if left := h.pending(t); len(left) != 0 {
		t.Fatalf("queue = %+v, want the action dropped", left)
	}
	// Two resets leave retryCount at 1; four more conflicts exhaust it.
	if n := len(h.events.named(events.ConflictDetected)); n != 6 {
		t.Errorf("got %d conflicts, want 6", n)
	}
}

// TestSyncWithServer_conflictManual verifies manual resolution keeps the action until retries run out.
func TestSyncWithServer_conflictManual(t *testing.T) {
	h := newHarness(t, withStrategy(conflict.ManualResolution{}))
	h.enqueue(t, "w1", models.EntityWork, models.ActionUpdate, `{"hours":3}`)
	h.remote.setHandler(failWith(409, `{"hours":5}`))

	h.sync(t)

	left := h.pending(t)
	if len(left) != 1 || left[0].ConflictResolved == nil || *left[0].ConflictResolved {
		t.Fatalf("queue = %+v, want one unresolved action", left)
	}

	for i := 0; i < 4; i++ {
		h.sync(t)
	}
	if left := h.pending(t); len(left) != 0 {
		t.Errorf("queue = %+v, want empty after retry exhaustion", left)
	}
	if n := len(h.events.named(events.ActionFailed)); n != 5 {
		t.Errorf("got %d ACTION_FAILED events, want 5", n)
	}
}

// =====================================================
// Scheduling Tests
// =====================================================

// TestScheduleSync_debounce verifies a burst of queued actions yields one cycle.
func TestScheduleSync_debounce(t *testing.T) {
	h := newHarness(t, withDebounce(20*time.Millisecond))

	h.enqueueWork(t, 5)

	waitFor(t, func() bool { return len(h.events.named(events.SyncCompleted)) == 1 })
	time.Sleep(60 * time.Millisecond)

	if n := len(h.events.named(events.SyncStarted)); n != 1 {
		t.Errorf("got %d SYNC_STARTED events, want 1", n)
	}
	if n := h.remote.count(); n != 5 {
		t.Errorf("remote calls = %d, want 5", n)
	}
	if left := h.pending(t); len(left) != 0 {
		t.Errorf("queue = %+v, want empty", left)
	}
}

// TestScheduleSync_offline verifies nothing is scheduled while offline.
func TestScheduleSync_offline(t *testing.T) {
	h := newHarness(t, withDebounce(10*time.Millisecond))
	h.conn.online.Store(false)
	h.engine.SetOnline(false)

	h.enqueueWork(t, 2)
	time.Sleep(50 * time.Millisecond)

	if n := h.remote.count(); n != 0 {
		t.Errorf("remote calls = %d while offline, want 0", n)
	}
	if len(h.pending(t)) != 2 {
		t.Error("actions lost while offline")
	}
}

// TestScheduleSync_duringCycle verifies an action queued mid-cycle does not
// schedule a second cycle.
func TestScheduleSync_duringCycle(t *testing.T) {
	h := newHarness(t, withDebounce(10*time.Millisecond))
	h.engine.SetOnline(false)
	h.enqueueWork(t, 1)
	h.engine.SetOnline(true)

	var lateSyncID string
	h.remote.setHandler(func(n int, _ string, _ remote.Request) (*remote.Response, error) {
		if n == 1 {
			lateSyncID = h.enqueue(t, "late", models.EntitySettings, models.ActionUpdate, `{"theme":"dark"}`)
		}
		return &remote.Response{Status: 200}, nil
	})

	h.sync(t)
	time.Sleep(50 * time.Millisecond)

	if n := len(h.events.named(events.SyncStarted)); n != 1 {
		t.Errorf("got %d SYNC_STARTED events, want 1", n)
	}
	if left := h.pending(t); len(left) != 1 || left[0].SyncID != lateSyncID {
		t.Errorf("queue = %+v, want only the late action", left)
	}
}

// TestClose_stopsScheduling verifies a closed engine ignores triggers.
func TestClose_stopsScheduling(t *testing.T) {
	h := newHarness(t, withDebounce(10*time.Millisecond))
	h.engine.Close()

	h.enqueueWork(t, 1)
	time.Sleep(40 * time.Millisecond)

	if n := h.remote.count(); n != 0 {
		t.Errorf("remote calls = %d after Close, want 0", n)
	}
}

// =====================================================
// Initialization and Cache Tests
// =====================================================

// TestInitialize verifies metadata creation and online seeding.
func TestInitialize(t *testing.T) {
	h := newHarness(t)

	meta, found, err := h.queue.Metadata(context.Background())
	if err != nil || !found {
		t.Fatalf("Metadata() = %v, %v", found, err)
	}
	if meta.DeviceID == "" || meta.Version != models.SyncMetadataVersion {
		t.Errorf("meta = %+v", meta)
	}
	if !h.engine.Online() {
		t.Error("Online() = false, want seeded true")
	}
	if h.conn.checks.Load() == 0 {
		t.Error("connectivity not checked during Initialize")
	}
}

// failingStore fails every operation.
type failingStore struct{}

func (failingStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("unavailable")
}
func (failingStore) Set(context.Context, string, string) error { return errors.New("unavailable") }
func (failingStore) Remove(context.Context, string) error      { return errors.New("unavailable") }
func (failingStore) Close() error                              { return nil }

// TestInitialize_storeFailure verifies initialization errors propagate.
func TestInitialize_storeFailure(t *testing.T) {
	s := failingStore{}
	bus := events.NewBus()
	ids := device.New(s)
	e := NewEngine(Deps{Bus: bus, Queue: queue.NewManager(s, bus, ids), Devices: ids, Remote: &fakeRemote{}}, DefaultOptions())
	defer e.Close()

	err := e.Initialize(context.Background())
	if !apperrors.Is(err, apperrors.ErrInitFailed) {
		t.Errorf("Initialize() error = %v, want INIT_FAILED", err)
	}
}

// TestClearSyncedData verifies the cache is only cleared with an empty queue.
func TestClearSyncedData(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enqueue(t, "w1", models.EntityWork, models.ActionCreate, `{"title":"Paint"}`)

	cleared, err := h.engine.ClearSyncedData(ctx)
	if err != nil || cleared {
		t.Errorf("ClearSyncedData() with pending = %v, %v; want false", cleared, err)
	}
	if raw, _ := h.queue.OfflineEntity(ctx, models.EntityWork, "w1"); raw == nil {
		t.Error("cache cleared while actions were pending")
	}

	h.sync(t)

	cleared, err = h.engine.ClearSyncedData(ctx)
	if err != nil || !cleared {
		t.Errorf("ClearSyncedData() after sync = %v, %v; want true", cleared, err)
	}
	if raw, _ := h.queue.OfflineEntity(ctx, models.EntityWork, "w1"); raw != nil {
		t.Errorf("cache entry %s survived ClearSyncedData", raw)
	}
}

// TestPercent verifies rounding of progress.
func TestPercent(t *testing.T) {
	tests := []struct{ done, total, want int }{
		{10, 12, 83},
		{12, 12, 100},
		{1, 3, 33},
		{2, 3, 67},
		{0, 0, 100},
	}
	for _, tt := range tests {
		if got := percent(tt.done, tt.total); got != tt.want {
			t.Errorf("percent(%d, %d) = %d, want %d", tt.done, tt.total, got, tt.want)
		}
	}
}
