package network

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	apperrors "github.com/kimhsiao/worktally/internal/errors"
	"github.com/kimhsiao/worktally/internal/events"
	"github.com/kimhsiao/worktally/internal/logging"
	syncpkg "github.com/kimhsiao/worktally/internal/sync"
)

// DefaultStatusPoll is the cron spec for refreshing the sync status.
const DefaultStatusPoll = "@every 30s"

// SyncStats are the queue counters shown to the user.
type SyncStats struct {
	Pending  int `json:"pending"`
	Failed   int `json:"failed"`
	Progress int `json:"progress"`
}

// State is the UI-facing connectivity and sync snapshot.
type State struct {
	IsOnline          bool      `json:"isOnline"`
	IsSyncing         bool      `json:"isSyncing"`
	LastSyncTime      int64     `json:"lastSyncTime,omitempty"`
	SyncStats         SyncStats `json:"syncStats"`
	HasPendingChanges bool      `json:"hasPendingChanges"`
}

// Observer follows connectivity and sync events. It starts a sync when the
// device reconnects with pending changes.
type Observer struct {
	engine   syncpkg.SyncEngineInterface
	conn     Connectivity
	bus      *events.Bus
	schedule string

	mu          sync.RWMutex
	state       State
	isRunning   bool
	cron        *cron.Cron
	unsubscribe func()
	subs        []events.Subscription
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	listenerMu sync.Mutex
	listeners  map[int]func(State)
	nextID     int
}

// NewObserver creates an observer. An empty schedule uses DefaultStatusPoll.
func NewObserver(engine syncpkg.SyncEngineInterface, conn Connectivity, bus *events.Bus, schedule string) *Observer {
	if schedule == "" {
		schedule = DefaultStatusPoll
	}
	return &Observer{
		engine:    engine,
		conn:      conn,
		bus:       bus,
		schedule:  schedule,
		listeners: make(map[int]func(State)),
	}
}

// Start seeds the state, subscribes to connectivity and bus events, and
// starts the status poll.
func (o *Observer) Start(ctx context.Context) error {
	online := o.conn.Check(ctx)

	o.mu.Lock()
	if o.isRunning {
		o.mu.Unlock()
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(o.schedule, o.poll); err != nil {
		o.mu.Unlock()
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "invalid status poll schedule "+o.schedule, err)
	}
	o.cron = c
	o.ctx, o.cancel = context.WithCancel(context.Background())
	o.isRunning = true
	o.state.IsOnline = online
	o.mu.Unlock()

	o.refresh(ctx, nil)

	subs := []events.Subscription{
		o.bus.On(events.SyncStarted, o.onSyncStarted),
		o.bus.On(events.SyncProgress, o.onSyncProgress),
		o.bus.On(events.SyncCompleted, o.onSyncFinished),
		o.bus.On(events.SyncFailed, o.onSyncFinished),
		o.bus.On(events.ActionQueued, o.onActionQueued),
	}
	unsubscribe := o.conn.Subscribe(o.handleConnectivity)

	o.mu.Lock()
	o.subs = subs
	o.unsubscribe = unsubscribe
	o.mu.Unlock()

	c.Start()
	logging.Info("Network observer started", map[string]interface{}{
		"online":   o.Snapshot().IsOnline,
		"schedule": o.schedule,
	})
	return nil
}

// Stop detaches from all sources and waits for a reconnection sync in flight.
func (o *Observer) Stop() {
	o.mu.Lock()
	if !o.isRunning {
		o.mu.Unlock()
		return
	}
	o.isRunning = false
	c, subs, unsubscribe, cancel := o.cron, o.subs, o.unsubscribe, o.cancel
	o.subs, o.unsubscribe = nil, nil
	o.mu.Unlock()

	<-c.Stop().Done()
	if unsubscribe != nil {
		unsubscribe()
	}
	for _, sub := range subs {
		o.bus.Off(sub)
	}
	cancel()
	o.wg.Wait()

	logging.Info("Network observer stopped", nil)
}

// Snapshot returns the current state.
func (o *Observer) Snapshot() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// OnChange registers fn for state changes and returns a cancel function.
func (o *Observer) OnChange(fn func(State)) func() {
	o.listenerMu.Lock()
	defer o.listenerMu.Unlock()
	o.nextID++
	id := o.nextID
	o.listeners[id] = fn
	return func() {
		o.listenerMu.Lock()
		delete(o.listeners, id)
		o.listenerMu.Unlock()
	}
}

// SyncNow runs a sync immediately. It returns false when offline, when a
// cycle is already running, or when the cycle did not fully succeed.
func (o *Observer) SyncNow(ctx context.Context) bool {
	if !o.Snapshot().IsOnline {
		logging.Info("Sync requested while offline, skipping", nil)
		return false
	}
	ok := o.engine.SyncWithServer(ctx)
	o.refresh(ctx, nil)
	return ok
}

func (o *Observer) handleConnectivity(online bool) {
	o.mu.Lock()
	wasOnline := o.state.IsOnline
	o.state.IsOnline = online
	running := o.isRunning
	ctx := o.ctx
	if running && online && !wasOnline {
		o.wg.Add(1)
	}
	o.mu.Unlock()

	if wasOnline != online {
		logging.Info("Online status changed", map[string]interface{}{
			"was_online": wasOnline,
			"is_online":  online,
		})
		o.notify()
	}

	if running && online && !wasOnline {
		go func() {
			defer o.wg.Done()
			o.syncOnReconnect(ctx)
		}()
	}
}

func (o *Observer) syncOnReconnect(ctx context.Context) {
	status, err := o.engine.GetSyncStatus(ctx)
	if err != nil {
		logging.Error("Failed to read sync status after reconnect", err)
		return
	}
	if status.PendingCount == 0 || o.engine.IsSyncing() {
		return
	}

	logging.Info("Connection restored, syncing pending changes", map[string]interface{}{
		"pending": status.PendingCount,
	})
	o.engine.SyncWithServer(ctx)
	o.refresh(ctx, nil)
}

func (o *Observer) poll() {
	o.mu.RLock()
	ctx := o.ctx
	o.mu.RUnlock()
	if ctx == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	o.refresh(ctx, nil)
}

// refresh reloads the counters from the engine. adjust, if set, runs on the
// new state before it is stored.
func (o *Observer) refresh(ctx context.Context, adjust func(*State)) {
	status, err := o.engine.GetSyncStatus(ctx)
	if err != nil {
		logging.Warn("Failed to refresh sync status", map[string]interface{}{"error": err.Error()})
		return
	}

	o.mu.Lock()
	o.state.IsSyncing = status.IsSyncing
	o.state.LastSyncTime = status.LastSyncTime
	o.state.SyncStats.Pending = status.PendingCount
	o.state.SyncStats.Failed = status.FailedCount
	o.state.HasPendingChanges = status.PendingCount > 0
	if adjust != nil {
		adjust(&o.state)
	}
	o.mu.Unlock()

	o.notify()
}

func (o *Observer) update(fn func(*State)) {
	o.mu.Lock()
	fn(&o.state)
	o.mu.Unlock()
	o.notify()
}

func (o *Observer) onSyncStarted(events.Event) {
	o.update(func(s *State) {
		s.IsSyncing = true
		s.SyncStats.Progress = 0
	})
}

func (o *Observer) onSyncProgress(e events.Event) {
	p, ok := e.(events.SyncProgressEvent)
	if !ok {
		return
	}
	o.update(func(s *State) {
		s.SyncStats.Progress = p.PercentComplete
	})
}

// onSyncFinished runs before the engine releases its guard, so IsSyncing is
// forced off here.
func (o *Observer) onSyncFinished(events.Event) {
	o.mu.RLock()
	ctx := o.ctx
	o.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}
	o.refresh(ctx, func(s *State) {
		s.IsSyncing = false
	})
}

func (o *Observer) onActionQueued(e events.Event) {
	q, ok := e.(events.ActionQueuedEvent)
	if !ok {
		return
	}
	o.update(func(s *State) {
		s.SyncStats.Pending = q.PendingCount
		s.HasPendingChanges = q.PendingCount > 0
	})
}

func (o *Observer) notify() {
	state := o.Snapshot()

	o.listenerMu.Lock()
	fns := make([]func(State), 0, len(o.listeners))
	for _, fn := range o.listeners {
		fns = append(fns, fn)
	}
	o.listenerMu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}
