package sync

import (
	"context"
	"fmt"
	"math"
	stdsync "sync"
	"sync/atomic"
	"time"

	apperrors "github.com/kimhsiao/worktally/internal/errors"
	"github.com/kimhsiao/worktally/internal/events"
	"github.com/kimhsiao/worktally/internal/logging"
	"github.com/kimhsiao/worktally/internal/models"
	"github.com/kimhsiao/worktally/internal/sync/conflict"
	"github.com/kimhsiao/worktally/internal/sync/deadletter"
	"github.com/kimhsiao/worktally/internal/sync/queue"
	"github.com/kimhsiao/worktally/internal/sync/remote"
)

// Options tunes batching, retries and scheduling.
type Options struct {
	BatchSize     int
	MaxRetries    int
	DebounceDelay time.Duration
}

// DefaultOptions returns the standard engine settings.
func DefaultOptions() Options {
	return Options{
		BatchSize:     10,
		MaxRetries:    5,
		DebounceDelay: 100 * time.Millisecond,
	}
}

// Status is the read-only snapshot exposed to UI layers.
type Status struct {
	PendingCount   int                `json:"pendingCount"`
	FailedCount    int                `json:"failedCount"`
	LastSyncTime   int64              `json:"lastSyncTime,omitempty"`
	LastSyncStatus models.SyncOutcome `json:"lastSyncStatus,omitempty"`
	IsSyncing      bool               `json:"isSyncing"`
}

// Deps are the collaborators of an Engine. DeadLetters and Connectivity may
// be nil; a nil Connectivity is always online.
type Deps struct {
	Bus          *events.Bus
	Queue        *queue.Manager
	Devices      queue.DeviceIDs
	Remote       remote.Client
	Connectivity Connectivity
	Strategy     conflict.Strategy
	DeadLetters  *deadletter.Log
}

// Engine replays the pending action queue. At most one cycle runs at a time.
type Engine struct {
	bus         *events.Bus
	queue       *queue.Manager
	devices     queue.DeviceIDs
	remote      remote.Client
	conn        Connectivity
	strategy    conflict.Strategy
	deadLetters *deadletter.Log
	opts        Options
	now         func() time.Time

	syncing atomic.Bool
	online  atomic.Bool

	baseCtx context.Context
	cancel  context.CancelFunc

	mu          stdsync.Mutex // guards timer, closed, unsubscribe, initialized
	timer       *time.Timer
	closed      bool
	initialized bool
	unsubscribe func()
	inflight    stdsync.WaitGroup
}

// NewEngine creates an engine and registers it as the queue's sync trigger.
func NewEngine(d Deps, opts Options) *Engine {
	def := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.DebounceDelay <= 0 {
		opts.DebounceDelay = def.DebounceDelay
	}
	if d.Strategy == nil {
		d.Strategy = conflict.ServerWins{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		bus:         d.Bus,
		queue:       d.Queue,
		devices:     d.Devices,
		remote:      d.Remote,
		conn:        d.Connectivity,
		strategy:    d.Strategy,
		deadLetters: d.DeadLetters,
		opts:        opts,
		now:         time.Now,
		baseCtx:     ctx,
		cancel:      cancel,
	}
	e.online.Store(d.Connectivity == nil)
	d.Queue.SetTrigger(e)
	return e
}

// Initialize creates the sync metadata record on first run and seeds the
// online state. Failures are returned to the caller.
func (e *Engine) Initialize(ctx context.Context) error {
	deviceID, err := e.devices.ID(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInitFailed, "resolve device id", err)
	}

	_, found, err := e.queue.Metadata(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInitFailed, "load sync metadata", err)
	}
	if !found {
		actions, err := e.queue.PendingActions(ctx)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInitFailed, "load pending actions", err)
		}
		err = e.queue.UpdateMetadata(ctx, func(meta *models.SyncMetadata) {
			meta.DeviceID = deviceID
			meta.Version = models.SyncMetadataVersion
			meta.PendingCount = len(actions)
			meta.FailedCount = models.CountFailed(actions)
		})
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInitFailed, "create sync metadata", err)
		}
	}

	if e.conn != nil {
		e.online.Store(e.conn.Check(ctx))
		e.mu.Lock()
		if !e.initialized && !e.closed {
			e.unsubscribe = e.conn.Subscribe(e.SetOnline)
		}
		e.mu.Unlock()
	}

	e.mu.Lock()
	e.initialized = true
	e.mu.Unlock()

	logging.Info("sync engine initialized", map[string]interface{}{
		"device_id":  deviceID,
		"online":     e.online.Load(),
		"batch_size": e.opts.BatchSize,
		"strategy":   e.strategy.Name(),
	})
	return nil
}

// SetOnline updates the cached connectivity state.
func (e *Engine) SetOnline(online bool) {
	e.online.Store(online)
}

// Online reports the cached connectivity state.
func (e *Engine) Online() bool {
	return e.online.Load()
}

// IsSyncing reports whether a cycle is in flight.
func (e *Engine) IsSyncing() bool {
	return e.syncing.Load()
}

// ScheduleSync arms (or re-arms) the debounce timer so a burst of queued
// actions results in one cycle. Nothing is scheduled while offline or while a
// cycle is running; actions queued mid-cycle wait for the next trigger.
func (e *Engine) ScheduleSync() {
	if !e.online.Load() || e.syncing.Load() {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(e.opts.DebounceDelay, e.fireScheduled)
}

func (e *Engine) fireScheduled() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.inflight.Add(1)
	e.mu.Unlock()
	defer e.inflight.Done()

	if !e.online.Load() || e.syncing.Load() {
		return
	}
	e.SyncWithServer(e.baseCtx)
}

// Close stops scheduling, drops the connectivity subscription and waits for
// a scheduled cycle that already started.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if e.timer != nil {
		e.timer.Stop()
	}
	unsubscribe := e.unsubscribe
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	e.cancel()
	e.inflight.Wait()
}

// SyncWithServer runs one sync cycle and reports whether every action was
// settled. A second call while a cycle is running returns false at once.
func (e *Engine) SyncWithServer(ctx context.Context) (ok bool) {
	if !e.syncing.CompareAndSwap(false, true) {
		logging.Debug("sync already in progress")
		return false
	}
	defer e.syncing.Store(false)

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			logging.ErrorWithCode("sync cycle crashed", string(apperrors.ErrSyncFailed), err)
			e.bus.Emit(events.SyncFailedEvent{Reason: events.ReasonUnexpectedError, Error: err.Error()})
			ok = false
		}
	}()

	e.bus.Emit(events.SyncStartedEvent{})

	ok, err := e.runCycle(ctx)
	if err != nil {
		logging.ErrorWithCode("sync cycle failed", string(apperrors.ErrSyncFailed), err)
		e.bus.Emit(events.SyncFailedEvent{Reason: events.ReasonUnexpectedError, Error: err.Error()})
		return false
	}
	return ok
}

// cycle accumulates the counters of one sync cycle.
type cycle struct {
	total     int
	processed int
	failed    int
	success   bool
}

func (e *Engine) runCycle(ctx context.Context) (bool, error) {
	actions, err := e.queue.PendingActions(ctx)
	if err != nil {
		return false, err
	}
	if len(actions) == 0 {
		e.bus.Emit(events.SyncCompletedEvent{Success: true})
		return true, nil
	}

	deviceID, err := e.devices.ID(ctx)
	if err != nil {
		return false, err
	}

	batches := partition(actions, e.opts.BatchSize)
	c := &cycle{total: len(actions), success: true}

	logging.Info("sync started", map[string]interface{}{
		"pending": c.total,
		"batches": len(batches),
	})

	for i, batch := range batches {
		outcomes := make([]outcome, len(batch))
		for j := range batch {
			outcomes[j] = e.processAction(ctx, batch[j], deviceID)
		}
		e.settleBatch(ctx, outcomes, c)

		e.bus.Emit(events.SyncProgressEvent{
			CurrentBatch:    i + 1,
			TotalBatches:    len(batches),
			Processed:       c.processed,
			Failed:          c.failed,
			Total:           c.total,
			PercentComplete: percent(c.processed+c.failed, c.total),
		})

		if i < len(batches)-1 && !e.checkOnline(ctx) {
			logging.Warn("connectivity lost, aborting sync", map[string]interface{}{
				"batch":         i + 1,
				"total_batches": len(batches),
			})
			e.bus.Emit(events.SyncFailedEvent{Reason: events.ReasonNetworkDisconnected})
			c.success = false
			e.finish(ctx, c)
			return false, nil
		}
	}

	remaining := e.finish(ctx, c)
	e.bus.Emit(events.SyncCompletedEvent{
		Success:   c.success,
		Processed: c.processed,
		Failed:    c.failed,
		Remaining: events.IntPtr(remaining),
	})

	logging.Info("sync completed", map[string]interface{}{
		"success":   c.success,
		"processed": c.processed,
		"failed":    c.failed,
		"remaining": remaining,
	})
	return c.success, nil
}

// decision is the bookkeeping verdict for one attempted action.
type decision struct {
	out       outcome
	action    models.PendingAction
	drop      bool
	exhausted bool
	skipped   bool
}

// settleBatch applies the outcomes of a batch to the authoritative queue,
// locating each action by syncId, then emits the per-action events.
func (e *Engine) settleBatch(ctx context.Context, outcomes []outcome, c *cycle) {
	now := e.now().UnixMilli()
	decisions := make([]decision, len(outcomes))
	for i, out := range outcomes {
		d := decision{out: out, action: out.action}
		if out.done {
			d.drop = true
		} else {
			d.action.RetryCount++
			d.action.LastAttempt = now
			if d.action.RetryCount >= e.opts.MaxRetries {
				d.drop = true
				d.exhausted = true
			}
		}
		decisions[i] = d
	}

	_, err := e.queue.Update(ctx, func(remaining []models.PendingAction) []models.PendingAction {
		for i := range decisions {
			idx := indexOf(remaining, decisions[i].action.SyncID)
			if idx < 0 {
				decisions[i].skipped = true
				continue
			}
			if decisions[i].drop {
				remaining = append(remaining[:idx], remaining[idx+1:]...)
			} else {
				remaining[idx] = decisions[i].action
			}
		}
		return remaining
	})
	if err != nil {
		logging.Error("failed to persist sync progress", err, map[string]interface{}{
			"batch_size": len(outcomes),
		})
	}

	for _, d := range decisions {
		if d.skipped {
			continue
		}
		switch {
		case d.out.done:
			c.processed++
			e.bus.Emit(events.ActionProcessedEvent{Action: d.action})
			if d.out.clientError {
				e.recordDeadLetter(ctx, d.action, models.DeadLetterClientError, d.out.status)
			}
		case d.exhausted:
			c.failed++
			logging.Warn("action dropped after max retries", map[string]interface{}{
				"sync_id":     d.action.SyncID,
				"retry_count": d.action.RetryCount,
				"error":       d.action.Error,
			})
			e.bus.Emit(events.ActionFailedEvent{Action: d.action, Reason: events.ReasonMaxRetries})
			e.recordDeadLetter(ctx, d.action, models.DeadLetterMaxRetries, d.out.status)
		default:
			c.failed++
			c.success = false
			e.bus.Emit(events.ActionFailedEvent{Action: d.action, Reason: events.ReasonTemporaryFailure, WillRetry: true})
		}
	}
}

// finish writes the cycle result into the sync metadata and returns the
// number of actions still queued. Failures are logged only.
func (e *Engine) finish(ctx context.Context, c *cycle) int {
	remaining, err := e.queue.PendingActions(ctx)
	if err != nil {
		logging.Error("failed to reload queue after sync", err)
		return 0
	}

	status := models.SyncOutcomeSuccess
	if !c.success && len(remaining) > 0 {
		status = models.SyncOutcomePartial
	}

	err = e.queue.UpdateMetadata(ctx, func(meta *models.SyncMetadata) {
		meta.LastSyncTime = e.now().UnixMilli()
		meta.LastSyncStatus = status
		meta.PendingCount = len(remaining)
		meta.FailedCount = models.CountFailed(remaining)
	})
	if err != nil {
		logging.Error("failed to update sync metadata", err)
	}
	return len(remaining)
}

func (e *Engine) recordDeadLetter(ctx context.Context, action models.PendingAction, reason models.DeadLetterReason, status int) {
	if e.deadLetters == nil {
		return
	}
	// Record logs its own failures.
	_ = e.deadLetters.Record(ctx, action, reason, status)
}

func (e *Engine) checkOnline(ctx context.Context) bool {
	if e.conn == nil {
		return true
	}
	online := e.conn.Check(ctx)
	e.online.Store(online)
	return online
}

// ClearSyncedData clears the snapshot cache, but only when no action is
// pending. It reports whether the cache was cleared.
func (e *Engine) ClearSyncedData(ctx context.Context) (bool, error) {
	actions, err := e.queue.PendingActions(ctx)
	if err != nil {
		return false, err
	}
	if len(actions) > 0 {
		logging.Info("pending actions remain, keeping offline cache", map[string]interface{}{
			"pending": len(actions),
		})
		return false, nil
	}
	if err := e.queue.ClearCache(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// GetSyncStatus returns the status snapshot from the persisted metadata.
func (e *Engine) GetSyncStatus(ctx context.Context) (Status, error) {
	meta, _, err := e.queue.Metadata(ctx)
	if err != nil {
		return Status{IsSyncing: e.IsSyncing()}, err
	}
	return Status{
		PendingCount:   meta.PendingCount,
		FailedCount:    meta.FailedCount,
		LastSyncTime:   meta.LastSyncTime,
		LastSyncStatus: meta.LastSyncStatus,
		IsSyncing:      e.IsSyncing(),
	}, nil
}

func partition(actions []models.PendingAction, size int) [][]models.PendingAction {
	batches := make([][]models.PendingAction, 0, (len(actions)+size-1)/size)
	for start := 0; start < len(actions); start += size {
		end := start + size
		if end > len(actions) {
			end = len(actions)
		}
		batches = append(batches, actions[start:end])
	}
	return batches
}

func indexOf(actions []models.PendingAction, syncID string) int {
	for i := range actions {
		if actions[i].SyncID == syncID {
			return i
		}
	}
	return -1
}

func percent(done, total int) int {
	if total == 0 {
		return 100
	}
	return int(math.Round(float64(done) / float64(total) * 100))
}

