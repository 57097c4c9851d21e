// Package queue provides the offline action queue: the persisted log of
// pending mutations, the entity snapshot cache that serves local reads, and
// the sync metadata counters.
package queue

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/worktally/internal/errors"
	"github.com/kimhsiao/worktally/internal/events"
	"github.com/kimhsiao/worktally/internal/logging"
	"github.com/kimhsiao/worktally/internal/models"
	"github.com/kimhsiao/worktally/internal/store"
)

// DeviceIDs resolves the id of the originating device.
type DeviceIDs interface {
	ID(ctx context.Context) (string, error)
}

// Trigger is notified after every queued action. The sync engine implements
// it to schedule a replay when online and idle.
type Trigger interface {
	ScheduleSync()
}

// NewAction is a mutation requested by the application.
type NewAction struct {
	ID     string            `json:"id"`
	Type   models.EntityType `json:"type"`
	Action models.ActionType `json:"action"`
	Data   json.RawMessage   `json:"data,omitempty"`
}

// Manager owns the pending action log. All writes to the log go through
// the manager mutex so a sync cycle and QueueAction never lose each other's
// updates.
type Manager struct {
	store   store.Store
	bus     *events.Bus
	devices DeviceIDs
	now     func() time.Time

	// Lock order: mu, then cacheMu or metaMu.
	mu     sync.Mutex // guards the pending action key and lastMs
	lastMs int64

	cacheMu sync.Mutex
	metaMu  sync.Mutex

	triggerMu sync.RWMutex
	trigger   Trigger
}

// NewManager creates a queue manager.
func NewManager(s store.Store, bus *events.Bus, devices DeviceIDs) *Manager {
	return &Manager{
		store:   s,
		bus:     bus,
		devices: devices,
		now:     time.Now,
	}
}

// SetTrigger registers the component notified after each queued action.
func (m *Manager) SetTrigger(t Trigger) {
	m.triggerMu.Lock()
	m.trigger = t
	m.triggerMu.Unlock()
}

// QueueAction validates and persists a mutation and returns its syncId.
// An existing action with the same (id, type, action) is replaced in place.
// A failure to persist the queue is returned; cache and metadata updates are
// best-effort.
func (m *Manager) QueueAction(ctx context.Context, req NewAction) (string, error) {
	if err := validate(req); err != nil {
		return "", err
	}

	deviceID, err := m.devices.ID(ctx)
	if err != nil {
		return "", err
	}

	var (
		action       models.PendingAction
		pendingCount int
		failedCount  int
	)

	m.mu.Lock()
	ts := m.nextTimestamp()
	action = models.PendingAction{
		ID:         req.ID,
		SyncID:     models.NewSyncID(req.Type, req.ID, time.UnixMilli(ts)),
		Type:       req.Type,
		Action:     req.Action,
		Data:       req.Data,
		Timestamp:  ts,
		RetryCount: 0,
		Priority:   models.PriorityFor(req.Type, req.Action),
		Version:    1,
		DeviceID:   deviceID,
	}
	actions, err := m.load(ctx)
	if err == nil {
		actions = upsert(actions, action)
		models.SortPendingActions(actions)
		err = m.save(ctx, actions)
		pendingCount = len(actions)
		failedCount = models.CountFailed(actions)
	}
	if err != nil {
		m.mu.Unlock()
		logging.Error("failed to persist queued action", err, map[string]interface{}{
			"sync_id": action.SyncID,
		})
		return "", err
	}

	// Cache and metadata are written before the queue lock is released so
	// they land in the same order as the queue writes.
	if err := m.updateCache(ctx, action); err != nil {
		logging.Warn("failed to update offline entity cache", map[string]interface{}{
			"sync_id": action.SyncID,
			"error":   err.Error(),
		})
	}
	if err := m.UpdateMetadata(ctx, func(meta *models.SyncMetadata) {
		meta.PendingCount = pendingCount
		meta.FailedCount = failedCount
		if meta.DeviceID == "" {
			meta.DeviceID = deviceID
		}
	}); err != nil {
		logging.Warn("failed to update sync metadata", map[string]interface{}{
			"error": err.Error(),
		})
	}
	m.mu.Unlock()

	logging.Debug("action queued", map[string]interface{}{
		"sync_id":       action.SyncID,
		"priority":      action.Priority,
		"pending_count": pendingCount,
	})

	m.bus.Emit(events.ActionQueuedEvent{Action: action.Clone(), PendingCount: pendingCount})

	m.triggerMu.RLock()
	t := m.trigger
	m.triggerMu.RUnlock()
	if t != nil {
		t.ScheduleSync()
	}

	return action.SyncID, nil
}

// PendingActions returns the queue in replay order.
func (m *Manager) PendingActions(ctx context.Context) ([]models.PendingAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(ctx)
}

// Update runs fn on the current queue and persists what it returns, all
// under the queue lock. fn must not call back into the Manager. The result
// is re-sorted before it is written.
func (m *Manager) Update(ctx context.Context, fn func([]models.PendingAction) []models.PendingAction) ([]models.PendingAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	actions, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	next := fn(actions)
	models.SortPendingActions(next)
	if err := m.save(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// nextTimestamp returns the current time in ms, strictly increasing per
// manager so syncIds are never reused within a process.
func (m *Manager) nextTimestamp() int64 {
	ts := m.now().UnixMilli()
	if ts <= m.lastMs {
		ts = m.lastMs + 1
	}
	m.lastMs = ts
	return ts
}

func (m *Manager) load(ctx context.Context) ([]models.PendingAction, error) {
	var actions []models.PendingAction
	if _, err := store.GetJSON(ctx, m.store, store.KeyPendingActions, &actions); err != nil {
		return nil, err
	}
	return actions, nil
}

func (m *Manager) save(ctx context.Context, actions []models.PendingAction) error {
	if actions == nil {
		actions = []models.PendingAction{}
	}
	return store.SetJSON(ctx, m.store, store.KeyPendingActions, actions)
}

func upsert(actions []models.PendingAction, action models.PendingAction) []models.PendingAction {
	key := action.Key()
	for i := range actions {
		if actions[i].Key() == key {
			actions[i] = action
			return actions
		}
	}
	return append(actions, action)
}

func validate(req NewAction) error {
	if strings.TrimSpace(req.ID) == "" {
		return apperrors.New(apperrors.ErrInvalidAction, "action id is required")
	}
	if strings.TrimSpace(string(req.Type)) == "" {
		return apperrors.New(apperrors.ErrInvalidAction, "entity type is required")
	}
	if !req.Action.Valid() {
		return apperrors.Newf(apperrors.ErrInvalidAction, "unknown action %q", req.Action)
	}
	return models.ValidatePayload(req.Type, req.Action, req.Data)
}
