// Package models provides data model definitions for the worktally sync core.
package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// EntityType is the category of entity a pending action targets.
// The set is open: unknown types are carried through unchanged.
type EntityType string

const (
	EntityWork     EntityType = "work"
	EntityPayment  EntityType = "payment"
	EntityProfile  EntityType = "profile"
	EntitySettings EntityType = "settings"
)

// ActionType is the mutation verb of a pending action.
type ActionType string

const (
	ActionCreate ActionType = "create"
	ActionUpdate ActionType = "update"
	ActionDelete ActionType = "delete"
)

// Valid reports whether a is one of create, update or delete.
func (a ActionType) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Replay priorities. Higher replays first.
const (
	PriorityProfile = 100
	PriorityCreate  = 80
	PriorityUpdate  = 60
	PriorityDelete  = 40
	PriorityDefault = 50
)

// PriorityFor returns the replay priority for an entity type and action.
// Profile edits and creations go first because later updates and deletes may
// reference the ids they produce.
func PriorityFor(entity EntityType, action ActionType) int {
	if entity == EntityProfile {
		return PriorityProfile
	}
	switch action {
	case ActionCreate:
		return PriorityCreate
	case ActionUpdate:
		return PriorityUpdate
	case ActionDelete:
		return PriorityDelete
	default:
		return PriorityDefault
	}
}

// PendingAction is one queued mutation awaiting replay against the remote API.
type PendingAction struct {
	ID               string          `json:"id"`
	SyncID           string          `json:"syncId"`
	Type             EntityType      `json:"type"`
	Action           ActionType      `json:"action"`
	Data             json.RawMessage `json:"data,omitempty"`
	Timestamp        int64           `json:"timestamp"`
	RetryCount       int             `json:"retryCount"`
	LastAttempt      int64           `json:"lastAttempt,omitempty"`
	Error            string          `json:"error,omitempty"`
	ConflictData     json.RawMessage `json:"conflictData,omitempty"`
	ConflictResolved *bool           `json:"conflictResolved,omitempty"`
	ConflictCount    int             `json:"conflictCount,omitempty"`
	Priority         int             `json:"priority"`
	Version          int             `json:"version"`
	DeviceID         string          `json:"deviceId"`
}

// Key identifies the (id, type, action) triple used for coalescing.
type Key struct {
	ID     string
	Type   EntityType
	Action ActionType
}

// Key returns the coalescing key of the action.
func (a *PendingAction) Key() Key {
	return Key{ID: a.ID, Type: a.Type, Action: a.Action}
}

// NewSyncID builds the identifier of a queued action instance.
func NewSyncID(entity EntityType, id string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%d", entity, id, at.UnixMilli())
}

// Clone returns a deep copy of the action.
func (a PendingAction) Clone() PendingAction {
	c := a
	c.Data = cloneRaw(a.Data)
	c.ConflictData = cloneRaw(a.ConflictData)
	if a.ConflictResolved != nil {
		v := *a.ConflictResolved
		c.ConflictResolved = &v
	}
	return c
}

// SetConflictResolved records the outcome of conflict resolution.
func (a *PendingAction) SetConflictResolved(resolved bool) {
	a.ConflictResolved = &resolved
}

// IsConflictResolved reports whether a conflict was marked as resolved.
func (a PendingAction) IsConflictResolved() bool {
	return a.ConflictResolved != nil && *a.ConflictResolved
}

// SortPendingActions orders actions by priority descending, then timestamp
// ascending. The sort is stable so equal keys keep insertion order.
func SortPendingActions(actions []PendingAction) {
	sort.SliceStable(actions, func(i, j int) bool {
		if actions[i].Priority != actions[j].Priority {
			return actions[i].Priority > actions[j].Priority
		}
		return actions[i].Timestamp < actions[j].Timestamp
	})
}

// CountFailed returns how many actions have at least one failed attempt.
func CountFailed(actions []PendingAction) int {
	n := 0
	for _, a := range actions {
		if a.RetryCount > 0 {
			n++
		}
	}
	return n
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
