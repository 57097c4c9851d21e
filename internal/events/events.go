// Package events defines the sync lifecycle events and the in-process bus
// that delivers them to UI-facing layers.
package events

import (
	"encoding/json"

	"github.com/kimhsiao/worktally/internal/models"
)

// Event names. These and the payload shapes below are the public contract.
const (
	SyncStarted      = "SYNC_STARTED"
	SyncProgress     = "SYNC_PROGRESS"
	SyncCompleted    = "SYNC_COMPLETED"
	SyncFailed       = "SYNC_FAILED"
	ActionQueued     = "ACTION_QUEUED"
	ActionProcessed  = "ACTION_PROCESSED"
	ActionFailed     = "ACTION_FAILED"
	ConflictDetected = "CONFLICT_DETECTED"
)

// Failure reasons carried by SYNC_FAILED and ACTION_FAILED.
const (
	ReasonNetworkDisconnected = "network_disconnected"
	ReasonUnexpectedError     = "unexpected_error"
	ReasonMaxRetries          = "max_retries_exceeded"
	ReasonTemporaryFailure    = "temporary_failure"
)

// Event is anything the bus can deliver.
type Event interface {
	Name() string
}

type SyncStartedEvent struct{}

type SyncProgressEvent struct {
	CurrentBatch    int `json:"currentBatch"`
	TotalBatches    int `json:"totalBatches"`
	Processed       int `json:"processed"`
	Failed          int `json:"failed"`
	Total           int `json:"total"`
	PercentComplete int `json:"percentComplete"`
}

type SyncCompletedEvent struct {
	Success   bool `json:"success"`
	Processed int  `json:"processed"`
	Failed    int  `json:"failed"`
	Remaining *int `json:"remaining,omitempty"`
}

type SyncFailedEvent struct {
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

type ActionQueuedEvent struct {
	Action       models.PendingAction `json:"action"`
	PendingCount int                  `json:"pendingCount"`
}

type ActionProcessedEvent struct {
	Action models.PendingAction `json:"action"`
}

type ActionFailedEvent struct {
	Action    models.PendingAction `json:"action"`
	Reason    string               `json:"reason"`
	WillRetry bool                 `json:"willRetry,omitempty"`
}

type ConflictDetectedEvent struct {
	Action     models.PendingAction `json:"action"`
	ServerData json.RawMessage      `json:"serverData,omitempty"`
	ClientData json.RawMessage      `json:"clientData,omitempty"`
}

func (SyncStartedEvent) Name() string      { return SyncStarted }
func (SyncProgressEvent) Name() string     { return SyncProgress }
func (SyncCompletedEvent) Name() string    { return SyncCompleted }
func (SyncFailedEvent) Name() string       { return SyncFailed }
func (ActionQueuedEvent) Name() string     { return ActionQueued }
func (ActionProcessedEvent) Name() string  { return ActionProcessed }
func (ActionFailedEvent) Name() string     { return ActionFailed }
func (ConflictDetectedEvent) Name() string { return ConflictDetected }

// Envelope is the wire form used by the daemon feed and the mobile bridge.
type Envelope struct {
	Event   string `json:"event"`
	Payload Event  `json:"payload"`
}

// Wrap returns the envelope of e.
func Wrap(e Event) Envelope {
	return Envelope{Event: e.Name(), Payload: e}
}

// IntPtr is a helper for optional payload counters.
func IntPtr(v int) *int { return &v }
