package models

import "time"

// SyncMetadataVersion is the current schema version of SyncMetadata.
const SyncMetadataVersion = 1

// SyncOutcome is the status of the most recent sync cycle.
type SyncOutcome string

const (
	SyncOutcomeSuccess SyncOutcome = "success"
	SyncOutcomePartial SyncOutcome = "partial"
	SyncOutcomeFailed  SyncOutcome = "failed"
)

// SyncMetadata is the process-wide persisted sync bookkeeping record.
type SyncMetadata struct {
	LastSyncTime   int64       `json:"lastSyncTime,omitempty"`
	LastSyncStatus SyncOutcome `json:"lastSyncStatus,omitempty"`
	DeviceID       string      `json:"deviceId"`
	PendingCount   int         `json:"pendingCount"`
	FailedCount    int         `json:"failedCount"`
	Version        int         `json:"version"`
}

// LastSyncAt returns LastSyncTime as time.Time, or the zero time if never synced.
func (m *SyncMetadata) LastSyncAt() time.Time {
	if m.LastSyncTime == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.LastSyncTime)
}

// SyncStamp is embedded into cached entity snapshots as _syncMetadata.
type SyncStamp struct {
	SyncID    string     `json:"syncId"`
	Timestamp int64      `json:"timestamp"`
	Version   int        `json:"version"`
	Action    ActionType `json:"action"`
}

// SyncMetadataField is the key under which SyncStamp is embedded.
const SyncMetadataField = "_syncMetadata"

// DeadLetterReason explains why an action was dropped from the queue.
type DeadLetterReason string

const (
	DeadLetterClientError DeadLetterReason = "client_error"
	DeadLetterMaxRetries  DeadLetterReason = "max_retries_exceeded"
)

// DeadLetter records an action the engine gave up on.
type DeadLetter struct {
	Action    PendingAction    `json:"action"`
	Reason    DeadLetterReason `json:"reason"`
	Status    int              `json:"status,omitempty"`
	DroppedAt int64            `json:"droppedAt"`
}

// DroppedAtTime returns DroppedAt as time.Time.
func (d *DeadLetter) DroppedAtTime() time.Time {
	return time.UnixMilli(d.DroppedAt)
}
