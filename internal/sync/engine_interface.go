// Package sync provides the offline sync engine that replays queued actions
// against the remote API.
package sync

import "context"

// SyncEngineInterface is the engine surface used by the network observer and
// the host surfaces. It allows alternative implementations in tests.
type SyncEngineInterface interface {
	// SyncWithServer runs one sync cycle. It returns false when a cycle is
	// already running or when the cycle did not fully succeed.
	SyncWithServer(ctx context.Context) bool

	// ScheduleSync requests a debounced sync attempt.
	ScheduleSync()

	// GetSyncStatus returns a read-only status snapshot.
	GetSyncStatus(ctx context.Context) (Status, error)

	// IsSyncing reports whether a cycle is in flight.
	IsSyncing() bool

	// ClearSyncedData clears the snapshot cache when nothing is pending.
	ClearSyncedData(ctx context.Context) (bool, error)
}

// Connectivity is the one-shot check and change feed the engine consumes.
type Connectivity interface {
	Check(ctx context.Context) bool
	Subscribe(fn func(online bool)) (cancel func())
}
