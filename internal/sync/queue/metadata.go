package queue

import (
	"context"

	"github.com/kimhsiao/worktally/internal/models"
	"github.com/kimhsiao/worktally/internal/store"
)

// Metadata returns the persisted sync metadata. found is false before the
// engine has initialized it.
func (m *Manager) Metadata(ctx context.Context) (meta models.SyncMetadata, found bool, err error) {
	m.metaMu.Lock()
	defer m.metaMu.Unlock()
	found, err = store.GetJSON(ctx, m.store, store.KeySyncMetadata, &meta)
	return meta, found, err
}

// UpdateMetadata applies fn to the persisted metadata and writes it back.
// A missing record starts from the current schema version.
func (m *Manager) UpdateMetadata(ctx context.Context, fn func(*models.SyncMetadata)) error {
	m.metaMu.Lock()
	defer m.metaMu.Unlock()

	meta := models.SyncMetadata{Version: models.SyncMetadataVersion}
	if _, err := store.GetJSON(ctx, m.store, store.KeySyncMetadata, &meta); err != nil {
		return err
	}
	fn(&meta)
	if meta.Version == 0 {
		meta.Version = models.SyncMetadataVersion
	}
	return store.SetJSON(ctx, m.store, store.KeySyncMetadata, meta)
}

// RefreshMetadata recomputes pendingCount and failedCount from the queue.
func (m *Manager) RefreshMetadata(ctx context.Context) error {
	actions, err := m.PendingActions(ctx)
	if err != nil {
		return err
	}
	return m.UpdateMetadata(ctx, func(meta *models.SyncMetadata) {
		meta.PendingCount = len(actions)
		meta.FailedCount = models.CountFailed(actions)
	})
}
