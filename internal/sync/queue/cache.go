package queue

import (
	"context"
	"encoding/json"

	"github.com/kimhsiao/worktally/internal/models"
	"github.com/kimhsiao/worktally/internal/store"
)

// entityCache is the persisted snapshot layout: type -> id -> entity.
type entityCache map[models.EntityType]map[string]json.RawMessage

// OfflineDataByType returns the cached snapshots of one entity type keyed by
// id. The map is empty, never nil, when nothing is cached.
func (m *Manager) OfflineDataByType(ctx context.Context, entity models.EntityType) (map[string]json.RawMessage, error) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()

	cache, err := m.loadCache(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(cache[entity]))
	for id, v := range cache[entity] {
		out[id] = v
	}
	return out, nil
}

// OfflineEntity returns the cached snapshot of one entity, or nil.
func (m *Manager) OfflineEntity(ctx context.Context, entity models.EntityType, id string) (json.RawMessage, error) {
	byType, err := m.OfflineDataByType(ctx, entity)
	if err != nil {
		return nil, err
	}
	return byType[id], nil
}

// ClearCache removes every cached snapshot.
func (m *Manager) ClearCache(ctx context.Context) error {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	return m.store.Remove(ctx, store.KeyEntities)
}

// updateCache upserts the snapshot for create/update and removes it for delete.
func (m *Manager) updateCache(ctx context.Context, action models.PendingAction) error {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()

	cache, err := m.loadCache(ctx)
	if err != nil {
		return err
	}

	if action.Action == models.ActionDelete {
		delete(cache[action.Type], action.ID)
		if len(cache[action.Type]) == 0 {
			delete(cache, action.Type)
		}
	} else {
		snapshot, err := models.EmbedSyncStamp(action.Data, models.SyncStamp{
			SyncID:    action.SyncID,
			Timestamp: action.Timestamp,
			Version:   action.Version,
			Action:    action.Action,
		})
		if err != nil {
			return err
		}
		if cache[action.Type] == nil {
			cache[action.Type] = make(map[string]json.RawMessage)
		}
		cache[action.Type][action.ID] = snapshot
	}

	return store.SetJSON(ctx, m.store, store.KeyEntities, cache)
}

func (m *Manager) loadCache(ctx context.Context) (entityCache, error) {
	cache := make(entityCache)
	if _, err := store.GetJSON(ctx, m.store, store.KeyEntities, &cache); err != nil {
		return nil, err
	}
	if cache == nil {
		cache = make(entityCache)
	}
	return cache, nil
}
