// Package store provides the durable key-value persistence behind the offline
// queue, the entity snapshot cache and the sync metadata.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	apperrors "github.com/kimhsiao/worktally/internal/errors"
)

// Persisted keys.
const (
	KeyPendingActions = "offline_pending_actions"
	KeyEntities       = "offline_entities"
	KeySyncMetadata   = "offline_sync_metadata"
	KeyDeviceID       = "offline_device_id"
	KeyDeadLetters    = "offline_dead_letters"
)

// Store is an asynchronous string key-value store. Every method may fail and
// reports the failure to the caller.
type Store interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Backend       string
	DataDir       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Namespace     string
}

// Open builds the backend named by opts.Backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(opts.Backend) {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite:
		return OpenSQLite(opts.DataDir)
	case BackendRedis:
		return OpenRedis(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB, opts.Namespace)
	default:
		return nil, apperrors.Newf(apperrors.ErrConfigInvalid, "unknown store backend %q", opts.Backend)
	}
}

// GetJSON loads key and decodes it into v. found is false when the key is
// absent; v is left untouched in that case.
func GetJSON(ctx context.Context, s Store, key string, v interface{}) (found bool, err error) {
	raw, found, err := s.Get(ctx, key)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrStoreFailed, "get "+key, err)
	}
	if !found || raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return true, apperrors.Wrap(apperrors.ErrCorruptData, "decode "+key, err)
	}
	return true, nil
}

// SetJSON encodes v and overwrites key with it.
func SetJSON(ctx context.Context, s Store, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, fmt.Sprintf("encode %s", key), err)
	}
	if err := s.Set(ctx, key, string(raw)); err != nil {
		return apperrors.Wrap(apperrors.ErrStoreFailed, "set "+key, err)
	}
	return nil
}
