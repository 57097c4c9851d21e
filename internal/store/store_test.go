package store

import (
	"context"
	"os"
	"testing"

	apperrors "github.com/kimhsiao/worktally/internal/errors"
)

// exerciseStore runs the shared Store contract against s.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, found, err := s.Get(ctx, "missing"); err != nil || found {
		t.Fatalf("Get(missing) = found %v, err %v; want not found", found, err)
	}

	if err := s.Set(ctx, KeyDeviceID, "device_1_abc"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	v, found, err := s.Get(ctx, KeyDeviceID)
	if err != nil || !found || v != "device_1_abc" {
		t.Fatalf("Get() = %q, %v, %v", v, found, err)
	}

	if err := s.Set(ctx, KeyDeviceID, "device_2_def"); err != nil {
		t.Fatalf("overwrite Set() error = %v", err)
	}
	if v, _, _ := s.Get(ctx, KeyDeviceID); v != "device_2_def" {
		t.Errorf("Get() after overwrite = %q", v)
	}

	if err := s.Remove(ctx, KeyDeviceID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, found, _ := s.Get(ctx, KeyDeviceID); found {
		t.Error("key still present after Remove()")
	}
	if err := s.Remove(ctx, KeyDeviceID); err != nil {
		t.Errorf("Remove() of absent key error = %v", err)
	}
}

// =====================================================
// Backend Tests
// =====================================================

// TestMemoryStore verifies the in-memory backend.
func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

// TestMemoryStore_canceledContext verifies canceled contexts fail fast.
func TestMemoryStore_canceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewMemoryStore().Set(ctx, "k", "v"); err == nil {
		t.Error("Set() with canceled context should fail")
	}
}

// TestSQLiteStore verifies the SQLite backend.
func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(t.TempDir())
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

// TestSQLiteStore_persists verifies values survive reopening.
func TestSQLiteStore_persists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenSQLite(dir)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	if err := s.Set(ctx, KeyPendingActions, `[{"id":"1"}]`); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	s.Close()

	reopened, err := OpenSQLite(dir)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	v, found, err := reopened.Get(ctx, KeyPendingActions)
	if err != nil || !found || v != `[{"id":"1"}]` {
		t.Errorf("Get() after reopen = %q, %v, %v", v, found, err)
	}
}

// TestRedisStore verifies the Redis backend against a live server.
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("WORKTALLY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("WORKTALLY_TEST_REDIS_ADDR not set")
	}
	s, err := OpenRedis(context.Background(), addr, "", 0, "worktally-test")
	if err != nil {
		t.Fatalf("OpenRedis() error = %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

// TestRedisStore_namespace verifies key prefixing.
func TestRedisStore_namespace(t *testing.T) {
	if got := NewRedisStore(nil, "dev1").key(KeyEntities); got != "dev1:offline_entities" {
		t.Errorf("key() = %s", got)
	}
	if got := NewRedisStore(nil, "").key(KeyEntities); got != KeyEntities {
		t.Errorf("key() without namespace = %s", got)
	}
}

// =====================================================
// Open and JSON Helper Tests
// =====================================================

// TestOpen verifies backend selection.
func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Options{Backend: "memory"})
	if err != nil {
		t.Fatalf("Open(memory) error = %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Errorf("Open(memory) = %T", s)
	}

	s, err = Open(ctx, Options{Backend: "sqlite", DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open(sqlite) error = %v", err)
	}
	defer s.Close()
	if _, ok := s.(*SQLiteStore); !ok {
		t.Errorf("Open(sqlite) = %T", s)
	}

	if _, err := Open(ctx, Options{Backend: "etcd"}); !apperrors.Is(err, apperrors.ErrConfigInvalid) {
		t.Errorf("Open(etcd) error = %v, want CONFIG_INVALID", err)
	}
}

// TestJSONHelpers verifies round trips and corrupt data reporting.
func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	type meta struct {
		PendingCount int `json:"pendingCount"`
	}

	var got meta
	found, err := GetJSON(ctx, s, KeySyncMetadata, &got)
	if err != nil || found {
		t.Fatalf("GetJSON(absent) = %v, %v", found, err)
	}

	if err := SetJSON(ctx, s, KeySyncMetadata, meta{PendingCount: 3}); err != nil {
		t.Fatalf("SetJSON() error = %v", err)
	}
	found, err = GetJSON(ctx, s, KeySyncMetadata, &got)
	if err != nil || !found || got.PendingCount != 3 {
		t.Errorf("GetJSON() = %+v, %v, %v", got, found, err)
	}

	s.Set(ctx, KeySyncMetadata, "{broken")
	if _, err := GetJSON(ctx, s, KeySyncMetadata, &got); !apperrors.Is(err, apperrors.ErrCorruptData) {
		t.Errorf("GetJSON(corrupt) error = %v, want CORRUPT_DATA", err)
	}
}
