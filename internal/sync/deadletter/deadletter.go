// Package deadletter keeps a bounded, persisted record of queued actions the
// sync engine gave up on, so dropped mutations can be audited.
package deadletter

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/worktally/internal/logging"
	"github.com/kimhsiao/worktally/internal/models"
	"github.com/kimhsiao/worktally/internal/store"
)

// DefaultLimit is the number of entries kept when none is configured.
const DefaultLimit = 100

// Log appends dead letters to the store, keeping the most recent Limit.
// A zero-limit Log records nothing.
type Log struct {
	store store.Store
	limit int
	now   func() time.Time

	mu sync.Mutex
}

// New creates a Log. limit <= 0 disables recording.
func New(s store.Store, limit int) *Log {
	return &Log{store: s, limit: limit, now: time.Now}
}

// Enabled reports whether entries are recorded.
func (l *Log) Enabled() bool {
	return l != nil && l.limit > 0
}

// Record stores a dropped action. Failures are logged and returned; callers
// treat them as non-fatal.
func (l *Log) Record(ctx context.Context, action models.PendingAction, reason models.DeadLetterReason, status int) error {
	if !l.Enabled() {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.load(ctx)
	if err != nil {
		logging.Warn("failed to load dead letters", map[string]interface{}{"error": err.Error()})
		return err
	}

	entries = append(entries, models.DeadLetter{
		Action:    action.Clone(),
		Reason:    reason,
		Status:    status,
		DroppedAt: l.now().UnixMilli(),
	})
	if over := len(entries) - l.limit; over > 0 {
		entries = entries[over:]
	}

	if err := store.SetJSON(ctx, l.store, store.KeyDeadLetters, entries); err != nil {
		logging.Warn("failed to save dead letter", map[string]interface{}{
			"sync_id": action.SyncID,
			"error":   err.Error(),
		})
		return err
	}

	logging.Info("action moved to dead letters", map[string]interface{}{
		"sync_id": action.SyncID,
		"reason":  string(reason),
		"status":  status,
	})
	return nil
}

// List returns the recorded entries, oldest first.
func (l *Log) List(ctx context.Context) ([]models.DeadLetter, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(ctx)
}

// Clear removes every entry.
func (l *Log) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Remove(ctx, store.KeyDeadLetters)
}

func (l *Log) load(ctx context.Context) ([]models.DeadLetter, error) {
	entries := []models.DeadLetter{}
	if _, err := store.GetJSON(ctx, l.store, store.KeyDeadLetters, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
