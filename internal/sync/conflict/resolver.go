// Package conflict provides the strategies applied when the server reports
// that an entity diverged from the state a queued action expected.
package conflict

import (
	"fmt"
	"strings"

	apperrors "github.com/kimhsiao/worktally/internal/errors"
	"github.com/kimhsiao/worktally/internal/logging"
	"github.com/kimhsiao/worktally/internal/models"
)

// Strategy names accepted by ParseStrategy.
const (
	NameServerWins = "server_wins"
	NameClientWins = "client_wins"
	NameManual     = "manual"
)

// Strategy resolves a conflicting action in place. A true result means the
// action is finished and leaves the queue; false keeps it for another attempt.
type Strategy interface {
	Name() string
	Resolve(action *models.PendingAction) bool
}

// ServerWins accepts the server state and drops the local mutation.
type ServerWins struct{}

func (ServerWins) Name() string { return NameServerWins }

func (ServerWins) Resolve(action *models.PendingAction) bool {
	action.SetConflictResolved(true)
	logging.Info("Conflict resolved using server-wins", map[string]interface{}{
		"sync_id": action.SyncID,
		"version": action.Version,
	})
	return true
}

// ClientWins retries the mutation with a bumped version so the server accepts
// the overwrite. Each conflict resets the retry budget, but only MaxConflicts
// times; past that the action is left to normal retry exhaustion.
type ClientWins struct {
	MaxConflicts int
}

func (ClientWins) Name() string { return NameClientWins }

func (c ClientWins) Resolve(action *models.PendingAction) bool {
	if action.ConflictCount > c.MaxConflicts {
		logging.Warn("Client-wins conflict limit reached", map[string]interface{}{
			"sync_id":        action.SyncID,
			"conflict_count": action.ConflictCount,
			"limit":          c.MaxConflicts,
		})
		return false
	}

	action.Version++
	action.RetryCount = 0
	logging.Info("Conflict resolved using client-wins", map[string]interface{}{
		"sync_id":        action.SyncID,
		"version":        action.Version,
		"conflict_count": action.ConflictCount,
	})
	return false
}

// ManualResolution leaves the action queued for external review.
type ManualResolution struct{}

func (ManualResolution) Name() string { return NameManual }

func (ManualResolution) Resolve(action *models.PendingAction) bool {
	action.SetConflictResolved(false)
	logging.Warn("Conflict queued for manual review", map[string]interface{}{
		"sync_id": action.SyncID,
		"version": action.Version,
	})
	return false
}

// ParseStrategy maps a configuration name to a Strategy. An empty name is
// server-wins. maxConflicts bounds ClientWins.
func ParseStrategy(name string, maxConflicts int) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", NameServerWins:
		return ServerWins{}, nil
	case NameClientWins:
		return ClientWins{MaxConflicts: maxConflicts}, nil
	case NameManual, "manual_resolution":
		return ManualResolution{}, nil
	default:
		return nil, apperrors.New(apperrors.ErrConfigInvalid, fmt.Sprintf("unknown conflict strategy %q", name))
	}
}
