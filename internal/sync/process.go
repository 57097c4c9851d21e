package sync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kimhsiao/worktally/internal/events"
	"github.com/kimhsiao/worktally/internal/logging"
	"github.com/kimhsiao/worktally/internal/models"
	"github.com/kimhsiao/worktally/internal/sync/remote"
)

// outcome is the result of one remote attempt. done means the action leaves
// the queue; otherwise it is retried on a later cycle.
type outcome struct {
	action      models.PendingAction
	done        bool
	status      int
	clientError bool
}

// processAction replays one action against the remote API. It works on a
// copy; conflict strategies and error recording mutate that copy.
func (e *Engine) processAction(ctx context.Context, pending models.PendingAction, deviceID string) outcome {
	a := pending.Clone()

	req := remote.Request{Method: methodFor(a.Action), Data: a.Data}
	if a.Action != models.ActionDelete {
		data, err := models.MergeFields(a.Data, map[string]interface{}{
			"_version":  a.Version,
			"_deviceId": deviceID,
		})
		if err != nil {
			a.Error = err.Error()
			return outcome{action: a, done: true, clientError: true}
		}
		req.Data = data
	}

	endpoint := remote.Endpoint(string(a.Type), a.ID, a.Action == models.ActionCreate)
	resp, err := e.remote.Request(ctx, endpoint, req)
	if err == nil {
		if resp != nil && resp.Conflict {
			return e.handleConflict(a, resp.Data, resp.Status)
		}
		status := http.StatusOK
		if resp != nil {
			status = resp.Status
		}
		return outcome{action: a, done: true, status: status}
	}

	var rerr *remote.Error
	if !errors.As(err, &rerr) {
		rerr = &remote.Error{Message: errors.Join(errNoStatus, err).Error()}
	}
	if rerr.Conflict() {
		return e.handleConflict(a, rerr.Data, rerr.Status)
	}

	a.Error = rerr.Message
	if rerr.Transient() {
		logging.Debug("transient remote failure", map[string]interface{}{
			"sync_id":  a.SyncID,
			"endpoint": endpoint,
			"status":   rerr.Status,
			"error":    rerr.Message,
		})
		return outcome{action: a, status: rerr.Status}
	}

	logging.Warn("remote rejected action, dropping", map[string]interface{}{
		"sync_id":  a.SyncID,
		"endpoint": endpoint,
		"status":   rerr.Status,
		"error":    rerr.Message,
	})
	return outcome{action: a, done: true, status: rerr.Status, clientError: true}
}

// handleConflict attaches the server state, announces the conflict and lets
// the configured strategy decide.
func (e *Engine) handleConflict(a models.PendingAction, serverData json.RawMessage, status int) outcome {
	a.ConflictData = serverData
	a.ConflictCount++

	e.bus.Emit(events.ConflictDetectedEvent{
		Action:     a.Clone(),
		ServerData: serverData,
		ClientData: a.Data,
	})

	done := e.strategy.Resolve(&a)
	if status == 0 {
		status = http.StatusConflict
	}
	return outcome{action: a, done: done, status: status}
}

func methodFor(action models.ActionType) string {
	switch action {
	case models.ActionCreate:
		return remote.MethodPost
	case models.ActionDelete:
		return remote.MethodDelete
	default:
		return remote.MethodPut
	}
}

var errNoStatus = errors.New("request failed without a response")
