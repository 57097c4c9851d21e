// Package main builds the sync core as a shared library for the mobile shell
// (libworktally.so on Android, worktally.framework on iOS). Every call
// exchanges JSON strings.
package main

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kimhsiao/worktally/internal/config"
	apperrors "github.com/kimhsiao/worktally/internal/errors"
	"github.com/kimhsiao/worktally/internal/events"
	"github.com/kimhsiao/worktally/internal/logging"
	"github.com/kimhsiao/worktally/internal/models"
	"github.com/kimhsiao/worktally/internal/network"
	"github.com/kimhsiao/worktally/internal/services"
	"github.com/kimhsiao/worktally/internal/store"
	"github.com/kimhsiao/worktally/internal/sync/queue"
)

// maxBufferedEvents bounds the events held between PollEvents calls.
const maxBufferedEvents = 256

// EventNetworkState carries observer snapshots in the polled event stream.
const EventNetworkState = "NETWORK_STATE"

type envelope struct {
	Event     string      `json:"event"`
	Payload   interface{} `json:"payload"`
	Timestamp int64       `json:"timestamp"`
}

// bridge holds the single service instance behind the exported functions.
type bridge struct {
	mu     sync.Mutex
	svc    *services.SyncService
	detach func()

	eventsMu sync.Mutex
	pending  []envelope
}

var core = &bridge{}

func (b *bridge) init(dataDir, configPath string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.svc != nil {
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dataDir != "" {
		cfg.Store.DataDir = dataDir
		if cfg.Store.Backend == store.BackendMemory {
			cfg.Store.Backend = store.BackendSQLite
		}
	}
	logging.Configure(cfg.LogOptions())

	// The shell owns reachability and reports it through SetOnline.
	ctx := context.Background()
	svc, err := services.New(ctx, cfg, services.WithConnectivity(network.NewManual(true)))
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		svc.Close()
		return err
	}

	sub := svc.Bus.On(events.Wildcard, func(e events.Event) {
		b.push(e.Name(), e)
	})
	cancel := svc.Observer.OnChange(func(s network.State) {
		b.push(EventNetworkState, s)
	})

	b.svc = svc
	b.detach = func() {
		svc.Bus.Off(sub)
		cancel()
	}
	return nil
}

func (b *bridge) shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.svc == nil {
		return nil
	}
	b.detach()
	err := b.svc.Close()
	b.svc, b.detach = nil, nil
	logging.Close()

	b.eventsMu.Lock()
	b.pending = nil
	b.eventsMu.Unlock()
	return err
}

func (b *bridge) service() (*services.SyncService, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.svc == nil {
		return nil, apperrors.New(apperrors.ErrInitFailed, "core not initialized")
	}
	return b.svc, nil
}

func (b *bridge) push(name string, payload interface{}) {
	b.eventsMu.Lock()
	defer b.eventsMu.Unlock()
	b.pending = append(b.pending, envelope{Event: name, Payload: payload, Timestamp: time.Now().UnixMilli()})
	if over := len(b.pending) - maxBufferedEvents; over > 0 {
		b.pending = b.pending[over:]
	}
}

// pollEvents drains buffered events as a JSON array.
func (b *bridge) pollEvents() (string, error) {
	b.eventsMu.Lock()
	drained := b.pending
	b.pending = nil
	b.eventsMu.Unlock()
	if drained == nil {
		drained = []envelope{}
	}
	return marshal(drained)
}

type queueRequest struct {
	ID     string            `json:"id"`
	Type   models.EntityType `json:"type"`
	Action models.ActionType `json:"action"`
	Data   json.RawMessage   `json:"data"`
}

func (b *bridge) queueAction(reqJSON string) (string, error) {
	svc, err := b.service()
	if err != nil {
		return "", err
	}
	var req queueRequest
	if err := json.Unmarshal([]byte(reqJSON), &req); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalidAction, "decode request", err)
	}
	syncID, err := svc.Queue.QueueAction(context.Background(), queue.NewAction{
		ID:     req.ID,
		Type:   req.Type,
		Action: req.Action,
		Data:   req.Data,
	})
	if err != nil {
		return "", err
	}
	return marshal(map[string]string{"syncId": syncID})
}

func (b *bridge) syncNow() (string, error) {
	svc, err := b.service()
	if err != nil {
		return "", err
	}
	synced := svc.Observer.SyncNow(context.Background())
	return marshal(map[string]bool{"synced": synced})
}

func (b *bridge) syncStatus() (string, error) {
	svc, err := b.service()
	if err != nil {
		return "", err
	}
	st, err := svc.Engine.GetSyncStatus(context.Background())
	if err != nil {
		return "", err
	}
	return marshal(map[string]interface{}{
		"sync":    st,
		"network": svc.Observer.Snapshot(),
	})
}

func (b *bridge) setOnline(online bool) error {
	svc, err := b.service()
	if err != nil {
		return err
	}
	return svc.SetOnline(online)
}

// offlineData returns one cached entity when id is set, otherwise every
// cached entity of the type. A missing entity is JSON null.
func (b *bridge) offlineData(entityType, id string) (string, error) {
	svc, err := b.service()
	if err != nil {
		return "", err
	}
	ctx := context.Background()
	if id != "" {
		raw, err := svc.Queue.OfflineEntity(ctx, models.EntityType(entityType), id)
		if err != nil {
			return "", err
		}
		if raw == nil {
			return "null", nil
		}
		return string(raw), nil
	}
	byID, err := svc.Queue.OfflineDataByType(ctx, models.EntityType(entityType))
	if err != nil {
		return "", err
	}
	return marshal(byID)
}

func (b *bridge) clearSyncedData() (string, error) {
	svc, err := b.service()
	if err != nil {
		return "", err
	}
	cleared, err := svc.Engine.ClearSyncedData(context.Background())
	if err != nil {
		return "", err
	}
	return marshal(map[string]bool{"cleared": cleared})
}

func (b *bridge) deadLetters() (string, error) {
	svc, err := b.service()
	if err != nil {
		return "", err
	}
	letters, err := svc.DeadLetters.List(context.Background())
	if err != nil {
		return "", err
	}
	if letters == nil {
		letters = []models.DeadLetter{}
	}
	return marshal(letters)
}

func (b *bridge) metrics() (string, error) {
	svc, err := b.service()
	if err != nil {
		return "", err
	}
	return marshal(svc.Metrics.Snapshot())
}

func marshal(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "serialize response", err)
	}
	return string(data), nil
}

func main() {
	// Required for c-shared build mode; never runs inside the host app.
}
