// Package services wires the sync core into one explicitly constructed
// container for the CLI, the daemon and the mobile bridge.
package services

import (
	"context"
	"sync"

	"github.com/kimhsiao/worktally/internal/config"
	"github.com/kimhsiao/worktally/internal/device"
	apperrors "github.com/kimhsiao/worktally/internal/errors"
	"github.com/kimhsiao/worktally/internal/events"
	"github.com/kimhsiao/worktally/internal/logging"
	"github.com/kimhsiao/worktally/internal/network"
	"github.com/kimhsiao/worktally/internal/store"
	syncpkg "github.com/kimhsiao/worktally/internal/sync"
	"github.com/kimhsiao/worktally/internal/sync/deadletter"
	"github.com/kimhsiao/worktally/internal/sync/queue"
	"github.com/kimhsiao/worktally/internal/sync/remote"
	"github.com/kimhsiao/worktally/internal/telemetry"
)

// SyncService owns one instance of every sync component.
type SyncService struct {
	Config      *config.Config
	Store       store.Store
	Bus         *events.Bus
	Devices     *device.Identity
	Queue       *queue.Manager
	DeadLetters *deadletter.Log
	Remote      remote.Client
	Engine      *syncpkg.Engine
	Observer    *network.Observer
	Metrics     *telemetry.Recorder

	// Connectivity is the active source. Manual is set when connectivity is
	// driven by SetOnline, Probe when it is polled.
	Connectivity network.Connectivity
	Manual       *network.Manual
	Probe        *network.Probe

	detachMetrics func()

	mu      sync.Mutex
	started bool
	closed  bool
}

type buildOptions struct {
	store  store.Store
	remote remote.Client
	conn   network.Connectivity
}

// Option overrides a component New would otherwise build from config.
type Option func(*buildOptions)

// WithStore uses s instead of opening the configured backend.
func WithStore(s store.Store) Option {
	return func(o *buildOptions) { o.store = s }
}

// WithRemote uses c instead of the HTTP client.
func WithRemote(c remote.Client) Option {
	return func(o *buildOptions) { o.remote = c }
}

// WithConnectivity uses c instead of the configured source.
func WithConnectivity(c network.Connectivity) Option {
	return func(o *buildOptions) { o.conn = c }
}

// New builds and initializes the container. Nothing runs in the background
// until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*SyncService, error) {
	if cfg == nil {
		return nil, apperrors.New(apperrors.ErrConfigInvalid, "config is required")
	}
	var b buildOptions
	for _, opt := range opts {
		opt(&b)
	}

	strategy, err := cfg.Strategy()
	if err != nil {
		return nil, err
	}

	s := b.store
	if s == nil {
		s, err = store.Open(ctx, cfg.StoreOptions())
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInitFailed, "open store", err)
		}
	}

	svc := &SyncService{
		Config: cfg,
		Store:  s,
		Bus:    events.NewBus(),
		Remote: b.remote,
	}
	svc.Metrics = telemetry.NewRecorder()
	svc.detachMetrics = svc.Metrics.Attach(svc.Bus)
	svc.Devices = device.New(s)
	svc.Queue = queue.NewManager(s, svc.Bus, svc.Devices)
	svc.DeadLetters = deadletter.New(s, cfg.Sync.DeadLetterLimit)
	if svc.Remote == nil {
		svc.Remote = remote.NewHTTPClient(cfg.Remote.BaseURL, cfg.Remote.Token, cfg.Remote.Timeout)
	}

	switch {
	case b.conn != nil:
		svc.Connectivity = b.conn
		if m, ok := b.conn.(*network.Manual); ok {
			svc.Manual = m
		}
	case cfg.Network.ProbeURL != "":
		svc.Probe = network.NewProbe(cfg.ProbeConfig())
		svc.Connectivity = svc.Probe
	default:
		svc.Manual = network.NewManual(true)
		svc.Connectivity = svc.Manual
	}

	svc.Engine = syncpkg.NewEngine(syncpkg.Deps{
		Bus:          svc.Bus,
		Queue:        svc.Queue,
		Devices:      svc.Devices,
		Remote:       svc.Remote,
		Connectivity: svc.Connectivity,
		Strategy:     strategy,
		DeadLetters:  svc.DeadLetters,
	}, cfg.EngineOptions())

	if err := svc.Engine.Initialize(ctx); err != nil {
		svc.Engine.Close()
		if b.store == nil {
			s.Close()
		}
		return nil, err
	}

	svc.Observer = network.NewObserver(svc.Engine, svc.Connectivity, svc.Bus, cfg.Network.StatusPoll)
	return svc, nil
}

// Start launches the probe loop (if any) and the observer.
func (s *SyncService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperrors.New(apperrors.ErrInvalid, "service is closed")
	}
	if s.started {
		return nil
	}
	if s.Probe != nil {
		s.Probe.Start(ctx)
	}
	if err := s.Observer.Start(ctx); err != nil {
		if s.Probe != nil {
			s.Probe.Stop()
		}
		return err
	}
	s.started = true
	logging.Info("Sync service started", map[string]interface{}{
		"backend":  s.Config.Store.Backend,
		"remote":   s.Config.Remote.BaseURL,
		"probe":    s.Probe != nil,
		"strategy": s.Config.Sync.ConflictStrategy,
	})
	return nil
}

// SetOnline drives manual connectivity.
func (s *SyncService) SetOnline(online bool) error {
	if s.Manual == nil {
		return apperrors.New(apperrors.ErrInvalid, "connectivity is probed and cannot be set manually")
	}
	s.Manual.SetOnline(online)
	return nil
}

// Close stops background work and releases the store.
func (s *SyncService) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	if started {
		s.Observer.Stop()
		if s.Probe != nil {
			s.Probe.Stop()
		}
	}
	s.Engine.Close()
	s.detachMetrics()
	if err := s.Store.Close(); err != nil {
		logging.Error("Failed to close store", err)
		return apperrors.Wrap(apperrors.ErrStoreFailed, "close store", err)
	}
	return nil
}
