// Package network tracks connectivity and keeps a UI-facing view of the sync
// state, triggering a sync when the device comes back online.
package network

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/kimhsiao/worktally/internal/logging"
)

// Connectivity is a one-shot check plus a change feed.
type Connectivity interface {
	Check(ctx context.Context) bool
	Subscribe(fn func(online bool)) (cancel func())
}

// feed holds the current state and publishes transitions to subscribers.
type feed struct {
	mu     sync.Mutex
	online bool
	known  bool
	subs   map[int]func(bool)
	nextID int
}

func (f *feed) subscribe(fn func(bool)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[int]func(bool))
	}
	f.nextID++
	id := f.nextID
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

// set stores online and notifies subscribers if it changed.
func (f *feed) set(online bool) {
	f.mu.Lock()
	changed := !f.known || f.online != online
	f.online = online
	f.known = true
	var subs []func(bool)
	if changed {
		subs = make([]func(bool), 0, len(f.subs))
		for _, fn := range f.subs {
			subs = append(subs, fn)
		}
	}
	f.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

func (f *feed) get() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

// Manual is a connectivity source driven by SetOnline.
type Manual struct {
	feed
}

// NewManual creates a source with the given initial state.
func NewManual(online bool) *Manual {
	m := &Manual{}
	m.online = online
	m.known = true
	return m
}

// SetOnline changes the state, notifying subscribers on transitions.
func (m *Manual) SetOnline(online bool) {
	m.set(online)
}

// Online returns the current state.
func (m *Manual) Online() bool { return m.get() }

// Check returns the current state.
func (m *Manual) Check(context.Context) bool { return m.get() }

// Subscribe registers fn for transitions.
func (m *Manual) Subscribe(fn func(bool)) func() { return m.subscribe(fn) }

// ProbeConfig holds probe configuration.
type ProbeConfig struct {
	URL      string        // health endpoint; any response below 500 counts as online
	Interval time.Duration // how often to probe while running (default: 15 seconds)
	Timeout  time.Duration // per-request timeout (default: 5 seconds)
}

// Probe polls an HTTP health endpoint and publishes transitions.
type Probe struct {
	feed
	url      string
	interval time.Duration
	client   *http.Client

	runMu     sync.Mutex
	isRunning bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewProbe creates a probe. It reports offline until the first check.
func NewProbe(cfg ProbeConfig) *Probe {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Probe{
		url:      cfg.URL,
		interval: cfg.Interval,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

// Check probes the endpoint once and records the result.
func (p *Probe) Check(ctx context.Context) bool {
	online := p.probe(ctx)
	p.set(online)
	return online
}

// Subscribe registers fn for transitions.
func (p *Probe) Subscribe(fn func(bool)) func() { return p.subscribe(fn) }

// Online returns the last recorded state without probing.
func (p *Probe) Online() bool { return p.get() }

func (p *Probe) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		logging.Warn("Invalid probe URL", map[string]interface{}{"url": p.url, "error": err.Error()})
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		logging.Debug("Connectivity probe failed", map[string]interface{}{"url": p.url, "error": err.Error()})
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// Start begins periodic probing. It checks once immediately.
func (p *Probe) Start(ctx context.Context) {
	p.runMu.Lock()
	if p.isRunning {
		p.runMu.Unlock()
		return
	}
	p.isRunning = true
	p.stopCh = make(chan struct{})
	stopCh := p.stopCh
	p.runMu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx, stopCh)

	logging.Info("Connectivity probe started", map[string]interface{}{
		"url":      p.url,
		"interval": p.interval.String(),
	})
}

// Stop halts probing and waits for the loop to exit.
func (p *Probe) Stop() {
	p.runMu.Lock()
	if !p.isRunning {
		p.runMu.Unlock()
		return
	}
	p.isRunning = false
	close(p.stopCh)
	p.runMu.Unlock()

	p.wg.Wait()
	logging.Info("Connectivity probe stopped", nil)
}

func (p *Probe) loop(ctx context.Context, stopCh chan struct{}) {
	defer p.wg.Done()

	p.Check(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
