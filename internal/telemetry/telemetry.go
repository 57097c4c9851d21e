// Package telemetry keeps local counters of sync activity.
//
// Nothing is transmitted: the counters live in memory and are only exposed
// through the daemon API, the CLI and the mobile bridge.
package telemetry

import (
	"sync"
	"time"

	"github.com/kimhsiao/worktally/internal/events"
)

// Counters is a point-in-time view of the recorder.
type Counters struct {
	Cycles           int64 `json:"cycles"`
	CyclesSucceeded  int64 `json:"cyclesSucceeded"`
	CyclesFailed     int64 `json:"cyclesFailed"`
	ActionsQueued    int64 `json:"actionsQueued"`
	ActionsProcessed int64 `json:"actionsProcessed"`
	ActionsFailed    int64 `json:"actionsFailed"`
	Conflicts        int64 `json:"conflicts"`
	LastCycleMs      int64 `json:"lastCycleMs"`
	TotalCycleMs     int64 `json:"totalCycleMs"`
}

// AverageCycle returns the mean duration of finished cycles.
func (c Counters) AverageCycle() time.Duration {
	finished := c.CyclesSucceeded + c.CyclesFailed
	if finished == 0 {
		return 0
	}
	return time.Duration(c.TotalCycleMs/finished) * time.Millisecond
}

// Recorder counts sync lifecycle events.
type Recorder struct {
	mu      sync.Mutex
	c       Counters
	started time.Time
	now     func() time.Time
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{now: time.Now}
}

// Attach subscribes the recorder to every event on bus and returns the
// function that detaches it.
func (r *Recorder) Attach(bus *events.Bus) func() {
	sub := bus.On(events.Wildcard, r.Record)
	return func() { bus.Off(sub) }
}

// Record folds one event into the counters.
func (r *Recorder) Record(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev := e.(type) {
	case events.SyncStartedEvent:
		r.c.Cycles++
		r.started = r.now()
	case events.SyncCompletedEvent:
		if ev.Success {
			r.c.CyclesSucceeded++
		} else {
			r.c.CyclesFailed++
		}
		r.finishCycle()
	case events.SyncFailedEvent:
		r.c.CyclesFailed++
		r.finishCycle()
	case events.ActionQueuedEvent:
		r.c.ActionsQueued++
	case events.ActionProcessedEvent:
		r.c.ActionsProcessed++
	case events.ActionFailedEvent:
		r.c.ActionsFailed++
	case events.ConflictDetectedEvent:
		r.c.Conflicts++
	}
}

// finishCycle must be called with r.mu held.
func (r *Recorder) finishCycle() {
	if r.started.IsZero() {
		return
	}
	ms := r.now().Sub(r.started).Milliseconds()
	r.c.LastCycleMs = ms
	r.c.TotalCycleMs += ms
	r.started = time.Time{}
}

// Snapshot returns a copy of the counters.
func (r *Recorder) Snapshot() Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.c
}

// Reset zeroes every counter.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.c = Counters{}
	r.started = time.Time{}
}
