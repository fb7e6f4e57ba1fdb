// Package executor serializes test-case execution inside the worker: at most
// one case runs at a time, and a second request while one is running is
// rejected rather than queued.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gatelab/gwharness/event"
	"go.uber.org/zap"
)

// Func is a registered test case. A nil return means the case passed.
type Func func(ctx context.Context) error

// Registry maps case IDs to their callables. The callables themselves are
// supplied by the domain layer; the executor treats them as opaque.
type Registry map[string]Func

func (r Registry) Register(id string, f Func) {
	r[id] = f
}

func (r Registry) Lookup(id string) (Func, bool) {
	f, ok := r[id]
	return f, ok
}

// IDs returns the registered case IDs, for status/UI listings.
func (r Registry) IDs() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	return ids
}

// Executor owns the single execution slot. The slot mutex is only ever
// acquired with TryLock, so the accept/reject decision never blocks the
// RPC path, and it is released in every completion path including panics.
type Executor struct {
	log      *zap.SugaredLogger
	registry Registry
	events   *event.Producer

	slot sync.Mutex

	mu             sync.Mutex
	currentCase    string
	lastError      string
	lastFinishedAt time.Time
}

func New(log *zap.SugaredLogger, registry Registry, events *event.Producer) *Executor {
	return &Executor{
		log:      log.Named("executor"),
		registry: registry,
		events:   events,
	}
}

// Run tries to start the case. It returns immediately: accepted=false with
// reason "busy" when a case is already running, an error for unknown case
// IDs, and accepted=true once execution has been handed off.
func (e *Executor) Run(ctx context.Context, caseID string) (accepted bool, reason string, err error) {
	f, ok := e.registry.Lookup(caseID)
	if !ok {
		return false, "", fmt.Errorf("unknown case %q", caseID)
	}

	if !e.slot.TryLock() {
		return false, "busy", nil
	}

	e.mu.Lock()
	e.currentCase = caseID
	e.lastError = ""
	e.mu.Unlock()

	go e.invoke(ctx, caseID, f)
	return true, "", nil
}

func (e *Executor) invoke(ctx context.Context, caseID string, f Func) {
	start := time.Now()
	e.events.Emit(event.CaseStarted(caseID))
	e.log.Infof("case %s started", caseID)

	err := e.callSafely(ctx, f)
	elapsed := time.Since(start)

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		e.log.Errorf("case %s failed after %s: %s", caseID, elapsed, err)
	} else {
		e.log.Infof("case %s finished in %s", caseID, elapsed)
	}

	e.mu.Lock()
	e.currentCase = ""
	e.lastError = errMsg
	e.lastFinishedAt = time.Now()
	e.mu.Unlock()

	e.events.Emit(event.CaseFinished(caseID, err == nil, errMsg, elapsed))
	e.slot.Unlock()
}

// callSafely converts a panicking case into a failed one so the slot is
// always released.
func (e *Executor) callSafely(ctx context.Context, f Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("case panicked: %v", r)
		}
	}()
	return f(ctx)
}

// Busy reports whether a case is running right now. currentCase is set only
// while the slot is held, so it doubles as the occupancy marker without
// touching the slot mutex.
func (e *Executor) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentCase != ""
}

// Status returns the executor's contribution to the worker status snapshot.
// It never blocks on a running case.
func (e *Executor) Status() (busy bool, currentCase, lastError string, lastFinishedAt time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentCase != "", e.currentCase, e.lastError, e.lastFinishedAt
}
