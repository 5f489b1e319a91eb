// Backend registry: declared backends, runtime status, and the per-backend
// health state machine. List snapshots are copy-on-write so routing never
// blocks on concurrent mutations.

package sched

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// consecutiveFailureLimit is the number of probe failures after which a
// degraded backend is marked unavailable.
const consecutiveFailureLimit = 3

// StatusEvent notifies subscribers of a backend status transition.
type StatusEvent struct {
	BackendID string
	From      BackendStatus
	To        BackendStatus
	At        time.Time
}

// backendState is the registry's mutable record for one backend.
// spec and invoker are written only under the registry lock; inflight is
// atomic so the dispatcher's acquire/release path stays lock-free.
type backendState struct {
	spec       BackendSpec
	invoker    Invoker
	status     BackendStatus
	lastProbe  time.Time
	consecFail int
	inflight   atomic.Int64
}

// BackendView is an immutable snapshot of one backend handed to the router
// and the maintenance loop.
type BackendView struct {
	Spec      BackendSpec
	Status    BackendStatus
	InFlight  int
	LastProbe time.Time
}

// Load returns in-flight divided by declared max in-flight, in [0, 1].
func (v *BackendView) Load() float64 {
	if v.Spec.MaxInFlight <= 0 {
		return 1.0
	}
	return float64(v.InFlight) / float64(v.Spec.MaxInFlight)
}

// Registry holds all declared backends. Safe for concurrent callers.
type Registry struct {
	clock clockwork.Clock

	mu       sync.Mutex
	backends map[string]*backendState
	order    []string // registration order for deterministic List
	snapshot atomic.Value // []*backendState, rebuilt on membership/spec change

	subMu sync.Mutex
	subs  []chan StatusEvent
}

// NewRegistry creates an empty registry.
func NewRegistry(clock clockwork.Clock) *Registry {
	r := &Registry{
		clock:    clock,
		backends: make(map[string]*backendState),
	}
	r.snapshot.Store([]*backendState{})
	return r
}

// Register adds a backend or, when the ID already exists, replaces its
// declared spec and invoker while preserving runtime state (idempotent on
// identity). The invoker is wrapped in a circuit breaker.
func (r *Registry) Register(spec BackendSpec, invoker Invoker) error {
	if err := spec.Validate(); err != nil {
		return NewError(KindInvalidArgument, "registry.register", err)
	}
	if invoker == nil {
		return NewError(KindInvalidArgument, "registry.register", fmt.Errorf("backend %s: nil invoker", spec.ID))
	}
	wrapped := newBreakerInvoker(spec.ID, invoker)

	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.backends[spec.ID]; ok {
		st.spec = spec
		st.invoker = wrapped
		r.rebuildSnapshotLocked()
		return nil
	}
	status := spec.InitialState
	if status == "" {
		status = StatusAvailable
	}
	r.backends[spec.ID] = &backendState{spec: spec, invoker: wrapped, status: status}
	r.order = append(r.order, spec.ID)
	r.rebuildSnapshotLocked()
	return nil
}

// rebuildSnapshotLocked refreshes the copy-on-write slice. Caller holds mu.
func (r *Registry) rebuildSnapshotLocked() {
	snap := make([]*backendState, 0, len(r.order))
	for _, id := range r.order {
		snap = append(snap, r.backends[id])
	}
	r.snapshot.Store(snap)
}

// view materializes an immutable BackendView from live state.
func (r *Registry) view(st *backendState) *BackendView {
	r.mu.Lock()
	v := &BackendView{
		Spec:      st.spec,
		Status:    st.status,
		LastProbe: st.lastProbe,
	}
	r.mu.Unlock()
	v.InFlight = int(st.inflight.Load())
	return v
}

// Get returns a snapshot of the backend with the given ID.
func (r *Registry) Get(id string) (*BackendView, bool) {
	r.mu.Lock()
	st, ok := r.backends[id]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	return r.view(st), true
}

// List returns a snapshot of all backends in registration order without
// blocking on concurrent mutations.
func (r *Registry) List() []*BackendView {
	snap := r.snapshot.Load().([]*backendState)
	views := make([]*BackendView, 0, len(snap))
	for _, st := range snap {
		views = append(views, r.view(st))
	}
	return views
}

// ByCapability returns available backends whose declared capability set
// contains cap.
func (r *Registry) ByCapability(cap Capability) []*BackendView {
	var out []*BackendView
	for _, v := range r.List() {
		if v.Status != StatusAvailable {
			continue
		}
		if NewCapabilitySet(v.Spec.Capabilities)[cap] {
			out = append(out, v)
		}
	}
	return out
}

// ByStatus returns all backends currently in the given status.
func (r *Registry) ByStatus(status BackendStatus) []*BackendView {
	var out []*BackendView
	for _, v := range r.List() {
		if v.Status == status {
			out = append(out, v)
		}
	}
	return out
}

// Load returns the in-flight count and declared max for a backend.
func (r *Registry) Load(id string) (inFlight, max int, ok bool) {
	r.mu.Lock()
	st, found := r.backends[id]
	r.mu.Unlock()
	if !found {
		return 0, 0, false
	}
	return int(st.inflight.Load()), st.spec.MaxInFlight, true
}

// SetStatus forces a backend into the given status (operator action, e.g.
// entering maintenance) and emits a status-change event.
func (r *Registry) SetStatus(id string, status BackendStatus) error {
	if !validBackendStatuses[status] {
		return NewError(KindInvalidArgument, "registry.set_status", fmt.Errorf("unknown status %q", status))
	}
	r.mu.Lock()
	st, ok := r.backends[id]
	if !ok {
		r.mu.Unlock()
		return NewError(KindInvalidArgument, "registry.set_status", fmt.Errorf("unknown backend %q", id))
	}
	from := st.status
	st.status = status
	if status == StatusAvailable {
		st.consecFail = 0
	}
	r.mu.Unlock()
	if from != status {
		r.emit(StatusEvent{BackendID: id, From: from, To: status, At: r.clock.Now()})
	}
	return nil
}

// RecordProbe feeds a health probe result into the per-backend state machine:
// available/busy -> degraded on a single failure, degraded -> unavailable on
// three consecutive failures, and any probe success outside maintenance (or a
// success that ends maintenance) restores available. Probe failures never
// propagate to callers; the backend is simply masked from routing.
func (r *Registry) RecordProbe(id string, probeErr error) {
	r.mu.Lock()
	st, ok := r.backends[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	from := st.status
	st.lastProbe = r.clock.Now()
	if probeErr == nil {
		st.consecFail = 0
		switch st.status {
		case StatusDegraded, StatusUnavailable, StatusMaintenance:
			st.status = StatusAvailable
		}
	} else {
		st.consecFail++
		switch st.status {
		case StatusAvailable, StatusBusy:
			st.status = StatusDegraded
		case StatusDegraded:
			if st.consecFail >= consecutiveFailureLimit {
				st.status = StatusUnavailable
			}
		}
	}
	to := st.status
	r.mu.Unlock()

	if from != to {
		logrus.Infof("backend %s: %s -> %s (probe err: %v)", id, from, to, probeErr)
		r.emit(StatusEvent{BackendID: id, From: from, To: to, At: r.clock.Now()})
	}
}

// TryAcquire reserves one in-flight slot, returning false when the backend is
// at its declared cap. A backend whose load reaches the cap flips to busy;
// Release flips it back.
func (r *Registry) TryAcquire(id string) bool {
	r.mu.Lock()
	st, ok := r.backends[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	for {
		cur := st.inflight.Load()
		if cur >= int64(st.spec.MaxInFlight) {
			return false
		}
		if st.inflight.CompareAndSwap(cur, cur+1) {
			break
		}
	}
	r.mu.Lock()
	if st.status == StatusAvailable && st.inflight.Load() >= int64(st.spec.MaxInFlight) {
		st.status = StatusBusy
	}
	r.mu.Unlock()
	return true
}

// Release frees one in-flight slot acquired with TryAcquire.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	st, ok := r.backends[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	st.inflight.Add(-1)
	r.mu.Lock()
	if st.status == StatusBusy && st.inflight.Load() < int64(st.spec.MaxInFlight) {
		st.status = StatusAvailable
	}
	r.mu.Unlock()
}

// Invoker returns the (breaker-wrapped) invoker for a backend.
func (r *Registry) Invoker(id string) (Invoker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.backends[id]
	if !ok {
		return nil, false
	}
	return st.invoker, true
}

// Subscribe returns a channel of status-change events. Events are delivered
// best-effort: a subscriber that stops draining loses events rather than
// blocking the registry.
func (r *Registry) Subscribe() <-chan StatusEvent {
	ch := make(chan StatusEvent, 16)
	r.subMu.Lock()
	r.subs = append(r.subs, ch)
	r.subMu.Unlock()
	return ch
}

func (r *Registry) emit(ev StatusEvent) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
