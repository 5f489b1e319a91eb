// Per-backend priority queues and their dispatchers. Each backend owns one
// logical queue with strict-priority dispatch (FIFO within equal priority),
// an in-flight limit equal to the backend's declared max, bounded pending
// depth, retries with exponential backoff, and cancellation.

package sched

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/docsight/scheduler/sched/kv"
)

// QueueConfig tunes queue discipline. Zero values take the spec defaults.
type QueueConfig struct {
	SaturationCeiling  int           `yaml:"saturation_ceiling"`   // max pending per backend (default 100)
	MaxAttempts        int           `yaml:"max_attempts"`         // default 3
	RetryInitialDelay  time.Duration `yaml:"retry_initial_delay"`  // default 2s, doubling
	FreeTierDelay      time.Duration `yaml:"free_tier_delay"`      // default 1s rate-shaping delay
	CompletedRetention time.Duration `yaml:"completed_retention"`  // default 1h
	CompletedRetainMax int           `yaml:"completed_retain_max"` // default 100
	FailedRetention    time.Duration `yaml:"failed_retention"`     // default 24h
	FailedRetainMax    int           `yaml:"failed_retain_max"`    // default 500
}

// DefaultQueueConfig returns the spec defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		SaturationCeiling:  100,
		MaxAttempts:        3,
		RetryInitialDelay:  2 * time.Second,
		FreeTierDelay:      time.Second,
		CompletedRetention: time.Hour,
		CompletedRetainMax: 100,
		FailedRetention:    24 * time.Hour,
		FailedRetainMax:    500,
	}
}

func (c *QueueConfig) applyDefaults() {
	d := DefaultQueueConfig()
	if c.SaturationCeiling <= 0 {
		c.SaturationCeiling = d.SaturationCeiling
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryInitialDelay <= 0 {
		c.RetryInitialDelay = d.RetryInitialDelay
	}
	if c.FreeTierDelay < 0 {
		c.FreeTierDelay = d.FreeTierDelay
	}
	if c.CompletedRetention <= 0 {
		c.CompletedRetention = d.CompletedRetention
	}
	if c.CompletedRetainMax <= 0 {
		c.CompletedRetainMax = d.CompletedRetainMax
	}
	if c.FailedRetention <= 0 {
		c.FailedRetention = d.FailedRetention
	}
	if c.FailedRetainMax <= 0 {
		c.FailedRetainMax = d.FailedRetainMax
	}
}

// QueueStats are per-backend counters.
type QueueStats struct {
	Pending   int   `json:"pending"`
	InFlight  int   `json:"in_flight"`
	Enqueued  int64 `json:"enqueued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	Retried   int64 `json:"retried"`
}

// backendQueue is the queue state for one backend. heap and the retained
// terminal lists are guarded by mu; counters are atomic so Stats never
// contends with dispatch.
type backendQueue struct {
	backendID string

	mu     sync.Mutex
	heap   jobHeap
	paused bool

	completed []*Job // newest last
	failed    []*Job

	wake chan struct{}

	enqueued  atomic.Int64
	completes atomic.Int64
	failures  atomic.Int64
	cancels   atomic.Int64
	retries   atomic.Int64
}

// JobQueue manages all per-backend queues and their dispatcher goroutines.
type JobQueue struct {
	registry *Registry
	metrics  *MetricsStore
	clock    clockwork.Clock
	cfg      QueueConfig
	store    kv.Store // terminal job snapshots, best-effort

	// onTerminal is invoked asynchronously, outside all locks, whenever a job
	// reaches a terminal state. The facade uses it to feed the cache.
	onTerminal func(*Job)

	mu     sync.Mutex
	queues map[string]*backendQueue
	jobs   map[string]*Job

	seq atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJobQueue creates the queue manager. Dispatchers start lazily as backends
// receive their first job.
func NewJobQueue(registry *Registry, metrics *MetricsStore, clock clockwork.Clock, cfg QueueConfig, store kv.Store) *JobQueue {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &JobQueue{
		registry: registry,
		metrics:  metrics,
		clock:    clock,
		cfg:      cfg,
		store:    store,
		queues:   make(map[string]*backendQueue),
		jobs:     make(map[string]*Job),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// OnTerminal registers the completion callback. Must be set before the first
// enqueue.
func (q *JobQueue) OnTerminal(fn func(*Job)) { q.onTerminal = fn }

// Stop cancels all in-flight work and waits for dispatchers to exit.
func (q *JobQueue) Stop() {
	q.cancel()
	q.wg.Wait()
}

// queue returns (creating if needed) the backendQueue and its dispatcher.
func (q *JobQueue) queue(backendID string) *backendQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	bq, ok := q.queues[backendID]
	if !ok {
		bq = &backendQueue{backendID: backendID, wake: make(chan struct{}, 1)}
		q.queues[backendID] = bq
		q.wg.Add(1)
		go q.dispatch(bq)
	}
	return bq
}

// Enqueue adds a job for the decision's backend. Non-blocking: returns a
// backend-saturated error carrying the decision's alternatives when the
// pending ceiling is reached. Free-tier non-urgent jobs are delayed by a
// small fixed interval to rate-shape the cheapest class.
func (q *JobQueue) Enqueue(req *Request, decision *RoutingDecision) (*Job, error) {
	bq := q.queue(decision.Backend)
	now := q.clock.Now()
	job := &Job{
		ID:          NewID(),
		Request:     req,
		BackendID:   decision.Backend,
		Decision:    decision,
		MaxAttempts: q.cfg.MaxAttempts,
		state:       JobPending,
		createdAt:   now,
		done:        make(chan struct{}),
		priority:    QueuePriority(req),
		index:       -1,
	}
	if req.Tier == TierFree && req.Priority != PriorityUrgent {
		job.notBefore = now.Add(q.cfg.FreeTierDelay)
	}

	bq.mu.Lock()
	if bq.heap.Len() >= q.cfg.SaturationCeiling {
		bq.mu.Unlock()
		return nil, &Error{
			Kind:         KindBackendSaturated,
			Op:           "queue.enqueue",
			Err:          fmt.Errorf("backend %s has %d pending jobs", decision.Backend, q.cfg.SaturationCeiling),
			Alternatives: decision.Alternatives,
		}
	}
	job.seq = q.seq.Add(1)
	heap.Push(&bq.heap, job)
	bq.mu.Unlock()
	bq.enqueued.Add(1)

	q.mu.Lock()
	q.jobs[job.ID] = job
	q.mu.Unlock()

	q.signal(bq)
	return job, nil
}

// Cancel requests cancellation of a job. Pending jobs are removed silently;
// processing jobs have their backend call aborted and any late result
// discarded. Returns false for unknown or already-terminal jobs.
func (q *JobQueue) Cancel(jobID string) bool {
	q.mu.Lock()
	job := q.jobs[jobID]
	q.mu.Unlock()
	if job == nil {
		return false
	}
	bq := q.queue(job.BackendID)

	bq.mu.Lock()
	job.mu.Lock()
	switch {
	case job.state.Terminal():
		job.mu.Unlock()
		bq.mu.Unlock()
		return false
	case job.state == JobPending || job.state == JobRetrying:
		if job.index >= 0 {
			heap.Remove(&bq.heap, job.index)
		}
		q.terminalLocked(job, JobCancelled, nil, NewError(KindCancelled, "queue.cancel", nil))
		job.mu.Unlock()
		bq.completed = append(bq.completed, job)
		bq.mu.Unlock()
		bq.cancels.Add(1)
		q.afterTerminal(job)
		return true
	default: // processing
		job.cancelled = true
		abort := job.abortCall
		job.mu.Unlock()
		bq.mu.Unlock()
		if abort != nil {
			abort()
		}
		return true
	}
}

// Status returns a snapshot of a job, or false when the job is unknown or
// already swept.
func (q *JobQueue) Status(jobID string) (JobSnapshot, bool) {
	q.mu.Lock()
	job := q.jobs[jobID]
	q.mu.Unlock()
	if job == nil {
		return JobSnapshot{}, false
	}
	return job.Snapshot(), true
}

// PendingCount returns the number of queued (not yet dispatched) jobs for a
// backend. Implements QueueDepths for the router.
func (q *JobQueue) PendingCount(backendID string) int {
	q.mu.Lock()
	bq := q.queues[backendID]
	q.mu.Unlock()
	if bq == nil {
		return 0
	}
	bq.mu.Lock()
	defer bq.mu.Unlock()
	return bq.heap.Len()
}

// Stats returns per-backend queue counters.
func (q *JobQueue) Stats() map[string]QueueStats {
	q.mu.Lock()
	queues := make(map[string]*backendQueue, len(q.queues))
	for id, bq := range q.queues {
		queues[id] = bq
	}
	q.mu.Unlock()

	out := make(map[string]QueueStats, len(queues))
	for id, bq := range queues {
		bq.mu.Lock()
		pending := bq.heap.Len()
		bq.mu.Unlock()
		inflight, _, _ := q.registry.Load(id)
		out[id] = QueueStats{
			Pending:   pending,
			InFlight:  inflight,
			Enqueued:  bq.enqueued.Load(),
			Completed: bq.completes.Load(),
			Failed:    bq.failures.Load(),
			Cancelled: bq.cancels.Load(),
			Retried:   bq.retries.Load(),
		}
	}
	return out
}

// Pause stops dispatch for a backend; queued jobs stay pending.
func (q *JobQueue) Pause(backendID string) {
	bq := q.queue(backendID)
	bq.mu.Lock()
	bq.paused = true
	bq.mu.Unlock()
}

// Resume restarts dispatch for a paused backend.
func (q *JobQueue) Resume(backendID string) {
	bq := q.queue(backendID)
	bq.mu.Lock()
	bq.paused = false
	bq.mu.Unlock()
	q.signal(bq)
}

// signal wakes a backend's dispatcher without blocking.
func (q *JobQueue) signal(bq *backendQueue) {
	select {
	case bq.wake <- struct{}{}:
	default:
	}
}

// nextReady pops the highest-priority job whose notBefore has passed. Jobs
// still in backoff are pushed back; the returned wait is the interval until
// the earliest of them becomes ready (0 = nothing scheduled).
func (q *JobQueue) nextReady(bq *backendQueue) (*Job, time.Duration) {
	now := q.clock.Now()
	bq.mu.Lock()
	defer bq.mu.Unlock()
	if bq.paused || bq.heap.Len() == 0 {
		return nil, 0
	}
	var deferred []*Job
	var ready *Job
	for bq.heap.Len() > 0 {
		job := heap.Pop(&bq.heap).(*Job)
		if job.notBefore.After(now) {
			deferred = append(deferred, job)
			continue
		}
		ready = job
		break
	}
	var wait time.Duration
	for _, job := range deferred {
		if d := job.notBefore.Sub(now); wait == 0 || d < wait {
			wait = d
		}
		heap.Push(&bq.heap, job)
	}
	return ready, wait
}

// requeue puts a popped job back (capacity was unavailable).
func (q *JobQueue) requeue(bq *backendQueue, job *Job) {
	bq.mu.Lock()
	heap.Push(&bq.heap, job)
	bq.mu.Unlock()
}

// dispatch is the long-running consumer for one backend's queue. It pops the
// highest-priority ready job, reserves an in-flight slot, and runs the call
// concurrently so the backend fills up to its declared max.
func (q *JobQueue) dispatch(bq *backendQueue) {
	defer q.wg.Done()
	for {
		job, wait := q.nextReady(bq)
		if job == nil {
			var timer <-chan time.Time
			if wait > 0 {
				timer = q.clock.After(wait)
			}
			select {
			case <-q.ctx.Done():
				return
			case <-bq.wake:
			case <-timer:
			}
			continue
		}
		if !q.registry.TryAcquire(bq.backendID) {
			q.requeue(bq, job)
			select {
			case <-q.ctx.Done():
				return
			case <-bq.wake:
			case <-q.clock.After(20 * time.Millisecond):
			}
			continue
		}
		q.wg.Add(1)
		go func(j *Job) {
			defer q.wg.Done()
			q.process(bq, j)
		}(job)
	}
}

// process runs one attempt of a job against its backend.
func (q *JobQueue) process(bq *backendQueue, job *Job) {
	defer q.registry.Release(bq.backendID)
	defer q.signal(bq)

	view, ok := q.registry.Get(job.BackendID)
	invoker, ok2 := q.registry.Invoker(job.BackendID)
	if !ok || !ok2 {
		q.finish(bq, job, JobFailed, nil,
			NewError(KindBackendFatal, "queue.dispatch", fmt.Errorf("backend %s not registered", job.BackendID)))
		return
	}

	// A deadline that lapsed while the job sat queued (or in retry backoff)
	// makes the call pointless; the job terminates without dispatching.
	if dl := job.Request.Deadline; !dl.IsZero() && q.clock.Now().After(dl) {
		q.finish(bq, job, JobCancelled, nil,
			NewError(KindCancelled, "queue.dispatch", fmt.Errorf("deadline %s passed before dispatch", dl.Format(time.RFC3339))))
		return
	}

	job.mu.Lock()
	if job.cancelled || job.state.Terminal() {
		terminal := job.state.Terminal()
		job.mu.Unlock()
		if !terminal {
			q.finish(bq, job, JobCancelled, nil, NewError(KindCancelled, "queue.dispatch", nil))
		}
		return
	}
	job.state = JobProcessing
	job.attempts++
	attempt := job.attempts
	if job.startedAt.IsZero() {
		job.startedAt = q.clock.Now()
	}
	callCtx, abort := context.WithTimeout(q.ctx, view.Spec.CallTimeout)
	job.abortCall = abort
	job.mu.Unlock()
	defer abort()

	start := q.clock.Now()
	result, err := invoker.Call(callCtx, job.Request)
	latency := q.clock.Now().Sub(start)
	err = classifyCallError(callCtx, err)

	cost := 0.0
	if err == nil {
		cost = result.Cost
		if cost == 0 {
			cost = estimateCost(view.Spec, job.Request.Complexity, job.Request.Tier)
		}
	}
	q.metrics.Record(job.BackendID, latency, err == nil, cost)

	job.mu.Lock()
	if job.cancelled {
		// The backend may have completed before observing cancellation; the
		// result is discarded either way.
		job.mu.Unlock()
		q.finish(bq, job, JobCancelled, nil, NewError(KindCancelled, "queue.dispatch", nil))
		return
	}
	job.mu.Unlock()

	switch {
	case err == nil:
		q.finish(bq, job, JobCompleted, result, nil)
	case Retryable(err) && attempt < job.MaxAttempts:
		delay := q.cfg.RetryInitialDelay << (attempt - 1)
		logrus.Debugf("job %s attempt %d/%d on %s failed (%v); retrying in %s",
			shortID(job.ID), attempt, job.MaxAttempts, job.BackendID, err, delay)
		job.mu.Lock()
		job.state = JobRetrying
		job.err = err
		job.notBefore = q.clock.Now().Add(delay)
		job.abortCall = nil
		job.mu.Unlock()
		bq.retries.Add(1)
		q.requeue(bq, job)
	default:
		q.finish(bq, job, JobFailed, nil, err)
	}
}

// classifyCallError normalizes invoker errors into the error taxonomy. A call
// aborted by its deadline is a backend-timeout; unkinded errors default to
// backend-transient (retryable).
func classifyCallError(callCtx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && KindOf(err) == KindBackendTransient {
			return NewError(KindBackendTimeout, "queue.dispatch", err)
		}
		return err
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindBackendTimeout, "queue.dispatch", err)
	}
	return NewError(KindBackendTransient, "queue.dispatch", err)
}

// finish moves a job into a terminal state, retains it for observation, and
// fires callbacks/persistence outside all locks.
func (q *JobQueue) finish(bq *backendQueue, job *Job, state JobState, result *Result, err error) {
	job.mu.Lock()
	if job.state.Terminal() {
		job.mu.Unlock()
		return
	}
	q.terminalLocked(job, state, result, err)
	job.mu.Unlock()

	bq.mu.Lock()
	if state == JobFailed {
		bq.failed = append(bq.failed, job)
	} else {
		bq.completed = append(bq.completed, job)
	}
	bq.mu.Unlock()

	switch state {
	case JobCompleted:
		bq.completes.Add(1)
	case JobFailed:
		bq.failures.Add(1)
	case JobCancelled:
		bq.cancels.Add(1)
	}
	q.afterTerminal(job)
}

// terminalLocked finalizes job state. Caller holds job.mu; the job must not
// already be terminal (I4: exactly one terminal state).
func (q *JobQueue) terminalLocked(job *Job, state JobState, result *Result, err error) {
	job.state = state
	job.result = result
	job.err = err
	job.completedAt = q.clock.Now()
	close(job.done)
}

// afterTerminal persists the terminal snapshot best-effort and notifies the
// facade. The callback runs on its own goroutine: it may write to the cache's
// shared or archive tier, and must not hold the dispatcher's in-flight slot
// while it does.
func (q *JobQueue) afterTerminal(job *Job) {
	if q.store != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			data, err := json.Marshal(job.Snapshot())
			if err != nil {
				return
			}
			if err := q.store.Set(ctx, kv.JobKey(job.ID), data, q.cfg.FailedRetention); err != nil {
				logrus.Debugf("queue: persisting job %s failed: %v", shortID(job.ID), err)
			}
		}()
	}
	if q.onTerminal != nil {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.onTerminal(job)
		}()
	}
}

// SweepExpired drops retained terminal jobs past their retention window or
// count cap. Called by the maintenance loop.
func (q *JobQueue) SweepExpired() {
	now := q.clock.Now()
	q.mu.Lock()
	queues := make([]*backendQueue, 0, len(q.queues))
	for _, bq := range q.queues {
		queues = append(queues, bq)
	}
	q.mu.Unlock()

	var removed []string
	for _, bq := range queues {
		bq.mu.Lock()
		bq.completed, removed = pruneRetained(bq.completed, now, q.cfg.CompletedRetention, q.cfg.CompletedRetainMax, removed)
		bq.failed, removed = pruneRetained(bq.failed, now, q.cfg.FailedRetention, q.cfg.FailedRetainMax, removed)
		bq.mu.Unlock()
	}
	if len(removed) > 0 {
		q.mu.Lock()
		for _, id := range removed {
			delete(q.jobs, id)
		}
		q.mu.Unlock()
	}
}

// pruneRetained drops entries past the retention window, then the oldest
// beyond the count cap. Retained slices are ordered oldest first.
func pruneRetained(jobs []*Job, now time.Time, retention time.Duration, max int, removed []string) ([]*Job, []string) {
	kept := jobs[:0]
	for _, j := range jobs {
		j.mu.Lock()
		expired := now.Sub(j.completedAt) > retention
		j.mu.Unlock()
		if expired {
			removed = append(removed, j.ID)
			continue
		}
		kept = append(kept, j)
	}
	for len(kept) > max {
		removed = append(removed, kept[0].ID)
		kept = kept[1:]
	}
	return kept, removed
}
