package sched

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

// fastQueueConfig keeps retry and rate-shaping delays test-sized.
func fastQueueConfig() QueueConfig {
	cfg := DefaultQueueConfig()
	cfg.RetryInitialDelay = 2 * time.Millisecond
	cfg.FreeTierDelay = time.Millisecond
	return cfg
}

// newTestQueue wires a registry with one stubbed backend and a queue on the
// real clock (dispatchers need real timers).
func newTestQueue(t *testing.T, spec BackendSpec, inv *stubInvoker, cfg QueueConfig) (*JobQueue, *MetricsStore) {
	t.Helper()
	clock := clockwork.NewRealClock()
	registry := NewRegistry(clock)
	if err := registry.Register(spec, inv); err != nil {
		t.Fatal(err)
	}
	metrics := NewMetricsStore(clock, nil)
	q := NewJobQueue(registry, metrics, clock, cfg, nil)
	t.Cleanup(q.Stop)
	return q, metrics
}

func decisionFor(req *Request, backendID string, alts ...string) *RoutingDecision {
	return &RoutingDecision{RequestID: req.ID, Backend: backendID, Alternatives: alts}
}

func waitTerminal(t *testing.T, job *Job) {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("job %s did not reach a terminal state (state=%s)", job.ID, job.State())
	}
}

func TestQueue_CompletesJob(t *testing.T) {
	inv := &stubInvoker{}
	q, metrics := newTestQueue(t, testSpec("b1", BackendPrimary), inv, fastQueueConfig())

	req := testRequest("r1", TierPremium, PriorityMedium, ComplexityModerate)
	job, err := q.Enqueue(req, decisionFor(req, "b1"))
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, job)

	if job.State() != JobCompleted {
		t.Fatalf("state = %s, want completed", job.State())
	}
	result, jobErr := job.Result()
	if jobErr != nil || string(result.Output) != "ok:r1" {
		t.Errorf("result = %v, err = %v", result, jobErr)
	}
	snap := metrics.Snapshot("b1")
	if snap.Total != 1 || snap.Successes != 1 {
		t.Errorf("metrics total/successes = %d/%d, want 1/1", snap.Total, snap.Successes)
	}
}

func TestQueue_StrictPriorityOrder(t *testing.T) {
	// GIVEN a paused single-slot backend
	spec := testSpec("b1", BackendPrimary)
	spec.MaxInFlight = 1
	inv := &stubInvoker{delay: 2 * time.Millisecond}
	q, _ := newTestQueue(t, spec, inv, fastQueueConfig())
	q.Pause("b1")

	// WHEN jobs from every tier arrive in reverse priority order
	reqs := []*Request{
		testRequest("free-low", TierFree, PriorityLow, ComplexitySimple),
		testRequest("prem-high", TierPremium, PriorityHigh, ComplexitySimple),
		testRequest("ent-low", TierEnterprise, PriorityLow, ComplexitySimple),
		testRequest("ent-urgent", TierEnterprise, PriorityUrgent, ComplexitySimple),
	}
	var jobs []*Job
	for _, req := range reqs {
		job, err := q.Enqueue(req, decisionFor(req, "b1"))
		if err != nil {
			t.Fatal(err)
		}
		jobs = append(jobs, job)
	}
	time.Sleep(20 * time.Millisecond) // let the free-tier delay lapse
	q.Resume("b1")
	for _, job := range jobs {
		waitTerminal(t, job)
	}

	// THEN dispatch follows tier weight then priority weight
	want := []string{"ent-urgent", "ent-low", "prem-high", "free-low"}
	got := inv.callOrder()
	if len(got) != len(want) {
		t.Fatalf("dispatched %d jobs, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", got, want)
		}
	}
}

func TestQueue_SaturationRejectsWithAlternatives(t *testing.T) {
	spec := testSpec("b1", BackendPrimary)
	cfg := fastQueueConfig()
	cfg.SaturationCeiling = 2
	q, _ := newTestQueue(t, spec, &stubInvoker{}, cfg)
	q.Pause("b1")

	for i := 0; i < 2; i++ {
		req := testRequest(NewID(), TierFree, PriorityLow, ComplexitySimple)
		if _, err := q.Enqueue(req, decisionFor(req, "b1", "b2", "b3")); err != nil {
			t.Fatal(err)
		}
	}
	req := testRequest("overflow", TierFree, PriorityLow, ComplexitySimple)
	_, err := q.Enqueue(req, decisionFor(req, "b1", "b2", "b3"))
	if !IsKind(err, KindBackendSaturated) {
		t.Fatalf("expected backend-saturated, got %v", err)
	}
	var e *Error
	if !errors.As(err, &e) || len(e.Alternatives) != 2 {
		t.Errorf("saturated error should carry the decision's alternatives, got %v", err)
	}
}

func TestQueue_RetriesTransientThenFails(t *testing.T) {
	// GIVEN a backend that always fails transiently
	inv := &stubInvoker{call: func(req *Request) (*Result, error) {
		return nil, NewError(KindBackendTransient, "backend.call", errors.New("flaky"))
	}}
	q, metrics := newTestQueue(t, testSpec("b1", BackendPrimary), inv, fastQueueConfig())

	// WHEN a job runs out of attempts
	req := testRequest("r1", TierPremium, PriorityMedium, ComplexityModerate)
	job, err := q.Enqueue(req, decisionFor(req, "b1"))
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, job)

	// THEN it fails after exactly three attempts with three recorded failures
	if job.State() != JobFailed {
		t.Fatalf("state = %s, want failed", job.State())
	}
	if got := inv.callCount(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	snap := job.Snapshot()
	if snap.Attempts != 3 {
		t.Errorf("snapshot attempts = %d, want 3", snap.Attempts)
	}
	m := metrics.Snapshot("b1")
	if m.Failures != 3 {
		t.Errorf("metrics failures = %d, want 3", m.Failures)
	}
	_, jobErr := job.Result()
	if !IsKind(jobErr, KindBackendTransient) {
		t.Errorf("final error kind = %q, want backend-transient", KindOf(jobErr))
	}
}

func TestQueue_FatalErrorDoesNotRetry(t *testing.T) {
	inv := &stubInvoker{call: func(req *Request) (*Result, error) {
		return nil, NewError(KindBackendFatal, "backend.call", errors.New("401"))
	}}
	q, _ := newTestQueue(t, testSpec("b1", BackendPrimary), inv, fastQueueConfig())

	req := testRequest("r1", TierPremium, PriorityMedium, ComplexityModerate)
	job, err := q.Enqueue(req, decisionFor(req, "b1"))
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, job)
	if job.State() != JobFailed {
		t.Fatalf("state = %s, want failed", job.State())
	}
	if got := inv.callCount(); got != 1 {
		t.Errorf("fatal errors must not retry, attempts = %d", got)
	}
}

func TestQueue_TimeoutCountsAsFailedAttempt(t *testing.T) {
	spec := testSpec("b1", BackendPrimary)
	spec.CallTimeout = 10 * time.Millisecond
	inv := &stubInvoker{delay: 200 * time.Millisecond}
	q, _ := newTestQueue(t, spec, inv, fastQueueConfig())

	req := testRequest("r1", TierPremium, PriorityMedium, ComplexityModerate)
	job, err := q.Enqueue(req, decisionFor(req, "b1"))
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, job)
	if job.State() != JobFailed {
		t.Fatalf("state = %s, want failed", job.State())
	}
	_, jobErr := job.Result()
	if !IsKind(jobErr, KindBackendTimeout) {
		t.Errorf("final error kind = %q, want backend-timeout", KindOf(jobErr))
	}
	if got := inv.callCount(); got != 3 {
		t.Errorf("timeouts are retryable, attempts = %d, want 3", got)
	}
}

func TestQueue_CancelPendingJob(t *testing.T) {
	q, _ := newTestQueue(t, testSpec("b1", BackendPrimary), &stubInvoker{}, fastQueueConfig())
	q.Pause("b1")

	req := testRequest("r1", TierPremium, PriorityMedium, ComplexityModerate)
	job, err := q.Enqueue(req, decisionFor(req, "b1"))
	if err != nil {
		t.Fatal(err)
	}
	if !q.Cancel(job.ID) {
		t.Fatal("cancelling a pending job should succeed")
	}
	if job.State() != JobCancelled {
		t.Errorf("state = %s, want cancelled", job.State())
	}
	if q.Cancel(job.ID) {
		t.Error("cancelling a terminal job must report false")
	}
	if q.Cancel("no-such-job") {
		t.Error("cancelling an unknown job must report false")
	}
}

func TestQueue_CancelProcessingAbortsCall(t *testing.T) {
	// GIVEN a job in flight on a slow backend
	inv := &stubInvoker{delay: time.Second}
	q, _ := newTestQueue(t, testSpec("b1", BackendPrimary), inv, fastQueueConfig())

	req := testRequest("r1", TierPremium, PriorityMedium, ComplexityModerate)
	job, err := q.Enqueue(req, decisionFor(req, "b1"))
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for inv.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("backend call never started")
		}
		time.Sleep(time.Millisecond)
	}

	// WHEN the job is cancelled mid-call
	if !q.Cancel(job.ID) {
		t.Fatal("cancelling a processing job should succeed")
	}
	waitTerminal(t, job)

	// THEN it terminates cancelled and any late result is discarded
	if job.State() != JobCancelled {
		t.Fatalf("state = %s, want cancelled", job.State())
	}
	result, jobErr := job.Result()
	if result != nil {
		t.Error("cancelled jobs must not surface a result")
	}
	if !IsKind(jobErr, KindCancelled) {
		t.Errorf("error kind = %q, want cancelled", KindOf(jobErr))
	}
}

func TestQueue_ExpiredDeadlineSkipsDispatch(t *testing.T) {
	// GIVEN a queued job whose deadline lapses before dispatch
	inv := &stubInvoker{}
	q, _ := newTestQueue(t, testSpec("b1", BackendPrimary), inv, fastQueueConfig())
	q.Pause("b1")

	req := testRequest("r1", TierPremium, PriorityMedium, ComplexityModerate)
	req.Deadline = time.Now().Add(-time.Second)
	job, err := q.Enqueue(req, decisionFor(req, "b1"))
	if err != nil {
		t.Fatal(err)
	}

	// WHEN the dispatcher picks it up
	q.Resume("b1")
	waitTerminal(t, job)

	// THEN it terminates without ever reaching the backend
	if job.State() != JobCancelled {
		t.Fatalf("state = %s, want cancelled", job.State())
	}
	_, jobErr := job.Result()
	if !IsKind(jobErr, KindCancelled) {
		t.Errorf("error kind = %q, want cancelled", KindOf(jobErr))
	}
	if got := inv.callCount(); got != 0 {
		t.Errorf("backend was called %d times for an expired job, want 0", got)
	}
}

func TestQueue_TerminalCallbackDoesNotHoldSlot(t *testing.T) {
	// GIVEN a single-slot backend and a completion callback that blocks
	spec := testSpec("b1", BackendPrimary)
	spec.MaxInFlight = 1
	inv := &stubInvoker{}
	q, _ := newTestQueue(t, spec, inv, fastQueueConfig())
	unblock := make(chan struct{})
	defer close(unblock)
	q.OnTerminal(func(*Job) { <-unblock })

	// WHEN two jobs run back to back while the first callback is still stuck
	r1 := testRequest("r1", TierPremium, PriorityMedium, ComplexityModerate)
	j1, err := q.Enqueue(r1, decisionFor(r1, "b1"))
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, j1)

	r2 := testRequest("r2", TierPremium, PriorityMedium, ComplexityModerate)
	j2, err := q.Enqueue(r2, decisionFor(r2, "b1"))
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, j2)

	// THEN the second job dispatched: the slot was free during the callback
	if got := inv.callCount(); got != 2 {
		t.Errorf("dispatched %d calls, want 2", got)
	}
}

func TestQueue_InFlightNeverExceedsCap(t *testing.T) {
	spec := testSpec("b1", BackendPrimary)
	spec.MaxInFlight = 2

	var active, peak atomic.Int64
	inv := &stubInvoker{call: func(req *Request) (*Result, error) {
		cur := active.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return &Result{Output: []byte("ok")}, nil
	}}
	q, _ := newTestQueue(t, spec, inv, fastQueueConfig())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		req := testRequest(NewID(), TierPremium, PriorityMedium, ComplexitySimple)
		job, err := q.Enqueue(req, decisionFor(req, "b1"))
		if err != nil {
			t.Fatal(err)
		}
		wg.Add(1)
		go func(j *Job) {
			defer wg.Done()
			waitTerminal(t, j)
		}(job)
	}
	wg.Wait()
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrent calls = %d, exceeds declared max 2", got)
	}
}

func TestQueue_RetentionSweep(t *testing.T) {
	cfg := fastQueueConfig()
	cfg.CompletedRetention = time.Millisecond
	q, _ := newTestQueue(t, testSpec("b1", BackendPrimary), &stubInvoker{}, cfg)

	req := testRequest("r1", TierPremium, PriorityMedium, ComplexityModerate)
	job, err := q.Enqueue(req, decisionFor(req, "b1"))
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, job)
	if _, ok := q.Status(job.ID); !ok {
		t.Fatal("terminal job should remain observable inside the retention window")
	}

	time.Sleep(5 * time.Millisecond)
	q.SweepExpired()
	if _, ok := q.Status(job.ID); ok {
		t.Error("job should be swept after the completed-retention window")
	}
}

func TestQueue_StatsCounters(t *testing.T) {
	q, _ := newTestQueue(t, testSpec("b1", BackendPrimary), &stubInvoker{}, fastQueueConfig())
	req := testRequest("r1", TierPremium, PriorityMedium, ComplexityModerate)
	job, err := q.Enqueue(req, decisionFor(req, "b1"))
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, job)
	stats := q.Stats()["b1"]
	if stats.Enqueued != 1 || stats.Completed != 1 {
		t.Errorf("stats enqueued/completed = %d/%d, want 1/1", stats.Enqueued, stats.Completed)
	}
	if stats.Pending != 0 {
		t.Errorf("pending = %d, want 0", stats.Pending)
	}
}
