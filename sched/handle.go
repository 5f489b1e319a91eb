// Handle: the opaque reference callers hold on a submitted request. A handle
// is backed either by a queued job or, for cache hits, by an already-resolved
// result.

package sched

import "context"

// Handle identifies a pending or completed submission. Safe for concurrent
// use.
type Handle struct {
	requestID string
	decision  *RoutingDecision

	// queued path
	job   *Job
	queue *JobQueue

	// resolved path (cache hits)
	result *Result
	err    error
	state  JobState
	done   chan struct{}
}

// newJobHandle wraps a queued job.
func newJobHandle(requestID string, decision *RoutingDecision, job *Job, queue *JobQueue) *Handle {
	return &Handle{requestID: requestID, decision: decision, job: job, queue: queue}
}

// newResolvedHandle builds a handle that is terminal from the start.
func newResolvedHandle(requestID string, decision *RoutingDecision, result *Result, err error, state JobState) *Handle {
	done := make(chan struct{})
	close(done)
	return &Handle{
		requestID: requestID,
		decision:  decision,
		result:    result,
		err:       err,
		state:     state,
		done:      done,
	}
}

// RequestID returns the submitted request's ID.
func (h *Handle) RequestID() string { return h.requestID }

// JobID returns the backing job's ID, empty for cache hits.
func (h *Handle) JobID() string {
	if h.job == nil {
		return ""
	}
	return h.job.ID
}

// Decision returns the routing decision made at submission.
func (h *Handle) Decision() *RoutingDecision { return h.decision }

// State returns the current lifecycle state.
func (h *Handle) State() JobState {
	if h.job != nil {
		return h.job.State()
	}
	return h.state
}

// Status returns a point-in-time snapshot.
func (h *Handle) Status() JobSnapshot {
	if h.job != nil {
		return h.job.Snapshot()
	}
	s := JobSnapshot{
		RequestID: h.requestID,
		State:     h.state,
		Decision:  h.decision,
	}
	if h.err != nil {
		s.Error = h.err.Error()
	}
	return s
}

// Done returns a channel closed once the submission is terminal.
func (h *Handle) Done() <-chan struct{} {
	if h.job != nil {
		return h.job.Done()
	}
	return h.done
}

// Wait blocks until the submission is terminal or ctx expires.
func (h *Handle) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-h.Done():
	case <-ctx.Done():
		return nil, NewError(KindCancelled, "handle.wait", ctx.Err())
	}
	if h.job != nil {
		return h.job.Result()
	}
	return h.result, h.err
}

// Cancel requests cancellation of the underlying job. Resolved handles and
// terminal jobs report false.
func (h *Handle) Cancel() bool {
	if h.job == nil {
		return false
	}
	return h.queue.Cancel(h.job.ID)
}
