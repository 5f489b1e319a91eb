// Job lifecycle state for queued work. A job is owned by the queue of its
// target backend and reaches exactly one terminal state.

package sched

import (
	"sync"
	"time"
)

// JobState is the lifecycle state of a job.
type JobState string

const (
	JobPending    JobState = "pending"
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
	JobRetrying   JobState = "retrying"
	JobCancelled  JobState = "cancelled"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Priority weights. Queue priority is the sum of the tier weight, the
// request-priority weight, and a small complexity bonus, so an enterprise
// low-priority job still outranks a free urgent one.
const (
	weightTierEnterprise = 1000
	weightTierPremium    = 500
	weightTierFree       = 0

	weightPriorityUrgent = 400
	weightPriorityHigh   = 300
	weightPriorityMedium = 200
	weightPriorityLow    = 100
)

// QueuePriority computes the dispatch priority for a request.
func QueuePriority(req *Request) int {
	p := 0
	switch req.Tier {
	case TierEnterprise:
		p += weightTierEnterprise
	case TierPremium:
		p += weightTierPremium
	default:
		p += weightTierFree
	}
	switch req.Priority {
	case PriorityUrgent:
		p += weightPriorityUrgent
	case PriorityHigh:
		p += weightPriorityHigh
	case PriorityMedium:
		p += weightPriorityMedium
	default:
		p += weightPriorityLow
	}
	switch req.Complexity {
	case ComplexityModerate:
		p += 10
	case ComplexityComplex:
		p += 20
	case ComplexityVeryComplex:
		p += 30
	}
	return p
}

// Job is one unit of queued work. Mutable fields are guarded by mu; the
// queue's per-backend lock is always acquired before a job's lock.
type Job struct {
	ID          string
	Request     *Request
	BackendID   string
	Decision    *RoutingDecision
	MaxAttempts int

	mu          sync.Mutex
	state       JobState
	attempts    int
	result      *Result
	err         error
	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time
	cancelled   bool         // cancellation requested while processing
	abortCall   func()       // cancels the in-flight backend call
	done        chan struct{} // closed exactly once, on reaching a terminal state

	// heap bookkeeping, guarded by the owning backendQueue's lock
	priority  int
	seq       uint64
	notBefore time.Time
	index     int
}

// JobSnapshot is an immutable copy of a job's observable state.
type JobSnapshot struct {
	ID          string           `json:"id"`
	RequestID   string           `json:"request_id"`
	BackendID   string           `json:"backend_id"`
	State       JobState         `json:"state"`
	Attempts    int              `json:"attempts"`
	MaxAttempts int              `json:"max_attempts"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   time.Time        `json:"started_at,omitempty"`
	CompletedAt time.Time        `json:"completed_at,omitempty"`
	Decision    *RoutingDecision `json:"decision,omitempty"`
}

// Snapshot returns a copy of the job's observable state.
func (j *Job) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := JobSnapshot{
		ID:          j.ID,
		RequestID:   j.Request.ID,
		BackendID:   j.BackendID,
		State:       j.state,
		Attempts:    j.attempts,
		MaxAttempts: j.MaxAttempts,
		CreatedAt:   j.createdAt,
		StartedAt:   j.startedAt,
		CompletedAt: j.completedAt,
		Decision:    j.Decision,
	}
	if j.err != nil {
		s.Error = j.err.Error()
	}
	return s
}

// State returns the current lifecycle state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Result returns the result and error once terminal; before that both are nil.
func (j *Job) Result() (*Result, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.state.Terminal() {
		return nil, nil
	}
	return j.result, j.err
}

// Done returns a channel closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// jobHeap orders jobs by descending priority; FIFO within equal priority via
// the monotonically increasing sequence number. Same container/heap shape as
// an event heap keyed on (time, id).
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	job := x.(*Job)
	job.index = len(*h)
	*h = append(*h, job)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	job.index = -1
	*h = old[:n-1]
	return job
}
