package cmd

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/docsight/scheduler/sched"
)

// apiServer adapts the scheduler facade to HTTP. The HTTP surface is a thin
// peripheral; all policy lives in the sched package.
type apiServer struct {
	scheduler *sched.Scheduler
	registry  *sched.Registry
	metrics   *sched.MetricsStore
}

// submitBody is the JSON request for POST /v1/submit. Payload and Embedding
// use encoding/json's native []byte (base64) and []float32 handling.
type submitBody struct {
	PrincipalID  string    `json:"principal_id"`
	Tier         string    `json:"tier"`
	Kind         string    `json:"kind"`
	Priority     string    `json:"priority"`
	Complexity   string    `json:"complexity"`
	Capabilities []string  `json:"capabilities"`
	Payload      []byte    `json:"payload"`
	DocumentType string    `json:"document_type"`
	Embedding    []float32 `json:"embedding"`
	DeadlineMS   int64     `json:"deadline_ms"` // optional, relative to now
}

type submitResponse struct {
	RequestID string                 `json:"request_id"`
	JobID     string                 `json:"job_id,omitempty"`
	State     sched.JobState         `json:"state"`
	Decision  *sched.RoutingDecision `json:"decision"`
	Output    []byte                 `json:"output,omitempty"` // set on cache hits
}

func (a *apiServer) submit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caps := make([]sched.Capability, len(body.Capabilities))
	for i, c := range body.Capabilities {
		caps[i] = sched.Capability(c)
	}
	req := &sched.Request{
		PrincipalID:  body.PrincipalID,
		Tier:         sched.Tier(body.Tier),
		Kind:         sched.RequestKind(body.Kind),
		Priority:     sched.Priority(body.Priority),
		Complexity:   sched.Complexity(body.Complexity),
		RequiredCaps: caps,
		Payload:      body.Payload,
		DocumentType: body.DocumentType,
		Embedding:    body.Embedding,
	}
	if body.DeadlineMS > 0 {
		req.Deadline = time.Now().Add(time.Duration(body.DeadlineMS) * time.Millisecond)
	}

	handle, err := a.scheduler.Submit(r.Context(), req)
	if err != nil {
		writeError(w, statusForKind(sched.KindOf(err)), err)
		return
	}

	resp := submitResponse{
		RequestID: handle.RequestID(),
		JobID:     handle.JobID(),
		State:     handle.State(),
		Decision:  handle.Decision(),
	}
	if handle.Decision().CacheHit {
		if result, _ := handle.Wait(r.Context()); result != nil {
			resp.Output = result.Output
		}
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (a *apiServer) jobStatus(w http.ResponseWriter, r *http.Request) {
	snap, ok := a.scheduler.Status(chi.URLParam(r, "id"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *apiServer) cancelJob(w http.ResponseWriter, r *http.Request) {
	cancelled := a.scheduler.Cancel(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (a *apiServer) backends(w http.ResponseWriter, r *http.Request) {
	type backendInfo struct {
		ID          string               `json:"id"`
		Kind        sched.BackendKind    `json:"kind"`
		Status      sched.BackendStatus  `json:"status"`
		InFlight    int                  `json:"in_flight"`
		MaxInFlight int                  `json:"max_in_flight"`
		Metrics     sched.BackendMetrics `json:"metrics"`
	}
	views := a.registry.List()
	out := make([]backendInfo, 0, len(views))
	for _, v := range views {
		out = append(out, backendInfo{
			ID:          v.Spec.ID,
			Kind:        v.Spec.Kind,
			Status:      v.Status,
			InFlight:    v.InFlight,
			MaxInFlight: v.Spec.MaxInFlight,
			Metrics:     a.metrics.Snapshot(v.Spec.ID),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *apiServer) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"queues": a.scheduler.QueueStats(),
		"cache":  a.scheduler.CacheStats(),
	})
}

// statusForKind maps error kinds onto HTTP statuses.
func statusForKind(kind sched.ErrorKind) int {
	switch kind {
	case sched.KindInvalidArgument:
		return http.StatusBadRequest
	case sched.KindNoEligibleBackend:
		return http.StatusServiceUnavailable
	case sched.KindBackendSaturated:
		return http.StatusTooManyRequests
	case sched.KindCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
