// Backend declarations and the Invoker interface through which the dispatcher
// reaches a compute endpoint. Variants differ only in their Call
// implementation; the router and queue treat them uniformly.

package sched

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// BackendKind groups backends by the role they play in routing.
type BackendKind string

const (
	BackendPrimary     BackendKind = "primary"
	BackendComplex     BackendKind = "complex"
	BackendBackup      BackendKind = "backup"
	BackendBusiness    BackendKind = "business"
	BackendSpecialized BackendKind = "specialized"
)

// BackendStatus is the runtime availability state of a backend.
type BackendStatus string

const (
	StatusAvailable   BackendStatus = "available"
	StatusBusy        BackendStatus = "busy"
	StatusDegraded    BackendStatus = "degraded"
	StatusUnavailable BackendStatus = "unavailable"
	StatusMaintenance BackendStatus = "maintenance"
)

// validBackendKinds is the set of recognized backend kinds.
var validBackendKinds = map[BackendKind]bool{
	BackendPrimary: true, BackendComplex: true, BackendBackup: true,
	BackendBusiness: true, BackendSpecialized: true,
}

// validBackendStatuses is the set of recognized backend statuses.
var validBackendStatuses = map[BackendStatus]bool{
	StatusAvailable: true, StatusBusy: true, StatusDegraded: true,
	StatusUnavailable: true, StatusMaintenance: true,
}

// TagBusiness marks a backend as eligible for business-query routing.
const TagBusiness = "business"

// BackendSpec is the declared, immutable description of a backend.
type BackendSpec struct {
	ID           string        `yaml:"id"`
	Kind         BackendKind   `yaml:"kind"`
	Endpoint     string        `yaml:"endpoint"`
	Capabilities []Capability  `yaml:"capabilities"`
	MeanLatency  time.Duration `yaml:"mean_latency"`
	CostPerReq   float64       `yaml:"cost_per_request"`
	MaxInFlight  int           `yaml:"max_in_flight"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
	BasePriority int           `yaml:"base_priority"`
	Tags         []string      `yaml:"tags"`
	InitialState BackendStatus `yaml:"initial_status"`
}

// Validate checks the declared fields against the closed vocabularies and
// numeric ranges.
func (s *BackendSpec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("backend id must not be empty")
	}
	if !validBackendKinds[s.Kind] {
		return fmt.Errorf("backend %s: unknown kind %q", s.ID, s.Kind)
	}
	if s.InitialState != "" && !validBackendStatuses[s.InitialState] {
		return fmt.Errorf("backend %s: unknown initial status %q", s.ID, s.InitialState)
	}
	for _, c := range s.Capabilities {
		if !validCapabilities[c] {
			return fmt.Errorf("backend %s: unknown capability %q", s.ID, c)
		}
	}
	if s.MaxInFlight <= 0 {
		return fmt.Errorf("backend %s: max_in_flight must be positive, got %d", s.ID, s.MaxInFlight)
	}
	if s.CostPerReq <= 0 {
		return fmt.Errorf("backend %s: cost_per_request must be positive, got %f", s.ID, s.CostPerReq)
	}
	if s.MeanLatency <= 0 {
		return fmt.Errorf("backend %s: mean_latency must be positive, got %s", s.ID, s.MeanLatency)
	}
	if s.CallTimeout <= 0 {
		return fmt.Errorf("backend %s: call_timeout must be positive, got %s", s.ID, s.CallTimeout)
	}
	return nil
}

// HasTag reports whether the backend declares the given tag.
func (s *BackendSpec) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Result is the artifact a backend produced for a request.
type Result struct {
	Output   []byte
	Metadata map[string]string
	Cost     float64 // actual cost charged; falls back to the declared cost when zero
}

// Invoker is the capability interface behind which backend variants hide.
// Call runs one analysis; Probe is a cheap liveness check used by the
// maintenance loop. Both honor ctx cancellation and deadlines.
type Invoker interface {
	Call(ctx context.Context, req *Request) (*Result, error)
	Probe(ctx context.Context) error
}

// HTTPInvoker reaches a backend over plain HTTP: POST payload to the declared
// endpoint, HEAD for probes. 5xx and transport errors classify as
// backend-transient; 401/403 as backend-fatal.
type HTTPInvoker struct {
	Endpoint string
	Client   *http.Client
}

// NewHTTPInvoker builds an invoker for the given endpoint. The client timeout
// is left unset: per-call timeouts arrive via ctx from the dispatcher.
func NewHTTPInvoker(endpoint string) *HTTPInvoker {
	return &HTTPInvoker{Endpoint: endpoint, Client: &http.Client{}}
}

func (h *HTTPInvoker) Call(ctx context.Context, req *Request) (*Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(req.Payload))
	if err != nil {
		return nil, NewError(KindBackendFatal, "backend.call", err)
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	httpReq.Header.Set("X-Request-Kind", string(req.Kind))
	httpReq.Header.Set("X-Request-ID", req.ID)

	resp, err := h.Client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, NewError(KindBackendTimeout, "backend.call", err)
		}
		return nil, NewError(KindBackendTransient, "backend.call", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewError(KindBackendTransient, "backend.call", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, NewError(KindBackendFatal, "backend.call", fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return nil, NewError(KindBackendTransient, "backend.call", fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, NewError(KindBackendFatal, "backend.call", fmt.Errorf("status %d", resp.StatusCode))
	}
	return &Result{Output: body, Metadata: map[string]string{"http-status": resp.Status}}, nil
}

func (h *HTTPInvoker) Probe(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodHead, h.Endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := h.Client.Do(httpReq)
	if err != nil {
		return NewError(KindBackendTransient, "backend.probe", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return NewError(KindBackendTransient, "backend.probe", fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}

// breakerInvoker wraps an Invoker with a circuit breaker. A tripped breaker
// short-circuits calls into backend-transient errors so the retry path and the
// health state machine see a consistent failure classification.
type breakerInvoker struct {
	inner   Invoker
	breaker *gobreaker.CircuitBreaker
}

func newBreakerInvoker(id string, inner Invoker) *breakerInvoker {
	return &breakerInvoker{
		inner: inner,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    id,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (b *breakerInvoker) Call(ctx context.Context, req *Request) (*Result, error) {
	out, err := b.breaker.Execute(func() (interface{}, error) {
		return b.inner.Call(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, NewError(KindBackendTransient, "backend.call", err)
		}
		return nil, err
	}
	return out.(*Result), nil
}

func (b *breakerInvoker) Probe(ctx context.Context) error {
	return b.inner.Probe(ctx)
}
