// Scheduler facade: the single entry point tying cache, router, and queue
// together. submit -> (cache or queue) -> handle; completions feed the cache
// and the rolling metrics.

package sched

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/docsight/scheduler/sched/cache"
)

// ttlByKind derives the cache TTL for a completed result from the request
// kind. Quick scans age out fast; risk assessments stay longer.
var ttlByKind = map[RequestKind]time.Duration{
	KindQuickScan:      time.Hour,
	KindDocAnalysis:    24 * time.Hour,
	KindDetailedReview: 24 * time.Hour,
	KindPatternSearch:  12 * time.Hour,
	KindRiskAssessment: 48 * time.Hour,
	KindBusinessQuery:  6 * time.Hour,
}

const defaultResultTTL = 24 * time.Hour

// Scheduler is the facade over the registry, router, queue, and cache.
type Scheduler struct {
	registry *Registry
	metrics  *MetricsStore
	router   *Router
	queue    *JobQueue
	cache    *cache.TieredCache // nil disables caching entirely
	clock    clockwork.Clock
}

// NewScheduler wires the facade and hooks job completions into the cache.
func NewScheduler(registry *Registry, metrics *MetricsStore, router *Router, queue *JobQueue, tc *cache.TieredCache, clock clockwork.Clock) *Scheduler {
	s := &Scheduler{
		registry: registry,
		metrics:  metrics,
		router:   router,
		queue:    queue,
		cache:    tc,
		clock:    clock,
	}
	queue.OnTerminal(s.onJobTerminal)
	return s
}

// Submit validates and fingerprints the request, consults the cache, and on a
// miss routes and enqueues. Non-blocking: the returned handle is either
// already resolved (cache hit) or tracks the queued job.
func (s *Scheduler) Submit(ctx context.Context, req *Request) (*Handle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = NewID()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = s.clock.Now()
	}
	if !req.Deadline.IsZero() && !req.Deadline.After(req.SubmittedAt) {
		return nil, NewError(KindInvalidArgument, "scheduler.submit",
			fmt.Errorf("deadline %s already passed", req.Deadline.Format(time.RFC3339)))
	}
	if req.Fingerprint == "" {
		req.Fingerprint = FingerprintRequest(req.Payload, req.RequiredCaps)
	}

	if h := s.lookupCache(ctx, req); h != nil {
		return h, nil
	}

	decision, err := s.router.Route(req)
	if err != nil {
		return nil, err
	}
	job, err := s.queue.Enqueue(req, decision)
	if err != nil {
		return nil, err
	}
	logrus.Debugf("request %s routed to %s (%s), job %s",
		shortID(req.ID), decision.Backend, decision.Reason, shortID(job.ID))
	return newJobHandle(req.ID, decision, job, s.queue), nil
}

// lookupCache returns a resolved handle on a cache hit, nil on miss or when
// caching is disabled. The served entry must cover the request's required
// capabilities; exact-key entries always do because the capability set is
// part of the fingerprint.
func (s *Scheduler) lookupCache(ctx context.Context, req *Request) *Handle {
	if s.cache == nil {
		return nil
	}
	var q *cache.SemanticQuery
	if len(req.Embedding) > 0 && !cache.ZeroNorm(req.Embedding) {
		q = &cache.SemanticQuery{
			Embedding:    req.Embedding,
			Capabilities: capStrings(req.RequiredCaps),
			DocumentType: req.DocumentType,
		}
	}
	entry, err := s.cache.Lookup(ctx, req.Fingerprint, q)
	if err != nil {
		logrus.Warnf("cache lookup for request %s degraded: %v", shortID(req.ID), err)
		return nil
	}
	if entry == nil || !entry.CoversCapabilities(capStrings(req.RequiredCaps)) {
		return nil
	}

	reason := "cache-hit"
	if sim, ok := entry.Metadata["similarity"]; ok {
		reason = "cache-hit-semantic (similarity=" + sim + ")"
	}
	decision := &RoutingDecision{
		RequestID: req.ID,
		Backend:   entry.BackendID,
		Reason:    reason,
		CacheHit:  true,
		Timestamp: s.clock.Now(),
	}
	result := &Result{Output: entry.Value, Metadata: entry.Metadata}
	logrus.Debugf("request %s served from %s cache tier", shortID(req.ID), entry.Tier)
	return newResolvedHandle(req.ID, decision, result, nil, JobCompleted)
}

// Status looks up a job by ID.
func (s *Scheduler) Status(jobID string) (JobSnapshot, bool) {
	return s.queue.Status(jobID)
}

// Cancel cancels a job by ID.
func (s *Scheduler) Cancel(jobID string) bool {
	return s.queue.Cancel(jobID)
}

// QueueStats exposes per-backend queue counters.
func (s *Scheduler) QueueStats() map[string]QueueStats {
	return s.queue.Stats()
}

// CacheStats exposes per-tier cache counters; zero-valued when caching is
// disabled.
func (s *Scheduler) CacheStats() cache.Stats {
	if s.cache == nil {
		return cache.Stats{}
	}
	return s.cache.Stats()
}

// Backends lists the registered backends with their runtime state.
func (s *Scheduler) Backends() []*BackendView {
	return s.registry.List()
}

// BackendMetrics snapshots one backend's rolling metrics.
func (s *Scheduler) BackendMetrics(backendID string) BackendMetrics {
	return s.metrics.Snapshot(backendID)
}

// Stop drains the queue's dispatchers.
func (s *Scheduler) Stop() { s.queue.Stop() }

// onJobTerminal feeds successful completions back into the cache. Runs on the
// dispatcher's completion path, so the store is bounded by its own timeout.
func (s *Scheduler) onJobTerminal(job *Job) {
	if s.cache == nil || job.State() != JobCompleted {
		return
	}
	result, _ := job.Result()
	if result == nil || len(result.Output) == 0 {
		return
	}
	req := job.Request
	entry := &cache.Entry{
		Key:            req.Fingerprint,
		ReqFingerprint: req.Fingerprint,
		DocFingerprint: FingerprintDocument(req.Payload),
		BackendID:      job.BackendID,
		Capabilities:   capStrings(req.RequiredCaps),
		DocumentType:   req.DocumentType,
		Value:          result.Output,
		Metadata:       result.Metadata,
		Embedding:      req.Embedding,
	}
	ttl, ok := ttlByKind[req.Kind]
	if !ok {
		ttl = defaultResultTTL
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cache.Store(ctx, entry, cache.StoreOptions{
		PinMemory: req.Tier == TierEnterprise,
		TTL:       ttl,
	}); err != nil {
		logrus.Warnf("caching result for request %s failed: %v", shortID(req.ID), err)
	}
}

// capStrings converts the typed capability slice for the cache package.
func capStrings(caps []Capability) []string {
	if len(caps) == 0 {
		return nil
	}
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out
}
