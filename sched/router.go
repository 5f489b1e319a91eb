// Routing: pick a backend for a request by filtering on capabilities and
// status, then walking a rule cascade that falls through rule-by-rule before
// landing on a weighted composite score.

package sched

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/docsight/scheduler/sched/kv"
)

// latencyBaseline anchors the composite latency score: a backend at this
// declared mean latency scores 10 of the 20 available points.
const latencyBaseline = 120 * time.Second

// RoutingDecision is the outcome of routing one request.
type RoutingDecision struct {
	RequestID        string        `json:"request_id"`
	Backend          string        `json:"backend"`
	Alternatives     []string      `json:"alternatives"`
	Reason           string        `json:"reason"`
	EstimatedLatency time.Duration `json:"estimated_latency"`
	EstimatedCost    float64       `json:"estimated_cost"`
	QueuePosition    int           `json:"queue_position"`
	CacheHit         bool          `json:"cache_hit"`
	Timestamp        time.Time     `json:"timestamp"`
}

// QueueDepths exposes per-backend pending counts to the router for queue
// position estimates. The job queue implements it.
type QueueDepths interface {
	PendingCount(backendID string) int
}

// RouterThresholds are the load fractions above which a backend is considered
// overloaded for fast-path and free-tier routing.
type RouterThresholds struct {
	AvailableLoadMax float64 `yaml:"available_load_max"` // default 0.9
	FreeTierLoadMax  float64 `yaml:"free_tier_load_max"` // default 0.8
}

// DefaultRouterThresholds returns the spec defaults.
func DefaultRouterThresholds() RouterThresholds {
	return RouterThresholds{AvailableLoadMax: 0.9, FreeTierLoadMax: 0.8}
}

// Router selects backends for requests. Stateless apart from its injected
// collaborators; safe for concurrent callers.
type Router struct {
	registry   *Registry
	metrics    *MetricsStore
	queues     QueueDepths
	clock      clockwork.Clock
	thresholds RouterThresholds
	store      kv.Store // optional; decisions persisted best-effort
}

// NewRouter wires a router. queues and store may be nil (queue position
// estimates then read zero, and decisions are not persisted).
func NewRouter(registry *Registry, metrics *MetricsStore, queues QueueDepths, clock clockwork.Clock, thresholds RouterThresholds, store kv.Store) *Router {
	if thresholds.AvailableLoadMax == 0 {
		thresholds.AvailableLoadMax = 0.9
	}
	if thresholds.FreeTierLoadMax == 0 {
		thresholds.FreeTierLoadMax = 0.8
	}
	return &Router{
		registry:   registry,
		metrics:    metrics,
		queues:     queues,
		clock:      clock,
		thresholds: thresholds,
		store:      store,
	}
}

// Route picks a backend for the request. Fails with no-eligible-backend when
// no capability-superset backend is reachable.
func (rt *Router) Route(req *Request) (*RoutingDecision, error) {
	eligible := rt.eligible(req)
	if len(eligible) == 0 {
		// Fall back to capability supersets regardless of status (except
		// maintenance), closest superset first: a degraded backend that can
		// do the work beats rejecting outright.
		eligible = rt.supersetFallback(req)
	}
	if len(eligible) == 0 {
		return nil, NewError(KindNoEligibleBackend, "router.route",
			fmt.Errorf("no backend covers capabilities %v", req.RequiredCaps))
	}

	target, reason := rt.cascade(req, eligible)

	alts := rt.alternatives(req, eligible, target.Spec.ID)
	decision := &RoutingDecision{
		RequestID:     req.ID,
		Backend:       target.Spec.ID,
		Alternatives:  alts,
		Reason:        reason,
		QueuePosition: rt.pending(target.Spec.ID),
		Timestamp:     rt.clock.Now(),
	}
	decision.EstimatedLatency = estimateLatency(target.Spec, req.Complexity, decision.QueuePosition)
	decision.EstimatedCost = estimateCost(target.Spec, req.Complexity, req.Tier)

	rt.persist(decision)
	return decision, nil
}

// eligible returns backends satisfying the capability-superset invariant that
// are not unavailable or in maintenance.
func (rt *Router) eligible(req *Request) []*BackendView {
	var out []*BackendView
	for _, v := range rt.registry.List() {
		if v.Status == StatusUnavailable || v.Status == StatusMaintenance {
			continue
		}
		if NewCapabilitySet(v.Spec.Capabilities).Superset(req.RequiredCaps) {
			out = append(out, v)
		}
	}
	return out
}

// supersetFallback relaxes the status filter (maintenance stays excluded) and
// orders candidates by smallest covering capability set.
func (rt *Router) supersetFallback(req *Request) []*BackendView {
	var out []*BackendView
	for _, v := range rt.registry.List() {
		if v.Status == StatusMaintenance {
			continue
		}
		if NewCapabilitySet(v.Spec.Capabilities).Superset(req.RequiredCaps) {
			out = append(out, v)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		li, lj := len(out[i].Spec.Capabilities), len(out[j].Spec.Capabilities)
		if li != lj {
			return li < lj
		}
		return out[i].Spec.ID < out[j].Spec.ID
	})
	return out
}

// cascade walks the routing rules in order. A rule whose candidate set is
// empty falls through to the next; the composite score is the terminal rule
// and always yields a target.
func (rt *Router) cascade(req *Request, eligible []*BackendView) (*BackendView, string) {
	// Rule 1: urgent and simple -> fastest available backend under load.
	if req.Priority == PriorityUrgent && req.Complexity == ComplexitySimple {
		if b := pickMinLatency(filterViews(eligible, func(v *BackendView) bool {
			return v.Status == StatusAvailable && v.Load() < rt.thresholds.AvailableLoadMax
		})); b != nil {
			return b, fmt.Sprintf("urgent-fastpath (latency=%s)", b.Spec.MeanLatency)
		}
	}

	// Rule 2: heavy work that is not urgent -> dedicated complex backends,
	// then backups.
	if (req.Complexity == ComplexityComplex || req.Complexity == ComplexityVeryComplex) && req.Priority != PriorityUrgent {
		if b := pickMaxBasePriority(filterViews(eligible, func(v *BackendView) bool {
			return v.Spec.Kind == BackendComplex && v.Status == StatusAvailable
		})); b != nil {
			return b, "complex-escalation"
		}
		if b := pickMaxBasePriority(filterViews(eligible, func(v *BackendView) bool {
			return v.Spec.Kind == BackendBackup && v.Status == StatusAvailable
		})); b != nil {
			return b, "complex-escalation (backup)"
		}
	}

	// Rule 3: business queries go to business-tagged backends.
	if req.Kind == KindBusinessQuery {
		if b := pickMaxBasePriority(filterViews(eligible, func(v *BackendView) bool {
			return v.Spec.HasTag(TagBusiness) && v.Status == StatusAvailable
		})); b != nil {
			return b, "business-tag"
		}
	}

	// Rule 4: free tier is cost-biased.
	if req.Tier == TierFree {
		if b := pickMinCost(filterViews(eligible, func(v *BackendView) bool {
			return v.Status == StatusAvailable && v.Load() < rt.thresholds.FreeTierLoadMax
		})); b != nil {
			return b, fmt.Sprintf("free-cheapest (cost=%.4f)", b.Spec.CostPerReq)
		}
	}

	// Rule 5: paying tiers are latency-biased.
	if req.Tier == TierPremium || req.Tier == TierEnterprise {
		if b := pickMinLatency(filterViews(eligible, func(v *BackendView) bool {
			return v.Status == StatusAvailable
		})); b != nil {
			return b, fmt.Sprintf("tier-latency (latency=%s)", b.Spec.MeanLatency)
		}
	}

	// Rule 6: weighted composite over everything still eligible.
	best, score := rt.pickComposite(req, eligible)
	return best, fmt.Sprintf("composite (score=%.1f)", score)
}

// CompositeScore sums the capped weighted components used by the terminal
// routing rule. Exported for observability; the router calls it internally.
func (rt *Router) CompositeScore(req *Request, v *BackendView) float64 {
	snap := rt.metrics.Snapshot(v.Spec.ID)

	score := math.Min(float64(v.Spec.BasePriority)*3, 30)
	score += snap.SuccessRate * 20
	score += math.Min(20, (1/v.Spec.CostPerReq)*2)
	score += math.Min(20, (latencyBaseline.Seconds()/v.Spec.MeanLatency.Seconds())*10)
	score += (1 - v.Load()) * 10
	switch req.Tier {
	case TierEnterprise:
		score += 10
	case TierPremium:
		score += 5
	}
	score += capabilityMatchRatio(req.RequiredCaps, v.Spec.Capabilities) * 10
	return score
}

// capabilityMatchRatio measures how precisely a backend fits the request:
// 1.0 when the backend declares exactly the required capabilities, shrinking
// as the backend carries unrelated ones. An empty requirement matches every
// backend equally.
func capabilityMatchRatio(required []Capability, declared []Capability) float64 {
	if len(required) == 0 || len(declared) == 0 {
		return 1.0
	}
	r := float64(len(required)) / float64(len(declared))
	if r > 1 {
		r = 1
	}
	return r
}

func (rt *Router) pickComposite(req *Request, views []*BackendView) (*BackendView, float64) {
	var best *BackendView
	bestScore := -1.0
	for _, v := range views {
		s := rt.CompositeScore(req, v)
		if best == nil || s > bestScore ||
			(s == bestScore && (v.Spec.CostPerReq < best.Spec.CostPerReq ||
				(v.Spec.CostPerReq == best.Spec.CostPerReq && v.Spec.ID < best.Spec.ID))) {
			best, bestScore = v, s
		}
	}
	return best, bestScore
}

// alternatives orders the remaining eligible backends by composite score.
func (rt *Router) alternatives(req *Request, eligible []*BackendView, selected string) []string {
	type scored struct {
		id    string
		cost  float64
		score float64
	}
	var rest []scored
	for _, v := range eligible {
		if v.Spec.ID == selected {
			continue
		}
		rest = append(rest, scored{id: v.Spec.ID, cost: v.Spec.CostPerReq, score: rt.CompositeScore(req, v)})
	}
	sort.SliceStable(rest, func(i, j int) bool {
		if rest[i].score != rest[j].score {
			return rest[i].score > rest[j].score
		}
		if rest[i].cost != rest[j].cost {
			return rest[i].cost < rest[j].cost
		}
		return rest[i].id < rest[j].id
	})
	out := make([]string, 0, len(rest))
	for _, s := range rest {
		out = append(out, s.id)
	}
	return out
}

func (rt *Router) pending(backendID string) int {
	if rt.queues == nil {
		return 0
	}
	return rt.queues.PendingCount(backendID)
}

// persist writes the decision to the shared KV store, best-effort and
// asynchronous so routing latency never depends on it.
func (rt *Router) persist(d *RoutingDecision) {
	if rt.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		data, err := json.Marshal(d)
		if err != nil {
			return
		}
		if err := rt.store.Set(ctx, kv.DecisionKey(d.Timestamp.UnixNano()), data, 24*time.Hour); err != nil {
			logrus.Debugf("router: persisting decision for %s failed: %v", shortID(d.RequestID), err)
		}
	}()
}

// latencyMultiplier scales the declared mean latency by request complexity.
func latencyMultiplier(c Complexity) float64 {
	switch c {
	case ComplexitySimple:
		return 0.7
	case ComplexityComplex:
		return 1.5
	case ComplexityVeryComplex:
		return 2.0
	default:
		return 1.0
	}
}

// costMultiplier scales the declared cost by request complexity.
func costMultiplier(c Complexity) float64 {
	switch c {
	case ComplexitySimple:
		return 0.8
	case ComplexityComplex:
		return 1.5
	case ComplexityVeryComplex:
		return 2.0
	default:
		return 1.0
	}
}

// tierDiscount rewards paying tiers on the estimated price.
func tierDiscount(t Tier) float64 {
	switch t {
	case TierPremium:
		return 0.8
	case TierEnterprise:
		return 0.6
	default:
		return 1.0
	}
}

func estimateLatency(spec BackendSpec, c Complexity, queuePos int) time.Duration {
	base := float64(spec.MeanLatency) * latencyMultiplier(c)
	queueWait := float64(queuePos) / float64(spec.MaxInFlight) * float64(spec.MeanLatency)
	return time.Duration(base + queueWait)
}

func estimateCost(spec BackendSpec, c Complexity, t Tier) float64 {
	return spec.CostPerReq * costMultiplier(c) * tierDiscount(t)
}

func filterViews(views []*BackendView, keep func(*BackendView) bool) []*BackendView {
	var out []*BackendView
	for _, v := range views {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

// pickMinLatency selects the lowest declared mean latency; ties break by
// lower cost, then ID, for determinism.
func pickMinLatency(views []*BackendView) *BackendView {
	var best *BackendView
	for _, v := range views {
		if best == nil ||
			v.Spec.MeanLatency < best.Spec.MeanLatency ||
			(v.Spec.MeanLatency == best.Spec.MeanLatency && (v.Spec.CostPerReq < best.Spec.CostPerReq ||
				(v.Spec.CostPerReq == best.Spec.CostPerReq && v.Spec.ID < best.Spec.ID))) {
			best = v
		}
	}
	return best
}

// pickMinCost selects the cheapest backend; ties break by latency, then ID.
func pickMinCost(views []*BackendView) *BackendView {
	var best *BackendView
	for _, v := range views {
		if best == nil ||
			v.Spec.CostPerReq < best.Spec.CostPerReq ||
			(v.Spec.CostPerReq == best.Spec.CostPerReq && (v.Spec.MeanLatency < best.Spec.MeanLatency ||
				(v.Spec.MeanLatency == best.Spec.MeanLatency && v.Spec.ID < best.Spec.ID))) {
			best = v
		}
	}
	return best
}

// pickMaxBasePriority selects the highest declared base priority; ties break
// by lower cost, then ID.
func pickMaxBasePriority(views []*BackendView) *BackendView {
	var best *BackendView
	for _, v := range views {
		if best == nil ||
			v.Spec.BasePriority > best.Spec.BasePriority ||
			(v.Spec.BasePriority == best.Spec.BasePriority && (v.Spec.CostPerReq < best.Spec.CostPerReq ||
				(v.Spec.CostPerReq == best.Spec.CostPerReq && v.Spec.ID < best.Spec.ID))) {
			best = v
		}
	}
	return best
}
