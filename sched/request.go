// Defines the Request struct that models a single document-analysis request,
// together with the closed enum vocabularies it is built from.

package sched

import (
	"fmt"
	"sort"
	"time"
)

// Tier is the class of the submitting principal.
type Tier string

const (
	TierFree       Tier = "free"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// RequestKind names the analysis being asked for.
type RequestKind string

const (
	KindDocAnalysis    RequestKind = "doc-analysis"
	KindQuickScan      RequestKind = "quick-scan"
	KindDetailedReview RequestKind = "detailed-review"
	KindPatternSearch  RequestKind = "pattern-search"
	KindRiskAssessment RequestKind = "risk-assessment"
	KindBusinessQuery  RequestKind = "business-query"
)

// Priority is the caller-requested urgency.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Complexity estimates how much work the request represents.
type Complexity string

const (
	ComplexitySimple      Complexity = "simple"
	ComplexityModerate    Complexity = "moderate"
	ComplexityComplex     Complexity = "complex"
	ComplexityVeryComplex Complexity = "very-complex"
)

// Capability is a tag from the closed vocabulary describing what a backend can
// perform or a request requires.
type Capability string

const (
	CapDocumentAnalysis    Capability = "document-analysis"
	CapPatternDetection    Capability = "pattern-detection"
	CapLegalInterpretation Capability = "legal-interpretation"
	CapRiskAssessment      Capability = "risk-assessment"
	CapMarketingAnalysis   Capability = "marketing-analysis"
	CapSalesInsights       Capability = "sales-insights"
	CapCustomerAnalytics   Capability = "customer-analytics"
	CapBusinessIntel       Capability = "business-intelligence"
)

// validTiers is the set of recognized principal tiers.
// Shared by Request.Validate and config validation to avoid duplication.
var validTiers = map[Tier]bool{TierFree: true, TierPremium: true, TierEnterprise: true}

// validKinds is the set of recognized request kinds.
var validKinds = map[RequestKind]bool{
	KindDocAnalysis: true, KindQuickScan: true, KindDetailedReview: true,
	KindPatternSearch: true, KindRiskAssessment: true, KindBusinessQuery: true,
}

// validPriorities is the set of recognized priorities.
var validPriorities = map[Priority]bool{
	PriorityLow: true, PriorityMedium: true, PriorityHigh: true, PriorityUrgent: true,
}

// validComplexities is the set of recognized complexities.
var validComplexities = map[Complexity]bool{
	ComplexitySimple: true, ComplexityModerate: true,
	ComplexityComplex: true, ComplexityVeryComplex: true,
}

// validCapabilities is the closed capability vocabulary.
var validCapabilities = map[Capability]bool{
	CapDocumentAnalysis: true, CapPatternDetection: true, CapLegalInterpretation: true,
	CapRiskAssessment: true, CapMarketingAnalysis: true, CapSalesInsights: true,
	CapCustomerAnalytics: true, CapBusinessIntel: true,
}

// IsValidCapability returns true if cap is part of the closed vocabulary.
func IsValidCapability(cap Capability) bool { return validCapabilities[cap] }

// Request models a single document-analysis request. Created by the facade;
// immutable thereafter. An empty capability set is legal and matches every
// backend. Fingerprint and Embedding are optional; a zero-norm embedding
// disables semantic cache matching for the request.
type Request struct {
	ID           string
	PrincipalID  string
	Tier         Tier
	Kind         RequestKind
	Priority     Priority
	Complexity   Complexity
	RequiredCaps []Capability
	Deadline     time.Time // zero value means no deadline
	Payload      []byte
	DocumentType string // e.g. "tos", "privacy-policy"; empty means unknown

	// Fingerprint is the cache key for exact-match lookup. Computed from
	// Payload and RequiredCaps by the facade when empty.
	Fingerprint string

	// Embedding enables semantic cache lookup when non-empty.
	Embedding []float32

	SubmittedAt time.Time
}

// Validate checks all enum fields against the closed vocabularies.
// Unknown values fail with an invalid-argument error.
func (r *Request) Validate() error {
	if !validTiers[r.Tier] {
		return NewError(KindInvalidArgument, "request.validate", fmt.Errorf("unknown tier %q", r.Tier))
	}
	if !validKinds[r.Kind] {
		return NewError(KindInvalidArgument, "request.validate", fmt.Errorf("unknown request kind %q", r.Kind))
	}
	if !validPriorities[r.Priority] {
		return NewError(KindInvalidArgument, "request.validate", fmt.Errorf("unknown priority %q", r.Priority))
	}
	if !validComplexities[r.Complexity] {
		return NewError(KindInvalidArgument, "request.validate", fmt.Errorf("unknown complexity %q", r.Complexity))
	}
	for _, cap := range r.RequiredCaps {
		if !validCapabilities[cap] {
			return NewError(KindInvalidArgument, "request.validate", fmt.Errorf("unknown capability %q", cap))
		}
	}
	return nil
}

func (r Request) String() string {
	return fmt.Sprintf("Request(ID: %s, Tier: %s, Kind: %s, Priority: %s, Complexity: %s)",
		r.ID, r.Tier, r.Kind, r.Priority, r.Complexity)
}

// CapabilitySet is a convenience wrapper for superset checks.
type CapabilitySet map[Capability]bool

// NewCapabilitySet builds a set from a slice.
func NewCapabilitySet(caps []Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = true
	}
	return s
}

// Superset reports whether s contains every capability in required.
// An empty required set is trivially satisfied.
func (s CapabilitySet) Superset(required []Capability) bool {
	for _, c := range required {
		if !s[c] {
			return false
		}
	}
	return true
}

// sortedCaps returns a sorted copy, used for deterministic fingerprints.
func sortedCaps(caps []Capability) []string {
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	sort.Strings(out)
	return out
}
