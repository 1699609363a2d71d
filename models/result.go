package models

import "time"

// ProviderID names a configured moderation backend.
type ProviderID string

// Category is a violation class reported by a provider.
type Category string

const (
	CategoryKeyword   Category = "keyword"
	CategorySpam      Category = "spam"
	CategoryAd        Category = "ad"
	CategoryAbuse     Category = "abuse"
	CategorySexual    Category = "sexual"
	CategoryViolence  Category = "violence"
	CategoryPolitics  Category = "politics"
	CategoryTerrorism Category = "terrorism"
	CategoryIllegal   Category = "illegal"
	CategoryOther     Category = "other"
)

// Verdict is a single provider's outcome for one request.
type Verdict struct {
	Provider    ProviderID `json:"provider"`
	Violated    bool       `json:"violated"`
	NeedsReview bool       `json:"needs_review,omitempty"`
	Categories  []Category `json:"categories,omitempty"`
	Confidence  *float64   `json:"confidence,omitempty"`
	Reasons     []string   `json:"reasons,omitempty"`
	// Keywords are literal trigger terms reported by the backend.
	Keywords []string `json:"keywords,omitempty"`
}

// WithConfidence sets the confidence and returns v.
func (v Verdict) WithConfidence(c float64) Verdict {
	v.Confidence = &c
	return v
}

// ProviderOutcome records how one provider in the chain was handled.
type ProviderOutcome struct {
	Provider  ProviderID    `json:"provider"`
	Attempts  int           `json:"attempts"`
	FellBack  bool          `json:"fell_back,omitempty"`
	Skipped   bool          `json:"skipped,omitempty"`
	ErrorKind *ErrorKind    `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// AggregateVerdict is the orchestrator's combined decision.
type AggregateVerdict struct {
	Violated    bool       `json:"violated"`
	NeedsReview bool       `json:"needs_review,omitempty"`
	Categories  []Category `json:"categories,omitempty"`
	// Primary is the first provider in chain order that reported a violation.
	Primary            ProviderID        `json:"primary,omitempty"`
	Confidence         *float64          `json:"confidence,omitempty"`
	Reasons            []string          `json:"reasons,omitempty"`
	Keywords           []string          `json:"keywords,omitempty"`
	Verdicts           []Verdict         `json:"verdicts,omitempty"`
	Outcomes           []ProviderOutcome `json:"outcomes,omitempty"`
	AllProvidersFailed bool              `json:"all_providers_failed,omitempty"`
}

// Inconclusive reports whether no provider could check the content.
func (a AggregateVerdict) Inconclusive() bool {
	return a.AllProvidersFailed
}

// HasCategory reports whether c was reported.
func (a AggregateVerdict) HasCategory(c Category) bool {
	for _, x := range a.Categories {
		if x == c {
			return true
		}
	}
	return false
}

// Status is the final classification of one moderation call.
type Status int

const (
	StatusClean Status = 1 + iota
	StatusViolation
	StatusReview
	StatusInconclusive
	StatusBlacklisted
	StatusWhitelisted
)

// StatusCount is the number of defined statuses.
const StatusCount = int(StatusWhitelisted)

func (s Status) String() string {
	switch s {
	case StatusClean:
		return "clean"
	case StatusViolation:
		return "violation"
	case StatusReview:
		return "review"
	case StatusInconclusive:
		return "inconclusive"
	case StatusBlacklisted:
		return "blacklisted"
	case StatusWhitelisted:
		return "whitelisted"
	default:
		return "unknown"
	}
}

// Valid returns true for known statuses.
func (s Status) Valid() bool {
	return s >= StatusClean && s <= StatusWhitelisted
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StatusOf classifies an aggregate verdict.
func StatusOf(v AggregateVerdict) Status {
	switch {
	case v.Violated:
		return StatusViolation
	case v.AllProvidersFailed:
		return StatusInconclusive
	case v.NeedsReview:
		return StatusReview
	default:
		return StatusClean
	}
}

// ModerationResult is what the facade reports for one request.
type ModerationResult struct {
	RequestID string           `json:"request_id"`
	Kind      ContentKind      `json:"kind"`
	Context   Context          `json:"context"`
	Status    Status           `json:"status"`
	Verdict   AggregateVerdict `json:"verdict"`
	// Cached is set when the verdict came from the verdict cache.
	Cached bool          `json:"cached,omitempty"`
	Tier   Tier          `json:"tier"`
	Intent *ActionIntent `json:"intent,omitempty"`
	// Duplicate is set when enforcement had already processed this message.
	Duplicate   bool   `json:"duplicate,omitempty"`
	ActionError string `json:"action_error,omitempty"`
}
