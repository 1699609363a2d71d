package orchestrator

import "github.com/elum-utils/aiocensor/models"

// aggregate folds per-provider results, kept in chain order, into one verdict.
func aggregate(results []providerResult, agreement Agreement) models.AggregateVerdict {
	agg := models.AggregateVerdict{Outcomes: make([]models.ProviderOutcome, 0, len(results))}
	violations := 0
	for _, r := range results {
		agg.Outcomes = append(agg.Outcomes, r.outcome)
		if r.verdict == nil {
			continue
		}
		agg.Verdicts = append(agg.Verdicts, *r.verdict)
		if r.verdict.Violated {
			violations++
		}
	}
	if len(agg.Verdicts) == 0 {
		agg.AllProvidersFailed = true
		return agg
	}

	switch agreement {
	case Unanimous:
		agg.Violated = violations == len(agg.Verdicts)
		// A split decision is left for a human.
		if violations > 0 && !agg.Violated {
			agg.NeedsReview = true
		}
	default:
		agg.Violated = violations > 0
	}

	cats := newOrderedSet[models.Category]()
	reasons := newOrderedSet[string]()
	keywords := newOrderedSet[string]()
	for _, v := range agg.Verdicts {
		if !v.Violated && !v.NeedsReview {
			continue
		}
		if v.NeedsReview && !agg.Violated {
			agg.NeedsReview = true
		}
		cats.add(v.Categories...)
		reasons.add(v.Reasons...)
		keywords.add(v.Keywords...)
		if !v.Violated {
			continue
		}
		if agg.Violated && agg.Primary == "" {
			agg.Primary = v.Provider
		}
		if v.Confidence != nil && (agg.Confidence == nil || *v.Confidence > *agg.Confidence) {
			c := *v.Confidence
			agg.Confidence = &c
		}
	}
	if !agg.Violated {
		agg.Confidence = nil
	}
	agg.Categories = cats.items
	agg.Reasons = reasons.items
	agg.Keywords = keywords.items
	return agg
}

type orderedSet[T comparable] struct {
	seen  map[T]struct{}
	items []T
}

func newOrderedSet[T comparable]() *orderedSet[T] {
	return &orderedSet[T]{seen: make(map[T]struct{})}
}

func (s *orderedSet[T]) add(vals ...T) {
	for _, v := range vals {
		if _, ok := s.seen[v]; ok {
			continue
		}
		s.seen[v] = struct{}{}
		s.items = append(s.items, v)
	}
}
