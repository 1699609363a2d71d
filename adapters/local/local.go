// Package local is a provider backed by the in-process keyword matcher.
package local

import (
	"context"

	"github.com/elum-utils/aiocensor/engine"
	"github.com/elum-utils/aiocensor/models"
)

// DefaultID is the provider id used when none is given.
const DefaultID models.ProviderID = "local"

// Provider checks text against the matcher's current rule snapshot.
type Provider struct {
	id      models.ProviderID
	matcher *engine.Matcher
}

// New creates a local provider. An empty id means DefaultID.
func New(id models.ProviderID, matcher *engine.Matcher) *Provider {
	if id == "" {
		id = DefaultID
	}
	return &Provider{id: id, matcher: matcher}
}

func (p *Provider) ID() models.ProviderID { return p.id }

func (p *Provider) Capabilities() models.CapabilitySet {
	return models.Capabilities(models.KindText)
}

// Check reports a keyword violation listing every matching rule.
func (p *Provider) Check(ctx context.Context, req models.ModerationRequest) (models.Verdict, error) {
	if req.Kind != models.KindText {
		return models.Verdict{}, models.NewProviderError(p.id, models.ErrUnsupported, nil)
	}
	if err := ctx.Err(); err != nil {
		return models.Verdict{}, err
	}
	v := models.Verdict{Provider: p.id}
	hits := p.matcher.Match(req.Text)
	if len(hits) == 0 {
		return v, nil
	}
	seen := make(map[string]struct{})
	v.Violated = true
	v.Categories = []models.Category{models.CategoryKeyword}
	for _, h := range hits {
		v.Reasons = append(v.Reasons, h.Rule.String())
		for _, term := range h.Rule.Include {
			if _, ok := seen[term]; ok {
				continue
			}
			seen[term] = struct{}{}
			v.Keywords = append(v.Keywords, term)
		}
	}
	return v.WithConfidence(1), nil
}
