// Package resolver scores a candidate document against known providers and
// decides whether to auto-link, pause for human review, or create a new
// provider. Resolution is pure: no storage or network access, all tunables
// passed in.
package resolver

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sells-group/provider-ingest/internal/config"
	"github.com/sells-group/provider-ingest/internal/model"
)

// Decision is the closed set of resolution outcomes. Exactly one of
// AutoLink, Intervene, or CreateNew is returned for any input.
type Decision interface {
	decision()
}

// AutoLink attaches the document to an existing provider without review.
type AutoLink struct {
	ProviderID string
	Score      float64
	Candidate  model.MatchCandidate
}

// Intervene pauses the document for human disambiguation, carrying the top
// candidates and their scores.
type Intervene struct {
	Candidates []model.MatchCandidate
}

// CreateNew creates a fresh provider for the document.
type CreateNew struct{}

func (AutoLink) decision()  {}
func (Intervene) decision() {}
func (CreateNew) decision() {}

// Reason renders the candidate list for the document's intervention_reason.
func (i Intervene) Reason() string {
	parts := make([]string, len(i.Candidates))
	for idx, c := range i.Candidates {
		parts[idx] = fmt.Sprintf("%s (%s, score %.1f: name %.0f phone %.0f website %.0f license %.0f)",
			c.ProviderName, c.ProviderID, c.Aggregate,
			c.NameScore, c.PhoneScore, c.WebsiteScore, c.LicenseScore)
	}
	return "ambiguous match, candidates: " + strings.Join(parts, "; ")
}

// Score computes the four component scores and weighted aggregate for one
// (document, provider) pair. Component scores are in [0,100].
func Score(fields *model.StructuredFields, provider *model.CanonicalProvider, cfg config.ResolverConfig) model.MatchCandidate {
	c := model.MatchCandidate{
		ProviderID:   provider.ID,
		ProviderName: provider.Name,
		NameScore:    scoreName(fields.BusinessName, provider.Name),
		PhoneScore:   scorePhone(fields.Phone, provider.Phone),
		WebsiteScore: scoreWebsite(fields.Website, provider.Website),
		LicenseScore: scoreLicense(fields.LicenseNumber, provider.LicenseNumber),
	}
	c.Aggregate = cfg.NameWeight*c.NameScore +
		cfg.PhoneWeight*c.PhoneScore +
		cfg.WebsiteWeight*c.WebsiteScore +
		cfg.LicenseWeight*c.LicenseScore
	return c
}

// Resolve scores the candidate fields against every existing provider and
// applies the threshold policy:
//
//	aggregate >= AutoLinkThreshold           -> AutoLink
//	InterveneThreshold <= aggregate < auto   -> Intervene (top candidates)
//	aggregate < InterveneThreshold, or none  -> CreateNew
//
// Ties on aggregate score go to the most recently enriched provider.
func Resolve(fields *model.StructuredFields, providers []model.CanonicalProvider, cfg config.ResolverConfig) Decision {
	if len(providers) == 0 {
		return CreateNew{}
	}

	candidates := make([]model.MatchCandidate, len(providers))
	for i := range providers {
		candidates[i] = Score(fields, &providers[i], cfg)
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		if candidates[a].Aggregate != candidates[b].Aggregate {
			return candidates[a].Aggregate > candidates[b].Aggregate
		}
		return lastEnriched(providers, candidates[a].ProviderID).
			After(lastEnriched(providers, candidates[b].ProviderID))
	})

	best := candidates[0]
	switch {
	case best.Aggregate >= cfg.AutoLinkThreshold:
		return AutoLink{ProviderID: best.ProviderID, Score: best.Aggregate, Candidate: best}
	case best.Aggregate >= cfg.InterveneThreshold:
		top := cfg.MaxCandidates
		if top <= 0 {
			top = 3
		}
		if len(candidates) > top {
			candidates = candidates[:top]
		}
		return Intervene{Candidates: candidates}
	default:
		return CreateNew{}
	}
}

func lastEnriched(providers []model.CanonicalProvider, id string) time.Time {
	for i := range providers {
		if providers[i].ID == id {
			return providers[i].LastEnrichedAt
		}
	}
	return time.Time{}
}
