// Package consolidate merges extracted fields from one source into the
// canonical provider record, tracking per-field provenance. Scalar identity
// fields prefer the most recently captured source; collection fields union.
// The merge is pure and idempotent: it never mutates its inputs and
// re-applying the same (canonical, incoming, source, captured-at) produces an
// identical record.
package consolidate

import (
	"strings"
	"time"

	"github.com/sells-group/provider-ingest/internal/model"
)

// Provenance field keys.
const (
	FieldName           = "name"
	FieldPhone          = "phone"
	FieldWebsite        = "website"
	FieldLicense        = "license"
	FieldServiceAreas   = "service_areas"
	FieldCategories     = "categories"
	FieldPaymentMethods = "payment_methods"
)

// Consolidate merges incoming fields and their normalized service area into
// canonical. A nil canonical starts a fresh provider record.
func Consolidate(canonical *model.CanonicalProvider, incoming *model.StructuredFields, area model.ServiceArea, sourceID string, capturedAt time.Time) *model.CanonicalProvider {
	out := clone(canonical)
	if out.Provenance == nil {
		out.Provenance = make(map[string]model.ProvenanceEntry)
	}

	mergeScalar(out, FieldName, &out.Name, incoming.BusinessName, sourceID, capturedAt)
	mergeScalar(out, FieldPhone, &out.Phone, incoming.Phone, sourceID, capturedAt)
	mergeScalar(out, FieldWebsite, &out.Website, incoming.Website, sourceID, capturedAt)
	mergeScalar(out, FieldLicense, &out.LicenseNumber, incoming.LicenseNumber, sourceID, capturedAt)

	if len(area.Counties)+len(area.States)+len(area.IndependentCities)+len(area.RawTags) > 0 {
		out.ServiceArea.Counties = union(out.ServiceArea.Counties, area.Counties)
		out.ServiceArea.States = union(out.ServiceArea.States, area.States)
		out.ServiceArea.IndependentCities = union(out.ServiceArea.IndependentCities, area.IndependentCities)
		out.ServiceArea.RawTags = union(out.ServiceArea.RawTags, area.RawTags)
		out.Provenance[FieldServiceAreas] = model.ProvenanceEntry{
			SourceID:   sourceID,
			CapturedAt: capturedAt,
			RawValue:   strings.Join(area.RawTags, ", "),
		}
	}
	if len(incoming.Categories) > 0 {
		out.Categories = union(out.Categories, incoming.Categories)
		out.Provenance[FieldCategories] = model.ProvenanceEntry{
			SourceID:   sourceID,
			CapturedAt: capturedAt,
			RawValue:   strings.Join(incoming.Categories, ", "),
		}
	}
	if len(incoming.PaymentMethods) > 0 {
		out.PaymentMethods = union(out.PaymentMethods, incoming.PaymentMethods)
		out.Provenance[FieldPaymentMethods] = model.ProvenanceEntry{
			SourceID:   sourceID,
			CapturedAt: capturedAt,
			RawValue:   strings.Join(incoming.PaymentMethods, ", "),
		}
	}

	// enriched_sources order reflects discovery order: append, never replace.
	if !contains(out.EnrichedSources, sourceID) {
		out.EnrichedSources = append(out.EnrichedSources, sourceID)
	}
	if capturedAt.After(out.LastEnrichedAt) {
		out.LastEnrichedAt = capturedAt
	}

	return out
}

// mergeScalar writes incoming over the current value when the field is empty
// or the incoming capture is strictly newer than the recorded provenance.
// Equal values refresh nothing, which keeps the merge idempotent.
func mergeScalar(p *model.CanonicalProvider, field string, current *string, incoming, sourceID string, capturedAt time.Time) {
	incoming = strings.TrimSpace(incoming)
	if incoming == "" || incoming == *current {
		return
	}
	if *current != "" {
		prev, ok := p.Provenance[field]
		if ok && !capturedAt.After(prev.CapturedAt) {
			return
		}
	}
	*current = incoming
	p.Provenance[field] = model.ProvenanceEntry{
		SourceID:   sourceID,
		CapturedAt: capturedAt,
		RawValue:   incoming,
	}
}

// union appends items from add that are not already in base, preserving order.
func union(base, add []string) []string {
	seen := make(map[string]bool, len(base))
	for _, v := range base {
		seen[v] = true
	}
	out := append([]string(nil), base...)
	for _, v := range add {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func clone(p *model.CanonicalProvider) *model.CanonicalProvider {
	if p == nil {
		return &model.CanonicalProvider{}
	}
	out := *p
	out.ServiceArea.Counties = append([]string(nil), p.ServiceArea.Counties...)
	out.ServiceArea.States = append([]string(nil), p.ServiceArea.States...)
	out.ServiceArea.IndependentCities = append([]string(nil), p.ServiceArea.IndependentCities...)
	out.ServiceArea.RawTags = append([]string(nil), p.ServiceArea.RawTags...)
	out.Categories = append([]string(nil), p.Categories...)
	out.PaymentMethods = append([]string(nil), p.PaymentMethods...)
	out.EnrichedSources = append([]string(nil), p.EnrichedSources...)
	out.Provenance = make(map[string]model.ProvenanceEntry, len(p.Provenance))
	for k, v := range p.Provenance {
		out.Provenance[k] = v
	}
	return &out
}
