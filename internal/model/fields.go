package model

import "time"

// StructuredFields is the extraction service's output for one document. Every
// field is optional; the extractor returns whatever the listing exposed.
type StructuredFields struct {
	BusinessName   string            `json:"business_name,omitempty"`
	Phone          string            `json:"phone,omitempty"`
	Website        string            `json:"website,omitempty"`
	Email          string            `json:"email,omitempty"`
	Address        string            `json:"address,omitempty"`
	LicenseNumber  string            `json:"license_number,omitempty"`
	ServiceAreas   []string          `json:"service_areas,omitempty"`
	Categories     []string          `json:"categories,omitempty"`
	PaymentMethods []string          `json:"payment_methods,omitempty"`
	Hours          map[string]string `json:"hours,omitempty"`
	ReviewCount    int               `json:"review_count,omitempty"`
	ReviewAverage  float64           `json:"review_average,omitempty"`
	Description    string            `json:"description,omitempty"`
}

// ServiceArea is normalized geography derived from raw service-area labels.
// RawTags always preserves the input labels for the audit trail.
type ServiceArea struct {
	Counties          []string `json:"counties,omitempty"`
	States            []string `json:"states,omitempty"`
	IndependentCities []string `json:"independent_cities,omitempty"`
	RawTags           []string `json:"raw_tags,omitempty"`
	UnmappedCount     int      `json:"unmapped_count,omitempty"`
}

// ProvenanceEntry records which source produced a field value and when.
type ProvenanceEntry struct {
	SourceID   string    `json:"source_id"`
	CapturedAt time.Time `json:"captured_at"`
	RawValue   string    `json:"raw_value,omitempty"`
}

// CanonicalProvider is the deduplicated, merged business record.
type CanonicalProvider struct {
	ID             string                     `json:"id"`
	Name           string                     `json:"name"`
	Phone          string                     `json:"phone,omitempty"`
	Website        string                     `json:"website,omitempty"`
	LicenseNumber  string                     `json:"license_number,omitempty"`
	ServiceArea    ServiceArea                `json:"service_area"`
	Categories     []string                   `json:"categories,omitempty"`
	PaymentMethods []string                   `json:"payment_methods,omitempty"`
	EnrichedSources []string                  `json:"enriched_sources,omitempty"`
	Provenance     map[string]ProvenanceEntry `json:"enrichment_metadata,omitempty"`
	LastEnrichedAt time.Time                  `json:"last_enriched_at"`
	CreatedAt      time.Time                  `json:"created_at"`
	UpdatedAt      time.Time                  `json:"updated_at"`
}

// MatchCandidate pairs a document's extracted fields with one existing
// provider under evaluation, carrying the component and aggregate scores.
// It is never persisted.
type MatchCandidate struct {
	ProviderID   string  `json:"provider_id"`
	ProviderName string  `json:"provider_name"`
	NameScore    float64 `json:"name_score"`
	PhoneScore   float64 `json:"phone_score"`
	WebsiteScore float64 `json:"website_score"`
	LicenseScore float64 `json:"license_score"`
	Aggregate    float64 `json:"aggregate"`
}
