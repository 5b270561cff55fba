// Package geo normalizes raw service-area labels into structured geography:
// counties, states, and independent cities. Normalization is pure and total;
// unrecognized labels are counted, never rejected.
package geo

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"

	"github.com/sells-group/provider-ingest/internal/model"
)

// Normalizer maps raw service-area labels to structured geography using an
// indexed lookup table.
type Normalizer struct {
	aliases    map[string][]string
	cityCounty map[string]string
	counties   map[string]string
	indepCity  map[string]string
	states     map[string]string
	fold       cases.Caser
}

// NewNormalizer builds a Normalizer with case-folded indexes over the table.
func NewNormalizer(table *Table) *Normalizer {
	n := &Normalizer{
		aliases:    make(map[string][]string, len(table.Aliases)),
		cityCounty: make(map[string]string, len(table.CityCounty)),
		counties:   make(map[string]string, len(table.Counties)),
		indepCity:  make(map[string]string, len(table.IndependentCities)),
		states:     make(map[string]string, len(table.States)),
		fold:       cases.Fold(),
	}
	for alias, expansion := range table.Aliases {
		n.aliases[n.key(alias)] = expansion
	}
	for city, county := range table.CityCounty {
		n.cityCounty[n.key(city)] = county
	}
	for _, county := range table.Counties {
		n.counties[n.key(county)] = county
	}
	for _, city := range table.IndependentCities {
		n.indepCity[n.key(city)] = city
	}
	for name, canonical := range table.States {
		n.states[n.key(name)] = canonical
	}
	return n
}

// key folds case and collapses whitespace so lookups tolerate scraped input.
func (n *Normalizer) key(label string) string {
	return n.fold.String(strings.Join(strings.Fields(label), " "))
}

// Normalize maps raw service-area labels to structured geography. The input
// labels are preserved verbatim in RawTags; recognized outputs are
// deduplicated and sorted so equal inputs always produce equal results.
// Normalizing an already-normalized label set is a no-op apart from RawTags.
func (n *Normalizer) Normalize(labels []string) model.ServiceArea {
	counties := make(map[string]bool)
	states := make(map[string]bool)
	indepCities := make(map[string]bool)
	unmapped := 0

	for _, raw := range labels {
		for _, label := range n.expand(raw, 0) {
			switch {
			case n.lookupCounty(label, counties):
			case n.lookupIndependentCity(label, indepCities):
			case n.lookupState(label, states):
			default:
				unmapped++
			}
		}
	}

	return model.ServiceArea{
		Counties:          sortedKeys(counties),
		States:            sortedKeys(states),
		IndependentCities: sortedKeys(indepCities),
		RawTags:           append([]string(nil), labels...),
		UnmappedCount:     unmapped,
	}
}

// expand recursively resolves regional aliases into their constituent labels.
// Depth is bounded so a cyclic table cannot loop.
func (n *Normalizer) expand(label string, depth int) []string {
	if depth >= 4 {
		return []string{label}
	}
	expansion, ok := n.aliases[n.key(label)]
	if !ok {
		return []string{label}
	}
	var out []string
	for _, part := range expansion {
		out = append(out, n.expand(part, depth+1)...)
	}
	return out
}

func (n *Normalizer) lookupCounty(label string, into map[string]bool) bool {
	k := n.key(label)
	if county, ok := n.counties[k]; ok {
		into[county] = true
		return true
	}
	if county, ok := n.cityCounty[k]; ok {
		into[county] = true
		return true
	}
	return false
}

func (n *Normalizer) lookupIndependentCity(label string, into map[string]bool) bool {
	if city, ok := n.indepCity[n.key(label)]; ok {
		into[city] = true
		return true
	}
	return false
}

func (n *Normalizer) lookupState(label string, into map[string]bool) bool {
	if state, ok := n.states[n.key(label)]; ok {
		into[state] = true
		return true
	}
	return false
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
