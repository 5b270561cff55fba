package geo

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Table is the jurisdiction lookup data behind the normalizer. The mappings
// are domain data, not logic: deployments swap the table file without code
// changes. Keys are matched case-insensitively; values are canonical display
// names.
type Table struct {
	// Aliases expands a regional label into its constituent labels before
	// per-label lookup (e.g. a metro-area name into its counties).
	Aliases map[string][]string `yaml:"aliases"`
	// CityCounty maps a city to its containing county, for jurisdictions
	// where city and county are not the same polygon.
	CityCounty map[string]string `yaml:"city_county"`
	// Counties lists recognized county names.
	Counties []string `yaml:"counties"`
	// IndependentCities lists municipalities not contained in any county.
	IndependentCities []string `yaml:"independent_cities"`
	// States maps state names and abbreviations to canonical state names.
	States map[string]string `yaml:"states"`
}

// LoadTable reads a lookup table from a YAML file.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "geo: read table %s", path)
	}
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, eris.Wrapf(err, "geo: parse table %s", path)
	}
	return &t, nil
}

// DefaultTable returns the built-in DC metro / Virginia table the service
// ships with. Virginia's independent cities make it the worst case for
// county normalization, which is why the defaults cover it.
func DefaultTable() *Table {
	return &Table{
		Aliases: map[string][]string{
			"Northern Virginia": {
				"Fairfax County", "Arlington County", "Loudoun County",
				"Prince William County", "Stafford County",
				"Alexandria", "Fairfax City", "Falls Church",
				"Manassas", "Manassas Park",
			},
			"NoVA": {"Northern Virginia"},
			"DMV": {
				"Northern Virginia", "District of Columbia",
				"Montgomery County", "Prince George's County",
			},
			"DC Metro": {
				"Northern Virginia", "District of Columbia",
				"Montgomery County", "Prince George's County",
			},
		},
		CityCounty: map[string]string{
			"McLean":        "Fairfax County",
			"Reston":        "Fairfax County",
			"Herndon":       "Fairfax County",
			"Vienna":        "Fairfax County",
			"Annandale":     "Fairfax County",
			"Springfield":   "Fairfax County",
			"Centreville":   "Fairfax County",
			"Chantilly":     "Fairfax County",
			"Ashburn":       "Loudoun County",
			"Sterling":      "Loudoun County",
			"Leesburg":      "Loudoun County",
			"Purcellville":  "Loudoun County",
			"Woodbridge":    "Prince William County",
			"Dale City":     "Prince William County",
			"Gainesville":   "Prince William County",
			"Haymarket":     "Prince William County",
			"Stafford":      "Stafford County",
			"Bethesda":      "Montgomery County",
			"Rockville":     "Montgomery County",
			"Silver Spring": "Montgomery County",
			"Gaithersburg":  "Montgomery County",
			"Bowie":         "Prince George's County",
			"Laurel":        "Prince George's County",
			"Arlington":     "Arlington County",
		},
		Counties: []string{
			"Fairfax County", "Arlington County", "Loudoun County",
			"Prince William County", "Stafford County", "Fauquier County",
			"Montgomery County", "Prince George's County",
		},
		IndependentCities: []string{
			"Alexandria", "Fairfax City", "Falls Church",
			"Manassas", "Manassas Park", "Fredericksburg",
		},
		States: map[string]string{
			"Virginia":             "Virginia",
			"VA":                   "Virginia",
			"Maryland":             "Maryland",
			"MD":                   "Maryland",
			"District of Columbia": "District of Columbia",
			"DC":                   "District of Columbia",
			"Washington DC":        "District of Columbia",
			"Washington, DC":       "District of Columbia",
		},
	}
}
