package resolver

import (
	"net/url"
	"regexp"
	"strings"
)

var entitySuffixes = regexp.MustCompile(
	`(?i)\s*,?\s*(LLC|L\.?L\.?C\.?|INC\.?|INCORPORATED|CORP\.?|CORPORATION|` +
		`CO\.?|COMPANY|LTD\.?|LIMITED|L\.?P\.?|LLP|L\.?L\.?P\.?|` +
		`PLLC|P\.?L\.?L\.?C\.?|P\.?C\.?|DBA|D/B/A)\s*\.?\s*$`)

var nonDigits = regexp.MustCompile(`\D`)

// normalizeName strips entity suffixes, lowercases, and drops punctuation so
// "Smith Plumbing, LLC" and "smith plumbing inc" compare equal.
func normalizeName(name string) string {
	n := entitySuffixes.ReplaceAllString(strings.TrimSpace(name), "")
	return strings.ToLower(strings.Join(strings.Fields(n), " "))
}

// scoreName computes normalized string similarity over the business name in
// [0,100]. Exact normalized match is 100; otherwise Jaccard similarity over
// the punctuation-stripped word sets.
func scoreName(a, b string) float64 {
	na, nb := normalizeName(a), normalizeName(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 100
	}

	wordsA, wordsB := wordSet(na), wordSet(nb)
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0
	}

	intersection := 0
	for w := range wordsA {
		if wordsB[w] {
			intersection++
		}
	}
	union := len(wordsA)
	for w := range wordsB {
		if !wordsA[w] {
			union++
		}
	}
	return 100 * float64(intersection) / float64(union)
}

func wordSet(s string) map[string]bool {
	words := strings.Fields(s)
	set := make(map[string]bool, len(words))
	for _, w := range words {
		w = strings.Trim(w, ".,;:!?()[]{}\"'&-")
		if w != "" {
			set[w] = true
		}
	}
	return set
}

// normalizePhone strips non-digits. A leading US country code is dropped
// only from a full 11-digit number; shorter numbers keep every digit.
func normalizePhone(s string) string {
	d := nonDigits.ReplaceAllString(s, "")
	if len(d) == 11 && strings.HasPrefix(d, "1") {
		d = d[1:]
	}
	return d
}

// scorePhone is binary: digits-only exact match scores 100.
func scorePhone(a, b string) float64 {
	da, db := normalizePhone(a), normalizePhone(b)
	if da == "" || db == "" {
		return 0
	}
	if da == db {
		return 100
	}
	return 0
}

// scoreWebsite is binary: normalized host match scores 100. Missing either
// side scores 0.
func scoreWebsite(a, b string) float64 {
	ha, hb := normalizeHost(a), normalizeHost(b)
	if ha == "" || hb == "" {
		return 0
	}
	if ha == hb {
		return 100
	}
	return 0
}

func normalizeHost(rawURL string) string {
	s := strings.TrimSpace(rawURL)
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}

// scoreLicense is binary: exact identifier match scores 100. Missing either
// side scores 0.
func scoreLicense(a, b string) float64 {
	la := strings.ToUpper(strings.TrimSpace(a))
	lb := strings.ToUpper(strings.TrimSpace(b))
	if la == "" || lb == "" {
		return 0
	}
	if la == lb {
		return 100
	}
	return 0
}
