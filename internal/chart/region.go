package chart

import (
	"strings"

	"golang.org/x/text/language"
)

// RegionType classifies a region code for the persisted region_type attribute.
type RegionType string

const (
	RegionGlobal  RegionType = "global"
	RegionCountry RegionType = "country"
	RegionCity    RegionType = "city"
)

// NormalizeRegion maps the two spellings of "worldwide" onto nil exactly once,
// at the boundary. Everything downstream (duplicate checks, scoped deletes,
// entry lookups) filters on nil via IS NULL, never on the literal string.
func NormalizeRegion(s string) *string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "global" {
		return nil
	}
	return &s
}

// ClassifyRegion applies the upload-contract heuristic: 2-letter codes are
// countries, longer codes are cities. The rule is length-based on purpose:
// it is the contract the upload router and the chart site both follow, so it
// must not be replaced with a stricter lookup.
func ClassifyRegion(region *string) RegionType {
	if region == nil {
		return RegionGlobal
	}
	if len(*region) == 2 {
		return RegionCountry
	}
	return RegionCity
}

// KnownCountry reports whether a 2-letter code is a registered ISO 3166
// region. Used by discovery tooling to flag scraped codes that look like
// countries but are not; ingestion itself stays on the length heuristic.
func KnownCountry(code string) bool {
	if len(code) != 2 {
		return false
	}
	_, err := language.ParseRegion(code)
	return err == nil
}
