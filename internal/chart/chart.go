// Package chart holds the canonical in-memory shapes shared by every source
// adapter and by the ingestion pipeline: the normalized ranked row, the
// ingestion scope, and the closed chart type/period enumerations.
//
// All payload-specific parsing lives under internal/parser; this package only
// defines what a parsed row looks like once source differences are gone.
package chart

import (
	"fmt"
	"strings"
	"time"
)

// ChartType is the ranking category of a snapshot.
type ChartType string

// ChartPeriod is the cadence of a snapshot.
type ChartPeriod string

const (
	TypeRegional ChartType = "regional"
	TypeViral    ChartType = "viral"

	PeriodDaily  ChartPeriod = "daily"
	PeriodWeekly ChartPeriod = "weekly"
)

// DateLayout is the wire format for chart dates everywhere in this module:
// file names, feed URLs, and the persisted chart_date column.
const DateLayout = "2006-01-02"

// ParseChartType parses a chart type string at a trust boundary.
func ParseChartType(s string) (ChartType, error) {
	switch ChartType(strings.ToLower(strings.TrimSpace(s))) {
	case TypeRegional:
		return TypeRegional, nil
	case TypeViral:
		return TypeViral, nil
	}
	return "", fmt.Errorf("chart: unknown chart type %q (want regional or viral)", s)
}

// ParseChartPeriod parses a chart period string at a trust boundary.
func ParseChartPeriod(s string) (ChartPeriod, error) {
	switch ChartPeriod(strings.ToLower(strings.TrimSpace(s))) {
	case PeriodDaily:
		return PeriodDaily, nil
	case PeriodWeekly:
		return PeriodWeekly, nil
	}
	return "", fmt.Errorf("chart: unknown chart period %q (want daily or weekly)", s)
}

// ParseDate validates a chart date string as a real calendar date.
func ParseDate(s string) (string, error) {
	s = strings.TrimSpace(s)
	if _, err := time.Parse(DateLayout, s); err != nil {
		return "", fmt.Errorf("chart: invalid date %q (want YYYY-MM-DD): %w", s, err)
	}
	return s, nil
}

// CanonicalRow is one ranked entry, independent of which source produced it.
//
// Rank, TrackRef, ArtistNames and TrackName are required; a row missing any of
// them is dropped by the adapters, never surfaced as an error. The optional
// numeric fields are nil when the source does not carry them or carries an
// unparseable value.
//
// Streams stays string-encoded end to end: feed values can exceed the range a
// float64-backed JSON number round-trips safely.
type CanonicalRow struct {
	Rank        int
	TrackRef    string // stable source-native identifier (e.g. a track URI)
	ArtistNames string // comma-joined when the source lists several artists
	TrackName   string

	Source       string
	PeakRank     *int
	PreviousRank *int
	DaysOnChart  *int
	Streams      string
}

// Validate reports the first missing required field, or "" for a valid row.
func (r CanonicalRow) Validate() string {
	switch {
	case r.Rank <= 0:
		return "rank"
	case r.TrackRef == "":
		return "track reference"
	case r.ArtistNames == "":
		return "artist name"
	case r.TrackName == "":
		return "track name"
	}
	return ""
}

// Scope identifies one ingestible unit of chart data.
//
// Region nil means worldwide. Nil is a distinct value, not a wildcard: a
// global scope and a country scope for the same date never match.
type Scope struct {
	Date        string
	ChartType   ChartType
	ChartPeriod ChartPeriod
	Region      *string
}

// Equal compares all four fields, treating a nil region as its own value.
func (s Scope) Equal(o Scope) bool {
	if s.Date != o.Date || s.ChartType != o.ChartType || s.ChartPeriod != o.ChartPeriod {
		return false
	}
	if (s.Region == nil) != (o.Region == nil) {
		return false
	}
	return s.Region == nil || *s.Region == *o.Region
}

// String renders the scope for logs and batch error labels.
func (s Scope) String() string {
	region := "global"
	if s.Region != nil {
		region = *s.Region
	}
	return fmt.Sprintf("%s/%s/%s/%s", s.ChartType, s.ChartPeriod, region, s.Date)
}
