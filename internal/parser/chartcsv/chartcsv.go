// Package chartcsv parses the delimited flat-file chart export into canonical
// rows.
//
// The header set is a contract, not a guess: regional charts carry a streams
// column, viral charts do not. A payload missing any required header for its
// chart type fails the whole call with a chart.FormatError. Individual rows
// missing a required field are skipped via the onSkip callback and never fail
// the batch.
package chartcsv

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"chartingest/internal/chart"
)

const (
	colRank         = "rank"
	colURI          = "uri"
	colArtistNames  = "artist_names"
	colTrackName    = "track_name"
	colSource       = "source"
	colPeakRank     = "peak_rank"
	colPreviousRank = "previous_rank"
	colDaysOnChart  = "days_on_chart"
	colStreams      = "streams"
)

// requiredHeaders returns the contract header set for a chart type.
func requiredHeaders(ctype chart.ChartType) []string {
	base := []string{colRank, colURI, colArtistNames, colTrackName, colSource, colPeakRank, colPreviousRank, colDaysOnChart}
	if ctype == chart.TypeRegional {
		return append(base, colStreams)
	}
	return base
}

// Parse reads the flat-file export and returns canonical rows.
//
// onSkip is invoked once per dropped row with its 1-based line number and the
// reason; pass nil to drop silently. Read errors on individual records are
// also routed through onSkip; only a structural header mismatch or a failure
// to read the header at all aborts the call.
func Parse(r io.Reader, ctype chart.ChartType, onSkip func(line int, reason string)) ([]chart.CanonicalRow, error) {
	skip := onSkip
	if skip == nil {
		skip = func(int, string) {}
	}

	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	cr.FieldsPerRecord = -1

	line := 0
	readRec := func() ([]string, error) {
		line++
		return cr.Read()
	}

	hdr, err := readRec()
	if err != nil {
		return nil, chart.NewFormatError("flat-file", "read header: %v", err)
	}

	idx := make(map[string]int, len(hdr))
	for i, h := range hdr {
		h = strings.TrimSpace(h)
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		idx[strings.ToLower(h)] = i
	}

	var missing []string
	for _, h := range requiredHeaders(ctype) {
		if _, ok := idx[h]; !ok {
			missing = append(missing, h)
		}
	}
	if len(missing) > 0 {
		return nil, chart.NewFormatError("flat-file", "%s chart: missing required headers: %s",
			ctype, strings.Join(missing, ", "))
	}

	field := func(rec []string, name string) string {
		i, ok := idx[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var rows []chart.CanonicalRow
	for {
		rec, err := readRec()
		if err == io.EOF {
			break
		}
		if err != nil {
			skip(line, fmt.Sprintf("csv read: %v", err))
			continue
		}

		rank, _ := strconv.Atoi(field(rec, colRank))
		row := chart.CanonicalRow{
			Rank:         rank,
			TrackRef:     field(rec, colURI),
			ArtistNames:  field(rec, colArtistNames),
			TrackName:    field(rec, colTrackName),
			Source:       field(rec, colSource),
			PeakRank:     optionalInt(field(rec, colPeakRank)),
			PreviousRank: optionalInt(field(rec, colPreviousRank)),
			DaysOnChart:  optionalInt(field(rec, colDaysOnChart)),
		}
		if ctype == chart.TypeRegional {
			row.Streams = field(rec, colStreams)
		}

		if reason := row.Validate(); reason != "" {
			skip(line, "missing "+reason)
			continue
		}
		rows = append(rows, row)
	}

	return rows, nil
}

// optionalInt parses an optional numeric field. Unparseable values are
// treated as absent, not as errors.
func optionalInt(s string) *int {
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &n
}
