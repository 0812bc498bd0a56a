// Package feed parses one page of the remote chart feed into canonical rows.
//
// The feed wraps its entries in an envelope of "entry view" groups; only the
// first group is used. The feed does not expose raw stream counts, so the
// appearance count is mapped into the streams field as a proxy. Entries
// missing a required field are skipped via onSkip, never failed.
package feed

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"chartingest/internal/chart"
)

type envelope struct {
	EntryViews []entryView `json:"chartEntryViewResponses"`
}

type entryView struct {
	Entries []feedEntry `json:"entries"`
}

type feedEntry struct {
	ChartEntryData entryData     `json:"chartEntryData"`
	TrackMetadata  trackMetadata `json:"trackMetadata"`
}

type entryData struct {
	CurrentRank        int `json:"currentRank"`
	PreviousRank       int `json:"previousRank"`
	PeakRank           int `json:"peakRank"`
	AppearancesOnChart int `json:"appearancesOnChart"`
}

type trackMetadata struct {
	TrackName string  `json:"trackName"`
	TrackURI  string  `json:"trackUri"`
	Artists   []named `json:"artists"`
	Labels    []named `json:"labels"`
}

type named struct {
	Name string `json:"name"`
}

// Parse decodes a feed page payload and returns canonical rows plus the raw
// entry count of the page. Pagination must be driven by the raw count, not by
// len(rows): a full page with a skipped entry is still a full page.
func Parse(payload []byte, onSkip func(line int, reason string)) ([]chart.CanonicalRow, int, error) {
	skip := onSkip
	if skip == nil {
		skip = func(int, string) {}
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var env envelope
	if err := dec.Decode(&env); err != nil {
		return nil, 0, chart.NewFormatError("feed", "decode envelope: %v", err)
	}
	if len(env.EntryViews) == 0 {
		return nil, 0, chart.NewFormatError("feed", "envelope has no chart entry view groups")
	}

	entries := env.EntryViews[0].Entries
	rows := make([]chart.CanonicalRow, 0, len(entries))

	for i, e := range entries {
		row := chart.CanonicalRow{
			Rank:        e.ChartEntryData.CurrentRank,
			TrackRef:    e.TrackMetadata.TrackURI,
			ArtistNames: joinArtistNames(e.TrackMetadata.Artists),
			TrackName:   e.TrackMetadata.TrackName,
			Source:      firstLabel(e.TrackMetadata.Labels),
		}
		if v := e.ChartEntryData.PeakRank; v > 0 {
			row.PeakRank = &v
		}
		if v := e.ChartEntryData.PreviousRank; v > 0 {
			row.PreviousRank = &v
		}
		// The feed has no raw stream counts; appearances is the closest proxy.
		if v := e.ChartEntryData.AppearancesOnChart; v > 0 {
			row.Streams = strconv.Itoa(v)
		}

		if reason := row.Validate(); reason != "" {
			skip(i+1, "missing "+reason)
			continue
		}
		rows = append(rows, row)
	}

	return rows, len(entries), nil
}

// joinArtistNames flattens the nested artist list into the canonical
// comma-joined display string.
func joinArtistNames(artists []named) string {
	names := make([]string, 0, len(artists))
	for _, a := range artists {
		if a.Name != "" {
			names = append(names, a.Name)
		}
	}
	return strings.Join(names, ", ")
}

// firstLabel picks the first label as the source; later labels are ignored.
func firstLabel(labels []named) string {
	if len(labels) == 0 {
		return ""
	}
	return labels[0].Name
}
