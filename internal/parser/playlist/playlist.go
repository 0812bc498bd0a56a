// Package playlist parses a curated ordered collection into canonical rows.
//
// The collection is already rank-ordered but carries no explicit rank field:
// the 1-based position in the sequence, after null/removed items are filtered
// out, becomes the rank. Curated items have no peak rank, previous rank, or
// days-on-chart history, so those fields are always absent.
package playlist

import (
	"encoding/json"
	"strings"

	"chartingest/internal/chart"
)

type collection struct {
	Items []*item `json:"items"`
}

type item struct {
	Track *itemTrack `json:"track"`
}

type itemTrack struct {
	ID      string       `json:"id"`
	URI     string       `json:"uri"`
	Name    string       `json:"name"`
	Artists []itemArtist `json:"artists"`
}

type itemArtist struct {
	Name string `json:"name"`
}

// Parse decodes a curated collection payload and returns canonical rows
// ranked by position.
func Parse(payload []byte, onSkip func(line int, reason string)) ([]chart.CanonicalRow, error) {
	skip := onSkip
	if skip == nil {
		skip = func(int, string) {}
	}

	var col collection
	if err := json.Unmarshal(payload, &col); err != nil {
		return nil, chart.NewFormatError("playlist", "decode collection: %v", err)
	}
	if col.Items == nil {
		return nil, chart.NewFormatError("playlist", "collection has no items field")
	}

	// Removed items come through as nulls; filter before ranking so positions
	// stay contiguous.
	kept := make([]*itemTrack, 0, len(col.Items))
	for _, it := range col.Items {
		if it == nil || it.Track == nil {
			continue
		}
		kept = append(kept, it.Track)
	}

	rows := make([]chart.CanonicalRow, 0, len(kept))
	for i, t := range kept {
		ref := t.URI
		if ref == "" {
			ref = t.ID
		}
		row := chart.CanonicalRow{
			Rank:        i + 1,
			TrackRef:    ref,
			ArtistNames: joinArtistNames(t.Artists),
			TrackName:   t.Name,
		}
		if reason := row.Validate(); reason != "" {
			skip(i+1, "missing "+reason)
			continue
		}
		rows = append(rows, row)
	}

	return rows, nil
}

func joinArtistNames(artists []itemArtist) string {
	names := make([]string, 0, len(artists))
	for _, a := range artists {
		if a.Name != "" {
			names = append(names, a.Name)
		}
	}
	return strings.Join(names, ", ")
}
