package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chartingest/internal/chart"
	"chartingest/internal/storage"
)

// ResolvedTrack holds the ids an entry row needs.
type ResolvedTrack struct {
	TrackID  string
	ArtistID string
}

// EntityMap is the output of resolving one batch: every artist name and
// track reference in the batch maps to a persisted id.
type EntityMap struct {
	Artists map[string]string        // artist display name -> artist id
	Tracks  map[string]ResolvedTrack // canonical track ref -> ids

	ArtistsCreated int
	TracksCreated  int
	TracksUpdated  int
}

// EntityResolver resolves or creates the artists and tracks a batch of rows
// references.
//
// Race tolerance is optimistic create-then-refetch, kept as an explicit
// two-step protocol: attempt the create, and when the store's uniqueness
// constraint rejects it (a concurrent ingestion won the race), re-read by
// identity key. The conflict path applies no update; that is what makes it
// different from a true upsert, and why it is not hidden inside one.
type EntityResolver struct {
	Repo     storage.Repository
	Logger   Logger
	Platform string
	FanOut   int

	// NewID is a test seam; production uses uuid.NewString.
	NewID func() string
}

func (r *EntityResolver) newID() string {
	if r.NewID != nil {
		return r.NewID()
	}
	return uuid.NewString()
}

func (r *EntityResolver) fanOut() int {
	if r.FanOut > 0 {
		return r.FanOut
	}
	return defaultFanOut
}

// ResolveBatch resolves all artists, then all tracks, for one batch of rows.
//
// Artists resolve sequentially on purpose: the per-name cost is one small
// write or read, and sequencing removes duplicate-create races within the
// batch itself. Tracks resolve with bounded fan-out once every artist id is
// known.
func (r *EntityResolver) ResolveBatch(ctx context.Context, rows []chart.CanonicalRow) (*EntityMap, error) {
	m := &EntityMap{
		Artists: make(map[string]string),
		Tracks:  make(map[string]ResolvedTrack),
	}

	if err := r.resolveArtists(ctx, rows, m); err != nil {
		return nil, err
	}
	if err := r.resolveTracks(ctx, rows, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *EntityResolver) resolveArtists(ctx context.Context, rows []chart.CanonicalRow, m *EntityMap) error {
	// Distinct names in first-seen order.
	names := make([]string, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if _, ok := seen[row.ArtistNames]; ok {
			continue
		}
		seen[row.ArtistNames] = struct{}{}
		names = append(names, row.ArtistNames)
	}

	now := time.Now().UTC()
	for _, name := range names {
		a := &storage.Artist{
			ID:        r.newID(),
			Name:      name,
			Platform:  r.Platform,
			CreatedAt: now,
		}

		err := r.Repo.CreateArtist(ctx, a)
		if err == nil {
			m.Artists[name] = a.ID
			m.ArtistsCreated++
			continue
		}
		if !errors.Is(err, storage.ErrDuplicateKey) {
			return fmt.Errorf("resolve artists: create %q: %w", name, err)
		}

		// A concurrent batch created this artist first; adopt its row.
		existing, err := r.Repo.GetArtistByName(ctx, name, r.Platform)
		if err != nil {
			return fmt.Errorf("resolve artists: refetch %q: %w", name, err)
		}
		if existing == nil {
			return fmt.Errorf("resolve artists: %q rejected as duplicate but not found on refetch", name)
		}
		m.Artists[name] = existing.ID
	}

	return nil
}

// trackWork is one distinct track reference to resolve, with its
// index-addressed outcome slot.
type trackWork struct {
	ref        string
	artistName string
	trackName  string
}

type trackOutcome struct {
	resolved ResolvedTrack
	created  bool
	updated  bool
}

func (r *EntityResolver) resolveTracks(ctx context.Context, rows []chart.CanonicalRow, m *EntityMap) error {
	work := make([]trackWork, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if _, ok := seen[row.TrackRef]; ok {
			continue
		}
		seen[row.TrackRef] = struct{}{}
		work = append(work, trackWork{ref: row.TrackRef, artistName: row.ArtistNames, trackName: row.TrackName})
	}

	outcomes := make([]trackOutcome, len(work))

	err := runFanOut(ctx, len(work), r.fanOut(), func(ctx context.Context, i int) error {
		out, err := r.resolveOneTrack(ctx, work[i], m.Artists)
		if err != nil {
			return err
		}
		outcomes[i] = out
		return nil
	})
	if err != nil {
		return err
	}

	for i, w := range work {
		m.Tracks[w.ref] = outcomes[i].resolved
		if outcomes[i].created {
			m.TracksCreated++
		}
		if outcomes[i].updated {
			m.TracksUpdated++
		}
	}
	return nil
}

func (r *EntityResolver) resolveOneTrack(ctx context.Context, w trackWork, artists map[string]string) (trackOutcome, error) {
	artistID, ok := artists[w.artistName]
	if !ok {
		return trackOutcome{}, fmt.Errorf("resolve tracks: artist %q was not resolved", w.artistName)
	}

	existing, err := r.Repo.GetTrackByKey(ctx, artistID, w.trackName, r.Platform)
	if err != nil {
		return trackOutcome{}, fmt.Errorf("resolve tracks: lookup %q: %w", w.trackName, err)
	}
	if existing != nil {
		out := trackOutcome{resolved: ResolvedTrack{TrackID: existing.ID, ArtistID: artistID}}
		// Backfill the external identifier when it is newly known.
		if w.ref != "" && existing.ExternalRef == "" {
			if err := r.Repo.SetTrackExternalRef(ctx, existing.ID, w.ref); err != nil {
				return trackOutcome{}, fmt.Errorf("resolve tracks: backfill ref on %q: %w", w.trackName, err)
			}
			out.updated = true
		}
		return out, nil
	}

	t := &storage.Track{
		ID:          r.newID(),
		ArtistID:    artistID,
		Name:        w.trackName,
		Platform:    r.Platform,
		ExternalRef: w.ref,
		CreatedAt:   time.Now().UTC(),
	}
	err = r.Repo.CreateTrack(ctx, t)
	if err == nil {
		return trackOutcome{resolved: ResolvedTrack{TrackID: t.ID, ArtistID: artistID}, created: true}, nil
	}
	if !errors.Is(err, storage.ErrDuplicateKey) {
		return trackOutcome{}, fmt.Errorf("resolve tracks: create %q: %w", w.trackName, err)
	}

	refetched, err := r.Repo.GetTrackByKey(ctx, artistID, w.trackName, r.Platform)
	if err != nil {
		return trackOutcome{}, fmt.Errorf("resolve tracks: refetch %q: %w", w.trackName, err)
	}
	if refetched == nil {
		return trackOutcome{}, fmt.Errorf("resolve tracks: %q rejected as duplicate but not found on refetch", w.trackName)
	}
	return trackOutcome{resolved: ResolvedTrack{TrackID: refetched.ID, ArtistID: artistID}}, nil
}
