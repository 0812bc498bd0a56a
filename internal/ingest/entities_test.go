package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"chartingest/internal/chart"
	"chartingest/internal/storage"
)

func TestResolveBatchCreatesDistinctEntitiesOnce(t *testing.T) {
	repo := newFakeRepo()
	r := &EntityResolver{Repo: repo, Platform: "spotify"}

	rows := []chart.CanonicalRow{
		{Rank: 1, TrackRef: "ref:a", ArtistNames: "Artist A", TrackName: "Song A"},
		{Rank: 2, TrackRef: "ref:b", ArtistNames: "Artist A", TrackName: "Song B"},
		{Rank: 3, TrackRef: "ref:a", ArtistNames: "Artist A", TrackName: "Song A"}, // dup ref
		{Rank: 4, TrackRef: "ref:c", ArtistNames: "Artist B", TrackName: "Song C"},
	}

	m, err := r.ResolveBatch(context.Background(), rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if m.ArtistsCreated != 2 || len(m.Artists) != 2 {
		t.Fatalf("artists = %+v created=%d, want 2 distinct", m.Artists, m.ArtistsCreated)
	}
	if m.TracksCreated != 3 || len(m.Tracks) != 3 {
		t.Fatalf("tracks = %+v created=%d, want 3 distinct", m.Tracks, m.TracksCreated)
	}

	// Both songs of Artist A share one artist id.
	a := m.Tracks["ref:a"]
	b := m.Tracks["ref:b"]
	if a.ArtistID != b.ArtistID {
		t.Fatalf("ref:a artist=%s ref:b artist=%s, want shared", a.ArtistID, b.ArtistID)
	}
	if a.TrackID == b.TrackID {
		t.Fatal("distinct tracks must not share a track id")
	}
}

func TestResolveBatchAdoptsRacingArtist(t *testing.T) {
	repo := newFakeRepo()
	ctx := context.Background()

	// A competitor created the artist already; our create will hit the
	// uniqueness constraint and the resolver must adopt the existing row.
	existing := &storage.Artist{ID: "artist-existing", Name: "Artist A", Platform: "spotify", CreatedAt: time.Now()}
	if err := repo.CreateArtist(ctx, existing); err != nil {
		t.Fatalf("seed: %v", err)
	}

	r := &EntityResolver{Repo: repo, Platform: "spotify"}
	m, err := r.ResolveBatch(ctx, []chart.CanonicalRow{
		{Rank: 1, TrackRef: "ref:a", ArtistNames: "Artist A", TrackName: "Song A"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if m.ArtistsCreated != 0 {
		t.Fatalf("artists created = %d, want 0 when adopting", m.ArtistsCreated)
	}
	if got := m.Artists["Artist A"]; got != "artist-existing" {
		t.Fatalf("resolved artist id = %s, want the existing row", got)
	}
}

func TestResolveBatchAdoptsRacingTrack(t *testing.T) {
	repo := newFakeRepo()
	ctx := context.Background()

	// Fail the first create with a duplicate error while making the row
	// visible, as if a concurrent batch inserted it just before us.
	repo.createTrackErr = func(tr *storage.Track) error {
		repo.createTrackErr = nil
		win := *tr
		win.ID = "track-winner"
		if err := repo.CreateTrack(ctx, &win); err != nil {
			return err
		}
		return storage.ErrDuplicateKey
	}

	r := &EntityResolver{Repo: repo, Platform: "spotify"}
	m, err := r.ResolveBatch(ctx, []chart.CanonicalRow{
		{Rank: 1, TrackRef: "ref:a", ArtistNames: "Artist A", TrackName: "Song A"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if m.TracksCreated != 0 {
		t.Fatalf("tracks created = %d, want 0 when adopting", m.TracksCreated)
	}
	if got := m.Tracks["ref:a"].TrackID; got != "track-winner" {
		t.Fatalf("resolved track id = %s, want the winning row", got)
	}
}

func TestResolveBatchBackfillsExternalRef(t *testing.T) {
	repo := newFakeRepo()
	ctx := context.Background()
	r := &EntityResolver{Repo: repo, Platform: "spotify"}

	// First sighting comes from a source without stable refs (curated list
	// fallback to bare id is still a ref, so seed directly with none).
	seed, err := r.ResolveBatch(ctx, []chart.CanonicalRow{
		{Rank: 1, TrackRef: "legacy-id", ArtistNames: "Artist A", TrackName: "Song A"},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	trackID := seed.Tracks["legacy-id"].TrackID
	if err := repo.SetTrackExternalRef(ctx, trackID, ""); err != nil {
		t.Fatalf("clear ref: %v", err)
	}

	m, err := r.ResolveBatch(ctx, []chart.CanonicalRow{
		{Rank: 1, TrackRef: "spotify:track:aaa", ArtistNames: "Artist A", TrackName: "Song A"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.TracksCreated != 0 || m.TracksUpdated != 1 {
		t.Fatalf("created=%d updated=%d, want backfill update only", m.TracksCreated, m.TracksUpdated)
	}

	got, err := repo.GetTrackByKey(ctx, m.Tracks["spotify:track:aaa"].ArtistID, "Song A", "spotify")
	if err != nil || got == nil {
		t.Fatalf("lookup: %v, %v", got, err)
	}
	if got.ExternalRef != "spotify:track:aaa" {
		t.Fatalf("external ref = %q, want backfilled", got.ExternalRef)
	}

	// A known ref is never overwritten.
	again, err := r.ResolveBatch(ctx, []chart.CanonicalRow{
		{Rank: 1, TrackRef: "spotify:track:zzz", ArtistNames: "Artist A", TrackName: "Song A"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.TracksUpdated != 0 {
		t.Fatalf("updated=%d, want 0 when ref already set", again.TracksUpdated)
	}
}

func TestResolveBatchFailsWhenCreateErrorIsNotDuplicate(t *testing.T) {
	repo := newFakeRepo()
	repo.createArtistErr = func(*storage.Artist) error { return errors.New("connection reset") }

	r := &EntityResolver{Repo: repo, Platform: "spotify"}
	_, err := r.ResolveBatch(context.Background(), []chart.CanonicalRow{
		{Rank: 1, TrackRef: "ref:a", ArtistNames: "Artist A", TrackName: "Song A"},
	})
	if err == nil {
		t.Fatal("want error for non-duplicate create failure")
	}
}
