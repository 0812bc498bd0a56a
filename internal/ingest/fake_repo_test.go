package ingest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"chartingest/internal/chart"
	"chartingest/internal/storage"
)

// fakeRepo is an in-memory storage.Repository for pipeline tests.
//
// It enforces the same uniqueness semantics as the real backends: Create*
// and InsertEntry return storage.ErrDuplicateKey when the identity key is
// taken. Error hooks let tests inject failures at specific calls.
type fakeRepo struct {
	mu      sync.Mutex
	artists map[string]*storage.Artist
	tracks  map[string]*storage.Track
	entries map[string]*storage.Entry

	// Error hooks; nil means no injected failure.
	createArtistErr func(a *storage.Artist) error
	createTrackErr  func(t *storage.Track) error
	insertEntryErr  func(e *storage.Entry) error

	// hideEntriesOnce makes GetEntryByKey report absence the first time each
	// key is queried, simulating a concurrent insert landing between the
	// writer's lookup and its insert.
	hideEntriesOnce bool
	hidden          map[string]bool

	listCalls int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		artists: make(map[string]*storage.Artist),
		tracks:  make(map[string]*storage.Track),
		entries: make(map[string]*storage.Entry),
		hidden:  make(map[string]bool),
	}
}

func artistKey(name, platform string) string { return name + "|" + platform }

func trackKey(artistID, name, platform string) string {
	return artistID + "|" + name + "|" + platform
}

func entryKeyString(k storage.EntryKey) string {
	region := "<global>"
	if k.Region != nil {
		region = *k.Region
	}
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s", k.TrackID, k.ArtistID, k.Date, k.ChartType, k.ChartPeriod, k.Platform, region)
}

func scopeMatches(e *storage.Entry, s chart.Scope) bool {
	return e.EntryKey.Date == s.Date &&
		e.EntryKey.ChartType == s.ChartType &&
		e.EntryKey.ChartPeriod == s.ChartPeriod &&
		regionEqual(e.EntryKey.Region, s.Region)
}

func regionEqual(a, b *string) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

func (r *fakeRepo) Close() {}

func (r *fakeRepo) EnsureSchema(ctx context.Context) error { return nil }

func (r *fakeRepo) GetArtistByName(ctx context.Context, name, platform string) (*storage.Artist, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.artists[artistKey(name, platform)]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (r *fakeRepo) CreateArtist(ctx context.Context, a *storage.Artist) error {
	if r.createArtistErr != nil {
		if err := r.createArtistErr(a); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := artistKey(a.Name, a.Platform)
	if _, exists := r.artists[key]; exists {
		return storage.ErrDuplicateKey
	}
	cp := *a
	r.artists[key] = &cp
	return nil
}

func (r *fakeRepo) GetTrackByKey(ctx context.Context, artistID, name, platform string) (*storage.Track, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tracks[trackKey(artistID, name, platform)]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (r *fakeRepo) CreateTrack(ctx context.Context, t *storage.Track) error {
	if r.createTrackErr != nil {
		if err := r.createTrackErr(t); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := trackKey(t.ArtistID, t.Name, t.Platform)
	if _, exists := r.tracks[key]; exists {
		return storage.ErrDuplicateKey
	}
	cp := *t
	r.tracks[key] = &cp
	return nil
}

func (r *fakeRepo) SetTrackExternalRef(ctx context.Context, trackID, externalRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tracks {
		if t.ID == trackID {
			t.ExternalRef = externalRef
			return nil
		}
	}
	return fmt.Errorf("track %s not found", trackID)
}

func (r *fakeRepo) GetEntryByKey(ctx context.Context, k storage.EntryKey) (*storage.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := entryKeyString(k)
	if r.hideEntriesOnce && !r.hidden[key] {
		r.hidden[key] = true
		return nil, nil
	}
	e, ok := r.entries[key]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (r *fakeRepo) InsertEntry(ctx context.Context, e *storage.Entry) error {
	if r.insertEntryErr != nil {
		if err := r.insertEntryErr(e); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := entryKeyString(e.EntryKey)
	if _, exists := r.entries[key]; exists {
		return storage.ErrDuplicateKey
	}
	cp := *e
	r.entries[key] = &cp
	return nil
}

func (r *fakeRepo) UpdateEntry(ctx context.Context, e *storage.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := entryKeyString(e.EntryKey)
	if _, exists := r.entries[key]; !exists {
		return fmt.Errorf("entry %s not found", key)
	}
	cp := *e
	r.entries[key] = &cp
	return nil
}

func (r *fakeRepo) CountEntries(ctx context.Context, s chart.Scope) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, e := range r.entries {
		if scopeMatches(e, s) {
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) DeleteEntries(ctx context.Context, s chart.Scope) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for key, e := range r.entries {
		if scopeMatches(e, s) {
			delete(r.entries, key)
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) ListEntryDates(ctx context.Context, ctype chart.ChartType, period chart.ChartPeriod, region *string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listCalls++

	seen := make(map[string]struct{})
	for _, e := range r.entries {
		if e.ChartType == ctype && e.ChartPeriod == period && regionEqual(e.Region, region) {
			seen[e.Date] = struct{}{}
		}
	}
	dates := make([]string, 0, len(seen))
	for d := range seen {
		dates = append(dates, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}

// entriesInScope returns the stored entries matching a scope, sorted by
// position, for assertions.
func (r *fakeRepo) entriesInScope(s chart.Scope) []*storage.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*storage.Entry
	for _, e := range r.entries {
		if scopeMatches(e, s) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}
