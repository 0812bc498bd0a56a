package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"chartingest/internal/chart"
	"chartingest/internal/storage"
)

// makeRows builds n valid canonical rows. Artist names repeat every
// artistCycle rows so a run exercises both create and adopt paths.
func makeRows(n, artistCycle int) []chart.CanonicalRow {
	rows := make([]chart.CanonicalRow, n)
	for i := range rows {
		rows[i] = chart.CanonicalRow{
			Rank:        i + 1,
			TrackRef:    fmt.Sprintf("ref:%03d", i),
			ArtistNames: fmt.Sprintf("Artist %02d", i%artistCycle),
			TrackName:   fmt.Sprintf("Track %03d", i),
			Source:      "Label",
			Streams:     fmt.Sprintf("%d", 1000-i),
		}
	}
	return rows
}

func testParsed(rows []chart.CanonicalRow) Parsed {
	return Parsed{
		Rows:        rows,
		ChartType:   chart.TypeRegional,
		ChartPeriod: chart.PeriodDaily,
		Date:        "2024-01-01",
	}
}

func globalScope() chart.Scope {
	return chart.Scope{Date: "2024-01-01", ChartType: chart.TypeRegional, ChartPeriod: chart.PeriodDaily}
}

func TestProcessChartDataFirstIngestCreatesEverything(t *testing.T) {
	repo := newFakeRepo()
	p := &Pipeline{Repo: repo, Platform: "spotify"}

	res := p.ProcessChartData(context.Background(), testParsed(makeRows(120, 40)), Options{})

	if !res.Success || len(res.Errors) != 0 {
		t.Fatalf("result = %+v, want clean success", res)
	}
	if res.EntriesCreated != 120 || res.EntriesUpdated != 0 {
		t.Fatalf("entries created=%d updated=%d, want 120/0", res.EntriesCreated, res.EntriesUpdated)
	}
	if res.ArtistsCreated != 40 {
		t.Fatalf("artists created=%d, want 40 distinct", res.ArtistsCreated)
	}
	if res.TracksCreated != 120 {
		t.Fatalf("tracks created=%d, want 120", res.TracksCreated)
	}

	entries := repo.entriesInScope(globalScope())
	if len(entries) != 120 {
		t.Fatalf("stored %d entries, want 120", len(entries))
	}
	for i, e := range entries {
		if e.Position != i+1 {
			t.Fatalf("entry %d position = %d", i, e.Position)
		}
		if e.Region != nil {
			t.Fatalf("entry %d region = %q, want nil for global", i, *e.Region)
		}
		if e.RegionType != chart.RegionGlobal {
			t.Fatalf("entry %d region type = %q", i, e.RegionType)
		}
	}
}

func TestProcessChartDataReIngestUpdatesInPlace(t *testing.T) {
	repo := newFakeRepo()
	p := &Pipeline{Repo: repo, Platform: "spotify"}
	ctx := context.Background()

	rows := makeRows(120, 40)
	first := p.ProcessChartData(ctx, testParsed(rows), Options{})
	if !first.Success {
		t.Fatalf("seed run failed: %+v", first)
	}
	before := repo.entriesInScope(globalScope())

	// Same identities, shifted positions.
	for i := range rows {
		rows[i].Rank = len(rows) - i
		rows[i].Streams = "42"
	}
	second := p.ProcessChartData(ctx, testParsed(rows), Options{})

	if !second.Success {
		t.Fatalf("second run failed: %+v", second)
	}
	if second.EntriesCreated != 0 || second.EntriesUpdated != 120 {
		t.Fatalf("second run created=%d updated=%d, want 0/120", second.EntriesCreated, second.EntriesUpdated)
	}
	if second.ArtistsCreated != 0 || second.TracksCreated != 0 {
		t.Fatalf("second run created entities: %+v", second)
	}

	after := repo.entriesInScope(globalScope())
	if len(after) != 120 {
		t.Fatalf("stored %d entries after re-ingest, want 120", len(after))
	}

	// Row identity is stable: updates rewrite attributes, never mint new ids.
	ids := make(map[string]bool, len(before))
	for _, e := range before {
		ids[e.ID] = true
	}
	for _, e := range after {
		if !ids[e.ID] {
			t.Fatalf("entry %s has a new id after re-ingest", e.ID)
		}
		if e.Streams != "42" {
			t.Fatalf("entry %s streams = %q, want updated value", e.ID, e.Streams)
		}
	}
}

func TestProcessChartDataBatchFailureIsIsolated(t *testing.T) {
	repo := newFakeRepo()
	// Every insert in the second batch (positions 51-100) fails.
	repo.insertEntryErr = func(e *storage.Entry) error {
		if e.Position > 50 && e.Position <= 100 {
			return errors.New("disk full")
		}
		return nil
	}
	p := &Pipeline{Repo: repo, Platform: "spotify"}

	res := p.ProcessChartData(context.Background(), testParsed(makeRows(120, 40)), Options{})

	if res.Success {
		t.Fatal("want Success=false when a batch fails")
	}
	if len(res.Errors) != 1 {
		t.Fatalf("errors = %v, want exactly one entry for the failing batch", res.Errors)
	}
	if !strings.Contains(res.Errors[0], "batch 50-99") {
		t.Fatalf("error %q does not carry the batch row range", res.Errors[0])
	}

	// The first and third batches still landed.
	if res.EntriesCreated != 70 {
		t.Fatalf("entries created = %d, want 70 from the surviving batches", res.EntriesCreated)
	}
	entries := repo.entriesInScope(globalScope())
	for _, e := range entries {
		if e.Position > 50 && e.Position <= 100 {
			t.Fatalf("entry at position %d should not exist", e.Position)
		}
	}
	if len(entries) != 70 {
		t.Fatalf("stored %d entries, want 70", len(entries))
	}
}

func TestProcessChartDataRegionScoping(t *testing.T) {
	repo := newFakeRepo()
	p := &Pipeline{Repo: repo, Platform: "spotify"}
	ctx := context.Background()

	rows := makeRows(3, 3)

	// "GLOBAL" normalizes to the nil region.
	res := p.ProcessChartData(ctx, testParsed(rows), Options{Region: "GLOBAL"})
	if !res.Success || res.EntriesCreated != 3 {
		t.Fatalf("global run = %+v", res)
	}

	// A country run over the same rows is a distinct scope, not an update.
	res = p.ProcessChartData(ctx, testParsed(rows), Options{Region: "US"})
	if !res.Success || res.EntriesCreated != 3 || res.EntriesUpdated != 0 {
		t.Fatalf("country run = %+v, want 3 new entries", res)
	}

	us := "us"
	scope := globalScope()
	scope.Region = &us
	entries := repo.entriesInScope(scope)
	if len(entries) != 3 {
		t.Fatalf("stored %d us entries, want 3", len(entries))
	}
	for _, e := range entries {
		if e.Region == nil || *e.Region != "us" {
			t.Fatalf("entry region = %v, want us", e.Region)
		}
		if e.RegionType != chart.RegionCountry {
			t.Fatalf("entry region type = %q, want country", e.RegionType)
		}
	}

	if n, _ := repo.CountEntries(ctx, globalScope()); n != 3 {
		t.Fatalf("global scope count = %d, want 3 untouched entries", n)
	}
}

func TestProcessChartDataPlatformsAreIndependent(t *testing.T) {
	// Platform is part of the entry identity key: the same chart snapshot
	// ingested for two platforms creates two sets of entries, never updates.
	repo := newFakeRepo()
	ctx := context.Background()
	rows := makeRows(3, 3)

	for _, platform := range []string{"spotify", "apple"} {
		p := &Pipeline{Repo: repo, Platform: platform}
		res := p.ProcessChartData(ctx, testParsed(rows), Options{})
		if !res.Success || res.EntriesCreated != 3 || res.EntriesUpdated != 0 {
			t.Fatalf("platform %s run = %+v, want 3 new entries", platform, res)
		}
	}

	if entries := repo.entriesInScope(globalScope()); len(entries) != 6 {
		t.Fatalf("stored %d entries, want 3 per platform", len(entries))
	}
}

func TestProcessChartDataConcurrentInsertFallsBackToUpdate(t *testing.T) {
	repo := newFakeRepo()
	p := &Pipeline{Repo: repo, Platform: "spotify"}
	ctx := context.Background()

	rows := makeRows(5, 5)
	if res := p.ProcessChartData(ctx, testParsed(rows), Options{}); !res.Success {
		t.Fatalf("seed run failed: %+v", res)
	}
	before := repo.entriesInScope(globalScope())

	// Hide each entry from the first lookup so the writer takes the insert
	// path, collides with the existing row, and falls back to update.
	repo.hideEntriesOnce = true

	res := p.ProcessChartData(ctx, testParsed(rows), Options{})
	if !res.Success {
		t.Fatalf("conflict run failed: %+v", res)
	}
	if res.EntriesCreated != 0 || res.EntriesUpdated != 5 {
		t.Fatalf("created=%d updated=%d, want 0/5", res.EntriesCreated, res.EntriesUpdated)
	}

	after := repo.entriesInScope(globalScope())
	ids := make(map[string]bool)
	for _, e := range before {
		ids[e.ID] = true
	}
	for _, e := range after {
		if !ids[e.ID] {
			t.Fatalf("conflict fallback minted a new id %s", e.ID)
		}
	}
}

func TestCheckDuplicatesNormalizesRegion(t *testing.T) {
	repo := newFakeRepo()
	p := &Pipeline{Repo: repo, Platform: "spotify"}
	ctx := context.Background()

	if res := p.ProcessChartData(ctx, testParsed(makeRows(2, 2)), Options{Region: "global"}); !res.Success {
		t.Fatalf("seed run failed: %+v", res)
	}

	// Both spellings of worldwide hit the same nil-region scope.
	for _, region := range []string{"", "global", "GLOBAL"} {
		check, err := p.CheckDuplicates(ctx, "2024-01-01", chart.TypeRegional, chart.PeriodDaily, region)
		if err != nil {
			t.Fatalf("CheckDuplicates(%q): %v", region, err)
		}
		if !check.Exists || check.Count != 2 {
			t.Fatalf("CheckDuplicates(%q) = %+v, want 2 existing", region, check)
		}
	}

	check, err := p.CheckDuplicates(ctx, "2024-01-01", chart.TypeRegional, chart.PeriodDaily, "us")
	if err != nil {
		t.Fatalf("CheckDuplicates(us): %v", err)
	}
	if check.Exists {
		t.Fatalf("CheckDuplicates(us) = %+v, want no match for a different region", check)
	}
}

func TestHandleDuplicatesPolicies(t *testing.T) {
	ctx := context.Background()
	seed := func() (*fakeRepo, *Pipeline) {
		repo := newFakeRepo()
		p := &Pipeline{Repo: repo, Platform: "spotify"}
		if res := p.ProcessChartData(ctx, testParsed(makeRows(4, 2)), Options{}); !res.Success {
			t.Fatalf("seed run failed: %+v", res)
		}
		return repo, p
	}

	t.Run("skip on existing scope", func(t *testing.T) {
		repo, p := seed()
		h, err := p.HandleDuplicates(ctx, "2024-01-01", chart.TypeRegional, chart.PeriodDaily, "", PolicySkip)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !h.Skipped || h.Deleted != 0 {
			t.Fatalf("handle = %+v, want skip with nothing deleted", h)
		}
		if n, _ := repo.CountEntries(ctx, globalScope()); n != 4 {
			t.Fatalf("count = %d, skip must not touch entries", n)
		}
	})

	t.Run("skip on empty scope", func(t *testing.T) {
		_, p := seed()
		h, err := p.HandleDuplicates(ctx, "2024-02-01", chart.TypeRegional, chart.PeriodDaily, "", PolicySkip)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if h.Skipped {
			t.Fatal("empty scope must not be skipped")
		}
	})

	t.Run("replace deletes the scope", func(t *testing.T) {
		repo, p := seed()
		h, err := p.HandleDuplicates(ctx, "2024-01-01", chart.TypeRegional, chart.PeriodDaily, "global", PolicyReplace)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if h.Skipped || h.Deleted != 4 {
			t.Fatalf("handle = %+v, want 4 deleted", h)
		}
		if n, _ := repo.CountEntries(ctx, globalScope()); n != 0 {
			t.Fatalf("count = %d after replace, want 0", n)
		}
	})

	t.Run("update touches nothing up front", func(t *testing.T) {
		repo, p := seed()
		h, err := p.HandleDuplicates(ctx, "2024-01-01", chart.TypeRegional, chart.PeriodDaily, "", PolicyUpdate)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if h.Skipped || h.Deleted != 0 {
			t.Fatalf("handle = %+v, want no-op", h)
		}
		if n, _ := repo.CountEntries(ctx, globalScope()); n != 4 {
			t.Fatalf("count = %d, update must not touch entries", n)
		}
	})

	t.Run("unknown policy fails", func(t *testing.T) {
		_, p := seed()
		if _, err := p.HandleDuplicates(ctx, "2024-01-01", chart.TypeRegional, chart.PeriodDaily, "", Policy("merge")); err == nil {
			t.Fatal("want error for unsupported policy")
		}
	})
}

func TestProcessChartDataEmptyRows(t *testing.T) {
	repo := newFakeRepo()
	p := &Pipeline{Repo: repo, Platform: "spotify"}

	res := p.ProcessChartData(context.Background(), testParsed(nil), Options{})
	if !res.Success || res.EntriesCreated != 0 || len(res.Errors) != 0 {
		t.Fatalf("empty ingest = %+v, want clean no-op", res)
	}
}
