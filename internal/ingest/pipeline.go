package ingest

import (
	"context"
	"fmt"
	"time"

	"chartingest/internal/chart"
	"chartingest/internal/metrics"
	"chartingest/internal/storage"
)

// Parsed is the adapter output handed to the orchestrator: canonical rows
// plus the scope metadata the adapter was invoked with.
type Parsed struct {
	Rows        []chart.CanonicalRow
	ChartType   chart.ChartType
	ChartPeriod chart.ChartPeriod
	Date        string
}

// Options carries the per-run attributes that are not part of the payload.
type Options struct {
	// Region is the raw region value ("us", "global", or empty). It is
	// normalized exactly once, at the top of ProcessChartData.
	Region string
	// RegionType overrides the classification heuristic when the caller
	// already knows the kind; left empty it is derived from the region.
	RegionType chart.RegionType
	// RunID links entries back to the fetch or upload that produced them.
	RunID string
}

// Result aggregates what one ingestion call actually did. Success is false
// as soon as any batch records an error; counts always reflect the work that
// did land, so callers must not read Success as all-or-nothing.
type Result struct {
	Success        bool     `json:"success"`
	ArtistsCreated int      `json:"artistsCreated"`
	ArtistsUpdated int      `json:"artistsUpdated"`
	TracksCreated  int      `json:"tracksCreated"`
	TracksUpdated  int      `json:"tracksUpdated"`
	EntriesCreated int      `json:"entriesCreated"`
	EntriesUpdated int      `json:"entriesUpdated"`
	Errors         []string `json:"errors"`
}

// HandleResult is the outcome of applying a conflict policy via
// HandleDuplicates.
type HandleResult struct {
	Deleted int64 `json:"deleted"`
	Skipped bool  `json:"skipped"`
}

// Pipeline wires the ingestion stages around one repository.
type Pipeline struct {
	Repo     storage.Repository
	Logger   Logger
	Platform string

	// BatchSize and FanOut default to 50 and 10 when zero.
	BatchSize int
	FanOut    int

	// NewID is a test seam forwarded to the resolver and writer.
	NewID func() string
}

func (p *Pipeline) logf(format string, v ...any) {
	if p.Logger != nil {
		p.Logger.Printf(format, v...)
	}
}

func (p *Pipeline) batchSize() int {
	if p.BatchSize > 0 {
		return p.BatchSize
	}
	return defaultBatchSize
}

// ProcessChartData is the canonical entry point: it splits the parsed rows
// into batches and runs entity resolution then entry writing for each.
//
// Batches run sequentially to bound concurrent load on the store. A failing
// batch is recorded into Errors with its row range and processing moves on to
// the next batch; one bad batch never aborts the rest. This is the central
// failure-isolation contract of the pipeline.
func (p *Pipeline) ProcessChartData(ctx context.Context, parsed Parsed, opts Options) Result {
	res := Result{Success: true, Errors: []string{}}

	region := chart.NormalizeRegion(opts.Region)
	regionType := opts.RegionType
	if regionType == "" {
		regionType = chart.ClassifyRegion(region)
	}
	scope := chart.Scope{
		Date:        parsed.Date,
		ChartType:   parsed.ChartType,
		ChartPeriod: parsed.ChartPeriod,
		Region:      region,
	}

	start := time.Now()
	bs := p.batchSize()

	for lo := 0; lo < len(parsed.Rows); lo += bs {
		hi := lo + bs
		if hi > len(parsed.Rows) {
			hi = len(parsed.Rows)
		}

		counts, err := p.processBatch(ctx, parsed.Rows[lo:hi], scope, regionType, opts.RunID)
		res.ArtistsCreated += counts.artistsCreated
		res.TracksCreated += counts.tracksCreated
		res.TracksUpdated += counts.tracksUpdated
		res.EntriesCreated += counts.entriesCreated
		res.EntriesUpdated += counts.entriesUpdated

		if err != nil {
			res.Success = false
			res.Errors = append(res.Errors, fmt.Sprintf("batch %d-%d: %v", lo, hi-1, err))
			metrics.IncCounter("chartingest.batches.total", 1, metrics.Labels{"status": "error"})
			p.logf("stage=batch range=%d-%d status=error err=%v", lo, hi-1, err)
			continue
		}
		metrics.IncCounter("chartingest.batches.total", 1, metrics.Labels{"status": "ok"})
	}

	metrics.IncCounter("chartingest.entries.total", float64(res.EntriesCreated), metrics.Labels{"op": "created"})
	metrics.IncCounter("chartingest.entries.total", float64(res.EntriesUpdated), metrics.Labels{"op": "updated"})
	metrics.IncCounter("chartingest.entities.total", float64(res.ArtistsCreated), metrics.Labels{"kind": "artist", "op": "created"})
	metrics.IncCounter("chartingest.entities.total", float64(res.TracksCreated), metrics.Labels{"kind": "track", "op": "created"})
	metrics.IncCounter("chartingest.entities.total", float64(res.TracksUpdated), metrics.Labels{"kind": "track", "op": "updated"})

	p.logf("stage=ingest scope=%s rows=%d entries_created=%d entries_updated=%d errors=%d duration=%s",
		scope, len(parsed.Rows), res.EntriesCreated, res.EntriesUpdated, len(res.Errors),
		time.Since(start).Truncate(time.Millisecond))

	return res
}

type batchCounts struct {
	artistsCreated int
	tracksCreated  int
	tracksUpdated  int
	entriesCreated int
	entriesUpdated int
}

// processBatch runs the fixed stage ordering for one batch: artists, then
// tracks, then entries. Counts cover whatever stages completed, even when a
// later stage fails.
func (p *Pipeline) processBatch(
	ctx context.Context,
	rows []chart.CanonicalRow,
	scope chart.Scope,
	regionType chart.RegionType,
	runID string,
) (batchCounts, error) {
	var counts batchCounts

	resolver := &EntityResolver{
		Repo:     p.Repo,
		Logger:   p.Logger,
		Platform: p.Platform,
		FanOut:   p.FanOut,
		NewID:    p.NewID,
	}
	entities, err := resolver.ResolveBatch(ctx, rows)
	if err != nil {
		return counts, err
	}
	counts.artistsCreated = entities.ArtistsCreated
	counts.tracksCreated = entities.TracksCreated
	counts.tracksUpdated = entities.TracksUpdated

	writer := &EntryWriter{
		Repo:     p.Repo,
		Platform: p.Platform,
		FanOut:   p.FanOut,
		NewID:    p.NewID,
	}
	created, updated, err := writer.WriteBatch(ctx, rows, entities, scope, regionType, runID)
	counts.entriesCreated = created
	counts.entriesUpdated = updated
	return counts, err
}

// CheckDuplicates reports whether the given scope has already been ingested.
// The raw region value is normalized here, before the checker runs.
func (p *Pipeline) CheckDuplicates(ctx context.Context, date string, ctype chart.ChartType, period chart.ChartPeriod, region string) (DuplicateCheck, error) {
	scope := chart.Scope{
		Date:        date,
		ChartType:   ctype,
		ChartPeriod: period,
		Region:      chart.NormalizeRegion(region),
	}
	return (&Checker{Repo: p.Repo}).Check(ctx, scope)
}

// HandleDuplicates applies a conflict policy to the given scope ahead of
// ingestion and reports what happened.
func (p *Pipeline) HandleDuplicates(ctx context.Context, date string, ctype chart.ChartType, period chart.ChartPeriod, region string, policy Policy) (HandleResult, error) {
	scope := chart.Scope{
		Date:        date,
		ChartType:   ctype,
		ChartPeriod: period,
		Region:      chart.NormalizeRegion(region),
	}
	resolution, err := (&ConflictResolver{Repo: p.Repo, Logger: p.Logger}).Resolve(ctx, scope, policy)
	if err != nil {
		return HandleResult{}, err
	}
	return HandleResult{Deleted: resolution.Deleted, Skipped: resolution.SkipIngestion}, nil
}
