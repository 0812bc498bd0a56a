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

// EntryWriter upserts scoped chart-position entries, one per canonical row.
//
// There is no bulk-update step anywhere: the update policy is realized here,
// row by row, through lookup-by-identity-key followed by update or insert.
type EntryWriter struct {
	Repo     storage.Repository
	Platform string
	FanOut   int

	// NewID is a test seam; production uses uuid.NewString.
	NewID func() string
}

func (w *EntryWriter) newID() string {
	if w.NewID != nil {
		return w.NewID()
	}
	return uuid.NewString()
}

func (w *EntryWriter) fanOut() int {
	if w.FanOut > 0 {
		return w.FanOut
	}
	return defaultFanOut
}

// WriteBatch writes every row with bounded fan-out and reports how many
// entries were created and how many updated in place.
//
// Counts cover the rows that completed even when a later row fails, so a
// partially written batch still reports what it did manage to persist.
func (w *EntryWriter) WriteBatch(
	ctx context.Context,
	rows []chart.CanonicalRow,
	entities *EntityMap,
	scope chart.Scope,
	regionType chart.RegionType,
	runID string,
) (created, updated int, _ error) {
	type outcome struct {
		done    bool
		created bool
	}
	outcomes := make([]outcome, len(rows))

	err := runFanOut(ctx, len(rows), w.fanOut(), func(ctx context.Context, i int) error {
		wasCreated, err := w.writeOne(ctx, rows[i], entities, scope, regionType, runID)
		if err != nil {
			return err
		}
		outcomes[i] = outcome{done: true, created: wasCreated}
		return nil
	})

	for _, o := range outcomes {
		if !o.done {
			continue
		}
		if o.created {
			created++
		} else {
			updated++
		}
	}
	return created, updated, err
}

func (w *EntryWriter) writeOne(
	ctx context.Context,
	row chart.CanonicalRow,
	entities *EntityMap,
	scope chart.Scope,
	regionType chart.RegionType,
	runID string,
) (created bool, _ error) {
	resolved, ok := entities.Tracks[row.TrackRef]
	if !ok {
		return false, fmt.Errorf("write entries: track ref %q was not resolved", row.TrackRef)
	}

	key := storage.EntryKey{
		TrackID:     resolved.TrackID,
		ArtistID:    resolved.ArtistID,
		Date:        scope.Date,
		ChartType:   scope.ChartType,
		ChartPeriod: scope.ChartPeriod,
		Platform:    w.Platform,
		Region:      scope.Region,
	}

	existing, err := w.Repo.GetEntryByKey(ctx, key)
	if err != nil {
		return false, fmt.Errorf("write entries: lookup rank %d: %w", row.Rank, err)
	}

	if existing != nil {
		e := *existing
		applyRow(&e, row, regionType, runID)
		if err := w.Repo.UpdateEntry(ctx, &e); err != nil {
			return false, fmt.Errorf("write entries: update rank %d: %w", row.Rank, err)
		}
		return false, nil
	}

	e := &storage.Entry{ID: w.newID(), EntryKey: key}
	applyRow(e, row, regionType, runID)
	err = w.Repo.InsertEntry(ctx, e)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, storage.ErrDuplicateKey) {
		return false, fmt.Errorf("write entries: insert rank %d: %w", row.Rank, err)
	}

	// A concurrent ingestion inserted this key between our lookup and insert;
	// fall back to updating the row it won with.
	refetched, err := w.Repo.GetEntryByKey(ctx, key)
	if err != nil {
		return false, fmt.Errorf("write entries: refetch rank %d: %w", row.Rank, err)
	}
	if refetched == nil {
		return false, fmt.Errorf("write entries: rank %d rejected as duplicate but not found on refetch", row.Rank)
	}
	upd := *refetched
	applyRow(&upd, row, regionType, runID)
	if err := w.Repo.UpdateEntry(ctx, &upd); err != nil {
		return false, fmt.Errorf("write entries: update after conflict rank %d: %w", row.Rank, err)
	}
	return false, nil
}

// applyRow copies every mutable field from a canonical row onto an entry.
func applyRow(e *storage.Entry, row chart.CanonicalRow, regionType chart.RegionType, runID string) {
	e.Position = row.Rank
	e.PeakRank = row.PeakRank
	e.PreviousRank = row.PreviousRank
	e.DaysOnChart = row.DaysOnChart
	e.Streams = row.Streams
	e.Source = row.Source
	e.RegionType = regionType
	e.RunID = runID
	e.UpdatedAt = time.Now().UTC()
}
