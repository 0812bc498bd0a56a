package ingest

import (
	"context"
	"fmt"

	"chartingest/internal/chart"
	"chartingest/internal/storage"
)

// Resolution is the outcome of applying a conflict policy to a scope.
type Resolution struct {
	Deleted       int64
	SkipIngestion bool
}

// ConflictResolver performs the scope-wide side effect a policy requires
// before ingestion proceeds.
type ConflictResolver struct {
	Repo   storage.Repository
	Logger Logger
}

// Resolve applies the policy:
//
//   - skip: if the scope already has entries, report SkipIngestion and touch
//     nothing.
//   - replace: bulk-delete everything in the scope and report how many rows
//     went away.
//   - update: no bulk action; reconciliation happens row by row in the entry
//     writer.
func (r *ConflictResolver) Resolve(ctx context.Context, scope chart.Scope, policy Policy) (Resolution, error) {
	switch policy {
	case PolicySkip:
		check, err := (&Checker{Repo: r.Repo}).Check(ctx, scope)
		if err != nil {
			return Resolution{}, err
		}
		if check.Exists {
			r.logf("stage=conflict policy=skip scope=%s existing=%d action=skip_ingestion", scope, check.Count)
			return Resolution{SkipIngestion: true}, nil
		}
		return Resolution{}, nil

	case PolicyReplace:
		n, err := r.Repo.DeleteEntries(ctx, scope)
		if err != nil {
			return Resolution{}, fmt.Errorf("delete entries for %s: %w", scope, err)
		}
		if n > 0 {
			r.logf("stage=conflict policy=replace scope=%s deleted=%d", scope, n)
		}
		return Resolution{Deleted: n}, nil

	case PolicyUpdate:
		return Resolution{}, nil

	default:
		return Resolution{}, fmt.Errorf("ingest: unsupported policy %q", policy)
	}
}

func (r *ConflictResolver) logf(format string, v ...any) {
	if r.Logger != nil {
		r.Logger.Printf(format, v...)
	}
}
