package ingest

import (
	"context"
	"fmt"

	"chartingest/internal/chart"
	"chartingest/internal/storage"
)

// DuplicateCheck reports whether a scope has already been ingested.
type DuplicateCheck struct {
	Exists bool  `json:"exists"`
	Count  int64 `json:"count"`
}

// Checker answers whether entries already exist for a scope.
//
// The scope's region must already be normalized (nil for global); the checker
// queries it as-is and the backends translate nil into IS NULL. Normalization
// is never re-done here; it happens exactly once, upstream.
type Checker struct {
	Repo storage.Repository
}

// Check performs the existence+count query filtered by all four scope fields.
func (c *Checker) Check(ctx context.Context, scope chart.Scope) (DuplicateCheck, error) {
	n, err := c.Repo.CountEntries(ctx, scope)
	if err != nil {
		return DuplicateCheck{}, fmt.Errorf("count entries for %s: %w", scope, err)
	}
	return DuplicateCheck{Exists: n > 0, Count: n}, nil
}
