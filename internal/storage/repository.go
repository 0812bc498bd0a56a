// Package storage defines the persistence boundary for chart ingestion and a
// registry of interchangeable backends.
//
// The interface is intentionally narrow: point lookups, single-row writes,
// and scoped count/delete. No cross-row transactions are assumed; the
// ingestion pipeline is written to stay correct without them (create-then-
// refetch for dimension entities, lookup-based upsert for entries).
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chartingest/internal/chart"
)

// ErrDuplicateKey is returned by Create* calls when the backend's uniqueness
// constraint rejects the row. Each backend maps its driver-specific
// unique-violation error onto this sentinel so callers can re-fetch by
// identity key instead of failing.
var ErrDuplicateKey = errors.New("storage: duplicate key")

// Artist is a dimension record. Identity key: (Name, Platform), exact-string
// and case-sensitive. Created on first sighting, never mutated by ingestion.
type Artist struct {
	ID        string
	Name      string
	Platform  string
	CreatedAt time.Time
}

// Track is a dimension record. Identity key: (ArtistID, Name, Platform).
// ExternalRef holds the canonical source identifier once known; ingestion may
// backfill it without touching the identity key.
type Track struct {
	ID          string
	ArtistID    string
	Name        string
	Platform    string
	ExternalRef string
	CreatedAt   time.Time
}

// EntryKey is the persisted identity of a chart entry. Region is part of the
// key (nil means global), so the same track on the same date can hold
// positions in several regions as distinct rows.
type EntryKey struct {
	TrackID     string
	ArtistID    string
	Date        string
	ChartType   chart.ChartType
	ChartPeriod chart.ChartPeriod
	Platform    string
	Region      *string
}

// Entry is one scoped chart-position row. Everything outside EntryKey is
// mutable and overwritten in place on re-ingestion under the update policy.
type Entry struct {
	ID string
	EntryKey

	Position     int
	PeakRank     *int
	PreviousRank *int
	DaysOnChart  *int
	Streams      string
	Source       string
	RegionType   chart.RegionType
	RunID        string
	UpdatedAt    time.Time
}

// Repository is the backend-agnostic persistence interface.
//
// Get* methods return (nil, nil) when no row matches; absence is an expected
// outcome on the hot path, not an error.
type Repository interface {
	// Close releases backend resources. Call once at shutdown.
	Close()

	// EnsureSchema creates tables and uniqueness constraints if missing.
	// Idempotent; safe to call at every startup.
	EnsureSchema(ctx context.Context) error

	GetArtistByName(ctx context.Context, name, platform string) (*Artist, error)
	CreateArtist(ctx context.Context, a *Artist) error

	GetTrackByKey(ctx context.Context, artistID, name, platform string) (*Track, error)
	CreateTrack(ctx context.Context, t *Track) error
	// SetTrackExternalRef backfills the external identifier on an existing
	// track. The identity key is untouched.
	SetTrackExternalRef(ctx context.Context, trackID, externalRef string) error

	GetEntryByKey(ctx context.Context, k EntryKey) (*Entry, error)
	InsertEntry(ctx context.Context, e *Entry) error
	UpdateEntry(ctx context.Context, e *Entry) error

	// CountEntries counts rows matching all four scope fields. A nil scope
	// region matches only rows whose region is NULL.
	CountEntries(ctx context.Context, s chart.Scope) (int64, error)
	// DeleteEntries removes every row in the scope and reports how many.
	DeleteEntries(ctx context.Context, s chart.Scope) (int64, error)
	// ListEntryDates returns the distinct dates already ingested for a
	// (chartType, period, region) triple, most recent first.
	ListEntryDates(ctx context.Context, ctype chart.ChartType, period chart.ChartPeriod, region *string) ([]string, error)
}

// Config selects and configures a backend.
type Config struct {
	Kind string // registered backend kind, e.g. "postgres", "sqlite", "mssql"
	DSN  string
}

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind. Backends call this from init();
// registering the same kind twice panics to fail fast on ambiguous wiring.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New constructs a Repository using the registered backend factory.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing Kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
