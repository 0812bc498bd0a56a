// Package postgres implements storage.Repository on pgx.
//
// The entry identity index is declared NULLS NOT DISTINCT so the global
// region (stored as NULL) participates in uniqueness like any other value.
// Requires PostgreSQL 15+.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"chartingest/internal/chart"
	"chartingest/internal/storage"
)

type Repo struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

func (r *Repo) Close() { r.pool.Close() }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS artists (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  platform TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  UNIQUE (name, platform)
);`,
	`CREATE TABLE IF NOT EXISTS tracks (
  id TEXT PRIMARY KEY,
  artist_id TEXT NOT NULL REFERENCES artists(id),
  name TEXT NOT NULL,
  platform TEXT NOT NULL,
  external_ref TEXT,
  created_at TIMESTAMPTZ NOT NULL,
  UNIQUE (artist_id, name, platform)
);`,
	`CREATE TABLE IF NOT EXISTS chart_entries (
  id TEXT PRIMARY KEY,
  track_id TEXT NOT NULL REFERENCES tracks(id),
  artist_id TEXT NOT NULL REFERENCES artists(id),
  chart_date TEXT NOT NULL,
  chart_type TEXT NOT NULL,
  chart_period TEXT NOT NULL,
  platform TEXT NOT NULL,
  region TEXT,
  region_type TEXT,
  position INTEGER NOT NULL,
  peak_rank INTEGER,
  previous_rank INTEGER,
  days_on_chart INTEGER,
  streams TEXT,
  source TEXT,
  run_id TEXT,
  updated_at TIMESTAMPTZ NOT NULL
);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_chart_entries_identity
  ON chart_entries (track_id, artist_id, chart_date, chart_type, chart_period, platform, region)
  NULLS NOT DISTINCT;`,
	`CREATE INDEX IF NOT EXISTS ix_chart_entries_scope
  ON chart_entries (chart_date, chart_type, chart_period, region);`,
}

func (r *Repo) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: ensure schema: %w", err)
		}
	}
	return nil
}

// uniqueViolation is the SQLSTATE pgx reports for constraint class 23505.
const uniqueViolation = "23505"

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %v", storage.ErrDuplicateKey, err)
	}
	return err
}

func (r *Repo) GetArtistByName(ctx context.Context, name, platform string) (*storage.Artist, error) {
	var a storage.Artist
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, platform, created_at FROM artists WHERE name = $1 AND platform = $2`,
		name, platform).Scan(&a.ID, &a.Name, &a.Platform, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (r *Repo) CreateArtist(ctx context.Context, a *storage.Artist) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO artists (id, name, platform, created_at) VALUES ($1, $2, $3, $4)`,
		a.ID, a.Name, a.Platform, ensureTime(a.CreatedAt))
	return mapErr(err)
}

func (r *Repo) GetTrackByKey(ctx context.Context, artistID, name, platform string) (*storage.Track, error) {
	var t storage.Track
	var ref *string
	err := r.pool.QueryRow(ctx,
		`SELECT id, artist_id, name, platform, external_ref, created_at
		 FROM tracks WHERE artist_id = $1 AND name = $2 AND platform = $3`,
		artistID, name, platform).Scan(&t.ID, &t.ArtistID, &t.Name, &t.Platform, &ref, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if ref != nil {
		t.ExternalRef = *ref
	}
	return &t, nil
}

func (r *Repo) CreateTrack(ctx context.Context, t *storage.Track) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO tracks (id, artist_id, name, platform, external_ref, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.ArtistID, t.Name, t.Platform, nilIfEmpty(t.ExternalRef), ensureTime(t.CreatedAt))
	return mapErr(err)
}

func (r *Repo) SetTrackExternalRef(ctx context.Context, trackID, externalRef string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE tracks SET external_ref = $1 WHERE id = $2`, externalRef, trackID)
	return err
}

const entryColumns = `id, track_id, artist_id, chart_date, chart_type, chart_period, platform, region,
region_type, position, peak_rank, previous_rank, days_on_chart, streams, source, run_id, updated_at`

func (r *Repo) GetEntryByKey(ctx context.Context, k storage.EntryKey) (*storage.Entry, error) {
	where, args := entryKeyWhere(k)
	row := r.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM chart_entries WHERE `+where, args...)

	var e storage.Entry
	var (
		region, rtype, streams, src, runID *string
		peak, prev, days                   *int
	)
	err := row.Scan(
		&e.ID, &e.TrackID, &e.ArtistID, &e.Date, &e.ChartType, &e.ChartPeriod, &e.Platform, &region,
		&rtype, &e.Position, &peak, &prev, &days, &streams, &src, &runID, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	e.Region = region
	if rtype != nil {
		e.RegionType = chart.RegionType(*rtype)
	}
	e.PeakRank, e.PreviousRank, e.DaysOnChart = peak, prev, days
	e.Streams = deref(streams)
	e.Source = deref(src)
	e.RunID = deref(runID)
	return &e, nil
}

func (r *Repo) InsertEntry(ctx context.Context, e *storage.Entry) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO chart_entries (`+entryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		e.ID, e.TrackID, e.ArtistID, e.Date, string(e.ChartType), string(e.ChartPeriod), e.Platform,
		e.Region, string(e.RegionType), e.Position,
		e.PeakRank, e.PreviousRank, e.DaysOnChart,
		nilIfEmpty(e.Streams), nilIfEmpty(e.Source), nilIfEmpty(e.RunID), ensureTime(e.UpdatedAt))
	return mapErr(err)
}

func (r *Repo) UpdateEntry(ctx context.Context, e *storage.Entry) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE chart_entries SET
		   position = $1, peak_rank = $2, previous_rank = $3, days_on_chart = $4,
		   streams = $5, source = $6, region = $7, region_type = $8, run_id = $9, updated_at = $10
		 WHERE id = $11`,
		e.Position, e.PeakRank, e.PreviousRank, e.DaysOnChart,
		nilIfEmpty(e.Streams), nilIfEmpty(e.Source), e.Region, string(e.RegionType),
		nilIfEmpty(e.RunID), ensureTime(e.UpdatedAt), e.ID)
	return err
}

func (r *Repo) CountEntries(ctx context.Context, s chart.Scope) (int64, error) {
	where, args := scopeWhere(s)
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM chart_entries WHERE `+where, args...).Scan(&n)
	return n, err
}

func (r *Repo) DeleteEntries(ctx context.Context, s chart.Scope) (int64, error) {
	where, args := scopeWhere(s)
	tag, err := r.pool.Exec(ctx, `DELETE FROM chart_entries WHERE `+where, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *Repo) ListEntryDates(ctx context.Context, ctype chart.ChartType, period chart.ChartPeriod, region *string) ([]string, error) {
	where := `chart_type = $1 AND chart_period = $2`
	args := []any{string(ctype), string(period)}
	if region == nil {
		where += ` AND region IS NULL`
	} else {
		where += ` AND region = $3`
		args = append(args, *region)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT chart_date FROM chart_entries WHERE `+where+` ORDER BY chart_date DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ---- helpers ----

func entryKeyWhere(k storage.EntryKey) (string, []any) {
	parts := []string{"track_id = $1", "artist_id = $2", "chart_date = $3", "chart_type = $4", "chart_period = $5", "platform = $6"}
	args := []any{k.TrackID, k.ArtistID, k.Date, string(k.ChartType), string(k.ChartPeriod), k.Platform}
	if k.Region == nil {
		parts = append(parts, "region IS NULL")
	} else {
		parts = append(parts, "region = $7")
		args = append(args, *k.Region)
	}
	return strings.Join(parts, " AND "), args
}

func scopeWhere(s chart.Scope) (string, []any) {
	parts := []string{"chart_date = $1", "chart_type = $2", "chart_period = $3"}
	args := []any{s.Date, string(s.ChartType), string(s.ChartPeriod)}
	if s.Region == nil {
		parts = append(parts, "region IS NULL")
	} else {
		parts = append(parts, "region = $4")
		args = append(args, *s.Region)
	}
	return strings.Join(parts, " AND "), args
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func ensureTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
