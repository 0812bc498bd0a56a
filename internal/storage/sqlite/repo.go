// Package sqlite implements storage.Repository on modernc.org/sqlite.
//
// Key design points vs Postgres:
//   - Timestamps are stored as RFC3339Nano TEXT for reliable round-trips.
//   - SQLite unique indexes treat NULLs as distinct, so the entry identity
//     index wraps region in COALESCE(region, '') to make the global region
//     participate in uniqueness.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"chartingest/internal/chart"
	"chartingest/internal/storage"
)

type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS artists (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  platform TEXT NOT NULL,
  created_at TEXT NOT NULL,
  UNIQUE (name, platform)
);`,
	`CREATE TABLE IF NOT EXISTS tracks (
  id TEXT PRIMARY KEY,
  artist_id TEXT NOT NULL REFERENCES artists(id),
  name TEXT NOT NULL,
  platform TEXT NOT NULL,
  external_ref TEXT,
  created_at TEXT NOT NULL,
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
  updated_at TEXT NOT NULL
);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_chart_entries_identity
  ON chart_entries (track_id, artist_id, chart_date, chart_type, chart_period, platform, COALESCE(region, ''));`,
	`CREATE INDEX IF NOT EXISTS ix_chart_entries_scope
  ON chart_entries (chart_date, chart_type, chart_period, region);`,
}

func (r *Repo) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: ensure schema: %w", err)
		}
	}
	return nil
}

// mapErr converts the driver's unique-violation codes onto the shared sentinel.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %v", storage.ErrDuplicateKey, err)
		}
	}
	return err
}

func (r *Repo) GetArtistByName(ctx context.Context, name, platform string) (*storage.Artist, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, name, platform, created_at FROM artists WHERE name = ? AND platform = ?`,
		name, platform)

	var a storage.Artist
	var created string
	if err := row.Scan(&a.ID, &a.Name, &a.Platform, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	a.CreatedAt = parseTime(created)
	return &a, nil
}

func (r *Repo) CreateArtist(ctx context.Context, a *storage.Artist) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO artists (id, name, platform, created_at) VALUES (?, ?, ?, ?)`,
		a.ID, a.Name, a.Platform, formatTime(a.CreatedAt))
	return mapErr(err)
}

func (r *Repo) GetTrackByKey(ctx context.Context, artistID, name, platform string) (*storage.Track, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, artist_id, name, platform, external_ref, created_at
		 FROM tracks WHERE artist_id = ? AND name = ? AND platform = ?`,
		artistID, name, platform)

	var t storage.Track
	var ref sql.NullString
	var created string
	if err := row.Scan(&t.ID, &t.ArtistID, &t.Name, &t.Platform, &ref, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t.ExternalRef = ref.String
	t.CreatedAt = parseTime(created)
	return &t, nil
}

func (r *Repo) CreateTrack(ctx context.Context, t *storage.Track) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tracks (id, artist_id, name, platform, external_ref, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.ArtistID, t.Name, t.Platform, nullString(t.ExternalRef), formatTime(t.CreatedAt))
	return mapErr(err)
}

func (r *Repo) SetTrackExternalRef(ctx context.Context, trackID, externalRef string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE tracks SET external_ref = ? WHERE id = ?`, externalRef, trackID)
	return err
}

const entryColumns = `id, track_id, artist_id, chart_date, chart_type, chart_period, platform, region,
region_type, position, peak_rank, previous_rank, days_on_chart, streams, source, run_id, updated_at`

func (r *Repo) GetEntryByKey(ctx context.Context, k storage.EntryKey) (*storage.Entry, error) {
	where, args := entryKeyWhere(k)
	row := r.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM chart_entries WHERE `+where, args...)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

func (r *Repo) InsertEntry(ctx context.Context, e *storage.Entry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO chart_entries (`+entryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TrackID, e.ArtistID, e.Date, string(e.ChartType), string(e.ChartPeriod), e.Platform,
		regionValue(e.Region), string(e.RegionType), e.Position,
		nullInt(e.PeakRank), nullInt(e.PreviousRank), nullInt(e.DaysOnChart),
		nullString(e.Streams), nullString(e.Source), nullString(e.RunID), formatTime(e.UpdatedAt))
	return mapErr(err)
}

func (r *Repo) UpdateEntry(ctx context.Context, e *storage.Entry) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE chart_entries SET
		   position = ?, peak_rank = ?, previous_rank = ?, days_on_chart = ?,
		   streams = ?, source = ?, region = ?, region_type = ?, run_id = ?, updated_at = ?
		 WHERE id = ?`,
		e.Position, nullInt(e.PeakRank), nullInt(e.PreviousRank), nullInt(e.DaysOnChart),
		nullString(e.Streams), nullString(e.Source), regionValue(e.Region), string(e.RegionType),
		nullString(e.RunID), formatTime(e.UpdatedAt), e.ID)
	return err
}

func (r *Repo) CountEntries(ctx context.Context, s chart.Scope) (int64, error) {
	where, args := scopeWhere(s)
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chart_entries WHERE `+where, args...).Scan(&n)
	return n, err
}

func (r *Repo) DeleteEntries(ctx context.Context, s chart.Scope) (int64, error) {
	where, args := scopeWhere(s)
	res, err := r.db.ExecContext(ctx, `DELETE FROM chart_entries WHERE `+where, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Repo) ListEntryDates(ctx context.Context, ctype chart.ChartType, period chart.ChartPeriod, region *string) ([]string, error) {
	where := `chart_type = ? AND chart_period = ?`
	args := []any{string(ctype), string(period)}
	if region == nil {
		where += ` AND region IS NULL`
	} else {
		where += ` AND region = ?`
		args = append(args, *region)
	}

	rows, err := r.db.QueryContext(ctx,
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
	parts := []string{"track_id = ?", "artist_id = ?", "chart_date = ?", "chart_type = ?", "chart_period = ?", "platform = ?"}
	args := []any{k.TrackID, k.ArtistID, k.Date, string(k.ChartType), string(k.ChartPeriod), k.Platform}
	if k.Region == nil {
		parts = append(parts, "region IS NULL")
	} else {
		parts = append(parts, "region = ?")
		args = append(args, *k.Region)
	}
	return strings.Join(parts, " AND "), args
}

func scopeWhere(s chart.Scope) (string, []any) {
	parts := []string{"chart_date = ?", "chart_type = ?", "chart_period = ?"}
	args := []any{s.Date, string(s.ChartType), string(s.ChartPeriod)}
	if s.Region == nil {
		parts = append(parts, "region IS NULL")
	} else {
		parts = append(parts, "region = ?")
		args = append(args, *s.Region)
	}
	return strings.Join(parts, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*storage.Entry, error) {
	var e storage.Entry
	var (
		ctype, period, updated             string
		region, rtype, streams, src, runID sql.NullString
		peak, prev, days                   sql.NullInt64
	)
	err := row.Scan(
		&e.ID, &e.TrackID, &e.ArtistID, &e.Date, &ctype, &period, &e.Platform, &region,
		&rtype, &e.Position, &peak, &prev, &days, &streams, &src, &runID, &updated)
	if err != nil {
		return nil, err
	}
	e.ChartType = chart.ChartType(ctype)
	e.ChartPeriod = chart.ChartPeriod(period)
	if region.Valid {
		v := region.String
		e.Region = &v
	}
	e.RegionType = chart.RegionType(rtype.String)
	e.PeakRank = intPtr(peak)
	e.PreviousRank = intPtr(prev)
	e.DaysOnChart = intPtr(days)
	e.Streams = streams.String
	e.Source = src.String
	e.RunID = runID.String
	e.UpdatedAt = parseTime(updated)
	return &e, nil
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func regionValue(region *string) any {
	if region == nil {
		return nil
	}
	return *region
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}
