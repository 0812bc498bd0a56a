// Package mssql implements storage.Repository on go-mssqldb.
//
// SQL Server treats NULLs as equal inside unique indexes (at most one NULL
// per key prefix), so the entry identity index can include the nullable
// region column directly: the global region participates in uniqueness
// without any COALESCE tricks.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	mssql "github.com/microsoft/go-mssqldb"

	"chartingest/internal/chart"
	"chartingest/internal/storage"
)

type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("mssql", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
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
	`IF OBJECT_ID(N'artists', N'U') IS NULL
CREATE TABLE artists (
  id NVARCHAR(64) NOT NULL PRIMARY KEY,
  name NVARCHAR(400) NOT NULL,
  platform NVARCHAR(64) NOT NULL,
  created_at DATETIMEOFFSET NOT NULL,
  CONSTRAINT ux_artists_identity UNIQUE (name, platform)
);`,
	`IF OBJECT_ID(N'tracks', N'U') IS NULL
CREATE TABLE tracks (
  id NVARCHAR(64) NOT NULL PRIMARY KEY,
  artist_id NVARCHAR(64) NOT NULL REFERENCES artists(id),
  name NVARCHAR(400) NOT NULL,
  platform NVARCHAR(64) NOT NULL,
  external_ref NVARCHAR(400) NULL,
  created_at DATETIMEOFFSET NOT NULL,
  CONSTRAINT ux_tracks_identity UNIQUE (artist_id, name, platform)
);`,
	`IF OBJECT_ID(N'chart_entries', N'U') IS NULL
CREATE TABLE chart_entries (
  id NVARCHAR(64) NOT NULL PRIMARY KEY,
  track_id NVARCHAR(64) NOT NULL REFERENCES tracks(id),
  artist_id NVARCHAR(64) NOT NULL REFERENCES artists(id),
  chart_date NVARCHAR(10) NOT NULL,
  chart_type NVARCHAR(16) NOT NULL,
  chart_period NVARCHAR(16) NOT NULL,
  platform NVARCHAR(64) NOT NULL,
  region NVARCHAR(64) NULL,
  region_type NVARCHAR(16) NULL,
  position INT NOT NULL,
  peak_rank INT NULL,
  previous_rank INT NULL,
  days_on_chart INT NULL,
  streams NVARCHAR(32) NULL,
  source NVARCHAR(400) NULL,
  run_id NVARCHAR(64) NULL,
  updated_at DATETIMEOFFSET NOT NULL
);`,
	`IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = 'ux_chart_entries_identity' AND object_id = OBJECT_ID(N'chart_entries'))
CREATE UNIQUE INDEX ux_chart_entries_identity
  ON chart_entries (track_id, artist_id, chart_date, chart_type, chart_period, platform, region);`,
	`IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = 'ix_chart_entries_scope' AND object_id = OBJECT_ID(N'chart_entries'))
CREATE INDEX ix_chart_entries_scope
  ON chart_entries (chart_date, chart_type, chart_period, region);`,
}

func (r *Repo) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("mssql: ensure schema: %w", err)
		}
	}
	return nil
}

// mapErr converts SQL Server duplicate-key errors (2601 duplicate index row,
// 2627 unique constraint violation) onto the shared sentinel.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var me mssql.Error
	if errors.As(err, &me) {
		switch me.Number {
		case 2601, 2627:
			return fmt.Errorf("%w: %v", storage.ErrDuplicateKey, err)
		}
	}
	return err
}

func (r *Repo) GetArtistByName(ctx context.Context, name, platform string) (*storage.Artist, error) {
	var a storage.Artist
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, platform, created_at FROM artists WHERE name = @p1 AND platform = @p2`,
		name, platform).Scan(&a.ID, &a.Name, &a.Platform, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (r *Repo) CreateArtist(ctx context.Context, a *storage.Artist) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO artists (id, name, platform, created_at) VALUES (@p1, @p2, @p3, @p4)`,
		a.ID, a.Name, a.Platform, ensureTime(a.CreatedAt))
	return mapErr(err)
}

func (r *Repo) GetTrackByKey(ctx context.Context, artistID, name, platform string) (*storage.Track, error) {
	var t storage.Track
	var ref sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT id, artist_id, name, platform, external_ref, created_at
		 FROM tracks WHERE artist_id = @p1 AND name = @p2 AND platform = @p3`,
		artistID, name, platform).Scan(&t.ID, &t.ArtistID, &t.Name, &t.Platform, &ref, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t.ExternalRef = ref.String
	return &t, nil
}

func (r *Repo) CreateTrack(ctx context.Context, t *storage.Track) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tracks (id, artist_id, name, platform, external_ref, created_at)
		 VALUES (@p1, @p2, @p3, @p4, @p5, @p6)`,
		t.ID, t.ArtistID, t.Name, t.Platform, nullString(t.ExternalRef), ensureTime(t.CreatedAt))
	return mapErr(err)
}

func (r *Repo) SetTrackExternalRef(ctx context.Context, trackID, externalRef string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE tracks SET external_ref = @p1 WHERE id = @p2`, externalRef, trackID)
	return err
}

const entryColumns = `id, track_id, artist_id, chart_date, chart_type, chart_period, platform, region,
region_type, position, peak_rank, previous_rank, days_on_chart, streams, source, run_id, updated_at`

func (r *Repo) GetEntryByKey(ctx context.Context, k storage.EntryKey) (*storage.Entry, error) {
	where, args := entryKeyWhere(k)
	row := r.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM chart_entries WHERE `+where, args...)

	var e storage.Entry
	var (
		ctype, period                      string
		region, rtype, streams, src, runID sql.NullString
		peak, prev, days                   sql.NullInt64
	)
	err := row.Scan(
		&e.ID, &e.TrackID, &e.ArtistID, &e.Date, &ctype, &period, &e.Platform, &region,
		&rtype, &e.Position, &peak, &prev, &days, &streams, &src, &runID, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
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
	return &e, nil
}

func (r *Repo) InsertEntry(ctx context.Context, e *storage.Entry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO chart_entries (`+entryColumns+`)
		 VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8, @p9, @p10, @p11, @p12, @p13, @p14, @p15, @p16, @p17)`,
		e.ID, e.TrackID, e.ArtistID, e.Date, string(e.ChartType), string(e.ChartPeriod), e.Platform,
		regionValue(e.Region), string(e.RegionType), e.Position,
		nullInt(e.PeakRank), nullInt(e.PreviousRank), nullInt(e.DaysOnChart),
		nullString(e.Streams), nullString(e.Source), nullString(e.RunID), ensureTime(e.UpdatedAt))
	return mapErr(err)
}

func (r *Repo) UpdateEntry(ctx context.Context, e *storage.Entry) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE chart_entries SET
		   position = @p1, peak_rank = @p2, previous_rank = @p3, days_on_chart = @p4,
		   streams = @p5, source = @p6, region = @p7, region_type = @p8, run_id = @p9, updated_at = @p10
		 WHERE id = @p11`,
		e.Position, nullInt(e.PeakRank), nullInt(e.PreviousRank), nullInt(e.DaysOnChart),
		nullString(e.Streams), nullString(e.Source), regionValue(e.Region), string(e.RegionType),
		nullString(e.RunID), ensureTime(e.UpdatedAt), e.ID)
	return err
}

func (r *Repo) CountEntries(ctx context.Context, s chart.Scope) (int64, error) {
	where, args := scopeWhere(s)
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chart_entries WHERE `+where, args...).Scan(&n)
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
	where := `chart_type = @p1 AND chart_period = @p2`
	args := []any{string(ctype), string(period)}
	if region == nil {
		where += ` AND region IS NULL`
	} else {
		where += ` AND region = @p3`
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
	parts := []string{"track_id = @p1", "artist_id = @p2", "chart_date = @p3", "chart_type = @p4", "chart_period = @p5", "platform = @p6"}
	args := []any{k.TrackID, k.ArtistID, k.Date, string(k.ChartType), string(k.ChartPeriod), k.Platform}
	if k.Region == nil {
		parts = append(parts, "region IS NULL")
	} else {
		parts = append(parts, "region = @p7")
		args = append(args, *k.Region)
	}
	return strings.Join(parts, " AND "), args
}

func scopeWhere(s chart.Scope) (string, []any) {
	parts := []string{"chart_date = @p1", "chart_type = @p2", "chart_period = @p3"}
	args := []any{s.Date, string(s.ChartType), string(s.ChartPeriod)}
	if s.Region == nil {
		parts = append(parts, "region IS NULL")
	} else {
		parts = append(parts, "region = @p4")
		args = append(args, *s.Region)
	}
	return strings.Join(parts, " AND "), args
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

func ensureTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
