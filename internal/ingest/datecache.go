package ingest

import (
	"context"
	"strings"
	"sync"
	"time"

	"chartingest/internal/chart"
	"chartingest/internal/storage"
)

// DatesCache memoizes ListEntryDates results with a time-based expiry.
//
// It is an explicit object injected into its callers. Date listings feed
// scheduling decisions ("which snapshots are we missing?") and are queried
// far more often than they change, but the cache must never be ambient
// global state. Invalidate after any ingestion that adds or removes dates.
type DatesCache struct {
	Repo storage.Repository
	// TTL defaults to 5 minutes when zero.
	TTL time.Duration

	// Now is a test seam; production uses time.Now.
	Now func() time.Time

	mu      sync.Mutex
	entries map[string]datesEntry
}

type datesEntry struct {
	dates   []string
	expires time.Time
}

func (c *DatesCache) ttl() time.Duration {
	if c.TTL > 0 {
		return c.TTL
	}
	return 5 * time.Minute
}

func (c *DatesCache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func cacheKey(ctype chart.ChartType, period chart.ChartPeriod, region *string) string {
	r := ""
	if region != nil {
		r = *region
	}
	return strings.Join([]string{string(ctype), string(period), r}, "|")
}

// Dates returns the ingested dates for a (chartType, period, region) triple,
// serving from cache while the entry is fresh.
func (c *DatesCache) Dates(ctx context.Context, ctype chart.ChartType, period chart.ChartPeriod, region *string) ([]string, error) {
	key := cacheKey(ctype, period, region)
	now := c.now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && now.Before(e.expires) {
		dates := e.dates
		c.mu.Unlock()
		return dates, nil
	}
	c.mu.Unlock()

	dates, err := c.Repo.ListEntryDates(ctx, ctype, period, region)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.entries == nil {
		c.entries = make(map[string]datesEntry)
	}
	c.entries[key] = datesEntry{dates: dates, expires: now.Add(c.ttl())}
	c.mu.Unlock()

	return dates, nil
}

// Invalidate drops every cached listing. Call after ingestion mutates which
// dates exist.
func (c *DatesCache) Invalidate() {
	c.mu.Lock()
	c.entries = nil
	c.mu.Unlock()
}
