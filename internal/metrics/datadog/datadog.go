// Package datadog implements a Datadog backend for the internal/metrics
// package.
//
// Counters are buffered in-memory under a mutex, submitted on a periodic
// ticker, and submitted one final time on Close(). Ingestion goroutines never
// block on the network: Flush snapshots and resets the buffers under the
// lock, then submits out-of-lock. Buffers are reset even when submission
// fails, so a Datadog outage costs data points, not pipeline throughput.
package datadog

import (
	"context"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"chartingest/internal/metrics"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric. Defaults to "chartingest".
	JobName string

	// Tags are extra Datadog tags (e.g. []string{"service:chartingest"}).
	Tags []string

	// FlushEvery controls the submission interval. If <= 0, defaults to 60s.
	FlushEvery time.Duration

	// Unexported test seams: deterministic clock, ticker, and submitter.
	// Production code never sets these.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the minimal slice of the Datadog SDK the backend needs,
// kept private so tests can stub submission without real HTTP.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api      metricsSubmitter
	ctx      context.Context
	baseTags []string

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu       sync.Mutex
	counters map[string]*series
}

// series is one buffered counter: metric name, its tags, accumulated value.
type series struct {
	metric string
	tags   []string
	value  float64
}

// NewBackend constructs a Datadog backend using the official client and
// starts its periodic flush goroutine.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "chartingest"
	}

	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}

	submitter := opts.submitter
	if submitter == nil {
		client := dd.NewAPIClient(dd.NewConfiguration())
		submitter = datadogV2.NewMetricsApi(client)
	}

	b := &Backend{
		api:      submitter,
		ctx:      dd.NewDefaultContext(parent),
		baseTags: baseTags,

		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),

		now:       nowFn,
		newTicker: newTicker,

		counters: make(map[string]*series),
	}

	go b.loop()
	return b, nil
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the background flush loop and performs one final Flush().
// Call once at process shutdown.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}

	tags := labelTags(b.baseTags, labels)
	key := name + "|" + strings.Join(tags, ",")

	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.counters[key]
	if s == nil {
		s = &series{metric: name, tags: tags}
		b.counters[key] = s
	}
	s.value += delta
}

// labelTags merges base tags with label-derived tags in a stable order so
// identical label sets always buffer into the same series.
func labelTags(base []string, labels metrics.Labels) []string {
	tags := make([]string, 0, len(base)+len(labels))
	tags = append(tags, base...)

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tags = append(tags, k+":"+labels[k])
	}
	return tags
}

// snapshotAndReset detaches the buffered counters and resets the buffer for
// the next collection window.
func (b *Backend) snapshotAndReset() map[string]*series {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := b.counters
	b.counters = make(map[string]*series)
	return snap
}

// Flush submits buffered counters to Datadog and resets local buffers.
// Returns nil when there is nothing to submit.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if len(snap) == 0 {
		return nil
	}

	nowUnix := b.now().Unix()

	out := make([]datadogV2.MetricSeries, 0, len(snap))
	for _, s := range snap {
		if s.value == 0 {
			continue
		}
		out = append(out, datadogV2.MetricSeries{
			Metric: s.metric,
			Type:   datadogV2.METRICINTAKETYPE_COUNT.Ptr(),
			Points: []datadogV2.MetricPoint{
				{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(s.value)},
			},
			Tags: s.tags,
		})
	}
	if len(out) == 0 {
		return nil
	}

	_, _, err := b.api.SubmitMetrics(b.ctx, datadogV2.MetricPayload{Series: out}, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// ParseTagsCSV splits a comma-separated tag list ("k:v,k2:v2") from the
// environment into a clean slice.
func ParseTagsCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
