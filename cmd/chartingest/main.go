package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"chartingest/internal/chart"
	"chartingest/internal/feedclient"
	"chartingest/internal/ingest"
	"chartingest/internal/metrics"
	"chartingest/internal/metrics/datadog"
	"chartingest/internal/parser/chartcsv"
	"chartingest/internal/parser/feed"
	"chartingest/internal/parser/playlist"
	"chartingest/internal/storage"

	// register all backends with the storage factory.
	// config specifies which to use but we need to build in support for all of them.
	_ "chartingest/internal/storage/all"
)

// main is the entry point for the ingestion binary. It loads a payload from
// one of the three sources, applies the duplicate policy for the target
// scope, runs the pipeline, and prints the aggregated result as JSON.
func main() {
	var (
		source    string
		path      string
		feedURL   string
		chartType string
		period    string
		date      string
		region    string
		policyFlg string
		storeKind string
		dsn       string
		platform  string
		runID     string

		metricsBackendFlg string
	)

	flag.StringVar(&source, "source", "file", "payload source: file, feed or playlist")
	flag.StringVar(&path, "path", "", "payload file path (file and playlist sources)")
	flag.StringVar(&feedURL, "url", "", "feed base URL (feed source)")
	flag.StringVar(&chartType, "chart-type", "", "chart type: regional or viral")
	flag.StringVar(&period, "period", "", "chart period: daily or weekly")
	flag.StringVar(&date, "date", "", "chart date (YYYY-MM-DD)")
	flag.StringVar(&region, "region", "", "region code; empty or 'global' means worldwide")
	flag.StringVar(&policyFlg, "policy", "", "duplicate policy: skip, update, replace or ask (default: per-source)")
	flag.StringVar(&storeKind, "storage", "sqlite", "storage backend kind (postgres, sqlite, mssql)")
	flag.StringVar(&dsn, "dsn", "charts.db", "storage DSN")
	flag.StringVar(&platform, "platform", "spotify", "platform tag stored on every record")
	flag.StringVar(&runID, "run-id", "", "optional id linking entries to this run")
	flag.StringVar(&metricsBackendFlg, "metrics-backend", "none", "metrics backend to use (datadog, none)")
	verbose := flag.Bool("v", false, "enable verbose logs")

	flag.Parse()

	sourceKind := ingest.SourceKind(source)
	switch sourceKind {
	case ingest.SourceFile, ingest.SourceFeed, ingest.SourcePlaylist:
	default:
		fatalf("unknown -source %q (want file, feed or playlist)", source)
	}

	// For file sources the upload naming contract can supply the whole scope.
	if sourceKind == ingest.SourceFile && chartType == "" && period == "" && date == "" {
		fs, err := chart.ParseFilename(path)
		if err != nil {
			fatalf("%v", err)
		}
		chartType = string(fs.Scope.ChartType)
		period = string(fs.Scope.ChartPeriod)
		date = fs.Scope.Date
		if fs.Scope.Region != nil {
			region = *fs.Scope.Region
		}
	}

	ctype, err := chart.ParseChartType(chartType)
	if err != nil {
		fatalf("%v", err)
	}
	cperiod, err := chart.ParseChartPeriod(period)
	if err != nil {
		fatalf("%v", err)
	}
	cdate, err := chart.ParseDate(date)
	if err != nil {
		fatalf("%v", err)
	}

	setupMetrics(metricsBackendFlg, *verbose)

	ctx := context.Background()

	repo, err := storage.New(ctx, storage.Config{Kind: storeKind, DSN: os.ExpandEnv(dsn)})
	if err != nil {
		fatalf("storage: %v", err)
	}
	defer repo.Close()

	if err := repo.EnsureSchema(ctx); err != nil {
		fatalf("storage: %v", err)
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	onSkip := func(line int, reason string) {
		metrics.IncCounter("chartingest.rows.total", 1, metrics.Labels{"status": "skipped"})
		logger.Printf("stage=parse line=%d status=skipped reason=%q", line, reason)
	}

	rows, err := loadRows(ctx, sourceKind, path, feedURL, ctype, logger, onSkip)
	if err != nil {
		fatalf("%v", err)
	}
	metrics.IncCounter("chartingest.rows.total", float64(len(rows)), metrics.Labels{"status": "parsed"})

	pipeline := &ingest.Pipeline{
		Repo:     repo,
		Logger:   logger,
		Platform: platform,
	}

	policy := resolvePolicy(policyFlg, sourceKind, logger)

	handled, err := pipeline.HandleDuplicates(ctx, cdate, ctype, cperiod, region, policy)
	if err != nil {
		fatalf("handle duplicates: %v", err)
	}
	if handled.Skipped {
		logger.Printf("stage=ingest scope=%s/%s/%s policy=skip action=skipped", ctype, cperiod, cdate)
		printJSON(map[string]any{"skipped": true, "deleted": handled.Deleted})
		return
	}

	start := time.Now()
	res := pipeline.ProcessChartData(ctx, ingest.Parsed{
		Rows:        rows,
		ChartType:   ctype,
		ChartPeriod: cperiod,
		Date:        cdate,
	}, ingest.Options{
		Region: region,
		RunID:  runID,
	})

	if *verbose {
		logger.Printf("completed in %s", time.Since(start).Truncate(time.Millisecond))
	}

	printJSON(res)
	if !res.Success {
		os.Exit(1)
	}
}

// loadRows turns the selected source into canonical rows.
func loadRows(
	ctx context.Context,
	kind ingest.SourceKind,
	path, feedURL string,
	ctype chart.ChartType,
	logger *log.Logger,
	onSkip func(line int, reason string),
) ([]chart.CanonicalRow, error) {
	switch kind {
	case ingest.SourceFile:
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return chartcsv.Parse(f, ctype, onSkip)

	case ingest.SourceFeed:
		if feedURL == "" {
			return nil, fmt.Errorf("feed source requires -url")
		}
		client := &feedclient.Client{Logger: logger}
		var rows []chart.CanonicalRow
		err := client.FetchPages(ctx, feedURL, 0, func(page []byte) (int, error) {
			pageRows, total, err := feed.Parse(page, onSkip)
			if err != nil {
				return 0, err
			}
			rows = append(rows, pageRows...)
			// The raw entry count drives pagination: a full page with a
			// skipped entry must not read as the final short page.
			return total, nil
		})
		if err != nil {
			return nil, err
		}
		return rows, nil

	case ingest.SourcePlaylist:
		payload, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return playlist.Parse(payload, onSkip)
	}
	return nil, fmt.Errorf("unknown source kind %q", kind)
}

// resolvePolicy picks the duplicate policy: explicit flag first, then the
// per-source default. The "ask" value (explicit or defaulted) is resolved to
// its unattended mapping here, at the boundary; the pipeline never sees it.
func resolvePolicy(flg string, kind ingest.SourceKind, logger *log.Logger) ingest.Policy {
	if flg != "" && flg != "ask" {
		p, err := ingest.ParsePolicy(flg)
		if err != nil {
			fatalf("%v", err)
		}
		return p
	}

	if flg == "" {
		if p, decided := (ingest.PolicyConfig{}).DefaultPolicy(kind); decided {
			return p
		}
	}

	p := ingest.ResolveAskPolicy()
	logger.Printf("stage=policy source=%s action=ask_resolved policy=%s", kind, p)
	return p
}

func setupMetrics(backendName string, verbose bool) {
	switch backendName {
	case "datadog":
		b, err := datadog.NewBackend(context.Background(), datadog.Options{
			JobName: "chartingest",
			Tags:    datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS")),
		})
		if err != nil {
			log.Printf("metrics: failed to init datadog backend: %v; using nop", err)
			return
		}
		metrics.SetBackend(b)

	case "", "none":
		if verbose {
			log.Printf("metrics: disabled (backend=%q)", backendName)
		}

	default:
		log.Printf("metrics: unknown backend %q; metrics disabled", backendName)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
