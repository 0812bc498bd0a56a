package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"chartingest/internal/chart"
	"chartingest/internal/feedclient"
)

// discover-regions scrapes a chart index page for the region codes it links
// to and prints one `code<TAB>kind` line per distinct region. Codes that look
// like countries but are not valid ISO region codes are flagged so operators
// can spot city slugs miscategorized by the length heuristic before feeding
// the list to the ingestion pipeline.

// hrefRegion matches chart page paths like /charts/regional-us-daily or
// /charts/viral-global-weekly and captures the region segment.
var hrefRegion = regexp.MustCompile(`/charts?/(?:regional|viral)-([a-z0-9_]+)-(?:daily|weekly)`)

func main() {
	pageURL := flag.String("url", "", "chart index page URL to scrape")
	pagePath := flag.String("path", "", "read the page from a file instead of fetching")
	selector := flag.String("selector", "a[href]", "CSS selector for the links to inspect")
	flag.Parse()

	if *pageURL == "" && *pagePath == "" {
		fmt.Fprintln(os.Stderr, "either -url or -path must be specified")
		flag.Usage()
		os.Exit(2)
	}

	body, err := loadPage(context.Background(), *pageURL, *pagePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load page: %v\n", err)
		os.Exit(1)
	}

	regions, err := extractRegions(body, *selector)
	if err != nil {
		fmt.Fprintf(os.Stderr, "extract: %v\n", err)
		os.Exit(1)
	}
	if len(regions) == 0 {
		fmt.Fprintln(os.Stderr, "no region links found")
		os.Exit(1)
	}

	for _, code := range regions {
		normalized := chart.NormalizeRegion(code)
		kind := chart.ClassifyRegion(normalized)

		line := fmt.Sprintf("%s\t%s", code, kind)
		if kind == chart.RegionCountry && !chart.KnownCountry(code) {
			line += "\t# not a known ISO country code"
		}
		fmt.Println(line)
	}
}

func loadPage(ctx context.Context, pageURL, pagePath string) ([]byte, error) {
	if pagePath != "" {
		return os.ReadFile(pagePath)
	}
	client := &feedclient.Client{Logger: log.New(os.Stderr, "", log.LstdFlags)}
	return client.Fetch(ctx, pageURL)
}

// extractRegions returns the distinct region codes linked from the page, in
// sorted order.
func extractRegions(body []byte, selector string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	seen := make(map[string]struct{})
	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		m := hrefRegion.FindStringSubmatch(strings.ToLower(href))
		if m == nil {
			return
		}
		seen[m[1]] = struct{}{}
	})

	out := make([]string, 0, len(seen))
	for code := range seen {
		out = append(out, code)
	}
	sort.Strings(out)
	return out, nil
}
