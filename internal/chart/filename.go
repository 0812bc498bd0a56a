package chart

import (
	"path"
	"strings"
)

// FileScope is what the upload file name contract encodes: the ingestion
// scope plus the classified region kind.
type FileScope struct {
	Scope      Scope
	RegionType RegionType
}

// ParseFilename parses the flat-file naming contract
//
//	{chartType}-{region}-{period}-{date}.csv
//
// e.g. "regional-us-daily-2024-01-01.csv" or "viral-global-weekly-2024-01-04.csv".
//
// The date itself contains dashes, so the name is split on the first three
// dashes only. Region "global" normalizes to a nil-region scope.
func ParseFilename(name string) (FileScope, error) {
	base := path.Base(strings.ToLower(strings.TrimSpace(name)))
	stem, ok := strings.CutSuffix(base, ".csv")
	if !ok {
		return FileScope{}, NewFormatError("filename", "%q: want a .csv file", name)
	}

	parts := strings.SplitN(stem, "-", 4)
	if len(parts) != 4 {
		return FileScope{}, NewFormatError("filename", "%q: want {chartType}-{region}-{period}-{date}.csv", name)
	}

	ctype, err := ParseChartType(parts[0])
	if err != nil {
		return FileScope{}, NewFormatError("filename", "%q: %v", name, err)
	}
	period, err := ParseChartPeriod(parts[2])
	if err != nil {
		return FileScope{}, NewFormatError("filename", "%q: %v", name, err)
	}
	date, err := ParseDate(parts[3])
	if err != nil {
		return FileScope{}, NewFormatError("filename", "%q: %v", name, err)
	}

	region := NormalizeRegion(parts[1])
	return FileScope{
		Scope: Scope{
			Date:        date,
			ChartType:   ctype,
			ChartPeriod: period,
			Region:      region,
		},
		RegionType: ClassifyRegion(region),
	}, nil
}
