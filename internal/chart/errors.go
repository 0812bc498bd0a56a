package chart

import "fmt"

// FormatError means a payload's structural shape does not match what the
// adapter expects for the requested chart type and period: missing required
// headers, a missing envelope, or a malformed upload file name.
//
// A FormatError fails the whole adapter call; nothing partial is returned.
// Row-level problems are never FormatErrors; adapters skip those rows.
type FormatError struct {
	Source string // which adapter or contract rejected the payload
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: %s", e.Source, e.Reason)
}

// NewFormatError builds a FormatError with a printf-style reason.
func NewFormatError(source, format string, a ...any) *FormatError {
	return &FormatError{Source: source, Reason: fmt.Sprintf(format, a...)}
}
