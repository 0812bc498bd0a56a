package ingest

import (
	"fmt"
	"strings"
)

// Policy is the conflict-resolution strategy applied when a scope has already
// been ingested. The UI-facing "ask" value is not a Policy: it is translated
// at the boundary (see ResolveAskPolicy) and the core rejects it outright.
type Policy string

const (
	// PolicySkip leaves an already-ingested scope untouched.
	PolicySkip Policy = "skip"
	// PolicyUpdate reconciles row by row: existing entries are updated in
	// place, new ones inserted. No bulk action up front.
	PolicyUpdate Policy = "update"
	// PolicyReplace deletes every entry in the scope before new writes.
	PolicyReplace Policy = "replace"

	// askSentinel is the boundary-only value DefaultPolicy reports via its
	// second return; it never enters the core as a Policy.
	askSentinel = "ask"
)

// ParsePolicy parses a policy string at a trust boundary.
func ParsePolicy(s string) (Policy, error) {
	switch v := strings.ToLower(strings.TrimSpace(s)); Policy(v) {
	case PolicySkip, PolicyUpdate, PolicyReplace:
		return Policy(v), nil
	default:
		if v == askSentinel {
			return "", fmt.Errorf("ingest: policy %q is a UI-only value; resolve it before calling the pipeline", s)
		}
		return "", fmt.Errorf("ingest: unknown policy %q (want skip, update or replace)", s)
	}
}

// ResolveAskPolicy maps the boundary-only "ask" value onto a concrete policy
// for unattended runs. Replace is a deliberate choice, not a fallback: a
// scheduled refresh that halts on stale data is worse than one that
// overwrites it.
func ResolveAskPolicy() Policy { return PolicyReplace }

// SourceKind identifies where a payload came from, for per-source policy
// defaults.
type SourceKind string

const (
	SourceFile     SourceKind = "file"     // manually uploaded flat file
	SourceFeed     SourceKind = "feed"     // automated remote feed fetch
	SourcePlaylist SourceKind = "playlist" // automated curated-collection sync
)

// PolicyConfig holds per-source-kind default policies, typically loaded from
// deployment configuration.
type PolicyConfig struct {
	Defaults map[SourceKind]Policy
}

// DefaultPolicy returns the conflict policy for a source kind.
//
// The second return is false when no policy applies and the caller must
// decide (the "ask" sentinel): that is the default for manual file uploads,
// where a human is present to choose. Automated sources without an explicit
// configuration entry fall back to skip, the conservative choice for
// unattended re-runs.
func (c PolicyConfig) DefaultPolicy(kind SourceKind) (Policy, bool) {
	if p, ok := c.Defaults[kind]; ok {
		return p, true
	}
	if kind == SourceFile {
		return "", false
	}
	return PolicySkip, true
}
