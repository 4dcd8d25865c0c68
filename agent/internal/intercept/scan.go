package intercept

import (
	"net/url"
	"strings"

	"github.com/drawrelay/drawrelay/agent/internal/collect"
)

// Pattern selects generated images among rendered <img> sources.
type Pattern struct {
	Segment string // the URL path must contain this
	Suffix  string // the URL path must end with this
}

// DefaultPattern matches the surface's generated-image storage.
var DefaultPattern = Pattern{Segment: "rc_gen_image/", Suffix: ".png"}

// MatchImageURL reports whether raw is a generated image URL under p.
func MatchImageURL(raw string, p Pattern) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Path == "" {
		return false
	}
	return strings.Contains(u.Path, p.Segment) && strings.HasSuffix(u.Path, p.Suffix)
}

// Scanner filters image sources reported by the page and offers the
// matching ones as scanned artifacts.
type Scanner struct {
	pattern Pattern
	sink    Sink
}

// NewScanner creates a Scanner. Empty pattern fields take their defaults.
func NewScanner(p Pattern, sink Sink) *Scanner {
	if p.Segment == "" {
		p.Segment = DefaultPattern.Segment
	}
	if p.Suffix == "" {
		p.Suffix = DefaultPattern.Suffix
	}
	return &Scanner{pattern: p, sink: sink}
}

// Pattern returns the effective pattern.
func (s *Scanner) Pattern() Pattern {
	return s.pattern
}

// Scan offers every matching source and returns how many were new.
func (s *Scanner) Scan(srcs []string) int {
	n := 0
	for _, src := range srcs {
		if !MatchImageURL(src, s.pattern) {
			continue
		}
		if s.sink.Offer(collect.Artifact{URL: src, Source: collect.SourceScanned}) {
			n++
		}
	}
	return n
}
