package indexer

import (
	"fmt"
	"path"
	"strings"
)

// Glob matches slash-separated relative paths. A "**" segment matches any
// number of segments. A pattern without a slash matches any single
// segment, so "*.log" matches "a/b/x.log" and "node_modules" matches the
// directory wherever it appears.
type Glob struct {
	raw      string
	segments []string
	anywhere bool
}

// CompileGlob validates pattern.
func CompileGlob(pattern string) (Glob, error) {
	p := strings.Trim(path.Clean("/"+strings.TrimSpace(pattern)), "/")
	if p == "" {
		return Glob{}, fmt.Errorf("invalid pattern %q: empty", pattern)
	}
	g := Glob{raw: pattern, segments: strings.Split(p, "/")}
	g.anywhere = len(g.segments) == 1 && g.segments[0] != "**"
	for _, seg := range g.segments {
		if seg == "**" {
			continue
		}
		if _, err := path.Match(seg, "x"); err != nil {
			return Glob{}, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
	}
	return g, nil
}

func (g Glob) String() string { return g.raw }

// Match reports whether rel, or one of its parent directories, matches.
func (g Glob) Match(rel string) bool {
	segs := strings.Split(strings.Trim(rel, "/"), "/")
	if g.anywhere {
		for _, s := range segs {
			if ok, _ := path.Match(g.segments[0], s); ok {
				return true
			}
		}
		return false
	}
	for i := len(segs); i > 0; i-- {
		if matchSegments(g.segments, segs[:i]) {
			return true
		}
	}
	return false
}

// MatchFile is like Match but only considers the full path, for include
// patterns that should not select whole directories.
func (g Glob) MatchFile(rel string) bool {
	segs := strings.Split(strings.Trim(rel, "/"), "/")
	if g.anywhere {
		ok, _ := path.Match(g.segments[0], segs[len(segs)-1])
		return ok
	}
	return matchSegments(g.segments, segs)
}

func matchSegments(pat, segs []string) bool {
	if len(pat) == 0 {
		return len(segs) == 0
	}
	if pat[0] == "**" {
		for i := 0; i <= len(segs); i++ {
			if matchSegments(pat[1:], segs[i:]) {
				return true
			}
		}
		return false
	}
	if len(segs) == 0 {
		return false
	}
	if ok, _ := path.Match(pat[0], segs[0]); !ok {
		return false
	}
	return matchSegments(pat[1:], segs[1:])
}

// GlobSet matches if any member matches.
type GlobSet []Glob

// CompileGlobs compiles every pattern.
func CompileGlobs(patterns []string) (GlobSet, error) {
	set := make(GlobSet, 0, len(patterns))
	for _, p := range patterns {
		g, err := CompileGlob(p)
		if err != nil {
			return nil, err
		}
		set = append(set, g)
	}
	return set, nil
}

// Match reports whether rel or a parent directory matches any member.
func (s GlobSet) Match(rel string) bool {
	for _, g := range s {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

// MatchFile reports whether rel itself matches any member.
func (s GlobSet) MatchFile(rel string) bool {
	for _, g := range s {
		if g.MatchFile(rel) {
			return true
		}
	}
	return false
}
