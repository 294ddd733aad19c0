// Package secrets redacts credentials from ingested content before it is
// stored, using the gitleaks rule set and gitleaks-style allowlists.
package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	gitleaksconfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksregexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Scrubber detects and redacts secrets.
type Scrubber interface {
	// Scrub redacts secrets from content read from path. path may be empty.
	Scrub(path, content string) (*Result, error)

	// IsEnabled returns whether scrubbing is enabled.
	IsEnabled() bool
}

// Config configures a Scrubber.
type Config struct {
	Enabled bool

	// Allowlist excludes paths and content patterns. May be nil.
	Allowlist *Allowlist

	// RedactionPrefix starts every marker, "[REDACTED:<rule-id>]" by default.
	RedactionPrefix string
}

// New creates a gitleaks-backed Scrubber, or a no-op one when disabled.
func New(cfg Config) (Scrubber, error) {
	if !cfg.Enabled {
		return NoopScrubber{}, nil
	}
	if err := cfg.Allowlist.validate(); err != nil {
		return nil, err
	}
	if cfg.RedactionPrefix == "" {
		cfg.RedactionPrefix = "REDACTED"
	}
	s := &gitleaksScrubber{prefix: cfg.RedactionPrefix, allowlist: cfg.Allowlist}
	if cfg.Allowlist != nil {
		for _, p := range cfg.Allowlist.Paths {
			s.paths = append(s.paths, regexp.MustCompile(p))
		}
	}
	return s, nil
}

type gitleaksScrubber struct {
	prefix    string
	allowlist *Allowlist
	paths     []*regexp.Regexp
}

func (s *gitleaksScrubber) IsEnabled() bool { return true }

// Scrub replaces each detected secret with a marker naming the rule, so the
// text still embeds as "a credential was here".
func (s *gitleaksScrubber) Scrub(path, content string) (*Result, error) {
	start := time.Now()
	result := &Result{Scrubbed: content, ByRule: map[string]int{}}
	if content == "" || s.pathAllowed(path) {
		result.Duration = time.Since(start)
		return result, nil
	}

	// Detectors accumulate findings internally, so each call gets its own.
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating gitleaks detector: %w", err)
	}
	if !s.allowlist.empty() {
		applyAllowlist(&detector.Config, s.allowlist)
	}

	found := detector.DetectString(content)
	secrets := make(map[string]string, len(found))
	for _, f := range found {
		if f.Secret == "" {
			continue
		}
		result.Findings = append(result.Findings, Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine,
		})
		result.ByRule[f.RuleID]++
		secrets[f.Secret] = f.RuleID
	}

	// longest first so a secret containing another is replaced whole
	ordered := make([]string, 0, len(secrets))
	for secret := range secrets {
		ordered = append(ordered, secret)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if len(ordered[i]) != len(ordered[j]) {
			return len(ordered[i]) > len(ordered[j])
		}
		return ordered[i] < ordered[j]
	})
	scrubbed := content
	for _, secret := range ordered {
		scrubbed = strings.ReplaceAll(scrubbed, secret, fmt.Sprintf("[%s:%s]", s.prefix, secrets[secret]))
	}
	result.Scrubbed = scrubbed
	result.Duration = time.Since(start)
	return result, nil
}

func (s *gitleaksScrubber) pathAllowed(path string) bool {
	if path == "" {
		return false
	}
	for _, re := range s.paths {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// applyAllowlist appends the content patterns as a global gitleaks allowlist.
func applyAllowlist(cfg *gitleaksconfig.Config, allowlist *Allowlist) {
	global := &gitleaksconfig.Allowlist{Description: "memsync allowlist"}
	for _, pattern := range allowlist.Regexes {
		re := regexp.MustCompile(pattern) // validated in New
		global.Regexes = append(global.Regexes, (*gitleaksregexp.Regexp)(re))
	}
	global.StopWords = append(global.StopWords, allowlist.Regexes...)
	cfg.Allowlists = append(cfg.Allowlists, global)
}

// NoopScrubber passes content through unchanged.
type NoopScrubber struct{}

func (NoopScrubber) Scrub(_, content string) (*Result, error) {
	return &Result{Scrubbed: content, ByRule: map[string]int{}}, nil
}

func (NoopScrubber) IsEnabled() bool { return false }
