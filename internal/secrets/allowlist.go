package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
)

var (
	// ErrInvalidRegex indicates an allowlist pattern failed to compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")

	// ErrInvalidTOML indicates an allowlist file could not be parsed.
	ErrInvalidTOML = errors.New("invalid TOML format")
)

// ProjectAllowlistFile is read from the root of every indexed tree.
const ProjectAllowlistFile = ".gitleaks.toml"

// Allowlist excludes paths and content from secret detection.
type Allowlist struct {
	Paths   []string // file path regexes
	Regexes []string // content regexes
}

// Merge returns the union of a and other. Either may be nil.
func (a *Allowlist) Merge(other *Allowlist) *Allowlist {
	out := &Allowlist{}
	for _, l := range []*Allowlist{a, other} {
		if l == nil {
			continue
		}
		out.Paths = append(out.Paths, l.Paths...)
		out.Regexes = append(out.Regexes, l.Regexes...)
	}
	return out
}

func (a *Allowlist) empty() bool {
	return a == nil || (len(a.Paths) == 0 && len(a.Regexes) == 0)
}

// LoadAllowlists merges the project allowlist (.gitleaks.toml in
// projectDir) with the user allowlist at userPath. Missing files are
// skipped; an empty argument skips that source.
func LoadAllowlists(projectDir, userPath string) (*Allowlist, error) {
	merged := &Allowlist{}
	var paths []string
	if projectDir != "" {
		paths = append(paths, filepath.Join(projectDir, ProjectAllowlistFile))
	}
	if userPath != "" {
		paths = append(paths, userPath)
	}
	for _, p := range paths {
		l, err := loadTOML(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		merged = merged.Merge(l)
	}
	return merged, nil
}

// loadTOML reads the [allowlist] table of a gitleaks-style config file.
func loadTOML(path string) (*Allowlist, error) {
	var doc struct {
		Allowlist struct {
			Paths   []string `toml:"paths"`
			Regexes []string `toml:"regexes"`
		} `toml:"allowlist"`
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}
	l := &Allowlist{Paths: doc.Allowlist.Paths, Regexes: doc.Allowlist.Regexes}
	if err := l.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return l, nil
}

func (a *Allowlist) validate() error {
	if a == nil {
		return nil
	}
	for _, p := range append(append([]string(nil), a.Paths...), a.Regexes...) {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, p, err)
		}
	}
	return nil
}
