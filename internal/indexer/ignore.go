package indexer

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// defaultSkipDirs are never descended into.
var defaultSkipDirs = map[string]bool{
	".git":         true,
	".svn":         true,
	".hg":          true,
	"node_modules": true,
	"vendor":       true,
	".venv":        true,
	"venv":         true,
	"__pycache__":  true,
	".idea":        true,
	".vscode":      true,
	".cache":       true,
	"dist":         true,
	"build":        true,
	".next":        true,
	"target":       true,
}

// ParseIgnoreFiles reads the named gitignore-style files from root and
// returns their patterns in Glob syntax. Missing files are skipped.
// Negations are not supported and dropped.
func ParseIgnoreFiles(root string, names []string) ([]string, error) {
	var patterns []string
	seen := make(map[string]bool)
	for _, name := range names {
		lines, err := readIgnoreFile(filepath.Join(root, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, line := range lines {
			p := parseIgnoreLine(line)
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			patterns = append(patterns, p)
		}
	}
	return patterns, nil
}

func readIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}

// parseIgnoreLine returns the Glob for one line, or "" for blanks,
// comments and negations.
func parseIgnoreLine(line string) string {
	line = strings.TrimRight(line, " \t")
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
		return ""
	}
	// "/x" is anchored at the root, which is how Globs with a slash
	// already behave; a trailing slash selects directories, which Match
	// covers through parent matching.
	line = strings.TrimSuffix(line, "/")
	if strings.HasPrefix(line, "/") && !strings.Contains(line[1:], "/") {
		return strings.TrimPrefix(line, "/") + "/**"
	}
	return strings.TrimPrefix(line, "/")
}
