package toolchain

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// MatchForbidden returns the files matching any of the patterns, in
// input order. Patterns are doublestar globs; a pattern ending in "/"
// (or naming a directory) also matches everything under it.
func MatchForbidden(files, patterns []string) []string {
	var violations []string
	for _, file := range files {
		for _, pattern := range patterns {
			if matchPath(pattern, file) {
				violations = append(violations, file)
				break
			}
		}
	}
	return violations
}

func matchPath(pattern, file string) bool {
	// Directory prefix form: ".github/" covers the whole subtree.
	trimmed := strings.TrimSuffix(pattern, "/")
	if trimmed != "" && (file == trimmed || strings.HasPrefix(file, trimmed+"/")) {
		return true
	}
	if ok, err := doublestar.Match(pattern, file); err == nil && ok {
		return true
	}
	// Bare-name patterns like "*.pem" apply at any depth.
	if !strings.Contains(pattern, "/") {
		if ok, err := doublestar.Match(pattern, filepath.Base(file)); err == nil && ok {
			return true
		}
	}
	return false
}

// ClassifyRisk derives a proof's risk from its change set:
// critical on any forbidden-path violation, high when a sensitive path
// was touched, otherwise scaled by diff size.
func ClassifyRisk(violations, filesModified, sensitivePatterns []string, totalLines int) string {
	if len(violations) > 0 {
		return "critical"
	}
	if len(MatchForbidden(filesModified, sensitivePatterns)) > 0 {
		return "high"
	}
	switch {
	case totalLines > 500:
		return "high"
	case totalLines > 100:
		return "medium"
	default:
		return "low"
	}
}
