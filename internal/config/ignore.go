package config

import (
	"os"

	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/internal/rcherr"
)

// IgnoreSet answers whether a project-relative path should be excluded from
// the sync-up payload, per .rchignore rules layered on top of the transfer
// config's default exclude_patterns.
type IgnoreSet struct {
	matcher *gitignore.GitIgnore
}

// LoadIgnore compiles defaultPatterns plus the project's .rchignore file (if
// present) at path into a single IgnoreSet. A missing .rchignore is not an
// error; the defaults still apply.
func LoadIgnore(path string, defaultPatterns []string) (*IgnoreSet, error) {
	lines := make([]string, len(defaultPatterns))
	copy(lines, defaultPatterns)

	if data, err := os.ReadFile(path); err == nil {
		lines = append(lines, splitIgnoreLines(string(data))...)
	} else if !os.IsNotExist(err) {
		return nil, rcherr.Wrap(rcherr.CodeConfigUnparseable, "failed to read .rchignore", err).
			WithContext("path", path)
	}

	matcher := gitignore.CompileIgnoreLines(lines...)
	return &IgnoreSet{matcher: matcher}, nil
}

// Excludes reports whether relPath matches an ignore rule.
func (s *IgnoreSet) Excludes(relPath string) bool {
	if s == nil || s.matcher == nil {
		return false
	}
	return s.matcher.MatchesPath(relPath)
}

func splitIgnoreLines(s string) []string {
	var out []string
	cur := ""
	for _, r := range s {
		if r == '\n' {
			out = append(out, cur)
			cur = ""
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}
