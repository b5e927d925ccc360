package mirror

import (
	"bufio"
	"log/slog"
	"os"
	"strings"

	"github.com/openmined/boxmirror/internal/utils"
	gitignore "github.com/sabhiram/go-gitignore"
)

var defaultIgnoreLines = []string{
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
}

// IgnoreList holds gitignore-style rules matched against remote paths.
// Matching entries are never materialized locally.
type IgnoreList struct {
	path   string
	rules  int
	ignore *gitignore.GitIgnore
}

// NewIgnoreList creates a list backed by the rules file at path. Call Load
// before matching.
func NewIgnoreList(path string) *IgnoreList {
	return &IgnoreList{
		path:   path,
		ignore: gitignore.CompileIgnoreLines(defaultIgnoreLines...),
	}
}

// Load compiles the defaults plus any rules found in the file. A missing
// or unreadable file leaves only the defaults.
func (l *IgnoreList) Load() {
	lines := append([]string(nil), defaultIgnoreLines...)
	l.rules = 0

	if l.path != "" && utils.FileExists(l.path) {
		file, err := os.Open(l.path)
		if err != nil {
			slog.Warn("failed to open ignore file", "path", l.path, "error", err)
		} else {
			defer file.Close()

			scanner := bufio.NewScanner(file)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" || strings.HasPrefix(line, "#") {
					continue
				}
				lines = append(lines, line)
				l.rules++
			}
			if err := scanner.Err(); err != nil {
				slog.Warn("error reading ignore file", "path", l.path, "error", err)
			} else {
				slog.Debug("loaded ignore file", "path", l.path, "rules", l.rules)
			}
		}
	}

	l.ignore = gitignore.CompileIgnoreLines(lines...)
}

// Rules is the number of custom rules loaded from the file.
func (l *IgnoreList) Rules() int {
	return l.rules
}

// ShouldIgnore reports whether remotePath ("/a/b.txt") matches a rule.
func (l *IgnoreList) ShouldIgnore(remotePath string) bool {
	if l == nil || l.ignore == nil {
		return false
	}
	rel := strings.Trim(remotePath, "/")
	if rel == "" {
		return false
	}
	return l.ignore.MatchesPath(rel)
}
