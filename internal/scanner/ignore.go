package scanner

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/openmined/scmmirror/internal/utils"
	gitignore "github.com/sabhiram/go-gitignore"
)

const (
	// MetadataDir holds the checkpoint, lock, staging area and audit database of a workspace.
	MetadataDir = ".scmmirror"
	// IgnoreFile holds extra gitignore-style patterns at the workspace root.
	IgnoreFile = ".scmmirrorignore"
)

var defaultIgnoreLines = []string{
	MetadataDir + "/",
	IgnoreFile,
}

// IgnoreList decides which local paths are invisible to reconciliation.
// Ignored files are never reported, so they are never deleted.
type IgnoreList struct {
	root   string
	extra  []string
	ignore *gitignore.GitIgnore
}

func NewIgnoreList(root string, patterns ...string) *IgnoreList {
	return &IgnoreList{root: root, extra: patterns}
}

// Load compiles the built-in patterns, the configured patterns and the workspace ignore file.
// Scan calls it on every walk so edits to the ignore file apply to the next pass.
func (l *IgnoreList) Load() {
	lines := append([]string{}, defaultIgnoreLines...)
	lines = append(lines, l.extra...)

	ignorePath := filepath.Join(l.root, IgnoreFile)
	if utils.FileExists(ignorePath) {
		lines = append(lines, readIgnoreFile(ignorePath)...)
	}

	l.ignore = gitignore.CompileIgnoreLines(lines...)
}

func (l *IgnoreList) ShouldIgnore(relPath string) bool {
	if l.ignore == nil {
		l.Load()
	}
	return l.ignore.MatchesPath(relPath)
}

func readIgnoreFile(path string) []string {
	file, err := os.Open(path)
	if err != nil {
		slog.Warn("ignore file open", "path", path, "error", err)
		return nil
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("ignore file read", "path", path, "error", err)
	} else {
		slog.Debug("ignore file loaded", "path", path, "rules", len(lines))
	}
	return lines
}
