// Package scanner walks a workspace and reports the regular files it contains.
package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openmined/scmmirror/internal/utils"
)

const defaultHashCacheSize = 16384

// LocalFileEntry is one regular file found in the workspace.
type LocalFileEntry struct {
	Path    string // relative to the root, slash separated
	AbsPath string
	ModTime time.Time
	Size    int64
}

type hashKey struct {
	path    string
	size    int64
	modTime int64
}

// Scanner lists the workspace and hashes files on demand.
// Hashes are memoized by path, size and mtime, so a Scanner reused across passes
// only rehashes files that changed.
type Scanner struct {
	root     string
	ignore   *IgnoreList
	excluded map[string]struct{}
	hashes   *lru.Cache[hashKey, string]
}

func New(root string, ignorePatterns ...string) *Scanner {
	cache, _ := lru.New[hashKey, string](defaultHashCacheSize)
	ignore := NewIgnoreList(root, ignorePatterns...)
	ignore.Load()
	return &Scanner{
		root:     root,
		ignore:   ignore,
		excluded: make(map[string]struct{}),
		hashes:   cache,
	}
}

// Exclude hides exact files from every scan. Absolute paths outside the root are dropped,
// which lets callers pass configured output paths without checking where they live.
func (s *Scanner) Exclude(paths ...string) {
	for _, path := range paths {
		if path == "" {
			continue
		}
		rel := utils.NormPath(path)
		if filepath.IsAbs(path) {
			var err error
			if rel, err = utils.RelPath(s.root, path); err != nil || rel == "." {
				continue
			}
		}
		s.excluded[rel] = struct{}{}
	}
}

func (s *Scanner) Root() string {
	return s.root
}

// Scan returns every regular, non-ignored file under the root sorted by path.
// A missing root is an empty workspace.
func (s *Scanner) Scan(ctx context.Context) ([]*LocalFileEntry, error) {
	if !utils.DirExists(s.root) {
		return nil, nil
	}
	s.ignore.Load()

	var entries []*LocalFileEntry
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == s.root {
				return walkErr
			}
			slog.Warn("scan", "path", path, "error", walkErr)
			return nil
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if path == s.root {
			return nil
		}

		relPath, err := utils.RelPath(s.root, path)
		if err != nil {
			return fmt.Errorf("walk rel path: %w", err)
		}

		if d.IsDir() {
			if s.ignore.ShouldIgnore(relPath + "/") {
				return filepath.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() || s.ignore.ShouldIgnore(relPath) {
			return nil
		}
		if _, ok := s.excluded[relPath]; ok {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			slog.Warn("scan file info", "path", path, "error", err)
			return nil
		}

		entries = append(entries, &LocalFileEntry{
			Path:    relPath,
			AbsPath: path,
			ModTime: info.ModTime(),
			Size:    info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("local scan failed: %w", err)
	}

	slices.SortFunc(entries, func(a, b *LocalFileEntry) int { return strings.Compare(a.Path, b.Path) })
	return entries, nil
}

// Hash returns the MD5 hex digest of the entry's content.
func (s *Scanner) Hash(entry *LocalFileEntry) (string, error) {
	key := hashKey{path: entry.Path, size: entry.Size, modTime: entry.ModTime.UnixNano()}
	if hash, ok := s.hashes.Get(key); ok {
		return hash, nil
	}

	hash, err := utils.FileHash(entry.AbsPath)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", entry.Path, err)
	}
	s.hashes.Add(key, hash)
	return hash, nil
}

// Index keys entries by path.
func Index(entries []*LocalFileEntry) map[string]*LocalFileEntry {
	index := make(map[string]*LocalFileEntry, len(entries))
	for _, e := range entries {
		index[e.Path] = e
	}
	return index
}
