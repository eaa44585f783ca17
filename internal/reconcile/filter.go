package reconcile

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/openmined/scmmirror/internal/catalog"
	"github.com/openmined/scmmirror/internal/checkpoint"
	"github.com/openmined/scmmirror/internal/scanner"
)

// Filter scopes a mirror to part of the repository with doublestar globs.
// A path is in scope when it matches any include (or there are none) and no exclude.
// Out-of-scope paths are dropped from all three inputs, so local files outside the
// scope are neither fetched nor deleted.
type Filter struct {
	Include []string
	Exclude []string
}

// Validate rejects malformed glob patterns.
func (f Filter) Validate() error {
	for _, p := range append(append([]string{}, f.Include...), f.Exclude...) {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid glob pattern %q", p)
		}
	}
	return nil
}

// IsZero reports whether the filter keeps every path.
func (f Filter) IsZero() bool {
	return len(f.Include) == 0 && len(f.Exclude) == 0
}

// Match reports whether path is in scope.
func (f Filter) Match(path string) bool {
	if len(f.Include) > 0 && !matchAny(f.Include, path) {
		return false
	}
	return !matchAny(f.Exclude, path)
}

// Remote keeps the in-scope remote records.
func (f Filter) Remote(records []*catalog.RemoteFileRecord) []*catalog.RemoteFileRecord {
	return keep(f, records, func(r *catalog.RemoteFileRecord) string { return r.Path })
}

// Local keeps the in-scope local entries.
func (f Filter) Local(entries []*scanner.LocalFileEntry) []*scanner.LocalFileEntry {
	return keep(f, entries, func(e *scanner.LocalFileEntry) string { return e.Path })
}

// Checkpoint keeps the in-scope checkpoint records.
func (f Filter) Checkpoint(records []checkpoint.Record) []checkpoint.Record {
	return keep(f, records, func(r checkpoint.Record) string { return r.Path })
}

func keep[T any](f Filter, items []T, path func(T) string) []T {
	if f.IsZero() {
		return items
	}
	out := make([]T, 0, len(items))
	for _, item := range items {
		if f.Match(path(item)) {
			out = append(out, item)
		}
	}
	return out
}

func matchAny(patterns []string, path string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, path); ok {
			return true
		}
	}
	return false
}
