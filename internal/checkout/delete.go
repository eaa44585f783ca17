package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/openmined/scmmirror/internal/reconcile"
	"github.com/openmined/scmmirror/internal/utils"
)

// platform droppings that do not keep a directory alive, unless the remote tracks them
var junkFiles = map[string]struct{}{
	".DS_Store": {},
	"Thumbs.db": {},
}

// trackedPaths is every path the remote lists in this pass.
func trackedPaths(cs *reconcile.ChangeSet) map[string]struct{} {
	tracked := make(map[string]struct{}, len(cs.Checkpoint))
	for _, rec := range cs.Checkpoint {
		tracked[rec.Path] = struct{}{}
	}
	return tracked
}

// removeStale removes local files absent from the remote. A file that is already gone is
// logged and skipped; any other failure is recorded and the step continues.
func (o *Orchestrator) removeStale(ctx context.Context, paths []string, tracked map[string]struct{}, res *Result) error {
	if len(paths) == 0 {
		return nil
	}
	if err := o.opts.Phases.Advance(PhaseDeleting); err != nil {
		return err
	}

	quiet := o.DeleteQuiet(len(paths))
	slog.Info("deleting files", "count", len(paths), "quiet", quiet)

	start := o.opts.Clock.Now()
	parents := make(map[string]struct{})

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}

		abs := utils.AbsPath(o.opts.Root, path)
		if _, err := os.Lstat(abs); errors.Is(err, os.ErrNotExist) {
			res.DeleteMissing = append(res.DeleteMissing, path)
			slog.Warn("planned to remove file but it does not exist", "path", path)
			continue
		}

		if err := os.Remove(abs); err != nil {
			res.DeleteFailed[path] = fmt.Errorf("delete: %w", err)
			slog.Error("delete", "path", path, "error", err)
			continue
		}

		res.Deleted = append(res.Deleted, path)
		if quiet {
			slog.Debug("deleted", "path", path)
		} else {
			slog.Info("deleted", "path", path)
		}
		parents[filepath.Dir(abs)] = struct{}{}
	}

	for parent := range parents {
		cleanupEmptyParentDirs(parent, o.opts.Root, tracked)
	}

	res.DeleteDuration = o.opts.Clock.Now().Sub(start)
	slog.Info("delete finished",
		"deleted", len(res.Deleted),
		"missing", len(res.DeleteMissing),
		"failed", len(res.DeleteFailed),
		"took", res.DeleteDuration,
	)
	return nil
}

// cleanupEmptyParentDirs removes dir and its ancestors up to root while they hold
// nothing but untracked junk files. Tracked paths are relative to root.
func cleanupEmptyParentDirs(dir, root string, tracked map[string]struct{}) {
	root = filepath.Clean(root)
	for current := filepath.Clean(dir); current != root && len(current) > len(root); current = filepath.Dir(current) {
		entries, err := os.ReadDir(current)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				slog.Warn("cleanup", "path", current, "error", err)
			}
			return
		}

		var junk []string
		for _, entry := range entries {
			path := filepath.Join(current, entry.Name())
			if !isUntrackedJunk(path, root, entry.Name(), tracked) {
				return
			}
			junk = append(junk, path)
		}
		for _, path := range junk {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				slog.Warn("cleanup", "path", path, "error", err)
				return
			}
		}

		var rmErr error
		// Windows can hold handles briefly after the last file is removed
		for attempt := 0; attempt < 3; attempt++ {
			if rmErr = os.Remove(current); rmErr == nil {
				break
			}
			time.Sleep(50 * time.Millisecond)
		}
		if rmErr != nil {
			slog.Warn("cleanup", "path", current, "error", rmErr)
			return
		}
		slog.Debug("removed empty directory", "path", current)
	}
}

func isUntrackedJunk(path, root, name string, tracked map[string]struct{}) bool {
	if _, ok := junkFiles[name]; !ok {
		return false
	}
	rel, err := utils.RelPath(root, path)
	if err != nil {
		return false
	}
	_, ok := tracked[rel]
	return !ok
}
