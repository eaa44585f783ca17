package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/openmined/scmmirror/internal/utils"
	"golang.org/x/sync/errgroup"
)

// StagingDirName is the default staging location, relative to the workspace root.
const StagingDirName = ".scmmirror/staging"

// FetchFunc downloads one record into dst and returns the number of bytes written.
type FetchFunc func(ctx context.Context, rec *RemoteFileRecord, dst string) (int64, error)

// Staging holds fetched files outside the workspace until Commit moves them into place.
// It implements Transfer and is shared by the catalog adapters.
type Staging struct {
	root     string
	dir      string
	preserve bool

	mu        sync.Mutex
	staged    map[string]*RemoteFileRecord
	failed    map[string]error
	committed bool
}

func NewStaging(opts FetchOptions) (*Staging, error) {
	base := opts.StagingDir
	if base == "" {
		base = filepath.Join(opts.Root, filepath.FromSlash(StagingDirName))
	}
	dir := filepath.Join(base, uuid.NewString())
	if err := utils.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Staging{
		root:     opts.Root,
		dir:      dir,
		preserve: opts.PreserveModTime,
		staged:   make(map[string]*RemoteFileRecord),
		failed:   make(map[string]error),
	}, nil
}

// Dir is where staged content lives until Commit.
func (s *Staging) Dir() string {
	return s.dir
}

// PathFor is the staging location of rec.
func (s *Staging) PathFor(rec *RemoteFileRecord) string {
	return utils.AbsPath(s.dir, rec.Path)
}

// MarkStaged records that rec's content is complete at PathFor(rec).
func (s *Staging) MarkStaged(rec *RemoteFileRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failed, rec.Path)
	s.staged[rec.Path] = rec
}

// Fail records that path could not be fetched.
func (s *Staging) Fail(path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.staged, path)
	s.failed[path] = err
}

func (s *Staging) CanCommit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.committed && len(s.staged) > 0
}

func (s *Staging) Failed() map[string]error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.failed)
}

// Commit moves every staged file over its workspace path, then stamps the remote mtime.
// Files that cannot be moved are added to Failed. Only cancellation aborts the commit.
func (s *Staging) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.committed {
		return errors.New("staging already committed")
	}
	s.committed = true

	for _, path := range slices.Sorted(maps.Keys(s.staged)) {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec := s.staged[path]
		dst := utils.AbsPath(s.root, path)
		if err := utils.MoveFile(s.PathFor(rec), dst); err != nil {
			s.failed[path] = fmt.Errorf("commit: %w", err)
			delete(s.staged, path)
			slog.Warn("commit", "path", path, "error", err)
			continue
		}

		if s.preserve && !rec.ModTime.IsZero() {
			if err := os.Chtimes(dst, rec.ModTime, rec.ModTime); err != nil {
				slog.Warn("commit set mtime", "path", path, "error", err)
			}
		}
	}

	return os.RemoveAll(s.dir)
}

func (s *Staging) Close() error {
	return os.RemoveAll(s.dir)
}

// Stage runs fetch for every record on a bounded worker pool and collects the results into a
// new Staging. Per-file errors are recorded, not returned. A cancelled context discards the
// staging and returns the context error.
func Stage(ctx context.Context, records []*RemoteFileRecord, opts FetchOptions, fetch FetchFunc) (*Staging, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	staging, err := NewStaging(opts)
	if err != nil {
		return nil, err
	}

	var g errgroup.Group
	g.SetLimit(opts.WorkerCount())

	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			n, err := stageOne(ctx, staging, rec, opts, fetch)
			if err != nil {
				staging.Fail(rec.Path, err)
			}
			opts.Emit(FetchEvent{Path: rec.Path, Bytes: n, Err: err})
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		staging.Close()
		return nil, err
	}
	return staging, nil
}

func stageOne(ctx context.Context, staging *Staging, rec *RemoteFileRecord, opts FetchOptions, fetch FetchFunc) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if !opts.Force && upToDate(opts.Root, rec) {
		slog.Debug("fetch skipped, local copy identical", "path", rec.Path)
		return 0, nil
	}

	dst := staging.PathFor(rec)
	if err := utils.EnsureParent(dst); err != nil {
		return 0, err
	}

	n, err := fetch(ctx, rec, dst)
	if err != nil {
		os.Remove(dst)
		return n, err
	}

	staging.MarkStaged(rec)
	return n, nil
}

func upToDate(root string, rec *RemoteFileRecord) bool {
	if rec.Hash == "" {
		return false
	}
	hash, err := utils.FileHash(utils.AbsPath(root, rec.Path))
	return err == nil && hash == rec.Hash
}
