// Package catalogtest provides an in-memory catalog for tests.
package catalogtest

import (
	"context"
	"crypto/md5"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/openmined/scmmirror/internal/catalog"
)

type file struct {
	record  catalog.RemoteFileRecord
	content []byte
}

// Catalog serves files from memory. Its exported fields inject failures.
type Catalog struct {
	mu    sync.Mutex
	files map[string]*file

	ListErr   error
	FetchErr  error
	CommitErr error
	// FailPaths makes fetching these paths fail with the given error.
	FailPaths map[string]error
	// Actors backs ResolveActor. A missing id resolves with an error.
	Actors map[string]string

	Closed      bool
	FetchCalls  int
	LastOptions catalog.FetchOptions
}

func New() *Catalog {
	return &Catalog{
		files:     make(map[string]*file),
		FailPaths: make(map[string]error),
		Actors:    make(map[string]string),
	}
}

// Put adds or replaces a file and returns its record.
func (c *Catalog) Put(path string, revision int, modTime time.Time, content string) *catalog.RemoteFileRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	f := &file{
		record: catalog.RemoteFileRecord{
			Path:      path,
			Revision:  revision,
			ModTime:   modTime,
			Hash:      fmt.Sprintf("%x", md5.Sum([]byte(content))),
			Size:      int64(len(content)),
			Actor:     "user-1",
			Message:   "rev " + fmt.Sprint(revision),
			ChangedAt: modTime,
		},
		content: []byte(content),
	}
	c.files[path] = f
	rec := f.record
	return &rec
}

func (c *Catalog) Remove(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.files, path)
}

func (c *Catalog) ListFiles(ctx context.Context) ([]*catalog.RemoteFileRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Closed {
		return nil, catalog.ErrClosed
	}
	if c.ListErr != nil {
		return nil, c.ListErr
	}

	records := make([]*catalog.RemoteFileRecord, 0, len(c.files))
	for _, f := range c.files {
		rec := f.record
		records = append(records, &rec)
	}
	slices.SortFunc(records, func(a, b *catalog.RemoteFileRecord) int { return strings.Compare(a.Path, b.Path) })
	return records, nil
}

func (c *Catalog) Fetch(ctx context.Context, records []*catalog.RemoteFileRecord, opts catalog.FetchOptions) (catalog.Transfer, error) {
	c.mu.Lock()
	c.FetchCalls++
	c.LastOptions = opts
	fetchErr := c.FetchErr
	c.mu.Unlock()

	if fetchErr != nil {
		return nil, fetchErr
	}

	staging, err := catalog.Stage(ctx, records, opts, c.fetchOne)
	if err != nil {
		return nil, err
	}
	if c.CommitErr != nil {
		return &failingCommit{Staging: staging, err: c.CommitErr}, nil
	}
	return staging, nil
}

func (c *Catalog) fetchOne(_ context.Context, rec *catalog.RemoteFileRecord, dst string) (int64, error) {
	c.mu.Lock()
	f, ok := c.files[rec.Path]
	failErr := c.FailPaths[rec.Path]
	c.mu.Unlock()

	if failErr != nil {
		return 0, failErr
	}
	if !ok {
		return 0, fmt.Errorf("%s: %w", rec.Path, os.ErrNotExist)
	}
	if err := os.WriteFile(dst, f.content, 0o644); err != nil {
		return 0, err
	}
	return int64(len(f.content)), nil
}

func (c *Catalog) ResolveActor(_ context.Context, id string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name, ok := c.Actors[id]
	if !ok {
		return "", fmt.Errorf("unknown user %q", id)
	}
	return name, nil
}

func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed = true
	return nil
}

// Opener hands out this catalog, reopening it if a previous pass closed it.
func (c *Catalog) Opener() catalog.Opener {
	return func(ctx context.Context) (catalog.Catalog, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.Closed = false
		return c, nil
	}
}

type failingCommit struct {
	*catalog.Staging
	err error
}

func (f *failingCommit) Commit(context.Context) error {
	return f.err
}

var (
	_ catalog.Catalog       = (*Catalog)(nil)
	_ catalog.ActorResolver = (*Catalog)(nil)
)
