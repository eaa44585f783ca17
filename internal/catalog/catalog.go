// Package catalog defines the boundary to a remote repository: listing its current files and
// fetching their content into a workspace in two phases.
package catalog

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnsupportedLock = errors.New("catalog: lock mode not supported")
	ErrClosed          = errors.New("catalog: session closed")
)

// RemoteFileRecord is the remote state of one file for the duration of a pass.
type RemoteFileRecord struct {
	Path      string    // relative to the repository root, slash separated
	Revision  int       // increases with every remote change of this path
	ModTime   time.Time // content modification time
	Hash      string    // MD5 hex of the content, empty when unknown
	Size      int64
	Actor     string    // remote id of the last modifier
	Message   string    // check-in comment
	ChangedAt time.Time // time of the revision, zero when unknown
	VersionID string    // adapter handle that pins this revision
}

// Timestamp is when the current revision was made, falling back to the content mtime.
func (r *RemoteFileRecord) Timestamp() time.Time {
	if r.ChangedAt.IsZero() {
		return r.ModTime
	}
	return r.ChangedAt
}

type LockMode int

const (
	LockUnlocked LockMode = iota
	LockExclusive
)

func (m LockMode) String() string {
	switch m {
	case LockUnlocked:
		return "unlocked"
	case LockExclusive:
		return "exclusive"
	default:
		return "unknown"
	}
}

// FetchEvent reports that one file finished fetching, successfully or not.
type FetchEvent struct {
	Path  string
	Bytes int64
	Err   error
}

type FetchOptions struct {
	// Root is the workspace directory the fetched files are committed into.
	Root string
	// StagingDir receives fetched content until Commit. Defaults to a directory under Root.
	StagingDir string
	LockMode   LockMode
	// Force fetches files even when an identical local copy exists.
	Force bool
	// PreserveModTime stamps committed files with the remote content mtime.
	PreserveModTime bool
	// Workers bounds concurrent downloads.
	Workers int
	// OnEvent is called once per file from worker goroutines, possibly concurrently
	// and in any order.
	OnEvent func(FetchEvent)
}

// Catalog is an open session against a remote repository.
type Catalog interface {
	ListFiles(ctx context.Context) ([]*RemoteFileRecord, error)
	// Fetch downloads records into staging. Per-file failures are reported through
	// Transfer.Failed and OnEvent; the returned error is reserved for session failures.
	Fetch(ctx context.Context, records []*RemoteFileRecord, opts FetchOptions) (Transfer, error)
	Close() error
}

// Transfer is the result of a Fetch. Nothing is visible in the workspace until Commit.
type Transfer interface {
	CanCommit() bool
	Commit(ctx context.Context) error
	// Failed maps paths that were not fetched or not committed to their cause.
	Failed() map[string]error
	// Close releases staged content that was not committed.
	Close() error
}

// ActorResolver is implemented by catalogs that can map a remote user id to a display name.
type ActorResolver interface {
	ResolveActor(ctx context.Context, id string) (string, error)
}

// Opener establishes a session. The caller owns the returned Catalog and must Close it.
type Opener func(ctx context.Context) (Catalog, error)

// Index keys records by path, skipping nil records.
func Index(records []*RemoteFileRecord) map[string]*RemoteFileRecord {
	index := make(map[string]*RemoteFileRecord, len(records))
	for _, r := range records {
		if r == nil {
			continue
		}
		index[r.Path] = r
	}
	return index
}

// DefaultWorkers is used when FetchOptions.Workers is unset.
const DefaultWorkers = 8

func (o FetchOptions) WorkerCount() int {
	if o.Workers <= 0 {
		return DefaultWorkers
	}
	return o.Workers
}

func (o FetchOptions) Validate() error {
	if o.Root == "" {
		return errors.New("catalog: fetch root is empty")
	}
	if o.LockMode != LockUnlocked {
		return ErrUnsupportedLock
	}
	return nil
}

// Emit delivers ev to OnEvent when one is set.
func (o FetchOptions) Emit(ev FetchEvent) {
	if o.OnEvent != nil {
		o.OnEvent(ev)
	}
}
