// Package reconcile computes the three-way difference between the remote catalog, the local
// workspace and the last checkpoint.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/scmmirror/internal/catalog"
	"github.com/openmined/scmmirror/internal/changelog"
	"github.com/openmined/scmmirror/internal/checkpoint"
	"github.com/openmined/scmmirror/internal/scanner"
	"github.com/openmined/scmmirror/internal/utils"
)

// MtimeSource selects which timestamp a common path's remote mtime is compared to.
type MtimeSource string

const (
	// MtimeCheckpoint compares against the mtime recorded in the checkpoint.
	MtimeCheckpoint MtimeSource = "checkpoint"
	// MtimeLocal compares against the live local file; a missing file never matches.
	MtimeLocal MtimeSource = "local"
)

// ParseMtimeSource maps a config value to a MtimeSource. Empty selects MtimeCheckpoint.
func ParseMtimeSource(s string) (MtimeSource, error) {
	switch MtimeSource(s) {
	case "", MtimeCheckpoint:
		return MtimeCheckpoint, nil
	case MtimeLocal:
		return MtimeLocal, nil
	default:
		return "", fmt.Errorf("unknown mtime source %q", s)
	}
}

// Hasher computes the content hash of a local file.
type Hasher interface {
	Hash(entry *scanner.LocalFileEntry) (string, error)
}

type fileHasher struct{}

func (fileHasher) Hash(entry *scanner.LocalFileEntry) (string, error) {
	return utils.FileHash(entry.AbsPath)
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithMtimeSource selects the timestamp compared for unchanged revisions.
func WithMtimeSource(src MtimeSource) Option {
	return func(r *Reconciler) { r.mtimeSource = src }
}

// WithHasher replaces direct file hashing, e.g. with a memoizing scanner.
func WithHasher(h Hasher) Option {
	return func(r *Reconciler) { r.hasher = h }
}

// Reconciler turns the three inputs of a pass into a ChangeSet.
type Reconciler struct {
	builder     *changelog.Builder
	mtimeSource MtimeSource
	hasher      Hasher

	// beforeCompare runs at the start of the checkpoint comparison
	beforeCompare func()
}

// New returns a Reconciler comparing against checkpoint mtimes and hashing files directly.
func New(builder *changelog.Builder, opts ...Option) *Reconciler {
	r := &Reconciler{
		builder:     builder,
		mtimeSource: MtimeCheckpoint,
		hasher:      fileHasher{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.builder == nil {
		r.builder = changelog.NewBuilder(nil, nil)
	}
	return r
}

// Reconcile plans the checkout, the deletions and the next checkpoint.
//
// With a non-empty checkpoint the remote revisions are diffed against it. Without one, or
// when that diff fails, each remote file is compared to its local copy by mtime and then
// by content hash. Local files missing from the remote catalog are always deleted.
// The only error is cancellation.
func (r *Reconciler) Reconcile(ctx context.Context, remote []*catalog.RemoteFileRecord, local []*scanner.LocalFileEntry, ckpt []checkpoint.Record) (*ChangeSet, error) {
	start := time.Now()
	remoteIdx := catalog.Index(remote)
	localIdx := scanner.Index(local)

	var cs *ChangeSet
	var checkpointOnly mapset.Set[string]
	if len(ckpt) > 0 {
		var err error
		cs, checkpointOnly, err = r.compareSafe(ctx, remoteIdx, localIdx, ckpt)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if err != nil {
			slog.Warn("reconcile comparison failed, falling back to local comparison", "error", err)
			cs = nil
		}
	}

	if cs == nil {
		var err error
		if cs, err = r.fallback(ctx, remoteIdx, localIdx); err != nil {
			return nil, err
		}
		checkpointOnly = mapset.NewThreadUnsafeSet[string]()
	}

	r.planDeletes(cs, remoteIdx, local, checkpointOnly)

	cs.Checkpoint = make([]checkpoint.Record, 0, len(remoteIdx))
	for _, path := range sortedKeys(remoteIdx) {
		rec := remoteIdx[path]
		cs.Checkpoint = append(cs.Checkpoint, checkpoint.Record{
			Path:     rec.Path,
			Revision: rec.Revision,
			ModTime:  rec.ModTime.Truncate(time.Millisecond),
		})
	}

	slog.Info("reconcile",
		"comparison", cs.ComparisonAvailable,
		"remote", len(remoteIdx),
		"local", len(localIdx),
		"checkpoint", len(ckpt),
		"checkout", len(cs.Checkout),
		"delete", len(cs.Delete),
		"changes", len(cs.Changes),
		"took", time.Since(start),
	)
	return cs, nil
}

// compareSafe turns a panic inside the comparison into an error.
func (r *Reconciler) compareSafe(ctx context.Context, remoteIdx map[string]*catalog.RemoteFileRecord, localIdx map[string]*scanner.LocalFileEntry, ckpt []checkpoint.Record) (cs *ChangeSet, checkpointOnly mapset.Set[string], err error) {
	defer func() {
		if p := recover(); p != nil {
			cs, checkpointOnly = nil, nil
			err = fmt.Errorf("panic during comparison: %v", p)
		}
	}()
	return r.compare(ctx, remoteIdx, localIdx, ckpt)
}

func (r *Reconciler) compare(ctx context.Context, remoteIdx map[string]*catalog.RemoteFileRecord, localIdx map[string]*scanner.LocalFileEntry, ckpt []checkpoint.Record) (*ChangeSet, mapset.Set[string], error) {
	if r.beforeCompare != nil {
		r.beforeCompare()
	}

	ckptIdx := make(map[string]checkpoint.Record, len(ckpt))
	for _, rec := range ckpt {
		if rec.Path == "" {
			return nil, nil, errors.New("checkpoint record without path")
		}
		ckptIdx[rec.Path] = rec
	}

	sets := partition(remoteIdx, ckptIdx)
	cs := &ChangeSet{ComparisonAvailable: true}

	for _, path := range sortedSet(sets.common) {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		rec := remoteIdx[path]
		historic := ckptIdx[path]
		if rec.Revision == historic.Revision && r.sameTimestamp(rec, historic, localIdx[path]) {
			continue
		}

		kind := changelog.KindChange
		if rec.Revision < historic.Revision {
			kind = changelog.KindRollback
		}
		cs.Changes = append(cs.Changes, r.builder.FromRemote(ctx, rec, kind))
		cs.Checkout = append(cs.Checkout, rec)
	}

	for _, path := range sortedSet(sets.checkpointOnly) {
		cs.Changes = append(cs.Changes, r.builder.Removed(ckptIdx[path]))
	}

	for _, path := range sortedSet(sets.remoteOnly) {
		rec := remoteIdx[path]
		cs.Changes = append(cs.Changes, r.builder.FromRemote(ctx, rec, changelog.KindAdded))
		cs.Checkout = append(cs.Checkout, rec)
	}

	return cs, sets.checkpointOnly, nil
}

// pathSets splits the union of remote and checkpoint paths into disjoint sets.
type pathSets struct {
	remoteOnly     mapset.Set[string]
	checkpointOnly mapset.Set[string]
	common         mapset.Set[string]
}

func partition(remoteIdx map[string]*catalog.RemoteFileRecord, ckptIdx map[string]checkpoint.Record) pathSets {
	remoteKeys := mapset.NewThreadUnsafeSet[string]()
	for path := range remoteIdx {
		remoteKeys.Add(path)
	}
	ckptKeys := mapset.NewThreadUnsafeSet[string]()
	for path := range ckptIdx {
		ckptKeys.Add(path)
	}

	return pathSets{
		remoteOnly:     remoteKeys.Difference(ckptKeys),
		checkpointOnly: ckptKeys.Difference(remoteKeys),
		common:         remoteKeys.Intersect(ckptKeys),
	}
}

func (r *Reconciler) sameTimestamp(rec *catalog.RemoteFileRecord, historic checkpoint.Record, local *scanner.LocalFileEntry) bool {
	switch r.mtimeSource {
	case MtimeLocal:
		return local != nil && sameMillis(local.ModTime, rec.ModTime)
	default:
		return sameMillis(historic.ModTime, rec.ModTime)
	}
}

// fallback decides from the local copy alone. Hashes are computed only for local files
// whose mtime differs and whose remote hash is known.
func (r *Reconciler) fallback(ctx context.Context, remoteIdx map[string]*catalog.RemoteFileRecord, localIdx map[string]*scanner.LocalFileEntry) (*ChangeSet, error) {
	cs := &ChangeSet{}
	hashed := 0

	for _, path := range sortedKeys(remoteIdx) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rec := remoteIdx[path]
		localFile, exists := localIdx[path]
		kind := changelog.KindAdded
		if exists {
			if sameMillis(localFile.ModTime, rec.ModTime) {
				continue
			}
			if rec.Hash != "" {
				hashed++
				localHash, err := r.hasher.Hash(localFile)
				if err != nil {
					slog.Warn("reconcile hash", "path", path, "error", err)
				} else if localHash == rec.Hash {
					continue
				} else {
					slog.Debug("reconcile content differs", "path", path, "local", localHash, "remote", rec.Hash)
				}
			}
			kind = changelog.KindChange
		}

		cs.Changes = append(cs.Changes, r.builder.FromRemote(ctx, rec, kind))
		cs.Checkout = append(cs.Checkout, rec)
	}

	slog.Debug("reconcile fallback", "hashed", hashed)
	return cs, nil
}

// planDeletes schedules every local path missing from the remote catalog. Paths that were
// not already reported as removed get a dirty entry.
func (r *Reconciler) planDeletes(cs *ChangeSet, remoteIdx map[string]*catalog.RemoteFileRecord, local []*scanner.LocalFileEntry, checkpointOnly mapset.Set[string]) {
	sorted := slices.Clone(local)
	slices.SortFunc(sorted, func(a, b *scanner.LocalFileEntry) int { return strings.Compare(a.Path, b.Path) })

	for _, entry := range sorted {
		if _, ok := remoteIdx[entry.Path]; ok {
			continue
		}
		cs.Delete = append(cs.Delete, entry.Path)
		if !checkpointOnly.Contains(entry.Path) {
			cs.Changes = append(cs.Changes, r.builder.Dirty(entry.Path, entry.ModTime))
		}
	}
}

func sameMillis(a, b time.Time) bool {
	return a.UnixMilli() == b.UnixMilli()
}

func sortedSet(s mapset.Set[string]) []string {
	out := s.ToSlice()
	slices.Sort(out)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
