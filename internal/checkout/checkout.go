// Package checkout executes a change set against the workspace: fetch, commit, delete
// and finally persist the next checkpoint.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/scmmirror/internal/catalog"
	"github.com/openmined/scmmirror/internal/checkpoint"
	"github.com/openmined/scmmirror/internal/clock"
	"github.com/openmined/scmmirror/internal/reconcile"
)

const (
	DefaultFetchQuietThreshold  = 2000
	DefaultDeleteQuietThreshold = 100
	DefaultProgressInterval     = 5 * time.Second
)

var (
	ErrFetch  = errors.New("fetch failed")
	ErrCommit = errors.New("commit failed")
)

type Options struct {
	// Root is the workspace directory.
	Root string
	// StagingDir overrides the catalog's default staging location.
	StagingDir string
	Workers    int
	// Per-file logging is suppressed when a step has more files than its threshold.
	FetchQuietThreshold  int
	DeleteQuietThreshold int
	// ProgressInterval is doubled in quiet mode.
	ProgressInterval     time.Duration
	Progress             ProgressSink
	// Checkpoint receives the next checkpoint. Nil skips persisting.
	Checkpoint *checkpoint.Store
	// Phases is advanced through the checkout steps. Nil uses a private machine.
	Phases *Machine
	Clock  clock.Clock
}

func (o *Options) setDefaults() {
	if o.FetchQuietThreshold <= 0 {
		o.FetchQuietThreshold = DefaultFetchQuietThreshold
	}
	if o.DeleteQuietThreshold <= 0 {
		o.DeleteQuietThreshold = DefaultDeleteQuietThreshold
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = DefaultProgressInterval
	}
	if o.Phases == nil {
		o.Phases = NewMachine(nil)
	}
	o.Clock = clock.OrReal(o.Clock)
}

// Result summarizes one checkout.
type Result struct {
	Fetched     []string
	FetchFailed map[string]error
	Bytes       int64
	Committed   bool

	Deleted       []string
	DeleteMissing []string
	DeleteFailed  map[string]error

	CheckpointWritten bool
	CheckpointRecords int
	CheckpointErr     error

	FetchDuration  time.Duration
	DeleteDuration time.Duration
	Duration       time.Duration
}

// Orchestrator applies change sets to one workspace.
type Orchestrator struct {
	opts Options
}

func New(opts Options) *Orchestrator {
	opts.setDefaults()
	return &Orchestrator{opts: opts}
}

// FetchQuiet reports whether fetching n files suppresses per-file logs.
func (o *Orchestrator) FetchQuiet(n int) bool {
	return n > o.opts.FetchQuietThreshold
}

// DeleteQuiet reports whether deleting n files suppresses per-file logs.
func (o *Orchestrator) DeleteQuiet(n int) bool {
	return n > o.opts.DeleteQuietThreshold
}

// Execute fetches and commits cs.Checkout, removes cs.Delete and persists cs.Checkpoint
// without the paths that failed to fetch.
//
// Only an invalid plan, a session-level fetch or commit failure and cancellation are
// returned as errors. Per-file failures and a checkpoint write failure are recorded in
// the Result.
func (o *Orchestrator) Execute(ctx context.Context, cat catalog.Catalog, cs *reconcile.ChangeSet) (*Result, error) {
	start := o.opts.Clock.Now()
	res := &Result{
		FetchFailed:  make(map[string]error),
		DeleteFailed: make(map[string]error),
	}

	if err := cs.Validate(); err != nil {
		o.opts.Phases.Fail()
		return res, err
	}

	if err := o.fetch(ctx, cat, cs, res); err != nil {
		o.opts.Phases.Fail()
		return res, err
	}

	if err := o.removeStale(ctx, cs.Delete, trackedPaths(cs), res); err != nil {
		o.opts.Phases.Fail()
		return res, err
	}

	o.persist(cs, res)

	res.Duration = o.opts.Clock.Now().Sub(start)
	slog.Info("checkout finished",
		"fetched", len(res.Fetched),
		"fetchFailed", len(res.FetchFailed),
		"size", humanize.Bytes(uint64(res.Bytes)),
		"deleted", len(res.Deleted),
		"deleteMissing", len(res.DeleteMissing),
		"deleteFailed", len(res.DeleteFailed),
		"checkpoint", res.CheckpointWritten,
		"took", res.Duration,
	)
	return res, nil
}

func (o *Orchestrator) fetch(ctx context.Context, cat catalog.Catalog, cs *reconcile.ChangeSet, res *Result) error {
	if len(cs.Checkout) == 0 {
		return nil
	}
	if err := o.opts.Phases.Advance(PhaseFetching); err != nil {
		return err
	}

	total := len(cs.Checkout)
	quiet := o.FetchQuiet(total)
	if quiet {
		slog.Info("fetching files, per-file logging suppressed", "count", humanize.Comma(int64(total)))
	} else {
		slog.Info("fetching files", "count", total)
	}

	interval := o.opts.ProgressInterval
	if quiet {
		interval *= 2
	}

	start := o.opts.Clock.Now()
	tracker := newProgressTracker(total, interval, o.opts.Progress, o.opts.Clock)
	var bytesMu sync.Mutex

	transfer, err := cat.Fetch(ctx, cs.Checkout, catalog.FetchOptions{
		Root:            o.opts.Root,
		StagingDir:      o.opts.StagingDir,
		LockMode:        catalog.LockUnlocked,
		Force:           true,
		PreserveModTime: true,
		Workers:         o.opts.Workers,
		OnEvent: func(ev catalog.FetchEvent) {
			switch {
			case ev.Err != nil:
				slog.Warn("fetch", "path", ev.Path, "error", ev.Err)
			case !quiet:
				slog.Info("fetch", "path", ev.Path, "size", humanize.Bytes(uint64(ev.Bytes)))
			}
			bytesMu.Lock()
			res.Bytes += ev.Bytes
			bytesMu.Unlock()
			tracker.done(ev.Path)
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", ErrFetch, err)
	}
	defer transfer.Close()

	if transfer.CanCommit() {
		if err := o.opts.Phases.Advance(PhaseCommitting); err != nil {
			return err
		}
		if err := transfer.Commit(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %w", ErrCommit, err)
		}
		res.Committed = true
	} else {
		slog.Info("nothing to commit")
	}

	maps.Copy(res.FetchFailed, transfer.Failed())
	for _, rec := range cs.Checkout {
		if _, failed := res.FetchFailed[rec.Path]; !failed {
			res.Fetched = append(res.Fetched, rec.Path)
		}
	}
	res.FetchDuration = o.opts.Clock.Now().Sub(start)

	slog.Info("fetch finished",
		"fetched", len(res.Fetched),
		"failed", len(res.FetchFailed),
		"committed", res.Committed,
		"took", res.FetchDuration,
	)
	return nil
}

func (o *Orchestrator) persist(cs *reconcile.ChangeSet, res *Result) {
	if o.opts.Checkpoint == nil {
		_ = o.opts.Phases.Advance(PhaseDone)
		return
	}
	_ = o.opts.Phases.Advance(PhasePersistingCheckpoint)

	records := make([]checkpoint.Record, 0, len(cs.Checkpoint))
	for _, rec := range cs.Checkpoint {
		if _, failed := res.FetchFailed[rec.Path]; failed {
			continue
		}
		records = append(records, rec)
	}

	if err := o.opts.Checkpoint.Write(records); err != nil {
		res.CheckpointErr = err
		slog.Error("checkpoint not saved, the next pass will rediff", "path", o.opts.Checkpoint.Path(), "error", err)
	} else {
		res.CheckpointWritten = true
		res.CheckpointRecords = len(records)
		slog.Debug("checkpoint saved", "path", o.opts.Checkpoint.Path(), "records", len(records))
	}

	if n := len(res.FetchFailed); n > 0 {
		slog.Warn("files left out of checkpoint after failed fetch", "count", n, "paths", slices.Sorted(maps.Keys(res.FetchFailed)))
	}
	_ = o.opts.Phases.Advance(PhaseDone)
}
