// Package mirror runs sync passes over a workspace: list the remote, scan the local copy,
// reconcile against the checkpoint and check out the result.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openmined/scmmirror/internal/catalog"
	"github.com/openmined/scmmirror/internal/changelog"
	"github.com/openmined/scmmirror/internal/checkout"
	"github.com/openmined/scmmirror/internal/checkpoint"
	"github.com/openmined/scmmirror/internal/clock"
	"github.com/openmined/scmmirror/internal/reconcile"
	"github.com/openmined/scmmirror/internal/scanner"
	"github.com/openmined/scmmirror/internal/utils"
)

const (
	DefaultCheckpointFile = "checkpoint.csv"
	DefaultAuditFile      = "audit.db"
)

var ErrSessionFailed = errors.New("remote session failed")

type Options struct {
	Root   string
	Opener catalog.Opener
	// CheckpointPath defaults to .scmmirror/checkpoint.csv under Root.
	CheckpointPath string
	// ChangelogPath receives the change log of every pass. The extension picks the format.
	// Empty disables the export.
	ChangelogPath string
	// AuditDBPath defaults to .scmmirror/audit.db under Root.
	AuditDBPath  string
	DisableAudit bool

	Filter         reconcile.Filter
	IgnorePatterns []string
	MtimeSource    reconcile.MtimeSource
	// Checkout tunes the checkout step. Root, Checkpoint, Phases and Clock are set by the runner.
	Checkout checkout.Options
	Clock    clock.Clock
}

// Report describes the outcome of one pass.
type Report struct {
	RunID               string
	Started             time.Time
	Duration            time.Duration
	Phase               checkout.Phase
	Phases              []checkout.Phase
	ComparisonAvailable bool
	Changes             []*changelog.Entry
	Fetched             []string
	Deleted             []string
	Failed              map[string]error
	CheckpointWritten   bool
	Err                 error
}

// Succeeded reports whether the pass reached PhaseDone.
func (r *Report) Succeeded() bool {
	return r.Phase == checkout.PhaseDone
}

// Runner executes passes over one workspace. Passes never overlap.
type Runner struct {
	opts    Options
	root    string
	store   *checkpoint.Store
	scanner *scanner.Scanner
	lock    *workspaceLock
	clock   clock.Clock

	muSync  sync.Mutex
	journal *AuditJournal
}

func NewRunner(opts Options) (*Runner, error) {
	if opts.Opener == nil {
		return nil, errors.New("mirror: no catalog opener")
	}
	if err := opts.Filter.Validate(); err != nil {
		return nil, fmt.Errorf("mirror: %w", err)
	}
	if opts.MtimeSource == "" {
		opts.MtimeSource = reconcile.MtimeCheckpoint
	}

	root, err := utils.ResolvePath(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", opts.Root, err)
	}
	if err := utils.EnsureDir(root); err != nil {
		return nil, fmt.Errorf("failed to create workspace %s: %w", root, err)
	}

	metadataDir := filepath.Join(root, scanner.MetadataDir)
	if opts.CheckpointPath == "" {
		opts.CheckpointPath = filepath.Join(metadataDir, DefaultCheckpointFile)
	}
	if opts.AuditDBPath == "" {
		opts.AuditDBPath = filepath.Join(metadataDir, DefaultAuditFile)
	}

	scan := scanner.New(root, opts.IgnorePatterns...)
	scan.Exclude(outputFiles(opts)...)

	return &Runner{
		opts:    opts,
		root:    root,
		store:   checkpoint.NewStore(opts.CheckpointPath, root),
		scanner: scan,
		lock:    newWorkspaceLock(root),
		clock:   clock.OrReal(opts.Clock),
	}, nil
}

// outputFiles lists the files a pass writes itself. When they sit inside the workspace
// they must never be reconciled, or the next pass would delete them.
func outputFiles(opts Options) []string {
	var files []string
	for _, path := range []string{opts.CheckpointPath, opts.ChangelogPath, opts.AuditDBPath} {
		if path == "" {
			continue
		}
		resolved, err := utils.ResolvePath(path)
		if err != nil {
			continue
		}
		files = append(files, resolved)
	}
	if !opts.DisableAudit {
		if audit, err := utils.ResolvePath(opts.AuditDBPath); err == nil {
			for _, suffix := range []string{"-wal", "-shm", "-journal"} {
				files = append(files, audit+suffix)
			}
		}
	}
	return files
}

func (r *Runner) Root() string {
	return r.root
}

// Checkpoint is the store the runner reads and writes.
func (r *Runner) Checkpoint() *checkpoint.Store {
	return r.store
}

// Run executes one full pass. The returned error is also set on the report.
func (r *Runner) Run(ctx context.Context) (report *Report, err error) {
	report = &Report{
		RunID:   uuid.NewString(),
		Started: r.clock.Now(),
		Failed:  make(map[string]error),
	}
	log := slog.With("run", report.RunID)

	release, err := r.acquire()
	if err != nil {
		report.Phase = checkout.PhaseFailed
		report.Err = err
		return report, err
	}
	defer release()

	machine := checkout.NewMachine(func(from, to checkout.Phase) {
		report.Phases = append(report.Phases, to)
		log.Info("phase", "from", from, "to", to)
	})

	defer func() {
		if err != nil {
			machine.Fail()
			report.Err = err
		}
		report.Phase = machine.Phase()
		report.Duration = r.clock.Now().Sub(report.Started)
		r.audit(report)

		if err != nil {
			log.Error("sync pass failed", "phase", report.Phase, "took", report.Duration, "error", err)
		} else {
			log.Info("sync pass finished", "changes", len(report.Changes), "fetched", len(report.Fetched), "deleted", len(report.Deleted), "failed", len(report.Failed), "took", report.Duration)
		}
	}()

	cat, err := r.open(ctx)
	if err != nil {
		return report, err
	}
	defer closeCatalog(cat)

	cs, err := r.plan(ctx, machine, cat)
	if err != nil {
		return report, err
	}
	report.ComparisonAvailable = cs.ComparisonAvailable
	report.Changes = cs.Changes

	r.exportChangelog(cs.Changes)

	opts := r.opts.Checkout
	opts.Root = r.root
	opts.Checkpoint = r.store
	opts.Phases = machine
	opts.Clock = r.clock

	res, err := checkout.New(opts).Execute(ctx, cat, cs)
	if res != nil {
		report.Fetched = res.Fetched
		report.Deleted = res.Deleted
		report.CheckpointWritten = res.CheckpointWritten
		for path, ferr := range res.FetchFailed {
			report.Failed[path] = ferr
		}
		for path, derr := range res.DeleteFailed {
			report.Failed[path] = derr
		}
	}
	if err != nil {
		if errors.Is(err, checkout.ErrFetch) || errors.Is(err, checkout.ErrCommit) {
			err = fmt.Errorf("%w: %w", ErrSessionFailed, err)
		}
		return report, err
	}
	return report, nil
}

// Poll reconciles without touching the workspace and reports whether a pass would change it.
func (r *Runner) Poll(ctx context.Context) (bool, error) {
	release, err := r.acquire()
	if err != nil {
		return false, err
	}
	defer release()

	cat, err := r.open(ctx)
	if err != nil {
		return false, err
	}
	defer closeCatalog(cat)

	cs, err := r.plan(ctx, checkout.NewMachine(nil), cat)
	if err != nil {
		return false, err
	}

	changed := cs.HasChanges()
	slog.Info("poll", "changed", changed, "checkout", len(cs.Checkout), "delete", len(cs.Delete))
	return changed, nil
}

// Close releases the audit journal.
func (r *Runner) Close() error {
	r.muSync.Lock()
	defer r.muSync.Unlock()
	if r.journal == nil {
		return nil
	}
	err := r.journal.Close()
	r.journal = nil
	return err
}

// Journal opens the audit journal on first use. It must not be called while a pass is running.
func (r *Runner) Journal() (*AuditJournal, error) {
	if r.journal != nil {
		return r.journal, nil
	}
	journal, err := OpenAuditJournal(r.opts.AuditDBPath)
	if err != nil {
		return nil, err
	}
	r.journal = journal
	return journal, nil
}

func (r *Runner) acquire() (func(), error) {
	if !r.muSync.TryLock() {
		return nil, ErrSyncAlreadyRunning
	}
	if err := r.lock.Lock(); err != nil {
		r.muSync.Unlock()
		return nil, err
	}
	return func() {
		if err := r.lock.Unlock(); err != nil {
			slog.Warn("workspace unlock", "path", r.lock.Path(), "error", err)
		}
		r.muSync.Unlock()
	}, nil
}

func (r *Runner) open(ctx context.Context) (catalog.Catalog, error) {
	cat, err := r.opts.Opener(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: open: %w", ErrSessionFailed, err)
	}
	return cat, nil
}

func closeCatalog(cat catalog.Catalog) {
	if err := cat.Close(); err != nil {
		slog.Warn("remote session close", "error", err)
	}
}

func (r *Runner) plan(ctx context.Context, machine *checkout.Machine, cat catalog.Catalog) (*reconcile.ChangeSet, error) {
	if err := machine.Advance(checkout.PhaseScanning); err != nil {
		return nil, err
	}

	remote, err := cat.ListFiles(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: list files: %w", ErrSessionFailed, err)
	}
	remote = r.opts.Filter.Remote(remote)

	local, err := r.scanner.Scan(ctx)
	if err != nil {
		return nil, err
	}
	local = r.opts.Filter.Local(local)

	ckpt, err := r.store.Load()
	if err != nil {
		slog.Warn("checkpoint unreadable, reconciling without it", "path", r.store.Path(), "error", err)
		ckpt = nil
	}
	ckpt = r.opts.Filter.Checkpoint(ckpt)

	if err := machine.Advance(checkout.PhaseReconciling); err != nil {
		return nil, err
	}

	var resolver catalog.ActorResolver
	if res, ok := cat.(catalog.ActorResolver); ok {
		resolver = res
	}
	builder := changelog.NewBuilder(changelog.NewActorCache(resolver), r.clock)
	reconciler := reconcile.New(builder,
		reconcile.WithMtimeSource(r.opts.MtimeSource),
		reconcile.WithHasher(r.scanner),
	)
	return reconciler.Reconcile(ctx, remote, local, ckpt)
}

func (r *Runner) exportChangelog(entries []*changelog.Entry) {
	if r.opts.ChangelogPath == "" {
		return
	}
	if err := changelog.WriteFile(r.opts.ChangelogPath, entries); err != nil {
		slog.Warn("change log not written", "path", r.opts.ChangelogPath, "error", err)
		return
	}
	slog.Debug("change log written", "path", r.opts.ChangelogPath, "entries", len(entries))
}

// audit runs with muSync held.
func (r *Runner) audit(report *Report) {
	if r.opts.DisableAudit {
		return
	}
	journal, err := r.Journal()
	if err != nil {
		slog.Warn("audit journal unavailable", "path", r.opts.AuditDBPath, "error", err)
		return
	}
	if err := journal.Record(report); err != nil {
		slog.Warn("audit journal", "run", report.RunID, "error", err)
	}
}
