package checkout

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openmined/scmmirror/internal/catalog"
	"github.com/openmined/scmmirror/internal/catalog/catalogtest"
	"github.com/openmined/scmmirror/internal/checkpoint"
	"github.com/openmined/scmmirror/internal/clock"
	"github.com/openmined/scmmirror/internal/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var mtime = time.UnixMilli(1700000000000)

type fixture struct {
	root  string
	cat   *catalogtest.Catalog
	store *checkpoint.Store
	cs    *reconcile.ChangeSet
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	cat := catalogtest.New()
	a := cat.Put("a.txt", 1, mtime, "alpha")
	b := cat.Put("dir/b.txt", 2, mtime.Add(time.Second), "bravo")

	writeLocal(t, root, "old/stale.txt", "stale")

	return &fixture{
		root:  root,
		cat:   cat,
		store: checkpoint.NewStore(filepath.Join(root, ".scmmirror", "checkpoint.csv"), root),
		cs: &reconcile.ChangeSet{
			Checkout: []*catalog.RemoteFileRecord{a, b},
			Delete:   []string{"old/stale.txt"},
			Checkpoint: []checkpoint.Record{
				{Path: "a.txt", Revision: 1, ModTime: mtime},
				{Path: "dir/b.txt", Revision: 2, ModTime: mtime.Add(time.Second)},
			},
			ComparisonAvailable: true,
		},
	}
}

func writeLocal(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

func (f *fixture) orchestrator(mutate ...func(*Options)) *Orchestrator {
	opts := Options{Root: f.root, Checkpoint: f.store, Workers: 2}
	for _, m := range mutate {
		m(&opts)
	}
	return New(opts)
}

func TestExecute_FetchCommitDeletePersist(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var reports []Progress
	sink := SinkFunc(func(p Progress) {
		mu.Lock()
		defer mu.Unlock()
		reports = append(reports, p)
	})

	var phases []Phase
	machine := NewMachine(func(_, to Phase) { phases = append(phases, to) })

	res, err := f.orchestrator(func(o *Options) {
		o.Progress = sink
		o.Phases = machine
	}).Execute(context.Background(), f.cat, f.cs)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"a.txt", "dir/b.txt"}, res.Fetched)
	assert.Empty(t, res.FetchFailed)
	assert.True(t, res.Committed)
	assert.Equal(t, int64(10), res.Bytes)
	assert.Equal(t, []string{"old/stale.txt"}, res.Deleted)
	assert.True(t, res.CheckpointWritten)
	assert.Equal(t, 2, res.CheckpointRecords)

	content, err := os.ReadFile(filepath.Join(f.root, "dir", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "bravo", string(content))

	info, err := os.Stat(filepath.Join(f.root, "a.txt"))
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(mtime))

	assert.NoDirExists(t, filepath.Join(f.root, "old"))

	records, err := f.store.Load()
	require.NoError(t, err)
	assert.Len(t, records, 2)

	opts := f.cat.LastOptions
	assert.Equal(t, catalog.LockUnlocked, opts.LockMode)
	assert.True(t, opts.Force)
	assert.True(t, opts.PreserveModTime)

	require.NotEmpty(t, reports)
	last := reports[len(reports)-1]
	assert.Equal(t, 2, last.Completed)
	assert.Equal(t, 2, last.Total)
	assert.Equal(t, 100.0, last.Percent)

	assert.Equal(t, []Phase{PhaseFetching, PhaseCommitting, PhaseDeleting, PhasePersistingCheckpoint, PhaseDone}, phases)
}

func TestExecute_FailedFetchExcludedFromCheckpoint(t *testing.T) {
	f := newFixture(t)
	f.cat.FailPaths["dir/b.txt"] = errors.New("permission denied")

	res, err := f.orchestrator().Execute(context.Background(), f.cat, f.cs)
	require.NoError(t, err)

	assert.Equal(t, []string{"a.txt"}, res.Fetched)
	assert.Contains(t, res.FetchFailed, "dir/b.txt")
	assert.True(t, res.CheckpointWritten)

	records, err := f.store.Load()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a.txt", records[0].Path)
	assert.NoFileExists(t, filepath.Join(f.root, "dir", "b.txt"))
}

func TestExecute_NothingFetchedSkipsCommit(t *testing.T) {
	f := newFixture(t)
	f.cat.FailPaths["a.txt"] = errors.New("gone")
	f.cat.FailPaths["dir/b.txt"] = errors.New("gone")
	f.cat.CommitErr = errors.New("must not be called")

	res, err := f.orchestrator().Execute(context.Background(), f.cat, f.cs)
	require.NoError(t, err)
	assert.False(t, res.Committed)
	assert.Len(t, res.FetchFailed, 2)
}

func TestExecute_MissingDeleteIsWarned(t *testing.T) {
	f := newFixture(t)
	f.cs.Delete = append(f.cs.Delete, "never/existed.txt")

	res, err := f.orchestrator().Execute(context.Background(), f.cat, f.cs)
	require.NoError(t, err)
	assert.Equal(t, []string{"old/stale.txt"}, res.Deleted)
	assert.Equal(t, []string{"never/existed.txt"}, res.DeleteMissing)
	assert.Empty(t, res.DeleteFailed)
}

func TestExecute_CheckpointFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	writeLocal(t, f.root, "blocker", "file")
	f.store = checkpoint.NewStore(filepath.Join(f.root, "blocker", "checkpoint.csv"), f.root)

	res, err := f.orchestrator().Execute(context.Background(), f.cat, f.cs)
	require.NoError(t, err)
	assert.False(t, res.CheckpointWritten)
	assert.Error(t, res.CheckpointErr)
	assert.FileExists(t, filepath.Join(f.root, "a.txt"))
}

func TestExecute_Errors(t *testing.T) {
	t.Run("invalid plan", func(t *testing.T) {
		f := newFixture(t)
		f.cs.Delete = []string{"a.txt"}
		machine := NewMachine(nil)
		_, err := f.orchestrator(func(o *Options) { o.Phases = machine }).Execute(context.Background(), f.cat, f.cs)
		assert.ErrorIs(t, err, reconcile.ErrInvalidPlan)
		assert.Equal(t, PhaseFailed, machine.Phase())
		assert.Equal(t, 0, f.cat.FetchCalls)
	})

	t.Run("fetch session", func(t *testing.T) {
		f := newFixture(t)
		f.cat.FetchErr = errors.New("session expired")
		_, err := f.orchestrator().Execute(context.Background(), f.cat, f.cs)
		assert.ErrorIs(t, err, ErrFetch)
		assert.FileExists(t, filepath.Join(f.root, "old", "stale.txt"))
	})

	t.Run("commit", func(t *testing.T) {
		f := newFixture(t)
		f.cat.CommitErr = errors.New("disk full")
		_, err := f.orchestrator().Execute(context.Background(), f.cat, f.cs)
		assert.ErrorIs(t, err, ErrCommit)
		assert.NoFileExists(t, f.store.Path())
	})

	t.Run("cancelled", func(t *testing.T) {
		f := newFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := f.orchestrator().Execute(ctx, f.cat, f.cs)
		assert.ErrorIs(t, err, context.Canceled)
		assert.NoFileExists(t, f.store.Path())
	})
}

func TestQuietThresholds(t *testing.T) {
	o := New(Options{Root: t.TempDir()})
	assert.False(t, o.FetchQuiet(2000))
	assert.True(t, o.FetchQuiet(2001))
	assert.False(t, o.DeleteQuiet(100))
	assert.True(t, o.DeleteQuiet(101))
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestExecute_QuietSuppressesPerFileLogs(t *testing.T) {
	count := func(logs, msg string) int {
		return strings.Count(logs, "msg="+msg+" ")
	}

	f := newFixture(t)
	logs := captureLogs(t)
	_, err := f.orchestrator().Execute(context.Background(), f.cat, f.cs)
	require.NoError(t, err)
	assert.Equal(t, 2, count(logs.String(), "fetch"))
	assert.Equal(t, 1, count(logs.String(), "deleted"))

	f = newFixture(t)
	logs = captureLogs(t)
	_, err = f.orchestrator(func(o *Options) {
		o.FetchQuietThreshold = 1
		o.DeleteQuietThreshold = 1
		f.cs.Delete = append(f.cs.Delete, "missing.txt")
	}).Execute(context.Background(), f.cat, f.cs)
	require.NoError(t, err)
	assert.Equal(t, 0, count(logs.String(), "fetch"))
	assert.Equal(t, 0, count(logs.String(), "deleted"))
}

func TestCleanupEmptyParentDirs(t *testing.T) {
	root := t.TempDir()
	writeLocal(t, root, "a/b/c/.DS_Store", "")
	writeLocal(t, root, "a/keep.txt", "x")

	cleanupEmptyParentDirs(filepath.Join(root, "a", "b", "c"), root, nil)

	assert.NoDirExists(t, filepath.Join(root, "a", "b"))
	assert.FileExists(t, filepath.Join(root, "a", "keep.txt"))
	assert.DirExists(t, root)
}

func TestCleanupEmptyParentDirs_KeepsTrackedJunk(t *testing.T) {
	root := t.TempDir()
	writeLocal(t, root, "dir/Thumbs.db", "thumbs")
	writeLocal(t, root, "dir/.DS_Store", "")

	cleanupEmptyParentDirs(filepath.Join(root, "dir"), root, map[string]struct{}{"dir/Thumbs.db": {}})

	assert.FileExists(t, filepath.Join(root, "dir", "Thumbs.db"))
	// nothing is removed from a directory that stays
	assert.FileExists(t, filepath.Join(root, "dir", ".DS_Store"))
}

func TestProgressTracker_Throttles(t *testing.T) {
	clk := clock.NewFake(mtime)
	var got []Progress
	tracker := newProgressTracker(4, 5*time.Second, SinkFunc(func(p Progress) { got = append(got, p) }), clk)

	tracker.done("a")
	assert.Empty(t, got)

	clk.Advance(5 * time.Second)
	tracker.done("b")
	tracker.done("b")
	require.Len(t, got, 1)
	assert.Equal(t, Progress{Completed: 2, Total: 4, Percent: 50, LastPath: "b"}, got[0])

	tracker.done("c")
	assert.Len(t, got, 1)

	tracker.done("d")
	require.Len(t, got, 2)
	assert.Equal(t, Progress{Completed: 4, Total: 4, Percent: 100, LastPath: "d"}, got[1])
}

func TestChannelSink_KeepsCompletion(t *testing.T) {
	sink := NewChannelSink(1)
	sink.Report(Progress{Completed: 1, Total: 3})
	sink.Report(Progress{Completed: 2, Total: 3})
	sink.Report(Progress{Completed: 3, Total: 3})
	sink.Close()
	sink.Report(Progress{Completed: 3, Total: 3})

	var got []Progress
	for p := range sink.C() {
		got = append(got, p)
	}
	assert.Equal(t, []Progress{{Completed: 3, Total: 3}}, got)
}

func TestMachine(t *testing.T) {
	m := NewMachine(nil)
	assert.Equal(t, PhaseIdle, m.Phase())

	require.NoError(t, m.Advance(PhaseScanning))
	require.NoError(t, m.Advance(PhaseReconciling))
	require.NoError(t, m.Advance(PhaseDeleting))
	require.NoError(t, m.Advance(PhaseDeleting))
	assert.Error(t, m.Advance(PhaseFetching))

	m.Fail()
	assert.Equal(t, PhaseFailed, m.Phase())
	assert.Error(t, m.Advance(PhaseDone))

	assert.Equal(t, "persisting-checkpoint", PhasePersistingCheckpoint.String())
	assert.Equal(t, "phase(42)", Phase(42).String())
}
