package mirror

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/openmined/scmmirror/internal/scanner"
	"github.com/openmined/scmmirror/internal/utils"
)

const lockFile = "mirror.lock"

var (
	ErrWorkspaceLocked    = errors.New("workspace locked by another process")
	ErrSyncAlreadyRunning = errors.New("sync already running")
)

// workspaceLock keeps a single pass per workspace, both within this process and across
// processes sharing the directory.
type workspaceLock struct {
	metadataDir string
	flock       *flock.Flock
}

func newWorkspaceLock(root string) *workspaceLock {
	metadataDir := filepath.Join(root, scanner.MetadataDir)
	return &workspaceLock{
		metadataDir: metadataDir,
		flock:       flock.New(filepath.Join(metadataDir, lockFile)),
	}
}

func (l *workspaceLock) Path() string {
	return l.flock.Path()
}

func (l *workspaceLock) Lock() error {
	if err := utils.EnsureDir(l.metadataDir); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", l.metadataDir, err)
	}

	locked, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock workspace: %w", err)
	}
	if !locked {
		return ErrWorkspaceLocked
	}
	return nil
}

func (l *workspaceLock) Unlock() error {
	// a lock file held by someone else stays in place
	if !l.flock.Locked() {
		return nil
	}

	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock workspace: %w", err)
	}
	if err := os.Remove(l.flock.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
