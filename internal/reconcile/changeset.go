package reconcile

import (
	"errors"
	"fmt"

	"github.com/openmined/scmmirror/internal/catalog"
	"github.com/openmined/scmmirror/internal/changelog"
	"github.com/openmined/scmmirror/internal/checkpoint"
)

var ErrInvalidPlan = errors.New("invalid change set")

// ChangeSet is the complete plan of one pass. It is computed before anything is mutated
// and owned by that pass alone.
type ChangeSet struct {
	// Checkout lists the remote files to fetch.
	Checkout []*catalog.RemoteFileRecord
	// Delete lists local paths absent from the remote catalog.
	Delete []string
	// Checkpoint is the state to persist once the plan has been executed.
	Checkpoint []checkpoint.Record
	// Changes is the audit trail, grouped by bucket in insertion order.
	Changes []*changelog.Entry
	// ComparisonAvailable is true when a non-empty checkpoint was diffed successfully.
	ComparisonAvailable bool
}

// Validate checks that every checkout path is checkpointed and that no path is
// both fetched and deleted.
func (cs *ChangeSet) Validate() error {
	checkpointed := make(map[string]struct{}, len(cs.Checkpoint))
	for _, rec := range cs.Checkpoint {
		checkpointed[rec.Path] = struct{}{}
	}

	fetched := make(map[string]struct{}, len(cs.Checkout))
	for _, rec := range cs.Checkout {
		if _, ok := checkpointed[rec.Path]; !ok {
			return fmt.Errorf("%w: checkout path %q missing from checkpoint", ErrInvalidPlan, rec.Path)
		}
		fetched[rec.Path] = struct{}{}
	}

	for _, path := range cs.Delete {
		if _, ok := fetched[path]; ok {
			return fmt.Errorf("%w: path %q is both fetched and deleted", ErrInvalidPlan, path)
		}
	}
	return nil
}

// HasChanges reports whether executing the plan would touch the workspace or
// produce change entries.
func (cs *ChangeSet) HasChanges() bool {
	return len(cs.Checkout) > 0 || len(cs.Delete) > 0 || len(cs.Changes) > 0
}

// CheckoutPaths returns the paths of the checkout list.
func (cs *ChangeSet) CheckoutPaths() []string {
	paths := make([]string, 0, len(cs.Checkout))
	for _, rec := range cs.Checkout {
		paths = append(paths, rec.Path)
	}
	return paths
}
