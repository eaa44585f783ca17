// Package changelog builds the audit trail of a sync pass and exports it for downstream tools.
package changelog

import (
	"time"
)

// Kind classifies why a file appears in the change log.
type Kind string

const (
	KindAdded    Kind = "added"
	KindChange   Kind = "change"
	KindRollback Kind = "rollback"
	KindRemoved  Kind = "removed"
	KindDirty    Kind = "dirty"
)

const (
	UnknownActor   = "unknown"
	RemovedMessage = "file deleted"
	DirtyMessage   = "untracked local file removed"
)

// Entry is one line of the change log. Entries are immutable once appended.
type Entry struct {
	Path      string    `json:"path" yaml:"path"`
	Revision  int       `json:"revision" yaml:"revision"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Actor     string    `json:"actor" yaml:"actor"`
	Message   string    `json:"message,omitempty" yaml:"message,omitempty"`
	Kind      Kind      `json:"kind" yaml:"kind"`
}

// Counts tallies entries per kind.
func Counts(entries []*Entry) map[Kind]int {
	counts := make(map[Kind]int)
	for _, e := range entries {
		counts[e.Kind]++
	}
	return counts
}
