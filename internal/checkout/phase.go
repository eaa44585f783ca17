package checkout

import (
	"fmt"
	"log/slog"
	"sync"
)

// Phase is a step of a mirror pass. Phases only move forward.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseScanning
	PhaseReconciling
	PhaseFetching
	PhaseCommitting
	PhaseDeleting
	PhasePersistingCheckpoint
	PhaseDone
	PhaseFailed
)

var phaseNames = map[Phase]string{
	PhaseIdle:                 "idle",
	PhaseScanning:             "scanning",
	PhaseReconciling:          "reconciling",
	PhaseFetching:             "fetching",
	PhaseCommitting:           "committing",
	PhaseDeleting:             "deleting",
	PhasePersistingCheckpoint: "persisting-checkpoint",
	PhaseDone:                 "done",
	PhaseFailed:               "failed",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// Machine tracks the phase of one pass. Steps that have nothing to do may be skipped,
// but a pass never goes back. Failed is reachable from every non-terminal phase.
type Machine struct {
	mu       sync.Mutex
	phase    Phase
	onChange func(from, to Phase)
}

// NewMachine starts in PhaseIdle. onChange may be nil.
func NewMachine(onChange func(from, to Phase)) *Machine {
	return &Machine{onChange: onChange}
}

func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Advance moves to the given phase. Advancing to the current phase is a no-op.
func (m *Machine) Advance(to Phase) error {
	m.mu.Lock()
	from := m.phase
	switch {
	case from == to:
		m.mu.Unlock()
		return nil
	case from.Terminal():
		m.mu.Unlock()
		return fmt.Errorf("pass already %s, cannot move to %s", from, to)
	case to != PhaseFailed && to < from:
		m.mu.Unlock()
		return fmt.Errorf("invalid phase transition %s -> %s", from, to)
	}
	m.phase = to
	m.mu.Unlock()

	slog.Debug("phase", "from", from, "to", to)
	if m.onChange != nil {
		m.onChange(from, to)
	}
	return nil
}

// Fail moves to PhaseFailed unless the pass already finished.
func (m *Machine) Fail() {
	_ = m.Advance(PhaseFailed)
}
