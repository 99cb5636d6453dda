package pairing

import (
	"fmt"

	"safewatch/internal/types"
)

// transitions lists the legal next states for each link status.
var transitions = map[types.LinkStatus][]types.LinkStatus{
	types.LinkNone:            {types.LinkPendingApproval, types.LinkLinked},
	types.LinkPendingApproval: {types.LinkLinked, types.LinkRejected, types.LinkUnlinked},
	types.LinkLinked:          {types.LinkUnlinked},
	types.LinkRejected:        {types.LinkNone},
	types.LinkUnlinked:        {types.LinkNone},
}

// Machine guards the status of one (guardian, child) link.
type Machine struct {
	status types.LinkStatus
}

// NewMachine returns a machine in status. An empty status means LinkNone.
func NewMachine(status types.LinkStatus) *Machine {
	if status == "" {
		status = types.LinkNone
	}
	return &Machine{status: status}
}

// Status returns the current status.
func (m *Machine) Status() types.LinkStatus { return m.status }

// Can reports whether moving to next is legal.
func (m *Machine) Can(next types.LinkStatus) bool {
	for _, s := range transitions[m.status] {
		if s == next {
			return true
		}
	}
	return false
}

// Transition moves to next or returns a conflict error.
func (m *Machine) Transition(next types.LinkStatus) error {
	if !m.Can(next) {
		return types.NewAppError(types.ErrCodeConflictTransition,
			fmt.Sprintf("link cannot move from %s to %s", m.status, next), nil)
	}
	m.status = next
	return nil
}

// Reopen moves a terminal link (rejected or unlinked) back to LinkNone so a
// fresh PIN can be submitted. It is a no-op for other statuses.
func (m *Machine) Reopen() {
	if m.status == types.LinkRejected || m.status == types.LinkUnlinked {
		m.status = types.LinkNone
	}
}
