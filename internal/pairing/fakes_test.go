package pairing

import (
	"context"
	"sync"
	"time"

	"safewatch/internal/alerts"
	"safewatch/internal/types"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type code struct {
	lookup types.PairingLookup
}

// memStore implements CodeStore and LinkStore in memory.
type memStore struct {
	mu    sync.Mutex
	codes map[string]*code
	links map[string]types.LinkState
	err   error
}

func newMemStore() *memStore {
	return &memStore{codes: map[string]*code{}, links: map[string]types.LinkState{}}
}

func linkKey(g, c string) string { return g + "/" + c }

func (m *memStore) RegisterCode(_ context.Context, childID, childName, pinHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.codes[pinHash] = &code{lookup: types.PairingLookup{
		Status:    types.PairingWaitingForApproval,
		ChildID:   childID,
		ChildName: childName,
	}}
	return nil
}

func (m *memStore) LookupCode(_ context.Context, pinHash string) (types.PairingLookup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return types.PairingLookup{}, m.err
	}
	c, ok := m.codes[pinHash]
	if !ok {
		return types.PairingLookup{Status: types.PairingNotFound}, nil
	}
	return c.lookup, nil
}

func (m *memStore) SetCodeStatus(_ context.Context, pinHash string, status types.PairingCodeStatus, guardianID, parentName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[pinHash]
	if !ok {
		return nil
	}
	c.lookup.Status = status
	c.lookup.GuardianID = guardianID
	c.lookup.ParentName = parentName
	return nil
}

func (m *memStore) GetLink(_ context.Context, guardianID, childID string) (types.LinkState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return types.LinkState{}, false, m.err
	}
	l, ok := m.links[linkKey(guardianID, childID)]
	return l, ok, nil
}

func (m *memStore) SaveLink(_ context.Context, link types.LinkState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if link.IsAdmin {
		for _, l := range m.links {
			if l.ChildID == link.ChildID && l.IsAdmin && l.GuardianID != link.GuardianID {
				return types.NewAppError(types.ErrCodeConflictAdmin, "child already has an admin guardian", nil)
			}
		}
	}
	m.links[linkKey(link.GuardianID, link.ChildID)] = link
	return nil
}

func (m *memStore) AdminLink(_ context.Context, childID string) (types.LinkState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.links {
		if l.ChildID == childID && l.IsAdmin && l.Status == types.LinkLinked {
			return l, true, nil
		}
	}
	return types.LinkState{}, false, nil
}

func (m *memStore) CountLinked(_ context.Context, childID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	n := 0
	for _, l := range m.links {
		if l.ChildID == childID && l.Status == types.LinkLinked {
			n++
		}
	}
	return n, nil
}

func (m *memStore) DeleteLink(_ context.Context, guardianID, childID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.links, linkKey(guardianID, childID))
	return nil
}

// staleAdminStore misses the admin on its first AdminLink call, as a second
// engine reading before the first engine's commit would.
type staleAdminStore struct {
	*memStore
	missed bool
}

func (s *staleAdminStore) AdminLink(ctx context.Context, childID string) (types.LinkState, bool, error) {
	if !s.missed {
		s.missed = true
		return types.LinkState{}, false, nil
	}
	return s.memStore.AdminLink(ctx, childID)
}

type fakeNotifier struct {
	mu         sync.Mutex
	candidates []alerts.Candidate
	err        error
}

func (n *fakeNotifier) Submit(_ context.Context, c alerts.Candidate) (alerts.Result, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.candidates = append(n.candidates, c)
	return alerts.Result{Emitted: n.err == nil}, n.err
}

// pinSeq returns the given PINs in order.
func pinSeq(pins ...string) func() (string, error) {
	i := 0
	return func() (string, error) {
		p := pins[i%len(pins)]
		i++
		return p, nil
	}
}
