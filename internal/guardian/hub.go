// Package guardian hosts the per-guardian background work of the engine:
// the alert listener, the link liveness poll and any pending pairing
// approval polls.
//
// A guardian is connected with the children it believes it is linked to.
// Approval polls that reach PairingLinked add the child to the guardian's
// liveness set; liveness polls that find a link gone drop it.
package guardian

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"safewatch/internal/alerts"
	"safewatch/internal/clock"
	"safewatch/internal/pairing"
	"safewatch/internal/scheduler"
	"safewatch/internal/types"
)

// ListenerHost runs alert listeners keyed by guardian.
type ListenerHost interface {
	Ensure(guardianID string) *alerts.Listener
	Remove(guardianID string)
}

// Deps holds the Hub's collaborators. Metrics is optional.
type Deps struct {
	Listeners ListenerHost
	Status    pairing.StatusChecker
	Links     pairing.LinkChecker
	Unlinker  pairing.Unlinker
	Metrics   pairing.PollMetrics
	Clock     clock.Clock
	Logger    types.Logger
}

// State is a connected guardian's view for the control API.
type State struct {
	GuardianID   string                             `json:"guardian_id"`
	Linked       []string                           `json:"linked"`
	Reconnecting bool                               `json:"reconnecting"`
	Pending      map[string]types.PairingCodeStatus `json:"pending,omitempty"`
}

// Hub supervises the goroutines of every connected guardian.
type Hub struct {
	deps Deps
	cfg  pairing.PollerConfig

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu        sync.Mutex
	guardians map[string]*connection
}

type connection struct {
	liveness     *pairing.LivenessPoller
	cancel       context.CancelFunc
	reconnecting bool
	approvals    map[string]*approval // keyed by PIN
}

type approval struct {
	poller *pairing.ApprovalPoller
	cancel context.CancelFunc
}

// NewHub returns an empty Hub whose goroutines live until Close.
func NewHub(deps Deps, cfg pairing.PollerConfig) *Hub {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = types.NopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		deps:      deps,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		group:     &errgroup.Group{},
		guardians: make(map[string]*connection),
	}
}

// Connect starts the alert listener and liveness poll for guardianID. A
// guardian already connected has children added to its liveness set.
func (h *Hub) Connect(guardianID string, children []string) State {
	h.mu.Lock()
	c, ok := h.guardians[guardianID]
	if ok {
		for _, child := range children {
			c.liveness.Track(child)
		}
		h.mu.Unlock()
		return h.stateOf(guardianID)
	}

	c = h.connectLocked(guardianID, children)
	h.mu.Unlock()

	h.deps.Listeners.Ensure(guardianID)
	h.deps.Logger.Info("guardian connected", "guardian_id", guardianID, "children", len(children))
	return h.stateOf(guardianID)
}

func (h *Hub) connectLocked(guardianID string, children []string) *connection {
	ctx, cancel := context.WithCancel(h.ctx)
	p := pairing.NewLivenessPoller(h.deps.Links, h.deps.Unlinker, guardianID, children,
		h.cfg, h.deps.Clock, h.deps.Logger, h.deps.Metrics)
	c := &connection{
		liveness:  p,
		cancel:    cancel,
		approvals: make(map[string]*approval),
	}
	p.OnStatus = func(s scheduler.Status) { h.setReconnecting(guardianID, s == scheduler.StatusReconnecting) }
	p.OnUnlinked = func(childID string) {
		h.deps.Logger.Warn("child unlinked by liveness poll", "guardian_id", guardianID, "child_id", childID)
	}
	h.guardians[guardianID] = c
	h.group.Go(func() error {
		if err := p.Run(ctx); err != nil && ctx.Err() == nil {
			h.deps.Logger.Error("liveness poll stopped", "guardian_id", guardianID, "error", err)
		}
		return nil
	})
	return c
}

// Disconnect stops everything running for guardianID.
func (h *Hub) Disconnect(guardianID string) {
	h.mu.Lock()
	c, ok := h.guardians[guardianID]
	if ok {
		delete(h.guardians, guardianID)
		c.cancel()
		for _, a := range c.approvals {
			a.cancel()
		}
	}
	h.mu.Unlock()
	if ok {
		h.deps.Listeners.Remove(guardianID)
		h.deps.Logger.Info("guardian disconnected", "guardian_id", guardianID)
	}
}

// WatchApproval polls the status of pin on behalf of guardianID until the
// request is linked, rejected or gone. A linked request adds the child to
// the guardian's liveness set. The guardian is connected if it was not.
// Finished polls leave the pending set; a rejection stays visible until the
// dismiss delay has passed, after which the same PIN can be watched again.
func (h *Hub) WatchApproval(guardianID, pin string) {
	h.mu.Lock()
	c, ok := h.guardians[guardianID]
	if !ok {
		c = h.connectLocked(guardianID, nil)
	}
	if _, watching := c.approvals[pin]; watching {
		h.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(h.ctx)
	p := pairing.NewApprovalPoller(h.deps.Status, guardianID, pin, h.cfg, h.deps.Clock, h.deps.Logger, h.deps.Metrics)
	a := &approval{poller: p, cancel: cancel}
	p.OnChange = func(l types.PairingLookup) {
		if l.Status == types.PairingLinked && l.ChildID != "" {
			h.track(guardianID, l.ChildID)
		}
	}
	p.OnDismiss = func() { h.dropApproval(guardianID, pin, a) }
	p.OnStatus = func(s scheduler.Status) { h.setReconnecting(guardianID, s == scheduler.StatusReconnecting) }
	c.approvals[pin] = a
	h.mu.Unlock()

	if !ok {
		h.deps.Listeners.Ensure(guardianID)
	}

	h.group.Go(func() error {
		defer h.dropApproval(guardianID, pin, a)
		status, err := p.Run(ctx)
		if err != nil && ctx.Err() == nil {
			h.deps.Logger.Error("approval poll stopped", "guardian_id", guardianID, "error", err)
		}
		h.deps.Logger.Info("approval poll finished", "guardian_id", guardianID, "status", string(status))
		return nil
	})
}

// dropApproval removes a from the guardian's pending set unless the PIN is
// already watched by a newer poll.
func (h *Hub) dropApproval(guardianID, pin string, a *approval) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.guardians[guardianID]
	if !ok || c.approvals[pin] != a {
		return
	}
	delete(c.approvals, pin)
	a.cancel()
}

// State returns the connection state of guardianID.
func (h *Hub) State(guardianID string) (State, bool) {
	h.mu.Lock()
	_, ok := h.guardians[guardianID]
	h.mu.Unlock()
	if !ok {
		return State{}, false
	}
	return h.stateOf(guardianID), true
}

// Connected lists the connected guardians, sorted.
func (h *Hub) Connected() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.guardians))
	for id := range h.guardians {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close stops every guardian's goroutines and waits for them to exit.
func (h *Hub) Close() error {
	h.cancel()
	h.mu.Lock()
	ids := make([]string, 0, len(h.guardians))
	for id := range h.guardians {
		ids = append(ids, id)
	}
	h.guardians = make(map[string]*connection)
	h.mu.Unlock()
	for _, id := range ids {
		h.deps.Listeners.Remove(id)
	}
	return h.group.Wait()
}

func (h *Hub) track(guardianID, childID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.guardians[guardianID]; ok {
		c.liveness.Track(childID)
	}
}

func (h *Hub) setReconnecting(guardianID string, v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.guardians[guardianID]; ok {
		c.reconnecting = v
	}
}

func (h *Hub) stateOf(guardianID string) State {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := State{GuardianID: guardianID}
	c, ok := h.guardians[guardianID]
	if !ok {
		return st
	}
	st.Linked = c.liveness.Linked()
	sort.Strings(st.Linked)
	st.Reconnecting = c.reconnecting
	if len(c.approvals) > 0 {
		st.Pending = make(map[string]types.PairingCodeStatus, len(c.approvals))
		for pin, a := range c.approvals {
			st.Pending[pin] = a.poller.Last()
		}
	}
	return st
}
