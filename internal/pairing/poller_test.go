package pairing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safewatch/internal/clock"
	"safewatch/internal/scheduler"
	"safewatch/internal/types"
)

type scriptedChecker struct {
	mu      sync.Mutex
	results []types.PairingLookup
	errs    []error
	calls   int
}

func (c *scriptedChecker) PairingStatus(context.Context, string) (types.PairingLookup, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	c.calls++
	if i < len(c.errs) && c.errs[i] != nil {
		return types.PairingLookup{}, c.errs[i]
	}
	if i >= len(c.results) {
		return c.results[len(c.results)-1], nil
	}
	return c.results[i], nil
}

type linkSet struct {
	mu    sync.Mutex
	gone  map[string]bool
	err   error
	calls int
}

func (s *linkSet) LinkExists(_ context.Context, _, childID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return false, s.err
	}
	return !s.gone[childID], nil
}

type recordingUnlinker struct {
	mu       sync.Mutex
	unlinked []string
}

func (u *recordingUnlinker) Unlink(_ context.Context, _, childID string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.unlinked = append(u.unlinked, childID)
	return nil
}

type countingPollMetrics struct {
	mu    sync.Mutex
	fails map[string]int
}

func (m *countingPollMetrics) RecordPollFailure(_ context.Context, poller string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fails == nil {
		m.fails = map[string]int{}
	}
	m.fails[poller]++
}

func waitForTimer(t *testing.T, c *clock.Fake) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Pending() > 0 }, time.Second, time.Millisecond)
}

func TestApprovalPoller_Poll_StatusChanges(t *testing.T) {
	checker := &scriptedChecker{results: []types.PairingLookup{
		{Status: types.PairingWaitingForApproval},
		{Status: types.PairingWaitingForApproval},
		{Status: types.PairingLinked, ChildID: "child-1"},
	}}
	p := NewApprovalPoller(checker, "g-2", "123456", DefaultPollerConfig(), clock.NewFake(t0), nil, nil)
	var changes []types.PairingCodeStatus
	p.OnChange = func(l types.PairingLookup) { changes = append(changes, l.Status) }

	ctx := context.Background()
	require.NoError(t, p.Poll(ctx))
	require.NoError(t, p.Poll(ctx))
	assert.ErrorIs(t, p.Poll(ctx), scheduler.ErrDone)

	assert.Equal(t, []types.PairingCodeStatus{types.PairingWaitingForApproval, types.PairingLinked}, changes)
	assert.Equal(t, types.PairingLinked, p.Last())
}

func TestApprovalPoller_Run_RejectionAutoDismisses(t *testing.T) {
	c := clock.NewFake(t0)
	checker := &scriptedChecker{results: []types.PairingLookup{
		{Status: types.PairingWaitingForApproval},
		{Status: types.PairingRejected},
	}}
	p := NewApprovalPoller(checker, "g-2", "123456", DefaultPollerConfig(), c, nil, nil)
	dismissed := make(chan time.Time, 1)
	p.OnDismiss = func() { dismissed <- c.Now() }

	done := make(chan types.PairingCodeStatus, 1)
	go func() {
		st, err := p.Run(context.Background())
		assert.NoError(t, err)
		done <- st
	}()

	// Poll 1 at t0, then wait the 3s interval.
	waitForTimer(t, c)
	c.Advance(3 * time.Second)
	// Poll 2 sees the rejection and waits 3s before dismissing.
	waitForTimer(t, c)
	c.Advance(3 * time.Second)

	select {
	case at := <-dismissed:
		assert.Equal(t, t0.Add(6*time.Second), at)
	case <-time.After(time.Second):
		t.Fatal("rejection was not dismissed")
	}
	assert.Equal(t, types.PairingRejected, <-done)
}

func TestApprovalPoller_Poll_FailureRecorded(t *testing.T) {
	metrics := &countingPollMetrics{}
	checker := &scriptedChecker{
		errs:    []error{errors.New("timeout")},
		results: []types.PairingLookup{{Status: types.PairingWaitingForApproval}},
	}
	p := NewApprovalPoller(checker, "g-2", "123456", DefaultPollerConfig(), clock.NewFake(t0), nil, metrics)

	err := p.Poll(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, scheduler.ErrDone)
	assert.Equal(t, 1, metrics.fails["pairing_approval"])
	assert.Equal(t, types.PairingCodeStatus(""), p.Last())

	require.NoError(t, p.Poll(context.Background()))
}

func TestApprovalPoller_Poll_NotFoundEnds(t *testing.T) {
	checker := &scriptedChecker{results: []types.PairingLookup{{Status: types.PairingNotFound}}}
	p := NewApprovalPoller(checker, "g-2", "123456", DefaultPollerConfig(), clock.NewFake(t0), nil, nil)
	assert.ErrorIs(t, p.Poll(context.Background()), scheduler.ErrDone)
}

func TestLivenessPoller_Poll_RemovesGoneLinks(t *testing.T) {
	links := &linkSet{gone: map[string]bool{"child-2": true}}
	unlinker := &recordingUnlinker{}
	p := NewLivenessPoller(links, unlinker, "g-1", []string{"child-1", "child-2"}, DefaultPollerConfig(), clock.NewFake(t0), nil, nil)
	var removed []string
	p.OnUnlinked = func(childID string) { removed = append(removed, childID) }

	require.NoError(t, p.Poll(context.Background()))

	assert.Equal(t, []string{"child-1"}, p.Linked())
	assert.Equal(t, []string{"child-2"}, unlinker.unlinked)
	assert.Equal(t, []string{"child-2"}, removed)

	require.NoError(t, p.Poll(context.Background()))
	assert.Len(t, unlinker.unlinked, 1)
}

func TestLivenessPoller_Poll_ErrorKeepsLinks(t *testing.T) {
	metrics := &countingPollMetrics{}
	links := &linkSet{err: errors.New("503")}
	p := NewLivenessPoller(links, nil, "g-1", []string{"child-1", "child-2"}, DefaultPollerConfig(), clock.NewFake(t0), nil, metrics)

	err := p.Poll(context.Background())
	require.Error(t, err)
	assert.Len(t, p.Linked(), 2)
	assert.Equal(t, 2, links.calls, "remaining links are still checked")
	assert.Equal(t, 1, metrics.fails["pairing_liveness"])
}

func TestLivenessPoller_Run_ReportsReconnecting(t *testing.T) {
	c := clock.NewFake(t0)
	links := &linkSet{err: errors.New("503")}
	cfg := DefaultPollerConfig()
	p := NewLivenessPoller(links, nil, "g-1", []string{"child-1"}, cfg, c, nil, nil)
	statuses := make(chan scheduler.Status, 1)
	p.OnStatus = func(s scheduler.Status) { statuses <- s }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	for i := 0; i < cfg.ReconnectingAfter-1; i++ {
		waitForTimer(t, c)
		c.Advance(cfg.BackoffMax)
	}

	select {
	case s := <-statuses:
		assert.Equal(t, scheduler.StatusReconnecting, s)
	case <-time.After(time.Second):
		t.Fatal("no reconnecting status")
	}
	cancel()
	require.NoError(t, <-done)
}
