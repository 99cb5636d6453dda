package pairing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"safewatch/internal/clock"
	"safewatch/internal/scheduler"
	"safewatch/internal/types"
)

// StatusChecker answers pairing-code status checks.
type StatusChecker interface {
	PairingStatus(ctx context.Context, pin string) (types.PairingLookup, error)
}

// LinkChecker reports whether a link still exists on the backend.
type LinkChecker interface {
	LinkExists(ctx context.Context, guardianID, childID string) (bool, error)
}

// PollMetrics records poll failures.
type PollMetrics interface {
	RecordPollFailure(ctx context.Context, poller string)
}

// PollerConfig holds poll timings.
type PollerConfig struct {
	ApprovalInterval   time.Duration
	RejectDismissAfter time.Duration
	LivenessInterval   time.Duration
	BackoffMax         time.Duration
	ReconnectingAfter  int
}

// DefaultPollerConfig returns the production poll timings.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		ApprovalInterval:   3 * time.Second,
		RejectDismissAfter: 3 * time.Second,
		LivenessInterval:   10 * time.Second,
		BackoffMax:         time.Minute,
		ReconnectingAfter:  3,
	}
}

// ApprovalPoller watches one submitted PIN until the request is approved,
// rejected or disappears.
type ApprovalPoller struct {
	checker    StatusChecker
	guardianID string
	pin        string
	cfg        PollerConfig
	clock      clock.Clock
	logger     types.Logger
	metrics    PollMetrics

	// OnChange is called for every observed status change.
	OnChange func(types.PairingLookup)
	// OnDismiss is called RejectDismissAfter after a rejection is observed.
	OnDismiss func()
	// OnStatus reports connectivity transitions.
	OnStatus func(scheduler.Status)

	mu   sync.Mutex
	last types.PairingCodeStatus
}

// NewApprovalPoller returns a poller for pin submitted by guardianID.
func NewApprovalPoller(checker StatusChecker, guardianID, pin string, cfg PollerConfig, clk clock.Clock, logger types.Logger, metrics PollMetrics) *ApprovalPoller {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &ApprovalPoller{
		checker:    checker,
		guardianID: guardianID,
		pin:        pin,
		cfg:        cfg,
		clock:      clk,
		logger:     logger.With("guardian_id", guardianID),
		metrics:    metrics,
	}
}

// Last returns the most recently observed status.
func (p *ApprovalPoller) Last() types.PairingCodeStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Run polls until a terminal status or ctx is done and returns the last
// observed status.
func (p *ApprovalPoller) Run(ctx context.Context) (types.PairingCodeStatus, error) {
	loop := &scheduler.Loop{
		Name:              "pairing-approval:" + p.guardianID,
		Interval:          p.cfg.ApprovalInterval,
		Backoff:           scheduler.Backoff{Min: p.cfg.ApprovalInterval, Max: p.cfg.BackoffMax},
		Task:              p.Poll,
		ReconnectingAfter: p.cfg.ReconnectingAfter,
		OnStatus:          p.OnStatus,
		Clock:             p.clock,
		Logger:            p.logger,
	}
	err := loop.Run(ctx)
	return p.Last(), err
}

// Poll performs one status check. It returns scheduler.ErrDone once the
// request reaches a terminal state.
func (p *ApprovalPoller) Poll(ctx context.Context) error {
	lookup, err := p.checker.PairingStatus(ctx, p.pin)
	if err != nil {
		if p.metrics != nil {
			p.metrics.RecordPollFailure(ctx, "pairing_approval")
		}
		return fmt.Errorf("check pairing status: %w", err)
	}

	p.mu.Lock()
	changed := lookup.Status != p.last
	p.last = lookup.Status
	p.mu.Unlock()

	if changed {
		p.logger.Info("pairing status changed", "status", string(lookup.Status))
		if p.OnChange != nil {
			p.OnChange(lookup)
		}
	}

	switch lookup.Status {
	case types.PairingLinked, types.PairingNotFound:
		return scheduler.ErrDone
	case types.PairingRejected:
		if err := scheduler.Sleep(ctx, p.clock, p.cfg.RejectDismissAfter); err != nil {
			return scheduler.ErrDone
		}
		if p.OnDismiss != nil {
			p.OnDismiss()
		}
		return scheduler.ErrDone
	default:
		return nil
	}
}

// Unlinker removes a link that vanished from the backend.
type Unlinker interface {
	Unlink(ctx context.Context, guardianID, childID string) error
}

// LivenessPoller periodically verifies a guardian's links and drops the ones
// the backend no longer knows about.
type LivenessPoller struct {
	checker    LinkChecker
	unlinker   Unlinker
	guardianID string
	cfg        PollerConfig
	clock      clock.Clock
	logger     types.Logger
	metrics    PollMetrics

	// OnStatus reports connectivity transitions.
	OnStatus func(scheduler.Status)
	// OnUnlinked is called for each child removed from the linked set.
	OnUnlinked func(childID string)

	mu     sync.Mutex
	linked map[string]struct{}
}

// NewLivenessPoller returns a poller over the given linked children.
func NewLivenessPoller(checker LinkChecker, unlinker Unlinker, guardianID string, children []string, cfg PollerConfig, clk clock.Clock, logger types.Logger, metrics PollMetrics) *LivenessPoller {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	linked := make(map[string]struct{}, len(children))
	for _, c := range children {
		linked[c] = struct{}{}
	}
	return &LivenessPoller{
		checker:    checker,
		unlinker:   unlinker,
		guardianID: guardianID,
		cfg:        cfg,
		clock:      clk,
		logger:     logger.With("guardian_id", guardianID),
		metrics:    metrics,
		linked:     linked,
	}
}

// Track adds childID to the linked set.
func (p *LivenessPoller) Track(childID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.linked[childID] = struct{}{}
}

// Linked returns the children still linked, in no particular order.
func (p *LivenessPoller) Linked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.linked))
	for c := range p.linked {
		out = append(out, c)
	}
	return out
}

// Run polls until ctx is done.
func (p *LivenessPoller) Run(ctx context.Context) error {
	loop := &scheduler.Loop{
		Name:              "pairing-liveness:" + p.guardianID,
		Interval:          p.cfg.LivenessInterval,
		Backoff:           scheduler.Backoff{Min: p.cfg.LivenessInterval, Max: p.cfg.BackoffMax},
		Task:              p.Poll,
		ReconnectingAfter: p.cfg.ReconnectingAfter,
		OnStatus:          p.OnStatus,
		Clock:             p.clock,
		Logger:            p.logger,
	}
	return loop.Run(ctx)
}

// Poll checks every linked child once. A check error fails the iteration
// after the remaining children have been checked.
func (p *LivenessPoller) Poll(ctx context.Context) error {
	var firstErr error
	for _, childID := range p.Linked() {
		ok, err := p.checker.LinkExists(ctx, p.guardianID, childID)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("check link %s: %w", childID, err)
			}
			continue
		}
		if ok {
			continue
		}

		p.mu.Lock()
		delete(p.linked, childID)
		p.mu.Unlock()

		if p.unlinker != nil {
			if err := p.unlinker.Unlink(ctx, p.guardianID, childID); err != nil && types.CodeOf(err) != types.ErrCodeNotFoundLink {
				p.logger.Warn("failed to clear local link", "child_id", childID, "error", err)
			}
		}
		p.logger.Info("link gone, guardian unlinked", "child_id", childID)
		if p.OnUnlinked != nil {
			p.OnUnlinked(childID)
		}
	}
	if firstErr != nil && p.metrics != nil {
		p.metrics.RecordPollFailure(ctx, "pairing_liveness")
	}
	return firstErr
}
