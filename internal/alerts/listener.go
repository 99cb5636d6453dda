package alerts

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"safewatch/internal/clock"
	"safewatch/internal/notify"
	"safewatch/internal/scheduler"
	"safewatch/internal/types"
)

// AlertSource is the guardian-side view of the alert store. ListAfter pages
// by the store-assigned sequence.
type AlertSource interface {
	ListAfter(ctx context.Context, guardianID string, afterSeq int64, limit int) ([]types.Alert, error)
	UpdateWatermark(ctx context.Context, guardianID string, c types.AlertCursor) error
	MarkDismissed(ctx context.Context, guardianID, alertID string) error
}

// ChildNames resolves display names for presentations.
type ChildNames interface {
	ChildName(ctx context.Context, childID string) (string, error)
}

// PollMetrics records listener poll failures.
type PollMetrics interface {
	RecordPollFailure(ctx context.Context, poller string)
}

// ListenerConfig configures a guardian alert listener.
type ListenerConfig struct {
	Interval          time.Duration
	Backoff           scheduler.Backoff
	ReconnectingAfter int
	BatchLimit        int
	SOSInterval       time.Duration
}

// DefaultListenerConfig returns the production listener settings.
func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		Interval:          3 * time.Second,
		Backoff:           scheduler.Backoff{Min: 3 * time.Second, Max: time.Minute},
		ReconnectingAfter: 3,
		BatchLimit:        100,
		SOSInterval:       DefaultSOSHapticInterval,
	}
}

// Listener surfaces new alerts for one guardian. The watermark is only
// touched from Poll and Dismiss, which are serialized.
type Listener struct {
	guardianID string
	source     AlertSource
	settings   SettingsSource
	names      ChildNames
	sink       notify.Sink
	metrics    PollMetrics
	cfg        ListenerConfig
	clock      clock.Clock
	logger     types.Logger

	mu    sync.Mutex
	wm    *Watermark
	sos   *SOSLoop
	sosAt types.AlertCursor

	reconnecting atomic.Bool
}

// ListenerDeps are the collaborators shared by all listeners.
type ListenerDeps struct {
	Source   AlertSource
	Settings SettingsSource
	Names    ChildNames
	Sink     notify.Sink
	Metrics  PollMetrics
	Clock    clock.Clock
	Logger   types.Logger
}

// NewListener returns a listener in the baseline phase.
func NewListener(guardianID string, deps ListenerDeps, cfg ListenerConfig) *Listener {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = types.NopLogger{}
	}
	def := DefaultListenerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = def.BatchLimit
	}
	logger := deps.Logger.With("guardian_id", guardianID)
	return &Listener{
		guardianID: guardianID,
		source:     deps.Source,
		settings:   deps.Settings,
		names:      deps.Names,
		sink:       deps.Sink,
		metrics:    deps.Metrics,
		cfg:        cfg,
		clock:      deps.Clock,
		logger:     logger,
		wm:         NewWatermark(),
		sos:        NewSOSLoop(deps.Clock, deps.Sink, guardianID, cfg.SOSInterval, logger),
	}
}

// Watermark exposes the listener's watermark.
func (l *Listener) Watermark() *Watermark { return l.wm }

// SOS exposes the listener's SOS loop.
func (l *Listener) SOS() *SOSLoop { return l.sos }

// Reconnecting reports whether the poll loop is currently failing.
func (l *Listener) Reconnecting() bool {
	return l.reconnecting.Load()
}

// Run polls until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	loop := &scheduler.Loop{
		Name:              "alerts:" + l.guardianID,
		Interval:          l.cfg.Interval,
		Backoff:           l.cfg.Backoff,
		Task:              l.Poll,
		ReconnectingAfter: l.cfg.ReconnectingAfter,
		OnStatus:          l.onStatus,
		Clock:             l.clock,
		Logger:            l.logger,
	}
	defer l.sos.Stop()
	return loop.Run(ctx)
}

func (l *Listener) onStatus(s scheduler.Status) {
	l.reconnecting.Store(s == scheduler.StatusReconnecting)
	l.logger.Warn("alert listener connectivity changed", "status", string(s))
}

// Poll fetches everything past the watermark, deduplicates it and presents
// what is new. The first poll only baselines.
func (l *Listener) Poll(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	before := l.wm.Value()
	wasBaseline := l.wm.Phase() == PhaseBaseline
	batch, err := l.fetch(ctx, before.Seq)
	if err != nil {
		if l.metrics != nil {
			l.metrics.RecordPollFailure(ctx, "alerts")
		}
		return fmt.Errorf("list alerts for %s: %w", l.guardianID, err)
	}

	surfaced := l.wm.Observe(batch)
	if wasBaseline {
		l.logger.Info("alert watermark baselined", "seq", l.wm.Value().Seq, "seeded", len(batch))
	}

	for _, a := range surfaced {
		if a.Dismissed {
			continue
		}
		if _, err := ParseVariant(a.Kind, a.Payload); err != nil {
			l.logger.Warn("dropping malformed alert", "alert_id", a.ID, "kind", string(a.Kind), "error", err)
			continue
		}
		l.present(ctx, a)
	}

	if after := l.wm.Value(); after.Seq > before.Seq {
		if err := l.source.UpdateWatermark(ctx, l.guardianID, after); err != nil {
			l.logger.Warn("failed to persist watermark", "seq", after.Seq, "error", err)
		}
	}
	return nil
}

// fetch reads every alert after afterSeq, one page at a time, until a short
// page shows the backlog is drained.
func (l *Listener) fetch(ctx context.Context, afterSeq int64) ([]types.Alert, error) {
	var all []types.Alert
	for {
		page, err := l.source.ListAfter(ctx, l.guardianID, afterSeq, l.cfg.BatchLimit)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < l.cfg.BatchLimit {
			return all, nil
		}
		next := page[len(page)-1].Seq
		if next <= afterSeq {
			return all, nil
		}
		afterSeq = next
	}
}

func (l *Listener) present(ctx context.Context, a types.Alert) {
	sound := notify.DefaultSound
	if l.settings != nil {
		if s, err := l.settings.GetSettings(ctx, l.guardianID, a.ChildID); err == nil {
			sound = s.Sound
		}
	}
	name := ""
	if l.names != nil {
		name, _ = l.names.ChildName(ctx, a.ChildID)
	}

	p := notify.Render(a, name, sound)
	if err := l.sink.PresentAlert(ctx, p); err != nil {
		l.logger.Warn("presentation failed", "alert_id", a.ID, "error", err)
	}
	if a.Kind == types.AlertSOS {
		l.sosAt = types.AlertCursor{Seq: a.Seq, Timestamp: a.Timestamp}
		l.sos.Start(a.ID)
		return
	}
	if err := l.sink.TriggerHaptic(ctx, l.guardianID, types.HapticNotification); err != nil {
		l.logger.Warn("haptic failed", "alert_id", a.ID, "error", err)
	}
}

// Dismiss marks an alert as processed. Dismissing the active SOS stops its
// haptic loop and persists the watermark so a restart does not surface it
// again.
func (l *Listener) Dismiss(ctx context.Context, alertID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id, active := l.sos.Active(); active && id == alertID {
		l.sos.Stop()
		l.wm.Advance(l.sosAt)
	}
	if err := l.source.MarkDismissed(ctx, l.guardianID, alertID); err != nil {
		return fmt.Errorf("dismiss alert %s: %w", alertID, err)
	}
	if wm := l.wm.Value(); wm.Seq > 0 {
		if err := l.source.UpdateWatermark(ctx, l.guardianID, wm); err != nil {
			return fmt.Errorf("persist watermark for %s: %w", l.guardianID, err)
		}
	}
	return nil
}

// Listeners runs one Listener per guardian.
type Listeners struct {
	deps ListenerDeps
	cfg  ListenerConfig

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	running map[string]*runningListener
}

type runningListener struct {
	l      *Listener
	cancel context.CancelFunc
}

// NewListeners returns a registry whose listeners live until Close.
func NewListeners(deps ListenerDeps, cfg ListenerConfig) *Listeners {
	ctx, cancel := context.WithCancel(context.Background())
	return &Listeners{
		deps:    deps,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		group:   &errgroup.Group{},
		running: make(map[string]*runningListener),
	}
}

// Ensure starts a listener for guardianID if none is running.
func (r *Listeners) Ensure(guardianID string) *Listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rl, ok := r.running[guardianID]; ok {
		return rl.l
	}
	l := NewListener(guardianID, r.deps, r.cfg)
	ctx, cancel := context.WithCancel(r.ctx)
	r.running[guardianID] = &runningListener{l: l, cancel: cancel}
	r.group.Go(func() error {
		return l.Run(ctx)
	})
	return l
}

// Get returns the running listener for guardianID.
func (r *Listeners) Get(guardianID string) (*Listener, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rl, ok := r.running[guardianID]
	if !ok {
		return nil, false
	}
	return rl.l, true
}

// Remove stops the listener for guardianID.
func (r *Listeners) Remove(guardianID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rl, ok := r.running[guardianID]; ok {
		rl.cancel()
		delete(r.running, guardianID)
	}
}

// Dismiss dismisses an alert through the guardian's listener, or directly in
// the store when no listener is running.
func (r *Listeners) Dismiss(ctx context.Context, guardianID, alertID string) error {
	if l, ok := r.Get(guardianID); ok {
		return l.Dismiss(ctx, alertID)
	}
	return r.deps.Source.MarkDismissed(ctx, guardianID, alertID)
}

// Close stops every listener and waits for them to exit.
func (r *Listeners) Close() error {
	r.cancel()
	r.mu.Lock()
	r.running = make(map[string]*runningListener)
	r.mu.Unlock()
	return r.group.Wait()
}
