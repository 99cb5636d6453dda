// Package monitor hosts one monitoring session per child.
//
// A Session is an actor: a single goroutine owns the child's off-wrist state,
// danger-zone watermark and last location, and every reading, tick, timer and
// prompt response reaches it as a command on a channel. Anything that talks
// to the network (alert submission, zone refresh, trail writes, haptics) runs
// outside the actor so a slow backend never delays the 60s evaluation or a
// prompt timeout.
//
// All actor state belongs to a run. Start creates a fresh run; Stop cancels
// it and waits for its goroutines. Timers capture the run that armed them, so
// a callback firing after Stop finds its run closed and is dropped.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"safewatch/internal/alerts"
	"safewatch/internal/clock"
	"safewatch/internal/ingest"
	"safewatch/internal/notify"
	"safewatch/internal/offwrist"
	"safewatch/internal/scheduler"
	"safewatch/internal/types"
	"safewatch/internal/zones"
)

// Submitter is the serializing alert path.
type Submitter interface {
	Submit(ctx context.Context, c alerts.Candidate) (alerts.Result, error)
}

// ZoneSource lists a child's zones in evaluation order.
type ZoneSource interface {
	ListZones(ctx context.Context, childID string) ([]types.Zone, error)
}

// GuardianSource lists the guardians linked to a child.
type GuardianSource interface {
	LinkedGuardians(ctx context.Context, childID string) ([]string, error)
}

// TrailRecorder archives accepted GPS fixes.
type TrailRecorder interface {
	Record(ctx context.Context, childID string, p types.LatLon, at time.Time) error
}

// TrailFlusher is implemented by recorders that buffer fixes. Stop flushes
// the child's buffer so a segment never spans two monitoring runs.
type TrailFlusher interface {
	Flush(ctx context.Context, childID string) error
}

// Locator resolves a one-shot location fix when the watch has not reported
// one yet.
type Locator interface {
	LastKnownLocation(ctx context.Context, childID string) (types.LatLon, error)
}

// Config holds session timings.
type Config struct {
	OffWrist            offwrist.Config
	DangerCooldown      time.Duration
	ZoneRefreshInterval time.Duration
	LocationRetries     int
	LocationRetryBase   time.Duration
	HaltGrace           time.Duration
	HaltPulse           time.Duration
}

// DefaultConfig returns the production session timings.
func DefaultConfig() Config {
	return Config{
		OffWrist:            offwrist.DefaultConfig(),
		DangerCooldown:      zones.DefaultDangerCooldown,
		ZoneRefreshInterval: time.Minute,
		LocationRetries:     3,
		LocationRetryBase:   10 * time.Second,
		HaltGrace:           alerts.DefaultHaltGrace,
		HaltPulse:           alerts.DefaultHaltPulse,
	}
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Normalizer *ingest.Normalizer
	Alerts     Submitter
	Zones      ZoneSource
	Guardians  GuardianSource
	Settings   alerts.SettingsSource
	// Sink presents prompts and haptics on the child's watch.
	Sink    notify.Sink
	Trail   TrailRecorder
	Locator Locator
	Clock   clock.Clock
	Logger  types.Logger
}

// Outcome describes what a command did.
type Outcome struct {
	Accepted   bool                 `json:"accepted"`
	Discarded  ingest.DiscardReason `json:"discarded,omitempty"`
	Action     offwrist.Action      `json:"action,omitempty"`
	ZoneEvents int                  `json:"zone_events,omitempty"`
}

// Status is a point-in-time view of a session.
type Status struct {
	ChildID    string               `json:"child_id"`
	Running    bool                 `json:"running"`
	Generation uint64               `json:"generation"`
	StartedAt  time.Time            `json:"started_at,omitzero"`
	OffWrist   offwrist.State       `json:"off_wrist"`
	Zones      int                  `json:"zones"`
	Halt       alerts.HaltStatus    `json:"halt"`
	Signals    types.SignalSnapshot `json:"signals"`
}

// Session monitors one child.
type Session struct {
	childID  string
	deps     Deps
	cfg      Config
	detector *offwrist.Detector
	zones    *zones.Evaluator
	battery  *alerts.BatteryMonitor
	halt     *alerts.HaltSequence
	logger   types.Logger

	mu        sync.Mutex
	gen       uint64
	childName string
	run       *run
}

type command func(r *run, now time.Time)

type job func(ctx context.Context)

// run is one Start..Stop lifetime. Fields below the divider are owned by the
// actor goroutine.
type run struct {
	gen       uint64
	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	cmds      chan command
	jobs      chan job
	done      chan struct{}
	startedAt time.Time

	off      offwrist.State
	zoneWM   zones.Watermark
	zoneList []types.Zone
	prevLoc  *types.LatLon
	prompt   clock.Timer
	locating bool
}

// NewSession returns a stopped session for childID.
func NewSession(childID string, deps Deps, cfg Config) *Session {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = types.NopLogger{}
	}
	if deps.Normalizer == nil {
		deps.Normalizer = ingest.NewNormalizer(0)
	}
	if deps.Sink == nil {
		deps.Sink = notify.NewLogSink(deps.Logger)
	}
	def := DefaultConfig()
	if cfg.ZoneRefreshInterval <= 0 {
		cfg.ZoneRefreshInterval = def.ZoneRefreshInterval
	}
	if cfg.LocationRetryBase <= 0 {
		cfg.LocationRetryBase = def.LocationRetryBase
	}
	if cfg.LocationRetries < 0 {
		cfg.LocationRetries = 0
	}
	logger := deps.Logger.With("child_id", childID)
	detector := offwrist.New(cfg.OffWrist)
	cfg.OffWrist = detector.Config()

	return &Session{
		childID:  childID,
		deps:     deps,
		cfg:      cfg,
		detector: detector,
		zones:    zones.NewEvaluator(cfg.DangerCooldown),
		battery:  alerts.NewBatteryMonitor(),
		halt:     alerts.NewHaltSequence(deps.Clock, deps.Sink, childID, cfg.HaltGrace, cfg.HaltPulse, logger),
		logger:   logger,
	}
}

// ChildID returns the monitored child.
func (s *Session) ChildID() string { return s.childID }

// Running reports whether the session is started.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil
}

// Start begins monitoring. All heuristics start from a clean state with
// their baselines at the current time. Starting a running session is a
// no-op.
func (s *Session) Start(childName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != nil {
		return
	}
	if childName != "" {
		s.childName = childName
	}

	s.gen++
	now := s.deps.Clock.Now()
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	r := &run{
		gen:       s.gen,
		ctx:       gctx,
		cancel:    cancel,
		group:     g,
		cmds:      make(chan command, 16),
		jobs:      make(chan job, 64),
		done:      make(chan struct{}),
		startedAt: now,
		off:       offwrist.NewState(now),
		zoneWM:    zones.Watermark{},
	}
	s.deps.Normalizer.Reset(s.childID)
	s.battery.Reset()

	g.Go(func() error { return s.actor(r) })
	g.Go(func() error { return s.drain(r) })
	g.Go(func() error { return s.tick(r) })
	g.Go(func() error { return s.refreshZones(r) })
	s.run = r

	s.logger.Info("monitoring started", "generation", r.gen)
}

// Stop cancels every timer and goroutine of the running session and waits
// for them. Alerts already handed to the submit queue are still delivered.
// No state changes after Stop returns.
func (s *Session) Stop() error {
	s.mu.Lock()
	r := s.run
	s.run = nil
	s.mu.Unlock()
	if r == nil {
		return nil
	}

	r.cancel()
	err := r.group.Wait()
	if r.prompt != nil {
		r.prompt.Stop()
	}
	s.halt.Cancel()

	if f, ok := s.deps.Trail.(TrailFlusher); ok {
		if ferr := f.Flush(context.Background(), s.childID); ferr != nil {
			s.logger.Warn("trail flush failed", "error", ferr)
		}
	}

	s.logger.Info("monitoring stopped", "generation", r.gen)
	return err
}

func (s *Session) current() *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run
}

func (s *Session) name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.childName
}

func (s *Session) stoppedErr() error {
	return types.NewAppError(types.ErrCodeConflictStopped,
		fmt.Sprintf("monitoring is not running for child %s", s.childID), nil)
}

// actor is the only goroutine that touches run state.
func (s *Session) actor(r *run) error {
	defer close(r.jobs)
	defer close(r.done)
	for {
		select {
		case <-r.ctx.Done():
			return nil
		case cmd := <-r.cmds:
			cmd(r, s.deps.Clock.Now())
		}
	}
}

// drain runs I/O jobs in order. Jobs outlive cancellation so that alerts
// decided before Stop are still submitted.
func (s *Session) drain(r *run) error {
	ctx := context.WithoutCancel(r.ctx)
	for j := range r.jobs {
		j(ctx)
	}
	return nil
}

func (s *Session) tick(r *run) error {
	t := s.deps.Clock.NewTicker(s.cfg.OffWrist.EvaluationInterval)
	defer t.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return nil
		case <-t.C():
			s.post(r, s.evaluate)
		}
	}
}

func (s *Session) refreshZones(r *run) error {
	load := func() {
		list, err := s.deps.Zones.ListZones(r.ctx, s.childID)
		if err != nil {
			if r.ctx.Err() == nil {
				s.logger.Warn("zone refresh failed", "error", err)
			}
			return
		}
		s.post(r, func(r *run, _ time.Time) { r.zoneList = list })
	}
	if s.deps.Zones == nil {
		return nil
	}
	load()
	t := s.deps.Clock.NewTicker(s.cfg.ZoneRefreshInterval)
	defer t.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return nil
		case <-t.C():
			load()
		}
	}
}

// post delivers cmd to r's actor unless r has stopped.
func (s *Session) post(r *run, cmd command) bool {
	select {
	case r.cmds <- cmd:
		return true
	case <-r.done:
		return false
	case <-r.ctx.Done():
		return false
	}
}

// call runs fn on the actor and waits for its result.
func call[T any](ctx context.Context, s *Session, fn func(r *run, now time.Time) T) (T, error) {
	var zero T
	r := s.current()
	if r == nil {
		return zero, s.stoppedErr()
	}
	reply := make(chan T, 1)
	cmd := func(r *run, now time.Time) { reply <- fn(r, now) }

	select {
	case r.cmds <- cmd:
	case <-r.done:
		return zero, s.stoppedErr()
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case v := <-reply:
		return v, nil
	case <-r.done:
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, s.stoppedErr()
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// enqueue hands j to the I/O goroutine. Only the actor calls it.
func (r *run) enqueue(j job) {
	select {
	case r.jobs <- j:
	case <-r.ctx.Done():
	}
}

// HeartRate applies a heart-rate sample and runs back-on confirmation.
func (s *Session) HeartRate(ctx context.Context, reading ingest.HeartRateReading) (Outcome, error) {
	return call(ctx, s, func(r *run, now time.Time) Outcome {
		snap, reason := s.deps.Normalizer.HeartRate(s.childID, reading, now)
		if reason != ingest.Accepted {
			return Outcome{Discarded: reason}
		}
		next, action := s.detector.OnHeartRate(now, offwrist.InputFrom(snap), r.off)
		r.off = next
		s.handleOffWrist(r, now, action)
		return Outcome{Accepted: true, Action: action}
	})
}

// Motion applies an accelerometer reading.
func (s *Session) Motion(ctx context.Context, reading ingest.MotionReading) (Outcome, error) {
	return call(ctx, s, func(r *run, now time.Time) Outcome {
		_, reason := s.deps.Normalizer.Motion(s.childID, reading)
		return Outcome{Accepted: reason == ingest.Accepted, Discarded: reason}
	})
}

// Battery applies a battery reading and checks each guardian's threshold.
func (s *Session) Battery(ctx context.Context, reading ingest.BatteryReading) (Outcome, error) {
	return call(ctx, s, func(r *run, now time.Time) Outcome {
		snap, reason := s.deps.Normalizer.Battery(s.childID, reading)
		if reason != ingest.Accepted {
			return Outcome{Discarded: reason}
		}
		s.checkBattery(r, *snap.BatteryPercent, now)
		return Outcome{Accepted: true}
	})
}

// Location applies a GPS fix and evaluates the child's zones.
func (s *Session) Location(ctx context.Context, reading ingest.LocationReading) (Outcome, error) {
	return call(ctx, s, func(r *run, now time.Time) Outcome {
		return s.applyLocation(r, now, reading)
	})
}

// ConfirmPresent records the child answering the off-wrist prompt.
func (s *Session) ConfirmPresent(ctx context.Context) (Outcome, error) {
	return call(ctx, s, func(r *run, now time.Time) Outcome {
		next, action := s.detector.ConfirmPresent(r.off)
		r.off = next
		s.handleOffWrist(r, now, action)
		return Outcome{Accepted: action != offwrist.ActionNone, Action: action}
	})
}

// Evaluate runs the periodic off-wrist check immediately.
func (s *Session) Evaluate(ctx context.Context) (Outcome, error) {
	return call(ctx, s, func(r *run, now time.Time) Outcome {
		action := s.runEvaluate(r, now)
		return Outcome{Accepted: true, Action: action}
	})
}

// TriggerSOS raises an SOS from the child to every linked guardian. loc may
// be nil, in which case the last known fix is attached.
func (s *Session) TriggerSOS(ctx context.Context, loc *types.LatLon) (Outcome, error) {
	return call(ctx, s, func(r *run, now time.Time) Outcome {
		if loc == nil {
			loc = s.deps.Normalizer.Snapshot(s.childID).Location
		}
		s.logger.Info("sos triggered", "has_location", loc != nil)
		s.emit(r, alerts.SOS{Location: loc}, now)
		r.enqueue(func(ctx context.Context) {
			if err := s.deps.Sink.TriggerHaptic(ctx, s.childID, types.HapticSuccess); err != nil {
				s.logger.Warn("sos confirmation haptic failed", "error", err)
			}
		})
		if loc == nil {
			s.locate(r)
		}
		return Outcome{Accepted: true}
	})
}

// TriggerHalt starts the HALT sequence on the child's watch on behalf of
// guardian sentBy and records it for every linked guardian.
func (s *Session) TriggerHalt(ctx context.Context, sentBy string) (Outcome, error) {
	if sentBy == "" {
		return Outcome{}, types.NewAppError(types.ErrCodeValidationMissingField, "sent_by is required", nil)
	}
	return call(ctx, s, func(r *run, now time.Time) Outcome {
		s.logger.Info("halt triggered", "guardian_id", sentBy)
		r.enqueue(func(context.Context) { s.halt.Start() })
		s.emit(r, alerts.Halt{SentBy: sentBy}, now)
		return Outcome{Accepted: true}
	})
}

// DismissHalt dismisses the HALT on the watch. It fails during the grace
// window.
func (s *Session) DismissHalt() error {
	return s.halt.Dismiss()
}

// Flush waits until every job queued so far has run.
func (s *Session) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if _, err := call(ctx, s, func(r *run, _ time.Time) bool {
		r.enqueue(func(context.Context) { close(done) })
		return true
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the current session view. A stopped session reports
// Running=false with no actor state.
func (s *Session) Status(ctx context.Context) (Status, error) {
	base := Status{
		ChildID: s.childID,
		Halt:    s.halt.Status(),
		Signals: s.deps.Normalizer.Snapshot(s.childID),
	}
	if s.current() == nil {
		return base, nil
	}
	st, err := call(ctx, s, func(r *run, _ time.Time) Status {
		base.Running = true
		base.Generation = r.gen
		base.StartedAt = r.startedAt
		base.OffWrist = r.off
		base.Zones = len(r.zoneList)
		return base
	})
	if types.CodeOf(err) == types.ErrCodeConflictStopped {
		return base, nil
	}
	return st, err
}

func (s *Session) evaluate(r *run, now time.Time) {
	s.runEvaluate(r, now)
}

func (s *Session) runEvaluate(r *run, now time.Time) offwrist.Action {
	snap := s.deps.Normalizer.Snapshot(s.childID)
	next, action := s.detector.Evaluate(now, offwrist.InputFrom(snap), r.off, s.name())
	r.off = next
	s.handleOffWrist(r, now, action)
	return action
}

func (s *Session) promptTimeout(r *run, now time.Time) {
	next, action := s.detector.PromptTimedOut(now, r.off)
	r.off = next
	s.handleOffWrist(r, now, action)
}

func (s *Session) handleOffWrist(r *run, now time.Time, action offwrist.Action) {
	switch action {
	case offwrist.ActionNone:
		return
	case offwrist.ActionPrompt:
		s.stopPrompt(r)
		r.prompt = s.deps.Clock.AfterFunc(s.cfg.OffWrist.PromptTimeout, func() {
			s.post(r, s.promptTimeout)
		})
		name := s.name()
		r.enqueue(func(ctx context.Context) { s.showPrompt(ctx, name) })
	case offwrist.ActionAlertRemoved:
		s.stopPrompt(r)
		s.emit(r, alerts.WatchRemoved{}, now)
	case offwrist.ActionAlertBackOn:
		s.stopPrompt(r)
		s.emit(r, alerts.WatchBackOn{}, now)
	case offwrist.ActionDismissed:
		s.stopPrompt(r)
	}
	s.logger.Info("off-wrist transition", "action", string(action), "off_wrist", r.off.IsLikelyOffWrist)
}

func (s *Session) stopPrompt(r *run) {
	if r.prompt != nil {
		r.prompt.Stop()
		r.prompt = nil
	}
}

func (s *Session) showPrompt(ctx context.Context, childName string) {
	if childName == "" {
		childName = "Hi"
	}
	p := notify.Presentation{
		Recipient: s.childID,
		Title:     "Still wearing your watch?",
		Body:      fmt.Sprintf("%s, tap to let us know you're still wearing your watch.", childName),
		SoundID:   notify.DefaultSound,
	}
	if err := s.deps.Sink.PresentAlert(ctx, p); err != nil {
		s.logger.Warn("off-wrist prompt failed", "error", err)
	}
	if err := s.deps.Sink.TriggerHaptic(ctx, s.childID, types.HapticNotification); err != nil {
		s.logger.Warn("off-wrist prompt haptic failed", "error", err)
	}
}

func (s *Session) applyLocation(r *run, now time.Time, reading ingest.LocationReading) Outcome {
	snap, reason := s.deps.Normalizer.Location(s.childID, reading)
	if reason != ingest.Accepted {
		return Outcome{Discarded: reason}
	}
	loc := *snap.Location

	danger, wm := s.zones.CheckDangerZones(now, loc, r.zoneList, r.zoneWM)
	r.zoneWM = wm
	exits := s.zones.CheckSafeZoneExit(now, r.prevLoc, loc, r.zoneList)
	r.prevLoc = &loc

	events := append(danger, exits...)
	for _, ev := range events {
		switch ev.Kind {
		case types.AlertUnsafeZoneEntry:
			s.emit(r, alerts.UnsafeZoneEntry{ZoneID: ev.Zone.ID, ZoneName: ev.Zone.Name, Repeat: ev.Repeat}, now)
		case types.AlertSafeZoneExit:
			s.emit(r, alerts.SafeZoneExit{ZoneID: ev.Zone.ID, ZoneName: ev.Zone.Name}, now)
		}
	}

	if s.deps.Trail != nil {
		at := reading.Time
		if at.IsZero() {
			at = now
		}
		r.enqueue(func(ctx context.Context) {
			if err := s.deps.Trail.Record(ctx, s.childID, loc, at); err != nil {
				s.logger.Warn("trail record failed", "error", err)
			}
		})
	}
	return Outcome{Accepted: true, ZoneEvents: len(events)}
}

// locate fetches a one-shot fix with bounded retries and feeds it back as a
// location reading.
func (s *Session) locate(r *run) {
	if s.deps.Locator == nil || r.locating {
		return
	}
	r.locating = true
	r.group.Go(func() error {
		var fix types.LatLon
		err := scheduler.Retry(r.ctx, s.deps.Clock, s.cfg.LocationRetries, s.cfg.LocationRetryBase, func(ctx context.Context) error {
			var err error
			fix, err = s.deps.Locator.LastKnownLocation(ctx, s.childID)
			return err
		})
		s.post(r, func(r *run, now time.Time) {
			r.locating = false
			if err != nil {
				s.logger.Warn("one-shot location failed", "error", err)
				return
			}
			s.applyLocation(r, now, ingest.LocationReading{Lat: fix.Lat, Lon: fix.Lon, AccuracyMeters: 1, Time: now})
		})
		return nil
	})
}

func (s *Session) checkBattery(r *run, percent int, now time.Time) {
	r.enqueue(func(ctx context.Context) {
		guardians, err := s.guardians(ctx)
		if err != nil {
			return
		}
		for _, g := range guardians {
			threshold := types.DefaultLowBatteryThreshold
			if s.deps.Settings != nil {
				if st, err := s.deps.Settings.GetSettings(ctx, g, s.childID); err == nil {
					threshold = st.LowBatteryThreshold
				}
			}
			if threshold < types.MinLowBatteryThreshold || threshold > types.MaxLowBatteryThreshold {
				threshold = types.DefaultLowBatteryThreshold
			}
			if !s.battery.Observe(g, percent, threshold) {
				continue
			}
			s.submit(ctx, g, alerts.BatteryLow{Percent: percent, Threshold: threshold}, now)
		}
	})
}

// emit queues v for every linked guardian.
func (s *Session) emit(r *run, v alerts.Variant, at time.Time) {
	r.enqueue(func(ctx context.Context) {
		guardians, err := s.guardians(ctx)
		if err != nil {
			return
		}
		for _, g := range guardians {
			s.submit(ctx, g, v, at)
		}
	})
}

func (s *Session) guardians(ctx context.Context) ([]string, error) {
	if s.deps.Guardians == nil {
		return nil, nil
	}
	list, err := s.deps.Guardians.LinkedGuardians(ctx, s.childID)
	if err != nil {
		s.logger.Warn("failed to list guardians", "error", err)
		return nil, err
	}
	return list, nil
}

func (s *Session) submit(ctx context.Context, guardianID string, v alerts.Variant, at time.Time) {
	if s.deps.Alerts == nil {
		return
	}
	res, err := s.deps.Alerts.Submit(ctx, alerts.Candidate{
		ChildID:    s.childID,
		GuardianID: guardianID,
		ChildName:  s.name(),
		Variant:    v,
		At:         at,
	})
	if err != nil {
		s.logger.Warn("alert submit failed",
			"guardian_id", guardianID,
			"kind", string(v.Kind()),
			"emitted", res.Emitted,
			"error", err,
		)
	}
}
