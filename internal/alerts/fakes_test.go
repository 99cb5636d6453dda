package alerts

import (
	"context"
	"errors"
	"sync"
	"time"

	"safewatch/internal/notify"
	"safewatch/internal/types"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeSink struct {
	mu            sync.Mutex
	presentations []notify.Presentation
	haptics       []types.HapticPattern
}

func (s *fakeSink) PresentAlert(_ context.Context, p notify.Presentation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presentations = append(s.presentations, p)
	return nil
}

func (s *fakeSink) TriggerHaptic(_ context.Context, _ string, p types.HapticPattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.haptics = append(s.haptics, p)
	return nil
}

func (s *fakeSink) presented() []notify.Presentation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Presentation(nil), s.presentations...)
}

func (s *fakeSink) count(p types.HapticPattern) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, h := range s.haptics {
		if h == p {
			n++
		}
	}
	return n
}

type fakeBackend struct {
	mu     sync.Mutex
	posted []types.Alert
	err    error
}

func (b *fakeBackend) PostAlert(_ context.Context, a types.Alert) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.posted = append(b.posted, a)
	return nil
}

type fakeSettings struct {
	settings types.NotificationSettings
	err      error
}

func (f *fakeSettings) GetSettings(context.Context, string, string) (types.NotificationSettings, error) {
	return f.settings, f.err
}

type fakePublisher struct {
	msgs []types.AlertMessage
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, msg types.AlertMessage) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

type fakeMetrics struct {
	mu         sync.Mutex
	emitted    map[types.AlertKind]int
	suppressed map[string]int
	pollFails  int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{emitted: map[types.AlertKind]int{}, suppressed: map[string]int{}}
}

func (m *fakeMetrics) RecordEmitted(_ context.Context, kind types.AlertKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitted[kind]++
}

func (m *fakeMetrics) RecordSuppressed(_ context.Context, kind types.AlertKind, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suppressed[string(kind)+":"+reason]++
}

func (m *fakeMetrics) RecordPollFailure(context.Context, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollFails++
}

// fakeSource is an in-memory alert store for one guardian. It assigns
// sequences in insertion order like the real store.
type fakeSource struct {
	mu        sync.Mutex
	alerts    []types.Alert
	nextSeq   int64
	watermark types.AlertCursor
	dismissed []string
	listErr   error
	afterArgs []int64
}

func (f *fakeSource) ListAfter(_ context.Context, _ string, afterSeq int64, limit int) ([]types.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterArgs = append(f.afterArgs, afterSeq)
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []types.Alert
	for _, a := range f.alerts {
		if a.Seq > afterSeq && len(out) < limit {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeSource) UpdateWatermark(_ context.Context, _ string, c types.AlertCursor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.Seq > f.watermark.Seq {
		f.watermark.Seq = c.Seq
	}
	if c.Timestamp.After(f.watermark.Timestamp) {
		f.watermark.Timestamp = c.Timestamp
	}
	return nil
}

func (f *fakeSource) MarkDismissed(_ context.Context, _ string, alertID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.alerts {
		if f.alerts[i].ID == alertID {
			f.alerts[i].Dismissed = true
			f.dismissed = append(f.dismissed, alertID)
			return nil
		}
	}
	return errors.New("not found")
}

func (f *fakeSource) add(a types.Alert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSeq++
	a.Seq = f.nextSeq
	f.alerts = append(f.alerts, a)
}

func (f *fakeSource) storedWatermark() types.AlertCursor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watermark
}

type staticNames map[string]string

func (n staticNames) ChildName(_ context.Context, childID string) (string, error) {
	return n[childID], nil
}

func alertAt(id string, kind types.AlertKind, ts time.Time) types.Alert {
	return types.Alert{ID: id, Kind: kind, ChildID: "child-1", GuardianID: "g-1", Timestamp: ts}
}

// seqAlert is alertAt with a store sequence already assigned.
func seqAlert(seq int64, id string, kind types.AlertKind, ts time.Time) types.Alert {
	a := alertAt(id, kind, ts)
	a.Seq = seq
	return a
}
