// Package sensorbus feeds watch readings published over MQTT into the
// monitoring sessions.
//
// Watches publish one JSON reading per message to
// <prefix>/<childID>/<kind>, where kind is heart-rate, motion, battery or
// location. The payloads are the same reading documents the HTTP ingest
// routes accept. Readings for children without a running session are
// dropped.
package sensorbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"safewatch/internal/clock"
	"safewatch/internal/ingest"
	"safewatch/internal/monitor"
	"safewatch/internal/types"
)

// Reading kinds, taken from the last topic segment.
const (
	KindHeartRate = "heart-rate"
	KindMotion    = "motion"
	KindBattery   = "battery"
	KindLocation  = "location"
)

// ErrBadTopic is returned for topics that are not <prefix>/<childID>/<kind>.
var ErrBadTopic = errors.New("sensorbus: malformed topic")

// Broker is the subset of mqtt.Client the bus subscribes through.
type Broker interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// Session receives readings for one child. *monitor.Session satisfies it.
type Session interface {
	HeartRate(ctx context.Context, reading ingest.HeartRateReading) (monitor.Outcome, error)
	Motion(ctx context.Context, reading ingest.MotionReading) (monitor.Outcome, error)
	Battery(ctx context.Context, reading ingest.BatteryReading) (monitor.Outcome, error)
	Location(ctx context.Context, reading ingest.LocationReading) (monitor.Outcome, error)
}

// Sessions resolves the running session of a child.
type Sessions interface {
	Running(childID string) (Session, error)
}

// RegistrySessions adapts *monitor.Registry to Sessions.
type RegistrySessions struct {
	Registry *monitor.Registry
}

func (r RegistrySessions) Running(childID string) (Session, error) {
	s, err := r.Registry.Running(childID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Config controls the subscription.
type Config struct {
	TopicPrefix string
	QoS         byte
	// Timeout bounds the handling of one message.
	Timeout time.Duration
}

// Bus routes MQTT reading messages to sessions.
type Bus struct {
	sessions Sessions
	cfg      Config
	clock    clock.Clock
	logger   types.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Bus. An empty prefix falls back to "safewatch/watch" and a
// zero timeout to 5s.
func New(sessions Sessions, cfg Config, clk clock.Clock, logger types.Logger) *Bus {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "safewatch/watch"
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		sessions: sessions,
		cfg:      cfg,
		clock:    clk,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Filter is the topic filter the bus subscribes to.
func (b *Bus) Filter() string {
	return b.cfg.TopicPrefix + "/+/+"
}

// Subscribe registers the bus on broker. It is called again after every
// reconnect since sessions are clean.
func (b *Bus) Subscribe(broker Broker) error {
	tok := broker.Subscribe(b.Filter(), b.cfg.QoS, b.onMessage)
	if tok.Wait() && tok.Error() != nil {
		return fmt.Errorf("subscribing to %s: %w", b.Filter(), tok.Error())
	}
	b.logger.Info("sensor bus subscribed", "topic", b.Filter(), "qos", b.cfg.QoS)
	return nil
}

// Unsubscribe removes the subscription and cancels in-flight handling.
func (b *Bus) Unsubscribe(broker Broker) error {
	b.cancel()
	tok := broker.Unsubscribe(b.Filter())
	if tok.Wait() && tok.Error() != nil {
		return fmt.Errorf("unsubscribing from %s: %w", b.Filter(), tok.Error())
	}
	return nil
}

func (b *Bus) onMessage(_ mqtt.Client, msg mqtt.Message) {
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.Timeout)
	defer cancel()

	out, err := b.Handle(ctx, msg.Topic(), msg.Payload())
	switch {
	case isInactive(err):
		// Watches keep publishing between sessions.
	case err != nil:
		b.logger.Warn("sensor bus message rejected", "topic", msg.Topic(), "error", err)
	case out.Discarded != "":
		b.logger.Info("reading discarded", "topic", msg.Topic(), "reason", string(out.Discarded))
	}
}

// Handle decodes one message and applies it to the child's session.
func (b *Bus) Handle(ctx context.Context, topic string, payload []byte) (monitor.Outcome, error) {
	childID, kind, err := b.parseTopic(topic)
	if err != nil {
		return monitor.Outcome{}, err
	}
	session, err := b.sessions.Running(childID)
	if err != nil {
		return monitor.Outcome{}, err
	}
	now := b.clock.Now()

	switch kind {
	case KindHeartRate:
		var r ingest.HeartRateReading
		if err := decode(payload, &r); err != nil {
			return monitor.Outcome{}, err
		}
		if r.SampleTime.IsZero() {
			r.SampleTime = now
		}
		return session.HeartRate(ctx, r)
	case KindMotion:
		var r ingest.MotionReading
		if err := decode(payload, &r); err != nil {
			return monitor.Outcome{}, err
		}
		if r.Time.IsZero() {
			r.Time = now
		}
		return session.Motion(ctx, r)
	case KindBattery:
		var r ingest.BatteryReading
		if err := decode(payload, &r); err != nil {
			return monitor.Outcome{}, err
		}
		if r.Time.IsZero() {
			r.Time = now
		}
		return session.Battery(ctx, r)
	case KindLocation:
		var r ingest.LocationReading
		if err := decode(payload, &r); err != nil {
			return monitor.Outcome{}, err
		}
		if r.Time.IsZero() {
			r.Time = now
		}
		return session.Location(ctx, r)
	default:
		return monitor.Outcome{}, fmt.Errorf("%w: unknown reading kind %q", ErrBadTopic, kind)
	}
}

func (b *Bus) parseTopic(topic string) (childID, kind string, err error) {
	rest, ok := strings.CutPrefix(topic, b.cfg.TopicPrefix+"/")
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrBadTopic, topic)
	}
	childID, kind, ok = strings.Cut(rest, "/")
	if !ok || childID == "" || kind == "" || strings.Contains(kind, "/") {
		return "", "", fmt.Errorf("%w: %q", ErrBadTopic, topic)
	}
	return childID, kind, nil
}

func decode(payload []byte, dst any) error {
	if err := json.Unmarshal(payload, dst); err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidReading, "reading payload is not valid JSON", err)
	}
	return nil
}

func isInactive(err error) bool {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Code == types.ErrCodeNotFoundSession || appErr.Code == types.ErrCodeConflictStopped
}
