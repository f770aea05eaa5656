// Package session implements the DISTO measurement state machine. A single
// goroutine (Run) owns all state; notifications, operator requests and
// timers are multiplexed into it, so events are processed one at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/chaz8081/disto-reader/internal/ble"
	"github.com/chaz8081/disto-reader/internal/ble/protocol"
)

var (
	ErrMeasurementTimeout    = errors.New("session: no measurement received")
	ErrMeasurementInProgress = errors.New("session: measurement already in progress")
	ErrOperatorDisabled      = errors.New("session: operator commands are disabled in passive mode")
	ErrClosed                = errors.New("session: closed")
	ErrAlreadyRunning        = errors.New("session: machine already running")
)

// defaultEventBuffer sizes the Events channel.
const defaultEventBuffer = 64

// Transport writes commands to the device. Send must return only after
// the write has been acknowledged.
type Transport interface {
	Send(cmd protocol.Command) error
}

type request struct {
	cmd   protocol.Command
	reply chan error
}

// Machine turns raw notifications and operator commands into measurements.
type Machine struct {
	transport Transport
	policy    Policy

	events   chan Event
	requests chan request
	done     chan struct{}
	started  atomic.Bool
	current  atomic.Int32 // mirror of state for State()

	// Owned by the Run goroutine.
	state     State
	unit      protocol.Unit
	cycle     uint64
	angle     *protocol.Fixed
	countdown *time.Timer
	deadline  *time.Timer
}

// Option configures a Machine.
type Option func(*Machine)

// WithInitialUnit sets the unit used until the device reports one.
func WithInitialUnit(u protocol.Unit) Option {
	return func(m *Machine) {
		m.unit = u
	}
}

// WithEventBuffer sets the capacity of the Events channel.
func WithEventBuffer(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.events = make(chan Event, n)
		}
	}
}

// New creates a Machine in StateIdle.
func New(t Transport, p Policy, opts ...Option) *Machine {
	m := &Machine{
		transport: t,
		policy:    p,
		events:    make(chan Event, defaultEventBuffer),
		requests:  make(chan request),
		done:      make(chan struct{}),
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.current.Store(int32(StateIdle))
	return m
}

// Policy returns the policy the machine was created with.
func (m *Machine) Policy() Policy {
	return m.policy
}

// State returns the current state. Safe for concurrent use.
func (m *Machine) State() State {
	return State(m.current.Load())
}

// Events returns the channel of session events. The consumer must keep
// draining it; it is closed when Run returns.
func (m *Machine) Events() <-chan Event {
	return m.events
}

// Request submits an operator command. Measure commands are rejected with
// ErrMeasurementInProgress unless the machine is awaiting a trigger; they
// are never queued. Laser commands are fire-and-forget.
func (m *Machine) Request(ctx context.Context, cmd protocol.Command) error {
	req := request{cmd: cmd, reply: make(chan error, 1)}
	select {
	case m.requests <- req:
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes events until ctx is cancelled (returns nil) or the
// notification stream ends (returns an error wrapping ble.ErrSessionClosed).
func (m *Machine) Run(ctx context.Context, notifications <-chan ble.Notification) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer func() {
		stopTimer(m.countdown)
		stopTimer(m.deadline)
		m.countdown, m.deadline = nil, nil
		m.setState(StateClosed)
		close(m.done)
		close(m.events)
	}()

	m.setState(StateAwaitingTrigger)
	slog.Info("[SESSION] ready", "mode", m.policy.Mode, "countdown", m.policy.Countdown)

	for {
		select {
		case <-ctx.Done():
			return nil

		case n, ok := <-notifications:
			if !ok {
				return fmt.Errorf("%w: notification stream ended", ble.ErrSessionClosed)
			}
			m.handleNotification(ctx, n)

		case req := <-m.requests:
			req.reply <- m.handleRequest(ctx, req.cmd)

		case <-timerC(m.countdown):
			m.countdown = nil
			if err := m.startMeasure(ctx, protocol.CommandMeasure); err != nil {
				m.warn(ctx, err)
			}

		case <-timerC(m.deadline):
			m.deadline = nil
			m.setState(StateAwaitingTrigger)
			m.warn(ctx, fmt.Errorf("%w within %s (cycle %d)", ErrMeasurementTimeout, m.policy.measureTimeout(), m.cycle))
		}
	}
}

func (m *Machine) handleNotification(ctx context.Context, n ble.Notification) {
	switch n.Source {
	case ble.SourceUnit:
		u, err := protocol.DecodeUnit(n.Data)
		if err != nil {
			m.warn(ctx, err)
			if !errors.Is(err, protocol.ErrUnknownUnitCode) {
				return
			}
		}
		m.unit = u

	case ble.SourceInclination:
		v, err := protocol.DecodeAngle(n.Data)
		if err != nil {
			m.warn(ctx, err)
			return
		}
		a := protocol.NewFixed(float64(v))
		if m.state == StateMeasuring {
			m.angle = &a
			return
		}
		m.emit(ctx, Event{Kind: EventReading, Cycle: m.cycle, Measurement: &protocol.Measurement{
			Cycle: m.cycle,
			Unit:  m.unit,
			Angle: &a,
			At:    n.At,
		}})

	case ble.SourceCommand:
		slog.Debug("[SESSION] command echo", "data", string(n.Data))

	case ble.SourceDistance:
		v, err := protocol.DecodeDistance(n.Data)
		if err != nil {
			m.warn(ctx, err)
			return
		}
		switch m.state {
		case StateAwaitingTrigger:
			if m.policy.Trigger == TriggerTimer {
				// The first value after a button press is not stable yet;
				// it only signals the press.
				m.arm(ctx)
				return
			}
			m.emit(ctx, Event{Kind: EventReading, Cycle: m.cycle, Measurement: m.measurement(v, n.At)})
		case StateCountdown:
			slog.Debug("[SESSION] ignoring notification during countdown", "cycle", m.cycle)
		case StateMeasuring:
			m.complete(ctx, v, n.At)
		}
	}
}

func (m *Machine) handleRequest(ctx context.Context, cmd protocol.Command) error {
	if m.policy.Trigger != TriggerOperator {
		return ErrOperatorDisabled
	}
	if cmd.IsMeasure() {
		if m.state != StateAwaitingTrigger {
			return fmt.Errorf("%w (state %s)", ErrMeasurementInProgress, m.state)
		}
		m.cycle++
		return m.startMeasure(ctx, cmd)
	}
	if err := m.transport.Send(cmd); err != nil {
		slog.Warn("[SESSION] command failed", "command", cmd, "error", err)
		return err
	}
	return nil
}

// arm starts a passive cycle: laser on, then the countdown. The laser write
// completes before the timer exists.
func (m *Machine) arm(ctx context.Context) {
	m.cycle++
	m.setState(StateLaserArming)
	if m.policy.ArmLaser {
		if err := m.transport.Send(protocol.CommandLaserOn); err != nil {
			m.warn(ctx, fmt.Errorf("laser on: %w", err))
		}
	}
	m.setState(StateCountdown)
	m.countdown = time.NewTimer(m.policy.Countdown)
	m.emit(ctx, Event{Kind: EventTriggered, Cycle: m.cycle, Countdown: m.policy.Countdown})
}

func (m *Machine) startMeasure(ctx context.Context, cmd protocol.Command) error {
	m.setState(StateMeasuring)
	m.angle = nil
	if err := m.transport.Send(cmd); err != nil {
		m.setState(StateAwaitingTrigger)
		slog.Warn("[SESSION] measure command failed", "command", cmd, "cycle", m.cycle, "error", err)
		return err
	}
	m.deadline = time.NewTimer(m.policy.measureTimeout())
	m.emit(ctx, Event{Kind: EventMeasuring, Cycle: m.cycle, Command: cmd})
	return nil
}

func (m *Machine) complete(ctx context.Context, v float32, at time.Time) {
	stopTimer(m.deadline)
	m.deadline = nil
	m.setState(StateReporting)
	meas := m.measurement(v, at)
	meas.Angle = m.angle
	m.angle = nil
	slog.Info("[SESSION] measurement", "cycle", m.cycle, "value", meas.Value.Format('.'), "unit", meas.Unit)
	m.emit(ctx, Event{Kind: EventMeasurement, Cycle: m.cycle, Measurement: meas})
	m.setState(StateAwaitingTrigger)
}

func (m *Machine) measurement(v float32, at time.Time) *protocol.Measurement {
	if at.IsZero() {
		at = time.Now()
	}
	return &protocol.Measurement{
		Cycle: m.cycle,
		Value: protocol.NewFixed(float64(v)),
		Unit:  m.unit,
		At:    at,
	}
}

func (m *Machine) warn(ctx context.Context, err error) {
	slog.Warn("[SESSION] recoverable error", "error", err, "state", m.state)
	m.emit(ctx, Event{Kind: EventWarning, Cycle: m.cycle, Err: err})
}

// emit blocks until the consumer takes ev or ctx ends.
func (m *Machine) emit(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case m.events <- ev:
	case <-ctx.Done():
	}
}

func (m *Machine) setState(s State) {
	if m.state == s {
		return
	}
	slog.Debug("[SESSION] state", "from", m.state, "to", s)
	m.state = s
	m.current.Store(int32(s))
}

// timerC returns t's channel, or nil (blocks forever) when t is unset.
func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
