package session

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/disto-reader/internal/ble"
	"github.com/chaz8081/disto-reader/internal/ble/protocol"
)

// fakeTransport records every command written.
type fakeTransport struct {
	mu   sync.Mutex
	sent []protocol.Command
	fail map[protocol.Command]error
}

func (f *fakeTransport) Send(cmd protocol.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[cmd]; err != nil {
		return err
	}
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeTransport) commands() []protocol.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Command(nil), f.sent...)
}

func (f *fakeTransport) count(cmd protocol.Command) int {
	n := 0
	for _, c := range f.commands() {
		if c == cmd {
			n++
		}
	}
	return n
}

func distance(v float32) ble.Notification {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
	return ble.Notification{Source: ble.SourceDistance, Data: buf, At: time.Now()}
}

func inclination(v float32) ble.Notification {
	n := distance(v)
	n.Source = ble.SourceInclination
	return n
}

func unit(code byte) ble.Notification {
	return ble.Notification{Source: ble.SourceUnit, Data: []byte{code}, At: time.Now()}
}

// harness runs a Machine against a fake transport and notification feed.
type harness struct {
	t         *testing.T
	transport *fakeTransport
	machine   *Machine
	feed      chan ble.Notification
	cancel    context.CancelFunc
	runErr    chan error
}

func startMachine(t *testing.T, p Policy, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		transport: &fakeTransport{fail: map[protocol.Command]error{}},
		feed:      make(chan ble.Notification, 32),
		runErr:    make(chan error, 1),
	}
	h.machine = New(h.transport, p, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.runErr <- h.machine.Run(ctx, h.feed) }()

	require.Eventually(t, func() bool {
		return h.machine.State() == StateAwaitingTrigger
	}, time.Second, time.Millisecond)

	t.Cleanup(func() {
		cancel()
		for range h.machine.Events() {
		}
	})
	return h
}

// next waits for the next event of the given kind, skipping others.
func (h *harness) next(kind EventKind) Event {
	h.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-h.machine.Events():
			require.True(h.t, ok, "events channel closed while waiting for %s", kind)
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			h.t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func (h *harness) waitState(s State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.machine.State() == s }, 2*time.Second, time.Millisecond,
		"state = %s, want %s", h.machine.State(), s)
}

func TestPassiveButtonBounceSendsOneMeasure(t *testing.T) {
	p := Passive(100 * time.Millisecond)
	h := startMachine(t, p)

	h.feed <- distance(9.999) // button press, value discarded
	for i := 0; i < 5; i++ {
		h.feed <- distance(float32(i)) // bounce within the countdown
	}

	triggered := h.next(EventTriggered)
	assert.Equal(t, uint64(1), triggered.Cycle)
	assert.Equal(t, 100*time.Millisecond, triggered.Countdown)

	measuring := h.next(EventMeasuring)
	assert.Equal(t, protocol.CommandMeasure, measuring.Command)
	assert.Equal(t, []protocol.Command{protocol.CommandLaserOn, protocol.CommandMeasure}, h.transport.commands())

	h.feed <- distance(1.234)
	ev := h.next(EventMeasurement)
	require.NotNil(t, ev.Measurement)
	assert.Equal(t, "1.234", ev.Measurement.Text('.'))
	assert.Equal(t, "1,234", ev.Measurement.Text(','))
	assert.Equal(t, protocol.UnitMeter, ev.Measurement.Unit)
	h.waitState(StateAwaitingTrigger)

	assert.Equal(t, 1, h.transport.count(protocol.CommandLaserOn))
	assert.Equal(t, 1, h.transport.count(protocol.CommandMeasure))
}

func TestPassiveLaserOnBeforeCountdown(t *testing.T) {
	h := startMachine(t, Passive(time.Hour))

	h.feed <- distance(0)
	h.next(EventTriggered)

	// The countdown is running, so LASER_ON has already been written and
	// MEASURE has not.
	assert.Equal(t, StateCountdown, h.machine.State())
	assert.Equal(t, []protocol.Command{protocol.CommandLaserOn}, h.transport.commands())
}

func TestPassiveLaserFailureIsNotFatal(t *testing.T) {
	h := startMachine(t, Passive(20*time.Millisecond))
	h.transport.mu.Lock()
	h.transport.fail[protocol.CommandLaserOn] = ble.ErrWriteFailed
	h.transport.mu.Unlock()

	h.feed <- distance(0)
	warn := h.next(EventWarning)
	assert.ErrorIs(t, warn.Err, ble.ErrWriteFailed)

	h.next(EventMeasuring)
	assert.Equal(t, []protocol.Command{protocol.CommandMeasure}, h.transport.commands())
}

func TestPassiveMeasureWriteFailureRecovers(t *testing.T) {
	h := startMachine(t, Passive(10*time.Millisecond))
	h.transport.mu.Lock()
	h.transport.fail[protocol.CommandMeasure] = ble.ErrWriteFailed
	h.transport.mu.Unlock()

	h.feed <- distance(0)
	h.next(EventTriggered)
	warn := h.next(EventWarning)
	assert.ErrorIs(t, warn.Err, ble.ErrWriteFailed)
	h.waitState(StateAwaitingTrigger)
}

func TestPassiveMeasurementTimeout(t *testing.T) {
	p := Passive(10 * time.Millisecond)
	p.MeasureTimeout = 30 * time.Millisecond
	h := startMachine(t, p)

	h.feed <- distance(0)
	h.next(EventMeasuring)
	warn := h.next(EventWarning)
	assert.ErrorIs(t, warn.Err, ErrMeasurementTimeout)
	h.waitState(StateAwaitingTrigger)

	// The session keeps listening: the next press starts cycle 2.
	h.feed <- distance(0)
	ev := h.next(EventTriggered)
	assert.Equal(t, uint64(2), ev.Cycle)
}

func TestPassiveRejectsOperatorCommands(t *testing.T) {
	h := startMachine(t, Passive(DefaultCountdown))

	err := h.machine.Request(context.Background(), protocol.CommandMeasure)
	assert.ErrorIs(t, err, ErrOperatorDisabled)
	assert.Empty(t, h.transport.commands())
}

func TestActiveMeasureRejectedWhileMeasuring(t *testing.T) {
	h := startMachine(t, Active())
	ctx := context.Background()

	require.NoError(t, h.machine.Request(ctx, protocol.CommandMeasure))
	assert.Equal(t, StateMeasuring, h.machine.State())

	err := h.machine.Request(ctx, protocol.CommandMeasure)
	assert.ErrorIs(t, err, ErrMeasurementInProgress)
	err = h.machine.Request(ctx, protocol.CommandMeasureWithAngle)
	assert.ErrorIs(t, err, ErrMeasurementInProgress)
	assert.Equal(t, []protocol.Command{protocol.CommandMeasure}, h.transport.commands())

	h.feed <- distance(2.5)
	ev := h.next(EventMeasurement)
	assert.Equal(t, "2.500", ev.Measurement.Text('.'))
	h.waitState(StateAwaitingTrigger)

	require.NoError(t, h.machine.Request(ctx, protocol.CommandMeasure))
	assert.Equal(t, 2, h.transport.count(protocol.CommandMeasure))
}

func TestActiveTimeoutReleasesMeasurement(t *testing.T) {
	p := Active()
	p.MeasureTimeout = 30 * time.Millisecond
	h := startMachine(t, p)
	ctx := context.Background()

	require.NoError(t, h.machine.Request(ctx, protocol.CommandMeasure))
	warn := h.next(EventWarning)
	assert.ErrorIs(t, warn.Err, ErrMeasurementTimeout)
	h.waitState(StateAwaitingTrigger)

	require.NoError(t, h.machine.Request(ctx, protocol.CommandMeasure))
}

func TestActiveLaserCommandsKeepState(t *testing.T) {
	h := startMachine(t, Active())
	ctx := context.Background()

	require.NoError(t, h.machine.Request(ctx, protocol.CommandLaserOn))
	assert.Equal(t, StateAwaitingTrigger, h.machine.State())

	require.NoError(t, h.machine.Request(ctx, protocol.CommandMeasure))
	require.NoError(t, h.machine.Request(ctx, protocol.CommandLaserOff))
	assert.Equal(t, StateMeasuring, h.machine.State())

	assert.Equal(t, []protocol.Command{
		protocol.CommandLaserOn,
		protocol.CommandMeasure,
		protocol.CommandLaserOff,
	}, h.transport.commands())
}

func TestActiveMeasureWriteFailure(t *testing.T) {
	h := startMachine(t, Active())
	h.transport.mu.Lock()
	h.transport.fail[protocol.CommandMeasure] = ble.ErrWriteFailed
	h.transport.mu.Unlock()

	err := h.machine.Request(context.Background(), protocol.CommandMeasure)
	assert.ErrorIs(t, err, ble.ErrWriteFailed)
	assert.Equal(t, StateAwaitingTrigger, h.machine.State())
}

func TestActiveButtonPressIsInformational(t *testing.T) {
	h := startMachine(t, Active())

	h.feed <- distance(3.21)
	ev := h.next(EventReading)
	require.NotNil(t, ev.Measurement)
	assert.Equal(t, "3.210", ev.Measurement.Text('.'))
	assert.Equal(t, StateAwaitingTrigger, h.machine.State())
	assert.Empty(t, h.transport.commands())
}

func TestActiveMeasureWithAngle(t *testing.T) {
	h := startMachine(t, Active())

	require.NoError(t, h.machine.Request(context.Background(), protocol.CommandMeasureWithAngle))
	h.feed <- inclination(12.5)
	h.feed <- distance(4)

	ev := h.next(EventMeasurement)
	require.NotNil(t, ev.Measurement.Angle)
	assert.Equal(t, "12.500", ev.Measurement.Angle.Format('.'))
	assert.Equal(t, "4.000", ev.Measurement.Text('.'))
}

func TestActiveMeasureAngleIsFireAndForget(t *testing.T) {
	h := startMachine(t, Active())

	require.NoError(t, h.machine.Request(context.Background(), protocol.CommandMeasureAngle))
	assert.Equal(t, StateAwaitingTrigger, h.machine.State())
	assert.Equal(t, []protocol.Command{protocol.CommandMeasureAngle}, h.transport.commands())

	h.feed <- inclination(30)
	ev := h.next(EventReading)
	require.NotNil(t, ev.Measurement)
	require.NotNil(t, ev.Measurement.Angle)
	assert.Equal(t, "30.000", ev.Measurement.Angle.Format('.'))
	assert.Equal(t, protocol.Fixed(0), ev.Measurement.Value)
	assert.Equal(t, StateAwaitingTrigger, h.machine.State())
}

func TestActiveMeasureAngleAllowedWhileMeasuring(t *testing.T) {
	h := startMachine(t, Active())
	ctx := context.Background()

	require.NoError(t, h.machine.Request(ctx, protocol.CommandMeasure))
	require.NoError(t, h.machine.Request(ctx, protocol.CommandMeasureAngle))
	assert.Equal(t, StateMeasuring, h.machine.State())
	assert.Equal(t, []protocol.Command{
		protocol.CommandMeasure,
		protocol.CommandMeasureAngle,
	}, h.transport.commands())
}

func TestPassiveInclinationIsReading(t *testing.T) {
	h := startMachine(t, Passive(time.Second))

	h.feed <- inclination(-7.25)
	ev := h.next(EventReading)
	require.NotNil(t, ev.Measurement.Angle)
	assert.Equal(t, "-7.250", ev.Measurement.Angle.Format('.'))
	assert.Equal(t, StateAwaitingTrigger, h.machine.State())
	assert.Empty(t, h.transport.commands())
}

func TestNonFiniteDistanceDropped(t *testing.T) {
	h := startMachine(t, Active())

	require.NoError(t, h.machine.Request(context.Background(), protocol.CommandMeasure))
	h.feed <- ble.Notification{Source: ble.SourceDistance, Data: []byte{0xff, 0xff, 0xff, 0x7f}, At: time.Now()}
	h.feed <- distance(float32(math.Inf(1)))
	h.feed <- inclination(1e20)

	for i := 0; i < 3; i++ {
		warn := h.next(EventWarning)
		assert.ErrorIs(t, warn.Err, protocol.ErrMalformedPayload)
	}
	assert.Equal(t, StateMeasuring, h.machine.State())

	h.feed <- distance(1.25)
	ev := h.next(EventMeasurement)
	assert.Equal(t, "1.250", ev.Measurement.Text('.'))
	assert.Nil(t, ev.Measurement.Angle)
}

func TestUnknownUnitIsNotFatal(t *testing.T) {
	h := startMachine(t, Active())

	h.feed <- unit(255)
	warn := h.next(EventWarning)
	assert.ErrorIs(t, warn.Err, protocol.ErrUnknownUnitCode)

	require.NoError(t, h.machine.Request(context.Background(), protocol.CommandMeasure))
	h.feed <- distance(1)
	ev := h.next(EventMeasurement)
	assert.False(t, ev.Measurement.Unit.Known())
	assert.Equal(t, "unknown(255)", ev.Measurement.Unit.String())

	h.feed <- unit(3)
	h.feed <- distance(1500)
	ev = h.next(EventReading)
	assert.Equal(t, protocol.UnitMillimeter, ev.Measurement.Unit)
}

func TestMalformedPayloadDropped(t *testing.T) {
	h := startMachine(t, Passive(10*time.Millisecond))

	h.feed <- ble.Notification{Source: ble.SourceDistance, Data: []byte{1, 2, 3}}
	warn := h.next(EventWarning)
	assert.ErrorIs(t, warn.Err, protocol.ErrMalformedPayload)
	assert.Equal(t, StateAwaitingTrigger, h.machine.State())
	assert.Empty(t, h.transport.commands())
}

func TestInitialUnit(t *testing.T) {
	h := startMachine(t, Active(), WithInitialUnit(protocol.UnitFoot))

	require.NoError(t, h.machine.Request(context.Background(), protocol.CommandMeasure))
	h.feed <- distance(10)
	ev := h.next(EventMeasurement)
	assert.Equal(t, protocol.UnitFoot, ev.Measurement.Unit)
}

func TestStreamEndClosesMachine(t *testing.T) {
	h := startMachine(t, Passive(time.Hour))

	h.feed <- distance(0)
	h.next(EventTriggered)
	close(h.feed)

	select {
	case err := <-h.runErr:
		assert.ErrorIs(t, err, ble.ErrSessionClosed)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the stream ended")
	}
	assert.Equal(t, StateClosed, h.machine.State())
	assert.ErrorIs(t, h.machine.Request(context.Background(), protocol.CommandMeasure), ErrClosed)

	_, ok := <-h.machine.Events()
	assert.False(t, ok, "events channel should be closed")
}

func TestCancelStopsPendingCountdown(t *testing.T) {
	h := startMachine(t, Passive(50*time.Millisecond))

	h.feed <- distance(0)
	h.next(EventTriggered)
	h.cancel()

	select {
	case err := <-h.runErr:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, h.transport.count(protocol.CommandMeasure), "cancelled countdown must not measure")
}

func TestRunTwice(t *testing.T) {
	h := startMachine(t, Active())
	err := h.machine.Run(context.Background(), make(chan ble.Notification))
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestPolicies(t *testing.T) {
	p := Passive(2 * time.Second)
	assert.Equal(t, ModePassive, p.Mode)
	assert.Equal(t, TriggerTimer, p.Trigger)
	assert.True(t, p.ArmLaser)
	assert.Equal(t, 6*time.Second, p.MeasureTimeout)

	assert.Equal(t, DefaultMeasureTimeout, Passive(100*time.Millisecond).MeasureTimeout)
	assert.Equal(t, time.Duration(0), Passive(-time.Second).Countdown)

	a := Active()
	assert.Equal(t, ModeActive, a.Mode)
	assert.Equal(t, TriggerOperator, a.Trigger)
	assert.False(t, a.ArmLaser)

	assert.Equal(t, a, ForMode(ModeActive, time.Second))

	m, err := ParseMode("active")
	require.NoError(t, err)
	assert.Equal(t, ModeActive, m)
	_, err = ParseMode("turbo")
	assert.Error(t, err)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "awaiting-trigger", StateAwaitingTrigger.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "measurement", EventMeasurement.String())
}
