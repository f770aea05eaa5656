package session

import (
	"fmt"
	"time"

	"github.com/chaz8081/disto-reader/internal/ble/protocol"
)

// State is the interaction state of a measurement session.
type State int32

const (
	StateIdle State = iota
	StateAwaitingTrigger
	StateLaserArming
	StateCountdown
	StateMeasuring
	StateReporting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingTrigger:
		return "awaiting-trigger"
	case StateLaserArming:
		return "laser-arming"
	case StateCountdown:
		return "countdown"
	case StateMeasuring:
		return "measuring"
	case StateReporting:
		return "reporting"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// EventKind classifies what the machine reports to its consumer.
type EventKind int

const (
	// EventTriggered: a button press armed a passive cycle; the countdown
	// is running.
	EventTriggered EventKind = iota
	// EventMeasuring: a measure command was written.
	EventMeasuring
	// EventMeasurement: a measurement completed.
	EventMeasurement
	// EventReading: a distance arrived outside a measurement cycle
	// (active mode button press). Informational only.
	EventReading
	// EventWarning: a recoverable error; the session keeps listening.
	EventWarning
)

func (k EventKind) String() string {
	switch k {
	case EventTriggered:
		return "triggered"
	case EventMeasuring:
		return "measuring"
	case EventMeasurement:
		return "measurement"
	case EventReading:
		return "reading"
	case EventWarning:
		return "warning"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is emitted on the channel returned by Machine.Events.
type Event struct {
	Kind        EventKind
	Cycle       uint64
	Command     protocol.Command      // EventMeasuring
	Countdown   time.Duration         // EventTriggered
	Measurement *protocol.Measurement // EventMeasurement, EventReading
	Err         error                 // EventWarning
	At          time.Time
}
