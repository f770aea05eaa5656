package session

import (
	"fmt"
	"time"
)

// DefaultCountdown is the passive-mode delay between the button press and
// the measurement, giving the operator time to aim.
const DefaultCountdown = time.Second

// DefaultMeasureTimeout bounds the wait for a measurement result when no
// countdown is involved.
const DefaultMeasureTimeout = 3 * DefaultCountdown

// Mode selects the interaction policy.
type Mode int

const (
	// ModePassive listens for the device button and measures after a delay.
	ModePassive Mode = iota
	// ModeActive measures only on operator commands.
	ModeActive
)

func (m Mode) String() string {
	switch m {
	case ModePassive:
		return "passive"
	case ModeActive:
		return "active"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode parses "passive" or "active".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "passive":
		return ModePassive, nil
	case "active":
		return ModeActive, nil
	}
	return 0, fmt.Errorf("session: unknown mode %q", s)
}

// Trigger is what moves the machine into Measuring.
type Trigger int

const (
	// TriggerTimer arms on a button notification and measures when the
	// countdown expires.
	TriggerTimer Trigger = iota
	// TriggerOperator measures on explicit commands.
	TriggerOperator
)

// Policy parameterizes the Machine. It holds no protocol logic.
type Policy struct {
	Mode           Mode
	Trigger        Trigger
	Countdown      time.Duration
	ArmLaser       bool // send LASER_ON before the countdown
	MeasureTimeout time.Duration
}

// Passive returns the button-driven policy. A non-positive countdown
// measures immediately after the press.
func Passive(countdown time.Duration) Policy {
	if countdown < 0 {
		countdown = 0
	}
	timeout := 3 * countdown
	if timeout < DefaultMeasureTimeout {
		timeout = DefaultMeasureTimeout
	}
	return Policy{
		Mode:           ModePassive,
		Trigger:        TriggerTimer,
		Countdown:      countdown,
		ArmLaser:       true,
		MeasureTimeout: timeout,
	}
}

// Active returns the operator-driven policy.
func Active() Policy {
	return Policy{
		Mode:           ModeActive,
		Trigger:        TriggerOperator,
		MeasureTimeout: DefaultMeasureTimeout,
	}
}

// ForMode returns the policy for m.
func ForMode(m Mode, countdown time.Duration) Policy {
	if m == ModeActive {
		return Active()
	}
	return Passive(countdown)
}

func (p Policy) measureTimeout() time.Duration {
	if p.MeasureTimeout > 0 {
		return p.MeasureTimeout
	}
	return DefaultMeasureTimeout
}
