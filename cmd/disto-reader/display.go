package main

import (
	"fmt"

	"github.com/chaz8081/disto-reader/internal/ble/protocol"
	"github.com/chaz8081/disto-reader/internal/session"
)

// readyMessage tells the operator how to take a measurement.
func readyMessage(p session.Policy, unit protocol.Unit) string {
	if p.Mode == session.ModeActive {
		return fmt.Sprintf("Ready (unit %s). Type m to measure, ? for help.", unit)
	}
	return fmt.Sprintf("Ready (unit %s). Press the DISTO button; measuring %s later. Ctrl+C to quit.", unit, p.Countdown)
}

// formatEvent renders a session event as one terminal line.
func formatEvent(ev session.Event, sep rune) string {
	switch ev.Kind {
	case session.EventTriggered:
		return fmt.Sprintf("[%d] button pressed, measuring in %s...", ev.Cycle, ev.Countdown)
	case session.EventMeasuring:
		return fmt.Sprintf("[%d] %s...", ev.Cycle, ev.Command)
	case session.EventMeasurement:
		return fmt.Sprintf("[%d] %s", ev.Cycle, formatMeasurement(ev.Measurement, sep))
	case session.EventReading:
		return "      " + formatMeasurement(ev.Measurement, sep)
	case session.EventWarning:
		return fmt.Sprintf("warning: %v", ev.Err)
	}
	return ev.Kind.String()
}

func formatMeasurement(m *protocol.Measurement, sep rune) string {
	if m == nil {
		return "-"
	}
	// Angle-only readings carry no distance.
	if m.Value == 0 && m.Angle != nil {
		return "angle " + m.Angle.Format(sep) + "°"
	}
	s := m.Text(sep) + " " + m.Unit.String()
	if m.Angle != nil {
		s += "  angle " + m.Angle.Format(sep) + "°"
	}
	return s
}
