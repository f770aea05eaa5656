package protocol

import (
	"fmt"
	"time"
)

// Unit is the distance unit reported by the device. Values outside the
// known table keep their raw code.
type Unit uint16

const (
	UnitMeter Unit = iota
	UnitFoot
	UnitInch
	UnitMillimeter
	UnitYard
	UnitFootInch
)

// unitCodes maps the firmware's unit byte to a Unit. Several codes share a
// unit; they differ only in on-device display precision.
var unitCodes = map[byte]Unit{
	0: UnitMeter,
	1: UnitFoot,
	2: UnitInch,
	3: UnitMillimeter,
	4: UnitMillimeter,
	5: UnitMillimeter,
	6: UnitYard,
	7: UnitFootInch,
	8: UnitFootInch,
	9: UnitFootInch,
}

// unknownUnit flags raw codes that have no table entry so they never
// collide with a known Unit.
const unknownUnit Unit = 0x100

// UnitFromCode looks up a raw unit byte. For unmapped codes it returns an
// unknown Unit carrying the code together with ErrUnknownUnitCode.
func UnitFromCode(code byte) (Unit, error) {
	if u, ok := unitCodes[code]; ok {
		return u, nil
	}
	return unknownUnit | Unit(code), fmt.Errorf("%w: %d", ErrUnknownUnitCode, code)
}

// Known reports whether u is one of the enumerated units.
func (u Unit) Known() bool {
	return u <= UnitFootInch
}

func (u Unit) String() string {
	switch u {
	case UnitMeter:
		return "m"
	case UnitFoot:
		return "ft"
	case UnitInch:
		return "in"
	case UnitMillimeter:
		return "mm"
	case UnitYard:
		return "yd"
	case UnitFootInch:
		return "ft+in"
	}
	return fmt.Sprintf("unknown(%d)", uint8(u))
}

// Command is an instruction written to the Command characteristic.
type Command int

const (
	CommandMeasure Command = iota
	CommandMeasureWithAngle
	CommandMeasureAngle
	CommandLaserOn
	CommandLaserOff
)

// commandCodes are the ASCII sequences understood by the DISTO firmware.
var commandCodes = map[Command]string{
	CommandMeasure:          "g",
	CommandMeasureWithAngle: "gi",
	CommandMeasureAngle:     "iv",
	CommandLaserOn:          "o",
	CommandLaserOff:         "p",
}

// IsMeasure reports whether cmd starts a distance measurement cycle.
// An angle-only measurement does not; its result arrives as a plain
// inclination notification.
func (c Command) IsMeasure() bool {
	return c == CommandMeasure || c == CommandMeasureWithAngle
}

func (c Command) String() string {
	switch c {
	case CommandMeasure:
		return "measure"
	case CommandMeasureWithAngle:
		return "measure+angle"
	case CommandMeasureAngle:
		return "angle"
	case CommandLaserOn:
		return "laser-on"
	case CommandLaserOff:
		return "laser-off"
	}
	return fmt.Sprintf("command(%d)", int(c))
}

// Measurement is a decoded result handed to the display and auto-type sinks.
type Measurement struct {
	Cycle uint64 // measurement cycle counter within the session
	Value Fixed
	Unit  Unit
	Angle *Fixed // set only when an inclination arrived in the same cycle
	At    time.Time
}

// Text renders the value with the given decimal separator, without unit.
func (m Measurement) Text(sep rune) string {
	return m.Value.Format(sep)
}

func (m Measurement) String() string {
	s := m.Value.Format('.') + " " + m.Unit.String()
	if m.Angle != nil {
		s += " @ " + m.Angle.Format('.') + "°"
	}
	return s
}
