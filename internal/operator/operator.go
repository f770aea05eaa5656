// Package operator parses console input into device commands for active
// mode.
package operator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/chaz8081/disto-reader/internal/ble/protocol"
)

// ErrUnknownInput is returned for lines that map to no action.
var ErrUnknownInput = errors.New("operator: unknown input")

// ActionKind classifies a parsed line.
type ActionKind int

const (
	// ActionNone is an empty line.
	ActionNone ActionKind = iota
	// ActionCommand sends Action.Command to the device.
	ActionCommand
	// ActionQuit ends the session.
	ActionQuit
	// ActionHelp prints the key table.
	ActionHelp
)

// Action is the result of parsing one input line.
type Action struct {
	Kind    ActionKind
	Command protocol.Command // ActionCommand only
}

type entry struct {
	keys   []string
	action Action
	help   string
}

var table = []entry{
	{[]string{"m", "measure"}, Action{Kind: ActionCommand, Command: protocol.CommandMeasure}, "measure distance"},
	{[]string{"a", "angle"}, Action{Kind: ActionCommand, Command: protocol.CommandMeasureWithAngle}, "measure distance and angle"},
	{[]string{"i", "incline"}, Action{Kind: ActionCommand, Command: protocol.CommandMeasureAngle}, "measure angle only"},
	{[]string{"l", "laser"}, Action{Kind: ActionCommand, Command: protocol.CommandLaserOn}, "laser on"},
	{[]string{"o", "off"}, Action{Kind: ActionCommand, Command: protocol.CommandLaserOff}, "laser off"},
	{[]string{"q", "quit", "exit"}, Action{Kind: ActionQuit}, "quit"},
	{[]string{"?", "h", "help"}, Action{Kind: ActionHelp}, "show this help"},
}

// Parse maps a console line to an Action. Matching is case-insensitive and
// ignores surrounding whitespace.
func Parse(line string) (Action, error) {
	in := strings.ToLower(strings.TrimSpace(line))
	if in == "" {
		return Action{Kind: ActionNone}, nil
	}
	for _, e := range table {
		for _, k := range e.keys {
			if in == k {
				return e.action, nil
			}
		}
	}
	return Action{}, fmt.Errorf("%w: %q", ErrUnknownInput, in)
}

// Help returns the key table, one command per line.
func Help() string {
	var b strings.Builder
	for _, e := range table {
		fmt.Fprintf(&b, "  %-14s %s\n", strings.Join(e.keys, ", "), e.help)
	}
	return b.String()
}
