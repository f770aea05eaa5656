// Package hotkey provides global hotkeys for active mode using gohook.
// Each binding maps a key combo to a device command.
package hotkey

import (
	"sync"

	hook "github.com/robotn/gohook"

	"github.com/chaz8081/disto-reader/internal/ble/protocol"
	"github.com/chaz8081/disto-reader/internal/config"
)

// Binding maps a key combo to a command.
type Binding struct {
	Keys    []string // lowercase key names, e.g. ["ctrl", "shift", "m"]
	Command protocol.Command
}

// BindingsFromConfig returns the bindings configured under hotkey.
func BindingsFromConfig(c config.HotkeyConfig) []Binding {
	return []Binding{
		{Keys: c.Measure, Command: protocol.CommandMeasure},
		{Keys: c.MeasureWithAngle, Command: protocol.CommandMeasureWithAngle},
		{Keys: c.LaserOn, Command: protocol.CommandLaserOn},
		{Keys: c.LaserOff, Command: protocol.CommandLaserOff},
	}
}

// Event is emitted on the channel returned by Events.
type Event struct {
	Command protocol.Command
}

// Listener manages global hotkeys and emits command events.
type Listener struct {
	bindings []Binding
	ch       chan Event
	done     chan struct{}
	once     sync.Once
}

// NewListener creates a Listener for the given bindings. Bindings without
// keys are ignored.
func NewListener(bindings []Binding) *Listener {
	var kept []Binding
	for _, b := range bindings {
		if len(b.Keys) > 0 {
			kept = append(kept, b)
		}
	}
	return &Listener{
		bindings: kept,
		ch:       make(chan Event, 16),
		done:     make(chan struct{}),
	}
}

// Bindings returns the active bindings.
func (l *Listener) Bindings() []Binding {
	return l.bindings
}

// Events returns the channel that receives hotkey events.
// The channel is closed when the listener stops.
func (l *Listener) Events() <-chan Event {
	return l.ch
}

// Start begins listening for the global hotkeys.
// This function blocks until Stop is called. Run it in a goroutine.
func (l *Listener) Start() {
	for _, b := range l.bindings {
		cmd := b.Command
		hook.Register(hook.KeyDown, b.Keys, func(e hook.Event) {
			l.emit(cmd)
		})
	}

	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.ch)
}

// emit never blocks the hook goroutine; presses are dropped while the
// consumer is behind.
func (l *Listener) emit(cmd protocol.Command) {
	select {
	case l.ch <- Event{Command: cmd}:
	default:
	}
}

// Stop terminates the hotkey listener.
// It is safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}
