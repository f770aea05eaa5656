package ble

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/disto-reader/internal/ble/protocol"
)

// Source identifies the characteristic a notification came from.
type Source int

const (
	SourceDistance Source = iota
	SourceUnit
	SourceInclination
	SourceCommand
)

func (s Source) String() string {
	switch s {
	case SourceDistance:
		return "distance"
	case SourceUnit:
		return "unit"
	case SourceInclination:
		return "inclination"
	case SourceCommand:
		return "command"
	}
	return fmt.Sprintf("source(%d)", int(s))
}

// Notification is a raw characteristic update as pushed by the transport.
type Notification struct {
	Source Source
	Data   []byte
	At     time.Time
}

// Session is an open GATT connection to one DISTO device.
type Session struct {
	ID     string
	Device Device

	conn        Connection
	distance    Characteristic
	unit        Characteristic
	command     Characteristic
	inclination Characteristic // nil when the firmware lacks it

	notifications chan Notification

	mu         sync.Mutex
	closed     bool
	subscribed map[Source]bool

	closeOnce      sync.Once
	disconnectOnce sync.Once
}

func newSession(id string, dev Device, conn Connection, queueSize int) *Session {
	return &Session{
		ID:            id,
		Device:        dev,
		conn:          conn,
		notifications: make(chan Notification, queueSize),
		subscribed:    make(map[Source]bool),
	}
}

// Notifications returns the single-consumer stream of raw updates. It is
// closed when the session closes or the device disconnects.
func (s *Session) Notifications() <-chan Notification {
	return s.notifications
}

// push is called from transport callbacks and never blocks.
func (s *Session) push(src Source, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	n := Notification{Source: src, Data: cp, At: time.Now()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.notifications <- n:
	default:
		slog.Warn("[BLE] notification queue full, dropping", "source", src)
	}
}

func (s *Session) markSubscribed(src Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed[src] = true
}

// Subscribed returns the sources with active notifications.
func (s *Session) Subscribed() []Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Source
	for _, src := range []Source{SourceDistance, SourceUnit, SourceInclination, SourceCommand} {
		if s.subscribed[src] {
			out = append(out, src)
		}
	}
	return out
}

// HasInclination reports whether the device exposes inclination values.
func (s *Session) HasInclination() bool {
	return s.inclination != nil
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Send encodes cmd and writes it to the Command characteristic.
func (s *Session) Send(cmd protocol.Command) error {
	if s.Closed() {
		return ErrSessionClosed
	}
	data, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	if err := s.command.Write(data); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrWriteFailed, cmd, err)
	}
	slog.Debug("[BLE] command sent", "command", cmd, "bytes", string(data))
	return nil
}

// ReadUnit reads the Unit characteristic. Unknown codes are returned with
// protocol.ErrUnknownUnitCode.
func (s *Session) ReadUnit() (protocol.Unit, error) {
	if s.Closed() {
		return 0, ErrSessionClosed
	}
	data, err := s.unit.Read()
	if err != nil {
		return 0, fmt.Errorf("ble: read unit: %w", err)
	}
	return protocol.DecodeUnit(data)
}

// shutdown closes the notification stream without touching the link.
func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.notifications)
		s.mu.Unlock()
	})
}

// Close ends the notification stream and disconnects. Safe to call more
// than once.
func (s *Session) Close() error {
	if s.Closed() {
		return nil
	}
	s.shutdown()

	var err error
	s.disconnectOnce.Do(func() {
		err = s.conn.Disconnect()
		slog.Info("[BLE] session closed", "session", s.ID)
	})
	if err != nil {
		return fmt.Errorf("ble: disconnect: %w", err)
	}
	return nil
}
