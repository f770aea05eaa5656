package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/disto-reader/internal/ble/protocol"
)

// Firmware timing contract, found by reverse engineering the vendor app.
// The device drops or misses interactions that arrive earlier. Change
// these only if the firmware changes.
const (
	// SettleDelay follows the Distance subscription before any other
	// protocol interaction.
	SettleDelay = 950 * time.Millisecond
	// ReadyDelay follows the settle phase before the session is ready.
	ReadyDelay = 100 * time.Millisecond
)

var (
	ErrNotFound        = errors.New("ble: no DISTO device found")
	ErrConnectFailed   = errors.New("ble: connect failed")
	ErrSubscribeFailed = errors.New("ble: subscribe failed")
	ErrWriteFailed     = errors.New("ble: write failed")
	ErrSessionClosed   = errors.New("ble: session closed")
	// ErrSessionActive is returned when a second session is requested.
	// A Manager opens at most one session in its lifetime.
	ErrSessionActive = errors.New("ble: a session was already opened")
)

// ManagerOptions configures timeouts and buffering.
type ManagerOptions struct {
	Address          string        // optional address filter for discovery
	ConnectTimeout   time.Duration // GATT connect + characteristic resolution
	SubscribeTimeout time.Duration // each notification subscription
	QueueSize        int           // notification buffer per session
}

// DefaultManagerOptions returns sensible defaults.
func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		ConnectTimeout:   10 * time.Second,
		SubscribeTimeout: 5 * time.Second,
		QueueSize:        32,
	}
}

// Manager owns the BLE transport lifecycle for one DISTO device.
type Manager struct {
	adapter Adapter
	opts    ManagerOptions

	// sleep waits out the firmware delays; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error

	enableMu sync.Mutex
	enabled  bool

	mu      sync.Mutex
	session *Session
	opened  bool
}

// NewManager creates a Manager on top of adapter.
func NewManager(adapter Adapter, opts ManagerOptions) *Manager {
	def := DefaultManagerOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = def.SubscribeTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	return &Manager{
		adapter: adapter,
		opts:    opts,
		sleep:   sleepContext,
	}
}

// enable powers on the adapter once. A failed attempt is retried on the
// next call.
func (m *Manager) enable(ctx context.Context) error {
	m.enableMu.Lock()
	defer m.enableMu.Unlock()
	if m.enabled {
		return nil
	}
	if err := m.adapter.Enable(ctx); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	m.enabled = true
	return nil
}

// deviceNameHints are substrings of the advertised names used by DISTO
// units and their rebrands. Many of them do not list the service UUID in
// the advertisement.
var deviceNameHints = []string{"disto", "stabila", "wdm"}

// isDisto reports whether d looks like a DISTO: its advertisement carries
// the service UUID, or its name matches a known hint.
func isDisto(d Device) bool {
	if d.AdvertisesService {
		return true
	}
	name := strings.ToLower(d.Name)
	for _, hint := range deviceNameHints {
		if strings.Contains(name, hint) {
			return true
		}
	}
	return false
}

// Discover scans for a DISTO and returns the first one seen. It fails with
// ErrNotFound once timeout elapses; a non-positive timeout fails
// immediately without scanning. When ctx itself ends, its error is
// returned instead.
func (m *Manager) Discover(ctx context.Context, timeout time.Duration) (Device, error) {
	if timeout <= 0 {
		return Device{}, fmt.Errorf("%w: scan timeout is %s", ErrNotFound, timeout)
	}

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := m.enable(scanCtx); err != nil {
		switch {
		case ctx.Err() != nil:
			return Device{}, ctx.Err()
		case scanCtx.Err() != nil:
			return Device{}, fmt.Errorf("%w within %s: %v", ErrNotFound, timeout, err)
		}
		return Device{}, err
	}

	var (
		mu     sync.Mutex
		result Device
		found  bool
	)
	err := m.adapter.Scan(scanCtx, ServiceUUID, func(d Device) bool {
		if !isDisto(d) {
			return false
		}
		if m.opts.Address != "" && !strings.EqualFold(d.Address, m.opts.Address) {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		if !found {
			found = true
			result = d
			slog.Info("[BLE] found device", "name", d.Name, "address", d.Address, "rssi", d.RSSI)
		}
		return true
	})
	if err != nil {
		return Device{}, err
	}

	mu.Lock()
	defer mu.Unlock()
	if !found {
		if ctx.Err() != nil {
			return Device{}, ctx.Err()
		}
		return Device{}, fmt.Errorf("%w within %s", ErrNotFound, timeout)
	}
	return result, nil
}

// Connect opens a GATT session to dev and resolves the DISTO
// characteristics. Distance, Unit and Command are required; a missing one
// means an incompatible firmware and fails with ErrConnectFailed.
// Once a session has been opened, further calls fail with ErrSessionActive.
func (m *Manager) Connect(ctx context.Context, dev Device) (s *Session, err error) {
	m.mu.Lock()
	if m.opened {
		m.mu.Unlock()
		return nil, ErrSessionActive
	}
	m.opened = true
	m.mu.Unlock()

	defer func() {
		if err != nil {
			m.mu.Lock()
			m.opened = false
			m.mu.Unlock()
		}
	}()

	if err := m.enable(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	conn, err := m.adapter.Connect(ctx, dev.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	s = newSession(uuid.NewString(), dev, conn, m.opts.QueueSize)
	required := []struct {
		uuid string
		dst  *Characteristic
	}{
		{DistanceCharUUID, &s.distance},
		{UnitCharUUID, &s.unit},
		{CommandCharUUID, &s.command},
	}
	for _, r := range required {
		c, err := conn.DiscoverCharacteristic(ServiceUUID, r.uuid)
		if err != nil {
			_ = conn.Disconnect()
			return nil, fmt.Errorf("%w: characteristic %s: %w", ErrConnectFailed, r.uuid, err)
		}
		*r.dst = c
	}
	if c, err := conn.DiscoverCharacteristic(ServiceUUID, InclinationCharUUID); err == nil {
		s.inclination = c
	} else {
		slog.Debug("[BLE] no inclination characteristic", "error", err)
	}

	if err := ctx.Err(); err != nil {
		_ = conn.Disconnect()
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	conn.OnDisconnect(func() {
		slog.Warn("[BLE] device disconnected", "address", dev.Address)
		s.shutdown()
	})

	m.mu.Lock()
	m.session = s
	m.mu.Unlock()

	slog.Info("[BLE] connected", "name", dev.Name, "address", dev.Address, "session", s.ID)
	return s, nil
}

// EnableNotifications subscribes to Distance notifications and then waits
// out SettleDelay and ReadyDelay. Unit, Inclination and Command
// subscriptions are best effort and follow the settle delay. The session
// is ready on return.
func (m *Manager) EnableNotifications(ctx context.Context, s *Session) error {
	if s.Closed() {
		return ErrSessionClosed
	}

	if err := m.subscribe(ctx, s, SourceDistance, s.distance); err != nil {
		return fmt.Errorf("%w: distance: %w", ErrSubscribeFailed, err)
	}

	if err := m.sleep(ctx, SettleDelay); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	optional := []struct {
		src  Source
		char Characteristic
	}{
		{SourceUnit, s.unit},
		{SourceInclination, s.inclination},
		{SourceCommand, s.command},
	}
	for _, o := range optional {
		if o.char == nil {
			continue
		}
		if err := m.subscribe(ctx, s, o.src, o.char); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", ErrSubscribeFailed, ctx.Err())
			}
			slog.Debug("[BLE] optional subscription unavailable", "source", o.src, "error", err)
		}
	}

	if err := m.sleep(ctx, ReadyDelay); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	slog.Info("[BLE] notifications enabled", "sources", s.Subscribed())
	return nil
}

// subscribe registers the session's push callback for src, bounded by the
// subscribe timeout.
func (m *Manager) subscribe(ctx context.Context, s *Session, src Source, c Characteristic) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.SubscribeTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Subscribe(func(data []byte) {
			s.push(src, data)
		})
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return err
		}
		s.markSubscribed(src)
		return nil
	}
}

// Send writes cmd to the open session.
func (m *Manager) Send(cmd protocol.Command) error {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()
	if s == nil {
		return ErrSessionClosed
	}
	return s.Send(cmd)
}

// Close releases the session. Safe to call more than once.
func (m *Manager) Close(s *Session) error {
	if s == nil {
		return nil
	}
	m.mu.Lock()
	if m.session == s {
		m.session = nil
	}
	m.mu.Unlock()
	return s.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
