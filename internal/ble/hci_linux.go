//go:build linux

package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/fako1024/gatt"
)

var defaultHCIOptions = []gatt.Option{
	gatt.LnxMaxConnections(1),
	gatt.LnxDeviceID(-1, true),
}

// HCIAdapter drives the controller directly over a raw HCI socket using
// fako1024/gatt, bypassing BlueZ. It needs CAP_NET_ADMIN / CAP_NET_RAW.
type HCIAdapter struct {
	device gatt.Device

	mu          sync.Mutex
	peripherals map[string]gatt.Peripheral // keyed by lower-case peripheral ID
	onFound     func(gatt.Peripheral, *gatt.Advertisement, int)
	connected   chan connectEvent
	conn        *hciConnection

	states   chan gatt.State
	initOnce sync.Once
	initErr  error
}

type connectEvent struct {
	p   gatt.Peripheral
	err error
}

// NewHCIAdapter opens the first HCI controller.
func NewHCIAdapter() (*HCIAdapter, error) {
	d, err := gatt.NewDevice(defaultHCIOptions...)
	if err != nil {
		return nil, fmt.Errorf("ble: open HCI device: %w", err)
	}
	return &HCIAdapter{
		device:      d,
		peripherals: make(map[string]gatt.Peripheral),
		connected:   make(chan connectEvent, 1),
		states:      make(chan gatt.State, 8),
	}, nil
}

// ErrAdapterUnavailable is returned when the controller reports a state in
// which it can never scan.
var ErrAdapterUnavailable = errors.New("ble: adapter unavailable")

func (a *HCIAdapter) Enable(ctx context.Context) error {
	a.initOnce.Do(func() {
		a.device.Handle(
			gatt.AddPeripheralDiscovered(a.onPeriphDiscovered),
			gatt.AddPeripheralConnected(a.onPeriphConnected),
			gatt.AddPeripheralDisconnected(a.onPeriphDisconnected),
		)
		if err := a.device.Init(a.onStateChanged); err != nil {
			a.initErr = fmt.Errorf("ble: init HCI device: %w", err)
		}
	})
	if a.initErr != nil {
		return a.initErr
	}
	return waitPoweredOn(ctx, a.states)
}

func (a *HCIAdapter) onStateChanged(d gatt.Device, s gatt.State) {
	slog.Debug("[BLE] HCI state changed", "state", s)
	select {
	case a.states <- s:
	default:
	}
}

// waitPoweredOn consumes controller state changes until the controller is
// powered on, reports a terminal state, or ctx is done.
func waitPoweredOn(ctx context.Context, states <-chan gatt.State) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("ble: waiting for HCI power on: %w", ctx.Err())
		case s := <-states:
			switch s {
			case gatt.StatePoweredOn:
				return nil
			case gatt.StatePoweredOff, gatt.StateUnsupported, gatt.StateUnauthorized:
				return fmt.Errorf("%w: controller state %s", ErrAdapterUnavailable, s)
			}
		}
	}
}

func (a *HCIAdapter) Scan(ctx context.Context, serviceUUID string, found func(Device) bool) error {
	uuid, err := gatt.ParseUUID(serviceUUID)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}

	stop := make(chan struct{})
	var once sync.Once
	a.mu.Lock()
	a.onFound = func(p gatt.Peripheral, adv *gatt.Advertisement, rssi int) {
		a.mu.Lock()
		a.peripherals[strings.ToLower(p.ID())] = p
		a.mu.Unlock()

		name := p.Name()
		if adv.LocalName != "" {
			name = adv.LocalName
		}
		dev := Device{Name: name, Address: p.ID(), RSSI: rssi, AdvertisesService: advertises(adv, uuid)}
		if found(dev) {
			once.Do(func() { close(stop) })
		}
	}
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.onFound = nil
		a.mu.Unlock()
		if err := a.device.StopScanning(); err != nil {
			slog.Debug("[BLE] stop scan", "error", err)
		}
	}()

	// No UUID filter: many DISTO units advertise only their name.
	if err := a.device.Scan(nil, false); err != nil {
		return fmt.Errorf("ble: scan: %w", err)
	}

	select {
	case <-ctx.Done():
	case <-stop:
	}
	return nil
}

func advertises(adv *gatt.Advertisement, uuid gatt.UUID) bool {
	if adv == nil {
		return false
	}
	for _, s := range adv.Services {
		if s.Equal(uuid) {
			return true
		}
	}
	return false
}

func (a *HCIAdapter) onPeriphDiscovered(p gatt.Peripheral, adv *gatt.Advertisement, rssi int) {
	a.mu.Lock()
	fn := a.onFound
	a.mu.Unlock()
	if fn != nil {
		fn(p, adv, rssi)
	}
}

func (a *HCIAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	a.mu.Lock()
	p, ok := a.peripherals[strings.ToLower(address)]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("ble: connect to %s: peripheral not seen during scan", address)
	}

	if err := a.device.Connect(p); err != nil {
		return nil, fmt.Errorf("ble: connect to %s: %w", address, err)
	}

	select {
	case <-ctx.Done():
		a.device.CancelConnection(p)
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case ev := <-a.connected:
		if ev.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, ev.err)
		}
		conn := &hciConnection{device: a.device, p: ev.p}
		a.mu.Lock()
		a.conn = conn
		a.mu.Unlock()
		return conn, nil
	}
}

func (a *HCIAdapter) onPeriphConnected(p gatt.Peripheral, err error) {
	select {
	case a.connected <- connectEvent{p: p, err: err}:
	default:
		slog.Warn("[BLE] unexpected peripheral connection", "id", p.ID())
	}
}

func (a *HCIAdapter) onPeriphDisconnected(p gatt.Peripheral, err error) {
	a.mu.Lock()
	conn := a.conn
	if conn != nil && conn.p.ID() == p.ID() {
		a.conn = nil
	} else {
		conn = nil
	}
	a.mu.Unlock()

	slog.Debug("[BLE] HCI peripheral disconnected", "id", p.ID(), "error", err)
	if conn != nil {
		conn.fireDisconnect()
	}
}

// Compile-time check that HCIAdapter implements Adapter.
var _ Adapter = (*HCIAdapter)(nil)

type hciConnection struct {
	device gatt.Device
	p      gatt.Peripheral

	mu           sync.Mutex
	services     []*gatt.Service
	disconnectCb func()
}

func (c *hciConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := gatt.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	chUUID, err := gatt.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svc, err := c.service(svcUUID)
	if err != nil {
		return nil, err
	}

	cs, err := c.p.DiscoverCharacteristics([]gatt.UUID{chUUID}, svc)
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	for _, ch := range cs {
		if !ch.UUID().Equal(chUUID) {
			continue
		}
		// Descriptors must be known before notifications can be enabled.
		if _, err := c.p.DiscoverDescriptors(nil, ch); err != nil {
			return nil, fmt.Errorf("ble: discover descriptors: %w", err)
		}
		return &hciCharacteristic{p: c.p, c: ch}, nil
	}
	return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
}

func (c *hciConnection) service(uuid gatt.UUID) (*gatt.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.services {
		if s.UUID().Equal(uuid) {
			return s, nil
		}
	}

	ss, err := c.p.DiscoverServices([]gatt.UUID{uuid})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	for _, s := range ss {
		if s.UUID().Equal(uuid) {
			c.services = append(c.services, s)
			return s, nil
		}
	}
	return nil, fmt.Errorf("ble: service %s not found", uuid.String())
}

func (c *hciConnection) Disconnect() error {
	c.device.CancelConnection(c.p)
	return nil
}

func (c *hciConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *hciConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type hciCharacteristic struct {
	p gatt.Peripheral
	c *gatt.Characteristic
}

func (c *hciCharacteristic) Write(data []byte) error {
	return c.p.WriteCharacteristic(c.c, data, false)
}

func (c *hciCharacteristic) Read() ([]byte, error) {
	return c.p.ReadCharacteristic(c.c)
}

func (c *hciCharacteristic) Subscribe(cb func([]byte)) error {
	if c.c.Properties()&(gatt.CharNotify|gatt.CharIndicate) == 0 {
		return errors.New("ble: characteristic does not support notifications")
	}
	return c.p.SetNotifyValue(c.c, func(_ *gatt.Characteristic, data []byte, err error) {
		if err != nil {
			slog.Warn("[BLE] notification error", "char", c.c.UUID().String(), "error", err)
			return
		}
		cb(data)
	})
}
