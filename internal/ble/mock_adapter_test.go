package ble

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// mockCharacteristic records writes and allows subscribing.
type mockCharacteristic struct {
	mu           sync.Mutex
	writes       [][]byte
	value        []byte
	callback     func([]byte)
	writeErr     error
	subscribeErr error
	onSubscribe  func()
}

func (c *mockCharacteristic) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *mockCharacteristic) Read() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, nil
}

func (c *mockCharacteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	hook := c.onSubscribe
	if c.subscribeErr != nil {
		c.mu.Unlock()
		return c.subscribeErr
	}
	c.callback = cb
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

// SimulateNotification sends a notification to the subscriber.
func (c *mockCharacteristic) SimulateNotification(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (c *mockCharacteristic) writtenStrings() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.writes))
	for i, w := range c.writes {
		out[i] = string(w)
	}
	return out
}

// mockConnection simulates a BLE connection exposing the DISTO service.
type mockConnection struct {
	mu           sync.Mutex
	chars        map[string]*mockCharacteristic
	disconnectCb func()
	disconnects  int
}

func newMockConnection() *mockConnection {
	return &mockConnection{
		chars: map[string]*mockCharacteristic{
			DistanceCharUUID:    {},
			UnitCharUUID:        {value: []byte{0}},
			InclinationCharUUID: {},
			CommandCharUUID:     {},
		},
	}
}

func (c *mockConnection) char(uuid string) *mockCharacteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chars[uuid]
}

func (c *mockConnection) remove(uuid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.chars, uuid)
}

func (c *mockConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	if serviceUUID != ServiceUUID {
		return nil, fmt.Errorf("mock: unknown service UUID %q", serviceUUID)
	}
	ch := c.char(charUUID)
	if ch == nil {
		return nil, fmt.Errorf("mock: unknown characteristic UUID %q", charUUID)
	}
	return ch, nil
}

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	return nil
}

func (c *mockConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// SimulateDisconnect triggers the disconnect callback.
func (c *mockConnection) SimulateDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *mockConnection) disconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// mockAdapter simulates the BLE adapter. Scan reports devices in order and
// then blocks until ctx is done, like a real scan that finds nothing more.
type mockAdapter struct {
	mu         sync.Mutex
	devices    []Device
	connection *mockConnection // next connection handed out by Connect
	connectErr error
	enableErr  error
	enableHang bool // Enable blocks until ctx is done
	enables    int
	scans      int
	connects   []string
}

func newMockAdapter(devices []Device) *mockAdapter {
	return &mockAdapter{
		devices:    devices,
		connection: newMockConnection(),
	}
}

func (a *mockAdapter) Enable(ctx context.Context) error {
	a.mu.Lock()
	a.enables++
	hang, err := a.enableHang, a.enableErr
	a.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (a *mockAdapter) Scan(ctx context.Context, _ string, found func(Device) bool) error {
	a.mu.Lock()
	a.scans++
	devices := a.devices
	a.mu.Unlock()

	for _, d := range devices {
		if found(d) {
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

func (a *mockAdapter) Connect(_ context.Context, address string) (Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connects = append(a.connects, address)
	if a.connectErr != nil {
		return nil, a.connectErr
	}
	return a.connection, nil
}

func (a *mockAdapter) enableCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enables
}

func (a *mockAdapter) scanCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scans
}

func TestMockAdapterImplementsInterface(t *testing.T) {
	var _ Adapter = (*mockAdapter)(nil)
}

func TestMockConnectionImplementsInterface(t *testing.T) {
	var _ Connection = (*mockConnection)(nil)
}

func TestMockCharacteristicImplementsInterface(t *testing.T) {
	var _ Characteristic = (*mockCharacteristic)(nil)
}
