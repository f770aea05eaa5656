// Package ble provides the BLE connection manager for Leica DISTO laser
// distance meters. It handles discovery, the GATT session and the
// notification handshake the firmware requires.
package ble

import "context"

// DISTO BLE UUIDs. All characteristics live under the 3ab101xx base.
const (
	ServiceUUID         = "3ab10100-f831-4395-b29d-570977d5bf94"
	DistanceCharUUID    = "3ab10101-f831-4395-b29d-570977d5bf94"
	UnitCharUUID        = "3ab10102-f831-4395-b29d-570977d5bf94"
	InclinationCharUUID = "3ab10103-f831-4395-b29d-570977d5bf94"
	CommandCharUUID     = "3ab10109-f831-4395-b29d-570977d5bf94"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic and waits for the
	// write response.
	Write(data []byte) error
	// Read returns the current value of the characteristic.
	Read() ([]byte, error)
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
	// AdvertisesService is set when the advertisement lists the service
	// UUID passed to Scan. Many DISTO units omit it.
	AdvertisesService bool
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter. It returns early with ctx's error.
	Enable(ctx context.Context) error
	// Scan reports every advertising peripheral to found, flagging those
	// that list serviceUUID, until found returns true or ctx is done.
	Scan(ctx context.Context, serviceUUID string, found func(Device) bool) error
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
