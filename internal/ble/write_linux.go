//go:build linux

package ble

import "tinygo.org/x/bluetooth"

// writeAcknowledged writes data and waits for the peer's response. On
// BlueZ, WriteValue without a "type" option issues a Write Request, which
// is what tinygo's WriteWithoutResponse sends on Linux.
func writeAcknowledged(c bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := c.WriteWithoutResponse(data)
	return err
}
