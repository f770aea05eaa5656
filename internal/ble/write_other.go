//go:build !linux

package ble

import "tinygo.org/x/bluetooth"

// writeAcknowledged writes data and waits for the peer's response.
func writeAcknowledged(c bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := c.Write(data)
	return err
}
