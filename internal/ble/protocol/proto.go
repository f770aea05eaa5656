// Package protocol implements the payload codec for the Leica DISTO BLE
// service: distance/angle floats, unit codes and ASCII commands.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrMalformedPayload is returned when a characteristic payload has the
	// wrong length for its type.
	ErrMalformedPayload = errors.New("protocol: malformed payload")
	// ErrUnknownUnitCode is returned for unit codes missing from the table.
	// The code is still returned so callers can display it.
	ErrUnknownUnitCode = errors.New("protocol: unknown unit code")
)

// floatPayloadLen is the size of a distance or inclination value on the wire.
const floatPayloadLen = 4

// DecodeDistance interprets a Distance notification: a little-endian
// IEEE-754 single-precision float.
func DecodeDistance(data []byte) (float32, error) {
	return decodeFloat(data)
}

// DecodeAngle interprets an Inclination notification. The wire format is
// the same as for distances.
func DecodeAngle(data []byte) (float32, error) {
	return decodeFloat(data)
}

// maxMagnitude bounds decoded distances and angles. Larger values, infinities
// and NaN never come from a working instrument.
const maxMagnitude = 1e9

func decodeFloat(data []byte) (float32, error) {
	if len(data) != floatPayloadLen {
		return 0, fmt.Errorf("%w: want %d bytes, got %d", ErrMalformedPayload, floatPayloadLen, len(data))
	}
	v := math.Float32frombits(binary.LittleEndian.Uint32(data))
	if math.IsNaN(float64(v)) || math.Abs(float64(v)) > maxMagnitude {
		return 0, fmt.Errorf("%w: value %v out of range", ErrMalformedPayload, v)
	}
	return v, nil
}

// DecodeUnit interprets the first byte of a Unit payload.
func DecodeUnit(data []byte) (Unit, error) {
	if len(data) < 1 {
		return 0, fmt.Errorf("%w: empty unit payload", ErrMalformedPayload)
	}
	return UnitFromCode(data[0])
}

// EncodeCommand returns the ASCII bytes the firmware expects for cmd.
// Every call returns a fresh slice.
func EncodeCommand(cmd Command) ([]byte, error) {
	s, ok := commandCodes[cmd]
	if !ok {
		return nil, fmt.Errorf("protocol: unknown command %d", int(cmd))
	}
	return []byte(s), nil
}
