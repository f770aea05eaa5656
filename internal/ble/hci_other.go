//go:build !linux

package ble

import (
	"context"
	"errors"
)

// ErrHCIUnsupported is returned by NewHCIAdapter outside Linux.
var ErrHCIUnsupported = errors.New("ble: raw HCI backend is only available on linux")

// HCIAdapter is unavailable on this platform.
type HCIAdapter struct{}

// NewHCIAdapter always fails on this platform; use the tinygo backend.
func NewHCIAdapter() (*HCIAdapter, error) {
	return nil, ErrHCIUnsupported
}

func (a *HCIAdapter) Enable(context.Context) error { return ErrHCIUnsupported }

func (a *HCIAdapter) Scan(context.Context, string, func(Device) bool) error {
	return ErrHCIUnsupported
}

func (a *HCIAdapter) Connect(context.Context, string) (Connection, error) {
	return nil, ErrHCIUnsupported
}

var _ Adapter = (*HCIAdapter)(nil)
