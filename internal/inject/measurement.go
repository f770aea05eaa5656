package inject

import (
	"context"
	"log/slog"

	"github.com/chaz8081/disto-reader/internal/ble/protocol"
)

// MeasurementInjector formats measurements with a decimal separator and
// hands them to a TextInjector. The unit is never typed.
type MeasurementInjector struct {
	inj TextInjector
	sep rune
}

// NewMeasurementInjector creates a MeasurementInjector backed by inj.
// Panics if inj is nil (programmer error).
func NewMeasurementInjector(inj TextInjector, sep rune) *MeasurementInjector {
	if inj == nil {
		panic("inject: NewMeasurementInjector called with nil injector")
	}
	return &MeasurementInjector{inj: inj, sep: sep}
}

// InjectMeasurement types the formatted value of m.
func (m *MeasurementInjector) InjectMeasurement(meas protocol.Measurement) error {
	return m.inj.Inject(meas.Text(m.sep))
}

// Run injects every measurement received until in is closed or ctx is
// done. Injection failures are logged and do not stop the loop.
func (m *MeasurementInjector) Run(ctx context.Context, in <-chan protocol.Measurement) {
	for {
		select {
		case <-ctx.Done():
			return
		case meas, ok := <-in:
			if !ok {
				return
			}
			if err := m.InjectMeasurement(meas); err != nil {
				slog.Warn("[INJECT] auto-type failed", "cycle", meas.Cycle, "error", err)
				continue
			}
			slog.Debug("[INJECT] typed measurement", "cycle", meas.Cycle, "text", meas.Text(m.sep))
		}
	}
}
