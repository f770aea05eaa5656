// Command test-inject is a manual test for measurement auto-typing.
// It waits 3 seconds, then types or pastes a sample measurement.
// Focus a text editor or spreadsheet before the countdown finishes.
//
// Usage:
//
//	go run ./cmd/test-inject [--method type|paste] [--separator ,] [--enter]
package main

import (
	"flag"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/chaz8081/disto-reader/internal/ble/protocol"
	"github.com/chaz8081/disto-reader/internal/inject"
)

func main() {
	method := flag.String("method", "type", "inject method: type or paste")
	separator := flag.String("separator", ".", "decimal separator: . or ,")
	enter := flag.Bool("enter", true, "press Enter after the value")
	value := flag.Float64("value", 1.234, "sample distance to type")
	flag.Parse()

	sep, _ := utf8.DecodeRuneInString(*separator)
	meas := protocol.Measurement{Value: protocol.NewFixed(*value), Unit: protocol.UnitMeter, At: time.Now()}

	fmt.Printf("Will inject %q using %q method in 3 seconds...\n", meas.Text(sep), *method)
	fmt.Println("Focus a text editor now!")

	for i := 3; i > 0; i-- {
		fmt.Printf("%d...\n", i)
		time.Sleep(time.Second)
	}

	inj := inject.NewMeasurementInjector(inject.NewInjector(*method, *enter), sep)
	if err := inj.InjectMeasurement(meas); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Println("\nDone!")
}
