package protocol

import (
	"math"
	"strconv"
	"strings"
)

// Fixed is a fixed-point value with three decimal digits, stored in
// thousandths.
type Fixed int64

// fixedScale is the number of Fixed units per whole unit.
const fixedScale = 1000

// maxFixed is the largest magnitude NewFixed represents exactly.
const maxFixed = math.MaxInt64 / fixedScale

// NewFixed rounds v to the nearest thousandth.
func NewFixed(v float64) Fixed {
	return Fixed(math.Round(v * fixedScale))
}

// Float64 returns the value as a float.
func (f Fixed) Float64() float64 {
	return float64(f) / fixedScale
}

// Format renders f with exactly three fractional digits using sep as the
// decimal separator.
func (f Fixed) Format(sep rune) string {
	n := uint64(f)
	var buf []byte
	if f < 0 {
		buf = append(buf, '-')
		n = -n
	}
	buf = strconv.AppendUint(buf, n/fixedScale, 10)
	buf = append(buf, string(sep)...)
	frac := n % fixedScale
	if frac < 100 {
		buf = append(buf, '0')
	}
	if frac < 10 {
		buf = append(buf, '0')
	}
	buf = strconv.AppendUint(buf, frac, 10)
	return string(buf)
}

// FormatValue renders v with exactly three fractional digits and sep as
// the decimal separator. No unit suffix is added.
func FormatValue(v float64, sep rune) string {
	if math.IsNaN(v) || math.Abs(v) >= maxFixed {
		s := strconv.FormatFloat(v, 'f', 3, 64)
		return strings.Replace(s, ".", string(sep), 1)
	}
	return NewFixed(v).Format(sep)
}
