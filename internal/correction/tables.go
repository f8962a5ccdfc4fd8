package correction

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/analogdevicesinc/libm2k-sub001/internal/types"
)

// Range is an analog input range selected through the fabric gain switch.
type Range int

const (
	PlusMinus25V Range = iota
	PlusMinus2_5V
)

const (
	lowGain  = 0.02017
	highGain = 0.21229
)

func (r Range) String() string {
	if r == PlusMinus2_5V {
		return "PLUS_MINUS_2_5V"
	}
	return "PLUS_MINUS_25V"
}

// Gain is the range gain used by the raw/volts conversion.
func (r Range) Gain() float64 {
	if r == PlusMinus2_5V {
		return highGain
	}
	return lowGain
}

// FabricGain is the value of the m2k-fabric "gain" attribute for the range.
func (r Range) FabricGain() string {
	if r == PlusMinus2_5V {
		return "high"
	}
	return "low"
}

func (r Range) Limits() (float64, float64) {
	if r == PlusMinus2_5V {
		return -2.5, 2.5
	}
	return -25, 25
}

// RangeFor picks the high gain range when [min, max] fits inside it.
func RangeFor(min, max float64) Range {
	lo, hi := PlusMinus2_5V.Limits()
	if min >= lo && max <= hi {
		return PlusMinus2_5V
	}
	return PlusMinus25V
}

// RangeFromFabricGain maps the fabric attribute value back to a range.
func RangeFromFabricGain(gain string) Range {
	if gain == "high" {
		return PlusMinus2_5V
	}
	return PlusMinus25V
}

func ParseRange(s string) (Range, error) {
	switch strings.ToUpper(s) {
	case "PLUS_MINUS_25V", "25V", "LOW":
		return PlusMinus25V, nil
	case "PLUS_MINUS_2_5V", "2.5V", "HIGH":
		return PlusMinus2_5V, nil
	}
	return 0, types.InvalidParameter("ParseRange", fmt.Sprintf("unknown range %q", s))
}

// AvailableRanges lists every range with its limits.
func AvailableRanges() []Range {
	return []Range{PlusMinus25V, PlusMinus2_5V}
}

// FilterTable maps a sample rate in Hz to the amplitude compensation of the
// decimation filter active at that rate.
type FilterTable struct {
	name    string
	entries map[int64]float64
}

var (
	ADCFilter = FilterTable{name: "ADC", entries: map[int64]float64{
		100000000: 1.00,
		10000000:  1.05,
		1000000:   1.10,
		100000:    1.15,
		10000:     1.20,
		1000:      1.26,
	}}
	DACFilter = FilterTable{name: "DAC", entries: map[int64]float64{
		75000000: 1.00,
		7500000:  1.525879,
		750000:   1.164153,
		75000:    1.776357,
		7500:     1.355253,
		750:      1.033976,
	}}
)

// Compensation returns the factor for an exactly tabulated rate. Any other
// rate, including a non-integral one, is an InvalidParameter error.
func (t FilterTable) Compensation(rate float64) (float64, error) {
	if rate != math.Trunc(rate) {
		return 0, t.unknown(rate)
	}
	f, ok := t.entries[int64(rate)]
	if !ok {
		return 0, t.unknown(rate)
	}
	return f, nil
}

func (t FilterTable) Contains(rate float64) bool {
	_, err := t.Compensation(rate)
	return err == nil
}

// Rates returns the tabulated rates in ascending order.
func (t FilterTable) Rates() []float64 {
	out := make([]float64, 0, len(t.entries))
	for r := range t.entries {
		out = append(out, float64(r))
	}
	sort.Float64s(out)
	return out
}

func (t FilterTable) unknown(rate float64) error {
	return types.InvalidParameter(t.name+" filter compensation",
		fmt.Sprintf("no compensation value for sample rate %g", rate))
}
