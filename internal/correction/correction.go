// Package correction holds the conversions between ADC/DAC codes and volts,
// the input range table and the decimation filter compensation tables.
package correction

import (
	"fmt"
	"math"

	"github.com/analogdevicesinc/libm2k-sub001/internal/types"
)

const (
	adcFullScale = 0.78
	adcHalfCodes = 1 << 11
	frontEndGain = 1.3

	// vertical offset DAC: 12 bit over 2.693 V through a 1.2 V reference
	vertOffsetCodes = 1 << 12
	vertOffsetSpan  = 2.693
	vertOffsetRef   = 1.2

	dacMinCode = -2048
	dacMaxCode = 2047
)

// DefaultDACVlsb is the nominal volts per DAC code.
const DefaultDACVlsb = 10.0 / 4095

// RawToVolts converts an ADC code to volts.
func RawToVolts(raw float64, calibGain, rangeGain, filterComp, offset float64) float64 {
	return raw*adcFullScale/(adcHalfCodes*frontEndGain*rangeGain)*calibGain*filterComp + offset
}

// VoltsToRaw is the inverse of RawToVolts, rounded to the nearest code.
func VoltsToRaw(volts, calibGain, rangeGain, filterComp, offset float64) int {
	return int(math.Round((volts - offset) / (calibGain * filterComp) * (adcHalfCodes * frontEndGain * rangeGain) / adcFullScale))
}

// ScalingFactor is the volts per ADC code for the given corrections.
func ScalingFactor(calibGain, rangeGain, filterComp float64) float64 {
	return adcFullScale / (adcHalfCodes * frontEndGain * rangeGain) * calibGain * filterComp
}

// DACVoltsToRaw returns the 16-bit MSB aligned DAC word for volts. The DAC
// inverts, so positive volts map to negative codes. The code is rounded to
// the nearest step, not truncated, so the error stays within half an LSB.
func DACVoltsToRaw(volts, vlsb, filterComp float64) (int16, error) {
	if vlsb == 0 || filterComp == 0 {
		return 0, types.InvalidParameter("DACVoltsToRaw", "zero vlsb or filter compensation")
	}
	code := math.Round((-volts/vlsb - 0.5) / filterComp)
	if code < dacMinCode || code > dacMaxCode {
		return 0, types.OutOfRange("DACVoltsToRaw", fmt.Sprintf("%.4f V needs code %.0f, outside the 12 bit DAC range", volts, code))
	}
	return int16(code) << 4, nil
}

// DACRawToVolts converts an MSB aligned DAC word back to volts.
func DACRawToVolts(raw int16, vlsb, filterComp float64) float64 {
	return -((float64(raw>>4) + 0.5) * filterComp * vlsb)
}

// DACScalingFactor is the DAC word change per volt.
func DACScalingFactor(vlsb, filterComp float64) float64 {
	return -1 / vlsb * 16 / filterComp
}

// VerticalOffsetToRaw converts a vertical offset in volts to offset DAC codes,
// truncating toward zero.
func VerticalOffsetToRaw(volts, rangeGain float64) int {
	return int(volts * vertOffsetCodes * rangeGain * frontEndGain / vertOffsetSpan / vertOffsetRef)
}

func RawToVerticalOffset(raw int, rangeGain float64) float64 {
	return float64(raw) * vertOffsetSpan * vertOffsetRef / (vertOffsetCodes * rangeGain * frontEndGain)
}
