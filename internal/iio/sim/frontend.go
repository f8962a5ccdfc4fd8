package sim

import (
	"math"
	"strconv"

	"github.com/analogdevicesinc/libm2k-sub001/internal/iio"
)

// FrontEnd holds the analog imperfections calibration is expected to remove.
type FrontEnd struct {
	ADCOffset [2]float64 // codes
	ADCGain   [2]float64 // 1 is ideal
	DACOffset [2]float64 // volts at the DAC output
	DACVlsb   [2]float64 // volts per DAC code
}

func IdealFrontEnd() FrontEnd {
	return FrontEnd{
		ADCGain: [2]float64{1, 1},
		DACVlsb: [2]float64{10.0 / 4095, 10.0 / 4095},
	}
}

const (
	adcCodesPerVolt = 2048 * 1.3 / 0.78
	// ADC codes moved by one offset DAC code with the calibration mux selected.
	calibOffsetStep = 3.192 / (2 * 0.78)
	// ADC codes moved by one offset DAC code in normal operation.
	vertOffsetStep  = 2.693 * 1.2 / (2 * 0.78)
	loopbackDivider = 9.06
	dacOffsetStep   = 0.002658
	referenceVolts  = 0.46172
)

var rangeGain = map[string]float64{"low": 0.02017, "high": 0.21229}

var adcFilter = map[int64]float64{
	100000000: 1.00,
	10000000:  1.05,
	1000000:   1.10,
	100000:    1.15,
	10000:     1.20,
	1000:      1.26,
}

var dacFilter = map[int64]float64{
	75000000: 1.00,
	7500000:  1.525879,
	750000:   1.164153,
	75000:    1.776357,
	7500:     1.355253,
	750:      1.033976,
}

var dacDevices = [2]string{"m2k-dac-a", "m2k-dac-b"}

func (m *M2K) filterLocked(table map[int64]float64, device string) float64 {
	rate, err := strconv.ParseInt(m.attrValueLocked(iio.DeviceAttr(device, "sampling_frequency")), 10, 64)
	if err != nil {
		return 1
	}
	if f, ok := table[rate]; ok {
		return f
	}
	return 1
}

// adcSampleLocked produces the code seen by analog input ch for sample i.
func (m *M2K) adcSampleLocked(ch, i int) int16 {
	mode := m.attrValueLocked(iio.DeviceAttr("m2k-fabric", "calibration_mode"))
	offsetCode := m.attrFloatLocked(iio.ChannelAttr("ad5625", "voltage"+strconv.Itoa(ch+2), true, "raw"), 2048) - 2048
	filt := m.filterLocked(adcFilter, "m2k-adc")

	var volts, gain, step float64
	switch mode {
	case "adc_gnd":
		volts, gain, step = 0, 1, calibOffsetStep
	case "adc_ref1":
		volts, gain, step = referenceVolts, 1, calibOffsetStep
	case "adc_ref2":
		volts, gain, step = -referenceVolts, 1, calibOffsetStep
	case "dac":
		volts, gain, step = m.dacOutputLocked(ch, i)/loopbackDivider, 1, calibOffsetStep
	default:
		volts = m.inputs[ch]
		if m.loopback {
			volts = m.dacOutputLocked(ch, i)
		}
		gain = rangeGain[m.attrValueLocked(iio.ChannelAttr("m2k-fabric", "voltage"+strconv.Itoa(ch), false, "gain"))]
		if gain == 0 {
			gain = rangeGain["low"]
		}
		step = vertOffsetStep
	}

	codes := volts*adcCodesPerVolt*gain*m.fe.ADCGain[ch]/filt + m.fe.ADCOffset[ch] + offsetCode*step
	if m.noise > 0 {
		codes += m.rng.NormFloat64() * m.noise
	}
	codes = math.Round(codes)
	return int16(math.Max(-2048, math.Min(2047, codes)))
}

// dacOutputLocked is the voltage on analog output ch while sample i plays.
func (m *M2K) dacOutputLocked(ch, i int) float64 {
	dev := dacDevices[ch]
	if m.attrValueLocked(iio.ChannelAttr("m2k-fabric", "voltage"+strconv.Itoa(ch), true, "powerdown")) == "1" {
		return 0
	}

	var code float64
	if m.attrValueLocked(iio.ChannelAttr(dev, "voltage0", true, "raw_enable")) == "enabled" {
		raw, _ := strconv.ParseInt(m.attrValueLocked(iio.ChannelAttr(dev, "voltage0", true, "raw")), 10, 64)
		code = float64(int16(uint16(raw)) >> 4)
	} else if data := m.output[dev]; len(data) > 0 {
		code = float64(data[i%len(data)] >> 4)
	}

	offsetCode := m.attrFloatLocked(iio.ChannelAttr("ad5625", "voltage"+strconv.Itoa(ch), true, "raw"), 2048) - 2048
	filt := m.filterLocked(dacFilter, dev)
	return -(code+0.5)*m.fe.DACVlsb[ch]*filt + m.fe.DACOffset[ch] + offsetCode*dacOffsetStep
}

// digitalSampleLocked is the word captured by the logic analyzer for sample i.
func (m *M2K) digitalSampleLocked(i int) int16 {
	tx := m.output["m2k-logic-analyzer-tx"]
	var word uint16
	for line := 0; line < 16; line++ {
		id := "voltage" + strconv.Itoa(line)
		var bit uint16
		if m.attrValueLocked(iio.ChannelAttr("m2k-logic-analyzer", id, true, "direction")) == "out" {
			enabled := m.attrValueLocked(iio.ChannelAttr("m2k-logic-analyzer-tx", id, true, "en")) == "1"
			if enabled && len(tx) > 0 {
				bit = (uint16(tx[i%len(tx)]) >> line) & 1
			} else if m.attrValueLocked(iio.ChannelAttr("m2k-logic-analyzer", id, true, "raw")) != "0" {
				bit = 1
			}
		} else {
			bit = (m.dioInputs >> line) & 1
		}
		word |= bit << line
	}
	return int16(word)
}

// supplyReadbackLocked reports the ad9963 monitor reading for a supply rail.
func (m *M2K) supplyReadbackLocked(channel string) string {
	idx := 0
	if channel == "voltage1" {
		idx = 1
	}
	writeCoef := [2]float64{4095.0 / (5.02 * 1.2), 4095.0 / (-5.1 * 1.2)}
	readCoef := [2]float64{6.4 / 4095.0, -6.4 / 4095.0}
	pdChannel := [2]string{"voltage2", "voltage3"}

	out := "voltage" + strconv.Itoa(idx)
	if m.attrValueLocked(iio.ChannelAttr("ad5627", out, true, "powerdown")) == "1" ||
		m.attrValueLocked(iio.ChannelAttr("m2k-fabric", pdChannel[idx], true, "user_supply_powerdown")) == "1" {
		return "0"
	}
	raw := m.attrFloatLocked(iio.ChannelAttr("ad5627", out, true, "raw"), 0)
	volts := raw / writeCoef[idx]
	return strconv.FormatFloat(math.Round(volts/readCoef[idx]), 'f', -1, 64)
}
