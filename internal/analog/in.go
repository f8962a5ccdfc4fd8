// Package analog implements the two channel oscilloscope and the two channel
// signal generator.
package analog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/analogdevicesinc/libm2k-sub001/internal/buffer"
	"github.com/analogdevicesinc/libm2k-sub001/internal/channel"
	"github.com/analogdevicesinc/libm2k-sub001/internal/correction"
	"github.com/analogdevicesinc/libm2k-sub001/internal/iio"
	"github.com/analogdevicesinc/libm2k-sub001/internal/trigger"
	"github.com/analogdevicesinc/libm2k-sub001/internal/types"
	"go.uber.org/zap"
)

const (
	ADCDevice       = "m2k-adc"
	FabricDevice    = "m2k-fabric"
	OffsetDACDevice = "ad5625"

	NumInputs = 2

	// DefaultCalibOffset is the mid-scale code of the offset DAC.
	DefaultCalibOffset = 2048
	DefaultADCRate     = 100e6

	voltageSamples = 100
)

// In is the oscilloscope. Corrections are cached and kept in sync with the
// hardware by every setter; the trigger receives the matching scaling after
// each change.
type In struct {
	store  iio.AttributeStore
	trig   *trigger.Trigger
	buf    *buffer.Buffer
	chans  []*channel.Channel
	logger *zap.Logger

	mu          sync.Mutex
	rate        float64
	ranges      [NumInputs]correction.Range
	calibOffset [NumInputs]int
	calibGain   [NumInputs]float64
	vertOffset  [NumInputs]float64
	hwOffsetRaw [NumInputs]int
}

// NewIn claims the ADC channels and loads the current corrections from the
// hardware.
func NewIn(ctx context.Context, store iio.AttributeStore, reg *channel.Registry, factory iio.TransferFactory,
	trig *trigger.Trigger, logger *zap.Logger, opts buffer.Options) (*In, error) {
	chans, err := reg.ClaimDevice(ADCDevice, false)
	if err != nil {
		return nil, err
	}
	if len(chans) != NumInputs {
		return nil, types.InvalidParameter("analog.NewIn", fmt.Sprintf("%s has %d channels, want %d", ADCDevice, len(chans), NumInputs))
	}
	buf, err := buffer.New(factory, chans, logger, opts)
	if err != nil {
		return nil, err
	}

	in := &In{
		store:  store,
		trig:   trig,
		buf:    buf,
		chans:  chans,
		logger: logger,
		rate:   DefaultADCRate,
	}
	if err := in.syncDevice(ctx); err != nil {
		return nil, err
	}
	return in, nil
}

func (in *In) syncDevice(ctx context.Context) error {
	const op = "analog.In.sync"
	rate, err := in.store.GetLong(ctx, iio.DeviceAttr(ADCDevice, "sampling_frequency"))
	if err != nil {
		return types.WrapError(types.KindRuntime, op, err)
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	in.rate = float64(rate)
	for ch := 0; ch < NumInputs; ch++ {
		gain, err := in.store.GetString(ctx, fabricGainAttr(ch))
		if err != nil {
			return types.WrapError(types.KindRuntime, op, err)
		}
		in.ranges[ch] = correction.RangeFromFabricGain(gain)
		in.calibOffset[ch] = DefaultCalibOffset
		if in.calibGain[ch], err = in.chans[ch].GetDouble(ctx, "calibscale"); err != nil {
			return types.WrapError(types.KindRuntime, op, err)
		}
		raw, err := in.store.GetLong(ctx, offsetDACAttr(ch+2))
		if err != nil {
			return types.WrapError(types.KindRuntime, op, err)
		}
		in.hwOffsetRaw[ch] = int(raw)
		in.vertOffset[ch] = correction.RawToVerticalOffset(in.hwOffsetRaw[ch]-in.calibOffset[ch], in.ranges[ch].Gain())
		in.pushTriggerLocked(ch)
	}
	return nil
}

func fabricGainAttr(ch int) iio.Attr {
	return iio.ChannelAttr(FabricDevice, "voltage"+strconv.Itoa(ch), false, "gain")
}

func offsetDACAttr(ch int) iio.Attr {
	return iio.ChannelAttr(OffsetDACDevice, "voltage"+strconv.Itoa(ch), true, "raw")
}

func checkInput(op string, ch int) error {
	if ch < 0 || ch >= NumInputs {
		return types.OutOfRange(op, fmt.Sprintf("analog input %d does not exist", ch))
	}
	return nil
}

// pushTriggerLocked hands the trigger the conversion of channel ch. An
// untabulated rate leaves the previous parameters in place.
func (in *In) pushTriggerLocked(ch int) {
	scaling, err := in.scalingLocked(ch)
	if err != nil {
		return
	}
	if err := in.trig.SetCalibParameters(ch, scaling, in.vertOffset[ch]); err != nil {
		in.logger.Warn("Failed to update trigger calibration", zap.Int("channel", ch), zap.Error(err))
	}
}

func (in *In) scalingLocked(ch int) (float64, error) {
	fc, err := correction.ADCFilter.Compensation(in.rate)
	if err != nil {
		return 0, err
	}
	return correction.ScalingFactor(in.calibGain[ch], in.ranges[ch].Gain(), fc), nil
}

// Reset puts the oscilloscope in its power-on configuration.
func (in *In) Reset(ctx context.Context) error {
	if _, err := in.SetOversamplingRatio(ctx, 1); err != nil {
		return err
	}
	if _, err := in.SetSampleRate(ctx, DefaultADCRate); err != nil {
		return err
	}
	for ch := 0; ch < NumInputs; ch++ {
		if err := in.EnableChannel(ctx, ch, true); err != nil {
			return err
		}
		if err := in.trig.SetAnalogMode(ctx, ch, trigger.Always); err != nil {
			return err
		}
		if err := in.SetRange(ctx, ch, correction.PlusMinus25V); err != nil {
			return err
		}
		if err := in.SetAdcCalibOffset(ctx, ch, DefaultCalibOffset); err != nil {
			return err
		}
		if err := in.SetAdcCalibGain(ctx, ch, 1); err != nil {
			return err
		}
		if err := in.SetVerticalOffset(ctx, ch, 0); err != nil {
			return err
		}
	}
	return in.SetKernelBuffersCount(buffer.DefaultKernelBuffers)
}

func (in *In) Trigger() *trigger.Trigger { return in.trig }
func (in *In) Buffer() *buffer.Buffer    { return in.buf }

func (in *In) EnableChannel(ctx context.Context, ch int, enable bool) error {
	const op = "analog.In.EnableChannel"
	if err := checkInput(op, ch); err != nil {
		return err
	}
	return types.WrapError(types.KindRuntime, op, in.chans[ch].Enable(ctx, enable))
}

func (in *In) IsChannelEnabled(ctx context.Context, ch int) (bool, error) {
	const op = "analog.In.IsChannelEnabled"
	if err := checkInput(op, ch); err != nil {
		return false, err
	}
	en, err := in.chans[ch].Enabled(ctx)
	return en, types.WrapError(types.KindRuntime, op, err)
}

func (in *In) SampleRate(ctx context.Context) (float64, error) {
	v, err := in.store.GetDouble(ctx, iio.DeviceAttr(ADCDevice, "sampling_frequency"))
	return v, types.WrapError(types.KindRuntime, "analog.In.SampleRate", err)
}

// SetSampleRate accepts only the decimation tiers of the ADC filter table.
func (in *In) SetSampleRate(ctx context.Context, rate float64) (float64, error) {
	const op = "analog.In.SetSampleRate"
	if _, err := correction.ADCFilter.Compensation(rate); err != nil {
		return 0, err
	}
	got, err := in.store.SetLong(ctx, iio.DeviceAttr(ADCDevice, "sampling_frequency"), int64(rate))
	if err != nil {
		return 0, types.WrapError(types.KindRuntime, op, err)
	}

	in.mu.Lock()
	in.rate = float64(got)
	for ch := 0; ch < NumInputs; ch++ {
		in.pushTriggerLocked(ch)
	}
	in.mu.Unlock()
	in.logger.Debug("ADC sample rate set", zap.Float64("rate", float64(got)))
	return float64(got), nil
}

func (in *In) AvailableSampleRates() []float64 {
	return correction.ADCFilter.Rates()
}

func (in *In) OversamplingRatio(ctx context.Context) (int, error) {
	v, err := in.store.GetLong(ctx, iio.DeviceAttr(ADCDevice, "oversampling_ratio"))
	return int(v), types.WrapError(types.KindRuntime, "analog.In.OversamplingRatio", err)
}

func (in *In) SetOversamplingRatio(ctx context.Context, ratio int) (int, error) {
	const op = "analog.In.SetOversamplingRatio"
	if ratio < 1 {
		return 0, types.InvalidParameter(op, fmt.Sprintf("invalid oversampling ratio %d", ratio))
	}
	v, err := in.store.SetLong(ctx, iio.DeviceAttr(ADCDevice, "oversampling_ratio"), int64(ratio))
	return int(v), types.WrapError(types.KindRuntime, op, err)
}

// Range is the cached input range of ch.
func (in *In) Range(ch int) (correction.Range, error) {
	if err := checkInput("analog.In.Range", ch); err != nil {
		return 0, err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.ranges[ch], nil
}

// RangeDevice reads the range back from the fabric.
func (in *In) RangeDevice(ctx context.Context, ch int) (correction.Range, error) {
	const op = "analog.In.RangeDevice"
	if err := checkInput(op, ch); err != nil {
		return 0, err
	}
	gain, err := in.store.GetString(ctx, fabricGainAttr(ch))
	if err != nil {
		return 0, types.WrapError(types.KindRuntime, op, err)
	}
	return correction.RangeFromFabricGain(gain), nil
}

func (in *In) SetRange(ctx context.Context, ch int, r correction.Range) error {
	const op = "analog.In.SetRange"
	if err := checkInput(op, ch); err != nil {
		return err
	}
	if r != correction.PlusMinus25V && r != correction.PlusMinus2_5V {
		return types.InvalidParameter(op, fmt.Sprintf("unknown range %d", r))
	}
	if _, err := in.store.SetString(ctx, fabricGainAttr(ch), r.FabricGain()); err != nil {
		return types.WrapError(types.KindRuntime, op, err)
	}
	in.mu.Lock()
	in.ranges[ch] = r
	in.pushTriggerLocked(ch)
	in.mu.Unlock()
	return nil
}

// SetRangeLimits picks the high gain range when [min, max] fits in it.
func (in *In) SetRangeLimits(ctx context.Context, ch int, min, max float64) error {
	return in.SetRange(ctx, ch, correction.RangeFor(min, max))
}

func (in *In) AvailableRanges() []correction.Range {
	return correction.AvailableRanges()
}

// HysteresisRange is the span accepted for the trigger hysteresis of ch.
func (in *In) HysteresisRange(ch int) (float64, float64, error) {
	r, err := in.Range(ch)
	if err != nil {
		return 0, 0, err
	}
	_, max := r.Limits()
	return 0, max / 10, nil
}

func (in *In) VerticalOffset(ch int) (float64, error) {
	if err := checkInput("analog.In.VerticalOffset", ch); err != nil {
		return 0, err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.vertOffset[ch], nil
}

// SetVerticalOffset shifts ch by volts through the offset DAC, on top of the
// calibration offset.
func (in *In) SetVerticalOffset(ctx context.Context, ch int, volts float64) error {
	const op = "analog.In.SetVerticalOffset"
	if err := checkInput(op, ch); err != nil {
		return err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	raw := correction.VerticalOffsetToRaw(volts, in.ranges[ch].Gain())
	return in.writeOffsetLocked(ctx, op, ch, in.calibOffset[ch], raw, volts)
}

// RawVerticalOffset is the offset DAC code minus the calibration offset.
func (in *In) RawVerticalOffset(ch int) (int, error) {
	if err := checkInput("analog.In.RawVerticalOffset", ch); err != nil {
		return 0, err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.hwOffsetRaw[ch] - in.calibOffset[ch], nil
}

func (in *In) SetRawVerticalOffset(ctx context.Context, ch, raw int) error {
	const op = "analog.In.SetRawVerticalOffset"
	if err := checkInput(op, ch); err != nil {
		return err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	volts := correction.RawToVerticalOffset(raw, in.ranges[ch].Gain())
	return in.writeOffsetLocked(ctx, op, ch, in.calibOffset[ch], raw, volts)
}

func (in *In) AdcCalibOffset(ch int) (int, error) {
	if err := checkInput("analog.In.AdcCalibOffset", ch); err != nil {
		return 0, err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.calibOffset[ch], nil
}

// SetAdcCalibOffset replaces the calibration offset of ch and keeps its raw
// vertical offset.
func (in *In) SetAdcCalibOffset(ctx context.Context, ch, offset int) error {
	const op = "analog.In.SetAdcCalibOffset"
	if err := checkInput(op, ch); err != nil {
		return err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	vert := in.hwOffsetRaw[ch] - in.calibOffset[ch]
	return in.writeOffsetLocked(ctx, op, ch, offset, vert, in.vertOffset[ch])
}

// SetAdcCalibOffsetWithVertical writes a calibration offset together with a
// raw vertical offset.
func (in *In) SetAdcCalibOffsetWithVertical(ctx context.Context, ch, offset, vertRaw int) error {
	const op = "analog.In.SetAdcCalibOffset"
	if err := checkInput(op, ch); err != nil {
		return err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	volts := correction.RawToVerticalOffset(vertRaw, in.ranges[ch].Gain())
	return in.writeOffsetLocked(ctx, op, ch, offset, vertRaw, volts)
}

func (in *In) writeOffsetLocked(ctx context.Context, op string, ch, calib, vertRaw int, vertVolts float64) error {
	got, err := in.store.SetLong(ctx, offsetDACAttr(ch+2), int64(calib+vertRaw))
	if err != nil {
		return types.WrapError(types.KindRuntime, op, err)
	}
	in.calibOffset[ch] = calib
	in.vertOffset[ch] = vertVolts
	in.hwOffsetRaw[ch] = int(got)
	in.pushTriggerLocked(ch)
	return nil
}

func (in *In) AdcCalibGain(ch int) (float64, error) {
	if err := checkInput("analog.In.AdcCalibGain", ch); err != nil {
		return 0, err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.calibGain[ch], nil
}

// SetAdcCalibGain writes the gain correction to calibscale and caches the
// value the driver accepted.
func (in *In) SetAdcCalibGain(ctx context.Context, ch int, gain float64) error {
	const op = "analog.In.SetAdcCalibGain"
	if err := checkInput(op, ch); err != nil {
		return err
	}
	if gain <= 0 {
		return types.InvalidParameter(op, fmt.Sprintf("invalid gain %g", gain))
	}
	got, err := in.chans[ch].SetDouble(ctx, "calibscale", gain)
	if err != nil {
		return types.WrapError(types.KindRuntime, op, err)
	}
	in.mu.Lock()
	in.calibGain[ch] = got
	in.pushTriggerLocked(ch)
	in.mu.Unlock()
	return nil
}

func (in *In) Calibscale(ctx context.Context, ch int) (float64, error) {
	const op = "analog.In.Calibscale"
	if err := checkInput(op, ch); err != nil {
		return 0, err
	}
	v, err := in.chans[ch].GetDouble(ctx, "calibscale")
	return v, types.WrapError(types.KindRuntime, op, err)
}

// SetCalibscale writes calibscale without touching the cached gain.
func (in *In) SetCalibscale(ctx context.Context, ch int, v float64) (float64, error) {
	const op = "analog.In.SetCalibscale"
	if err := checkInput(op, ch); err != nil {
		return 0, err
	}
	got, err := in.chans[ch].SetDouble(ctx, "calibscale", v)
	return got, types.WrapError(types.KindRuntime, op, err)
}

// ScalingFactor is the volts per code of ch at the current range, gain and
// sample rate.
func (in *In) ScalingFactor(ch int) (float64, error) {
	if err := checkInput("analog.In.ScalingFactor", ch); err != nil {
		return 0, err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.scalingLocked(ch)
}

// converter captures the corrections of every channel so a block is
// converted consistently even if a setter runs concurrently.
func (in *In) converter() (func(ch int, raw int16) float64, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	fc, err := correction.ADCFilter.Compensation(in.rate)
	if err != nil {
		return nil, err
	}
	var gain, rangeGain, offset [NumInputs]float64
	for ch := 0; ch < NumInputs; ch++ {
		gain[ch] = in.calibGain[ch]
		rangeGain[ch] = in.ranges[ch].Gain()
		offset[ch] = -in.vertOffset[ch]
	}
	return func(ch int, raw int16) float64 {
		return correction.RawToVolts(float64(raw), gain[ch], rangeGain[ch], fc, offset[ch])
	}, nil
}

func (in *In) ConvertRawToVolts(ch int, raw int16) (float64, error) {
	if err := checkInput("analog.In.ConvertRawToVolts", ch); err != nil {
		return 0, err
	}
	conv, err := in.converter()
	if err != nil {
		return 0, err
	}
	return conv(ch, raw), nil
}

func (in *In) ConvertVoltsToRaw(ch int, volts float64) (int, error) {
	if err := checkInput("analog.In.ConvertVoltsToRaw", ch); err != nil {
		return 0, err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	fc, err := correction.ADCFilter.Compensation(in.rate)
	if err != nil {
		return 0, err
	}
	return correction.VoltsToRaw(volts, in.calibGain[ch], in.ranges[ch].Gain(), fc, -in.vertOffset[ch]), nil
}

// withAllEnabled runs fn with every ADC channel enabled, as the ADC only
// captures with both channels in the scan, and restores the enables after.
func (in *In) withAllEnabled(ctx context.Context, op string, fn func() error) (err error) {
	var saved [NumInputs]bool
	enabled := false
	for ch := range in.chans {
		if saved[ch], err = in.chans[ch].Enabled(ctx); err != nil {
			return types.WrapError(types.KindRuntime, op, err)
		}
		enabled = enabled || saved[ch]
	}
	if !enabled {
		return types.InvalidParameter(op, "no channel enabled for "+ADCDevice)
	}
	defer func() {
		var errs []error
		for ch := range in.chans {
			if rerr := in.chans[ch].Enable(context.WithoutCancel(ctx), saved[ch]); rerr != nil {
				errs = append(errs, rerr)
			}
		}
		if rerr := errors.Join(errs...); rerr != nil {
			err = errors.Join(err, types.WrapError(types.KindRuntime, op, rerr))
		}
	}()
	for ch := range in.chans {
		if err := in.chans[ch].Enable(ctx, true); err != nil {
			return types.WrapError(types.KindRuntime, op, err)
		}
	}
	if err := fn(); err != nil {
		return err
	}
	if err := in.trig.NoteAcquisition(ctx); err != nil {
		in.logger.Warn("Failed to update trigger state", zap.Error(err))
	}
	return nil
}

// GetSamples acquires n samples per channel in volts.
func (in *In) GetSamples(ctx context.Context, n int) ([][]float64, error) {
	conv, err := in.converter()
	if err != nil {
		return nil, err
	}
	var out [][]float64
	err = in.withAllEnabled(ctx, "analog.In.GetSamples", func() error {
		var err error
		out, err = in.buf.GetSamples(ctx, n, conv)
		return err
	})
	return out, err
}

// GetSamplesRaw acquires n codes per channel.
func (in *In) GetSamplesRaw(ctx context.Context, n int) ([][]int16, error) {
	var out [][]int16
	err := in.withAllEnabled(ctx, "analog.In.GetSamplesRaw", func() error {
		var err error
		out, err = in.buf.GetSamplesRaw(ctx, n)
		return err
	})
	return out, err
}

// GetSamplesInterleaved returns n samples per channel in volts, channel
// values alternating.
func (in *In) GetSamplesInterleaved(ctx context.Context, n int) ([]float64, error) {
	samples, err := in.GetSamples(ctx, n)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, n*NumInputs)
	for i := 0; i < n; i++ {
		for ch := 0; ch < NumInputs; ch++ {
			out = append(out, samples[ch][i])
		}
	}
	return out, nil
}

// GetSamplesRawInterleaved returns the DMA block unchanged.
func (in *In) GetSamplesRawInterleaved(ctx context.Context, n int) ([]int16, error) {
	var out []int16
	err := in.withAllEnabled(ctx, "analog.In.GetSamplesRawInterleaved", func() error {
		var err error
		out, err = in.buf.GetSamplesRawInterleaved(ctx, n)
		return err
	})
	return out, err
}

// forceAlways sets the trigger of every listed channel to always and returns
// a function restoring the previous modes.
func (in *In) forceAlways(ctx context.Context, chans []int) (func() error, error) {
	saved := make(map[int]trigger.Mode, len(chans))
	restore := func() error {
		var errs []error
		for ch, m := range saved {
			errs = append(errs, in.trig.SetAnalogMode(context.WithoutCancel(ctx), ch, m))
		}
		return errors.Join(errs...)
	}
	for _, ch := range chans {
		m, err := in.trig.AnalogMode(ctx, ch)
		if err != nil {
			return nil, errors.Join(err, restore())
		}
		saved[ch] = m
		if err := in.trig.SetAnalogMode(ctx, ch, trigger.Always); err != nil {
			return nil, errors.Join(err, restore())
		}
	}
	return restore, nil
}

// averages acquires voltageSamples untriggered samples with the listed
// channels enabled and returns the mean of every channel.
func (in *In) averages(ctx context.Context, op string, chans []int, volts bool) (_ [NumInputs]float64, err error) {
	var avg [NumInputs]float64
	restore, err := in.forceAlways(ctx, chans)
	if err != nil {
		return avg, err
	}
	defer func() { err = errors.Join(err, restore()) }()

	var saved [NumInputs]bool
	for _, ch := range chans {
		if saved[ch], err = in.chans[ch].Enabled(ctx); err != nil {
			return avg, types.WrapError(types.KindRuntime, op, err)
		}
		if err := in.chans[ch].Enable(ctx, true); err != nil {
			return avg, types.WrapError(types.KindRuntime, op, err)
		}
	}
	defer func() {
		for _, ch := range chans {
			if rerr := in.chans[ch].Enable(context.WithoutCancel(ctx), saved[ch]); rerr != nil {
				err = errors.Join(err, types.WrapError(types.KindRuntime, op, rerr))
			}
		}
	}()

	if volts {
		samples, err := in.GetSamples(ctx, voltageSamples)
		if err != nil {
			return avg, err
		}
		for _, ch := range chans {
			avg[ch] = Average(samples[ch])
		}
		return avg, nil
	}
	samples, err := in.GetSamplesRaw(ctx, voltageSamples)
	if err != nil {
		return avg, err
	}
	for _, ch := range chans {
		avg[ch] = AverageRaw(samples[ch])
	}
	return avg, nil
}

// GetVoltage is the mean of a short untriggered acquisition on ch.
func (in *In) GetVoltage(ctx context.Context, ch int) (float64, error) {
	const op = "analog.In.GetVoltage"
	if err := checkInput(op, ch); err != nil {
		return 0, err
	}
	avg, err := in.averages(ctx, op, []int{ch}, true)
	return avg[ch], err
}

// GetVoltages measures both channels with one acquisition.
func (in *In) GetVoltages(ctx context.Context) ([]float64, error) {
	avg, err := in.averages(ctx, "analog.In.GetVoltages", []int{0, 1}, true)
	if err != nil {
		return nil, err
	}
	return avg[:], nil
}

func (in *In) GetVoltageRaw(ctx context.Context, ch int) (int16, error) {
	const op = "analog.In.GetVoltageRaw"
	if err := checkInput(op, ch); err != nil {
		return 0, err
	}
	avg, err := in.averages(ctx, op, []int{ch}, false)
	return int16(avg[ch]), err
}

func (in *In) GetVoltagesRaw(ctx context.Context) ([]int16, error) {
	avg, err := in.averages(ctx, "analog.In.GetVoltagesRaw", []int{0, 1}, false)
	if err != nil {
		return nil, err
	}
	return []int16{int16(avg[0]), int16(avg[1])}, nil
}

// StartAcquisition opens the ring for n samples so capture starts before
// the first GetSamples.
func (in *In) StartAcquisition(ctx context.Context, n int) error {
	return in.buf.Start(ctx, n)
}

func (in *In) StopAcquisition(ctx context.Context) error {
	return in.buf.Stop(ctx)
}

// CancelAcquisition unblocks a pending acquisition and drops the ring.
func (in *In) CancelAcquisition(ctx context.Context) error {
	in.buf.Cancel()
	return in.buf.Stop(ctx)
}

func (in *In) SetKernelBuffersCount(n int) error {
	return in.buf.SetKernelBuffers(n)
}

func (in *In) SetTimeout(d time.Duration) {
	in.buf.SetTimeout(d)
}

// Average is the arithmetic mean of samples, 0 for none.
func Average(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

func AverageRaw(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum int64
	for _, s := range samples {
		sum += int64(s)
	}
	return float64(sum) / float64(len(samples))
}
