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
	"github.com/analogdevicesinc/libm2k-sub001/internal/types"
	"go.uber.org/zap"
)

const (
	NumOutputs     = 2
	DefaultDACRate = 75e6

	// firmware v0.32 added the static raw output
	rawOutputFirmware = "v0.32"
)

var DACDevices = [NumOutputs]string{"m2k-dac-a", "m2k-dac-b"}

// AllChannels selects every output in the calls that take a channel.
const AllChannels = -1

// Out is the signal generator. Each output has its own DAC device and DMA
// ring; pushes to both go through a synchronized start.
type Out struct {
	store  iio.AttributeStore
	bufs   [NumOutputs]*buffer.Buffer
	chans  [NumOutputs]*channel.Channel
	logger *zap.Logger

	mu     sync.Mutex
	vlsb   [NumOutputs]float64
	cyclic [NumOutputs]bool
	rate   [NumOutputs]float64
}

func NewOut(ctx context.Context, store iio.AttributeStore, reg *channel.Registry, factory iio.TransferFactory,
	logger *zap.Logger, opts buffer.Options) (*Out, error) {
	out := &Out{store: store, logger: logger}
	for i, dev := range DACDevices {
		ch, err := reg.Claim(dev, "voltage0", true)
		if err != nil {
			return nil, err
		}
		if out.bufs[i], err = buffer.New(factory, []*channel.Channel{ch}, logger, opts); err != nil {
			return nil, err
		}
		out.chans[i] = ch
		out.vlsb[i] = correction.DefaultDACVlsb
		out.cyclic[i] = true

		rate, err := store.GetLong(ctx, iio.DeviceAttr(dev, "sampling_frequency"))
		if err != nil {
			return nil, types.WrapError(types.KindRuntime, "analog.NewOut", err)
		}
		out.rate[i] = float64(rate)
	}
	return out, nil
}

func checkOutput(op string, ch int) error {
	if ch < 0 || ch >= NumOutputs {
		return types.OutOfRange(op, fmt.Sprintf("analog output %d does not exist", ch))
	}
	return nil
}

// outputs expands AllChannels into the channel list.
func outputs(op string, ch int) ([]int, error) {
	if ch == AllChannels {
		return []int{0, 1}, nil
	}
	if err := checkOutput(op, ch); err != nil {
		return nil, err
	}
	return []int{ch}, nil
}

func powerdownAttr(ch int) iio.Attr {
	return iio.ChannelAttr(FabricDevice, "voltage"+strconv.Itoa(ch), true, "powerdown")
}

func (o *Out) devAttr(ch int, name string) iio.Attr {
	return iio.DeviceAttr(DACDevices[ch], name)
}

// Reset stops both outputs and restores the power-on configuration.
func (o *Out) Reset(ctx context.Context) error {
	if err := o.Stop(ctx); err != nil {
		return err
	}
	if err := o.SetSyncedDma(ctx, false, AllChannels); err != nil {
		return err
	}
	for ch := 0; ch < NumOutputs; ch++ {
		if _, err := o.SetSampleRate(ctx, ch, DefaultDACRate); err != nil {
			return err
		}
		if _, err := o.SetOversamplingRatio(ctx, ch, 1); err != nil {
			return err
		}
		if err := o.SetKernelBuffersCount(ch, buffer.DefaultKernelBuffers); err != nil {
			return err
		}
		if err := o.SetDacCalibVlsb(ch, correction.DefaultDACVlsb); err != nil {
			return err
		}
		if err := o.SetCyclic(ch, true); err != nil {
			return err
		}
	}
	return nil
}

func (o *Out) Buffer(ch int) (*buffer.Buffer, error) {
	if err := checkOutput("analog.Out.Buffer", ch); err != nil {
		return nil, err
	}
	return o.bufs[ch], nil
}

// EnableChannel powers the output stage and the DAC channel up or down.
func (o *Out) EnableChannel(ctx context.Context, ch int, enable bool) error {
	const op = "analog.Out.EnableChannel"
	if err := checkOutput(op, ch); err != nil {
		return err
	}
	if _, err := o.store.SetBool(ctx, powerdownAttr(ch), !enable); err != nil {
		return types.WrapError(types.KindRuntime, op, err)
	}
	return types.WrapError(types.KindRuntime, op, o.chans[ch].Enable(ctx, enable))
}

func (o *Out) IsChannelEnabled(ctx context.Context, ch int) (bool, error) {
	const op = "analog.Out.IsChannelEnabled"
	if err := checkOutput(op, ch); err != nil {
		return false, err
	}
	en, err := o.chans[ch].Enabled(ctx)
	return en, types.WrapError(types.KindRuntime, op, err)
}

func (o *Out) SampleRate(ctx context.Context, ch int) (float64, error) {
	const op = "analog.Out.SampleRate"
	if err := checkOutput(op, ch); err != nil {
		return 0, err
	}
	v, err := o.store.GetDouble(ctx, o.devAttr(ch, "sampling_frequency"))
	return v, types.WrapError(types.KindRuntime, op, err)
}

// SetSampleRate accepts only the interpolation tiers of the DAC filter table.
func (o *Out) SetSampleRate(ctx context.Context, ch int, rate float64) (float64, error) {
	const op = "analog.Out.SetSampleRate"
	if err := checkOutput(op, ch); err != nil {
		return 0, err
	}
	if _, err := correction.DACFilter.Compensation(rate); err != nil {
		return 0, err
	}
	got, err := o.store.SetLong(ctx, o.devAttr(ch, "sampling_frequency"), int64(rate))
	if err != nil {
		return 0, types.WrapError(types.KindRuntime, op, err)
	}
	o.mu.Lock()
	o.rate[ch] = float64(got)
	o.mu.Unlock()
	return float64(got), nil
}

func (o *Out) AvailableSampleRates() []float64 {
	return correction.DACFilter.Rates()
}

func (o *Out) MaximumSampleRate() float64 { return DefaultDACRate }

func (o *Out) OversamplingRatio(ctx context.Context, ch int) (int, error) {
	const op = "analog.Out.OversamplingRatio"
	if err := checkOutput(op, ch); err != nil {
		return 0, err
	}
	v, err := o.store.GetLong(ctx, o.devAttr(ch, "oversampling_ratio"))
	return int(v), types.WrapError(types.KindRuntime, op, err)
}

func (o *Out) SetOversamplingRatio(ctx context.Context, ch, ratio int) (int, error) {
	const op = "analog.Out.SetOversamplingRatio"
	if err := checkOutput(op, ch); err != nil {
		return 0, err
	}
	if ratio < 1 {
		return 0, types.InvalidParameter(op, fmt.Sprintf("invalid oversampling ratio %d", ratio))
	}
	v, err := o.store.SetLong(ctx, o.devAttr(ch, "oversampling_ratio"), int64(ratio))
	return int(v), types.WrapError(types.KindRuntime, op, err)
}

func (o *Out) Cyclic(ch int) (bool, error) {
	if err := checkOutput("analog.Out.Cyclic", ch); err != nil {
		return false, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cyclic[ch], nil
}

// SetCyclic selects whether the next push of ch repeats until stopped.
func (o *Out) SetCyclic(ch int, cyclic bool) error {
	chans, err := outputs("analog.Out.SetCyclic", ch)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, c := range chans {
		o.cyclic[c] = cyclic
	}
	return nil
}

// SetSyncedDma holds or releases the DMA of ch, or of both outputs for
// AllChannels.
func (o *Out) SetSyncedDma(ctx context.Context, en bool, ch int) error {
	const op = "analog.Out.SetSyncedDma"
	chans, err := outputs(op, ch)
	if err != nil {
		return err
	}
	for _, c := range chans {
		if _, err := o.store.SetBool(ctx, o.devAttr(c, "dma_sync"), en); err != nil {
			return types.WrapError(types.KindRuntime, op, err)
		}
	}
	return nil
}

func (o *Out) SyncedDma(ctx context.Context, ch int) (bool, error) {
	const op = "analog.Out.SyncedDma"
	if err := checkOutput(op, ch); err != nil {
		return false, err
	}
	v, err := o.store.GetBool(ctx, o.devAttr(ch, "dma_sync"))
	return v, types.WrapError(types.KindRuntime, op, err)
}

// SetSyncedStartDma raises dma_sync_start, present since firmware v0.24.
func (o *Out) SetSyncedStartDma(ctx context.Context, en bool, ch int) error {
	const op = "analog.Out.SetSyncedStartDma"
	chans, err := outputs(op, ch)
	if err != nil {
		return err
	}
	for _, c := range chans {
		a := o.devAttr(c, "dma_sync_start")
		if !o.store.HasAttribute(a) {
			return types.InvalidParameter(op, "synchronized start is not available on this firmware")
		}
		if _, err := o.store.SetBool(ctx, a, en); err != nil {
			return types.WrapError(types.KindRuntime, op, err)
		}
	}
	return nil
}

func (o *Out) SyncedStartDma(ctx context.Context, ch int) (bool, error) {
	const op = "analog.Out.SyncedStartDma"
	if err := checkOutput(op, ch); err != nil {
		return false, err
	}
	a := o.devAttr(ch, "dma_sync_start")
	if !o.store.HasAttribute(a) {
		return false, types.InvalidParameter(op, "synchronized start is not available on this firmware")
	}
	v, err := o.store.GetBool(ctx, a)
	return v, types.WrapError(types.KindRuntime, op, err)
}

func (o *Out) DacCalibVlsb(ch int) (float64, error) {
	if err := checkOutput("analog.Out.DacCalibVlsb", ch); err != nil {
		return 0, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.vlsb[ch], nil
}

func (o *Out) SetDacCalibVlsb(ch int, vlsb float64) error {
	const op = "analog.Out.SetDacCalibVlsb"
	if err := checkOutput(op, ch); err != nil {
		return err
	}
	if vlsb <= 0 {
		return types.InvalidParameter(op, fmt.Sprintf("invalid volts per code %g", vlsb))
	}
	o.mu.Lock()
	o.vlsb[ch] = vlsb
	o.mu.Unlock()
	return nil
}

func (o *Out) Calibscale(ctx context.Context, ch int) (float64, error) {
	const op = "analog.Out.Calibscale"
	if err := checkOutput(op, ch); err != nil {
		return 0, err
	}
	v, err := o.store.GetDouble(ctx, o.devAttr(ch, "calibscale"))
	return v, types.WrapError(types.KindRuntime, op, err)
}

func (o *Out) SetCalibscale(ctx context.Context, ch int, v float64) (float64, error) {
	const op = "analog.Out.SetCalibscale"
	if err := checkOutput(op, ch); err != nil {
		return 0, err
	}
	got, err := o.store.SetDouble(ctx, o.devAttr(ch, "calibscale"), v)
	return got, types.WrapError(types.KindRuntime, op, err)
}

// FilterCompensation is the interpolation filter gain at rate.
func (o *Out) FilterCompensation(rate float64) (float64, error) {
	return correction.DACFilter.Compensation(rate)
}

func (o *Out) params(ch int) (vlsb, fc float64, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fc, err = correction.DACFilter.Compensation(o.rate[ch])
	return o.vlsb[ch], fc, err
}

// ScalingFactor is the DAC word change per volt on ch.
func (o *Out) ScalingFactor(ch int) (float64, error) {
	if err := checkOutput("analog.Out.ScalingFactor", ch); err != nil {
		return 0, err
	}
	vlsb, fc, err := o.params(ch)
	if err != nil {
		return 0, err
	}
	return correction.DACScalingFactor(vlsb, fc), nil
}

func (o *Out) ConvertVoltsToRaw(ch int, volts float64) (int16, error) {
	if err := checkOutput("analog.Out.ConvertVoltsToRaw", ch); err != nil {
		return 0, err
	}
	vlsb, fc, err := o.params(ch)
	if err != nil {
		return 0, err
	}
	return correction.DACVoltsToRaw(volts, vlsb, fc)
}

func (o *Out) ConvertRawToVolts(ch int, raw int16) (float64, error) {
	if err := checkOutput("analog.Out.ConvertRawToVolts", ch); err != nil {
		return 0, err
	}
	vlsb, fc, err := o.params(ch)
	if err != nil {
		return 0, err
	}
	return correction.DACRawToVolts(raw, vlsb, fc), nil
}

func (o *Out) toRaw(ch int, volts []float64) ([]int16, error) {
	vlsb, fc, err := o.params(ch)
	if err != nil {
		return nil, err
	}
	raw := make([]int16, len(volts))
	for i, v := range volts {
		if raw[i], err = correction.DACVoltsToRaw(v, vlsb, fc); err != nil {
			return nil, err
		}
	}
	return raw, nil
}

// prepare powers ch up and enables its DAC channel ahead of a push. A static
// output left by SetVoltageRaw is switched back to the DMA.
func (o *Out) prepare(ctx context.Context, op string, ch int) error {
	if _, err := o.store.SetBool(ctx, powerdownAttr(ch), false); err != nil {
		return types.WrapError(types.KindRuntime, op, err)
	}
	if raw := o.chans[ch].Attr("raw_enable"); o.store.HasAttribute(raw) {
		if _, err := o.store.SetString(ctx, raw, "disabled"); err != nil {
			return types.WrapError(types.KindRuntime, op, err)
		}
	}
	return types.WrapError(types.KindRuntime, op, o.chans[ch].Enable(ctx, true))
}

// PushRaw sends DAC words to ch and starts it at once.
func (o *Out) PushRaw(ctx context.Context, ch int, data []int16) error {
	const op = "analog.Out.PushRaw"
	if err := checkOutput(op, ch); err != nil {
		return err
	}
	if len(data) == 0 {
		return types.InvalidParameter(op, "no samples to push")
	}
	if err := o.prepare(ctx, op, ch); err != nil {
		return err
	}
	cyclic, _ := o.Cyclic(ch)
	if err := o.bufs[ch].Push(ctx, data, cyclic); err != nil {
		return err
	}
	if err := o.SetSyncedDma(ctx, false, ch); err != nil {
		return err
	}
	o.logger.Debug("Pushed analog output",
		zap.Int("channel", ch),
		zap.Int("samples", len(data)),
		zap.Bool("cyclic", cyclic),
	)
	return nil
}

// Push converts volts with the calibration of ch and pushes them.
func (o *Out) Push(ctx context.Context, ch int, volts []float64) error {
	if err := checkOutput("analog.Out.Push", ch); err != nil {
		return err
	}
	raw, err := o.toRaw(ch, volts)
	if err != nil {
		return err
	}
	return o.PushRaw(ctx, ch, raw)
}

// PushRawMulti starts both outputs together. A nil or empty slice leaves the
// corresponding output stopped.
func (o *Out) PushRawMulti(ctx context.Context, data [][]int16) error {
	const op = "analog.Out.PushRawMulti"
	if len(data) == 0 || len(data) > NumOutputs {
		return types.InvalidParameter(op, fmt.Sprintf("expected 1 to %d channels, got %d", NumOutputs, len(data)))
	}

	targets := make([]buffer.Target, 0, len(data))
	for ch, d := range data {
		if len(d) > 0 {
			if err := o.prepare(ctx, op, ch); err != nil {
				return err
			}
		}
		cyclic, _ := o.Cyclic(ch)
		targets = append(targets, buffer.Target{Buffer: o.bufs[ch], Data: d, Cyclic: cyclic})
	}
	return buffer.PushSynchronized(ctx, o.store, o.logger, targets)
}

func (o *Out) PushMulti(ctx context.Context, volts [][]float64) error {
	raw := make([][]int16, len(volts))
	for ch, v := range volts {
		if err := checkOutput("analog.Out.PushMulti", ch); err != nil {
			return err
		}
		var err error
		if raw[ch], err = o.toRaw(ch, v); err != nil {
			return err
		}
	}
	return o.PushRawMulti(ctx, raw)
}

// Stop powers both outputs down and destroys their rings. The DMA is left
// held so the next push starts both outputs together.
func (o *Out) Stop(ctx context.Context) error {
	var errs []error
	for ch := 0; ch < NumOutputs; ch++ {
		errs = append(errs, o.StopChannel(ctx, ch))
	}
	return errors.Join(errs...)
}

func (o *Out) StopChannel(ctx context.Context, ch int) error {
	const op = "analog.Out.StopChannel"
	if err := checkOutput(op, ch); err != nil {
		return err
	}
	if _, err := o.store.SetBool(ctx, powerdownAttr(ch), true); err != nil {
		return types.WrapError(types.KindRuntime, op, err)
	}
	if err := o.SetSyncedDma(ctx, true, ch); err != nil {
		return err
	}
	return o.bufs[ch].Stop(ctx)
}

// CancelBuffer unblocks a pending push on ch.
func (o *Out) CancelBuffer(ch int) error {
	if err := checkOutput("analog.Out.CancelBuffer", ch); err != nil {
		return err
	}
	o.bufs[ch].Cancel()
	return nil
}

// SetVoltageRaw drives a static DAC word on ch without a DMA ring.
func (o *Out) SetVoltageRaw(ctx context.Context, ch int, raw int16) error {
	const op = "analog.Out.SetVoltageRaw"
	if err := checkOutput(op, ch); err != nil {
		return err
	}
	enable := o.chans[ch].Attr("raw_enable")
	value := o.chans[ch].Attr("raw")
	if !o.store.HasAttribute(enable) || !o.store.HasAttribute(value) {
		return types.InvalidParameter(op, "static output needs firmware "+rawOutputFirmware+" or later")
	}
	if err := o.prepare(ctx, op, ch); err != nil {
		return err
	}
	if _, err := o.store.SetString(ctx, enable, "enabled"); err != nil {
		return types.WrapError(types.KindRuntime, op, err)
	}
	if _, err := o.store.SetLong(ctx, value, int64(raw)); err != nil {
		return types.WrapError(types.KindRuntime, op, err)
	}
	return nil
}

func (o *Out) SetVoltage(ctx context.Context, ch int, volts float64) error {
	raw, err := o.ConvertVoltsToRaw(ch, volts)
	if err != nil {
		return err
	}
	return o.SetVoltageRaw(ctx, ch, raw)
}

func (o *Out) SetKernelBuffersCount(ch, n int) error {
	if err := checkOutput("analog.Out.SetKernelBuffersCount", ch); err != nil {
		return err
	}
	return o.bufs[ch].SetKernelBuffers(n)
}

func (o *Out) SetTimeout(d time.Duration) {
	for _, b := range o.bufs {
		b.SetTimeout(d)
	}
}
