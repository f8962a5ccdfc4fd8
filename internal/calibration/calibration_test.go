package calibration

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/analogdevicesinc/libm2k-sub001/internal/analog"
	"github.com/analogdevicesinc/libm2k-sub001/internal/buffer"
	"github.com/analogdevicesinc/libm2k-sub001/internal/channel"
	"github.com/analogdevicesinc/libm2k-sub001/internal/correction"
	"github.com/analogdevicesinc/libm2k-sub001/internal/iio"
	"github.com/analogdevicesinc/libm2k-sub001/internal/iio/sim"
	"github.com/analogdevicesinc/libm2k-sub001/internal/trigger"
	"github.com/analogdevicesinc/libm2k-sub001/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var fastOptions = Options{
	SettleTime:      time.Millisecond,
	FineTuneSettle:  time.Microsecond,
	InterPhaseDelay: time.Millisecond,
	OffsetSamples:   64,
	GainSamples:     64,
	FineTuneSpan:    20,
	DACSamples:      16,
}

type rig struct {
	sim  *sim.M2K
	in   *analog.In
	out  *analog.Out
	trig *trigger.Trigger
	cal  *Calibration
}

func newRig(t *testing.T, opts ...sim.Option) *rig {
	t.Helper()
	ctx := context.Background()
	m, err := sim.New(opts...)
	require.NoError(t, err)
	store := iio.NewStore(m)
	fw, _ := m.Value(iio.ContextAttr("fw_version"))
	trig, err := trigger.New(ctx, store, fw, zap.NewNop())
	require.NoError(t, err)
	reg := channel.NewRegistry(store, m.Profile())
	in, err := analog.NewIn(ctx, store, reg, m, trig, zap.NewNop(), buffer.Options{})
	require.NoError(t, err)
	out, err := analog.NewOut(ctx, store, reg, m, zap.NewNop(), buffer.Options{})
	require.NoError(t, err)
	require.NoError(t, in.Reset(ctx))
	return &rig{sim: m, in: in, out: out, trig: trig, cal: New(store, in, out, "B", zap.NewNop(), fastOptions)}
}

func skewed() sim.FrontEnd {
	return sim.FrontEnd{
		ADCOffset: [2]float64{30, -25},
		ADCGain:   [2]float64{1.03, 0.97},
		DACOffset: [2]float64{0.05, -0.04},
		DACVlsb:   [2]float64{10.0 / 4095 * 1.02, 10.0 / 4095 * 0.98},
	}
}

func (r *rig) value(t *testing.T, a iio.Attr) float64 {
	t.Helper()
	v, ok := r.sim.Value(a)
	require.True(t, ok, a.String())
	f, err := strconv.ParseFloat(v, 64)
	require.NoError(t, err)
	return f
}

func TestMinIndex(t *testing.T) {
	assert.Equal(t, 3, minIndex([]float64{5, 3, 1, 0, 2, 4}))
	assert.Equal(t, 1, minIndex([]float64{2, 1, 1, 3}), "first minimum wins")
	assert.Equal(t, 0, minIndex([]float64{7}))
}

func TestCalibrateAllRemovesFrontEndErrors(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, sim.WithFrontEnd(skewed()))
	for ch := 0; ch < 2; ch++ {
		require.NoError(t, r.in.SetRange(ctx, ch, correction.PlusMinus2_5V))
	}
	require.NoError(t, r.trig.SetAnalogMode(ctx, 1, trigger.AnalogOnly))
	before, err := r.trig.CurrentSettings(ctx)
	require.NoError(t, err)

	r.sim.SetInput(0, 1.0)
	v, err := r.in.GetVoltage(ctx, 0)
	require.NoError(t, err)
	assert.Greater(t, v-1.0, 0.05, "uncalibrated reading is off")

	var seen []State
	r.cal.OnStateChange(func(s Status) { seen = append(seen, s.State) })
	require.NoError(t, r.cal.CalibrateAll(ctx))

	assert.Equal(t, StateCalibrated, r.cal.State())
	assert.True(t, r.cal.IsCalibrated())
	assert.Equal(t, []State{StateInitialized, StateADCCalibrating, StateDACCalibrating, StateCalibrated}, seen)

	coef := r.cal.Coefficients()
	assert.Equal(t, 2033, coef.ADCOffset[0])
	assert.InDelta(t, 1/1.03, coef.ADCGain[0], 0.002)
	assert.InDelta(t, 1/0.97, coef.ADCGain[1], 0.002)
	assert.InDelta(t, 10.0/4095*1.02, coef.DACVlsb[0], 1e-5)
	assert.InDelta(t, 10.0/4095*0.98, coef.DACVlsb[1], 1e-5)
	assert.Equal(t, float64(coef.DACOffset[1]), r.value(t, iio.ChannelAttr(analog.OffsetDACDevice, "voltage1", true, "raw")))
	assert.InDelta(t, (10.0/4096)/coef.DACVlsb[0], r.value(t, iio.DeviceAttr(analog.DACDevices[0], "calibscale")), 1e-9)

	mode, err := r.cal.CalibrationMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeNone, mode)
	after, err := r.trig.CurrentSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Channels[1].Mode, after.Channels[1].Mode)
	assert.Equal(t, before.Source, after.Source)

	v, err = r.in.GetVoltage(ctx, 0)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, v, 0.01)

	r.sim.SetLoopback(true)
	require.NoError(t, r.out.Push(ctx, 0, []float64{2, 2, 2, 2}))
	v, err = r.in.GetVoltage(ctx, 0)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, v, 0.01)
}

func TestCalibrateDACRunsADCFirst(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, sim.WithFrontEnd(skewed()))

	require.NoError(t, r.cal.CalibrateDAC(ctx))
	st := r.cal.Status()
	assert.True(t, st.ADCCalibrated)
	assert.True(t, st.DACCalibrated)
	assert.False(t, st.Running)
	assert.False(t, st.LastRun.IsZero())
}

func TestSecondRunAndCancel(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	var nested error
	r.cal.OnStateChange(func(s Status) {
		if s.State == StateADCCalibrating {
			nested = r.cal.CalibrateDAC(ctx)
			r.cal.Cancel()
		}
	})
	err := r.cal.CalibrateADC(ctx)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.ErrorIs(t, nested, types.ErrRuntime)
	assert.Equal(t, StateFailed, r.cal.State())
	assert.NotEmpty(t, r.cal.Status().LastError)
	assert.False(t, r.cal.Status().ADCCalibrated)
}

func TestContextCancelFailsRun(t *testing.T) {
	r := newRig(t)
	var runs []Run
	r.cal.OnRun(func(run Run) { runs = append(runs, run) })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.cal.CalibrateAll(ctx)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, r.cal.State())

	require.NoError(t, r.cal.CalibrateADC(context.Background()), "a failed run does not block the next one")
	require.Len(t, runs, 2)
	assert.Equal(t, "all", runs[0].Target)
	assert.Equal(t, "canceled", runs[0].Outcome)
	assert.NotEmpty(t, runs[0].Error)
	assert.Equal(t, "adc", runs[1].Target)
	assert.Equal(t, "ok", runs[1].Outcome)
	assert.Empty(t, runs[1].Error)
}

func TestResetCalibration(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, sim.WithFrontEnd(skewed()))
	require.NoError(t, r.cal.CalibrateAll(ctx))

	require.NoError(t, r.cal.ResetCalibration(ctx))
	assert.Equal(t, StateInitialized, r.cal.State())
	assert.Equal(t, DefaultCoefficients(), r.cal.Coefficients())
	assert.False(t, r.cal.IsCalibrated())

	assert.Equal(t, 2048.0, r.value(t, iio.ChannelAttr(analog.OffsetDACDevice, "voltage0", true, "raw")))
	assert.Equal(t, 2048.0, r.value(t, iio.ChannelAttr(analog.OffsetDACDevice, "voltage2", true, "raw")))
	gain, err := r.in.AdcCalibGain(1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, gain)
	vlsb, err := r.out.DacCalibVlsb(0)
	require.NoError(t, err)
	assert.Equal(t, DefaultVlsb, vlsb)
}

func TestCoefficientSetters(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	require.NoError(t, r.cal.SetDacOffset(ctx, 1, 2100))
	assert.Equal(t, 2100.0, r.value(t, iio.ChannelAttr(analog.OffsetDACDevice, "voltage1", true, "raw")))
	off, err := r.cal.DacOffset(1)
	require.NoError(t, err)
	assert.Equal(t, 2100, off)

	require.NoError(t, r.cal.SetAdcOffset(ctx, 0, 2040))
	calib, _ := r.in.AdcCalibOffset(0)
	assert.Equal(t, 2040, calib)

	require.NoError(t, r.cal.SetAdcGain(ctx, 1, 1.05))
	g, _ := r.cal.AdcGain(1)
	assert.Equal(t, 1.05, g)

	require.NoError(t, r.cal.SetDacVlsb(ctx, 0, 0.0025))
	vlsb, _ := r.out.DacCalibVlsb(0)
	assert.Equal(t, 0.0025, vlsb)

	assert.ErrorIs(t, r.cal.SetAdcOffset(ctx, 0, 5000), types.ErrOutOfRange)
	assert.ErrorIs(t, r.cal.SetAdcGain(ctx, 0, 0), types.ErrInvalidParameter)
	assert.ErrorIs(t, r.cal.SetDacVlsb(ctx, 0, -1), types.ErrInvalidParameter)
	assert.ErrorIs(t, r.cal.SetDacOffset(ctx, 2, 2048), types.ErrOutOfRange)
	_, err = r.cal.AdcOffset(-1)
	assert.ErrorIs(t, err, types.ErrOutOfRange)
	assert.ErrorIs(t, r.cal.SetCalibrationMode(ctx, Mode("bogus")), types.ErrInvalidParameter)
}

func TestRevisionASkipsInterPhaseDelay(t *testing.T) {
	c := New(nil, newRig(t).in, nil, "A", zap.NewNop(), DefaultOptions())
	assert.Zero(t, c.opts.InterPhaseDelay)
	assert.Equal(t, StateUninitialized, c.State())
	c.Initialize()
	assert.Equal(t, StateInitialized, c.State())
}
