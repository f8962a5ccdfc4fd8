package analog

import (
	"context"
	"testing"

	"github.com/analogdevicesinc/libm2k-sub001/internal/buffer"
	"github.com/analogdevicesinc/libm2k-sub001/internal/correction"
	"github.com/analogdevicesinc/libm2k-sub001/internal/iio"
	"github.com/analogdevicesinc/libm2k-sub001/internal/iio/sim"
	"github.com/analogdevicesinc/libm2k-sub001/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func (f *fixture) out(t *testing.T) *Out {
	t.Helper()
	out, err := NewOut(context.Background(), f.store, f.reg, f.sim, zap.NewNop(), buffer.Options{})
	require.NoError(t, err)
	return out
}

func constant(v float64, n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func (f *fixture) values(a iio.Attr) []string {
	var vs []string
	for _, w := range f.sim.Writes() {
		if w.Attr == a {
			vs = append(vs, w.Value)
		}
	}
	return vs
}

func TestPushLoopback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	in, out := f.in(t), f.out(t)
	require.NoError(t, in.Reset(ctx))
	f.sim.SetLoopback(true)

	require.NoError(t, out.Push(ctx, 0, constant(2.0, 64)))
	require.NoError(t, out.Push(ctx, 1, constant(-1.5, 64)))

	v, err := in.GetVoltage(ctx, 0)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, v, 0.02)
	v, err = in.GetVoltage(ctx, 1)
	require.NoError(t, err)
	assert.InDelta(t, -1.5, v, 0.02)

	synced, err := out.SyncedDma(ctx, 0)
	require.NoError(t, err)
	assert.False(t, synced)
	pd, _ := f.sim.Value(powerdownAttr(0))
	assert.Equal(t, "0", pd)
}

func TestPushRawMultiHoldsAndReleasesDMA(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	out := f.out(t)
	f.sim.ResetWrites()

	a := []int16{16, 32, 48, 64}
	b := []int16{-16, -32, -48, -64}
	require.NoError(t, out.PushRawMulti(ctx, [][]int16{a, b}))

	assert.Equal(t, a, f.sim.OutputData(DACDevices[0]))
	assert.Equal(t, b, f.sim.OutputData(DACDevices[1]))
	for _, dev := range DACDevices {
		assert.Equal(t, []string{"1", "0"}, f.values(iio.DeviceAttr(dev, "dma_sync")), dev)
		assert.Equal(t, []string{"1"}, f.values(iio.DeviceAttr(dev, "dma_sync_start")), dev)
	}

	assert.ErrorIs(t, out.PushRawMulti(ctx, [][]int16{a, b, a}), types.ErrInvalidParameter)
}

func TestStopPowersDownAndHoldsDMA(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	out := f.out(t)
	require.NoError(t, out.PushRaw(ctx, 1, []int16{0, 16}))
	assert.True(t, f.sim.Active(DACDevices[1]))

	require.NoError(t, out.StopChannel(ctx, 1))
	assert.False(t, f.sim.Active(DACDevices[1]))
	pd, _ := f.sim.Value(powerdownAttr(1))
	assert.Equal(t, "1", pd)
	synced, _ := out.SyncedDma(ctx, 1)
	assert.True(t, synced)
	en, _ := out.IsChannelEnabled(ctx, 1)
	assert.False(t, en)

	require.NoError(t, out.Reset(ctx))
	synced, _ = out.SyncedDma(ctx, 0)
	assert.False(t, synced)
	cyclic, _ := out.Cyclic(1)
	assert.True(t, cyclic)
}

func TestSetVoltageStatic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	in, out := f.in(t), f.out(t)
	require.NoError(t, in.Reset(ctx))
	f.sim.SetLoopback(true)

	require.NoError(t, out.SetVoltage(ctx, 0, 3.0))
	v, _ := f.sim.Value(out.chans[0].Attr("raw_enable"))
	assert.Equal(t, "enabled", v)
	volts, err := in.GetVoltage(ctx, 0)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, volts, 0.03)

	require.NoError(t, out.PushRaw(ctx, 0, []int16{0, 0}))
	v, _ = f.sim.Value(out.chans[0].Attr("raw_enable"))
	assert.Equal(t, "disabled", v, "a push hands the output back to the DMA")

	old := newFixture(t, sim.WithFirmware("v0.31"))
	assert.ErrorIs(t, old.out(t).SetVoltageRaw(ctx, 0, 0), types.ErrInvalidParameter)
}

func TestOutRatesAndConversion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	out := f.out(t)

	_, err := out.SetSampleRate(ctx, 0, 1e6)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
	got, err := out.SetSampleRate(ctx, 1, 750000)
	require.NoError(t, err)
	assert.Equal(t, 750000.0, got)

	s0, _ := out.ScalingFactor(0)
	s1, _ := out.ScalingFactor(1)
	assert.InDelta(t, s0/1.164153, s1, 1e-9)

	raw, err := out.ConvertVoltsToRaw(0, 1.0)
	require.NoError(t, err)
	v, err := out.ConvertRawToVolts(0, raw)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, v, correction.DefaultDACVlsb)

	_, err = out.ConvertVoltsToRaw(0, 20)
	assert.ErrorIs(t, err, types.ErrOutOfRange)
	assert.ErrorIs(t, out.Push(ctx, 0, []float64{0, 20}), types.ErrOutOfRange)

	require.NoError(t, out.SetDacCalibVlsb(0, 0.002))
	vlsb, _ := out.DacCalibVlsb(0)
	assert.Equal(t, 0.002, vlsb)
	assert.ErrorIs(t, out.SetDacCalibVlsb(0, 0), types.ErrInvalidParameter)
	assert.ErrorIs(t, out.SetCyclic(2, false), types.ErrOutOfRange)
}

func TestSyncedStartNeedsFirmware(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sim.WithFirmware("v0.23"))
	out := f.out(t)

	assert.ErrorIs(t, out.SetSyncedStartDma(ctx, true, AllChannels), types.ErrInvalidParameter)
	_, err := out.SyncedStartDma(ctx, 0)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)

	require.NoError(t, out.PushRawMulti(ctx, [][]int16{{16, 32}, {16, 32}}))
	for _, dev := range DACDevices {
		v, _ := f.sim.Value(iio.DeviceAttr(dev, "dma_sync"))
		assert.Equal(t, "0", v)
	}
}
