package buffer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/analogdevicesinc/libm2k-sub001/internal/channel"
	"github.com/analogdevicesinc/libm2k-sub001/internal/iio"
	"github.com/analogdevicesinc/libm2k-sub001/internal/iio/sim"
	"github.com/analogdevicesinc/libm2k-sub001/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	sim   *sim.M2K
	store *iio.Store
	reg   *channel.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m, err := sim.New()
	require.NoError(t, err)
	store := iio.NewStore(m)
	return &fixture{sim: m, store: store, reg: channel.NewRegistry(store, m.Profile())}
}

func (f *fixture) buffer(t *testing.T, device string, output bool, opts Options) *Buffer {
	t.Helper()
	chans, err := f.reg.ClaimDevice(device, output)
	require.NoError(t, err)
	for _, ch := range chans {
		require.NoError(t, ch.Enable(context.Background(), true))
	}
	b, err := New(f.sim, chans, zap.NewNop(), opts)
	require.NoError(t, err)
	return b
}

func TestAlignedCount(t *testing.T) {
	assert.Equal(t, 8, AlignedCount(5, 4))
	assert.Equal(t, 8, AlignedCount(8, 4))
	assert.Equal(t, 4, AlignedCount(1, 4))
	assert.Equal(t, 7, AlignedCount(7, 1))
}

func TestPushRecreatesOnlyWhenNeeded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	b := f.buffer(t, "m2k-dac-a", true, Options{})

	require.NoError(t, b.Push(ctx, make([]int16, 8), false))
	require.NoError(t, b.Push(ctx, make([]int16, 8), false))
	assert.Equal(t, 1, f.sim.Creates("m2k-dac-a"))

	require.NoError(t, b.Push(ctx, make([]int16, 16), false))
	assert.Equal(t, 2, f.sim.Creates("m2k-dac-a"))

	data := []int16{16, 32, 48, 64}
	require.NoError(t, b.Push(ctx, data, true))
	require.NoError(t, b.Push(ctx, data, true))
	assert.Equal(t, 4, f.sim.Creates("m2k-dac-a"))
	assert.Equal(t, data, f.sim.OutputData("m2k-dac-a"))
	spec, ok := f.sim.ActiveSpec("m2k-dac-a")
	require.True(t, ok)
	assert.True(t, spec.Cyclic)
	assert.Equal(t, DefaultKernelBuffers, spec.KernelBuffers)

	require.NoError(t, b.Push(ctx, nil, false))
	assert.False(t, b.Active())
	assert.False(t, f.sim.Active("m2k-dac-a"))
}

func TestStopIsIdempotentAndDisablesOutputs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	b := f.buffer(t, "m2k-dac-b", true, Options{})

	require.NoError(t, b.Stop(ctx))

	require.NoError(t, b.Channels()[0].Enable(ctx, true))
	require.NoError(t, b.Push(ctx, make([]int16, 4), true))
	require.NoError(t, b.Stop(ctx))
	require.NoError(t, b.Stop(ctx))

	assert.False(t, f.sim.Active("m2k-dac-b"))
	assert.Equal(t, 1, f.sim.Closes("m2k-dac-b"))
	v, _ := f.sim.Value(iio.ChannelAttr("m2k-dac-b", "voltage0", true, "en"))
	assert.Equal(t, "0", v)

	err := b.Push(ctx, make([]int16, 4), true)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}

func TestAcquisitionReusesRingAndRoundsToMultiple(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	b := f.buffer(t, "m2k-logic-analyzer-rx", false, Options{SampleMultiple: 4, Packed: true})
	f.sim.SetDigitalInputs(0x00a5)

	data, err := b.GetSamplesRawInterleaved(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, data, 8)
	assert.Equal(t, int16(0x00a5), data[0])

	_, err = b.GetSamplesRawInterleaved(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, f.sim.Creates("m2k-logic-analyzer-rx"))

	raw, err := b.GetSamplesRaw(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, raw[0], 4)
	assert.Equal(t, 2, f.sim.Creates("m2k-logic-analyzer-rx"))
}

func TestGetSamplesSplitsAndConverts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	b := f.buffer(t, "m2k-adc", false, Options{})
	f.sim.SetInput(1, 1.0)

	samples, err := b.GetSamples(ctx, 10, func(ch int, raw int16) float64 {
		return float64(raw) + float64(ch)*1000
	})
	require.NoError(t, err)
	require.Len(t, samples, 2)
	require.Len(t, samples[1], 10)
	assert.InDelta(t, 0, samples[0][0], 1)
	assert.InDelta(t, 1068.8, samples[1][0], 1)
}

func TestAcquisitionNeedsEnabledChannel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	b := f.buffer(t, "m2k-adc", false, Options{})
	for _, ch := range b.Channels() {
		require.NoError(t, ch.Enable(ctx, false))
	}

	_, err := b.GetSamplesRaw(ctx, 16)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)

	_, err = b.GetSamplesRaw(ctx, 0)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)

	err = b.Push(ctx, []int16{1}, false)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}

func TestConcurrentStopUnblocksWaiter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	b := f.buffer(t, "m2k-adc", false, Options{})
	f.sim.Pause("m2k-adc")

	done := make(chan error, 1)
	go func() {
		_, err := b.GetSamplesRaw(ctx, 64)
		done <- err
	}()
	require.Eventually(t, func() bool { return f.sim.Waiting("m2k-adc") == 1 }, time.Second, time.Millisecond)

	require.NoError(t, b.Stop(ctx))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStopped)
		assert.ErrorIs(t, err, types.ErrRuntime)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not released by Stop")
	}
	assert.False(t, f.sim.Active("m2k-adc"))
}

func TestCancelUnblocksAndNextCallRecreates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	b := f.buffer(t, "m2k-adc", false, Options{})
	f.sim.Pause("m2k-adc")

	done := make(chan error, 1)
	go func() {
		_, err := b.GetSamplesRaw(ctx, 16)
		done <- err
	}()
	require.Eventually(t, func() bool { return f.sim.Waiting("m2k-adc") == 1 }, time.Second, time.Millisecond)
	b.Cancel()
	assert.ErrorIs(t, <-done, ErrStopped)

	f.sim.Resume("m2k-adc")
	_, err := b.GetSamplesRaw(ctx, 16)
	require.NoError(t, err)
	assert.Equal(t, 2, f.sim.Creates("m2k-adc"))
}

func TestCancelWhileIdleRecreatesOnNextCall(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	in := f.buffer(t, "m2k-adc", false, Options{})
	_, err := in.GetSamplesRaw(ctx, 16)
	require.NoError(t, err)
	in.Cancel()
	in.Cancel()
	_, err = in.GetSamplesRaw(ctx, 16)
	require.NoError(t, err)
	_, err = in.GetSamplesRaw(ctx, 16)
	require.NoError(t, err)
	assert.Equal(t, 2, f.sim.Creates("m2k-adc"))

	out := f.buffer(t, "m2k-dac-a", true, Options{})
	require.NoError(t, out.Push(ctx, make([]int16, 8), false))
	out.Cancel()
	require.NoError(t, out.Push(ctx, make([]int16, 8), false))
	assert.Equal(t, 2, f.sim.Creates("m2k-dac-a"))
	assert.True(t, out.Active())
	for _, ch := range out.Channels() {
		en, err := ch.Enabled(ctx)
		require.NoError(t, err)
		assert.True(t, en, "cancel keeps output channels enabled")
	}
}

func TestTimeoutAndFailureKinds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	b := f.buffer(t, "m2k-adc", false, Options{Timeout: 20 * time.Millisecond})

	f.sim.Pause("m2k-adc")
	_, err := b.GetSamplesRaw(ctx, 16)
	assert.ErrorIs(t, err, types.ErrTimeout)
	assert.False(t, f.sim.Active("m2k-adc"))
	f.sim.Resume("m2k-adc")

	boom := errors.New("dma exploded")
	f.sim.FailNext("create:m2k-adc", boom)
	_, err = b.GetSamplesRaw(ctx, 16)
	assert.ErrorIs(t, err, types.ErrRuntime)
	assert.ErrorIs(t, err, boom)

	f.sim.FailNext("refill:m2k-adc", boom)
	_, err = b.GetSamplesRaw(ctx, 16)
	assert.ErrorIs(t, err, boom)
	assert.False(t, f.sim.Active("m2k-adc"), "failed transfer must be destroyed")
}

func TestKernelBuffersValidation(t *testing.T) {
	f := newFixture(t)
	b := f.buffer(t, "m2k-adc", false, Options{})
	assert.ErrorIs(t, b.SetKernelBuffers(0), types.ErrInvalidParameter)
	require.NoError(t, b.SetKernelBuffers(8))
	_, err := b.GetSamplesRaw(context.Background(), 4)
	require.NoError(t, err)
	spec, _ := f.sim.ActiveSpec("m2k-adc")
	assert.Equal(t, 8, spec.KernelBuffers)
}

func TestStartCreatesRingOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	b := f.buffer(t, "m2k-adc", false, Options{})

	require.NoError(t, b.Start(ctx, 32))
	require.NoError(t, b.Start(ctx, 32))
	assert.True(t, b.Active())

	_, err := b.GetSamplesRaw(ctx, 32)
	require.NoError(t, err)
	assert.Equal(t, 1, f.sim.Creates("m2k-adc"))
}
