package buffer

import (
	"context"
	"errors"
	"testing"

	"github.com/analogdevicesinc/libm2k-sub001/internal/iio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func syncWrites(f *fixture) []string {
	var out []string
	for _, w := range f.sim.Writes() {
		if w.Attr.Name == "dma_sync" || w.Attr.Name == "dma_sync_start" {
			out = append(out, w.Attr.Device+"/"+w.Attr.Name+"="+w.Value)
		}
	}
	return out
}

func TestPushSynchronizedSequence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.buffer(t, "m2k-dac-a", true, Options{})
	b := f.buffer(t, "m2k-dac-b", true, Options{})
	f.sim.ResetWrites()

	err := PushSynchronized(ctx, f.store, zap.NewNop(), []Target{
		{Buffer: a, Data: []int16{16, 32}, Cyclic: true},
		{Buffer: b, Data: []int16{48, 64}, Cyclic: true},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"m2k-dac-a/dma_sync=1",
		"m2k-dac-b/dma_sync=1",
		"m2k-dac-a/dma_sync_start=1",
		"m2k-dac-b/dma_sync_start=1",
		"m2k-dac-a/dma_sync=0",
		"m2k-dac-b/dma_sync=0",
	}, syncWrites(f))
	assert.Equal(t, []int16{48, 64}, f.sim.OutputData("m2k-dac-b"))
}

func TestPushSynchronizedClearsSyncAfterFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.buffer(t, "m2k-dac-a", true, Options{})
	b := f.buffer(t, "m2k-dac-b", true, Options{})
	f.sim.ResetWrites()

	boom := errors.New("push failed")
	f.sim.FailNext("push:m2k-dac-b", boom)
	err := PushSynchronized(ctx, f.store, zap.NewNop(), []Target{
		{Buffer: a, Data: []int16{16, 32}, Cyclic: true},
		{Buffer: b, Data: []int16{48, 64}, Cyclic: true},
	})
	require.ErrorIs(t, err, boom)

	writes := syncWrites(f)
	assert.Contains(t, writes, "m2k-dac-a/dma_sync=1")
	assert.NotContains(t, writes, "m2k-dac-a/dma_sync_start=1")
	for _, dev := range []string{"m2k-dac-a", "m2k-dac-b"} {
		v, _ := f.sim.Value(iio.DeviceAttr(dev, "dma_sync"))
		assert.Equal(t, "0", v, dev)
	}
}

func TestPushSynchronizedClearsSyncWhenCanceled(t *testing.T) {
	f := newFixture(t)
	a := f.buffer(t, "m2k-dac-a", true, Options{})
	f.sim.Pause("m2k-dac-a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := PushSynchronized(ctx, f.store, zap.NewNop(), []Target{{Buffer: a, Data: []int16{16}, Cyclic: true}})
	require.Error(t, err)

	v, _ := f.sim.Value(iio.DeviceAttr("m2k-dac-a", "dma_sync"))
	assert.Equal(t, "0", v)
}

func TestPushSynchronizedSkipsStartWithoutFirmwareSupport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sim.Remove(iio.DeviceAttr("m2k-dac-a", "dma_sync_start"))
	a := f.buffer(t, "m2k-dac-a", true, Options{})
	b := f.buffer(t, "m2k-dac-b", true, Options{})
	f.sim.ResetWrites()

	require.NoError(t, PushSynchronized(ctx, f.store, zap.NewNop(), []Target{
		{Buffer: a, Data: []int16{16}, Cyclic: true},
		{Buffer: b, Data: []int16{16}, Cyclic: true},
	}))
	for _, w := range syncWrites(f) {
		assert.NotContains(t, w, "dma_sync_start")
	}
}
