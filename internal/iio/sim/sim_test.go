package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/analogdevicesinc/libm2k-sub001/internal/iio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, opts ...Option) (*M2K, *iio.Store) {
	t.Helper()
	m, err := New(opts...)
	require.NoError(t, err)
	return m, iio.NewStore(m)
}

func TestAttributesFollowProfileAndFirmware(t *testing.T) {
	ctx := context.Background()
	m, s := newStore(t)

	fw, err := s.GetString(ctx, iio.ContextAttr("fw_version"))
	require.NoError(t, err)
	assert.Equal(t, "v0.32", fw)
	assert.True(t, s.HasAttribute(iio.DeviceAttr("m2k-dac-a", "dma_sync_start")))

	_, err = s.SetString(ctx, iio.DeviceAttr("m2k-fabric", "calibration_mode"), "bogus")
	assert.ErrorIs(t, err, ErrInvalidValue)

	rate, err := s.SetLong(ctx, iio.DeviceAttr("m2k-adc", "sampling_frequency"), 1000000)
	require.NoError(t, err)
	assert.EqualValues(t, 1000000, rate)

	_, err = s.SetLong(ctx, iio.DeviceAttr("m2k-adc", "sampling_frequency"), 1234)
	assert.ErrorIs(t, err, ErrInvalidValue)

	_, err = s.SetString(ctx, iio.ContextAttr("hw_model"), "x")
	assert.ErrorIs(t, err, ErrInvalidValue)

	require.Len(t, m.Writes(), 1)

	_, legacy := newStore(t, WithFirmware("v0.23"))
	assert.False(t, legacy.HasAttribute(iio.DeviceAttr("m2k-dac-a", "dma_sync_start")))
	assert.False(t, legacy.HasAttribute(iio.ChannelAttr("m2k-adc-trigger", "voltage5", false, "out_select")))
}

func enable(t *testing.T, s *iio.Store, dev, ch string, out bool) {
	t.Helper()
	_, err := s.SetBool(context.Background(), iio.ChannelAttr(dev, ch, out, "en"), true)
	require.NoError(t, err)
}

func TestTransferRequiresEnabledChannelsAndExclusiveDevice(t *testing.T) {
	ctx := context.Background()
	m, s := newStore(t)
	spec := iio.TransferSpec{Device: "m2k-adc", Channels: []string{"voltage0"}, Samples: 16}

	_, err := m.CreateTransfer(ctx, spec)
	assert.ErrorIs(t, err, ErrInvalidValue)

	enable(t, s, "m2k-adc", "voltage0", false)
	tr, err := m.CreateTransfer(ctx, spec)
	require.NoError(t, err)
	assert.True(t, m.Active("m2k-adc"))

	_, err = m.CreateTransfer(ctx, spec)
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.False(t, m.Active("m2k-adc"))
	assert.Equal(t, 1, m.Closes("m2k-adc"))
}

func TestRefillBlocksUntilResumeOrCancel(t *testing.T) {
	ctx := context.Background()
	m, s := newStore(t)
	enable(t, s, "m2k-adc", "voltage0", false)
	tr, err := m.CreateTransfer(ctx, iio.TransferSpec{Device: "m2k-adc", Channels: []string{"voltage0"}, Samples: 4})
	require.NoError(t, err)
	defer tr.Close()

	m.Pause("m2k-adc")
	done := make(chan error, 1)
	go func() {
		_, err := tr.Refill(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return m.Waiting("m2k-adc") == 1 }, time.Second, time.Millisecond)

	tr.Cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, iio.ErrCanceled)
	case <-time.After(time.Second):
		t.Fatal("refill did not unblock")
	}
}

func TestFaultInjection(t *testing.T) {
	ctx := context.Background()
	m, s := newStore(t)
	boom := errors.New("boom")
	m.FailNext("write:m2k-dac-a/dma_sync", boom)

	_, err := s.SetBool(ctx, iio.DeviceAttr("m2k-dac-a", "dma_sync"), true)
	assert.ErrorIs(t, err, boom)
	_, err = s.SetBool(ctx, iio.DeviceAttr("m2k-dac-a", "dma_sync"), true)
	assert.NoError(t, err)
}

func TestAnalogInputModel(t *testing.T) {
	ctx := context.Background()
	m, s := newStore(t)
	enable(t, s, "m2k-adc", "voltage0", false)
	m.SetInput(0, 1.0)

	tr, err := m.CreateTransfer(ctx, iio.TransferSpec{Device: "m2k-adc", Channels: []string{"voltage0"}, Samples: 8})
	require.NoError(t, err)
	defer tr.Close()

	data, err := tr.Refill(ctx)
	require.NoError(t, err)
	require.Len(t, data, 8)
	// Low gain range: 1 V maps to 2048*1.3*0.02017/0.78 codes.
	assert.InDelta(t, 68.8, float64(data[0]), 1)

	_, err = s.SetString(ctx, iio.DeviceAttr("m2k-fabric", "calibration_mode"), "adc_ref1")
	require.NoError(t, err)
	data, err = tr.Refill(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.46172*2048*1.3/0.78, float64(data[0]), 1)
}

func TestSupplyReadback(t *testing.T) {
	ctx := context.Background()
	_, s := newStore(t)
	_, err := s.SetBool(ctx, iio.ChannelAttr("ad5627", "voltage0", true, "powerdown"), false)
	require.NoError(t, err)
	_, err = s.SetBool(ctx, iio.ChannelAttr("m2k-fabric", "voltage2", true, "user_supply_powerdown"), false)
	require.NoError(t, err)
	_, err = s.SetDouble(ctx, iio.ChannelAttr("ad5627", "voltage0", true, "raw"), 3*4095.0/(5.02*1.2))
	require.NoError(t, err)

	raw, err := s.GetDouble(ctx, iio.ChannelAttr("ad9963", "voltage2", false, "raw"))
	require.NoError(t, err)
	assert.InDelta(t, 3.0, raw*6.4/4095, 0.005)
}
