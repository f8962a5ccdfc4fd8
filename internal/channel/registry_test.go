package channel

import (
	"context"
	"testing"

	"github.com/analogdevicesinc/libm2k-sub001/internal/iio"
	"github.com/analogdevicesinc/libm2k-sub001/internal/iio/sim"
	"github.com/analogdevicesinc/libm2k-sub001/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T) (*sim.M2K, *Registry) {
	t.Helper()
	m, err := sim.New()
	require.NoError(t, err)
	return m, NewRegistry(iio.NewStore(m), m.Profile())
}

func TestClaimIsExclusive(t *testing.T) {
	_, r := newRegistry(t)

	ch, err := r.Claim("m2k-adc", "voltage0", false)
	require.NoError(t, err)
	assert.Equal(t, 0, ch.Index())

	_, err = r.Claim("m2k-adc", "voltage0", false)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)

	r.Release(ch)
	again, err := r.Claim("m2k-adc", "voltage0", false)
	require.NoError(t, err)
	assert.NotSame(t, ch, again)
	assert.Equal(t, 1, r.Claimed())

	r.ReleaseAll()
	assert.Zero(t, r.Claimed())
}

func TestClaimRejectsWrongDirectionAndUnknown(t *testing.T) {
	_, r := newRegistry(t)

	_, err := r.Claim("m2k-adc", "voltage0", true)
	require.ErrorIs(t, err, types.ErrInvalidParameter)
	assert.Contains(t, err.Error(), "input channel")

	_, err = r.Claim("m2k-adc", "voltage9", false)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)

	_, err = r.Claim("nope", "voltage0", false)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)

	// control-only channels carry no scan element
	_, err = r.Claim("m2k-fabric", "voltage0", false)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}

func TestClaimDeviceOrdersByScanIndexAndRollsBack(t *testing.T) {
	_, r := newRegistry(t)

	chans, err := r.ClaimDevice("m2k-logic-analyzer-rx", false)
	require.NoError(t, err)
	require.Len(t, chans, 16)
	for i, ch := range chans {
		assert.Equal(t, i, ch.Index())
	}

	_, err = r.Claim("m2k-adc", "voltage1", false)
	require.NoError(t, err)
	_, err = r.ClaimDevice("m2k-adc", false)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
	assert.Equal(t, 17, r.Claimed())
}

func TestChannelEnableWritesAttribute(t *testing.T) {
	m, r := newRegistry(t)
	ctx := context.Background()

	ch, err := r.Claim("m2k-dac-a", "voltage0", true)
	require.NoError(t, err)
	require.NoError(t, ch.Enable(ctx, true))

	v, ok := m.Value(iio.ChannelAttr("m2k-dac-a", "voltage0", true, "en"))
	require.True(t, ok)
	assert.Equal(t, "1", v)

	en, err := ch.Enabled(ctx)
	require.NoError(t, err)
	assert.True(t, en)
	assert.True(t, ch.HasAttribute("raw_enable"))
}

func TestConvertHostFormat(t *testing.T) {
	adc := &Channel{format: types.ScanFormat{Bits: 12, Storage: 16, Signed: true}}
	assert.Equal(t, int16(-1), adc.ConvertHostFormat(0x0fff))
	assert.Equal(t, int16(2047), adc.ConvertHostFormat(0x07ff))
	assert.Equal(t, int16(-2048), adc.ConvertHostFormat(0x0800))

	dac := &Channel{format: types.ScanFormat{Bits: 12, Storage: 16, Shift: 4, Signed: true}}
	assert.Equal(t, int16(-1024), dac.ConvertHostFormat(-1024<<4))

	be := &Channel{format: types.ScanFormat{Bits: 16, Storage: 16, BigEndian: true}}
	assert.Equal(t, int16(0x3412), be.ConvertHostFormat(0x1234))
}
