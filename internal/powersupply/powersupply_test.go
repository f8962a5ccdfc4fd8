package powersupply

import (
	"context"
	"testing"

	"github.com/analogdevicesinc/libm2k-sub001/internal/iio"
	"github.com/analogdevicesinc/libm2k-sub001/internal/iio/sim"
	"github.com/analogdevicesinc/libm2k-sub001/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newSupply(t *testing.T, m *sim.M2K) *Supply {
	t.Helper()
	s, err := New(context.Background(), iio.NewStore(m), zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestPushAndReadBack(t *testing.T) {
	ctx := context.Background()
	m, err := sim.New()
	require.NoError(t, err)
	s := newSupply(t, m)

	v, err := s.ReadChannel(ctx, Positive)
	require.NoError(t, err)
	assert.Zero(t, v, "rails start powered down")

	require.NoError(t, s.Enable(ctx, Positive, true))
	require.NoError(t, s.Enable(ctx, Negative, true))
	require.NoError(t, s.PushChannel(ctx, Positive, 3.3))
	require.NoError(t, s.PushChannel(ctx, Negative, -3.0))

	v, err = s.ReadChannel(ctx, Positive)
	require.NoError(t, err)
	assert.InDelta(t, 3.3, v, 0.01)
	v, err = s.ReadChannel(ctx, Negative)
	require.NoError(t, err)
	assert.InDelta(t, -3.0, v, 0.01)

	require.NoError(t, s.PushChannel(ctx, Positive, -1))
	raw, _ := m.Value(writeAttr(Positive, "raw"))
	assert.Equal(t, "0", raw, "negative codes clamp at zero")

	assert.ErrorIs(t, s.PushChannel(ctx, Positive, 5.1), types.ErrInvalidParameter)
	assert.ErrorIs(t, s.PushChannel(ctx, 2, 1), types.ErrOutOfRange)
	_, err = s.ReadChannel(ctx, -1)
	assert.ErrorIs(t, err, types.ErrOutOfRange)
}

func TestCalibrationCoefficients(t *testing.T) {
	ctx := context.Background()
	m, err := sim.New(sim.WithContextAttr("cal,gain_pos_dac", "2"))
	require.NoError(t, err)
	m.Remove(iio.ContextAttr("cal,offset_neg_adc"))
	s := newSupply(t, m)

	c, err := s.Coefficients(Positive)
	require.NoError(t, err)
	assert.Equal(t, 2.0, c.DACGain)
	c, _ = s.Coefficients(Negative)
	assert.Equal(t, 0.0, c.ADCOffset)
	assert.Equal(t, 1.0, c.ADCGain)

	require.NoError(t, s.Enable(ctx, Positive, true))
	require.NoError(t, s.PushChannel(ctx, Positive, 1.0))
	v, err := s.ReadChannel(ctx, Positive)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, v, 0.01)
}

func TestSharedPowerdown(t *testing.T) {
	ctx := context.Background()
	m, err := sim.New()
	require.NoError(t, err)
	m.Remove(powerdownAttr(Negative))
	s := newSupply(t, m)

	require.NoError(t, s.Enable(ctx, Positive, true))
	require.NoError(t, s.Enable(ctx, Negative, true))
	require.NoError(t, s.Enable(ctx, Negative, false))
	pd, _ := m.Value(powerdownAttr(Positive))
	assert.Equal(t, "0", pd, "the positive rail keeps the shared switch on")

	require.NoError(t, s.Enable(ctx, Positive, false))
	pd, _ = m.Value(powerdownAttr(Positive))
	assert.Equal(t, "1", pd)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	m, err := sim.New()
	require.NoError(t, err)
	s := newSupply(t, m)
	require.NoError(t, s.Enable(ctx, Negative, true))
	require.NoError(t, s.PushChannel(ctx, Negative, -2))

	require.NoError(t, s.Reset(ctx))
	en, _ := s.Enabled(Negative)
	assert.False(t, en)
	raw, _ := m.Value(writeAttr(Negative, "raw"))
	assert.Equal(t, "0", raw)
	pd, _ := m.Value(powerdownAttr(Negative))
	assert.Equal(t, "1", pd)
}
