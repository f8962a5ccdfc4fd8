package trigger

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

func newTrigger(t *testing.T, opts ...sim.Option) (*Trigger, *sim.M2K) {
	t.Helper()
	m, err := sim.New(opts...)
	require.NoError(t, err)
	fw, _ := m.Value(iio.ContextAttr("fw_version"))
	trig, err := New(context.Background(), iio.NewStore(m), fw, zap.NewNop())
	require.NoError(t, err)
	return trig, m
}

func TestVariantSelectedFromFirmware(t *testing.T) {
	ctx := context.Background()

	ext, _ := newTrigger(t, sim.WithFirmware("v0.24"))
	assert.Equal(t, ExtendedFirmware, ext.Variant())
	assert.True(t, ext.HasExternalTriggerIn())
	assert.True(t, ext.HasExternalTriggerOut())
	assert.Contains(t, ext.AvailableSources(), SourceDigitalIn)

	old, _ := newTrigger(t, sim.WithFirmware("v0.23"))
	assert.Equal(t, "legacy", old.Variant())
	assert.False(t, old.HasExternalTriggerIn())
	assert.False(t, old.HasCrossInstrumentTrigger())
	assert.Len(t, old.AvailableSources(), 5)

	assert.ErrorIs(t, old.SetAnalogSource(ctx, SourceDigitalIn), types.ErrInvalidParameter)
	assert.ErrorIs(t, old.SetDigitalSource(ctx, DigitalSourceLogic), types.ErrInvalidParameter)
	_, err := old.AnalogExternalOutSelect(ctx)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
	require.NoError(t, old.Reset(ctx))

	cur, _ := newTrigger(t)
	assert.Equal(t, RoutedFirmware, cur.Variant())
	assert.True(t, cur.HasExternalTriggerIn())
	assert.Equal(t, ext.AvailableSources(), cur.AvailableSources())
}

func TestSnapshotRestoreIsNoop(t *testing.T) {
	ctx := context.Background()
	trig, m := newTrigger(t)
	require.NoError(t, trig.SetCalibParameters(0, 0.0123, 0.37))
	require.NoError(t, trig.SetCalibParameters(1, 0.0071, -1.1))

	require.NoError(t, trig.SetAnalogCondition(ctx, 0, FallingEdge))
	require.NoError(t, trig.SetAnalogLevel(ctx, 0, 1.234))
	require.NoError(t, trig.SetAnalogHysteresis(ctx, 0, 0.05))
	require.NoError(t, trig.SetAnalogMode(ctx, 0, DigitalXorAnalog))
	require.NoError(t, trig.SetAnalogExternalCondition(ctx, 1, AnyEdgeDigital))
	require.NoError(t, trig.SetAnalogLevelRaw(ctx, 1, -77))
	require.NoError(t, trig.SetAnalogSource(ctx, SourceChannel1OrDigital))
	require.NoError(t, trig.SetAnalogDelay(ctx, -512))
	require.NoError(t, trig.SetDigitalExternalCondition(ctx, HighLevelDigital))
	m.Set(externalAttr(0), "none")

	before := m.Snapshot()
	s, err := trig.CurrentSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, NoTriggerDigital, s.Channels[0].ExternalCondition)
	assert.Equal(t, -77, s.Channels[1].LevelRaw)

	m.ResetWrites()
	require.NoError(t, trig.ApplySettings(ctx, s))
	assert.NotEmpty(t, m.Writes())
	assert.Equal(t, before, m.Snapshot())

	again, err := trig.CurrentSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, s, again)
}

func TestApplySettingsOverridesAndRestores(t *testing.T) {
	ctx := context.Background()
	trig, _ := newTrigger(t)
	require.NoError(t, trig.SetAnalogMode(ctx, 1, AnalogOnly))
	require.NoError(t, trig.SetAnalogSource(ctx, SourceChannel2))

	saved, err := trig.CurrentSettings(ctx)
	require.NoError(t, err)
	for ch := 0; ch < NumAnalogChannels; ch++ {
		require.NoError(t, trig.SetAnalogMode(ctx, ch, Always))
	}
	require.NoError(t, trig.SetAnalogSource(ctx, SourceChannel1))

	require.NoError(t, trig.ApplySettings(ctx, saved))
	mode, err := trig.AnalogMode(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, AnalogOnly, mode)
	src, err := trig.AnalogSourceChannel(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, src)

	assert.ErrorIs(t, trig.ApplySettings(ctx, nil), types.ErrInvalidParameter)
}

func TestLevelConversion(t *testing.T) {
	ctx := context.Background()
	trig, _ := newTrigger(t)
	require.NoError(t, trig.SetCalibParameters(0, 0.25, 0.5))

	require.NoError(t, trig.SetAnalogLevel(ctx, 0, 1.0))
	raw, err := trig.AnalogLevelRaw(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 6, raw)
	v, err := trig.AnalogLevel(ctx, 0)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, v, 1e-12)

	require.NoError(t, trig.SetAnalogLevel(ctx, 0, -1.3))
	raw, _ = trig.AnalogLevelRaw(ctx, 0)
	assert.Equal(t, -3, raw, "conversion truncates toward zero")

	require.NoError(t, trig.SetAnalogHysteresis(ctx, 0, 0.6))
	h, err := trig.AnalogHysteresis(ctx, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, h, 1e-12)
	assert.ErrorIs(t, trig.SetAnalogHysteresis(ctx, 0, -1), types.ErrInvalidParameter)
}

func TestStateMachine(t *testing.T) {
	ctx := context.Background()
	trig, _ := newTrigger(t)
	require.NoError(t, trig.Reset(ctx))

	state := func() State {
		st, err := trig.State(ctx)
		require.NoError(t, err)
		return st
	}
	assert.Equal(t, StateIdle, state())

	require.NoError(t, trig.NoteAcquisition(ctx))
	assert.Equal(t, StateIdle, state(), "an idle trigger never fires")

	require.NoError(t, trig.SetAnalogMode(ctx, 0, AnalogOnly))
	assert.Equal(t, StateArmed, state())
	require.NoError(t, trig.NoteAcquisition(ctx))
	assert.Equal(t, StateFired, state())

	require.NoError(t, trig.SetAnalogLevel(ctx, 0, 0.1))
	assert.Equal(t, StateArmed, state(), "any change rearms")

	require.NoError(t, trig.Reset(ctx))
	assert.Equal(t, StateIdle, state())

	require.NoError(t, trig.SetDigitalCondition(ctx, 3, RisingEdgeDigital))
	assert.Equal(t, StateArmed, state())
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	trig, m := newTrigger(t)

	assert.ErrorIs(t, trig.SetAnalogMode(ctx, 2, Always), types.ErrOutOfRange)
	_, err := trig.AnalogLevel(ctx, -1)
	assert.ErrorIs(t, err, types.ErrOutOfRange)
	assert.ErrorIs(t, trig.SetDigitalCondition(ctx, 16, AnyEdgeDigital), types.ErrOutOfRange)
	assert.ErrorIs(t, trig.SetAnalogExternalCondition(ctx, 0, NoTriggerDigital), types.ErrInvalidParameter)
	assert.ErrorIs(t, trig.SetAnalogMode(ctx, 0, Mode("sometimes")), types.ErrInvalidParameter)
	assert.ErrorIs(t, trig.SetCalibParameters(0, 0, 0), types.ErrInvalidParameter)

	m.Set(modeAttr(0), "sometimes")
	_, err = trig.AnalogMode(ctx, 0)
	assert.ErrorIs(t, err, types.ErrOutOfRange)
}

func TestSourceChannel(t *testing.T) {
	ctx := context.Background()
	trig, _ := newTrigger(t)

	require.NoError(t, trig.SetAnalogSourceChannel(ctx, 1))
	ch, err := trig.AnalogSourceChannel(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ch)

	require.NoError(t, trig.SetAnalogSource(ctx, SourceChannel1Or2))
	ch, err = trig.AnalogSourceChannel(ctx)
	require.NoError(t, err)
	assert.Equal(t, NoSingleChannel, ch)
}

func TestStreamingFlagResetsFirst(t *testing.T) {
	ctx := context.Background()
	trig, m := newTrigger(t)
	m.ResetWrites()

	require.NoError(t, trig.SetAnalogStreamingFlag(ctx, true))
	var values []string
	for _, w := range m.Writes() {
		if w.Attr == analogStreaming {
			values = append(values, w.Value)
		}
	}
	assert.Equal(t, []string{"0", "1"}, values)
	assert.True(t, trig.AnalogStreamingFlag())

	require.NoError(t, trig.SetDigitalStreamingFlag(ctx, false))
	assert.False(t, trig.DigitalStreamingFlag())
}

func TestExtendedRouting(t *testing.T) {
	ctx := context.Background()
	trig, m := newTrigger(t)

	require.NoError(t, trig.SetAnalogExternalOutSelect(ctx, OutAnalogIn))
	v, _ := m.Value(outDirectionAttr)
	assert.Equal(t, "out", v)
	sel, err := trig.AnalogExternalOutSelect(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutAnalogIn, sel)

	require.NoError(t, trig.SetDigitalSource(ctx, DigitalSourceDisabled))
	src, err := trig.DigitalSource(ctx)
	require.NoError(t, err)
	assert.Equal(t, DigitalSourceDisabled, src)
	assert.ErrorIs(t, trig.SetDigitalSource(ctx, DigitalSource("elsewhere")), types.ErrInvalidParameter)

	require.NoError(t, trig.Reset(ctx))
	sel, _ = trig.AnalogExternalOutSelect(ctx)
	assert.Equal(t, OutSoftware, sel)
	src, _ = trig.DigitalSource(ctx)
	assert.Equal(t, DigitalSourceLogic, src)
}

func TestGeneratorStartRouting(t *testing.T) {
	ctx := context.Background()
	trig, m := newTrigger(t)

	require.NoError(t, trig.SetAnalogOutSource(ctx, OutSourceAnalogIn))
	require.NoError(t, trig.SetAnalogOutCondition(ctx, RisingEdgeDigital))
	require.NoError(t, trig.SetDigitalOutSource(ctx, OutSourceTriggerIn1))
	require.NoError(t, trig.SetDigitalOutCondition(ctx, LowLevelDigital))

	v, _ := m.Value(iio.DeviceAttr(AnalogOutDevice, "trigger_src"))
	assert.Equal(t, "trigger-adc", v)
	v, _ = m.Value(iio.DeviceAttr(DigitalOutDevice, "trigger_condition"))
	assert.Equal(t, "level-low", v)

	src, err := trig.AnalogOutSource(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutSourceAnalogIn, src)
	cond, err := trig.AnalogOutCondition(ctx)
	require.NoError(t, err)
	assert.Equal(t, RisingEdgeDigital, cond)
	src, err = trig.DigitalOutSource(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutSourceTriggerIn1, src)

	assert.ErrorIs(t, trig.SetAnalogOutSource(ctx, OutSource("trigger-dac")), types.ErrInvalidParameter)
	assert.ErrorIs(t, trig.SetDigitalOutCondition(ctx, DigitalCondition("sometimes")), types.ErrInvalidParameter)

	require.NoError(t, trig.Reset(ctx))
	src, _ = trig.AnalogOutSource(ctx)
	assert.Equal(t, OutSourceNone, src)
	src, _ = trig.DigitalOutSource(ctx)
	assert.Equal(t, OutSourceNone, src)
	cond, _ = trig.DigitalOutCondition(ctx)
	assert.Equal(t, NoTriggerDigital, cond)

	for _, fw := range []string{"v0.24", "v0.23"} {
		old, oldSim := newTrigger(t, sim.WithFirmware(fw))
		_, ok := oldSim.Value(iio.DeviceAttr(AnalogOutDevice, "trigger_src"))
		assert.False(t, ok, fw)
		assert.ErrorIs(t, old.SetAnalogOutSource(ctx, OutSourceAnalogIn), types.ErrInvalidParameter, fw)
		_, err := old.DigitalOutCondition(ctx)
		assert.ErrorIs(t, err, types.ErrInvalidParameter, fw)
	}
}
