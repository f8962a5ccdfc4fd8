// Package trigger drives the hardware trigger shared by the analog and
// digital acquisitions.
package trigger

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/analogdevicesinc/libm2k-sub001/internal/iio"
	"github.com/analogdevicesinc/libm2k-sub001/internal/metrics"
	"github.com/analogdevicesinc/libm2k-sub001/internal/types"
	"go.uber.org/zap"
)

const (
	AnalogDevice  = "m2k-adc-trigger"
	DigitalDevice = "m2k-logic-analyzer-rx"

	// Trigger out routing lives on the generators. Both DAC channels share
	// the one on the first DAC.
	AnalogOutDevice  = "m2k-dac-a"
	DigitalOutDevice = "m2k-logic-analyzer-tx"

	NumAnalogChannels  = 2
	NumDigitalChannels = 16
)

var (
	delayAttr        = iio.ChannelAttr(AnalogDevice, "trigger", false, "delay")
	sourceAttr       = iio.ChannelAttr(AnalogDevice, "trigger", false, "logic_mode")
	analogStreaming  = iio.DeviceAttr(AnalogDevice, "streaming")
	outSelectAttr    = iio.ChannelAttr(AnalogDevice, "voltage5", false, "out_select")
	outDirectionAttr = iio.ChannelAttr(AnalogDevice, "voltage5", false, "out_direction")

	digitalExtAttr   = iio.ChannelAttr(DigitalDevice, "voltage16", false, "trigger")
	digitalMuxAttr   = iio.ChannelAttr(DigitalDevice, "voltage16", false, "trigger_mux_out")
	digitalModeAttr  = iio.ChannelAttr(DigitalDevice, "voltage0", false, "trigger_logic_mode")
	digitalDelayAttr = iio.ChannelAttr(DigitalDevice, "voltage0", false, "trigger_delay")
	digitalStreaming = iio.DeviceAttr(DigitalDevice, "streaming")

	analogOut = outPort{
		instrument: "AnalogOut",
		source:     iio.DeviceAttr(AnalogOutDevice, "trigger_src"),
		condition:  iio.DeviceAttr(AnalogOutDevice, "trigger_condition"),
	}
	digitalOut = outPort{
		instrument: "DigitalOut",
		source:     iio.DeviceAttr(DigitalOutDevice, "trigger_src"),
		condition:  iio.DeviceAttr(DigitalOutDevice, "trigger_condition"),
	}
)

func analogAttr(ch int, name string) iio.Attr {
	return iio.ChannelAttr(AnalogDevice, "voltage"+strconv.Itoa(ch), false, name)
}

func externalAttr(ch int) iio.Attr {
	return iio.ChannelAttr(AnalogDevice, "voltage"+strconv.Itoa(ch+2), false, "trigger")
}

func modeAttr(ch int) iio.Attr {
	return iio.ChannelAttr(AnalogDevice, "voltage"+strconv.Itoa(ch+4), false, "mode")
}

func digitalAttr(line int) iio.Attr {
	return iio.ChannelAttr(DigitalDevice, "voltage"+strconv.Itoa(line), false, "trigger")
}

// Trigger is the hardware trigger unit. Level and hysteresis are converted
// with the per channel scaling and vertical offset that AnalogIn pushes
// through SetCalibParameters.
type Trigger struct {
	store   iio.AttributeStore
	logger  *zap.Logger
	variant variant

	mu               sync.Mutex
	scaling          [NumAnalogChannels]float64
	offset           [NumAnalogChannels]float64
	streamingAnalog  bool
	streamingDigital bool
	fired            bool
}

// New checks that the trigger devices are present and picks the behaviour
// for firmware. The analog streaming flag is cleared.
func New(ctx context.Context, store iio.AttributeStore, firmware string, logger *zap.Logger) (*Trigger, error) {
	const op = "trigger.New"
	for ch := 0; ch < NumAnalogChannels; ch++ {
		for _, a := range []iio.Attr{analogAttr(ch, "trigger"), analogAttr(ch, "trigger_level"), analogAttr(ch, "trigger_hysteresis"), externalAttr(ch), modeAttr(ch)} {
			if !store.HasAttribute(a) {
				return nil, types.InvalidParameter(op, fmt.Sprintf("hardware trigger is missing %s", a))
			}
		}
	}
	if !store.HasAttribute(delayAttr) || !store.HasAttribute(sourceAttr) {
		return nil, types.InvalidParameter(op, "no delay trigger available")
	}
	if !store.HasAttribute(digitalExtAttr) {
		return nil, types.InvalidParameter(op, "no digital trigger available")
	}

	t := &Trigger{
		store:   store,
		logger:  logger,
		variant: selectVariant(firmware, store),
	}
	for ch := range t.scaling {
		t.scaling[ch] = 1
	}
	if err := t.SetAnalogStreamingFlag(ctx, false); err != nil {
		return nil, err
	}

	logger.Info("Hardware trigger initialized",
		zap.String("firmware", firmware),
		zap.String("variant", t.variant.name()))
	return t, nil
}

// Variant names the firmware behaviour in use.
func (t *Trigger) Variant() string {
	return t.variant.name()
}

func (t *Trigger) AvailableSources() []Source {
	return slices.Clone(t.variant.sources())
}

func (t *Trigger) HasExternalTriggerIn() bool {
	return t.variant.hasExternalTriggerIn()
}

func (t *Trigger) HasExternalTriggerOut() bool {
	return t.store.HasAttribute(outSelectAttr)
}

// HasGeneratorStartRouting reports whether the generators can wait for a
// trigger event before they start.
func (t *Trigger) HasGeneratorStartRouting() bool {
	_, ok := t.variant.(*routed)
	return ok && t.store.HasAttribute(analogOut.source)
}

func (t *Trigger) HasCrossInstrumentTrigger() bool {
	return t.store.HasAttribute(outSelectAttr)
}

// Reset disarms every channel and restores the power-on routing.
func (t *Trigger) Reset(ctx context.Context) error {
	if err := t.SetAnalogSource(ctx, SourceChannel1); err != nil {
		return err
	}
	if err := t.SetAnalogDelay(ctx, 0); err != nil {
		return err
	}
	for ch := 0; ch < NumAnalogChannels; ch++ {
		if err := t.SetAnalogMode(ctx, ch, Always); err != nil {
			return err
		}
		if err := t.SetAnalogLevel(ctx, ch, 0); err != nil {
			return err
		}
		if err := t.SetAnalogHysteresis(ctx, ch, 0); err != nil {
			return err
		}
	}
	for line := 0; line < NumDigitalChannels; line++ {
		if err := t.SetDigitalCondition(ctx, line, NoTriggerDigital); err != nil {
			return err
		}
	}
	if err := t.SetDigitalDelay(ctx, 0); err != nil {
		return err
	}
	if err := t.SetDigitalExternalCondition(ctx, NoTriggerDigital); err != nil {
		return err
	}
	return t.variant.reset(ctx)
}

func (t *Trigger) AnalogCondition(ctx context.Context, ch int) (AnalogCondition, error) {
	const op = "trigger.AnalogCondition"
	if err := checkChannel(op, ch); err != nil {
		return "", err
	}
	return readChoice(ctx, t.store, op, analogAttr(ch, "trigger"), analogConditions)
}

func (t *Trigger) SetAnalogCondition(ctx context.Context, ch int, c AnalogCondition) error {
	const op = "trigger.SetAnalogCondition"
	if err := checkChannel(op, ch); err != nil {
		return err
	}
	if err := checkChoice(op, "analog condition", c, analogConditions); err != nil {
		return err
	}
	return t.write(ctx, op, analogAttr(ch, "trigger"), string(c))
}

// AnalogExternalCondition is the condition on the TI pin used by the digital
// part of ch's mode.
func (t *Trigger) AnalogExternalCondition(ctx context.Context, ch int) (DigitalCondition, error) {
	const op = "trigger.AnalogExternalCondition"
	if err := checkChannel(op, ch); err != nil {
		return "", err
	}
	return readChoice(ctx, t.store, op, externalAttr(ch), digitalConditions)
}

func (t *Trigger) SetAnalogExternalCondition(ctx context.Context, ch int, c DigitalCondition) error {
	const op = "trigger.SetAnalogExternalCondition"
	if err := checkChannel(op, ch); err != nil {
		return err
	}
	if err := checkChoice(op, "external condition", c, digitalConditions); err != nil {
		return err
	}
	if c == NoTriggerDigital {
		return types.InvalidParameter(op, "cannot set condition none on an analog channel")
	}
	return t.write(ctx, op, externalAttr(ch), string(c))
}

// DigitalExternalCondition is the TI pin condition of the logic analyzer.
func (t *Trigger) DigitalExternalCondition(ctx context.Context) (DigitalCondition, error) {
	return readChoice(ctx, t.store, "trigger.DigitalExternalCondition", digitalExtAttr, digitalConditions)
}

func (t *Trigger) SetDigitalExternalCondition(ctx context.Context, c DigitalCondition) error {
	const op = "trigger.SetDigitalExternalCondition"
	if err := checkChoice(op, "digital condition", c, digitalConditions); err != nil {
		return err
	}
	return t.write(ctx, op, digitalExtAttr, string(c))
}

func (t *Trigger) DigitalCondition(ctx context.Context, line int) (DigitalCondition, error) {
	const op = "trigger.DigitalCondition"
	if err := checkLine(op, line); err != nil {
		return "", err
	}
	return readChoice(ctx, t.store, op, digitalAttr(line), digitalConditions)
}

func (t *Trigger) SetDigitalCondition(ctx context.Context, line int, c DigitalCondition) error {
	const op = "trigger.SetDigitalCondition"
	if err := checkLine(op, line); err != nil {
		return err
	}
	if err := checkChoice(op, "digital condition", c, digitalConditions); err != nil {
		return err
	}
	return t.write(ctx, op, digitalAttr(line), string(c))
}

func (t *Trigger) AnalogLevelRaw(ctx context.Context, ch int) (int, error) {
	const op = "trigger.AnalogLevelRaw"
	if err := checkChannel(op, ch); err != nil {
		return 0, err
	}
	v, err := t.store.GetLong(ctx, analogAttr(ch, "trigger_level"))
	if err != nil {
		return 0, types.WrapError(types.KindRuntime, op, err)
	}
	return int(v), nil
}

func (t *Trigger) SetAnalogLevelRaw(ctx context.Context, ch, level int) error {
	const op = "trigger.SetAnalogLevelRaw"
	if err := checkChannel(op, ch); err != nil {
		return err
	}
	return t.writeLong(ctx, op, analogAttr(ch, "trigger_level"), int64(level))
}

func (t *Trigger) AnalogLevel(ctx context.Context, ch int) (float64, error) {
	raw, err := t.AnalogLevelRaw(ctx, ch)
	if err != nil {
		return 0, err
	}
	scaling, offset := t.calib(ch)
	return float64(raw)*scaling - offset, nil
}

// SetAnalogLevel converts volts to comparator codes, truncating toward zero.
func (t *Trigger) SetAnalogLevel(ctx context.Context, ch int, volts float64) error {
	if err := checkChannel("trigger.SetAnalogLevel", ch); err != nil {
		return err
	}
	scaling, offset := t.calib(ch)
	return t.SetAnalogLevelRaw(ctx, ch, int((volts+offset)/scaling))
}

func (t *Trigger) AnalogHysteresisRaw(ctx context.Context, ch int) (int, error) {
	const op = "trigger.AnalogHysteresisRaw"
	if err := checkChannel(op, ch); err != nil {
		return 0, err
	}
	v, err := t.store.GetLong(ctx, analogAttr(ch, "trigger_hysteresis"))
	if err != nil {
		return 0, types.WrapError(types.KindRuntime, op, err)
	}
	return int(v), nil
}

func (t *Trigger) SetAnalogHysteresisRaw(ctx context.Context, ch, raw int) error {
	const op = "trigger.SetAnalogHysteresisRaw"
	if err := checkChannel(op, ch); err != nil {
		return err
	}
	if raw < 0 {
		return types.InvalidParameter(op, fmt.Sprintf("negative hysteresis %d", raw))
	}
	return t.writeLong(ctx, op, analogAttr(ch, "trigger_hysteresis"), int64(raw))
}

func (t *Trigger) AnalogHysteresis(ctx context.Context, ch int) (float64, error) {
	raw, err := t.AnalogHysteresisRaw(ctx, ch)
	if err != nil {
		return 0, err
	}
	scaling, _ := t.calib(ch)
	return float64(raw) * scaling, nil
}

func (t *Trigger) SetAnalogHysteresis(ctx context.Context, ch int, volts float64) error {
	if err := checkChannel("trigger.SetAnalogHysteresis", ch); err != nil {
		return err
	}
	scaling, _ := t.calib(ch)
	return t.SetAnalogHysteresisRaw(ctx, ch, int(volts/scaling))
}

func (t *Trigger) AnalogMode(ctx context.Context, ch int) (Mode, error) {
	const op = "trigger.AnalogMode"
	if err := checkChannel(op, ch); err != nil {
		return "", err
	}
	return readChoice(ctx, t.store, op, modeAttr(ch), modes)
}

func (t *Trigger) SetAnalogMode(ctx context.Context, ch int, m Mode) error {
	const op = "trigger.SetAnalogMode"
	if err := checkChannel(op, ch); err != nil {
		return err
	}
	if err := checkChoice(op, "mode", m, modes); err != nil {
		return err
	}
	return t.write(ctx, op, modeAttr(ch), string(m))
}

func (t *Trigger) DigitalMode(ctx context.Context) (DigitalMode, error) {
	return readChoice(ctx, t.store, "trigger.DigitalMode", digitalModeAttr, digitalModes)
}

func (t *Trigger) SetDigitalMode(ctx context.Context, m DigitalMode) error {
	const op = "trigger.SetDigitalMode"
	if err := checkChoice(op, "digital mode", m, digitalModes); err != nil {
		return err
	}
	return t.write(ctx, op, digitalModeAttr, string(m))
}

func (t *Trigger) AnalogSource(ctx context.Context) (Source, error) {
	return readChoice(ctx, t.store, "trigger.AnalogSource", sourceAttr, t.variant.sources())
}

// SetAnalogSource fails with InvalidParameter for sources the firmware does
// not route.
func (t *Trigger) SetAnalogSource(ctx context.Context, s Source) error {
	const op = "trigger.SetAnalogSource"
	if !slices.Contains(t.variant.sources(), s) {
		return types.InvalidParameter(op, fmt.Sprintf("analog source %q is not supported by this firmware", s))
	}
	return t.write(ctx, op, sourceAttr, string(s))
}

// AnalogSourceChannel returns the channel index of a single channel source
// and NoSingleChannel for combined ones.
func (t *Trigger) AnalogSourceChannel(ctx context.Context) (int, error) {
	s, err := t.AnalogSource(ctx)
	if err != nil {
		return 0, err
	}
	switch s {
	case SourceChannel1:
		return 0, nil
	case SourceChannel2:
		return 1, nil
	}
	return NoSingleChannel, nil
}

func (t *Trigger) SetAnalogSourceChannel(ctx context.Context, ch int) error {
	if err := checkChannel("trigger.SetAnalogSourceChannel", ch); err != nil {
		return err
	}
	return t.SetAnalogSource(ctx, []Source{SourceChannel1, SourceChannel2}[ch])
}

// AnalogDelay is the trigger position in samples; negative values keep
// pre-trigger samples.
func (t *Trigger) AnalogDelay(ctx context.Context) (int, error) {
	v, err := t.store.GetLong(ctx, delayAttr)
	if err != nil {
		return 0, types.WrapError(types.KindRuntime, "trigger.AnalogDelay", err)
	}
	return int(v), nil
}

func (t *Trigger) SetAnalogDelay(ctx context.Context, delay int) error {
	return t.writeLong(ctx, "trigger.SetAnalogDelay", delayAttr, int64(delay))
}

func (t *Trigger) DigitalDelay(ctx context.Context) (int, error) {
	v, err := t.store.GetLong(ctx, digitalDelayAttr)
	if err != nil {
		return 0, types.WrapError(types.KindRuntime, "trigger.DigitalDelay", err)
	}
	return int(v), nil
}

func (t *Trigger) SetDigitalDelay(ctx context.Context, delay int) error {
	return t.writeLong(ctx, "trigger.SetDigitalDelay", digitalDelayAttr, int64(delay))
}

func (t *Trigger) AnalogExternalOutSelect(ctx context.Context) (OutSelect, error) {
	return t.variant.outSelect(ctx)
}

func (t *Trigger) SetAnalogExternalOutSelect(ctx context.Context, s OutSelect) error {
	if err := t.variant.setOutSelect(ctx, s); err != nil {
		return err
	}
	t.touch()
	return nil
}

func (t *Trigger) DigitalSource(ctx context.Context) (DigitalSource, error) {
	return t.variant.digitalSource(ctx)
}

func (t *Trigger) SetDigitalSource(ctx context.Context, s DigitalSource) error {
	if err := t.variant.setDigitalSource(ctx, s); err != nil {
		return err
	}
	t.touch()
	return nil
}

// AnalogOutSource is the event that starts the analog generator.
func (t *Trigger) AnalogOutSource(ctx context.Context) (OutSource, error) {
	return t.variant.outSource(ctx, analogOut)
}

func (t *Trigger) SetAnalogOutSource(ctx context.Context, s OutSource) error {
	return t.routeOut(t.variant.setOutSource(ctx, analogOut, s))
}

func (t *Trigger) AnalogOutCondition(ctx context.Context) (DigitalCondition, error) {
	return t.variant.outCondition(ctx, analogOut)
}

func (t *Trigger) SetAnalogOutCondition(ctx context.Context, c DigitalCondition) error {
	return t.routeOut(t.variant.setOutCondition(ctx, analogOut, c))
}

// DigitalOutSource is the event that starts the pattern generator.
func (t *Trigger) DigitalOutSource(ctx context.Context) (OutSource, error) {
	return t.variant.outSource(ctx, digitalOut)
}

func (t *Trigger) SetDigitalOutSource(ctx context.Context, s OutSource) error {
	return t.routeOut(t.variant.setOutSource(ctx, digitalOut, s))
}

func (t *Trigger) DigitalOutCondition(ctx context.Context) (DigitalCondition, error) {
	return t.variant.outCondition(ctx, digitalOut)
}

func (t *Trigger) SetDigitalOutCondition(ctx context.Context, c DigitalCondition) error {
	return t.routeOut(t.variant.setOutCondition(ctx, digitalOut, c))
}

func (t *Trigger) routeOut(err error) error {
	if err != nil {
		return err
	}
	t.touch()
	return nil
}

// SetAnalogStreamingFlag lets the trigger rearm after every block instead of
// once per acquisition. Enabling it pulses the flag low first to reset the
// trigger.
func (t *Trigger) SetAnalogStreamingFlag(ctx context.Context, on bool) error {
	if err := t.setStreaming(ctx, "trigger.SetAnalogStreamingFlag", analogStreaming, on); err != nil {
		return err
	}
	t.mu.Lock()
	t.streamingAnalog = on
	t.mu.Unlock()
	return nil
}

func (t *Trigger) AnalogStreamingFlag() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streamingAnalog
}

func (t *Trigger) SetDigitalStreamingFlag(ctx context.Context, on bool) error {
	if err := t.setStreaming(ctx, "trigger.SetDigitalStreamingFlag", digitalStreaming, on); err != nil {
		return err
	}
	t.mu.Lock()
	t.streamingDigital = on
	t.mu.Unlock()
	return nil
}

func (t *Trigger) DigitalStreamingFlag() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streamingDigital
}

func (t *Trigger) setStreaming(ctx context.Context, op string, a iio.Attr, on bool) error {
	if on {
		if _, err := t.store.SetBool(ctx, a, false); err != nil {
			return types.WrapError(types.KindRuntime, op, err)
		}
	}
	if _, err := t.store.SetBool(ctx, a, on); err != nil {
		return types.WrapError(types.KindRuntime, op, err)
	}
	return nil
}

// SetCalibParameters installs the volts per code and vertical offset used to
// convert levels of channel ch.
func (t *Trigger) SetCalibParameters(ch int, scaling, offset float64) error {
	const op = "trigger.SetCalibParameters"
	if err := checkChannel(op, ch); err != nil {
		return err
	}
	if scaling <= 0 {
		return types.InvalidParameter(op, fmt.Sprintf("invalid scaling %g", scaling))
	}
	t.mu.Lock()
	t.scaling[ch] = scaling
	t.offset[ch] = offset
	t.mu.Unlock()
	return nil
}

// CalibParameters returns the scaling and vertical offset of channel ch.
func (t *Trigger) CalibParameters(ch int) (float64, float64, error) {
	if err := checkChannel("trigger.CalibParameters", ch); err != nil {
		return 0, 0, err
	}
	scaling, offset := t.calib(ch)
	return scaling, offset, nil
}

func (t *Trigger) calib(ch int) (float64, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scaling[ch], t.offset[ch]
}

// State reports Idle when every analog mode is always and every digital
// condition is none, Fired when an acquisition completed since the trigger
// was last armed or changed, Armed otherwise.
func (t *Trigger) State(ctx context.Context) (State, error) {
	armed, err := t.armed(ctx)
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	st := StateIdle
	switch {
	case armed && t.fired:
		st = StateFired
	case armed:
		st = StateArmed
	default:
		t.fired = false
	}
	metrics.TriggerState.Set(st.gauge())
	return st, nil
}

// NoteAcquisition is called by the instruments after a block was captured.
// An armed trigger has necessarily fired for the block to complete.
func (t *Trigger) NoteAcquisition(ctx context.Context) error {
	armed, err := t.armed(ctx)
	if err != nil {
		return err
	}
	if !armed {
		return nil
	}
	t.mu.Lock()
	t.fired = true
	t.mu.Unlock()
	metrics.TriggerState.Set(StateFired.gauge())
	return nil
}

func (t *Trigger) armed(ctx context.Context) (bool, error) {
	for ch := 0; ch < NumAnalogChannels; ch++ {
		m, err := t.AnalogMode(ctx, ch)
		if err != nil {
			return false, err
		}
		if m != Always {
			return true, nil
		}
	}
	for line := 0; line < NumDigitalChannels; line++ {
		c, err := t.DigitalCondition(ctx, line)
		if err != nil {
			return false, err
		}
		if c != NoTriggerDigital {
			return true, nil
		}
	}
	return false, nil
}

func (t *Trigger) touch() {
	t.mu.Lock()
	t.fired = false
	t.mu.Unlock()
}

func (t *Trigger) write(ctx context.Context, op string, a iio.Attr, v string) error {
	if _, err := t.store.SetString(ctx, a, v); err != nil {
		return types.WrapError(types.KindRuntime, op, err)
	}
	t.touch()
	t.logger.Debug("Trigger attribute written", zap.Stringer("attr", a), zap.String("value", v))
	return nil
}

func (t *Trigger) writeLong(ctx context.Context, op string, a iio.Attr, v int64) error {
	if _, err := t.store.SetLong(ctx, a, v); err != nil {
		return types.WrapError(types.KindRuntime, op, err)
	}
	t.touch()
	t.logger.Debug("Trigger attribute written", zap.Stringer("attr", a), zap.Int64("value", v))
	return nil
}

func checkChannel(op string, ch int) error {
	if ch < 0 || ch >= NumAnalogChannels {
		return types.OutOfRange(op, fmt.Sprintf("channel index %d is out of range", ch))
	}
	return nil
}

func checkLine(op string, line int) error {
	if line < 0 || line >= NumDigitalChannels {
		return types.OutOfRange(op, fmt.Sprintf("digital channel index %d is out of range", line))
	}
	return nil
}

func checkChoice[T ~string](op, what string, v T, allowed []T) error {
	if !slices.Contains(allowed, v) {
		return types.InvalidParameter(op, fmt.Sprintf("unsupported %s %q", what, v))
	}
	return nil
}

// readChoice reads an enumerated attribute; a value outside the vocabulary
// is reported as OutOfRange.
func readChoice[T ~string](ctx context.Context, store iio.AttributeStore, op string, a iio.Attr, allowed []T) (T, error) {
	raw, err := store.GetString(ctx, a)
	if err != nil {
		return "", types.WrapError(types.KindRuntime, op, err)
	}
	v := T(raw)
	if !slices.Contains(allowed, v) {
		return "", types.OutOfRange(op, fmt.Sprintf("unexpected value %q read from %s", raw, a))
	}
	return v, nil
}
