// Package calibration measures and applies the ADC and DAC offset and gain
// corrections of the instrument.
//
// A run switches the fabric calibration mux to a known reference (ground,
// the 0.46 V reference or the DAC loopback), measures it through the ADC
// and derives the correction. Coefficients live in memory only and are
// written to the hardware as soon as they are computed.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/analogdevicesinc/libm2k-sub001/internal/analog"
	"github.com/analogdevicesinc/libm2k-sub001/internal/correction"
	"github.com/analogdevicesinc/libm2k-sub001/internal/iio"
	"github.com/analogdevicesinc/libm2k-sub001/internal/metrics"
	"github.com/analogdevicesinc/libm2k-sub001/internal/trigger"
	"github.com/analogdevicesinc/libm2k-sub001/internal/types"
	"go.uber.org/zap"
)

type State string

const (
	StateUninitialized  State = "uninitialized"
	StateInitialized    State = "initialized"
	StateADCCalibrating State = "adc_calibrating"
	StateDACCalibrating State = "dac_calibrating"
	StateCalibrated     State = "calibrated"
	StateFailed         State = "failed"
)

// Mode is the fabric calibration mux setting.
type Mode string

const (
	ModeNone    Mode = "none"
	ModeADCGnd  Mode = "adc_gnd"
	ModeADCRef1 Mode = "adc_ref1"
	ModeADCRef2 Mode = "adc_ref2"
	ModeDAC     Mode = "dac"
)

const (
	NumChannels = 2

	DefaultOffset = 2048
	DefaultGain   = 1.0
	// Reset installs the nominal step the AnalogOut starts with rather than
	// a rounded 0.0034, so an uncalibrated output converts the same before
	// and after a reset.
	DefaultVlsb   = correction.DefaultDACVlsb

	// calibscale of the DAC is expressed against this nominal step
	nominalVlsb = 10.0 / 4096

	referenceVolts  = 0.46172
	calibOffsetSpan = 3.192
	loopbackDivider = 9.06
	dacOffsetStep   = 0.002658
	gainTestCode    = 1024

	adcCalibRate = 1e8
	dacCalibRate = 75e6
)

// Options tunes the timing and sample counts of a run.
type Options struct {
	SettleTime      time.Duration `json:"settle_time"`
	FineTuneSettle  time.Duration `json:"fine_tune_settle"`
	InterPhaseDelay time.Duration `json:"inter_phase_delay"`
	OffsetSamples   int           `json:"offset_samples"`
	GainSamples     int           `json:"gain_samples"`
	FineTuneSpan    int           `json:"fine_tune_span"`
	DACSamples      int           `json:"dac_samples"`
}

func DefaultOptions() Options {
	return Options{
		SettleTime:      50 * time.Millisecond,
		FineTuneSettle:  5 * time.Millisecond,
		InterPhaseDelay: 750 * time.Millisecond,
		OffsetSamples:   100000,
		GainSamples:     150000,
		FineTuneSpan:    20,
		DACSamples:      256,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SettleTime <= 0 {
		o.SettleTime = d.SettleTime
	}
	if o.FineTuneSettle <= 0 {
		o.FineTuneSettle = d.FineTuneSettle
	}
	if o.InterPhaseDelay < 0 {
		o.InterPhaseDelay = 0
	}
	if o.OffsetSamples <= 0 {
		o.OffsetSamples = d.OffsetSamples
	}
	if o.GainSamples <= 0 {
		o.GainSamples = d.GainSamples
	}
	if o.FineTuneSpan <= 0 {
		o.FineTuneSpan = d.FineTuneSpan
	}
	if o.DACSamples <= 0 {
		o.DACSamples = d.DACSamples
	}
	return o
}

// Coefficients is the complete correction set of both converters.
type Coefficients struct {
	ADCOffset [NumChannels]int     `json:"adc_offset"`
	ADCGain   [NumChannels]float64 `json:"adc_gain"`
	DACOffset [NumChannels]int     `json:"dac_offset"`
	DACVlsb   [NumChannels]float64 `json:"dac_vlsb"`
}

func DefaultCoefficients() Coefficients {
	return Coefficients{
		ADCOffset: [NumChannels]int{DefaultOffset, DefaultOffset},
		ADCGain:   [NumChannels]float64{DefaultGain, DefaultGain},
		DACOffset: [NumChannels]int{DefaultOffset, DefaultOffset},
		DACVlsb:   [NumChannels]float64{DefaultVlsb, DefaultVlsb},
	}
}

// Status is a point in time view of the calibration.
type Status struct {
	State         State        `json:"state"`
	ADCCalibrated bool         `json:"adc_calibrated"`
	DACCalibrated bool         `json:"dac_calibrated"`
	Running       bool         `json:"running"`
	LastError     string       `json:"last_error,omitempty"`
	LastRun       time.Time    `json:"last_run,omitzero"`
	Coefficients  Coefficients `json:"coefficients"`
}

// ErrCanceled is returned by a run interrupted by Cancel.
var ErrCanceled = errors.New("calibration canceled")

type Calibration struct {
	store  iio.AttributeStore
	in     *analog.In
	out    *analog.Out
	trig   *trigger.Trigger
	logger *zap.Logger
	opts   Options

	run      sync.Mutex
	running  atomic.Bool
	canceled atomic.Bool

	mu            sync.Mutex
	state         State
	coef          Coefficients
	adcCalibrated bool
	dacCalibrated bool
	lastErr       string
	lastRun       time.Time
	listeners     []func(Status)
	runHooks      []func(Run)
}

// New binds the calibration to both converters. Revision A boards need no
// delay between the ADC and DAC phases.
func New(store iio.AttributeStore, in *analog.In, out *analog.Out, revision string, logger *zap.Logger, opts Options) *Calibration {
	opts = opts.withDefaults()
	if revision == "A" {
		opts.InterPhaseDelay = 0
	}
	return &Calibration{
		store:  store,
		in:     in,
		out:    out,
		trig:   in.Trigger(),
		logger: logger,
		opts:   opts,
		state:  StateUninitialized,
		coef:   DefaultCoefficients(),
	}
}

func modeAttr() iio.Attr {
	return iio.DeviceAttr(analog.FabricDevice, "calibration_mode")
}

func offsetDACAttr(index int) iio.Attr {
	return iio.ChannelAttr(analog.OffsetDACDevice, "voltage"+strconv.Itoa(index), true, "raw")
}

func checkChannel(op string, ch int) error {
	if ch < 0 || ch >= NumChannels {
		return types.OutOfRange(op, fmt.Sprintf("no such channel %d", ch))
	}
	return nil
}

// Run summarizes one finished calibration run. Coefficients are not part of
// it; they only live in memory.
type Run struct {
	Target    string        `json:"target"`
	Outcome   string        `json:"outcome"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// OnRun registers fn to be called after every finished run.
func (c *Calibration) OnRun(fn func(Run)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runHooks = append(c.runHooks, fn)
}

// OnStateChange registers fn to be called after every state transition.
func (c *Calibration) OnStateChange(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Calibration) setState(s State, cause error) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.lastErr = ""
	if cause != nil {
		c.lastErr = cause.Error()
	}
	listeners := append([]func(Status){}, c.listeners...)
	status := c.statusLocked()
	c.mu.Unlock()

	if prev != s {
		c.logger.Info("Calibration state changed", zap.String("from", string(prev)), zap.String("to", string(s)))
	}
	for _, fn := range listeners {
		fn(status)
	}
}

func (c *Calibration) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Calibration) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Calibration) statusLocked() Status {
	return Status{
		State:         c.state,
		ADCCalibrated: c.adcCalibrated,
		DACCalibrated: c.dacCalibrated,
		Running:       c.running.Load(),
		LastError:     c.lastErr,
		LastRun:       c.lastRun,
		Coefficients:  c.coef,
	}
}

func (c *Calibration) IsCalibrated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adcCalibrated && c.dacCalibrated
}

func (c *Calibration) Coefficients() Coefficients {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.coef
}

// Initialize moves an uninitialized calibration to Initialized. It is
// implicit in every run.
func (c *Calibration) Initialize() {
	c.mu.Lock()
	init := c.state == StateUninitialized
	c.mu.Unlock()
	if init {
		c.setState(StateInitialized, nil)
	}
}

// Cancel asks a running calibration to stop at its next step. It does not
// wait for the run to end.
func (c *Calibration) Cancel() {
	if c.running.Load() {
		c.canceled.Store(true)
		c.logger.Info("Calibration cancel requested")
	}
}

func (c *Calibration) acquire(op string) error {
	if !c.run.TryLock() {
		return types.Runtime(op, "a calibration is already running")
	}
	c.canceled.Store(false)
	c.running.Store(true)
	return nil
}

func (c *Calibration) release() {
	c.running.Store(false)
	c.canceled.Store(false)
	c.run.Unlock()
}

func (c *Calibration) checkpoint(ctx context.Context, op string) error {
	if c.canceled.Load() {
		return types.WrapError(types.KindRuntime, op, ErrCanceled)
	}
	if err := ctx.Err(); err != nil {
		return types.WrapError(types.KindRuntime, op, fmt.Errorf("%w: %w", ErrCanceled, err))
	}
	return nil
}

func (c *Calibration) sleep(ctx context.Context, op string, d time.Duration) error {
	if err := c.checkpoint(ctx, op); err != nil {
		return err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
	return c.checkpoint(ctx, op)
}

// record runs fn under the metrics and the final state bookkeeping.
func (c *Calibration) record(target string, fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	metrics.CalibrationDuration.Observe(elapsed.Seconds())

	run := Run{Target: target, Outcome: "ok", StartedAt: start, Duration: elapsed}
	if err != nil {
		run.Outcome = "failed"
		if errors.Is(err, ErrCanceled) {
			run.Outcome = "canceled"
		}
		run.Error = err.Error()
	}

	c.mu.Lock()
	c.lastRun = start
	hooks := append([]func(Run){}, c.runHooks...)
	c.mu.Unlock()
	metrics.CalibrationRuns.WithLabelValues(target, run.Outcome).Inc()

	if err != nil {
		c.logger.Warn("Calibration failed", zap.String("target", target), zap.Error(err))
		c.setState(StateFailed, err)
	} else {
		c.logger.Info("Calibration completed",
			zap.String("target", target),
			zap.Duration("duration", elapsed))
		c.setState(StateCalibrated, nil)
	}
	for _, h := range hooks {
		h(run)
	}
	return err
}

func (c *Calibration) CalibrateADC(ctx context.Context) error {
	const op = "calibration.CalibrateADC"
	if err := c.acquire(op); err != nil {
		return err
	}
	defer c.release()
	c.Initialize()
	return c.record("adc", func() error { return c.calibrateADC(ctx) })
}

// CalibrateDAC calibrates the DACs, calibrating the ADC first when needed
// since the DAC is measured through it.
func (c *Calibration) CalibrateDAC(ctx context.Context) error {
	const op = "calibration.CalibrateDAC"
	if err := c.acquire(op); err != nil {
		return err
	}
	defer c.release()
	c.Initialize()
	return c.record("dac", func() error {
		c.mu.Lock()
		adcDone := c.adcCalibrated
		c.mu.Unlock()
		if !adcDone {
			if err := c.calibrateADC(ctx); err != nil {
				return err
			}
		}
		return c.calibrateDAC(ctx)
	})
}

// CalibrateAll runs the ADC then the DAC calibration.
func (c *Calibration) CalibrateAll(ctx context.Context) error {
	const op = "calibration.CalibrateAll"
	if err := c.acquire(op); err != nil {
		return err
	}
	defer c.release()
	c.Initialize()
	return c.record("all", func() error {
		if err := c.calibrateADC(ctx); err != nil {
			return err
		}
		if err := c.sleep(ctx, op, c.opts.InterPhaseDelay); err != nil {
			return err
		}
		return c.calibrateDAC(ctx)
	})
}

// ResetCalibration writes the default coefficients back to the hardware.
func (c *Calibration) ResetCalibration(ctx context.Context) error {
	const op = "calibration.ResetCalibration"
	if err := c.acquire(op); err != nil {
		return err
	}
	defer c.release()

	if err := c.SetCalibrationMode(ctx, ModeNone); err != nil {
		return err
	}
	def := DefaultCoefficients()
	for ch := 0; ch < NumChannels; ch++ {
		if err := c.applyADC(ctx, ch, def.ADCOffset[ch], def.ADCGain[ch]); err != nil {
			return err
		}
		if err := c.applyDAC(ctx, ch, def.DACOffset[ch], def.DACVlsb[ch]); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.coef = def
	c.adcCalibrated = false
	c.dacCalibrated = false
	c.mu.Unlock()
	c.setState(StateInitialized, nil)
	return nil
}

func (c *Calibration) SetCalibrationMode(ctx context.Context, m Mode) error {
	const op = "calibration.SetCalibrationMode"
	switch m {
	case ModeNone, ModeADCGnd, ModeADCRef1, ModeADCRef2, ModeDAC:
	default:
		return types.InvalidParameter(op, fmt.Sprintf("unknown calibration mode %q", m))
	}
	if _, err := c.store.SetString(ctx, modeAttr(), string(m)); err != nil {
		return types.WrapError(types.KindRuntime, op, err)
	}
	return nil
}

func (c *Calibration) CalibrationMode(ctx context.Context) (Mode, error) {
	v, err := c.store.GetString(ctx, modeAttr())
	if err != nil {
		return "", types.WrapError(types.KindRuntime, "calibration.CalibrationMode", err)
	}
	return Mode(v), nil
}

// inputState is what an ADC phase changes and puts back.
type inputState struct {
	trig    *trigger.Settings
	rate    float64
	osr     int
	enabled [NumChannels]bool
	vertRaw [NumChannels]int
}

func (c *Calibration) saveInput(ctx context.Context) (*inputState, error) {
	const op = "calibration.saveInput"
	s := &inputState{}
	var err error
	if s.trig, err = c.trig.CurrentSettings(ctx); err != nil {
		return nil, types.WrapError(types.KindRuntime, op, err)
	}
	if s.rate, err = c.in.SampleRate(ctx); err != nil {
		return nil, err
	}
	if s.osr, err = c.in.OversamplingRatio(ctx); err != nil {
		return nil, err
	}
	for ch := 0; ch < NumChannels; ch++ {
		if s.enabled[ch], err = c.in.IsChannelEnabled(ctx, ch); err != nil {
			return nil, err
		}
		if s.vertRaw[ch], err = c.in.RawVerticalOffset(ch); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// restoreInput runs on success and failure, detached from cancellation.
func (c *Calibration) restoreInput(ctx context.Context, s *inputState) error {
	ctx = context.WithoutCancel(ctx)
	errs := []error{
		c.in.StopAcquisition(ctx),
		c.SetCalibrationMode(ctx, ModeNone),
		c.trig.ApplySettings(ctx, s.trig),
	}
	_, err := c.in.SetSampleRate(ctx, s.rate)
	errs = append(errs, err)
	_, err = c.in.SetOversamplingRatio(ctx, s.osr)
	errs = append(errs, err)
	for ch := 0; ch < NumChannels; ch++ {
		// calibscale was forced to unity, put the gain in use back
		gain, err := c.in.AdcCalibGain(ch)
		errs = append(errs, err)
		if err == nil {
			_, err = c.in.SetCalibscale(ctx, ch, gain)
			errs = append(errs, err)
		}
		errs = append(errs, c.in.SetRawVerticalOffset(ctx, ch, s.vertRaw[ch]))
		errs = append(errs, c.in.EnableChannel(ctx, ch, s.enabled[ch]))
	}
	return errors.Join(errs...)
}

// enterADC prepares the inputs for an untriggered full rate capture of
// both channels with unity gain.
func (c *Calibration) enterADC(ctx context.Context) error {
	if err := c.trig.SetAnalogMode(ctx, 0, trigger.Always); err != nil {
		return err
	}
	if err := c.trig.SetAnalogMode(ctx, 1, trigger.Always); err != nil {
		return err
	}
	if err := c.trig.SetAnalogSource(ctx, trigger.SourceChannel1); err != nil {
		return err
	}
	if _, err := c.in.SetSampleRate(ctx, adcCalibRate); err != nil {
		return err
	}
	if _, err := c.in.SetOversamplingRatio(ctx, 1); err != nil {
		return err
	}
	for ch := 0; ch < NumChannels; ch++ {
		if _, err := c.in.SetCalibscale(ctx, ch, 1); err != nil {
			return err
		}
		if err := c.in.EnableChannel(ctx, ch, true); err != nil {
			return err
		}
	}
	return nil
}

// measure returns the mean raw code of both channels over n samples.
func (c *Calibration) measure(ctx context.Context, n int) ([NumChannels]float64, error) {
	var avg [NumChannels]float64
	samples, err := c.in.GetSamplesRaw(ctx, n)
	if err != nil {
		return avg, err
	}
	for ch := 0; ch < NumChannels; ch++ {
		avg[ch] = analog.AverageRaw(samples[ch])
	}
	return avg, nil
}

func (c *Calibration) calibrateADC(ctx context.Context) (err error) {
	const op = "calibration.calibrateADC"
	c.setState(StateADCCalibrating, nil)
	if err := c.checkpoint(ctx, op); err != nil {
		return err
	}

	saved, err := c.saveInput(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := c.restoreInput(ctx, saved); rerr != nil {
			err = errors.Join(err, types.WrapError(types.KindRuntime, op, rerr))
		}
	}()
	if err := c.enterADC(ctx); err != nil {
		return err
	}

	offsets, err := c.adcOffsets(ctx)
	if err != nil {
		return err
	}
	gains, err := c.adcGains(ctx)
	if err != nil {
		return err
	}

	for ch := 0; ch < NumChannels; ch++ {
		if err := c.in.SetAdcCalibOffsetWithVertical(ctx, ch, offsets[ch], saved.vertRaw[ch]); err != nil {
			return err
		}
		if err := c.in.SetAdcCalibGain(ctx, ch, gains[ch]); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.coef.ADCOffset = offsets
	c.coef.ADCGain = gains
	c.adcCalibrated = true
	c.mu.Unlock()

	c.logger.Info("ADC calibrated",
		zap.Ints("offset", offsets[:]),
		zap.Float64s("gain", gains[:]))
	return nil
}

func (c *Calibration) adcOffsets(ctx context.Context) ([NumChannels]int, error) {
	const op = "calibration.adcOffsets"
	var offsets [NumChannels]int
	if err := c.SetCalibrationMode(ctx, ModeADCGnd); err != nil {
		return offsets, err
	}
	for ch := 0; ch < NumChannels; ch++ {
		if err := c.in.SetAdcCalibOffsetWithVertical(ctx, ch, DefaultOffset, 0); err != nil {
			return offsets, err
		}
	}
	if err := c.sleep(ctx, op, c.opts.SettleTime); err != nil {
		return offsets, err
	}

	avg, err := c.measure(ctx, c.opts.OffsetSamples)
	if err != nil {
		return offsets, err
	}
	for ch := 0; ch < NumChannels; ch++ {
		volts := correction.RawToVolts(avg[ch], 1, 1, 1, 0)
		offsets[ch] = int(DefaultOffset - volts*4096*1.3/calibOffsetSpan)
	}
	if err := c.checkpoint(ctx, op); err != nil {
		return offsets, err
	}
	return c.fineTune(ctx, offsets)
}

// fineTune walks the offset DAC around the coarse estimate and keeps, per
// channel, the code giving the smallest mean.
func (c *Calibration) fineTune(ctx context.Context, center [NumChannels]int) ([NumChannels]int, error) {
	const op = "calibration.fineTune"
	span := c.opts.FineTuneSpan
	var means [NumChannels][]float64
	for i := 0; i <= span; i++ {
		for ch := 0; ch < NumChannels; ch++ {
			if err := c.in.SetAdcCalibOffset(ctx, ch, center[ch]-span/2+i); err != nil {
				return center, err
			}
		}
		if err := c.sleep(ctx, op, c.opts.FineTuneSettle); err != nil {
			return center, err
		}
		avg, err := c.measure(ctx, c.opts.OffsetSamples)
		if err != nil {
			return center, err
		}
		for ch := 0; ch < NumChannels; ch++ {
			means[ch] = append(means[ch], math.Abs(avg[ch]))
		}
	}

	var best [NumChannels]int
	for ch := 0; ch < NumChannels; ch++ {
		best[ch] = center[ch] - span/2 + minIndex(means[ch])
		if err := c.in.SetAdcCalibOffset(ctx, ch, best[ch]); err != nil {
			return best, err
		}
	}
	return best, nil
}

// minIndex returns the index of the first smallest value.
func minIndex(values []float64) int {
	best := 0
	for i, v := range values {
		if v < values[best] {
			best = i
		}
	}
	return best
}

func (c *Calibration) adcGains(ctx context.Context) ([NumChannels]float64, error) {
	const op = "calibration.adcGains"
	var gains [NumChannels]float64
	if err := c.SetCalibrationMode(ctx, ModeADCRef1); err != nil {
		return gains, err
	}
	if err := c.sleep(ctx, op, c.opts.SettleTime); err != nil {
		return gains, err
	}
	avg, err := c.measure(ctx, c.opts.GainSamples)
	if err != nil {
		return gains, err
	}
	for ch := 0; ch < NumChannels; ch++ {
		volts := correction.RawToVolts(avg[ch], 1, 1, 1, 0)
		if volts <= 0 {
			return gains, types.Runtime(op, fmt.Sprintf("reference reads %.4f V on channel %d", volts, ch))
		}
		gains[ch] = referenceVolts / volts
	}
	return gains, c.SetCalibrationMode(ctx, ModeNone)
}

// outputState is what a DAC phase changes and puts back.
type outputState struct {
	rate    [NumChannels]float64
	osr     [NumChannels]int
	enabled [NumChannels]bool
}

func (c *Calibration) saveOutput(ctx context.Context) (*outputState, error) {
	s := &outputState{}
	var err error
	for ch := 0; ch < NumChannels; ch++ {
		if s.rate[ch], err = c.out.SampleRate(ctx, ch); err != nil {
			return nil, err
		}
		if s.osr[ch], err = c.out.OversamplingRatio(ctx, ch); err != nil {
			return nil, err
		}
		if s.enabled[ch], err = c.out.IsChannelEnabled(ctx, ch); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (c *Calibration) restoreOutput(ctx context.Context, s *outputState) error {
	ctx = context.WithoutCancel(ctx)
	errs := []error{c.out.Stop(ctx)}
	for ch := 0; ch < NumChannels; ch++ {
		_, err := c.out.SetSampleRate(ctx, ch, s.rate[ch])
		errs = append(errs, err)
		_, err = c.out.SetOversamplingRatio(ctx, ch, s.osr[ch])
		errs = append(errs, err)
		if vlsb, err := c.out.DacCalibVlsb(ch); err == nil {
			_, err = c.out.SetCalibscale(ctx, ch, nominalVlsb/vlsb)
			errs = append(errs, err)
		}
		errs = append(errs, c.out.EnableChannel(ctx, ch, s.enabled[ch]))
	}
	return errors.Join(errs...)
}

func (c *Calibration) calibrateDAC(ctx context.Context) (err error) {
	const op = "calibration.calibrateDAC"
	c.setState(StateDACCalibrating, nil)
	if err := c.checkpoint(ctx, op); err != nil {
		return err
	}

	savedOut, err := c.saveOutput(ctx)
	if err != nil {
		return err
	}
	savedIn, err := c.saveInput(ctx)
	if err != nil {
		return err
	}
	defer func() {
		rerr := errors.Join(c.restoreOutput(ctx, savedOut), c.restoreInput(ctx, savedIn))
		if rerr != nil {
			err = errors.Join(err, types.WrapError(types.KindRuntime, op, rerr))
		}
	}()

	for ch := 0; ch < NumChannels; ch++ {
		if _, err := c.out.SetSampleRate(ctx, ch, dacCalibRate); err != nil {
			return err
		}
		if _, err := c.out.SetOversamplingRatio(ctx, ch, 1); err != nil {
			return err
		}
		if _, err := c.out.SetCalibscale(ctx, ch, 1); err != nil {
			return err
		}
	}
	if err := c.out.SetCyclic(analog.AllChannels, true); err != nil {
		return err
	}
	if err := c.enterADC(ctx); err != nil {
		return err
	}
	for ch := 0; ch < NumChannels; ch++ {
		if err := c.in.SetRawVerticalOffset(ctx, ch, 0); err != nil {
			return err
		}
	}

	offsets, err := c.dacOffsets(ctx)
	if err != nil {
		return err
	}
	vlsb, err := c.dacGains(ctx)
	if err != nil {
		return err
	}

	for ch := 0; ch < NumChannels; ch++ {
		if err := c.applyDAC(ctx, ch, offsets[ch], vlsb[ch]); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.coef.DACOffset = offsets
	c.coef.DACVlsb = vlsb
	c.dacCalibrated = true
	c.mu.Unlock()

	c.logger.Info("DAC calibrated",
		zap.Ints("offset", offsets[:]),
		zap.Float64s("vlsb", vlsb[:]))
	return nil
}

// loopback plays code on both DACs and returns the voltage each output
// produces, measured through the calibrated ADC.
func (c *Calibration) loopback(ctx context.Context, op string, code int16) ([NumChannels]float64, error) {
	var volts [NumChannels]float64
	if err := c.SetCalibrationMode(ctx, ModeDAC); err != nil {
		return volts, err
	}
	data := make([]int16, c.opts.DACSamples)
	for i := range data {
		data[i] = code
	}
	if err := c.out.PushRawMulti(ctx, [][]int16{data, data}); err != nil {
		return volts, err
	}
	if err := c.sleep(ctx, op, c.opts.SettleTime); err != nil {
		return volts, err
	}
	avg, err := c.measure(ctx, c.opts.OffsetSamples)
	if err != nil {
		return volts, err
	}

	c.mu.Lock()
	gains := c.coef.ADCGain
	c.mu.Unlock()
	for ch := 0; ch < NumChannels; ch++ {
		volts[ch] = correction.RawToVolts(avg[ch], gains[ch], 1, 1, 0) * loopbackDivider
	}

	if err := c.out.Stop(ctx); err != nil {
		return volts, err
	}
	for ch := 0; ch < NumChannels; ch++ {
		if err := c.out.EnableChannel(ctx, ch, false); err != nil {
			return volts, err
		}
	}
	return volts, c.SetCalibrationMode(ctx, ModeNone)
}

func (c *Calibration) dacOffsets(ctx context.Context) ([NumChannels]int, error) {
	const op = "calibration.dacOffsets"
	var offsets [NumChannels]int
	for ch := 0; ch < NumChannels; ch++ {
		if _, err := c.store.SetLong(ctx, offsetDACAttr(ch), DefaultOffset); err != nil {
			return offsets, types.WrapError(types.KindRuntime, op, err)
		}
	}
	volts, err := c.loopback(ctx, op, 0)
	if err != nil {
		return offsets, err
	}
	for ch := 0; ch < NumChannels; ch++ {
		offsets[ch] = int(DefaultOffset - volts[ch]/dacOffsetStep)
		if _, err := c.store.SetLong(ctx, offsetDACAttr(ch), int64(offsets[ch])); err != nil {
			return offsets, types.WrapError(types.KindRuntime, op, err)
		}
	}
	return offsets, nil
}

func (c *Calibration) dacGains(ctx context.Context) ([NumChannels]float64, error) {
	const op = "calibration.dacGains"
	var vlsb [NumChannels]float64
	volts, err := c.loopback(ctx, op, (-gainTestCode)<<4)
	if err != nil {
		return vlsb, err
	}
	for ch := 0; ch < NumChannels; ch++ {
		if volts[ch] <= 0 {
			return vlsb, types.Runtime(op, fmt.Sprintf("DAC %d loopback reads %.4f V", ch, volts[ch]))
		}
		vlsb[ch] = volts[ch] / gainTestCode
	}
	return vlsb, nil
}

func (c *Calibration) applyADC(ctx context.Context, ch, offset int, gain float64) error {
	if err := c.in.SetAdcCalibOffset(ctx, ch, offset); err != nil {
		return err
	}
	return c.in.SetAdcCalibGain(ctx, ch, gain)
}

func (c *Calibration) applyDAC(ctx context.Context, ch, offset int, vlsb float64) error {
	const op = "calibration.applyDAC"
	if _, err := c.store.SetLong(ctx, offsetDACAttr(ch), int64(offset)); err != nil {
		return types.WrapError(types.KindRuntime, op, err)
	}
	if err := c.out.SetDacCalibVlsb(ch, vlsb); err != nil {
		return err
	}
	_, err := c.out.SetCalibscale(ctx, ch, nominalVlsb/vlsb)
	return err
}

func (c *Calibration) AdcOffset(ch int) (int, error) {
	if err := checkChannel("calibration.AdcOffset", ch); err != nil {
		return 0, err
	}
	return c.Coefficients().ADCOffset[ch], nil
}

func (c *Calibration) AdcGain(ch int) (float64, error) {
	if err := checkChannel("calibration.AdcGain", ch); err != nil {
		return 0, err
	}
	return c.Coefficients().ADCGain[ch], nil
}

func (c *Calibration) DacOffset(ch int) (int, error) {
	if err := checkChannel("calibration.DacOffset", ch); err != nil {
		return 0, err
	}
	return c.Coefficients().DACOffset[ch], nil
}

func (c *Calibration) DacVlsb(ch int) (float64, error) {
	if err := checkChannel("calibration.DacVlsb", ch); err != nil {
		return 0, err
	}
	return c.Coefficients().DACVlsb[ch], nil
}

// update validates, applies and stores one coefficient outside of a run.
func (c *Calibration) update(op string, ch int, apply func() error, store func(*Coefficients)) error {
	if err := checkChannel(op, ch); err != nil {
		return err
	}
	if err := c.acquire(op); err != nil {
		return err
	}
	defer c.release()
	if err := apply(); err != nil {
		return err
	}
	c.mu.Lock()
	store(&c.coef)
	c.mu.Unlock()
	return nil
}

func checkOffset(op string, offset int) error {
	if offset < 0 || offset > 4095 {
		return types.OutOfRange(op, fmt.Sprintf("offset %d outside 0..4095", offset))
	}
	return nil
}

func (c *Calibration) SetAdcOffset(ctx context.Context, ch, offset int) error {
	const op = "calibration.SetAdcOffset"
	if err := checkOffset(op, offset); err != nil {
		return err
	}
	return c.update(op, ch,
		func() error { return c.in.SetAdcCalibOffset(ctx, ch, offset) },
		func(k *Coefficients) { k.ADCOffset[ch] = offset })
}

func (c *Calibration) SetAdcGain(ctx context.Context, ch int, gain float64) error {
	const op = "calibration.SetAdcGain"
	if gain <= 0 {
		return types.InvalidParameter(op, "gain must be positive")
	}
	return c.update(op, ch,
		func() error { return c.in.SetAdcCalibGain(ctx, ch, gain) },
		func(k *Coefficients) { k.ADCGain[ch] = gain })
}

func (c *Calibration) SetDacOffset(ctx context.Context, ch, offset int) error {
	const op = "calibration.SetDacOffset"
	if err := checkOffset(op, offset); err != nil {
		return err
	}
	return c.update(op, ch,
		func() error {
			_, err := c.store.SetLong(ctx, offsetDACAttr(ch), int64(offset))
			return types.WrapError(types.KindRuntime, op, err)
		},
		func(k *Coefficients) { k.DACOffset[ch] = offset })
}

func (c *Calibration) SetDacVlsb(ctx context.Context, ch int, vlsb float64) error {
	const op = "calibration.SetDacVlsb"
	if vlsb <= 0 {
		return types.InvalidParameter(op, "vlsb must be positive")
	}
	return c.update(op, ch,
		func() error {
			if err := c.out.SetDacCalibVlsb(ch, vlsb); err != nil {
				return err
			}
			_, err := c.out.SetCalibscale(ctx, ch, nominalVlsb/vlsb)
			return err
		},
		func(k *Coefficients) { k.DACVlsb[ch] = vlsb })
}
