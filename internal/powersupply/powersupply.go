// Package powersupply drives the two user supply rails.
package powersupply

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/analogdevicesinc/libm2k-sub001/internal/iio"
	"github.com/analogdevicesinc/libm2k-sub001/internal/types"
	"go.uber.org/zap"
)

const (
	WriteDevice  = "ad5627"
	ReadDevice   = "ad9963"
	FabricDevice = "m2k-fabric"

	Positive = 0
	Negative = 1

	// MaxVolts is the magnitude limit of both rails.
	MaxVolts = 5.0
)

var (
	writeCoef = [2]float64{4095.0 / (5.02 * 1.2), 4095.0 / (-5.1 * 1.2)}
	readCoef  = [2]float64{6.4 / 4095.0, -6.4 / 4095.0}

	readChannel = [2]string{"voltage2", "voltage1"}
	pdChannel   = [2]string{"voltage2", "voltage3"}
	railNames   = [2]string{"pos", "neg"}
)

// Coefficients are the factory corrections of one rail, read from the
// context attributes cal,offset_<rail>_dac and friends.
type Coefficients struct {
	DACOffset float64 `json:"dac_offset"`
	DACGain   float64 `json:"dac_gain"`
	ADCOffset float64 `json:"adc_offset"`
	ADCGain   float64 `json:"adc_gain"`
}

// Supply is the positive and negative programmable rail.
type Supply struct {
	store  iio.AttributeStore
	logger *zap.Logger

	// boards without a separate negative powerdown switch share the
	// positive one
	individualPowerdown bool

	mu      sync.Mutex
	coef    [2]Coefficients
	enabled [2]bool
}

func New(ctx context.Context, store iio.AttributeStore, logger *zap.Logger) (*Supply, error) {
	const op = "powersupply.New"
	for ch := 0; ch < 2; ch++ {
		if !store.HasAttribute(writeAttr(ch, "raw")) {
			return nil, types.InvalidParameter(op, fmt.Sprintf("unable to find write channel %d", ch))
		}
		if !store.HasAttribute(readAttr(ch)) {
			return nil, types.InvalidParameter(op, fmt.Sprintf("unable to find read channel %d", ch))
		}
	}
	if !store.HasAttribute(powerdownAttr(Positive)) {
		return nil, types.InvalidParameter(op, "cannot find the supply powerdown channels")
	}

	s := &Supply{
		store:               store,
		logger:              logger,
		individualPowerdown: store.HasAttribute(powerdownAttr(Negative)),
	}
	for ch := 0; ch < 2; ch++ {
		s.coef[ch] = loadCoefficients(ctx, store, railNames[ch])
		pd, err := store.GetBool(ctx, writeAttr(ch, "powerdown"))
		if err != nil {
			return nil, types.WrapError(types.KindRuntime, op, err)
		}
		s.enabled[ch] = !pd
	}
	return s, nil
}

func loadCoefficients(ctx context.Context, store iio.AttributeStore, rail string) Coefficients {
	get := func(kind, dev string, def float64) float64 {
		a := iio.ContextAttr("cal," + kind + "_" + rail + "_" + dev)
		if !store.HasAttribute(a) {
			return def
		}
		v, err := store.GetDouble(ctx, a)
		if err != nil {
			return def
		}
		return v
	}
	return Coefficients{
		DACOffset: get("offset", "dac", 0),
		DACGain:   get("gain", "dac", 1),
		ADCOffset: get("offset", "adc", 0),
		ADCGain:   get("gain", "adc", 1),
	}
}

func writeAttr(ch int, name string) iio.Attr {
	return iio.ChannelAttr(WriteDevice, "voltage"+strconv.Itoa(ch), true, name)
}

func readAttr(ch int) iio.Attr {
	return iio.ChannelAttr(ReadDevice, readChannel[ch], false, "raw")
}

func powerdownAttr(ch int) iio.Attr {
	return iio.ChannelAttr(FabricDevice, pdChannel[ch], true, "user_supply_powerdown")
}

func checkRail(op string, ch int) error {
	if ch != Positive && ch != Negative {
		return types.OutOfRange(op, fmt.Sprintf("no such supply channel %d", ch))
	}
	return nil
}

// Reset powers both rails down and zeroes their DACs.
func (s *Supply) Reset(ctx context.Context) error {
	if err := s.PowerDownDacs(ctx, true); err != nil {
		return err
	}
	for ch := 0; ch < 2; ch++ {
		if _, err := s.store.SetDouble(ctx, writeAttr(ch, "raw"), 0); err != nil {
			return types.WrapError(types.KindRuntime, "powersupply.Reset", err)
		}
	}
	return nil
}

// PowerDownDacs switches both rails and their DACs together.
func (s *Supply) PowerDownDacs(ctx context.Context, powerdown bool) error {
	const op = "powersupply.PowerDownDacs"
	if _, err := s.store.SetBool(ctx, powerdownAttr(Positive), powerdown); err != nil {
		return types.WrapError(types.KindRuntime, op, err)
	}
	if s.individualPowerdown {
		if _, err := s.store.SetBool(ctx, powerdownAttr(Negative), powerdown); err != nil {
			return types.WrapError(types.KindRuntime, op, err)
		}
	}
	for ch := 0; ch < 2; ch++ {
		if _, err := s.store.SetBool(ctx, writeAttr(ch, "powerdown"), powerdown); err != nil {
			return types.WrapError(types.KindRuntime, op, err)
		}
	}
	s.mu.Lock()
	s.enabled = [2]bool{!powerdown, !powerdown}
	s.mu.Unlock()
	return nil
}

func (s *Supply) Enable(ctx context.Context, ch int, en bool) error {
	const op = "powersupply.Enable"
	if err := checkRail(op, ch); err != nil {
		return err
	}
	if _, err := s.store.SetBool(ctx, writeAttr(ch, "powerdown"), !en); err != nil {
		return types.WrapError(types.KindRuntime, op, err)
	}

	s.mu.Lock()
	s.enabled[ch] = en
	either := s.enabled[Positive] || s.enabled[Negative]
	s.mu.Unlock()

	pd := powerdownAttr(ch)
	if !s.individualPowerdown {
		// a shared switch stays on while either rail is enabled
		if !en && either {
			return nil
		}
		pd = powerdownAttr(Positive)
	}
	if _, err := s.store.SetBool(ctx, pd, !en); err != nil {
		return types.WrapError(types.KindRuntime, op, err)
	}
	s.logger.Info("Power supply rail switched", zap.String("rail", railNames[ch]), zap.Bool("enabled", en))
	return nil
}

func (s *Supply) Enabled(ch int) (bool, error) {
	if err := checkRail("powersupply.Enabled", ch); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled[ch], nil
}

// PushChannel programs the rail to volts. The DAC code is clamped at zero.
func (s *Supply) PushChannel(ctx context.Context, ch int, volts float64) error {
	const op = "powersupply.PushChannel"
	if err := checkRail(op, ch); err != nil {
		return err
	}
	if math.Abs(volts) > MaxVolts {
		return types.InvalidParameter(op, "power supplies are limited to 5V")
	}
	c := s.coefficients(ch)
	raw := math.Max(0, (volts*c.DACGain+c.DACOffset)*writeCoef[ch])
	if _, err := s.store.SetDouble(ctx, writeAttr(ch, "raw"), raw); err != nil {
		return types.WrapError(types.KindRuntime, op, err)
	}
	return nil
}

// ReadChannel measures the rail through the monitor ADC.
func (s *Supply) ReadChannel(ctx context.Context, ch int) (float64, error) {
	const op = "powersupply.ReadChannel"
	if err := checkRail(op, ch); err != nil {
		return 0, err
	}
	raw, err := s.store.GetDouble(ctx, readAttr(ch))
	if err != nil {
		return 0, types.WrapError(types.KindRuntime, op, err)
	}
	c := s.coefficients(ch)
	return (raw*readCoef[ch] + c.ADCOffset) * c.ADCGain, nil
}

// Coefficients returns the factory corrections in use for ch.
func (s *Supply) Coefficients(ch int) (Coefficients, error) {
	if err := checkRail("powersupply.Coefficients", ch); err != nil {
		return Coefficients{}, err
	}
	return s.coefficients(ch), nil
}

func (s *Supply) coefficients(ch int) Coefficients {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coef[ch]
}
