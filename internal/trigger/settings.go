package trigger

import (
	"context"

	"github.com/analogdevicesinc/libm2k-sub001/internal/types"
)

// ChannelSettings is the trigger configuration of one analog channel. Levels
// are kept in raw codes, the volt fields are informational.
type ChannelSettings struct {
	Condition         AnalogCondition  `json:"condition"`
	ExternalCondition DigitalCondition `json:"external_condition"`
	Mode              Mode             `json:"mode"`
	LevelRaw          int              `json:"level_raw"`
	Level             float64          `json:"level"`
	HysteresisRaw     int              `json:"hysteresis_raw"`
	Hysteresis        float64          `json:"hysteresis"`
}

// Settings is a snapshot of the analog trigger used to suspend triggering
// and put it back afterwards.
type Settings struct {
	Channels                 [NumAnalogChannels]ChannelSettings `json:"channels"`
	Source                   Source                             `json:"source"`
	Delay                    int                                `json:"delay"`
	DigitalExternalCondition DigitalCondition                   `json:"digital_external_condition"`
}

// CurrentSettings reads the complete analog trigger configuration.
func (t *Trigger) CurrentSettings(ctx context.Context) (*Settings, error) {
	s := &Settings{}
	for ch := 0; ch < NumAnalogChannels; ch++ {
		c := &s.Channels[ch]
		var err error
		if c.Condition, err = t.AnalogCondition(ctx, ch); err != nil {
			return nil, err
		}
		if c.ExternalCondition, err = t.AnalogExternalCondition(ctx, ch); err != nil {
			return nil, err
		}
		if c.Mode, err = t.AnalogMode(ctx, ch); err != nil {
			return nil, err
		}
		if c.LevelRaw, err = t.AnalogLevelRaw(ctx, ch); err != nil {
			return nil, err
		}
		if c.HysteresisRaw, err = t.AnalogHysteresisRaw(ctx, ch); err != nil {
			return nil, err
		}
		scaling, offset := t.calib(ch)
		c.Level = float64(c.LevelRaw)*scaling - offset
		c.Hysteresis = float64(c.HysteresisRaw) * scaling
	}

	var err error
	if s.Source, err = t.AnalogSource(ctx); err != nil {
		return nil, err
	}
	if s.Delay, err = t.AnalogDelay(ctx); err != nil {
		return nil, err
	}
	if s.DigitalExternalCondition, err = t.DigitalExternalCondition(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// ApplySettings writes a snapshot back. Applying the result of
// CurrentSettings leaves every attribute unchanged.
func (t *Trigger) ApplySettings(ctx context.Context, s *Settings) error {
	const op = "trigger.ApplySettings"
	if s == nil {
		return types.InvalidParameter(op, "nil settings")
	}
	for ch := 0; ch < NumAnalogChannels; ch++ {
		c := s.Channels[ch]
		if err := t.SetAnalogCondition(ctx, ch, c.Condition); err != nil {
			return err
		}
		// none is a valid stored state even though it cannot be selected
		if err := checkChoice(op, "external condition", c.ExternalCondition, digitalConditions); err != nil {
			return err
		}
		if err := t.write(ctx, op, externalAttr(ch), string(c.ExternalCondition)); err != nil {
			return err
		}
		if err := t.SetAnalogLevelRaw(ctx, ch, c.LevelRaw); err != nil {
			return err
		}
		if err := t.SetAnalogHysteresisRaw(ctx, ch, c.HysteresisRaw); err != nil {
			return err
		}
		if err := t.SetAnalogMode(ctx, ch, c.Mode); err != nil {
			return err
		}
	}
	if err := t.SetAnalogSource(ctx, s.Source); err != nil {
		return err
	}
	if err := t.SetAnalogDelay(ctx, s.Delay); err != nil {
		return err
	}
	return t.SetDigitalExternalCondition(ctx, s.DigitalExternalCondition)
}
