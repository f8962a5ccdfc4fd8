package trigger

import (
	"context"

	"github.com/analogdevicesinc/libm2k-sub001/internal/iio"
	"github.com/analogdevicesinc/libm2k-sub001/internal/types"
)

const (
	// ExtendedFirmware is the first firmware with trigger in/out routing.
	ExtendedFirmware = "v0.24"
	// RoutedFirmware is the first firmware that can start the generators
	// from a trigger event.
	RoutedFirmware = "v0.26"
)

// variant is the behaviour that differs between firmware generations. It is
// chosen once when the Trigger is built.
type variant interface {
	name() string
	sources() []Source
	hasExternalTriggerIn() bool
	setOutSelect(ctx context.Context, s OutSelect) error
	outSelect(ctx context.Context) (OutSelect, error)
	setDigitalSource(ctx context.Context, s DigitalSource) error
	digitalSource(ctx context.Context) (DigitalSource, error)
	setOutSource(ctx context.Context, p outPort, s OutSource) error
	outSource(ctx context.Context, p outPort) (OutSource, error)
	setOutCondition(ctx context.Context, p outPort, c DigitalCondition) error
	outCondition(ctx context.Context, p outPort) (DigitalCondition, error)
	reset(ctx context.Context) error
}

// outPort is the start condition attribute pair of one generator.
type outPort struct {
	instrument string
	source     iio.Attr
	condition  iio.Attr
}

func (p outPort) op(verb, what string) string {
	return "trigger." + verb + p.instrument + what
}

func selectVariant(firmware string, store iio.AttributeStore) variant {
	if iio.CompareVersion(firmware, RoutedFirmware) >= 0 {
		return &routed{extended: &extended{store: store}}
	}
	if iio.CompareVersion(firmware, ExtendedFirmware) >= 0 {
		return &extended{store: store}
	}
	return legacy{}
}

// legacy is the trigger of firmware before v0.24: channel sources only, no
// routing to or from the TI/TO pins.
type legacy struct{}

func (legacy) name() string               { return "legacy" }
func (legacy) sources() []Source          { return legacySources }
func (legacy) hasExternalTriggerIn() bool { return false }

func (legacy) setOutSelect(context.Context, OutSelect) error {
	return types.InvalidParameter("trigger.SetAnalogExternalOutSelect",
		"the analog external output is not configurable on this firmware")
}

func (legacy) outSelect(context.Context) (OutSelect, error) {
	return "", types.InvalidParameter("trigger.AnalogExternalOutSelect",
		"the analog external output is not available on this firmware")
}

func (legacy) setDigitalSource(context.Context, DigitalSource) error {
	return types.InvalidParameter("trigger.SetDigitalSource",
		"the digital external source is not configurable on this firmware")
}

func (legacy) digitalSource(context.Context) (DigitalSource, error) {
	return "", types.InvalidParameter("trigger.DigitalSource",
		"the digital external source is not available on this firmware")
}

func (legacy) setOutSource(_ context.Context, p outPort, _ OutSource) error {
	return noOutRouting(p.op("Set", "Source"))
}

func (legacy) outSource(_ context.Context, p outPort) (OutSource, error) {
	return "", noOutRouting(p.op("", "Source"))
}

func (legacy) setOutCondition(_ context.Context, p outPort, _ DigitalCondition) error {
	return noOutRouting(p.op("Set", "Condition"))
}

func (legacy) outCondition(_ context.Context, p outPort) (DigitalCondition, error) {
	return "", noOutRouting(p.op("", "Condition"))
}

func (legacy) reset(context.Context) error { return nil }

func noOutRouting(op string) error {
	return types.InvalidParameter(op, "generator trigger routing needs firmware "+RoutedFirmware+" or newer")
}

type extended struct {
	store iio.AttributeStore
}

func (*extended) name() string               { return ExtendedFirmware }
func (*extended) sources() []Source          { return extendedSources }
func (*extended) hasExternalTriggerIn() bool { return true }

func (e *extended) setOutSelect(ctx context.Context, s OutSelect) error {
	const op = "trigger.SetAnalogExternalOutSelect"
	if err := checkChoice(op, "out select", s, outSelects); err != nil {
		return err
	}
	if !e.store.HasAttribute(outSelectAttr) {
		return nil
	}
	if _, err := e.store.SetString(ctx, outDirectionAttr, "out"); err != nil {
		return types.WrapError(types.KindRuntime, op, err)
	}
	if _, err := e.store.SetString(ctx, outSelectAttr, string(s)); err != nil {
		return types.WrapError(types.KindRuntime, op, err)
	}
	return nil
}

func (e *extended) outSelect(ctx context.Context) (OutSelect, error) {
	if !e.store.HasAttribute(outSelectAttr) {
		return OutSoftware, nil
	}
	return readChoice(ctx, e.store, "trigger.AnalogExternalOutSelect", outSelectAttr, outSelects)
}

func (e *extended) setDigitalSource(ctx context.Context, s DigitalSource) error {
	const op = "trigger.SetDigitalSource"
	if err := checkChoice(op, "digital source", s, digitalSources); err != nil {
		return err
	}
	if !e.store.HasAttribute(digitalMuxAttr) {
		return types.InvalidParameter(op, "the digital external source is not configurable on this board")
	}
	if _, err := e.store.SetString(ctx, digitalMuxAttr, string(s)); err != nil {
		return types.WrapError(types.KindRuntime, op, err)
	}
	return nil
}

func (e *extended) digitalSource(ctx context.Context) (DigitalSource, error) {
	const op = "trigger.DigitalSource"
	if !e.store.HasAttribute(digitalMuxAttr) {
		return "", types.InvalidParameter(op, "the digital external source is not available on this board")
	}
	return readChoice(ctx, e.store, op, digitalMuxAttr, digitalSources)
}

func (*extended) setOutSource(ctx context.Context, p outPort, s OutSource) error {
	return legacy{}.setOutSource(ctx, p, s)
}

func (*extended) outSource(ctx context.Context, p outPort) (OutSource, error) {
	return legacy{}.outSource(ctx, p)
}

func (*extended) setOutCondition(ctx context.Context, p outPort, c DigitalCondition) error {
	return legacy{}.setOutCondition(ctx, p, c)
}

func (*extended) outCondition(ctx context.Context, p outPort) (DigitalCondition, error) {
	return legacy{}.outCondition(ctx, p)
}

func (e *extended) reset(ctx context.Context) error {
	if err := e.setOutSelect(ctx, OutSoftware); err != nil {
		return err
	}
	if !e.store.HasAttribute(digitalMuxAttr) {
		return nil
	}
	return e.setDigitalSource(ctx, DigitalSourceLogic)
}

// routed adds the generator start routing of v0.26 on top of extended.
type routed struct {
	*extended
}

func (*routed) name() string { return RoutedFirmware }

func (r *routed) setOutSource(ctx context.Context, p outPort, s OutSource) error {
	op := p.op("Set", "Source")
	if err := checkChoice(op, "out source", s, outSources); err != nil {
		return err
	}
	return r.writeOut(ctx, op, p.source, string(s))
}

func (r *routed) outSource(ctx context.Context, p outPort) (OutSource, error) {
	op := p.op("", "Source")
	if !r.store.HasAttribute(p.source) {
		return "", types.InvalidParameter(op, "generator trigger routing is not available on this board")
	}
	return readChoice(ctx, r.store, op, p.source, outSources)
}

func (r *routed) setOutCondition(ctx context.Context, p outPort, c DigitalCondition) error {
	op := p.op("Set", "Condition")
	if err := checkChoice(op, "out condition", c, digitalConditions); err != nil {
		return err
	}
	return r.writeOut(ctx, op, p.condition, string(c))
}

func (r *routed) outCondition(ctx context.Context, p outPort) (DigitalCondition, error) {
	op := p.op("", "Condition")
	if !r.store.HasAttribute(p.condition) {
		return "", types.InvalidParameter(op, "generator trigger routing is not available on this board")
	}
	return readChoice(ctx, r.store, op, p.condition, digitalConditions)
}

func (r *routed) writeOut(ctx context.Context, op string, a iio.Attr, v string) error {
	if !r.store.HasAttribute(a) {
		return types.InvalidParameter(op, "generator trigger routing is not configurable on this board")
	}
	if _, err := r.store.SetString(ctx, a, v); err != nil {
		return types.WrapError(types.KindRuntime, op, err)
	}
	return nil
}

func (r *routed) reset(ctx context.Context) error {
	if err := r.extended.reset(ctx); err != nil {
		return err
	}
	for _, p := range []outPort{analogOut, digitalOut} {
		if !r.store.HasAttribute(p.source) {
			continue
		}
		if err := r.setOutSource(ctx, p, OutSourceNone); err != nil {
			return err
		}
		if err := r.setOutCondition(ctx, p, NoTriggerDigital); err != nil {
			return err
		}
	}
	return nil
}
