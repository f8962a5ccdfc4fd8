package trigger

import "slices"

type AnalogCondition string

const (
	RisingEdge  AnalogCondition = "edge-rising"
	FallingEdge AnalogCondition = "edge-falling"
	LowLevel    AnalogCondition = "level-low"
	HighLevel   AnalogCondition = "level-high"
)

var analogConditions = []AnalogCondition{RisingEdge, FallingEdge, LowLevel, HighLevel}

type DigitalCondition string

const (
	RisingEdgeDigital  DigitalCondition = "edge-rising"
	FallingEdgeDigital DigitalCondition = "edge-falling"
	LowLevelDigital    DigitalCondition = "level-low"
	HighLevelDigital   DigitalCondition = "level-high"
	AnyEdgeDigital     DigitalCondition = "edge-any"
	NoTriggerDigital   DigitalCondition = "none"
)

var digitalConditions = []DigitalCondition{
	RisingEdgeDigital, FallingEdgeDigital, LowLevelDigital, HighLevelDigital, AnyEdgeDigital, NoTriggerDigital,
}

// Mode combines the analog comparator with the external digital condition
// of the same channel.
type Mode string

const (
	Always              Mode = "always"
	AnalogOnly          Mode = "analog"
	DigitalOnly         Mode = "digital"
	DigitalOrAnalog     Mode = "digital_OR_analog"
	DigitalAndAnalog    Mode = "digital_AND_analog"
	DigitalXorAnalog    Mode = "digital_XOR_analog"
	NotDigitalOrAnalog  Mode = "!digital_OR_analog"
	NotDigitalAndAnalog Mode = "!digital_AND_analog"
	NotDigitalXorAnalog Mode = "!digital_XOR_analog"
)

var modes = []Mode{
	Always, AnalogOnly, DigitalOnly, DigitalOrAnalog, DigitalAndAnalog, DigitalXorAnalog,
	NotDigitalOrAnalog, NotDigitalAndAnalog, NotDigitalXorAnalog,
}

// Source selects which channel triggers combine into the acquisition trigger.
type Source string

const (
	SourceChannel1          Source = "a"
	SourceChannel2          Source = "b"
	SourceChannel1Or2       Source = "a_OR_b"
	SourceChannel1And2      Source = "a_AND_b"
	SourceChannel1Xor2      Source = "a_XOR_b"
	SourceDigitalIn         Source = "trigger_in"
	SourceChannel1OrDigital Source = "a_OR_trigger_in"
	SourceChannel2OrDigital Source = "b_OR_trigger_in"
	SourceAnyOrDigital      Source = "a_OR_b_OR_trigger_in"
	SourceDisabled          Source = "disabled"
)

var legacySources = []Source{
	SourceChannel1, SourceChannel2, SourceChannel1Or2, SourceChannel1And2, SourceChannel1Xor2,
}

var extendedSources = append(slices.Clone(legacySources),
	SourceDigitalIn, SourceChannel1OrDigital, SourceChannel2OrDigital, SourceAnyOrDigital, SourceDisabled)

// NoSingleChannel is reported by AnalogSourceChannel for combined sources.
const NoSingleChannel = -1

// OutSelect is the event forwarded on the TO pin.
type OutSelect string

const (
	OutSoftware        OutSelect = "sw-trigger"
	OutTriggerSameChan OutSelect = "trigger-i-same-chan"
	OutTriggerSwapChan OutSelect = "trigger-i-swap-chan"
	OutAnalogIn        OutSelect = "trigger-adc"
	OutTriggerIn       OutSelect = "trigger-in"
)

var outSelects = []OutSelect{OutSoftware, OutTriggerSameChan, OutTriggerSwapChan, OutAnalogIn, OutTriggerIn}

// DigitalSource is the logic analyzer trigger mux.
type DigitalSource string

const (
	DigitalSourceLogic    DigitalSource = "trigger-logic"
	DigitalSourceAnalogIn DigitalSource = "trigger-in"
	DigitalSourceDisabled DigitalSource = "disabled"
)

var digitalSources = []DigitalSource{DigitalSourceLogic, DigitalSourceAnalogIn, DigitalSourceDisabled}

// OutSource is the event a generator waits for before it starts.
type OutSource string

const (
	OutSourceNone       OutSource = "none"
	OutSourceTriggerIn0 OutSource = "trigger-i_0"
	OutSourceTriggerIn1 OutSource = "trigger-i_1"
	OutSourceAnalogIn   OutSource = "trigger-adc"
	OutSourceLogic      OutSource = "trigger-la"
)

var outSources = []OutSource{OutSourceNone, OutSourceTriggerIn0, OutSourceTriggerIn1, OutSourceAnalogIn, OutSourceLogic}

// DigitalMode combines the per line conditions of the logic analyzer.
type DigitalMode string

const (
	DigitalModeOr  DigitalMode = "or"
	DigitalModeAnd DigitalMode = "and"
)

var digitalModes = []DigitalMode{DigitalModeOr, DigitalModeAnd}

type State string

const (
	StateIdle  State = "idle"
	StateArmed State = "armed"
	StateFired State = "fired"
)

func (s State) gauge() float64 {
	switch s {
	case StateArmed:
		return 1
	case StateFired:
		return 2
	}
	return 0
}

func AnalogConditions() []AnalogCondition   { return slices.Clone(analogConditions) }
func DigitalConditions() []DigitalCondition { return slices.Clone(digitalConditions) }
func Modes() []Mode                         { return slices.Clone(modes) }
func OutSelects() []OutSelect               { return slices.Clone(outSelects) }
func DigitalSources() []DigitalSource       { return slices.Clone(digitalSources) }
func OutSources() []OutSource               { return slices.Clone(outSources) }
