// Package sim is an in-memory ADALM2000. It serves the attribute namespace of
// an instrument profile, models the analog front end closely enough for the
// calibration routines to converge, and lets tests pause transfers and
// inject faults.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"

	"github.com/analogdevicesinc/libm2k-sub001/internal/iio"
	"github.com/analogdevicesinc/libm2k-sub001/internal/profile"
	"github.com/analogdevicesinc/libm2k-sub001/internal/types"
)

// ErrInvalidValue mirrors EINVAL from the kernel driver.
var ErrInvalidValue = errors.New("sim: invalid argument")

// ErrBusy mirrors EBUSY when a device already owns a buffer.
var ErrBusy = errors.New("sim: device or resource busy")

// Write is one recorded attribute write.
type Write struct {
	Attr  iio.Attr
	Value string
}

type attrState struct {
	def   types.AttributeDefinition
	value string
}

type fault struct {
	err  error
	once bool
}

type M2K struct {
	mu sync.Mutex

	profile  *types.InstrumentProfile
	firmware string
	attrs    map[iio.Attr]*attrState
	devices  map[string]*types.DeviceDefinition

	fe        FrontEnd
	inputs    [2]float64
	loopback  bool
	dioInputs uint16
	noise     float64
	rng       *rand.Rand

	active  map[string]*transfer
	output  map[string][]int16
	gates   map[string]chan struct{}
	waiting map[string]int
	faults  map[string]fault

	writes  []Write
	creates map[string]int
	closes  map[string]int
	closed  bool
}

type config struct {
	profile  *types.InstrumentProfile
	firmware string
	fe       *FrontEnd
	noise    float64
	seed     int64
	context  map[string]string
}

type Option func(*config)

// WithFirmware overrides the firmware version; attributes introduced by a
// later firmware disappear.
func WithFirmware(version string) Option {
	return func(c *config) { c.firmware = version }
}

func WithProfile(p *types.InstrumentProfile) Option {
	return func(c *config) { c.profile = p }
}

func WithFrontEnd(fe FrontEnd) Option {
	return func(c *config) { c.fe = &fe }
}

// WithNoise adds gaussian noise of the given standard deviation, in ADC codes.
func WithNoise(sigma float64, seed int64) Option {
	return func(c *config) {
		c.noise = sigma
		c.seed = seed
	}
}

// WithContextAttr overrides a context attribute such as hw_model.
func WithContextAttr(name, value string) Option {
	return func(c *config) {
		if c.context == nil {
			c.context = make(map[string]string)
		}
		c.context[name] = value
	}
}

// New builds a simulated instrument from the built-in profile unless
// WithProfile is given.
func New(opts ...Option) (*M2K, error) {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.profile == nil {
		p, err := profile.Default()
		if err != nil {
			return nil, fmt.Errorf("failed to load default profile: %w", err)
		}
		cfg.profile = p
	}
	if cfg.firmware == "" {
		cfg.firmware = cfg.profile.Profile.Firmware
	}

	m := &M2K{
		profile:  cfg.profile,
		firmware: cfg.firmware,
		attrs:    make(map[iio.Attr]*attrState),
		devices:  make(map[string]*types.DeviceDefinition),
		fe:       IdealFrontEnd(),
		noise:    cfg.noise,
		rng:      rand.New(rand.NewSource(cfg.seed)),
		active:   make(map[string]*transfer),
		output:   make(map[string][]int16),
		gates:    make(map[string]chan struct{}),
		waiting:  make(map[string]int),
		faults:   make(map[string]fault),
		creates:  make(map[string]int),
		closes:   make(map[string]int),
	}
	if cfg.fe != nil {
		m.fe = *cfg.fe
	}

	m.populate()

	for name, value := range cfg.context {
		m.attrs[iio.ContextAttr(name)] = &attrState{
			def:   types.AttributeDefinition{Name: name, Type: types.AttrTypeString, ReadOnly: true},
			value: value,
		}
	}
	return m, nil
}

func (m *M2K) populate() {
	add := func(a iio.Attr, def types.AttributeDefinition) {
		if def.Since != "" && iio.CompareVersion(m.firmware, def.Since) < 0 {
			return
		}
		m.attrs[a] = &attrState{def: def, value: def.Default}
	}

	for _, def := range m.profile.Context {
		add(iio.ContextAttr(def.Name), def)
	}
	m.attrs[iio.ContextAttr("fw_version")] = &attrState{
		def:   types.AttributeDefinition{Name: "fw_version", Type: types.AttrTypeString, ReadOnly: true},
		value: m.firmware,
	}

	for i := range m.profile.Devices {
		dev := &m.profile.Devices[i]
		m.devices[dev.Name] = dev
		for _, def := range dev.Attributes {
			add(iio.DeviceAttr(dev.Name, def.Name), def)
		}
		for _, def := range dev.Buffer {
			add(iio.BufferAttr(dev.Name, def.Name), def)
		}
		for _, ch := range dev.Channels {
			for _, def := range ch.Attributes {
				add(iio.ChannelAttr(dev.Name, ch.ID, ch.Output, def.Name), def)
			}
		}
	}
}

// Profile returns the profile the simulator serves.
func (m *M2K) Profile() *types.InstrumentProfile {
	return m.profile
}

func (m *M2K) HasAttr(a iio.Attr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.attrs[a]
	return ok
}

func (m *M2K) ReadAttr(_ context.Context, a iio.Attr) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", iio.ErrClosed
	}
	if err := m.takeFault("read:" + a.String()); err != nil {
		return "", err
	}
	st, ok := m.attrs[a]
	if !ok {
		return "", fmt.Errorf("%s: %w", a, iio.ErrNotFound)
	}
	if a.Device == "ad9963" && a.Name == "raw" {
		return m.supplyReadbackLocked(a.Channel), nil
	}
	return st.value, nil
}

func (m *M2K) WriteAttr(_ context.Context, a iio.Attr, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return iio.ErrClosed
	}
	if err := m.takeFault("write:" + a.String()); err != nil {
		return err
	}
	st, ok := m.attrs[a]
	if !ok {
		return fmt.Errorf("%s: %w", a, iio.ErrNotFound)
	}
	if st.def.ReadOnly {
		return fmt.Errorf("%s is read-only: %w", a, ErrInvalidValue)
	}

	normalized, err := normalize(st.def, value)
	if err != nil {
		return fmt.Errorf("%s=%q: %w", a, value, err)
	}
	st.value = normalized
	m.writes = append(m.writes, Write{Attr: a, Value: normalized})
	return nil
}

func normalize(def types.AttributeDefinition, value string) (string, error) {
	switch def.Type {
	case types.AttrTypeBool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return "", ErrInvalidValue
		}
		value = "0"
		if b {
			value = "1"
		}
	case types.AttrTypeLong:
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			value = strconv.FormatInt(n, 10)
			break
		}
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return "", ErrInvalidValue
		}
		value = strconv.FormatInt(int64(f), 10)
	case types.AttrTypeDouble:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return "", ErrInvalidValue
		}
		value = strconv.FormatFloat(f, 'f', -1, 64)
	}

	if len(def.Options) == 0 {
		return value, nil
	}
	for _, o := range def.Options {
		if o == value {
			return value, nil
		}
	}
	return "", ErrInvalidValue
}

// Close marks the simulator closed and releases every open transfer.
func (m *M2K) Close() error {
	m.mu.Lock()
	transfers := make([]*transfer, 0, len(m.active))
	for _, t := range m.active {
		transfers = append(transfers, t)
	}
	m.closed = true
	m.mu.Unlock()

	for _, t := range transfers {
		t.Cancel()
		_ = t.Close()
	}
	return nil
}

// Value returns the current raw attribute value, bypassing fault injection.
func (m *M2K) Value(a iio.Attr) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.attrs[a]
	if !ok {
		return "", false
	}
	return st.value, true
}

// Set overrides an attribute value directly, including read-only ones.
func (m *M2K) Set(a iio.Attr, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.attrs[a]; ok {
		st.value = value
		return
	}
	m.attrs[a] = &attrState{def: types.AttributeDefinition{Name: a.Name, Type: types.AttrTypeString}, value: value}
}

// Remove deletes an attribute, emulating firmware that lacks it.
func (m *M2K) Remove(a iio.Attr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attrs, a)
}

// Snapshot copies every attribute value.
func (m *M2K) Snapshot() map[iio.Attr]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[iio.Attr]string, len(m.attrs))
	for a, st := range m.attrs {
		out[a] = st.value
	}
	return out
}

func (m *M2K) Writes() []Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Write(nil), m.writes...)
}

func (m *M2K) ResetWrites() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = nil
}

// FailNext makes the next operation matching key fail with err. Keys are
// "read:<attr>", "write:<attr>", "create:<device>", "push:<device>" and
// "refill:<device>".
func (m *M2K) FailNext(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[key] = fault{err: err, once: true}
}

// Fail makes every operation matching key fail until ClearFaults.
func (m *M2K) Fail(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[key] = fault{err: err}
}

func (m *M2K) ClearFaults() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = make(map[string]fault)
}

func (m *M2K) takeFault(key string) error {
	f, ok := m.faults[key]
	if !ok {
		return nil
	}
	if f.once {
		delete(m.faults, key)
	}
	return f.err
}

// Pause blocks every Push and Refill on device until Resume.
func (m *M2K) Pause(device string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.gates[device]; !ok {
		m.gates[device] = make(chan struct{})
	}
}

func (m *M2K) Resume(device string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.gates[device]; ok {
		close(g)
		delete(m.gates, device)
	}
}

// Waiting reports how many transfer calls are blocked on a paused device.
func (m *M2K) Waiting(device string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiting[device]
}

// Active reports whether device currently owns a transfer.
func (m *M2K) Active(device string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[device]
	return ok
}

// Creates and Closes count transfer lifecycle events per device.
func (m *M2K) Creates(device string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates[device]
}

func (m *M2K) Closes(device string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes[device]
}

// OutputData returns the samples last pushed to device.
func (m *M2K) OutputData(device string) []int16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int16(nil), m.output[device]...)
}

// SetInput applies a DC voltage to analog input ch in normal mode.
func (m *M2K) SetInput(ch int, volts float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs[ch] = volts
}

// SetLoopback wires each analog output to the analog input with the same index.
func (m *M2K) SetLoopback(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loopback = on
}

// SetDigitalInputs drives the levels seen on DIO lines configured as inputs.
func (m *M2K) SetDigitalInputs(mask uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dioInputs = mask
}

func (m *M2K) attrValueLocked(a iio.Attr) string {
	if st, ok := m.attrs[a]; ok {
		return st.value
	}
	return ""
}

func (m *M2K) attrFloatLocked(a iio.Attr, def float64) float64 {
	v, err := strconv.ParseFloat(m.attrValueLocked(a), 64)
	if err != nil {
		return def
	}
	return v
}
