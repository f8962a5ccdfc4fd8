// Package m2k opens an instrument and wires its trigger, converters, logic
// analyzer, supplies and calibration around one attribute store.
package m2k

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/analogdevicesinc/libm2k-sub001/internal/analog"
	"github.com/analogdevicesinc/libm2k-sub001/internal/buffer"
	"github.com/analogdevicesinc/libm2k-sub001/internal/calibration"
	"github.com/analogdevicesinc/libm2k-sub001/internal/channel"
	"github.com/analogdevicesinc/libm2k-sub001/internal/digital"
	"github.com/analogdevicesinc/libm2k-sub001/internal/iio"
	"github.com/analogdevicesinc/libm2k-sub001/internal/powersupply"
	"github.com/analogdevicesinc/libm2k-sub001/internal/profile"
	"github.com/analogdevicesinc/libm2k-sub001/internal/trigger"
	"github.com/analogdevicesinc/libm2k-sub001/internal/types"
	"go.uber.org/zap"
)

const ledBlinkInterval = 50 * time.Millisecond

type Options struct {
	// Timeout bounds every blocking transfer, zero waits forever.
	Timeout         time.Duration
	KernelBuffers   int
	Profile         *types.InstrumentProfile
	Calibration     calibration.Options
	ResetOnOpen     bool
	CalibrateOnOpen bool
}

// Info identifies the opened instrument.
type Info struct {
	URI            string `json:"uri"`
	Firmware       string `json:"firmware"`
	Revision       string `json:"revision"`
	Model          string `json:"model"`
	Serial         string `json:"serial"`
	TriggerVariant string `json:"trigger_variant"`
}

// Context owns the backend and every instrument built on it.
type Context struct {
	uri      string
	backend  iio.Backend
	store    *iio.Store
	registry *channel.Registry
	logger   *zap.Logger
	info     Info

	trig   *trigger.Trigger
	in     *analog.In
	out    *analog.Out
	dig    *digital.Digital
	supply *powersupply.Supply
	cal    *calibration.Calibration

	closeOnce sync.Once
	closeErr  error
}

var (
	openMu   sync.Mutex
	openURIs = make(map[string]struct{})
)

func register(uri string) error {
	openMu.Lock()
	defer openMu.Unlock()
	if _, ok := openURIs[uri]; ok {
		return types.Runtime("m2k.Open", "a context is already open for "+uri)
	}
	openURIs[uri] = struct{}{}
	return nil
}

func unregister(uri string) {
	openMu.Lock()
	defer openMu.Unlock()
	delete(openURIs, uri)
}

// Open builds a Context on backend and takes ownership of it; the backend is
// closed when Open fails or when the Context is closed. Only one Context per
// uri may be open at a time.
func Open(ctx context.Context, uri string, backend iio.Backend, opts Options, logger *zap.Logger) (_ *Context, err error) {
	const op = "m2k.Open"
	if err := register(uri); err != nil {
		backend.Close()
		return nil, err
	}
	defer func() {
		if err != nil {
			backend.Close()
			unregister(uri)
		}
	}()

	prof := opts.Profile
	if prof == nil {
		if prof, err = profile.Default(); err != nil {
			return nil, types.WrapError(types.KindRuntime, op, err)
		}
	}

	c := &Context{
		uri:     uri,
		backend: backend,
		store:   iio.NewStore(backend),
		logger:  logger.With(zap.String("uri", uri)),
	}
	c.registry = channel.NewRegistry(c.store, prof)
	if err := c.identify(ctx); err != nil {
		return nil, err
	}
	if err := c.powerUp(ctx); err != nil {
		return nil, err
	}

	bopts := buffer.Options{KernelBuffers: opts.KernelBuffers, Timeout: opts.Timeout}
	if c.trig, err = trigger.New(ctx, c.store, c.info.Firmware, c.logger); err != nil {
		return nil, err
	}
	if c.in, err = analog.NewIn(ctx, c.store, c.registry, backend, c.trig, c.logger, bopts); err != nil {
		return nil, err
	}
	if c.out, err = analog.NewOut(ctx, c.store, c.registry, backend, c.logger, bopts); err != nil {
		return nil, err
	}
	if c.dig, err = digital.New(ctx, c.store, c.registry, backend, c.trig, c.logger, bopts); err != nil {
		return nil, err
	}
	if c.supply, err = powersupply.New(ctx, c.store, c.logger); err != nil {
		return nil, err
	}
	c.cal = calibration.New(c.store, c.in, c.out, c.info.Revision, c.logger, opts.Calibration)
	c.info.TriggerVariant = c.trig.Variant()

	if opts.ResetOnOpen {
		if err := c.Reset(ctx); err != nil {
			return nil, err
		}
	}
	if opts.CalibrateOnOpen {
		if err := c.cal.CalibrateAll(ctx); err != nil {
			c.logger.Warn("Calibration on open failed", zap.Error(err))
		}
	}

	c.logger.Info("Instrument opened",
		zap.String("firmware", c.info.Firmware),
		zap.String("revision", c.info.Revision),
		zap.String("trigger", c.info.TriggerVariant))
	return c, nil
}

// identify reads the identity attributes once.
func (c *Context) identify(ctx context.Context) error {
	c.info.URI = c.uri
	read := func(name string) (string, error) {
		a := iio.ContextAttr(name)
		if !c.store.HasAttribute(a) {
			return "", nil
		}
		v, err := c.store.GetString(ctx, a)
		return v, types.WrapError(types.KindRuntime, "m2k.identify", err)
	}
	var err error
	if c.info.Firmware, err = read("fw_version"); err != nil {
		return err
	}
	if c.info.Model, err = read("hw_model"); err != nil {
		return err
	}
	if c.info.Serial, err = read("hw_serial"); err != nil {
		return err
	}
	c.info.Revision = Revision(c.info.Model)
	return nil
}

// Revision extracts the board revision letter from hw_model. Boards that do
// not report a model are revision A.
func Revision(model string) string {
	const key = "Rev."
	i := strings.Index(model, key)
	if i < 0 || i+len(key) >= len(model) {
		return "A"
	}
	return model[i+len(key) : i+len(key)+1]
}

func fabricPowerdownAttr(ch string) iio.Attr {
	return iio.ChannelAttr(analog.FabricDevice, ch, true, "powerdown")
}

func clockAttr() iio.Attr {
	return iio.DeviceAttr(analog.FabricDevice, "clk_powerdown")
}

func ledAttr() iio.Attr {
	return iio.ChannelAttr(analog.FabricDevice, "voltage4", true, "done_led_overwrite_powerdown")
}

func (c *Context) powerUp(ctx context.Context) error {
	return c.setPower(ctx, "m2k.powerUp", false)
}

func (c *Context) setPower(ctx context.Context, op string, powerdown bool) error {
	for _, ch := range []string{"voltage0", "voltage1"} {
		if _, err := c.store.SetBool(ctx, fabricPowerdownAttr(ch), powerdown); err != nil {
			return types.WrapError(types.KindRuntime, op, err)
		}
	}
	if c.store.HasAttribute(clockAttr()) {
		if _, err := c.store.SetBool(ctx, clockAttr(), powerdown); err != nil {
			return types.WrapError(types.KindRuntime, op, err)
		}
	}
	return nil
}

func (c *Context) URI() string                           { return c.uri }
func (c *Context) Info() Info                            { return c.info }
func (c *Context) Firmware() string                      { return c.info.Firmware }
func (c *Context) Revision() string                      { return c.info.Revision }
func (c *Context) Store() iio.AttributeStore             { return c.store }
func (c *Context) Trigger() *trigger.Trigger             { return c.trig }
func (c *Context) AnalogIn() *analog.In                  { return c.in }
func (c *Context) AnalogOut() *analog.Out                { return c.out }
func (c *Context) Digital() *digital.Digital             { return c.dig }
func (c *Context) PowerSupply() *powersupply.Supply      { return c.supply }
func (c *Context) Calibration() *calibration.Calibration { return c.cal }

// Reset puts every instrument back in its power-on configuration.
func (c *Context) Reset(ctx context.Context) error {
	if err := c.trig.Reset(ctx); err != nil {
		return err
	}
	if err := c.in.Reset(ctx); err != nil {
		return err
	}
	if err := c.out.Reset(ctx); err != nil {
		return err
	}
	if err := c.dig.Reset(ctx); err != nil {
		return err
	}
	if err := c.supply.Reset(ctx); err != nil {
		return err
	}
	c.logger.Info("Instrument reset")
	return nil
}

type timeoutSetter interface {
	SetTimeout(ctx context.Context, d time.Duration) error
}

// SetTimeout bounds every blocking transfer of the context, and the backend
// itself when it has a timeout of its own. Zero waits forever.
func (c *Context) SetTimeout(ctx context.Context, d time.Duration) error {
	c.in.SetTimeout(d)
	c.out.SetTimeout(d)
	c.dig.SetTimeout(d)
	if ts, ok := c.backend.(timeoutSetter); ok {
		return types.WrapError(types.KindRuntime, "m2k.SetTimeout", ts.SetTimeout(ctx, d))
	}
	return nil
}

func (c *Context) HasLed() bool {
	return c.store.HasAttribute(ledAttr())
}

// Led reports the status LED, which is off on firmware without the override.
func (c *Context) Led(ctx context.Context) (bool, error) {
	if !c.HasLed() {
		return false, nil
	}
	pd, err := c.store.GetBool(ctx, ledAttr())
	return !pd, types.WrapError(types.KindRuntime, "m2k.Led", err)
}

func (c *Context) SetLed(ctx context.Context, on bool) error {
	if !c.HasLed() {
		return nil
	}
	_, err := c.store.SetBool(ctx, ledAttr(), !on)
	return types.WrapError(types.KindRuntime, "m2k.SetLed", err)
}

// BlinkLed toggles the LED for d and leaves it as it was.
func (c *Context) BlinkLed(ctx context.Context, d time.Duration) error {
	if !c.HasLed() {
		return nil
	}
	initial, err := c.Led(ctx)
	if err != nil {
		return err
	}
	defer c.SetLed(context.WithoutCancel(ctx), initial)

	ticker := time.NewTicker(ledBlinkInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(d)
	defer deadline.Stop()

	on := initial
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return nil
		case <-ticker.C:
			on = !on
			if err := c.SetLed(ctx, on); err != nil {
				return err
			}
		}
	}
}

// Close stops every buffer, powers the converters down, releases the
// channel claims and closes the backend. Later calls return the first
// result.
func (c *Context) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		ctx = context.WithoutCancel(ctx)
		c.cal.Cancel()
		c.dig.CancelAcquisition()
		errs := []error{
			c.in.CancelAcquisition(ctx),
			c.out.Stop(ctx),
			c.dig.StopAcquisition(ctx),
			c.dig.StopBufferOut(ctx),
			c.setPower(ctx, "m2k.Close", true),
		}
		c.registry.ReleaseAll()
		errs = append(errs, c.backend.Close())
		unregister(c.uri)
		c.closeErr = errors.Join(errs...)
		c.logger.Info("Instrument closed")
	})
	return c.closeErr
}
