// Package digital implements the sixteen line logic analyzer and pattern
// generator.
package digital

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/analogdevicesinc/libm2k-sub001/internal/buffer"
	"github.com/analogdevicesinc/libm2k-sub001/internal/channel"
	"github.com/analogdevicesinc/libm2k-sub001/internal/iio"
	"github.com/analogdevicesinc/libm2k-sub001/internal/trigger"
	"github.com/analogdevicesinc/libm2k-sub001/internal/types"
	"go.uber.org/zap"
)

const (
	GenericDevice = "m2k-logic-analyzer"
	TxDevice      = GenericDevice + "-tx"
	RxDevice      = GenericDevice + "-rx"

	NumLines = 16

	// the logic analyzer DMA moves blocks of 8 bytes
	SampleMultiple = 4
)

type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

type OutputMode string

const (
	OpenDrain OutputMode = "open-drain"
	PushPull  OutputMode = "push-pull"
)

// Digital drives the DIO lines. Samples carry one bit per line, line 0 in
// the least significant bit.
type Digital struct {
	store  iio.AttributeStore
	trig   *trigger.Trigger
	tx     *buffer.Buffer
	rx     *buffer.Buffer
	txCh   []*channel.Channel
	rxCh   []*channel.Channel
	logger *zap.Logger

	mu     sync.Mutex
	cyclic bool
}

// New claims both logic analyzer directions and enables every RX line.
func New(ctx context.Context, store iio.AttributeStore, reg *channel.Registry, factory iio.TransferFactory,
	trig *trigger.Trigger, logger *zap.Logger, opts buffer.Options) (*Digital, error) {
	const op = "digital.New"
	if !store.HasAttribute(lineAttr(0, "direction")) {
		return nil, types.InvalidParameter(op, "no generic digital device was found")
	}
	opts.SampleMultiple = SampleMultiple
	opts.Packed = true

	d := &Digital{store: store, trig: trig, logger: logger, cyclic: true}
	var err error
	if d.txCh, err = reg.ClaimDevice(TxDevice, true); err != nil {
		return nil, err
	}
	if d.rxCh, err = reg.ClaimDevice(RxDevice, false); err != nil {
		return nil, err
	}
	if len(d.txCh) != NumLines || len(d.rxCh) != NumLines {
		return nil, types.InvalidParameter(op, fmt.Sprintf("expected %d lines per direction", NumLines))
	}
	if d.tx, err = buffer.New(factory, d.txCh, logger, opts); err != nil {
		return nil, err
	}
	if d.rx, err = buffer.New(factory, d.rxCh, logger, opts); err != nil {
		return nil, err
	}
	for _, ch := range d.rxCh {
		if err := ch.Enable(ctx, true); err != nil {
			return nil, types.WrapError(types.KindRuntime, op, err)
		}
	}
	return d, nil
}

func lineAttr(line int, name string) iio.Attr {
	return iio.ChannelAttr(GenericDevice, "voltage"+strconv.Itoa(line), true, name)
}

func checkLine(op string, line int) error {
	if line < 0 || line >= NumLines {
		return types.OutOfRange(op, fmt.Sprintf("digital line %d does not exist", line))
	}
	return nil
}

func (d *Digital) Trigger() *trigger.Trigger { return d.trig }

// Reset stops both directions, disables every TX line and enables every RX
// line.
func (d *Digital) Reset(ctx context.Context) error {
	const op = "digital.Reset"
	d.rx.Cancel()
	d.tx.Cancel()
	if err := d.StopAcquisition(ctx); err != nil {
		return err
	}
	if err := d.StopBufferOut(ctx); err != nil {
		return err
	}
	for line := 0; line < NumLines; line++ {
		if err := d.EnableChannel(ctx, line, false); err != nil {
			return err
		}
		if err := d.rxCh[line].Enable(ctx, true); err != nil {
			return types.WrapError(types.KindRuntime, op, err)
		}
	}
	if err := d.SetKernelBuffersCountIn(buffer.DefaultKernelBuffers); err != nil {
		return err
	}
	return d.SetKernelBuffersCountOut(buffer.DefaultKernelBuffers)
}

func (d *Digital) SetDirection(ctx context.Context, line int, dir Direction) error {
	const op = "digital.SetDirection"
	if err := checkLine(op, line); err != nil {
		return err
	}
	if dir != DirectionIn && dir != DirectionOut {
		return types.InvalidParameter(op, fmt.Sprintf("unknown direction %q", dir))
	}
	_, err := d.store.SetString(ctx, lineAttr(line, "direction"), string(dir))
	return types.WrapError(types.KindRuntime, op, err)
}

// SetDirectionMask sets line i to output when bit i of mask is set.
func (d *Digital) SetDirectionMask(ctx context.Context, mask uint16) error {
	for line := 0; line < NumLines; line++ {
		dir := DirectionIn
		if mask&(1<<line) != 0 {
			dir = DirectionOut
		}
		if err := d.SetDirection(ctx, line, dir); err != nil {
			return err
		}
	}
	return nil
}

func (d *Digital) Direction(ctx context.Context, line int) (Direction, error) {
	const op = "digital.Direction"
	if err := checkLine(op, line); err != nil {
		return "", err
	}
	v, err := d.store.GetString(ctx, lineAttr(line, "direction"))
	if err != nil {
		return "", types.WrapError(types.KindRuntime, op, err)
	}
	if v == string(DirectionIn) {
		return DirectionIn, nil
	}
	return DirectionOut, nil
}

// SetValueRaw drives the static level of an output line.
func (d *Digital) SetValueRaw(ctx context.Context, line int, high bool) error {
	const op = "digital.SetValueRaw"
	if err := checkLine(op, line); err != nil {
		return err
	}
	var v int64
	if high {
		v = 1
	}
	_, err := d.store.SetLong(ctx, lineAttr(line, "raw"), v)
	return types.WrapError(types.KindRuntime, op, err)
}

func (d *Digital) ValueRaw(ctx context.Context, line int) (bool, error) {
	const op = "digital.ValueRaw"
	if err := checkLine(op, line); err != nil {
		return false, err
	}
	v, err := d.store.GetLong(ctx, lineAttr(line, "raw"))
	return v != 0, types.WrapError(types.KindRuntime, op, err)
}

func (d *Digital) SetOutputMode(ctx context.Context, line int, mode OutputMode) error {
	const op = "digital.SetOutputMode"
	if err := checkLine(op, line); err != nil {
		return err
	}
	if mode != OpenDrain && mode != PushPull {
		return types.InvalidParameter(op, fmt.Sprintf("unknown output mode %q", mode))
	}
	_, err := d.store.SetString(ctx, lineAttr(line, "outputmode"), string(mode))
	return types.WrapError(types.KindRuntime, op, err)
}

func (d *Digital) OutputMode(ctx context.Context, line int) (OutputMode, error) {
	const op = "digital.OutputMode"
	if err := checkLine(op, line); err != nil {
		return "", err
	}
	v, err := d.store.GetString(ctx, lineAttr(line, "outputmode"))
	if err != nil {
		return "", types.WrapError(types.KindRuntime, op, err)
	}
	switch m := OutputMode(v); m {
	case OpenDrain, PushPull:
		return m, nil
	}
	return "", types.OutOfRange(op, fmt.Sprintf("unexpected output mode %q", v))
}

// EnableChannel adds or removes a line from the pattern generator.
func (d *Digital) EnableChannel(ctx context.Context, line int, enable bool) error {
	const op = "digital.EnableChannel"
	if line < 0 || line >= NumLines {
		return types.InvalidParameter(op, fmt.Sprintf("cannot enable digital TX line %d", line))
	}
	return types.WrapError(types.KindRuntime, op, d.txCh[line].Enable(ctx, enable))
}

func (d *Digital) EnableAllOut(ctx context.Context, enable bool) error {
	for line := 0; line < NumLines; line++ {
		if err := d.EnableChannel(ctx, line, enable); err != nil {
			return err
		}
	}
	return nil
}

func (d *Digital) IsChannelEnabled(ctx context.Context, line int) (bool, error) {
	const op = "digital.IsChannelEnabled"
	if err := checkLine(op, line); err != nil {
		return false, err
	}
	en, err := d.txCh[line].Enabled(ctx)
	return en, types.WrapError(types.KindRuntime, op, err)
}

func anyEnabled(ctx context.Context, chans []*channel.Channel) (bool, error) {
	for _, ch := range chans {
		en, err := ch.Enabled(ctx)
		if err != nil {
			return false, err
		}
		if en {
			return true, nil
		}
	}
	return false, nil
}

func (d *Digital) SampleRateIn(ctx context.Context) (float64, error) {
	v, err := d.store.GetDouble(ctx, iio.DeviceAttr(RxDevice, "sampling_frequency"))
	return v, types.WrapError(types.KindRuntime, "digital.SampleRateIn", err)
}

func (d *Digital) SetSampleRateIn(ctx context.Context, rate float64) (float64, error) {
	return d.setRate(ctx, "digital.SetSampleRateIn", RxDevice, rate)
}

func (d *Digital) SampleRateOut(ctx context.Context) (float64, error) {
	v, err := d.store.GetDouble(ctx, iio.DeviceAttr(TxDevice, "sampling_frequency"))
	return v, types.WrapError(types.KindRuntime, "digital.SampleRateOut", err)
}

func (d *Digital) SetSampleRateOut(ctx context.Context, rate float64) (float64, error) {
	return d.setRate(ctx, "digital.SetSampleRateOut", TxDevice, rate)
}

func (d *Digital) setRate(ctx context.Context, op, dev string, rate float64) (float64, error) {
	if rate <= 0 {
		return 0, types.InvalidParameter(op, fmt.Sprintf("invalid sample rate %g", rate))
	}
	v, err := d.store.SetDouble(ctx, iio.DeviceAttr(dev, "sampling_frequency"), rate)
	return v, types.WrapError(types.KindRuntime, op, err)
}

func (d *Digital) Cyclic() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cyclic
}

func (d *Digital) SetCyclic(cyclic bool) {
	d.mu.Lock()
	d.cyclic = cyclic
	d.mu.Unlock()
}

// Push sends one word per sample to the enabled TX lines.
func (d *Digital) Push(ctx context.Context, data []uint16) error {
	const op = "digital.Push"
	en, err := anyEnabled(ctx, d.txCh)
	if err != nil {
		return types.WrapError(types.KindRuntime, op, err)
	}
	if !en {
		return types.InvalidParameter(op, "no TX line enabled")
	}
	if len(data) == 0 {
		return types.InvalidParameter(op, "no samples to push")
	}
	words := make([]int16, len(data))
	for i, w := range data {
		words[i] = int16(w)
	}
	cyclic := d.Cyclic()
	if err := d.tx.Push(ctx, words, cyclic); err != nil {
		return err
	}
	d.logger.Debug("Pushed digital pattern", zap.Int("samples", len(data)), zap.Bool("cyclic", cyclic))
	return nil
}

// GetSamples acquires n samples rounded up to a multiple of four.
func (d *Digital) GetSamples(ctx context.Context, n int) ([]uint16, error) {
	const op = "digital.GetSamples"
	en, err := anyEnabled(ctx, d.rxCh)
	if err != nil {
		return nil, types.WrapError(types.KindRuntime, op, err)
	}
	if !en {
		return nil, types.InvalidParameter(op, "no RX line enabled")
	}
	words, err := d.rx.GetSamplesRawInterleaved(ctx, n)
	if err != nil {
		return nil, err
	}
	out := make([]uint16, len(words))
	for i, w := range words {
		out[i] = uint16(w)
	}
	if err := d.trig.NoteAcquisition(ctx); err != nil {
		d.logger.Warn("Failed to update trigger state", zap.Error(err))
	}
	return out, nil
}

func (d *Digital) StartAcquisition(ctx context.Context, n int) error {
	return d.rx.Start(ctx, n)
}

func (d *Digital) StopAcquisition(ctx context.Context) error {
	return d.rx.Stop(ctx)
}

func (d *Digital) CancelAcquisition() {
	d.rx.Cancel()
}

// StopBufferOut ends the pattern and disables the TX lines.
func (d *Digital) StopBufferOut(ctx context.Context) error {
	return d.tx.Stop(ctx)
}

func (d *Digital) CancelBufferOut() {
	d.tx.Cancel()
}

func (d *Digital) SetKernelBuffersCountIn(n int) error  { return d.rx.SetKernelBuffers(n) }
func (d *Digital) SetKernelBuffersCountOut(n int) error { return d.tx.SetKernelBuffers(n) }

func (d *Digital) SetTimeout(t time.Duration) {
	d.rx.SetTimeout(t)
	d.tx.SetTimeout(t)
}

func (d *Digital) NumLinesIn() int  { return len(d.rxCh) }
func (d *Digital) NumLinesOut() int { return len(d.txCh) }
