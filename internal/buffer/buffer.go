// Package buffer owns the DMA transfers of one device: acquisition rings for
// inputs, cyclic or streaming pushes for outputs.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/analogdevicesinc/libm2k-sub001/internal/channel"
	"github.com/analogdevicesinc/libm2k-sub001/internal/iio"
	"github.com/analogdevicesinc/libm2k-sub001/internal/metrics"
	"github.com/analogdevicesinc/libm2k-sub001/internal/types"
	"go.uber.org/zap"
)

// ErrStopped is wrapped by the error of a push or refill that was unblocked
// by Stop or Cancel.
var ErrStopped = errors.New("buffer stopped")

const DefaultKernelBuffers = 4

type Options struct {
	// SampleMultiple rounds acquisition sizes up, 4 for the logic analyzer.
	SampleMultiple int
	// Packed buffers exchange one word per sample for all channels.
	Packed        bool
	KernelBuffers int
	Timeout       time.Duration
}

// Buffer serializes its operations; only Stop and Cancel may be called
// concurrently with a blocked Push or acquisition.
type Buffer struct {
	factory  iio.TransferFactory
	device   string
	output   bool
	channels []*channel.Channel
	multiple int
	packed   bool
	logger   *zap.Logger

	kernelBuffers atomic.Int32
	timeout       atomic.Int64

	op      sync.Mutex
	ids     []string
	samples int
	cyclic  bool

	hmu      sync.Mutex
	handle   iio.Transfer
	canceled bool
	stopping int
}

// New builds a buffer over channels, which must all belong to one device and
// share a direction.
func New(factory iio.TransferFactory, channels []*channel.Channel, logger *zap.Logger, opts Options) (*Buffer, error) {
	if len(channels) == 0 {
		return nil, types.InvalidParameter("buffer.New", "no channels")
	}
	dev, out := channels[0].Device(), channels[0].Output()
	for _, ch := range channels[1:] {
		if ch.Device() != dev || ch.Output() != out {
			return nil, types.InvalidParameter("buffer.New", "channels span devices or directions")
		}
	}
	if opts.SampleMultiple < 1 {
		opts.SampleMultiple = 1
	}
	if opts.KernelBuffers < 1 {
		opts.KernelBuffers = DefaultKernelBuffers
	}

	b := &Buffer{
		factory:  factory,
		device:   dev,
		output:   out,
		channels: channels,
		multiple: opts.SampleMultiple,
		packed:   opts.Packed,
		logger:   logger,
	}
	b.kernelBuffers.Store(int32(opts.KernelBuffers))
	b.timeout.Store(int64(opts.Timeout))
	return b, nil
}

// AlignedCount rounds n up to a multiple of m.
func AlignedCount(n, m int) int {
	if m <= 1 {
		return n
	}
	return ((n + m - 1) / m) * m
}

func (b *Buffer) Device() string               { return b.device }
func (b *Buffer) Output() bool                 { return b.output }
func (b *Buffer) Channels() []*channel.Channel { return b.channels }
func (b *Buffer) KernelBuffers() int           { return int(b.kernelBuffers.Load()) }
func (b *Buffer) Timeout() time.Duration       { return time.Duration(b.timeout.Load()) }
func (b *Buffer) SetTimeout(d time.Duration)   { b.timeout.Store(int64(d)) }

// SetKernelBuffers sets the ring depth used by the next transfer.
func (b *Buffer) SetKernelBuffers(n int) error {
	if n < 1 {
		return types.InvalidParameter("buffer.SetKernelBuffers", fmt.Sprintf("invalid kernel buffer count %d", n))
	}
	b.kernelBuffers.Store(int32(n))
	return nil
}

// Active reports whether a transfer is currently open.
func (b *Buffer) Active() bool {
	return b.current() != nil
}

func (b *Buffer) current() iio.Transfer {
	b.hmu.Lock()
	defer b.hmu.Unlock()
	return b.handle
}

// reusable returns the open transfer unless Cancel has hit it.
func (b *Buffer) reusable() iio.Transfer {
	b.hmu.Lock()
	defer b.hmu.Unlock()
	if b.canceled {
		return nil
	}
	return b.handle
}

// Push sends interleaved codes for the enabled channels. The transfer is
// recreated when the sample count changes and for every cyclic push; an
// empty push tears the transfer down.
func (b *Buffer) Push(ctx context.Context, data []int16, cyclic bool) error {
	const op = "buffer.Push"
	if !b.output {
		return types.InvalidParameter(op, b.device+" is an input buffer")
	}

	b.op.Lock()
	defer b.op.Unlock()

	if len(data) == 0 {
		b.destroyLocked()
		return nil
	}
	ids, err := b.enabledIDs(ctx, op)
	if err != nil {
		return err
	}
	width := len(ids)
	if b.packed {
		width = 1
	}
	if len(data)%width != 0 {
		return types.InvalidParameter(op, fmt.Sprintf("%d words do not divide over %d channels", len(data), width))
	}
	samples := len(data) / width

	h := b.reusable()
	if h == nil || cyclic || b.cyclic || samples != b.samples || !slices.Equal(ids, b.ids) {
		b.destroyLocked()
		if h, err = b.createLocked(ctx, op, ids, samples, cyclic); err != nil {
			return err
		}
	}

	tctx, cancel := b.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	if err := h.Push(tctx, data); err != nil {
		b.destroyLocked()
		return b.fail(op, err)
	}
	metrics.TransferDuration.WithLabelValues(b.device, "out").Observe(time.Since(start).Seconds())
	metrics.SamplesTransferred.WithLabelValues(b.device, "out").Add(float64(samples))
	return nil
}

// GetSamplesRawInterleaved acquires n samples (rounded up to the sample
// multiple) as delivered by the DMA. The ring is created once per sample
// count and reused across calls.
func (b *Buffer) GetSamplesRawInterleaved(ctx context.Context, n int) ([]int16, error) {
	const op = "buffer.GetSamples"
	if b.output {
		return nil, types.InvalidParameter(op, b.device+" is an output buffer")
	}
	if n <= 0 {
		return nil, types.InvalidParameter(op, fmt.Sprintf("invalid sample count %d", n))
	}
	n = AlignedCount(n, b.multiple)

	b.op.Lock()
	defer b.op.Unlock()

	_, data, err := b.refillLocked(ctx, op, n)
	return data, err
}

// Start opens the acquisition ring for n samples ahead of the first refill,
// so the hardware begins capturing before data is requested.
func (b *Buffer) Start(ctx context.Context, n int) error {
	const op = "buffer.Start"
	if b.output {
		return types.InvalidParameter(op, b.device+" is an output buffer")
	}
	if n <= 0 {
		return types.InvalidParameter(op, fmt.Sprintf("invalid sample count %d", n))
	}
	n = AlignedCount(n, b.multiple)

	b.op.Lock()
	defer b.op.Unlock()

	ids, err := b.enabledIDs(ctx, op)
	if err != nil {
		return err
	}
	if b.reusable() != nil && n == b.samples && slices.Equal(ids, b.ids) {
		return nil
	}
	b.destroyLocked()
	_, err = b.createLocked(ctx, op, ids, n, false)
	return err
}

func (b *Buffer) refillLocked(ctx context.Context, op string, n int) ([]string, []int16, error) {
	ids, err := b.enabledIDs(ctx, op)
	if err != nil {
		return nil, nil, err
	}
	h := b.reusable()
	if h == nil || n != b.samples || !slices.Equal(ids, b.ids) {
		b.destroyLocked()
		if h, err = b.createLocked(ctx, op, ids, n, false); err != nil {
			return nil, nil, err
		}
	}

	tctx, cancel := b.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	data, err := h.Refill(tctx)
	if err != nil {
		b.destroyLocked()
		return nil, nil, b.fail(op, err)
	}
	metrics.TransferDuration.WithLabelValues(b.device, "in").Observe(time.Since(start).Seconds())
	metrics.SamplesTransferred.WithLabelValues(b.device, "in").Add(float64(n))
	return ids, data, nil
}

// GetSamplesRaw acquires n samples and splits them per channel in host
// format. The result is indexed like Channels; disabled channels are nil.
// A packed buffer returns its word stream as element 0.
func (b *Buffer) GetSamplesRaw(ctx context.Context, n int) ([][]int16, error) {
	const op = "buffer.GetSamples"
	if b.output {
		return nil, types.InvalidParameter(op, b.device+" is an output buffer")
	}
	if n <= 0 {
		return nil, types.InvalidParameter(op, fmt.Sprintf("invalid sample count %d", n))
	}
	n = AlignedCount(n, b.multiple)

	b.op.Lock()
	defer b.op.Unlock()

	ids, data, err := b.refillLocked(ctx, op, n)
	if err != nil {
		return nil, err
	}

	out := make([][]int16, len(b.channels))
	if b.packed {
		out[0] = data
		return out, nil
	}
	width := len(ids)
	for pos, id := range ids {
		idx := b.position(id)
		ch := b.channels[idx]
		samples := make([]int16, n)
		for i := range samples {
			samples[i] = ch.ConvertHostFormat(data[i*width+pos])
		}
		out[idx] = samples
	}
	return out, nil
}

// GetSamples is GetSamplesRaw with every sample passed through convert,
// which receives the channel's position in Channels.
func (b *Buffer) GetSamples(ctx context.Context, n int, convert func(ch int, raw int16) float64) ([][]float64, error) {
	raw, err := b.GetSamplesRaw(ctx, n)
	if err != nil {
		return nil, err
	}
	out := make([][]float64, len(raw))
	for idx, samples := range raw {
		if samples == nil {
			continue
		}
		conv := make([]float64, len(samples))
		for i, s := range samples {
			conv[i] = convert(idx, s)
		}
		out[idx] = conv
	}
	return out, nil
}

// Stop cancels any transfer in flight, destroys it and, for outputs,
// disables the buffer's channels. It is safe to call at any time and more
// than once.
func (b *Buffer) Stop(ctx context.Context) error {
	b.hmu.Lock()
	b.stopping++
	h := b.handle
	b.hmu.Unlock()
	defer func() {
		b.hmu.Lock()
		b.stopping--
		b.hmu.Unlock()
	}()

	if h != nil {
		h.Cancel()
	}

	b.op.Lock()
	defer b.op.Unlock()

	b.destroyLocked()
	if !b.output {
		return nil
	}
	var errs []error
	for _, ch := range b.channels {
		if err := ch.Enable(ctx, false); err != nil {
			errs = append(errs, err)
		}
	}
	return types.WrapError(types.KindRuntime, "buffer.Stop", errors.Join(errs...))
}

// Cancel unblocks a pending push or acquisition. A canceled transfer is
// never reused: the interrupted call, or else the next one, destroys it
// and creates a fresh one. Channels stay enabled.
func (b *Buffer) Cancel() {
	b.hmu.Lock()
	h := b.handle
	if h != nil {
		b.canceled = true
	}
	b.hmu.Unlock()
	if h != nil {
		h.Cancel()
	}
}

// needsSync reports whether a push of words would start a fresh transfer.
func (b *Buffer) needsSync(words int, cyclic bool) bool {
	b.op.Lock()
	defer b.op.Unlock()
	if b.reusable() == nil || cyclic || b.cyclic {
		return true
	}
	width := len(b.ids)
	if b.packed || width == 0 {
		width = 1
	}
	return words != b.samples*width
}

func (b *Buffer) position(id string) int {
	for i, ch := range b.channels {
		if ch.ID() == id {
			return i
		}
	}
	return -1
}

func (b *Buffer) enabledIDs(ctx context.Context, op string) ([]string, error) {
	var ids []string
	for _, ch := range b.channels {
		en, err := ch.Enabled(ctx)
		if err != nil {
			return nil, types.WrapError(types.KindRuntime, op, err)
		}
		if en {
			ids = append(ids, ch.ID())
		}
	}
	if len(ids) == 0 {
		return nil, types.InvalidParameter(op, "no channel enabled for "+b.device)
	}
	return ids, nil
}

func (b *Buffer) createLocked(ctx context.Context, op string, ids []string, samples int, cyclic bool) (iio.Transfer, error) {
	spec := iio.TransferSpec{
		Device:        b.device,
		Output:        b.output,
		Channels:      ids,
		Samples:       samples,
		Cyclic:        cyclic,
		Packed:        b.packed,
		KernelBuffers: b.KernelBuffers(),
	}
	h, err := b.factory.CreateTransfer(ctx, spec)
	if err != nil {
		return nil, b.fail(op, err)
	}

	b.hmu.Lock()
	if b.stopping > 0 {
		b.hmu.Unlock()
		_ = h.Close()
		return nil, b.fail(op, iio.ErrCanceled)
	}
	b.handle = h
	b.canceled = false
	b.hmu.Unlock()

	b.ids = ids
	b.samples = samples
	b.cyclic = cyclic
	metrics.TransfersCreated.WithLabelValues(b.device).Inc()
	b.logger.Debug("Transfer created",
		zap.String("device", b.device),
		zap.Strings("channels", ids),
		zap.Int("samples", samples),
		zap.Bool("cyclic", cyclic))
	return h, nil
}

// destroyLocked closes the current transfer exactly once.
func (b *Buffer) destroyLocked() {
	b.hmu.Lock()
	h := b.handle
	b.handle = nil
	b.canceled = false
	b.hmu.Unlock()

	b.ids = nil
	b.samples = 0
	b.cyclic = false
	if h == nil {
		return
	}
	if err := h.Close(); err != nil {
		b.logger.Warn("Failed to close transfer", zap.String("device", b.device), zap.Error(err))
	}
	b.logger.Debug("Transfer destroyed", zap.String("device", b.device))
}

func (b *Buffer) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := b.Timeout(); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return ctx, func() {}
}

func (b *Buffer) fail(op string, err error) error {
	kind := types.KindRuntime
	switch {
	case errors.Is(err, iio.ErrCanceled):
		err = fmt.Errorf("%w: %w", ErrStopped, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, iio.ErrTimeout):
		kind = types.KindTimeout
	}
	metrics.BufferErrors.WithLabelValues(b.device, kind.String()).Inc()
	return &types.Error{Kind: kind, Op: op, Msg: b.device, Err: err}
}
