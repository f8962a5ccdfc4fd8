package sim

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/analogdevicesinc/libm2k-sub001/internal/iio"
)

type transfer struct {
	m    *M2K
	spec iio.TransferSpec

	cancelOnce sync.Once
	cancelCh   chan struct{}

	mu     sync.Mutex
	closed bool
	phase  int
}

// CreateTransfer opens a ring on the device. Like the kernel, it refuses a
// second buffer on a busy device and a buffer without enabled channels.
func (m *M2K) CreateTransfer(_ context.Context, spec iio.TransferSpec) (iio.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, iio.ErrClosed
	}
	if err := m.takeFault("create:" + spec.Device); err != nil {
		return nil, err
	}
	dev, ok := m.devices[spec.Device]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", spec.Device, iio.ErrNotFound)
	}
	if _, busy := m.active[spec.Device]; busy {
		return nil, fmt.Errorf("device %s: %w", spec.Device, ErrBusy)
	}
	if len(spec.Channels) == 0 {
		return nil, fmt.Errorf("device %s: no channels enabled: %w", spec.Device, ErrInvalidValue)
	}
	if spec.Samples <= 0 {
		return nil, fmt.Errorf("device %s: invalid buffer size %d: %w", spec.Device, spec.Samples, ErrInvalidValue)
	}
	for _, id := range spec.Channels {
		if _, ok := dev.Channel(id, spec.Output); !ok {
			return nil, fmt.Errorf("device %s channel %s: %w", spec.Device, id, iio.ErrNotFound)
		}
		if m.attrValueLocked(iio.ChannelAttr(spec.Device, id, spec.Output, "en")) != "1" {
			return nil, fmt.Errorf("device %s channel %s is not enabled: %w", spec.Device, id, ErrInvalidValue)
		}
	}

	t := &transfer{m: m, spec: spec, cancelCh: make(chan struct{})}
	m.active[spec.Device] = t
	m.creates[spec.Device]++
	return t, nil
}

// ActiveChannels lists the channels of the transfer currently open on device.
func (m *M2K) ActiveChannels(device string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.active[device]
	if !ok {
		return nil
	}
	out := append([]string(nil), t.spec.Channels...)
	sort.Strings(out)
	return out
}

// ActiveSpec returns the TransferSpec of the transfer open on device.
func (m *M2K) ActiveSpec(device string) (iio.TransferSpec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.active[device]
	if !ok {
		return iio.TransferSpec{}, false
	}
	return t.spec, true
}

func (t *transfer) wait(ctx context.Context, op string) error {
	m := t.m
	for {
		m.mu.Lock()
		if t.isClosed() {
			m.mu.Unlock()
			return iio.ErrClosed
		}
		select {
		case <-t.cancelCh:
			m.mu.Unlock()
			return iio.ErrCanceled
		default:
		}
		if err := m.takeFault(op + ":" + t.spec.Device); err != nil {
			m.mu.Unlock()
			return err
		}
		gate, paused := m.gates[t.spec.Device]
		if !paused {
			return nil // still holding m.mu
		}
		m.waiting[t.spec.Device]++
		m.mu.Unlock()

		var err error
		select {
		case <-gate:
		case <-t.cancelCh:
			err = iio.ErrCanceled
		case <-ctx.Done():
			err = ctx.Err()
		}

		m.mu.Lock()
		m.waiting[t.spec.Device]--
		m.mu.Unlock()
		if err != nil {
			return err
		}
	}
}

func (t *transfer) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *transfer) Push(ctx context.Context, data []int16) error {
	if !t.spec.Output {
		return fmt.Errorf("device %s: push on an input buffer: %w", t.spec.Device, ErrInvalidValue)
	}
	if err := t.wait(ctx, "push"); err != nil {
		return err
	}
	defer t.m.mu.Unlock()

	if len(data) != t.spec.Words() {
		return fmt.Errorf("device %s: got %d words, buffer holds %d: %w", t.spec.Device, len(data), t.spec.Words(), ErrInvalidValue)
	}
	t.m.output[t.spec.Device] = append([]int16(nil), data...)
	return nil
}

func (t *transfer) Refill(ctx context.Context) ([]int16, error) {
	if t.spec.Output {
		return nil, fmt.Errorf("device %s: refill on an output buffer: %w", t.spec.Device, ErrInvalidValue)
	}
	if err := t.wait(ctx, "refill"); err != nil {
		return nil, err
	}
	defer t.m.mu.Unlock()

	out := make([]int16, t.spec.Words())
	switch {
	case strings.HasPrefix(t.spec.Device, "m2k-logic-analyzer"):
		for i := 0; i < t.spec.Samples; i++ {
			out[i] = t.m.digitalSampleLocked(t.phase + i)
		}
	default:
		n := len(t.spec.Channels)
		for i := 0; i < t.spec.Samples; i++ {
			for c, id := range t.spec.Channels {
				ch := 0
				if id == "voltage1" {
					ch = 1
				}
				out[i*n+c] = t.m.adcSampleLocked(ch, t.phase+i)
			}
		}
	}
	t.phase += t.spec.Samples
	return out, nil
}

func (t *transfer) Cancel() {
	t.cancelOnce.Do(func() { close(t.cancelCh) })
}

func (t *transfer) Close() error {
	t.Cancel()
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[t.spec.Device] == t {
		delete(m.active, t.spec.Device)
	}
	if t.spec.Output {
		delete(m.output, t.spec.Device)
	}
	m.closes[t.spec.Device]++
	return nil
}
