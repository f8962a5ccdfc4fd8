package iiod

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/analogdevicesinc/libm2k-sub001/internal/iio"
	"go.uber.org/zap"
)

type transfer struct {
	conn     net.Conn
	rd       *bufio.Reader
	spec     iio.TransferSpec
	deviceID string
	timeout  time.Duration
	logger   *zap.Logger

	canceled  atomic.Bool
	mu        sync.Mutex
	closeOnce sync.Once
}

// CreateTransfer opens a dedicated connection and issues OPEN for the device.
func (c *Client) CreateTransfer(ctx context.Context, spec iio.TransferSpec) (iio.Transfer, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, iio.ErrClosed
	}
	id, err := c.deviceID(spec.Device)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	mask, err := c.layout.mask(spec.Device, spec.Channels)
	timeout := c.timeout
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open transfer connection: %w", err)
	}
	t := &transfer{
		conn:     conn,
		rd:       bufio.NewReader(conn),
		spec:     spec,
		deviceID: id,
		timeout:  timeout,
		logger:   c.logger,
	}

	line := fmt.Sprintf("OPEN %s %d %s", id, spec.Samples, mask)
	if spec.Cyclic {
		line += " CYCLIC"
	}
	if err := t.command(ctx, line, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open buffer on %s: %w", spec.Device, err)
	}
	return t, nil
}

// command runs one request on the transfer connection. Cancel and ctx both
// abort a blocked call by expiring the connection deadline.
func (t *transfer) command(ctx context.Context, line string, payload []byte) error {
	_, err := t.exchange(ctx, line, payload, 0)
	return err
}

func (t *transfer) exchange(ctx context.Context, line string, payload []byte, want int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.canceled.Load() {
		return nil, iio.ErrCanceled
	}
	if d, ok := ctx.Deadline(); ok {
		t.conn.SetDeadline(d)
	} else if t.timeout > 0 {
		t.conn.SetDeadline(time.Now().Add(t.timeout))
	}
	stop := context.AfterFunc(ctx, func() { t.conn.SetDeadline(time.Now()) })
	defer stop()
	if t.canceled.Load() {
		return nil, iio.ErrCanceled
	}

	data, err := t.exchangeLocked(line, payload, want)
	if err == nil {
		return data, nil
	}
	switch {
	case t.canceled.Load():
		return nil, iio.ErrCanceled
	case ctx.Err() != nil:
		return nil, ctx.Err()
	}
	return nil, mapNetErr(err)
}

func (t *transfer) exchangeLocked(line string, payload []byte, want int) ([]byte, error) {
	if _, err := t.conn.Write([]byte(line + "\r\n")); err != nil {
		return nil, err
	}
	if payload != nil {
		if _, err := t.conn.Write(payload); err != nil {
			return nil, err
		}
	}
	n, err := readStatus(t.rd)
	if err != nil {
		return nil, err
	}
	if want == 0 {
		return nil, nil
	}
	if n != want {
		return nil, fmt.Errorf("short read: got %d of %d bytes", n, want)
	}
	// READBUF replies with the channel mask before the samples.
	if _, err := t.rd.ReadString('\n'); err != nil {
		return nil, err
	}
	return readPayload(t.rd, n)
}

func (t *transfer) Push(ctx context.Context, data []int16) error {
	if len(data) != t.spec.Words() {
		return fmt.Errorf("push of %d words into a %d word buffer", len(data), t.spec.Words())
	}
	raw := encodeSamples(data)
	return t.command(ctx, fmt.Sprintf("WRITEBUF %s %d", t.deviceID, len(raw)), raw)
}

func (t *transfer) Refill(ctx context.Context) ([]int16, error) {
	size := 2 * t.spec.Words()
	raw, err := t.exchange(ctx, fmt.Sprintf("READBUF %s %d", t.deviceID, size), nil, size)
	if err != nil {
		return nil, err
	}
	return decodeSamples(raw), nil
}

func (t *transfer) Cancel() {
	t.canceled.Store(true)
	t.conn.SetDeadline(time.Now())
}

func (t *transfer) Close() error {
	var err error
	t.closeOnce.Do(func() {
		if !t.canceled.Load() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if cerr := t.command(ctx, "CLOSE "+t.deviceID, nil); cerr != nil {
				t.logger.Debug("iiod CLOSE failed", zap.String("device", t.spec.Device), zap.Error(cerr))
			}
			cancel()
		}
		err = t.conn.Close()
	})
	return err
}
