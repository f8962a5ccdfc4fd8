package iiod

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/analogdevicesinc/libm2k-sub001/internal/iio"
	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

// DefaultPort is the TCP port iiod listens on.
const DefaultPort = 30431

var _ iio.Backend = (*Client)(nil)

type Dialer func(ctx context.Context) (net.Conn, error)

// Client is an iio.Backend backed by a remote iiod. Attribute access is
// serialized over one control connection; every transfer gets its own.
type Client struct {
	address string
	timeout time.Duration
	dial    Dialer
	logger  *zap.Logger

	mu        sync.Mutex
	conn      net.Conn
	rd        *bufio.Reader
	layout    *layout
	connected bool
}

type Option func(*Client)

// WithDialer replaces the TCP dialer, e.g. with an in-memory pipe.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dial = d }
}

func NewClient(address string, timeout time.Duration, logger *zap.Logger, opts ...Option) *Client {
	if !strings.Contains(address, ":") {
		address = net.JoinHostPort(address, strconv.Itoa(DefaultPort))
	}
	c := &Client{
		address: address,
		timeout: timeout,
		logger:  logger,
	}
	c.dial = func(ctx context.Context) (net.Conn, error) {
		d := net.Dialer{Timeout: c.timeout}
		return d.DialContext(ctx, "tcp", c.address)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials iiod with exponential backoff and fetches the context layout.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	conn, err := c.dialWithBackoff(ctx)
	if err != nil {
		return err
	}
	c.conn = conn
	c.rd = bufio.NewReader(conn)

	doc, err := c.roundTripLocked(ctx, "PRINT", nil, true)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to fetch context description: %w", err)
	}
	l, err := parseLayout(doc)
	if err != nil {
		conn.Close()
		return err
	}
	c.layout = l
	c.connected = true

	c.logger.Info("Connected to iiod",
		zap.String("address", c.address),
		zap.String("firmware", l.context["fw_version"]),
		zap.Int("devices", len(l.deviceIDs)))
	return nil
}

func (c *Client) dialWithBackoff(ctx context.Context) (net.Conn, error) {
	var conn net.Conn
	var lastErr error
	op := func() error {
		if ctx.Err() != nil {
			// stop retrying, reported below
			return nil
		}
		cn, err := c.dial(ctx)
		if err != nil {
			lastErr = err
			c.logger.Debug("iiod dial failed", zap.String("address", c.address), zap.Error(err))
			return err
		}
		conn = cn
		return nil
	}

	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     50 * time.Millisecond,
		RandomizationFactor: 0.2,
		Multiplier:          2.,
		MaxInterval:         time.Second,
		MaxElapsedTime:      c.timeout,
		Clock:               backoff.SystemClock})
	if conn != nil {
		return conn, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err == nil {
		err = lastErr
	}
	return nil, fmt.Errorf("connection to %s failed: %w", c.address, err)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}
	err := c.conn.Close()
	c.connected = false
	c.conn = nil
	return err
}

// roundTripLocked sends one command line plus optional payload and reads the
// status. With wantPayload the status is a length followed by that many bytes.
func (c *Client) roundTripLocked(ctx context.Context, line string, payload []byte, wantPayload bool) ([]byte, error) {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		return nil, fmt.Errorf("write failed: %w", mapNetErr(err))
	}
	if payload != nil {
		if _, err := c.conn.Write(payload); err != nil {
			return nil, fmt.Errorf("write failed: %w", mapNetErr(err))
		}
	}

	n, err := readStatus(c.rd)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", strings.Fields(line)[0], mapNetErr(err))
	}
	if !wantPayload {
		return nil, nil
	}
	data, err := readPayload(c.rd, n)
	if err != nil {
		return nil, fmt.Errorf("read failed: %w", mapNetErr(err))
	}
	return data, nil
}

func mapNetErr(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%v: %w", err, iio.ErrTimeout)
	}
	return err
}

func (c *Client) deviceID(name string) (string, error) {
	id, ok := c.layout.deviceIDs[name]
	if !ok {
		return "", fmt.Errorf("device %s: %w", name, iio.ErrNotFound)
	}
	if id == "" {
		id = name
	}
	return id, nil
}

func (c *Client) HasAttr(a iio.Attr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.layout == nil {
		return false
	}
	return c.layout.attrs[a]
}

func (c *Client) ReadAttr(ctx context.Context, a iio.Attr) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return "", iio.ErrClosed
	}
	if a.Device == "" {
		v, ok := c.layout.context[a.Name]
		if !ok {
			return "", fmt.Errorf("%s: %w", a, iio.ErrNotFound)
		}
		return v, nil
	}
	id, err := c.deviceID(a.Device)
	if err != nil {
		return "", err
	}
	data, err := c.roundTripLocked(ctx, attrCommand("READ", id, a), nil, true)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\x00\n"), nil
}

func (c *Client) WriteAttr(ctx context.Context, a iio.Attr, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return iio.ErrClosed
	}
	if a.Device == "" {
		return fmt.Errorf("context attribute %s is read-only", a.Name)
	}
	id, err := c.deviceID(a.Device)
	if err != nil {
		return err
	}
	payload := []byte(value + "\x00")
	line := fmt.Sprintf("%s %d", attrCommand("WRITE", id, a), len(payload))
	_, err = c.roundTripLocked(ctx, line, payload, false)
	return err
}

// SetTimeout changes the server side I/O timeout of the control connection.
func (c *Client) SetTimeout(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return iio.ErrClosed
	}
	_, err := c.roundTripLocked(ctx, fmt.Sprintf("TIMEOUT %d", d.Milliseconds()), nil, false)
	if err == nil && d > 0 {
		c.timeout = d
	}
	return err
}
