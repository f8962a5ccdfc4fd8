// Package iio describes the hardware boundary of the instrument: a typed
// attribute store addressed by device, channel and attribute name, plus the
// DMA transfer primitive used by buffers.
package iio

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrNotFound is returned when the addressed attribute, channel or device does not exist.
	ErrNotFound = errors.New("iio: not found")
	// ErrCanceled is returned by a blocked Push or Refill after Cancel.
	ErrCanceled = errors.New("iio: transfer canceled")
	// ErrTimeout is returned when the backend gave up waiting for data.
	ErrTimeout = errors.New("iio: transfer timed out")
	// ErrClosed is returned for operations on a closed transfer or backend.
	ErrClosed = errors.New("iio: closed")
)

// Attr addresses one attribute. An empty Device addresses a context attribute,
// an empty Channel a device attribute.
type Attr struct {
	Device  string
	Channel string
	Output  bool
	Buffer  bool
	Name    string
}

func ContextAttr(name string) Attr {
	return Attr{Name: name}
}

func DeviceAttr(device, name string) Attr {
	return Attr{Device: device, Name: name}
}

func BufferAttr(device, name string) Attr {
	return Attr{Device: device, Buffer: true, Name: name}
}

func ChannelAttr(device, channel string, output bool, name string) Attr {
	return Attr{Device: device, Channel: channel, Output: output, Name: name}
}

func (a Attr) String() string {
	switch {
	case a.Device == "":
		return a.Name
	case a.Buffer:
		return a.Device + "/buffer/" + a.Name
	case a.Channel == "":
		return a.Device + "/" + a.Name
	}
	dir := "in"
	if a.Output {
		dir = "out"
	}
	return fmt.Sprintf("%s/%s_%s/%s", a.Device, dir, a.Channel, a.Name)
}

// AttrIO is the raw string view of the hardware attributes.
type AttrIO interface {
	ReadAttr(ctx context.Context, a Attr) (string, error)
	WriteAttr(ctx context.Context, a Attr, value string) error
	HasAttr(a Attr) bool
}

// AttributeStore is the typed view used by the instrument code. Every setter
// returns the value read back from the hardware after the write.
type AttributeStore interface {
	GetString(ctx context.Context, a Attr) (string, error)
	SetString(ctx context.Context, a Attr, v string) (string, error)
	GetDouble(ctx context.Context, a Attr) (float64, error)
	SetDouble(ctx context.Context, a Attr, v float64) (float64, error)
	GetBool(ctx context.Context, a Attr) (bool, error)
	SetBool(ctx context.Context, a Attr, v bool) (bool, error)
	GetLong(ctx context.Context, a Attr) (int64, error)
	SetLong(ctx context.Context, a Attr, v int64) (int64, error)
	HasAttribute(a Attr) bool
}

// TransferSpec describes one DMA ring. Channels lists the enabled scan
// elements in scan order; Packed transfers carry one word per sample for all
// channels together (the logic analyzer layout).
type TransferSpec struct {
	Device        string
	Output        bool
	Channels      []string
	Samples       int
	Cyclic        bool
	Packed        bool
	KernelBuffers int
}

// Words is the number of 16-bit words exchanged per Push or Refill.
func (s TransferSpec) Words() int {
	if s.Packed || len(s.Channels) == 0 {
		return s.Samples
	}
	return s.Samples * len(s.Channels)
}

// Transfer is an open DMA ring. Close must be safe to call more than once.
type Transfer interface {
	Push(ctx context.Context, data []int16) error
	Refill(ctx context.Context) ([]int16, error)
	Cancel()
	Close() error
}

type TransferFactory interface {
	CreateTransfer(ctx context.Context, spec TransferSpec) (Transfer, error)
}

// Backend is everything a Context needs from an opened instrument.
type Backend interface {
	AttrIO
	TransferFactory
	Close() error
}

// Store implements AttributeStore on top of a string backend.
type Store struct {
	io AttrIO
}

func NewStore(io AttrIO) *Store {
	return &Store{io: io}
}

func (s *Store) HasAttribute(a Attr) bool {
	return s.io.HasAttr(a)
}

func (s *Store) GetString(ctx context.Context, a Attr) (string, error) {
	v, err := s.io.ReadAttr(ctx, a)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", a, err)
	}
	return strings.TrimSpace(v), nil
}

func (s *Store) SetString(ctx context.Context, a Attr, v string) (string, error) {
	if err := s.io.WriteAttr(ctx, a, v); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", a, err)
	}
	return s.GetString(ctx, a)
}

func (s *Store) GetDouble(ctx context.Context, a Attr) (float64, error) {
	raw, err := s.GetString(ctx, a)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s value %q: %w", a, raw, err)
	}
	return v, nil
}

func (s *Store) SetDouble(ctx context.Context, a Attr, v float64) (float64, error) {
	if err := s.io.WriteAttr(ctx, a, strconv.FormatFloat(v, 'f', -1, 64)); err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", a, err)
	}
	return s.GetDouble(ctx, a)
}

func (s *Store) GetBool(ctx context.Context, a Attr) (bool, error) {
	raw, err := s.GetString(ctx, a)
	if err != nil {
		return false, err
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("failed to parse %s value %q: %w", a, raw, err)
	}
	return v, nil
}

func (s *Store) SetBool(ctx context.Context, a Attr, v bool) (bool, error) {
	val := "0"
	if v {
		val = "1"
	}
	if err := s.io.WriteAttr(ctx, a, val); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", a, err)
	}
	return s.GetBool(ctx, a)
}

func (s *Store) GetLong(ctx context.Context, a Attr) (int64, error) {
	raw, err := s.GetString(ctx, a)
	if err != nil {
		return 0, err
	}
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return v, nil
	}
	// Some drivers report integral attributes with a fractional part.
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s value %q: %w", a, raw, err)
	}
	return int64(f), nil
}

func (s *Store) SetLong(ctx context.Context, a Attr, v int64) (int64, error) {
	if err := s.io.WriteAttr(ctx, a, strconv.FormatInt(v, 10)); err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", a, err)
	}
	return s.GetLong(ctx, a)
}
