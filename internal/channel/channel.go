// Package channel provides handles on buffer capable IIO channels and the
// registry that hands them out exclusively.
package channel

import (
	"context"
	"math/bits"

	"github.com/analogdevicesinc/libm2k-sub001/internal/iio"
	"github.com/analogdevicesinc/libm2k-sub001/internal/types"
)

// Channel is one scan element of a device. It is obtained from a Registry and
// stays valid until released.
type Channel struct {
	store  iio.AttributeStore
	device string
	id     string
	output bool
	format types.ScanFormat
}

func (c *Channel) Device() string { return c.device }
func (c *Channel) ID() string     { return c.id }
func (c *Channel) Output() bool   { return c.output }
func (c *Channel) Index() int     { return c.format.Index }

func (c *Channel) Format() types.ScanFormat { return c.format }

// Attr addresses an attribute of this channel.
func (c *Channel) Attr(name string) iio.Attr {
	return iio.ChannelAttr(c.device, c.id, c.output, name)
}

func (c *Channel) HasAttribute(name string) bool {
	return c.store.HasAttribute(c.Attr(name))
}

func (c *Channel) Enable(ctx context.Context, enable bool) error {
	_, err := c.store.SetBool(ctx, c.Attr("en"), enable)
	return err
}

func (c *Channel) Enabled(ctx context.Context) (bool, error) {
	return c.store.GetBool(ctx, c.Attr("en"))
}

func (c *Channel) GetString(ctx context.Context, name string) (string, error) {
	return c.store.GetString(ctx, c.Attr(name))
}

func (c *Channel) SetString(ctx context.Context, name, v string) (string, error) {
	return c.store.SetString(ctx, c.Attr(name), v)
}

func (c *Channel) GetDouble(ctx context.Context, name string) (float64, error) {
	return c.store.GetDouble(ctx, c.Attr(name))
}

func (c *Channel) SetDouble(ctx context.Context, name string, v float64) (float64, error) {
	return c.store.SetDouble(ctx, c.Attr(name), v)
}

func (c *Channel) GetLong(ctx context.Context, name string) (int64, error) {
	return c.store.GetLong(ctx, c.Attr(name))
}

func (c *Channel) SetLong(ctx context.Context, name string, v int64) (int64, error) {
	return c.store.SetLong(ctx, c.Attr(name), v)
}

// ConvertHostFormat turns a word as delivered by the DMA into a host value:
// byte order, shift, width and sign extension follow the scan format.
func (c *Channel) ConvertHostFormat(word int16) int16 {
	f := c.format
	v := uint16(word)
	if f.BigEndian {
		v = bits.ReverseBytes16(v)
	}
	v >>= uint(f.Shift)
	if f.Bits > 0 && f.Bits < 16 {
		mask := uint16(1)<<uint(f.Bits) - 1
		v &= mask
		if f.Signed && v&(1<<uint(f.Bits-1)) != 0 {
			v |= ^mask
		}
	}
	return int16(v)
}
