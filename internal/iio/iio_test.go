package iio

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapIO map[Attr]string

func (m mapIO) ReadAttr(_ context.Context, a Attr) (string, error) {
	v, ok := m[a]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m mapIO) WriteAttr(_ context.Context, a Attr, v string) error {
	if _, ok := m[a]; !ok {
		return ErrNotFound
	}
	m[a] = v
	return nil
}

func (m mapIO) HasAttr(a Attr) bool {
	_, ok := m[a]
	return ok
}

func TestStoreTypedAccess(t *testing.T) {
	rate := DeviceAttr("m2k-adc", "sampling_frequency")
	en := ChannelAttr("m2k-adc", "voltage0", false, "en")
	scale := ChannelAttr("m2k-adc", "voltage0", false, "calibscale")
	io := mapIO{rate: "100000000.000000", en: "0", scale: "1"}
	s := NewStore(io)
	ctx := context.Background()

	got, err := s.GetLong(ctx, rate)
	require.NoError(t, err)
	assert.EqualValues(t, 100000000, got)

	b, err := s.SetBool(ctx, en, true)
	require.NoError(t, err)
	assert.True(t, b)
	assert.Equal(t, "1", io[en])

	f, err := s.SetDouble(ctx, scale, 0.98)
	require.NoError(t, err)
	assert.InDelta(t, 0.98, f, 1e-12)

	_, err = s.GetString(ctx, DeviceAttr("m2k-adc", "missing"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, s.HasAttribute(DeviceAttr("m2k-adc", "missing")))
}

func TestAttrString(t *testing.T) {
	assert.Equal(t, "fw_version", ContextAttr("fw_version").String())
	assert.Equal(t, "m2k-dac-a/dma_sync", DeviceAttr("m2k-dac-a", "dma_sync").String())
	assert.Equal(t, "m2k-fabric/out_voltage0/powerdown", ChannelAttr("m2k-fabric", "voltage0", true, "powerdown").String())
}

func TestCompareVersion(t *testing.T) {
	assert.Equal(t, -1, CompareVersion("v0.23", "v0.24"))
	assert.Equal(t, 0, CompareVersion("v0.24", "v0.24"))
	assert.Equal(t, 1, CompareVersion("v0.31-dirty", "v0.24"))
	assert.Equal(t, 1, CompareVersion("v1.0", "v0.32"))
}

func TestTransferSpecWords(t *testing.T) {
	assert.Equal(t, 200, TransferSpec{Channels: []string{"voltage0", "voltage1"}, Samples: 100}.Words())
	assert.Equal(t, 100, TransferSpec{Channels: []string{"voltage0", "voltage1"}, Samples: 100, Packed: true}.Words())
}
