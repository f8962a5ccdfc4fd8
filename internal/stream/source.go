package stream

import (
	"context"

	"github.com/analogdevicesinc/libm2k-sub001/internal/analog"
	"github.com/analogdevicesinc/libm2k-sub001/internal/digital"
)

type Source string

const (
	SourceAnalog  Source = "analog"
	SourceDigital Source = "digital"
)

// Acquirer is the instrument side of a session. Acquire fills the sample
// fields of a frame; Cancel unblocks a pending Acquire from another
// goroutine and Stop releases the acquisition ring.
type Acquirer interface {
	Source() Source
	Acquire(ctx context.Context, n int) (Frame, error)
	Cancel()
	Stop(ctx context.Context) error
}

// AnalogAcquirer streams both oscilloscope channels in volts.
type AnalogAcquirer struct {
	In *analog.In
}

func (a AnalogAcquirer) Source() Source { return SourceAnalog }

func (a AnalogAcquirer) Acquire(ctx context.Context, n int) (Frame, error) {
	rate, err := a.In.SampleRate(ctx)
	if err != nil {
		return Frame{}, err
	}
	samples, err := a.In.GetSamples(ctx, n)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Source: SourceAnalog, SampleRate: rate, Analog: samples}, nil
}

func (a AnalogAcquirer) Cancel() { a.In.Buffer().Cancel() }

func (a AnalogAcquirer) Stop(ctx context.Context) error { return a.In.StopAcquisition(ctx) }

// DigitalAcquirer streams the sixteen logic lines as packed words.
type DigitalAcquirer struct {
	Digital *digital.Digital
}

func (d DigitalAcquirer) Source() Source { return SourceDigital }

func (d DigitalAcquirer) Acquire(ctx context.Context, n int) (Frame, error) {
	rate, err := d.Digital.SampleRateIn(ctx)
	if err != nil {
		return Frame{}, err
	}
	samples, err := d.Digital.GetSamples(ctx, n)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Source: SourceDigital, SampleRate: rate, Digital: samples}, nil
}

func (d DigitalAcquirer) Cancel() { d.Digital.CancelAcquisition() }

func (d DigitalAcquirer) Stop(ctx context.Context) error { return d.Digital.StopAcquisition(ctx) }
