package m2k

import (
	"context"
	"fmt"
	"strings"

	"github.com/analogdevicesinc/libm2k-sub001/internal/iio"
	"github.com/analogdevicesinc/libm2k-sub001/internal/iio/iiod"
	"github.com/analogdevicesinc/libm2k-sub001/internal/iio/sim"
	"github.com/analogdevicesinc/libm2k-sub001/internal/types"
	"go.uber.org/zap"
)

const (
	SimScheme = "sim:"
	IPScheme  = "ip:"
)

// OpenURI selects the backend from the uri scheme and opens it:
//
//	sim:              simulated instrument with the profile firmware
//	sim:v0.23         simulated instrument reporting that firmware
//	ip:host[:port]    iiod over TCP
func OpenURI(ctx context.Context, uri string, opts Options, logger *zap.Logger) (*Context, error) {
	backend, err := Dial(ctx, uri, opts, logger)
	if err != nil {
		return nil, err
	}
	return Open(ctx, uri, backend, opts, logger)
}

// Dial creates the backend for uri without building a Context.
func Dial(ctx context.Context, uri string, opts Options, logger *zap.Logger) (iio.Backend, error) {
	const op = "m2k.Dial"
	switch {
	case strings.HasPrefix(uri, SimScheme):
		var simOpts []sim.Option
		if fw := strings.TrimPrefix(uri, SimScheme); fw != "" {
			simOpts = append(simOpts, sim.WithFirmware(fw))
		}
		if opts.Profile != nil {
			simOpts = append(simOpts, sim.WithProfile(opts.Profile))
		}
		m, err := sim.New(simOpts...)
		if err != nil {
			return nil, types.WrapError(types.KindRuntime, op, err)
		}
		return m, nil

	case strings.HasPrefix(uri, IPScheme):
		host := strings.TrimPrefix(uri, IPScheme)
		if host == "" {
			return nil, types.InvalidParameter(op, "missing host in "+uri)
		}
		client := iiod.NewClient(host, opts.Timeout, logger)
		if err := client.Connect(ctx); err != nil {
			return nil, types.WrapError(types.KindRuntime, op, fmt.Errorf("failed to connect to %s: %w", host, err))
		}
		return client, nil
	}
	return nil, types.InvalidParameter(op, fmt.Sprintf("unsupported uri %q", uri))
}
