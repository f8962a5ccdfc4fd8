package buffer

import (
	"context"
	"errors"

	"github.com/analogdevicesinc/libm2k-sub001/internal/iio"
	"github.com/analogdevicesinc/libm2k-sub001/internal/types"
	"go.uber.org/zap"
)

// Target is one participant of a synchronized push.
type Target struct {
	Buffer *Buffer
	Data   []int16
	Cyclic bool
}

// PushSynchronized pushes every target with the devices' DMA held, so that
// all outputs start on the same clock edge. dma_sync is cleared on every
// participant before returning, also when a push failed or ctx was
// canceled. dma_sync_start is raised when every target carried data and the
// firmware exposes it. A streaming push into running rings is not held.
func PushSynchronized(ctx context.Context, store iio.AttributeStore, logger *zap.Logger, targets []Target) (err error) {
	const op = "buffer.PushSynchronized"
	if len(targets) == 0 {
		return types.InvalidParameter(op, "no targets")
	}

	hold := false
	allPushed := true
	startAvailable := true
	for _, t := range targets {
		if t.Buffer == nil || !t.Buffer.Output() {
			return types.InvalidParameter(op, "targets must be output buffers")
		}
		if len(t.Data) == 0 {
			allPushed = false
		}
		if t.Buffer.needsSync(len(t.Data), t.Cyclic) {
			hold = true
		}
		if !store.HasAttribute(iio.DeviceAttr(t.Buffer.Device(), "dma_sync_start")) {
			startAvailable = false
		}
	}

	if hold {
		defer func() {
			// detached so that a canceled caller still releases the DMA
			clearCtx := context.WithoutCancel(ctx)
			var errs []error
			for _, t := range targets {
				if _, cerr := store.SetBool(clearCtx, iio.DeviceAttr(t.Buffer.Device(), "dma_sync"), false); cerr != nil {
					errs = append(errs, cerr)
				}
			}
			if cerr := errors.Join(errs...); cerr != nil {
				logger.Warn("Failed to release synchronized DMA", zap.Error(cerr))
				err = errors.Join(err, types.WrapError(types.KindRuntime, op, cerr))
			}
		}()

		for _, t := range targets {
			if _, err := store.SetBool(ctx, iio.DeviceAttr(t.Buffer.Device(), "dma_sync"), true); err != nil {
				return types.WrapError(types.KindRuntime, op, err)
			}
		}
	}

	for _, t := range targets {
		if err := t.Buffer.Push(ctx, t.Data, t.Cyclic); err != nil {
			return err
		}
	}

	if hold && allPushed && startAvailable {
		for _, t := range targets {
			if _, err := store.SetBool(ctx, iio.DeviceAttr(t.Buffer.Device(), "dma_sync_start"), true); err != nil {
				return types.WrapError(types.KindRuntime, op, err)
			}
		}
	}
	return nil
}
