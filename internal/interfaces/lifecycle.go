package interfaces

import (
	"context"

	"github.com/analogdevicesinc/libm2k-sub001/internal/calibration"
	"github.com/analogdevicesinc/libm2k-sub001/internal/config"
	"github.com/analogdevicesinc/libm2k-sub001/internal/m2k"
	"github.com/analogdevicesinc/libm2k-sub001/internal/storage"
	"github.com/analogdevicesinc/libm2k-sub001/internal/stream"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State            string             `json:"state"`
	Instrument       m2k.Info           `json:"instrument"`
	Calibration      calibration.Status `json:"calibration"`
	Streams          []stream.Info      `json:"streams"`
	WebSocketClients int                `json:"websocket_clients"`
	Uptime           float64            `json:"uptime_seconds"`
	Timestamp        int64              `json:"timestamp"`
	Error            string             `json:"error,omitempty"`
}

// LifecycleManager is what the API surfaces need from the running service.
type LifecycleManager interface {
	Config() *config.Config
	Instrument() *m2k.Context
	Storage() storage.Store
	Streams() *stream.Manager
	GetCurrentStatus(ctx context.Context) SystemStatus
	Shutdown(ctx context.Context) error
}
