package system

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/analogdevicesinc/libm2k-sub001/internal/calibration"
	"github.com/analogdevicesinc/libm2k-sub001/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ShutdownTimeout: 5 * time.Second,
			StatusInterval:  50 * time.Millisecond,
		},
		Instrument: config.InstrumentConfig{
			URI:     "sim:v0.32",
			Timeout: time.Second,
			Profile: "m2k",
		},
		Calibration: config.CalibrationConfig{
			SettleTime:     time.Millisecond,
			FineTuneSettle: time.Microsecond,
			OffsetSamples:  32,
			GainSamples:    32,
		},
		Streaming: config.StreamingConfig{
			SamplesPerFrame: 32,
			MaxFrameRate:    50,
			SubscriberDepth: 4,
			Archive:         true,
		},
		Logging: config.LoggingConfig{Level: "debug"},
	}
}

func TestValidateTransition(t *testing.T) {
	assert.NoError(t, ValidateTransition(StateInitializing, StateRunning))
	assert.NoError(t, ValidateTransition(StateRunning, StateCalibrating))
	assert.NoError(t, ValidateTransition(StateCalibrating, StateRunning))
	assert.NoError(t, ValidateTransition(StateError, StateStopping))
	assert.Error(t, ValidateTransition(StateStopped, StateRunning))
	assert.Error(t, ValidateTransition(StateRunning, StateInitializing))
	assert.Equal(t, "CALIBRATING", StateCalibrating.String())
	assert.Equal(t, "UNKNOWN", SystemState(42).String())
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	lm, err := NewLifecycleManager(ctx, testConfig(), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, StateInitializing, lm.State())

	require.NoError(t, lm.Start())
	assert.Equal(t, StateRunning, lm.State())
	require.NotEmpty(t, lm.RESTAddr())
	require.NotEmpty(t, lm.GRPCAddr())

	_, port, err := net.SplitHostPort(lm.RESTAddr())
	require.NoError(t, err)
	resp, err := http.Get("http://127.0.0.1:" + port + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	status := lm.GetCurrentStatus(ctx)
	assert.Equal(t, "RUNNING", status.State)
	assert.Equal(t, "v0.32", status.Instrument.Firmware)
	assert.Empty(t, status.Error)

	require.NoError(t, lm.Instrument().Calibration().CalibrateADC(ctx))
	assert.Equal(t, StateRunning, lm.State())

	runs, err := lm.Storage().ListCalibrationRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "adc", runs[0].Target)
	assert.Equal(t, "v0.32", runs[0].Firmware)

	st := lm.GetCurrentStatus(ctx)
	assert.Equal(t, calibration.StateCalibrated, st.Calibration.State)

	b, err := json.Marshal(st)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"uptime_seconds"`)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, lm.Shutdown(shutdownCtx))
	assert.Equal(t, StateStopped, lm.State())
	assert.NoError(t, lm.Shutdown(shutdownCtx))

	select {
	case <-lm.Done():
	default:
		t.Fatal("Done not closed after shutdown")
	}
}

func TestNewLifecycleManagerRejectsUnknownProfile(t *testing.T) {
	cfg := testConfig()
	cfg.Instrument.URI = "sim:v0.31"
	cfg.Instrument.Profile = "no-such-profile"
	_, err := NewLifecycleManager(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}
