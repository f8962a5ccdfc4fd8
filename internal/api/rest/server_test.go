package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/analogdevicesinc/libm2k-sub001/internal/api/websocket"
	"github.com/analogdevicesinc/libm2k-sub001/internal/auth"
	"github.com/analogdevicesinc/libm2k-sub001/internal/config"
	"github.com/analogdevicesinc/libm2k-sub001/internal/interfaces"
	"github.com/analogdevicesinc/libm2k-sub001/internal/iio/sim"
	"github.com/analogdevicesinc/libm2k-sub001/internal/m2k"
	"github.com/analogdevicesinc/libm2k-sub001/internal/storage"
	"github.com/analogdevicesinc/libm2k-sub001/internal/stream"
	"github.com/analogdevicesinc/libm2k-sub001/internal/trigger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeLifecycle struct {
	cfg     *config.Config
	inst    *m2k.Context
	store   *storage.MemoryStore
	streams *stream.Manager
}

func (f *fakeLifecycle) Config() *config.Config         { return f.cfg }
func (f *fakeLifecycle) Instrument() *m2k.Context       { return f.inst }
func (f *fakeLifecycle) Storage() storage.Store         { return f.store }
func (f *fakeLifecycle) Streams() *stream.Manager       { return f.streams }
func (f *fakeLifecycle) Shutdown(context.Context) error { return nil }

func (f *fakeLifecycle) GetCurrentStatus(ctx context.Context) interfaces.SystemStatus {
	return interfaces.SystemStatus{
		State:       "ready",
		Instrument:  f.inst.Info(),
		Calibration: f.inst.Calibration().Status(),
		Streams:     f.streams.List(),
		Timestamp:   time.Now().Unix(),
	}
}

type testServer struct {
	srv *Server
	lm  *fakeLifecycle
	svc *auth.Service
}

func newTestServer(t *testing.T, authCfg config.AuthConfig) *testServer {
	t.Helper()
	ctx := context.Background()
	cfg := &config.Config{
		Server:    config.ServerConfig{HTTPPort: 0, ShutdownTimeout: time.Second},
		Streaming: config.StreamingConfig{SamplesPerFrame: 64, MaxFrameRate: 50, SubscriberDepth: 4},
		Auth:      authCfg,
		Logging:   config.LoggingConfig{Level: "debug", Development: true},
	}

	m, err := sim.New()
	require.NoError(t, err)
	inst, err := m2k.Open(ctx, "sim:rest-"+t.Name(), m, m2k.Options{}, zap.NewNop())
	require.NoError(t, err)

	store := storage.NewMemoryStore()
	params := auth.PasswordParams{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 8, KeyLength: 16}
	svc := auth.NewService(store, authCfg, auth.NewPasswordHasher(params), zap.NewNop())

	streams := stream.NewManager(zap.NewNop(), storage.NewFrameArchive(store))
	streams.Register(stream.AnalogAcquirer{In: inst.AnalogIn()})
	streams.Register(stream.DigitalAcquirer{Digital: inst.Digital()})

	hub := websocket.NewHub(zap.NewNop(), svc)
	lm := &fakeLifecycle{cfg: cfg, inst: inst, store: store, streams: streams}
	t.Cleanup(func() {
		streams.StopAll()
		inst.Close(ctx)
	})
	return &testServer{srv: NewServer(cfg, lm, zap.NewNop(), hub, svc), lm: lm, svc: svc}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decode(t, w, &resp)
	return resp.Error.Code
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, config.AuthConfig{})

	w := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	w = ts.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "m2k_http_requests_total")
}

func TestPermissionsByRole(t *testing.T) {
	t.Setenv("M2KD_REST_TEST_JWT", "0123456789abcdef0123456789abcdef")
	ts := newTestServer(t, config.AuthConfig{
		Enabled:         true,
		JWTSecretEnv:    "M2KD_REST_TEST_JWT",
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
	})
	ctx := context.Background()
	_, err := ts.svc.CreateUser(ctx, "op", "operator-pw", "operator")
	require.NoError(t, err)
	_, err = ts.svc.CreateUser(ctx, "tech", "technician-pw", "technician")
	require.NoError(t, err)

	login := func(user, pw string) string {
		w := ts.do(t, http.MethodPost, "/api/v1/auth/login", "", LoginRequest{Username: user, Password: pw})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var resp struct {
			AccessToken string `json:"access_token"`
		}
		decode(t, w, &resp)
		require.NotEmpty(t, resp.AccessToken)
		return resp.AccessToken
	}
	op := login("op", "operator-pw")
	tech := login("tech", "technician-pw")

	w := ts.do(t, http.MethodGet, "/api/v1/analog-in", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/analog-in", op, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPut, "/api/v1/calibration/coefficients", op, gin.H{"channel": 0, "adc_gain": 1.01})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodPut, "/api/v1/calibration/coefficients", tech, gin.H{"channel": 0, "adc_gain": 1.01})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPost, "/api/v1/context/reset", tech, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/users", tech, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/auth/login", "", LoginRequest{Username: "op", Password: "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAcquireSaveAndExport(t *testing.T) {
	ts := newTestServer(t, config.AuthConfig{})

	w := ts.do(t, http.MethodPost, "/api/v1/analog-in/acquire", "", AcquireRequest{Samples: 8})
	assert.Equal(t, http.StatusBadRequest, w.Code, "no channel enabled")
	assert.Equal(t, "INVALID_PARAMETER", errorCode(t, w))

	w = ts.do(t, http.MethodPut, "/api/v1/analog-in/channels/0", "", gin.H{"enabled": true, "range": "PLUS_MINUS_25V"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var ch InputChannel
	decode(t, w, &ch)
	assert.True(t, ch.Enabled)

	w = ts.do(t, http.MethodPost, "/api/v1/analog-in/acquire", "", AcquireRequest{Samples: 8, Save: true, Note: "bench"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var acq struct {
		SampleRate float64     `json:"sample_rate"`
		Analog     [][]float64 `json:"analog"`
		CaptureID  uuid.UUID   `json:"capture_id"`
	}
	decode(t, w, &acq)
	require.Len(t, acq.Analog, 2)
	assert.Len(t, acq.Analog[0], 8)
	assert.Positive(t, acq.SampleRate)
	require.NotEqual(t, uuid.Nil, acq.CaptureID)

	w = ts.do(t, http.MethodGet, "/api/v1/captures?source=analog", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Captures []storage.Capture `json:"captures"`
	}
	decode(t, w, &list)
	require.Len(t, list.Captures, 1)
	assert.Equal(t, "bench", list.Captures[0].Note)
	assert.Nil(t, list.Captures[0].Analog, "listings omit samples")

	w = ts.do(t, http.MethodGet, "/api/v1/captures/"+acq.CaptureID.String()+"/csv", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 9)
	assert.Equal(t, "time_s,ch0,ch1", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "0,"))

	w = ts.do(t, http.MethodDelete, "/api/v1/captures/"+acq.CaptureID.String(), "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = ts.do(t, http.MethodGet, "/api/v1/captures/"+acq.CaptureID.String(), "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = ts.do(t, http.MethodGet, "/api/v1/captures/nope", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDigitalCaptureCSV(t *testing.T) {
	ts := newTestServer(t, config.AuthConfig{})
	capture := &storage.Capture{Source: "digital", SampleRate: 1000, Digital: []uint16{0x0001, 0x8000}}
	require.NoError(t, ts.lm.store.SaveCapture(context.Background(), capture))

	w := ts.do(t, http.MethodGet, "/api/v1/captures/"+capture.ID.String()+"/csv", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "index,time_s,word\n0,0,0x0001\n1,0.001,0x8000\n", w.Body.String())
}

func TestRejectsInvalidChannel(t *testing.T) {
	ts := newTestServer(t, config.AuthConfig{})

	w := ts.do(t, http.MethodPut, "/api/v1/analog-in/channels/2", "", gin.H{"enabled": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.do(t, http.MethodPut, "/api/v1/digital/lines/16", "", gin.H{"enabled": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.do(t, http.MethodPut, "/api/v1/power/rails/x", "", gin.H{"enabled": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.do(t, http.MethodPut, "/api/v1/calibration/coefficients", "", gin.H{"channel": 3, "adc_gain": 1.0})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.do(t, http.MethodPut, "/api/v1/calibration/coefficients", "", gin.H{"channel": 0, "adc_gain": -1.0})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_PARAMETER", errorCode(t, w))
}

func TestStreamLifecycle(t *testing.T) {
	ts := newTestServer(t, config.AuthConfig{})
	w := ts.do(t, http.MethodPut, "/api/v1/analog-in/channels/0", "", gin.H{"enabled": true})
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/streams", "", StartStreamRequest{Source: "analog"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var info stream.Info
	decode(t, w, &info)
	assert.Equal(t, stream.SourceAnalog, info.Source)
	assert.Equal(t, 64, info.Config.SamplesPerFrame, "server default applied")
	id := info.ID.String()

	w = ts.do(t, http.MethodPost, "/api/v1/analog-in/acquire", "", AcquireRequest{Samples: 8})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "SOURCE_BUSY", errorCode(t, w))

	w = ts.do(t, http.MethodPost, "/api/v1/streams", "", StartStreamRequest{Source: "analog"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodDelete, "/api/v1/streams/"+id, "", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/streams", "", nil)
	assert.Contains(t, w.Body.String(), id)

	w = ts.do(t, http.MethodPost, "/api/v1/streams/"+id+"/stop", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.Eventually(t, func() bool {
		_, busy := ts.lm.streams.Active(stream.SourceAnalog)
		return !busy
	}, 5*time.Second, 10*time.Millisecond)

	w = ts.do(t, http.MethodGet, "/api/v1/streams/"+id, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &info)
	assert.Equal(t, stream.StateStopped, info.State)

	w = ts.do(t, http.MethodDelete, "/api/v1/streams/"+id, "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = ts.do(t, http.MethodGet, "/api/v1/streams/"+id, "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = ts.do(t, http.MethodGet, "/api/v1/streams/bogus", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/streams", "", gin.H{"source": "spectrum"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusAndTrigger(t *testing.T) {
	ts := newTestServer(t, config.AuthConfig{})

	w := ts.do(t, http.MethodGet, "/api/v1/system/status", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status interfaces.SystemStatus
	decode(t, w, &status)
	assert.Equal(t, "ready", status.State)
	assert.Equal(t, "v0.32", status.Instrument.Firmware)

	w = ts.do(t, http.MethodGet, "/api/v1/trigger", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var view TriggerView
	decode(t, w, &view)
	assert.Len(t, view.Digital.Conditions, 16)
	require.NotNil(t, view.Analog)
	require.NotNil(t, view.AnalogOut)
	assert.Equal(t, trigger.OutSourceNone, view.AnalogOut.Source)

	w = ts.do(t, http.MethodPut, "/api/v1/trigger/digital", "", gin.H{
		"digital_out": gin.H{"source": "trigger-adc", "condition": "edge-falling"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &view)
	require.NotNil(t, view.DigitalOut)
	assert.Equal(t, GeneratorStart{Source: trigger.OutSourceAnalogIn, Condition: trigger.FallingEdgeDigital}, *view.DigitalOut)

	w = ts.do(t, http.MethodPut, "/api/v1/trigger/digital", "", gin.H{
		"analog_out": gin.H{"source": "trigger-dac", "condition": "none"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/calibration", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state"`)

	w = ts.do(t, http.MethodPut, "/api/v1/context/timeout", "", gin.H{"timeout_ms": 250})
	assert.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodPut, "/api/v1/context/timeout", "", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
