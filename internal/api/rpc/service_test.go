package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/analogdevicesinc/libm2k-sub001/internal/auth"
	"github.com/analogdevicesinc/libm2k-sub001/internal/calibration"
	"github.com/analogdevicesinc/libm2k-sub001/internal/config"
	"github.com/analogdevicesinc/libm2k-sub001/internal/interfaces"
	"github.com/analogdevicesinc/libm2k-sub001/internal/iio/sim"
	"github.com/analogdevicesinc/libm2k-sub001/internal/m2k"
	"github.com/analogdevicesinc/libm2k-sub001/internal/storage"
	"github.com/analogdevicesinc/libm2k-sub001/internal/stream"
	"github.com/analogdevicesinc/libm2k-sub001/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

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
	}
}

type harness struct {
	client InstrumentClient
	lm     *fakeLifecycle
	svc    *auth.Service
}

func newHarness(t *testing.T, authCfg config.AuthConfig) *harness {
	t.Helper()
	ctx := context.Background()

	m, err := sim.New()
	require.NoError(t, err)
	inst, err := m2k.Open(ctx, "sim:rpc-"+t.Name(), m, m2k.Options{
		Calibration: calibration.Options{
			SettleTime:     time.Millisecond,
			FineTuneSettle: time.Microsecond,
			OffsetSamples:  32,
			GainSamples:    32,
			DACSamples:     16,
		},
	}, zap.NewNop())
	require.NoError(t, err)

	store := storage.NewMemoryStore()
	params := auth.PasswordParams{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 8, KeyLength: 16}
	authSvc := auth.NewService(store, authCfg, auth.NewPasswordHasher(params), zap.NewNop())

	streams := stream.NewManager(zap.NewNop(), nil)
	streams.Register(stream.AnalogAcquirer{In: inst.AnalogIn()})
	streams.Register(stream.DigitalAcquirer{Digital: inst.Digital()})

	lm := &fakeLifecycle{
		cfg:     &config.Config{Streaming: config.StreamingConfig{SamplesPerFrame: 32, MaxFrameRate: 100, SubscriberDepth: 4}},
		inst:    inst,
		store:   store,
		streams: streams,
	}

	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(NewService(lm, authSvc, zap.NewNop()))
	go srv.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		srv.Stop()
		streams.StopAll()
		inst.Close(ctx)
	})
	return &harness{client: NewInstrumentClient(conn), lm: lm, svc: authSvc}
}

func withToken(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

func TestGetStatus(t *testing.T) {
	h := newHarness(t, config.AuthConfig{})

	st, err := h.client.GetStatus(context.Background(), &emptypb.Empty{})
	require.NoError(t, err)
	assert.Equal(t, "ready", st.GetFields()["state"].GetStringValue())
	inst := st.GetFields()["instrument"].GetStructValue()
	require.NotNil(t, inst)
	assert.Equal(t, "v0.32", inst.GetFields()["firmware"].GetStringValue())
}

func TestCalibratePermissions(t *testing.T) {
	t.Setenv("M2KD_RPC_TEST_JWT", "0123456789abcdef0123456789abcdef")
	h := newHarness(t, config.AuthConfig{
		Enabled:         true,
		JWTSecretEnv:    "M2KD_RPC_TEST_JWT",
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
	})
	ctx := context.Background()
	_, err := h.svc.CreateUser(ctx, "op", "operator-pw", "operator")
	require.NoError(t, err)
	_, err = h.svc.CreateUser(ctx, "tech", "technician-pw", "technician")
	require.NoError(t, err)
	op, err := h.svc.Login(ctx, "op", "operator-pw", "", "")
	require.NoError(t, err)
	tech, err := h.svc.Login(ctx, "tech", "technician-pw", "", "")
	require.NoError(t, err)

	_, err = h.client.GetStatus(ctx, &emptypb.Empty{})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	_, err = h.client.GetStatus(withToken(ctx, "forged"), &emptypb.Empty{})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	_, err = h.client.GetStatus(withToken(ctx, op.AccessToken), &emptypb.Empty{})
	assert.NoError(t, err)

	req, err := structpb.NewStruct(map[string]any{"target": "adc"})
	require.NoError(t, err)
	_, err = h.client.Calibrate(withToken(ctx, op.AccessToken), req)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	bad, err := structpb.NewStruct(map[string]any{"target": "everything"})
	require.NoError(t, err)
	_, err = h.client.Calibrate(withToken(ctx, tech.AccessToken), bad)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	st, err := h.client.Calibrate(withToken(ctx, tech.AccessToken), req)
	require.NoError(t, err)
	assert.Equal(t, string(calibration.StateCalibrated), st.GetFields()["state"].GetStringValue())
	assert.True(t, st.GetFields()["adc_calibrated"].GetBoolValue())
}

func TestStreamSamplesOwnsSession(t *testing.T) {
	h := newHarness(t, config.AuthConfig{})
	ctx := context.Background()

	req, err := structpb.NewStruct(map[string]any{"source": "digital", "samples_per_frame": 16, "max_frames": 3})
	require.NoError(t, err)
	stream, err := h.client.StreamSamples(ctx, req)
	require.NoError(t, err)

	var frames int
	for {
		f, err := stream.Recv()
		if err != nil {
			break
		}
		frames++
		assert.Equal(t, "digital", f.GetFields()["source"].GetStringValue())
		assert.Len(t, f.GetFields()["digital"].GetListValue().GetValues(), 16)
	}
	assert.Equal(t, 3, frames)

	require.Eventually(t, func() bool {
		_, busy := h.lm.streams.Active("digital")
		return !busy
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStreamSamplesErrors(t *testing.T) {
	h := newHarness(t, config.AuthConfig{})

	req, err := structpb.NewStruct(map[string]any{"source": "spectrum"})
	require.NoError(t, err)
	stream, err := h.client.StreamSamples(context.Background(), req)
	require.NoError(t, err)
	_, err = stream.Recv()
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, codes.InvalidArgument, CodeOf(types.KindInvalidParameter))
	assert.Equal(t, codes.OutOfRange, CodeOf(types.KindOutOfRange))
	assert.Equal(t, codes.DeadlineExceeded, CodeOf(types.KindTimeout))
	assert.Equal(t, codes.Internal, CodeOf(types.KindRuntime))

	assert.Equal(t, codes.Canceled, status.Code(toStatus(types.WrapError(types.KindRuntime, "op", calibration.ErrCanceled))))
	assert.Equal(t, codes.NotFound, status.Code(toStatus(storage.ErrNotFound)))
	assert.Equal(t, codes.OutOfRange, status.Code(toStatus(types.OutOfRange("op", "too far"))))
}
