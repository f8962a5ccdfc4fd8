package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/analogdevicesinc/libm2k-sub001/internal/auth"
	"github.com/analogdevicesinc/libm2k-sub001/internal/config"
	"github.com/analogdevicesinc/libm2k-sub001/internal/storage"
	"github.com/analogdevicesinc/libm2k-sub001/internal/stream"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticStatus struct{}

func (staticStatus) Status(ctx context.Context) any { return map[string]string{"state": "ready"} }

type received struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

type ticker struct{}

func (ticker) Source() stream.Source { return stream.SourceDigital }

func (ticker) Acquire(ctx context.Context, n int) (stream.Frame, error) {
	if err := ctx.Err(); err != nil {
		return stream.Frame{}, err
	}
	return stream.Frame{Source: stream.SourceDigital, SampleRate: 1e6, Digital: make([]uint16, n)}, nil
}

func (ticker) Cancel()                        {}
func (ticker) Stop(ctx context.Context) error { return nil }

func newTestHub(t *testing.T, svc *auth.Service) (*Hub, string) {
	t.Helper()
	if svc == nil {
		svc = auth.NewService(storage.NewMemoryStore(), config.AuthConfig{}, auth.NewPasswordHasher(auth.DefaultPasswordParams), zap.NewNop())
	}
	hub := NewHub(zap.NewNop(), svc)
	hub.SetStatusProvider(staticStatus{})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads messages until one of type want arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want MessageType) received {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg received
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == want {
			return msg
		}
	}
}

func TestDisabledAuthJoinsImmediately(t *testing.T) {
	hub, url := newTestHub(t, nil)
	conn := dial(t, url)

	var first received
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, MessageTypeAuthSuccess, first.Type)

	status := readUntil(t, conn, MessageTypeSystemStatus)
	assert.JSONEq(t, `{"state":"ready"}`, string(status.Data))
	assert.Equal(t, 1, hub.ClientCount())

	hub.Broadcast(NewMessage(MessageTypeCalibrationState, map[string]string{"state": "calibrating"}))
	msg := readUntil(t, conn, MessageTypeCalibrationState)
	assert.Contains(t, string(msg.Data), "calibrating")
}

func newAuthService(t *testing.T) (*auth.Service, string) {
	t.Helper()
	t.Setenv("M2KD_WS_TEST_JWT", "0123456789abcdef0123456789abcdef")
	params := auth.PasswordParams{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 8, KeyLength: 16}
	svc := auth.NewService(storage.NewMemoryStore(), config.AuthConfig{
		Enabled:         true,
		JWTSecretEnv:    "M2KD_WS_TEST_JWT",
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
	}, auth.NewPasswordHasher(params), zap.NewNop())

	ctx := context.Background()
	_, err := svc.CreateUser(ctx, "viewer", "pw", "operator")
	require.NoError(t, err)
	tokens, err := svc.Login(ctx, "viewer", "pw", "", "")
	require.NoError(t, err)
	return svc, tokens.AccessToken
}

func TestAuthFirstMessage(t *testing.T) {
	svc, token := newAuthService(t)
	hub, url := newTestHub(t, svc)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "auth", Token: token}))
	msg := readUntil(t, conn, MessageTypeAuthSuccess)
	assert.Contains(t, string(msg.Data), "operator")
	readUntil(t, conn, MessageTypeSystemStatus)
	assert.Equal(t, 1, hub.ClientCount())
}

func TestRejectsUnauthenticatedFirstMessage(t *testing.T) {
	svc, _ := newAuthService(t)
	hub, url := newTestHub(t, svc)

	conn := dial(t, url)
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "subscribe", Sources: []stream.Source{stream.SourceAnalog}}))
	readUntil(t, conn, MessageTypeAuthFailed)
	var next received
	assert.Error(t, conn.ReadJSON(&next), "connection is closed after a failed auth")

	conn = dial(t, url)
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "auth", Token: "forged"}))
	readUntil(t, conn, MessageTypeAuthFailed)
	assert.Equal(t, 0, hub.ClientCount())
}

func TestQueryToken(t *testing.T) {
	svc, token := newAuthService(t)
	_, url := newTestHub(t, svc)

	_, resp, err := websocket.DefaultDialer.Dial(url+"?access_token=forged", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn := dial(t, url+"?access_token="+token)
	readUntil(t, conn, MessageTypeAuthSuccess)
	readUntil(t, conn, MessageTypeSystemStatus)
}

func TestSubscribeFiltersFrames(t *testing.T) {
	hub, url := newTestHub(t, nil)
	conn := dial(t, url)
	readUntil(t, conn, MessageTypeSystemStatus)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "subscribe", Sources: []stream.Source{stream.SourceAnalog}}))
	readUntil(t, conn, MessageTypeSubscribed)

	hub.Broadcast(NewFrameMessage(stream.Frame{Source: stream.SourceDigital, Sequence: 1}))
	hub.Broadcast(NewFrameMessage(stream.Frame{Source: stream.SourceAnalog, Sequence: 2}))

	msg := readUntil(t, conn, MessageTypeFrame)
	var f stream.Frame
	require.NoError(t, json.Unmarshal(msg.Data, &f))
	assert.Equal(t, stream.SourceAnalog, f.Source)
	assert.Equal(t, uint64(2), f.Sequence)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "unsubscribe", Sources: []stream.Source{stream.SourceAnalog}}))
	msg = readUntil(t, conn, MessageTypeSubscribed)
	assert.JSONEq(t, `{"sources":[]}`, string(msg.Data))

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "bogus"}))
	msg = readUntil(t, conn, MessageTypeError)
	assert.Contains(t, string(msg.Data), "bogus")
}

func TestForwardSession(t *testing.T) {
	hub, url := newTestHub(t, nil)
	conn := dial(t, url)
	readUntil(t, conn, MessageTypeSystemStatus)

	s := stream.NewSession(ticker{}, stream.Config{SamplesPerFrame: 8, MaxFrameRate: 50}, zap.NewNop())
	require.NoError(t, s.Start(context.Background()))
	hub.Forward(s)

	msg := readUntil(t, conn, MessageTypeFrame)
	var f stream.Frame
	require.NoError(t, json.Unmarshal(msg.Data, &f))
	assert.Equal(t, s.ID(), f.SessionID)
	assert.Len(t, f.Digital, 8)

	require.NoError(t, s.Stop())
	msg = readUntil(t, conn, MessageTypeStreamEnded)
	var ended StreamEndedData
	require.NoError(t, json.Unmarshal(msg.Data, &ended))
	assert.Equal(t, s.ID().String(), ended.SessionID)
	assert.Equal(t, stream.StateStopped, ended.State)
}
