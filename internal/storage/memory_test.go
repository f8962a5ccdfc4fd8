package storage

import (
	"context"
	"testing"
	"time"

	"github.com/analogdevicesinc/libm2k-sub001/internal/config"
	"github.com/analogdevicesinc/libm2k-sub001/internal/stream"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFrameArchive(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	archive := NewFrameArchive(m)
	session := uuid.New()
	base := time.Now()

	for i := range 3 {
		require.NoError(t, archive.WriteFrame(ctx, stream.Frame{
			SessionID:  session,
			Sequence:   uint64(i),
			Source:     stream.SourceAnalog,
			Timestamp:  base.Add(time.Duration(i) * time.Millisecond),
			SampleRate: 1e6,
			Analog:     [][]float64{{1, 2, 3, 4}, {5, 6, 7, 8}},
		}))
	}
	require.NoError(t, archive.WriteFrame(ctx, stream.Frame{
		Source:  stream.SourceDigital,
		Digital: []uint16{1, 2},
	}))

	list, err := m.ListCaptures(ctx, CaptureFilter{SessionID: &session})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, uint64(2), list[0].Sequence, "newest first")
	assert.Equal(t, 2, list[0].Channels)
	assert.Equal(t, 4, list[0].Samples)
	assert.Nil(t, list[0].Analog, "listing omits samples")

	full, err := m.GetCapture(ctx, list[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 6, 7, 8}, full.Analog[1])

	digital, err := m.ListCaptures(ctx, CaptureFilter{Source: "digital"})
	require.NoError(t, err)
	require.Len(t, digital, 1)
	assert.Equal(t, 16, digital[0].Channels)
	assert.Nil(t, digital[0].SessionID)

	limited, err := m.ListCaptures(ctx, CaptureFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	require.NoError(t, m.DeleteCapture(ctx, full.ID))
	_, err = m.GetCapture(ctx, full.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.DeleteCapture(ctx, full.ID), ErrNotFound)
}

func TestMemoryCaptureBound(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	m.MaxCaptures = 2
	base := time.Now()
	var ids []uuid.UUID
	for i := range 3 {
		c := &Capture{Source: "analog", Analog: [][]float64{{0}}, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		require.NoError(t, m.SaveCapture(ctx, c))
		ids = append(ids, c.ID)
	}
	_, err := m.GetCapture(ctx, ids[0])
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.GetCapture(ctx, ids[2])
	assert.NoError(t, err)
}

func TestCalibrationRuns(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	for _, outcome := range []string{"ok", "failed", "canceled"} {
		require.NoError(t, m.RecordCalibrationRun(ctx, &CalibrationRun{Target: "all", Outcome: outcome, StartedAt: time.Now()}))
	}
	runs, err := m.ListCalibrationRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "canceled", runs[0].Outcome)
	assert.Equal(t, "failed", runs[1].Outcome)
	assert.NotEqual(t, uuid.Nil, runs[0].ID)
}

func TestUsersAndLockout(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	u, err := m.CreateUser(ctx, "ada", "hash", "technician")
	require.NoError(t, err)
	_, err = m.CreateUser(ctx, "ada", "hash", "operator")
	assert.ErrorIs(t, err, ErrConflict)

	policy := LockPolicy{MaxAttempts: 2, Duration: time.Minute}
	require.NoError(t, m.IncrementFailedLoginAttempts(ctx, u.ID, policy))
	got, err := m.GetUserByUsername(ctx, "ada")
	require.NoError(t, err)
	assert.Nil(t, got.LockedUntil)

	require.NoError(t, m.IncrementFailedLoginAttempts(ctx, u.ID, policy))
	got, _ = m.GetUserByID(ctx, u.ID)
	require.NotNil(t, got.LockedUntil)
	assert.True(t, got.LockedUntil.After(time.Now()))

	require.NoError(t, m.ResetFailedLoginAttempts(ctx, u.ID))
	got, _ = m.GetUserByID(ctx, u.ID)
	assert.Nil(t, got.LockedUntil)
	assert.Zero(t, got.FailedLoginAttempts)

	require.NoError(t, m.DeleteUser(ctx, u.ID))
	_, err = m.GetUserByID(ctx, u.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRefreshTokens(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	id := uuid.New()
	require.NoError(t, m.StoreRefreshToken(ctx, id, "live", time.Now().Add(time.Hour)))
	require.NoError(t, m.StoreRefreshToken(ctx, id, "old", time.Now().Add(-time.Hour)))

	got, err := m.GetRefreshToken(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, id, got)
	_, err = m.GetRefreshToken(ctx, "old")
	assert.ErrorContains(t, err, "expired")

	require.NoError(t, m.RevokeRefreshToken(ctx, "live"))
	_, err = m.GetRefreshToken(ctx, "live")
	assert.ErrorContains(t, err, "revoked")
	_, err = m.GetRefreshToken(ctx, "none")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSeed(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	cfg := config.AuthConfig{
		Users:     []config.UserConfig{{Username: "root", PasswordHash: "h", Role: "admin"}},
		APITokens: []config.APITokenConfig{{Name: "ci", TokenHash: "abc", Permissions: []string{"operator"}}},
	}
	require.NoError(t, Seed(ctx, m, cfg, zap.NewNop()))
	require.NoError(t, Seed(ctx, m, cfg, zap.NewNop()), "seeding twice is a no-op")

	users, err := m.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "admin", users[0].Role)

	tok, err := m.GetAPITokenByHash(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, []string{"operator"}, tok.Permissions)
	tokens, _ := m.ListAPITokens(ctx)
	assert.Len(t, tokens, 1)

	require.NoError(t, m.UpdateAPITokenLastUsed(ctx, tok.ID))
	tok, _ = m.GetAPITokenByHash(ctx, "abc")
	assert.NotNil(t, tok.LastUsedAt)
	require.NoError(t, m.DeleteAPIToken(ctx, tok.ID))
	_, err = m.GetAPITokenByHash(ctx, "abc")
	assert.ErrorIs(t, err, ErrNotFound)
}
