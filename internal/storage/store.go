// Package storage persists captures, calibration run history and
// credentials, in PostgreSQL or in memory when no database is configured.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/analogdevicesinc/libm2k-sub001/internal/stream"
	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

type CaptureStore interface {
	SaveCapture(ctx context.Context, c *Capture) error
	GetCapture(ctx context.Context, id uuid.UUID) (*Capture, error)
	ListCaptures(ctx context.Context, filter CaptureFilter) ([]*Capture, error)
	DeleteCapture(ctx context.Context, id uuid.UUID) error
}

type CalibrationStore interface {
	RecordCalibrationRun(ctx context.Context, run *CalibrationRun) error
	ListCalibrationRuns(ctx context.Context, limit int) ([]*CalibrationRun, error)
}

type CredentialStore interface {
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*User, error)
	CreateUser(ctx context.Context, username, passwordHash, role string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
	DeleteUser(ctx context.Context, id uuid.UUID) error
	UpdateLastLogin(ctx context.Context, id uuid.UUID) error
	IncrementFailedLoginAttempts(ctx context.Context, id uuid.UUID, policy LockPolicy) error
	ResetFailedLoginAttempts(ctx context.Context, id uuid.UUID) error

	CreateAPIToken(ctx context.Context, tokenHash, name string, permissions []string, createdBy *uuid.UUID) (*APIToken, error)
	GetAPITokenByHash(ctx context.Context, tokenHash string) (*APIToken, error)
	UpdateAPITokenLastUsed(ctx context.Context, id uuid.UUID) error
	ListAPITokens(ctx context.Context) ([]*APIToken, error)
	DeleteAPIToken(ctx context.Context, id uuid.UUID) error

	StoreRefreshToken(ctx context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time) error
	GetRefreshToken(ctx context.Context, tokenHash string) (uuid.UUID, error)
	RevokeRefreshToken(ctx context.Context, tokenHash string) error

	LogAuthEvent(ctx context.Context, e AuthEvent) error
}

type Store interface {
	CaptureStore
	CalibrationStore
	CredentialStore
	Close()
}

var (
	_ Store = (*PostgresClient)(nil)
	_ Store = (*MemoryStore)(nil)
)

// CaptureFromFrame converts a stream frame into a capture row.
func CaptureFromFrame(f stream.Frame) *Capture {
	c := &Capture{
		ID:         uuid.New(),
		Sequence:   f.Sequence,
		Source:     string(f.Source),
		SampleRate: f.SampleRate,
		Analog:     f.Analog,
		Digital:    f.Digital,
		CreatedAt:  f.Timestamp,
	}
	if f.SessionID != uuid.Nil {
		id := f.SessionID
		c.SessionID = &id
	}
	c.fillShape()
	return c
}

func (c *Capture) fillShape() {
	switch {
	case len(c.Analog) > 0:
		c.Channels = len(c.Analog)
		c.Samples = len(c.Analog[0])
	case len(c.Digital) > 0:
		c.Channels = 16
		c.Samples = len(c.Digital)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
}

// FrameArchive stores every frame it receives as a capture.
type FrameArchive struct {
	store CaptureStore
}

func NewFrameArchive(store CaptureStore) *FrameArchive {
	return &FrameArchive{store: store}
}

func (a *FrameArchive) WriteFrame(ctx context.Context, f stream.Frame) error {
	return a.store.SaveCapture(ctx, CaptureFromFrame(f))
}

var _ stream.Sink = (*FrameArchive)(nil)
