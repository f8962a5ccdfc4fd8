package storage

import (
	"time"

	"github.com/google/uuid"
)

// Capture is one stored block of samples, either taken on request or
// archived from a stream session.
type Capture struct {
	ID         uuid.UUID   `json:"id"`
	SessionID  *uuid.UUID  `json:"session_id,omitempty"`
	Sequence   uint64      `json:"sequence"`
	Source     string      `json:"source"`
	SampleRate float64     `json:"sample_rate"`
	Samples    int         `json:"samples"`
	Channels   int         `json:"channels"`
	Note       string      `json:"note,omitempty"`
	Analog     [][]float64 `json:"analog,omitempty"`
	Digital    []uint16    `json:"digital,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// captureData is the JSONB payload of a capture row.
type captureData struct {
	Analog  [][]float64 `json:"analog,omitempty"`
	Digital []uint16    `json:"digital,omitempty"`
}

type CaptureFilter struct {
	Source    string
	SessionID *uuid.UUID
	Limit     int
}

// CalibrationRun records the outcome and timing of one run, never its
// coefficients.
type CalibrationRun struct {
	ID        uuid.UUID     `json:"id"`
	Target    string        `json:"target"`
	Outcome   string        `json:"outcome"`
	Error     string        `json:"error,omitempty"`
	Firmware  string        `json:"firmware,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

type User struct {
	ID                  uuid.UUID  `json:"id"`
	Username            string     `json:"username"`
	PasswordHash        string     `json:"-"`
	Role                string     `json:"role"`
	CreatedAt           time.Time  `json:"created_at"`
	LastLoginAt         *time.Time `json:"last_login_at"`
	FailedLoginAttempts int        `json:"-"`
	LockedUntil         *time.Time `json:"locked_until,omitempty"`
}

type APIToken struct {
	ID              uuid.UUID  `json:"id"`
	TokenHash       string     `json:"-"`
	Name            string     `json:"name"`
	Permissions     []string   `json:"permissions"`
	CreatedAt       time.Time  `json:"created_at"`
	LastUsedAt      *time.Time `json:"last_used_at"`
	CreatedByUserID *uuid.UUID `json:"created_by_user_id"`
}

type AuthEvent struct {
	Type       string
	UserID     *uuid.UUID
	APITokenID *uuid.UUID
	IPAddress  string
	UserAgent  string
	Success    bool
	Reason     string
}

// LockPolicy locks an account for Duration once MaxAttempts consecutive
// logins failed.
type LockPolicy struct {
	MaxAttempts int
	Duration    time.Duration
}
