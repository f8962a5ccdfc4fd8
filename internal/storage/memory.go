package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type refreshToken struct {
	userID    uuid.UUID
	expiresAt time.Time
	revoked   bool
}

// MemoryStore keeps everything in process memory. It serves deployments
// without a database and the tests.
type MemoryStore struct {
	mu       sync.RWMutex
	captures map[uuid.UUID]*Capture
	runs     []*CalibrationRun
	users    map[uuid.UUID]*User
	tokens   map[uuid.UUID]*APIToken
	refresh  map[string]*refreshToken
	events   []AuthEvent
	// MaxCaptures bounds the capture set, oldest first out. Zero keeps all.
	MaxCaptures int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		captures: make(map[uuid.UUID]*Capture),
		users:    make(map[uuid.UUID]*User),
		tokens:   make(map[uuid.UUID]*APIToken),
		refresh:  make(map[string]*refreshToken),
	}
}

func (m *MemoryStore) Close() {}

func (m *MemoryStore) SaveCapture(ctx context.Context, c *Capture) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.fillShape()
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.captures[c.ID] = &cp
	if m.MaxCaptures > 0 && len(m.captures) > m.MaxCaptures {
		var oldest *Capture
		for _, x := range m.captures {
			if oldest == nil || x.CreatedAt.Before(oldest.CreatedAt) {
				oldest = x
			}
		}
		delete(m.captures, oldest.ID)
	}
	return nil
}

func (m *MemoryStore) GetCapture(ctx context.Context, id uuid.UUID) (*Capture, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.captures[id]
	if !ok {
		return nil, fmt.Errorf("capture %s: %w", id, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ListCaptures(ctx context.Context, filter CaptureFilter) ([]*Capture, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Capture
	for _, c := range m.captures {
		if filter.Source != "" && c.Source != filter.Source {
			continue
		}
		if filter.SessionID != nil && (c.SessionID == nil || *c.SessionID != *filter.SessionID) {
			continue
		}
		meta := *c
		meta.Analog, meta.Digital = nil, nil
		out = append(out, &meta)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Sequence > out[j].Sequence
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteCapture(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.captures[id]; !ok {
		return fmt.Errorf("capture %s: %w", id, ErrNotFound)
	}
	delete(m.captures, id)
	return nil
}

func (m *MemoryStore) RecordCalibrationRun(ctx context.Context, run *CalibrationRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs = append(m.runs, &cp)
	return nil
}

func (m *MemoryStore) ListCalibrationRuns(ctx context.Context, limit int) ([]*CalibrationRun, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*CalibrationRun, 0, min(limit, len(m.runs)))
	for i := len(m.runs) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *m.runs[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("user: %w", ErrNotFound)
}

func (m *MemoryStore) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("user: %w", ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) CreateUser(ctx context.Context, username, passwordHash, role string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			return nil, fmt.Errorf("user %s: %w", username, ErrConflict)
		}
	}
	u := &User{ID: uuid.New(), Username: username, PasswordHash: passwordHash, Role: role, CreatedAt: time.Now()}
	m.users[u.ID] = u
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) ListUsers(ctx context.Context) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteUser(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	delete(m.users, id)
	return nil
}

func (m *MemoryStore) withUser(id uuid.UUID, fn func(u *User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	fn(u)
	return nil
}

func (m *MemoryStore) UpdateLastLogin(ctx context.Context, id uuid.UUID) error {
	return m.withUser(id, func(u *User) {
		now := time.Now()
		u.LastLoginAt = &now
	})
}

func (m *MemoryStore) IncrementFailedLoginAttempts(ctx context.Context, id uuid.UUID, policy LockPolicy) error {
	return m.withUser(id, func(u *User) {
		u.FailedLoginAttempts++
		if policy.MaxAttempts > 0 && u.FailedLoginAttempts >= policy.MaxAttempts {
			until := time.Now().Add(policy.Duration)
			u.LockedUntil = &until
		}
	})
}

func (m *MemoryStore) ResetFailedLoginAttempts(ctx context.Context, id uuid.UUID) error {
	return m.withUser(id, func(u *User) {
		u.FailedLoginAttempts = 0
		u.LockedUntil = nil
	})
}

func (m *MemoryStore) CreateAPIToken(ctx context.Context, tokenHash, name string, permissions []string, createdBy *uuid.UUID) (*APIToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.TokenHash == tokenHash {
			return nil, fmt.Errorf("api token %s: %w", name, ErrConflict)
		}
	}
	t := &APIToken{
		ID:              uuid.New(),
		TokenHash:       tokenHash,
		Name:            name,
		Permissions:     slices.Clone(permissions),
		CreatedAt:       time.Now(),
		CreatedByUserID: createdBy,
	}
	m.tokens[t.ID] = t
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetAPITokenByHash(ctx context.Context, tokenHash string) (*APIToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tokens {
		if t.TokenHash == tokenHash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("api token: %w", ErrNotFound)
}

func (m *MemoryStore) UpdateAPITokenLastUsed(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return fmt.Errorf("api token %s: %w", id, ErrNotFound)
	}
	now := time.Now()
	t.LastUsedAt = &now
	return nil
}

func (m *MemoryStore) ListAPITokens(ctx context.Context) ([]*APIToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*APIToken, 0, len(m.tokens))
	for _, t := range m.tokens {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteAPIToken(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[id]; !ok {
		return fmt.Errorf("api token %s: %w", id, ErrNotFound)
	}
	delete(m.tokens, id)
	return nil
}

func (m *MemoryStore) StoreRefreshToken(ctx context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[tokenHash] = &refreshToken{userID: userID, expiresAt: expiresAt}
	return nil
}

func (m *MemoryStore) GetRefreshToken(ctx context.Context, tokenHash string) (uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.refresh[tokenHash]
	switch {
	case !ok:
		return uuid.Nil, fmt.Errorf("refresh token: %w", ErrNotFound)
	case rt.revoked:
		return uuid.Nil, fmt.Errorf("refresh token revoked")
	case time.Now().After(rt.expiresAt):
		return uuid.Nil, fmt.Errorf("refresh token expired")
	}
	return rt.userID, nil
}

func (m *MemoryStore) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt, ok := m.refresh[tokenHash]; ok {
		rt.revoked = true
	}
	return nil
}

func (m *MemoryStore) LogAuthEvent(ctx context.Context, e AuthEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

// AuthEvents returns the recorded authentication events, oldest first.
func (m *MemoryStore) AuthEvents() []AuthEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.events)
}
