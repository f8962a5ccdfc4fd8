// Package auth issues and verifies access tokens for the REST, WebSocket and
// gRPC surfaces.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/analogdevicesinc/libm2k-sub001/internal/config"
	"github.com/analogdevicesinc/libm2k-sub001/internal/storage"
	"github.com/analogdevicesinc/libm2k-sub001/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Permission string

const (
	PermOperator   Permission = "operator"
	PermTechnician Permission = "technician"
	PermAdmin      Permission = "admin"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// RolePermissions expands a role into the permissions it implies.
func RolePermissions(role string) []Permission {
	switch role {
	case "admin":
		return []Permission{PermOperator, PermTechnician, PermAdmin}
	case "technician":
		return []Permission{PermOperator, PermTechnician}
	default:
		return []Permission{PermOperator}
	}
}

func ValidRole(role string) bool {
	switch Permission(role) {
	case PermOperator, PermTechnician, PermAdmin:
		return true
	}
	return false
}

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID      *uuid.UUID   `json:"user_id,omitempty"`
	Username    string       `json:"username,omitempty"`
	Role        string       `json:"role,omitempty"`
	TokenID     *uuid.UUID   `json:"token_id,omitempty"`
	Permissions []Permission `json:"permissions"`
}

func (p *Principal) Has(perm Permission) bool {
	return p != nil && slices.Contains(p.Permissions, perm)
}

// anonymous is the principal of every request when authentication is off.
var anonymous = &Principal{Username: "anonymous", Role: "admin", Permissions: RolePermissions("admin")}

type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type Service struct {
	store   storage.CredentialStore
	jwt     *JWTHandler
	hasher  *PasswordHasher
	policy  storage.LockPolicy
	enabled bool
	logger  *zap.Logger
}

func NewService(store storage.CredentialStore, cfg config.AuthConfig, hasher *PasswordHasher, logger *zap.Logger) *Service {
	if !cfg.IsProductionReady() && cfg.Enabled {
		logger.Warn("JWT secret is not production ready", zap.String("env", cfg.JWTSecretEnv))
	}
	return &Service{
		store:   store,
		jwt:     NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL, cfg.RefreshTokenTTL),
		hasher:  hasher,
		policy:  storage.LockPolicy{MaxAttempts: cfg.MaxFailedLoginAttempts, Duration: cfg.AccountLockDuration},
		enabled: cfg.Enabled,
		logger:  logger,
	}
}

func (a *Service) Enabled() bool { return a.enabled }

func (a *Service) Login(ctx context.Context, username, password, ip, userAgent string) (*Tokens, error) {
	user, err := a.store.GetUserByUsername(ctx, username)
	if err != nil {
		a.logEvent(ctx, storage.AuthEvent{Type: "user_login_failed", IPAddress: ip, UserAgent: userAgent, Reason: "user not found"})
		return nil, ErrInvalidCredentials
	}

	if user.LockedUntil != nil && time.Now().Before(*user.LockedUntil) {
		a.logEvent(ctx, storage.AuthEvent{Type: "user_login_failed", UserID: &user.ID, IPAddress: ip, UserAgent: userAgent, Reason: "locked"})
		return nil, fmt.Errorf("%w until %s", ErrAccountLocked, user.LockedUntil.Format(time.RFC3339))
	}

	valid, err := a.hasher.VerifyPassword(password, user.PasswordHash)
	if err != nil || !valid {
		if err := a.store.IncrementFailedLoginAttempts(ctx, user.ID, a.policy); err != nil {
			a.logger.Warn("Failed to count failed login", zap.Error(err))
		}
		a.logEvent(ctx, storage.AuthEvent{Type: "user_login_failed", UserID: &user.ID, IPAddress: ip, UserAgent: userAgent, Reason: "invalid password"})
		return nil, ErrInvalidCredentials
	}

	if err := a.store.ResetFailedLoginAttempts(ctx, user.ID); err != nil {
		a.logger.Warn("Failed to reset login attempts", zap.Error(err))
	}
	tokens, err := a.issue(ctx, user)
	if err != nil {
		return nil, err
	}
	if err := a.store.UpdateLastLogin(ctx, user.ID); err != nil {
		a.logger.Warn("Failed to update last login", zap.Error(err))
	}
	a.logEvent(ctx, storage.AuthEvent{Type: "user_login_success", UserID: &user.ID, IPAddress: ip, UserAgent: userAgent, Success: true})
	return tokens, nil
}

func (a *Service) issue(ctx context.Context, user *storage.User) (*Tokens, error) {
	access, err := a.jwt.GenerateAccessToken(user.ID, user.Username, user.Role)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}
	refresh, err := a.jwt.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	if err := a.store.StoreRefreshToken(ctx, user.ID, HashToken(refresh), time.Now().Add(a.jwt.refreshTokenTTL)); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}
	return &Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(a.jwt.accessTokenTTL.Seconds()),
	}, nil
}

// Refresh rotates a refresh token: the old one is revoked and a new pair is
// issued.
func (a *Service) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	hash := HashToken(refreshToken)
	userID, err := a.store.GetRefreshToken(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	user, err := a.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if err := a.store.RevokeRefreshToken(ctx, hash); err != nil {
		return nil, fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return a.issue(ctx, user)
}

func (a *Service) Logout(ctx context.Context, refreshToken string) error {
	return a.store.RevokeRefreshToken(ctx, HashToken(refreshToken))
}

// Authenticate resolves a bearer token, JWT first and API token second.
func (a *Service) Authenticate(ctx context.Context, token, ip, userAgent string) (*Principal, error) {
	if !a.enabled {
		return anonymous, nil
	}
	if claims, err := a.jwt.ValidateAccessToken(token); err == nil {
		id := claims.UserID
		return &Principal{
			UserID:      &id,
			Username:    claims.Username,
			Role:        claims.Role,
			Permissions: RolePermissions(claims.Role),
		}, nil
	}
	if !IsAPIToken(token) {
		return nil, ErrInvalidToken
	}

	t, err := a.store.GetAPITokenByHash(ctx, HashToken(token))
	if err != nil {
		a.logEvent(ctx, storage.AuthEvent{Type: "api_token_failed", IPAddress: ip, UserAgent: userAgent, Reason: "token not found"})
		return nil, ErrInvalidToken
	}
	if err := a.store.UpdateAPITokenLastUsed(ctx, t.ID); err != nil {
		a.logger.Warn("Failed to update token usage", zap.Error(err))
	}
	perms := make([]Permission, len(t.Permissions))
	for i, p := range t.Permissions {
		perms[i] = Permission(p)
	}
	return &Principal{Username: t.Name, TokenID: &t.ID, Permissions: perms}, nil
}

func (a *Service) CreateAPIToken(ctx context.Context, name string, permissions []string, createdBy *uuid.UUID) (string, *storage.APIToken, error) {
	if name == "" {
		return "", nil, types.InvalidParameter("auth.CreateAPIToken", "token name is required")
	}
	for _, p := range permissions {
		if !ValidRole(p) {
			return "", nil, types.InvalidParameter("auth.CreateAPIToken", fmt.Sprintf("unknown permission %q", p))
		}
	}
	token, hash, err := GenerateAPIToken()
	if err != nil {
		return "", nil, err
	}
	t, err := a.store.CreateAPIToken(ctx, hash, name, permissions, createdBy)
	if err != nil {
		return "", nil, fmt.Errorf("failed to store token: %w", err)
	}
	a.logEvent(ctx, storage.AuthEvent{Type: "api_token_created", UserID: createdBy, APITokenID: &t.ID, Success: true})
	return token, t, nil
}

func (a *Service) ListAPITokens(ctx context.Context) ([]*storage.APIToken, error) {
	return a.store.ListAPITokens(ctx)
}

func (a *Service) DeleteAPIToken(ctx context.Context, id uuid.UUID) error {
	return a.store.DeleteAPIToken(ctx, id)
}

func (a *Service) CreateUser(ctx context.Context, username, password, role string) (*storage.User, error) {
	if !ValidRole(role) {
		return nil, types.InvalidParameter("auth.CreateUser", fmt.Sprintf("unknown role %q", role))
	}
	hash, err := a.hasher.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	return a.store.CreateUser(ctx, username, hash, role)
}

func (a *Service) ListUsers(ctx context.Context) ([]*storage.User, error) {
	return a.store.ListUsers(ctx)
}

func (a *Service) DeleteUser(ctx context.Context, id uuid.UUID) error {
	return a.store.DeleteUser(ctx, id)
}

func (a *Service) logEvent(ctx context.Context, e storage.AuthEvent) {
	if err := a.store.LogAuthEvent(ctx, e); err != nil {
		a.logger.Debug("Failed to log auth event", zap.String("event", e.Type), zap.Error(err))
	}
}
