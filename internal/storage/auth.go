package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const userColumns = `id, username, password_hash, role, created_at, last_login_at, failed_login_attempts, locked_until`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role,
		&u.CreatedAt, &u.LastLoginAt, &u.FailedLoginAttempts, &u.LockedUntil)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func notFound(what string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("failed to get %s: %w", what, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (p *PostgresClient) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u, err := scanUser(p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
	if err != nil {
		return nil, notFound("user", err)
	}
	return u, nil
}

func (p *PostgresClient) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := scanUser(p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, notFound("user", err)
	}
	return u, nil
}

func (p *PostgresClient) CreateUser(ctx context.Context, username, passwordHash, role string) (*User, error) {
	u, err := scanUser(p.pool.QueryRow(ctx, `
		INSERT INTO users (username, password_hash, role)
		VALUES ($1, $2, $3)
		RETURNING `+userColumns, username, passwordHash, role))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("user %s: %w", username, ErrConflict)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return u, nil
}

func (p *PostgresClient) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (p *PostgresClient) DeleteUser(ctx context.Context, id uuid.UUID) error {
	result, err := p.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return nil
}

func (p *PostgresClient) UpdateLastLogin(ctx context.Context, id uuid.UUID) error {
	_, err := p.pool.Exec(ctx, `UPDATE users SET last_login_at = NOW() WHERE id = $1`, id)
	return err
}

func (p *PostgresClient) IncrementFailedLoginAttempts(ctx context.Context, id uuid.UUID, policy LockPolicy) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE users
		SET failed_login_attempts = failed_login_attempts + 1,
		    locked_until = CASE
		        WHEN $2::int > 0 AND failed_login_attempts + 1 >= $2::int THEN NOW() + $3::float8 * INTERVAL '1 millisecond'
		        ELSE locked_until
		    END
		WHERE id = $1
	`, id, policy.MaxAttempts, policy.Duration.Milliseconds())
	return err
}

func (p *PostgresClient) ResetFailedLoginAttempts(ctx context.Context, id uuid.UUID) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE users
		SET failed_login_attempts = 0, locked_until = NULL
		WHERE id = $1
	`, id)
	return err
}

const tokenColumns = `id, token_hash, name, permissions, created_at, last_used_at, created_by_user_id`

func scanToken(row pgx.Row) (*APIToken, error) {
	var t APIToken
	if err := row.Scan(&t.ID, &t.TokenHash, &t.Name, &t.Permissions, &t.CreatedAt, &t.LastUsedAt, &t.CreatedByUserID); err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *PostgresClient) CreateAPIToken(ctx context.Context, tokenHash, name string, permissions []string, createdBy *uuid.UUID) (*APIToken, error) {
	t, err := scanToken(p.pool.QueryRow(ctx, `
		INSERT INTO api_tokens (token_hash, name, permissions, created_by_user_id)
		VALUES ($1, $2, $3, $4)
		RETURNING `+tokenColumns, tokenHash, name, permissions, createdBy))
	if err != nil {
		return nil, fmt.Errorf("failed to create api token: %w", err)
	}
	return t, nil
}

func (p *PostgresClient) GetAPITokenByHash(ctx context.Context, tokenHash string) (*APIToken, error) {
	t, err := scanToken(p.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM api_tokens WHERE token_hash = $1`, tokenHash))
	if err != nil {
		return nil, notFound("api token", err)
	}
	return t, nil
}

func (p *PostgresClient) UpdateAPITokenLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := p.pool.Exec(ctx, `UPDATE api_tokens SET last_used_at = NOW() WHERE id = $1`, id)
	return err
}

func (p *PostgresClient) ListAPITokens(ctx context.Context) ([]*APIToken, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+tokenColumns+` FROM api_tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list api tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*APIToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan api token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (p *PostgresClient) DeleteAPIToken(ctx context.Context, id uuid.UUID) error {
	result, err := p.pool.Exec(ctx, `DELETE FROM api_tokens WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete api token: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("api token %s: %w", id, ErrNotFound)
	}
	return nil
}

func (p *PostgresClient) StoreRefreshToken(ctx context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO refresh_tokens (user_id, token_hash, expires_at)
		VALUES ($1, $2, $3)
	`, userID, tokenHash, expiresAt)
	return err
}

// GetRefreshToken returns the owner of a live refresh token.
func (p *PostgresClient) GetRefreshToken(ctx context.Context, tokenHash string) (uuid.UUID, error) {
	var (
		userID    uuid.UUID
		expiresAt time.Time
		revokedAt *time.Time
	)
	err := p.pool.QueryRow(ctx, `
		SELECT user_id, expires_at, revoked_at
		FROM refresh_tokens
		WHERE token_hash = $1
	`, tokenHash).Scan(&userID, &expiresAt, &revokedAt)
	if err != nil {
		return uuid.Nil, notFound("refresh token", err)
	}
	if revokedAt != nil {
		return uuid.Nil, fmt.Errorf("refresh token revoked")
	}
	if time.Now().After(expiresAt) {
		return uuid.Nil, fmt.Errorf("refresh token expired")
	}
	return userID, nil
}

func (p *PostgresClient) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	_, err := p.pool.Exec(ctx, `UPDATE refresh_tokens SET revoked_at = NOW() WHERE token_hash = $1`, tokenHash)
	return err
}

func (p *PostgresClient) LogAuthEvent(ctx context.Context, e AuthEvent) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO auth_events (event_type, user_id, api_token_id, ip_address, user_agent, success, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.Type, e.UserID, e.APITokenID, e.IPAddress, e.UserAgent, e.Success, e.Reason)
	return err
}
