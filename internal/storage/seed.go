package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/analogdevicesinc/libm2k-sub001/internal/config"
	"go.uber.org/zap"
)

// Seed creates the users and API tokens listed in the configuration that do
// not exist yet. Existing entries are left untouched.
func Seed(ctx context.Context, store CredentialStore, cfg config.AuthConfig, logger *zap.Logger) error {
	for _, u := range cfg.Users {
		if _, err := store.GetUserByUsername(ctx, u.Username); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if _, err := store.CreateUser(ctx, u.Username, u.PasswordHash, u.Role); err != nil {
			return fmt.Errorf("failed to seed user %s: %w", u.Username, err)
		}
		logger.Info("Seeded user", zap.String("username", u.Username), zap.String("role", u.Role))
	}

	for _, t := range cfg.APITokens {
		if _, err := store.GetAPITokenByHash(ctx, t.TokenHash); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if _, err := store.CreateAPIToken(ctx, t.TokenHash, t.Name, t.Permissions, nil); err != nil {
			return fmt.Errorf("failed to seed api token %s: %w", t.Name, err)
		}
		logger.Info("Seeded API token", zap.String("name", t.Name))
	}
	return nil
}
