package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const apiTokenPrefix = "m2k_"

// apiTokenLen is prefix + uuid + "_" + 64 hex digits.
const apiTokenLen = len(apiTokenPrefix) + 36 + 1 + 64

// GenerateAPIToken creates a token of the form m2k_<uuid>_<secret> and
// returns it with the hash that is stored in its place.
func GenerateAPIToken() (token, hash string, err error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", "", fmt.Errorf("failed to generate secret: %w", err)
	}
	token = apiTokenPrefix + uuid.NewString() + "_" + hex.EncodeToString(secret)
	return token, HashToken(token), nil
}

// HashToken is the storage form of API and refresh tokens.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func IsAPIToken(token string) bool {
	return len(token) == apiTokenLen && strings.HasPrefix(token, apiTokenPrefix)
}
