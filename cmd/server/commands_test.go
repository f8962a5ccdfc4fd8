package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/analogdevicesinc/libm2k-sub001/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestHashPasswordFromStdin(t *testing.T) {
	var out bytes.Buffer
	hashPasswordCmd.SetIn(strings.NewReader("s3cret\n"))
	hashPasswordCmd.SetOut(&out)
	require.NoError(t, runHashPassword(hashPasswordCmd, nil))

	hash := strings.TrimSpace(out.String())
	assert.True(t, strings.HasPrefix(hash, "$argon2id$"))
	ok, err := auth.NewPasswordHasher(auth.DefaultPasswordParams).VerifyPassword("s3cret", hash)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGenTokenPrintsMatchingHash(t *testing.T) {
	var out bytes.Buffer
	genTokenCmd.SetOut(&out)
	tokenName = "ci"
	tokenPermissions = []string{"operator", "technician"}
	require.NoError(t, runGenToken(genTokenCmd, nil))

	token, rest, ok := strings.Cut(out.String(), "\n\n")
	require.True(t, ok)
	token = strings.TrimPrefix(token, "token: ")
	assert.True(t, auth.IsAPIToken(token))

	var doc struct {
		APITokens []tokenEntry `yaml:"api_tokens"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(rest), &doc))
	require.Len(t, doc.APITokens, 1)
	assert.Equal(t, "ci", doc.APITokens[0].Name)
	assert.Equal(t, auth.HashToken(token), doc.APITokens[0].TokenHash)
	assert.Equal(t, []string{"operator", "technician"}, doc.APITokens[0].Permissions)
}

func TestGenTokenRejectsUnknownPermission(t *testing.T) {
	genTokenCmd.SetOut(&bytes.Buffer{})
	tokenName = "bad"
	tokenPermissions = []string{"root"}
	assert.Error(t, runGenToken(genTokenCmd, nil))
}
