package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberlearn/labmanager/internal/auth"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestTokenCommand_MintsVerifiableToken(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "cmd-test-secret")

	out, err := execute(t, "token", "--subject", "learner-42", "--ttl", "10m")
	require.NoError(t, err)

	v, err := auth.NewVerifier(auth.Config{Secret: "cmd-test-secret", RequiredRole: "authenticated"})
	require.NoError(t, err)
	p, err := v.Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "learner-42", p.Subject)
	assert.Equal(t, "authenticated", p.Role)
}

func TestTokenCommand_RequiresSecret(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "")
	_, err := execute(t, "token", "--subject", "learner-42")
	assert.ErrorContains(t, err, "AUTH_JWT_SECRET")
}

func TestMigrateCommand_SQLite(t *testing.T) {
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "labs.db"))
	t.Setenv("LOG_LEVEL", "error")

	out, err := execute(t, "migrate", "up")
	require.NoError(t, err)
	assert.Contains(t, out, "sqlite schema is up to date")

	_, err = execute(t, "migrate", "status")
	assert.ErrorContains(t, err, "requires the postgres driver")

	_, err = execute(t, "migrate", "sideways")
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "labmanager dev"))
}
