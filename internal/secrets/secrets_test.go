package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"ducksearch/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSidecarFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.env")
	require.NoError(t, os.WriteFile(path, []byte("API_TOKEN=sk-abc123\n# comment\n\nOTHER=val\n"), 0o600))

	v, err := Load(path)
	require.NoError(t, err)

	got, err := v.Resolve("API_TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "sk-abc123", got)
}

func TestResolveFromEnvironment(t *testing.T) {
	t.Setenv("DUCKSEARCH_SECRET_DEMO_KEY", "env-value")

	v, err := Load("")
	require.NoError(t, err)

	got, err := v.Resolve("DEMO_KEY")
	require.NoError(t, err)
	assert.Equal(t, "env-value", got)
}

func TestResolveUndeclared(t *testing.T) {
	v, err := Load("")
	require.NoError(t, err)

	_, err = v.Resolve("MISSING")
	require.Error(t, err)
	code, ok := apperr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, apperr.UndeclaredName, code)
}

func TestRedact(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.env")
	require.NoError(t, os.WriteFile(path, []byte("API_TOKEN=sk-abc123\n"), 0o600))

	v, err := Load(path)
	require.NoError(t, err)

	redacted := v.Redact("SELECT * FROM t WHERE token = 'sk-abc123'")
	assert.NotContains(t, redacted, "sk-abc123")
	assert.Contains(t, redacted, "***")
}

func TestRedactCoversEnvSourcedAfterResolve(t *testing.T) {
	t.Setenv("DUCKSEARCH_SECRET_DEMO_KEY", "env-secret-value")
	v, err := Load("")
	require.NoError(t, err)

	_, err = v.Resolve("DEMO_KEY")
	require.NoError(t, err)

	redacted := v.Redact("error near env-secret-value token")
	assert.NotContains(t, redacted, "env-secret-value")
}

func TestLoadMissingSidecarIsNotFatal(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.env"))
	require.NoError(t, err)
}
