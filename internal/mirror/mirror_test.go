package mirror

import (
	"testing"

	"ducksearch/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReturnsNilWhenDisabled(t *testing.T) {
	m, err := New(config.ArtifactMirrorConfig{}, nil)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestNewRejectsUnsupportedProvider(t *testing.T) {
	_, err := New(config.ArtifactMirrorConfig{Provider: "ftp", Bucket: "b"}, nil)
	require.Error(t, err)
}

func TestNewRejectsS3MissingCredentials(t *testing.T) {
	t.Setenv("DUCKSEARCH_S3_KEY_ID", "")
	t.Setenv("DUCKSEARCH_S3_SECRET", "")
	_, err := New(config.ArtifactMirrorConfig{Provider: "s3", Bucket: "b"}, nil)
	require.Error(t, err)
}
