package ref

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDockerHubShortName(t *testing.T) {
	r, err := Parse("nginx")
	require.NoError(t, err)
	assert.Equal(t, "library/nginx", r.Repository)
	assert.Equal(t, "latest", r.Tag)
	assert.Equal(t, "docker.io", r.Registry)
}

func TestParseWithRegistryAndTag(t *testing.T) {
	r, err := Parse("myregistry.example.com/team/app:1.2.3")
	require.NoError(t, err)
	assert.Equal(t, "myregistry.example.com", r.Registry)
	assert.Equal(t, "team/app", r.Repository)
	assert.Equal(t, "1.2.3", r.Tag)
}

func TestParseWithDigest(t *testing.T) {
	d := "sha256:" + string(make([]byte, 64)) // placeholder shape check only
	_ = d
	r, err := Parse("app@sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")
	require.NoError(t, err)
	assert.Equal(t, "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", r.Digest)
	assert.Empty(t, r.Tag)
}

func TestValidateRepositoryRejectsBadPaths(t *testing.T) {
	for _, bad := range []string{"", "/leading", "trailing/", "a/../b"} {
		assert.Error(t, ValidateRepository(bad), "expected %q to be invalid", bad)
	}
	assert.NoError(t, ValidateRepository("library/nginx"))
}

func TestNormalizeRepository(t *testing.T) {
	assert.Equal(t, "library/nginx", NormalizeRepository("nginx"))
	assert.Equal(t, "team/app", NormalizeRepository("team/app"))
}

func TestCommonNameAndCacheKey(t *testing.T) {
	r, err := New("registry.example.com", "team/app", "v1")
	require.NoError(t, err)
	assert.Equal(t, "registry.example.com/team/app:v1", r.CommonName())
	assert.Equal(t, "team/app/v1", r.CacheKey())
}
