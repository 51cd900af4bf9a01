package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTLSConfTextRoundTrip(t *testing.T) {
	for _, tc := range []TLSConf{TLSEnabled, TLSInsecure, TLSDisabled, TLSUndefined} {
		text, err := tc.MarshalText()
		require.NoError(t, err)
		var got TLSConf
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, tc, got)
	}
}

func TestTLSConfUnmarshalTextRejectsUnknown(t *testing.T) {
	var tc TLSConf
	assert.Error(t, tc.UnmarshalText([]byte("bogus")))
}

func TestNewHostResolvesDockerHubAlias(t *testing.T) {
	h := NewHost("docker.io")
	assert.Equal(t, "docker.io", h.Name)
	assert.Equal(t, "registry-1.docker.io", h.Hostname)
	assert.Equal(t, TLSEnabled, h.TLS)
}

func TestNewHostKeepsOtherNamesAsIs(t *testing.T) {
	h := NewHost("registry.example.com")
	assert.Equal(t, "registry.example.com", h.Hostname)
}

func TestTransportOptsReflectsHostSettings(t *testing.T) {
	h := NewHost("registry.example.com")
	h.TLS = TLSDisabled
	h.User = "alice"
	h.Pass = "secret"
	h.BlobChunk = 2048
	h.Timeout = 30 * time.Second

	opts := h.TransportOpts()
	assert.NotEmpty(t, opts)

	c := h.NewClient()
	require.NotNil(t, c)
}

func TestDefaultOptionsMatchesDocumentedDefaults(t *testing.T) {
	o := DefaultOptions()
	assert.Equal(t, 4, o.MaxConcurrent)
	assert.Equal(t, 1, o.MinConcurrent)
	assert.Equal(t, int64(500*1024*1024), o.LargeThreshold)
	assert.Equal(t, int64(10*1024*1024), o.SmallThreshold)
}
