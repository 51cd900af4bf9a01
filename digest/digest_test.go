package digest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeAndValidate(t *testing.T) {
	d := Compute([]byte("hello"))
	assert.True(t, Validate(d.String()))
}

func TestValidateRejectsGarbage(t *testing.T) {
	cases := []string{
		"",
		"sha256:short",
		"md5:" + string(Empty[7:]),
		"SHA256:" + string(Empty[7:]), // uppercase prefix rejected
	}
	for _, c := range cases {
		assert.False(t, Validate(c), "expected %q to be invalid", c)
	}
}

func TestNormalize(t *testing.T) {
	hex := string(Empty)[len("sha256:"):]
	got, err := Normalize(hex)
	require.NoError(t, err)
	assert.Equal(t, Empty, got)

	got, err = Normalize(string(Empty))
	require.NoError(t, err)
	assert.Equal(t, Empty, got)

	_, err = Normalize("not-a-digest")
	require.Error(t, err)
}

func TestVerify(t *testing.T) {
	data := []byte("content")
	good := Compute(data)
	require.NoError(t, Verify(data, good))
	require.Error(t, Verify(data, Empty))
}

func TestExtractFromLayerPath(t *testing.T) {
	hex := "a379a6f6eeafb9a55e378c118034e275f9b2b8b3b3b3b3b3b3b3b3b3b3b3b3b3"

	for path, wantOK := range map[string]bool{
		hex + "/layer.tar":    true,
		"blobs/sha256/" + hex: true,
		hex + ".tar":          true,
		hex:                   true,
		"manifest.json":       false,
		"not-hex/layer.tar":   false,
	} {
		d, ok := ExtractFromLayerPath(path)
		assert.Equal(t, wantOK, ok, "path %q", path)
		if wantOK {
			assert.Equal(t, "sha256:"+hex, d.String())
		}
	}
}
