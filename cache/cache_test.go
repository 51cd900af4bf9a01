package cache

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ctrdigest "github.com/ctrtransfer/ctrtransfer/digest"
)

func openCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	return c
}

func TestSaveAndGetManifest(t *testing.T) {
	c := openCache(t)
	data := []byte(`{"schemaVersion":2}`)
	path, err := c.SaveManifest("library/nginx", "latest", data, "sha256:aa")
	require.NoError(t, err)
	assert.FileExists(t, path)

	got, err := c.GetManifest("library/nginx", "latest")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestSaveBlobDeduplicatesOnMatchingSize(t *testing.T) {
	c := openCache(t)
	data := []byte("blob-bytes")
	dig := ctrdigest.Compute(data).String()

	path1, err := c.SaveBlob(dig, data)
	require.NoError(t, err)
	info1, err := os.Stat(path1)
	require.NoError(t, err)

	path2, err := c.SaveBlob(dig, data)
	require.NoError(t, err)
	info2, err := os.Stat(path2)
	require.NoError(t, err)

	assert.Equal(t, path1, path2)
	assert.Equal(t, info1.ModTime(), info2.ModTime())
}

func TestAddBlobWithVerificationRejectsMismatch(t *testing.T) {
	c := openCache(t)
	data := []byte("config-bytes")
	_, err := c.AddBlobWithVerification("sha256:"+string(ctrdigest.Empty)[7:], data, true, false)
	require.Error(t, err)
}

func TestAddBlobWithVerificationAcceptsMatch(t *testing.T) {
	c := openCache(t)
	data := []byte("config-bytes")
	dig := ctrdigest.Compute(data).String()
	_, err := c.AddBlobWithVerification(dig, data, true, false)
	require.NoError(t, err)
}

func TestAssociateBlobRequiresExistingFile(t *testing.T) {
	c := openCache(t)
	_, err := c.SaveManifest("a/b", "v1", []byte("{}"), "sha256:aa")
	require.NoError(t, err)

	err = c.AssociateBlobWithImage("a/b", "v1", "sha256:doesnotexist", 10, false, false)
	require.Error(t, err)
}

func TestIsImageCompleteAndRemoveManifestGC(t *testing.T) {
	c := openCache(t)
	_, err := c.SaveManifest("a/b", "v1", []byte("{}"), "sha256:cfg")
	require.NoError(t, err)

	layerData := []byte("layer-bytes")
	layerDigest := ctrdigest.Compute(layerData).String()
	_, err = c.SaveBlob(layerDigest, layerData)
	require.NoError(t, err)
	require.NoError(t, c.AssociateBlobWithImage("a/b", "v1", layerDigest, int64(len(layerData)), false, true))

	assert.True(t, c.IsImageComplete("a/b", "v1"))

	blobPath := c.blobPath(layerDigest)
	require.NoError(t, c.RemoveManifest("a/b", "v1"))
	assert.NoFileExists(t, blobPath)
	assert.False(t, c.IsImageComplete("a/b", "v1"))
}

func TestHasBlobWithVerification(t *testing.T) {
	c := openCache(t)
	data := []byte("payload")
	dig := ctrdigest.Compute(data).String()
	_, err := c.SaveBlob(dig, data)
	require.NoError(t, err)

	ok, err := c.HasBlobWithVerification(dig, false)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.HasBlobWithVerification(dig, true)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.HasBlobWithVerification("sha256:notpresent0000000000000000000000000000000000000000000000000000", false)
	require.NoError(t, err)
	assert.False(t, ok)
}

// buildSaveTar mirrors the helper in the archive package's tests: a
// minimal Docker save tar with one config entry and one layer entry.
func buildSaveTar(t *testing.T, configBytes, layerBytes []byte) []byte {
	t.Helper()
	layerDigest := ctrdigest.Compute(layerBytes).String()
	hex := layerDigest[len("sha256:"):]
	layerPath := hex + "/layer.tar"

	manifestEntries := []struct {
		Config   string   `json:"Config"`
		RepoTags []string `json:"RepoTags"`
		Layers   []string `json:"Layers"`
	}{{Config: "config.json", RepoTags: []string{"x/y:z"}, Layers: []string{layerPath}}}
	rawManifest, err := json.Marshal(manifestEntries)
	require.NoError(t, err)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	write := func(name string, data []byte) {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(data)), Mode: 0644, Typeflag: tar.TypeReg}))
		_, err := tw.Write(data)
		require.NoError(t, err)
	}
	write("manifest.json", rawManifest)
	write("config.json", configBytes)
	write(layerPath, layerBytes)
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func TestCacheFromTar(t *testing.T) {
	c := openCache(t)
	configBytes := []byte(`{"cfg":true}`)
	layerBytes := []byte("layer-file-contents")
	raw := buildSaveTar(t, configBytes, layerBytes)

	opener := func() (io.Reader, error) { return bytes.NewReader(raw), nil }
	require.NoError(t, c.CacheFromTar(opener, "x/y", "z"))

	assert.True(t, c.IsImageComplete("x/y", "z"))

	m, err := c.GetManifest("x/y", "z")
	require.NoError(t, err)
	assert.Contains(t, string(m), "application/vnd.docker.distribution.manifest.v2+json")

	configDigest := ctrdigest.Compute(configBytes).String()
	got, err := c.GetBlob(configDigest)
	require.NoError(t, err)
	assert.Equal(t, configBytes, got)
}

func TestOpenPersistsIndexAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	require.NoError(t, err)
	_, err = c.SaveManifest("a/b", "v1", []byte("{}"), "sha256:cfg")
	require.NoError(t, err)

	c2, err := Open(dir)
	require.NoError(t, err)
	assert.True(t, func() bool {
		for _, e := range c2.ListCached() {
			if e.Repository == "a/b" && e.Reference == "v1" {
				return true
			}
		}
		return false
	}())
	_ = filepath.Join(dir, indexFile)
}
