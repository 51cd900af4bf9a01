package manager

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctrtransfer/ctrtransfer/cache"
	"github.com/ctrtransfer/ctrtransfer/config"
	ctrdigest "github.com/ctrtransfer/ctrtransfer/digest"
	"github.com/ctrtransfer/ctrtransfer/transport"

	godigest "github.com/opencontainers/go-digest"
)

// mockRegistry is a minimal in-memory Docker Registry HTTP API v2 server
// covering the subset exercised by PullAndCache/PushFromCache.
type mockRegistry struct {
	mu        sync.Mutex
	manifests map[string][]byte // "repo/ref"
	blobs     map[string][]byte // "repo/digest"
	sessions  map[string][]byte // upload session id -> accumulated bytes
	headDelay  int              // HEAD succeeds only after this many prior HEAD calls per digest, simulating eventual consistency
	headCalls  map[string]int
	mountCalls int
	srv        *httptest.Server
}

func newMockRegistry(t *testing.T) *mockRegistry {
	t.Helper()
	r := &mockRegistry{
		manifests: map[string][]byte{},
		blobs:     map[string][]byte{},
		sessions:  map[string][]byte{},
		headCalls: map[string]int{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/", func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/v2/" {
			r.route(w, req)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.srv = httptest.NewServer(mux)
	t.Cleanup(r.srv.Close)
	return r
}

func (r *mockRegistry) route(w http.ResponseWriter, req *http.Request) {
	path := strings.TrimPrefix(req.URL.Path, "/v2/")
	switch {
	case strings.Contains(path, "/manifests/"):
		r.handleManifest(w, req, path)
	case strings.Contains(path, "/blobs/uploads/"):
		r.handleUpload(w, req, path)
	case strings.Contains(path, "/blobs/"):
		r.handleBlob(w, req, path)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (r *mockRegistry) handleManifest(w http.ResponseWriter, req *http.Request, path string) {
	parts := strings.SplitN(path, "/manifests/", 2)
	key := parts[0] + "/" + parts[1]
	r.mu.Lock()
	defer r.mu.Unlock()
	switch req.Method {
	case http.MethodGet:
		data, ok := r.manifests[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.docker.distribution.manifest.v2+json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	case http.MethodPut:
		data, _ := io.ReadAll(req.Body)
		r.manifests[key] = data
		w.WriteHeader(http.StatusCreated)
	case http.MethodHead:
		if _, ok := r.manifests[key]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (r *mockRegistry) handleBlob(w http.ResponseWriter, req *http.Request, path string) {
	parts := strings.SplitN(path, "/blobs/", 2)
	repo, dig := parts[0], parts[1]
	key := repo + "/" + dig
	r.mu.Lock()
	defer r.mu.Unlock()
	switch req.Method {
	case http.MethodHead:
		r.headCalls[key]++
		if r.headCalls[key] <= r.headDelay {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if _, ok := r.blobs[key]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, ok := r.blobs[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}

func (r *mockRegistry) handleUpload(w http.ResponseWriter, req *http.Request, path string) {
	repo := strings.TrimSuffix(path, "blobs/uploads/")
	repo = strings.TrimSuffix(repo, "/")
	switch {
	case strings.HasSuffix(path, "blobs/uploads/") && req.Method == http.MethodPost:
		if mountDig := req.URL.Query().Get("mount"); mountDig != "" {
			from := req.URL.Query().Get("from")
			r.mu.Lock()
			r.mountCalls++
			data, ok := r.blobs[from+"/"+mountDig]
			if ok {
				r.blobs[repo+"/"+mountDig] = data
			}
			r.mu.Unlock()
			if ok {
				w.WriteHeader(http.StatusCreated)
				return
			}
			w.Header().Set("Location", "/v2/"+repo+"/blobs/uploads/mount-fallback")
			w.WriteHeader(http.StatusAccepted)
			return
		}
		sessID := fmt.Sprintf("sess-%d", len(r.sessions)+1)
		r.mu.Lock()
		r.sessions[repo+"/"+sessID] = nil
		r.mu.Unlock()
		w.Header().Set("Location", "/v2/"+repo+"/blobs/uploads/"+sessID)
		w.WriteHeader(http.StatusAccepted)
	case req.Method == http.MethodPut:
		data, _ := io.ReadAll(req.Body)
		dig := req.URL.Query().Get("digest")
		actualRepo := strings.Split(path, "/blobs/uploads/")[0]
		r.mu.Lock()
		r.blobs[actualRepo+"/"+dig] = data
		r.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}
}

func testClient(t *testing.T, r *mockRegistry) *transport.Client {
	t.Helper()
	u, err := url.Parse(r.srv.URL)
	require.NoError(t, err)
	c := transport.NewClient(u.Host, transport.WithTLSDisabled())
	return c
}

func testOptions() config.Options {
	o := config.DefaultOptions()
	o.AdjustmentInterval = 10 * time.Millisecond
	return o
}

func digestFor(data []byte) string { return ctrdigest.Compute(data).String() }

func TestPullAndCacheDownloadsManifestAndBlobs(t *testing.T) {
	reg := newMockRegistry(t)
	configBytes := []byte(`{"architecture":"amd64"}`)
	layerBytes := []byte("layer-one-content")
	configDig := digestFor(configBytes)
	layerDig := digestFor(layerBytes)

	manifestRaw := []byte(fmt.Sprintf(
		`{"schemaVersion":2,"mediaType":"application/vnd.docker.distribution.manifest.v2+json","config":{"mediaType":"application/vnd.docker.container.image.v1+json","digest":%q,"size":%d},"layers":[{"mediaType":"application/vnd.docker.image.rootfs.diff.tar.gzip","digest":%q,"size":%d}]}`,
		configDig, len(configBytes), layerDig, len(layerBytes),
	))

	reg.mu.Lock()
	reg.manifests["library/alpine/3.19"] = manifestRaw
	reg.blobs["library/alpine/"+configDig] = configBytes
	reg.blobs["library/alpine/"+layerDig] = layerBytes
	reg.mu.Unlock()

	c, err := cache.Open(t.TempDir())
	require.NoError(t, err)

	mgr := New(testClient(t, reg), c, testOptions(), DefaultOptions())
	require.NoError(t, mgr.PullAndCache(context.Background(), "alpine", "3.19"))

	assert.True(t, c.IsImageComplete("library/alpine", "3.19"))
	got, err := c.GetBlob(configDig)
	require.NoError(t, err)
	assert.Equal(t, configBytes, got)
	got, err = c.GetBlob(layerDig)
	require.NoError(t, err)
	assert.Equal(t, layerBytes, got)
}

func TestPullAndCacheNormalizesDockerHubShortName(t *testing.T) {
	reg := newMockRegistry(t)
	configBytes := []byte(`{}`)
	configDig := digestFor(configBytes)
	manifestRaw := []byte(fmt.Sprintf(
		`{"schemaVersion":2,"mediaType":"application/vnd.docker.distribution.manifest.v2+json","config":{"mediaType":"x","digest":%q,"size":%d},"layers":[]}`,
		configDig, len(configBytes),
	))
	reg.mu.Lock()
	reg.manifests["library/nginx/latest"] = manifestRaw
	reg.blobs["library/nginx/"+configDig] = configBytes
	reg.mu.Unlock()

	c, err := cache.Open(t.TempDir())
	require.NoError(t, err)
	mgr := New(testClient(t, reg), c, testOptions(), DefaultOptions())
	require.NoError(t, mgr.PullAndCache(context.Background(), "nginx", "latest"))
	assert.True(t, c.IsImageComplete("library/nginx", "latest"))
}

func TestPushFromCacheRejectsIncompleteImage(t *testing.T) {
	reg := newMockRegistry(t)
	c, err := cache.Open(t.TempDir())
	require.NoError(t, err)
	mgr := New(testClient(t, reg), c, testOptions(), DefaultOptions())

	err = mgr.PushFromCache(context.Background(), "missing", "latest", "missing", "latest")
	require.Error(t, err)
}

func seedCompleteImage(t *testing.T, c *cache.Cache, repo, ref string) (configDig, layerDig string, configBytes, layerBytes []byte) {
	t.Helper()
	configBytes = []byte(`{"architecture":"amd64"}`)
	layerBytes = []byte("some-layer-bytes")
	configDig = digestFor(configBytes)
	layerDig = digestFor(layerBytes)

	manifestRaw := []byte(fmt.Sprintf(
		`{"schemaVersion":2,"mediaType":"application/vnd.docker.distribution.manifest.v2+json","config":{"mediaType":"application/vnd.docker.container.image.v1+json","digest":%q,"size":%d},"layers":[{"mediaType":"application/vnd.docker.image.rootfs.diff.tar.gzip","digest":%q,"size":%d}]}`,
		configDig, len(configBytes), layerDig, len(layerBytes),
	))
	_, err := c.SaveManifest(repo, ref, manifestRaw, configDig)
	require.NoError(t, err)
	_, err = c.AddBlobWithVerification(configDig, configBytes, true, false)
	require.NoError(t, err)
	require.NoError(t, c.AssociateBlobWithImage(repo, ref, configDig, int64(len(configBytes)), true, false))
	_, err = c.AddBlobWithVerification(layerDig, layerBytes, false, false)
	require.NoError(t, err)
	require.NoError(t, c.AssociateBlobWithImage(repo, ref, layerDig, int64(len(layerBytes)), false, true))
	return
}

func TestPushFromCacheUploadsBlobsThenManifest(t *testing.T) {
	reg := newMockRegistry(t)
	c, err := cache.Open(t.TempDir())
	require.NoError(t, err)
	configDig, layerDig, _, _ := seedCompleteImage(t, c, "library/alpine", "3.19")

	mgr := New(testClient(t, reg), c, testOptions(), DefaultOptions())
	require.NoError(t, mgr.PushFromCache(context.Background(), "alpine", "3.19", "alpine", "3.19"))

	reg.mu.Lock()
	defer reg.mu.Unlock()
	assert.Contains(t, reg.blobs, "library/alpine/"+configDig)
	assert.Contains(t, reg.blobs, "library/alpine/"+layerDig)
	assert.Contains(t, reg.manifests, "library/alpine/3.19")
}

func TestPushFromCacheMountsSharedBlobAcrossRepos(t *testing.T) {
	reg := newMockRegistry(t)
	c, err := cache.Open(t.TempDir())
	require.NoError(t, err)
	configDig, layerDig, configBytes, layerBytes := seedCompleteImage(t, c, "library/base", "1.0")

	// the layer already lives under library/base on the target registry,
	// e.g. from an earlier push of a sibling image; the config blob does
	// not, so it must still fall back to a normal upload.
	reg.mu.Lock()
	reg.blobs["library/base/"+layerDig] = layerBytes
	reg.mu.Unlock()
	_ = configBytes

	mgr := New(testClient(t, reg), c, testOptions(), DefaultOptions())
	require.NoError(t, mgr.PushFromCache(context.Background(), "base", "1.0", "app", "1.0"))

	reg.mu.Lock()
	defer reg.mu.Unlock()
	assert.Contains(t, reg.blobs, "library/app/"+configDig)
	assert.Contains(t, reg.blobs, "library/app/"+layerDig)
	assert.Contains(t, reg.manifests, "library/app/1.0")
	assert.Equal(t, 2, reg.mountCalls, "one mount attempt per blob when source and target repos differ")
}

func TestPushFromCacheFailsLocalVerificationOnCorruptBlob(t *testing.T) {
	reg := newMockRegistry(t)
	c, err := cache.Open(t.TempDir())
	require.NoError(t, err)
	configDig, _, _, layerBytes := seedCompleteImage(t, c, "library/busybox", "latest")
	_ = layerBytes

	// overwrite the config blob via SaveBlob with bytes whose length differs
	// from the size the manifest records, so IsImageComplete rejects it.
	path, err := c.SaveBlob(configDig, []byte("corrupted-bytes-same-digest-key"))
	require.NoError(t, err)
	assert.NotEmpty(t, path)

	mgr := New(testClient(t, reg), c, testOptions(), DefaultOptions())
	err = mgr.PushFromCache(context.Background(), "busybox", "latest", "busybox", "latest")
	require.Error(t, err)
}

func TestVerifyPresenceSucceedsAfterEventualConsistencyDelay(t *testing.T) {
	reg := newMockRegistry(t)
	reg.headDelay = 2 // first 2 HEAD calls 404, third succeeds

	c, err := cache.Open(t.TempDir())
	require.NoError(t, err)
	data := []byte("eventually-consistent-blob")
	dig := digestFor(data)
	reg.mu.Lock()
	reg.blobs["library/demo/"+dig] = data
	reg.mu.Unlock()

	mgr := New(testClient(t, reg), c, testOptions(), Options{ExtendedVerifyWait: 0})
	mgr.opts.ExtendedVerifyWait = 0

	godig := mustParseDigest(t, dig)
	err = mgr.verifyPresence(context.Background(), "library/demo", godig)
	require.NoError(t, err)
}

func TestVerifyPresenceReportsRegistryConsistencyFailure(t *testing.T) {
	reg := newMockRegistry(t)
	c, err := cache.Open(t.TempDir())
	require.NoError(t, err)

	mgr := New(testClient(t, reg), c, testOptions(), Options{ExtendedVerifyWait: 0})
	dig := mustParseDigest(t, digestFor([]byte("never-uploaded")))

	err = mgr.verifyPresence(context.Background(), "library/demo", dig)
	require.Error(t, err)
}

func TestListAndRemoveCached(t *testing.T) {
	reg := newMockRegistry(t)
	c, err := cache.Open(t.TempDir())
	require.NoError(t, err)
	seedCompleteImage(t, c, "library/alpine", "3.19")

	mgr := New(testClient(t, reg), c, testOptions(), DefaultOptions())
	entries := mgr.ListCached()
	require.Len(t, entries, 1)
	assert.Equal(t, "library/alpine", entries[0].Repository)

	require.NoError(t, mgr.RemoveCached("alpine", "3.19"))
	assert.Empty(t, mgr.ListCached())
}

func mustParseDigest(t *testing.T, s string) godigest.Digest {
	t.Helper()
	nd, err := ctrdigest.Normalize(s)
	require.NoError(t, err)
	return nd
}
