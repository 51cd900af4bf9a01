// Package cache implements the on-disk content-addressed store: manifests
// keyed by (repository, reference), blobs keyed by digest, and an index
// that tracks which blobs belong to which manifest entry for completeness
// checks and garbage collection.
package cache

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	godigest "github.com/opencontainers/go-digest"
	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ctrtransfer/ctrtransfer/archive"
	ctrdigest "github.com/ctrtransfer/ctrtransfer/digest"
	"github.com/ctrtransfer/ctrtransfer/manifest"
	"github.com/ctrtransfer/ctrtransfer/xferr"
)

const (
	manifestsDir = "manifests"
	blobsDir     = "blobs"
	sha256Dir    = "sha256"
	indexFile    = "index.json"

	// smallBlobThreshold is the size at or below which add_blob_with_verification
	// always hashes, per the cache store's verification contract.
	smallBlobThreshold = 10 * 1024 * 1024
)

// BlobInfo records one blob associated with a cache entry.
type BlobInfo struct {
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
	IsConfig  bool   `json:"is_config"`
	Compressed bool  `json:"compressed"`
	MediaType string `json:"media_type,omitempty"`
}

// entry is one manifest's cache record: its manifest path, config digest,
// and the set of blobs associated with it.
type entry struct {
	Repository   string              `json:"repository"`
	Reference    string              `json:"reference"`
	ManifestPath string              `json:"manifest_path"`
	ConfigDigest string              `json:"config_digest"`
	Blobs        map[string]BlobInfo `json:"blobs"`
}

// Cache is the on-disk store rooted at a directory. All mutating methods
// serialize through mu and flush the whole index to disk before
// returning, so a crash between write and rename leaves the previous
// valid index in place.
type Cache struct {
	mu      sync.Mutex
	dir     string
	index   map[string]*entry // key: "repository/reference"
}

// Open loads (or initializes) a cache rooted at dir, creating the
// manifests/ and blobs/sha256/ subdirectories if they don't exist yet.
func Open(dir string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Join(dir, manifestsDir), 0o755); err != nil {
		return nil, xferr.New(xferr.Cache, "cache", "open", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, blobsDir, sha256Dir), 0o755); err != nil {
		return nil, xferr.New(xferr.Cache, "cache", "open", err)
	}

	c := &Cache{dir: dir, index: make(map[string]*entry)}
	idxPath := filepath.Join(dir, indexFile)
	raw, err := os.ReadFile(idxPath)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, xferr.New(xferr.Cache, "cache", "open", err)
	}
	if err := json.Unmarshal(raw, &c.index); err != nil {
		return nil, xferr.New(xferr.Cache, "cache", "open", fmt.Errorf("parsing index.json: %w", err))
	}
	return c, nil
}

func cacheKey(repo, reference string) string { return repo + "/" + reference }

// saveIndexLocked atomically rewrites index.json. mu must be held.
func (c *Cache) saveIndexLocked() error {
	raw, err := json.MarshalIndent(c.index, "", "  ")
	if err != nil {
		return xferr.New(xferr.Cache, "cache", "save index", err)
	}
	tmpName := filepath.Join(c.dir, fmt.Sprintf("index-%s.json.tmp", uuid.NewString()))
	tmp, err := os.OpenFile(tmpName, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return xferr.New(xferr.Cache, "cache", "save index", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return xferr.New(xferr.Cache, "cache", "save index", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return xferr.New(xferr.Cache, "cache", "save index", err)
	}
	if err := os.Rename(tmpName, filepath.Join(c.dir, indexFile)); err != nil {
		os.Remove(tmpName)
		return xferr.New(xferr.Cache, "cache", "save index", err)
	}
	return nil
}

func (c *Cache) blobPath(dig string) string {
	hex := dig
	if len(hex) > len("sha256:") && hex[:7] == "sha256:" {
		hex = hex[7:]
	}
	return filepath.Join(c.dir, blobsDir, sha256Dir, hex)
}

func (c *Cache) manifestPath(repo, reference string) string {
	return filepath.Join(c.dir, manifestsDir, repo, reference)
}

// SaveManifest writes manifest bytes to manifests/<repo>/<ref> and upserts
// the cache entry. Rewrites unconditionally; idempotent in content.
func (c *Cache) SaveManifest(repo, reference string, data []byte, configDigest string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dir := filepath.Join(c.dir, manifestsDir, repo)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", xferr.New(xferr.Cache, "cache", "save manifest", err)
	}
	path := c.manifestPath(repo, reference)
	if err := writeAtomic(path, data); err != nil {
		return "", xferr.New(xferr.Cache, "cache", "save manifest", err)
	}

	key := cacheKey(repo, reference)
	e, ok := c.index[key]
	if !ok {
		e = &entry{Repository: repo, Reference: reference, Blobs: make(map[string]BlobInfo)}
		c.index[key] = e
	}
	e.ManifestPath = path
	e.ConfigDigest = configDigest

	if err := c.saveIndexLocked(); err != nil {
		return "", err
	}
	return path, nil
}

// SaveBlob writes data under blobs/sha256/<hex>. If a file of matching
// size already exists there, it returns the existing path unchanged —
// this is the engine's sole deduplication point and intentionally skips
// hashing large layer blobs on write.
func (c *Cache) SaveBlob(dig string, data []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveBlobLocked(dig, data)
}

func (c *Cache) saveBlobLocked(dig string, data []byte) (string, error) {
	path := c.blobPath(dig)
	if fi, err := os.Stat(path); err == nil && fi.Size() == int64(len(data)) {
		return path, nil
	}
	if err := writeAtomic(path, data); err != nil {
		return "", xferr.New(xferr.Cache, "cache", "save blob", err)
	}
	return path, nil
}

// AddBlobWithVerification writes the blob and then verifies it: a config
// blob, a blob under the small-blob threshold, or any blob when force is
// set always gets hashed and compared to dig; other (large) blobs are
// trusted on size alone to avoid a full rehash.
func (c *Cache) AddBlobWithVerification(dig string, data []byte, isConfig, force bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	path, err := c.saveBlobLocked(dig, data)
	if err != nil {
		return "", err
	}
	if isConfig || len(data) <= smallBlobThreshold || force {
		if err := ctrdigest.Verify(data, mustDigest(dig)); err != nil {
			return "", xferr.New(xferr.IntegrityMismatch, "cache", "add blob with verification", err)
		}
	}
	return path, nil
}

func mustDigest(s string) godigest.Digest {
	d, err := ctrdigest.Normalize(s)
	if err != nil {
		return ""
	}
	return d
}

// AssociateBlobWithImage records that dig belongs to the (repo, ref)
// entry. The blob file must already exist; fails otherwise. Idempotent.
func (c *Cache) AssociateBlobWithImage(repo, reference, dig string, size int64, isConfig, compressed bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := os.Stat(c.blobPath(dig)); err != nil {
		return xferr.New(xferr.NotFound, "cache", "associate blob with image", fmt.Errorf("blob %s missing from cache", dig))
	}
	key := cacheKey(repo, reference)
	e, ok := c.index[key]
	if !ok {
		return xferr.New(xferr.NotFound, "cache", "associate blob with image", fmt.Errorf("entry %s not found", key))
	}
	e.Blobs[dig] = BlobInfo{Digest: dig, Size: size, IsConfig: isConfig, Compressed: compressed}
	return c.saveIndexLocked()
}

// HasBlobWithVerification reports whether the blob file exists and,
// when verify is true, its content hashes to dig. Callers typically pass
// verify=false before upload to avoid rehashing large layers.
func (c *Cache) HasBlobWithVerification(dig string, verify bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.blobPath(dig)
	if _, err := os.Stat(path); err != nil {
		return false, nil
	}
	if !verify {
		return true, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false, xferr.New(xferr.Cache, "cache", "has blob with verification", err)
	}
	return ctrdigest.Verify(data, mustDigest(dig)) == nil, nil
}

// GetBlob reads a blob's raw bytes. Fails with NotFound if absent.
func (c *Cache) GetBlob(dig string) ([]byte, error) {
	data, err := os.ReadFile(c.blobPath(dig))
	if err != nil {
		return nil, xferr.New(xferr.NotFound, "cache", "get blob", err)
	}
	return data, nil
}

// GetBlobSize returns a blob's on-disk size, or (0, false) if absent.
func (c *Cache) GetBlobSize(dig string) (int64, bool) {
	fi, err := os.Stat(c.blobPath(dig))
	if err != nil {
		return 0, false
	}
	return fi.Size(), true
}

// GetManifest reads a manifest's raw bytes. Fails with NotFound if absent.
func (c *Cache) GetManifest(repo, reference string) ([]byte, error) {
	data, err := os.ReadFile(c.manifestPath(repo, reference))
	if err != nil {
		return nil, xferr.New(xferr.NotFound, "cache", "get manifest", err)
	}
	return data, nil
}

// IsImageComplete reports whether the entry exists, its manifest file is
// present, and every associated blob's file exists with the recorded size.
func (c *Cache) IsImageComplete(repo, reference string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.index[cacheKey(repo, reference)]
	if !ok {
		return false
	}
	if _, err := os.Stat(e.ManifestPath); err != nil {
		return false
	}
	for _, b := range e.Blobs {
		fi, err := os.Stat(c.blobPath(b.Digest))
		if err != nil || fi.Size() != b.Size {
			return false
		}
	}
	return true
}

// RemoveManifest removes the (repo, ref) entry and then sweeps
// blobs/sha256/ for any file whose digest is no longer referenced by any
// remaining entry (mark-and-sweep, not refcounted).
func (c *Cache) RemoveManifest(repo, reference string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(repo, reference)
	e, ok := c.index[key]
	if ok {
		if err := os.Remove(e.ManifestPath); err != nil && !os.IsNotExist(err) {
			return xferr.New(xferr.Cache, "cache", "remove manifest", err)
		}
		delete(c.index, key)
	}
	if err := c.gcLocked(); err != nil {
		return err
	}
	return c.saveIndexLocked()
}

func (c *Cache) gcLocked() error {
	referenced := make(map[string]bool)
	for _, e := range c.index {
		for dig := range e.Blobs {
			referenced[c.blobPath(dig)] = true
		}
	}
	blobDir := filepath.Join(c.dir, blobsDir, sha256Dir)
	files, err := os.ReadDir(blobDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return xferr.New(xferr.Cache, "cache", "gc", err)
	}
	for _, f := range files {
		path := filepath.Join(blobDir, f.Name())
		if !referenced[path] {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return xferr.New(xferr.Cache, "cache", "gc", err)
			}
		}
	}
	return nil
}

// ListCached returns every cached (repository, reference) pair.
func (c *Cache) ListCached() []struct{ Repository, Reference string } {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]struct{ Repository, Reference string }, 0, len(c.index))
	for _, e := range c.index {
		out = append(out, struct{ Repository, Reference string }{e.Repository, e.Reference})
	}
	return out
}

// CacheFromTar parses a Docker save archive via the archive package,
// synthesizes and saves a Docker v2 manifest from the extracted info,
// writes the config and every layer via AddBlobWithVerification, and associates each
// with (repo, ref). openReader must return a fresh io.Reader over the
// same underlying archive on every call, since archive/tar.Reader is
// forward-only and the composite needs several independent passes.
func (c *Cache) CacheFromTar(openReader func() (io.Reader, error), repo, reference string) error {
	info, err := archive.ParseImageInfo(openReader)
	if err != nil {
		return err
	}

	configBytes, err := archive.ReadConfig(openReader, info.ConfigPath)
	if err != nil {
		return err
	}

	configDesc := ociv1.Descriptor{
		MediaType: "application/vnd.docker.container.image.v1+json",
		Digest:    mustDigest(info.ConfigDigest),
		Size:      info.ConfigSize,
	}
	layerDescs := make([]ociv1.Descriptor, 0, len(info.Layers))
	for _, l := range info.Layers {
		layerDescs = append(layerDescs, ociv1.Descriptor{
			MediaType: l.MediaType,
			Digest:    mustDigest(l.Digest),
			Size:      l.Size,
		})
	}

	m, err := manifest.NewDockerManifest(configDesc, layerDescs)
	if err != nil {
		return err
	}
	if _, err := c.SaveManifest(repo, reference, m.Raw, info.ConfigDigest); err != nil {
		return err
	}

	if _, err := c.AddBlobWithVerification(info.ConfigDigest, configBytes, true, false); err != nil {
		return err
	}
	if err := c.AssociateBlobWithImage(repo, reference, info.ConfigDigest, info.ConfigSize, true, false); err != nil {
		return err
	}

	for _, l := range info.Layers {
		r, err := openReader()
		if err != nil {
			return xferr.New(xferr.Cache, "cache", "cache from tar", err)
		}
		layerBytes, err := archive.Extract(r, l.TarPath)
		if err != nil {
			return err
		}
		if _, err := c.AddBlobWithVerification(l.Digest, layerBytes, false, false); err != nil {
			return err
		}
		if err := c.AssociateBlobWithImage(repo, reference, l.Digest, l.Size, false, true); err != nil {
			return err
		}
	}

	return nil
}


// writeAtomic writes data to a uniquely-named temp file in path's
// directory, then renames it into place; the uuid suffix rules out a
// collision between concurrent writers to the same destination path.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmpName := filepath.Join(dir, fmt.Sprintf(".tmp-%s", uuid.NewString()))
	tmp, err := os.OpenFile(tmpName, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
