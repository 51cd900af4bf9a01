// Package digest computes, validates, and normalizes the sha256 content
// digests that identify every blob and manifest moved by the engine.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	godigest "github.com/opencontainers/go-digest"

	"github.com/ctrtransfer/ctrtransfer/xferr"
)

// Empty is the digest of the empty byte sequence, used as the digest of
// the empty tar layer.
const Empty = godigest.Digest("sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")

var hexRE = regexp.MustCompile(`^[a-f0-9]{64}$`)

// Compute returns the sha256 digest of data. For Docker layer blobs this
// MUST be called on the gzip-compressed tar stream as stored, never on the
// decompressed content.
func Compute(data []byte) godigest.Digest {
	sum := sha256.Sum256(data)
	return godigest.Digest("sha256:" + hex.EncodeToString(sum[:]))
}

// Validate reports whether s has the sha256: prefix followed by exactly
// 64 lowercase hex characters.
func Validate(s string) bool {
	const prefix = "sha256:"
	if !strings.HasPrefix(s, prefix) {
		return false
	}
	return hexRE.MatchString(s[len(prefix):])
}

// Normalize accepts either a bare 64-char hex digest or an already
// prefixed "sha256:<hex>" string and returns the canonical prefixed form.
func Normalize(s string) (godigest.Digest, error) {
	if Validate(s) {
		return godigest.Digest(s), nil
	}
	if hexRE.MatchString(s) {
		return godigest.Digest("sha256:" + s), nil
	}
	return "", xferr.New(xferr.Validation, "digest", "normalize", fmt.Errorf("not a valid sha256 digest: %q", s))
}

// Verify computes the digest of data and compares it to expected, failing
// with xferr.IntegrityMismatch on mismatch.
func Verify(data []byte, expected godigest.Digest) error {
	got := Compute(data)
	if got != expected {
		return xferr.New(xferr.IntegrityMismatch, "digest", "verify",
			fmt.Errorf("expected %s, computed %s", expected, got))
	}
	return nil
}

var (
	layerTarRE  = regexp.MustCompile(`(?:^|/)([a-f0-9]{64})/layer\.tar$`)
	blobsSha256 = regexp.MustCompile(`(?:^|/)blobs/sha256/([a-f0-9]{64})$`)
	bareHexTar  = regexp.MustCompile(`(?:^|/)([a-f0-9]{64})\.tar$`)
	bareHex     = regexp.MustCompile(`^([a-f0-9]{64})$`)
)

// ExtractFromLayerPath scans a tar entry path for a digest encoded in the
// path itself, as used by Docker-save layouts that have no sidecar
// descriptor. It recognizes, in order: "<hex>/layer.tar",
// "blobs/sha256/<hex>", "<hex>.tar", and a bare "<hex>" path.
func ExtractFromLayerPath(p string) (godigest.Digest, bool) {
	for _, re := range []*regexp.Regexp{layerTarRE, blobsSha256, bareHexTar, bareHex} {
		if m := re.FindStringSubmatch(p); m != nil {
			return godigest.Digest("sha256:" + m[1]), true
		}
	}
	return "", false
}
