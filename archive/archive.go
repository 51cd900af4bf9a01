// Package archive reads Docker `docker save` tar layouts: entry
// enumeration, raw entry extraction, and the manifest.json/config-blob
// lookup variants that different save-format generations produce.
package archive

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	ctrdigest "github.com/ctrtransfer/ctrtransfer/digest"
	"github.com/ctrtransfer/ctrtransfer/xferr"
)

// Entry describes one tar member: its path and uncompressed size.
type Entry struct {
	Path string
	Size int64
}

// Layer is one entry of an image's layer list, resolved from a save-tar.
type Layer struct {
	Digest    string
	Size      int64
	TarPath   string
	MediaType string
}

// ImageInfo is the composite result of parsing a save-tar's manifest and
// resolving its config and layer blobs to content digests.
type ImageInfo struct {
	ConfigDigest string
	ConfigSize   int64
	ConfigPath   string // the tar entry path the config was read from
	Layers       []Layer
}

// dockerSaveManifest mirrors the single top-level manifest.json entry that
// `docker save` writes: a config path, repo tags, and ordered layer paths.
type dockerSaveManifest struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}

// Enumerate lists every entry in the tar in archive order; order is
// significant to callers that resolve relative paths (config, layers).
func Enumerate(r io.Reader) ([]Entry, error) {
	tr := tar.NewReader(r)
	var entries []Entry
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, xferr.New(xferr.Parse, "archive", "enumerate", err)
		}
		if h.Typeflag != tar.TypeReg {
			continue
		}
		entries = append(entries, Entry{Path: h.Name, Size: h.Size})
	}
	return entries, nil
}

// Extract returns the raw, unmodified bytes of one tar entry. Layer
// entries are already gzip-compressed on disk and must not be
// recompressed or decompressed here.
func Extract(r io.Reader, entryPath string) ([]byte, error) {
	tr := tar.NewReader(r)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			return nil, xferr.New(xferr.NotFound, "archive", "extract", fmt.Errorf("entry %q not found", entryPath))
		}
		if err != nil {
			return nil, xferr.New(xferr.Parse, "archive", "extract", err)
		}
		if h.Name != entryPath {
			continue
		}
		b, err := io.ReadAll(tr)
		if err != nil {
			return nil, xferr.New(xferr.Parse, "archive", "extract", err)
		}
		return b, nil
	}
}

// ReadManifest returns the raw bytes of the archive's top-level
// manifest.json.
func ReadManifest(r io.Reader) ([]byte, error) {
	return Extract(r, "manifest.json")
}

// configCandidates returns, in trial order, the entry paths the various
// `docker save` generations use for a config blob: the path recorded in
// manifest.json verbatim, then the blobs/sha256 layout, then the two
// classic bare-hex layouts.
func configCandidates(configPath string) []string {
	candidates := []string{configPath}
	dig, ok := ctrdigest.ExtractFromLayerPath(configPath)
	if !ok {
		// classic layouts name the config "<hex>.json" or "<hex>/json"
		trimmed := strings.TrimSuffix(strings.TrimSuffix(configPath, ".json"), "/json")
		dig, ok = ctrdigest.ExtractFromLayerPath(trimmed)
	}
	if ok {
		hex := strings.TrimPrefix(dig.String(), "sha256:")
		candidates = append(candidates,
			"blobs/sha256/"+hex,
			hex+".json",
			hex+"/json",
		)
	}
	return dedupe(candidates)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// ReadConfig returns the raw config blob bytes, trying the path recorded
// in manifest.json and then the known alternate layouts in order. It
// fails with NotFound when none of them are present in the archive.
//
// r must support re-reading from the start for each candidate path since
// archive/tar.Reader is forward-only; callers pass a function that opens
// a fresh reader over the same underlying source.
func ReadConfig(openReader func() (io.Reader, error), configPath string) ([]byte, error) {
	var lastErr error
	for _, candidate := range configCandidates(configPath) {
		r, err := openReader()
		if err != nil {
			return nil, xferr.New(xferr.Cache, "archive", "read config", err)
		}
		b, err := Extract(r, candidate)
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	return nil, xferr.New(xferr.NotFound, "archive", "read config", fmt.Errorf("no config entry found for %q: %w", configPath, lastErr))
}

// ParseImageInfo parses the archive's manifest.json and resolves the
// config and every layer to a content digest by hashing the extracted
// bytes. When a layer's tar path already encodes a digest (classic
// `<hex>/layer.tar` layout), the hashed value must match the encoded
// value or the archive is rejected as corrupt.
func ParseImageInfo(openReader func() (io.Reader, error)) (ImageInfo, error) {
	mr, err := openReader()
	if err != nil {
		return ImageInfo{}, xferr.New(xferr.Cache, "archive", "parse image info", err)
	}
	rawManifest, err := ReadManifest(mr)
	if err != nil {
		return ImageInfo{}, err
	}

	var entries []dockerSaveManifest
	if err := json.Unmarshal(rawManifest, &entries); err != nil {
		return ImageInfo{}, xferr.New(xferr.Parse, "archive", "parse image info", err)
	}
	if len(entries) == 0 {
		return ImageInfo{}, xferr.New(xferr.Parse, "archive", "parse image info", fmt.Errorf("manifest.json has no entries"))
	}
	entry := entries[0]

	configBytes, err := ReadConfig(openReader, entry.Config)
	if err != nil {
		return ImageInfo{}, err
	}
	configDigest := ctrdigest.Compute(configBytes)
	configPath := entry.Config

	layers := make([]Layer, 0, len(entry.Layers))
	for _, layerPath := range entry.Layers {
		cr, err := openReader()
		if err != nil {
			return ImageInfo{}, xferr.New(xferr.Cache, "archive", "parse image info", err)
		}
		raw, err := Extract(cr, layerPath)
		if err != nil {
			return ImageInfo{}, err
		}
		dig := ctrdigest.Compute(raw)
		if encoded, ok := ctrdigest.ExtractFromLayerPath(layerPath); ok && encoded != dig {
			return ImageInfo{}, xferr.New(xferr.Validation, "archive", "parse image info",
				fmt.Errorf("layer %q digest mismatch: path encodes %s, content hashes to %s", layerPath, encoded, dig))
		}
		layers = append(layers, Layer{
			Digest:    dig.String(),
			Size:      int64(len(raw)),
			TarPath:   layerPath,
			MediaType: "application/vnd.docker.image.rootfs.diff.tar.gzip",
		})
	}

	return ImageInfo{
		ConfigDigest: configDigest.String(),
		ConfigSize:   int64(len(configBytes)),
		ConfigPath:   configPath,
		Layers:       layers,
	}, nil
}
