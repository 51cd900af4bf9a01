// Package manifest parses and represents the four manifest media types the
// engine understands, routing on mediaType exactly once here rather than
// scattering string comparisons across the cache and transport packages.
package manifest

import (
	"encoding/json"
	"fmt"

	digest "github.com/opencontainers/go-digest"
	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ctrtransfer/ctrtransfer/xferr"
)

// Media types recognized by the engine (spec.md §6).
const (
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeOCIManifest        = "application/vnd.oci.image.manifest.v1+json"
	MediaTypeOCIIndex           = "application/vnd.oci.image.index.v1+json"
)

// Kind is the closed sum of manifest variants.
type Kind int

const (
	// KindUnknown is never produced by Parse; it signals a zero-value Manifest.
	KindUnknown Kind = iota
	// KindImage is a single-platform manifest (Docker v2 or OCI image manifest).
	KindImage
	// KindIndex is a multi-platform index (Docker manifest list or OCI image index).
	KindIndex
)

// Manifest is a parsed manifest, tagged by Kind. Exactly one of the
// Config/Layers pair or the Platforms list is populated, matching Kind.
type Manifest struct {
	Kind      Kind
	MediaType string
	Raw       []byte
	Digest    digest.Digest // the manifest's own content digest, when known

	// populated when Kind == KindImage
	Config ociv1.Descriptor
	Layers []ociv1.Descriptor

	// populated when Kind == KindIndex
	Platforms []PlatformManifest
}

// PlatformManifest is one entry of a manifest index/list.
type PlatformManifest struct {
	Descriptor ociv1.Descriptor
	OS         string
	Arch       string
	Variant    string
}

// dockerManifest and dockerManifestList mirror the on-wire Docker v2 shapes;
// the OCI shapes are identical in structure and decode into the same Go types
// since both use ociv1.Descriptor-compatible fields.
type dockerManifest struct {
	SchemaVersion int              `json:"schemaVersion"`
	MediaType     string           `json:"mediaType"`
	Config        ociv1.Descriptor `json:"config"`
	Layers        []ociv1.Descriptor `json:"layers"`
}

type dockerManifestList struct {
	SchemaVersion int                    `json:"schemaVersion"`
	MediaType     string                 `json:"mediaType"`
	Manifests     []dockerManifestEntry  `json:"manifests"`
}

type dockerManifestEntry struct {
	ociv1.Descriptor
	Platform dockerPlatform `json:"platform"`
}

type dockerPlatform struct {
	Architecture string `json:"architecture"`
	OS           string `json:"os"`
	Variant      string `json:"variant,omitempty"`
}

// DetectContentType returns the manifest's own declared media type,
// preferring the JSON body's "mediaType" field and falling back to an
// explicit header value, then to Docker v2 when neither is present. This is
// the single canonicalized detector: Parse calls it (so transport.GetManifest
// and the manager use it), and manager.PushFromCache calls it directly.
func DetectContentType(raw []byte, headerContentType string) string {
	var probe struct {
		MediaType string `json:"mediaType"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil && probe.MediaType != "" {
		return probe.MediaType
	}
	if headerContentType != "" {
		return headerContentType
	}
	return MediaTypeDockerManifest
}

// Parse decodes raw manifest bytes, routing on the resolved media type.
func Parse(raw []byte, headerContentType string) (Manifest, error) {
	mt := DetectContentType(raw, headerContentType)
	m := Manifest{MediaType: mt, Raw: raw}
	switch mt {
	case MediaTypeDockerManifest, MediaTypeOCIManifest:
		var dm dockerManifest
		if err := json.Unmarshal(raw, &dm); err != nil {
			return Manifest{}, xferr.New(xferr.Parse, "manifest", "parse image manifest", err)
		}
		m.Kind = KindImage
		m.Config = dm.Config
		m.Layers = dm.Layers
		return m, nil
	case MediaTypeDockerManifestList, MediaTypeOCIIndex:
		var dl dockerManifestList
		if err := json.Unmarshal(raw, &dl); err != nil {
			return Manifest{}, xferr.New(xferr.Parse, "manifest", "parse index", err)
		}
		m.Kind = KindIndex
		m.Platforms = make([]PlatformManifest, 0, len(dl.Manifests))
		for _, e := range dl.Manifests {
			m.Platforms = append(m.Platforms, PlatformManifest{
				Descriptor: e.Descriptor,
				OS:         e.Platform.OS,
				Arch:       e.Platform.Architecture,
				Variant:    e.Platform.Variant,
			})
		}
		return m, nil
	default:
		return Manifest{}, xferr.New(xferr.Parse, "manifest", "parse", fmt.Errorf("unrecognized media type %q", mt))
	}
}

// SelectPlatform picks one entry from an index: it prefers linux/amd64,
// falling back to the first entry when no exact match exists.
func (m Manifest) SelectPlatform() (PlatformManifest, error) {
	if m.Kind != KindIndex {
		return PlatformManifest{}, xferr.New(xferr.Validation, "manifest", "select platform", fmt.Errorf("not an index"))
	}
	if len(m.Platforms) == 0 {
		return PlatformManifest{}, xferr.New(xferr.NotFound, "manifest", "select platform", fmt.Errorf("index has no platform entries"))
	}
	for _, p := range m.Platforms {
		if p.OS == "linux" && p.Arch == "amd64" {
			return p, nil
		}
	}
	return m.Platforms[0], nil
}

// NewDockerManifest builds and marshals a synthetic Docker v2 single-platform
// manifest from a config descriptor and ordered layer descriptors, used by
// cache.CacheFromTar to synthesize a manifest for an archive that had none.
func NewDockerManifest(config ociv1.Descriptor, layers []ociv1.Descriptor) (Manifest, error) {
	dm := dockerManifest{
		SchemaVersion: 2,
		MediaType:     MediaTypeDockerManifest,
		Config:        config,
		Layers:        layers,
	}
	raw, err := json.Marshal(dm)
	if err != nil {
		return Manifest{}, xferr.New(xferr.Parse, "manifest", "marshal synthesized manifest", err)
	}
	return Manifest{
		Kind:      KindImage,
		MediaType: MediaTypeDockerManifest,
		Raw:       raw,
		Config:    config,
		Layers:    layers,
	}, nil
}
