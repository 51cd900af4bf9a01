// Package config holds the per-registry and engine-wide settings used to
// build a transport.Client and run the transfer pipeline: TLS mode,
// credentials, blob chunking overrides, cache location, and
// concurrency bounds.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ctrtransfer/ctrtransfer/transport"
)

// TLSConf specifies whether TLS is used for a registry host.
type TLSConf int

const (
	// TLSUndefined means unset; callers should treat it as TLSEnabled.
	TLSUndefined TLSConf = iota
	// TLSEnabled uses https with certificate verification.
	TLSEnabled
	// TLSInsecure uses https without certificate verification.
	TLSInsecure
	// TLSDisabled uses plain http.
	TLSDisabled
)

// MarshalText converts TLSConf to its config-file string form.
func (t TLSConf) MarshalText() ([]byte, error) {
	switch t {
	case TLSEnabled:
		return []byte("enabled"), nil
	case TLSInsecure:
		return []byte("insecure"), nil
	case TLSDisabled:
		return []byte("disabled"), nil
	default:
		return []byte(""), nil
	}
}

// UnmarshalText parses TLSConf from its config-file string form.
func (t *TLSConf) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "":
		*t = TLSUndefined
	case "enabled":
		*t = TLSEnabled
	case "insecure":
		*t = TLSInsecure
	case "disabled":
		*t = TLSDisabled
	default:
		return fmt.Errorf("unknown TLS value %q", b)
	}
	return nil
}

// MarshalJSON delegates to MarshalText.
func (t TLSConf) MarshalJSON() ([]byte, error) {
	s, err := t.MarshalText()
	if err != nil {
		return nil, err
	}
	return json.Marshal(string(s))
}

// UnmarshalJSON delegates to UnmarshalText.
func (t *TLSConf) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return t.UnmarshalText([]byte(s))
}

// Host carries one registry's connection settings.
type Host struct {
	Name      string  `json:"-"`
	Hostname  string  `json:"hostname,omitempty"`
	TLS       TLSConf `json:"tls,omitempty"`
	User      string  `json:"user,omitempty"`
	Pass      string  `json:"pass,omitempty"`
	BlobChunk int64   `json:"blobChunk,omitempty"`
	BlobMax   int64   `json:"blobMax,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
}

// NewHost builds a default Host for a registry name, resolving Docker
// Hub's well-known aliases to its actual DNS name.
func NewHost(name string) *Host {
	h := &Host{Name: name, Hostname: name, TLS: TLSEnabled}
	if name == "docker.io" || name == "index.docker.io" {
		h.Name = "docker.io"
		h.Hostname = "registry-1.docker.io"
	}
	return h
}

// TransportOpts converts a Host into the functional options NewClient expects.
func (h *Host) TransportOpts() []transport.Opt {
	var opts []transport.Opt
	switch h.TLS {
	case TLSInsecure:
		opts = append(opts, transport.WithSkipTLSVerify())
	case TLSDisabled:
		opts = append(opts, transport.WithTLSDisabled())
	}
	if h.User != "" {
		opts = append(opts, transport.WithCredentials(h.User, h.Pass))
	}
	if h.BlobChunk > 0 {
		opts = append(opts, transport.WithBlobChunkSize(h.BlobChunk))
	}
	if h.BlobMax != 0 {
		opts = append(opts, transport.WithBlobMaxPut(h.BlobMax))
	}
	if h.Timeout > 0 {
		opts = append(opts, transport.WithRequestTimeout(h.Timeout))
	}
	return opts
}

// NewClient builds a transport.Client for this host.
func (h *Host) NewClient() *transport.Client {
	return transport.NewClient(h.Hostname, h.TransportOpts()...)
}
