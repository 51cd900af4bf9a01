// Package ref defines the image reference type shared by the cache,
// transport, and manager packages: a (repository, reference) pair where
// reference is either a tag or a digest.
package ref

import (
	"fmt"
	"strings"

	"github.com/docker/distribution/reference"

	"github.com/ctrtransfer/ctrtransfer/xferr"
)

// Ref is a parsed image reference. Repository and Tag/Digest are always
// normalized: a Docker Hub short name like "nginx" becomes "library/nginx".
type Ref struct {
	Registry   string // host[:port], empty means the default registry
	Repository string // normalized repository path, never starting/ending in "/"
	Tag        string // set when Digest is empty
	Digest     string // set when the reference pins a digest
}

// Parse parses "[registry/]repository[:tag|@digest]" into a Ref, applying
// Docker Hub normalization (single-segment Docker Hub names such as
// "nginx" are rewritten to "library/nginx"; multi-segment names are kept).
func Parse(s string) (Ref, error) {
	named, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return Ref{}, xferr.New(xferr.Validation, "ref", "parse", err)
	}
	r := Ref{
		Registry:   reference.Domain(named),
		Repository: reference.Path(named),
	}
	if canonical, ok := named.(reference.Canonical); ok {
		r.Digest = canonical.Digest().String()
	}
	if tagged, ok := named.(reference.Tagged); ok {
		r.Tag = tagged.Tag()
	}
	if r.Tag == "" && r.Digest == "" {
		r.Tag = "latest"
	}
	return r, nil
}

// New builds a Ref directly from already-parsed fields, applying the same
// Docker Hub normalization Parse does. Used when the repository and
// reference are already known (e.g. read back from the cache index).
func New(registry, repository, reference string) (Ref, error) {
	if repository == "" {
		return Ref{}, xferr.New(xferr.Validation, "ref", "new", fmt.Errorf("repository must not be empty"))
	}
	repository = NormalizeRepository(repository)
	if err := ValidateRepository(repository); err != nil {
		return Ref{}, err
	}
	r := Ref{Registry: registry, Repository: repository}
	if strings.HasPrefix(reference, "sha256:") {
		r.Digest = reference
	} else if reference != "" {
		r.Tag = reference
	} else {
		r.Tag = "latest"
	}
	return r, nil
}

// NormalizeRepository rewrites a Docker Hub single-name repository
// ("nginx") to "library/nginx". Multi-segment repositories are unchanged.
func NormalizeRepository(repo string) string {
	if repo != "" && !strings.Contains(repo, "/") {
		return "library/" + repo
	}
	return repo
}

// ValidateRepository enforces the data-model invariant: a non-empty path
// that does not start or end with "/" and has no ".." segments.
func ValidateRepository(repo string) error {
	if repo == "" {
		return xferr.New(xferr.Validation, "ref", "validate repository", fmt.Errorf("repository must not be empty"))
	}
	if strings.HasPrefix(repo, "/") || strings.HasSuffix(repo, "/") {
		return xferr.New(xferr.Validation, "ref", "validate repository", fmt.Errorf("repository %q must not start or end with '/'", repo))
	}
	for _, seg := range strings.Split(repo, "/") {
		if seg == ".." {
			return xferr.New(xferr.Validation, "ref", "validate repository", fmt.Errorf("repository %q must not contain '..' segments", repo))
		}
	}
	return nil
}

// Reference returns the tag or digest, whichever is set (digest wins).
func (r Ref) Reference() string {
	if r.Digest != "" {
		return r.Digest
	}
	return r.Tag
}

// CommonName formats the ref as "[registry/]repository[:tag|@digest]".
func (r Ref) CommonName() string {
	cn := r.Repository
	if r.Registry != "" {
		cn = r.Registry + "/" + cn
	}
	switch {
	case r.Digest != "":
		cn += "@" + r.Digest
	case r.Tag != "":
		cn += ":" + r.Tag
	}
	return cn
}

// CacheKey is the key used to index the cache's manifest map: "repo/ref".
func (r Ref) CacheKey() string {
	return r.Repository + "/" + r.Reference()
}
