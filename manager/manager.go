// Package manager sequences the engine's four top-level operations —
// pull, extract, push, and the cache-maintenance pair list/remove — each
// a fixed composition of the cache, transport, and pipeline packages.
package manager

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	godigest "github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/ctrtransfer/ctrtransfer/cache"
	"github.com/ctrtransfer/ctrtransfer/config"
	"github.com/ctrtransfer/ctrtransfer/manifest"
	"github.com/ctrtransfer/ctrtransfer/pipeline"
	"github.com/ctrtransfer/ctrtransfer/speed"
	"github.com/ctrtransfer/ctrtransfer/transport"
	"github.com/ctrtransfer/ctrtransfer/xferr"
)

// Options configures the manager's own behavior, distinct from the
// pipeline/cache settings carried in config.Options.
type Options struct {
	// ExtendedVerifyWait is the delay before the final HEAD-verification
	// attempt in PushFromCache, after the 8-attempt exponential phase.
	// Zero disables the extended attempt.
	ExtendedVerifyWait time.Duration

	// OnPipelineReady, if set, is called once per PullAndCache/PushFromCache
	// invocation right after the operation's pipeline and speed monitor are
	// built, letting a caller (e.g. the CLI) attach a progress renderer
	// before Run starts dispatching tasks.
	OnPipelineReady func(*pipeline.Pipeline, *speed.Monitor)
}

// DefaultOptions returns the spec's documented verification retry budget.
func DefaultOptions() Options {
	return Options{ExtendedVerifyWait: 10 * time.Second}
}

// Manager sequences operations against one cache and one registry client.
type Manager struct {
	client *transport.Client
	cache  *cache.Cache
	cfg    config.Options
	opts   Options
	log    *logrus.Logger
}

// New builds a Manager bound to one registry client and cache.
func New(client *transport.Client, c *cache.Cache, cfg config.Options, opts Options) *Manager {
	return &Manager{client: client, cache: c, cfg: cfg, opts: opts, log: logrus.StandardLogger()}
}

func normalizeRepo(repo string) string {
	if repo != "" && !strings.Contains(repo, "/") {
		return "library/" + repo
	}
	return repo
}

// PullAndCache fetches a manifest (resolving a platform out of an index
// when necessary), then downloads and caches its config and layer blobs.
func (m *Manager) PullAndCache(ctx context.Context, repo, ref string) error {
	repo = normalizeRepo(repo)

	man, err := m.client.GetManifest(repo, ref)
	if err != nil {
		return err
	}

	resolved := man
	if man.Kind == manifest.KindIndex {
		platform, err := man.SelectPlatform()
		if err != nil {
			return err
		}
		resolved, err = m.client.GetManifest(repo, platform.Descriptor.Digest.String())
		if err != nil {
			return err
		}
	}

	if _, err := m.cache.SaveManifest(repo, ref, man.Raw, resolved.Config.Digest.String()); err != nil {
		return err
	}

	mon := speed.NewMonitor(speed.WithAdjustmentInterval(m.cfg.AdjustmentInterval))
	p := pipeline.New(pipeline.Config{
		MaxConcurrent:      m.cfg.MaxConcurrent,
		MinConcurrent:      m.cfg.MinConcurrent,
		LargeThreshold:     m.cfg.LargeThreshold,
		SmallThreshold:     m.cfg.SmallThreshold,
		Adaptive:           m.cfg.Adaptive,
		AdjustmentInterval: m.cfg.AdjustmentInterval,
		Monitor:            mon,
		Log:                m.log,
	})
	if m.opts.OnPipelineReady != nil {
		m.opts.OnPipelineReady(p, mon)
	}

	p.Submit(&pipeline.TransferTask{
		Operation:  pipeline.Download,
		Digest:     resolved.Config.Digest,
		Size:       resolved.Config.Size,
		Repository: repo,
		IsConfig:   true,
	})
	for _, l := range resolved.Layers {
		p.Submit(&pipeline.TransferTask{
			Operation:  pipeline.Download,
			Digest:     l.Digest,
			Size:       l.Size,
			Repository: repo,
			IsConfig:   false,
		})
	}

	if err := p.Run(ctx, func(ctx context.Context, task *pipeline.TransferTask, progress pipeline.ProgressFunc) error {
		data, err := m.client.GetBlob(task.Repository, task.Digest)
		if err != nil {
			return err
		}
		if _, err := m.cache.AddBlobWithVerification(task.Digest.String(), data, task.IsConfig, false); err != nil {
			return err
		}
		progress(int64(len(data)))
		return nil
	}); err != nil {
		return err
	}

	if err := m.cache.AssociateBlobWithImage(repo, ref, resolved.Config.Digest.String(), resolved.Config.Size, true, false); err != nil {
		return err
	}
	for _, l := range resolved.Layers {
		if err := m.cache.AssociateBlobWithImage(repo, ref, l.Digest.String(), l.Size, false, true); err != nil {
			return err
		}
	}
	return nil
}

// ExtractAndCache loads a docker-save tar archive into the cache.
// openReader must return a fresh reader over the same archive bytes on
// every call, since the archive is walked in several independent passes.
func (m *Manager) ExtractAndCache(openReader func() (io.Reader, error), repo, ref string) error {
	return m.cache.CacheFromTar(openReader, normalizeRepo(repo), ref)
}

// PushFromCache uploads a cached image's blobs to the target repository
// and only then the manifest: every blob upload completes, then every
// blob's presence is HEAD-verified on the registry, and only after every
// verification succeeds is the manifest PUT — the manifest must never be
// visible before its blobs are.
func (m *Manager) PushFromCache(ctx context.Context, sourceRepo, sourceRef, targetRepo, targetRef string) error {
	sourceRepo = normalizeRepo(sourceRepo)
	targetRepo = normalizeRepo(targetRepo)

	if !m.cache.IsImageComplete(sourceRepo, sourceRef) {
		return xferr.New(xferr.Cache, "manager", "push from cache", fmt.Errorf("source image %s/%s is incomplete", sourceRepo, sourceRef))
	}

	manifestRaw, err := m.cache.GetManifest(sourceRepo, sourceRef)
	if err != nil {
		return err
	}
	man, err := manifest.Parse(manifestRaw, "")
	if err != nil {
		return err
	}

	type blobRef struct {
		digest   godigest.Digest
		size     int64
		isConfig bool
	}
	blobs := []blobRef{{digest: man.Config.Digest, size: man.Config.Size, isConfig: true}}
	for _, l := range man.Layers {
		blobs = append(blobs, blobRef{digest: l.Digest, size: l.Size})
	}

	for _, b := range blobs {
		ok, err := m.cache.HasBlobWithVerification(b.digest.String(), b.isConfig)
		if err != nil {
			return err
		}
		if !ok {
			return xferr.New(xferr.IntegrityMismatch, "manager", "push from cache", fmt.Errorf("blob %s failed local verification", b.digest))
		}
	}

	mon := speed.NewMonitor(speed.WithAdjustmentInterval(m.cfg.AdjustmentInterval))
	p := pipeline.New(pipeline.Config{
		MaxConcurrent:      m.cfg.MaxConcurrent,
		MinConcurrent:      m.cfg.MinConcurrent,
		LargeThreshold:     m.cfg.LargeThreshold,
		SmallThreshold:     m.cfg.SmallThreshold,
		Adaptive:           m.cfg.Adaptive,
		AdjustmentInterval: m.cfg.AdjustmentInterval,
		Monitor:            mon,
		Log:                m.log,
	})
	if m.opts.OnPipelineReady != nil {
		m.opts.OnPipelineReady(p, mon)
	}
	for _, b := range blobs {
		p.Submit(&pipeline.TransferTask{
			Operation:  pipeline.Upload,
			Digest:     b.digest,
			Size:       b.size,
			Repository: targetRepo,
			IsConfig:   b.isConfig,
		})
	}

	if err := p.Run(ctx, func(ctx context.Context, task *pipeline.TransferTask, progress pipeline.ProgressFunc) error {
		// A blob shared with sourceRepo may already live under it on the
		// same registry (e.g. common base-image layers); try a cross-repo
		// mount before paying for a re-upload. A 202 (or any mount error)
		// just means the normal upload path applies.
		if sourceRepo != targetRepo {
			if mounted, merr := m.client.MountBlob(task.Repository, sourceRepo, task.Digest); merr == nil && mounted {
				progress(task.Size)
				return nil
			}
		}

		data, err := m.cache.GetBlob(task.Digest.String())
		if err != nil {
			return err
		}
		if err := m.client.PutBlob(task.Repository, task.Digest, data); err != nil {
			return err
		}
		progress(int64(len(data)))
		return nil
	}); err != nil {
		return err
	}

	for _, b := range blobs {
		if err := m.verifyPresence(ctx, targetRepo, b.digest); err != nil {
			return err
		}
	}

	contentType := manifest.DetectContentType(manifestRaw, "")
	return m.client.PutManifest(targetRepo, targetRef, manifestRaw, contentType)
}

// verifyPresence HEAD-checks a blob with exponential backoff (initial 1s,
// factor 2, up to 8 attempts), then — unless disabled — one final attempt
// after ExtendedVerifyWait, accommodating registries whose object-store
// backend is only eventually consistent after an upload completes.
func (m *Manager) verifyPresence(ctx context.Context, repo string, dig godigest.Digest) error {
	check := func() (struct{}, error) {
		presence, err := m.client.HeadBlob(repo, dig)
		if err != nil {
			return struct{}{}, err
		}
		if presence != transport.Present {
			return struct{}{}, fmt.Errorf("blob %s not yet visible", dig)
		}
		return struct{}{}, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2

	_, err := backoff.Retry(ctx, check, backoff.WithBackOff(bo), backoff.WithMaxTries(8))
	if err == nil {
		return nil
	}

	if m.opts.ExtendedVerifyWait <= 0 {
		return m.registryConsistencyFailure(repo, dig, err)
	}

	select {
	case <-ctx.Done():
		return m.registryConsistencyFailure(repo, dig, ctx.Err())
	case <-time.After(m.opts.ExtendedVerifyWait):
	}

	presence, herr := m.client.HeadBlob(repo, dig)
	if herr != nil {
		return m.registryConsistencyFailure(repo, dig, herr)
	}
	if presence != transport.Present {
		return m.registryConsistencyFailure(repo, dig, fmt.Errorf("blob %s still not visible after extended wait", dig))
	}
	return nil
}

func (m *Manager) registryConsistencyFailure(repo string, dig godigest.Digest, cause error) error {
	return xferr.New(xferr.Registry, "manager", "verify blob presence after push", fmt.Errorf("%s/%s: %w", repo, dig, cause))
}

// ListCached returns every cached (repository, reference) pair.
func (m *Manager) ListCached() []struct{ Repository, Reference string } {
	return m.cache.ListCached()
}

// RemoveCached deletes one cached manifest entry and garbage-collects any
// blob no longer referenced by a remaining entry.
func (m *Manager) RemoveCached(repo, ref string) error {
	return m.cache.RemoveManifest(normalizeRepo(repo), ref)
}
