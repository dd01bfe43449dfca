// Package nodepm is the root orchestrator (spec.md section 4.H): it wires
// the Registry Client, Resolver, Lockfile Store, Layout Planner, and
// Installer into the single Install entry point, owning the run's
// cancellation signal and translating any component's structured error into
// an orderly shutdown.
package nodepm

import (
	"context"
	"net/url"
	"os"
	"path/filepath"

	"github.com/git-pkgs/nodepm/config"
	"github.com/git-pkgs/nodepm/errs"
	"github.com/git-pkgs/nodepm/install"
	"github.com/git-pkgs/nodepm/internal/fetch"
	"github.com/git-pkgs/nodepm/layout"
	"github.com/git-pkgs/nodepm/lockfile"
	"github.com/git-pkgs/nodepm/logging"
	"github.com/git-pkgs/nodepm/manifest"
	"github.com/git-pkgs/nodepm/registry"
	"github.com/git-pkgs/nodepm/resolve"
	"github.com/git-pkgs/nodepm/store"
)

// ManifestFile names the project manifest Install reads at projectRoot, per
// spec.md section 6; the lockfile it reads and writes is lockfile.DefaultPath.
const ManifestFile = "package.json"

// Options configures one Install run. Mode and Strict surface the
// resolver's lockfile semantics (spec.md section 4.C, 4.D); Concurrency
// overrides every stage's worker pool uniformly when non-zero.
type Options struct {
	Mode        resolve.Mode
	Strict      bool
	Concurrency int
	RegistryURL string
}

// Result is what a successful Install produced, for callers that want to
// report a summary (e.g. a CLI front end) without re-reading the lockfile.
type Result struct {
	Graph    *resolve.Result
	Lockfile *lockfile.Lockfile
	Plan     *layout.Plan
	Wrote    bool // whether the lockfile changed on disk
}

// Install runs the full pipeline against projectRoot: load the manifest and
// any existing lockfile, resolve the dependency graph, persist the
// lockfile, plan the on-disk layout, and materialise it. Every stage shares
// ctx, so cancelling ctx unwinds the whole run; a component's structured
// error (errs.Error) propagates unwrapped so callers can inspect its Code.
func Install(ctx context.Context, projectRoot string, opts Options) (*Result, error) {
	cfg, err := config.Load(projectRoot)
	if err != nil {
		return nil, errs.Wrap(err, errs.Network, "loading project configuration")
	}

	concurrency := opts.Concurrency
	if concurrency == 0 {
		concurrency = cfg.Concurrency
	}

	registryURL := opts.RegistryURL
	if registryURL == "" {
		registryURL = cfg.Registry
	}
	if registryURL == "" {
		registryURL = registry.DefaultURL
	}

	logger := logging.For("nodepm")

	man, err := manifest.Load(filepath.Join(projectRoot, ManifestFile))
	if err != nil {
		return nil, err
	}

	lf, err := lockfile.Load(filepath.Join(projectRoot, lockfile.DefaultPath))
	if err != nil {
		return nil, errs.Wrap(err, errs.LockfileStale, "loading existing lockfile")
	}

	f := fetch.New(fetch.WithAuthFunc(authFuncFor(cfg)))
	cb := fetch.NewCircuitBreakerFetcher(f)
	reg := registry.New(registryURL, cb)

	resolverOpts := []resolve.Option{resolve.WithStrict(opts.Strict)}
	if concurrency > 0 {
		resolverOpts = append(resolverOpts, resolve.WithConcurrency(concurrency))
	}
	if lf != nil {
		resolverOpts = append(resolverOpts, resolve.WithLockfile(lf))
	}
	resolver := resolve.New(reg, opts.Mode, resolverOpts...)

	logger.Info().Int("direct_count", len(man.Dependencies)+len(man.OptionalDependencies)).Msg("resolving dependency graph")
	resolved, err := resolver.Resolve(ctx, man.AllDirect())
	if err != nil {
		return nil, err
	}

	newLock := lockfile.PopulateFrom(resolved.Graph, resolved.Ranges)
	wrote, err := lockfile.Save(filepath.Join(projectRoot, lockfile.DefaultPath), newLock)
	if err != nil {
		return nil, errs.Wrap(err, errs.Network, "writing lockfile")
	}

	plan, err := layout.BuildPlan(resolved.Graph)
	if err != nil {
		return nil, err
	}

	archiveStore, err := store.Open(storeRoot(projectRoot))
	if err != nil {
		return nil, err
	}

	installOpts := []install.Option{}
	if concurrency > 0 {
		installOpts = append(installOpts, install.WithConcurrency(concurrency))
	}
	installer := install.New(reg, archiveStore, installOpts...)

	logger.Info().Int("placement_count", len(plan.Placements)).Msg("materialising layout")
	if err := installer.Install(ctx, projectRoot, plan); err != nil {
		return nil, err
	}

	return &Result{Graph: resolved, Lockfile: newLock, Plan: plan, Wrote: wrote}, nil
}

// authFuncFor builds the Fetcher auth callback from configured per-host
// registry credentials (spec.md SPEC_FULL supplement "Registry auth"): a
// literal token or an indirection through an environment variable.
func authFuncFor(cfg *config.Config) func(url string) (string, string) {
	return func(url string) (string, string) {
		for host, auth := range cfg.Registries {
			if !containsHost(url, host) {
				continue
			}
			token := auth.Token
			if auth.FromEnv != "" {
				token = envLookup(auth.FromEnv)
			}
			if token != "" {
				return "Authorization", "Bearer " + token
			}
		}
		return "", ""
	}
}

// containsHost reports whether rawURL's host matches host exactly.
func containsHost(rawURL, host string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Host == host
}

// envLookup reads a configured environment variable indirection.
func envLookup(name string) string {
	return os.Getenv(name)
}

// storeRoot picks where the content-addressed archive store lives. A
// project-local directory is preferred so Materialise can hardlink rather
// than copy (spec.md section 4.F); if the project root turns out not to be
// writable (a read-only checkout, a permissions-restricted CI sandbox), it
// falls back to the shared XDG cache directory, which is always scoped to
// the user rather than the project.
func storeRoot(projectRoot string) string {
	local := filepath.Join(projectRoot, layout.DependencyRootDir, ".nodepm-store")
	if err := os.MkdirAll(local, 0o755); err == nil {
		return local
	}
	return config.DefaultCacheRoot()
}
