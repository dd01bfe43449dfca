// Package resolve implements the Resolver (spec.md section 4.C): a parallel
// breadth-first expansion of the project manifest's dependency mapping into
// a pinned dependency graph, coordinating with the Registry Client, the
// Version Solver, and an optional lockfile for pre-populated metadata.
//
// The concurrent fan-out generalizes the bounded worker-pool shape of
// git-pkgs/registries' internal/core/helpers.go (semaphore + sync.WaitGroup
// over a fixed slice of inputs) to a dynamically growing work queue: each
// resolved dependency may itself enqueue further dependencies, so the
// fan-out here uses golang.org/x/sync/errgroup instead of a hand-rolled
// WaitGroup, since errgroup's Wait() naturally blocks until every
// recursively spawned goroutine finishes, cancels sibling work on the first
// fatal error, and caps concurrency via SetLimit the way helpers.go's
// channel semaphore does. Children are spawned with TryGo; when the limit is
// reached a child request is handled inline by its parent's task.
package resolve

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/git-pkgs/nodepm/errs"
	"github.com/git-pkgs/nodepm/internal/model"
	"github.com/git-pkgs/nodepm/logging"
	"github.com/git-pkgs/nodepm/manifest"
	"github.com/git-pkgs/nodepm/semver"
)

// Mode selects how the resolver treats a pre-existing lockfile.
type Mode int

const (
	// RespectLockfile reuses a lockfile-recorded version whenever it still
	// satisfies the manifest's current range, avoiding a registry round trip.
	RespectLockfile Mode = iota
	// Update ignores lockfile entries and re-solves every range against
	// live registry metadata.
	Update
)

// DefaultConcurrency bounds the number of concurrently in-flight resolver
// tasks, mirroring internal/core/helpers.go's defaultConcurrency constant.
const DefaultConcurrency = 15

// MetadataSource is the subset of registry.Client the resolver depends on.
type MetadataSource interface {
	FetchMetadata(ctx context.Context, name string) (*model.PackageDoc, error)
}

// LockfileSource is the subset of lockfile.Lockfile the resolver depends on
// for pre-populated metadata (spec.md section 4.D).
type LockfileSource interface {
	ResolvedVersion(name, rng string) (string, bool)
	Record(name, version string) (model.ManifestRecord, bool)
}

// Resolver traverses a project manifest's dependency mapping into a pinned
// dependency graph.
type Resolver struct {
	registry    MetadataSource
	lockfile    LockfileSource // nil when no lockfile is available
	mode        Mode
	strict      bool // frozen-lockfile semantics; see resolveVersion
	concurrency int
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLockfile supplies a lockfile for pre-populated metadata reuse.
func WithLockfile(l LockfileSource) Option {
	return func(r *Resolver) { r.lockfile = l }
}

// WithStrict enables frozen-lockfile semantics: in RespectLockfile mode, a
// range with no satisfying lockfile entry fails fast with LockfileStale
// instead of falling through to a live registry fetch. Grounded in the
// original Rust implementation's `--immutable` flag (resolve.rs), which
// refuses to touch the network when the lockfile is expected to be complete.
func WithStrict(strict bool) Option {
	return func(r *Resolver) { r.strict = strict }
}

// WithConcurrency overrides DefaultConcurrency.
func WithConcurrency(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// New creates a Resolver against reg in the given mode.
func New(reg MetadataSource, mode Mode, opts ...Option) *Resolver {
	r := &Resolver{registry: reg, mode: mode, concurrency: DefaultConcurrency}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Result is the resolver's output: spec.md section 4.C.
type Result struct {
	Graph *model.Graph
	// Direct maps each direct dependency name to its pinned ID.
	Direct map[string]model.ID
	// Ranges is every (name, range) -> version observed during this run,
	// for the Lockfile Store to persist (spec.md section 6.2 "[range.<name>]").
	Ranges []model.RangeEntry
}

// request is one entry in the resolver's conceptual work queue.
type request struct {
	name      string
	rng       string
	optional  bool
	requestor model.ID
	chain     []string // ancestor chain, root first, for failure reporting
}

// state is the graph under construction, shared and mutated by every
// concurrently running resolver task. Per spec.md section 9 "Shared mutable
// graph", pin ownership is a per-key one-shot flag (pins): the first task to
// claim a pin is the only one that ever expands it, and later claimants
// return immediately having already recorded their edge into it. Since an
// edge never needs the child's own node body to exist, later claimants have
// nothing to wait for; the flat structures (nodes, edges, direct) share a
// single mutex, held only to copy a pointer or append a small struct.
type state struct {
	mu     sync.Mutex
	nodes  map[model.ID]*model.Node
	edges  []model.Edge
	direct map[string]model.ID
	ranges []model.RangeEntry

	pins sync.Map // model.ID -> struct{}
}

func newState() *state {
	return &state{
		nodes:  make(map[model.ID]*model.Node),
		direct: make(map[string]model.ID),
	}
}

func (st *state) addEdge(e model.Edge) {
	st.mu.Lock()
	st.edges = append(st.edges, e)
	st.mu.Unlock()
}

func (st *state) addRange(e model.RangeEntry) {
	st.mu.Lock()
	st.ranges = append(st.ranges, e)
	st.mu.Unlock()
}

func (st *state) setNode(id model.ID, n *model.Node) {
	st.mu.Lock()
	st.nodes[id] = n
	st.mu.Unlock()
}

func (st *state) setDirect(name string, id model.ID) {
	st.mu.Lock()
	st.direct[name] = id
	st.mu.Unlock()
}

// Resolve expands directs into a pinned dependency graph.
func (r *Resolver) Resolve(ctx context.Context, directs []manifest.Direct) (*Result, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	st := newState()

	for _, d := range directs {
		d := d
		g.Go(func() error {
			return r.handle(ctx, g, st, request{
				name:      d.Name,
				rng:       d.Range,
				optional:  d.Optional,
				requestor: model.RootID,
				chain:     []string{"<root>"},
			})
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	graph := &model.Graph{Nodes: st.nodes, Edges: st.edges}
	for _, e := range graph.Edges {
		n, ok := graph.Nodes[e.Parent]
		if !ok {
			continue // parent is the synthetic root or an optional dep that never resolved
		}
		if n.Edges == nil {
			n.Edges = make(map[string]model.ID)
		}
		n.Edges[e.Name] = e.Child
	}

	return &Result{Graph: graph, Direct: st.direct, Ranges: st.ranges}, nil
}

// handle processes a single request: spec.md section 4.C steps 1-7.
func (r *Resolver) handle(ctx context.Context, g *errgroup.Group, st *state, req request) error {
	select {
	case <-ctx.Done():
		return nil // a sibling already failed or the caller cancelled; errgroup already has the real error
	default:
	}

	rng, err := semver.Parse(req.rng)
	if err != nil {
		return r.fail(req, errs.Wrapf(err, errs.Unsatisfiable, "invalid range %q for %q", req.rng, req.name))
	}

	version, record, err := r.resolveVersion(ctx, req.name, rng)
	if err != nil {
		if req.optional {
			resolveLog := logging.For("resolve")
			resolveLog.Warn().
				Str("package", req.name).
				Str("range", req.rng).
				Err(err).
				Msg("optional dependency failed to resolve; dropping edge")
			return nil
		}
		return r.fail(req, err)
	}

	id := model.ID{Name: req.name, Version: version}
	st.addRange(model.RangeEntry{Name: req.name, Range: req.rng, Version: version})
	st.addEdge(model.Edge{Parent: req.requestor, Name: req.name, Child: id})
	if req.requestor == model.RootID {
		st.setDirect(req.name, id)
	}

	if _, loaded := st.pins.LoadOrStore(id, struct{}{}); loaded {
		return nil // another task already owns (or is expanding) this pin
	}

	st.setNode(id, &model.Node{ID: id, Record: record})

	chain := append(append([]string{}, req.chain...), id.Name+"@"+id.Version)

	// spawn never blocks on the group's limit: a task waiting for a slot
	// held by its own ancestors would deadlock, so a child that finds every
	// slot busy runs inline in this task instead.
	spawn := func(child request) error {
		fn := func() error { return r.handle(ctx, g, st, child) }
		if g.TryGo(fn) {
			return nil
		}
		return fn()
	}

	for name, depRange := range record.Dependencies {
		if err := spawn(request{name: name, rng: depRange, requestor: id, chain: chain}); err != nil {
			return err
		}
	}
	for name, depRange := range record.OptionalDeps {
		if err := spawn(request{name: name, rng: depRange, optional: true, requestor: id, chain: chain}); err != nil {
			return err
		}
	}

	return nil
}

// resolveVersion implements steps 1-3: lockfile reuse, then registry fetch
// plus the Version Solver.
func (r *Resolver) resolveVersion(ctx context.Context, name string, rng semver.Range) (string, model.ManifestRecord, error) {
	if r.mode == RespectLockfile && r.lockfile != nil {
		if v, ok := r.lockfile.ResolvedVersion(name, rng.Raw); ok && rng.ContainsString(v) {
			if record, ok := r.lockfile.Record(name, v); ok {
				return v, record, nil
			}
		}
		if r.strict {
			return "", model.ManifestRecord{}, errs.Newf(errs.LockfileStale,
				"lockfile has no entry satisfying %s@%s and strict mode forbids a registry fetch", name, rng.Raw)
		}
	}

	if rng.Kind == semver.KindURL {
		// A direct tarball URL is its own leaf: its transitive dependencies
		// are only knowable after downloading and extracting it, which is
		// the Installer's job, not the resolver's (spec.md section 4.B
		// "Direct tarball URL ranges return their synthetic version").
		return semver.SyntheticVersion(rng.Raw), model.ManifestRecord{URL: rng.Raw}, nil
	}

	doc, err := r.registry.FetchMetadata(ctx, name)
	if err != nil {
		return "", model.ManifestRecord{}, err
	}

	version, err := semver.Solve(rng, doc)
	if err != nil {
		return "", model.ManifestRecord{}, errs.Wrapf(err, errs.Unsatisfiable, "%s: %v", name, err)
	}

	record, ok := doc.Versions[version]
	if !ok {
		return "", model.ManifestRecord{}, errs.Newf(errs.Unsatisfiable, "%s: solved version %s missing from registry document", name, version)
	}
	return version, record, nil
}

// fail attaches the requestor chain up to the root to err, per spec.md
// section 4.C "Failure semantics".
func (r *Resolver) fail(req request, err error) error {
	path := append(append([]string{}, req.chain...), req.name+"@"+req.rng)
	if e, ok := err.(*errs.Error); ok {
		return e.WithPath(path)
	}
	return errs.Wrap(err, errs.Network, "resolving "+req.name).WithPath(path)
}
