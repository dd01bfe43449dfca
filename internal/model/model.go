// Package model holds the shared data types that flow between the
// resolver, lockfile store, layout planner, and installer: package
// identity, registry metadata, the pinned dependency graph, and the
// filesystem layout plan. See spec.md section 3.
package model

// ID identifies a concrete package by name and semantic version. It is the
// node identity used throughout the pinned dependency graph.
type ID struct {
	Name    string
	Version string
}

// Digest is an integrity digest: an algorithm tag ("sha512", "sha1") plus
// lowercase hex-encoded bytes, matching the lockfile's "sha512-<hex>" form.
type Digest struct {
	Algorithm string
	Hex       string
}

// String renders the digest in "<algorithm>-<hex>" form, e.g. "sha512-abcd...".
func (d Digest) String() string {
	if d.Algorithm == "" {
		return ""
	}
	return d.Algorithm + "-" + d.Hex
}

// Empty reports whether the digest carries no value.
func (d Digest) Empty() bool {
	return d.Algorithm == "" && d.Hex == ""
}

// ManifestRecord is the registry's per-version record: spec.md section 3.
type ManifestRecord struct {
	URL           string
	Integrity     Digest
	Dependencies  map[string]string // name -> range string
	OptionalDeps  map[string]string // name -> range string
	Bins          map[string]string // command name -> relative script path, spec.md SPEC_FULL supplement
}

// PackageDoc is the registry's per-name document: every published version's
// ManifestRecord plus dist-tags (spec.md section 4.A).
type PackageDoc struct {
	Name     string
	Versions map[string]ManifestRecord
	DistTags map[string]string
}

// PublishedVersions implements semver.Doc.
func (p *PackageDoc) PublishedVersions() []string {
	versions := make([]string, 0, len(p.Versions))
	for v := range p.Versions {
		versions = append(versions, v)
	}
	return versions
}

// DistTag implements semver.Doc.
func (p *PackageDoc) DistTag(name string) (string, bool) {
	v, ok := p.DistTags[name]
	return v, ok
}

// Edge is a labelled graph edge: parent --name--> child.
type Edge struct {
	Parent ID
	Name   string // the dependency name under which Child was requested
	Child  ID
}

// Node is a pinned package: spec.md section 3 "Pinned package".
type Node struct {
	ID     ID
	Record ManifestRecord
	// Edges maps each dependency name this node requested to the child it
	// resolved to. Optional dependencies that failed to resolve are absent.
	Edges map[string]ID
}

// Graph is the resolver's output: spec.md section 3 "Dependency graph".
// Nodes is keyed by ID for O(1) lookup; Edges is the flattened, sorted edge
// list used for serialization and the layout planner's traversal.
type Graph struct {
	Nodes map[ID]*Node
	Edges []Edge
}

// SortedNodes returns the graph's nodes sorted by (name, version), the order
// required for deterministic serialization (spec.md section 4.C Determinism).
func (g *Graph) SortedNodes() []*Node {
	nodes := make([]*Node, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		nodes = append(nodes, n)
	}
	sortNodes(nodes)
	return nodes
}

func sortNodes(nodes []*Node) {
	// insertion sort is fine here: graphs are small relative to the
	// per-run cost of a registry fetch, and this keeps the comparator
	// trivial to read alongside sortEdges below.
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0 && idLess(nodes[j].ID, nodes[j-1].ID); j-- {
			nodes[j], nodes[j-1] = nodes[j-1], nodes[j]
		}
	}
}

func idLess(a, b ID) bool {
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return a.Version < b.Version
}

// SortedEdges returns a copy of g.Edges sorted by (parent, name), the order
// required by spec.md section 4.C Determinism.
func (g *Graph) SortedEdges() []Edge {
	edges := make([]Edge, len(g.Edges))
	copy(edges, g.Edges)
	for i := 1; i < len(edges); i++ {
		for j := i; j > 0 && edgeLess(edges[j], edges[j-1]); j-- {
			edges[j], edges[j-1] = edges[j-1], edges[j]
		}
	}
	return edges
}

func edgeLess(a, b Edge) bool {
	if a.Parent != b.Parent {
		return idLess(a.Parent, b.Parent)
	}
	return a.Name < b.Name
}

// RootID is the synthetic root node identity representing the project
// manifest itself (spec.md section 3 "synthetic root").
var RootID = ID{Name: "", Version: ""}

// RangeEntry records that a dependency name's range string resolved to a
// version during one resolver run. The lockfile store persists these as the
// "[range.<name>]" tables (spec.md section 6.2) so a later run in
// respect_lockfile mode can look up (name, range) -> version without
// recontacting the registry.
type RangeEntry struct {
	Name    string
	Range   string
	Version string
}
