// Package layout implements the Layout Planner (spec.md section 4.E):
// transforms a pinned dependency graph into a filesystem plan, assigning
// each pinned package a directory under the project's node_modules root by
// hoisting where possible and nesting where a name conflicts.
package layout

import (
	"sort"
	"strings"

	"github.com/git-pkgs/nodepm/errs"
	"github.com/git-pkgs/nodepm/internal/model"
)

// DependencyRootDir is the conventional top-level dependency directory
// (spec.md section 6.4).
const DependencyRootDir = "node_modules"

// BinDir is the directory, relative to DependencyRootDir, that holds
// executable symlinks for every top-level package's declared bin entries
// (spec.md SPEC_FULL supplement "Bin-symlink linking").
const BinDir = ".bin"

// Placement assigns one pinned package to a directory.
type Placement struct {
	ID     model.ID
	Path   string // slash-separated, relative to the project root, e.g. "node_modules/a/node_modules/b"
	Record model.ManifestRecord
}

// BinLink is one executable symlink the installer must create after
// materialising its owning Placement.
type BinLink struct {
	Command     string // the command name, e.g. "mocha"
	PackagePath string // the Placement.Path that owns this command
	ScriptPath  string // path to the script, relative to PackagePath
}

// Plan is the Layout Planner's output.
type Plan struct {
	// Placements is sorted by Path for deterministic iteration.
	Placements []Placement
	BinLinks   []BinLink
}

// key is the internal, root-relative directory identity used while
// building the plan: "" is the dependency root itself, "name" is a
// top-level slot, "parent/node_modules/name" is nested under parent's own
// slot. fsPath converts it to an actual filesystem path.
type key = string

func fsPath(k key) string {
	return DependencyRootDir + "/" + k
}

// BuildPlan builds a filesystem layout for graph, per spec.md section 4.E's
// two-pass hoist-then-verify algorithm.
func BuildPlan(graph *model.Graph) (*Plan, error) {
	nodes := graph.SortedNodes() // (name, version) ascending, per spec.md section 4.E step 1

	for _, n := range nodes {
		if err := validateName(n.ID.Name); err != nil {
			return nil, err
		}
	}

	// Pass 1 (partial): decide, for each name, which version owns the
	// top-level slot. First in (name, version) order wins, matching
	// spec.md's "topmost slot ... wins first-come-first-served by
	// name+version sort order".
	topOwner := make(map[string]model.ID, len(nodes))
	for _, n := range nodes {
		if _, taken := topOwner[n.ID.Name]; !taken {
			topOwner[n.ID.Name] = n.ID
		}
	}

	// Pass 1 (continued): walk the graph from the synthetic root,
	// assigning each edge's child a directory. A node that owns its
	// name's top-level slot is always placed there. Otherwise, if the
	// name already resolves to this exact child by walking up from the
	// parent's own directory (an ancestor already carries this precise
	// placement — the shape a dependency cycle's back-edge produces),
	// that existing placement is reused instead of manufacturing a new
	// one, which is also what keeps a cycle from recursing forever.
	// Only when neither applies does the child get its own nested copy
	// under this specific parent, and — unlike a single shared
	// dirOf[child] entry — every distinct copy of the same (name,
	// version) is queued and expanded independently, so two unrelated
	// parents pinned to a non-hoistable version each get their own
	// fully-placed dependency subtree rather than one populated copy and
	// one empty shell.
	type queued struct {
		id  model.ID
		dir key
	}

	placedAt := map[key]model.ID{}       // directory -> the package placed there
	placementsOf := map[model.ID][]key{  // every directory a given package is placed at
		model.RootID: {""},
	}
	expanded := map[key]bool{"": true} // directories whose own children have already been walked
	queue := []queued{{model.RootID, ""}}

	childrenOf := make(map[model.ID][]model.Edge)
	for _, e := range graph.SortedEdges() {
		childrenOf[e.Parent] = append(childrenOf[e.Parent], e)
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, e := range childrenOf[cur.id] {
			child := e.Child

			var childDir key
			switch {
			case topOwner[child.Name] == child:
				childDir = child.Name
			default:
				if existingDir, existingID, ok := resolveFrom(cur.dir, child.Name, placedAt); ok && existingID == child {
					childDir = existingDir
				} else {
					childDir = nestedKey(cur.dir, child.Name)
				}
			}

			placedAt[childDir] = child
			placementsOf[child] = appendUnique(placementsOf[child], childDir)

			if !expanded[childDir] {
				expanded[childDir] = true
				queue = append(queue, queued{child, childDir})
			}
		}
	}

	// Pass 2: verification. Every edge must resolve correctly from *every*
	// directory its parent was placed at, not just one: a package placed
	// at two unrelated parents' directories can carry independently
	// placed dependency subtrees, so each copy's own edges need their own
	// walk-up check rather than sharing a single verified path.
	for _, e := range graph.SortedEdges() {
		parentDirs, ok := placementsOf[e.Parent]
		if !ok {
			continue // parent never got visited (e.g. an edge into an unresolved optional dep); nothing to verify
		}
		for _, parentDir := range parentDirs {
			_, resolved, ok := resolveFrom(parentDir, e.Name, placedAt)
			if !ok || resolved != e.Child {
				return nil, errs.Newf(errs.LayoutUnsatisfiable,
					"no path from %s to %s@%s under dependency name %q", e.Parent.Name, e.Child.Name, e.Child.Version, e.Name)
			}
		}
	}

	plan := &Plan{}
	for k, id := range placedAt {
		n, ok := graph.Nodes[id]
		if !ok {
			continue
		}
		plan.Placements = append(plan.Placements, Placement{ID: id, Path: fsPath(k), Record: n.Record})
	}
	sort.Slice(plan.Placements, func(i, j int) bool { return plan.Placements[i].Path < plan.Placements[j].Path })

	for _, p := range plan.Placements {
		if strings.Contains(p.Path, "/"+DependencyRootDir+"/") {
			continue // only top-level placements link into node_modules/.bin
		}
		cmds := make([]string, 0, len(p.Record.Bins))
		for cmd := range p.Record.Bins {
			cmds = append(cmds, cmd)
		}
		sort.Strings(cmds)
		for _, cmd := range cmds {
			script := p.Record.Bins[cmd]
			name := cmd
			if name == "" {
				name = p.ID.Name // npm's string-form "bin" names the command after the package itself
				if idx := strings.LastIndex(name, "/"); idx >= 0 {
					name = name[idx+1:] // scoped packages ("@scope/name") use the unscoped segment
				}
			}
			plan.BinLinks = append(plan.BinLinks, BinLink{Command: name, PackagePath: p.Path, ScriptPath: script})
		}
	}
	sort.Slice(plan.BinLinks, func(i, j int) bool { return plan.BinLinks[i].Command < plan.BinLinks[j].Command })

	return plan, nil
}

func nestedKey(parentDir key, name string) key {
	if parentDir == "" {
		return name
	}
	return parentDir + "/node_modules/" + name
}

// resolveFrom walks up the directory chain from dir, returning the
// directory and package of the first ancestor carrying a placement for
// name.
func resolveFrom(dir key, name string, placedAt map[key]model.ID) (key, model.ID, bool) {
	for {
		candidate := nestedKey(dir, name)
		if id, ok := placedAt[candidate]; ok {
			return candidate, id, true
		}
		if dir == "" {
			return "", model.ID{}, false
		}
		dir = parentKey(dir)
	}
}

// appendUnique appends k to keys unless it is already present.
func appendUnique(keys []key, k key) []key {
	for _, existing := range keys {
		if existing == k {
			return keys
		}
	}
	return append(keys, k)
}

// parentKey strips the last "/node_modules/<name>" segment from a key.
func parentKey(k key) key {
	idx := strings.LastIndex(k, "/node_modules/")
	if idx < 0 {
		return ""
	}
	return k[:idx]
}

// validateName rejects a package name that would escape the dependency
// root when used as a path segment (spec.md SPEC_FULL supplement "Scoped
// path containment"), grounded in the original implementation's
// scoped_path.rs.
func validateName(name string) error {
	if name == "" {
		return errs.New(errs.LayoutUnsatisfiable, "empty package name cannot be placed")
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return errs.Newf(errs.LayoutUnsatisfiable, "package name %q is not a valid path segment", name)
		}
	}
	return nil
}
