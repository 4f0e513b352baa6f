package manifest

import (
	"path/filepath"
)

// Tree is the immutable, validated manifest anchored at the configured root
// collection alias. The root itself is not a Node: it already exists remotely.
type Tree struct {
	root     string
	dir      string
	nodes    map[string]*Node
	order    []string
	children map[string][]string
}

// Root returns the alias of the pre-existing root collection
func (t *Tree) Root() string {
	return t.root
}

// Len returns the number of manifest nodes, excluding the root
func (t *Tree) Len() int {
	return len(t.order)
}

// Node returns the node with the given identifier
func (t *Tree) Node(id string) (*Node, bool) {
	n, ok := t.nodes[id]
	return n, ok
}

// Nodes returns all nodes in manifest order
func (t *Tree) Nodes() []*Node {
	out := make([]*Node, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.nodes[id])
	}
	return out
}

// Parent returns the identifier of the node's parent, which is the root
// alias for top-level nodes.
func (t *Tree) Parent(id string) string {
	n, ok := t.nodes[id]
	if !ok || n.ParentKey == "" {
		return t.root
	}
	return n.ParentKey
}

// Children returns the direct children of id in manifest order. Pass the root
// alias to get the top-level nodes.
func (t *Tree) Children(id string) []*Node {
	ids := t.children[id]
	out := make([]*Node, 0, len(ids))
	for _, c := range ids {
		out = append(out, t.nodes[c])
	}
	return out
}

// Levels groups nodes breadth-first: level 0 holds the root's children, and
// every node appears exactly one level after its parent.
func (t *Tree) Levels() [][]*Node {
	var levels [][]*Node
	current := t.Children(t.root)
	for len(current) > 0 {
		levels = append(levels, current)
		var next []*Node
		for _, n := range current {
			next = append(next, t.Children(n.Identifier)...)
		}
		current = next
	}
	return levels
}

// Descendants returns every node below id, parents before children.
func (t *Tree) Descendants(id string) []*Node {
	var out []*Node
	queue := append([]string(nil), t.children[id]...)
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		out = append(out, t.nodes[c])
		queue = append(queue, t.children[c]...)
	}
	return out
}

// TemplatePath resolves a dataset template relative to the manifest file
func (t *Tree) TemplatePath(n *Node) string {
	if n.Template == "" {
		return ""
	}
	if filepath.IsAbs(n.Template) {
		return n.Template
	}
	dir := t.dir
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, filepath.FromSlash(n.Template))
}

// checkAcyclic follows every parent chain iteratively. A chain that revisits
// a node still on the current walk is a cycle; chains reaching the root or an
// already-verified node are fine.
func (t *Tree) checkAcyclic() error {
	const (
		unvisited = iota
		walking
		done
	)

	state := make(map[string]int, len(t.nodes))
	for _, start := range t.order {
		if state[start] == done {
			continue
		}

		var walk []string
		id := start
		for id != "" && state[id] != done {
			if state[id] == walking {
				return &CycleError{Path: cyclePath(walk, id)}
			}
			state[id] = walking
			walk = append(walk, id)
			id = t.nodes[id].ParentKey
		}

		for _, w := range walk {
			state[w] = done
		}
	}
	return nil
}

// cyclePath extracts the loop from a parent walk that returned to repeat.
func cyclePath(walk []string, repeat string) []string {
	for i, id := range walk {
		if id == repeat {
			path := append([]string(nil), walk[i:]...)
			return append(path, repeat)
		}
	}
	return []string{repeat, repeat}
}
