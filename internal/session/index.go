package session

import "github.com/dillproject/dill/internal/trees"

// TreeIndex owns the current tree and a flat node id lookup over it. The
// stored tree is replaced wholesale and never mutated in place, so pointers
// into it stay valid until the next Set.
type TreeIndex struct {
	tree  *trees.DebugTree
	nodes map[uint32]*trees.DebugNode
}

func NewTreeIndex() *TreeIndex {
	return &TreeIndex{nodes: map[uint32]*trees.DebugNode{}}
}

// Set takes ownership of tree and rebuilds the index. Trees whose ids are
// not unique are renumbered first so every reachable node is indexed exactly
// once under its own id.
func (x *TreeIndex) Set(tree trees.DebugTree) {
	t := &tree
	nodes, ok := indexNodes(t)
	if !ok {
		t.Renumber()
		nodes, _ = indexNodes(t)
	}
	x.tree = t
	x.nodes = nodes
}

func indexNodes(t *trees.DebugTree) (map[uint32]*trees.DebugNode, bool) {
	nodes := map[uint32]*trees.DebugNode{}
	unique := true
	t.Walk(func(n *trees.DebugNode) bool {
		if _, dup := nodes[n.NodeID]; dup {
			unique = false
			return false
		}
		nodes[n.NodeID] = n
		return true
	})
	return nodes, unique
}

// Tree returns a deep copy of the current tree.
func (x *TreeIndex) Tree() (trees.DebugTree, error) {
	if x.tree == nil {
		return trees.DebugTree{}, ErrTreeNotFound
	}
	return x.tree.Clone(), nil
}

// Current returns the stored tree without copying. Callers must treat it as
// read only.
func (x *TreeIndex) Current() (*trees.DebugTree, bool) {
	return x.tree, x.tree != nil
}

// Node returns the node with the given id. The returned value owns a fresh
// children slice; deeper descendants are shared with the stored tree.
func (x *TreeIndex) Node(id uint32) (trees.DebugNode, error) {
	n, ok := x.nodes[id]
	if !ok {
		return trees.DebugNode{}, &NodeNotFoundError{ID: id}
	}
	out := *n
	if n.ChildID != nil {
		v := *n.ChildID
		out.ChildID = &v
	}
	if n.Children != nil {
		out.Children = make([]trees.DebugNode, len(n.Children))
		copy(out.Children, n.Children)
	}
	return out, nil
}

func (x *TreeIndex) Len() int {
	return len(x.nodes)
}

func (x *TreeIndex) Clear() {
	x.tree = nil
	x.nodes = map[uint32]*trees.DebugNode{}
}
