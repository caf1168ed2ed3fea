package spatial

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// NodeID identifies a node in a Tree. Cells use their cell id.
type NodeID string

// ChildPolicy decides what happens to the children of a removed node
type ChildPolicy int

const (
	// ReparentChildren moves the children of a removed node to its parent
	// (or makes them roots when the removed node was a root)
	ReparentChildren ChildPolicy = iota
	// DestroyChildren removes the whole subtree
	DestroyChildren
)

// ErrNodeNotFound is returned by operations naming an unknown node
var ErrNodeNotFound = errors.New("spatial node not found")

// CycleError rejects making a node a child of its own descendant
type CycleError struct {
	Parent NodeID
	Child  NodeID
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("adding %s under %s would create a containment cycle", e.Child, e.Parent)
}

// IsStructural marks CycleError as a structural error
func (e *CycleError) IsStructural() bool {
	return true
}

type node struct {
	id        NodeID
	local     Bounds
	transform Transform
	parent    NodeID // weak, empty for roots
	children  []NodeID
	// extent is the box enclosing this node's local bounds and every descendant,
	// expressed in the parent frame
	extent Bounds
}

// Tree is the arena holding every spatial node. Parent links are ids, never
// pointers, so removing a node cannot leave a dangling reference behind.
//
// All methods are safe for concurrent use; a mutation and the bounds
// propagation it triggers happen under one lock, so readers never see a
// half propagated tree.
type Tree struct {
	mu    sync.RWMutex
	nodes map[NodeID]*node
}

// NewTree creates an empty spatial tree
func NewTree() *Tree {
	return &Tree{
		nodes: map[NodeID]*node{},
	}
}

// Node returns a handle to the node with the given id
func (t *Tree) Node(id NodeID) Node {
	return Node{tree: t, id: id}
}

// AddNode creates a root node
func (t *Tree) AddNode(id NodeID, local Bounds, transform Transform) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.nodes[id]; ok {
		return errors.Errorf("spatial node %s already exists", id)
	}
	n := &node{id: id, local: local, transform: transform}
	n.extent = local.Transformed(transform)
	t.nodes[id] = n
	return nil
}

// HasNode checks if the node exists
func (t *Tree) HasNode(id NodeID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.nodes[id]
	return ok
}

// Len returns the number of nodes
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// RemoveNode removes the node from the tree and applies policy to its children.
// It returns the ids of every removed node. Removing an unknown node is a no-op.
func (t *Tree) RemoveNode(id NodeID, policy ChildPolicy) []NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.nodes[id]
	if n == nil {
		return nil
	}

	var removed []NodeID
	parent := n.parent
	if parent != "" {
		t.detach(parent, id)
	}

	children := append([]NodeID(nil), n.children...)
	n.children = nil
	if policy == DestroyChildren {
		for _, cid := range children {
			removed = append(removed, t.removeSubtree(cid)...)
		}
	} else {
		for _, cid := range children {
			c := t.nodes[cid]
			c.parent = ""
			if parent != "" {
				t.attach(parent, cid)
			}
		}
	}

	delete(t.nodes, id)
	removed = append(removed, id)
	if parent != "" {
		t.propagate(parent)
	}
	return removed
}

func (t *Tree) removeSubtree(id NodeID) []NodeID {
	n := t.nodes[id]
	if n == nil {
		return nil
	}
	var removed []NodeID
	for _, cid := range n.children {
		removed = append(removed, t.removeSubtree(cid)...)
	}
	delete(t.nodes, id)
	return append(removed, id)
}

// SetLocalBounds replaces the local bounds of the node and recomputes the
// enclosing bounds of every ancestor. Returns false if nothing changed.
func (t *Tree) SetLocalBounds(id NodeID, b Bounds) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.nodes[id]
	if n == nil || n.local == b {
		return false
	}
	n.local = b
	t.propagate(id)
	return true
}

// SetLocalTransform replaces the local transform of the node and recomputes
// the enclosing bounds of every ancestor. Returns false if nothing changed.
func (t *Tree) SetLocalTransform(id NodeID, tr Transform) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.nodes[id]
	if n == nil || n.transform == tr {
		return false
	}
	n.transform = tr
	t.propagate(id)
	return true
}

// AddChild makes child a child of parent, detaching it from its previous parent.
// It fails with CycleError if child is parent itself or one of its ancestors.
func (t *Tree) AddChild(parent NodeID, child NodeID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, c := t.nodes[parent], t.nodes[child]
	if p == nil {
		return errors.Wrapf(ErrNodeNotFound, "parent %s", parent)
	}
	if c == nil {
		return errors.Wrapf(ErrNodeNotFound, "child %s", child)
	}
	if c.parent == parent {
		return nil
	}
	if parent == child || t.isAncestor(child, parent) {
		return &CycleError{Parent: parent, Child: child}
	}

	if old := c.parent; old != "" {
		t.detach(old, child)
		t.propagate(old)
	}
	t.attach(parent, child)
	t.propagate(parent)
	return nil
}

// RemoveChild detaches child from parent, making it a root node.
// It is a no-op if child is not a child of parent.
func (t *Tree) RemoveChild(parent NodeID, child NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.nodes[child]
	if c == nil || c.parent != parent || t.nodes[parent] == nil {
		return
	}
	t.detach(parent, child)
	t.propagate(parent)
}

// Parent returns the parent of the node, or false for roots and unknown nodes
func (t *Tree) Parent(id NodeID) (NodeID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := t.nodes[id]
	if n == nil || n.parent == "" {
		return "", false
	}
	return n.parent, true
}

// Children returns a copy of the ordered children of the node
func (t *Tree) Children(id NodeID) []NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := t.nodes[id]
	if n == nil {
		return nil
	}
	return append([]NodeID(nil), n.children...)
}

// IsAncestor returns if ancestor is a proper ancestor of id
func (t *Tree) IsAncestor(ancestor NodeID, id NodeID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.isAncestor(ancestor, id)
}

// LocalBounds returns the local bounds of the node
func (t *Tree) LocalBounds(id NodeID) Bounds {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n := t.nodes[id]; n != nil {
		return n.local
	}
	return EmptyBounds()
}

// LocalTransform returns the local transform of the node
func (t *Tree) LocalTransform(id NodeID) Transform {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n := t.nodes[id]; n != nil {
		return n.transform
	}
	return Identity()
}

// WorldBounds returns the world frame box enclosing the node and all its descendants
func (t *Tree) WorldBounds(id NodeID) Bounds {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := t.nodes[id]
	if n == nil {
		return EmptyBounds()
	}
	b := n.extent
	for p := t.nodes[n.parent]; p != nil; p = t.nodes[p.parent] {
		b = b.Transformed(p.transform)
	}
	return b
}

// WorldPoint maps a point in the node's local frame to the world frame
func (t *Tree) WorldPoint(id NodeID, local Vector3) Vector3 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p := local
	for n := t.nodes[id]; n != nil; n = t.nodes[n.parent] {
		p = n.transform.Apply(p)
	}
	return p
}

func (t *Tree) isAncestor(ancestor NodeID, id NodeID) bool {
	n := t.nodes[id]
	for n != nil && n.parent != "" {
		if n.parent == ancestor {
			return true
		}
		n = t.nodes[n.parent]
	}
	return false
}

func (t *Tree) attach(parent NodeID, child NodeID) {
	p := t.nodes[parent]
	p.children = append(p.children, child)
	t.nodes[child].parent = parent
}

func (t *Tree) detach(parent NodeID, child NodeID) {
	p := t.nodes[parent]
	for i, cid := range p.children {
		if cid == child {
			p.children = append(p.children[:i], p.children[i+1:]...)
			break
		}
	}
	t.nodes[child].parent = ""
}

// propagate recomputes the extent of id and of every ancestor, bottom-up
func (t *Tree) propagate(id NodeID) {
	for n := t.nodes[id]; n != nil; n = t.nodes[n.parent] {
		inner := n.local
		for _, cid := range n.children {
			inner = inner.Enclose(t.nodes[cid].extent)
		}
		n.extent = inner.Transformed(n.transform)
	}
}

// Node is a handle to one node of a Tree
type Node struct {
	tree *Tree
	id   NodeID
}

// ID returns the node id
func (n Node) ID() NodeID { return n.id }

// SetLocalBounds see Tree.SetLocalBounds
func (n Node) SetLocalBounds(b Bounds) bool { return n.tree.SetLocalBounds(n.id, b) }

// SetLocalTransform see Tree.SetLocalTransform
func (n Node) SetLocalTransform(tr Transform) bool { return n.tree.SetLocalTransform(n.id, tr) }

// AddChild see Tree.AddChild
func (n Node) AddChild(child Node) error { return n.tree.AddChild(n.id, child.id) }

// RemoveChild see Tree.RemoveChild
func (n Node) RemoveChild(child Node) { n.tree.RemoveChild(n.id, child.id) }

// WorldBounds see Tree.WorldBounds
func (n Node) WorldBounds() Bounds { return n.tree.WorldBounds(n.id) }

// LocalBounds see Tree.LocalBounds
func (n Node) LocalBounds() Bounds { return n.tree.LocalBounds(n.id) }

// LocalTransform see Tree.LocalTransform
func (n Node) LocalTransform() Transform { return n.tree.LocalTransform(n.id) }
