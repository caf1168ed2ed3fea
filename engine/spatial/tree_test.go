package spatial

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/bmizerany/assert"
	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
)

// float32 rounding through rotated frames
func leq(a, b Coord) bool {
	tol := 1e-3 * math.Max(1, math.Max(math.Abs(float64(a)), math.Abs(float64(b))))
	return float64(a) <= float64(b)+tol
}

func containsApprox(outer, inner Bounds) bool {
	if inner.IsEmpty() {
		return true
	}
	return leq(outer.Min.X, inner.Min.X) && leq(outer.Min.Y, inner.Min.Y) && leq(outer.Min.Z, inner.Min.Z) &&
		leq(inner.Max.X, outer.Max.X) && leq(inner.Max.Y, outer.Max.Y) && leq(inner.Max.Z, outer.Max.Z)
}

func unitBox(x, y, z Coord) Bounds {
	return NewBox(Vector3{x, y, z}, One)
}

func checkContainment(t *testing.T, tree *Tree) {
	for id := range tree.nodes {
		wb := tree.WorldBounds(id)
		for p, ok := tree.Parent(id); ok; p, ok = tree.Parent(p) {
			pb := tree.WorldBounds(p)
			if !containsApprox(pb, wb) {
				t.Fatalf("ancestor %s %s does not enclose %s %s", p, pb, id, wb)
			}
		}
	}
}

func TestAddChildEnclosesChild(t *testing.T) {
	tree := NewTree()
	assert.Equal(t, nil, tree.AddNode("E", unitBox(0, 0, 0), Identity()))
	assert.Equal(t, nil, tree.AddNode("A", unitBox(0, 0, 0), Translate(Vector3{5, 0, 0})))
	assert.Equal(t, nil, tree.AddChild("E", "A"))

	wb := tree.WorldBounds("E")
	assert.Equal(t, Vector3{-1, -1, -1}, wb.Min)
	assert.Equal(t, Vector3{6, 1, 1}, wb.Max)
	p, ok := tree.Parent("A")
	assert.T(t, ok)
	assert.Equal(t, NodeID("E"), p)
	assert.Equal(t, []NodeID{"A"}, tree.Children("E"))
}

func TestShrinkParentStillEnclosesChildren(t *testing.T) {
	tree := NewTree()
	tree.AddNode("E", NewBox(Vector3{}, Vector3{10, 10, 10}), Identity())
	tree.AddNode("A", unitBox(0, 0, 0), Translate(Vector3{5, 5, 5}))
	tree.AddNode("B", unitBox(0, 0, 0), Translate(Vector3{-5, -5, -5}))
	tree.AddChild("E", "A")
	tree.AddChild("E", "B")

	changed := tree.SetLocalBounds("E", NewBox(Vector3{}, Vector3{0.5, 0.5, 0.5}))
	assert.T(t, changed)
	// the update is accepted, and the recomputed world bounds still enclose both children
	assert.Equal(t, NewBox(Vector3{}, Vector3{0.5, 0.5, 0.5}), tree.LocalBounds("E"))
	eb := tree.WorldBounds("E")
	assert.T(t, eb.Contains(tree.WorldBounds("A")))
	assert.T(t, eb.Contains(tree.WorldBounds("B")))
	assert.Equal(t, Vector3{-6, -6, -6}, eb.Min)
	assert.Equal(t, Vector3{6, 6, 6}, eb.Max)
}

func TestSetLocalBoundsNoopOnEqual(t *testing.T) {
	tree := NewTree()
	tree.AddNode("E", unitBox(1, 2, 3), Identity())
	assert.T(t, !tree.SetLocalBounds("E", unitBox(1, 2, 3)))
	assert.T(t, !tree.SetLocalTransform("E", Identity()))
	assert.T(t, tree.SetLocalTransform("E", Translate(Vector3{1, 0, 0})))
	assert.T(t, !tree.SetLocalBounds("missing", unitBox(0, 0, 0)))
}

func TestTransformPropagatesToAncestors(t *testing.T) {
	tree := NewTree()
	tree.AddNode("root", unitBox(0, 0, 0), Translate(Vector3{100, 0, 0}))
	tree.AddNode("mid", unitBox(0, 0, 0), Identity())
	tree.AddNode("leaf", unitBox(0, 0, 0), Identity())
	tree.AddChild("root", "mid")
	tree.AddChild("mid", "leaf")

	tree.SetLocalTransform("leaf", Translate(Vector3{0, 20, 0}))
	assert.Equal(t, Vector3{101, 21, 1}, tree.WorldBounds("root").Max)
	assert.Equal(t, Vector3{99, 19, -1}, tree.WorldBounds("leaf").Min)
	assert.Equal(t, Vector3{100, 20, 0}, tree.WorldPoint("leaf", Vector3{}))
	checkContainment(t, tree)
}

func TestAddChildCycle(t *testing.T) {
	tree := NewTree()
	tree.AddNode("a", unitBox(0, 0, 0), Identity())
	tree.AddNode("b", unitBox(0, 0, 0), Identity())
	tree.AddNode("c", unitBox(0, 0, 0), Identity())
	assert.Equal(t, nil, tree.AddChild("a", "b"))
	assert.Equal(t, nil, tree.AddChild("b", "c"))

	err := tree.AddChild("c", "a")
	cycle, ok := err.(*CycleError)
	assert.Tf(t, ok, "expected CycleError, got %v", err)
	assert.Equal(t, NodeID("c"), cycle.Parent)
	assert.Equal(t, NodeID("a"), cycle.Child)
	assert.T(t, common.IsStructural(err))

	_, ok = tree.AddChild("a", "a").(*CycleError)
	assert.T(t, ok)

	// tree untouched by the rejected calls
	_, hasParent := tree.Parent("a")
	assert.T(t, !hasParent)
	assert.Equal(t, []NodeID{"c"}, tree.Children("b"))
}

func TestAddChildUnknownNode(t *testing.T) {
	tree := NewTree()
	tree.AddNode("a", unitBox(0, 0, 0), Identity())
	err := tree.AddChild("a", "ghost")
	assert.T(t, errors.Is(err, ErrNodeNotFound))
}

func TestAddChildReparents(t *testing.T) {
	tree := NewTree()
	tree.AddNode("p1", unitBox(0, 0, 0), Identity())
	tree.AddNode("p2", unitBox(0, 0, 0), Translate(Vector3{50, 0, 0}))
	tree.AddNode("c", unitBox(0, 0, 0), Translate(Vector3{0, 10, 0}))
	tree.AddChild("p1", "c")
	assert.Equal(t, Coord(11), tree.WorldBounds("p1").Max.Y)

	tree.AddChild("p2", "c")
	assert.Equal(t, 0, len(tree.Children("p1")))
	assert.Equal(t, Coord(1), tree.WorldBounds("p1").Max.Y)
	assert.Equal(t, Coord(11), tree.WorldBounds("p2").Max.Y)
	assert.Equal(t, Vector3{49, 9, -1}, tree.WorldBounds("c").Min)
}

func TestRemoveChildNoop(t *testing.T) {
	tree := NewTree()
	tree.AddNode("a", unitBox(0, 0, 0), Identity())
	tree.AddNode("b", unitBox(0, 0, 0), Identity())
	tree.AddNode("c", unitBox(0, 0, 0), Identity())
	tree.AddChild("a", "b")

	tree.RemoveChild("a", "c")
	tree.RemoveChild("c", "b")
	tree.RemoveChild("a", "ghost")
	assert.Equal(t, []NodeID{"b"}, tree.Children("a"))

	tree.RemoveChild("a", "b")
	assert.Equal(t, 0, len(tree.Children("a")))
	_, ok := tree.Parent("b")
	assert.T(t, !ok)
}

func TestRemoveNodePolicies(t *testing.T) {
	build := func() *Tree {
		tree := NewTree()
		for _, id := range []NodeID{"root", "mid", "x", "y"} {
			tree.AddNode(id, unitBox(0, 0, 0), Identity())
		}
		tree.AddChild("root", "mid")
		tree.AddChild("mid", "x")
		tree.AddChild("x", "y")
		return tree
	}

	tree := build()
	removed := tree.RemoveNode("mid", ReparentChildren)
	assert.Equal(t, []NodeID{"mid"}, removed)
	assert.Equal(t, []NodeID{"x"}, tree.Children("root"))
	assert.Equal(t, 3, tree.Len())

	tree = build()
	removed = tree.RemoveNode("mid", DestroyChildren)
	assert.Equal(t, []NodeID{"y", "x", "mid"}, removed)
	assert.Equal(t, 1, tree.Len())
	assert.Equal(t, 0, len(tree.Children("root")))

	assert.Equal(t, 0, len(tree.RemoveNode("mid", DestroyChildren)))
}

func TestNodeHandle(t *testing.T) {
	tree := NewTree()
	tree.AddNode("a", unitBox(0, 0, 0), Identity())
	tree.AddNode("b", unitBox(0, 0, 0), Identity())
	a, b := tree.Node("a"), tree.Node("b")
	assert.Equal(t, nil, a.AddChild(b))
	assert.T(t, b.SetLocalTransform(Translate(Vector3{0, 0, 3})))
	assert.Equal(t, Coord(4), a.WorldBounds().Max.Z)
	a.RemoveChild(b)
	assert.Equal(t, Coord(1), a.WorldBounds().Max.Z)
}

func randomVector(r *rand.Rand, scale float64) Vector3 {
	return Vector3{
		X: Coord((r.Float64()*2 - 1) * scale),
		Y: Coord((r.Float64()*2 - 1) * scale),
		Z: Coord((r.Float64()*2 - 1) * scale),
	}
}

func randomTransform(r *rand.Rand) Transform {
	tr := Translate(randomVector(r, 50))
	if r.Intn(2) == 0 {
		tr.Rotation = AxisAngle(Vector3{0, 1, 0}, r.Float64()*2*math.Pi)
	}
	if r.Intn(3) == 0 {
		s := Coord(0.9 + r.Float64()*0.2)
		tr.Scale = Vector3{s, s, s}
	}
	return tr
}

func TestContainmentInvariantRandomized(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	tree := NewTree()
	const n = 30
	ids := make([]NodeID, n)
	for i := range ids {
		ids[i] = NodeID(fmt.Sprintf("n%d", i))
		tree.AddNode(ids[i], NewBox(randomVector(r, 20), Vector3{1, 2, 3}), randomTransform(r))
	}

	for step := 0; step < 500; step++ {
		id := ids[r.Intn(n)]
		switch r.Intn(4) {
		case 0:
			tree.SetLocalBounds(id, NewBox(randomVector(r, 20), randomVector(r, 5)))
		case 1:
			tree.SetLocalTransform(id, randomTransform(r))
		case 2:
			err := tree.AddChild(ids[r.Intn(n)], id)
			if err != nil && !common.IsStructural(err) {
				t.Fatalf("unexpected error: %v", err)
			}
		case 3:
			if p, ok := tree.Parent(id); ok {
				tree.RemoveChild(p, id)
			}
		}
		checkContainment(t, tree)
	}
}
