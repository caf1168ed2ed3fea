package spatial

import "fmt"

// Bounds is an axis aligned bounding box. A box with Min greater than Max on
// any axis is empty.
type Bounds struct {
	Min Vector3 `msgpack:"min" yaml:"min"`
	Max Vector3 `msgpack:"max" yaml:"max"`
}

// EmptyBounds returns a box that contains nothing and encloses as identity
func EmptyBounds() Bounds {
	return Bounds{Min: Vector3{1, 1, 1}, Max: Vector3{-1, -1, -1}}
}

// NewBox creates bounds centered at center with the given half extents
func NewBox(center Vector3, halfExtents Vector3) Bounds {
	return Bounds{Min: center.Sub(halfExtents), Max: center.Add(halfExtents)}
}

func (b Bounds) String() string {
	if b.IsEmpty() {
		return "Bounds<empty>"
	}
	return fmt.Sprintf("Bounds<%s-%s>", b.Min, b.Max)
}

// IsEmpty returns if the box contains nothing
func (b Bounds) IsEmpty() bool {
	return b.Min.X > b.Max.X || b.Min.Y > b.Max.Y || b.Min.Z > b.Max.Z
}

// Enclose returns the smallest box containing both b and o
func (b Bounds) Enclose(o Bounds) Bounds {
	if b.IsEmpty() {
		return o
	}
	if o.IsEmpty() {
		return b
	}
	return Bounds{
		Min: Vector3{minCoord(b.Min.X, o.Min.X), minCoord(b.Min.Y, o.Min.Y), minCoord(b.Min.Z, o.Min.Z)},
		Max: Vector3{maxCoord(b.Max.X, o.Max.X), maxCoord(b.Max.Y, o.Max.Y), maxCoord(b.Max.Z, o.Max.Z)},
	}
}

// Contains returns if o lies fully inside b. Empty boxes are inside everything.
func (b Bounds) Contains(o Bounds) bool {
	if o.IsEmpty() {
		return true
	}
	if b.IsEmpty() {
		return false
	}
	return b.Min.X <= o.Min.X && b.Min.Y <= o.Min.Y && b.Min.Z <= o.Min.Z &&
		b.Max.X >= o.Max.X && b.Max.Y >= o.Max.Y && b.Max.Z >= o.Max.Z
}

// ContainsPoint returns if p lies inside b
func (b Bounds) ContainsPoint(p Vector3) bool {
	return !b.IsEmpty() && b.Min.X <= p.X && b.Min.Y <= p.Y && b.Min.Z <= p.Z &&
		b.Max.X >= p.X && b.Max.Y >= p.Y && b.Max.Z >= p.Z
}

// Transformed returns the box enclosing the eight transformed corners of b
func (b Bounds) Transformed(t Transform) Bounds {
	if b.IsEmpty() {
		return b
	}
	out := EmptyBounds()
	for i := 0; i < 8; i++ {
		corner := b.Min
		if i&1 != 0 {
			corner.X = b.Max.X
		}
		if i&2 != 0 {
			corner.Y = b.Max.Y
		}
		if i&4 != 0 {
			corner.Z = b.Max.Z
		}
		p := t.Apply(corner)
		out = out.Enclose(Bounds{Min: p, Max: p})
	}
	return out
}

// IsFinite checks that both corners are finite
func (b Bounds) IsFinite() bool {
	return b.Min.IsFinite() && b.Max.IsFinite()
}
