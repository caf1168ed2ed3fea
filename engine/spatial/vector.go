package spatial

import (
	"fmt"
	"math"
)

// Coord is the type of coordinates (x, y, z)
type Coord float32

// Vector3 is a point or direction in space
type Vector3 struct {
	X Coord `msgpack:"x" yaml:"x"`
	Y Coord `msgpack:"y" yaml:"y"`
	Z Coord `msgpack:"z" yaml:"z"`
}

// One is the unit scale
var One = Vector3{1, 1, 1}

func (p Vector3) String() string {
	return fmt.Sprintf("(%.2f, %.2f, %.2f)", p.X, p.Y, p.Z)
}

// DistanceTo calculates distance between two positions
func (p Vector3) DistanceTo(o Vector3) Coord {
	return p.Sub(o).Length()
}

// Length returns the euclidean length of the vector
func (p Vector3) Length() Coord {
	return Coord(math.Sqrt(float64(p.X*p.X + p.Y*p.Y + p.Z*p.Z)))
}

// Sub calculates Vector3 p - Vector3 o
func (p Vector3) Sub(o Vector3) Vector3 {
	return Vector3{p.X - o.X, p.Y - o.Y, p.Z - o.Z}
}

// Add calculates Vector3 p + Vector3 o
func (p Vector3) Add(o Vector3) Vector3 {
	return Vector3{p.X + o.X, p.Y + o.Y, p.Z + o.Z}
}

// Mul calculates Vector3 p * m
func (p Vector3) Mul(m Coord) Vector3 {
	return Vector3{p.X * m, p.Y * m, p.Z * m}
}

// MulComponents multiplies component-wise
func (p Vector3) MulComponents(o Vector3) Vector3 {
	return Vector3{p.X * o.X, p.Y * o.Y, p.Z * o.Z}
}

// Cross returns the cross product p x o
func (p Vector3) Cross(o Vector3) Vector3 {
	return Vector3{
		p.Y*o.Z - p.Z*o.Y,
		p.Z*o.X - p.X*o.Z,
		p.X*o.Y - p.Y*o.X,
	}
}

// IsFinite checks that no component is NaN or infinite
func (p Vector3) IsFinite() bool {
	return isFinite(p.X) && isFinite(p.Y) && isFinite(p.Z)
}

func isFinite(c Coord) bool {
	f := float64(c)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func minCoord(a, b Coord) Coord {
	if a < b {
		return a
	}
	return b
}

func maxCoord(a, b Coord) Coord {
	if a > b {
		return a
	}
	return b
}
