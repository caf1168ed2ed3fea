package spatial

import (
	"fmt"
	"math"
)

// Quaternion is a rotation. The zero value is treated as no rotation.
type Quaternion struct {
	X Coord `msgpack:"x" yaml:"x"`
	Y Coord `msgpack:"y" yaml:"y"`
	Z Coord `msgpack:"z" yaml:"z"`
	W Coord `msgpack:"w" yaml:"w"`
}

// IdentityRotation is the rotation that changes nothing
var IdentityRotation = Quaternion{W: 1}

// AxisAngle creates the rotation of angle radians around axis
func AxisAngle(axis Vector3, angle float64) Quaternion {
	l := axis.Length()
	if l == 0 {
		return IdentityRotation
	}
	s := Coord(math.Sin(angle/2)) / l
	return Quaternion{axis.X * s, axis.Y * s, axis.Z * s, Coord(math.Cos(angle / 2))}
}

func (q Quaternion) normalized() Quaternion {
	n := Coord(math.Sqrt(float64(q.X*q.X + q.Y*q.Y + q.Z*q.Z + q.W*q.W)))
	if n == 0 {
		return IdentityRotation
	}
	return Quaternion{q.X / n, q.Y / n, q.Z / n, q.W / n}
}

// Rotate applies the rotation to v
func (q Quaternion) Rotate(v Vector3) Vector3 {
	q = q.normalized()
	u := Vector3{q.X, q.Y, q.Z}
	// v' = v + 2w(u x v) + 2u x (u x v)
	t := u.Cross(v).Mul(2)
	return v.Add(t.Mul(q.W)).Add(u.Cross(t))
}

// IsFinite checks that no component is NaN or infinite
func (q Quaternion) IsFinite() bool {
	return isFinite(q.X) && isFinite(q.Y) && isFinite(q.Z) && isFinite(q.W)
}

// Transform places a node relative to its parent: scale, then rotate, then translate
type Transform struct {
	Translation Vector3    `msgpack:"t" yaml:"translation"`
	Rotation    Quaternion `msgpack:"r" yaml:"rotation"`
	Scale       Vector3    `msgpack:"s" yaml:"scale"`
}

// Identity returns the transform that changes nothing
func Identity() Transform {
	return Transform{Rotation: IdentityRotation, Scale: One}
}

// Translate returns an identity transform moved to pos
func Translate(pos Vector3) Transform {
	t := Identity()
	t.Translation = pos
	return t
}

func (t Transform) String() string {
	return fmt.Sprintf("Transform<T=%s R=(%.2f,%.2f,%.2f,%.2f) S=%s>", t.Translation,
		t.Rotation.X, t.Rotation.Y, t.Rotation.Z, t.Rotation.W, t.Scale)
}

// Apply maps a point from the local frame into the parent frame
func (t Transform) Apply(p Vector3) Vector3 {
	return t.Rotation.Rotate(p.MulComponents(t.Scale)).Add(t.Translation)
}

// IsFinite checks every component of the transform
func (t Transform) IsFinite() bool {
	return t.Translation.IsFinite() && t.Rotation.IsFinite() && t.Scale.IsFinite()
}
