package main

import (
	"github.com/xiaonanln/cellworld/engine/comp"
	"github.com/xiaonanln/cellworld/engine/entity"
)

// Room is a persistent container cell, usually described by a source
type Room struct {
	entity.Cell
}

// DescribeCellType defines the Room type
func (r *Room) DescribeCellType(desc *entity.CellTypeDesc) {
	desc.SetPersistent(true)
	desc.DefineAttr("title", "basic")
}

// Prop is a persistent object clients may move and talk through
type Prop struct {
	entity.Cell
}

// DescribeCellType defines the Prop type
func (p *Prop) DescribeCellType(desc *entity.CellTypeDesc) {
	desc.SetPersistent(true)
	desc.AddComponent(comp.CapMovable)
	desc.AddComponent(comp.CapContentLink)
	desc.AddComponent(comp.CapChannel)
	desc.DefineAttr("title", "basic")
	desc.DefineAttr("color", "basic")
}

// Avatar is the transient embodiment of a connected user
type Avatar struct {
	entity.Cell
}

// DescribeCellType defines the Avatar type
func (a *Avatar) DescribeCellType(desc *entity.CellTypeDesc) {
	desc.AddComponent(comp.CapAvatarMovable)
	desc.AddComponent(comp.CapProximity)
	desc.AddComponent(comp.CapChannel)
	desc.DefineAttr("nickname", "basic")
}

func registerCellTypes(world *entity.World) {
	world.RegisterCellType("Room", &Room{})
	world.RegisterCellType("Prop", &Prop{})
	world.RegisterCellType("Avatar", &Avatar{})
}
