package entity

import (
	"fmt"

	"github.com/xiaonanln/cellworld/engine/common"
)

// Component is a behavior unit attached to a cell. A cell holds at most one
// component per capability.
type Component interface {
	// Capability is the capability tag of the component
	Capability() string
	// OnAttached is called when the component is attached to the cell
	OnAttached(cell *Cell)
	// OnActivated is called when the cell becomes observable, or right after
	// OnAttached if the cell is already activated
	OnActivated()
	// OnDetached is called when the component is detached or the cell is finalized
	OnDetached()
}

// StatefulComponent is a component whose state is part of the cell server state
type StatefulComponent interface {
	Component
	ComponentState() map[string]interface{}
	ApplyComponentState(state map[string]interface{})
}

// ClientStateContributor is a component adding fields to client projections.
// ProjectClientFields must only add fields the capabilities allow, and must not
// keep references to the values it adds.
type ClientStateContributor interface {
	Component
	ProjectClientFields(caps common.StringSet, fields map[string]interface{})
}

// MoveBroadcaster is a component sending the moves of its cell to observers
// itself, so CellMoved events of the cell need no further push
type MoveBroadcaster interface {
	Component
	BroadcastsMoves() bool
}

// DuplicateCapabilityError rejects attaching a second component of one capability
type DuplicateCapabilityError struct {
	CellID     common.CellID
	Capability string
}

func (e *DuplicateCapabilityError) Error() string {
	return fmt.Sprintf("cell %s already has a %s component", e.CellID, e.Capability)
}

// IsStructural marks DuplicateCapabilityError as a structural error
func (e *DuplicateCapabilityError) IsStructural() bool {
	return true
}

// ComponentBase keeps the owner of a component as a cell id, so a component
// never keeps a finalized cell reachable
type ComponentBase struct {
	world  *World
	cellID common.CellID
}

// OnAttached records the owner
func (cb *ComponentBase) OnAttached(cell *Cell) {
	cb.world = cell.world
	cb.cellID = cell.ID
}

// OnActivated does nothing by default
func (cb *ComponentBase) OnActivated() {}

// OnDetached forgets the owner
func (cb *ComponentBase) OnDetached() {
	cb.world = nil
}

// Cell returns the owner cell, or nil if the component is detached or the cell is gone.
// Only call it inside World.Transact or World.View.
func (cb *ComponentBase) Cell() *Cell {
	if cb.world == nil {
		return nil
	}
	return cb.world.cells[cb.cellID]
}

// CellID returns the id of the owner cell
func (cb *ComponentBase) CellID() common.CellID {
	return cb.cellID
}

// World returns the world of the owner cell, nil when detached
func (cb *ComponentBase) World() *World {
	return cb.world
}
