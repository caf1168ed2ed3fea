package entity

import (
	"fmt"
	"reflect"

	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/consts"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/spatial"
)

// LifeState is the lifecycle tag of a cell
type LifeState int8

const (
	// Live cells accept every operation
	Live LifeState = iota
	// Marked cells are waiting to be finalized
	Marked
	// Gone cells are finalized and removed from the world
	Gone
)

func (s LifeState) String() string {
	switch s {
	case Live:
		return "LIVE"
	case Marked:
		return "MARKED"
	case Gone:
		return "GONE"
	}
	return fmt.Sprintf("LifeState<%d>", int(s))
}

// ErrCellNotLive is returned by mutations of marked or finalized cells
var ErrCellNotLive = errors.New("cell is not live")

// ICell declares the functions a cell type may override
type ICell interface {
	// Cell type attributes
	DescribeCellType(desc *CellTypeDesc)
	// Cell lifetime
	OnInit()
	OnActivated()
	OnDestroy()
	// Server state of the cell type
	NewServerState() ServerState
	ApplyServerState(state ServerState) error
	ExtractServerState(state ServerState)
}

// Cell is the type of every cell. Cell types embed Cell and override ICell functions.
type Cell struct {
	ID       common.CellID
	TypeName string
	I        ICell
	V        reflect.Value
	Attrs    *MapAttr

	world          *World
	typeDesc       *CellTypeDesc
	state          LifeState
	activated      bool
	name           string
	lastModified   int64
	version        uint64
	components     map[string]Component
	componentOrder []string
	observers      common.ClientIDSet // guarded by world.observersLock
}

func (c *Cell) String() string {
	return fmt.Sprintf("%s<%s>", c.TypeName, c.ID)
}

func (c *Cell) init(w *World, typeName string, id common.CellID, instance reflect.Value, desc *CellTypeDesc) {
	c.ID = id
	c.TypeName = typeName
	c.V = instance
	c.I = instance.Interface().(ICell)
	c.world = w
	c.typeDesc = desc
	c.components = map[string]Component{}
	c.observers = common.ClientIDSet{}
	attrs := NewMapAttr()
	attrs.owner = c
	c.Attrs = attrs
}

// World returns the world the cell lives in
func (c *Cell) World() *World {
	return c.world
}

// TypeDesc returns the description of the cell type
func (c *Cell) TypeDesc() *CellTypeDesc {
	return c.typeDesc
}

// State returns the lifecycle tag of the cell
func (c *Cell) State() LifeState {
	return c.state
}

// IsLive returns if the cell is neither marked for removal nor finalized
func (c *Cell) IsLive() bool {
	return c.state == Live
}

// IsActivated returns if the cell is observable by clients
func (c *Cell) IsActivated() bool {
	return c.activated
}

// IsPersistent returns if the cell is saved to storage
func (c *Cell) IsPersistent() bool {
	return c.typeDesc.IsPersistent
}

// Version is increased by every committed transaction changing the cell
func (c *Cell) Version() uint64 {
	return c.version
}

// Name returns the display name of the cell
func (c *Cell) Name() string {
	return c.name
}

// LastModified returns the modification time of the description the cell was built from
func (c *Cell) LastModified() int64 {
	return c.lastModified
}

func (c *Cell) checkLive(op string) error {
	if c.state != Live {
		return errors.Wrapf(ErrCellNotLive, "%s.%s: cell is %s", c, op, c.state)
	}
	return nil
}

// Default cell hooks

// DescribeCellType is called when the cell type is registered
func (c *Cell) DescribeCellType(desc *CellTypeDesc) {}

// OnInit is called when the cell is created, before any state is applied
func (c *Cell) OnInit() {}

// OnActivated is called when the cell becomes observable
func (c *Cell) OnActivated() {}

// OnDestroy is called when the cell is finalized
func (c *Cell) OnDestroy() {}

// NewServerState allocates the server state of the cell type
func (c *Cell) NewServerState() ServerState {
	return &CellServerState{}
}

// ApplyServerState applies the cell type specific fields of state
func (c *Cell) ApplyServerState(state ServerState) error {
	return nil
}

// ExtractServerState fills the cell type specific fields of state
func (c *Cell) ExtractServerState(state ServerState) {}

// Spatial node

// Node returns the spatial node of the cell
func (c *Cell) Node() spatial.Node {
	return c.world.tree.Node(spatial.NodeID(c.ID))
}

// LocalBounds returns the local bounds of the cell
func (c *Cell) LocalBounds() spatial.Bounds {
	return c.world.tree.LocalBounds(spatial.NodeID(c.ID))
}

// LocalTransform returns the transform of the cell relative to its parent
func (c *Cell) LocalTransform() spatial.Transform {
	return c.world.tree.LocalTransform(spatial.NodeID(c.ID))
}

// WorldBounds returns the world frame bounds enclosing the cell and all its descendants
func (c *Cell) WorldBounds() spatial.Bounds {
	return c.world.tree.WorldBounds(spatial.NodeID(c.ID))
}

// Position returns the origin of the cell in the world frame
func (c *Cell) Position() spatial.Vector3 {
	return c.world.tree.WorldPoint(spatial.NodeID(c.ID), spatial.Vector3{})
}

// SetLocalBounds replaces the local bounds of the cell
func (c *Cell) SetLocalBounds(b spatial.Bounds) error {
	tx := c.world.currentTxn()
	if err := c.checkLive("SetLocalBounds"); err != nil {
		return err
	}
	if c.world.tree.SetLocalBounds(spatial.NodeID(c.ID), b) {
		tx.touch(c, touchState)
	}
	return nil
}

// SetLocalTransform replaces the transform of the cell relative to its parent
func (c *Cell) SetLocalTransform(tr spatial.Transform) error {
	tx := c.world.currentTxn()
	if err := c.checkLive("SetLocalTransform"); err != nil {
		return err
	}
	if c.world.tree.SetLocalTransform(spatial.NodeID(c.ID), tr) {
		tx.touch(c, touchMoved)
	}
	return nil
}

// NotifyChanged records a change of the cell in the running transaction.
// Components call it after changing their own state.
func (c *Cell) NotifyChanged() error {
	tx := c.world.currentTxn()
	if err := c.checkLive("NotifyChanged"); err != nil {
		return err
	}
	tx.touch(c, touchState)
	return nil
}

// NotifyMoved records a move of the cell in the running transaction even if
// its transform did not change
func (c *Cell) NotifyMoved() error {
	tx := c.world.currentTxn()
	if err := c.checkLive("NotifyMoved"); err != nil {
		return err
	}
	tx.touch(c, touchMoved)
	return nil
}

// CommitVersion returns the version the cell has once the running transaction commits
func (c *Cell) CommitVersion() uint64 {
	tx := c.world.currentTxn()
	if _, ok := tx.touched[c.ID]; ok {
		return c.version + 1
	}
	return c.version
}

// Parent returns the id of the parent cell, false for root cells
func (c *Cell) Parent() (common.CellID, bool) {
	p, ok := c.world.tree.Parent(spatial.NodeID(c.ID))
	return common.CellID(p), ok
}

// Children returns the ids of the child cells
func (c *Cell) Children() []common.CellID {
	nodes := c.world.tree.Children(spatial.NodeID(c.ID))
	children := make([]common.CellID, len(nodes))
	for i, n := range nodes {
		children[i] = common.CellID(n)
	}
	return children
}

// AddChild makes child a child of the cell. It fails with spatial.CycleError
// if child is the cell itself or one of its ancestors.
func (c *Cell) AddChild(child *Cell) error {
	tx := c.world.currentTxn()
	if err := c.checkLive("AddChild"); err != nil {
		return err
	}
	if err := child.checkLive("AddChild"); err != nil {
		return err
	}
	if p, ok := child.Parent(); ok && p == c.ID {
		return nil
	}
	if err := c.world.tree.AddChild(spatial.NodeID(c.ID), spatial.NodeID(child.ID)); err != nil {
		return err
	}
	tx.touch(child, touchState)
	return nil
}

// RemoveChild makes child a root cell. It is a no-op if child is not a child of the cell.
func (c *Cell) RemoveChild(child *Cell) {
	tx := c.world.currentTxn()
	if p, ok := child.Parent(); !ok || p != c.ID {
		return
	}
	c.world.tree.RemoveChild(spatial.NodeID(c.ID), spatial.NodeID(child.ID))
	tx.touch(child, touchState)
}

// Components

// AttachComponent attaches the component under its capability. It fails with
// DuplicateCapabilityError if the cell already has a component of that capability.
func (c *Cell) AttachComponent(comp Component) error {
	tx := c.world.currentTxn()
	if err := c.checkLive("AttachComponent"); err != nil {
		return err
	}
	capability := comp.Capability()
	if _, ok := c.components[capability]; ok {
		return &DuplicateCapabilityError{CellID: c.ID, Capability: capability}
	}

	c.components[capability] = comp
	c.componentOrder = append(c.componentOrder, capability)
	comp.OnAttached(c)
	if c.activated {
		comp.OnActivated()
	}
	tx.touch(c, touchState)
	return nil
}

// DetachComponent detaches the component of the capability. Returns false if
// there is none.
func (c *Cell) DetachComponent(capability string) bool {
	tx := c.world.currentTxn()
	comp, ok := c.components[capability]
	if !ok {
		return false
	}
	c.detachComponent(capability, comp)
	tx.touch(c, touchState)
	return true
}

func (c *Cell) detachComponent(capability string, comp Component) {
	delete(c.components, capability)
	for i, cp := range c.componentOrder {
		if cp == capability {
			c.componentOrder = append(c.componentOrder[:i], c.componentOrder[i+1:]...)
			break
		}
	}
	comp.OnDetached()
}

// BroadcastsOwnMoves returns if a component of the cell broadcasts its moves
func (c *Cell) BroadcastsOwnMoves() bool {
	for _, capability := range c.componentOrder {
		if mb, ok := c.components[capability].(MoveBroadcaster); ok && mb.BroadcastsMoves() {
			return true
		}
	}
	return false
}

// GetComponent returns the component of the capability, or nil
func (c *Cell) GetComponent(capability string) Component {
	return c.components[capability]
}

// Capabilities returns the capabilities of the attached components, in attach order
func (c *Cell) Capabilities() []string {
	return append([]string(nil), c.componentOrder...)
}

// Server state

// SetServerState applies state to the cell. Applying the current state again
// changes nothing and does not bump the version.
func (c *Cell) SetServerState(state ServerState) error {
	tx := c.world.currentTxn()
	if err := c.checkLive("SetServerState"); err != nil {
		return err
	}

	base := state.Base()
	changed := false
	if base.Name != c.name {
		c.name = base.Name
		changed = true
	}
	if base.LastModified != c.lastModified {
		c.lastModified = base.LastModified
		changed = true
	}
	if err := c.SetLocalBounds(base.Bounds); err != nil {
		return err
	}
	if err := c.SetLocalTransform(base.Transform); err != nil {
		return err
	}
	// attribute changes touch the cell through the MapAttr owner
	c.Attrs.ReplaceMap(base.Attrs)

	for capability, compState := range base.Components {
		comp, ok := c.components[capability].(StatefulComponent)
		if !ok {
			gwlog.Warnf("%s.SetServerState: no stateful %s component, state ignored", c, capability)
			continue
		}
		if attrValueEqual(uniformAttrMap(comp.ComponentState()), uniformAttrMap(compState)) {
			continue
		}
		comp.ApplyComponentState(compState)
		changed = true
	}

	before := c.I.NewServerState()
	c.I.ExtractServerState(before)
	if err := c.I.ApplyServerState(state); err != nil {
		return errors.WithMessagef(err, "%s.SetServerState", c)
	}
	after := c.I.NewServerState()
	c.I.ExtractServerState(after)
	if !reflect.DeepEqual(before, after) {
		changed = true
	}

	if changed {
		tx.touch(c, touchState)
	}
	if consts.DEBUG_SAVE_LOAD {
		gwlog.Debugf("%s.SetServerState: changed=%v", c, changed)
	}
	return nil
}

// GetServerState fills template with the current server state of the cell.
// A nil template allocates one with ICell.NewServerState.
func (c *Cell) GetServerState(template ServerState) ServerState {
	if template == nil {
		template = c.I.NewServerState()
	}
	base := template.Base()
	base.Name = c.name
	base.LastModified = c.lastModified
	base.Bounds = c.LocalBounds()
	base.Transform = c.LocalTransform()
	base.Attrs = nil
	if c.Attrs.Size() > 0 {
		base.Attrs = c.Attrs.ToMap()
	}
	base.Components = nil
	for _, capability := range c.componentOrder {
		if comp, ok := c.components[capability].(StatefulComponent); ok {
			if base.Components == nil {
				base.Components = map[string]map[string]interface{}{}
			}
			base.Components[capability] = comp.ComponentState()
		}
	}
	c.I.ExtractServerState(template)
	return template
}

func (c *Cell) onAttrsChanged() {
	c.world.currentTxn().touch(c, touchState)
}

// Observers

// AddObserver registers the client as an observer of the cell
func (c *Cell) AddObserver(client common.ClientID) {
	c.world.observersLock.Lock()
	if c.state != Gone {
		c.observers.Add(client)
	}
	c.world.observersLock.Unlock()
}

// RemoveObserver unregisters the client
func (c *Cell) RemoveObserver(client common.ClientID) {
	c.world.observersLock.Lock()
	c.observers.Del(client)
	c.world.observersLock.Unlock()
}

// IsObservedBy returns if the client observes the cell
func (c *Cell) IsObservedBy(client common.ClientID) bool {
	c.world.observersLock.Lock()
	defer c.world.observersLock.Unlock()
	return c.observers.Contains(client)
}

// Observers returns the clients observing the cell
func (c *Cell) Observers() []common.ClientID {
	c.world.observersLock.Lock()
	defer c.world.observersLock.Unlock()
	return c.observers.ToList()
}

func (c *Cell) takeObservers() []common.ClientID {
	c.world.observersLock.Lock()
	defer c.world.observersLock.Unlock()
	observers := c.observers.ToList()
	c.observers = common.ClientIDSet{}
	return observers
}

// Lifecycle

// Activate makes the cell observable by clients and activates its components
func (c *Cell) Activate() error {
	tx := c.world.currentTxn()
	if err := c.checkLive("Activate"); err != nil {
		return err
	}
	if c.activated {
		return nil
	}
	c.activated = true
	for _, capability := range c.componentOrder {
		c.components[capability].OnActivated()
	}
	c.I.OnActivated()
	tx.touch(c, touchCreated)
	return nil
}

// MarkForRemoval is the first phase of destroying the cell. Calling it again,
// or on a finalized cell, does nothing.
func (c *Cell) MarkForRemoval() {
	tx := c.world.currentTxn()
	if c.state != Live {
		return
	}
	c.state = Marked
	tx.touch(c, touchPersist)
}

// Finalize is the second phase of destroying the cell: it detaches all components,
// removes the spatial node and unregisters all observers. policy decides the fate
// of the child cells. Calling it again does nothing; calling it on a live cell
// marks the cell first.
func (c *Cell) Finalize(policy spatial.ChildPolicy) {
	tx := c.world.currentTxn()
	if c.state == Gone {
		return
	}
	c.state = Marked

	if policy == spatial.DestroyChildren {
		for _, childID := range c.Children() {
			if child := c.world.cells[childID]; child != nil {
				child.Finalize(spatial.DestroyChildren)
			}
		}
	}

	c.I.OnDestroy()
	for i := len(c.componentOrder) - 1; i >= 0; i-- {
		capability := c.componentOrder[i]
		c.detachComponent(capability, c.components[capability])
	}

	children := c.Children()
	c.world.tree.RemoveNode(spatial.NodeID(c.ID), spatial.ReparentChildren)
	for _, childID := range children {
		if child := c.world.cells[childID]; child != nil {
			tx.touch(child, touchState)
		}
	}

	observers := c.takeObservers()
	c.state = Gone
	delete(c.world.cells, c.ID)
	tx.remove(c, observers)
	gwlog.Debugf("%s finalized, %d observers notified", c, len(observers))
}

// Destroy marks and finalizes the cell, moving its children to its parent.
// Destroying a cell twice is a no-op.
func (c *Cell) Destroy() {
	c.MarkForRemoval()
	c.Finalize(spatial.ReparentChildren)
}
