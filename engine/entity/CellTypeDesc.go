package entity

import (
	"reflect"

	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/gwlog"
)

var cellType = reflect.TypeOf(Cell{})

// CellTypeDesc is the cell type description for registering cell types
type CellTypeDesc struct {
	Name         string
	IsPersistent bool
	cellType     reflect.Type
	// attribute name -> capabilities a client needs to see it
	clientAttrs map[string]common.StringSet
	components  []string
}

// SetPersistent sets if cells of this type are saved to storage
func (desc *CellTypeDesc) SetPersistent(persistent bool) *CellTypeDesc {
	desc.IsPersistent = persistent
	return desc
}

// DefineAttr makes the attribute visible to clients having all of the capabilities.
// Attributes never defined stay server only.
func (desc *CellTypeDesc) DefineAttr(attr string, capabilities ...string) *CellTypeDesc {
	gwlog.Infof("        Attr %s requires %v", attr, capabilities)
	desc.clientAttrs[attr] = common.NewStringSet(capabilities...)
	return desc
}

// AddComponent attaches a component of the capability to every new cell of this type
func (desc *CellTypeDesc) AddComponent(capability string) *CellTypeDesc {
	for _, c := range desc.components {
		if c == capability {
			gwlog.Panicf("cell type %s: component %s added twice", desc.Name, capability)
		}
	}
	desc.components = append(desc.components, capability)
	return desc
}

// AttrCapabilities returns the capabilities required to see the attribute, or false
// if the attribute is server only
func (desc *CellTypeDesc) AttrCapabilities(attr string) (common.StringSet, bool) {
	caps, ok := desc.clientAttrs[attr]
	return caps, ok
}

// ComponentFactory creates an unattached component
type ComponentFactory func() Component

// RegisterCellType registers custom cell type and define cell behaviors
func (w *World) RegisterCellType(typeName string, cell ICell) *CellTypeDesc {
	w.regLock.Lock()
	defer w.regLock.Unlock()
	if _, ok := w.cellTypes[typeName]; ok {
		gwlog.Panicf("RegisterCellType: cell type %s already registered", typeName)
	}

	cellVal := reflect.ValueOf(cell)
	ct := cellVal.Type()
	if ct.Kind() == reflect.Ptr {
		ct = ct.Elem()
	}
	if f, ok := ct.FieldByName("Cell"); !ok || f.Type != cellType || !f.Anonymous {
		gwlog.Panicf("RegisterCellType: %s does not embed entity.Cell", ct.Name())
	}

	desc := &CellTypeDesc{
		Name:        typeName,
		cellType:    ct,
		clientAttrs: map[string]common.StringSet{},
	}
	w.cellTypes[typeName] = desc

	gwlog.Infof(">>> RegisterCellType %s => %s <<<", typeName, ct.Name())
	cell.DescribeCellType(desc)
	return desc
}

// GetCellTypeDesc returns the description of the registered cell type
func (w *World) GetCellTypeDesc(typeName string) *CellTypeDesc {
	w.regLock.RLock()
	defer w.regLock.RUnlock()
	return w.cellTypes[typeName]
}

// RegisterComponent registers the factory creating components of the capability
func (w *World) RegisterComponent(capability string, factory ComponentFactory) {
	w.regLock.Lock()
	defer w.regLock.Unlock()
	if _, ok := w.componentFactories[capability]; ok {
		gwlog.Panicf("RegisterComponent: component %s already registered", capability)
	}
	w.componentFactories[capability] = factory
}

// NewComponent creates a component of the registered capability
func (w *World) NewComponent(capability string) (Component, error) {
	w.regLock.RLock()
	factory := w.componentFactories[capability]
	w.regLock.RUnlock()
	if factory == nil {
		return nil, errors.Errorf("component %s is not registered", capability)
	}
	comp := factory()
	if comp.Capability() != capability {
		return nil, errors.Errorf("component factory %s created a %s component", capability, comp.Capability())
	}
	return comp, nil
}
