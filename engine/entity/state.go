package entity

import (
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/spatial"
)

// ServerState is the authoritative state payload of a cell. Every cell type
// uses CellServerState or a struct embedding it.
type ServerState interface {
	Base() *CellServerState
}

// CellServerState is the state every cell has
type CellServerState struct {
	Name         string                            `msgpack:"name"`
	LastModified int64                             `msgpack:"lastModified"`
	Bounds       spatial.Bounds                    `msgpack:"bounds"`
	Transform    spatial.Transform                 `msgpack:"transform"`
	Attrs        map[string]interface{}            `msgpack:"attrs"`
	Components   map[string]map[string]interface{} `msgpack:"components"`
}

// Base returns the CellServerState itself
func (s *CellServerState) Base() *CellServerState {
	return s
}

// ClientState is the projection of a cell for one client
type ClientState struct {
	CellID    common.CellID          `msgpack:"id"`
	ParentID  common.CellID          `msgpack:"parent"`
	TypeName  string                 `msgpack:"type"`
	Name      string                 `msgpack:"name"`
	Version   uint64                 `msgpack:"version"`
	Transform spatial.Transform      `msgpack:"transform"`
	Bounds    spatial.Bounds         `msgpack:"bounds"`
	Fields    map[string]interface{} `msgpack:"fields"`
}

// ProjectClientState fills template (or a new ClientState when template is nil)
// with the view of the cell a client with the capabilities may see. The result
// depends on the cell state and caps only, and shares nothing mutable with the cell.
func (c *Cell) ProjectClientState(template *ClientState, caps common.StringSet) *ClientState {
	cs := template
	if cs == nil {
		cs = &ClientState{}
	}
	cs.CellID = c.ID
	cs.TypeName = c.TypeName
	cs.Name = c.name
	cs.Version = c.version
	cs.ParentID, _ = c.Parent()
	cs.Transform = c.LocalTransform()
	cs.Bounds = c.LocalBounds()

	desc := c.typeDesc
	cs.Fields = c.Attrs.ToMapWithFilter(func(attr string) bool {
		required, ok := desc.AttrCapabilities(attr)
		return ok && caps.ContainsAll(required)
	})
	for _, capability := range c.componentOrder {
		if contributor, ok := c.components[capability].(ClientStateContributor); ok {
			contributor.ProjectClientFields(caps, cs.Fields)
		}
	}
	return cs
}

// GetClientState projects the cell for the client and registers the client as
// an observer of the cell
func (c *Cell) GetClientState(template *ClientState, client common.ClientID, caps common.StringSet) *ClientState {
	c.AddObserver(client)
	return c.ProjectClientState(template, caps)
}
