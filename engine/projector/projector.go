// Package projector pushes the projected client state of cells to the
// connected clients and keeps every client monotonic per cell.
package projector

import (
	"fmt"
	"sync"

	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/consts"
	"github.com/xiaonanln/cellworld/engine/entity"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/opmon"
	"github.com/xiaonanln/cellworld/engine/proto"
	"github.com/xiaonanln/cellworld/engine/router"
)

type viewer struct {
	id   common.ClientID
	caps common.StringSet
}

// Projector observes the commits of a world and sends the changed cells to
// the clients of one connection type. It remembers the last version sent for
// every (cell, client) pair and never sends a client an older version of a
// cell than one it already got.
type Projector struct {
	world       *entity.World
	sender      *router.Sender
	connType    string
	defaultCaps common.StringSet

	lock    sync.Mutex
	viewers map[common.ClientID]*viewer
	sent    map[common.CellID]map[common.ClientID]uint64
}

// New creates a projector serving the clients of the connection type and
// subscribes it to the world
func New(world *entity.World, r *router.Router, connType string, defaultCaps common.StringSet) *Projector {
	p := &Projector{
		world:       world,
		sender:      r.Sender(connType),
		connType:    connType,
		defaultCaps: defaultCaps,
		viewers:     map[common.ClientID]*viewer{},
		sent:        map[common.CellID]map[common.ClientID]uint64{},
	}
	world.Subscribe(p)
	return p
}

func (p *Projector) String() string {
	return fmt.Sprintf("Projector<%s>", p.connType)
}

// ConnectionType implements router.ClientHandler
func (p *Projector) ConnectionType() string {
	return p.connType
}

// OnClientConnected sends every activated cell to the new client, parents first
func (p *Projector) OnClientConnected(conn router.Conn) {
	caps := conn.Capabilities()
	if len(caps) == 0 {
		caps = p.defaultCaps
	}
	v := &viewer{id: conn.ClientID(), caps: caps.Copy()}
	p.lock.Lock()
	p.viewers[v.id] = v
	p.lock.Unlock()

	p.world.View(func() {
		for _, id := range p.world.CellIDs() {
			c := p.world.GetCell(id)
			if _, hasParent := c.Parent(); !hasParent {
				p.syncSubtree(c, v)
			}
		}
	})
}

// OnClientDisconnected forgets the client
func (p *Projector) OnClientDisconnected(conn router.Conn) {
	p.ForgetClient(conn.ClientID())
}

func (p *Projector) syncSubtree(c *entity.Cell, v *viewer) {
	if !c.IsActivated() {
		return
	}
	p.sync(c, v)
	for _, childID := range c.Children() {
		if child := p.world.GetCell(childID); child != nil {
			p.syncSubtree(child, v)
		}
	}
}

// Project returns the state of the cell the client may see. It only depends on
// the cell state and the capabilities of the client. Call it inside World.View
// or World.Transact.
func (p *Projector) Project(c *entity.Cell, client common.ClientID) *entity.ClientState {
	return c.ProjectClientState(nil, p.capsOf(client))
}

func (p *Projector) capsOf(client common.ClientID) common.StringSet {
	p.lock.Lock()
	defer p.lock.Unlock()
	if v := p.viewers[client]; v != nil {
		return v.caps
	}
	return p.defaultCaps
}

// Sync sends the cell to the client if the client has not got its current
// version yet: EntityCreate the first time, AttributeChanged afterwards.
// Call it inside World.View or World.Transact. Returns if a message was sent.
func (p *Projector) Sync(c *entity.Cell, client common.ClientID) bool {
	p.lock.Lock()
	v := p.viewers[client]
	p.lock.Unlock()
	if v == nil {
		return false
	}
	return p.sync(c, v)
}

func (p *Projector) sync(c *entity.Cell, v *viewer) bool {
	if !c.IsActivated() || !c.IsLive() {
		return false
	}
	cs := c.GetClientState(nil, v.id, v.caps)

	p.lock.Lock()
	defer p.lock.Unlock()
	last, known := p.sent[c.ID][v.id]
	if known && last >= cs.Version {
		return false
	}
	var msg proto.Message
	if !known {
		msg = &proto.EntityCreate{
			CellID:    cs.CellID,
			ParentID:  cs.ParentID,
			TypeName:  cs.TypeName,
			Name:      cs.Name,
			Version:   cs.Version,
			Transform: cs.Transform,
			Bounds:    cs.Bounds,
			State:     cs.Fields,
		}
	} else {
		msg = &proto.AttributeChanged{
			CellID:    cs.CellID,
			ParentID:  cs.ParentID,
			Name:      cs.Name,
			Version:   cs.Version,
			Transform: cs.Transform,
			Bounds:    cs.Bounds,
			State:     cs.Fields,
		}
	}
	return p.sendLocked(c.ID, v.id, cs.Version, msg)
}

// sendLocked sends msg and records version as sent. p.lock must be held so
// that messages of one cell reach a client in version order.
func (p *Projector) sendLocked(cellID common.CellID, client common.ClientID, version uint64, msg proto.Message) bool {
	if err := p.sender.Send(client, msg); err != nil {
		return false
	}
	versions := p.sent[cellID]
	if versions == nil {
		versions = map[common.ClientID]uint64{}
		p.sent[cellID] = versions
	}
	versions[client] = version
	opmon.Event("projector.sent")
	return true
}

// Publish sends a per cell message of the given version to the clients which
// already know the cell and have not got that version yet. The except client
// is skipped. Returns the number of clients the message was sent to.
func (p *Projector) Publish(msg proto.CellMessage, version uint64, clients []common.ClientID, except common.ClientID) int {
	cellID := msg.TargetCell()
	p.lock.Lock()
	defer p.lock.Unlock()
	sent := 0
	for _, id := range clientSet(clients).ToList() {
		if id == except {
			continue
		}
		last, known := p.sent[cellID][id]
		if !known || last >= version {
			continue
		}
		if p.sendLocked(cellID, id, version, msg) {
			sent++
		}
	}
	return sent
}

// SentVersion returns the last version of the cell sent to the client
func (p *Projector) SentVersion(cellID common.CellID, client common.ClientID) (uint64, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	v, ok := p.sent[cellID][client]
	return v, ok
}

// ForgetClient drops everything known about the client, including its
// observer registrations in the world
func (p *Projector) ForgetClient(client common.ClientID) {
	p.lock.Lock()
	delete(p.viewers, client)
	for cellID, versions := range p.sent {
		delete(versions, client)
		if len(versions) == 0 {
			delete(p.sent, cellID)
		}
	}
	p.lock.Unlock()
	p.world.ForgetClient(client)
	if consts.DEBUG_CLIENTS {
		gwlog.Debugf("%s: forgot client %s", p, client)
	}
}

// OnCommit pushes the committed changes to the clients
func (p *Projector) OnCommit(events []entity.Event) {
	var removed []entity.Event
	p.world.View(func() {
		for _, ev := range events {
			switch ev.Kind {
			case entity.CellCreated, entity.CellChanged:
				p.pushChanged(ev)
			case entity.CellMoved:
				p.pushMoved(ev)
			case entity.CellRemoved:
				removed = append(removed, ev)
			}
		}
	})
	for _, ev := range removed {
		p.pushRemoved(ev)
	}
}

func (p *Projector) viewerList() []*viewer {
	p.lock.Lock()
	defer p.lock.Unlock()
	list := make([]*viewer, 0, len(p.viewers))
	for _, v := range p.viewers {
		list = append(list, v)
	}
	return list
}

func (p *Projector) pushChanged(ev entity.Event) {
	c := p.world.GetCell(ev.CellID)
	if c == nil {
		return
	}
	for _, v := range p.viewerList() {
		p.sync(c, v)
	}
}

func (p *Projector) pushMoved(ev entity.Event) {
	c := p.world.GetCell(ev.CellID)
	if c == nil || c.BroadcastsOwnMoves() {
		return
	}
	version := c.Version()
	msg := &proto.Moved{CellID: c.ID, Transform: c.LocalTransform(), Version: version}
	for _, v := range p.viewerList() {
		if _, known := p.SentVersion(c.ID, v.id); !known {
			p.sync(c, v)
			continue
		}
		p.Publish(msg, version, []common.ClientID{v.id}, "")
	}
}

func (p *Projector) pushRemoved(ev entity.Event) {
	p.lock.Lock()
	defer p.lock.Unlock()
	targets := clientSet(ev.Observers)
	for id := range p.sent[ev.CellID] {
		targets.Add(id)
	}
	delete(p.sent, ev.CellID)
	msg := &proto.EntityRemove{CellID: ev.CellID}
	for _, id := range targets.ToList() {
		if _, ok := p.viewers[id]; !ok {
			continue
		}
		if p.sender.Send(id, msg) == nil {
			opmon.Event("projector.sent")
		}
	}
}

func clientSet(ids []common.ClientID) common.ClientIDSet {
	set := common.ClientIDSet{}
	for _, id := range ids {
		set.Add(id)
	}
	return set
}
