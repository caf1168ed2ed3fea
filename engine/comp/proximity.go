package comp

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/entity"
	"github.com/xiaonanln/cellworld/engine/gwutils"
	"github.com/xiaonanln/go-aoi"
)

// ProximityListener receives proximity changes between cells with a
// Proximity component. It is called after the causing transaction commits and
// must not call World.Transact.
type ProximityListener interface {
	OnProximityEnter(observer common.CellID, other common.CellID)
	OnProximityLeave(observer common.CellID, other common.CellID)
}

type proximityEvent struct {
	enter    bool
	observer common.CellID
	other    common.CellID
}

type proximityEntry struct {
	svc       *ProximityService
	cellID    common.CellID
	aoi       aoi.AOI
	x, z      aoi.Coord
	neighbors common.CellIDSet
}

func (e *proximityEntry) OnEnterAOI(other *aoi.AOI) {
	o := other.Data.(*proximityEntry)
	e.neighbors.Add(o.cellID)
	e.svc.pending = append(e.svc.pending, proximityEvent{true, e.cellID, o.cellID})
}

func (e *proximityEntry) OnLeaveAOI(other *aoi.AOI) {
	o := other.Data.(*proximityEntry)
	e.neighbors.Del(o.cellID)
	e.svc.pending = append(e.svc.pending, proximityEvent{false, e.cellID, o.cellID})
}

// ProximityService tracks which cells with a Proximity component are within
// distance of each other on the XZ plane, using their world positions.
type ProximityService struct {
	world    *entity.World
	distance aoi.Coord

	lock      sync.Mutex
	mgr       aoi.AOIManager
	entries   map[common.CellID]*proximityEntry
	listeners []ProximityListener
	pending   []proximityEvent
}

// NewProximityService creates the service and subscribes it to the world
func NewProximityService(world *entity.World, distance float64) *ProximityService {
	svc := &ProximityService{
		world:    world,
		distance: aoi.Coord(distance),
		mgr:      aoi.NewXZListAOIManager(aoi.Coord(distance)),
		entries:  map[common.CellID]*proximityEntry{},
	}
	world.Subscribe(svc)
	return svc
}

func (svc *ProximityService) String() string {
	return fmt.Sprintf("ProximityService<%d cells>", svc.Len())
}

// AddListener adds a listener of proximity changes
func (svc *ProximityService) AddListener(l ProximityListener) {
	svc.lock.Lock()
	svc.listeners = append(svc.listeners, l)
	svc.lock.Unlock()
}

// Len returns the number of tracked cells
func (svc *ProximityService) Len() int {
	svc.lock.Lock()
	defer svc.lock.Unlock()
	return len(svc.entries)
}

// Neighbors returns the cells within distance of the cell, sorted
func (svc *ProximityService) Neighbors(id common.CellID) []common.CellID {
	svc.lock.Lock()
	defer svc.lock.Unlock()
	e := svc.entries[id]
	if e == nil {
		return nil
	}
	list := e.neighbors.ToList()
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}

func (svc *ProximityService) enter(c *entity.Cell) {
	pos := c.Position()
	svc.lock.Lock()
	defer svc.lock.Unlock()
	if _, ok := svc.entries[c.ID]; ok {
		return
	}
	e := &proximityEntry{
		svc:       svc,
		cellID:    c.ID,
		x:         aoi.Coord(pos.X),
		z:         aoi.Coord(pos.Z),
		neighbors: common.CellIDSet{},
	}
	aoi.InitAOI(&e.aoi, svc.distance, e, e)
	svc.entries[c.ID] = e
	svc.mgr.Enter(&e.aoi, e.x, e.z)
}

func (svc *ProximityService) leave(id common.CellID) {
	svc.lock.Lock()
	defer svc.lock.Unlock()
	e := svc.entries[id]
	if e == nil {
		return
	}
	svc.mgr.Leave(&e.aoi)
	delete(svc.entries, id)
}

// OnCommit updates the positions of the tracked cells after moves and
// delivers the proximity changes
func (svc *ProximityService) OnCommit(events []entity.Event) {
	moved := false
	for _, ev := range events {
		if ev.Kind != entity.CellRemoved {
			moved = true
			break
		}
	}
	if moved {
		svc.world.View(svc.updatePositions)
	}
	svc.deliver()
}

func (svc *ProximityService) updatePositions() {
	svc.lock.Lock()
	ids := make([]common.CellID, 0, len(svc.entries))
	for id := range svc.entries {
		ids = append(ids, id)
	}
	svc.lock.Unlock()

	for _, id := range ids {
		c := svc.world.GetCell(id)
		if c == nil {
			continue
		}
		pos := c.Position()
		x, z := aoi.Coord(pos.X), aoi.Coord(pos.Z)
		svc.lock.Lock()
		if e := svc.entries[id]; e != nil && (e.x != x || e.z != z) {
			e.x, e.z = x, z
			svc.mgr.Moved(&e.aoi, x, z)
		}
		svc.lock.Unlock()
	}
}

func (svc *ProximityService) deliver() {
	svc.lock.Lock()
	pending := svc.pending
	svc.pending = nil
	listeners := append([]ProximityListener(nil), svc.listeners...)
	svc.lock.Unlock()

	for _, ev := range pending {
		ev := ev
		for _, l := range listeners {
			l := l
			gwutils.RunPanicless(func() {
				if ev.enter {
					l.OnProximityEnter(ev.observer, ev.other)
				} else {
					l.OnProximityLeave(ev.observer, ev.other)
				}
			})
		}
	}
}

// Proximity makes the cell take part in the proximity service
type Proximity struct {
	entity.ComponentBase
	svc *ProximityService
}

// NewProximity creates a Proximity component
func NewProximity(svc *ProximityService) *Proximity {
	return &Proximity{svc: svc}
}

// Capability implements entity.Component
func (p *Proximity) Capability() string {
	return CapProximity
}

// OnActivated adds the cell to the proximity service
func (p *Proximity) OnActivated() {
	if c := p.Cell(); c != nil {
		p.svc.enter(c)
	}
}

// OnDetached removes the cell from the proximity service
func (p *Proximity) OnDetached() {
	p.svc.leave(p.CellID())
	p.ComponentBase.OnDetached()
}

// Neighbors returns the cells near the cell
func (p *Proximity) Neighbors() []common.CellID {
	return p.svc.Neighbors(p.CellID())
}
