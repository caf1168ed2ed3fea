package reconcile

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/consts"
	"github.com/xiaonanln/cellworld/engine/entity"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/gwutils"
	"github.com/xiaonanln/cellworld/engine/opmon"
	"github.com/xiaonanln/cellworld/engine/spatial"
	"github.com/xiaonanln/typeconv"
)

// Attributes every described cell carries. They are never projected to
// clients unless a cell type defines them.
const (
	AttrSource = "_source"
	AttrDescID = "_desc"
)

// Properties of descriptions with a meaning of their own. Others become attributes.
const (
	PropPosition = "position" // [x, y, z]
	PropSize     = "size"     // [x, y, z], bounds centered on the origin
)

var float64Type = reflect.TypeOf(float64(0))

// Engine reconciles the cells of one source
type Engine struct {
	world  *entity.World
	source Source

	// PhaseDone is called after each completed phase, with the phase record
	// pointing at the next phase. Tests use it to interrupt runs.
	PhaseDone func(done Phase)

	rec *PhaseRecord
}

// NewEngine creates the engine of the source. The phase record is loaded from
// the store of the world.
func NewEngine(world *entity.World, source Source) *Engine {
	return &Engine{world: world, source: source}
}

func (e *Engine) String() string {
	return fmt.Sprintf("Reconcile<%s>", e.source.Name())
}

// Record returns a copy of the current phase record
func (e *Engine) Record() PhaseRecord {
	if e.rec == nil {
		return *LoadPhaseRecord(e.world.Store(), e.source.Name())
	}
	return *e.rec
}

// Run does one reconciliation run, resuming an interrupted one. ctx is
// checked between phases only. A failed FETCH leaves the world untouched and
// is retried by the next run.
func (e *Engine) Run(ctx context.Context) error {
	monop := opmon.StartOperation("reconcile.run")
	defer monop.Finish(time.Minute)

	e.rec = LoadPhaseRecord(e.world.Store(), e.source.Name())
	rec := e.rec
	if rec.Phase <= PhaseCompare {
		// FETCH and COMPARE are redone from scratch
		rec.reset()
		rec.Run++
	} else {
		gwlog.Infof("%s: resuming %s", e, rec)
		opmon.Event("reconcile.resumed")
	}

	for {
		if err := ctx.Err(); err != nil {
			gwlog.Infof("%s: stopped before %s: %v", e, rec.Phase, err)
			return err
		}
		done := rec.Phase
		var err error
		switch rec.Phase {
		case PhaseNone, PhaseFetch, PhaseCompare:
			var snapshot []Description
			if snapshot, err = e.fetch(ctx); err == nil {
				done = PhaseCompare
				e.compare(snapshot)
			}
		case PhaseRemove:
			e.remove()
		case PhaseModify:
			e.modify()
		case PhaseAdd:
			e.add()
		}
		if err != nil {
			gwlog.Warnf("%s: %s failed: %v", e, rec.Phase, err)
			opmon.Event("reconcile.failed")
			return err
		}
		if consts.DEBUG_RECONCILE {
			gwlog.Debugf("%s: %s done, %s", e, done, rec)
		}
		if e.PhaseDone != nil {
			e.PhaseDone(done)
		}
		if rec.Phase == PhaseNone {
			gwlog.Infof("%s: run %d done", e, rec.Run)
			return nil
		}
	}
}

// save stages the record in the transaction
func (e *Engine) save(tx *entity.Txn) {
	if err := tx.Put(phaseRecordKind, e.rec.Source, e.rec); err != nil {
		gwlog.Errorf("%s: save %s: %v", e, e.rec, err)
	}
}

// advance moves the record to the phase in its own transaction
func (e *Engine) advance(next Phase) {
	e.world.Transact(func(tx *entity.Txn) error {
		if next == PhaseNone {
			e.rec.reset()
		}
		e.rec.Phase = next
		e.save(tx)
		return nil
	})
}

func (e *Engine) fetch(ctx context.Context) ([]Description, error) {
	roots, err := e.source.ListRoots(ctx)
	if err != nil {
		return nil, err
	}
	var snapshot []Description
	for _, root := range roots {
		descs, err := e.source.Fetch(ctx, root)
		if err != nil {
			return nil, err
		}
		snapshot = append(snapshot, descs...)
	}
	return snapshot, nil
}

type liveCell struct {
	id           common.CellID
	lastModified int64
}

// compare diffs the snapshot against the live cells of the source and
// checkpoints the result, moving the record to REMOVE
func (e *Engine) compare(snapshot []Description) {
	name := e.source.Name()
	live := map[string]liveCell{}
	e.world.View(func() {
		e.world.TraverseCells(func(c *entity.Cell) {
			if !c.IsLive() || c.Attrs.GetStr(AttrSource) != name {
				return
			}
			live[c.Attrs.GetStr(AttrDescID)] = liveCell{id: c.ID, lastModified: c.LastModified()}
		})
	})

	rec := e.rec
	rec.Descriptions = map[string]Description{}
	seen := common.StringSet{}
	for _, desc := range snapshot {
		if seen.Contains(desc.ID) {
			gwlog.Warnf("%s: duplicate description %s ignored", e, desc.ID)
			continue
		}
		seen.Add(desc.ID)

		cur, ok := live[desc.ID]
		switch {
		case !ok:
			rec.ToAdd = append(rec.ToAdd, desc.ID)
			rec.Descriptions[desc.ID] = desc
		case desc.LastModified > cur.lastModified:
			rec.ToModify = append(rec.ToModify, desc.ID)
			rec.Descriptions[desc.ID] = desc
		case desc.LastModified < cur.lastModified:
			gwlog.Warnf("%s: description %s is older than cell %s (%d < %d), left untouched",
				e, desc.ID, cur.id, desc.LastModified, cur.lastModified)
		}
	}
	for descID, cur := range live {
		if !seen.Contains(descID) {
			rec.ToRemove = append(rec.ToRemove, cur.id)
		}
	}
	sort.Slice(rec.ToRemove, func(i, j int) bool { return rec.ToRemove[i] < rec.ToRemove[j] })
	rec.ToAdd = parentsFirst(rec.ToAdd, rec.Descriptions)

	gwlog.Infof("%s: %s", e, rec)
	e.advance(PhaseRemove)
}

// parentsFirst orders the ids so that each description comes after its
// parent, keeping the given order otherwise
func parentsFirst(ids []string, descs map[string]Description) []string {
	depth := map[string]int{}
	var depthOf func(id string, seen int) int
	depthOf = func(id string, seen int) int {
		if d, ok := depth[id]; ok {
			return d
		}
		desc, ok := descs[id]
		if !ok || desc.ParentID == "" || seen > len(descs) {
			return 0
		}
		d := depthOf(desc.ParentID, seen+1) + 1
		depth[id] = d
		return d
	}
	ordered := append([]string(nil), ids...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return depthOf(ordered[i], 0) < depthOf(ordered[j], 0)
	})
	return ordered
}

// remove destroys the cells to remove, one transaction per cell. Cells
// already gone are skipped.
func (e *Engine) remove() {
	for len(e.rec.ToRemove) > 0 {
		id := e.rec.ToRemove[0]
		e.world.Transact(func(tx *entity.Txn) error {
			if c := tx.Cell(id); c != nil {
				c.Destroy()
				opmon.Event("reconcile.removed")
			}
			e.rec.ToRemove = e.rec.ToRemove[1:]
			e.save(tx)
			return nil
		})
	}
	e.advance(PhaseModify)
}

// modify applies the new descriptions. Applying a description twice changes
// nothing, and a description older than the cell is never applied. Cells whose
// parent is not created yet are linked after ADD.
func (e *Engine) modify() {
	for len(e.rec.ToModify) > 0 {
		descID := e.rec.ToModify[0]
		desc := e.rec.Descriptions[descID]
		e.world.Transact(func(tx *entity.Txn) error {
			if c := tx.Cell(CellID(e.rec.Source, descID)); c != nil {
				if desc.LastModified < c.LastModified() {
					gwlog.Warnf("%s: modify %s: description is older than the cell (%d < %d), skipped",
						e, c, desc.LastModified, c.LastModified())
				} else if placed, err := e.safeApply(tx, c, &desc); err != nil {
					gwlog.Warnf("%s: modify %s: %v", e, c, err)
				} else {
					opmon.Event("reconcile.modified")
					if !placed {
						e.rec.ToLink = append(e.rec.ToLink, descID)
					}
				}
			}
			e.rec.ToModify = e.rec.ToModify[1:]
			e.save(tx)
			return nil
		})
	}
	e.advance(PhaseAdd)
}

// add creates the described cells, then links the modified cells to their new
// parents. A cell created before a crash is not created again; a cell left
// incomplete is destroyed and created again.
func (e *Engine) add() {
	for len(e.rec.ToAdd) > 0 {
		descID := e.rec.ToAdd[0]
		desc := e.rec.Descriptions[descID]
		e.world.Transact(func(tx *entity.Txn) error {
			id := CellID(e.rec.Source, descID)
			if c := tx.Cell(id); c != nil {
				if e.owns(c, descID) {
					e.rec.ToAdd = e.rec.ToAdd[1:]
					e.save(tx)
					return nil
				}
				// created in the next transaction, ids of gone cells are not
				// reused inside one
				gwlog.Warnf("%s: %s is an incomplete cell of %s, creating it again", e, c, descID)
				c.Destroy()
				return nil
			}
			if err := e.create(tx, id, &desc); err != nil {
				gwlog.Warnf("%s: add %s: %v", e, descID, err)
			} else {
				opmon.Event("reconcile.added")
			}
			e.rec.ToAdd = e.rec.ToAdd[1:]
			e.save(tx)
			return nil
		})
	}
	e.link()
	e.advance(PhaseNone)
}

// link attaches the modified cells whose parent was missing during MODIFY
func (e *Engine) link() {
	for len(e.rec.ToLink) > 0 {
		descID := e.rec.ToLink[0]
		desc := e.rec.Descriptions[descID]
		e.world.Transact(func(tx *entity.Txn) error {
			if c := tx.Cell(CellID(e.rec.Source, descID)); c != nil {
				if placed, err := e.attach(tx, c, &desc); err != nil {
					gwlog.Warnf("%s: link %s: %v", e, c, err)
				} else if !placed {
					gwlog.Warnf("%s: parent %s of %s not found, left as root", e, desc.ParentID, desc.ID)
				}
			}
			e.rec.ToLink = e.rec.ToLink[1:]
			e.save(tx)
			return nil
		})
	}
}

// owns tells if c is the complete cell of the description
func (e *Engine) owns(c *entity.Cell, descID string) bool {
	return c.IsLive() && c.IsActivated() &&
		c.Attrs.GetStr(AttrSource) == e.rec.Source && c.Attrs.GetStr(AttrDescID) == descID
}

func (e *Engine) create(tx *entity.Txn, id common.CellID, desc *Description) error {
	c, err := tx.CreateCell(desc.Type, id)
	if err != nil {
		return err
	}
	placed, err := e.safeApply(tx, c, desc)
	if err == nil {
		err = c.Activate()
	}
	if err != nil {
		c.Destroy()
		return err
	}
	if !placed {
		gwlog.Warnf("%s: parent %s of %s not found, left as root", e, desc.ParentID, desc.ID)
	}
	return nil
}

// safeApply is apply turning a panic into an error
func (e *Engine) safeApply(tx *entity.Txn, c *entity.Cell, desc *Description) (placed bool, err error) {
	if gwutils.RunPanicless(func() {
		placed, err = e.apply(tx, c, desc)
	}) {
		return false, errors.Wrapf(common.ErrProtocol, "description %s cannot be applied", desc.ID)
	}
	return
}

// apply sets the server state of the cell from the description and attaches
// it to the described parent. placed is false if the parent does not exist;
// the cell is then left as a root.
func (e *Engine) apply(tx *entity.Txn, c *entity.Cell, desc *Description) (placed bool, err error) {
	state := c.GetServerState(nil)
	base := state.Base()
	base.Name = desc.Name
	if base.Name == "" {
		base.Name = desc.ID
	}
	base.LastModified = desc.LastModified
	base.Transform = spatial.Identity()
	base.Bounds = spatial.EmptyBounds()
	base.Attrs = map[string]interface{}{
		AttrSource: e.rec.Source,
		AttrDescID: desc.ID,
	}
	for key, val := range desc.Properties {
		switch key {
		case PropPosition:
			pos, err := toVector(val)
			if err != nil {
				return false, errors.WithMessagef(err, "property %s", key)
			}
			base.Transform = spatial.Translate(pos)
		case PropSize:
			size, err := toVector(val)
			if err != nil {
				return false, errors.WithMessagef(err, "property %s", key)
			}
			base.Bounds = spatial.NewBox(spatial.Vector3{}, size.Mul(0.5))
		default:
			base.Attrs[key] = val
		}
	}
	if err := c.SetServerState(state); err != nil {
		return false, err
	}
	return e.attach(tx, c, desc)
}

// attach moves the cell under its described parent
func (e *Engine) attach(tx *entity.Txn, c *entity.Cell, desc *Description) (placed bool, err error) {
	parentID := CellID(e.rec.Source, desc.ParentID)
	cur, hasParent := c.Parent()
	if hasParent && cur == parentID {
		return true, nil
	}
	if hasParent {
		if p := tx.Cell(cur); p != nil {
			p.RemoveChild(c)
		}
	}
	if parentID.IsNil() {
		return true, nil
	}
	parent := tx.Cell(parentID)
	if parent == nil {
		return false, nil
	}
	return true, parent.AddChild(c)
}

func toVector(val interface{}) (spatial.Vector3, error) {
	list, ok := val.([]interface{})
	if !ok || len(list) != 3 {
		return spatial.Vector3{}, errors.Wrapf(common.ErrProtocol, "expect [x, y, z], got %v", val)
	}
	var coords [3]spatial.Coord
	for i, v := range list {
		f, ok := toFloat(v)
		if !ok {
			return spatial.Vector3{}, errors.Wrapf(common.ErrProtocol, "expect [x, y, z] numbers, got %v", val)
		}
		coords[i] = spatial.Coord(f)
	}
	return spatial.Vector3{X: coords[0], Y: coords[1], Z: coords[2]}, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch reflect.ValueOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
	default:
		return 0, false
	}
	f := typeconv.Convert(v, float64Type).Float()
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
