package entity

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/consts"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/netutil"
	"github.com/xiaonanln/cellworld/engine/spatial"
)

const cellRecordKind = "cell"

type cellRecord struct {
	Type       string        `msgpack:"type"`
	Parent     common.CellID `msgpack:"parent"`
	Marked     bool          `msgpack:"marked"`
	Activated  bool          `msgpack:"activated"`
	Version    uint64        `msgpack:"version"`
	Components []string      `msgpack:"components"`
	State      []byte        `msgpack:"state"`
}

func (c *Cell) toRecord() *cellRecord {
	parent, _ := c.Parent()
	rec := &cellRecord{
		Type:       c.TypeName,
		Parent:     parent,
		Marked:     c.state == Marked,
		Activated:  c.activated,
		Version:    c.version,
		Components: c.Capabilities(),
	}
	state, err := netutil.MSG_PACKER.PackMsg(c.GetServerState(nil), nil)
	if err != nil {
		gwlog.Errorf("%s: pack server state failed: %v", c, err)
	}
	rec.State = state
	return rec
}

// LoadAll restores every saved cell. Cells that were marked for removal when
// they were saved are finalized. It returns the number of restored cells.
func (w *World) LoadAll() (int, error) {
	if w.store == nil {
		return 0, nil
	}
	ids, err := w.store.List(cellRecordKind)
	if err != nil {
		return 0, err
	}
	sort.Strings(ids)

	var loaded []common.CellID
	records := make(map[common.CellID]*cellRecord, len(ids))
	for _, id := range ids {
		rec := &cellRecord{}
		found, err := w.store.Load(cellRecordKind, id, rec)
		if err != nil {
			gwlog.Errorf("LoadAll: skip cell %s: %v", id, err)
			continue
		}
		if !found {
			continue
		}
		records[common.CellID(id)] = rec
		loaded = append(loaded, common.CellID(id))
	}

	restored := 0
	err = w.Transact(func(tx *Txn) error {
		var cells []*Cell
		for _, id := range loaded {
			c, err := tx.restoreCell(id, records[id])
			if err != nil {
				gwlog.Errorf("LoadAll: restore cell %s failed: %v", id, err)
				continue
			}
			cells = append(cells, c)
		}

		for _, c := range cells {
			parentID := records[c.ID].Parent
			if parentID.IsNil() {
				continue
			}
			if w.cells[parentID] == nil {
				gwlog.Warnf("LoadAll: %s: parent %s not found, kept as root", c, parentID)
				continue
			}
			if err := w.tree.AddChild(spatial.NodeID(parentID), spatial.NodeID(c.ID)); err != nil {
				gwlog.Warnf("LoadAll: %s: %v", c, err)
			}
		}

		for _, c := range cells {
			if records[c.ID].Marked {
				c.state = Marked
			} else if records[c.ID].Activated {
				if err := c.Activate(); err != nil {
					gwlog.Warnf("LoadAll: %v", err)
				}
			}
		}

		for _, c := range cells {
			if c.state == Marked {
				gwlog.Infof("LoadAll: finalizing %s marked for removal before restart", c)
				c.Finalize(spatial.ReparentChildren)
				continue
			}
			restored++
		}
		return nil
	})
	gwlog.Infof("LoadAll: %d cells restored", restored)
	return restored, err
}

func (tx *Txn) restoreCell(id common.CellID, rec *cellRecord) (*Cell, error) {
	c, err := tx.newCell(rec.Type, id)
	if err != nil {
		return nil, err
	}
	for _, capability := range rec.Components {
		comp, err := tx.world.NewComponent(capability)
		if err != nil {
			gwlog.Warnf("restore %s: %v", c, err)
			continue
		}
		if err := c.AttachComponent(comp); err != nil {
			gwlog.Warnf("restore %s: %v", c, err)
		}
	}
	c.I.OnInit()

	state := c.I.NewServerState()
	if err := netutil.MSG_PACKER.UnpackMsg(rec.State, state); err != nil {
		tx.discard(c)
		return nil, errors.Wrapf(err, "unpack server state of %s", c)
	}
	if err := c.SetServerState(state); err != nil {
		tx.discard(c)
		return nil, err
	}
	c.version = rec.Version
	if consts.DEBUG_SAVE_LOAD {
		gwlog.Debugf("restored %s version %d", c, c.version)
	}
	return c, nil
}

// discard drops a cell that failed to restore without touching its record
func (tx *Txn) discard(c *Cell) {
	for i := len(c.componentOrder) - 1; i >= 0; i-- {
		capability := c.componentOrder[i]
		c.detachComponent(capability, c.components[capability])
	}
	tx.world.tree.RemoveNode(spatial.NodeID(c.ID), spatial.ReparentChildren)
	delete(tx.world.cells, c.ID)
	delete(tx.touched, c.ID)
	for i, id := range tx.order {
		if id == c.ID {
			tx.order = append(tx.order[:i], tx.order[i+1:]...)
			break
		}
	}
	c.state = Gone
}
