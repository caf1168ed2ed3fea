package entity

import (
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/gwutils"
	"github.com/xiaonanln/cellworld/engine/opmon"
	"github.com/xiaonanln/cellworld/engine/spatial"
	"github.com/xiaonanln/cellworld/engine/storage"
)

// ErrCellExists is returned when creating a cell with an id already in use
var ErrCellExists = errors.New("cell already exists")

// World owns every cell, the spatial tree of the cells, the cell type and
// component registries and the storage the cells are saved to.
//
// Cells are mutated only inside Transact, which holds the world exclusively;
// View gives read only access to the last committed state.
type World struct {
	mu    sync.RWMutex
	txn   *Txn
	cells map[common.CellID]*Cell
	tree  *spatial.Tree
	store *storage.Store

	regLock            sync.RWMutex
	cellTypes          map[string]*CellTypeDesc
	componentFactories map[string]ComponentFactory

	listeners     []CommitListener
	commitSeq     uint64 // guarded by mu
	eventLock     sync.Mutex
	eventCond     *sync.Cond // signals deliverSeq changes
	deliverSeq    uint64     // guarded by eventLock
	observersLock sync.Mutex
}

// NewWorld creates an empty world saving its persistent cells to store.
// A nil store makes a world that is never saved.
func NewWorld(store *storage.Store) *World {
	w := &World{
		cells:              map[common.CellID]*Cell{},
		tree:               spatial.NewTree(),
		store:              store,
		cellTypes:          map[string]*CellTypeDesc{},
		componentFactories: map[string]ComponentFactory{},
	}
	w.eventCond = sync.NewCond(&w.eventLock)
	return w
}

// Store returns the storage of the world, nil if the world is not saved
func (w *World) Store() *storage.Store {
	return w.store
}

// Tree returns the spatial tree of the cells
func (w *World) Tree() *spatial.Tree {
	return w.tree
}

// Subscribe adds a listener receiving the events of every committed transaction.
// Listeners are called after the world is unlocked, in commit order. They may
// call View but must not call Transact.
func (w *World) Subscribe(l CommitListener) {
	w.eventLock.Lock()
	w.listeners = append(w.listeners, l)
	w.eventLock.Unlock()
}

// GetCell returns the cell, or nil. Only call it inside Transact or View.
func (w *World) GetCell(id common.CellID) *Cell {
	return w.cells[id]
}

// Len returns the number of cells. Only call it inside Transact or View.
func (w *World) Len() int {
	return len(w.cells)
}

// CellIDs returns the sorted ids of all cells. Only call it inside Transact or View.
func (w *World) CellIDs() []common.CellID {
	ids := make([]common.CellID, 0, len(w.cells))
	for id := range w.cells {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// TraverseCells calls f on every cell. Only call it inside Transact or View.
func (w *World) TraverseCells(f func(c *Cell)) {
	for _, c := range w.cells {
		f(c)
	}
}

// View runs f with shared access to the world
func (w *World) View(f func()) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	f()
}

// ForgetClient removes the client from the observers of every cell
func (w *World) ForgetClient(client common.ClientID) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	w.observersLock.Lock()
	defer w.observersLock.Unlock()
	for _, c := range w.cells {
		c.observers.Del(client)
	}
}

// Transact runs fn with exclusive access to the world. Every change fn makes
// is saved as one storage batch and becomes visible to View and to the commit
// listeners together.
//
// An error returned by fn is returned by Transact; changes fn made before
// failing are still committed. Storage failures are logged and retried by
// the store, they never fail the transaction.
func (w *World) Transact(fn func(tx *Txn) error) error {
	monop := opmon.StartOperation("world.transact")
	defer monop.Finish(time.Millisecond * 100)

	w.mu.Lock()
	tx := newTxn(w)
	w.txn = tx
	unlocked := false
	defer func() {
		if !unlocked {
			// fn panicked
			w.txn = nil
			w.mu.Unlock()
		}
	}()

	err := fn(tx)
	events := w.commit(tx)
	w.txn = nil
	seq := w.commitSeq
	w.commitSeq++
	unlocked = true
	w.mu.Unlock()

	w.eventLock.Lock()
	for w.deliverSeq != seq {
		w.eventCond.Wait()
	}
	w.deliver(tx, events)
	w.deliverSeq++
	w.eventCond.Broadcast()
	w.eventLock.Unlock()
	return err
}

func (w *World) currentTxn() *Txn {
	if w.txn == nil {
		gwlog.Panicf("cell mutated outside of a transaction")
	}
	return w.txn
}

func (w *World) commit(tx *Txn) []Event {
	var batch *storage.Batch
	if w.store != nil {
		batch = tx.batch
		if batch == nil {
			batch = w.store.NewBatch()
		}
	}

	var events []Event
	for _, id := range tx.order {
		flags := tx.touched[id]
		if flags&touchRemoved != 0 {
			rm := tx.removed[id]
			if batch != nil && rm.persistent {
				batch.Delete(cellRecordKind, string(id))
			}
			if rm.activated || len(rm.observers) > 0 {
				events = append(events, Event{Kind: CellRemoved, CellID: id, Version: rm.version + 1, Observers: rm.observers})
			}
			continue
		}

		c := w.cells[id]
		if c == nil {
			continue
		}
		c.version++
		if batch != nil && c.IsPersistent() {
			if err := batch.Put(cellRecordKind, string(id), c.toRecord()); err != nil {
				gwlog.Errorf("%s: save failed: %v", c, err)
			}
		}
		if !c.activated {
			continue
		}
		switch {
		case flags&touchCreated != 0:
			events = append(events, Event{Kind: CellCreated, CellID: id, Version: c.version})
		case flags&touchState != 0:
			events = append(events, Event{Kind: CellChanged, CellID: id, Version: c.version})
		case flags&touchMoved != 0:
			events = append(events, Event{Kind: CellMoved, CellID: id, Version: c.version})
		}
	}

	if batch != nil && batch.Len() > 0 {
		if err := w.store.Commit(batch); err != nil {
			gwlog.Warnf("world commit of %d records: %v", batch.Len(), err)
		}
	}
	return events
}

func (w *World) deliver(tx *Txn, events []Event) {
	if len(events) > 0 {
		opmon.EventCounter("world.commit_events").Add(float64(len(events)))
		for _, l := range w.listeners {
			l := l
			gwutils.RunPanicless(func() {
				l.OnCommit(events)
			})
		}
	}
	for _, f := range tx.afterCommit {
		gwutils.RunPanicless(f)
	}
}

// SaveAll queues a save of every persistent cell
func (w *World) SaveAll() int {
	if w.store == nil {
		return 0
	}
	batch := w.store.NewBatch()
	w.View(func() {
		for _, c := range w.cells {
			if !c.IsPersistent() {
				continue
			}
			if err := batch.Put(cellRecordKind, string(c.ID), c.toRecord()); err != nil {
				gwlog.Errorf("%s: save failed: %v", c, err)
			}
		}
	})
	n := batch.Len()
	if n > 0 {
		w.store.SaveAsync(batch, nil)
	}
	return n
}

// Txn is the handle of a running transaction
type Txn struct {
	world       *World
	touched     map[common.CellID]touchFlag
	order       []common.CellID
	removed     map[common.CellID]removedCell
	batch       *storage.Batch
	afterCommit []func()
}

type touchFlag uint8

const (
	touchPersist touchFlag = 1 << iota
	touchMoved
	touchState
	touchCreated
	touchRemoved
)

type removedCell struct {
	persistent bool
	activated  bool
	version    uint64
	observers  []common.ClientID
}

func newTxn(w *World) *Txn {
	return &Txn{
		world:   w,
		touched: map[common.CellID]touchFlag{},
		removed: map[common.CellID]removedCell{},
	}
}

func (tx *Txn) touch(c *Cell, flag touchFlag) {
	if _, ok := tx.touched[c.ID]; !ok {
		tx.order = append(tx.order, c.ID)
	}
	tx.touched[c.ID] |= flag
}

func (tx *Txn) remove(c *Cell, observers []common.ClientID) {
	tx.touch(c, touchRemoved)
	tx.removed[c.ID] = removedCell{
		persistent: c.IsPersistent(),
		activated:  c.activated,
		version:    c.version,
		observers:  observers,
	}
}

// World returns the world of the transaction
func (tx *Txn) World() *World {
	return tx.world
}

// Cell returns the cell, or nil
func (tx *Txn) Cell(id common.CellID) *Cell {
	return tx.world.cells[id]
}

// Put saves v as record (kind, id) in the same storage batch as the cells
func (tx *Txn) Put(kind string, id string, v interface{}) error {
	if tx.world.store == nil {
		return nil
	}
	if tx.batch == nil {
		tx.batch = tx.world.store.NewBatch()
	}
	return tx.batch.Put(kind, id, v)
}

// Delete removes record (kind, id) in the same storage batch as the cells
func (tx *Txn) Delete(kind string, id string) {
	if tx.world.store == nil {
		return
	}
	if tx.batch == nil {
		tx.batch = tx.world.store.NewBatch()
	}
	tx.batch.Delete(kind, id)
}

// AfterCommit runs f after the transaction is committed and the world unlocked
func (tx *Txn) AfterCommit(f func()) {
	tx.afterCommit = append(tx.afterCommit, f)
}

// CreateCell creates a live root cell of the registered type, with the default
// components of the type attached. The cell is observable only after Activate.
func (tx *Txn) CreateCell(typeName string, id common.CellID) (*Cell, error) {
	c, err := tx.newCell(typeName, id)
	if err != nil {
		return nil, err
	}
	for _, capability := range c.typeDesc.components {
		comp, err := tx.world.NewComponent(capability)
		if err != nil {
			return nil, errors.WithMessagef(err, "create %s", c)
		}
		if err := c.AttachComponent(comp); err != nil {
			return nil, err
		}
	}
	c.I.OnInit()
	return c, nil
}

func (tx *Txn) newCell(typeName string, id common.CellID) (*Cell, error) {
	w := tx.world
	desc := w.GetCellTypeDesc(typeName)
	if desc == nil {
		return nil, errors.Errorf("unknown cell type: %s", typeName)
	}
	if id.IsNil() {
		id = common.GenCellID()
	}
	if _, ok := w.cells[id]; ok {
		return nil, errors.Wrapf(ErrCellExists, "%s<%s>", typeName, id)
	}
	if err := w.tree.AddNode(spatial.NodeID(id), spatial.EmptyBounds(), spatial.Identity()); err != nil {
		return nil, err
	}

	instance := reflect.New(desc.cellType)
	c := reflect.Indirect(instance).FieldByName("Cell").Addr().Interface().(*Cell)
	c.init(w, typeName, id, instance, desc)
	w.cells[id] = c
	tx.touch(c, touchState)
	gwlog.Debugf("cell %s created", c)
	return c, nil
}
