package reconcile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/bmizerany/assert"
	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/config"
	"github.com/xiaonanln/cellworld/engine/entity"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/spatial"
	"github.com/xiaonanln/cellworld/engine/storage"
	storagememory "github.com/xiaonanln/cellworld/engine/storage/backend/memory"
	storagecommon "github.com/xiaonanln/cellworld/engine/storage/storage_common"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type Room struct {
	entity.Cell
}

func (r *Room) DescribeCellType(desc *entity.CellTypeDesc) {
	desc.SetPersistent(true)
}

type Prop struct {
	entity.Cell
}

func (p *Prop) DescribeCellType(desc *entity.CellTypeDesc) {
	desc.SetPersistent(true)
	desc.DefineAttr("color")
}

type memSource struct {
	sync.Mutex
	name     string
	roots    map[string][]Description
	fetchErr error
	fetches  int
}

func newMemSource(name string) *memSource {
	return &memSource{name: name, roots: map[string][]Description{}}
}

func (src *memSource) Name() string {
	return src.name
}

func (src *memSource) ListRoots(ctx context.Context) ([]string, error) {
	src.Lock()
	defer src.Unlock()
	var roots []string
	for root := range src.roots {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	return roots, nil
}

func (src *memSource) Fetch(ctx context.Context, root string) ([]Description, error) {
	src.Lock()
	defer src.Unlock()
	src.fetches++
	if src.fetchErr != nil {
		return nil, src.fetchErr
	}
	return append([]Description(nil), src.roots[root]...), nil
}

func (src *memSource) set(root string, descs ...Description) {
	src.Lock()
	src.roots[root] = descs
	src.Unlock()
}

func newWorld(store *storage.Store) *entity.World {
	w := entity.NewWorld(store)
	w.RegisterCellType("Room", &Room{})
	w.RegisterCellType("Prop", &Prop{})
	return w
}

func newStore() *storage.Store {
	return storage.New(storagememory.OpenMemory(), false)
}

func room(id string, lastModified int64) Description {
	return Description{ID: id, Type: "Room", LastModified: lastModified,
		Properties: map[string]interface{}{"size": []interface{}{20, 4, 20}}}
}

func prop(id string, parent string, lastModified int64, color string) Description {
	return Description{ID: id, ParentID: parent, Type: "Prop", LastModified: lastModified,
		Properties: map[string]interface{}{"color": color, "position": []interface{}{1.5, 0, 2}}}
}

// dump describes the described cells of the world by description id
func dump(w *entity.World) map[string]string {
	out := map[string]string{}
	w.View(func() {
		w.TraverseCells(func(c *entity.Cell) {
			descID := c.Attrs.GetStr(AttrDescID)
			parent, _ := c.Parent()
			if p := w.GetCell(parent); p != nil {
				parent = common.CellID(p.Attrs.GetStr(AttrDescID))
			}
			out[descID] = fmt.Sprintf("%s parent=%s name=%s lm=%d pos=%v attrs=%v activated=%v",
				c.TypeName, parent, c.Name(), c.LastModified(), c.Position(), c.Attrs.ToMap(), c.IsActivated())
		})
	})
	return out
}

func cellOf(w *entity.World, source string, descID string) *entity.Cell {
	var c *entity.Cell
	w.View(func() {
		c = w.GetCell(CellID(source, descID))
	})
	return c
}

func TestFirstRunAddsParentsFirst(t *testing.T) {
	w := newWorld(newStore())
	src := newMemSource("museum")
	src.set("hall", prop("vase", "hall", 100, "blue"), room("hall", 100))

	e := NewEngine(w, src)
	assert.Equal(t, nil, e.Run(context.Background()))
	assert.Equal(t, 2, w.Len())

	vase := cellOf(w, "museum", "vase")
	var parent common.CellID
	var pos spatial.Vector3
	w.View(func() {
		parent, _ = vase.Parent()
		pos = vase.Position()
	})
	assert.Equal(t, CellID("museum", "hall"), parent)
	assert.Equal(t, spatial.Vector3{X: 1.5, Z: 2}, pos)
	assert.Equal(t, "blue", vase.Attrs.GetStr("color"))
	assert.T(t, vase.IsActivated())

	rec := e.Record()
	assert.Equal(t, PhaseNone, rec.Phase)
	assert.Equal(t, uint64(1), rec.Run)
}

func TestCompareScenario(t *testing.T) {
	w := newWorld(newStore())
	src := newMemSource("museum")
	src.set("hall", room("hall", 100), prop("equal", "hall", 100, "red"), prop("newer", "hall", 100, "red"))
	e := NewEngine(w, src)
	assert.Equal(t, nil, e.Run(context.Background()))
	equalVersion := cellOf(w, "museum", "equal").Version()

	src.set("hall", room("hall", 100), prop("equal", "hall", 100, "green"), prop("newer", "hall", 200, "green"),
		prop("new", "hall", 300, "green"))
	var compared PhaseRecord
	e.PhaseDone = func(done Phase) {
		if done == PhaseCompare {
			compared = e.Record()
		}
	}
	assert.Equal(t, nil, e.Run(context.Background()))

	assert.Equal(t, PhaseRemove, compared.Phase)
	assert.Equal(t, []string{"newer"}, compared.ToModify)
	assert.Equal(t, []string{"new"}, compared.ToAdd)
	assert.Equal(t, 0, len(compared.ToRemove))

	assert.Equal(t, "red", cellOf(w, "museum", "equal").Attrs.GetStr("color"))
	assert.Equal(t, equalVersion, cellOf(w, "museum", "equal").Version())
	assert.Equal(t, "green", cellOf(w, "museum", "newer").Attrs.GetStr("color"))
	assert.Equal(t, int64(200), cellOf(w, "museum", "newer").LastModified())
	assert.T(t, cellOf(w, "museum", "new") != nil)
}

func TestOlderDescriptionIsIgnoredWithWarning(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	gwlog.ReplaceCore(core)
	defer gwlog.SetOutput(gwlog.GetOutput())

	w := newWorld(nil)
	src := newMemSource("museum")
	src.set("hall", room("hall", 500))
	e := NewEngine(w, src)
	assert.Equal(t, nil, e.Run(context.Background()))

	src.set("hall", room("hall", 400))
	assert.Equal(t, nil, e.Run(context.Background()))
	assert.Equal(t, int64(500), cellOf(w, "museum", "hall").LastModified())
	assert.Equal(t, 1, logs.FilterMessageSnippet("older").Len())
}

func TestRemovedDescriptionsDestroyCells(t *testing.T) {
	w := newWorld(nil)
	src := newMemSource("museum")
	src.set("hall", room("hall", 1), prop("vase", "hall", 1, "red"))
	src.set("yard", room("yard", 1))
	e := NewEngine(w, src)
	assert.Equal(t, nil, e.Run(context.Background()))
	assert.Equal(t, 3, w.Len())

	src.set("hall", room("hall", 1))
	delete(src.roots, "yard")
	assert.Equal(t, nil, e.Run(context.Background()))
	assert.Equal(t, 1, w.Len())
	assert.T(t, cellOf(w, "museum", "hall") != nil)
}

func TestFetchFailureLeavesWorldUntouched(t *testing.T) {
	w := newWorld(nil)
	src := newMemSource("museum")
	src.set("hall", room("hall", 1))
	src.fetchErr = errors.Wrap(common.ErrTransientIO, "unreachable")
	e := NewEngine(w, src)

	err := e.Run(context.Background())
	assert.T(t, errors.Is(err, common.ErrTransientIO))
	assert.Equal(t, 0, w.Len())

	src.fetchErr = nil
	assert.Equal(t, nil, e.Run(context.Background()))
	assert.Equal(t, 1, w.Len())
}

func TestResumeAfterCrashBetweenRemoveAndModify(t *testing.T) {
	initial := []Description{room("hall", 1), prop("vase", "hall", 1, "red"), prop("lamp", "hall", 1, "red")}
	changed := []Description{room("hall", 1), prop("vase", "hall", 2, "gold"), prop("chair", "hall", 2, "oak")}

	// uninterrupted run
	refWorld := newWorld(newStore())
	refSrc := newMemSource("museum")
	refSrc.set("hall", initial...)
	ref := NewEngine(refWorld, refSrc)
	assert.Equal(t, nil, ref.Run(context.Background()))
	refSrc.set("hall", changed...)
	assert.Equal(t, nil, ref.Run(context.Background()))

	// interrupted run
	store := newStore()
	w := newWorld(store)
	src := newMemSource("museum")
	src.set("hall", initial...)
	e := NewEngine(w, src)
	assert.Equal(t, nil, e.Run(context.Background()))

	src.set("hall", changed...)
	ctx, cancel := context.WithCancel(context.Background())
	e.PhaseDone = func(done Phase) {
		if done == PhaseRemove {
			cancel()
		}
	}
	assert.Equal(t, context.Canceled, e.Run(ctx))
	assert.T(t, cellOf(w, "museum", "lamp") == nil)
	assert.Equal(t, "red", cellOf(w, "museum", "vase").Attrs.GetStr("color"))

	// restart the process on the same storage
	restarted := newWorld(store)
	_, err := restarted.LoadAll()
	assert.Equal(t, nil, err)
	rec := LoadPhaseRecord(store, "museum")
	assert.Equal(t, PhaseModify, rec.Phase)
	assert.Equal(t, []string{"vase"}, rec.ToModify)
	assert.Equal(t, []string{"chair"}, rec.ToAdd)

	fetches := src.fetches
	resumed := NewEngine(restarted, src)
	assert.Equal(t, nil, resumed.Run(context.Background()))
	assert.Equal(t, fetches, src.fetches)
	assert.Equal(t, dump(refWorld), dump(restarted))
	assert.Equal(t, PhaseNone, LoadPhaseRecord(store, "museum").Phase)
}

func TestResumeSkipsFinishedWork(t *testing.T) {
	store := newStore()
	w := newWorld(store)
	src := newMemSource("museum")
	src.set("hall", room("hall", 1))
	e := NewEngine(w, src)
	assert.Equal(t, nil, e.Run(context.Background()))

	// a crash after creating "hall" again, before the record was updated
	b := store.NewBatch()
	b.Put(phaseRecordKind, "museum", &PhaseRecord{
		Source:       "museum",
		Phase:        PhaseRemove,
		Run:          5,
		ToRemove:     []common.CellID{CellID("museum", "gone")},
		ToAdd:        []string{"hall"},
		Descriptions: map[string]Description{"hall": room("hall", 1)},
	})
	assert.Equal(t, nil, store.Commit(b))

	assert.Equal(t, nil, e.Run(context.Background()))
	assert.Equal(t, 1, w.Len())
	rec := e.Record()
	assert.Equal(t, PhaseNone, rec.Phase)
	assert.Equal(t, uint64(5), rec.Run)
}

func TestCorruptPhaseRecordRestartsFromNone(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	gwlog.ReplaceCore(core)
	defer gwlog.SetOutput(gwlog.GetOutput())

	backend := storagememory.OpenMemory()
	store := storage.New(backend, false)
	assert.Equal(t, nil, backend.WriteBatch([]storagecommon.Op{{Kind: phaseRecordKind, ID: "museum", Data: []byte{0xc1, 0x00}}}))

	rec := LoadPhaseRecord(store, "museum")
	assert.Equal(t, PhaseNone, rec.Phase)
	assert.Equal(t, 1, logs.FilterMessageSnippet("crash recovery").Len())

	w := newWorld(store)
	src := newMemSource("museum")
	src.set("hall", room("hall", 1))
	assert.Equal(t, nil, NewEngine(w, src).Run(context.Background()))
	assert.Equal(t, 1, w.Len())
}

func TestSchedulerRunsSourcesIndependently(t *testing.T) {
	w := newWorld(newStore())
	museum := newMemSource("museum")
	museum.set("hall", room("hall", 1))
	park := newMemSource("park")
	park.set("yard", room("hall", 1), prop("bench", "hall", 1, "green"))

	s := NewScheduler(w, museum, park)
	assert.Equal(t, nil, s.RunAll(context.Background()))
	assert.Equal(t, 3, w.Len())
	assert.T(t, CellID("museum", "hall") != CellID("park", "hall"))

	park.set("yard", room("hall", 1))
	assert.Equal(t, 2, s.Trigger(context.Background()))
	s.Wait()
	assert.Equal(t, 2, w.Len())
}

func TestYAMLSource(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, content string) {
		assert.Equal(t, nil, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	write("hall.yaml", `
lastModified: 100
cells:
  - id: hall
    type: Room
    properties: {size: [20, 4, 20]}
  - id: vase
    parent: hall
    type: Prop
    lastModified: 150
    properties:
      color: blue
      position: [1, 0, 2]
`)
	write("notes.txt", "ignored")
	write("schema.json", `{
  "type": "object",
  "required": ["cells"],
  "properties": {
    "cells": {"type": "array", "items": {"type": "object", "required": ["id", "type"]}}
  }
}`)

	src, err := NewYAMLSource(&config.SourceConfig{Name: "museum", Type: "yaml", Path: dir, Schema: filepath.Join(dir, "schema.json")})
	assert.Equal(t, nil, err)
	roots, err := src.ListRoots(context.Background())
	assert.Equal(t, nil, err)
	assert.Equal(t, []string{"hall"}, roots)

	descs, err := src.Fetch(context.Background(), "hall")
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(descs))
	assert.Equal(t, int64(100), descs[0].LastModified)
	assert.Equal(t, int64(150), descs[1].LastModified)
	assert.Equal(t, "hall", descs[1].ParentID)
	assert.Equal(t, "blue", descs[1].Properties["color"])

	write("broken.yaml", "cells:\n  - id: x\n")
	_, err = src.Fetch(context.Background(), "broken")
	assert.T(t, errors.Is(err, common.ErrProtocol))
	assert.T(t, strings.Contains(err.Error(), "broken"))

	_, err = src.Fetch(context.Background(), "missing")
	assert.T(t, errors.Is(err, common.ErrTransientIO))

	w := newWorld(nil)
	write("broken.yaml", "cells: []\n")
	assert.Equal(t, nil, NewEngine(w, src).Run(context.Background()))
	assert.Equal(t, "blue", cellOf(w, "museum", "vase").Attrs.GetStr("color"))
}

func parentOf(w *entity.World, c *entity.Cell) (common.CellID, bool) {
	var parent common.CellID
	var ok bool
	w.View(func() {
		parent, ok = c.Parent()
	})
	return parent, ok
}

func TestModifiedCellMovesUnderParentAddedInSameRun(t *testing.T) {
	w := newWorld(newStore())
	src := newMemSource("museum")
	src.set("hall", room("hall", 1), prop("vase", "hall", 1, "red"))
	e := NewEngine(w, src)
	assert.Equal(t, nil, e.Run(context.Background()))

	src.set("hall", room("hall", 1), room("annex", 2), prop("vase", "annex", 2, "red"))
	assert.Equal(t, nil, e.Run(context.Background()))
	parent, ok := parentOf(w, cellOf(w, "museum", "vase"))
	assert.T(t, ok)
	assert.Equal(t, CellID("museum", "annex"), parent)
	assert.Equal(t, 0, len(e.Record().ToLink))

	assert.Equal(t, nil, e.Run(context.Background()))
	parent, _ = parentOf(w, cellOf(w, "museum", "vase"))
	assert.Equal(t, CellID("museum", "annex"), parent)
}

func TestResumeLinksModifiedCellAfterCrash(t *testing.T) {
	store := newStore()
	w := newWorld(store)
	src := newMemSource("museum")
	src.set("hall", room("hall", 1), prop("vase", "hall", 1, "red"))
	e := NewEngine(w, src)
	assert.Equal(t, nil, e.Run(context.Background()))

	src.set("hall", room("hall", 1), room("annex", 2), prop("vase", "annex", 2, "red"))
	ctx, cancel := context.WithCancel(context.Background())
	e.PhaseDone = func(done Phase) {
		if done == PhaseModify {
			cancel()
		}
	}
	assert.Equal(t, context.Canceled, e.Run(ctx))

	restarted := newWorld(store)
	_, err := restarted.LoadAll()
	assert.Equal(t, nil, err)
	rec := LoadPhaseRecord(store, "museum")
	assert.Equal(t, PhaseAdd, rec.Phase)
	assert.Equal(t, []string{"vase"}, rec.ToLink)

	assert.Equal(t, nil, NewEngine(restarted, src).Run(context.Background()))
	parent, ok := parentOf(restarted, cellOf(restarted, "museum", "vase"))
	assert.T(t, ok)
	assert.Equal(t, CellID("museum", "annex"), parent)
}

func TestMalformedPropertyIsDroppedWithWarning(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	gwlog.ReplaceCore(core)
	defer gwlog.SetOutput(gwlog.GetOutput())

	w := newWorld(newStore())
	src := newMemSource("museum")
	bad := prop("vase", "", 1, "red")
	bad.Properties["position"] = []interface{}{"a", 1, 2}
	src.set("hall", bad)
	e := NewEngine(w, src)

	assert.Equal(t, nil, e.Run(context.Background()))
	assert.T(t, cellOf(w, "museum", "vase") == nil)
	assert.Equal(t, 0, w.Len())
	assert.Equal(t, PhaseNone, e.Record().Phase)
	assert.T(t, logs.FilterMessageSnippet("add vase").Len() > 0)

	src.set("hall", prop("vase", "", 2, "red"))
	assert.Equal(t, nil, e.Run(context.Background()))
	vase := cellOf(w, "museum", "vase")
	assert.T(t, vase != nil)
	assert.T(t, vase.IsActivated())

	// a malformed newer description leaves the cell as it is
	bad = prop("vase", "", 3, "green")
	bad.Properties["size"] = []interface{}{1, nil, 2}
	src.set("hall", bad)
	assert.Equal(t, nil, e.Run(context.Background()))
	assert.Equal(t, "red", cellOf(w, "museum", "vase").Attrs.GetStr("color"))
	assert.Equal(t, int64(2), cellOf(w, "museum", "vase").LastModified())
	assert.T(t, logs.FilterMessageSnippet("modify").Len() > 0)
}

func TestIncompleteCellIsCreatedAgain(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	gwlog.ReplaceCore(core)
	defer gwlog.SetOutput(gwlog.GetOutput())

	w := newWorld(nil)
	assert.Equal(t, nil, w.Transact(func(tx *entity.Txn) error {
		_, err := tx.CreateCell("Prop", CellID("museum", "vase"))
		return err
	}))

	src := newMemSource("museum")
	src.set("hall", prop("vase", "", 1, "red"))
	assert.Equal(t, nil, NewEngine(w, src).Run(context.Background()))

	vase := cellOf(w, "museum", "vase")
	assert.T(t, vase != nil)
	assert.T(t, vase.IsActivated())
	assert.Equal(t, "vase", vase.Attrs.GetStr(AttrDescID))
	assert.Equal(t, "red", vase.Attrs.GetStr("color"))
	assert.Equal(t, 1, w.Len())
	assert.Equal(t, 1, logs.FilterMessageSnippet("incomplete").Len())
}

func TestModifySkipsDescriptionOlderThanCell(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	gwlog.ReplaceCore(core)
	defer gwlog.SetOutput(gwlog.GetOutput())

	store := newStore()
	w := newWorld(store)
	src := newMemSource("museum")
	src.set("hall", prop("vase", "", 5, "gold"))
	e := NewEngine(w, src)
	assert.Equal(t, nil, e.Run(context.Background()))

	// an outdated record still waiting in MODIFY
	b := store.NewBatch()
	b.Put(phaseRecordKind, "museum", &PhaseRecord{
		Source:       "museum",
		Phase:        PhaseModify,
		Run:          7,
		ToModify:     []string{"vase"},
		Descriptions: map[string]Description{"vase": prop("vase", "", 3, "red")},
	})
	assert.Equal(t, nil, store.Commit(b))

	assert.Equal(t, nil, e.Run(context.Background()))
	vase := cellOf(w, "museum", "vase")
	assert.Equal(t, "gold", vase.Attrs.GetStr("color"))
	assert.Equal(t, int64(5), vase.LastModified())
	assert.Equal(t, 1, logs.FilterMessageSnippet("older than the cell").Len())
	assert.Equal(t, PhaseNone, e.Record().Phase)
}

type panickingSource struct {
	*memSource
}

func (src panickingSource) Fetch(ctx context.Context, root string) ([]Description, error) {
	panic("fetch exploded")
}

func TestSchedulerRunAllSurvivesPanickingSource(t *testing.T) {
	w := newWorld(nil)
	museum := newMemSource("museum")
	museum.set("hall", room("hall", 1))
	broken := panickingSource{newMemSource("broken")}
	broken.set("yard", room("yard", 1))

	s := NewScheduler(w, museum, broken)
	err := s.RunAll(context.Background())
	assert.NotEqual(t, nil, err)
	assert.T(t, strings.Contains(err.Error(), "broken"), err)
	assert.T(t, cellOf(w, "museum", "hall") != nil)
}
