package storagememory

import (
	"sync"

	"github.com/petar/GoLLRB/llrb"
	"github.com/xiaonanln/cellworld/engine/gwutils"
	. "github.com/xiaonanln/cellworld/engine/storage/storage_common"
)

type recordItem struct {
	key  string
	data []byte
}

func (ri *recordItem) Less(other llrb.Item) bool {
	return ri.key < other.(*recordItem).key
}

// MemoryBackend keeps records in an ordered in-process tree. Batches are atomic.
type MemoryBackend struct {
	lock sync.RWMutex
	tree *llrb.LLRB
}

// OpenMemory creates an empty memory backend
func OpenMemory() *MemoryBackend {
	return &MemoryBackend{
		tree: llrb.New(),
	}
}

func recordKey(kind string, id string) string {
	return kind + "\x00" + id
}

func (mb *MemoryBackend) Read(kind string, id string) ([]byte, error) {
	mb.lock.RLock()
	defer mb.lock.RUnlock()
	item := mb.tree.Get(&recordItem{key: recordKey(kind, id)})
	if item == nil {
		return nil, nil
	}
	return append([]byte(nil), item.(*recordItem).data...), nil
}

func (mb *MemoryBackend) Exists(kind string, id string) (bool, error) {
	mb.lock.RLock()
	defer mb.lock.RUnlock()
	return mb.tree.Has(&recordItem{key: recordKey(kind, id)}), nil
}

// List returns the ids of all records of the kind in key order
func (mb *MemoryBackend) List(kind string) ([]string, error) {
	prefix := recordKey(kind, "")
	var ids []string
	mb.lock.RLock()
	mb.tree.AscendRange(&recordItem{key: prefix}, &recordItem{key: gwutils.NextLargerKey(prefix)}, func(i llrb.Item) bool {
		ids = append(ids, i.(*recordItem).key[len(prefix):])
		return true
	})
	mb.lock.RUnlock()
	return ids, nil
}

func (mb *MemoryBackend) WriteBatch(ops []Op) error {
	mb.lock.Lock()
	defer mb.lock.Unlock()
	for _, op := range ops {
		key := recordKey(op.Kind, op.ID)
		if op.IsDelete() {
			mb.tree.Delete(&recordItem{key: key})
		} else {
			mb.tree.ReplaceOrInsert(&recordItem{key: key, data: append([]byte(nil), op.Data...)})
		}
	}
	return nil
}

// Len returns the number of stored records
func (mb *MemoryBackend) Len() int {
	mb.lock.RLock()
	defer mb.lock.RUnlock()
	return mb.tree.Len()
}

func (mb *MemoryBackend) Close() {
}

func (mb *MemoryBackend) IsEOF(err error) bool {
	return false
}
