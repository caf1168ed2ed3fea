package storagememory

import (
	"testing"

	"github.com/bmizerany/assert"
	. "github.com/xiaonanln/cellworld/engine/storage/storage_common"
)

func TestMemoryBackend(t *testing.T) {
	var b Backend = OpenMemory()
	data, err := b.Read("cell", "a")
	assert.Equal(t, nil, err)
	assert.T(t, data == nil)

	err = b.WriteBatch([]Op{
		{Kind: "cell", ID: "b", Data: []byte("B")},
		{Kind: "cell", ID: "a", Data: []byte("A")},
		{Kind: "cellx", ID: "z", Data: []byte("Z")},
		{Kind: "phase", ID: "lobby", Data: []byte("P")},
	})
	assert.Equal(t, nil, err)

	ids, _ := b.List("cell")
	assert.Equal(t, []string{"a", "b"}, ids)
	data, _ = b.Read("cell", "a")
	assert.Equal(t, []byte("A"), data)
	exists, _ := b.Exists("phase", "lobby")
	assert.T(t, exists)

	b.WriteBatch([]Op{{Kind: "cell", ID: "a"}})
	ids, _ = b.List("cell")
	assert.Equal(t, []string{"b"}, ids)
	assert.Equal(t, 3, b.(*MemoryBackend).Len())
}

func TestMemoryBackendCopiesData(t *testing.T) {
	b := OpenMemory()
	buf := []byte("abc")
	b.WriteBatch([]Op{{Kind: "k", ID: "1", Data: buf}})
	buf[0] = 'X'
	data, _ := b.Read("k", "1")
	assert.Equal(t, []byte("abc"), data)
}
