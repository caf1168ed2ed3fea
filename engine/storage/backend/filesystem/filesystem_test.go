package storagefilesystem

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bmizerany/assert"
	"github.com/xiaonanln/cellworld/engine/netutil"
	. "github.com/xiaonanln/cellworld/engine/storage/storage_common"
)

func TestFileSystemBackend(t *testing.T) {
	es, err := OpenDirectory(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	data, err := es.Read("cell", "c/1")
	assert.Equal(t, nil, err)
	assert.T(t, data == nil)

	err = es.WriteBatch([]Op{
		{Kind: "cell", ID: "c/1", Data: []byte("one")},
		{Kind: "cell", ID: "c/2", Data: []byte("two")},
		{Kind: "phase", ID: "lobby", Data: []byte("p")},
	})
	assert.Equal(t, nil, err)

	data, _ = es.Read("cell", "c/1")
	assert.Equal(t, []byte("one"), data)
	ids, _ := es.List("cell")
	assert.Equal(t, []string{"c/1", "c/2"}, ids)

	es.WriteBatch([]Op{{Kind: "cell", ID: "c/1"}, {Kind: "cell", ID: "missing"}})
	exists, _ := es.Exists("cell", "c/1")
	assert.T(t, !exists)
	exists, _ = es.Exists("phase", "lobby")
	assert.T(t, exists)
}

func TestFileSystemBackendReplaysJournal(t *testing.T) {
	dir := t.TempDir()
	ops := []Op{
		{Kind: "cell", ID: "a", Data: []byte("A")},
		{Kind: "phase", ID: "lobby", Data: []byte("REMOVE")},
	}
	journal, _ := netutil.MSG_PACKER.PackMsg(ops, nil)
	// a crash right after the journal was written
	os.WriteFile(filepath.Join(dir, journalFile), journal, 0644)

	es, err := OpenDirectory(dir)
	assert.Equal(t, nil, err)
	data, _ := es.Read("phase", "lobby")
	assert.Equal(t, []byte("REMOVE"), data)
	data, _ = es.Read("cell", "a")
	assert.Equal(t, []byte("A"), data)
	_, err = os.Stat(filepath.Join(dir, journalFile))
	assert.T(t, os.IsNotExist(err))
}

func TestFileSystemBackendDiscardsTornJournal(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, journalFile), []byte{0x92, 0x81}, 0644)
	es, err := OpenDirectory(dir)
	assert.Equal(t, nil, err)
	ids, _ := es.List("cell")
	assert.Equal(t, 0, len(ids))
}
