package storagemongodb

import (
	"os"
	"testing"

	"github.com/bmizerany/assert"
	"github.com/xiaonanln/cellworld/engine/common"
	. "github.com/xiaonanln/cellworld/engine/storage/storage_common"
)

// needs a running server: CELLWORLD_TEST_MONGODB=mongodb://localhost:27017/cellworld
func TestMongoDBBackend(t *testing.T) {
	url := os.Getenv("CELLWORLD_TEST_MONGODB")
	if url == "" {
		t.Skip("CELLWORLD_TEST_MONGODB not set")
	}
	es, err := OpenMongoDB(url, "cellworld_test")
	if err != nil {
		t.Fatal(err)
	}
	defer es.Close()

	id := string(common.GenCellID())
	data, err := es.Read("cell", id)
	assert.Equal(t, nil, err)
	assert.T(t, data == nil)

	assert.Equal(t, nil, es.WriteBatch([]Op{
		{Kind: "cell", ID: id, Data: []byte("one")},
		{Kind: "phase", ID: id, Data: []byte("p")},
	}))
	data, _ = es.Read("cell", id)
	assert.Equal(t, []byte("one"), data)
	ids, _ := es.List("cell")
	assert.T(t, len(ids) > 0)

	es.WriteBatch([]Op{{Kind: "cell", ID: id}, {Kind: "phase", ID: id}})
	exists, _ := es.Exists("cell", id)
	assert.T(t, !exists)
}
