package storagerediscluster

import (
	"testing"

	"github.com/bmizerany/assert"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "cell$abc", recordKey("cell", "abc"))
	assert.Equal(t, "cell$$index", indexKey("cell"))
}

func TestOpenRedisClusterNoNodes(t *testing.T) {
	_, err := OpenRedisCluster([]string{"127.0.0.1:1"})
	assert.T(t, err != nil)
}

func TestCloseWithoutNodes(t *testing.T) {
	backend := &redisClusterBackend{}
	backend.Close()
	backend.Close()
}
