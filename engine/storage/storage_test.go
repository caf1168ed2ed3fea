package storage

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/config"
	"github.com/xiaonanln/cellworld/engine/storage/backend/memory"
	"github.com/xiaonanln/cellworld/engine/storage/storage_common"
)

type testRecord struct {
	Name  string
	Value int
	Blob  string
}

// flakyBackend fails the first writes until failures runs out
type flakyBackend struct {
	*storagememory.MemoryBackend
	lock     sync.Mutex
	failures int
	writes   [][]storagecommon.Op
}

func (fb *flakyBackend) WriteBatch(ops []storagecommon.Op) error {
	fb.lock.Lock()
	if fb.failures > 0 {
		fb.failures--
		fb.lock.Unlock()
		return errors.New("backend down")
	}
	fb.writes = append(fb.writes, ops)
	fb.lock.Unlock()
	return fb.MemoryBackend.WriteBatch(ops)
}

func TestCodecRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		codec := NewCodec(compress)
		in := testRecord{Name: "a", Value: 3, Blob: strings.Repeat("x", 4096)}
		blob, err := codec.Marshal(in)
		assert.Equal(t, nil, err)
		if compress {
			assert.Equal(t, blobZstd, blob[0])
			assert.T(t, len(blob) < 1024)
		} else {
			assert.Equal(t, blobPlain, blob[0])
		}
		var out testRecord
		assert.Equal(t, nil, codec.Unmarshal(blob, &out))
		assert.Equal(t, in, out)
	}
}

func TestCodecSmallBlobNotCompressed(t *testing.T) {
	blob, _ := NewCodec(true).Marshal(testRecord{Name: "small"})
	assert.Equal(t, blobPlain, blob[0])
	assert.T(t, NewCodec(true).Unmarshal([]byte{'?', 1}, &testRecord{}) != nil)
	assert.T(t, NewCodec(true).Unmarshal(nil, &testRecord{}) != nil)
}

func TestStoreCommitAndLoad(t *testing.T) {
	s := New(storagememory.OpenMemory(), true)
	defer s.Close()

	b := s.NewBatch()
	assert.Equal(t, nil, b.Put("cell", "a", testRecord{Name: "a", Value: 1}))
	assert.Equal(t, nil, b.Put("cell", "a", testRecord{Name: "a", Value: 2}))
	assert.Equal(t, nil, b.Put("cell", "b", testRecord{Name: "b"}))
	b.Delete("cell", "c")
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, nil, s.Commit(b))

	var rec testRecord
	found, err := s.Load("cell", "a", &rec)
	assert.Equal(t, nil, err)
	assert.T(t, found)
	assert.Equal(t, 2, rec.Value)

	found, err = s.Load("cell", "c", &rec)
	assert.Equal(t, nil, err)
	assert.T(t, !found)

	ids, _ := s.List("cell")
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestStoreRetriesFailedCommitInOrder(t *testing.T) {
	fb := &flakyBackend{MemoryBackend: storagememory.OpenMemory(), failures: 2}
	s := New(fb, false)
	defer s.Close()

	b1 := s.NewBatch()
	b1.Put("cell", "a", testRecord{Value: 1})
	err := s.Commit(b1)
	assert.T(t, errors.Is(err, common.ErrTransientIO))

	b2 := s.NewBatch()
	b2.Put("cell", "a", testRecord{Value: 2})
	err = s.Commit(b2)
	// queued behind the failed batch
	assert.T(t, errors.Is(err, common.ErrTransientIO))

	s.Flush()
	var rec testRecord
	found, _ := s.Load("cell", "a", &rec)
	assert.T(t, found)
	assert.Equal(t, 2, rec.Value)
	assert.Equal(t, 2, len(fb.writes))

	// queue drained: commits are synchronous again
	b3 := s.NewBatch()
	b3.Put("cell", "a", testRecord{Value: 3})
	assert.Equal(t, nil, s.Commit(b3))
}

func TestStoreSaveAsync(t *testing.T) {
	s := New(storagememory.OpenMemory(), false)
	defer s.Close()
	done := make(chan struct{})
	b := s.NewBatch()
	b.Put("cell", "x", testRecord{Name: "x"})
	s.SaveAsync(b, func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("save callback not called")
	}
	exists, _ := s.Backend().Exists("cell", "x")
	assert.T(t, exists)
}

func TestOpenBackend(t *testing.T) {
	b, err := OpenBackend(&config.StorageConfig{Type: "memory"})
	assert.Equal(t, nil, err)
	assert.NotEqual(t, nil, b)

	b, err = OpenBackend(&config.StorageConfig{Type: "filesystem", Directory: t.TempDir()})
	assert.Equal(t, nil, err)
	assert.NotEqual(t, nil, b)

	_, err = OpenBackend(&config.StorageConfig{Type: "redis", Url: "localhost:1", DB: "x"})
	assert.T(t, err != nil)
	_, err = OpenBackend(&config.StorageConfig{Type: "nosuch"})
	assert.T(t, err != nil)
}
