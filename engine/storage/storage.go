package storage

import (
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/config"
	"github.com/xiaonanln/cellworld/engine/consts"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/opmon"
	"github.com/xiaonanln/cellworld/engine/storage/backend/filesystem"
	"github.com/xiaonanln/cellworld/engine/storage/backend/memory"
	"github.com/xiaonanln/cellworld/engine/storage/backend/mongodb"
	"github.com/xiaonanln/cellworld/engine/storage/backend/redis"
	"github.com/xiaonanln/cellworld/engine/storage/backend/rediscluster"
	"github.com/xiaonanln/cellworld/engine/storage/backend/sqlite"
	"github.com/xiaonanln/cellworld/engine/storage/storage_common"
	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"
)

// SaveCallbackFunc is called from the saver routine once a batch is written
type SaveCallbackFunc func()

type saveRequest struct {
	Batch    *Batch
	Callback SaveCallbackFunc
}

// Store reads and writes encoded records on a backend.
//
// Commit writes a batch synchronously. A batch that fails to be written is
// handed to the saver routine, which retries it until it succeeds; while the
// saver holds queued batches every later batch is queued behind them, so
// batches always reach the backend in commit order.
type Store struct {
	backend storagecommon.Backend
	codec   *Codec

	commitLock             sync.Mutex
	saveQueue              *xnsyncutil.SyncQueue
	pending                sync.WaitGroup
	queued                 int
	queuedLock             sync.Mutex
	saverRoutineTerminated *xnsyncutil.OneTimeCond
	recentWarnedQueueLen   int
}

// Open opens the backend described by the storage config
func Open(cfg *config.StorageConfig) (*Store, error) {
	backend, err := OpenBackend(cfg)
	if err != nil {
		return nil, err
	}
	return New(backend, cfg.Compress), nil
}

// OpenBackend opens the configured storage backend
func OpenBackend(cfg *config.StorageConfig) (storagecommon.Backend, error) {
	switch cfg.Type {
	case "memory":
		return storagememory.OpenMemory(), nil
	case "filesystem":
		fs, err := storagefilesystem.OpenDirectory(cfg.Directory)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case "sqlite":
		return storagesqlite.OpenSQLite(cfg.Directory)
	case "mongodb":
		return storagemongodb.OpenMongoDB(cfg.Url, cfg.DB)
	case "redis":
		dbindex, err := strconv.Atoi(cfg.DB)
		if err != nil {
			return nil, errors.Wrap(err, "redis db must be integer")
		}
		return storageredis.OpenRedis(cfg.Url, dbindex)
	case "redis_cluster":
		return storagerediscluster.OpenRedisCluster(cfg.StartNodes.ToList())
	}
	return nil, errors.Errorf("unknown storage type: %s", cfg.Type)
}

// New creates a store on the backend and starts its saver routine
func New(backend storagecommon.Backend, compress bool) *Store {
	s := &Store{
		backend:                backend,
		codec:                  NewCodec(compress),
		saveQueue:              xnsyncutil.NewSyncQueue(),
		saverRoutineTerminated: xnsyncutil.NewOneTimeCond(),
	}
	go s.saverRoutine()
	return s
}

// Backend returns the underlying backend
func (s *Store) Backend() storagecommon.Backend {
	return s.backend
}

// Codec returns the blob codec of the store
func (s *Store) Codec() *Codec {
	return s.codec
}

// Load decodes the record into v. It returns false if the record does not exist.
func (s *Store) Load(kind string, id string, v interface{}) (bool, error) {
	monop := opmon.StartOperation("storage.load")
	defer monop.Finish(time.Millisecond * 100)
	blob, err := s.backend.Read(kind, id)
	if err != nil {
		return false, errors.Wrapf(common.ErrTransientIO, "load %s %s: %v", kind, id, err)
	}
	if blob == nil {
		return false, nil
	}
	if err := s.codec.Unmarshal(blob, v); err != nil {
		return true, errors.Wrapf(err, "decode %s %s", kind, id)
	}
	return true, nil
}

// List returns the ids of all records of the kind
func (s *Store) List(kind string) ([]string, error) {
	monop := opmon.StartOperation("storage.list")
	defer monop.Finish(time.Second)
	ids, err := s.backend.List(kind)
	if err != nil {
		return nil, errors.Wrapf(common.ErrTransientIO, "list %s: %v", kind, err)
	}
	return ids, nil
}

// NewBatch creates an empty batch encoding values with the store codec
func (s *Store) NewBatch() *Batch {
	return &Batch{codec: s.codec}
}

// Commit writes the batch. On failure the batch is queued for retry and an
// error wrapping common.ErrTransientIO is returned; the batch still reaches
// the backend later, in order.
func (s *Store) Commit(b *Batch) error {
	if b.Len() == 0 {
		return nil
	}
	s.commitLock.Lock()
	defer s.commitLock.Unlock()

	if n := s.queueLen(); n > 0 {
		s.enqueue(saveRequest{Batch: b})
		return errors.Wrapf(common.ErrTransientIO, "storage: batch queued behind %d batches", n)
	}

	monop := opmon.StartOperation("storage.commit")
	err := s.backend.WriteBatch(b.ops)
	monop.Finish(time.Millisecond * 100)
	if err != nil {
		s.enqueue(saveRequest{Batch: b})
		return errors.Wrapf(common.ErrTransientIO, "storage: commit failed, will retry: %v", err)
	}
	return nil
}

// SaveAsync hands the batch to the saver routine and returns immediately
func (s *Store) SaveAsync(b *Batch, callback SaveCallbackFunc) {
	s.commitLock.Lock()
	s.enqueue(saveRequest{Batch: b, Callback: callback})
	s.commitLock.Unlock()
}

// Flush waits until every queued batch is written
func (s *Store) Flush() {
	s.pending.Wait()
}

// Close waits for queued batches, stops the saver routine and closes the backend
func (s *Store) Close() {
	s.Flush()
	s.saveQueue.Close()
	s.saverRoutineTerminated.Wait()
	s.backend.Close()
}

func (s *Store) queueLen() int {
	s.queuedLock.Lock()
	defer s.queuedLock.Unlock()
	return s.queued
}

func (s *Store) enqueue(req saveRequest) {
	s.queuedLock.Lock()
	s.queued += 1
	qlen := s.queued
	s.queuedLock.Unlock()

	s.pending.Add(1)
	s.saveQueue.Push(req)
	opmon.SetGauge("storage_save_queue", float64(qlen))
	if qlen > consts.STORAGE_SAVE_QUEUE_WARN_LEN && qlen%consts.STORAGE_SAVE_QUEUE_WARN_LEN == 0 && s.recentWarnedQueueLen != qlen {
		gwlog.Warnf("Storage save queue length = %d", qlen)
		s.recentWarnedQueueLen = qlen
	}
}

func (s *Store) dequeued() {
	s.queuedLock.Lock()
	s.queued -= 1
	qlen := s.queued
	s.queuedLock.Unlock()
	opmon.SetGauge("storage_save_queue", float64(qlen))
	s.pending.Done()
}

func (s *Store) saverRoutine() {
	defer func() {
		err := recover()
		if err != nil {
			gwlog.TraceError("storage saver routine paniced: %s, restarting ...", err)
			go s.saverRoutine() // restart the saver routine
		} else {
			// normal quit
			s.saverRoutineTerminated.Signal()
		}
	}()

	for {
		item := s.saveQueue.Pop()
		if item == nil { // save queue closed
			break
		}

		req := item.(saveRequest)
		monop := opmon.StartOperation("storage.save")
		for {
			if consts.DEBUG_SAVE_LOAD {
				gwlog.Debugf("storage: SAVING batch of %d ops ...", req.Batch.Len())
			}
			err := s.backend.WriteBatch(req.Batch.ops)
			if err == nil {
				break
			}
			gwlog.Errorf("storage: save failed: %s", err)
			opmon.Event("storage_save_retry")
			time.Sleep(consts.STORAGE_SAVE_RETRY_INTERVAL) // always retry if fail
		}
		monop.Finish(time.Millisecond * 100)
		if req.Callback != nil {
			req.Callback()
		}
		s.dequeued()
	}
}
