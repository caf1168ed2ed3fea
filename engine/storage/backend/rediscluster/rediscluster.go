package storagerediscluster

import (
	"io"
	"time"

	rediscluster "github.com/chasex/redis-go-cluster"
	"github.com/garyburd/redigo/redis"
	"github.com/pkg/errors"
	. "github.com/xiaonanln/cellworld/engine/storage/storage_common"
)

// redisClusterBackend keeps the ids of every kind in a set, since SCAN does not
// span cluster nodes. Batches are pipelined but not atomic across slots.
type redisClusterBackend struct {
	c rediscluster.Cluster
}

// OpenRedisCluster opens redis cluster as storage backend
func OpenRedisCluster(startNodes []string) (Backend, error) {
	c, err := rediscluster.NewCluster(&rediscluster.Options{
		StartNodes:   startNodes,
		ConnTimeout:  10 * time.Second, // Connection timeout
		ReadTimeout:  60 * time.Second, // Read timeout
		WriteTimeout: 60 * time.Second, // Write timeout
		KeepAlive:    16,               // Maximum keep alive connecion in each node
		AliveTime:    10 * time.Minute, // Keep alive timeout
	})

	if err != nil {
		return nil, errors.Wrap(err, "connect redis cluster failed")
	}

	return &redisClusterBackend{
		c: c,
	}, nil
}

func recordKey(kind string, id string) string {
	return kind + "$" + id
}

func indexKey(kind string) string {
	return kind + "$$index"
}

func (es *redisClusterBackend) List(kind string) ([]string, error) {
	return redis.Strings(es.c.Do("SMEMBERS", indexKey(kind)))
}

func (es *redisClusterBackend) WriteBatch(ops []Op) error {
	batch := es.c.NewBatch()
	for _, op := range ops {
		var err error
		if op.IsDelete() {
			if err = batch.Put("DEL", recordKey(op.Kind, op.ID)); err == nil {
				err = batch.Put("SREM", indexKey(op.Kind), op.ID)
			}
		} else {
			if err = batch.Put("SET", recordKey(op.Kind, op.ID), op.Data); err == nil {
				err = batch.Put("SADD", indexKey(op.Kind), op.ID)
			}
		}
		if err != nil {
			return err
		}
	}
	replies, err := es.c.RunBatch(batch)
	if err != nil {
		return err
	}
	for _, reply := range replies {
		if rerr, ok := reply.(error); ok {
			return rerr
		}
	}
	return nil
}

func (es *redisClusterBackend) Read(kind string, id string) ([]byte, error) {
	b, err := redis.Bytes(es.c.Do("GET", recordKey(kind, id)))
	if err == redis.ErrNil {
		return nil, nil
	}
	return b, err
}

func (es *redisClusterBackend) Exists(kind string, id string) (bool, error) {
	return redis.Bool(es.c.Do("EXISTS", recordKey(kind, id)))
}

// Close does nothing: the cluster client has no close, its node connections
// expire after AliveTime
func (es *redisClusterBackend) Close() {
}

func (es *redisClusterBackend) IsEOF(err error) bool {
	err = errors.Cause(err)
	return err == io.EOF || err == io.ErrUnexpectedEOF
}
