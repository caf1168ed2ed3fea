package storageredis

import (
	"io"
	"strings"
	"sync"

	"github.com/garyburd/redigo/redis"
	"github.com/pkg/errors"
	. "github.com/xiaonanln/cellworld/engine/storage/storage_common"
)

type redisBackend struct {
	lock sync.Mutex
	c    redis.Conn
}

// OpenRedis opens redis as storage backend. Batches run in MULTI/EXEC.
func OpenRedis(url string, dbindex int) (Backend, error) {
	var c redis.Conn
	var err error
	if strings.HasPrefix(url, "redis://") {
		c, err = redis.DialURL(url)
	} else {
		c, err = redis.Dial("tcp", url)
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis dail failed")
	}

	if _, err := c.Do("SELECT", dbindex); err != nil {
		c.Close()
		return nil, errors.Wrap(err, "redis select db failed")
	}

	return &redisBackend{
		c: c,
	}, nil
}

func recordKey(kind string, id string) string {
	return kind + "$" + id
}

func (es *redisBackend) List(kind string) ([]string, error) {
	es.lock.Lock()
	defer es.lock.Unlock()

	keyMatch := kind + "$*"
	prefixLen := len(kind) + 1
	var ids []string
	cursor := 0
	for {
		r, err := redis.Values(es.c.Do("SCAN", cursor, "MATCH", keyMatch, "COUNT", 1000))
		if err != nil {
			return nil, err
		}
		if cursor, err = redis.Int(r[0], nil); err != nil {
			return nil, err
		}
		keys, err := redis.Strings(r[1], nil)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			ids = append(ids, key[prefixLen:])
		}
		if cursor == 0 {
			break
		}
	}
	return ids, nil
}

func (es *redisBackend) WriteBatch(ops []Op) error {
	es.lock.Lock()
	defer es.lock.Unlock()

	if err := es.c.Send("MULTI"); err != nil {
		return err
	}
	for _, op := range ops {
		var err error
		if op.IsDelete() {
			err = es.c.Send("DEL", recordKey(op.Kind, op.ID))
		} else {
			err = es.c.Send("SET", recordKey(op.Kind, op.ID), op.Data)
		}
		if err != nil {
			return err
		}
	}
	_, err := es.c.Do("EXEC")
	return err
}

func (es *redisBackend) Read(kind string, id string) ([]byte, error) {
	es.lock.Lock()
	defer es.lock.Unlock()
	b, err := redis.Bytes(es.c.Do("GET", recordKey(kind, id)))
	if err == redis.ErrNil {
		return nil, nil
	}
	return b, err
}

func (es *redisBackend) Exists(kind string, id string) (bool, error) {
	es.lock.Lock()
	defer es.lock.Unlock()
	return redis.Bool(es.c.Do("EXISTS", recordKey(kind, id)))
}

func (es *redisBackend) Close() {
	es.c.Close()
}

func (es *redisBackend) IsEOF(err error) bool {
	err = errors.Cause(err)
	return err == io.EOF || err == io.ErrUnexpectedEOF
}
