package storagemongodb

import (
	"io"

	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	. "github.com/xiaonanln/cellworld/engine/storage/storage_common"
	"gopkg.in/mgo.v2"
	"gopkg.in/mgo.v2/bson"
)

const (
	_DEFAULT_DB_NAME = "cellworld"
)

// mongoDBBackend stores each kind in its own collection. The ops of a batch
// on one collection are sent as one bulk; batches spanning collections are
// not atomic.
type mongoDBBackend struct {
	db *mgo.Database
}

type recordDoc struct {
	ID   string `bson:"_id"`
	Data []byte `bson:"data"`
}

// OpenMongoDB opens mongodb as storage backend
func OpenMongoDB(url string, dbname string) (Backend, error) {
	gwlog.Debugf("Connecting MongoDB ...")
	session, err := mgo.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "mongodb dial failed")
	}

	session.SetMode(mgo.Monotonic, true)
	if dbname == "" {
		// if db is not specified, use default
		dbname = _DEFAULT_DB_NAME
	}
	return &mongoDBBackend{
		db: session.DB(dbname),
	}, nil
}

func (es *mongoDBBackend) getCollection(kind string) *mgo.Collection {
	return es.db.C(kind)
}

func (es *mongoDBBackend) WriteBatch(ops []Op) error {
	var kinds []string
	bulks := map[string]*mgo.Bulk{}
	for _, op := range ops {
		bulk := bulks[op.Kind]
		if bulk == nil {
			bulk = es.getCollection(op.Kind).Bulk()
			bulks[op.Kind] = bulk
			kinds = append(kinds, op.Kind)
		}
		if op.IsDelete() {
			bulk.Remove(bson.M{"_id": op.ID})
		} else {
			bulk.Upsert(bson.M{"_id": op.ID}, bson.M{"$set": bson.M{"data": op.Data}})
		}
	}
	for _, kind := range kinds {
		if _, err := bulks[kind].Run(); err != nil {
			return errors.Wrapf(err, "write %s", kind)
		}
	}
	return nil
}

func (es *mongoDBBackend) Read(kind string, id string) ([]byte, error) {
	var doc recordDoc
	err := es.getCollection(kind).FindId(id).One(&doc)
	if err == mgo.ErrNotFound {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return doc.Data, nil
}

func (es *mongoDBBackend) List(kind string) ([]string, error) {
	var docs []bson.M
	err := es.getCollection(kind).Find(nil).Select(bson.M{"_id": 1}).All(&docs)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(docs))
	for i, doc := range docs {
		ids[i] = doc["_id"].(string)
	}
	return ids, nil
}

func (es *mongoDBBackend) Exists(kind string, id string) (bool, error) {
	n, err := es.getCollection(kind).FindId(id).Count()
	return n > 0, err
}

func (es *mongoDBBackend) Close() {
	es.db.Session.Close()
}

func (es *mongoDBBackend) IsEOF(err error) bool {
	err = errors.Cause(err)
	return err == io.EOF || err == io.ErrUnexpectedEOF
}
