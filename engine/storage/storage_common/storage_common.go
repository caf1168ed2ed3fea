package storagecommon

// Op is one write of a batch. A nil Data deletes the record.
type Op struct {
	Kind string
	ID   string
	Data []byte
}

// IsDelete returns if the op deletes its record
func (op Op) IsDelete() bool {
	return op.Data == nil
}

// Backend defines the interface of record storage backends.
//
// Records are opaque blobs addressed by (kind, id). WriteBatch applies all ops
// of a batch or none of them on backends that support transactions; see each
// backend for its guarantee.
type Backend interface {
	Read(kind string, id string) ([]byte, error) // nil, nil if the record does not exist
	Exists(kind string, id string) (bool, error)
	List(kind string) ([]string, error)
	WriteBatch(ops []Op) error
	Close()
	IsEOF(err error) bool
}
