package storage

import (
	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/storage/storage_common"
)

// Batch collects record writes that are committed together. A later write to
// the same record replaces the earlier one.
type Batch struct {
	codec *Codec
	ops   []storagecommon.Op
	index map[string]int
}

// Put stages the encoded value as the new content of the record
func (b *Batch) Put(kind string, id string, v interface{}) error {
	blob, err := b.codec.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s %s", kind, id)
	}
	b.stage(storagecommon.Op{Kind: kind, ID: id, Data: blob})
	return nil
}

// Delete stages removing the record
func (b *Batch) Delete(kind string, id string) {
	b.stage(storagecommon.Op{Kind: kind, ID: id})
}

func (b *Batch) stage(op storagecommon.Op) {
	if b.index == nil {
		b.index = map[string]int{}
	}
	key := op.Kind + "\x00" + op.ID
	if i, ok := b.index[key]; ok {
		b.ops[i] = op
		return
	}
	b.index[key] = len(b.ops)
	b.ops = append(b.ops, op)
}

// Len returns the number of staged record writes
func (b *Batch) Len() int {
	return len(b.ops)
}

// Ops returns the staged writes in staging order
func (b *Batch) Ops() []storagecommon.Op {
	return b.ops
}
