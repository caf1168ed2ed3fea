package storage

import (
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/consts"
	"github.com/xiaonanln/cellworld/engine/netutil"
)

const (
	blobPlain byte = 'M'
	blobZstd  byte = 'Z'
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Codec turns values into stored blobs: MessagePack, zstd compressed when
// large enough and compression is enabled. The first byte tags the format.
type Codec struct {
	Compress  bool
	Threshold int
}

// NewCodec creates a codec using the default compress threshold
func NewCodec(compress bool) *Codec {
	return &Codec{Compress: compress, Threshold: consts.STORAGE_COMPRESS_THRESHOLD}
}

// Marshal encodes v into a blob
func (c *Codec) Marshal(v interface{}) ([]byte, error) {
	buf, err := netutil.MSG_PACKER.PackMsg(v, []byte{blobPlain})
	if err != nil {
		return nil, err
	}
	if !c.Compress || len(buf)-1 < c.Threshold {
		return buf, nil
	}
	return zstdEncoder.EncodeAll(buf[1:], []byte{blobZstd}), nil
}

// Unmarshal decodes a blob produced by Marshal into v
func (c *Codec) Unmarshal(blob []byte, v interface{}) error {
	if len(blob) == 0 {
		return errors.New("empty blob")
	}
	body := blob[1:]
	switch blob[0] {
	case blobPlain:
	case blobZstd:
		var err error
		if body, err = zstdDecoder.DecodeAll(body, nil); err != nil {
			return errors.Wrap(err, "zstd decode")
		}
	default:
		return errors.Errorf("unknown blob format %q", blob[0])
	}
	return netutil.MSG_PACKER.UnpackMsg(body, v)
}
