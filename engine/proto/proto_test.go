package proto

import (
	"testing"

	"github.com/bmizerany/assert"
	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/netutil"
	"github.com/xiaonanln/cellworld/engine/spatial"
)

func TestEncodeDecodeMoveRequest(t *testing.T) {
	in := &AvatarMoveRequest{
		CellID:    "c1",
		Transform: spatial.Translate(spatial.Vector3{X: 1, Y: 2, Z: 3}),
		TriggerID: "grip",
		Pressed:   true,
		Seq:       7,
	}
	data, err := Encode(in)
	assert.Equal(t, nil, err)

	out, err := Decode(data)
	assert.Equal(t, nil, err)
	assert.Equal(t, MT_AVATAR_MOVE_REQUEST, out.MsgType())
	assert.Equal(t, in, out.(*AvatarMoveRequest))
	assert.Equal(t, common.CellID("c1"), out.(CellMessage).TargetCell())
}

func TestDecodeUnknownType(t *testing.T) {
	data, _ := netutil.MSG_PACKER.PackMsg(packet{Type: 999, Body: []byte{0xc0}}, nil)
	_, err := Decode(data)
	assert.T(t, errors.Is(err, common.ErrProtocol))
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte{0xc1, 0x00})
	assert.T(t, errors.Is(err, common.ErrProtocol))

	data, _ := netutil.MSG_PACKER.PackMsg(packet{Type: MT_MOVED, Body: []byte("garbage")}, nil)
	_, err = Decode(data)
	assert.T(t, errors.Is(err, common.ErrProtocol))
}

func TestEveryTypeHasAMessage(t *testing.T) {
	for mt := range msgTypeNames {
		if mt == MT_INVALID {
			continue
		}
		msg, ok := NewMessage(mt)
		assert.Tf(t, ok, "no message for %s", mt)
		assert.Equal(t, mt, msg.MsgType())
	}
	_, ok := NewMessage(MT_INVALID)
	assert.T(t, !ok)
	assert.Equal(t, "MsgType<999>", MsgType(999).String())
}
