package proto

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/netutil"
)

// MsgType is the type of message types
type MsgType uint16

const (
	// MT_INVALID is the invalid message type
	MT_INVALID MsgType = iota
	// MT_HELLO is the first message a client sends on a new connection
	MT_HELLO
	// MT_WELCOME is the server reply to MT_HELLO
	MT_WELCOME
	// MT_MOVE_REQUEST is sent by clients to move a cell
	MT_MOVE_REQUEST
	// MT_MOVED is broadcast to observers after a cell moved
	MT_MOVED
	// MT_AVATAR_MOVE_REQUEST is a move request carrying a trigger state
	MT_AVATAR_MOVE_REQUEST
	// MT_AVATAR_MOVED is broadcast after an avatar move request was applied
	MT_AVATAR_MOVED
	// MT_MOVE_REJECTED is sent to the requester of a move that failed validation
	MT_MOVE_REJECTED
	// MT_ATTRIBUTE_CHANGED carries a newer projected client state
	MT_ATTRIBUTE_CHANGED
	// MT_ENTITY_CREATE introduces a cell to a client
	MT_ENTITY_CREATE
	// MT_ENTITY_REMOVE tells a client a cell is gone
	MT_ENTITY_REMOVE
	// MT_CHANNEL_MESSAGE is a message on a named per-cell channel
	MT_CHANNEL_MESSAGE
)

var msgTypeNames = map[MsgType]string{
	MT_INVALID:             "Invalid",
	MT_HELLO:               "Hello",
	MT_WELCOME:             "Welcome",
	MT_MOVE_REQUEST:        "MoveRequest",
	MT_MOVED:               "Moved",
	MT_AVATAR_MOVE_REQUEST: "AvatarMoveRequest",
	MT_AVATAR_MOVED:        "AvatarMoved",
	MT_MOVE_REJECTED:       "MoveRejected",
	MT_ATTRIBUTE_CHANGED:   "AttributeChanged",
	MT_ENTITY_CREATE:       "EntityCreate",
	MT_ENTITY_REMOVE:       "EntityRemove",
	MT_CHANNEL_MESSAGE:     "ChannelMessage",
}

func (t MsgType) String() string {
	if name, ok := msgTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MsgType<%d>", uint16(t))
}

// Message is implemented by every typed message
type Message interface {
	MsgType() MsgType
}

// NewMessage allocates an empty message of the given type
func NewMessage(t MsgType) (Message, bool) {
	var msg Message
	switch t {
	case MT_HELLO:
		msg = &Hello{}
	case MT_WELCOME:
		msg = &Welcome{}
	case MT_MOVE_REQUEST:
		msg = &MoveRequest{}
	case MT_MOVED:
		msg = &Moved{}
	case MT_AVATAR_MOVE_REQUEST:
		msg = &AvatarMoveRequest{}
	case MT_AVATAR_MOVED:
		msg = &AvatarMoved{}
	case MT_MOVE_REJECTED:
		msg = &MoveRejected{}
	case MT_ATTRIBUTE_CHANGED:
		msg = &AttributeChanged{}
	case MT_ENTITY_CREATE:
		msg = &EntityCreate{}
	case MT_ENTITY_REMOVE:
		msg = &EntityRemove{}
	case MT_CHANNEL_MESSAGE:
		msg = &ChannelMessage{}
	default:
		return nil, false
	}
	return msg, true
}

type packet struct {
	Type MsgType `msgpack:"t"`
	Body []byte  `msgpack:"b"`
}

// Encode packs the message into a typed packet
func Encode(msg Message) ([]byte, error) {
	body, err := netutil.MSG_PACKER.PackMsg(msg, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "pack %s", msg.MsgType())
	}
	return netutil.MSG_PACKER.PackMsg(packet{Type: msg.MsgType(), Body: body}, nil)
}

// Decode unpacks a typed packet. Unknown types and malformed payloads fail
// with errors wrapping common.ErrProtocol.
func Decode(data []byte) (Message, error) {
	var pkt packet
	if err := netutil.MSG_PACKER.UnpackMsg(data, &pkt); err != nil {
		return nil, errors.Wrapf(common.ErrProtocol, "malformed packet: %v", err)
	}
	msg, ok := NewMessage(pkt.Type)
	if !ok {
		return nil, errors.Wrapf(common.ErrProtocol, "unknown message type %s", pkt.Type)
	}
	if err := netutil.MSG_PACKER.UnpackMsg(pkt.Body, msg); err != nil {
		return nil, errors.Wrapf(common.ErrProtocol, "malformed %s: %v", pkt.Type, err)
	}
	return msg, nil
}
