package proto

import (
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/spatial"
)

// Hello opens a session
type Hello struct {
	Protocol       string   `msgpack:"protocol"`
	Version        int      `msgpack:"version"`
	ConnectionType string   `msgpack:"conntype"`
	Capabilities   []string `msgpack:"caps"`
}

// Welcome accepts a session and assigns the client id
type Welcome struct {
	ClientID common.ClientID `msgpack:"clientid"`
}

// MoveRequest asks the server to move a cell
type MoveRequest struct {
	CellID    common.CellID     `msgpack:"cellid"`
	Transform spatial.Transform `msgpack:"transform"`
	Seq       uint64            `msgpack:"seq"`
}

// Moved tells observers the cell has a new transform
type Moved struct {
	CellID    common.CellID     `msgpack:"cellid"`
	Transform spatial.Transform `msgpack:"transform"`
	Version   uint64            `msgpack:"version"`
}

// AvatarMoveRequest is a MoveRequest carrying a trigger press or release, so
// movement and trigger state arrive in one message
type AvatarMoveRequest struct {
	CellID    common.CellID     `msgpack:"cellid"`
	Transform spatial.Transform `msgpack:"transform"`
	TriggerID string            `msgpack:"trigger"`
	Pressed   bool              `msgpack:"pressed"`
	Seq       uint64            `msgpack:"seq"`
}

// AvatarMoved is the broadcast for AvatarMoveRequest
type AvatarMoved struct {
	CellID    common.CellID     `msgpack:"cellid"`
	Transform spatial.Transform `msgpack:"transform"`
	TriggerID string            `msgpack:"trigger"`
	Pressed   bool              `msgpack:"pressed"`
	Version   uint64            `msgpack:"version"`
}

// MoveRejected returns the authoritative transform to the requester of a rejected move
type MoveRejected struct {
	CellID    common.CellID     `msgpack:"cellid"`
	Transform spatial.Transform `msgpack:"transform"`
	Reason    string            `msgpack:"reason"`
	Seq       uint64            `msgpack:"seq"`
}

// AttributeChanged carries the projected client state of a cell
type AttributeChanged struct {
	CellID    common.CellID          `msgpack:"cellid"`
	ParentID  common.CellID          `msgpack:"parentid"`
	Name      string                 `msgpack:"name"`
	Version   uint64                 `msgpack:"version"`
	Transform spatial.Transform      `msgpack:"transform"`
	Bounds    spatial.Bounds         `msgpack:"bounds"`
	State     map[string]interface{} `msgpack:"state"`
}

// EntityCreate introduces a cell to a client
type EntityCreate struct {
	CellID    common.CellID          `msgpack:"cellid"`
	ParentID  common.CellID          `msgpack:"parentid"`
	TypeName  string                 `msgpack:"type"`
	Name      string                 `msgpack:"name"`
	Version   uint64                 `msgpack:"version"`
	Transform spatial.Transform      `msgpack:"transform"`
	Bounds    spatial.Bounds         `msgpack:"bounds"`
	State     map[string]interface{} `msgpack:"state"`
}

// EntityRemove tells a client to drop a cell
type EntityRemove struct {
	CellID common.CellID `msgpack:"cellid"`
}

// ChannelMessage is a message on a named channel of a cell
type ChannelMessage struct {
	CellID  common.CellID          `msgpack:"cellid"`
	Channel string                 `msgpack:"channel"`
	Data    map[string]interface{} `msgpack:"data"`
}

func (*Hello) MsgType() MsgType             { return MT_HELLO }
func (*Welcome) MsgType() MsgType           { return MT_WELCOME }
func (*MoveRequest) MsgType() MsgType       { return MT_MOVE_REQUEST }
func (*Moved) MsgType() MsgType             { return MT_MOVED }
func (*AvatarMoveRequest) MsgType() MsgType { return MT_AVATAR_MOVE_REQUEST }
func (*AvatarMoved) MsgType() MsgType       { return MT_AVATAR_MOVED }
func (*MoveRejected) MsgType() MsgType      { return MT_MOVE_REJECTED }
func (*AttributeChanged) MsgType() MsgType  { return MT_ATTRIBUTE_CHANGED }
func (*EntityCreate) MsgType() MsgType      { return MT_ENTITY_CREATE }
func (*EntityRemove) MsgType() MsgType      { return MT_ENTITY_REMOVE }
func (*ChannelMessage) MsgType() MsgType    { return MT_CHANNEL_MESSAGE }

// CellMessage is implemented by messages addressed to one cell
type CellMessage interface {
	Message
	TargetCell() common.CellID
}

func (m *MoveRequest) TargetCell() common.CellID       { return m.CellID }
func (m *Moved) TargetCell() common.CellID             { return m.CellID }
func (m *AvatarMoveRequest) TargetCell() common.CellID { return m.CellID }
func (m *AvatarMoved) TargetCell() common.CellID       { return m.CellID }
func (m *MoveRejected) TargetCell() common.CellID      { return m.CellID }
func (m *AttributeChanged) TargetCell() common.CellID  { return m.CellID }
func (m *EntityCreate) TargetCell() common.CellID      { return m.CellID }
func (m *EntityRemove) TargetCell() common.CellID      { return m.CellID }
func (m *ChannelMessage) TargetCell() common.CellID    { return m.CellID }
