package client

import (
	"fmt"

	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/opmon"
	"github.com/xiaonanln/cellworld/engine/proto"
	"github.com/xiaonanln/cellworld/engine/spatial"
)

// MoveState is the state of local moves of a replica
type MoveState int

const (
	// Idle means no local move waits for the server
	Idle MoveState = iota
	// MoveRequested means a move request is being sent
	MoveRequested
	// Applied means a move was sent and applied locally before the server confirmed it
	Applied
)

func (s MoveState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case MoveRequested:
		return "MoveRequested"
	case Applied:
		return "Applied"
	}
	return fmt.Sprintf("MoveState(%d)", int(s))
}

// Replica is the client side copy of a cell
type Replica struct {
	session *Session
	id      common.CellID

	// guarded by session.lock
	parentID  common.CellID
	typeName  string
	name      string
	version   uint64
	transform spatial.Transform
	bounds    spatial.Bounds
	state     map[string]interface{}
	triggers  common.StringSet
	scene     interface{}
	moveState MoveState
	moveSeq   uint64
}

func (r *Replica) String() string {
	return fmt.Sprintf("Replica<%s>", r.id)
}

// ID returns the cell id
func (r *Replica) ID() common.CellID {
	return r.id
}

// TypeName returns the cell type name
func (r *Replica) TypeName() string {
	r.session.lock.Lock()
	defer r.session.lock.Unlock()
	return r.typeName
}

// ParentID returns the id of the parent cell, empty for roots
func (r *Replica) ParentID() common.CellID {
	r.session.lock.Lock()
	defer r.session.lock.Unlock()
	return r.parentID
}

// Version returns the last cell version received
func (r *Replica) Version() uint64 {
	r.session.lock.Lock()
	defer r.session.lock.Unlock()
	return r.version
}

// Transform returns the local transform, including an optimistically applied move
func (r *Replica) Transform() spatial.Transform {
	r.session.lock.Lock()
	defer r.session.lock.Unlock()
	return r.transform
}

// Field returns a projected field of the cell
func (r *Replica) Field(key string) (interface{}, bool) {
	r.session.lock.Lock()
	defer r.session.lock.Unlock()
	v, ok := r.state[key]
	return v, ok
}

// IsPressed returns if the trigger of the avatar is pressed
func (r *Replica) IsPressed(trigger string) bool {
	r.session.lock.Lock()
	defer r.session.lock.Unlock()
	return r.triggers.Contains(trigger)
}

// MoveState returns the local move state
func (r *Replica) MoveState() MoveState {
	r.session.lock.Lock()
	defer r.session.lock.Unlock()
	return r.moveState
}

// Scene returns the scene graph node created for the replica, if any
func (r *Replica) Scene() interface{} {
	r.session.lock.Lock()
	defer r.session.lock.Unlock()
	return r.scene
}

// LocalMoveRequest asks the server to move the cell and applies the move
// locally without waiting for the server. While the channel is disconnected
// the request is dropped with a warning.
func (r *Replica) LocalMoveRequest(tr spatial.Transform) {
	r.localMove(tr, func(seq uint64) proto.Message {
		return &proto.MoveRequest{CellID: r.id, Transform: tr, Seq: seq}
	}, nil)
}

// LocalAvatarMoveRequest is LocalMoveRequest with a trigger change. The move
// and the trigger are sent in one message.
func (r *Replica) LocalAvatarMoveRequest(tr spatial.Transform, trigger string, pressed bool) {
	r.localMove(tr, func(seq uint64) proto.Message {
		return &proto.AvatarMoveRequest{CellID: r.id, Transform: tr, TriggerID: trigger, Pressed: pressed, Seq: seq}
	}, func() func() {
		was := r.triggers.Contains(trigger)
		r.setTrigger(trigger, pressed)
		return func() { r.setTrigger(trigger, was) }
	})
}

// localMove applies the move before sending it, so that a rejection arriving
// before Send returns is not overwritten. apply returns its undo.
func (r *Replica) localMove(tr spatial.Transform, request func(seq uint64) proto.Message, apply func() func()) {
	ch := r.session.channel
	if ch == nil || !ch.IsConnected() {
		gwlog.Warnf("%s: move request dropped: not connected", r)
		opmon.Event("client.move_dropped")
		return
	}

	r.session.lock.Lock()
	r.session.moveSeq++
	seq := r.session.moveSeq
	prev := r.transform
	r.moveState = MoveRequested
	r.moveSeq = seq
	r.transform = tr
	var undo func()
	if apply != nil {
		undo = apply()
	}
	r.session.lock.Unlock()

	err := ch.Send(request(seq))

	r.session.lock.Lock()
	defer r.session.lock.Unlock()
	if r.moveSeq != seq || r.moveState != MoveRequested {
		// a newer request or the server answer came first
		return
	}
	if err != nil {
		gwlog.Warnf("%s: move request dropped: %v", r, err)
		opmon.Event("client.move_dropped")
		r.transform = prev
		if undo != nil {
			undo()
		}
		r.moveState = Idle
		return
	}
	r.moveState = Applied
}

// setTrigger is called with session.lock held
func (r *Replica) setTrigger(trigger string, pressed bool) {
	if trigger == "" {
		return
	}
	if pressed {
		r.triggers.Add(trigger)
	} else {
		r.triggers.Remove(trigger)
	}
}

// settle ends an applied move once the server sent a newer state of the cell
func (r *Replica) settle() {
	if r.moveState == Applied {
		r.moveState = Idle
	}
}
