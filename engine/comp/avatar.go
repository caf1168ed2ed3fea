package comp

import (
	"sort"

	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/entity"
	"github.com/xiaonanln/cellworld/engine/proto"
	"github.com/xiaonanln/cellworld/engine/router"
	"github.com/xiaonanln/cellworld/engine/spatial"
)

// AvatarMovable is a Movable which also tracks trigger presses. A move and a
// trigger change requested together are applied in one transaction and
// broadcast in one AvatarMoved message.
type AvatarMovable struct {
	Movable
	pressed common.StringSet // guarded by Movable.lock
}

// NewAvatarMovable creates an AvatarMovable component
func NewAvatarMovable(s *Services) *AvatarMovable {
	return &AvatarMovable{
		Movable: Movable{services: s, capability: CapAvatarMovable, lastTransform: spatial.Identity()},
		pressed: common.StringSet{},
	}
}

// OnActivated starts accepting move and avatar move requests
func (a *AvatarMovable) OnActivated() {
	a.Movable.OnActivated()
	a.services.Router.Registry().RegisterCellHandler(a.CellID(), proto.MT_AVATAR_MOVE_REQUEST, func(conn router.Conn, msg proto.Message) {
		a.ServerAvatarMoveRequest(conn, msg.(*proto.AvatarMoveRequest))
	})
}

// OnDetached stops accepting requests
func (a *AvatarMovable) OnDetached() {
	a.services.Router.Registry().UnregisterCellHandler(a.CellID(), proto.MT_AVATAR_MOVE_REQUEST)
	a.Movable.OnDetached()
}

// ServerAvatarMoveRequest validates and applies the move and the trigger change
func (a *AvatarMovable) ServerAvatarMoveRequest(conn router.Conn, req *proto.AvatarMoveRequest) error {
	apply := func(c *entity.Cell) bool {
		if req.TriggerID == "" {
			return false
		}
		a.lock.Lock()
		defer a.lock.Unlock()
		if a.pressed.Contains(req.TriggerID) == req.Pressed {
			return false
		}
		if req.Pressed {
			a.pressed.Add(req.TriggerID)
		} else {
			a.pressed.Remove(req.TriggerID)
		}
		return true
	}
	return a.applyMove(conn, req.Transform, req.Seq, apply, func(c *entity.Cell, version uint64) proto.CellMessage {
		return &proto.AvatarMoved{
			CellID:    c.ID,
			Transform: c.LocalTransform(),
			TriggerID: req.TriggerID,
			Pressed:   req.Pressed,
			Version:   version,
		}
	})
}

// IsPressed returns if the trigger is pressed
func (a *AvatarMovable) IsPressed(trigger string) bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.pressed.Contains(trigger)
}

// PressedTriggers returns the pressed triggers, sorted
func (a *AvatarMovable) PressedTriggers() []string {
	a.lock.Lock()
	defer a.lock.Unlock()
	list := a.pressed.ToList()
	sort.Strings(list)
	return list
}

// ComponentState implements entity.StatefulComponent
func (a *AvatarMovable) ComponentState() map[string]interface{} {
	pressed := a.PressedTriggers()
	if len(pressed) == 0 {
		return nil
	}
	list := make([]interface{}, len(pressed))
	for i, t := range pressed {
		list[i] = t
	}
	return map[string]interface{}{"pressed": list}
}

// ApplyComponentState implements entity.StatefulComponent
func (a *AvatarMovable) ApplyComponentState(state map[string]interface{}) {
	pressed := common.StringSet{}
	list, _ := state["pressed"].([]interface{})
	for _, t := range list {
		if s, ok := t.(string); ok {
			pressed.Add(s)
		}
	}
	a.lock.Lock()
	a.pressed = pressed
	a.lock.Unlock()
}

// ProjectClientFields adds the pressed triggers, so new observers know them
func (a *AvatarMovable) ProjectClientFields(caps common.StringSet, fields map[string]interface{}) {
	if state := a.ComponentState(); state != nil {
		fields["triggers"] = state["pressed"]
	}
}
