package comp

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/entity"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/opmon"
	"github.com/xiaonanln/cellworld/engine/proto"
	"github.com/xiaonanln/cellworld/engine/router"
	"github.com/xiaonanln/cellworld/engine/spatial"
)

// Reasons of rejected moves
const (
	RejectNotLive   = "not live"
	RejectNonFinite = "non-finite transform"
	RejectTooFar    = "too far"
)

// MoveRejectedError is returned for moves the MovePolicy does not allow
type MoveRejectedError struct {
	CellID common.CellID
	Reason string
}

func (e *MoveRejectedError) Error() string {
	return fmt.Sprintf("move of cell %s rejected: %s", e.CellID, e.Reason)
}

// MovePolicy decides which client moves are applied
type MovePolicy struct {
	// MaxMoveDistance limits the translation of one move, 0 means no limit
	MaxMoveDistance spatial.Coord
}

// Validate checks a move of the cell to tr. c is nil if the cell is gone.
func (p MovePolicy) Validate(id common.CellID, c *entity.Cell, tr spatial.Transform) error {
	if c == nil || !c.IsLive() {
		return &MoveRejectedError{CellID: id, Reason: RejectNotLive}
	}
	if !tr.IsFinite() {
		return &MoveRejectedError{CellID: id, Reason: RejectNonFinite}
	}
	if p.MaxMoveDistance > 0 {
		from := c.LocalTransform().Translation
		if from.DistanceTo(tr.Translation) > p.MaxMoveDistance {
			return &MoveRejectedError{CellID: id, Reason: RejectTooFar}
		}
	}
	return nil
}

type pendingMove struct {
	msg       proto.CellMessage
	version   uint64
	observers []common.ClientID
	except    common.ClientID
}

// Movable lets clients move the cell with MoveRequest. Applied moves are
// broadcast as Moved to the other observers of the cell, at most once per
// broadcast interval; the latest throttled move is sent by Flush.
type Movable struct {
	entity.ComponentBase
	services   *Services
	capability string

	lock          sync.Mutex
	lastTransform spatial.Transform
	lastBroadcast time.Time
	pending       *pendingMove
}

// NewMovable creates a Movable component
func NewMovable(s *Services) *Movable {
	return newMovable(s, CapMovable)
}

func newMovable(s *Services, capability string) *Movable {
	return &Movable{services: s, capability: capability, lastTransform: spatial.Identity()}
}

func (m *Movable) String() string {
	return fmt.Sprintf("%s<%s>", m.capability, m.CellID())
}

// Capability implements entity.Component
func (m *Movable) Capability() string {
	return m.capability
}

// BroadcastsMoves implements entity.MoveBroadcaster
func (m *Movable) BroadcastsMoves() bool {
	return true
}

// OnAttached records the owner and its transform
func (m *Movable) OnAttached(cell *entity.Cell) {
	m.ComponentBase.OnAttached(cell)
	m.lock.Lock()
	m.lastTransform = cell.LocalTransform()
	m.lock.Unlock()
}

// OnActivated starts accepting move requests
func (m *Movable) OnActivated() {
	m.services.Router.Registry().RegisterCellHandler(m.CellID(), proto.MT_MOVE_REQUEST, func(conn router.Conn, msg proto.Message) {
		m.ServerMoveRequest(conn, msg.(*proto.MoveRequest))
	})
	m.services.addMovable(m)
}

// OnDetached stops accepting move requests
func (m *Movable) OnDetached() {
	m.services.Router.Registry().UnregisterCellHandler(m.CellID(), proto.MT_MOVE_REQUEST)
	m.services.removeMovable(m)
	m.ComponentBase.OnDetached()
}

// LastTransform returns the last transform applied by a move
func (m *Movable) LastTransform() spatial.Transform {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.lastTransform
}

// ServerMoveRequest validates and applies a move requested by the client.
// A rejected move is answered with MoveRejected carrying the authoritative
// transform of the cell.
func (m *Movable) ServerMoveRequest(conn router.Conn, req *proto.MoveRequest) error {
	return m.applyMove(conn, req.Transform, req.Seq, nil, func(c *entity.Cell, version uint64) proto.CellMessage {
		return &proto.Moved{CellID: c.ID, Transform: c.LocalTransform(), Version: version}
	})
}

// applyMove moves the cell in one transaction. apply makes further changes
// and returns if it changed anything; moved builds the broadcast message.
func (m *Movable) applyMove(conn router.Conn, tr spatial.Transform, seq uint64,
	apply func(c *entity.Cell) bool,
	moved func(c *entity.Cell, version uint64) proto.CellMessage) error {

	id := m.CellID()
	var requester common.ClientID
	if conn != nil {
		requester = conn.ClientID()
	}
	authoritative := spatial.Identity()
	var pub *pendingMove
	err := m.services.World.Transact(func(tx *entity.Txn) error {
		c := tx.Cell(id)
		if c != nil {
			authoritative = c.LocalTransform()
		}
		if err := m.services.MovePolicy.Validate(id, c, tr); err != nil {
			return err
		}
		changed := c.LocalTransform() != tr
		if err := c.SetLocalTransform(tr); err != nil {
			return err
		}
		if apply != nil && apply(c) {
			changed = true
			if err := c.NotifyMoved(); err != nil {
				return err
			}
		}
		m.lock.Lock()
		m.lastTransform = tr
		m.lock.Unlock()
		if !changed {
			return nil
		}
		pub = &pendingMove{
			msg:       moved(c, c.CommitVersion()),
			version:   c.CommitVersion(),
			observers: c.Observers(),
			except:    requester,
		}
		tx.AfterCommit(func() {
			m.broadcast(pub)
		})
		return nil
	})

	if err != nil {
		opmon.Event("movable.rejected")
		reason := err.Error()
		var rejected *MoveRejectedError
		if errors.As(err, &rejected) {
			reason = rejected.Reason
		}
		gwlog.Warnf("%s: move requested by %s rejected: %v", m, requester, err)
		if conn != nil {
			reply := &proto.MoveRejected{CellID: id, Transform: authoritative, Reason: reason, Seq: seq}
			if sendErr := conn.Send(reply); sendErr != nil {
				gwlog.Warnf("%s: reply MoveRejected to %s: %v", m, requester, sendErr)
			}
		}
		return err
	}
	return nil
}

func (m *Movable) broadcast(pub *pendingMove) {
	interval := m.services.BroadcastInterval
	now := time.Now()
	m.lock.Lock()
	if interval > 0 && now.Sub(m.lastBroadcast) < interval {
		m.pending = pub
		m.lock.Unlock()
		return
	}
	m.lastBroadcast = now
	m.pending = nil
	m.lock.Unlock()
	m.services.publish(pub.msg, pub.version, pub.observers, pub.except)
}

// Flush sends the throttled move, if any. Returns if a move was sent.
func (m *Movable) Flush() bool {
	m.lock.Lock()
	pub := m.pending
	m.pending = nil
	if pub != nil {
		m.lastBroadcast = time.Now()
	}
	m.lock.Unlock()
	if pub == nil {
		return false
	}
	m.services.publish(pub.msg, pub.version, pub.observers, pub.except)
	return true
}
