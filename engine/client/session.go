// Package client keeps the client side replicas of the cells a client
// observes, built from the messages of the server.
package client

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/gwutils"
	"github.com/xiaonanln/cellworld/engine/proto"
)

// Channel is the connection of a session to the server
type Channel interface {
	IsConnected() bool
	Send(msg proto.Message) error
}

// Receiver delivers the messages of the server
type Receiver interface {
	Recv() (proto.Message, error)
}

// SceneGraphFactory creates the scene graph node of new replicas
type SceneGraphFactory interface {
	CreateSceneGraph(r *Replica) interface{}
}

// Session holds the replicas of one client
type Session struct {
	channel Channel
	factory SceneGraphFactory

	lock     sync.Mutex
	clientID common.ClientID
	replicas map[common.CellID]*Replica
	moveSeq  uint64
}

// NewSession creates a session over the channel. factory may be nil.
func NewSession(ch Channel, factory SceneGraphFactory) *Session {
	return &Session{
		channel:  ch,
		factory:  factory,
		replicas: map[common.CellID]*Replica{},
	}
}

func (s *Session) String() string {
	return fmt.Sprintf("Session<%s>", s.ClientID())
}

// ClientID returns the id assigned by the server, if welcomed
func (s *Session) ClientID() common.ClientID {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.clientID
}

// SetClientID records the id assigned by the server
func (s *Session) SetClientID(id common.ClientID) {
	s.lock.Lock()
	s.clientID = id
	s.lock.Unlock()
}

// Replica returns the replica of the cell, or nil
func (s *Session) Replica(id common.CellID) *Replica {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.replicas[id]
}

// ReplicaIDs returns the ids of all replicas, sorted
func (s *Session) ReplicaIDs() []common.CellID {
	s.lock.Lock()
	defer s.lock.Unlock()
	ids := make([]common.CellID, 0, len(s.replicas))
	for id := range s.replicas {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Serve handles the messages of rcv until it fails
func (s *Session) Serve(rcv Receiver) error {
	for {
		msg, err := rcv.Recv()
		if err != nil {
			return err
		}
		s.Handle(msg)
	}
}

// Handle applies a message of the server. Stale cell updates are ignored.
func (s *Session) Handle(msg proto.Message) {
	var created *Replica
	s.lock.Lock()
	switch m := msg.(type) {
	case *proto.Welcome:
		s.clientID = m.ClientID
	case *proto.EntityCreate:
		created = s.onCreate(m)
	case *proto.AttributeChanged:
		if r := s.fresh(m.CellID, m.Version); r != nil {
			r.parentID = m.ParentID
			r.name = m.Name
			r.transform = m.Transform
			r.bounds = m.Bounds
			r.state = m.State
			r.settle()
		}
	case *proto.Moved:
		if r := s.fresh(m.CellID, m.Version); r != nil {
			r.transform = m.Transform
			r.settle()
		}
	case *proto.AvatarMoved:
		if r := s.fresh(m.CellID, m.Version); r != nil {
			r.transform = m.Transform
			r.setTrigger(m.TriggerID, m.Pressed)
			r.settle()
		}
	case *proto.MoveRejected:
		if r := s.replicas[m.CellID]; r != nil && r.moveSeq == m.Seq {
			gwlog.Warnf("Session<%s>: move of %s rejected: %s", s.clientID, m.CellID, m.Reason)
			r.transform = m.Transform
			r.moveState = Idle
		}
	case *proto.EntityRemove:
		delete(s.replicas, m.CellID)
	case *proto.ChannelMessage:
		// channel messages are for the application, see Channel handlers
	default:
		gwlog.Warnf("Session<%s>: ignored %s", s.clientID, msg.MsgType())
	}
	s.lock.Unlock()

	if created != nil && s.factory != nil {
		var scene interface{}
		gwutils.RunPanicless(func() {
			scene = s.factory.CreateSceneGraph(created)
		})
		s.lock.Lock()
		created.scene = scene
		s.lock.Unlock()
	}
}

// onCreate is called with s.lock held. A create for a known cell refreshes it.
func (s *Session) onCreate(m *proto.EntityCreate) *Replica {
	r := s.replicas[m.CellID]
	isNew := r == nil
	if isNew {
		r = &Replica{session: s, id: m.CellID, triggers: common.StringSet{}}
		s.replicas[m.CellID] = r
	} else if m.Version <= r.version {
		return nil
	}
	r.parentID = m.ParentID
	r.typeName = m.TypeName
	r.name = m.Name
	r.version = m.Version
	r.transform = m.Transform
	r.bounds = m.Bounds
	r.state = m.State
	if list, ok := m.State["triggers"].([]interface{}); ok {
		for _, t := range list {
			if trigger, ok := t.(string); ok {
				r.triggers.Add(trigger)
			}
		}
	}
	if isNew {
		return r
	}
	return nil
}

// fresh returns the replica if version is newer than what it has, and takes the version.
// Called with s.lock held.
func (s *Session) fresh(id common.CellID, version uint64) *Replica {
	r := s.replicas[id]
	if r == nil || version <= r.version {
		return nil
	}
	r.version = version
	return r
}
