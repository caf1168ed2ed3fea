package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/consts"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/gwutils"
	"github.com/xiaonanln/cellworld/engine/opmon"
	"github.com/xiaonanln/cellworld/engine/proto"
)

// Conn is a client connection as seen by the router
type Conn interface {
	ClientID() common.ClientID
	ConnectionType() string
	Protocol() string
	Capabilities() common.StringSet
	IsConnected() bool
	// Send queues the message; messages are delivered in Send order
	Send(msg proto.Message) error
	Close()
}

// Router keeps the connected clients and dispatches their messages
type Router struct {
	registry *Registry

	lock     sync.RWMutex
	conns    map[common.ClientID]Conn
	sessions map[common.ClientID][]SessionListener
}

// New creates a router using the registry
func New(registry *Registry) *Router {
	return &Router{
		registry: registry,
		conns:    map[common.ClientID]Conn{},
		sessions: map[common.ClientID][]SessionListener{},
	}
}

func (r *Router) String() string {
	return fmt.Sprintf("Router<%d clients>", r.NumConns())
}

// Registry returns the registry of the router
func (r *Router) Registry() *Registry {
	return r.registry
}

// Connect adds the connection. It fails if no client handler serves the
// connection type or the protocol of the connection is not registered.
func (r *Router) Connect(conn Conn) error {
	handler := r.registry.GetClientHandler(conn.ConnectionType())
	if handler == nil {
		return errors.Wrapf(common.ErrProtocol, "no client handler for connection type %q", conn.ConnectionType())
	}
	protocol := r.registry.GetProtocol(conn.Protocol())
	if protocol == nil {
		return errors.Wrapf(common.ErrProtocol, "unknown protocol %q", conn.Protocol())
	}

	r.lock.Lock()
	if _, ok := r.conns[conn.ClientID()]; ok {
		r.lock.Unlock()
		return errors.Errorf("client %s already connected", conn.ClientID())
	}
	r.conns[conn.ClientID()] = conn
	r.lock.Unlock()

	var listener SessionListener
	gwutils.RunPanicless(func() {
		listener = protocol.NewSessionListener(conn)
	})
	if listener != nil {
		r.lock.Lock()
		r.sessions[conn.ClientID()] = append(r.sessions[conn.ClientID()], listener)
		r.lock.Unlock()
	}

	if consts.DEBUG_CLIENTS {
		gwlog.Debugf("%s: client %s connected (%s)", r, conn.ClientID(), conn.ConnectionType())
	}
	opmon.SetGauge("router_clients", float64(r.NumConns()))
	gwutils.RunPanicless(func() {
		handler.OnClientConnected(conn)
	})
	return nil
}

// Disconnect removes the connection. Unknown connections are ignored.
func (r *Router) Disconnect(conn Conn) {
	r.lock.Lock()
	if cur, ok := r.conns[conn.ClientID()]; !ok || cur != conn {
		r.lock.Unlock()
		return
	}
	delete(r.conns, conn.ClientID())
	listeners := r.sessions[conn.ClientID()]
	delete(r.sessions, conn.ClientID())
	r.lock.Unlock()

	for _, l := range listeners {
		gwutils.RunPanicless(l.OnSessionClosed)
	}
	if consts.DEBUG_CLIENTS {
		gwlog.Debugf("%s: client %s disconnected", r, conn.ClientID())
	}
	opmon.SetGauge("router_clients", float64(r.NumConns()))
	if handler := r.registry.GetClientHandler(conn.ConnectionType()); handler != nil {
		gwutils.RunPanicless(func() {
			handler.OnClientDisconnected(conn)
		})
	}
}

// GetConn returns the connection of the client, or nil
func (r *Router) GetConn(id common.ClientID) Conn {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.conns[id]
}

// NumConns returns the number of connected clients
func (r *Router) NumConns() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.conns)
}

// Dispatch calls the handler of the message. Messages without a handler are
// logged and dropped, and a panicking handler never escapes Dispatch. The
// returned error wraps common.ErrProtocol when the message was dropped.
func (r *Router) Dispatch(conn Conn, msg proto.Message) error {
	if consts.DEBUG_PACKETS {
		gwlog.Debugf("%s: %s <<< %s %+v", r, conn.ClientID(), msg.MsgType(), msg)
	}
	handler := r.registry.lookupHandler(msg)
	if handler == nil {
		gwlog.Warnf("%s: dropped %s from client %s: no handler", r, msg.MsgType(), conn.ClientID())
		opmon.Event("router.dropped")
		return errors.Wrapf(common.ErrProtocol, "no handler for %s", msg.MsgType())
	}

	monop := opmon.StartOperation("router.dispatch")
	defer monop.Finish(time.Millisecond * 100)
	if gwutils.RunPanicless(func() {
		handler(conn, msg)
	}) {
		opmon.Event("router.handler_panic")
	}
	return nil
}

// DispatchData decodes the packet and dispatches the message. Malformed
// packets are logged and dropped.
func (r *Router) DispatchData(conn Conn, data []byte) error {
	msg, err := proto.Decode(data)
	if err != nil {
		gwlog.Warnf("%s: dropped packet from client %s: %v", r, conn.ClientID(), err)
		opmon.Event("router.malformed")
		return err
	}
	return r.Dispatch(conn, msg)
}

// Sender returns the sender addressing the clients of the connection type.
// An empty connection type addresses every client.
func (r *Router) Sender(connType string) *Sender {
	return &Sender{router: r, connType: connType}
}

// Sender sends messages to clients of one connection type
type Sender struct {
	router   *Router
	connType string
}

func (s *Sender) matches(conn Conn) bool {
	return s.connType == "" || conn.ConnectionType() == s.connType
}

// Send sends the message to the client. Sending to a disconnected client is
// logged and fails with an error wrapping common.ErrTransientIO.
func (s *Sender) Send(id common.ClientID, msg proto.Message) error {
	conn := s.router.GetConn(id)
	if conn == nil || !s.matches(conn) || !conn.IsConnected() {
		gwlog.Warnf("%s: send %s to client %s: not connected", s.router, msg.MsgType(), id)
		opmon.Event("router.send_disconnected")
		return errors.Wrapf(common.ErrTransientIO, "client %s not connected", id)
	}
	if consts.DEBUG_PACKETS {
		gwlog.Debugf("%s: %s >>> %s %+v", s.router, id, msg.MsgType(), msg)
	}
	if err := conn.Send(msg); err != nil {
		gwlog.Warnf("%s: send %s to client %s failed: %v", s.router, msg.MsgType(), id, err)
		return errors.Wrapf(common.ErrTransientIO, "send to client %s: %v", id, err)
	}
	return nil
}

// SendSet sends the message once to every client in the union of the sets.
// It returns the number of clients the message was sent to.
func (s *Sender) SendSet(msg proto.Message, sets ...common.ClientIDSet) int {
	sent := 0
	for _, id := range common.UnionClientIDs(sets...).ToList() {
		if s.Send(id, msg) == nil {
			sent++
		}
	}
	return sent
}

// Broadcast sends the message to every connected client of the connection
// type except the excluded ones
func (s *Sender) Broadcast(msg proto.Message, except ...common.ClientID) int {
	excluded := common.ClientIDSet{}
	for _, id := range except {
		excluded.Add(id)
	}

	s.router.lock.RLock()
	targets := make([]Conn, 0, len(s.router.conns))
	for id, conn := range s.router.conns {
		if s.matches(conn) && !excluded.Contains(id) && conn.IsConnected() {
			targets = append(targets, conn)
		}
	}
	s.router.lock.RUnlock()

	sent := 0
	for _, conn := range targets {
		if err := conn.Send(msg); err != nil {
			gwlog.Warnf("%s: broadcast %s to client %s failed: %v", s.router, msg.MsgType(), conn.ClientID(), err)
			continue
		}
		sent++
	}
	return sent
}
