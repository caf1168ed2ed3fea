// Package transport carries router messages over websocket connections.
//
// A client opens a session by sending Hello as its first message. The server
// answers Welcome with the assigned client id, hands the connection to the
// router and dispatches every further message through it.
package transport

import (
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/consts"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/netutil"
	"github.com/xiaonanln/cellworld/engine/opmon"
	"github.com/xiaonanln/cellworld/engine/proto"
	"github.com/xiaonanln/cellworld/engine/router"
	"golang.org/x/net/websocket"
)

// Server accepts websocket client connections for a router
type Server struct {
	router           *router.Router
	HandshakeTimeout time.Duration
	QueueSize        int
}

// NewServer creates a server for the router
func NewServer(r *router.Router) *Server {
	return &Server{
		router:           r,
		HandshakeTimeout: consts.CLIENT_HANDSHAKE_TIMEOUT,
		QueueSize:        consts.CLIENT_OUTBOUND_QUEUE_SIZE,
	}
}

func (s *Server) String() string {
	return fmt.Sprintf("TransportServer<%d clients>", s.router.NumConns())
}

// Handler returns the http handler serving websocket connections. Origins
// are not checked.
func (s *Server) Handler() http.Handler {
	return websocket.Server{Handler: s.ServeWebSocket}
}

// ServeWebSocket serves one websocket connection until it is closed
func (s *Server) ServeWebSocket(ws *websocket.Conn) {
	ws.PayloadType = websocket.BinaryFrame

	hello, err := s.handshake(ws)
	if err != nil {
		gwlog.Warnf("%s: handshake with %s failed: %v", s, ws.Request().RemoteAddr, err)
		opmon.Event("transport.handshake_failed")
		ws.Close()
		return
	}

	conn := newClientConn(ws, hello, s.QueueSize)
	go conn.writeLoop()
	// Welcome goes first, before anything the client handler sends
	conn.Send(&proto.Welcome{ClientID: conn.ClientID()})
	if err := s.router.Connect(conn); err != nil {
		gwlog.Warnf("%s: %s rejected: %v", s, conn, err)
		opmon.Event("transport.rejected")
		conn.Close()
		return
	}
	gwlog.Infof("%s: %s connected (%s, %s)", s, conn, hello.ConnectionType, hello.Protocol)

	defer func() {
		conn.Close()
		s.router.Disconnect(conn)
		gwlog.Infof("%s: %s disconnected", s, conn)
	}()

	for {
		data, err := conn.recv()
		if err != nil {
			if !netutil.IsConnectionError(err) {
				gwlog.Warnf("%s: read from %s failed: %v", s, conn, err)
			}
			return
		}
		// protocol errors are logged by the router and never disconnect
		s.router.DispatchData(conn, data)
	}
}

func (s *Server) handshake(ws *websocket.Conn) (*proto.Hello, error) {
	if s.HandshakeTimeout > 0 {
		ws.SetReadDeadline(time.Now().Add(s.HandshakeTimeout))
		defer ws.SetReadDeadline(time.Time{})
	}

	var data []byte
	if err := websocket.Message.Receive(ws, &data); err != nil {
		return nil, errors.Wrap(common.ErrTransientIO, err.Error())
	}
	msg, err := proto.Decode(data)
	if err != nil {
		return nil, err
	}
	hello, ok := msg.(*proto.Hello)
	if !ok {
		return nil, errors.Wrapf(common.ErrProtocol, "expect Hello, got %s", msg.MsgType())
	}
	protocol := s.router.Registry().GetProtocol(hello.Protocol)
	if protocol == nil {
		return nil, errors.Wrapf(common.ErrProtocol, "unknown protocol %q", hello.Protocol)
	}
	if protocol.Version() != hello.Version {
		return nil, errors.Wrapf(common.ErrProtocol, "protocol %s version %d, server has %d", hello.Protocol, hello.Version, protocol.Version())
	}
	if s.router.Registry().GetClientHandler(hello.ConnectionType) == nil {
		return nil, errors.Wrapf(common.ErrProtocol, "no client handler for connection type %q", hello.ConnectionType)
	}
	return hello, nil
}
