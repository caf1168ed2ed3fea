package transport

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/consts"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/netutil"
	"github.com/xiaonanln/cellworld/engine/opmon"
	"github.com/xiaonanln/cellworld/engine/proto"
	"golang.org/x/net/websocket"
)

// ClientConn is a client connection served over websocket. Messages are
// encoded on Send and written by one goroutine in Send order.
type ClientConn struct {
	id       common.ClientID
	connType string
	protocol string
	caps     common.StringSet
	ws       *websocket.Conn

	sendQueue chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

func newClientConn(ws *websocket.Conn, hello *proto.Hello, queueSize int) *ClientConn {
	return &ClientConn{
		id:        common.GenClientID(),
		connType:  hello.ConnectionType,
		protocol:  hello.Protocol,
		caps:      common.NewStringSet(hello.Capabilities...),
		ws:        ws,
		sendQueue: make(chan []byte, queueSize),
		done:      make(chan struct{}),
	}
}

func (c *ClientConn) String() string {
	return fmt.Sprintf("ClientConn<%s@%s>", c.id, c.ws.Request().RemoteAddr)
}

// ClientID implements router.Conn
func (c *ClientConn) ClientID() common.ClientID { return c.id }

// ConnectionType implements router.Conn
func (c *ClientConn) ConnectionType() string { return c.connType }

// Protocol implements router.Conn
func (c *ClientConn) Protocol() string { return c.protocol }

// Capabilities implements router.Conn
func (c *ClientConn) Capabilities() common.StringSet { return c.caps }

// IsConnected implements router.Conn
func (c *ClientConn) IsConnected() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Send queues the message. A client which does not drain its queue is
// disconnected rather than blocking the sender.
func (c *ClientConn) Send(msg proto.Message) error {
	data, err := proto.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errors.Wrapf(common.ErrTransientIO, "%s closed", c)
	default:
	}
	select {
	case c.sendQueue <- data:
		return nil
	default:
		gwlog.Warnf("%s: outbound queue full (%d), closing", c, cap(c.sendQueue))
		opmon.Event("transport.queue_full")
		c.Close()
		return errors.Wrapf(common.ErrTransientIO, "%s outbound queue full", c)
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *ClientConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *ClientConn) writeLoop() {
	for {
		select {
		case data := <-c.sendQueue:
			if err := websocket.Message.Send(c.ws, data); err != nil {
				if !netutil.IsConnectionError(err) {
					gwlog.Warnf("%s: write failed: %v", c, err)
				}
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *ClientConn) recv() ([]byte, error) {
	var data []byte
	if err := websocket.Message.Receive(c.ws, &data); err != nil {
		return nil, err
	}
	if consts.DEBUG_PACKETS {
		gwlog.Debugf("%s: received %d bytes", c, len(data))
	}
	return data, nil
}
