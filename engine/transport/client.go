package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/proto"
	"golang.org/x/net/websocket"
)

// Client is the client side of a websocket session
type Client struct {
	ClientID common.ClientID

	ws        *websocket.Conn
	sendLock  sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to the websocket url, sends hello and waits for Welcome
func Dial(url string, hello *proto.Hello, timeout time.Duration) (*Client, error) {
	ws, err := websocket.Dial(url, "", "http://localhost/")
	if err != nil {
		return nil, errors.Wrap(common.ErrTransientIO, err.Error())
	}
	ws.PayloadType = websocket.BinaryFrame
	c := &Client{ws: ws, closed: make(chan struct{})}

	if err := c.Send(hello); err != nil {
		c.Close()
		return nil, err
	}
	if timeout > 0 {
		ws.SetReadDeadline(time.Now().Add(timeout))
	}
	msg, err := c.Recv()
	if err != nil {
		c.Close()
		return nil, err
	}
	ws.SetReadDeadline(time.Time{})
	welcome, ok := msg.(*proto.Welcome)
	if !ok {
		c.Close()
		return nil, errors.Wrapf(common.ErrProtocol, "expect Welcome, got %s", msg.MsgType())
	}
	c.ClientID = welcome.ClientID
	return c, nil
}

func (c *Client) String() string {
	return fmt.Sprintf("Client<%s>", c.ClientID)
}

// IsConnected returns false once the client is closed
func (c *Client) IsConnected() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

// Send sends the message to the server
func (c *Client) Send(msg proto.Message) error {
	if !c.IsConnected() {
		return errors.Wrapf(common.ErrTransientIO, "%s closed", c)
	}
	data, err := proto.Encode(msg)
	if err != nil {
		return err
	}
	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	if err := websocket.Message.Send(c.ws, data); err != nil {
		return errors.Wrap(common.ErrTransientIO, err.Error())
	}
	return nil
}

// Recv blocks until the next message from the server arrives
func (c *Client) Recv() (proto.Message, error) {
	var data []byte
	if err := websocket.Message.Receive(c.ws, &data); err != nil {
		c.Close()
		return nil, errors.Wrap(common.ErrTransientIO, err.Error())
	}
	return proto.Decode(data)
}

// Close closes the connection
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}
