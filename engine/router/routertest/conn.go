// Package routertest provides an in-memory router.Conn for tests
package routertest

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/proto"
)

// Conn records every message sent to it
type Conn struct {
	ID       common.ClientID
	ConnType string
	Proto    string
	Caps     common.StringSet

	lock         sync.Mutex
	disconnected bool
	sent         []proto.Message
}

// NewConn creates a connected Conn speaking protocol "cellworld"
func NewConn(id common.ClientID, connType string, caps ...string) *Conn {
	return &Conn{
		ID:       id,
		ConnType: connType,
		Proto:    "cellworld",
		Caps:     common.NewStringSet(caps...),
	}
}

// ClientID implements router.Conn
func (c *Conn) ClientID() common.ClientID { return c.ID }

// ConnectionType implements router.Conn
func (c *Conn) ConnectionType() string { return c.ConnType }

// Protocol implements router.Conn
func (c *Conn) Protocol() string { return c.Proto }

// Capabilities implements router.Conn
func (c *Conn) Capabilities() common.StringSet { return c.Caps }

// IsConnected implements router.Conn
func (c *Conn) IsConnected() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return !c.disconnected
}

// Send implements router.Conn
func (c *Conn) Send(msg proto.Message) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.disconnected {
		return errors.New("connection closed")
	}
	c.sent = append(c.sent, msg)
	return nil
}

// Close implements router.Conn
func (c *Conn) Close() {
	c.lock.Lock()
	c.disconnected = true
	c.lock.Unlock()
}

// Sent returns the messages sent so far
func (c *Conn) Sent() []proto.Message {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]proto.Message(nil), c.sent...)
}

// Take returns the messages sent so far and forgets them
func (c *Conn) Take() []proto.Message {
	c.lock.Lock()
	defer c.lock.Unlock()
	sent := c.sent
	c.sent = nil
	return sent
}

// SentOfType returns the sent messages of the type
func (c *Conn) SentOfType(t proto.MsgType) []proto.Message {
	var msgs []proto.Message
	for _, msg := range c.Sent() {
		if msg.MsgType() == t {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}
