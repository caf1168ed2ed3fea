package comp

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/entity"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/opmon"
	"github.com/xiaonanln/cellworld/engine/proto"
	"github.com/xiaonanln/cellworld/engine/router"
)

// ChannelHandler handles a message a client sent on a channel
type ChannelHandler func(from common.ClientID, data map[string]interface{})

// Channel carries named message channels of a cell between its observers and
// the server. Messages on unknown channels are dropped.
type Channel struct {
	entity.ComponentBase
	services *Services

	lock     sync.RWMutex
	cell     *entity.Cell // nil once detached
	channels map[string]ChannelHandler
}

// NewChannel creates a Channel component
func NewChannel(s *Services) *Channel {
	return &Channel{services: s, channels: map[string]ChannelHandler{}}
}

func (ch *Channel) String() string {
	return fmt.Sprintf("Channel<%s>", ch.CellID())
}

// Capability implements entity.Component
func (ch *Channel) Capability() string {
	return CapChannel
}

// OnAttached records the owner
func (ch *Channel) OnAttached(cell *entity.Cell) {
	ch.ComponentBase.OnAttached(cell)
	ch.lock.Lock()
	ch.cell = cell
	ch.lock.Unlock()
}

// OnActivated starts receiving channel messages
func (ch *Channel) OnActivated() {
	ch.services.Router.Registry().RegisterCellHandler(ch.CellID(), proto.MT_CHANNEL_MESSAGE, func(conn router.Conn, msg proto.Message) {
		ch.receive(conn, msg.(*proto.ChannelMessage))
	})
}

// OnDetached stops receiving channel messages
func (ch *Channel) OnDetached() {
	ch.services.Router.Registry().UnregisterCellHandler(ch.CellID(), proto.MT_CHANNEL_MESSAGE)
	ch.lock.Lock()
	ch.cell = nil
	ch.lock.Unlock()
	ch.ComponentBase.OnDetached()
}

// Open opens the named channel. h may be nil for channels which are only relayed.
func (ch *Channel) Open(name string, h ChannelHandler) {
	ch.lock.Lock()
	ch.channels[name] = h
	ch.lock.Unlock()
}

// Close closes the named channel
func (ch *Channel) Close(name string) {
	ch.lock.Lock()
	delete(ch.channels, name)
	ch.lock.Unlock()
}

// Names returns the open channels, sorted
func (ch *Channel) Names() []string {
	ch.lock.RLock()
	defer ch.lock.RUnlock()
	names := make([]string, 0, len(ch.channels))
	for name := range ch.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (ch *Channel) lookup(name string) (ChannelHandler, *entity.Cell, bool) {
	ch.lock.RLock()
	defer ch.lock.RUnlock()
	h, ok := ch.channels[name]
	return h, ch.cell, ok
}

func (ch *Channel) receive(conn router.Conn, msg *proto.ChannelMessage) {
	h, cell, ok := ch.lookup(msg.Channel)
	if !ok || cell == nil {
		gwlog.Warnf("%s: dropped message from %s on unknown channel %q", ch, conn.ClientID(), msg.Channel)
		opmon.Event("channel.unknown")
		return
	}
	if h != nil {
		h(conn.ClientID(), msg.Data)
	}
	if ch.services.RelayChannels {
		ch.send(cell, msg, conn.ClientID())
	}
}

// Publish sends data on the named channel to every observer of the cell.
// Returns the number of clients the message was sent to.
func (ch *Channel) Publish(name string, data map[string]interface{}) int {
	_, cell, ok := ch.lookup(name)
	if !ok || cell == nil {
		gwlog.Warnf("%s: publish on unknown channel %q", ch, name)
		return 0
	}
	return ch.send(cell, &proto.ChannelMessage{CellID: ch.CellID(), Channel: name, Data: data}, "")
}

func (ch *Channel) send(cell *entity.Cell, msg *proto.ChannelMessage, except common.ClientID) int {
	targets := common.ClientIDSet{}
	for _, id := range cell.Observers() {
		if id != except {
			targets.Add(id)
		}
	}
	return ch.services.Router.Sender("").SendSet(msg, targets)
}
