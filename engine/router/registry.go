package router

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/proto"
)

var (
	// ErrRegistryFrozen is returned by registrations after Freeze
	ErrRegistryFrozen = errors.New("registry is frozen")
	// ErrDuplicateClientHandler is returned when a connection type already has a handler
	ErrDuplicateClientHandler = errors.New("client handler already registered")
)

// Protocol is a named protocol clients open sessions on
type Protocol interface {
	Name() string
	Version() int
	// NewSessionListener is called for every connection speaking the protocol
	NewSessionListener(conn Conn) SessionListener
}

// BasicProtocol is a protocol with no per session state
type BasicProtocol struct {
	ProtocolName    string
	ProtocolVersion int
}

// Name implements Protocol
func (p *BasicProtocol) Name() string { return p.ProtocolName }

// Version implements Protocol
func (p *BasicProtocol) Version() int { return p.ProtocolVersion }

// NewSessionListener implements Protocol
func (p *BasicProtocol) NewSessionListener(conn Conn) SessionListener { return nil }

// SessionListener observes one session
type SessionListener interface {
	OnSessionClosed()
}

// ClientHandler serves the connections of one connection type
type ClientHandler interface {
	ConnectionType() string
	OnClientConnected(conn Conn)
	OnClientDisconnected(conn Conn)
}

// MessageHandler handles an inbound message
type MessageHandler func(conn Conn, msg proto.Message)

type cellHandlerKey struct {
	cellID  common.CellID
	msgType proto.MsgType
}

// Registry holds the protocols, client handlers and message handlers of a
// router. Protocols and client handlers are registered at startup, Freeze
// ends the registration. Per cell handlers come and go with their cells.
type Registry struct {
	lock            sync.RWMutex
	frozen          bool
	protocols       map[string]Protocol
	clientHandlers  map[string]ClientHandler
	messageHandlers map[proto.MsgType]MessageHandler
	cellHandlers    map[cellHandlerKey]MessageHandler
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		protocols:       map[string]Protocol{},
		clientHandlers:  map[string]ClientHandler{},
		messageHandlers: map[proto.MsgType]MessageHandler{},
		cellHandlers:    map[cellHandlerKey]MessageHandler{},
	}
}

// Freeze rejects further protocol, client handler and message handler registrations
func (reg *Registry) Freeze() {
	reg.lock.Lock()
	reg.frozen = true
	reg.lock.Unlock()
}

// IsFrozen returns if the registry is frozen
func (reg *Registry) IsFrozen() bool {
	reg.lock.RLock()
	defer reg.lock.RUnlock()
	return reg.frozen
}

// RegisterProtocol registers the protocol under its name, replacing any
// protocol registered with the same name
func (reg *Registry) RegisterProtocol(p Protocol) error {
	reg.lock.Lock()
	defer reg.lock.Unlock()
	if reg.frozen {
		return errors.Wrapf(ErrRegistryFrozen, "register protocol %s", p.Name())
	}
	if old, ok := reg.protocols[p.Name()]; ok {
		gwlog.Infof("protocol %s version %d replaced by version %d", p.Name(), old.Version(), p.Version())
	}
	reg.protocols[p.Name()] = p
	return nil
}

// UnregisterProtocol removes the protocol. Unknown names are ignored.
func (reg *Registry) UnregisterProtocol(name string) {
	reg.lock.Lock()
	delete(reg.protocols, name)
	reg.lock.Unlock()
}

// GetProtocol returns the protocol of the name, or nil
func (reg *Registry) GetProtocol(name string) Protocol {
	reg.lock.RLock()
	defer reg.lock.RUnlock()
	return reg.protocols[name]
}

// RegisterClientHandler binds the handler to its connection type. A connection
// type has at most one handler.
func (reg *Registry) RegisterClientHandler(h ClientHandler) error {
	reg.lock.Lock()
	defer reg.lock.Unlock()
	if reg.frozen {
		return errors.Wrapf(ErrRegistryFrozen, "register client handler %s", h.ConnectionType())
	}
	if _, ok := reg.clientHandlers[h.ConnectionType()]; ok {
		return errors.Wrapf(ErrDuplicateClientHandler, "connection type %s", h.ConnectionType())
	}
	reg.clientHandlers[h.ConnectionType()] = h
	return nil
}

// GetClientHandler returns the handler of the connection type, or nil
func (reg *Registry) GetClientHandler(connType string) ClientHandler {
	reg.lock.RLock()
	defer reg.lock.RUnlock()
	return reg.clientHandlers[connType]
}

// RegisterMessageHandler sets the handler of a message type
func (reg *Registry) RegisterMessageHandler(msgType proto.MsgType, h MessageHandler) error {
	reg.lock.Lock()
	defer reg.lock.Unlock()
	if reg.frozen {
		return errors.Wrapf(ErrRegistryFrozen, "register message handler %s", msgType)
	}
	reg.messageHandlers[msgType] = h
	return nil
}

// RegisterCellHandler sets the handler of one message type addressed to the cell.
// Cell handlers take precedence over message handlers.
func (reg *Registry) RegisterCellHandler(cellID common.CellID, msgType proto.MsgType, h MessageHandler) {
	reg.lock.Lock()
	reg.cellHandlers[cellHandlerKey{cellID, msgType}] = h
	reg.lock.Unlock()
}

// UnregisterCellHandler removes the cell handler. Unknown handlers are ignored.
func (reg *Registry) UnregisterCellHandler(cellID common.CellID, msgType proto.MsgType) {
	reg.lock.Lock()
	delete(reg.cellHandlers, cellHandlerKey{cellID, msgType})
	reg.lock.Unlock()
}

// HasCellHandler returns if the cell has a handler for the message type
func (reg *Registry) HasCellHandler(cellID common.CellID, msgType proto.MsgType) bool {
	reg.lock.RLock()
	defer reg.lock.RUnlock()
	_, ok := reg.cellHandlers[cellHandlerKey{cellID, msgType}]
	return ok
}

func (reg *Registry) lookupHandler(msg proto.Message) MessageHandler {
	reg.lock.RLock()
	defer reg.lock.RUnlock()
	if cm, ok := msg.(proto.CellMessage); ok {
		if h := reg.cellHandlers[cellHandlerKey{cm.TargetCell(), msg.MsgType()}]; h != nil {
			return h
		}
	}
	return reg.messageHandlers[msg.MsgType()]
}

func (reg *Registry) protocolList() []Protocol {
	reg.lock.RLock()
	defer reg.lock.RUnlock()
	list := make([]Protocol, 0, len(reg.protocols))
	for _, p := range reg.protocols {
		list = append(list, p)
	}
	return list
}
