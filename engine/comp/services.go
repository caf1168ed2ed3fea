// Package comp implements the standard cell components: movement, avatar
// movement, named channels, content links and proximity.
package comp

import (
	"sync"
	"time"

	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/config"
	"github.com/xiaonanln/cellworld/engine/entity"
	"github.com/xiaonanln/cellworld/engine/projector"
	"github.com/xiaonanln/cellworld/engine/proto"
	"github.com/xiaonanln/cellworld/engine/router"
	"github.com/xiaonanln/cellworld/engine/spatial"
)

// Capabilities of the standard components
const (
	CapMovable       = "movable"
	CapAvatarMovable = "avatarMovable"
	CapChannel       = "channel"
	CapContentLink   = "contentLink"
	CapProximity     = "proximity"
)

// Services is what the standard components need from the server
type Services struct {
	World     *entity.World
	Router    *router.Router
	Projector *projector.Projector // optional: moves go straight to the router without it

	MovePolicy        MovePolicy
	BroadcastInterval time.Duration // min interval between move broadcasts of one cell
	Fetcher           AssetFetcher
	Proximity         *ProximityService
	RelayChannels     bool // relay channel messages to the other observers of the cell

	lock     sync.Mutex
	movables map[common.CellID]*Movable
}

// NewServices creates the services of the world, configured by the [movable] config
func NewServices(world *entity.World, r *router.Router, p *projector.Projector, cfg *config.MovableConfig) *Services {
	return &Services{
		World:             world,
		Router:            r,
		Projector:         p,
		MovePolicy:        MovePolicy{MaxMoveDistance: spatial.Coord(cfg.MaxMoveDistance)},
		BroadcastInterval: cfg.BroadcastInterval,
		RelayChannels:     true,
		movables:          map[common.CellID]*Movable{},
	}
}

// Register registers the factories of the standard components in the world
func (s *Services) Register() {
	s.World.RegisterComponent(CapMovable, func() entity.Component {
		return newMovable(s, CapMovable)
	})
	s.World.RegisterComponent(CapAvatarMovable, func() entity.Component {
		return NewAvatarMovable(s)
	})
	s.World.RegisterComponent(CapChannel, func() entity.Component {
		return NewChannel(s)
	})
	s.World.RegisterComponent(CapContentLink, func() entity.Component {
		return NewContentLink(s)
	})
	if s.Proximity != nil {
		s.World.RegisterComponent(CapProximity, func() entity.Component {
			return NewProximity(s.Proximity)
		})
	}
}

func (s *Services) addMovable(m *Movable) {
	s.lock.Lock()
	if s.movables == nil {
		s.movables = map[common.CellID]*Movable{}
	}
	s.movables[m.CellID()] = m
	s.lock.Unlock()
}

func (s *Services) removeMovable(m *Movable) {
	s.lock.Lock()
	if s.movables[m.CellID()] == m {
		delete(s.movables, m.CellID())
	}
	s.lock.Unlock()
}

// FlushMoves sends the throttled moves of every movable cell. Returns the
// number of cells whose move was sent.
func (s *Services) FlushMoves() int {
	s.lock.Lock()
	movables := make([]*Movable, 0, len(s.movables))
	for _, m := range s.movables {
		movables = append(movables, m)
	}
	s.lock.Unlock()

	n := 0
	for _, m := range movables {
		if m.Flush() {
			n++
		}
	}
	return n
}

// publish sends a per cell message to the observers, skipping except
func (s *Services) publish(msg proto.CellMessage, version uint64, observers []common.ClientID, except common.ClientID) int {
	if s.Projector != nil {
		return s.Projector.Publish(msg, version, observers, except)
	}
	targets := common.ClientIDSet{}
	for _, id := range observers {
		if id != except {
			targets.Add(id)
		}
	}
	return s.Router.Sender("").SendSet(msg, targets)
}
