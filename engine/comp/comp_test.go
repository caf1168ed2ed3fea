package comp

import (
	"math"
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/config"
	"github.com/xiaonanln/cellworld/engine/entity"
	"github.com/xiaonanln/cellworld/engine/post"
	"github.com/xiaonanln/cellworld/engine/projector"
	"github.com/xiaonanln/cellworld/engine/proto"
	"github.com/xiaonanln/cellworld/engine/router"
	"github.com/xiaonanln/cellworld/engine/router/routertest"
	"github.com/xiaonanln/cellworld/engine/spatial"
)

type Prop struct {
	entity.Cell
}

func (p *Prop) DescribeCellType(desc *entity.CellTypeDesc) {
	desc.AddComponent(CapMovable)
	desc.AddComponent(CapContentLink)
	desc.AddComponent(CapChannel)
}

type Avatar struct {
	entity.Cell
}

func (a *Avatar) DescribeCellType(desc *entity.CellTypeDesc) {
	desc.AddComponent(CapAvatarMovable)
}

type Speaker struct {
	entity.Cell
}

func (s *Speaker) DescribeCellType(desc *entity.CellTypeDesc) {
	desc.AddComponent(CapProximity)
}

type fixture struct {
	world    *entity.World
	router   *router.Router
	services *Services
}

func newFixture(t *testing.T, cfg config.MovableConfig) *fixture {
	w := entity.NewWorld(nil)
	reg := router.NewRegistry()
	reg.RegisterProtocol(&router.BasicProtocol{ProtocolName: "cellworld", ProtocolVersion: 1})
	r := router.New(reg)
	p := projector.New(w, r, "viewer", common.NewStringSet())
	assert.Equal(t, nil, reg.RegisterClientHandler(p))

	s := NewServices(w, r, p, &cfg)
	s.Proximity = NewProximityService(w, 100)
	s.Register()
	w.RegisterCellType("Prop", &Prop{})
	w.RegisterCellType("Avatar", &Avatar{})
	w.RegisterCellType("Speaker", &Speaker{})
	return &fixture{world: w, router: r, services: s}
}

func (f *fixture) create(t *testing.T, typeName string, id common.CellID, pos spatial.Vector3) {
	err := f.world.Transact(func(tx *entity.Txn) error {
		c, err := tx.CreateCell(typeName, id)
		if err != nil {
			return err
		}
		if err := c.SetLocalTransform(spatial.Translate(pos)); err != nil {
			return err
		}
		return c.Activate()
	})
	assert.Equal(t, nil, err)
}

func (f *fixture) connect(t *testing.T, id common.ClientID) *routertest.Conn {
	conn := routertest.NewConn(id, "viewer")
	assert.Equal(t, nil, f.router.Connect(conn))
	conn.Take()
	return conn
}

func (f *fixture) component(id common.CellID, capability string) entity.Component {
	var comp entity.Component
	f.world.View(func() {
		if c := f.world.GetCell(id); c != nil {
			comp = c.GetComponent(capability)
		}
	})
	return comp
}

func (f *fixture) transform(id common.CellID) spatial.Transform {
	var tr spatial.Transform
	f.world.View(func() {
		tr = f.world.GetCell(id).LocalTransform()
	})
	return tr
}

func moveTo(id common.CellID, x spatial.Coord, seq uint64) *proto.MoveRequest {
	return &proto.MoveRequest{CellID: id, Transform: spatial.Translate(spatial.Vector3{X: x}), Seq: seq}
}

func TestServerMoveRequestBroadcastsToOtherObservers(t *testing.T) {
	f := newFixture(t, config.MovableConfig{})
	f.create(t, "Prop", "box", spatial.Vector3{})
	a := f.connect(t, "a")
	b := f.connect(t, "b")

	assert.Equal(t, nil, f.router.Dispatch(a, moveTo("box", 3, 1)))
	assert.Equal(t, spatial.Translate(spatial.Vector3{X: 3}), f.transform("box"))

	assert.Equal(t, 0, len(a.Take()))
	sent := b.Take()
	assert.Equal(t, 1, len(sent))
	moved := sent[0].(*proto.Moved)
	assert.Equal(t, spatial.Translate(spatial.Vector3{X: 3}), moved.Transform)
	version, _ := f.services.Projector.SentVersion("box", "b")
	assert.Equal(t, moved.Version, version)

	m := f.component("box", CapMovable).(*Movable)
	assert.Equal(t, spatial.Translate(spatial.Vector3{X: 3}), m.LastTransform())

	// moving to the current transform changes nothing
	assert.Equal(t, nil, f.router.Dispatch(a, moveTo("box", 3, 2)))
	assert.Equal(t, 0, len(b.Take()))
}

func TestMovePolicyRejects(t *testing.T) {
	f := newFixture(t, config.MovableConfig{MaxMoveDistance: 10})
	f.create(t, "Prop", "box", spatial.Vector3{X: 1})
	a := f.connect(t, "a")
	b := f.connect(t, "b")
	m := f.component("box", CapMovable).(*Movable)

	err := m.ServerMoveRequest(a, moveTo("box", 100, 7))
	var rejected *MoveRejectedError
	assert.T(t, errors.As(err, &rejected))
	assert.Equal(t, RejectTooFar, rejected.Reason)
	reply := a.Take()[0].(*proto.MoveRejected)
	assert.Equal(t, RejectTooFar, reply.Reason)
	assert.Equal(t, uint64(7), reply.Seq)
	assert.Equal(t, spatial.Translate(spatial.Vector3{X: 1}), reply.Transform)

	nan := moveTo("box", spatial.Coord(math.NaN()), 8)
	m.ServerMoveRequest(a, nan)
	assert.Equal(t, RejectNonFinite, a.Take()[0].(*proto.MoveRejected).Reason)

	assert.Equal(t, spatial.Translate(spatial.Vector3{X: 1}), f.transform("box"))
	assert.Equal(t, 0, len(b.Take()))

	f.world.Transact(func(tx *entity.Txn) error {
		tx.Cell("box").Destroy()
		return nil
	})
	a.Take()
	b.Take()
	m.ServerMoveRequest(a, moveTo("box", 2, 9))
	assert.Equal(t, RejectNotLive, a.Take()[0].(*proto.MoveRejected).Reason)
	err = f.router.Dispatch(a, moveTo("box", 2, 10))
	assert.T(t, errors.Is(err, common.ErrProtocol), "handler is gone with the cell")
}

func TestMoveBroadcastThrottle(t *testing.T) {
	f := newFixture(t, config.MovableConfig{BroadcastInterval: time.Hour})
	f.create(t, "Prop", "box", spatial.Vector3{})
	a := f.connect(t, "a")
	b := f.connect(t, "b")

	for i := 1; i <= 3; i++ {
		f.router.Dispatch(a, moveTo("box", spatial.Coord(i), uint64(i)))
	}
	sent := b.Take()
	assert.Equal(t, 1, len(sent))
	assert.Equal(t, spatial.Coord(1), sent[0].(*proto.Moved).Transform.Translation.X)

	assert.Equal(t, 1, f.services.FlushMoves())
	sent = b.Take()
	assert.Equal(t, 1, len(sent))
	assert.Equal(t, spatial.Coord(3), sent[0].(*proto.Moved).Transform.Translation.X)
	assert.Equal(t, 0, f.services.FlushMoves())
}

func TestAvatarMoveCarriesTrigger(t *testing.T) {
	f := newFixture(t, config.MovableConfig{})
	f.create(t, "Avatar", "me", spatial.Vector3{})
	a := f.connect(t, "a")
	b := f.connect(t, "b")
	avatar := f.component("me", CapAvatarMovable).(*AvatarMovable)

	req := &proto.AvatarMoveRequest{CellID: "me", Transform: spatial.Translate(spatial.Vector3{Z: 2}), TriggerID: "grab", Pressed: true}
	assert.Equal(t, nil, f.router.Dispatch(a, req))
	moved := b.Take()[0].(*proto.AvatarMoved)
	assert.Equal(t, "grab", moved.TriggerID)
	assert.T(t, moved.Pressed)
	assert.Equal(t, spatial.Coord(2), moved.Transform.Translation.Z)
	assert.T(t, avatar.IsPressed("grab"))

	// a trigger release without a move is still broadcast
	release := *req
	release.Pressed = false
	f.router.Dispatch(a, &release)
	released := b.Take()[0].(*proto.AvatarMoved)
	assert.T(t, !released.Pressed)
	assert.T(t, released.Version > moved.Version)
	assert.T(t, !avatar.IsPressed("grab"))

	f.router.Dispatch(a, &release)
	assert.Equal(t, 0, len(b.Take()))

	// plain moves work for avatars too
	f.router.Dispatch(a, moveTo("me", 1, 3))
	assert.Equal(t, 1, len(b.SentOfType(proto.MT_MOVED)))
}

func TestAvatarTriggersRoundTrip(t *testing.T) {
	f := newFixture(t, config.MovableConfig{})
	f.create(t, "Avatar", "me", spatial.Vector3{})
	a := f.connect(t, "a")
	f.router.Dispatch(a, &proto.AvatarMoveRequest{CellID: "me", Transform: spatial.Identity(), TriggerID: "jump", Pressed: true})

	var state entity.ServerState
	f.world.View(func() {
		state = f.world.GetCell("me").GetServerState(nil)
	})
	assert.Equal(t, []interface{}{"jump"}, state.Base().Components[CapAvatarMovable]["pressed"])

	f.create(t, "Avatar", "twin", spatial.Vector3{})
	f.world.Transact(func(tx *entity.Txn) error {
		return tx.Cell("twin").SetServerState(state)
	})
	assert.T(t, f.component("twin", CapAvatarMovable).(*AvatarMovable).IsPressed("jump"))
}

func TestChannel(t *testing.T) {
	f := newFixture(t, config.MovableConfig{})
	f.create(t, "Prop", "board", spatial.Vector3{})
	a := f.connect(t, "a")
	b := f.connect(t, "b")
	ch := f.component("board", CapChannel).(*Channel)

	var got []common.ClientID
	ch.Open("chat", func(from common.ClientID, data map[string]interface{}) {
		got = append(got, from)
	})
	assert.Equal(t, []string{"chat"}, ch.Names())

	msg := &proto.ChannelMessage{CellID: "board", Channel: "chat", Data: map[string]interface{}{"text": "hi"}}
	assert.Equal(t, nil, f.router.Dispatch(a, msg))
	assert.Equal(t, []common.ClientID{"a"}, got)
	assert.Equal(t, []proto.Message{msg}, b.Take())
	assert.Equal(t, 0, len(a.Take()))

	f.router.Dispatch(a, &proto.ChannelMessage{CellID: "board", Channel: "nope"})
	assert.Equal(t, 1, len(got))
	assert.Equal(t, 0, len(b.Take()))

	assert.Equal(t, 2, ch.Publish("chat", map[string]interface{}{"text": "server"}))

	f.world.Transact(func(tx *entity.Txn) error {
		tx.Cell("board").DetachComponent(CapChannel)
		return nil
	})
	assert.T(t, !f.router.Registry().HasCellHandler("board", proto.MT_CHANNEL_MESSAGE))
	assert.Equal(t, 0, ch.Publish("chat", nil))
}

func tickUntil(t *testing.T, done func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !done() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout")
		}
		post.Tick()
		time.Sleep(time.Millisecond)
	}
}

func TestContentLinkResolvesOutsideTransactions(t *testing.T) {
	f := newFixture(t, config.MovableConfig{})
	fetched := make(chan string, 10)
	f.services.Fetcher = AssetFetcherFunc(func(uri string) (string, error) {
		fetched <- uri
		if uri == "broken" {
			return "", errors.New("404")
		}
		return "/cache/" + uri, nil
	})
	f.create(t, "Prop", "statue", spatial.Vector3{})
	link := f.component("statue", CapContentLink).(*ContentLink)
	conn := f.connect(t, "a")

	f.world.Transact(func(tx *entity.Txn) error {
		return link.SetURI(tx, "statue.glb")
	})
	tickUntil(t, func() bool { return link.LocalPath() != "" })
	assert.Equal(t, "/cache/statue.glb", link.LocalPath())
	assert.Equal(t, "statue.glb", <-fetched)

	var changed *proto.AttributeChanged
	for _, msg := range conn.SentOfType(proto.MT_ATTRIBUTE_CHANGED) {
		changed = msg.(*proto.AttributeChanged)
	}
	assert.Equal(t, "statue.glb", changed.State["content"])

	f.world.Transact(func(tx *entity.Txn) error {
		return link.SetURI(tx, "broken")
	})
	assert.Equal(t, "broken", <-fetched)
	tickUntil(t, func() bool { return post.Pending() == 0 && len(fetched) == 0 })
	assert.Equal(t, "", link.LocalPath())
	assert.Equal(t, "broken", link.URI())
}

type proximityRecorder struct {
	enters []string
	leaves []string
}

func (r *proximityRecorder) OnProximityEnter(observer, other common.CellID) {
	r.enters = append(r.enters, string(observer)+">"+string(other))
}

func (r *proximityRecorder) OnProximityLeave(observer, other common.CellID) {
	r.leaves = append(r.leaves, string(observer)+">"+string(other))
}

func TestProximity(t *testing.T) {
	f := newFixture(t, config.MovableConfig{})
	rec := &proximityRecorder{}
	f.services.Proximity.AddListener(rec)

	f.create(t, "Speaker", "a", spatial.Vector3{})
	f.create(t, "Speaker", "b", spatial.Vector3{X: 5})
	f.create(t, "Speaker", "c", spatial.Vector3{X: 500})
	assert.Equal(t, 3, f.services.Proximity.Len())
	assert.Equal(t, []common.CellID{"b"}, f.services.Proximity.Neighbors("a"))
	assert.Equal(t, []common.CellID{"a"}, f.services.Proximity.Neighbors("b"))
	assert.Equal(t, 0, len(f.services.Proximity.Neighbors("c")))
	assert.T(t, len(rec.enters) > 0)

	f.world.Transact(func(tx *entity.Txn) error {
		return tx.Cell("c").SetLocalTransform(spatial.Translate(spatial.Vector3{X: 10}))
	})
	assert.Equal(t, []common.CellID{"a", "b"}, f.services.Proximity.Neighbors("c"))

	f.world.Transact(func(tx *entity.Txn) error {
		tx.Cell("b").Destroy()
		return nil
	})
	assert.Equal(t, []common.CellID{"c"}, f.services.Proximity.Neighbors("a"))
	assert.Equal(t, 2, f.services.Proximity.Len())
	assert.T(t, len(rec.leaves) > 0)
}
