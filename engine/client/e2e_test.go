package client_test

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/xiaonanln/cellworld/engine/client"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/comp"
	"github.com/xiaonanln/cellworld/engine/config"
	"github.com/xiaonanln/cellworld/engine/entity"
	"github.com/xiaonanln/cellworld/engine/projector"
	"github.com/xiaonanln/cellworld/engine/proto"
	"github.com/xiaonanln/cellworld/engine/router"
	"github.com/xiaonanln/cellworld/engine/spatial"
	"github.com/xiaonanln/cellworld/engine/transport"
)

type Prop struct {
	entity.Cell
}

func (p *Prop) DescribeCellType(desc *entity.CellTypeDesc) {
	desc.AddComponent(comp.CapMovable)
	desc.DefineAttr("color", "basic")
}

func eventually(t *testing.T, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClientsSeeEachOthersMoves(t *testing.T) {
	w := entity.NewWorld(nil)
	reg := router.NewRegistry()
	reg.RegisterProtocol(&router.BasicProtocol{ProtocolName: "cellworld", ProtocolVersion: 1})
	r := router.New(reg)
	p := projector.New(w, r, "viewer", common.NewStringSet("basic"))
	reg.RegisterClientHandler(p)
	services := comp.NewServices(w, r, p, &config.MovableConfig{MaxMoveDistance: 50})
	services.Register()
	reg.Freeze()
	w.RegisterCellType("Prop", &Prop{})

	assert.Equal(t, nil, w.Transact(func(tx *entity.Txn) error {
		c, err := tx.CreateCell("Prop", "box")
		if err != nil {
			return err
		}
		c.Attrs.SetStr("color", "red")
		return c.Activate()
	}))

	server := httptest.NewServer(transport.NewServer(r).Handler())
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	connect := func() (*transport.Client, *client.Session) {
		c, err := transport.Dial(url, &proto.Hello{Protocol: "cellworld", Version: 1, ConnectionType: "viewer"}, time.Second)
		assert.Equal(t, nil, err)
		s := client.NewSession(c, nil)
		s.SetClientID(c.ClientID)
		go s.Serve(c)
		eventually(t, func() bool { return s.Replica("box") != nil })
		return c, s
	}
	ca, a := connect()
	defer ca.Close()
	cb, b := connect()
	defer cb.Close()

	color, _ := b.Replica("box").Field("color")
	assert.Equal(t, "red", color)

	to := spatial.Translate(spatial.Vector3{X: 10})
	a.Replica("box").LocalMoveRequest(to)
	assert.Equal(t, to, a.Replica("box").Transform())
	eventually(t, func() bool { return b.Replica("box").Transform() == to })

	// too far: the requester gets the authoritative transform back
	a.Replica("box").LocalMoveRequest(spatial.Translate(spatial.Vector3{X: 1000}))
	eventually(t, func() bool { return a.Replica("box").MoveState() == client.Idle })
	assert.Equal(t, to, a.Replica("box").Transform())

	ca.Close()
	a.Replica("box").LocalMoveRequest(spatial.Identity())
	assert.Equal(t, to, a.Replica("box").Transform())
	eventually(t, func() bool { return r.NumConns() == 1 })
}
