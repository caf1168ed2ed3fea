package main

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/async"
	"github.com/xiaonanln/cellworld/engine/binutil"
	"github.com/xiaonanln/cellworld/engine/comp"
	"github.com/xiaonanln/cellworld/engine/config"
	"github.com/xiaonanln/cellworld/engine/consts"
	"github.com/xiaonanln/cellworld/engine/crontab"
	"github.com/xiaonanln/cellworld/engine/entity"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/opmon"
	"github.com/xiaonanln/cellworld/engine/post"
	"github.com/xiaonanln/cellworld/engine/projector"
	"github.com/xiaonanln/cellworld/engine/reconcile"
	"github.com/xiaonanln/cellworld/engine/router"
	"github.com/xiaonanln/cellworld/engine/storage"
	"github.com/xiaonanln/cellworld/engine/transport"
	timer "github.com/xiaonanln/goTimer"
)

const (
	protocolName    = "cellworld"
	protocolVersion = 1
	viewerConnType  = "viewer"
)

// CellServer owns the world of one cellserver process and everything
// serving it
type CellServer struct {
	cfg       *config.CellWorldConfig
	store     *storage.Store
	world     *entity.World
	registry  *router.Registry
	router    *router.Router
	projector *projector.Projector
	services  *comp.Services
	scheduler *reconcile.Scheduler
	transport *transport.Server

	httpServers []*http.Server
	timers      []*timer.Timer
	crontabs    []crontab.Handle

	ctx        context.Context
	cancel     context.CancelFunc
	terminated sync.WaitGroup
}

func newCellServer(cfg *config.CellWorldConfig) (*CellServer, error) {
	store, err := storage.Open(&cfg.Storage)
	if err != nil {
		return nil, errors.Wrap(err, "open storage")
	}

	s := &CellServer{cfg: cfg, store: store}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.world = entity.NewWorld(store)

	s.registry = router.NewRegistry()
	if err := s.registry.RegisterProtocol(&router.BasicProtocol{ProtocolName: protocolName, ProtocolVersion: protocolVersion}); err != nil {
		return nil, err
	}
	s.router = router.New(s.registry)
	s.projector = projector.New(s.world, s.router, viewerConnType, cfg.Projector.DefaultCapabilities)
	if err := s.registry.RegisterClientHandler(s.projector); err != nil {
		return nil, err
	}

	s.services = comp.NewServices(s.world, s.router, s.projector, &cfg.Movable)
	s.services.Proximity = comp.NewProximityService(s.world, consts.DEFAULT_PROXIMITY_DISTANCE)
	s.services.Fetcher = newFileFetcher(config.GetConfigDir())
	s.services.Register()
	s.registry.Freeze()
	registerCellTypes(s.world)

	n, err := s.world.LoadAll()
	if err != nil {
		store.Close()
		return nil, errors.Wrap(err, "load world")
	}
	gwlog.Infof("cellserver: %d cells loaded", n)

	var sources []reconcile.Source
	for _, name := range sortedSourceNames(cfg) {
		src, err := reconcile.NewYAMLSource(cfg.Sources[name])
		if err != nil {
			store.Close()
			return nil, err
		}
		sources = append(sources, src)
	}
	s.scheduler = reconcile.NewScheduler(s.world, sources...)
	s.transport = transport.NewServer(s.router)
	return s, nil
}

// start serves clients and schedules the periodic jobs. Timers fire in Tick.
func (s *CellServer) start() error {
	s.terminated.Add(1)
	sc := &s.cfg.Server
	srv, err := binutil.SetupHTTPServer(sc.ListenAddr, binutil.NewServeMux(s.transport.Handler()))
	if err != nil {
		return err
	}
	s.addHTTPServer(srv)
	if sc.HTTPAddr != "" && sc.HTTPAddr != sc.ListenAddr {
		srv, err := binutil.SetupHTTPServer(sc.HTTPAddr, binutil.NewServeMux(nil))
		if err != nil {
			return err
		}
		s.addHTTPServer(srv)
	}

	s.timers = append(s.timers, timer.AddCallback(0, s.reconcile))
	if sc.ReconcileInterval > 0 {
		s.timers = append(s.timers, timer.AddTimer(sc.ReconcileInterval, s.reconcile))
	}
	if sc.ReconcileCron != "" {
		schedule, err := crontab.Parse(sc.ReconcileCron)
		if err != nil {
			return err
		}
		s.crontabs = append(s.crontabs, crontab.Register(schedule, s.reconcile))
	}
	if sc.SaveInterval > 0 {
		s.timers = append(s.timers, timer.AddTimer(sc.SaveInterval, s.save))
	}
	flushInterval := s.cfg.Movable.BroadcastInterval
	if flushInterval <= 0 {
		flushInterval = consts.DEFAULT_MOVE_BROADCAST_INTERVAL
	}
	s.timers = append(s.timers, timer.AddTimer(flushInterval, func() {
		s.services.FlushMoves()
	}))
	s.timers = append(s.timers, timer.AddTimer(time.Second, s.sampleGauges))
	if err := collectProcessStats(s.ctx, consts.PROCESS_STATS_INTERVAL); err != nil {
		gwlog.Warnf("cellserver: process stats not collected: %v", err)
	}
	return nil
}

func (s *CellServer) addHTTPServer(srv *http.Server) {
	if srv != nil {
		s.httpServers = append(s.httpServers, srv)
	}
}

func (s *CellServer) reconcile() {
	if n := s.scheduler.Trigger(s.ctx); n > 0 {
		gwlog.Debugf("cellserver: %d reconciliation runs started", n)
	}
}

func (s *CellServer) save() {
	n := s.world.SaveAll()
	gwlog.Infof("cellserver: saving %d cells", n)
}

func (s *CellServer) sampleGauges() {
	opmon.SetGauge("world.cells", float64(s.world.Len()))
	opmon.SetGauge("router.conns", float64(s.router.NumConns()))
	opmon.SetGauge("post.pending", float64(post.Pending()))
}

// Tick runs the due timers and posted callbacks
func (s *CellServer) Tick() {
	timer.Tick()
	post.Tick()
}

// run ticks until the server is terminated
func (s *CellServer) run() {
	defer s.terminated.Done()
	for s.ctx.Err() == nil {
		s.Tick()
		time.Sleep(consts.CELLSERVER_TICK_INTERVAL)
	}
}

// terminate stops serving, waits for running reconciliations and saves the world
func (s *CellServer) terminate() {
	gwlog.Infof("cellserver: terminating ...")
	s.cancel()
	for _, t := range s.timers {
		t.Cancel()
	}
	s.timers = nil
	for _, h := range s.crontabs {
		h.Unregister()
	}
	s.crontabs = nil
	for _, srv := range s.httpServers {
		srv.Close()
	}
	s.httpServers = nil

	s.scheduler.Wait()
	async.Shutdown()
	s.save()
	s.store.Close()
	gwlog.Infof("cellserver: terminated")
}

func sortedSourceNames(cfg *config.CellWorldConfig) []string {
	names := make([]string, 0, len(cfg.Sources))
	for name := range cfg.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
