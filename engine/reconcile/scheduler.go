package reconcile

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/xiaonanln/cellworld/engine/entity"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/gwutils"
)

// Scheduler runs the engines of independent sources concurrently. Runs of
// one source never overlap.
type Scheduler struct {
	lock    sync.Mutex
	engines []*Engine
	running map[*Engine]bool
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler with an engine per source
func NewScheduler(world *entity.World, sources ...Source) *Scheduler {
	s := &Scheduler{running: map[*Engine]bool{}}
	for _, src := range sources {
		s.engines = append(s.engines, NewEngine(world, src))
	}
	return s
}

// Engines returns the engines of the scheduler
func (s *Scheduler) Engines() []*Engine {
	return s.engines
}

// Trigger starts a run of every engine which is not running yet and returns
// immediately. It returns the number of runs started.
func (s *Scheduler) Trigger(ctx context.Context) int {
	started := 0
	for _, e := range s.engines {
		if s.start(e) {
			started++
			e := e
			go func() {
				defer s.done(e)
				gwutils.RunPanicless(func() {
					if err := e.Run(ctx); err != nil {
						gwlog.Warnf("%s: run failed: %v", e, err)
					}
				})
			}()
		}
	}
	return started
}

// RunAll runs every engine once, concurrently, and waits for them. It
// returns the first error.
func (s *Scheduler) RunAll(ctx context.Context) error {
	var lock sync.Mutex
	var firstErr error
	var wg sync.WaitGroup
	for _, e := range s.engines {
		if !s.start(e) {
			continue
		}
		e := e
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.done(e)
			var err error
			if gwutils.RunPanicless(func() {
				err = e.Run(ctx)
			}) {
				err = errors.Errorf("%s: run panicked", e)
			}
			if err != nil {
				lock.Lock()
				if firstErr == nil {
					firstErr = err
				}
				lock.Unlock()
			}
		}()
	}
	wg.Wait()
	return firstErr
}

// Wait waits for the runs started by Trigger
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) start(e *Engine) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.running[e] {
		return false
	}
	s.running[e] = true
	s.wg.Add(1)
	return true
}

func (s *Scheduler) done(e *Engine) {
	s.lock.Lock()
	delete(s.running, e)
	s.lock.Unlock()
	s.wg.Done()
}
