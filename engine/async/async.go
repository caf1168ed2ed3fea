// Package async runs blocking jobs (asset fetches, description fetches) on
// worker goroutines, one worker per job group, and posts their callbacks to
// the main loop.
package async

import (
	"sync"

	"github.com/xiaonanln/cellworld/engine/consts"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/netutil"
	"github.com/xiaonanln/cellworld/engine/opmon"
	"github.com/xiaonanln/cellworld/engine/post"
)

var (
	numAsyncJobWorkersRunning sync.WaitGroup
)

// AsyncCallback is called in the main loop with the result of the routine
type AsyncCallback func(res interface{}, err error)

// Callback posts the callback with the result
func (ac AsyncCallback) Callback(res interface{}, err error) {
	if ac != nil {
		post.Post(func() {
			ac(res, err)
		})
	}
}

// AsyncRoutine is a blocking job
type AsyncRoutine func() (res interface{}, err error)

// AsyncJobWorker runs the jobs of one group in order
type AsyncJobWorker struct {
	group    string
	jobQueue chan asyncJobItem
}

type asyncJobItem struct {
	routine  AsyncRoutine
	callback AsyncCallback
}

func newAsyncJobWorker(group string) *AsyncJobWorker {
	ajw := &AsyncJobWorker{
		group:    group,
		jobQueue: make(chan asyncJobItem, consts.ASYNC_JOB_QUEUE_MAXLEN),
	}
	numAsyncJobWorkersRunning.Add(1)
	go func() {
		netutil.ServeForever(ajw.loop)
		numAsyncJobWorkersRunning.Done()
	}()
	return ajw
}

func (ajw *AsyncJobWorker) appendJob(routine AsyncRoutine, callback AsyncCallback) {
	if len(ajw.jobQueue) >= consts.ASYNC_JOB_QUEUE_MAXLEN/2 {
		gwlog.Warnf("async job group %s: %d jobs queued", ajw.group, len(ajw.jobQueue))
	}
	ajw.jobQueue <- asyncJobItem{routine, callback}
}

func (ajw *AsyncJobWorker) loop() {
	for item := range ajw.jobQueue {
		monop := opmon.StartOperation("async." + ajw.group)
		res, err := item.routine()
		monop.Finish(consts.ASYNC_JOB_WARN_THRESHOLD)
		item.callback.Callback(res, err)
	}
}

var (
	asyncJobWorkersLock sync.RWMutex
	asyncJobWorkers     = map[string]*AsyncJobWorker{}
)

func getAsyncJobWorker(group string) (ajw *AsyncJobWorker) {
	asyncJobWorkersLock.RLock()
	ajw = asyncJobWorkers[group]
	asyncJobWorkersLock.RUnlock()

	if ajw == nil {
		asyncJobWorkersLock.Lock()
		ajw = asyncJobWorkers[group]
		if ajw == nil {
			ajw = newAsyncJobWorker(group)
			asyncJobWorkers[group] = ajw
		}
		asyncJobWorkersLock.Unlock()
	}
	return
}

// AppendAsyncJob runs routine on the worker of the group and posts callback
// with its result. Jobs of one group run one at a time, in append order.
func AppendAsyncJob(group string, routine AsyncRoutine, callback AsyncCallback) {
	ajw := getAsyncJobWorker(group)
	ajw.appendJob(routine, callback)
}

// Shutdown waits for every queued job to finish
func Shutdown() {
	// Close all job queue workers
	asyncJobWorkersLock.Lock()
	for _, alw := range asyncJobWorkers {
		close(alw.jobQueue)
	}
	asyncJobWorkers = map[string]*AsyncJobWorker{}
	asyncJobWorkersLock.Unlock()

	// wait for all job workers to quit
	numAsyncJobWorkersRunning.Wait()
}
