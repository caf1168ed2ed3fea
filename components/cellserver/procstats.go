package main

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/process"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/gwutils"
	"github.com/xiaonanln/cellworld/engine/opmon"
)

// collectProcessStats samples the cpu and memory usage of the process into
// opmon gauges until ctx is done
func collectProcessStats(ctx context.Context, collectInterval time.Duration) error {
	pid := os.Getpid()
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return err
	}
	gwlog.Infof("procstats: found cellserver process: %s", p)

	go gwutils.RepeatUntilPanicless(func() {
		ticker := time.NewTicker(collectInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			sampleProcess(p)
		}
	})
	return nil
}

func sampleProcess(p *process.Process) {
	if pcnt, err := p.Percent(0); err == nil {
		opmon.SetGauge("process.cpu_percent", pcnt)
	} else {
		gwlog.Warnf("procstats: get process cpu percent failed: %v", err)
	}
	if mem, err := p.MemoryInfo(); err == nil {
		opmon.SetGauge("process.rss_bytes", float64(mem.RSS))
	} else {
		gwlog.Warnf("procstats: get process memory failed: %v", err)
	}
}
