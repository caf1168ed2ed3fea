// Command cellserver hosts a cell world: it loads the saved cells,
// reconciles them with the configured description sources and serves
// websocket clients.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/xiaonanln/cellworld/engine/binutil"
	"github.com/xiaonanln/cellworld/engine/config"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/post"
)

var (
	args struct {
		configFile      string
		logLevel        string
		runInDaemonMode bool
	}
	signalChan = make(chan os.Signal, 1)
)

func parseArgs() {
	flag.StringVar(&args.configFile, "configfile", "", "set config file path")
	flag.StringVar(&args.logLevel, "log", "", "set log level, will override log level in config")
	flag.BoolVar(&args.runInDaemonMode, "d", false, "run in daemon mode")
	flag.Parse()
}

func main() {
	parseArgs()
	if args.configFile != "" {
		config.SetConfigFile(args.configFile)
	}

	if args.runInDaemonMode {
		daemoncontext := binutil.Daemonize()
		defer daemoncontext.Release()
	}

	cfg := config.Get()
	serverConfig := &cfg.Server
	if args.logLevel != "" {
		serverConfig.LogLevel = args.logLevel
	}
	binutil.SetupGWLog("cellserver", serverConfig.LogLevel, serverConfig.LogFile, serverConfig.LogStderr)
	if serverConfig.GoMaxProcs > 0 {
		gwlog.Infof("SET GOMAXPROCS = %d", serverConfig.GoMaxProcs)
		runtime.GOMAXPROCS(serverConfig.GoMaxProcs)
	}
	fmt.Fprintf(os.Stderr, "Read cellserver config: \n%s\n", config.DumpPretty(cfg))

	server, err := newCellServer(cfg)
	if err != nil {
		gwlog.Fatalf("cellserver: %v", err)
	}
	if err := server.start(); err != nil {
		gwlog.Fatalf("cellserver: %v", err)
	}
	setupSignals(server)
	server.run()
}

func setupSignals(server *CellServer) {
	gwlog.Infof("Setup signals ...")
	signal.Ignore(syscall.SIGPIPE, syscall.SIGHUP)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		for {
			sig := <-signalChan
			if sig == syscall.SIGINT || sig == syscall.SIGTERM {
				gwlog.Infof("Terminating cellserver ...")
				post.Post(server.terminate)
				server.terminated.Wait()
				gwlog.Infof("cellserver terminated gracefully.")
				os.Exit(0)
			} else {
				gwlog.Errorf("unexpected signal: %s", sig)
			}
		}
	}()
}
