// Package binutil holds the process setup shared by the cellworld binaries
package binutil

import (
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"os"

	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/opmon"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewServeMux returns the mux of the HTTP server: clients connect to /ws,
// prometheus scrapes /metrics and go tool pprof uses /debug/pprof/
func NewServeMux(wsHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	if wsHandler != nil {
		mux.Handle("/ws", wsHandler)
	}
	mux.Handle("/metrics", opmon.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// SetupHTTPServer starts serving handler on addr in the background. An empty
// addr disables the server.
func SetupHTTPServer(addr string, handler http.Handler) (*http.Server, error) {
	if addr == "" {
		gwlog.Infof("http server not enabled")
		return nil, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}

	gwlog.Infof("http server listening on %s", ln.Addr())
	gwlog.Infof("    go tool pprof http://%s/debug/pprof/heap", ln.Addr())
	gwlog.Infof("    go tool pprof http://%s/debug/pprof/profile", ln.Addr())

	server := &http.Server{Handler: handler}
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			gwlog.Errorf("http server on %s stopped: %v", ln.Addr(), err)
		}
	}()
	return server, nil
}

// SetupGWLog setup the cellworld log system
func SetupGWLog(component string, logLevel string, logFile string, logStderr bool) {
	gwlog.SetSource(component)
	gwlog.Infof("Set log level to %s", logLevel)
	gwlog.SetLevel(gwlog.StringToLevel(logLevel))

	outputWriters := make([]io.Writer, 0, 2)
	if logFile != "" {
		logFileWriter := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100, // megabytes
			MaxBackups: 100,
			MaxAge:     30, //days
			Compress:   true,
		}
		logFileWriter.Rotate() // rotate immediately
		outputWriters = append(outputWriters, logFileWriter)
	}

	if logStderr || len(outputWriters) == 0 {
		outputWriters = append(outputWriters, os.Stderr)
	}

	if len(outputWriters) == 1 {
		gwlog.SetOutput(outputWriters[0])
	} else {
		gwlog.SetOutput(io.MultiWriter(outputWriters...))
	}
}
