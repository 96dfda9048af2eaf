package logging

import (
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"time"
)

// DefaultPprofAddr is used when Config.Pprof is set without an address.
const DefaultPprofAddr = "localhost:6060"

// profiler is the running pprof server, guarded by mu.
var profiler *http.Server

// startProfiler binds addr and serves the runtime profiles on their own mux,
// so nothing registered on http.DefaultServeMux is exposed with them.
func startProfiler(addr string) (*http.Server, net.Addr, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ForComponent(CompCoordinator).Error("pprof_failed")
		}
	}()
	return srv, l.Addr(), nil
}

// stopProfilerLocked closes the pprof server, if any. mu must be held.
func stopProfilerLocked() {
	if profiler != nil {
		_ = profiler.Close()
		profiler = nil
	}
}
