package api

import (
	"net/http"
	hpprof "net/http/pprof"
)

// mountPprof registers the profiler on mux. Index serves the named profiles
// (heap, goroutine, block, ...) below the prefix.
func mountPprof(mux *http.ServeMux) {
	mux.HandleFunc("GET /debug/pprof/", hpprof.Index)
	mux.HandleFunc("GET /debug/pprof/cmdline", hpprof.Cmdline)
	mux.HandleFunc("GET /debug/pprof/profile", hpprof.Profile)
	mux.HandleFunc("GET /debug/pprof/symbol", hpprof.Symbol)
	mux.HandleFunc("POST /debug/pprof/symbol", hpprof.Symbol)
	mux.HandleFunc("GET /debug/pprof/trace", hpprof.Trace)
}
