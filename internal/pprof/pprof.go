// Package pprof mounts the runtime profiling endpoints on the server's
// router.
package pprof

import (
	"net/http"
	netpprof "net/http/pprof"
	"runtime"
	"strings"

	"github.com/julienschmidt/httprouter"
)

// Prefix is where the profiling endpoints live.
const Prefix = "/debug/pprof"

// Config controls profiling.
type Config struct {
	// BlockProfileRate and MutexProfileFraction sample 1/n events; zero
	// leaves the runtime defaults (off).
	BlockProfileRate     int
	MutexProfileFraction int
}

// Register adds the profiling routes to router. Every request passes
// through guard first, which decides whether it may proceed.
func Register(router *httprouter.Router, cfg Config, guard func(http.Handler) http.Handler) {
	if cfg.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
	if cfg.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if guard == nil {
		guard = func(h http.Handler) http.Handler { return h }
	}

	router.Handler(http.MethodGet, Prefix+"/*name", guard(http.HandlerFunc(serve)))
}

// serve routes one request. httprouter cannot mix the static endpoints
// with named profiles at the same level, so a single catch-all dispatches.
func serve(w http.ResponseWriter, r *http.Request) {
	switch strings.TrimPrefix(r.URL.Path, Prefix+"/") {
	case "cmdline":
		netpprof.Cmdline(w, r)
	case "profile":
		netpprof.Profile(w, r)
	case "symbol":
		netpprof.Symbol(w, r)
	case "trace":
		netpprof.Trace(w, r)
	default:
		netpprof.Index(w, r)
	}
}
