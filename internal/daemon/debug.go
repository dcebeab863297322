package daemon

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"sharefs/internal/metrics"
)

// debugHandler serves metrics, pprof and the live mount list.
func (d *Daemon) debugHandler() http.Handler {
	m := http.NewServeMux()
	m.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
	m.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
	m.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
	m.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
	m.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))

	m.Handle("/debug/gc", http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		runtime.GC()
		log.Debugf("[Daemon] triggered GC from debug endpoint")
	}))

	m.Handle("/debug/mounts", http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(rw)
		enc.SetIndent("", "  ")
		enc.Encode(d.mountStatuses())
	}))

	m.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	return m
}

// startDebugServer listens on addr. Setting metrics_addr is opt-in;
// access is governed by the listen address.
func (d *Daemon) startDebugServer(addr string) (*http.Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              l.Addr().String(),
		Handler:           d.debugHandler(),
		ReadHeaderTimeout: time.Minute,
	}
	log.Debugf("[Daemon] debug handlers listening at %s", server.Addr)
	go func() {
		if err := server.Serve(l); err != nil && err != http.ErrServerClosed {
			log.Errorf("[Daemon] failed to serve debug handlers: %v", err)
		}
	}()
	return server, nil
}

func stopDebugServer(server *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	server.Shutdown(ctx)
}
