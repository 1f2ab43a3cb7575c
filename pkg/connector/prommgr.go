// Package connector provides tools for sharing the Prometheus scrape endpoints between
// the different metric sources of the process.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func log() *slog.Logger {
	return slog.With("component", "connector.PrometheusManager")
}

// PrometheusManager allows exporting metrics from different sources sharing the same
// port and path, or using different ones, depending on the configuration provided by
// the registrars.
type PrometheusManager struct {
	started atomic.Bool
	// key 1: port. Key 2: path
	registries map[int]map[string]*prometheus.Registry

	mt    sync.Mutex
	addrs map[int]net.Addr
}

// Register a set of prometheus metrics to be accessible through an HTTP port/path.
// This method is not thread-safe
func (pm *PrometheusManager) Register(port int, path string, collectors ...prometheus.Collector) {
	log().Debug("registering Prometheus metrics collectors",
		"len", len(collectors), "port", port, "path", path)
	if pm.registries == nil {
		pm.registries = map[int]map[string]*prometheus.Registry{}
	}
	paths, ok := pm.registries[port]
	if !ok {
		paths = map[string]*prometheus.Registry{}
		pm.registries[port] = paths
	}
	reg, ok := paths[path]
	if !ok {
		reg = prometheus.NewRegistry()
		paths[path] = reg
	}
	reg.MustRegister(collectors...)
}

// StartHTTP serves metrics in background until the context is done. Its invocation
// won't have effect if it has been invoked previously, so invoke it only after you are
// sure that all the collectors have been registered via the Register method.
func (pm *PrometheusManager) StartHTTP(ctx context.Context) error {
	if pm.started.Swap(true) {
		return nil
	}
	log := log()
	// Creating a serve mux for each port
	for port, paths := range pm.registries {
		mux := http.NewServeMux()
		for path, registry := range paths {
			log.With("port", port, "path", path).Info("opening prometheus scrape endpoint")
			promHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
			if log.Enabled(ctx, slog.LevelDebug) {
				mux.Handle(path, wrapDebugHandler(log, promHandler))
			} else {
				mux.Handle(path, promHandler)
			}
		}
		if err := pm.listenAndServe(ctx, port, mux); err != nil {
			return err
		}
	}
	return nil
}

// Addr returns the address that serves the given configured port, once started.
// It differs from the configured port when this is zero.
func (pm *PrometheusManager) Addr(port int) net.Addr {
	pm.mt.Lock()
	defer pm.mt.Unlock()
	return pm.addrs[port]
}

func wrapDebugHandler(log *slog.Logger, promHandler http.Handler) http.HandlerFunc {
	return func(rw http.ResponseWriter, req *http.Request) {
		log.Debug("received metrics request", "uri", req.RequestURI, "remoteAddr", req.RemoteAddr)
		promHandler.ServeHTTP(rw, req)
	}
}

func (pm *PrometheusManager) listenAndServe(ctx context.Context, port int, handler http.Handler) error {
	log := log().With("port", port)
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("opening metrics port %d: %w", port, err)
	}
	pm.mt.Lock()
	if pm.addrs == nil {
		pm.addrs = map[int]net.Addr{}
	}
	pm.addrs[port] = ln.Addr()
	pm.mt.Unlock()

	server := http.Server{Handler: handler}
	go func() {
		err := server.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			log.Debug("HTTP server was closed", "error", err)
		} else {
			log.Error("HTTP service ended unexpectedly", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		if err := server.Close(); err != nil {
			log.Warn("error closing HTTP server", "error", err)
		}
	}()
	return nil
}
