package main

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/lfsck"
	"github.com/NVIDIA/lfsck/logger"
)

const metricsPath = "/metrics"

type metricsServer struct {
	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup
}

// serveMetrics exports the counters of every engine in registry on
// addr/metrics until Close.
func serveMetrics(addr string, registry *lfsck.Registry) (ms *metricsServer, err error) {
	promRegistry := prometheus.NewRegistry()
	err = promRegistry.Register(lfsck.NewCollector(registry))
	if nil != err {
		return
	}

	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{
		Timeout: 5 * time.Second,
	}))

	listener, err := net.Listen("tcp", addr)
	if nil != err {
		err = blunder.AddError(err, blunder.InvalidArgError)
		return
	}

	ms = &metricsServer{
		listener: listener,
		server:   &http.Server{Handler: mux},
	}

	ms.wg.Add(1)
	go func() {
		defer ms.wg.Done()
		serveErr := ms.server.Serve(listener)
		if (nil != serveErr) && (http.ErrServerClosed != serveErr) {
			logger.ErrorfWithError(serveErr, "metrics server on %s failed", listener.Addr())
		}
	}()

	logger.Infof("serving namespace LFSCK metrics on http://%s%s", listener.Addr(), metricsPath)
	return
}

func (ms *metricsServer) Addr() string {
	return ms.listener.Addr().String()
}

func (ms *metricsServer) Close() (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = ms.server.Shutdown(ctx)
	ms.wg.Wait()
	return
}
