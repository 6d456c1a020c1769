package common

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/contenderproject/contender/internal/common/health"
)

// ServeMetrics exposes prometheus metrics and the health endpoint on the given
// port and returns a function that stops the server.
func ServeMetrics(port uint16, checker health.Checker) (shutdown func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if checker != nil {
		health.SetupHttpMux(mux, checker)
	}
	return ServeHttp(port, mux)
}

// ServeHttp starts an HTTP server listening on the given port.
func ServeHttp(port uint16, mux http.Handler) (shutdown func()) {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Infof("Starting http server listening on %d", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			panic(err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Infof("Stopping http server listening on %d", port)
		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).Warnf("Failed to shut down http server listening on %d", port)
		}
	}
}
