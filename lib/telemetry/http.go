package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves the Prometheus exposition format on /metrics and the
// in-memory sink summary as JSON on /v1/agent/metrics.
func (c *DefaultMetrics) Handler(logger hclog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(resp http.ResponseWriter, req *http.Request) {
		if !c.prometheus {
			resp.WriteHeader(http.StatusUnsupportedMediaType)
			fmt.Fprint(resp, "Prometheus is not enabled since its retention time is not positive")
			return
		}
		handler := promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
			ErrorLog:      logger.StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true}),
			ErrorHandling: promhttp.ContinueOnError,
		})
		handler.ServeHTTP(resp, req)
	})
	mux.HandleFunc("/v1/agent/metrics", func(resp http.ResponseWriter, req *http.Request) {
		if req.URL.Query().Get("format") == "prometheus" {
			req.URL.Path = "/metrics"
			mux.ServeHTTP(resp, req)
			return
		}
		summary, err := c.inmemSink.DisplayMetrics(resp, req)
		if err != nil {
			http.Error(resp, err.Error(), http.StatusInternalServerError)
			return
		}
		resp.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(resp).Encode(summary); err != nil {
			logger.Warn("failed to encode metrics", "error", err)
		}
	})
	return mux
}

// Serve runs the metrics endpoint on addr until ctx is done.
func (c *DefaultMetrics) Serve(ctx context.Context, addr string, logger hclog.Logger) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on metrics_addr %s: %w", addr, err)
	}
	return c.ServeListener(ctx, l, logger)
}

// ServeListener is Serve on an existing listener.
func (c *DefaultMetrics) ServeListener(ctx context.Context, l net.Listener, logger hclog.Logger) error {
	srv := &http.Server{
		Handler:           c.Handler(logger),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger.StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true}),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", "addr", l.Addr().String())
	err := srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
