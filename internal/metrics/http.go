package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServeHTTP starts the local observability endpoint: /metrics (this
// instance's registry, not the global default) and
// /logs?component=&tail=. Callers may register extra operator routes
// (e.g. connect-peer) via the variadic mux hooks. It runs until ctx is
// cancelled, then shuts down gracefully with shutdownTimeout.
func (m *Metrics) ServeHTTP(ctx context.Context, log *slog.Logger, addr string, logs *LogBuffer, shutdownTimeout time.Duration, extra ...func(*http.ServeMux)) <-chan error {
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)

		listener, err := net.Listen("tcp", addr)
		if err != nil {
			errCh <- err
			return
		}
		defer listener.Close()

		log.Info("metrics server listening", "address", listener.Addr().String())

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
		mux.HandleFunc("/logs", logsHandler(logs))
		for _, register := range extra {
			register(mux)
		}
		httpSrv := &http.Server{Handler: mux}

		go func() {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = httpSrv.Shutdown(sctx)
		}()

		err = httpSrv.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			return
		}
		if err != nil {
			errCh <- err
		}
	}()

	return errCh
}

func logsHandler(logs *LogBuffer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		label := r.URL.Query().Get("component")
		n := 200
		if raw := r.URL.Query().Get("tail"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil {
				n = parsed
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"component": label,
			"lines":     logs.Tail(label, n),
		})
	}
}
