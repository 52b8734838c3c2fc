package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ligun0805/strike-cluster/internal/metrics"
)

// Health is the read-only status a worker reports on /healthz.
type Health struct {
	Worker       string `json:"worker"`
	Role         string `json:"role"`
	Busy         bool   `json:"busy"`
	State        string `json:"state"`
	RestartCount int    `json:"restartCount"`
	Strikes      int64  `json:"strikes"`
	Accepted     int64  `json:"accepted"`
}

func healthHandler(status func() Health, m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status())
	})
	mux.Handle("GET /metrics", m.Handler())
	return mux
}

// serveHealth runs the status server on ln until ctx ends.
func serveHealth(ctx context.Context, ln net.Listener, h http.Handler, log zerolog.Logger) error {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("health server listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
