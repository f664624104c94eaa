package web

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hpungsan/weaver/internal/bridge"
	"github.com/hpungsan/weaver/internal/config"
	"github.com/hpungsan/weaver/internal/service"
)

// shutdownTimeout bounds in-flight requests on shutdown.
const shutdownTimeout = 5 * time.Second

// NewServer creates the HTTP server: the extension bridge at /ws, the JSON
// API under /api and Prometheus metrics at /metrics.
func NewServer(svc *service.Service, b *bridge.Bridge, cfg *config.Config, version string, log zerolog.Logger) *http.Server {
	h := &Handlers{
		svc:     svc,
		bridge:  b,
		version: version,
		log:     log,
	}
	reg := newRegistry(svc, b)
	requests := newRequestCounter(reg)

	mux := http.NewServeMux()

	mux.Handle("GET /ws", b.Handler())

	mux.HandleFunc("POST /api/messages", h.HandleMessage)
	mux.HandleFunc("GET /api/tabs", h.HandleTabs)
	mux.HandleFunc("GET /api/tabs/{id}", h.HandleTab)
	mux.HandleFunc("GET /api/groups", h.HandleGroups)
	mux.HandleFunc("GET /api/metrics", h.HandleMetrics)
	mux.HandleFunc("GET /api/settings", h.HandleSettings)
	mux.HandleFunc("GET /api/hibernated", h.HandleHibernated)
	mux.HandleFunc("POST /api/purge", h.HandlePurge)
	mux.HandleFunc("GET /api/health", h.HandleHealth)

	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	handler := securityHeaders(instrument(requests, mux))

	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// securityHeaders adds security-related HTTP headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// Run serves srv until ctx is cancelled, then shuts it down gracefully.
func Run(ctx context.Context, srv *http.Server, log zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.Info().Str("addr", srv.Addr).Msg("http server listening")

	if strings.Contains(srv.Addr, "0.0.0.0") || strings.Contains(srv.Addr, "::") {
		log.Warn().Msg("server is binding to all interfaces and may be accessible from the network")
	}

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Info().Msg("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
