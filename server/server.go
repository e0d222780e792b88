// Package server exposes the service surface: the websocket endpoint viewers and
// admins connect to, plus health, status, and metrics for operations. It owns the hub
// that serializes all wagering state changes. Permissive CORS is available for
// development and every request gets a correlation ID for consistent logging.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bananirou/streambet/backend/telemetry"
)

// NewMux returns the HTTP handler with all routes.
func NewMux(db *sql.DB, hub *Hub) http.Handler {
	corsCfg := loadCORSConfig()
	handlers := NewHandlers(db, hub)
	ws := NewWSHandler(hub)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.HandleFunc("/readyz", handlers.HandleReadyz)
	mux.HandleFunc("/status", handlers.HandleStatus)
	mux.HandleFunc("/ws", ws.Handle)

	// Wrap with correlation ID injector and tracing.
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))
		mux.ServeHTTP(w, r.WithContext(ctx))
	})
	return withCORSConfig(handler, corsCfg)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
// Read/write timeouts stay unset because /ws carries long-lived websocket
// connections; the header read timeout still bounds slow handshakes.
func Start(ctx context.Context, db *sql.DB, hub *Hub, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(db, hub),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
