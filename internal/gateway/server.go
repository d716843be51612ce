// Package gateway hosts the shared HTTP listener: platform webhooks, the
// admin API, health and metrics all live on one mux.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/qqbridge/internal/channels"
	"github.com/nextlevelbuilder/qqbridge/internal/config"
	"github.com/nextlevelbuilder/qqbridge/internal/metrics"
	"github.com/nextlevelbuilder/qqbridge/pkg/protocol"
)

const shutdownTimeout = 5 * time.Second

// RouteRegistrar is implemented by admin API handlers.
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Server is the gateway HTTP server.
type Server struct {
	cfg      *config.Config
	webhooks []channels.WebhookHandler
	handlers []RouteRegistrar
	status   func() map[string]any
	mux      *http.ServeMux
}

// NewServer creates a gateway server. Webhook handlers are consulted in
// order for any request no other route claims.
func NewServer(cfg *config.Config, webhooks ...channels.WebhookHandler) *Server {
	return &Server{cfg: cfg, webhooks: webhooks}
}

// AddHandler registers an admin API handler. Call before BuildMux.
func (s *Server) AddHandler(h RouteRegistrar) { s.handlers = append(s.handlers, h) }

// SetStatusSource adds per-channel status to /health responses.
func (s *Server) SetStatusSource(fn func() map[string]any) { s.status = fn }

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	if s.cfg.Metrics.IsEnabled() {
		path := s.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+channels.NormalizeWebhookPath(path), metrics.Handler())
	}
	for _, h := range s.handlers {
		h.RegisterRoutes(mux)
	}

	// Webhook paths are configured per account and change on reload, so
	// they are resolved at request time rather than registered on the mux.
	mux.HandleFunc("/", s.handleWebhook)

	s.mux = mux
	return mux
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	for _, h := range s.webhooks {
		if h.HandleWebhook(w, r) {
			return
		}
	}
	http.NotFound(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Status   string         `json:"status"`
		Protocol int            `json:"protocol"`
		Channels map[string]any `json:"channels,omitempty"`
	}{Status: "ok", Protocol: protocol.ProtocolVersion}
	if s.status != nil {
		body.Channels = s.status()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Gateway.Host, fmt.Sprint(s.cfg.Gateway.Port))
}

// Start listens on the configured address until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway starting", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}
