package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/simstream/internal/auth"
	httpmiddleware "github.com/wolfeidau/simstream/internal/http"
	"github.com/wolfeidau/simstream/internal/hub"
	"github.com/wolfeidau/simstream/internal/logger"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const healthTimeout = 2 * time.Second

// Config wires the HTTP surface.
type Config struct {
	Hub         *hub.Hub
	Auth        *auth.Authenticator
	Channel     ChannelConfig
	CORSOrigins []string
	// Tracing wraps the handler with otelhttp.
	Tracing bool
}

// Server exposes the client channel at /ws and health at /health.
type Server struct {
	hub     *hub.Hub
	cors    *cors.Cors
	channel *ChannelHandler
	tracing bool
}

// NewServer creates a new server for the given hub.
func NewServer(cfg Config) *Server {
	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})

	checkOrigin := func(r *http.Request) bool {
		return r.Header.Get("Origin") == "" || c.OriginAllowed(r)
	}

	return &Server{
		hub:     cfg.Hub,
		cors:    c,
		channel: NewChannelHandler(cfg.Hub, cfg.Auth, cfg.Channel, checkOrigin),
		tracing: cfg.Tracing,
	}
}

// Handler returns the HTTP handler for the server
func (s *Server) Handler(log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.health)
	mux.Handle("GET /ws", s.channel)

	var handler http.Handler = s.cors.Handler(mux)
	handler = logger.RequestLogger(log)(handler)
	handler = httpmiddleware.ClientIPMiddleware()(handler)

	if s.tracing {
		handler = otelhttp.NewHandler(handler, "simstream")
	}

	return handler
}

type healthServices struct {
	Store string `json:"store"`
	Bus   string `json:"bus"`
}

type healthResponse struct {
	Status         string         `json:"status"`
	Services       healthServices `json:"services"`
	ConnectedUsers int            `json:"connectedUsers"`
	Connections    int            `json:"connections"`
	Timestamp      time.Time      `json:"timestamp"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	stats := s.hub.Stats()
	resp := healthResponse{
		Status:         "healthy",
		Services:       healthServices{Store: "up", Bus: "up"},
		ConnectedUsers: stats.ConnectedUsers,
		Connections:    stats.Connections,
		Timestamp:      s.hub.Timestamp(),
	}

	if err := s.hub.PingStore(ctx); err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("Health check: store unreachable")
		resp.Services.Store = "down"
	}
	if !stats.BusConnected {
		resp.Services.Bus = "down"
	}

	code := http.StatusOK
	if resp.Services.Store != "up" || resp.Services.Bus != "up" {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
