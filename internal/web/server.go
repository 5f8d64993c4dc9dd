package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mtzanidakis/indexswap/internal/config"
	"github.com/mtzanidakis/indexswap/internal/natsbus"
	"github.com/mtzanidakis/indexswap/internal/store"
	"github.com/mtzanidakis/indexswap/internal/swap"
)

// Swapper is the orchestration surface the API exposes.
type Swapper interface {
	OpenSession(ctx context.Context, username, password string, numModules int) (*store.Session, error)
	SessionInfo(ctx context.Context, id string) (*store.Session, error)
	CloseSession(ctx context.Context, id string) error
	StartSwap(ctx context.Context, id string, modules []swap.ModuleInput) error
	GetStatus(ctx context.Context, id string) (swap.Status, error)
	StopSwap(ctx context.Context, id string) error
	Running() int
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	swaps     Swapper
	store     Pinger
	nats      *natsbus.Client
	gatherer  prometheus.Gatherer
	hub       *Hub
	cfg       config.WebConfig
	version   string
	startedAt time.Time
	sub       *nats.Subscription
}

func NewServer(swaps Swapper, s Pinger, client *natsbus.Client, gatherer prometheus.Gatherer, cfg config.WebConfig, version string) *Server {
	return &Server{
		swaps:     swaps,
		store:     s,
		nats:      client,
		gatherer:  gatherer,
		hub:       NewHub(),
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
	}
}

// Handler returns the routed API with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout/{id}", s.handleLogout)
	mux.HandleFunc("GET /api/session-status/{id}", s.handleSessionStatus)

	mux.HandleFunc("POST /api/submit-swap", s.handleSubmitSwap)
	mux.HandleFunc("GET /api/swap-status/{id}", s.handleSwapStatus)
	mux.HandleFunc("POST /api/stop-swap/{id}", s.handleStopSwap)

	mux.HandleFunc("GET /api/ws/{id}", s.handleWebSocket)

	s.registerHealth(mux)

	return s.withMiddleware(mux)
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	if err := s.subscribeEvents(); err != nil {
		return err
	}
	defer func() {
		if s.sub != nil {
			_ = s.sub.Unsubscribe()
		}
	}()

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// CORS
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originAllowed matches origin against the configured list; entries may use
// glob wildcards such as https://app-*.example.com.
func (s *Server) originAllowed(origin string) bool {
	for _, pattern := range s.cfg.AllowedOrigins {
		if pattern == origin {
			return true
		}
		if ok, _ := path.Match(pattern, origin); ok {
			return true
		}
	}
	return false
}

// subscribeEvents forwards session events from NATS to WebSocket clients.
func (s *Server) subscribeEvents() error {
	if s.nats == nil {
		return nil
	}
	sub, err := s.nats.Subscribe(natsbus.TopicEventsSessions, func(msg *nats.Msg) {
		var event natsbus.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			slog.Warn("invalid NATS event payload", "error", err)
			return
		}
		s.hub.Broadcast(event.SessionID, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe session events: %w", err)
	}
	s.sub = sub
	return nil
}
