package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mtzanidakis/apiary/internal/config"
	"github.com/mtzanidakis/apiary/internal/natsbus"
	"github.com/mtzanidakis/apiary/internal/store"
	"github.com/mtzanidakis/apiary/internal/swarm"
	"github.com/nats-io/nats.go"
)

type Server struct {
	store   *store.Store
	bus     *natsbus.Bus
	nats    *natsbus.Client
	coord   *swarm.Coordinator
	hub     *Hub
	cfg     config.WebConfig
	version string
}

func NewServer(st *store.Store, bus *natsbus.Bus, coord *swarm.Coordinator, cfg config.WebConfig, version string) *Server {
	return &Server{
		store:   st,
		bus:     bus,
		coord:   coord,
		hub:     NewHub(),
		cfg:     cfg,
		version: version,
	}
}

func (s *Server) Start(ctx context.Context) error {
	// Subscribe to bus events and forward to WebSocket connections
	s.subscribeEvents()

	mux := http.NewServeMux()
	s.registerAPI(mux)

	// WebSocket endpoints: observer stream and per-swarm agent connections
	mux.HandleFunc("/api/ws", s.handleObserverSocket)
	mux.HandleFunc("/api/swarms/{id}/ws", s.handleAgentSocket)

	handler := s.withMiddleware(mux)
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: handler}

	go func() {
		<-ctx.Done()
		server.Close()
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
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		if s.cfg.Auth != "" && strings.HasPrefix(r.URL.Path, "/api/") {
			if _, pass, ok := r.BasicAuth(); !ok || pass != s.cfg.Auth {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// subscribeEvents bridges the bus to WebSocket: swarm broadcasts go to
// observers and the swarm's agents, agent notify topics go to that single
// agent's connection.
func (s *Server) subscribeEvents() {
	if s.bus == nil {
		return
	}
	client, err := natsbus.NewClient(s.bus)
	if err != nil {
		slog.Error("web server nats client failed", "error", err)
		return
	}
	s.nats = client

	_, _ = client.Subscribe(natsbus.TopicEventsSwarms, func(msg *nats.Msg) {
		var event struct {
			SwarmID string `json:"swarm_id"`
		}
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			slog.Warn("invalid event payload", "error", err)
			return
		}
		s.hub.BroadcastSwarm(event.SwarmID, msg.Data)
	})

	_, _ = client.Subscribe(natsbus.TopicAgentNotifyAll, func(msg *nats.Msg) {
		agentID, ok := natsbus.AgentFromNotifyTopic(msg.Subject)
		if !ok {
			return
		}
		s.hub.SendToAgent(agentID, msg.Data)
	})
}
