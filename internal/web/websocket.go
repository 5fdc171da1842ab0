package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/mtzanidakis/apiary/internal/swarm"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans coordinator events out to WebSocket connections: observer clients
// receive everything, agent connections receive their swarm's broadcasts plus
// point messages addressed to them. Every send is best-effort; a dead
// connection is dropped without affecting delivery to others.
type Hub struct {
	mu        sync.RWMutex
	observers map[*websocket.Conn]bool
	agents    map[string]*agentConn
}

type agentConn struct {
	conn    *websocket.Conn
	swarmID string
	writeMu sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		observers: make(map[*websocket.Conn]bool),
		agents:    make(map[string]*agentConn),
	}
}

func (h *Hub) RegisterObserver(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers[conn] = true
}

func (h *Hub) UnregisterObserver(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.observers, conn)
}

func (h *Hub) RegisterAgent(agentID, swarmID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.agents[agentID] = &agentConn{conn: conn, swarmID: swarmID}
}

func (h *Hub) UnregisterAgent(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.agents, agentID)
}

// BroadcastSwarm delivers a swarm event to all observers and to the swarm's
// connected agents.
func (h *Hub) BroadcastSwarm(swarmID string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.observers {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(h.observers, conn)
		}
	}
	for agentID, ac := range h.agents {
		if ac.swarmID != swarmID {
			continue
		}
		if err := ac.write(data); err != nil {
			slog.Warn("agent socket send failed", "agent", agentID, "error", err)
		}
	}
}

// SendToAgent delivers a point message to one agent's connection, if any.
func (h *Hub) SendToAgent(agentID string, data []byte) {
	h.mu.RLock()
	ac := h.agents[agentID]
	h.mu.RUnlock()
	if ac == nil {
		return
	}
	if err := ac.write(data); err != nil {
		slog.Warn("agent socket send failed", "agent", agentID, "error", err)
	}
}

func (ac *agentConn) write(data []byte) error {
	ac.writeMu.Lock()
	defer ac.writeMu.Unlock()
	return ac.conn.WriteMessage(websocket.TextMessage, data)
}

// handleObserverSocket streams all coordinator events to a UI/ops client.
func (s *Server) handleObserverSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	s.hub.RegisterObserver(conn)
	defer func() {
		s.hub.UnregisterObserver(conn)
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// agentMessage is the tagged union of inbound agent messages. Both this
// socket and the HTTP API feed the same coordinator operations.
type agentMessage struct {
	Type         string `json:"type"`
	ProposalID   string `json:"proposal_id,omitempty"`
	Vote         string `json:"vote,omitempty"`
	Status       string `json:"status,omitempty"`
	DelegationID string `json:"delegation_id,omitempty"`
}

type agentMessageHandler func(s *Server, swarmID, agentID string, msg agentMessage)

var agentHandlers = map[string]agentMessageHandler{
	"heartbeat": func(s *Server, swarmID, agentID string, _ agentMessage) {
		if err := s.coord.Heartbeat(swarmID, agentID); err != nil {
			slog.Warn("heartbeat rejected", "swarm", swarmID, "agent", agentID, "error", err)
		}
	},
	"status_update": func(s *Server, swarmID, agentID string, msg agentMessage) {
		if err := s.coord.UpdateAgentStatus(swarmID, agentID, swarm.AgentStatus(msg.Status)); err != nil {
			slog.Warn("status update rejected", "swarm", swarmID, "agent", agentID, "error", err)
		}
	},
	"vote": func(s *Server, swarmID, agentID string, msg agentMessage) {
		if !s.coord.Vote(swarmID, agentID, msg.ProposalID, msg.Vote) {
			slog.Warn("vote rejected", "swarm", swarmID, "agent", agentID, "proposal", msg.ProposalID)
		}
	},
	"delegation_update": func(s *Server, swarmID, agentID string, msg agentMessage) {
		if err := s.coord.UpdateDelegation(swarmID, msg.DelegationID, swarm.DelegationStatus(msg.Status)); err != nil {
			slog.Warn("delegation update rejected", "swarm", swarmID, "agent", agentID, "delegation", msg.DelegationID, "error", err)
		}
	},
}

// handleAgentSocket is the persistent connection of one swarm member. The
// connection carries its heartbeats, votes and status reports inbound, and
// its swarm's events plus point messages outbound.
func (s *Server) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	swarmID := r.PathValue("id")
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		http.Error(w, "agent_id required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("agent websocket upgrade failed", "agent", agentID, "error", err)
		return
	}

	s.hub.RegisterAgent(agentID, swarmID, conn)
	defer func() {
		s.hub.UnregisterAgent(agentID)
		conn.Close()
	}()

	// A live socket counts as liveness too.
	_ = s.coord.Heartbeat(swarmID, agentID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg agentMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("invalid agent message", "agent", agentID, "error", err)
			continue
		}
		handler, ok := agentHandlers[msg.Type]
		if !ok {
			slog.Warn("unknown agent message type", "agent", agentID, "type", msg.Type)
			continue
		}
		handler(s, swarmID, agentID, msg)
	}
}
