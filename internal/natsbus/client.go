package natsbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Event is the envelope every coordinator message travels in, on both the
// per-swarm broadcast topics and the per-agent notify topics.
type Event struct {
	Type      string         `json:"type"`
	SwarmID   string         `json:"swarm_id"`
	AgentID   string         `json:"agent_id,omitempty"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

type Client struct {
	conn *nats.Conn
}

func NewClient(bus *Bus) (*Client, error) {
	conn, err := nats.Connect(bus.ClientURL())
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Client{conn: conn}, nil
}

// PublishSwarmEvent broadcasts an enveloped event on the swarm's topic.
func (c *Client) PublishSwarmEvent(swarmID, eventType string, data map[string]any) error {
	return c.PublishJSON(TopicSwarmEvents(swarmID), Event{
		Type:      eventType,
		SwarmID:   swarmID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	})
}

// NotifyAgent delivers an enveloped point message on one agent's topic.
func (c *Client) NotifyAgent(swarmID, agentID, eventType string, data map[string]any) error {
	return c.PublishJSON(TopicAgentNotify(agentID), Event{
		Type:      eventType,
		SwarmID:   swarmID,
		AgentID:   agentID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	})
}

func (c *Client) Publish(topic string, data []byte) error {
	return c.conn.Publish(topic, data)
}

func (c *Client) PublishJSON(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.conn.Publish(topic, data)
}

func (c *Client) Subscribe(topic string, handler func(msg *nats.Msg)) (*nats.Subscription, error) {
	return c.conn.Subscribe(topic, handler)
}

func (c *Client) Flush() error {
	return c.conn.Flush()
}

func (c *Client) Close() {
	c.conn.Close()
}
