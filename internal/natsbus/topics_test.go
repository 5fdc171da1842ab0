package natsbus

import (
	"encoding/json"
	"testing"
)

func TestTopicFormats(t *testing.T) {
	if got := TopicSwarmEvents("s1"); got != "events.swarm.s1" {
		t.Errorf("TopicSwarmEvents = %q", got)
	}
	if got := TopicAgentNotify("a1"); got != "agent.a1.notify" {
		t.Errorf("TopicAgentNotify = %q", got)
	}
}

func TestEventEnvelope(t *testing.T) {
	data, err := json.Marshal(Event{
		Type:      "agent_joined",
		SwarmID:   "s1",
		Timestamp: "2026-08-01T09:00:00Z",
		Data:      map[string]any{"agent_id": "a1"},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["type"] != "agent_joined" || m["swarm_id"] != "s1" {
		t.Errorf("unexpected envelope: %v", m)
	}
	// Broadcast envelopes carry no top-level agent_id.
	if _, ok := m["agent_id"]; ok {
		t.Errorf("expected agent_id omitted from broadcast envelope: %v", m)
	}
}

func TestAgentFromNotifyTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  string
		ok    bool
	}{
		{"agent.a1.notify", "a1", true},
		{"agent.worker-7.notify", "worker-7", true},
		{"events.swarm.s1", "", false},
		{"agent.a1.command", "", false},
		{"agent.notify", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := AgentFromNotifyTopic(tt.topic)
		if got != tt.want || ok != tt.ok {
			t.Errorf("AgentFromNotifyTopic(%q) = %q, %v; want %q, %v", tt.topic, got, ok, tt.want, tt.ok)
		}
	}
}
