package natsbus

import (
	"fmt"
	"strings"
)

// Topic patterns for NATS pub/sub communication.

// TopicSwarmEvents carries broadcast events for one swarm (agent_joined,
// leader_elected, proposal_resolved, ...).
func TopicSwarmEvents(swarmID string) string {
	return fmt.Sprintf("events.swarm.%s", swarmID)
}

// TopicAgentNotify carries point messages addressed to a single agent
// (task_delegated).
func TopicAgentNotify(agentID string) string {
	return fmt.Sprintf("agent.%s.notify", agentID)
}

// AgentFromNotifyTopic extracts the agent ID from an agent notify topic.
func AgentFromNotifyTopic(topic string) (string, bool) {
	parts := strings.Split(topic, ".")
	if len(parts) != 3 || parts[0] != "agent" || parts[2] != "notify" {
		return "", false
	}
	return parts[1], true
}

const (
	TopicEventsAll      = "events.>"
	TopicEventsSwarms   = "events.swarm.*"
	TopicAgentNotifyAll = "agent.*.notify"
)
