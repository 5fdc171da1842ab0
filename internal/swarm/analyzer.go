package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"github.com/mtzanidakis/apiary/internal/store"
)

// Behavior-analysis thresholds.
const (
	minCompletedForAnalysis = 3

	specializationShare  = 0.7
	specializationMinDue = 3

	handoffWindow     = 5 * time.Minute
	handoffMinCount   = 3
	handoffMinSuccess = 0.7

	efficiencyMinSamples = 5
	efficiencyMinGain    = 0.15

	novelMinOccurrences = 2
	novelMaxOccurrences = 5
	novelMinSuccess     = 0.8

	loadBalanceMinAgents = 3
	loadBalanceMaxCV     = 0.3
)

// DetectBehaviors runs the five behavior detectors over a snapshot of a
// swarm's resolved delegation history. It is a pure function of its inputs:
// nothing in the live registry is touched, so callers may run it off-lock.
// Fewer than three completed delegations yield no findings; failures still
// feed the detectors that weigh success rates.
func DetectBehaviors(swarmID string, history []Delegation, agents map[string]Agent) []EmergentBehavior {
	resolved := resolvedHistory(history)
	if completedCount(resolved) < minCompletedForAnalysis {
		return nil
	}
	sort.Slice(resolved, func(i, j int) bool { return resolved[i].CreatedAt.Before(resolved[j].CreatedAt) })

	var out []EmergentBehavior
	out = append(out, detectSpecializations(swarmID, resolved, agents)...)
	out = append(out, detectHandoffs(swarmID, resolved)...)
	out = append(out, detectEfficiencyGain(swarmID, resolved)...)
	out = append(out, detectNovelStrategies(swarmID, resolved, agents)...)
	out = append(out, detectLoadBalance(swarmID, resolved, agents)...)
	return out
}

// detectSpecializations finds agents whose completions concentrate in one
// task category (at least 70% of 3+ completions) and that carry no derived
// specialization yet.
func detectSpecializations(swarmID string, resolved []Delegation, agents map[string]Agent) []EmergentBehavior {
	byAgent := make(map[string]map[string]int)
	totals := make(map[string]int)
	for _, d := range resolved {
		if d.Status != DelegationCompleted {
			continue
		}
		if byAgent[d.AssigneeID] == nil {
			byAgent[d.AssigneeID] = make(map[string]int)
		}
		byAgent[d.AssigneeID][d.TaskType]++
		totals[d.AssigneeID]++
	}

	agentIDs := make([]string, 0, len(byAgent))
	for id := range byAgent {
		agentIDs = append(agentIDs, id)
	}
	sort.Strings(agentIDs)

	var out []EmergentBehavior
	for _, agentID := range agentIDs {
		agent, ok := agents[agentID]
		if !ok || agent.Specialization != "" {
			continue
		}
		total := totals[agentID]
		if total < specializationMinDue {
			continue
		}

		topCategory, topCount := "", 0
		for category, n := range byAgent[agentID] {
			if n > topCount || (n == topCount && category < topCategory) {
				topCategory, topCount = category, n
			}
		}
		share := float64(topCount) / float64(total)
		if share < specializationShare {
			continue
		}

		out = append(out, EmergentBehavior{
			ID:          uuid.New().String(),
			SwarmID:     swarmID,
			Type:        BehaviorSpecialization,
			Description: fmt.Sprintf("agent %s specializes in %s (%d of %d completions)", agentID, topCategory, topCount, total),
			Evidence: map[string]any{
				"agent_id":  agentID,
				"category":  topCategory,
				"share":     share,
				"completed": total,
			},
			Significance: share,
			DetectedAt:   time.Now(),
		})
	}
	return out
}

// detectHandoffs finds recurring cross-agent handoff chains: consecutive
// delegations to different agents within the handoff window, repeated at
// least three times with a success rate above 0.7.
func detectHandoffs(swarmID string, resolved []Delegation) []EmergentBehavior {
	type tally struct {
		count     int
		successes int
	}
	pairs := make(map[string]*tally)

	for i := 1; i < len(resolved); i++ {
		prev, cur := resolved[i-1], resolved[i]
		if prev.AssigneeID == cur.AssigneeID {
			continue
		}
		if cur.CreatedAt.Sub(prev.CreatedAt) >= handoffWindow {
			continue
		}
		key := prev.AssigneeID + "->" + cur.AssigneeID
		t := pairs[key]
		if t == nil {
			t = &tally{}
			pairs[key] = t
		}
		t.count++
		if cur.Status == DelegationCompleted {
			t.successes++
		}
	}

	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []EmergentBehavior
	for _, key := range keys {
		t := pairs[key]
		rate := float64(t.successes) / float64(t.count)
		if t.count < handoffMinCount || rate <= handoffMinSuccess {
			continue
		}
		out = append(out, EmergentBehavior{
			ID:          uuid.New().String(),
			SwarmID:     swarmID,
			Type:        BehaviorCollaboration,
			Description: fmt.Sprintf("handoff chain %s repeated %d times at %.0f%% success", key, t.count, rate*100),
			Evidence: map[string]any{
				"pair":         key,
				"count":        t.count,
				"success_rate": rate,
			},
			Significance: rate,
			DetectedAt:   time.Now(),
		})
	}
	return out
}

// detectEfficiencyGain compares mean completion duration of the first and
// second halves of the completed history; a second half at least 15% faster
// is an efficiency gain.
func detectEfficiencyGain(swarmID string, resolved []Delegation) []EmergentBehavior {
	var durations []time.Duration
	for _, d := range resolved {
		if d.Status != DelegationCompleted || d.CompletedAt == nil {
			continue
		}
		durations = append(durations, d.CompletedAt.Sub(d.CreatedAt))
	}
	if len(durations) < efficiencyMinSamples {
		return nil
	}

	half := len(durations) / 2
	first := meanDuration(durations[:half])
	second := meanDuration(durations[half:])
	if first <= 0 {
		return nil
	}

	improvement := (first - second).Seconds() / first.Seconds()
	if improvement < efficiencyMinGain {
		return nil
	}

	return []EmergentBehavior{{
		ID:          uuid.New().String(),
		SwarmID:     swarmID,
		Type:        BehaviorEfficiencyGain,
		Description: fmt.Sprintf("completion time improved %.0f%% over %d delegations", improvement*100, len(durations)),
		Evidence: map[string]any{
			"improvement_pct": improvement * 100,
			"samples":         len(durations),
		},
		Significance: math.Min(1, improvement),
		DetectedAt:   time.Now(),
	}}
}

// detectNovelStrategies finds task-category/capability-signature combinations
// that recur a handful of times (2-5) with a success rate above 0.8.
func detectNovelStrategies(swarmID string, resolved []Delegation, agents map[string]Agent) []EmergentBehavior {
	type tally struct {
		count     int
		successes int
	}
	combos := make(map[string]*tally)

	for _, d := range resolved {
		agent, ok := agents[d.AssigneeID]
		if !ok {
			continue
		}
		caps := append([]string(nil), agent.Capabilities...)
		sort.Strings(caps)
		key := d.TaskType + "|" + strings.Join(caps, ",")
		t := combos[key]
		if t == nil {
			t = &tally{}
			combos[key] = t
		}
		t.count++
		if d.Status == DelegationCompleted {
			t.successes++
		}
	}

	keys := make([]string, 0, len(combos))
	for k := range combos {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []EmergentBehavior
	for _, key := range keys {
		t := combos[key]
		if t.count < novelMinOccurrences || t.count > novelMaxOccurrences {
			continue
		}
		rate := float64(t.successes) / float64(t.count)
		if rate <= novelMinSuccess {
			continue
		}
		category, signature, _ := strings.Cut(key, "|")
		out = append(out, EmergentBehavior{
			ID:          uuid.New().String(),
			SwarmID:     swarmID,
			Type:        BehaviorNovelStrategy,
			Description: fmt.Sprintf("capability mix [%s] succeeds on %s tasks (%d of %d)", signature, category, t.successes, t.count),
			Evidence: map[string]any{
				"category":     category,
				"signature":    signature,
				"count":        t.count,
				"success_rate": rate,
			},
			Significance: rate,
			DetectedAt:   time.Now(),
		})
	}
	return out
}

// detectLoadBalance reports a balanced-load collaboration pattern when the
// coefficient of variation of completed-task counts across three or more
// connected agents drops below 0.3.
func detectLoadBalance(swarmID string, resolved []Delegation, agents map[string]Agent) []EmergentBehavior {
	completed := make(map[string]int)
	for _, d := range resolved {
		if d.Status == DelegationCompleted {
			completed[d.AssigneeID]++
		}
	}

	var counts []float64
	for _, a := range agents {
		if a.Status == AgentOffline {
			continue
		}
		counts = append(counts, float64(completed[a.ID]))
	}
	if len(counts) < loadBalanceMinAgents {
		return nil
	}

	mean := 0.0
	for _, n := range counts {
		mean += n
	}
	mean /= float64(len(counts))
	if mean <= 0 {
		return nil
	}

	variance := 0.0
	for _, n := range counts {
		variance += (n - mean) * (n - mean)
	}
	variance /= float64(len(counts))
	cv := math.Sqrt(variance) / mean
	if cv >= loadBalanceMaxCV {
		return nil
	}

	return []EmergentBehavior{{
		ID:          uuid.New().String(),
		SwarmID:     swarmID,
		Type:        BehaviorCollaboration,
		Description: fmt.Sprintf("load balanced across %d agents (cv %.2f)", len(counts), cv),
		Evidence: map[string]any{
			"agents":          len(counts),
			"mean_completed":  mean,
			"coefficient_var": cv,
		},
		Significance: 1 - cv,
		DetectedAt:   time.Now(),
	}}
}

func resolvedHistory(history []Delegation) []Delegation {
	resolved := make([]Delegation, 0, len(history))
	for _, d := range history {
		if d.Status == DelegationCompleted || d.Status == DelegationFailed {
			resolved = append(resolved, d)
		}
	}
	return resolved
}

func completedCount(resolved []Delegation) int {
	n := 0
	for _, d := range resolved {
		if d.Status == DelegationCompleted {
			n++
		}
	}
	return n
}

func meanDuration(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range ds {
		sum += d
	}
	return sum / time.Duration(len(ds))
}

// markSeen deduplicates analyzer findings across runs so repeated sweeps
// over the same history do not re-emit identical records.
func (c *Coordinator) markSeen(swarmID, key string) bool {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	seen := c.seenBehaviors[swarmID]
	if seen == nil {
		seen = make(map[string]bool)
		c.seenBehaviors[swarmID] = seen
	}
	if seen[key] {
		return false
	}
	seen[key] = true
	return true
}

// Analyze runs the full detector set over one swarm's history, applies any
// newly derived specializations, and persists and broadcasts new findings.
func (c *Coordinator) Analyze(swarmID string) {
	history, agents, err := c.historySnapshot(swarmID)
	if err != nil {
		return
	}

	findings := DetectBehaviors(swarmID, history, agents)
	c.applyFindings(swarmID, findings)
}

// AnalyzeSpecializations is the lightweight variant scheduled on membership
// changes: only the specialization detector runs.
func (c *Coordinator) AnalyzeSpecializations(swarmID string) {
	history, agents, err := c.historySnapshot(swarmID)
	if err != nil {
		return
	}

	resolved := resolvedHistory(history)
	if completedCount(resolved) < minCompletedForAnalysis {
		return
	}

	c.applyFindings(swarmID, detectSpecializations(swarmID, resolved, agents))
}

func (c *Coordinator) historySnapshot(swarmID string) ([]Delegation, map[string]Agent, error) {
	var history []Delegation
	agents := make(map[string]Agent)
	err := c.registry.With(swarmID, func(sw *Swarm) error {
		history = make([]Delegation, 0, len(sw.Delegations))
		for _, d := range sw.Delegations {
			history = append(history, *d)
		}
		for _, a := range sw.Agents {
			copied := *a
			copied.Capabilities = append([]string(nil), a.Capabilities...)
			agents[a.ID] = copied
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return history, agents, nil
}

func (c *Coordinator) applyFindings(swarmID string, findings []EmergentBehavior) {
	for _, b := range findings {
		key := string(b.Type) + "|" + b.Description
		if !c.markSeen(swarmID, key) {
			continue
		}

		if b.Type == BehaviorSpecialization {
			c.applySpecialization(swarmID, b)
		}

		c.persistBehavior(b)
		c.publishEvent(swarmID, "emergent_behavior", map[string]any{
			"behavior_id":  b.ID,
			"type":         b.Type,
			"description":  b.Description,
			"significance": b.Significance,
		})
		slog.Info("emergent behavior detected", "swarm", swarmID, "type", b.Type, "description", b.Description)
	}
}

// applySpecialization records a derived specialization on the agent, unless
// one arrived in the meantime.
func (c *Coordinator) applySpecialization(swarmID string, b EmergentBehavior) {
	agentID, _ := b.Evidence["agent_id"].(string)
	category, _ := b.Evidence["category"].(string)
	if agentID == "" || category == "" {
		return
	}
	_ = c.registry.With(swarmID, func(sw *Swarm) error {
		if agent := sw.agent(agentID); agent != nil && agent.Specialization == "" {
			agent.Specialization = category
			c.persistSwarm(sw)
		}
		return nil
	})
}

func (c *Coordinator) persistBehavior(b EmergentBehavior) {
	if c.store == nil {
		return
	}
	evidence, err := json.Marshal(b.Evidence)
	if err != nil {
		evidence = nil
	}
	rec := &store.BehaviorRecord{
		ID:           b.ID,
		SwarmID:      b.SwarmID,
		Type:         string(b.Type),
		Description:  b.Description,
		Evidence:     evidence,
		Significance: b.Significance,
	}
	go func() {
		if err := c.store.SaveBehavior(rec); err != nil {
			slog.Error("persist behavior", "behavior", rec.ID, "error", err)
		}
	}()
}

// StartAnalysisSweep runs the detector set over every live swarm on a cron
// schedule. The sweep supplements the completion-triggered runs; both paths
// share the same snapshot-then-detect flow.
func (c *Coordinator) StartAnalysisSweep(ctx context.Context, cronExpr string) {
	if cronExpr == "" {
		return
	}

	slog.Info("analysis sweep scheduled", "cron", cronExpr)
	for {
		next, err := gronx.NextTick(cronExpr, false)
		if err != nil {
			slog.Error("analysis sweep schedule invalid", "cron", cronExpr, "error", err)
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("analysis sweep stopped")
			return
		case <-timer.C:
			for _, id := range c.registry.IDs() {
				c.Analyze(id)
			}
		}
	}
}
