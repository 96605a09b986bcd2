package guardian

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kitz-os/opscore/internal/bus"
	"github.com/kitz-os/opscore/internal/team"
)

// TeamRouter routes handoffs and escalations through the team registry.
// Handoff targets are published on the bus; whatever agent runtime is
// attached picks them up from there.
type TeamRouter struct {
	Teams  *team.Registry
	Bus    *bus.Bus
	Logger *slog.Logger

	// Busy reports whether an agent is currently working. Nil means every
	// teammate counts as dormant.
	Busy func(agent string) bool
}

// DormantTeammate returns an idle member of the team other than the failed
// agent. The lead is skipped; escalation reaches the lead separately.
func (r *TeamRouter) DormantTeammate(teamName, failedAgent string) (string, bool) {
	cfg, ok := r.Teams.Get(teamName)
	if !ok {
		return "", false
	}
	for _, member := range cfg.Members {
		if member == failedAgent || member == cfg.Lead {
			continue
		}
		if r.Busy != nil && r.Busy(member) {
			continue
		}
		return member, true
	}
	return "", false
}

// Handoff transfers task context to the target agent via the bus.
func (r *TeamRouter) Handoff(_ context.Context, taskID, fromAgent, toAgent, teamName, summary string) error {
	if r.Bus == nil {
		return fmt.Errorf("no bus attached")
	}
	r.Bus.Publish(bus.TopicSwarmHandoff, bus.SwarmProgressEvent{
		Team:    teamName,
		Agent:   toAgent,
		Message: summary,
	})
	if r.Logger != nil {
		r.Logger.Info("task handed off", "task_id", taskID, "from", fromAgent, "to", toAgent, "team", teamName)
	}
	return nil
}

// TeamEscalator notifies the team lead through the bus. Tasks in teamless
// contexts escalate with an empty lead, which the operator surface renders
// as a top-level alert.
type TeamEscalator struct {
	Teams  *team.Registry
	Bus    *bus.Bus
	Logger *slog.Logger
}

// Escalate transfers the task to the team lead with full context. The
// guardian publishes the escalation event itself; this only routes the work.
func (e *TeamEscalator) Escalate(_ context.Context, taskID, teamName, reason string) error {
	if e.Bus == nil {
		return fmt.Errorf("no bus attached")
	}
	lead := ""
	if e.Teams != nil {
		lead = e.Teams.Lead(teamName)
	}
	e.Bus.Publish(bus.TopicSwarmHandoff, bus.SwarmProgressEvent{
		Team:    teamName,
		Agent:   lead,
		Message: fmt.Sprintf("Escalation for task %s: %s", taskID, reason),
	})
	if e.Logger != nil {
		e.Logger.Warn("task escalated", "task_id", taskID, "team", teamName, "lead", lead, "reason", reason)
	}
	return nil
}
