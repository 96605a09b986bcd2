// Package guardian watches agent executions, retries transient failures with
// backoff, and hands work to teammates or escalates when retries run out.
package guardian

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/kitz-os/opscore/internal/audit"
	"github.com/kitz-os/opscore/internal/bus"
	otelpkg "github.com/kitz-os/opscore/internal/otel"
	"github.com/kitz-os/opscore/internal/shared"
)

const (
	maxAttempts    = 3
	backoffStep    = 10 * time.Second
	backoffCeiling = 60 * time.Second
)

// Decision is the outcome of a failure report.
type Decision string

const (
	DecisionRetry     Decision = "retry"
	DecisionHandoff   Decision = "handoff"
	DecisionEscalated Decision = "escalated"
)

// Entry is one task waiting in the retry queue.
type Entry struct {
	TaskID      string    `json:"task_id"`
	Agent       string    `json:"agent"`
	Team        string    `json:"team"`
	Reason      string    `json:"reason"`
	Attempts    int       `json:"attempts"`
	LastFailure time.Time `json:"last_failure"`
	NextRetry   time.Time `json:"next_retry"`
}

// HandoffRouter finds a dormant teammate and transfers task context to it.
type HandoffRouter interface {
	DormantTeammate(team, failedAgent string) (string, bool)
	Handoff(ctx context.Context, taskID, fromAgent, toAgent, team, summary string) error
}

// Escalator notifies the team lead (and ultimately the operator) that a task
// could not be recovered automatically.
type Escalator interface {
	Escalate(ctx context.Context, taskID, team, reason string) error
}

// RetryFunc re-runs a task whose backoff has elapsed.
type RetryFunc func(ctx context.Context, e Entry) error

// Snapshotter persists the retry queue so restarts do not drop in-flight
// recoveries. Best-effort only.
type Snapshotter interface {
	SaveRetryEntry(ctx context.Context, e Entry) error
	DeleteRetryEntry(ctx context.Context, taskID string) error
}

// Config holds the guardian's collaborators.
type Config struct {
	Bus         *bus.Bus
	Logger      *slog.Logger
	Router      HandoffRouter
	Escalator   Escalator
	Quality     QualityPolicy    // defaults to heuristicPolicy
	Snapshotter Snapshotter      // optional
	Metrics     *otelpkg.Metrics // optional
	Clock       func() time.Time
}

// Guardian owns the retry queue. One queue entry per task; attempts survive
// across failures of the same task until exhaustion removes the entry.
type Guardian struct {
	mu          sync.Mutex
	queue       map[string]*Entry
	regenerated map[string]bool

	bus       *bus.Bus
	logger    *slog.Logger
	router    HandoffRouter
	escalator Escalator
	quality   QualityPolicy
	snap      Snapshotter
	metrics   *otelpkg.Metrics
	clock     func() time.Time
}

// New creates a Guardian with the given config.
func New(cfg Config) *Guardian {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	quality := cfg.Quality
	if quality == nil {
		quality = heuristicPolicy{}
	}
	return &Guardian{
		queue:       make(map[string]*Entry),
		regenerated: make(map[string]bool),
		bus:         cfg.Bus,
		logger:      logger,
		router:      cfg.Router,
		escalator:   cfg.Escalator,
		quality:     quality,
		snap:        cfg.Snapshotter,
		metrics:     cfg.Metrics,
		clock:       clock,
	}
}

// backoffFor grows linearly with attempts and is capped at the ceiling.
func backoffFor(attempts int) time.Duration {
	d := time.Duration(attempts) * backoffStep
	if d > backoffCeiling {
		return backoffCeiling
	}
	return d
}

// HandleFailure records a failed execution. The first report for a task
// schedules a retry; repeated reports increment attempts until exhaustion,
// which triggers a context handoff to a dormant teammate, an escalation to
// the team lead, and removal from the queue, in that order within one call.
func (g *Guardian) HandleFailure(ctx context.Context, taskID, agent, team, reason string) Decision {
	now := g.clock()

	g.mu.Lock()
	e, ok := g.queue[taskID]
	if !ok {
		e = &Entry{TaskID: taskID, Agent: agent, Team: team, Attempts: 0}
		g.queue[taskID] = e
	}
	e.Attempts++
	e.Agent = agent
	e.Team = team
	e.Reason = reason
	e.LastFailure = now
	e.NextRetry = now.Add(backoffFor(e.Attempts))
	snapshot := *e
	exhausted := e.Attempts >= maxAttempts
	if exhausted {
		delete(g.queue, taskID)
		delete(g.regenerated, taskID)
	}
	g.mu.Unlock()

	if !exhausted {
		g.countRetry(ctx, snapshot.Team, snapshot.Attempts)
		audit.Record(taskID, agent, "guardian.retry", "allow",
			fmt.Sprintf("attempt %d/%d: %s", snapshot.Attempts, maxAttempts, reason))
		g.publish(bus.TopicGuardianRetry, bus.GuardianEvent{
			TaskID: taskID, Agent: agent, Team: team, Attempt: snapshot.Attempts, Reason: reason,
		})
		g.saveEntry(snapshot)
		g.logger.Warn("agent failure, retry scheduled",
			"task_id", taskID, "agent", agent, "attempt", snapshot.Attempts, "backoff", backoffFor(snapshot.Attempts))
		return DecisionRetry
	}

	g.deleteEntry(taskID)
	g.logger.Error("retries exhausted", "task_id", taskID, "agent", agent, "team", team)

	decision := DecisionEscalated
	summary := fmt.Sprintf("Task %s failed %d times on %s (last error: %s). Taking over with full context.",
		taskID, maxAttempts, agent, reason)
	if g.router != nil {
		if teammate, found := g.router.DormantTeammate(team, agent); found {
			if err := g.router.Handoff(ctx, taskID, agent, teammate, team, summary); err != nil {
				g.logger.Error("handoff failed", "task_id", taskID, "to", teammate, "error", err)
			} else {
				decision = DecisionHandoff
				audit.Record(taskID, agent, "guardian.handoff", "allow",
					fmt.Sprintf("transferred to %s after %d failures", teammate, maxAttempts))
				g.publish(bus.TopicGuardianHandoff, bus.GuardianEvent{
					TaskID: taskID, Agent: teammate, Team: team, Attempt: maxAttempts, Reason: reason,
				})
			}
		}
	}

	// Escalation always fires on exhaustion, even after a successful handoff,
	// so the lead knows the task changed hands.
	if g.escalator != nil {
		if err := g.escalator.Escalate(ctx, taskID, team, reason); err != nil {
			g.logger.Error("escalation failed", "task_id", taskID, "team", team, "error", err)
		}
	}
	if g.metrics != nil {
		g.metrics.Escalations.Add(ctx, 1, metric.WithAttributes(otelpkg.AttrTeamName.String(team)))
	}
	audit.Record(taskID, agent, "guardian.escalate", "deny",
		fmt.Sprintf("exhausted %d attempts: %s", maxAttempts, reason))
	g.publish(bus.TopicGuardianEscalated, bus.GuardianEvent{
		TaskID: taskID, Agent: agent, Team: team, Attempt: maxAttempts, Reason: reason,
	})
	return decision
}

// Sweep retries every queue entry whose backoff has elapsed. Each re-issue
// bumps attempts and reschedules with the grown backoff, so an unanswered
// entry is not dispatched again until the new backoff elapses. A retry that
// fails re-enters through HandleFailure on the caller's side.
func (g *Guardian) Sweep(ctx context.Context, retry RetryFunc) int {
	now := g.clock()

	g.mu.Lock()
	var due []Entry
	for _, e := range g.queue {
		if e.NextRetry.After(now) {
			continue
		}
		e.Attempts++
		e.LastFailure = now
		e.NextRetry = now.Add(backoffFor(e.Attempts))
		due = append(due, *e)
	}
	g.mu.Unlock()

	for _, e := range due {
		g.saveEntry(e)
		g.countRetry(ctx, e.Team, e.Attempts)
		g.logger.Info("retrying task", "task_id", e.TaskID, "agent", e.Agent, "attempt", e.Attempts)
		if err := retry(ctx, e); err != nil {
			g.logger.Warn("retry dispatch failed", "task_id", e.TaskID, "error", err)
		}
	}
	return len(due)
}

// Resolve clears a task from the queue after a successful execution.
func (g *Guardian) Resolve(taskID string) {
	g.mu.Lock()
	_, ok := g.queue[taskID]
	delete(g.queue, taskID)
	delete(g.regenerated, taskID)
	g.mu.Unlock()
	if ok {
		g.deleteEntry(taskID)
	}
}

// Pending returns a copy of the retry queue, for the admin surface and for
// rehydration snapshots.
func (g *Guardian) Pending() []Entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Entry, 0, len(g.queue))
	for _, e := range g.queue {
		out = append(out, *e)
	}
	return out
}

// Load rehydrates the retry queue from persisted entries at startup.
func (g *Guardian) Load(entries []Entry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range entries {
		if e.TaskID == "" || e.Attempts > maxAttempts {
			continue
		}
		cp := e
		g.queue[e.TaskID] = &cp
	}
}

func (g *Guardian) countRetry(ctx context.Context, team string, attempt int) {
	if g.metrics == nil {
		return
	}
	g.metrics.RetryAttempts.Add(ctx, 1, metric.WithAttributes(
		otelpkg.AttrTeamName.String(team), otelpkg.AttrAttempt.Int(attempt)))
}

func (g *Guardian) publish(topic string, payload any) {
	if g.bus != nil {
		g.bus.Publish(topic, payload)
	}
}

func (g *Guardian) saveEntry(e Entry) {
	if g.snap == nil {
		return
	}
	shared.Detach(g.logger, "retry.save", func(ctx context.Context) error {
		return g.snap.SaveRetryEntry(ctx, e)
	})
}

func (g *Guardian) deleteEntry(taskID string) {
	if g.snap == nil {
		return
	}
	shared.Detach(g.logger, "retry.delete", func(ctx context.Context) error {
		return g.snap.DeleteRetryEntry(ctx, taskID)
	})
}
