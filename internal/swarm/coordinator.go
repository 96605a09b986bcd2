// Package swarm fans a business objective out to agent teams in bounded
// parallel batches and collects per-agent results.
package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/kitz-os/opscore/internal/bus"
	"github.com/kitz-os/opscore/internal/guardian"
	otelpkg "github.com/kitz-os/opscore/internal/otel"
	"github.com/kitz-os/opscore/internal/shared"
	"github.com/kitz-os/opscore/internal/team"
)

const (
	defaultConcurrency  = 6
	defaultAgentTimeout = 60 * time.Second
)

// AgentHandler executes one agent turn. Implementations should honor ctx
// cancellation; the coordinator marks a member failed on timeout but does
// not wait for a misbehaving handler to return.
type AgentHandler interface {
	Execute(ctx context.Context, agent, teamName, prompt string) (string, error)
}

// FailureReporter receives member failures. *guardian.Guardian satisfies it.
type FailureReporter interface {
	HandleFailure(ctx context.Context, taskID, agent, team, reason string) guardian.Decision
}

// RunConfig shapes a single swarm run. Zero Concurrency/TimeoutPerAgent fall
// back to the coordinator's configured defaults.
type RunConfig struct {
	Teams           []string
	Objective       string
	Concurrency     int
	TimeoutPerAgent time.Duration
}

// MemberResult is one agent's outcome within a team.
type MemberResult struct {
	Agent    string        `json:"agent"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Duration time.Duration `json:"duration"`
}

// TeamResult is one team's outcome. A team fails only on infrastructure
// problems (unknown team, no members); member errors leave it completed.
type TeamResult struct {
	Team    string         `json:"team"`
	Status  string         `json:"status"` // completed | failed
	Error   string         `json:"error,omitempty"`
	Members []MemberResult `json:"members,omitempty"`
}

// Result is the full run outcome.
type Result struct {
	RunID      string        `json:"run_id"`
	Status     string        `json:"status"` // completed | partial | failed
	Teams      []TeamResult  `json:"teams"`
	Handoffs   int           `json:"handoffs"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	TeamsOK    int           `json:"teams_ok"`
	TeamsError int           `json:"teams_error"`
}

// Coordinator runs swarms against the team registry.
type Coordinator struct {
	teams    *team.Registry
	handler  AgentHandler
	bus      *bus.Bus
	logger   *slog.Logger
	reporter FailureReporter
	metrics  *otelpkg.Metrics
	clock    func() time.Time
	newRunID func() string

	defaultConcurrency int
	defaultTimeout     time.Duration

	mu    sync.Mutex
	seeds map[string]string
}

// Config holds the coordinator's collaborators. DefaultConcurrency and
// DefaultTimeout come from the daemon configuration and apply to runs that
// do not set their own.
type Config struct {
	Teams              *team.Registry
	Handler            AgentHandler
	Bus                *bus.Bus
	Logger             *slog.Logger
	Reporter           FailureReporter  // optional
	Metrics            *otelpkg.Metrics // optional
	Clock              func() time.Time
	NewRunID           func() string
	DefaultConcurrency int           // default 6
	DefaultTimeout     time.Duration // default 60s
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newRunID := cfg.NewRunID
	if newRunID == nil {
		newRunID = shared.NewTraceID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.DefaultConcurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultAgentTimeout
	}
	return &Coordinator{
		teams:              cfg.Teams,
		handler:            cfg.Handler,
		bus:                cfg.Bus,
		logger:             logger,
		reporter:           cfg.Reporter,
		metrics:            cfg.Metrics,
		clock:              clock,
		newRunID:           newRunID,
		defaultConcurrency: concurrency,
		defaultTimeout:     timeout,
		seeds:              make(map[string]string),
	}
}

// SetSeed overrides the generated seed prompt for a team.
func (c *Coordinator) SetSeed(teamName, seed string) {
	c.mu.Lock()
	c.seeds[teamName] = seed
	c.mu.Unlock()
}

func (c *Coordinator) seedFor(cfg team.Config) string {
	c.mu.Lock()
	seed, ok := c.seeds[cfg.Name]
	c.mu.Unlock()
	if ok {
		return seed
	}
	return fmt.Sprintf("You are part of the %s team. Mission: %s", cfg.DisplayName, cfg.Description)
}

// Run executes the swarm. Teams are launched in batches of Concurrency; the
// next batch starts only after every team in the current batch has settled.
// Members within a team run sequentially, each raced against the per-agent
// timeout.
func (c *Coordinator) Run(ctx context.Context, run RunConfig) (*Result, error) {
	if len(run.Teams) == 0 {
		return nil, fmt.Errorf("swarm run needs at least one team")
	}
	if run.Concurrency <= 0 {
		run.Concurrency = c.defaultConcurrency
	}
	if run.TimeoutPerAgent <= 0 {
		run.TimeoutPerAgent = c.defaultTimeout
	}

	runID := c.newRunID()
	started := c.clock()
	if c.metrics != nil {
		c.metrics.ActiveSwarmRuns.Add(ctx, 1)
		defer c.metrics.ActiveSwarmRuns.Add(ctx, -1)
	}
	c.logger.Info("swarm run starting",
		"run_id", runID, "teams", len(run.Teams), "concurrency", run.Concurrency)

	var handoffSub *bus.Subscription
	if c.bus != nil {
		handoffSub = c.bus.Subscribe(bus.TopicSwarmHandoff)
	}

	results := make([]TeamResult, len(run.Teams))
	for start := 0; start < len(run.Teams); start += run.Concurrency {
		end := start + run.Concurrency
		if end > len(run.Teams) {
			end = len(run.Teams)
		}
		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = c.runTeam(ctx, runID, run, run.Teams[i])
			}(i)
		}
		wg.Wait()
		if ctx.Err() != nil {
			for i := end; i < len(run.Teams); i++ {
				results[i] = TeamResult{Team: run.Teams[i], Status: "failed", Error: "run canceled"}
			}
			break
		}
	}

	handoffs := 0
	if handoffSub != nil {
		c.bus.Unsubscribe(handoffSub)
		for range handoffSub.Ch() {
			handoffs++
		}
	}

	res := &Result{
		RunID:     runID,
		Teams:     results,
		Handoffs:  handoffs,
		StartedAt: started,
		Duration:  c.clock().Sub(started),
	}
	for _, tr := range results {
		if tr.Status == "completed" {
			res.TeamsOK++
		} else {
			res.TeamsError++
		}
	}
	switch {
	case res.TeamsError == 0:
		res.Status = "completed"
	case res.TeamsOK == 0:
		res.Status = "failed"
	default:
		res.Status = "partial"
	}

	c.logger.Info("swarm run finished",
		"run_id", runID, "status", res.Status, "ok", res.TeamsOK, "errors", res.TeamsError,
		"duration", res.Duration)
	return res, nil
}

func (c *Coordinator) runTeam(ctx context.Context, runID string, run RunConfig, teamName string) TeamResult {
	teamStart := c.clock()
	defer func() {
		if c.metrics != nil {
			c.metrics.SwarmTeamDuration.Record(ctx, c.clock().Sub(teamStart).Seconds(),
				metric.WithAttributes(otelpkg.AttrTeamName.String(teamName), otelpkg.AttrRunID.String(runID)))
		}
	}()
	cfg, ok := c.teams.Get(teamName)
	if !ok {
		c.publishProgress(bus.TopicSwarmTeamError, runID, teamName, "", "unknown team")
		return TeamResult{Team: teamName, Status: "failed", Error: "unknown team"}
	}
	roster := append([]string{cfg.Lead}, cfg.Members...)
	if cfg.Lead == "" {
		roster = roster[1:]
	}
	if len(roster) == 0 {
		c.publishProgress(bus.TopicSwarmTeamError, runID, teamName, "", "team has no members")
		return TeamResult{Team: teamName, Status: "failed", Error: "team has no members"}
	}

	c.publishProgress(bus.TopicSwarmTeamStart, runID, teamName, "", run.Objective)

	seed := c.seedFor(cfg)
	prompt := seed
	if run.Objective != "" {
		prompt = seed + "\n\nObjective: " + run.Objective
	}

	tr := TeamResult{Team: teamName, Status: "completed"}
	for _, agent := range roster {
		mr := c.runMember(ctx, runID, teamName, agent, prompt, run.TimeoutPerAgent)
		tr.Members = append(tr.Members, mr)
		if mr.Error == "" && mr.Output != "" {
			// Later members see earlier output, lead first.
			prompt = prompt + "\n\nPrevious teammate (" + agent + "): " + mr.Output
		}
	}

	c.publishProgress(bus.TopicSwarmTeamComplete, runID, teamName, "", "")
	return tr
}

type memberOutcome struct {
	output string
	err    error
}

func (c *Coordinator) runMember(ctx context.Context, runID, teamName, agent, prompt string, timeout time.Duration) MemberResult {
	begin := c.clock()
	mctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan memberOutcome, 1)
	go func() {
		out, err := c.handler.Execute(mctx, agent, teamName, prompt)
		done <- memberOutcome{output: out, err: err}
	}()

	mr := MemberResult{Agent: agent}
	select {
	case o := <-done:
		if o.err != nil {
			mr.Error = o.err.Error()
		} else {
			mr.Output = o.output
		}
	case <-mctx.Done():
		mr.TimedOut = true
		mr.Error = "agent timed out after " + timeout.String()
	}
	mr.Duration = c.clock().Sub(begin)

	if mr.Error != "" {
		c.logger.Warn("swarm member failed",
			"run_id", runID, "team", teamName, "agent", agent, "error", mr.Error)
		c.publishProgress(bus.TopicSwarmAgentAction, runID, teamName, agent, "failed: "+mr.Error)
		if c.reporter != nil {
			c.reporter.HandleFailure(ctx, runID, agent, teamName, mr.Error)
		}
	} else {
		c.publishProgress(bus.TopicSwarmAgentAction, runID, teamName, agent,
			fmt.Sprintf("produced %d chars", len(mr.Output)))
	}
	return mr
}

func (c *Coordinator) publishProgress(topic, runID, teamName, agent, message string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(topic, bus.SwarmProgressEvent{
		RunID:     runID,
		Team:      teamName,
		Agent:     agent,
		Message:   strings.TrimSpace(message),
		Timestamp: c.clock().Format(time.RFC3339),
	})
}
