package permission

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/kitz-os/opscore/internal/audit"
	otelpkg "github.com/kitz-os/opscore/internal/otel"
	"github.com/kitz-os/opscore/internal/shared"
)

// Registry is the external tool registry that owns the real business
// operations. The bridge never touches it for a denied call.
type Registry interface {
	Has(name string) bool
	Invoke(ctx context.Context, name string, args map[string]any) (any, error)
}

// DeniedError is returned when a tool is outside the caller's allowed set.
type DeniedError struct {
	Identity string
	Tier     Tier
	Team     string
	Tool     string
}

func (e *DeniedError) Error() string {
	team := e.Team
	if team == "" {
		team = "no-team"
	}
	return fmt.Sprintf("agent %q (%s/%s) is not permitted to use tool %q", e.Identity, e.Tier, team, e.Tool)
}

// NotFoundError is returned when an allowed tool is absent from the registry.
type NotFoundError struct {
	Tool string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("tool %q not found in registry", e.Tool)
}

// Result is the normalized outcome of one tool invocation.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Tool    string `json:"tool"`
	Agent   string `json:"agent"`
	TraceID string `json:"trace_id"`
}

// Bridge gates tool invocations behind the capability model and audits
// every decision.
type Bridge struct {
	registry Registry
	logger   *slog.Logger
	metrics  *otelpkg.Metrics
}

// NewBridge wires the bridge to the underlying tool registry. A nil metrics
// bundle disables instrument recording.
func NewBridge(registry Registry, logger *slog.Logger, metrics *otelpkg.Metrics) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{registry: registry, logger: logger, metrics: metrics}
}

// Invoke executes a tool on behalf of an agent, enforcing permissions.
// A denied call never reaches the registry. Allowed, denied and not-found
// outcomes are all audited with the trace id.
func (b *Bridge) Invoke(ctx context.Context, identity string, tier Tier, teamName, tool string, args map[string]any) Result {
	traceID := shared.TraceID(ctx)

	allowed := AllowedTools(identity, tier, teamName)
	if _, ok := allowed[tool]; !ok {
		err := &DeniedError{Identity: identity, Tier: tier, Team: teamName, Tool: tool}
		audit.Record(traceID, identity, "tool."+tool, "deny", err.Error())
		if b.metrics != nil {
			b.metrics.ToolDenials.Add(ctx, 1, metric.WithAttributes(
				otelpkg.AttrToolName.String(tool), otelpkg.AttrAgentID.String(identity)))
		}
		b.logger.Warn("tool invocation denied", "agent", identity, "tool", tool, "trace_id", traceID)
		return Result{Success: false, Error: err.Error(), Tool: tool, Agent: identity, TraceID: traceID}
	}

	if !b.registry.Has(tool) {
		err := &NotFoundError{Tool: tool}
		audit.Record(traceID, identity, "tool."+tool, "not_found", err.Error())
		return Result{Success: false, Error: err.Error(), Tool: tool, Agent: identity, TraceID: traceID}
	}

	start := time.Now()
	data, err := b.registry.Invoke(shared.WithAgent(ctx, identity), tool, args)
	if b.metrics != nil {
		b.metrics.ToolCallDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otelpkg.AttrToolName.String(tool)))
	}
	if err != nil {
		audit.Record(traceID, identity, "tool."+tool, "error", err.Error())
		return Result{Success: false, Error: err.Error(), Tool: tool, Agent: identity, TraceID: traceID}
	}

	audit.Record(traceID, identity, "tool."+tool, "allow", "")
	return Result{Success: true, Data: data, Tool: tool, Agent: identity, TraceID: traceID}
}

// ListAllowed returns the tools an agent may use that are actually present
// in the registry, sorted for stable display.
func (b *Bridge) ListAllowed(identity string, tier Tier, teamName string) []string {
	allowed := AllowedTools(identity, tier, teamName)
	var out []string
	for tool := range allowed {
		if b.registry.Has(tool) {
			out = append(out, tool)
		}
	}
	sort.Strings(out)
	return out
}
