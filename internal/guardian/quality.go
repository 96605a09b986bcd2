package guardian

import (
	"fmt"
	"strings"

	"github.com/kitz-os/opscore/internal/audit"
)

const regenPreviewLimit = 500

// QualityPolicy decides whether an agent response is fit to become a draft.
type QualityPolicy interface {
	Acceptable(response string) (ok bool, reason string)
}

// heuristicPolicy is the default gate: a response is rejected when it is too
// short to be useful or carries an obvious failure marker.
type heuristicPolicy struct{}

func (heuristicPolicy) Acceptable(response string) (bool, string) {
	trimmed := strings.TrimSpace(response)
	if len(trimmed) < 20 {
		return false, "response too short"
	}
	lower := strings.ToLower(trimmed)
	for _, marker := range []string{"[error]", "i cannot", "timed out"} {
		if strings.Contains(lower, marker) {
			return false, "failure marker: " + marker
		}
	}
	return true, ""
}

// CheckResult is the outcome of a quality gate.
type CheckResult struct {
	OK bool
	// RegenPrompt is set when the response failed and the task gets a single
	// regeneration pass. It embeds a truncated copy of the bad response.
	RegenPrompt string
	// Exhausted is set when the regeneration pass also produced a bad
	// response; the caller should report the failure instead.
	Exhausted bool
	Reason    string
}

// CheckQuality gates a response before it becomes a draft. A failing response
// gets exactly one regeneration pass per task; a second failure exhausts the
// gate and the caller routes the task through HandleFailure.
func (g *Guardian) CheckQuality(taskID, agent, userMessage, response string) CheckResult {
	ok, reason := g.quality.Acceptable(response)
	if ok {
		g.mu.Lock()
		delete(g.regenerated, taskID)
		g.mu.Unlock()
		return CheckResult{OK: true}
	}

	g.mu.Lock()
	already := g.regenerated[taskID]
	if !already {
		g.regenerated[taskID] = true
	}
	g.mu.Unlock()

	if already {
		audit.Record(taskID, agent, "guardian.quality", "deny", "regeneration also failed: "+reason)
		g.logger.Warn("quality gate exhausted", "task_id", taskID, "agent", agent, "reason", reason)
		return CheckResult{Exhausted: true, Reason: reason}
	}

	audit.Record(taskID, agent, "guardian.quality", "deny", reason)
	g.logger.Info("quality gate rejected draft, regenerating", "task_id", taskID, "reason", reason)
	preview := response
	if len(preview) > regenPreviewLimit {
		preview = preview[:regenPreviewLimit]
	}
	prompt := fmt.Sprintf(
		"Your previous response did not meet quality standards (%s). Original request: %s\n\nPrevious response: %s\n\nProduce a complete, useful response.",
		reason, userMessage, preview)
	return CheckResult{RegenPrompt: prompt, Reason: reason}
}
