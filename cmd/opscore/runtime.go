package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kitz-os/opscore/internal/bus"
	"github.com/kitz-os/opscore/internal/lifecycle"
	"github.com/kitz-os/opscore/internal/permission"
	"github.com/kitz-os/opscore/internal/team"
	"github.com/kitz-os/opscore/internal/toolreg"
)

// busDeliverer hands approved output to whatever channel connector is
// subscribed on the bus. Connectors live outside this process; the daemon
// only knows the recipient address and the origin channel.
type busDeliverer struct {
	bus    *bus.Bus
	logger *slog.Logger
}

func (d *busDeliverer) Deliver(_ context.Context, task *lifecycle.Task) error {
	address := ""
	switch task.OriginChannel {
	case lifecycle.ChannelWhatsApp:
		address = task.Recipient.WhatsAppUserID
		if address == "" {
			address = task.Recipient.Phone
		}
	case lifecycle.ChannelEmail:
		address = task.Recipient.Email
	case lifecycle.ChannelSMS, lifecycle.ChannelVoice:
		address = task.Recipient.Phone
	case lifecycle.ChannelWeb:
		address = task.Recipient.UserID
		if address == "" {
			address = task.UserID
		}
	}
	if address == "" {
		return fmt.Errorf("no %s recipient on task %s", task.OriginChannel, task.ID)
	}
	d.bus.Publish(bus.TopicTaskOutbound, bus.OutboundMessageEvent{
		TaskID:    task.ID,
		UserID:    task.UserID,
		Channel:   string(task.OriginChannel),
		Recipient: address,
		Body:      task.ApprovedOutput,
	})
	d.logger.Info("outbound message queued", "task_id", task.ID, "channel", task.OriginChannel)
	return nil
}

// toolRuntime is the built-in agent runtime: each member reviews the ops
// dashboard through the permission bridge and reports what it saw. Real
// agent runtimes replace this by implementing swarm.AgentHandler.
type toolRuntime struct {
	bridge *permission.Bridge
}

func (r *toolRuntime) Execute(ctx context.Context, agent, teamName, prompt string) (string, error) {
	res := r.bridge.Invoke(ctx, agent, permission.TierTeam, teamName, "dashboard_metrics", nil)
	if !res.Success {
		return "", fmt.Errorf("dashboard review failed: %s", res.Error)
	}
	data, err := json.Marshal(res.Data)
	if err != nil {
		return "", fmt.Errorf("encode dashboard data: %w", err)
	}
	objective := prompt
	if idx := strings.Index(prompt, "Objective: "); idx >= 0 {
		objective = prompt[idx+len("Objective: "):]
	}
	return fmt.Sprintf("%s (%s) reviewed current operations for objective %q. Dashboard: %s",
		agent, teamName, strings.TrimSpace(objective), data), nil
}

// registerBuiltinTools installs the in-process tools every deployment gets.
// External integrations register their own tools under the capability names
// the bridge already knows.
func registerBuiltinTools(reg *toolreg.Registry, manager *lifecycle.Manager, teams *team.Registry) {
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}

	must(reg.Register(toolreg.Tool{
		Name:        "dashboard_metrics",
		Description: "Current task counts by status and SLA position",
		Handler: func(_ context.Context, _ map[string]any) (any, error) {
			return manager.TaskSummary(), nil
		},
	}))

	must(reg.Register(toolreg.Tool{
		Name:        "memory_search",
		Description: "Search stored tasks by message content",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query":   {"type": "string", "minLength": 1},
				"user_id": {"type": "string"}
			},
			"required": ["query"],
			"additionalProperties": false
		}`),
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			query, _ := args["query"].(string)
			userID, _ := args["user_id"].(string)
			type hit struct {
				TaskID  string `json:"task_id"`
				Status  string `json:"status"`
				Snippet string `json:"snippet"`
			}
			var hits []hit
			scan := manager.PendingTasks()
			scan = append(scan, manager.DraftReadyTasks(userID)...)
			scan = append(scan, manager.PendingClarificationTasks(userID)...)
			lowered := strings.ToLower(query)
			for _, t := range scan {
				if userID != "" && t.UserID != userID {
					continue
				}
				if !strings.Contains(strings.ToLower(t.UserMessage), lowered) {
					continue
				}
				snippet := t.UserMessage
				if len(snippet) > 120 {
					snippet = snippet[:120]
				}
				hits = append(hits, hit{TaskID: t.ID, Status: string(t.Status), Snippet: snippet})
			}
			return map[string]any{"hits": hits}, nil
		},
	}))

	must(reg.Register(toolreg.Tool{
		Name:        "sop_list",
		Description: "List operational teams and their mandates",
		Handler: func(_ context.Context, _ map[string]any) (any, error) {
			type entry struct {
				Team        string `json:"team"`
				Lead        string `json:"lead"`
				Description string `json:"description"`
			}
			var out []entry
			for _, name := range teams.Names() {
				if cfg, ok := teams.Get(name); ok {
					out = append(out, entry{Team: cfg.Name, Lead: cfg.Lead, Description: cfg.Description})
				}
			}
			return map[string]any{"teams": out}, nil
		},
	}))
}
