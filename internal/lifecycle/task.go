// Package lifecycle implements the per-request task state machine: draft-first
// approval workflow, clarification loop, SLA tracking and TTL purge.
package lifecycle

import (
	"fmt"
	"strings"
	"time"
)

// Channel is the origin channel of an inbound request.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
	ChannelWeb      Channel = "web"
	ChannelSMS      Channel = "sms"
	ChannelVoice    Channel = "voice"
)

// AllChannels lists every origin channel, for exhaustiveness checks in tests.
var AllChannels = []Channel{ChannelWhatsApp, ChannelEmail, ChannelWeb, ChannelSMS, ChannelVoice}

// ParseChannel validates a channel string.
func ParseChannel(s string) (Channel, error) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case ChannelWhatsApp, ChannelEmail, ChannelWeb, ChannelSMS, ChannelVoice:
		return c, nil
	}
	return "", fmt.Errorf("unknown channel %q", s)
}

// Status is a task's position in the lifecycle.
type Status string

const (
	StatusReceived             Status = "received"
	StatusProcessing           Status = "processing"
	StatusDraftReady           Status = "draft_ready"
	StatusPendingClarification Status = "pending_clarification"
	StatusApproved             Status = "approved"
	StatusDelivered            Status = "delivered"
	StatusRejected             Status = "rejected"
	StatusExpired              Status = "expired"
)

// allowedTransitions is the full status graph. A transition absent here is
// rejected without mutating the task.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusReceived: {
		StatusProcessing:           {},
		StatusPendingClarification: {},
		StatusExpired:              {},
	},
	StatusProcessing: {
		StatusDraftReady: {},
		StatusExpired:    {},
	},
	StatusDraftReady: {
		StatusApproved: {},
		StatusRejected: {},
		StatusExpired:  {},
	},
	StatusPendingClarification: {
		StatusReceived: {},
		StatusExpired:  {},
	},
	StatusApproved: {
		StatusDelivered: {},
		StatusExpired:   {},
	},
	// delivered, rejected and expired are terminal.
}

// CanTransition reports whether from → to is on the status graph.
func CanTransition(from, to Status) bool {
	_, ok := allowedTransitions[from][to]
	return ok
}

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(s Status) bool {
	switch s {
	case StatusDelivered, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Recipient describes where approved output is delivered.
type Recipient struct {
	UserID         string `json:"user_id"`
	Phone          string `json:"phone,omitempty"`
	Email          string `json:"email,omitempty"`
	WhatsAppUserID string `json:"whatsapp_user_id,omitempty"`
}

// Task is one unit of orchestrated work tied to an inbound request.
type Task struct {
	ID            string  `json:"id"`
	TraceID       string  `json:"trace_id"`
	UserID        string  `json:"user_id"`
	OrgID         string  `json:"org_id"`
	OriginChannel Channel `json:"origin_channel"`
	UserMessage   string  `json:"user_message"`
	Status        Status  `json:"status"`

	DraftOutput     string   `json:"draft_output,omitempty"`
	ApprovedOutput  string   `json:"approved_output,omitempty"`
	ToolsUsed       []string `json:"tools_used"`
	CreditsConsumed int      `json:"credits_consumed"`

	ClarificationQuestion string `json:"clarification_question,omitempty"`
	ClarificationContext  string `json:"clarification_context,omitempty"`
	ClarificationRounds   int    `json:"clarification_rounds"`

	Recipient Recipient `json:"recipient"`

	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	SLADeadline time.Time  `json:"sla_deadline"`
}

// clone returns a copy safe to hand to callers outside the store lock.
func (t *Task) clone() *Task {
	cp := *t
	cp.ToolsUsed = append([]string(nil), t.ToolsUsed...)
	return &cp
}
