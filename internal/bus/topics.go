package bus

// Task lifecycle event topics.
const (
	TopicTaskCreated      = "task.created"
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskDraftReady   = "task.draft_ready"
	TopicTaskDelivered    = "task.delivered"
	TopicTaskNearingSLA   = "task.nearing_sla"
	TopicTaskPurged       = "task.purged"
	TopicTaskOutbound     = "task.outbound"
)

// Swarm progress topics. Progress events are observability only; nothing
// routes control flow off them.
const (
	TopicSwarmTeamStart    = "swarm.team_start"
	TopicSwarmAgentAction  = "swarm.agent_action"
	TopicSwarmTeamComplete = "swarm.team_complete"
	TopicSwarmTeamError    = "swarm.team_error"
	TopicSwarmHandoff      = "swarm.handoff"
)

// Guardian topics.
const (
	TopicGuardianRetry     = "guardian.retry"
	TopicGuardianHandoff   = "guardian.handoff"
	TopicGuardianEscalated = "guardian.escalated"
)

// TaskStateChangedEvent is published when a task's status changes.
type TaskStateChangedEvent struct {
	TaskID    string // Task ID
	UserID    string // Owning user
	OldStatus string // Previous status (e.g. received)
	NewStatus string // New status (e.g. processing)
}

// SwarmProgressEvent is published as teams and members advance.
type SwarmProgressEvent struct {
	RunID     string // Swarm run ID
	Team      string // Team name
	Agent     string // Member agent, when applicable
	Message   string // Human-readable progress line
	Timestamp string // RFC3339
}

// OutboundMessageEvent carries an approved output to whatever channel
// connector is subscribed for delivery.
type OutboundMessageEvent struct {
	TaskID    string // Task ID
	UserID    string // Owning user
	Channel   string // Origin channel (whatsapp, email, web, sms, voice)
	Recipient string // Channel-specific address (phone, email, user id)
	Body      string // Approved output text
}

// GuardianEvent is published for retry, handoff and escalation decisions.
type GuardianEvent struct {
	TaskID  string // Failed task ID
	Agent   string // Origin or target agent
	Team    string // Team, when known
	Attempt int    // Attempt number at decision time
	Reason  string // Failure reason text
}
