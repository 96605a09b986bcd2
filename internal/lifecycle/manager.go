package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/kitz-os/opscore/internal/audit"
	"github.com/kitz-os/opscore/internal/bus"
	otelpkg "github.com/kitz-os/opscore/internal/otel"
	"github.com/kitz-os/opscore/internal/shared"
)

const (
	slaWindow              = 24 * time.Hour
	slaReminderWindow      = 2 * time.Hour
	taskTTL                = 72 * time.Hour
	maxClarificationRounds = 3
)

// ValidationError rejects bad task-creation input before it enters the
// state machine.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Deliverer sends approved output over the origin channel. Channel-specific
// formatting lives behind this interface, not in the core.
type Deliverer interface {
	Deliver(ctx context.Context, task *Task) error
}

// Snapshotter persists task snapshots. Writes are detached from the hot
// path; the in-memory store stays authoritative.
type Snapshotter interface {
	SaveTask(ctx context.Context, task *Task) error
	DeleteTask(ctx context.Context, taskID string) error
}

// Config holds the manager's dependencies. Clock and id generators are
// injectable for deterministic tests.
type Config struct {
	Bus         *bus.Bus
	Logger      *slog.Logger
	Deliverer   Deliverer
	Snapshotter Snapshotter      // optional
	Metrics     *otelpkg.Metrics // optional
	Clock       func() time.Time
	NewTaskID   func() string
	NewTraceID  func() string
}

// Manager owns the task store and drives every status transition. All state
// is process-lifetime; snapshots are best-effort.
type Manager struct {
	mu        sync.Mutex
	tasks     map[string]*Task
	userIndex map[string][]string

	bus        *bus.Bus
	logger     *slog.Logger
	deliverer  Deliverer
	snap       Snapshotter
	metrics    *otelpkg.Metrics
	clock      func() time.Time
	newTaskID  func() string
	newTraceID func() string
}

// NewManager creates a Manager with the given config.
func NewManager(cfg Config) *Manager {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newTaskID := cfg.NewTaskID
	if newTaskID == nil {
		newTaskID = shared.NewTaskID
	}
	newTraceID := cfg.NewTraceID
	if newTraceID == nil {
		newTraceID = shared.NewTraceID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		tasks:      make(map[string]*Task),
		userIndex:  make(map[string][]string),
		bus:        cfg.Bus,
		logger:     logger,
		deliverer:  cfg.Deliverer,
		snap:       cfg.Snapshotter,
		metrics:    cfg.Metrics,
		clock:      clock,
		newTaskID:  newTaskID,
		newTraceID: newTraceID,
	}
}

// CreateRequest is the input for CreateTask.
type CreateRequest struct {
	UserID        string
	OrgID         string
	OriginChannel Channel
	UserMessage   string
	Recipient     Recipient
	TraceID       string // optional; generated when empty
}

// CreateTask registers a new task and returns it with the channel-formatted
// acknowledgment. The ack always carries the 8-character task reference.
func (m *Manager) CreateTask(req CreateRequest) (*Task, string, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, "", &ValidationError{Field: "user_id", Reason: "must be non-empty"}
	}
	if strings.TrimSpace(req.UserMessage) == "" {
		return nil, "", &ValidationError{Field: "user_message", Reason: "must be non-empty"}
	}
	if _, err := ParseChannel(string(req.OriginChannel)); err != nil {
		return nil, "", &ValidationError{Field: "origin_channel", Reason: err.Error()}
	}

	now := m.clock()
	traceID := req.TraceID
	if traceID == "" {
		traceID = m.newTraceID()
	}
	task := &Task{
		ID:            m.newTaskID(),
		TraceID:       traceID,
		UserID:        req.UserID,
		OrgID:         req.OrgID,
		OriginChannel: req.OriginChannel,
		UserMessage:   req.UserMessage,
		Status:        StatusReceived,
		ToolsUsed:     []string{},
		Recipient:     req.Recipient,
		ReceivedAt:    now,
		SLADeadline:   now.Add(slaWindow),
	}

	m.mu.Lock()
	m.tasks[task.ID] = task
	m.userIndex[task.UserID] = append(m.userIndex[task.UserID], task.ID)
	out := task.clone()
	m.mu.Unlock()

	m.publish(bus.TopicTaskCreated, bus.TaskStateChangedEvent{
		TaskID: out.ID, UserID: out.UserID, NewStatus: string(StatusReceived),
	})
	if m.metrics != nil {
		m.metrics.TasksCreated.Add(context.Background(), 1,
			metric.WithAttributes(otelpkg.AttrChannel.String(string(out.OriginChannel))))
	}
	m.snapshot(out)
	m.logger.Info("task created", "task_id", out.ID, "channel", out.OriginChannel, "trace_id", out.TraceID)

	ack := ackMessages[out.OriginChannel](shared.TaskRef(out.ID))
	return out, ack, nil
}

// MarkProcessing moves a task to processing. Returns false on an invalid
// transition without mutating the task.
func (m *Manager) MarkProcessing(taskID string) bool {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok || !CanTransition(task.Status, StatusProcessing) {
		m.mu.Unlock()
		return false
	}
	m.setStatusLocked(task, StatusProcessing)
	out := task.clone()
	m.mu.Unlock()

	m.snapshot(out)
	return true
}

// SetDraftOutput records the draft and moves the task to draft_ready,
// returning the channel-formatted review prompt.
func (m *Manager) SetDraftOutput(taskID, output string, toolsUsed []string, credits int) (string, bool) {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok || !CanTransition(task.Status, StatusDraftReady) {
		m.mu.Unlock()
		return "", false
	}
	task.DraftOutput = output
	task.ToolsUsed = append([]string(nil), toolsUsed...)
	task.CreditsConsumed = credits
	now := m.clock()
	task.ProcessedAt = &now
	m.setStatusLocked(task, StatusDraftReady)
	out := task.clone()
	m.mu.Unlock()

	m.publish(bus.TopicTaskDraftReady, bus.TaskStateChangedEvent{
		TaskID: out.ID, UserID: out.UserID, NewStatus: string(StatusDraftReady),
	})
	m.snapshot(out)

	return draftReadyMessages[out.OriginChannel](output, shared.TaskRef(out.ID)), true
}

// RequestClarification asks the user for more information. It fails when the
// round bound is reached; the caller must then proceed with a best-effort
// draft instead of asking again. Only a received task accepts the request.
func (m *Manager) RequestClarification(taskID, question, context string) (string, bool) {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok || !CanTransition(task.Status, StatusPendingClarification) {
		m.mu.Unlock()
		return "", false
	}
	if task.ClarificationRounds >= maxClarificationRounds {
		m.mu.Unlock()
		return "", false
	}
	task.ClarificationQuestion = question
	task.ClarificationContext = context
	task.ClarificationRounds++
	m.setStatusLocked(task, StatusPendingClarification)
	out := task.clone()
	m.mu.Unlock()

	m.snapshot(out)
	return clarificationMessages[out.OriginChannel](question, shared.TaskRef(out.ID)), true
}

// ProvideClarification appends the user's answer to the original message and
// re-enters received for re-processing. Only valid from pending_clarification.
func (m *Manager) ProvideClarification(taskID, clarification string) (*Task, bool) {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok || task.Status != StatusPendingClarification {
		m.mu.Unlock()
		return nil, false
	}
	task.UserMessage = task.UserMessage + "\n\n[Clarification]: " + clarification
	task.ClarificationQuestion = ""
	m.setStatusLocked(task, StatusReceived)
	out := task.clone()
	m.mu.Unlock()

	m.snapshot(out)
	return out, true
}

// ApproveDraft moves a draft_ready task to approved.
func (m *Manager) ApproveDraft(taskID string) (*Task, bool) {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok || !CanTransition(task.Status, StatusApproved) {
		m.mu.Unlock()
		return nil, false
	}
	task.ApprovedOutput = task.DraftOutput
	now := m.clock()
	task.ApprovedAt = &now
	m.setStatusLocked(task, StatusApproved)
	out := task.clone()
	m.mu.Unlock()

	m.snapshot(out)
	return out, true
}

// RejectDraft moves a draft_ready task to rejected.
func (m *Manager) RejectDraft(taskID string) (*Task, bool) {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok || !CanTransition(task.Status, StatusRejected) {
		m.mu.Unlock()
		return nil, false
	}
	m.setStatusLocked(task, StatusRejected)
	out := task.clone()
	m.mu.Unlock()

	m.snapshot(out)
	return out, true
}

// DeliverApproved sends the approved output via the delivery collaborator
// and marks the task delivered. A delivery failure is reported, not retried.
func (m *Manager) DeliverApproved(ctx context.Context, taskID string) error {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("task %s not found", taskID)
	}
	if task.Status != StatusApproved || task.ApprovedOutput == "" {
		m.mu.Unlock()
		return fmt.Errorf("task %s has no approved output", taskID)
	}
	out := task.clone()
	m.mu.Unlock()

	if err := m.deliverer.Deliver(shared.WithTraceID(ctx, out.TraceID), out); err != nil {
		audit.Record(out.TraceID, "lifecycle", "task.deliver", "error", err.Error())
		return fmt.Errorf("deliver task %s: %w", taskID, err)
	}

	m.mu.Lock()
	if task, ok := m.tasks[taskID]; ok && CanTransition(task.Status, StatusDelivered) {
		now := m.clock()
		task.DeliveredAt = &now
		m.setStatusLocked(task, StatusDelivered)
		out = task.clone()
	}
	m.mu.Unlock()

	m.publish(bus.TopicTaskDelivered, bus.TaskStateChangedEvent{
		TaskID: out.ID, UserID: out.UserID, NewStatus: string(StatusDelivered),
	})
	if m.metrics != nil && out.DeliveredAt != nil {
		m.metrics.TaskDuration.Record(ctx, out.DeliveredAt.Sub(out.ReceivedAt).Seconds(),
			metric.WithAttributes(otelpkg.AttrChannel.String(string(out.OriginChannel))))
	}
	m.snapshot(out)
	return nil
}

// Task returns a copy of the task, or false when absent.
func (m *Manager) Task(taskID string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, false
	}
	return task.clone(), true
}

// TaskByRef finds a task by its 8-character short reference, optionally
// scoped to one user.
func (m *Manager) TaskByRef(ref, userID string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, task := range m.tasks {
		if userID != "" && task.UserID != userID {
			continue
		}
		if shared.TaskRef(task.ID) == ref || strings.Contains(task.ID, ref) {
			return task.clone(), true
		}
	}
	return nil, false
}

// TasksByUser returns all tasks for a user.
func (m *Manager) TasksByUser(userID string) []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Task
	for _, id := range m.userIndex[userID] {
		if task, ok := m.tasks[id]; ok {
			out = append(out, task.clone())
		}
	}
	return out
}

// PendingTasks returns tasks still being worked (received or processing).
func (m *Manager) PendingTasks() []*Task {
	return m.filter(func(t *Task) bool {
		return t.Status == StatusReceived || t.Status == StatusProcessing
	})
}

// DraftReadyTasks returns tasks awaiting review, optionally for one user.
func (m *Manager) DraftReadyTasks(userID string) []*Task {
	return m.filter(func(t *Task) bool {
		return t.Status == StatusDraftReady && (userID == "" || t.UserID == userID)
	})
}

// PendingClarificationTasks returns tasks awaiting a user answer.
func (m *Manager) PendingClarificationTasks(userID string) []*Task {
	return m.filter(func(t *Task) bool {
		return t.Status == StatusPendingClarification && (userID == "" || t.UserID == userID)
	})
}

// TasksNearingSLA returns non-terminal tasks whose deadline is within the
// reminder window. Used by the sweep scheduler to fire reminders.
func (m *Manager) TasksNearingSLA() []*Task {
	cutoff := m.clock().Add(slaReminderWindow)
	return m.filter(func(t *Task) bool {
		return !IsTerminal(t.Status) && !t.SLADeadline.After(cutoff)
	})
}

// Purge removes tasks older than the 72h TTL regardless of status, clearing
// their user-index entries. Returns the number of tasks removed.
func (m *Manager) Purge() int {
	now := m.clock()
	m.mu.Lock()
	var purged []*Task
	for id, task := range m.tasks {
		if now.Sub(task.ReceivedAt) <= taskTTL {
			continue
		}
		if !IsTerminal(task.Status) {
			m.setStatusLocked(task, StatusExpired)
		}
		purged = append(purged, task.clone())
		delete(m.tasks, id)
		m.dropFromUserIndexLocked(task.UserID, id)
	}
	m.mu.Unlock()

	for _, task := range purged {
		m.publish(bus.TopicTaskPurged, bus.TaskStateChangedEvent{
			TaskID: task.ID, UserID: task.UserID, NewStatus: string(task.Status),
		})
		if m.snap != nil {
			id := task.ID
			shared.Detach(m.logger, "task.delete", func(ctx context.Context) error {
				return m.snap.DeleteTask(ctx, id)
			})
		}
	}
	if len(purged) > 0 {
		if m.metrics != nil {
			m.metrics.TasksPurged.Add(context.Background(), int64(len(purged)))
		}
		m.logger.Info("purged expired tasks", "count", len(purged))
	}
	return len(purged)
}

// Summary aggregates task counts for the admin surface.
type Summary struct {
	Total     int            `json:"total"`
	ByStatus  map[string]int `json:"by_status"`
	WithinSLA int            `json:"within_sla"`
	PastSLA   int            `json:"past_sla"`
}

// TaskSummary reports counts by status and SLA position.
func (m *Manager) TaskSummary() Summary {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Summary{ByStatus: make(map[string]int)}
	for _, t := range m.tasks {
		s.Total++
		s.ByStatus[string(t.Status)]++
		if IsTerminal(t.Status) {
			continue
		}
		if now.After(t.SLADeadline) {
			s.PastSLA++
		} else {
			s.WithinSLA++
		}
	}
	return s
}

// Load hydrates the store from persisted snapshots at startup. Terminal
// tasks are skipped; hydration is best-effort.
func (m *Manager) Load(tasks []*Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tasks {
		if t == nil || t.ID == "" || IsTerminal(t.Status) {
			continue
		}
		if _, exists := m.tasks[t.ID]; exists {
			continue
		}
		cp := t.clone()
		m.tasks[cp.ID] = cp
		m.userIndex[cp.UserID] = append(m.userIndex[cp.UserID], cp.ID)
	}
}

func (m *Manager) filter(keep func(*Task) bool) []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Task
	for _, task := range m.tasks {
		if keep(task) {
			out = append(out, task.clone())
		}
	}
	return out
}

// setStatusLocked applies a transition already validated by the caller and
// publishes the state-change event. Callers hold m.mu.
func (m *Manager) setStatusLocked(task *Task, to Status) {
	from := task.Status
	task.Status = to
	m.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:    task.ID,
		UserID:    task.UserID,
		OldStatus: string(from),
		NewStatus: string(to),
	})
}

func (m *Manager) dropFromUserIndexLocked(userID, taskID string) {
	ids := m.userIndex[userID]
	filtered := ids[:0]
	for _, id := range ids {
		if id != taskID {
			filtered = append(filtered, id)
		}
	}
	if len(filtered) == 0 {
		delete(m.userIndex, userID)
	} else {
		m.userIndex[userID] = filtered
	}
}

func (m *Manager) publish(topic string, payload any) {
	if m.bus != nil {
		m.bus.Publish(topic, payload)
	}
}

func (m *Manager) snapshot(task *Task) {
	if m.snap == nil {
		return
	}
	cp := task.clone()
	shared.Detach(m.logger, "task.save", func(ctx context.Context) error {
		return m.snap.SaveTask(ctx, cp)
	})
}
