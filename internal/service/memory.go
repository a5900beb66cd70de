package service

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/recovery-companion/internal/detector"
	"github.com/capitalize-ai/recovery-companion/internal/model"
	"github.com/capitalize-ai/recovery-companion/pkg/logger"
)

const (
	// UpcomingDays is how far past the current recovery day pending tasks are listed.
	UpcomingDays = 7
	// HistoryLimit caps the turns returned by RecentHistory.
	HistoryLimit = 20
)

// MemoryTasks is an in-process TaskService for local runs and tests.
type MemoryTasks struct {
	mu          sync.RWMutex
	tasks       []model.Task
	completions map[string]model.CompletionRecord
}

// NewMemoryTasks creates a task store seeded with tasks.
func NewMemoryTasks(tasks ...model.Task) *MemoryTasks {
	m := &MemoryTasks{completions: make(map[string]model.CompletionRecord)}
	for _, t := range tasks {
		m.Add(t)
	}
	return m
}

// Add stores a task. A task without status is pending.
func (m *MemoryTasks) Add(task model.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if task.Status == "" {
		task.Status = model.TaskStatusPending
	}
	m.tasks = append(m.tasks, task)
}

// PendingTasks returns open tasks scheduled up to UpcomingDays past day.
func (m *MemoryTasks) PendingTasks(ctx context.Context, patientID string, day int) ([]model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var pending []model.Task
	for _, t := range m.tasks {
		if t.PatientID != patientID || t.Status != model.TaskStatusPending {
			continue
		}
		if t.Day > day+UpcomingDays {
			continue
		}
		pending = append(pending, t)
	}
	return detector.NextTasks(pending, "", len(pending)), nil
}

// CompleteTask records one completion per (task, conversation).
func (m *MemoryTasks) CompleteTask(ctx context.Context, taskID string, meta model.CompletionMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, t := range m.tasks {
		if t.ID == taskID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}

	key := completionKey(taskID, meta.ConversationID)
	if _, ok := m.completions[key]; ok {
		return nil
	}

	m.completions[key] = model.CompletionRecord{TaskID: taskID, Metadata: meta}
	m.tasks[idx].Status = model.TaskStatusCompleted
	return nil
}

// Completions returns the records stored for a task.
func (m *MemoryTasks) Completions(taskID string) []model.CompletionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.CompletionRecord
	for _, rec := range m.completions {
		if rec.TaskID == taskID {
			out = append(out, rec)
		}
	}
	return out
}

func completionKey(taskID, conversationID string) string {
	return taskID + "|" + conversationID
}

// MemoryContext is an in-process ContextService.
type MemoryContext struct {
	mu       sync.RWMutex
	history  map[string][]model.Turn
	profiles map[string]model.Profile
}

// NewMemoryContext creates an empty context store.
func NewMemoryContext() *MemoryContext {
	return &MemoryContext{
		history:  make(map[string][]model.Turn),
		profiles: make(map[string]model.Profile),
	}
}

// PutProfile stores a patient profile.
func (m *MemoryContext) PutProfile(p model.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.PatientID] = p
}

// RecentHistory returns the last HistoryLimit turns of a conversation.
func (m *MemoryContext) RecentHistory(ctx context.Context, conversationID string) ([]model.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	turns := m.history[conversationID]
	if len(turns) > HistoryLimit {
		turns = turns[len(turns)-HistoryLimit:]
	}
	out := make([]model.Turn, len(turns))
	copy(out, turns)
	return out, nil
}

// PatientProfile returns the stored profile or ErrNotFound.
func (m *MemoryContext) PatientProfile(ctx context.Context, patientID string) (*model.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[patientID]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", patientID, ErrNotFound)
	}
	return &p, nil
}

// AppendTurns adds turns to a conversation.
func (m *MemoryContext) AppendTurns(ctx context.Context, conversationID string, turns ...model.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[conversationID] = append(m.history[conversationID], turns...)
	return nil
}

// LogNotifier logs escalations and keeps them for inspection. It stands in
// for a paging integration when no message bus is configured.
type LogNotifier struct {
	logger *logger.Logger

	mu          sync.Mutex
	escalations []model.Escalation
}

// NewLogNotifier creates a notifier writing to log.
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{logger: log}
}

// NotifyEscalation records and logs the escalation.
func (n *LogNotifier) NotifyEscalation(ctx context.Context, e model.Escalation) error {
	n.mu.Lock()
	n.escalations = append(n.escalations, e)
	n.mu.Unlock()

	n.logger.Warn("conversation escalated to care team",
		zap.String("escalation_id", e.ID),
		zap.String("patient_id", e.PatientID),
		zap.String("conversation_id", e.ConversationID),
		zap.String("reason", e.Reason),
	)
	return nil
}

// Escalations returns every escalation seen so far.
func (n *LogNotifier) Escalations() []model.Escalation {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]model.Escalation, len(n.escalations))
	copy(out, n.escalations)
	return out
}
