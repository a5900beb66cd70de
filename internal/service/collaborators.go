// Package service implements the chat pipeline and the collaborators it
// reads patient context from and records side effects to.
package service

import (
	"context"
	"errors"

	"github.com/capitalize-ai/recovery-companion/internal/model"
)

var (
	// ErrNotFound is returned by collaborators for unknown records.
	ErrNotFound = errors.New("not found")
	// ErrCapacityExceeded is wrapped by CapacityError.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrEmptyMessage rejects requests without text.
	ErrEmptyMessage = errors.New("message is required")
)

// TaskService looks up scheduled tasks and records their completion.
type TaskService interface {
	// PendingTasks returns the patient's open tasks relevant on the given
	// recovery day, in schedule order.
	PendingTasks(ctx context.Context, patientID string, day int) ([]model.Task, error)
	// CompleteTask records a completion. Repeating a call for the same task
	// and conversation must not create a second record.
	CompleteTask(ctx context.Context, taskID string, meta model.CompletionMetadata) error
}

// ContextService supplies conversation history and patient profiles.
type ContextService interface {
	RecentHistory(ctx context.Context, conversationID string) ([]model.Turn, error)
	PatientProfile(ctx context.Context, patientID string) (*model.Profile, error)
	AppendTurns(ctx context.Context, conversationID string, turns ...model.Turn) error
}

// EscalationNotifier tells the care team that a conversation needs a human.
type EscalationNotifier interface {
	NotifyEscalation(ctx context.Context, escalation model.Escalation) error
}
