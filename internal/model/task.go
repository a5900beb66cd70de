package model

import (
	"time"
)

// TaskStatus is the lifecycle state of a scheduled task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusCompleted TaskStatus = "completed"
)

// Task is a scheduled unit of patient activity.
type Task struct {
	ID          string     `json:"id"`
	PatientID   string     `json:"patientId,omitempty"`
	Title       string     `json:"title"`
	Day         int        `json:"day"`
	ScheduledAt time.Time  `json:"scheduledAt,omitempty"`
	Status      TaskStatus `json:"status"`
}

// CompletionMetadata describes how a task completion was detected.
type CompletionMetadata struct {
	ConversationID string    `json:"conversationId"`
	MatchedPhrase  string    `json:"matchedPhrase"`
	Source         string    `json:"source"`
	CompletedAt    time.Time `json:"completedAt"`
}

// CompletionRecord is what a task service stores per (task, conversation).
type CompletionRecord struct {
	TaskID   string             `json:"taskId"`
	Metadata CompletionMetadata `json:"metadata"`
}

// Profile is the patient data the prompt needs.
type Profile struct {
	PatientID   string    `json:"patientId"`
	Name        string    `json:"name,omitempty"`
	SurgeryType string    `json:"surgeryType,omitempty"`
	SurgeryDate time.Time `json:"surgeryDate,omitempty"`
}

// RecoveryDay returns the whole days elapsed since surgery, or false when no
// surgery date is recorded.
func (p *Profile) RecoveryDay(now time.Time) (int, bool) {
	if p == nil || p.SurgeryDate.IsZero() {
		return 0, false
	}
	days := int(now.Sub(p.SurgeryDate).Hours() / 24)
	if days < 0 {
		days = 0
	}
	return days, true
}

// Escalation is the notification sent to the care team.
type Escalation struct {
	ID             string    `json:"id"`
	PatientID      string    `json:"patientId,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	Reason         string    `json:"reason"`
	Evidence       string    `json:"evidence,omitempty"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"createdAt"`
}
