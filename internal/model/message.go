// Package model defines data structures for the recovery companion.
package model

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is one entry of the prompt sent to the completion service.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// DefaultSurgeryType is used when neither the request nor the profile names one.
const DefaultSurgeryType = "general surgery"

// PatientContext is the optional clinical context attached to a chat request.
type PatientContext struct {
	RecoveryDay         *int   `json:"recoveryDay,omitempty"`
	SurgeryType         string `json:"surgeryType,omitempty"`
	LastPainLevel       *int   `json:"lastPainLevel,omitempty"`
	RecentProgress      string `json:"recentProgress,omitempty"`
	ConversationHistory []Turn `json:"conversationHistory,omitempty"`
}

// Day returns the recovery day, defaulting to 0.
func (c PatientContext) Day() int {
	if c.RecoveryDay == nil {
		return 0
	}
	return *c.RecoveryDay
}

// Surgery returns the surgery type, defaulting to a generic label.
func (c PatientContext) Surgery() string {
	if c.SurgeryType == "" {
		return DefaultSurgeryType
	}
	return c.SurgeryType
}

// TaskRef identifies the task the patient is currently looking at.
type TaskRef struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// ChatRequest is the inbound patient message.
type ChatRequest struct {
	Message        string         `json:"message"`
	Context        PatientContext `json:"context"`
	PatientID      string         `json:"patientId,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	CurrentTask    *TaskRef       `json:"currentTask,omitempty"`
}

// ActionType is the closed set of side-effect actions reported to the caller.
type ActionType string

const (
	ActionEscalateToProvider     ActionType = "escalate_to_provider"
	ActionCompleteTask           ActionType = "complete_task"
	ActionRecordPositiveProgress ActionType = "record_positive_progress"
	ActionOfferProviderContact   ActionType = "offer_provider_contact"
)

// Action is a side effect derived from the conversation.
type Action struct {
	Type   ActionType     `json:"type"`
	Reason string         `json:"reason,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// ChatResponse is the non-streaming reply payload.
type ChatResponse struct {
	Reply   string   `json:"reply"`
	Actions []Action `json:"actions"`
}
