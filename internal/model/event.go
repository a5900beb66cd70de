package model

import (
	"encoding/json"
	"time"
)

// EventType is the wire discriminator of a stream event.
type EventType string

const (
	EventTypeMetadata   EventType = "metadata"
	EventTypeContent    EventType = "content"
	EventTypeCompletion EventType = "completion"
	EventTypeError      EventType = "error"
)

// StreamEvent is one unit of the streamed response. The set of
// implementations is closed: MetadataEvent, ContentEvent, CompletionEvent
// and ErrorEvent.
type StreamEvent interface {
	Type() EventType
	sealed()
}

// EscalationInfo describes why a conversation needs a human.
type EscalationInfo struct {
	Reason   string `json:"reason"`
	Evidence string `json:"evidence,omitempty"`
}

// MetadataEvent opens every stream.
type MetadataEvent struct {
	RequestID      string          `json:"requestId"`
	ConversationID string          `json:"conversationId,omitempty"`
	Model          string          `json:"model"`
	Provider       string          `json:"provider"`
	EscalationHint *EscalationInfo `json:"escalationHint,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// ContentEvent carries one text fragment, in arrival order.
type ContentEvent struct {
	Text  string `json:"text"`
	Index int    `json:"index"`
}

// CompletionEvent is the successful terminal event.
type CompletionEvent struct {
	Text           string          `json:"text"`
	ShouldEscalate bool            `json:"shouldEscalate"`
	Escalation     *EscalationInfo `json:"escalation,omitempty"`
	TaskCompleted  bool            `json:"taskCompleted"`
	CompletedTask  *Task           `json:"completedTask,omitempty"`
	NextTasks      []Task          `json:"nextTasks"`
	Actions        []Action        `json:"actions"`
}

// ErrorEvent is the failure terminal event. Message is always patient-safe.
type ErrorEvent struct {
	Kind      string   `json:"kind"`
	Message   string   `json:"message"`
	Retryable bool     `json:"retryable"`
	Actions   []Action `json:"actions"`
}

func (MetadataEvent) Type() EventType   { return EventTypeMetadata }
func (ContentEvent) Type() EventType    { return EventTypeContent }
func (CompletionEvent) Type() EventType { return EventTypeCompletion }
func (ErrorEvent) Type() EventType      { return EventTypeError }

func (MetadataEvent) sealed()   {}
func (ContentEvent) sealed()    {}
func (CompletionEvent) sealed() {}
func (ErrorEvent) sealed()      {}

// IsTerminal reports whether the event ends a stream.
func IsTerminal(e StreamEvent) bool {
	switch e.(type) {
	case CompletionEvent, ErrorEvent:
		return true
	default:
		return false
	}
}

// WireEvent is the JSON envelope written to the transport.
type WireEvent struct {
	Type EventType   `json:"type"`
	Data StreamEvent `json:"data"`
}

// MarshalEvent encodes an event as {"type": ..., "data": ...}.
func MarshalEvent(e StreamEvent) ([]byte, error) {
	return json.Marshal(WireEvent{Type: e.Type(), Data: e})
}

// StreamSentinel is written after the terminal event.
const StreamSentinel = "[DONE]"
