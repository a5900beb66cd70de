package middleware

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/capitalize-ai/recovery-companion/internal/model"
)

const (
	// MaxMessageLength bounds the patient message in bytes.
	MaxMessageLength = 8000
	// MaxHistoryTurns bounds caller-supplied conversation history.
	MaxHistoryTurns = 100
	// MaxIdentifierLength bounds patient, conversation and task ids.
	MaxIdentifierLength = 128
	// MaxRecoveryDay bounds the recovery day.
	MaxRecoveryDay = 3650
)

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("message cannot be empty")
	}
	if len(content) > MaxMessageLength {
		return errors.New("message exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("message must be valid UTF-8")
	}
	return nil
}

// ValidateIdentifier validates an optional caller-supplied id.
func ValidateIdentifier(field, id string) error {
	if id == "" {
		return nil
	}
	if len(id) > MaxIdentifierLength {
		return fmt.Errorf("%s exceeds maximum length", field)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%s must be valid UTF-8", field)
	}
	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return fmt.Errorf("%s contains invalid characters", field)
		}
	}
	return nil
}

// ValidateChatRequest validates an inbound chat request.
func ValidateChatRequest(req *model.ChatRequest) error {
	if req == nil {
		return errors.New("request body is required")
	}
	if err := ValidateMessageContent(req.Message); err != nil {
		return err
	}
	if err := ValidateIdentifier("patientId", req.PatientID); err != nil {
		return err
	}
	if err := ValidateIdentifier("conversationId", req.ConversationID); err != nil {
		return err
	}
	if req.CurrentTask != nil {
		if err := ValidateIdentifier("currentTask.id", req.CurrentTask.ID); err != nil {
			return err
		}
	}

	c := req.Context
	if c.RecoveryDay != nil && (*c.RecoveryDay < 0 || *c.RecoveryDay > MaxRecoveryDay) {
		return errors.New("recoveryDay is out of range")
	}
	if c.LastPainLevel != nil && (*c.LastPainLevel < 0 || *c.LastPainLevel > 10) {
		return errors.New("lastPainLevel must be between 0 and 10")
	}
	if len(c.ConversationHistory) > MaxHistoryTurns {
		return errors.New("conversationHistory has too many turns")
	}
	for _, turn := range c.ConversationHistory {
		switch turn.Role {
		case model.RoleUser, model.RoleAssistant:
		default:
			return fmt.Errorf("conversationHistory has invalid role %q", turn.Role)
		}
	}
	return nil
}
