package nats

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	// HistoryStream holds conversation turns.
	HistoryStream = "RECOVERY_HISTORY"
	// HistoryPrefix is the subject prefix of conversation turns.
	HistoryPrefix = "history"
	// HistoryRetention is how many turns the stream keeps per conversation.
	// Older turns are discarded, which keeps history reads bounded.
	HistoryRetention = 500

	// EscalationStream holds escalation notifications for the care team.
	EscalationStream = "RECOVERY_ESCALATIONS"
	// EscalationPrefix is the subject prefix of escalation notifications.
	EscalationPrefix = "escalation"

	// Key-value buckets.
	TasksBucket       = "recovery_tasks"
	ProfilesBucket    = "recovery_profiles"
	CompletionsBucket = "recovery_task_completions"
)

// StreamManager creates the streams and buckets the service depends on.
type StreamManager struct {
	client *Client
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{client: client}
}

// EnsureStreams creates the history and escalation streams, or brings an
// existing stream's limits up to date.
func (m *StreamManager) EnsureStreams(ctx context.Context) error {
	configs := []jetstream.StreamConfig{
		{
			Name:              HistoryStream,
			Subjects:          []string{fmt.Sprintf("%s.>", HistoryPrefix)},
			Retention:         jetstream.LimitsPolicy,
			MaxAge:            90 * 24 * time.Hour,
			MaxMsgsPerSubject: HistoryRetention,
			Storage:           jetstream.FileStorage,
			Replicas:          1,
			Compression:       jetstream.S2Compression,
			Description:       "Patient conversation turns",
		},
		{
			Name:        EscalationStream,
			Subjects:    []string{fmt.Sprintf("%s.>", EscalationPrefix)},
			Retention:   jetstream.LimitsPolicy,
			MaxAge:      365 * 24 * time.Hour,
			Storage:     jetstream.FileStorage,
			Replicas:    1,
			Duplicates:  10 * time.Minute,
			DenyDelete:  true,
			DenyPurge:   true,
			Description: "Conversations escalated to the care team",
		},
	}

	js := m.client.JetStream()
	for _, cfg := range configs {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("failed to ensure stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// EnsureBuckets ensures the task, profile and completion buckets exist.
func (m *StreamManager) EnsureBuckets(ctx context.Context) error {
	configs := []jetstream.KeyValueConfig{
		{Bucket: TasksBucket, Description: "Scheduled patient tasks", History: 1},
		{Bucket: ProfilesBucket, Description: "Patient profiles", History: 1},
		{Bucket: CompletionsBucket, Description: "Task completions per conversation", History: 1},
	}

	for _, cfg := range configs {
		if _, err := m.bucket(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

func (m *StreamManager) bucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js := m.client.JetStream()

	kv, err := js.KeyValue(ctx, cfg.Bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to open bucket %s: %w", cfg.Bucket, err)
	}

	kv, err = js.CreateKeyValue(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
	}
	return kv, nil
}

var safeToken = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// Token makes an identifier usable as one subject or key token. Identifiers
// outside [A-Za-z0-9_-], or starting with the "x" marker, are hex encoded
// behind that marker.
func Token(id string) string {
	if id != "" && id[0] != 'x' && safeToken.MatchString(id) {
		return id
	}
	return "x" + hex.EncodeToString([]byte(id))
}

// HistorySubject returns the subject for a conversation's turns.
func HistorySubject(conversationID string) string {
	return fmt.Sprintf("%s.%s", HistoryPrefix, Token(conversationID))
}

// EscalationSubject returns the subject for a patient's escalations.
func EscalationSubject(patientID string) string {
	if patientID == "" {
		return fmt.Sprintf("%s.unknown", EscalationPrefix)
	}
	return fmt.Sprintf("%s.%s", EscalationPrefix, Token(patientID))
}

// TaskKey is the task bucket key.
func TaskKey(patientID, taskID string) string {
	return Token(patientID) + "." + Token(taskID)
}

// CompletionKey is the completion bucket key for one (task, conversation).
func CompletionKey(taskID, conversationID string) string {
	return Token(taskID) + "." + Token(conversationID)
}
