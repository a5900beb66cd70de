package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/recovery-companion/internal/model"
	"github.com/capitalize-ai/recovery-companion/internal/service"
	"github.com/capitalize-ai/recovery-companion/pkg/logger"
	"github.com/capitalize-ai/recovery-companion/pkg/metrics"
)

const fetchBatch = 100

// storedTurn is a conversation turn as published to the history stream.
type storedTurn struct {
	Role      model.Role `json:"role"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"createdAt"`
}

// ContextStore is a service.ContextService backed by JetStream: turns live in
// the history stream, profiles in a key-value bucket.
type ContextStore struct {
	client   *Client
	profiles jetstream.KeyValue
	limit    int
	logger   *logger.Logger
}

// NewContextStore opens the profile bucket. EnsureStreams and EnsureBuckets
// must have run.
func NewContextStore(ctx context.Context, client *Client, log *logger.Logger) (*ContextStore, error) {
	profiles, err := client.KeyValue(ctx, ProfilesBucket)
	if err != nil {
		return nil, err
	}
	return &ContextStore{
		client:   client,
		profiles: profiles,
		limit:    service.HistoryLimit,
		logger:   log,
	}, nil
}

// AppendTurns publishes turns to the conversation subject in order.
func (s *ContextStore) AppendTurns(ctx context.Context, conversationID string, turns ...model.Turn) error {
	subject := HistorySubject(conversationID)
	now := time.Now().UTC()

	for _, t := range turns {
		data, err := json.Marshal(storedTurn{Role: t.Role, Content: t.Content, CreatedAt: now})
		if err != nil {
			return fmt.Errorf("failed to marshal turn: %w", err)
		}
		if _, err := s.client.JetStream().Publish(ctx, subject, data); err != nil {
			metrics.NATSPublishFailuresTotal.WithLabelValues("history").Inc()
			return fmt.Errorf("failed to publish turn: %w", err)
		}
	}
	return nil
}

// RecentHistory returns the newest turns of a conversation, oldest first. The
// subject is read to its end; HistoryRetention keeps that read bounded.
func (s *ContextStore) RecentHistory(ctx context.Context, conversationID string) ([]model.Turn, error) {
	js := s.client.JetStream()

	consumer, err := js.OrderedConsumer(ctx, HistoryStream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{HistorySubject(conversationID)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	var turns []model.Turn
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := consumer.FetchNoWait(fetchBatch)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch history: %w", err)
		}

		n := 0
		for msg := range batch.Messages() {
			n++
			var st storedTurn
			if err := json.Unmarshal(msg.Data(), &st); err != nil {
				s.logger.Warn("skipping malformed history entry", zap.String("subject", msg.Subject()), zap.Error(err))
				continue
			}
			turns = append(turns, model.Turn{Role: st.Role, Content: st.Content})
			if len(turns) > s.limit {
				turns = turns[1:]
			}
		}
		if err := batch.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) {
			return nil, fmt.Errorf("history batch error: %w", err)
		}
		if n == 0 {
			break
		}
	}
	return turns, nil
}

// PatientProfile reads a profile from the profile bucket.
func (s *ContextStore) PatientProfile(ctx context.Context, patientID string) (*model.Profile, error) {
	entry, err := s.profiles.Get(ctx, Token(patientID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, fmt.Errorf("profile %s: %w", patientID, service.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}

	var p model.Profile
	if err := json.Unmarshal(entry.Value(), &p); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	return &p, nil
}

// PutProfile stores a profile.
func (s *ContextStore) PutProfile(ctx context.Context, p model.Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	if _, err := s.profiles.Put(ctx, Token(p.PatientID), data); err != nil {
		return fmt.Errorf("failed to store profile: %w", err)
	}
	return nil
}
