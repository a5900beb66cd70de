package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/recovery-companion/internal/model"
	"github.com/capitalize-ai/recovery-companion/pkg/logger"
	"github.com/capitalize-ai/recovery-companion/pkg/metrics"
)

// EscalationPublisher publishes escalations to the escalation stream, where
// the care team's tooling consumes them. The escalation id is the JetStream
// message id, so a retried publish is stored once.
type EscalationPublisher struct {
	client *Client
	logger *logger.Logger
}

// NewEscalationPublisher creates a publisher.
func NewEscalationPublisher(client *Client, log *logger.Logger) *EscalationPublisher {
	return &EscalationPublisher{client: client, logger: log}
}

// NotifyEscalation publishes one escalation.
func (p *EscalationPublisher) NotifyEscalation(ctx context.Context, e model.Escalation) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal escalation: %w", err)
	}

	ack, err := p.client.JetStream().Publish(ctx, EscalationSubject(e.PatientID), data, jetstream.WithMsgID(e.ID))
	if err != nil {
		metrics.NATSPublishFailuresTotal.WithLabelValues("escalation").Inc()
		return fmt.Errorf("failed to publish escalation: %w", err)
	}

	p.logger.Info("escalation published",
		zap.String("escalation_id", e.ID),
		zap.String("reason", e.Reason),
		zap.Uint64("sequence", ack.Sequence),
		zap.Bool("duplicate", ack.Duplicate),
	)
	return nil
}
