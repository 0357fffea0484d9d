// Package batch implements the batch-processing saga: creating batches,
// fanning stage messages out to per-batch workers, and driving stage-to-stage
// transitions through action messages on the broker.
package batch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mkvarda/batchstream/internal/models"
	"github.com/mkvarda/batchstream/internal/rabbit"
)

// Sender publishes the saga's messages: per-stage item messages and the
// start/completed control actions.
type Sender interface {
	SendBatchItemMessages(ctx context.Context, messages []models.QueueMessage[models.BatchMessage], batchID string, stage models.Stage) error
	SendBatchActionMessage(ctx context.Context, batchID, action string) error
}

// MessageSender is the broker-backed Sender. Publishers are opened per send
// and closed on every exit path; item message sets ride a single transaction.
type MessageSender struct {
	source rabbit.ConnectionSource
	logger zerolog.Logger
}

// NewMessageSender creates a sender publishing on the producer connection.
func NewMessageSender(source rabbit.ConnectionSource, logger zerolog.Logger) *MessageSender {
	return &MessageSender{source: source, logger: logger}
}

// SendBatchItemMessages publishes a stage's item set (including the barrier
// message) on the batch's stage-processing routing key.
func (s *MessageSender) SendBatchItemMessages(ctx context.Context, messages []models.QueueMessage[models.BatchMessage], batchID string, stage models.Stage) error {
	publisher, err := rabbit.NewQueuePublisher(s.source, s.logger, rabbit.ForBatchProcessing(batchID))
	if err != nil {
		return fmt.Errorf("failed to open stage publisher for %s: %w", batchID, err)
	}
	defer publisher.Close()

	payload := make([]any, len(messages))
	for i := range messages {
		payload[i] = messages[i]
	}

	s.logger.Info().Int("count", len(messages)).Str("batchId", batchID).Str("stage", string(stage)).
		Msg("Publishing stage messages")
	return publisher.PublishAll(ctx, payload, rabbit.StageProcessingKey(batchID, string(stage)), nil, 0)
}

// SendBatchActionMessage publishes one control action for a batch on the
// actions fanout exchange.
func (s *MessageSender) SendBatchActionMessage(ctx context.Context, batchID, action string) error {
	publisher, err := rabbit.NewQueuePublisher(s.source, s.logger, rabbit.ForBatchActions())
	if err != nil {
		return fmt.Errorf("failed to open action publisher for %s: %w", batchID, err)
	}
	defer publisher.Close()

	message := models.QueueMessage[string]{
		ID:       batchID,
		BodyType: models.BodyTypeString,
		Body:     action,
	}
	return publisher.Publish(ctx, message, action, nil, 0)
}
