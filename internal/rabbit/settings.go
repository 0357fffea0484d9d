package rabbit

import (
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Exchange types understood by the broker.
const (
	ExchangeDirect = "direct"
	ExchangeTopic  = "topic"
	ExchangeFanout = "fanout"
)

// Fixed topology for batch orchestration.
const (
	BatchActionsExchange    = "exch-batch-actions"
	BatchActionsQueue       = "queue-batch-actions"
	BatchProcessingExchange = "exch-batch-processing"

	DeadLetterExchange = "exch-deadletter"
	MiscExchange       = "exch-misc"
)

// Routing keys driving the batch action state machine and stage processing.
const (
	AllActionsKey      = "batch-action.*"
	StartActionKey     = "batch-action-start"
	CompletedActionKey = "batch-action-complete"

	stageProcessingKeyFormat    = "batch-processing-%s.%s"
	allStageProcessingKeyFormat = "batch-processing-%s.*"
	batchProcessingQueueFormat  = "queue-batch-processing-%s"
)

// StageProcessingKey is the per-batch, per-stage routing key for item messages.
func StageProcessingKey(batchID string, stage string) string {
	return fmt.Sprintf(stageProcessingKeyFormat, batchID, stage)
}

// AllStageProcessingKey is the wildcard binding key a per-batch stage worker
// subscribes with, matching every stage of one batch.
func AllStageProcessingKey(batchID string) string {
	return fmt.Sprintf(allStageProcessingKeyFormat, batchID)
}

// BatchProcessingQueue is the shared queue name for one batch's stage workers.
func BatchProcessingQueue(batchID string) string {
	return fmt.Sprintf(batchProcessingQueueFormat, batchID)
}

// ClientSettings configures the publishing side of a queue client: which
// exchange to declare and an optional message TTL. Immutable once passed to a
// publisher or subscriber.
type ClientSettings struct {
	ExchangeName string
	ExchangeType string
	TimeToLive   time.Duration // zero means the one-day topology default
}

// Validate checks the client settings.
func (s ClientSettings) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.ExchangeName, validation.Required),
		validation.Field(&s.ExchangeType, validation.Required,
			validation.In(ExchangeDirect, ExchangeTopic, ExchangeFanout)),
	)
}

// ConsumerSettings extends ClientSettings with the consuming side: queue name,
// binding key and prefetch count.
type ConsumerSettings struct {
	ClientSettings
	QueueName     string
	RouteKey      string
	PrefetchCount int
}

// Validate checks the consumer settings.
func (s ConsumerSettings) Validate() error {
	if err := s.ClientSettings.Validate(); err != nil {
		return err
	}
	return validation.ValidateStruct(&s,
		validation.Field(&s.QueueName, validation.Required),
		validation.Field(&s.RouteKey, validation.Required),
		validation.Field(&s.PrefetchCount, validation.Min(0)),
	)
}

// ForBatchActions returns the settings for the batch actions fanout exchange
// that carries start/completed control messages.
func ForBatchActions() ClientSettings {
	return ClientSettings{
		ExchangeName: BatchActionsExchange,
		ExchangeType: ExchangeFanout,
		TimeToLive:   10 * time.Minute,
	}
}

// ForBatchActionsConsumer returns consumer settings bound to every action key.
func ForBatchActionsConsumer() ConsumerSettings {
	return ConsumerSettings{
		ClientSettings: ForBatchActions(),
		QueueName:      BatchActionsQueue,
		RouteKey:       AllActionsKey,
		PrefetchCount:  5,
	}
}

// ForBatchProcessing returns the settings for one batch's stage processing
// topic exchange.
func ForBatchProcessing(batchID string) ClientSettings {
	return ClientSettings{
		ExchangeName: BatchProcessingExchange,
		ExchangeType: ExchangeTopic,
		TimeToLive:   10 * time.Minute,
	}
}

// ForBatchProcessingConsumer returns consumer settings for a per-batch stage
// worker: the batch's shared queue bound with the all-stages wildcard key.
func ForBatchProcessingConsumer(batchID string, prefetch int) ConsumerSettings {
	return ConsumerSettings{
		ClientSettings: ForBatchProcessing(batchID),
		QueueName:      BatchProcessingQueue(batchID),
		RouteKey:       AllStageProcessingKey(batchID),
		PrefetchCount:  prefetch,
	}
}
