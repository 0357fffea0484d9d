package rabbit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientSettingsValidate(t *testing.T) {
	assert.NoError(t, ClientSettings{ExchangeName: "exch", ExchangeType: ExchangeTopic}.Validate())
	assert.Error(t, ClientSettings{ExchangeType: ExchangeTopic}.Validate())
	assert.Error(t, ClientSettings{ExchangeName: "exch"}.Validate())
	assert.Error(t, ClientSettings{ExchangeName: "exch", ExchangeType: "headers"}.Validate())
}

func TestConsumerSettingsValidate(t *testing.T) {
	valid := ConsumerSettings{
		ClientSettings: ClientSettings{ExchangeName: "exch", ExchangeType: ExchangeDirect},
		QueueName:      "queue",
		RouteKey:       "key",
		PrefetchCount:  1,
	}
	assert.NoError(t, valid.Validate())

	missingQueue := valid
	missingQueue.QueueName = ""
	assert.Error(t, missingQueue.Validate())

	missingKey := valid
	missingKey.RouteKey = ""
	assert.Error(t, missingKey.Validate())

	badExchange := valid
	badExchange.ExchangeType = ""
	assert.Error(t, badExchange.Validate())
}

func TestBatchRoutingKeys(t *testing.T) {
	assert.Equal(t, "batch-processing-b1.Stage1", StageProcessingKey("b1", "Stage1"))
	assert.Equal(t, "batch-processing-b1.*", AllStageProcessingKey("b1"))
	assert.Equal(t, "queue-batch-processing-b1", BatchProcessingQueue("b1"))
}

func TestBatchConsumerTopology(t *testing.T) {
	actions := ForBatchActionsConsumer()
	assert.Equal(t, BatchActionsExchange, actions.ExchangeName)
	assert.Equal(t, ExchangeFanout, actions.ExchangeType)
	assert.Equal(t, AllActionsKey, actions.RouteKey)

	processing := ForBatchProcessingConsumer("b1", 3)
	assert.Equal(t, BatchProcessingExchange, processing.ExchangeName)
	assert.Equal(t, ExchangeTopic, processing.ExchangeType)
	assert.Equal(t, "queue-batch-processing-b1", processing.QueueName)
	assert.Equal(t, "batch-processing-b1.*", processing.RouteKey)
	assert.Equal(t, 3, processing.PrefetchCount)
}
