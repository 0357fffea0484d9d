package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBatchRecord(t *testing.T) {
	b := NewBatchRecord("b1", "nightly", 10, []Stage{Stage1, Stage2, Stage3})

	assert.Equal(t, "b1", b.ID)
	assert.Equal(t, 10, b.ItemCount)
	assert.Equal(t, []Stage{Stage1, Stage2, Stage3}, b.StageOrder)
	require.Len(t, b.Stages, 3)
	for _, stage := range b.StageOrder {
		assert.Zero(t, b.Stages[stage])
	}
}

func TestBatchIsCompleted(t *testing.T) {
	b := NewBatchRecord("b1", "nightly", 2, []Stage{Stage1, Stage2})

	completed, err := b.IsCompleted()
	require.NoError(t, err)
	assert.False(t, completed)

	b.Stages[Stage1] = 2
	completed, err = b.IsCompleted()
	require.NoError(t, err)
	assert.False(t, completed)

	b.Stages[Stage2] = 2
	completed, err = b.IsCompleted()
	require.NoError(t, err)
	assert.True(t, completed)
}

func TestBatchIsCompletedDetectsOverflow(t *testing.T) {
	b := NewBatchRecord("b1", "nightly", 2, []Stage{Stage1})
	b.Stages[Stage1] = 3

	_, err := b.IsCompleted()
	assert.Error(t, err)
}

func TestBatchNextStageFollowsOrder(t *testing.T) {
	b := NewBatchRecord("b1", "nightly", 5, []Stage{Stage2, Stage1, Stage3})

	next, err := b.NextStage()
	require.NoError(t, err)
	assert.Equal(t, Stage2, next)

	b.Stages[Stage2] = 5
	next, err = b.NextStage()
	require.NoError(t, err)
	assert.Equal(t, Stage1, next)

	b.Stages[Stage1] = 5
	b.Stages[Stage3] = 5
	_, err = b.NextStage()
	assert.Error(t, err)
}

func TestStageOrdinalRoundTrip(t *testing.T) {
	b := NewBatchRecord("b1", "nightly", 5, []Stage{Stage3, Stage1})

	ordinal, err := b.Ordinal(Stage1)
	require.NoError(t, err)
	assert.Equal(t, 1, ordinal)

	stage, err := b.StageByOrdinal(ordinal)
	require.NoError(t, err)
	assert.Equal(t, Stage1, stage)

	_, err = b.Ordinal(Stage2)
	assert.Error(t, err)
	_, err = b.StageByOrdinal(2)
	assert.Error(t, err)
}

func TestQueueMessageEnvelopeRoundTrip(t *testing.T) {
	original := QueueMessage[BatchMessage]{
		ID:       "item-1",
		LinkedID: "batch-1",
		BodyType: BodyTypeBatchMessage,
		Body: BatchMessage{
			ItemStage: 1,
			Reference: &Reference{ID: "item-1", Name: "nightly-1"},
		},
	}
	wire, err := json.Marshal(original)
	require.NoError(t, err)

	// Receivers holding a generic envelope re-decode the raw body by the
	// BodyType discriminator.
	var generic QueueMessage[json.RawMessage]
	require.NoError(t, json.Unmarshal(wire, &generic))
	assert.Equal(t, BodyTypeBatchMessage, generic.BodyType)

	body, err := DecodeBody[BatchMessage](generic.Body)
	require.NoError(t, err)
	assert.Equal(t, original.Body, body)
}

func TestQueueMessageWireFieldNames(t *testing.T) {
	wire, err := json.Marshal(QueueMessage[string]{ID: "a", LinkedID: "b", BodyType: BodyTypeString, Body: "x"})
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(wire, &raw))
	for _, key := range []string{"Id", "LinkedId", "BodyType", "Body"} {
		assert.Contains(t, raw, key)
	}
}

func TestNewBatchValidate(t *testing.T) {
	valid := NewBatch{Name: "nightly", ItemCount: 10, Stages: []Stage{Stage1}}
	assert.NoError(t, valid.Validate())

	assert.Error(t, NewBatch{ItemCount: 10, Stages: []Stage{Stage1}}.Validate())
	assert.Error(t, NewBatch{Name: "nightly", Stages: []Stage{Stage1}}.Validate())
	assert.Error(t, NewBatch{Name: "nightly", ItemCount: 10}.Validate())
}
