package models

import (
	"encoding/json"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Stage identifies one ordered phase of batch processing. A batch completes a
// stage when every one of its items has been processed by that stage.
type Stage string

const (
	Stage1 Stage = "Stage1"
	Stage2 Stage = "Stage2"
	Stage3 Stage = "Stage3"
)

// BodyType discriminators carried in the message envelope.
const (
	BodyTypeBatchMessage = "BatchMessage"
	BodyTypeReference    = "Reference"
	BodyTypeString       = "String"
)

// QueueMessage is the wire envelope for every message on the broker.
// BodyType is a string discriminator that must match the shape of Body so
// receivers holding a generically-typed envelope can re-decode the payload.
type QueueMessage[T any] struct {
	ID       string `json:"Id"`
	LinkedID string `json:"LinkedId"`
	BodyType string `json:"BodyType"`
	Body     T      `json:"Body"`
}

// DecodeBody re-decodes a raw envelope body into a concrete payload type.
func DecodeBody[B any](raw json.RawMessage) (B, error) {
	var body B
	if err := json.Unmarshal(raw, &body); err != nil {
		return body, fmt.Errorf("failed to decode message body as %T: %w", body, err)
	}
	return body, nil
}

// Reference points at a document by id and display name.
type Reference struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// BatchMessage is the payload for stage processing messages. Exactly one
// IsLast message is emitted per stage per batch; it carries no item reference
// and acts as the barrier signal that all item messages have been enqueued.
type BatchMessage struct {
	IsFirst       bool       `json:"isFirst"`
	IsLast        bool       `json:"isLast"`
	ItemStage     int        `json:"itemStage"`
	ExpectedCount int        `json:"expectedCount"`
	Reference     *Reference `json:"reference,omitempty"`
}

// Batch tracks multi-stage processing progress for a unit of work split into
// ItemCount items. StageOrder is the explicit processing order supplied at
// creation; Stages maps each stage to the number of items it has processed.
type Batch struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	ItemCount  int           `json:"itemCount"`
	StageOrder []Stage       `json:"stageOrder"`
	Stages     map[Stage]int `json:"stages"`
}

// NewBatchRecord creates a Batch with one zero counter per requested stage.
func NewBatchRecord(id, name string, itemCount int, stages []Stage) *Batch {
	b := &Batch{
		ID:         id,
		Name:       name,
		ItemCount:  itemCount,
		StageOrder: append([]Stage(nil), stages...),
		Stages:     make(map[Stage]int, len(stages)),
	}
	for _, stage := range stages {
		b.Stages[stage] = 0
	}
	return b
}

// IsCompleted reports whether every stage has processed every item. A counter
// exceeding ItemCount is a consistency violation and returns an error.
func (b *Batch) IsCompleted() (bool, error) {
	completed := true
	for stage, count := range b.Stages {
		if count > b.ItemCount {
			return false, fmt.Errorf("stage %s processed %d of expected %d items", stage, count, b.ItemCount)
		}
		if count != b.ItemCount {
			completed = false
		}
	}
	return completed, nil
}

// NextStage returns the first stage, in processing order, whose counter is
// still zero.
func (b *Batch) NextStage() (Stage, error) {
	for _, stage := range b.StageOrder {
		if b.Stages[stage] == 0 {
			return stage, nil
		}
	}
	return "", fmt.Errorf("batch %s has no empty stage", b.ID)
}

// StageByOrdinal maps a wire-level stage ordinal back to the stage tag.
func (b *Batch) StageByOrdinal(ordinal int) (Stage, error) {
	if ordinal < 0 || ordinal >= len(b.StageOrder) {
		return "", fmt.Errorf("batch %s has no stage with ordinal %d", b.ID, ordinal)
	}
	return b.StageOrder[ordinal], nil
}

// Ordinal returns the position of a stage in the batch's processing order.
func (b *Batch) Ordinal(stage Stage) (int, error) {
	for i, s := range b.StageOrder {
		if s == stage {
			return i, nil
		}
	}
	return 0, fmt.Errorf("batch %s has no stage %s", b.ID, stage)
}

// BatchItem is one unit of work belonging to a batch. Items are created once
// at batch creation time and flagged as stage workers process them.
type BatchItem struct {
	ID        string    `json:"id"`
	Batch     Reference `json:"batch"`
	Name      string    `json:"name"`
	ItemNo    int       `json:"itemNo"`
	Processed bool      `json:"processed"`
}

// NewBatch is the input for creating a batch. Stage order is an explicit,
// ordered list supplied by the caller.
type NewBatch struct {
	Name      string  `json:"name"`
	ItemCount int     `json:"itemCount"`
	Stages    []Stage `json:"stages"`
}

// Validate checks the batch creation input.
func (n NewBatch) Validate() error {
	return validation.ValidateStruct(&n,
		validation.Field(&n.Name, validation.Required, validation.Length(1, 256)),
		validation.Field(&n.ItemCount, validation.Required, validation.Min(1)),
		validation.Field(&n.Stages, validation.Required),
	)
}
