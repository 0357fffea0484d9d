// Package repository defines the narrow persistence contract the batch
// orchestration core depends on, plus in-memory and Postgres implementations.
// All operations are atomic at the single-document level: concurrent stage
// increments against the same batch must not lose updates.
package repository

import (
	"context"
	"errors"

	"github.com/mkvarda/batchstream/internal/models"
)

// ErrNotFound is returned when a lookup matches no document.
var ErrNotFound = errors.New("document not found")

// BatchRepository persists Batch progress documents.
type BatchRepository interface {
	// FindByID retrieves a batch. Returns ErrNotFound if absent.
	FindByID(ctx context.Context, id string) (*models.Batch, error)

	// InsertOne stores a new batch document.
	InsertOne(ctx context.Context, batch *models.Batch) error

	// IncrementStage atomically adds delta to one stage counter.
	IncrementStage(ctx context.Context, id string, stage models.Stage, delta int) error
}

// BatchItemRepository persists the items belonging to batches.
type BatchItemRepository interface {
	// FindByID retrieves one item. Returns ErrNotFound if absent.
	FindByID(ctx context.Context, id string) (*models.BatchItem, error)

	// InsertMany stores a set of items.
	InsertMany(ctx context.Context, items []models.BatchItem) error

	// MarkProcessed atomically sets the item's processed flag.
	MarkProcessed(ctx context.Context, id string) error

	// ListByBatch returns every item of a batch in insertion order.
	ListByBatch(ctx context.Context, batchID string) ([]models.BatchItem, error)
}
