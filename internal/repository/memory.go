package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/mkvarda/batchstream/internal/models"
)

// MemoryBatchRepository is a mutex-guarded in-memory BatchRepository. It
// backs tests and the in-memory barrier demo; reads return copies so callers
// never share mutable state with the store.
type MemoryBatchRepository struct {
	mu      sync.Mutex
	batches map[string]*models.Batch
}

// NewMemoryBatchRepository creates an empty store.
func NewMemoryBatchRepository() *MemoryBatchRepository {
	return &MemoryBatchRepository{batches: make(map[string]*models.Batch)}
}

// FindByID implements BatchRepository.
func (r *MemoryBatchRepository) FindByID(_ context.Context, id string) (*models.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch, ok := r.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	return copyBatch(batch), nil
}

// InsertOne implements BatchRepository.
func (r *MemoryBatchRepository) InsertOne(_ context.Context, batch *models.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.batches[batch.ID]; ok {
		return fmt.Errorf("batch %s already exists", batch.ID)
	}
	r.batches[batch.ID] = copyBatch(batch)
	return nil
}

// IncrementStage implements BatchRepository.
func (r *MemoryBatchRepository) IncrementStage(_ context.Context, id string, stage models.Stage, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch, ok := r.batches[id]
	if !ok {
		return fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	if _, ok := batch.Stages[stage]; !ok {
		return fmt.Errorf("batch %s has no stage %s", id, stage)
	}
	batch.Stages[stage] += delta
	return nil
}

func copyBatch(b *models.Batch) *models.Batch {
	clone := *b
	clone.StageOrder = append([]models.Stage(nil), b.StageOrder...)
	clone.Stages = make(map[models.Stage]int, len(b.Stages))
	for stage, count := range b.Stages {
		clone.Stages[stage] = count
	}
	return &clone
}

// MemoryBatchItemRepository is a mutex-guarded in-memory BatchItemRepository.
type MemoryBatchItemRepository struct {
	mu    sync.Mutex
	items map[string]*models.BatchItem
	order []string
}

// NewMemoryBatchItemRepository creates an empty store.
func NewMemoryBatchItemRepository() *MemoryBatchItemRepository {
	return &MemoryBatchItemRepository{items: make(map[string]*models.BatchItem)}
}

// FindByID implements BatchItemRepository.
func (r *MemoryBatchItemRepository) FindByID(_ context.Context, id string) (*models.BatchItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("batch item %s: %w", id, ErrNotFound)
	}
	clone := *item
	return &clone, nil
}

// InsertMany implements BatchItemRepository.
func (r *MemoryBatchItemRepository) InsertMany(_ context.Context, items []models.BatchItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range items {
		item := items[i]
		if _, ok := r.items[item.ID]; ok {
			return fmt.Errorf("batch item %s already exists", item.ID)
		}
		r.items[item.ID] = &item
		r.order = append(r.order, item.ID)
	}
	return nil
}

// MarkProcessed implements BatchItemRepository.
func (r *MemoryBatchItemRepository) MarkProcessed(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[id]
	if !ok {
		return fmt.Errorf("batch item %s: %w", id, ErrNotFound)
	}
	item.Processed = true
	return nil
}

// ListByBatch implements BatchItemRepository.
func (r *MemoryBatchItemRepository) ListByBatch(_ context.Context, batchID string) ([]models.BatchItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []models.BatchItem
	for _, id := range r.order {
		if item := r.items[id]; item.Batch.ID == batchID {
			items = append(items, *item)
		}
	}
	return items, nil
}
