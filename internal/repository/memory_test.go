package repository

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkvarda/batchstream/internal/models"
)

func TestMemoryBatchRepositoryRoundTrip(t *testing.T) {
	repo := NewMemoryBatchRepository()
	ctx := context.Background()

	batch := models.NewBatchRecord("b1", "nightly", 5, []models.Stage{models.Stage1, models.Stage2})
	require.NoError(t, repo.InsertOne(ctx, batch))
	assert.Error(t, repo.InsertOne(ctx, batch))

	found, err := repo.FindByID(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, batch, found)

	_, err = repo.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryBatchRepositoryReturnsCopies(t *testing.T) {
	repo := NewMemoryBatchRepository()
	ctx := context.Background()

	require.NoError(t, repo.InsertOne(ctx, models.NewBatchRecord("b1", "nightly", 5, []models.Stage{models.Stage1})))

	found, err := repo.FindByID(ctx, "b1")
	require.NoError(t, err)
	found.Stages[models.Stage1] = 99

	fresh, err := repo.FindByID(ctx, "b1")
	require.NoError(t, err)
	assert.Zero(t, fresh.Stages[models.Stage1])
}

func TestMemoryBatchRepositoryIncrementStage(t *testing.T) {
	repo := NewMemoryBatchRepository()
	ctx := context.Background()

	require.NoError(t, repo.InsertOne(ctx, models.NewBatchRecord("b1", "nightly", 5, []models.Stage{models.Stage1})))
	require.NoError(t, repo.IncrementStage(ctx, "b1", models.Stage1, 1))
	require.NoError(t, repo.IncrementStage(ctx, "b1", models.Stage1, 2))

	found, err := repo.FindByID(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 3, found.Stages[models.Stage1])

	assert.Error(t, repo.IncrementStage(ctx, "b1", models.Stage2, 1))
	assert.ErrorIs(t, repo.IncrementStage(ctx, "missing", models.Stage1, 1), ErrNotFound)
}

func TestMemoryBatchRepositoryConcurrentIncrements(t *testing.T) {
	repo := NewMemoryBatchRepository()
	ctx := context.Background()

	require.NoError(t, repo.InsertOne(ctx, models.NewBatchRecord("b1", "nightly", 100, []models.Stage{models.Stage1})))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = repo.IncrementStage(ctx, "b1", models.Stage1, 1)
		}()
	}
	wg.Wait()

	found, err := repo.FindByID(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 100, found.Stages[models.Stage1])
}

func TestMemoryBatchItemRepository(t *testing.T) {
	repo := NewMemoryBatchItemRepository()
	ctx := context.Background()

	items := []models.BatchItem{
		{ID: "i1", Batch: models.Reference{ID: "b1", Name: "nightly"}, Name: "nightly-1", ItemNo: 1},
		{ID: "i2", Batch: models.Reference{ID: "b1", Name: "nightly"}, Name: "nightly-2", ItemNo: 2},
		{ID: "i3", Batch: models.Reference{ID: "b2", Name: "other"}, Name: "other-1", ItemNo: 1},
	}
	require.NoError(t, repo.InsertMany(ctx, items))
	assert.Error(t, repo.InsertMany(ctx, items[:1]))

	found, err := repo.FindByID(ctx, "i2")
	require.NoError(t, err)
	assert.Equal(t, "nightly-2", found.Name)
	assert.False(t, found.Processed)

	require.NoError(t, repo.MarkProcessed(ctx, "i2"))
	found, err = repo.FindByID(ctx, "i2")
	require.NoError(t, err)
	assert.True(t, found.Processed)

	assert.ErrorIs(t, repo.MarkProcessed(ctx, "missing"), ErrNotFound)

	listed, err := repo.ListByBatch(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "i1", listed[0].ID)
	assert.Equal(t, "i2", listed[1].ID)
}
