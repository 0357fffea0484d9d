package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"

	"github.com/mkvarda/batchstream/internal/models"
)

// Schema creates the two tables the Postgres repositories use. Stage order
// and counters live in JSONB so a stage increment is one atomic statement.
const Schema = `
CREATE TABLE IF NOT EXISTS batches (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    item_count  INTEGER NOT NULL,
    stage_order JSONB NOT NULL,
    stages      JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS batch_items (
    id         TEXT PRIMARY KEY,
    batch_id   TEXT NOT NULL,
    batch_name TEXT NOT NULL,
    name       TEXT NOT NULL,
    item_no    INTEGER NOT NULL,
    processed  BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_batch_items_batch_id ON batch_items (batch_id);
`

// Connect opens a Postgres connection pool and applies the schema.
func Connect(dsn string) (*sqlx.DB, error) {
	log.Info().Msg("Connecting to database...")
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	log.Info().Msg("Database connection successful.")
	return db, nil
}

// PostgresBatchRepository is the sqlx-backed BatchRepository.
type PostgresBatchRepository struct {
	db *sqlx.DB
}

// NewPostgresBatchRepository wraps a connection pool.
func NewPostgresBatchRepository(db *sqlx.DB) *PostgresBatchRepository {
	return &PostgresBatchRepository{db: db}
}

type batchRow struct {
	ID         string `db:"id"`
	Name       string `db:"name"`
	ItemCount  int    `db:"item_count"`
	StageOrder []byte `db:"stage_order"`
	Stages     []byte `db:"stages"`
}

// FindByID implements BatchRepository.
func (r *PostgresBatchRepository) FindByID(ctx context.Context, id string) (*models.Batch, error) {
	var row batchRow
	err := r.db.GetContext(ctx, &row,
		`SELECT id, name, item_count, stage_order, stages FROM batches WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("could not get batch %s: %w", id, err)
	}

	batch := &models.Batch{ID: row.ID, Name: row.Name, ItemCount: row.ItemCount}
	if err := json.Unmarshal(row.StageOrder, &batch.StageOrder); err != nil {
		return nil, fmt.Errorf("could not decode stage order for %s: %w", id, err)
	}
	if err := json.Unmarshal(row.Stages, &batch.Stages); err != nil {
		return nil, fmt.Errorf("could not decode stages for %s: %w", id, err)
	}
	return batch, nil
}

// InsertOne implements BatchRepository.
func (r *PostgresBatchRepository) InsertOne(ctx context.Context, batch *models.Batch) error {
	stageOrder, err := json.Marshal(batch.StageOrder)
	if err != nil {
		return fmt.Errorf("could not encode stage order: %w", err)
	}
	stages, err := json.Marshal(batch.Stages)
	if err != nil {
		return fmt.Errorf("could not encode stages: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO batches (id, name, item_count, stage_order, stages) VALUES ($1, $2, $3, $4, $5)`,
		batch.ID, batch.Name, batch.ItemCount, stageOrder, stages)
	if err != nil {
		return fmt.Errorf("could not insert batch %s: %w", batch.ID, err)
	}
	return nil
}

// IncrementStage implements BatchRepository. The JSONB update runs as a single
// statement so concurrent increments on the same batch never lose updates.
func (r *PostgresBatchRepository) IncrementStage(ctx context.Context, id string, stage models.Stage, delta int) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE batches
		    SET stages = jsonb_set(stages, ARRAY[$2],
		        (COALESCE(stages->>$2, '0')::int + $3)::text::jsonb)
		  WHERE id = $1`,
		id, string(stage), delta)
	if err != nil {
		return fmt.Errorf("could not increment stage %s of batch %s: %w", stage, id, err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	return nil
}

// PostgresBatchItemRepository is the sqlx-backed BatchItemRepository.
type PostgresBatchItemRepository struct {
	db *sqlx.DB
}

// NewPostgresBatchItemRepository wraps a connection pool.
func NewPostgresBatchItemRepository(db *sqlx.DB) *PostgresBatchItemRepository {
	return &PostgresBatchItemRepository{db: db}
}

type batchItemRow struct {
	ID        string `db:"id"`
	BatchID   string `db:"batch_id"`
	BatchName string `db:"batch_name"`
	Name      string `db:"name"`
	ItemNo    int    `db:"item_no"`
	Processed bool   `db:"processed"`
}

func (row batchItemRow) toModel() models.BatchItem {
	return models.BatchItem{
		ID:        row.ID,
		Batch:     models.Reference{ID: row.BatchID, Name: row.BatchName},
		Name:      row.Name,
		ItemNo:    row.ItemNo,
		Processed: row.Processed,
	}
}

// FindByID implements BatchItemRepository.
func (r *PostgresBatchItemRepository) FindByID(ctx context.Context, id string) (*models.BatchItem, error) {
	var row batchItemRow
	err := r.db.GetContext(ctx, &row,
		`SELECT id, batch_id, batch_name, name, item_no, processed FROM batch_items WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("could not get batch item %s: %w", id, err)
	}
	item := row.toModel()
	return &item, nil
}

// InsertMany implements BatchItemRepository.
func (r *PostgresBatchItemRepository) InsertMany(ctx context.Context, items []models.BatchItem) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin insert transaction: %w", err)
	}
	defer tx.Rollback()

	for _, item := range items {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO batch_items (id, batch_id, batch_name, name, item_no, processed)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			item.ID, item.Batch.ID, item.Batch.Name, item.Name, item.ItemNo, item.Processed)
		if err != nil {
			return fmt.Errorf("could not insert batch item %s: %w", item.ID, err)
		}
	}
	return tx.Commit()
}

// MarkProcessed implements BatchItemRepository.
func (r *PostgresBatchItemRepository) MarkProcessed(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE batch_items SET processed = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("could not mark batch item %s processed: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("batch item %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListByBatch implements BatchItemRepository.
func (r *PostgresBatchItemRepository) ListByBatch(ctx context.Context, batchID string) ([]models.BatchItem, error) {
	var rows []batchItemRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT id, batch_id, batch_name, name, item_no, processed
		   FROM batch_items WHERE batch_id = $1 ORDER BY item_no`, batchID)
	if err != nil {
		return nil, fmt.Errorf("could not list items of batch %s: %w", batchID, err)
	}
	items := make([]models.BatchItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toModel())
	}
	return items, nil
}
