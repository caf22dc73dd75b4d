package health

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the samples table when it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS health_samples (
		id         UUID PRIMARY KEY,
		user_id    TEXT NOT NULL,
		metric     TEXT NOT NULL,
		value      DOUBLE PRECISION NOT NULL,
		start_time TIMESTAMPTZ NOT NULL,
		end_time   TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_health_samples_user_metric_start
		ON health_samples(user_id, metric, start_time);
	`
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to migrate health_samples: %w", err)
	}
	return nil
}

func (s *PostgresStore) CumulativeSum(ctx context.Context, userID string, metric Metric, from, to time.Time) (float64, error) {
	query := `
	SELECT COUNT(*), COALESCE(SUM(value), 0)
	FROM health_samples
	WHERE user_id = $1
	  AND metric = $2
	  AND start_time >= $3
	  AND start_time < $4
	`

	var count int64
	var sum float64
	if err := s.db.QueryRow(ctx, query, userID, string(metric), from, to).Scan(&count, &sum); err != nil {
		return 0, fmt.Errorf("failed to sum %s samples: %w", metric, err)
	}
	if count == 0 {
		return 0, ErrNoSamples
	}
	return sum, nil
}

// RecordSamples inserts samples in one transaction. Samples re-uploaded with
// an id already stored are skipped.
func (s *PostgresStore) RecordSamples(ctx context.Context, userID string, samples []Sample) error {
	for i := range samples {
		if err := samples[i].Validate(); err != nil {
			return fmt.Errorf("sample %d: %w", i, err)
		}
		if samples[i].ID == uuid.Nil {
			samples[i].ID = uuid.New()
		}
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
	INSERT INTO health_samples (id, user_id, metric, value, start_time, end_time)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (id) DO NOTHING
	`

	batch := &pgx.Batch{}
	for _, sample := range samples {
		batch.Queue(query, sample.ID, userID, string(sample.Metric), sample.Value, sample.StartTime, sample.EndTime)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert samples: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit samples: %w", err)
	}
	return nil
}
