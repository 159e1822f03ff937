package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/apotek-core/apotek-core/internal/jobs"
)

// NegativeStockJob lists products whose cached stock is below zero.
// Negative stock is allowed at dispense time so patients are never
// blocked by a stale count, but every deficit must surface for
// procurement to reconcile.
type NegativeStockJob struct {
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewNegativeStockJob initialises the negative stock handler.
func NewNegativeStockJob(pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) *NegativeStockJob {
	return &NegativeStockJob{Pool: pool, Logger: logger, Metrics: metrics}
}

// Handle executes one scan.
func (j *NegativeStockJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Pool == nil {
		return errors.New("negative stock: handler not configured")
	}
	var payload NegativeStockPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Limit <= 0 {
		payload.Limit = 100
	}

	tracker := j.Metrics.Track(TaskNegativeStockScan)

	const query = `
		SELECT id, code, name, current_stock
		FROM products
		WHERE current_stock < 0
		ORDER BY current_stock ASC
		LIMIT $1`

	rows, err := j.Pool.Query(ctx, query, payload.Limit)
	if err != nil {
		j.Logger.Error("negative stock scan failed", slog.Any("error", err))
		return tracker.End(err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var (
			id    int64
			code  string
			name  string
			stock int64
		)
		if err := rows.Scan(&id, &code, &name, &stock); err != nil {
			return tracker.End(err)
		}
		count++
		j.Logger.Warn("stok produk negatif menunggu rekonsiliasi",
			slog.Int64("product_id", id),
			slog.String("code", code),
			slog.String("name", name),
			slog.Int64("current_stock", stock))
	}
	if err := rows.Err(); err != nil {
		return tracker.End(err)
	}
	j.Metrics.AddFindings(TaskNegativeStockScan, count)
	j.Logger.Info("negative stock scan selesai", slog.Int("products", count))
	return tracker.End(nil)
}
