package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskLedgerIntegrity verifies cached stock against the movement sum.
	TaskLedgerIntegrity = "ledger:integrity"
	// TaskNegativeStockScan reports products whose stock went negative.
	TaskNegativeStockScan = "ledger:negative_stock"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "shared:idempotency_cleanup"
)

// LedgerIntegrityPayload bounds one integrity sweep.
type LedgerIntegrityPayload struct {
	// Limit caps how many mismatching products are reported per run.
	Limit int `json:"limit"`
}

// NewLedgerIntegrityTask constructs an Asynq task.
func NewLedgerIntegrityTask(payload LedgerIntegrityPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerIntegrity, data), nil
}

// NegativeStockPayload configures the negative stock scan.
type NegativeStockPayload struct {
	Limit int `json:"limit"`
}

// NewNegativeStockTask constructs an Asynq task.
func NewNegativeStockTask(payload NegativeStockPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskNegativeStockScan, data), nil
}

// IdempotencyCleanupPayload configures key retention.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewIdempotencyCleanupTask constructs an Asynq task.
func NewIdempotencyCleanupTask(payload IdempotencyCleanupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}
