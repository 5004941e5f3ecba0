package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskStatementsGenerate is the task type for the monthly statement
	// generation run.
	TaskStatementsGenerate = "billing:generate_statements"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "billing:cleanup_idempotency_keys"
)

// StatementsGeneratePayload selects the billing month for a generation run.
// Year and Month zero mean "the month preceding execution time", which lets
// the cron entry carry no date arithmetic.
type StatementsGeneratePayload struct {
	Year  int    `json:"year"`
	Month int    `json:"month"`
	RunID string `json:"run_id"`
}

// NewStatementsGenerateTask constructs the generation task for a specific
// month. Pass zeros for the scheduled previous-month run.
func NewStatementsGenerateTask(year, month int) (*asynq.Task, error) {
	payload := StatementsGeneratePayload{
		Year:  year,
		Month: month,
		RunID: uuid.NewString(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("jobs: marshal generate payload: %w", err)
	}
	return asynq.NewTask(TaskStatementsGenerate, data), nil
}

// NewIdempotencyCleanupTask constructs the cleanup task. It carries no payload;
// retention is worker configuration.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil)
}
