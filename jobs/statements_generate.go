package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/mtt-terminal/mtt-billing/internal/billing"
	"github.com/mtt-terminal/mtt-billing/internal/shared"
)

// BatchRunner is the batch generation contract the job drives.
type BatchRunner interface {
	GenerateAllDrafts(ctx context.Context, year, month int) (*billing.BatchResult, error)
}

// StatementsGenerateJob runs the monthly draft generation.
type StatementsGenerateJob struct {
	batch  BatchRunner
	logger *slog.Logger
	now    func() time.Time
}

// NewStatementsGenerateJob constructs the job handler.
func NewStatementsGenerateJob(batch BatchRunner, logger *slog.Logger) *StatementsGenerateJob {
	return &StatementsGenerateJob{batch: batch, logger: logger, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (j *StatementsGenerateJob) WithNow(now func() time.Time) {
	if now != nil {
		j.now = now
	}
}

// Handle processes one generation task. Per-company failures land in the run's
// skipped list, so the task only fails, and retries, when the run itself could
// not start.
func (j *StatementsGenerateJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload StatementsGeneratePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("jobs: unmarshal generate payload: %w", err)
	}

	year, month := payload.Year, payload.Month
	if year == 0 || month == 0 {
		prev := shared.PeriodContaining(j.now()).Previous()
		year, month = prev.Year, int(prev.Month)
	}

	result, err := j.batch.GenerateAllDrafts(ctx, year, month)
	if err != nil {
		j.logger.Error("statement generation run failed",
			slog.String("task_run_id", payload.RunID),
			slog.Any("error", err))
		return err
	}

	j.logger.Info("statement generation task finished",
		slog.String("task_run_id", payload.RunID),
		slog.String("run_id", result.RunID),
		slog.String("period", result.Period),
		slog.Int("created", len(result.Created)),
		slog.Int("skipped", len(result.Skipped)))
	return nil
}
