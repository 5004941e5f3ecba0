package billing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mtt-terminal/mtt-billing/internal/shared"
)

// CompanySource enumerates companies with billable activity in a window.
type CompanySource interface {
	ListActiveCompanyIDs(ctx context.Context, start, end time.Time) ([]int64, error)
}

// DraftCreator is the slice of the lifecycle engine the batch drives.
type DraftCreator interface {
	CreateDraft(ctx context.Context, companyID int64, period shared.Period) (*StatementWithItems, error)
}

// CreatedStatement records one successful draft in a batch run.
type CreatedStatement struct {
	CompanyID   int64 `json:"company_id"`
	StatementID int64 `json:"statement_id"`
}

// SkippedCompany records one company the batch did not produce a draft for,
// either because a statement already exists or because aggregation failed.
type SkippedCompany struct {
	CompanyID int64  `json:"company_id"`
	Reason    string `json:"reason"`
}

// BatchResult summarises one generation run.
type BatchResult struct {
	RunID   string             `json:"run_id"`
	Period  string             `json:"period"`
	Created []CreatedStatement `json:"created"`
	Skipped []SkippedCompany   `json:"skipped"`
}

// BatchGenerator drives monthly draft creation across all eligible companies.
// Each company is an independent unit of work: failures are collected into the
// result, never aborting the rest of the batch, and a per-company timeout
// bounds how long one company may stall the run. A half-built draft rolls back
// with its transaction, so a timed-out company leaves nothing behind.
type BatchGenerator struct {
	drafts      DraftCreator
	companies   CompanySource
	existing    interface {
		HasStatementForPeriod(ctx context.Context, companyID int64, period shared.Period) (bool, error)
	}
	logger      *slog.Logger
	concurrency int
	perCompany  time.Duration
}

// BatchConfig collects BatchGenerator dependencies.
type BatchConfig struct {
	Drafts      DraftCreator
	Companies   CompanySource
	Store       StatementStore
	Logger      *slog.Logger
	Concurrency int
	PerCompany  time.Duration
}

// NewBatchGenerator constructs a BatchGenerator.
func NewBatchGenerator(cfg BatchConfig) *BatchGenerator {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	perCompany := cfg.PerCompany
	if perCompany <= 0 {
		perCompany = 30 * time.Second
	}
	return &BatchGenerator{
		drafts:      cfg.Drafts,
		companies:   cfg.Companies,
		existing:    cfg.Store,
		logger:      cfg.Logger,
		concurrency: concurrency,
		perCompany:  perCompany,
	}
}

// GenerateAllDrafts creates draft statements for every company with billable
// activity in the period. Idempotent: companies that already have a statement
// for the period land in Skipped, so re-running the same month is safe.
func (g *BatchGenerator) GenerateAllDrafts(ctx context.Context, year, month int) (*BatchResult, error) {
	period, err := shared.PeriodOf(year, month)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{
		RunID:   uuid.NewString(),
		Period:  period.String(),
		Created: []CreatedStatement{},
		Skipped: []SkippedCompany{},
	}

	ids, err := g.companies.ListActiveCompanyIDs(ctx, period.Start(), period.End())
	if err != nil {
		return nil, err
	}

	g.logger.Info("statement generation run started",
		slog.String("run_id", result.RunID),
		slog.String("period", result.Period),
		slog.Int("companies", len(ids)))

	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.concurrency)

	for _, companyID := range ids {
		companyID := companyID
		eg.Go(func() error {
			created, skipReason := g.generateOne(egCtx, companyID, period)
			mu.Lock()
			defer mu.Unlock()
			if skipReason != "" {
				result.Skipped = append(result.Skipped, SkippedCompany{CompanyID: companyID, Reason: skipReason})
				return nil
			}
			result.Created = append(result.Created, CreatedStatement{CompanyID: companyID, StatementID: created})
			return nil
		})
	}
	// Workers never return errors; Wait only observes ctx cancellation.
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	g.logger.Info("statement generation run finished",
		slog.String("run_id", result.RunID),
		slog.Int("created", len(result.Created)),
		slog.Int("skipped", len(result.Skipped)))

	return result, nil
}

// generateOne handles a single company, returning either the created statement
// id or a skip reason.
func (g *BatchGenerator) generateOne(ctx context.Context, companyID int64, period shared.Period) (int64, string) {
	ctx, cancel := context.WithTimeout(ctx, g.perCompany)
	defer cancel()

	exists, err := g.existing.HasStatementForPeriod(ctx, companyID, period)
	if err != nil {
		g.logger.Warn("statement existence check failed",
			slog.Int64("company_id", companyID), slog.Any("error", err))
		return 0, err.Error()
	}
	if exists {
		return 0, "statement already exists"
	}

	stmt, err := g.drafts.CreateDraft(ctx, companyID, period)
	if err != nil {
		// A concurrent run may have created the draft between the check and
		// the insert; that is still a clean skip.
		if errors.Is(err, ErrDuplicateStatement) {
			return 0, "statement already exists"
		}
		g.logger.Warn("draft generation failed",
			slog.Int64("company_id", companyID),
			slog.String("period", period.String()),
			slog.Any("error", err))
		return 0, err.Error()
	}
	return stmt.ID, ""
}
