package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtt-terminal/mtt-billing/internal/billing/numbering"
	"github.com/mtt-terminal/mtt-billing/internal/shared"
)

// StatementStore defines the persistence contract the lifecycle engine drives.
type StatementStore interface {
	CreateDraft(ctx context.Context, companyID int64, period shared.Period, res *AggregateResult) (*StatementWithItems, error)
	ReplaceLineItems(ctx context.Context, statementID int64, res *AggregateResult) (*StatementWithItems, error)
	Get(ctx context.Context, id int64) (*Statement, error)
	GetWithItems(ctx context.Context, id int64) (*StatementWithItems, error)
	List(ctx context.Context, req ListStatementsRequest) ([]Statement, error)
	HasStatementForPeriod(ctx context.Context, companyID int64, period shared.Period) (bool, error)
	Finalize(ctx context.Context, id int64, number string, by int64, at time.Time) error
	MarkPaid(ctx context.Context, id int64, by int64, at time.Time) error
	Cancel(ctx context.Context, id int64) error
	CreateCreditNote(ctx context.Context, rec CreditNoteRecord) (*StatementWithItems, error)
	SumCreditNoteTotals(ctx context.Context, originalID int64) (shared.Money, error)
}

// SequencePort issues gap-free document numbers.
type SequencePort interface {
	Next(ctx context.Context, kind numbering.Kind, year int) (int64, error)
}

// AggregatorPort builds line items for a company and period.
type AggregatorPort interface {
	Aggregate(ctx context.Context, companyID int64, period shared.Period) (*AggregateResult, error)
}

// Service is the statement lifecycle state machine. All mutations of one
// company+period are serialised behind a lock so concurrent finalize attempts
// cannot double-allocate a number and regenerate cannot race finalize.
type Service struct {
	repo   StatementStore
	agg    AggregatorPort
	seq    SequencePort
	locks  shared.Locker
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds a Service instance.
func NewService(repo StatementStore, agg AggregatorPort, seq SequencePort, locks shared.Locker, logger *slog.Logger) *Service {
	return &Service{repo: repo, agg: agg, seq: seq, locks: locks, logger: logger, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateDraft aggregates charges and persists a new draft invoice for the
// company and period.
func (s *Service) CreateDraft(ctx context.Context, companyID int64, period shared.Period) (*StatementWithItems, error) {
	var out *StatementWithItems
	err := s.locks.WithLock(ctx, shared.StatementLockKey(companyID, period), func(ctx context.Context) error {
		exists, err := s.repo.HasStatementForPeriod(ctx, companyID, period)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateStatement
		}
		res, err := s.agg.Aggregate(ctx, companyID, period)
		if err != nil {
			return err
		}
		out, err = s.repo.CreateDraft(ctx, companyID, period, res)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("draft statement created",
		slog.Int64("statement_id", out.ID),
		slog.Int64("company_id", companyID),
		slog.String("period", period.String()))
	return out, nil
}

// Regenerate discards and rebuilds the line items of a draft. Guarded to
// drafts only; any later state fails with ErrImmutableStatement.
func (s *Service) Regenerate(ctx context.Context, statementID int64) (*StatementWithItems, error) {
	stmt, err := s.repo.Get(ctx, statementID)
	if err != nil {
		return nil, err
	}
	if stmt.Type != TypeInvoice {
		return nil, ErrInvalidStatus
	}

	var out *StatementWithItems
	err = s.locks.WithLock(ctx, shared.StatementLockKey(stmt.CompanyID, stmt.Period), func(ctx context.Context) error {
		res, err := s.agg.Aggregate(ctx, stmt.CompanyID, stmt.Period)
		if err != nil {
			return err
		}
		// The store re-checks the status under row lock; the draft check
		// above is only a fast path.
		out, err = s.repo.ReplaceLineItems(ctx, statementID, res)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("draft statement regenerated", slog.Int64("statement_id", statementID))
	return out, nil
}

// Finalize assigns the invoice number and locks the statement. Re-finalizing
// an already finalized or paid statement is a no-op success so retried
// requests stay harmless; a cancelled statement can never take a number.
func (s *Service) Finalize(ctx context.Context, statementID, userID int64) (*Statement, error) {
	stmt, err := s.repo.Get(ctx, statementID)
	if err != nil {
		return nil, err
	}

	err = s.locks.WithLock(ctx, shared.StatementLockKey(stmt.CompanyID, stmt.Period), func(ctx context.Context) error {
		stmt, err = s.repo.Get(ctx, statementID)
		if err != nil {
			return err
		}
		switch stmt.Status {
		case StatusFinalized, StatusPaid:
			return nil
		case StatusCancelled:
			return ErrAlreadyFinalized
		}

		n, err := s.seq.Next(ctx, numbering.KindInvoice, stmt.Period.Year)
		if err != nil {
			// The attempt may have burned a number; that gap is permanent
			// and the statement stays a draft, safe to retry.
			return fmt.Errorf("%w: %v", ErrSequenceExhausted, err)
		}
		number := numbering.FormatInvoice(stmt.Period.Year, n)
		if err := s.repo.Finalize(ctx, statementID, number, userID, s.now()); err != nil {
			return err
		}
		s.logger.Info("statement finalized",
			slog.Int64("statement_id", statementID),
			slog.String("number", number),
			slog.Int64("user_id", userID))
		stmt, err = s.repo.Get(ctx, statementID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stmt, nil
}

// MarkPaid flips a finalized statement to paid. Repeating the call on an
// already paid statement is a no-op success.
func (s *Service) MarkPaid(ctx context.Context, statementID, userID int64) (*Statement, error) {
	stmt, err := s.repo.Get(ctx, statementID)
	if err != nil {
		return nil, err
	}
	switch stmt.Status {
	case StatusPaid:
		return stmt, nil
	case StatusDraft, StatusCancelled:
		return nil, ErrInvalidStatus
	}
	if err := s.repo.MarkPaid(ctx, statementID, userID, s.now()); err != nil {
		return nil, err
	}
	s.logger.Info("statement paid",
		slog.Int64("statement_id", statementID),
		slog.Int64("user_id", userID))
	return s.repo.Get(ctx, statementID)
}

// AdjustmentCategory routes an adjustment line to a storage or service item.
type AdjustmentCategory string

const (
	AdjustStorage AdjustmentCategory = "STORAGE"
	AdjustService AdjustmentCategory = "SERVICE"
)

// AdjustmentLine is one correction against the original, stated as the
// positive amount being credited back.
type AdjustmentLine struct {
	Category    AdjustmentCategory
	ContainerNo string
	Description string
	Amount      shared.Money
}

// CreditNoteInput describes a requested correction.
type CreditNoteInput struct {
	OriginalID  int64
	UserID      int64
	Adjustments []AdjustmentLine
}

// CreateCreditNote appends a correcting statement to a finalized or paid
// original. The credit note carries only the negated adjustment, not a copy of
// the original. When the cumulative credit-note total exactly negates the
// original's total the original flips to cancelled; the record itself stays
// untouched otherwise.
func (s *Service) CreateCreditNote(ctx context.Context, in CreditNoteInput) (*StatementWithItems, error) {
	if len(in.Adjustments) == 0 {
		return nil, ErrEmptyAdjustment
	}
	for _, a := range in.Adjustments {
		if a.Amount.IsZero() || a.Amount.IsNegative() {
			return nil, fmt.Errorf("%w: adjustment amounts must be positive", ErrEmptyAdjustment)
		}
	}

	original, err := s.repo.Get(ctx, in.OriginalID)
	if err != nil {
		return nil, err
	}
	if original.Type != TypeInvoice {
		return nil, ErrInvalidOriginalState
	}
	if original.Status != StatusFinalized && original.Status != StatusPaid {
		return nil, ErrInvalidOriginalState
	}

	var out *StatementWithItems
	err = s.locks.WithLock(ctx, shared.StatementLockKey(original.CompanyID, original.Period), func(ctx context.Context) error {
		original, err = s.repo.Get(ctx, in.OriginalID)
		if err != nil {
			return err
		}
		if original.Status != StatusFinalized && original.Status != StatusPaid {
			return ErrInvalidOriginalState
		}

		rec := CreditNoteRecord{
			OriginalID:  original.ID,
			CompanyID:   original.CompanyID,
			Period:      original.Period,
			FinalizedBy: in.UserID,
			FinalizedAt: s.now(),
		}
		for _, a := range in.Adjustments {
			amount := a.Amount.Neg()
			switch a.Category {
			case AdjustStorage:
				rec.StorageItems = append(rec.StorageItems, StorageLineItem{
					ContainerNo: a.ContainerNo,
					PeriodStart: original.Period.Start(),
					PeriodEnd:   original.Period.End(),
					DailyRate:   shared.Money{},
					Amount:      amount,
				})
				rec.Totals.Storage = rec.Totals.Storage.Add(amount)
			case AdjustService:
				rec.ServiceItems = append(rec.ServiceItems, ServiceLineItem{
					ContainerNo: a.ContainerNo,
					Description: a.Description,
					ChargeDate:  shared.DateOf(s.now()),
					Amount:      amount,
				})
				rec.Totals.Service = rec.Totals.Service.Add(amount)
			default:
				return fmt.Errorf("%w: unknown adjustment category %q", ErrEmptyAdjustment, a.Category)
			}
		}
		rec.Totals.Total = rec.Totals.Storage.Add(rec.Totals.Service)

		issued, err := s.repo.SumCreditNoteTotals(ctx, original.ID)
		if err != nil {
			return err
		}
		cumulative := issued.Add(rec.Totals.Total)
		// cumulative is negative; it may at most reach -original.Total.
		remaining := original.Total.Add(cumulative)
		if remaining.IsNegative() {
			return ErrAdjustmentExceedsTotal
		}

		n, err := s.seq.Next(ctx, numbering.KindCreditNote, original.Period.Year)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSequenceExhausted, err)
		}
		rec.Number = numbering.FormatCreditNote(original.Period.Year, n)

		out, err = s.repo.CreateCreditNote(ctx, rec)
		if err != nil {
			return err
		}

		if remaining.IsZero() && !original.Total.IsZero() {
			if err := s.repo.Cancel(ctx, original.ID); err != nil {
				return err
			}
			s.logger.Info("original statement cancelled by full reversal",
				slog.Int64("statement_id", original.ID),
				slog.String("credit_note", rec.Number))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("credit note created",
		slog.Int64("original_id", in.OriginalID),
		slog.Int64("credit_note_id", out.ID),
		slog.String("number", out.Number))
	return out, nil
}

// GetStatement returns the full read model for export and rendering
// collaborators.
func (s *Service) GetStatement(ctx context.Context, id int64) (*StatementWithItems, error) {
	return s.repo.GetWithItems(ctx, id)
}

// ListStatements returns statements with optional filtering.
func (s *Service) ListStatements(ctx context.Context, req ListStatementsRequest) ([]Statement, error) {
	return s.repo.List(ctx, req)
}
