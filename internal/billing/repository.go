package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mtt-terminal/mtt-billing/internal/platform/db"
	"github.com/mtt-terminal/mtt-billing/internal/shared"
)

// Repository provides PostgreSQL backed persistence for statements. It is the
// single enforcement point for the immutability invariant: every line-item
// mutation and every transition is guarded on the current status inside one
// transaction, so a reader never observes items and totals out of sync.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const statementColumns = `
	id, company_id, period_year, period_month, statement_type, status,
	number, original_id,
	total_storage_usd, total_storage_local,
	total_service_usd, total_service_local,
	total_usd, total_local,
	total_containers, total_billable_days,
	finalized_at, finalized_by, paid_at, paid_by,
	created_at, updated_at`

// CreateDraft persists a new draft invoice with its line items and totals in
// one transaction.
func (r *Repository) CreateDraft(ctx context.Context, companyID int64, period shared.Period, res *AggregateResult) (*StatementWithItems, error) {
	var out *StatementWithItems
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		const query = `
			INSERT INTO billing_statements (
				company_id, period_year, period_month, statement_type, status,
				total_storage_usd, total_storage_local,
				total_service_usd, total_service_local,
				total_usd, total_local,
				total_containers, total_billable_days,
				created_at, updated_at
			) VALUES ($1, $2, $3, 'INVOICE', 'DRAFT',
				$4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
			RETURNING id, created_at, updated_at`

		stmt := Statement{
			CompanyID:         companyID,
			Period:            period,
			Type:              TypeInvoice,
			Status:            StatusDraft,
			TotalStorage:      res.Totals.Storage,
			TotalService:      res.Totals.Service,
			Total:             res.Totals.Total,
			TotalContainers:   res.Totals.Containers,
			TotalBillableDays: res.Totals.BillableDays,
		}
		err := tx.QueryRow(ctx, query,
			companyID, period.Year, int(period.Month),
			res.Totals.Storage.USD.String(), res.Totals.Storage.Local.String(),
			res.Totals.Service.USD.String(), res.Totals.Service.Local.String(),
			res.Totals.Total.USD.String(), res.Totals.Total.Local.String(),
			res.Totals.Containers, res.Totals.BillableDays,
		).Scan(&stmt.ID, &stmt.CreatedAt, &stmt.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateStatement
			}
			return fmt.Errorf("billing: insert draft: %w", err)
		}

		items, err := insertLineItems(ctx, tx, stmt.ID, res)
		if err != nil {
			return err
		}
		items.Statement = stmt
		out = items
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReplaceLineItems discards and rebuilds the line items of a draft statement,
// recomputed totals included, atomically. Fails with ErrImmutableStatement on
// any non-draft statement.
func (r *Repository) ReplaceLineItems(ctx context.Context, statementID int64, res *AggregateResult) (*StatementWithItems, error) {
	var out *StatementWithItems
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		var status StatementStatus
		err := tx.QueryRow(ctx,
			`SELECT status FROM billing_statements WHERE id = $1 FOR UPDATE`,
			statementID,
		).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrStatementNotFound
		}
		if err != nil {
			return fmt.Errorf("billing: lock statement: %w", err)
		}
		if status != StatusDraft {
			return ErrImmutableStatement
		}

		for _, table := range []string{"billing_storage_items", "billing_service_items", "billing_pending_containers"} {
			if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE statement_id = $1`, table), statementID); err != nil {
				return fmt.Errorf("billing: clear %s: %w", table, err)
			}
		}

		const update = `
			UPDATE billing_statements SET
				total_storage_usd = $2, total_storage_local = $3,
				total_service_usd = $4, total_service_local = $5,
				total_usd = $6, total_local = $7,
				total_containers = $8, total_billable_days = $9,
				updated_at = NOW()
			WHERE id = $1`
		if _, err := tx.Exec(ctx, update, statementID,
			res.Totals.Storage.USD.String(), res.Totals.Storage.Local.String(),
			res.Totals.Service.USD.String(), res.Totals.Service.Local.String(),
			res.Totals.Total.USD.String(), res.Totals.Total.Local.String(),
			res.Totals.Containers, res.Totals.BillableDays,
		); err != nil {
			return fmt.Errorf("billing: update totals: %w", err)
		}

		items, err := insertLineItems(ctx, tx, statementID, res)
		if err != nil {
			return err
		}
		out = items
		return nil
	})
	if err != nil {
		return nil, err
	}

	stmt, err := r.Get(ctx, statementID)
	if err != nil {
		return nil, err
	}
	out.Statement = *stmt
	return out, nil
}

// Get retrieves a statement by id.
func (r *Repository) Get(ctx context.Context, id int64) (*Statement, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+statementColumns+` FROM billing_statements WHERE id = $1`, id)
	stmt, err := scanStatement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrStatementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("billing: get statement: %w", err)
	}
	return stmt, nil
}

// GetWithItems retrieves a statement with both line-item collections and the
// pending snapshot.
func (r *Repository) GetWithItems(ctx context.Context, id int64) (*StatementWithItems, error) {
	stmt, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &StatementWithItems{Statement: *stmt}

	rows, err := r.pool.Query(ctx, `
		SELECT id, statement_id, container_no, size_class, occupancy,
			period_start, period_end, free_days, billable_days,
			daily_rate_usd, daily_rate_local, amount_usd, amount_local
		FROM billing_storage_items WHERE statement_id = $1 ORDER BY container_no, period_start, id`, id)
	if err != nil {
		return nil, fmt.Errorf("billing: list storage items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var it StorageLineItem
		var rateUSD, rateLocal, amountUSD, amountLocal pgtype.Numeric
		if err := rows.Scan(&it.ID, &it.StatementID, &it.ContainerNo, &it.SizeClass, &it.Occupancy,
			&it.PeriodStart, &it.PeriodEnd, &it.FreeDays, &it.BillableDays,
			&rateUSD, &rateLocal, &amountUSD, &amountLocal); err != nil {
			return nil, fmt.Errorf("billing: scan storage item: %w", err)
		}
		it.DailyRate = moneyOf(rateUSD, rateLocal)
		it.Amount = moneyOf(amountUSD, amountLocal)
		out.StorageItems = append(out.StorageItems, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	srows, err := r.pool.Query(ctx, `
		SELECT id, statement_id, container_no, description, charge_date,
			amount_usd, amount_local
		FROM billing_service_items WHERE statement_id = $1 ORDER BY charge_date, id`, id)
	if err != nil {
		return nil, fmt.Errorf("billing: list service items: %w", err)
	}
	defer srows.Close()
	for srows.Next() {
		var it ServiceLineItem
		var amountUSD, amountLocal pgtype.Numeric
		if err := srows.Scan(&it.ID, &it.StatementID, &it.ContainerNo, &it.Description, &it.ChargeDate,
			&amountUSD, &amountLocal); err != nil {
			return nil, fmt.Errorf("billing: scan service item: %w", err)
		}
		it.Amount = moneyOf(amountUSD, amountLocal)
		out.ServiceItems = append(out.ServiceItems, it)
	}
	if err := srows.Err(); err != nil {
		return nil, err
	}

	prows, err := r.pool.Query(ctx, `
		SELECT id, statement_id, container_no, size_class, arrived_at,
			days_on_terminal, estimated_usd, estimated_local
		FROM billing_pending_containers WHERE statement_id = $1 ORDER BY container_no`, id)
	if err != nil {
		return nil, fmt.Errorf("billing: list pending containers: %w", err)
	}
	defer prows.Close()
	for prows.Next() {
		var p PendingContainer
		var estUSD, estLocal pgtype.Numeric
		if err := prows.Scan(&p.ID, &p.StatementID, &p.ContainerNo, &p.SizeClass, &p.ArrivedAt,
			&p.DaysOnTerminal, &estUSD, &estLocal); err != nil {
			return nil, fmt.Errorf("billing: scan pending container: %w", err)
		}
		p.EstimatedCost = moneyOf(estUSD, estLocal)
		out.Pending = append(out.Pending, p)
	}
	return out, prows.Err()
}

// ListStatementsRequest filters statement listings.
type ListStatementsRequest struct {
	Status    StatementStatus
	Type      StatementType
	CompanyID int64
	Period    *shared.Period
	Limit     int
	Offset    int
}

// List returns statements with optional filtering.
func (r *Repository) List(ctx context.Context, req ListStatementsRequest) ([]Statement, error) {
	query := `SELECT ` + statementColumns + ` FROM billing_statements WHERE 1=1`
	args := []any{}
	argNum := 1

	if req.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, string(req.Status))
		argNum++
	}
	if req.Type != "" {
		query += fmt.Sprintf(" AND statement_type = $%d", argNum)
		args = append(args, string(req.Type))
		argNum++
	}
	if req.CompanyID > 0 {
		query += fmt.Sprintf(" AND company_id = $%d", argNum)
		args = append(args, req.CompanyID)
		argNum++
	}
	if req.Period != nil {
		query += fmt.Sprintf(" AND period_year = $%d AND period_month = $%d", argNum, argNum+1)
		args = append(args, req.Period.Year, int(req.Period.Month))
		argNum += 2
	}

	query += " ORDER BY period_year DESC, period_month DESC, company_id, id"

	if req.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, req.Limit)
		argNum++
	}
	if req.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argNum)
		args = append(args, req.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("billing: list statements: %w", err)
	}
	defer rows.Close()

	var statements []Statement
	for rows.Next() {
		stmt, err := scanStatement(rows)
		if err != nil {
			return nil, fmt.Errorf("billing: scan statement: %w", err)
		}
		statements = append(statements, *stmt)
	}
	return statements, rows.Err()
}

// HasStatementForPeriod reports whether any invoice (draft or later) exists
// for the company and period. Credit notes do not count.
func (r *Repository) HasStatementForPeriod(ctx context.Context, companyID int64, period shared.Period) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM billing_statements
			WHERE company_id = $1 AND period_year = $2 AND period_month = $3
			  AND statement_type = 'INVOICE'
		)`, companyID, period.Year, int(period.Month)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("billing: statement exists: %w", err)
	}
	return exists, nil
}

// Finalize assigns the number and flips DRAFT to FINALIZED. The status guard
// in the WHERE clause makes a lost race surface as ErrImmutableStatement
// instead of a silent double transition.
func (r *Repository) Finalize(ctx context.Context, id int64, number string, by int64, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE billing_statements
		SET status = 'FINALIZED', number = $2, finalized_at = $3, finalized_by = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'DRAFT'`,
		id, number, at, by)
	if err != nil {
		return fmt.Errorf("billing: finalize: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionConflict(ctx, id)
	}
	return nil
}

// MarkPaid flips FINALIZED to PAID.
func (r *Repository) MarkPaid(ctx context.Context, id int64, by int64, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE billing_statements
		SET status = 'PAID', paid_at = $2, paid_by = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'FINALIZED'`,
		id, at, by)
	if err != nil {
		return fmt.Errorf("billing: mark paid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionConflict(ctx, id)
	}
	return nil
}

// Cancel annotates a fully reversed original. Nothing else on the record
// changes.
func (r *Repository) Cancel(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE billing_statements
		SET status = 'CANCELLED', updated_at = NOW()
		WHERE id = $1 AND status IN ('FINALIZED', 'PAID')`,
		id)
	if err != nil {
		return fmt.Errorf("billing: cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionConflict(ctx, id)
	}
	return nil
}

// CreditNoteRecord is a fully prepared credit note ready for insertion. Credit
// notes are born FINALIZED with their number already allocated.
type CreditNoteRecord struct {
	OriginalID   int64
	CompanyID    int64
	Period       shared.Period
	Number       string
	StorageItems []StorageLineItem
	ServiceItems []ServiceLineItem
	Totals       Totals
	FinalizedBy  int64
	FinalizedAt  time.Time
}

// CreateCreditNote inserts the credit note and its line items atomically.
func (r *Repository) CreateCreditNote(ctx context.Context, rec CreditNoteRecord) (*StatementWithItems, error) {
	var out *StatementWithItems
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		const query = `
			INSERT INTO billing_statements (
				company_id, period_year, period_month, statement_type, status,
				number, original_id,
				total_storage_usd, total_storage_local,
				total_service_usd, total_service_local,
				total_usd, total_local,
				total_containers, total_billable_days,
				finalized_at, finalized_by, created_at, updated_at
			) VALUES ($1, $2, $3, 'CREDIT_NOTE', 'FINALIZED',
				$4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW(), NOW())
			RETURNING id, created_at, updated_at`

		stmt := Statement{
			CompanyID:         rec.CompanyID,
			Period:            rec.Period,
			Type:              TypeCreditNote,
			Status:            StatusFinalized,
			Number:            rec.Number,
			OriginalID:        &rec.OriginalID,
			TotalStorage:      rec.Totals.Storage,
			TotalService:      rec.Totals.Service,
			Total:             rec.Totals.Total,
			TotalContainers:   rec.Totals.Containers,
			TotalBillableDays: rec.Totals.BillableDays,
			FinalizedAt:       &rec.FinalizedAt,
			FinalizedBy:       &rec.FinalizedBy,
		}
		err := tx.QueryRow(ctx, query,
			rec.CompanyID, rec.Period.Year, int(rec.Period.Month),
			rec.Number, rec.OriginalID,
			rec.Totals.Storage.USD.String(), rec.Totals.Storage.Local.String(),
			rec.Totals.Service.USD.String(), rec.Totals.Service.Local.String(),
			rec.Totals.Total.USD.String(), rec.Totals.Total.Local.String(),
			rec.Totals.Containers, rec.Totals.BillableDays,
			rec.FinalizedAt, rec.FinalizedBy,
		).Scan(&stmt.ID, &stmt.CreatedAt, &stmt.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateStatement
			}
			return fmt.Errorf("billing: insert credit note: %w", err)
		}

		items, err := insertLineItems(ctx, tx, stmt.ID, &AggregateResult{
			StorageItems: rec.StorageItems,
			ServiceItems: rec.ServiceItems,
		})
		if err != nil {
			return err
		}
		items.Statement = stmt
		out = items
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SumCreditNoteTotals returns the running total of all credit notes linked to
// an original. Used by the cumulative full-reversal cancellation rule.
func (r *Repository) SumCreditNoteTotals(ctx context.Context, originalID int64) (shared.Money, error) {
	var usd, local pgtype.Numeric
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(total_usd), 0), COALESCE(SUM(total_local), 0)
		FROM billing_statements
		WHERE original_id = $1 AND statement_type = 'CREDIT_NOTE'`,
		originalID).Scan(&usd, &local)
	if err != nil {
		return shared.Money{}, fmt.Errorf("billing: sum credit notes: %w", err)
	}
	return moneyOf(usd, local), nil
}

// --- helpers ---

func (r *Repository) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return db.WithTx(ctx, r.pool, fn)
}

// transitionConflict turns a zero-rows-affected transition into the precise
// domain error the caller needs to distinguish retry from block.
func (r *Repository) transitionConflict(ctx context.Context, id int64) error {
	if _, err := r.Get(ctx, id); errors.Is(err, ErrStatementNotFound) {
		return ErrStatementNotFound
	}
	return ErrImmutableStatement
}

func insertLineItems(ctx context.Context, tx pgx.Tx, statementID int64, res *AggregateResult) (*StatementWithItems, error) {
	out := &StatementWithItems{}

	for _, it := range res.StorageItems {
		it.StatementID = statementID
		err := tx.QueryRow(ctx, `
			INSERT INTO billing_storage_items (
				statement_id, container_no, size_class, occupancy,
				period_start, period_end, free_days, billable_days,
				daily_rate_usd, daily_rate_local, amount_usd, amount_local
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING id`,
			statementID, it.ContainerNo, it.SizeClass, it.Occupancy,
			it.PeriodStart, it.PeriodEnd, it.FreeDays, it.BillableDays,
			it.DailyRate.USD.String(), it.DailyRate.Local.String(),
			it.Amount.USD.String(), it.Amount.Local.String(),
		).Scan(&it.ID)
		if err != nil {
			return nil, fmt.Errorf("billing: insert storage item: %w", err)
		}
		out.StorageItems = append(out.StorageItems, it)
	}

	for _, it := range res.ServiceItems {
		it.StatementID = statementID
		err := tx.QueryRow(ctx, `
			INSERT INTO billing_service_items (
				statement_id, container_no, description, charge_date,
				amount_usd, amount_local
			) VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			statementID, it.ContainerNo, it.Description, it.ChargeDate,
			it.Amount.USD.String(), it.Amount.Local.String(),
		).Scan(&it.ID)
		if err != nil {
			return nil, fmt.Errorf("billing: insert service item: %w", err)
		}
		out.ServiceItems = append(out.ServiceItems, it)
	}

	for _, p := range res.Pending {
		p.StatementID = statementID
		err := tx.QueryRow(ctx, `
			INSERT INTO billing_pending_containers (
				statement_id, container_no, size_class, arrived_at,
				days_on_terminal, estimated_usd, estimated_local
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id`,
			statementID, p.ContainerNo, p.SizeClass, p.ArrivedAt,
			p.DaysOnTerminal, p.EstimatedCost.USD.String(), p.EstimatedCost.Local.String(),
		).Scan(&p.ID)
		if err != nil {
			return nil, fmt.Errorf("billing: insert pending container: %w", err)
		}
		out.Pending = append(out.Pending, p)
	}

	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStatement(row rowScanner) (*Statement, error) {
	var stmt Statement
	var periodYear, periodMonth int
	var number pgtype.Text
	var originalID, finalizedBy, paidBy pgtype.Int8
	var finalizedAt, paidAt pgtype.Timestamptz
	var storageUSD, storageLocal, serviceUSD, serviceLocal, totalUSD, totalLocal pgtype.Numeric

	err := row.Scan(
		&stmt.ID, &stmt.CompanyID, &periodYear, &periodMonth, &stmt.Type, &stmt.Status,
		&number, &originalID,
		&storageUSD, &storageLocal,
		&serviceUSD, &serviceLocal,
		&totalUSD, &totalLocal,
		&stmt.TotalContainers, &stmt.TotalBillableDays,
		&finalizedAt, &finalizedBy, &paidAt, &paidBy,
		&stmt.CreatedAt, &stmt.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	stmt.Period = shared.Period{Year: periodYear, Month: time.Month(periodMonth)}
	if number.Valid {
		stmt.Number = number.String
	}
	if originalID.Valid {
		stmt.OriginalID = &originalID.Int64
	}
	stmt.TotalStorage = moneyOf(storageUSD, storageLocal)
	stmt.TotalService = moneyOf(serviceUSD, serviceLocal)
	stmt.Total = moneyOf(totalUSD, totalLocal)
	if finalizedAt.Valid {
		stmt.FinalizedAt = &finalizedAt.Time
	}
	if finalizedBy.Valid {
		stmt.FinalizedBy = &finalizedBy.Int64
	}
	if paidAt.Valid {
		stmt.PaidAt = &paidAt.Time
	}
	if paidBy.Valid {
		stmt.PaidBy = &paidBy.Int64
	}
	return &stmt, nil
}

func moneyOf(usd, local pgtype.Numeric) shared.Money {
	return shared.Money{USD: numericToDecimal(usd), Local: numericToDecimal(local)}
}

func numericToDecimal(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
