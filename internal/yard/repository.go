package yard

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mtt-terminal/mtt-billing/internal/shared"
)

// Repository provides PostgreSQL backed reads over stays and charges.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListStaysOverlapping returns stays of a company intersecting the half-open
// window [start, end).
func (r *Repository) ListStaysOverlapping(ctx context.Context, companyID int64, start, end time.Time) ([]ContainerStay, error) {
	const query = `
		SELECT id, company_id, container_no, size_class, occupancy,
			arrived_at, exited_at, free_days,
			daily_rate_usd, daily_rate_local,
			created_at, updated_at
		FROM container_stays
		WHERE company_id = $1
		  AND arrived_at < $3
		  AND (exited_at IS NULL OR exited_at > $2)
		ORDER BY container_no, arrived_at`

	rows, err := r.pool.Query(ctx, query, companyID, start, end)
	if err != nil {
		return nil, fmt.Errorf("yard: list stays: %w", err)
	}
	defer rows.Close()

	return scanStays(rows)
}

// ListPendingStays returns stays of a company still on-site as of the given
// instant.
func (r *Repository) ListPendingStays(ctx context.Context, companyID int64, asOf time.Time) ([]ContainerStay, error) {
	const query = `
		SELECT id, company_id, container_no, size_class, occupancy,
			arrived_at, exited_at, free_days,
			daily_rate_usd, daily_rate_local,
			created_at, updated_at
		FROM container_stays
		WHERE company_id = $1
		  AND arrived_at <= $2
		  AND exited_at IS NULL
		ORDER BY container_no, arrived_at`

	rows, err := r.pool.Query(ctx, query, companyID, asOf)
	if err != nil {
		return nil, fmt.Errorf("yard: list pending stays: %w", err)
	}
	defer rows.Close()

	return scanStays(rows)
}

// ListChargesBetween returns charges whose charge date falls in [start, end).
// The column is a date, so the comparison carries no time-of-day ambiguity.
func (r *Repository) ListChargesBetween(ctx context.Context, companyID int64, start, end time.Time) ([]ServiceCharge, error) {
	const query = `
		SELECT id, company_id, container_no, description, charge_date,
			amount_usd, amount_local, created_at
		FROM service_charges
		WHERE company_id = $1
		  AND charge_date >= $2
		  AND charge_date < $3
		ORDER BY charge_date, id`

	rows, err := r.pool.Query(ctx, query, companyID, start, end)
	if err != nil {
		return nil, fmt.Errorf("yard: list charges: %w", err)
	}
	defer rows.Close()

	var charges []ServiceCharge
	for rows.Next() {
		var c ServiceCharge
		var amountUSD, amountLocal pgtype.Numeric
		if err := rows.Scan(
			&c.ID, &c.CompanyID, &c.ContainerNo, &c.Description, &c.ChargeDate,
			&amountUSD, &amountLocal, &c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("yard: scan charge: %w", err)
		}
		c.Amount = shared.Money{USD: numericToDecimal(amountUSD), Local: numericToDecimal(amountLocal)}
		charges = append(charges, c)
	}
	return charges, rows.Err()
}

// ListActiveCompanyIDs returns companies with any billable activity, stays or
// charges, inside the window.
func (r *Repository) ListActiveCompanyIDs(ctx context.Context, start, end time.Time) ([]int64, error) {
	const query = `
		SELECT DISTINCT company_id FROM (
			SELECT company_id FROM container_stays
			WHERE arrived_at < $2 AND (exited_at IS NULL OR exited_at > $1)
			UNION
			SELECT company_id FROM service_charges
			WHERE charge_date >= $1 AND charge_date < $2
		) activity
		ORDER BY company_id`

	rows, err := r.pool.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("yard: list active companies: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("yard: scan company id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanStays(rows pgx.Rows) ([]ContainerStay, error) {
	var stays []ContainerStay
	for rows.Next() {
		var s ContainerStay
		var exitedAt pgtype.Timestamptz
		var rateUSD, rateLocal pgtype.Numeric
		if err := rows.Scan(
			&s.ID, &s.CompanyID, &s.ContainerNo, &s.SizeClass, &s.Occupancy,
			&s.ArrivedAt, &exitedAt, &s.FreeDays,
			&rateUSD, &rateLocal,
			&s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("yard: scan stay: %w", err)
		}
		if exitedAt.Valid {
			t := exitedAt.Time
			s.ExitedAt = &t
		}
		s.DailyRate = shared.Money{USD: numericToDecimal(rateUSD), Local: numericToDecimal(rateLocal)}
		stays = append(stays, s)
	}
	return stays, rows.Err()
}

func numericToDecimal(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}
