// Package numbering issues gap-free, year-scoped sequential document numbers.
//
// Allocation goes through a single atomically incremented counter per
// (kind, year); clients never compute "next number" by reading then writing.
// Numbers are never reused: if a caller fails after allocation the number is
// permanently burned and the sequence simply has a gap.
package numbering

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Kind scopes a counter to a document class.
type Kind string

const (
	KindInvoice    Kind = "INVOICE"
	KindCreditNote Kind = "CREDIT_NOTE"
)

// Store persists sequence counters in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Next returns the smallest integer not yet issued for (kind, year), starting
// at 1 each year. The upsert increments and returns in one statement, so two
// concurrent callers can never observe the same value.
func (s *Store) Next(ctx context.Context, kind Kind, year int) (int64, error) {
	const query = `
		INSERT INTO sequence_counters (kind, year, last_value, updated_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (kind, year)
		DO UPDATE SET last_value = sequence_counters.last_value + 1, updated_at = NOW()
		RETURNING last_value`

	var n int64
	if err := s.pool.QueryRow(ctx, query, string(kind), year).Scan(&n); err != nil {
		return 0, fmt.Errorf("numbering: next %s/%d: %w", kind, year, err)
	}
	return n, nil
}

// FormatInvoice renders an invoice number. Formatting is presentation only;
// changing it never renumbers anything.
func FormatInvoice(year int, n int64) string {
	return fmt.Sprintf("MTT-%d-%04d", year, n)
}

// FormatCreditNote renders a credit-note number.
func FormatCreditNote(year int, n int64) string {
	return fmt.Sprintf("MTT-CR-%d-%04d", year, n)
}
