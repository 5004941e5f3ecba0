package billing

import (
	"errors"
	"time"

	"github.com/mtt-terminal/mtt-billing/internal/shared"
)

// StatementType distinguishes invoices from correcting credit notes.
type StatementType string

const (
	TypeInvoice    StatementType = "INVOICE"
	TypeCreditNote StatementType = "CREDIT_NOTE"
)

// StatementStatus enumerates statement lifecycle states. DRAFT is the only
// mutable state; FINALIZED, PAID and CANCELLED statements are read-only except
// for the specific transition fields.
type StatementStatus string

const (
	StatusDraft     StatementStatus = "DRAFT"
	StatusFinalized StatementStatus = "FINALIZED"
	StatusPaid      StatementStatus = "PAID"
	StatusCancelled StatementStatus = "CANCELLED"
)

// Statement is one monthly billing document for a company.
type Statement struct {
	ID        int64
	CompanyID int64
	Period    shared.Period
	Type      StatementType
	Status    StatementStatus

	// Number is empty until the finalize transition assigns it and is
	// immutable afterwards.
	Number string

	// OriginalID links a credit note to the invoice it corrects. Never set
	// on invoices.
	OriginalID *int64

	TotalStorage      shared.Money
	TotalService      shared.Money
	Total             shared.Money
	TotalContainers   int
	TotalBillableDays int

	FinalizedAt *time.Time
	FinalizedBy *int64
	PaidAt      *time.Time
	PaidBy      *int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsMutable reports whether line items may still change.
func (s *Statement) IsMutable() bool {
	return s.Status == StatusDraft
}

// StorageLineItem bills one container's stay portion inside the statement
// period.
type StorageLineItem struct {
	ID           int64
	StatementID  int64
	ContainerNo  string
	SizeClass    string
	Occupancy    string
	PeriodStart  time.Time
	PeriodEnd    time.Time
	FreeDays     int
	BillableDays int
	DailyRate    shared.Money
	Amount       shared.Money
}

// ServiceLineItem bills one ad-hoc charge whose charge date falls inside the
// statement period.
type ServiceLineItem struct {
	ID          int64
	StatementID int64
	ContainerNo string
	Description string
	ChargeDate  time.Time
	Amount      shared.Money
}

// PendingContainer is a frozen, informational record of a container still
// on-site at generation time. Never summed into statement totals.
type PendingContainer struct {
	ID             int64
	StatementID    int64
	ContainerNo    string
	SizeClass      string
	ArrivedAt      time.Time
	DaysOnTerminal int
	EstimatedCost  shared.Money
}

// StatementWithItems is the full read model handed to export and rendering
// collaborators.
type StatementWithItems struct {
	Statement
	StorageItems []StorageLineItem
	ServiceItems []ServiceLineItem
	Pending      []PendingContainer
}

// Totals are the financial rollups recomputed whenever line items change.
type Totals struct {
	Storage      shared.Money
	Service      shared.Money
	Total        shared.Money
	Containers   int
	BillableDays int
}

var (
	// ErrStatementNotFound indicates the statement does not exist.
	ErrStatementNotFound = errors.New("billing: statement not found")
	// ErrImmutableStatement indicates a mutation attempt on a non-draft statement.
	ErrImmutableStatement = errors.New("billing: statement is immutable")
	// ErrAlreadyFinalized indicates finalize on a statement that can no longer
	// accept a number.
	ErrAlreadyFinalized = errors.New("billing: statement already finalized")
	// ErrInvalidStatus indicates a transition from an ineligible state.
	ErrInvalidStatus = errors.New("billing: invalid statement status for transition")
	// ErrInvalidOriginalState indicates a credit note requested against a draft
	// or cancelled statement.
	ErrInvalidOriginalState = errors.New("billing: original statement not eligible for credit note")
	// ErrSequenceExhausted indicates the allocator failed to persist a number.
	// The burned number is a permanent gap; retrying allocates a fresh one.
	ErrSequenceExhausted = errors.New("billing: sequence allocation failed")
	// ErrDuplicateStatement indicates an invoice already exists for the
	// company and period.
	ErrDuplicateStatement = errors.New("billing: statement already exists for company and period")
	// ErrAggregation indicates inconsistent underlying stay or charge data.
	ErrAggregation = errors.New("billing: aggregation failed")
	// ErrEmptyAdjustment indicates a credit note without adjustment lines.
	ErrEmptyAdjustment = errors.New("billing: credit note requires at least one adjustment line")
	// ErrAdjustmentExceedsTotal indicates the cumulative reversal would
	// overshoot the original's total.
	ErrAdjustmentExceedsTotal = errors.New("billing: adjustment exceeds remaining original total")
)
