// Package yard holds the charge sources the billing engine aggregates from:
// container stay records and ad-hoc service charges. Amounts and daily rates
// arrive pre-valued in both denominations from the pricing collaborator.
package yard

import (
	"time"

	"github.com/mtt-terminal/mtt-billing/internal/shared"
)

// ContainerStay records one container's presence on the terminal.
type ContainerStay struct {
	ID          int64
	CompanyID   int64
	ContainerNo string
	SizeClass   string
	Occupancy   string
	ArrivedAt   time.Time
	// ExitedAt is nil while the container is still on-site.
	ExitedAt  *time.Time
	FreeDays  int
	DailyRate shared.Money
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ServiceCharge is one ad-hoc charge (crane lift, inspection, repair, ...)
// billed in the statement of the month containing its charge date.
type ServiceCharge struct {
	ID          int64
	CompanyID   int64
	ContainerNo string
	Description string
	ChargeDate  time.Time
	Amount      shared.Money
	CreatedAt   time.Time
}
