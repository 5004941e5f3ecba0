package billing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mtt-terminal/mtt-billing/internal/shared"
	"github.com/mtt-terminal/mtt-billing/internal/yard"
)

// YardReader is the slice of the yard repository the aggregator consumes.
type YardReader interface {
	ListStaysOverlapping(ctx context.Context, companyID int64, start, end time.Time) ([]yard.ContainerStay, error)
	ListChargesBetween(ctx context.Context, companyID int64, start, end time.Time) ([]yard.ServiceCharge, error)
	ListPendingStays(ctx context.Context, companyID int64, asOf time.Time) ([]yard.ContainerStay, error)
}

// AggregateResult is a complete line-item set for one company and period.
// Aggregation is whole-or-nothing: a partial result is never returned.
type AggregateResult struct {
	StorageItems []StorageLineItem
	ServiceItems []ServiceLineItem
	Pending      []PendingContainer
	Totals       Totals
}

// Aggregator builds statement line items from stay and charge records. Given
// unchanged underlying data it is a pure function of (company, period), which
// makes draft regeneration a safe discard-and-rebuild.
type Aggregator struct {
	yard YardReader
	now  func() time.Time
}

// NewAggregator constructs an Aggregator.
func NewAggregator(y YardReader) *Aggregator {
	return &Aggregator{yard: y, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (a *Aggregator) WithNow(now func() time.Time) {
	if now != nil {
		a.now = now
	}
}

// Aggregate collects storage and service line items for the period plus the
// informational pending snapshot.
func (a *Aggregator) Aggregate(ctx context.Context, companyID int64, period shared.Period) (*AggregateResult, error) {
	stays, err := a.yard.ListStaysOverlapping(ctx, companyID, period.Start(), period.End())
	if err != nil {
		return nil, fmt.Errorf("%w: company %d: %v", ErrAggregation, companyID, err)
	}
	if err := validateStays(stays); err != nil {
		return nil, err
	}

	charges, err := a.yard.ListChargesBetween(ctx, companyID, period.Start(), period.End())
	if err != nil {
		return nil, fmt.Errorf("%w: company %d: %v", ErrAggregation, companyID, err)
	}

	pendingStays, err := a.yard.ListPendingStays(ctx, companyID, a.now())
	if err != nil {
		return nil, fmt.Errorf("%w: company %d: %v", ErrAggregation, companyID, err)
	}

	res := &AggregateResult{}

	for _, stay := range stays {
		item, ok := storageItemFor(stay, period)
		if !ok {
			continue
		}
		res.StorageItems = append(res.StorageItems, item)
		res.Totals.Storage = res.Totals.Storage.Add(item.Amount)
		res.Totals.BillableDays += item.BillableDays
		res.Totals.Containers++
	}

	for _, c := range charges {
		// The repository already filters on [start, end); the guard keeps
		// the date-only contract independent of the storage backend.
		if !period.Contains(c.ChargeDate) {
			continue
		}
		item := ServiceLineItem{
			ContainerNo: c.ContainerNo,
			Description: c.Description,
			ChargeDate:  shared.DateOf(c.ChargeDate),
			Amount:      c.Amount,
		}
		res.ServiceItems = append(res.ServiceItems, item)
		res.Totals.Service = res.Totals.Service.Add(item.Amount)
	}

	today := shared.DateOf(a.now())
	for _, stay := range pendingStays {
		days := shared.DaysBetween(stay.ArrivedAt, today)
		billable := days - stay.FreeDays
		if billable < 0 {
			billable = 0
		}
		res.Pending = append(res.Pending, PendingContainer{
			ContainerNo:    stay.ContainerNo,
			SizeClass:      stay.SizeClass,
			ArrivedAt:      shared.DateOf(stay.ArrivedAt),
			DaysOnTerminal: days,
			// Estimated at current rates; informational only, never
			// summed into statement totals.
			EstimatedCost: stay.DailyRate.MulInt(billable),
		})
	}

	res.Totals.Total = res.Totals.Storage.Add(res.Totals.Service)

	sort.Slice(res.StorageItems, func(i, j int) bool {
		a, b := res.StorageItems[i], res.StorageItems[j]
		if a.ContainerNo != b.ContainerNo {
			return a.ContainerNo < b.ContainerNo
		}
		return a.PeriodStart.Before(b.PeriodStart)
	})
	sort.Slice(res.Pending, func(i, j int) bool {
		return res.Pending[i].ContainerNo < res.Pending[j].ContainerNo
	})

	return res, nil
}

// storageItemFor clips a stay to the period window and applies the free-day
// allowance, which is consumed from the start of the stay. Stays that end
// before the window starts produce no item.
func storageItemFor(stay yard.ContainerStay, period shared.Period) (StorageLineItem, bool) {
	windowStart := maxDate(shared.DateOf(stay.ArrivedAt), period.Start())
	windowEnd := period.End()
	if stay.ExitedAt != nil {
		windowEnd = minDate(shared.DateOf(*stay.ExitedAt), windowEnd)
	}
	daysInPeriod := shared.DaysBetween(windowStart, windowEnd)
	if daysInPeriod == 0 {
		return StorageLineItem{}, false
	}

	freeEnd := shared.DateOf(stay.ArrivedAt).AddDate(0, 0, stay.FreeDays)
	freeInWindow := shared.DaysBetween(windowStart, minDate(freeEnd, windowEnd))

	billable := daysInPeriod - freeInWindow
	if billable < 0 {
		billable = 0
	}

	return StorageLineItem{
		ContainerNo:  stay.ContainerNo,
		SizeClass:    stay.SizeClass,
		Occupancy:    stay.Occupancy,
		PeriodStart:  windowStart,
		PeriodEnd:    windowEnd,
		FreeDays:     freeInWindow,
		BillableDays: billable,
		DailyRate:    stay.DailyRate,
		Amount:       stay.DailyRate.MulInt(billable),
	}, true
}

// validateStays rejects overlapping stay windows for the same container, the
// one data inconsistency the engine cannot bill through.
func validateStays(stays []yard.ContainerStay) error {
	byContainer := make(map[string][]yard.ContainerStay)
	for _, s := range stays {
		byContainer[s.ContainerNo] = append(byContainer[s.ContainerNo], s)
	}
	for no, group := range byContainer {
		sort.Slice(group, func(i, j int) bool {
			return group[i].ArrivedAt.Before(group[j].ArrivedAt)
		})
		for i := 1; i < len(group); i++ {
			prev := group[i-1]
			if prev.ExitedAt == nil || group[i].ArrivedAt.Before(*prev.ExitedAt) {
				return fmt.Errorf("%w: overlapping stays for container %s", ErrAggregation, no)
			}
		}
	}
	return nil
}

func maxDate(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minDate(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
