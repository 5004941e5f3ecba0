package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mtt-terminal/mtt-billing/internal/billing/numbering"
	"github.com/mtt-terminal/mtt-billing/internal/shared"
)

// memoryStore is an in-memory StatementStore mirroring the SQL store's
// status guards.
type memoryStore struct {
	mu         sync.Mutex
	nextID     int64
	statements map[int64]Statement
	storage    map[int64][]StorageLineItem
	service    map[int64][]ServiceLineItem
	pending    map[int64][]PendingContainer
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		statements: make(map[int64]Statement),
		storage:    make(map[int64][]StorageLineItem),
		service:    make(map[int64][]ServiceLineItem),
		pending:    make(map[int64][]PendingContainer),
	}
}

func (m *memoryStore) CreateDraft(_ context.Context, companyID int64, period shared.Period, res *AggregateResult) (*StatementWithItems, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.statements {
		if st.Type == TypeInvoice && st.CompanyID == companyID && st.Period == period {
			return nil, ErrDuplicateStatement
		}
	}
	m.nextID++
	now := time.Now()
	st := Statement{
		ID:                m.nextID,
		CompanyID:         companyID,
		Period:            period,
		Type:              TypeInvoice,
		Status:            StatusDraft,
		TotalStorage:      res.Totals.Storage,
		TotalService:      res.Totals.Service,
		Total:             res.Totals.Total,
		TotalContainers:   res.Totals.Containers,
		TotalBillableDays: res.Totals.BillableDays,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	m.statements[st.ID] = st
	m.storage[st.ID] = append([]StorageLineItem(nil), res.StorageItems...)
	m.service[st.ID] = append([]ServiceLineItem(nil), res.ServiceItems...)
	m.pending[st.ID] = append([]PendingContainer(nil), res.Pending...)
	return m.withItemsLocked(st.ID), nil
}

func (m *memoryStore) ReplaceLineItems(_ context.Context, statementID int64, res *AggregateResult) (*StatementWithItems, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statements[statementID]
	if !ok {
		return nil, ErrStatementNotFound
	}
	if st.Status != StatusDraft {
		return nil, ErrImmutableStatement
	}
	st.TotalStorage = res.Totals.Storage
	st.TotalService = res.Totals.Service
	st.Total = res.Totals.Total
	st.TotalContainers = res.Totals.Containers
	st.TotalBillableDays = res.Totals.BillableDays
	st.UpdatedAt = time.Now()
	m.statements[statementID] = st
	m.storage[statementID] = append([]StorageLineItem(nil), res.StorageItems...)
	m.service[statementID] = append([]ServiceLineItem(nil), res.ServiceItems...)
	m.pending[statementID] = append([]PendingContainer(nil), res.Pending...)
	return m.withItemsLocked(statementID), nil
}

func (m *memoryStore) Get(_ context.Context, id int64) (*Statement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statements[id]
	if !ok {
		return nil, ErrStatementNotFound
	}
	cp := st
	return &cp, nil
}

func (m *memoryStore) GetWithItems(_ context.Context, id int64) (*StatementWithItems, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.statements[id]; !ok {
		return nil, ErrStatementNotFound
	}
	return m.withItemsLocked(id), nil
}

func (m *memoryStore) List(_ context.Context, req ListStatementsRequest) ([]Statement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Statement
	for _, st := range m.statements {
		if req.Status != "" && st.Status != req.Status {
			continue
		}
		if req.Type != "" && st.Type != req.Type {
			continue
		}
		if req.CompanyID != 0 && st.CompanyID != req.CompanyID {
			continue
		}
		if req.Period != nil && st.Period != *req.Period {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

func (m *memoryStore) HasStatementForPeriod(_ context.Context, companyID int64, period shared.Period) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.statements {
		if st.Type == TypeInvoice && st.CompanyID == companyID && st.Period == period {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryStore) Finalize(_ context.Context, id int64, number string, by int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statements[id]
	if !ok {
		return ErrStatementNotFound
	}
	if st.Status != StatusDraft {
		return ErrImmutableStatement
	}
	st.Status = StatusFinalized
	st.Number = number
	st.FinalizedBy = &by
	st.FinalizedAt = &at
	m.statements[id] = st
	return nil
}

func (m *memoryStore) MarkPaid(_ context.Context, id int64, by int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statements[id]
	if !ok {
		return ErrStatementNotFound
	}
	if st.Status != StatusFinalized {
		return ErrInvalidStatus
	}
	st.Status = StatusPaid
	st.PaidBy = &by
	st.PaidAt = &at
	m.statements[id] = st
	return nil
}

func (m *memoryStore) Cancel(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statements[id]
	if !ok {
		return ErrStatementNotFound
	}
	if st.Status != StatusFinalized && st.Status != StatusPaid {
		return ErrImmutableStatement
	}
	st.Status = StatusCancelled
	m.statements[id] = st
	return nil
}

func (m *memoryStore) CreateCreditNote(_ context.Context, rec CreditNoteRecord) (*StatementWithItems, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	now := time.Now()
	originalID := rec.OriginalID
	by := rec.FinalizedBy
	at := rec.FinalizedAt
	st := Statement{
		ID:           m.nextID,
		CompanyID:    rec.CompanyID,
		Period:       rec.Period,
		Type:         TypeCreditNote,
		Status:       StatusFinalized,
		Number:       rec.Number,
		OriginalID:   &originalID,
		TotalStorage: rec.Totals.Storage,
		TotalService: rec.Totals.Service,
		Total:        rec.Totals.Total,
		FinalizedBy:  &by,
		FinalizedAt:  &at,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.statements[st.ID] = st
	m.storage[st.ID] = append([]StorageLineItem(nil), rec.StorageItems...)
	m.service[st.ID] = append([]ServiceLineItem(nil), rec.ServiceItems...)
	return m.withItemsLocked(st.ID), nil
}

func (m *memoryStore) SumCreditNoteTotals(_ context.Context, originalID int64) (shared.Money, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum shared.Money
	for _, st := range m.statements {
		if st.Type == TypeCreditNote && st.OriginalID != nil && *st.OriginalID == originalID {
			sum = sum.Add(st.Total)
		}
	}
	return sum, nil
}

func (m *memoryStore) withItemsLocked(id int64) *StatementWithItems {
	st := m.statements[id]
	return &StatementWithItems{
		Statement:    st,
		StorageItems: append([]StorageLineItem(nil), m.storage[id]...),
		ServiceItems: append([]ServiceLineItem(nil), m.service[id]...),
		Pending:      append([]PendingContainer(nil), m.pending[id]...),
	}
}

// memorySequence is an in-memory SequencePort.
type memorySequence struct {
	mu    sync.Mutex
	last  map[string]int64
	calls int
	fail  bool
}

func newMemorySequence() *memorySequence {
	return &memorySequence{last: make(map[string]int64)}
}

func (s *memorySequence) Next(_ context.Context, kind numbering.Kind, year int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail {
		return 0, errors.New("counter unavailable")
	}
	key := fmt.Sprintf("%s/%d", kind, year)
	s.last[key]++
	return s.last[key], nil
}

// noopLocker runs the section without real mutual exclusion.
type noopLocker struct{}

func (noopLocker) WithLock(ctx context.Context, _ string, fn func(context.Context) error) error {
	return fn(ctx)
}

// fixedAggregator returns a canned result or error.
type fixedAggregator struct {
	res *AggregateResult
	err error
}

func (f *fixedAggregator) Aggregate(context.Context, int64, shared.Period) (*AggregateResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.res
	return &cp, nil
}

func storageServiceResult(storageUSD, serviceUSD string) *AggregateResult {
	storage := shared.NewMoney(storageUSD, "0")
	service := shared.NewMoney(serviceUSD, "0")
	return &AggregateResult{
		StorageItems: []StorageLineItem{{
			ContainerNo:  "MSKU1234567",
			BillableDays: 20,
			DailyRate:    shared.NewMoney("25.00", "0"),
			Amount:       storage,
		}},
		ServiceItems: []ServiceLineItem{{
			ContainerNo: "MSKU1234567",
			Description: "crane lift",
			Amount:      service,
		}},
		Totals: Totals{
			Storage:      storage,
			Service:      service,
			Total:        storage.Add(service),
			Containers:   1,
			BillableDays: 20,
		},
	}
}

func newTestService(t *testing.T, agg AggregatorPort) (*Service, *memoryStore, *memorySequence) {
	t.Helper()
	store := newMemoryStore()
	seq := newMemorySequence()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(store, agg, seq, noopLocker{}, logger)
	return svc, store, seq
}

func TestDraftFinalizeCreditNoteFlow(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, &fixedAggregator{res: storageServiceResult("500.00", "75.00")})
	period := shared.Period{Year: 2026, Month: time.January}

	draft, err := svc.CreateDraft(ctx, 42, period)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, draft.Status)
	require.Empty(t, draft.Number)
	require.True(t, draft.Total.Equal(shared.NewMoney("575.00", "0")))

	stmt, err := svc.Finalize(ctx, draft.ID, 7)
	require.NoError(t, err)
	require.Equal(t, StatusFinalized, stmt.Status)
	require.Equal(t, "MTT-2026-0001", stmt.Number)
	require.NotNil(t, stmt.FinalizedAt)
	require.Equal(t, int64(7), *stmt.FinalizedBy)

	cn, err := svc.CreateCreditNote(ctx, CreditNoteInput{
		OriginalID: draft.ID,
		UserID:     7,
		Adjustments: []AdjustmentLine{{
			Category:    AdjustStorage,
			ContainerNo: "MSKU1234567",
			Amount:      shared.NewMoney("50.00", "0"),
		}},
	})
	require.NoError(t, err)
	require.Equal(t, TypeCreditNote, cn.Type)
	require.Equal(t, StatusFinalized, cn.Status)
	require.Equal(t, "MTT-CR-2026-0001", cn.Number)
	require.True(t, cn.Total.Equal(shared.NewMoney("-50.00", "0")))
	require.NotNil(t, cn.OriginalID)
	require.Equal(t, draft.ID, *cn.OriginalID)

	// The original record is never touched by a partial correction.
	original, err := svc.GetStatement(ctx, draft.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFinalized, original.Status)
	require.True(t, original.Total.Equal(shared.NewMoney("575.00", "0")))
}

func TestCreateDraftRejectsDuplicatePeriod(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, &fixedAggregator{res: storageServiceResult("100.00", "0")})
	period := shared.Period{Year: 2026, Month: time.March}

	_, err := svc.CreateDraft(ctx, 1, period)
	require.NoError(t, err)

	_, err = svc.CreateDraft(ctx, 1, period)
	require.ErrorIs(t, err, ErrDuplicateStatement)

	// A different period for the same company is fine.
	_, err = svc.CreateDraft(ctx, 1, shared.Period{Year: 2026, Month: time.April})
	require.NoError(t, err)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, _, seq := newTestService(t, &fixedAggregator{res: storageServiceResult("100.00", "0")})

	draft, err := svc.CreateDraft(ctx, 1, shared.Period{Year: 2026, Month: time.May})
	require.NoError(t, err)

	first, err := svc.Finalize(ctx, draft.ID, 9)
	require.NoError(t, err)
	callsAfterFirst := seq.calls

	second, err := svc.Finalize(ctx, draft.ID, 9)
	require.NoError(t, err)
	require.Equal(t, first.Number, second.Number)
	// The repeat allocates no new number.
	require.Equal(t, callsAfterFirst, seq.calls)
}

func TestFinalizeCancelledFails(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t, &fixedAggregator{res: storageServiceResult("100.00", "0")})

	draft, err := svc.CreateDraft(ctx, 1, shared.Period{Year: 2026, Month: time.June})
	require.NoError(t, err)
	_, err = svc.Finalize(ctx, draft.ID, 1)
	require.NoError(t, err)
	require.NoError(t, store.Cancel(ctx, draft.ID))

	_, err = svc.Finalize(ctx, draft.ID, 1)
	require.ErrorIs(t, err, ErrAlreadyFinalized)
}

func TestFinalizeSequenceFailureKeepsDraft(t *testing.T) {
	ctx := context.Background()
	svc, _, seq := newTestService(t, &fixedAggregator{res: storageServiceResult("100.00", "0")})

	draft, err := svc.CreateDraft(ctx, 1, shared.Period{Year: 2026, Month: time.July})
	require.NoError(t, err)

	seq.fail = true
	_, err = svc.Finalize(ctx, draft.ID, 1)
	require.ErrorIs(t, err, ErrSequenceExhausted)

	stmt, err := svc.GetStatement(ctx, draft.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, stmt.Status)
	require.Empty(t, stmt.Number)

	// The retry succeeds with a fresh number.
	seq.fail = false
	finalized, err := svc.Finalize(ctx, draft.ID, 1)
	require.NoError(t, err)
	require.Equal(t, "MTT-2026-0001", finalized.Number)
}

func TestMarkPaidTransitions(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, &fixedAggregator{res: storageServiceResult("100.00", "0")})

	draft, err := svc.CreateDraft(ctx, 1, shared.Period{Year: 2026, Month: time.August})
	require.NoError(t, err)

	_, err = svc.MarkPaid(ctx, draft.ID, 5)
	require.ErrorIs(t, err, ErrInvalidStatus)

	_, err = svc.Finalize(ctx, draft.ID, 5)
	require.NoError(t, err)

	paid, err := svc.MarkPaid(ctx, draft.ID, 5)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, paid.Status)
	require.NotNil(t, paid.PaidAt)

	// Paying again is a harmless no-op.
	again, err := svc.MarkPaid(ctx, draft.ID, 5)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, again.Status)
}

func TestRegenerateRebuildsDraftOnly(t *testing.T) {
	ctx := context.Background()
	agg := &fixedAggregator{res: storageServiceResult("100.00", "0")}
	svc, _, _ := newTestService(t, agg)

	draft, err := svc.CreateDraft(ctx, 1, shared.Period{Year: 2026, Month: time.September})
	require.NoError(t, err)
	require.True(t, draft.Total.Equal(shared.NewMoney("100.00", "0")))

	agg.res = storageServiceResult("250.00", "25.00")
	regen, err := svc.Regenerate(ctx, draft.ID)
	require.NoError(t, err)
	require.True(t, regen.Total.Equal(shared.NewMoney("275.00", "0")))

	_, err = svc.Finalize(ctx, draft.ID, 1)
	require.NoError(t, err)

	_, err = svc.Regenerate(ctx, draft.ID)
	require.ErrorIs(t, err, ErrImmutableStatement)
}

func TestCreditNoteValidation(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, &fixedAggregator{res: storageServiceResult("100.00", "0")})

	draft, err := svc.CreateDraft(ctx, 1, shared.Period{Year: 2026, Month: time.October})
	require.NoError(t, err)

	// No adjustments.
	_, err = svc.CreateCreditNote(ctx, CreditNoteInput{OriginalID: draft.ID, UserID: 1})
	require.ErrorIs(t, err, ErrEmptyAdjustment)

	// Non-positive amount.
	_, err = svc.CreateCreditNote(ctx, CreditNoteInput{
		OriginalID:  draft.ID,
		UserID:      1,
		Adjustments: []AdjustmentLine{{Category: AdjustStorage, Amount: shared.NewMoney("0", "0")}},
	})
	require.ErrorIs(t, err, ErrEmptyAdjustment)

	// Draft original.
	_, err = svc.CreateCreditNote(ctx, CreditNoteInput{
		OriginalID:  draft.ID,
		UserID:      1,
		Adjustments: []AdjustmentLine{{Category: AdjustStorage, Amount: shared.NewMoney("10.00", "0")}},
	})
	require.ErrorIs(t, err, ErrInvalidOriginalState)
}

func TestCreditNoteCumulativeReversal(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, &fixedAggregator{res: storageServiceResult("500.00", "75.00")})

	draft, err := svc.CreateDraft(ctx, 1, shared.Period{Year: 2026, Month: time.November})
	require.NoError(t, err)
	_, err = svc.Finalize(ctx, draft.ID, 1)
	require.NoError(t, err)

	storageAdj := func(usd string) CreditNoteInput {
		return CreditNoteInput{
			OriginalID:  draft.ID,
			UserID:      1,
			Adjustments: []AdjustmentLine{{Category: AdjustStorage, Amount: shared.NewMoney(usd, "0")}},
		}
	}

	// First correction leaves the original standing.
	_, err = svc.CreateCreditNote(ctx, storageAdj("500.00"))
	require.NoError(t, err)
	stmt, err := svc.GetStatement(ctx, draft.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFinalized, stmt.Status)

	// Overshooting the remaining 75.00 is rejected.
	_, err = svc.CreateCreditNote(ctx, storageAdj("100.00"))
	require.ErrorIs(t, err, ErrAdjustmentExceedsTotal)

	// Reversing the exact remainder cancels the original.
	_, err = svc.CreateCreditNote(ctx, CreditNoteInput{
		OriginalID:  draft.ID,
		UserID:      1,
		Adjustments: []AdjustmentLine{{Category: AdjustService, Description: "crane lift reversal", Amount: shared.NewMoney("75.00", "0")}},
	})
	require.NoError(t, err)
	stmt, err = svc.GetStatement(ctx, draft.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, stmt.Status)

	// A cancelled original accepts no further corrections.
	_, err = svc.CreateCreditNote(ctx, storageAdj("1.00"))
	require.ErrorIs(t, err, ErrInvalidOriginalState)
}

func TestCreditNoteNumbersUseOriginalPeriodYear(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, &fixedAggregator{res: storageServiceResult("100.00", "0")})

	draft, err := svc.CreateDraft(ctx, 1, shared.Period{Year: 2025, Month: time.December})
	require.NoError(t, err)
	stmt, err := svc.Finalize(ctx, draft.ID, 1)
	require.NoError(t, err)
	require.Equal(t, "MTT-2025-0001", stmt.Number)

	// Even when the correction happens in a later year the number stays
	// scoped to the original billing period's year.
	cn, err := svc.CreateCreditNote(ctx, CreditNoteInput{
		OriginalID:  draft.ID,
		UserID:      1,
		Adjustments: []AdjustmentLine{{Category: AdjustStorage, Amount: shared.NewMoney("10.00", "0")}},
	})
	require.NoError(t, err)
	require.Equal(t, "MTT-CR-2025-0001", cn.Number)
}

func TestSequenceNeverRepeatsUnderConcurrency(t *testing.T) {
	seq := newMemorySequence()
	const n = 50

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := seq.Next(context.Background(), numbering.KindInvoice, 2026)
			require.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			require.False(t, seen[v])
			seen[v] = true
		}()
	}
	wg.Wait()
	require.Len(t, seen, n)
}

func TestInvoiceAndCreditNoteSequencesAreIndependent(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, &fixedAggregator{res: storageServiceResult("100.00", "0")})

	for month := time.January; month <= time.March; month++ {
		draft, err := svc.CreateDraft(ctx, 1, shared.Period{Year: 2026, Month: month})
		require.NoError(t, err)
		_, err = svc.Finalize(ctx, draft.ID, 1)
		require.NoError(t, err)
	}

	cn, err := svc.CreateCreditNote(ctx, CreditNoteInput{
		OriginalID:  1,
		UserID:      1,
		Adjustments: []AdjustmentLine{{Category: AdjustStorage, Amount: shared.NewMoney("10.00", "0")}},
	})
	require.NoError(t, err)
	// Three invoices issued, yet the first credit note still starts at one.
	require.Equal(t, "MTT-CR-2026-0001", cn.Number)

	stmt, err := svc.GetStatement(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, "MTT-2026-0003", stmt.Number)
}
