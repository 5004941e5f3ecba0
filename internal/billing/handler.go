package billing

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/mtt-terminal/mtt-billing/internal/observability"
	"github.com/mtt-terminal/mtt-billing/internal/platform/httpx"
	"github.com/mtt-terminal/mtt-billing/internal/shared"
)

// Handler exposes the statement lifecycle over JSON. Rendering, export and
// notification collaborators consume the read model; everything here is either
// a lifecycle operation or a read.
type Handler struct {
	logger        *slog.Logger
	service       *Service
	batch         *BatchGenerator
	idempotency   *shared.IdempotencyStore
	metrics       *observability.Metrics
	validate      *validator.Validate
	printer       *message.Printer
	localCurrency string
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, batch *BatchGenerator, idempotency *shared.IdempotencyStore, metrics *observability.Metrics, localCurrency string) *Handler {
	if localCurrency == "" {
		localCurrency = "RUB"
	}
	return &Handler{
		logger:        logger,
		service:       service,
		batch:         batch,
		idempotency:   idempotency,
		metrics:       metrics,
		validate:      validator.New(),
		printer:       message.NewPrinter(language.English),
		localCurrency: localCurrency,
	}
}

// MountRoutes registers billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/statements", h.listStatements)
	r.Get("/statements/{id}", h.getStatement)
	r.Post("/statements", h.createDraft)
	r.Post("/statements/{id}/regenerate", h.regenerate)
	r.Post("/statements/{id}/finalize", h.finalize)
	r.Post("/statements/{id}/pay", h.markPaid)
	r.Post("/statements/{id}/credit-note", h.createCreditNote)
	r.Post("/runs", h.generateAll)
}

type createDraftRequest struct {
	CompanyID int64  `json:"company_id" validate:"required,gt=0"`
	Period    string `json:"period" validate:"required"`
}

func (h *Handler) createDraft(w http.ResponseWriter, r *http.Request) {
	var req createDraftRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	period, err := shared.ParsePeriod(req.Period)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "period must be YYYY-MM")
		return
	}

	stmt, err := h.service.CreateDraft(r.Context(), req.CompanyID, period)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, h.viewWithItems(stmt))
}

func (h *Handler) regenerate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.statementID(w, r)
	if !ok {
		return
	}
	stmt, err := h.service.Regenerate(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.viewWithItems(stmt))
}

type transitionRequest struct {
	UserID int64 `json:"user_id" validate:"required,gt=0"`
}

func (h *Handler) finalize(w http.ResponseWriter, r *http.Request) {
	id, ok := h.statementID(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	stmt, err := h.service.Finalize(r.Context(), id, req.UserID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.metrics.ObserveFinalized()
	httpx.JSON(w, http.StatusOK, h.view(stmt))
}

func (h *Handler) markPaid(w http.ResponseWriter, r *http.Request) {
	id, ok := h.statementID(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	stmt, err := h.service.MarkPaid(r.Context(), id, req.UserID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.view(stmt))
}

type adjustmentRequest struct {
	Category    string `json:"category" validate:"required,oneof=STORAGE SERVICE"`
	ContainerNo string `json:"container_no"`
	Description string `json:"description"`
	AmountUSD   string `json:"amount_usd" validate:"required"`
	AmountLocal string `json:"amount_local" validate:"required"`
}

type creditNoteRequest struct {
	UserID      int64               `json:"user_id" validate:"required,gt=0"`
	Adjustments []adjustmentRequest `json:"adjustments" validate:"required,min=1,dive"`
}

func (h *Handler) createCreditNote(w http.ResponseWriter, r *http.Request) {
	id, ok := h.statementID(w, r)
	if !ok {
		return
	}
	var req creditNoteRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	in := CreditNoteInput{OriginalID: id, UserID: req.UserID}
	for _, a := range req.Adjustments {
		usd, err := decimal.NewFromString(a.AmountUSD)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "amount_usd is not a valid amount")
			return
		}
		local, err := decimal.NewFromString(a.AmountLocal)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "amount_local is not a valid amount")
			return
		}
		in.Adjustments = append(in.Adjustments, AdjustmentLine{
			Category:    AdjustmentCategory(a.Category),
			ContainerNo: a.ContainerNo,
			Description: a.Description,
			Amount:      shared.Money{USD: usd, Local: local},
		})
	}

	// A retried request with the same Idempotency-Key must not issue a second
	// correction; the key is rolled back on failure so a clean retry works.
	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey != "" {
		if err := h.idempotency.CheckAndInsert(r.Context(), idemKey, "billing_credit_note"); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				httpx.Problem(w, http.StatusConflict, "Duplicate Request", "credit note already issued for this idempotency key")
				return
			}
			h.respondError(w, r, err)
			return
		}
	}

	stmt, err := h.service.CreateCreditNote(r.Context(), in)
	if err != nil {
		if idemKey != "" {
			_ = h.idempotency.Delete(r.Context(), idemKey)
		}
		h.respondError(w, r, err)
		return
	}
	h.metrics.ObserveCreditNote()
	httpx.JSON(w, http.StatusCreated, h.viewWithItems(stmt))
}

type generateRunRequest struct {
	Year  int `json:"year" validate:"required,gte=2000,lte=2200"`
	Month int `json:"month" validate:"required,gte=1,lte=12"`
}

func (h *Handler) generateAll(w http.ResponseWriter, r *http.Request) {
	var req generateRunRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	result, err := h.batch.GenerateAllDrafts(r.Context(), req.Year, req.Month)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	for range result.Created {
		h.metrics.ObserveBatchCompany("created")
	}
	for range result.Skipped {
		h.metrics.ObserveBatchCompany("skipped")
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) getStatement(w http.ResponseWriter, r *http.Request) {
	id, ok := h.statementID(w, r)
	if !ok {
		return
	}
	stmt, err := h.service.GetStatement(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.viewWithItems(stmt))
}

func (h *Handler) listStatements(w http.ResponseWriter, r *http.Request) {
	req := ListStatementsRequest{
		Status: StatementStatus(r.URL.Query().Get("status")),
		Type:   StatementType(r.URL.Query().Get("type")),
	}
	if v := r.URL.Query().Get("company_id"); v != "" {
		req.CompanyID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := r.URL.Query().Get("period"); v != "" {
		period, err := shared.ParsePeriod(v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "period must be YYYY-MM")
			return
		}
		req.Period = &period
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	pagination := shared.NewPagination(page, perPage, 0)
	req.Limit = pagination.PerPage
	req.Offset = pagination.Offset()

	statements, err := h.service.ListStatements(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	views := make([]statementView, 0, len(statements))
	for i := range statements {
		views = append(views, h.view(&statements[i]))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"statements": views,
		"page":       pagination.Page,
		"per_page":   pagination.PerPage,
	})
}

func (h *Handler) statementID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "invalid statement id")
		return 0, false
	}
	return id, true
}

// respondError maps the lifecycle error taxonomy to statuses callers can act
// on: immutability and duplicates block, invalid state needs a different
// request, sequence exhaustion is transient and safe to retry.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrStatementNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDuplicateStatement):
		httpx.Problem(w, http.StatusConflict, "Duplicate Statement", err.Error())
	case errors.Is(err, ErrImmutableStatement), errors.Is(err, ErrAlreadyFinalized):
		httpx.Problem(w, http.StatusConflict, "Immutable Statement", err.Error())
	case errors.Is(err, ErrInvalidOriginalState), errors.Is(err, ErrInvalidStatus),
		errors.Is(err, ErrEmptyAdjustment), errors.Is(err, ErrAdjustmentExceedsTotal):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid State", err.Error())
	case errors.Is(err, ErrAggregation):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Aggregation Failed", err.Error())
	case errors.Is(err, ErrSequenceExhausted):
		httpx.Problem(w, http.StatusServiceUnavailable, "Allocation Failed", "number allocation failed, safe to retry")
	case errors.Is(err, shared.ErrLockNotAcquired):
		httpx.Problem(w, http.StatusConflict, "Statement Busy", "another operation holds the statement, retry shortly")
	case errors.Is(err, shared.ErrInvalidPeriod):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("billing request failed",
			slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

// --- view models ---

type amountView struct {
	USD     string `json:"usd"`
	Local   string `json:"local"`
	Display string `json:"display"`
}

type statementView struct {
	ID                int64      `json:"id"`
	CompanyID         int64      `json:"company_id"`
	Period            string     `json:"period"`
	Type              string     `json:"type"`
	Status            string     `json:"status"`
	Number            string     `json:"number,omitempty"`
	OriginalID        *int64     `json:"original_statement_id,omitempty"`
	TotalStorage      amountView `json:"total_storage"`
	TotalService      amountView `json:"total_service"`
	Total             amountView `json:"total"`
	TotalContainers   int        `json:"total_containers"`
	TotalBillableDays int        `json:"total_billable_days"`
	FinalizedAt       *string    `json:"finalized_at,omitempty"`
	FinalizedBy       *int64     `json:"finalized_by,omitempty"`
	PaidAt            *string    `json:"paid_at,omitempty"`
	PaidBy            *int64     `json:"paid_by,omitempty"`
}

type storageItemView struct {
	ContainerNo  string     `json:"container_no"`
	SizeClass    string     `json:"size_class"`
	Occupancy    string     `json:"occupancy,omitempty"`
	PeriodStart  string     `json:"period_start"`
	PeriodEnd    string     `json:"period_end"`
	FreeDays     int        `json:"free_days"`
	BillableDays int        `json:"billable_days"`
	DailyRate    amountView `json:"daily_rate"`
	Amount       amountView `json:"amount"`
}

type serviceItemView struct {
	ContainerNo string     `json:"container_no,omitempty"`
	Description string     `json:"description"`
	ChargeDate  string     `json:"charge_date"`
	Amount      amountView `json:"amount"`
}

type pendingView struct {
	ContainerNo    string     `json:"container_no"`
	SizeClass      string     `json:"size_class"`
	ArrivedAt      string     `json:"arrived_at"`
	DaysOnTerminal int        `json:"days_on_terminal"`
	EstimatedCost  amountView `json:"estimated_cost"`
}

type statementDetailView struct {
	statementView
	StorageItems []storageItemView `json:"storage_items"`
	ServiceItems []serviceItemView `json:"service_items"`
	Pending      []pendingView     `json:"pending_containers"`
}

func (h *Handler) amount(m shared.Money) amountView {
	return amountView{
		USD:   m.USD.StringFixed(2),
		Local: m.Local.StringFixed(2),
		Display: h.printer.Sprintf("USD %.2f / %s %.2f",
			m.USD.InexactFloat64(), h.localCurrency, m.Local.InexactFloat64()),
	}
}

func (h *Handler) view(s *Statement) statementView {
	v := statementView{
		ID:                s.ID,
		CompanyID:         s.CompanyID,
		Period:            s.Period.String(),
		Type:              string(s.Type),
		Status:            string(s.Status),
		Number:            s.Number,
		OriginalID:        s.OriginalID,
		TotalStorage:      h.amount(s.TotalStorage),
		TotalService:      h.amount(s.TotalService),
		Total:             h.amount(s.Total),
		TotalContainers:   s.TotalContainers,
		TotalBillableDays: s.TotalBillableDays,
		FinalizedBy:       s.FinalizedBy,
		PaidBy:            s.PaidBy,
	}
	if s.FinalizedAt != nil {
		t := s.FinalizedAt.UTC().Format("2006-01-02T15:04:05Z")
		v.FinalizedAt = &t
	}
	if s.PaidAt != nil {
		t := s.PaidAt.UTC().Format("2006-01-02T15:04:05Z")
		v.PaidAt = &t
	}
	return v
}

func (h *Handler) viewWithItems(s *StatementWithItems) statementDetailView {
	v := statementDetailView{
		statementView: h.view(&s.Statement),
		StorageItems:  []storageItemView{},
		ServiceItems:  []serviceItemView{},
		Pending:       []pendingView{},
	}
	for _, it := range s.StorageItems {
		v.StorageItems = append(v.StorageItems, storageItemView{
			ContainerNo:  it.ContainerNo,
			SizeClass:    it.SizeClass,
			Occupancy:    it.Occupancy,
			PeriodStart:  it.PeriodStart.Format("2006-01-02"),
			PeriodEnd:    it.PeriodEnd.Format("2006-01-02"),
			FreeDays:     it.FreeDays,
			BillableDays: it.BillableDays,
			DailyRate:    h.amount(it.DailyRate),
			Amount:       h.amount(it.Amount),
		})
	}
	for _, it := range s.ServiceItems {
		v.ServiceItems = append(v.ServiceItems, serviceItemView{
			ContainerNo: it.ContainerNo,
			Description: it.Description,
			ChargeDate:  it.ChargeDate.Format("2006-01-02"),
			Amount:      h.amount(it.Amount),
		})
	}
	for _, p := range s.Pending {
		v.Pending = append(v.Pending, pendingView{
			ContainerNo:    p.ContainerNo,
			SizeClass:      p.SizeClass,
			ArrivedAt:      p.ArrivedAt.Format("2006-01-02"),
			DaysOnTerminal: p.DaysOnTerminal,
			EstimatedCost:  h.amount(p.EstimatedCost),
		})
	}
	return v
}
