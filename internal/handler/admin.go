package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/activity-reservation/internal/model"
	"github.com/iliyamo/activity-reservation/internal/service/bulkcancel"
	"github.com/iliyamo/activity-reservation/internal/service/capacity"
	"github.com/iliyamo/activity-reservation/internal/service/settlement"
)

// SettlementService is the admin-facing part of *settlement.Service.
type SettlementService interface {
	Generate(ctx context.Context, periodStart, periodEnd time.Time) (*settlement.GenerateReport, error)
	List(ctx context.Context, status model.SettlementStatus) ([]model.Settlement, error)
	Get(ctx context.Context, id uint64) (*model.Settlement, error)
	Confirm(ctx context.Context, id uint64) (*model.Settlement, error)
	UpdateMemo(ctx context.Context, id uint64, memo string) (*model.Settlement, error)
	ExecutePayout(ctx context.Context, id uint64, salt string) (*settlement.PayoutOutcome, error)
	RunWeeklyPayout(ctx context.Context, salt string) ([]settlement.PayoutOutcome, error)
}

// BulkCancelEngine is satisfied by *bulkcancel.Engine.
type BulkCancelEngine interface {
	CreateJob(ctx context.Context, in bulkcancel.CreateJobInput) (*bulkcancel.CreateJobResult, error)
	StartJob(ctx context.Context, jobID uint64) (*bulkcancel.Summary, error)
	RetryFailed(ctx context.Context, jobID uint64) (*bulkcancel.Summary, error)
	GetJob(ctx context.Context, id uint64) (*model.BulkCancelJob, error)
	ListItems(ctx context.Context, jobID uint64) ([]model.BulkCancelJobItem, error)
}

// CapacityAuditor is satisfied by *capacity.Ledger.
type CapacityAuditor interface {
	Reconcile(ctx context.Context, opts capacity.ReconcileOptions) (*capacity.ReconcileReport, error)
}

// AdminHandler serves /v1/admin. Every route requires the ADMIN role.
type AdminHandler struct {
	settlements SettlementService
	bulk        BulkCancelEngine
	capacity    CapacityAuditor
	log         *slog.Logger
	now         func() time.Time
	loc         *time.Location
}

func NewAdminHandler(s SettlementService, b BulkCancelEngine, a CapacityAuditor, loc *time.Location, logger *slog.Logger) *AdminHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &AdminHandler{settlements: s, bulk: b, capacity: a, log: logger, now: time.Now, loc: loc}
}

type generateRequest struct {
	PeriodStart string `json:"period_start" validate:"omitempty,datetime=2006-01-02"`
	PeriodEnd   string `json:"period_end" validate:"omitempty,datetime=2006-01-02"`
}

// GenerateSettlements handles POST /v1/admin/settlements/generate. Without
// a period it settles the previous calendar month.
func (h *AdminHandler) GenerateSettlements(c echo.Context) error {
	var req generateRequest
	if ok, err := bindAndValidate(c, &req); !ok {
		return err
	}
	if (req.PeriodStart == "") != (req.PeriodEnd == "") {
		return badRequest(c, "period_start and period_end must be given together")
	}
	start, end := settlement.PreviousMonth(h.now().In(h.loc))
	if req.PeriodStart != "" {
		start, _ = time.ParseInLocation(time.DateOnly, req.PeriodStart, h.loc)
		end, _ = time.ParseInLocation(time.DateOnly, req.PeriodEnd, h.loc)
	}
	report, err := h.settlements.Generate(c.Request().Context(), start, end)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, report)
}

// ListSettlements handles GET /v1/admin/settlements?status=.
func (h *AdminHandler) ListSettlements(c echo.Context) error {
	status := model.SettlementStatus(c.QueryParam("status"))
	switch status {
	case "", model.SettlementPending, model.SettlementConfirmed, model.SettlementPaid:
	default:
		return badRequest(c, "unknown settlement status")
	}
	items, err := h.settlements.List(c.Request().Context(), status)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"items": items, "count": len(items)})
}

// GetSettlement handles GET /v1/admin/settlements/:id.
func (h *AdminHandler) GetSettlement(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid settlement id")
	}
	st, err := h.settlements.Get(c.Request().Context(), id)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, st)
}

// ConfirmSettlement handles POST /v1/admin/settlements/:id/confirm.
func (h *AdminHandler) ConfirmSettlement(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid settlement id")
	}
	st, err := h.settlements.Confirm(c.Request().Context(), id)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, st)
}

type memoRequest struct {
	Memo string `json:"memo" validate:"max=1000"`
}

// UpdateMemo handles PATCH /v1/admin/settlements/:id/memo. The memo stays
// editable after payout.
func (h *AdminHandler) UpdateMemo(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid settlement id")
	}
	var req memoRequest
	if ok, err := bindAndValidate(c, &req); !ok {
		return err
	}
	st, err := h.settlements.UpdateMemo(c.Request().Context(), id, req.Memo)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, st)
}

type payoutRequest struct {
	Salt string `json:"salt" validate:"max=64"`
}

// ExecutePayout handles POST /v1/admin/settlements/:id/payout. DEDUP and
// FAILED outcomes are reported with 200; the body says which.
func (h *AdminHandler) ExecutePayout(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid settlement id")
	}
	var req payoutRequest
	if ok, err := bindAndValidate(c, &req); !ok {
		return err
	}
	out, err := h.settlements.ExecutePayout(c.Request().Context(), id, req.Salt)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, out)
}

// WeeklyPayout handles POST /v1/admin/payouts/weekly. The salt defaults to
// the current ISO week so it deduplicates against the scheduled run.
func (h *AdminHandler) WeeklyPayout(c echo.Context) error {
	var req payoutRequest
	if ok, err := bindAndValidate(c, &req); !ok {
		return err
	}
	if req.Salt == "" {
		req.Salt = settlement.ISOWeekSalt(h.now().In(h.loc))
	}
	outcomes, err := h.settlements.RunWeeklyPayout(c.Request().Context(), req.Salt)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"salt": req.Salt, "outcomes": outcomes})
}

type bulkCancelRequest struct {
	Reason string `json:"reason" validate:"required,max=255"`
	DryRun bool   `json:"dry_run"`
}

// CreateBulkCancel handles POST /v1/admin/programs/:id/bulk-cancel.
func (h *AdminHandler) CreateBulkCancel(c echo.Context) error {
	programID, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid program id")
	}
	var req bulkCancelRequest
	if ok, err := bindAndValidate(c, &req); !ok {
		return err
	}
	adminID, _ := userID(c)
	res, err := h.bulk.CreateJob(c.Request().Context(), bulkcancel.CreateJobInput{
		ProgramID:   programID,
		Reason:      req.Reason,
		DryRun:      req.DryRun,
		RequestedBy: adminID,
	})
	if err != nil {
		return writeError(c, h.log, err)
	}
	if res.DryRun {
		return c.JSON(http.StatusOK, res)
	}
	return c.JSON(http.StatusCreated, res)
}

// StartBulkCancel handles POST /v1/admin/bulk-cancel/:id/start. The run is
// detached from the request so a dropped connection does not stop it.
func (h *AdminHandler) StartBulkCancel(c echo.Context) error {
	return h.runJob(c, h.bulk.StartJob)
}

// RetryBulkCancel handles POST /v1/admin/bulk-cancel/:id/retry.
func (h *AdminHandler) RetryBulkCancel(c echo.Context) error {
	return h.runJob(c, h.bulk.RetryFailed)
}

func (h *AdminHandler) runJob(c echo.Context, run func(context.Context, uint64) (*bulkcancel.Summary, error)) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid job id")
	}
	sum, err := run(context.WithoutCancel(c.Request().Context()), id)
	if err != nil {
		return writeError(c, h.log, err)
	}
	if sum.AlreadyRunning {
		return c.JSON(http.StatusAccepted, sum)
	}
	return c.JSON(http.StatusOK, sum)
}

// GetBulkCancel handles GET /v1/admin/bulk-cancel/:id.
func (h *AdminHandler) GetBulkCancel(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid job id")
	}
	job, err := h.bulk.GetJob(c.Request().Context(), id)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, job)
}

// ListBulkCancelItems handles GET /v1/admin/bulk-cancel/:id/items.
func (h *AdminHandler) ListBulkCancelItems(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid job id")
	}
	items, err := h.bulk.ListItems(c.Request().Context(), id)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"items": items, "count": len(items)})
}

type reconcileRequest struct {
	Repair  bool `json:"repair"`
	Confirm bool `json:"confirm"`
}

// ReconcileCapacity handles POST /v1/admin/capacity/reconcile. Repairs
// need both repair and confirm.
func (h *AdminHandler) ReconcileCapacity(c echo.Context) error {
	var req reconcileRequest
	if ok, err := bindAndValidate(c, &req); !ok {
		return err
	}
	report, err := h.capacity.Reconcile(c.Request().Context(), capacity.ReconcileOptions{Repair: req.Repair, Confirm: req.Confirm})
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, report)
}
