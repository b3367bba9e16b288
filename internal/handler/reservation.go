package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/activity-reservation/internal/model"
	"github.com/iliyamo/activity-reservation/internal/service/reservation"
)

// ReservationService is the guardian-facing part of *reservation.Service.
type ReservationService interface {
	Create(ctx context.Context, in reservation.CreateInput) (*model.Reservation, error)
	Get(ctx context.Context, id, userID uint64) (*model.Reservation, error)
	List(ctx context.Context, userID uint64) ([]model.Reservation, error)
	Cancel(ctx context.Context, id, userID uint64, reason string) (*reservation.CancelResult, error)
	PreparePayment(ctx context.Context, reservationID, userID uint64) (*reservation.PaymentIntent, error)
}

// ReservationHandler serves /v1/reservations for authenticated guardians.
type ReservationHandler struct {
	svc ReservationService
	log *slog.Logger
}

func NewReservationHandler(svc ReservationService, logger *slog.Logger) *ReservationHandler {
	return &ReservationHandler{svc: svc, log: logger}
}

type createReservationRequest struct {
	ProgramID        uint64     `json:"program_id" validate:"required,gt=0"`
	ScheduleID       *uint64    `json:"schedule_id" validate:"omitempty,gt=0"`
	StartAt          *time.Time `json:"start_at"`
	ParticipantCount int        `json:"participant_count"`
}

// Create handles POST /v1/reservations. participant_count is checked by
// the service so the error code stays INVALID_PARTICIPANT_COUNT.
func (h *ReservationHandler) Create(c echo.Context) error {
	uid, ok := userID(c)
	if !ok {
		return unauthorized(c)
	}
	var req createReservationRequest
	if ok, err := bindAndValidate(c, &req); !ok {
		return err
	}
	res, err := h.svc.Create(c.Request().Context(), reservation.CreateInput{
		UserID:           uid,
		ProgramID:        req.ProgramID,
		ScheduleID:       req.ScheduleID,
		StartAt:          req.StartAt,
		ParticipantCount: req.ParticipantCount,
	})
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, res)
}

// List handles GET /v1/reservations.
func (h *ReservationHandler) List(c echo.Context) error {
	uid, ok := userID(c)
	if !ok {
		return unauthorized(c)
	}
	items, err := h.svc.List(c.Request().Context(), uid)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"items": items, "count": len(items)})
}

// Get handles GET /v1/reservations/:id. Another user's reservation is
// reported as not found.
func (h *ReservationHandler) Get(c echo.Context) error {
	uid, ok := userID(c)
	if !ok {
		return unauthorized(c)
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid reservation id")
	}
	res, err := h.svc.Get(c.Request().Context(), id, uid)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, res)
}

type cancelReservationRequest struct {
	Reason string `json:"reason" validate:"max=255"`
}

// Cancel handles POST /v1/reservations/:id/cancel.
func (h *ReservationHandler) Cancel(c echo.Context) error {
	uid, ok := userID(c)
	if !ok {
		return unauthorized(c)
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid reservation id")
	}
	var req cancelReservationRequest
	if ok, err := bindAndValidate(c, &req); !ok {
		return err
	}
	if req.Reason == "" {
		req.Reason = "cancelled by guardian"
	}
	result, err := h.svc.Cancel(c.Request().Context(), id, uid, req.Reason)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, result)
}

// PreparePayment handles POST /v1/reservations/:id/payment.
func (h *ReservationHandler) PreparePayment(c echo.Context) error {
	uid, ok := userID(c)
	if !ok {
		return unauthorized(c)
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid reservation id")
	}
	intent, err := h.svc.PreparePayment(c.Request().Context(), id, uid)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, intent)
}
