package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"glowledger_app/internal/models"
	"glowledger_app/internal/services"
)

// AdminHandler serves staff operations. Every route sits behind RequireAdmin.
type AdminHandler struct {
	ledger *services.Ledger
}

func NewAdminHandler(ledger *services.Ledger) *AdminHandler {
	return &AdminHandler{ledger: ledger}
}

func (h *AdminHandler) ListAppointments(c echo.Context) error {
	f, err := appointmentFilter(c, h.ledger)
	if err != nil {
		return err
	}
	if f.ClientID, err = queryUint(c, "client_id"); err != nil {
		return err
	}
	appts, err := h.ledger.Scheduler.ListAppointments(c.Request().Context(), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, appts)
}

func (h *AdminHandler) transition(c echo.Context, fn func(id uint) (*models.Appointment, error)) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	appt, err := fn(id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *AdminHandler) ConfirmAppointment(c echo.Context) error {
	return h.transition(c, func(id uint) (*models.Appointment, error) {
		return h.ledger.Scheduler.ConfirmAppointment(c.Request().Context(), id)
	})
}

func (h *AdminHandler) CompleteAppointment(c echo.Context) error {
	return h.transition(c, func(id uint) (*models.Appointment, error) {
		return h.ledger.Scheduler.CompleteAppointment(c.Request().Context(), id)
	})
}

func (h *AdminHandler) MarkNoShow(c echo.Context) error {
	return h.transition(c, func(id uint) (*models.Appointment, error) {
		return h.ledger.Scheduler.MarkNoShow(c.Request().Context(), id)
	})
}

func (h *AdminHandler) CancelAppointment(c echo.Context) error {
	return h.transition(c, func(id uint) (*models.Appointment, error) {
		return h.ledger.Scheduler.CancelAppointment(c.Request().Context(), services.CancelInput{AppointmentID: id, Admin: true})
	})
}

// RecordPayment answers 201 for a new payment and 200 when the external
// reference was already recorded.
func (h *AdminHandler) RecordPayment(c echo.Context) error {
	var in services.PaymentInput
	if err := bind(c, &in); err != nil {
		return err
	}
	if in.Gateway == "" {
		in.Gateway = models.PaymentGatewayManual
	}
	payment, duplicate, err := h.ledger.Payments.RecordPayment(c.Request().Context(), in)
	if err != nil {
		return err
	}
	if duplicate {
		return c.JSON(http.StatusOK, payment)
	}
	return c.JSON(http.StatusCreated, payment)
}

type balanceRequest struct {
	Delta  int64  `json:"delta"`
	Reason string `json:"reason"`
}

func (h *AdminHandler) AdjustBalance(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var req balanceRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	client, err := h.ledger.Clients.AdjustBalance(c.Request().Context(), id, req.Delta, req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, client)
}

type pointsRequest struct {
	Points         int64  `json:"points"`
	Description    string `json:"description"`
	IdempotencyKey string `json:"idempotency_key"`
}

// AwardPoints grants a manual points adjustment. Spending is done through
// reward redemption, so only positive amounts are accepted.
func (h *AdminHandler) AwardPoints(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var req pointsRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	row, applied, err := h.ledger.Loyalty.AwardPoints(c.Request().Context(), services.Award{
		ClientID:       id,
		Points:         req.Points,
		Type:           models.LoyaltyTypeAdjustment,
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return err
	}
	status := http.StatusCreated
	if !applied {
		status = http.StatusOK
	}
	return c.JSON(status, row)
}

func (h *AdminHandler) GrantPackage(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var req packageRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	pkg, err := h.ledger.Packages.GrantPackage(c.Request().Context(), id, req.OptionID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, pkg)
}

// Reconcile reports the stored loyalty totals against the ledger rows. A
// mismatch is reported in the body rather than as an error status.
func (h *AdminHandler) Reconcile(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	report, err := h.ledger.Loyalty.Reconcile(c.Request().Context(), id)
	if err != nil && !(errors.Is(err, services.ErrIntegrity) && report != nil) {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func (h *AdminHandler) RetryReferralReward(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	referral, err := h.ledger.Referrals.RetryReward(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, referral)
}

func (h *AdminHandler) ListServices(c echo.Context) error {
	svcs, err := h.ledger.Catalog.ListServices(c.Request().Context(), true)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, svcs)
}

func (h *AdminHandler) CreateService(c echo.Context) error {
	var in services.ServiceInput
	if err := bind(c, &in); err != nil {
		return err
	}
	svc, err := h.ledger.Catalog.CreateService(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, svc)
}

func (h *AdminHandler) UpdateService(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var in services.ServiceInput
	if err := bind(c, &in); err != nil {
		return err
	}
	svc, err := h.ledger.Catalog.UpdateService(c.Request().Context(), id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, svc)
}

func (h *AdminHandler) CreatePackageOption(c echo.Context) error {
	var in services.PackageOptionInput
	if err := bind(c, &in); err != nil {
		return err
	}
	opt, err := h.ledger.Catalog.CreatePackageOption(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, opt)
}

func (h *AdminHandler) DeactivatePackageOption(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	if err := h.ledger.Catalog.DeactivatePackageOption(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *AdminHandler) CreateReward(c echo.Context) error {
	var in services.RewardInput
	if err := bind(c, &in); err != nil {
		return err
	}
	reward, err := h.ledger.Catalog.CreateReward(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, reward)
}

func (h *AdminHandler) UpdateReward(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var in services.RewardInput
	if err := bind(c, &in); err != nil {
		return err
	}
	reward, err := h.ledger.Catalog.UpdateReward(c.Request().Context(), id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, reward)
}

func (h *AdminHandler) ListSchedule(c echo.Context) error {
	rows, err := h.ledger.Catalog.ListWeeklySchedule(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rows)
}

func (h *AdminHandler) SetSchedule(c echo.Context) error {
	var in services.WeeklyScheduleInput
	if err := bind(c, &in); err != nil {
		return err
	}
	row, err := h.ledger.Catalog.SetWeeklySchedule(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, row)
}

func (h *AdminHandler) CloseWeekday(c echo.Context) error {
	weekday, err := strconv.Atoi(c.Param("weekday"))
	if err != nil {
		return fmt.Errorf("%w: invalid weekday", services.ErrInvalidInput)
	}
	if err := h.ledger.Catalog.CloseWeekday(c.Request().Context(), weekday); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *AdminHandler) ListBlockedDates(c echo.Context) error {
	rows, err := h.ledger.Catalog.ListBlockedDates(c.Request().Context(), c.QueryParam("from"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rows)
}

func (h *AdminHandler) BlockDate(c echo.Context) error {
	var in services.BlockDateInput
	if err := bind(c, &in); err != nil {
		return err
	}
	row, err := h.ledger.Catalog.BlockDate(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, row)
}

func (h *AdminHandler) UnblockDate(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	if err := h.ledger.Catalog.UnblockDate(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
