package handlers

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"glowledger_app/internal/middleware"
	"glowledger_app/internal/models"
	"glowledger_app/internal/services"
)

type BookingHandler struct {
	ledger *services.Ledger
}

func NewBookingHandler(ledger *services.Ledger) *BookingHandler {
	return &BookingHandler{ledger: ledger}
}

func (h *BookingHandler) ListServices(c echo.Context) error {
	svcs, err := h.ledger.Catalog.ListServices(c.Request().Context(), false)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, svcs)
}

// Availability returns the slot grid of one service on one date.
func (h *BookingHandler) Availability(c echo.Context) error {
	serviceID, err := queryUint(c, "service_id")
	if err != nil {
		return err
	}
	if serviceID == 0 {
		return fmt.Errorf("%w: service_id is required", services.ErrInvalidInput)
	}
	date := c.QueryParam("date")
	slots, err := h.ledger.Availability.GetAvailability(c.Request().Context(), serviceID, date)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"service_id": serviceID,
		"date":       date,
		"slots":      slots,
	})
}

func (h *BookingHandler) CreateAppointment(c echo.Context) error {
	var in services.CreateAppointmentInput
	if err := bind(c, &in); err != nil {
		return err
	}
	in.ClientID = currentClient(c)
	appt, err := h.ledger.Scheduler.CreateAppointment(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, appt)
}

type batchResponse struct {
	*services.BatchResult
	Error *middleware.ErrorDetail `json:"error,omitempty"`
}

// CreateBatch books a series of sessions. Earlier bookings stand when a
// later one fails; the response is an error only when nothing was booked.
func (h *BookingHandler) CreateBatch(c echo.Context) error {
	var in services.BatchInput
	if err := bind(c, &in); err != nil {
		return err
	}
	in.ClientID = currentClient(c)
	res, err := h.ledger.Scheduler.CreateBatch(c.Request().Context(), in)
	if err != nil {
		return err
	}
	if res.Err != nil && len(res.Booked) == 0 {
		return res.Err
	}
	resp := batchResponse{BatchResult: res}
	status := http.StatusCreated
	if res.Err != nil {
		_, body := middleware.Describe(res.Err)
		resp.Error = &body.Error
		status = http.StatusOK
	}
	return c.JSON(status, resp)
}

func (h *BookingHandler) ListAppointments(c echo.Context) error {
	f, err := appointmentFilter(c, h.ledger)
	if err != nil {
		return err
	}
	f.ClientID = currentClient(c)
	appts, err := h.ledger.Scheduler.ListAppointments(c.Request().Context(), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, appts)
}

func appointmentFilter(c echo.Context, ledger *services.Ledger) (services.AppointmentFilter, error) {
	var f services.AppointmentFilter
	var err error
	f.Status = models.AppointmentStatus(c.QueryParam("status"))
	if f.From, err = queryTime(c, "from", ledger.Location()); err != nil {
		return f, err
	}
	if f.To, err = queryTime(c, "to", ledger.Location()); err != nil {
		return f, err
	}
	return f, nil
}

func (h *BookingHandler) GetAppointment(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	appt, err := h.ledger.Scheduler.GetAppointment(c.Request().Context(), id, currentClient(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *BookingHandler) CancelAppointment(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	appt, err := h.ledger.Scheduler.CancelAppointment(c.Request().Context(), services.CancelInput{
		AppointmentID: id,
		ActorClientID: currentClient(c),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *BookingHandler) ListPackages(c echo.Context) error {
	pkgs, err := h.ledger.Packages.ListPackages(c.Request().Context(), currentClient(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pkgs)
}

func (h *BookingHandler) ListPackageOptions(c echo.Context) error {
	opts, err := h.ledger.Catalog.ListPackageOptions(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, opts)
}

type packageRequest struct {
	OptionID uint `json:"option_id"`
}

func (h *BookingHandler) PurchasePackage(c echo.Context) error {
	var req packageRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.OptionID == 0 {
		return fmt.Errorf("%w: option_id is required", services.ErrInvalidInput)
	}
	pkg, err := h.ledger.Packages.PurchasePackage(c.Request().Context(), currentClient(c), req.OptionID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, pkg)
}
