package handlers

import (
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"glowledger_app/internal/services"
)

const maxNotificationBytes = 64 << 10

type PaymentHandler struct {
	ledger *services.Ledger
}

func NewPaymentHandler(ledger *services.Ledger) *PaymentHandler {
	return &PaymentHandler{ledger: ledger}
}

// MidtransNotification receives the gateway's HTTP notification. Anything
// other than a 2xx makes Midtrans retry, so ignored and duplicate
// notifications still answer 200.
func (h *PaymentHandler) MidtransNotification(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxNotificationBytes))
	if err != nil {
		return fmt.Errorf("%w: unreadable body", services.ErrInvalidInput)
	}
	payment, err := h.ledger.Payments.HandleMidtransNotification(c.Request().Context(), body)
	if err != nil {
		return err
	}
	if payment == nil {
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	}
	log.WithFields(log.Fields{"payment_id": payment.ID, "client_id": payment.ClientID}).Info("midtrans payment recorded")
	return c.JSON(http.StatusOK, map[string]interface{}{"status": "recorded", "payment_id": payment.ID})
}

func (h *PaymentHandler) ListPayments(c echo.Context) error {
	payments, err := h.ledger.Payments.ListPayments(c.Request().Context(), currentClient(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, payments)
}
