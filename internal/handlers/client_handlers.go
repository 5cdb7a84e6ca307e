package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"glowledger_app/internal/middleware"
	"glowledger_app/internal/models"
	"glowledger_app/internal/services"
)

type ClientHandler struct {
	ledger *services.Ledger
}

func NewClientHandler(ledger *services.Ledger) *ClientHandler {
	return &ClientHandler{ledger: ledger}
}

type registerRequest struct {
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	Email        string `json:"email"`
	Birthday     string `json:"birthday"`
	ReferralCode string `json:"referral_code"`
}

type registerResponse struct {
	Client        *models.Client          `json:"client"`
	Referral      *models.Referral        `json:"referral,omitempty"`
	ReferralError *middleware.ErrorDetail `json:"referral_error,omitempty"`
}

// Register creates the client for the authenticated identity. A referral
// code is applied after registration; a bad code does not undo the account.
func (h *ClientHandler) Register(c echo.Context) error {
	if _, ok := middleware.ClientID(c); ok {
		return services.ErrAlreadyRegistered
	}

	var req registerRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.Name == "" {
		req.Name = middleware.DisplayName(c)
	}
	if req.Email == "" {
		req.Email = middleware.Email(c)
	}

	in := services.RegisterClientInput{
		Name:        req.Name,
		Phone:       req.Phone,
		Email:       req.Email,
		FirebaseUID: middleware.UID(c),
	}
	if req.Birthday != "" {
		day, err := time.ParseInLocation(dateLayout, req.Birthday, h.ledger.Location())
		if err != nil {
			return fmt.Errorf("%w: birthday must be YYYY-MM-DD", services.ErrInvalidInput)
		}
		in.Birthday = &day
	}

	ctx := c.Request().Context()
	client, err := h.ledger.Clients.RegisterClient(ctx, in)
	if err != nil {
		return err
	}

	resp := registerResponse{Client: client}
	if code := strings.TrimSpace(req.ReferralCode); code != "" {
		referral, err := h.ledger.Referrals.ApplyCode(ctx, client.ID, code)
		if err != nil {
			_, body := middleware.Describe(err)
			resp.ReferralError = &body.Error
			log.WithError(err).WithField("client_id", client.ID).Info("referral code rejected at registration")
		} else {
			resp.Referral = referral
		}
	}
	return c.JSON(http.StatusCreated, resp)
}

func (h *ClientHandler) Me(c echo.Context) error {
	client, err := h.ledger.Clients.GetClient(c.Request().Context(), currentClient(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, client)
}

type notifPreferenceRequest struct {
	Channel            models.NotificationChannel `json:"channel"`
	WhatsappTargetType string                     `json:"whatsapp_target_type"`
	WhatsappGroupID    string                     `json:"whatsapp_group_id"`
}

func (h *ClientHandler) UpdateNotifPreference(c echo.Context) error {
	var req notifPreferenceRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	pref, err := h.ledger.Clients.UpdateNotifPreference(c.Request().Context(), currentClient(c), models.ClientNotifPreference{
		Channel:            req.Channel,
		WhatsappTargetType: req.WhatsappTargetType,
		WhatsappGroupID:    req.WhatsappGroupID,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pref)
}
