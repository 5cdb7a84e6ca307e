package services

import (
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"

	"glowledger_app/internal/config"
)

// MidtransService validates payment notifications pushed by Midtrans. The
// ledger never starts a checkout; it only consumes settled payments.
type MidtransService struct {
	serverKey string
	env       midtrans.EnvironmentType
}

func NewMidtransService(cfg config.MidtransConfig) *MidtransService {
	env := midtrans.Sandbox
	if cfg.IsProduction {
		env = midtrans.Production
	}
	return &MidtransService{serverKey: cfg.ServerKey, env: env}
}

// IsProduction reports whether notifications come from the production environment.
func (s *MidtransService) IsProduction() bool {
	return s.env == midtrans.Production
}

// Configured reports whether a server key is present.
func (s *MidtransService) Configured() bool {
	return s != nil && s.serverKey != ""
}

// ParseNotification decodes a notification body.
func (s *MidtransService) ParseNotification(body []byte) (*coreapi.TransactionStatusResponse, error) {
	var n coreapi.TransactionStatusResponse
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("%w: notification body: %v", ErrInvalidFormat, err)
	}
	if n.OrderID == "" {
		return nil, fmt.Errorf("%w: notification without order_id", ErrInvalidFormat)
	}
	return &n, nil
}

// Signature computes SHA512(order_id + status_code + gross_amount + server_key).
func (s *MidtransService) Signature(orderID, statusCode, grossAmount string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + s.serverKey))
	return hex.EncodeToString(sum[:])
}

// VerifySignature checks the signature_key of a notification.
func (s *MidtransService) VerifySignature(n *coreapi.TransactionStatusResponse) bool {
	if !s.Configured() || n.SignatureKey == "" {
		return false
	}
	want := s.Signature(n.OrderID, n.StatusCode, n.GrossAmount)
	return subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToLower(n.SignatureKey))) == 1
}

// IsSettled reports whether the transaction moved money to the merchant.
func IsSettled(n *coreapi.TransactionStatusResponse) bool {
	switch n.TransactionStatus {
	case "settlement":
		return true
	case "capture":
		return n.FraudStatus == "" || n.FraudStatus == "accept"
	}
	return false
}

// GrossAmountMinor converts a gross amount such as "150000.00" into whole
// currency units, the ledger's minor unit for zero-decimal currencies.
func GrossAmountMinor(gross string) (int64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(gross), 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("%w: gross amount %q", ErrInvalidFormat, gross)
	}
	return int64(math.Round(f)), nil
}

// OrderRef is what the ledger encodes into Midtrans order ids:
// "GL-<clientID>-<appointmentID or 0>-<nonce>".
type OrderRef struct {
	ClientID      uint
	AppointmentID *uint
}

func ParseOrderID(orderID string) (OrderRef, error) {
	parts := strings.Split(orderID, "-")
	if len(parts) < 4 || parts[0] != "GL" {
		return OrderRef{}, fmt.Errorf("%w: order id %q", ErrInvalidFormat, orderID)
	}
	clientID, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil || clientID == 0 {
		return OrderRef{}, fmt.Errorf("%w: order id %q", ErrInvalidFormat, orderID)
	}
	apptID, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return OrderRef{}, fmt.Errorf("%w: order id %q", ErrInvalidFormat, orderID)
	}
	ref := OrderRef{ClientID: uint(clientID)}
	if apptID > 0 {
		id := uint(apptID)
		ref.AppointmentID = &id
	}
	return ref, nil
}
