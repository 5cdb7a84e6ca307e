package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"glowledger_app/internal/services"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusForKind maps a ledger error kind to its HTTP status.
func StatusForKind(kind services.ErrorKind) int {
	switch kind {
	case services.KindValidation:
		return http.StatusBadRequest
	case services.KindNotFound:
		return http.StatusNotFound
	case services.KindConflict, services.KindState:
		return http.StatusConflict
	case services.KindExhausted:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Describe turns any handler error into a status and an error body.
func Describe(err error) (int, ErrorBody) {
	var ledgerErr services.LedgerError
	var httpErr *echo.HTTPError

	switch {
	case errors.As(err, &ledgerErr):
		code := StatusForKind(ledgerErr.Kind())
		msg := err.Error()
		if code == http.StatusInternalServerError {
			msg = ledgerErr.Error()
		}
		return code, ErrorBody{Error: ErrorDetail{Code: ledgerErr.Code(), Message: msg}}
	case errors.Is(err, services.ErrBadSignature):
		return http.StatusUnauthorized, ErrorBody{Error: ErrorDetail{Code: "BAD_SIGNATURE", Message: err.Error()}}
	case errors.As(err, &httpErr):
		msg, ok := httpErr.Message.(string)
		if !ok || msg == "" {
			msg = http.StatusText(httpErr.Code)
		}
		return httpErr.Code, ErrorBody{Error: ErrorDetail{Code: statusCode(httpErr.Code), Message: msg}}
	default:
		return http.StatusInternalServerError, ErrorBody{Error: ErrorDetail{Code: "INTERNAL", Message: "Something went wrong. Please try again later."}}
	}
}

// CustomErrorHandler writes errors as JSON. Server-side failures are logged
// with the request path; their details never reach the caller.
func CustomErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code, body := Describe(err)

	entry := log.WithFields(log.Fields{
		"method": c.Request().Method,
		"path":   c.Request().URL.Path,
		"status": code,
	})
	if uid := UID(c); uid != "" {
		entry = entry.WithField("uid", uid)
	}
	if code >= http.StatusInternalServerError {
		entry.WithError(err).Error("request failed")
	} else {
		entry.WithError(err).Debug("request rejected")
	}

	var writeErr error
	if c.Request().Method == http.MethodHead {
		writeErr = c.NoContent(code)
	} else {
		writeErr = c.JSON(code, body)
	}
	if writeErr != nil {
		log.WithError(writeErr).Error("failed to write error response")
	}
}

func statusCode(status int) string {
	text := http.StatusText(status)
	if text == "" {
		return "ERROR"
	}
	return strings.ToUpper(strings.NewReplacer(" ", "_", "-", "_", "'", "").Replace(text))
}
