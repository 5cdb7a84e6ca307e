package handlers

import (
	"fmt"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"glowledger_app/internal/middleware"
	"glowledger_app/internal/services"
)

const dateLayout = "2006-01-02"

func paramID(c echo.Context, name string) (uint, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: invalid %s", services.ErrInvalidInput, name)
	}
	return uint(id), nil
}

func queryInt(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a number", services.ErrInvalidInput, name)
	}
	return n, nil
}

func queryUint(c echo.Context, name string) (uint, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a number", services.ErrInvalidInput, name)
	}
	return uint(n), nil
}

// queryTime accepts RFC 3339 timestamps or plain dates in the business timezone.
func queryTime(c echo.Context, name string, loc *time.Location) (time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(dateLayout, raw, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be a date or RFC 3339 time", services.ErrInvalidInput, name)
	}
	return t, nil
}

func bind(c echo.Context, dst interface{}) error {
	if err := c.Bind(dst); err != nil {
		return fmt.Errorf("%w: malformed request body", services.ErrInvalidInput)
	}
	return nil
}

// currentClient returns the registered client's ID. Routes using it sit
// behind RequireClient.
func currentClient(c echo.Context) uint {
	id, _ := middleware.ClientID(c)
	return id
}
