package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"firebase.google.com/go/v4/auth"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"glowledger_app/internal/models"
	"glowledger_app/internal/services"
)

// Context keys set by RequireAuth.
const (
	ContextUID      = "userUID"
	ContextEmail    = "userEmail"
	ContextName     = "userName"
	ContextClientID = "clientID"
	ContextAdmin    = "isAdmin"
)

// TokenVerifier verifies Firebase ID tokens. *auth.Client satisfies it.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

// ClientResolver maps a Firebase UID to a registered client.
type ClientResolver interface {
	GetByFirebaseUID(ctx context.Context, uid string) (*models.Client, error)
}

// RequireAuth returns a middleware that verifies the Firebase ID token in the
// Authorization header. The client ID is only set when the caller has
// registered; RequireClient enforces that.
func RequireAuth(verifier TokenVerifier, clients ClientResolver) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if verifier == nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "authentication is not configured")
			}

			authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader || tokenString == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			ctx := c.Request().Context()
			token, err := verifier.VerifyIDToken(ctx, tokenString)
			if err != nil {
				log.WithError(err).Debug("id token rejected")
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.Set(ContextUID, token.UID)
			if email, ok := token.Claims["email"].(string); ok {
				c.Set(ContextEmail, email)
			}
			if name, ok := token.Claims["name"].(string); ok {
				c.Set(ContextName, name)
			}
			admin, _ := token.Claims["admin"].(bool)
			c.Set(ContextAdmin, admin)

			client, err := clients.GetByFirebaseUID(ctx, token.UID)
			switch {
			case err == nil:
				c.Set(ContextClientID, client.ID)
			case errors.Is(err, services.ErrNotFound):
			default:
				return err
			}
			return next(c)
		}
	}
}

// RequireClient rejects callers that have not registered as a client yet.
func RequireClient(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, ok := ClientID(c); !ok {
			return echo.NewHTTPError(http.StatusForbidden, "client is not registered")
		}
		return next(c)
	}
}

// RequireAdmin allows only tokens carrying the admin custom claim.
func RequireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !IsAdmin(c) {
			return echo.NewHTTPError(http.StatusForbidden, "admin access required")
		}
		return next(c)
	}
}

func ClientID(c echo.Context) (uint, bool) {
	id, ok := c.Get(ContextClientID).(uint)
	return id, ok && id != 0
}

func UID(c echo.Context) string {
	uid, _ := c.Get(ContextUID).(string)
	return uid
}

func Email(c echo.Context) string {
	email, _ := c.Get(ContextEmail).(string)
	return email
}

func DisplayName(c echo.Context) string {
	name, _ := c.Get(ContextName).(string)
	return name
}

func IsAdmin(c echo.Context) bool {
	admin, _ := c.Get(ContextAdmin).(bool)
	return admin
}
