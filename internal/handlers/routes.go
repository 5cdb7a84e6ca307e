package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"glowledger_app/internal/middleware"
	"glowledger_app/internal/services"
)

// NewServer builds the echo instance with JSON errors, request logging and
// every route mounted.
func NewServer(ledger *services.Ledger, verifier middleware.TokenVerifier) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = middleware.CustomErrorHandler

	e.Use(echomw.Recover())
	e.Use(echomw.BodyLimit("1M"))
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			log.WithFields(log.Fields{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency.String(),
			}).Info("request")
			return nil
		},
	}))

	RegisterRoutes(e, ledger, verifier)
	return e
}

// RegisterRoutes mounts the public, client and admin API on e.
func RegisterRoutes(e *echo.Echo, ledger *services.Ledger, verifier middleware.TokenVerifier) {
	clientH := NewClientHandler(ledger)
	bookingH := NewBookingHandler(ledger)
	rewardsH := NewRewardsHandler(ledger)
	paymentH := NewPaymentHandler(ledger)
	adminH := NewAdminHandler(ledger)

	e.GET("/healthz", healthz(ledger))
	e.POST("/api/payments/midtrans/notification", paymentH.MidtransNotification)

	api := e.Group("/api", middleware.RequireAuth(verifier, ledger.Clients))
	api.POST("/clients/register", clientH.Register)

	client := api.Group("", middleware.RequireClient)
	client.GET("/me", clientH.Me)
	client.PUT("/me/notifications", clientH.UpdateNotifPreference)

	client.GET("/services", bookingH.ListServices)
	client.GET("/availability", bookingH.Availability)
	client.POST("/appointments", bookingH.CreateAppointment)
	client.POST("/appointments/batch", bookingH.CreateBatch)
	client.GET("/appointments", bookingH.ListAppointments)
	client.GET("/appointments/:id", bookingH.GetAppointment)
	client.POST("/appointments/:id/cancel", bookingH.CancelAppointment)
	client.GET("/packages", bookingH.ListPackages)
	client.GET("/package-options", bookingH.ListPackageOptions)
	client.POST("/packages/purchase", bookingH.PurchasePackage)

	client.GET("/loyalty", rewardsH.LoyaltyOverview)
	client.GET("/loyalty/transactions", rewardsH.LoyaltyTransactions)
	client.GET("/rewards", rewardsH.ListRewards)
	client.GET("/rewards/redemptions", rewardsH.ListRedemptions)
	client.POST("/rewards/:id/redeem", rewardsH.RedeemReward)
	client.GET("/referral", rewardsH.ReferralOverview)
	client.POST("/referral/apply", rewardsH.ApplyReferralCode)
	client.PUT("/referral/code", rewardsH.CustomizeReferralCode)
	client.GET("/rankings/:kind", rewardsH.Ranking)
	client.POST("/reviews", rewardsH.SubmitReview)
	client.GET("/payments", paymentH.ListPayments)

	admin := api.Group("/admin", middleware.RequireAdmin)
	admin.GET("/appointments", adminH.ListAppointments)
	admin.POST("/appointments/:id/confirm", adminH.ConfirmAppointment)
	admin.POST("/appointments/:id/complete", adminH.CompleteAppointment)
	admin.POST("/appointments/:id/no-show", adminH.MarkNoShow)
	admin.POST("/appointments/:id/cancel", adminH.CancelAppointment)
	admin.POST("/payments", adminH.RecordPayment)
	admin.POST("/clients/:id/balance", adminH.AdjustBalance)
	admin.POST("/clients/:id/points", adminH.AwardPoints)
	admin.POST("/clients/:id/packages", adminH.GrantPackage)
	admin.GET("/clients/:id/loyalty/reconcile", adminH.Reconcile)
	admin.POST("/referrals/:id/retry-reward", adminH.RetryReferralReward)

	admin.GET("/services", adminH.ListServices)
	admin.POST("/services", adminH.CreateService)
	admin.PUT("/services/:id", adminH.UpdateService)
	admin.POST("/package-options", adminH.CreatePackageOption)
	admin.DELETE("/package-options/:id", adminH.DeactivatePackageOption)
	admin.POST("/rewards", adminH.CreateReward)
	admin.PUT("/rewards/:id", adminH.UpdateReward)
	admin.GET("/schedule", adminH.ListSchedule)
	admin.PUT("/schedule", adminH.SetSchedule)
	admin.DELETE("/schedule/:weekday", adminH.CloseWeekday)
	admin.GET("/blocked-dates", adminH.ListBlockedDates)
	admin.POST("/blocked-dates", adminH.BlockDate)
	admin.DELETE("/blocked-dates/:id", adminH.UnblockDate)
}

func healthz(ledger *services.Ledger) echo.HandlerFunc {
	return func(c echo.Context) error {
		sqlDB, err := ledger.DB().DB()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := sqlDB.PingContext(ctx); err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
}
