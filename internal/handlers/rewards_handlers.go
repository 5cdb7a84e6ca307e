package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"glowledger_app/internal/services"
)

// RewardsHandler serves loyalty points, rewards, referrals, rankings and reviews.
type RewardsHandler struct {
	ledger *services.Ledger
}

func NewRewardsHandler(ledger *services.Ledger) *RewardsHandler {
	return &RewardsHandler{ledger: ledger}
}

func (h *RewardsHandler) LoyaltyOverview(c echo.Context) error {
	overview, err := h.ledger.Loyalty.Overview(c.Request().Context(), currentClient(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, overview)
}

func (h *RewardsHandler) LoyaltyTransactions(c echo.Context) error {
	page, err := queryInt(c, "page", 1)
	if err != nil {
		return err
	}
	pageSize, err := queryInt(c, "page_size", 0)
	if err != nil {
		return err
	}
	rows, total, err := h.ledger.Loyalty.History(c.Request().Context(), currentClient(c), page, pageSize)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"items": rows,
		"total": total,
		"page":  page,
	})
}

func (h *RewardsHandler) ListRewards(c echo.Context) error {
	rewards, err := h.ledger.Catalog.ListRewards(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rewards)
}

func (h *RewardsHandler) RedeemReward(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	redemption, err := h.ledger.Rewards.RedeemReward(c.Request().Context(), currentClient(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, redemption)
}

func (h *RewardsHandler) ListRedemptions(c echo.Context) error {
	rows, err := h.ledger.Rewards.ListRedemptions(c.Request().Context(), currentClient(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rows)
}

func (h *RewardsHandler) ReferralOverview(c echo.Context) error {
	overview, err := h.ledger.Referrals.Overview(c.Request().Context(), currentClient(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, overview)
}

type codeRequest struct {
	Code string `json:"code"`
}

func (h *RewardsHandler) ApplyReferralCode(c echo.Context) error {
	var req codeRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	referral, err := h.ledger.Referrals.ApplyCode(c.Request().Context(), currentClient(c), req.Code)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, referral)
}

func (h *RewardsHandler) CustomizeReferralCode(c echo.Context) error {
	var req codeRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	code, err := h.ledger.Referrals.CustomizeCode(c.Request().Context(), currentClient(c), req.Code)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, code)
}

func (h *RewardsHandler) Ranking(c echo.Context) error {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		return err
	}
	board, err := h.ledger.Rankings.GetRanking(c.Request().Context(), services.RankingKind(c.Param("kind")), currentClient(c), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, board)
}

func (h *RewardsHandler) SubmitReview(c echo.Context) error {
	var in services.ReviewInput
	if err := bind(c, &in); err != nil {
		return err
	}
	in.ClientID = currentClient(c)
	review, err := h.ledger.Reviews.SubmitReview(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, review)
}
