package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"glowledger_app/internal/models"
)

type RankingKind string

const (
	RankingLoyalty  RankingKind = "loyalty"
	RankingReferral RankingKind = "referral"
)

type RankEntry struct {
	Rank     int    `json:"rank"`
	ClientID uint   `json:"client_id"`
	Name     string `json:"name"`
	Value    int64  `json:"value"`
	Tier     string `json:"tier,omitempty"`
	IsSelf   bool   `json:"is_self,omitempty"`
}

type Leaderboard struct {
	Kind    RankingKind `json:"kind"`
	Entries []RankEntry `json:"entries"`
	Self    *RankEntry  `json:"self,omitempty"`
}

// RankingService computes leaderboards on demand from the ledgers.
// Concurrent identical computations are collapsed, nothing is cached.
type RankingService struct {
	*deps
	group singleflight.Group
}

// GetRanking returns the top entries of a leaderboard. When the requester is
// outside the top, their own position is returned in Self.
func (s *RankingService) GetRanking(ctx context.Context, kind RankingKind, requesterID uint, limit int) (*Leaderboard, error) {
	if limit <= 0 {
		limit = s.cfg.Ranking.DefaultLimit
	}
	if maxLimit := s.cfg.Ranking.MaxLimit; maxLimit > 0 && limit > maxLimit {
		limit = maxLimit
	}

	var compute func(context.Context) ([]RankEntry, error)
	switch kind {
	case RankingLoyalty:
		compute = s.loyaltyRanking
	case RankingReferral:
		compute = s.referralRanking
	default:
		return nil, fmt.Errorf("%w: unknown ranking %q", ErrInvalidInput, kind)
	}

	// the flight is shared, so one caller going away must not fail the others
	flightCtx := context.WithoutCancel(ctx)
	v, err, _ := s.group.Do(string(kind), func() (interface{}, error) {
		return compute(flightCtx)
	})
	if err != nil {
		return nil, err
	}
	return slice(kind, v.([]RankEntry), requesterID, limit), nil
}

func slice(kind RankingKind, all []RankEntry, requesterID uint, limit int) *Leaderboard {
	board := &Leaderboard{Kind: kind, Entries: make([]RankEntry, 0, limit)}
	for i, e := range all {
		if e.ClientID == requesterID {
			e.IsSelf = true
		}
		if i < limit {
			board.Entries = append(board.Entries, e)
			continue
		}
		if e.IsSelf {
			self := e
			board.Self = &self
		}
	}
	return board
}

type rankRow struct {
	clientID  uint
	name      string
	value     int64
	createdAt time.Time
}

// rankRows orders by value descending, then by earliest creation, then by id.
func rankRows(rows []rankRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].value != rows[j].value {
			return rows[i].value > rows[j].value
		}
		if !rows[i].createdAt.Equal(rows[j].createdAt) {
			return rows[i].createdAt.Before(rows[j].createdAt)
		}
		return rows[i].clientID < rows[j].clientID
	})
}

func (s *RankingService) loyaltyRanking(ctx context.Context) ([]RankEntry, error) {
	var rows []struct {
		ClientID    uint
		TotalEarned int64
		CreatedAt   time.Time
		Name        string
	}
	err := s.db.WithContext(ctx).Model(&models.LoyaltyAccount{}).
		Select("loyalty_accounts.client_id, loyalty_accounts.total_earned, loyalty_accounts.created_at, clients.name").
		Joins("JOIN clients ON clients.id = loyalty_accounts.client_id AND clients.deleted_at IS NULL").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	ranked := make([]rankRow, len(rows))
	for i, r := range rows {
		ranked[i] = rankRow{clientID: r.ClientID, name: r.Name, value: r.TotalEarned, createdAt: r.CreatedAt}
	}
	rankRows(ranked)

	out := make([]RankEntry, len(ranked))
	for i, r := range ranked {
		out[i] = RankEntry{
			Rank:     i + 1,
			ClientID: r.clientID,
			Name:     displayName(r.name),
			Value:    r.value,
			Tier:     TierFor(s.cfg.Loyalty.Tiers, r.value).Tier,
		}
	}
	return out, nil
}

func (s *RankingService) referralRanking(ctx context.Context) ([]RankEntry, error) {
	db := s.db.WithContext(ctx)

	var clients []models.Client
	if err := db.Select("id", "name", "created_at").Find(&clients).Error; err != nil {
		return nil, err
	}
	var counts []struct {
		ReferrerID uint
		Total      int64
	}
	err := db.Model(&models.Referral{}).
		Select("referrer_id, COUNT(*) AS total").
		Where("status IN ?", []models.ReferralStatus{models.ReferralStatusConfirmed, models.ReferralStatusRewarded}).
		Group("referrer_id").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	byClient := make(map[uint]int64, len(counts))
	for _, c := range counts {
		byClient[c.ReferrerID] = c.Total
	}

	ranked := make([]rankRow, len(clients))
	for i, c := range clients {
		ranked[i] = rankRow{clientID: c.ID, name: c.Name, value: byClient[c.ID], createdAt: c.CreatedAt}
	}
	rankRows(ranked)

	out := make([]RankEntry, len(ranked))
	for i, r := range ranked {
		out[i] = RankEntry{Rank: i + 1, ClientID: r.clientID, Name: displayName(r.name), Value: r.value}
	}
	return out, nil
}

// displayName shows the first name and the initial of the last name.
func displayName(name string) string {
	parts := strings.Fields(name)
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	last := []rune(parts[len(parts)-1])
	return fmt.Sprintf("%s %c.", parts[0], last[0])
}
