package services

import (
	"context"
	"errors"
	"testing"

	"glowledger_app/internal/models"
)

func TestLoyaltyRanking(t *testing.T) {
	f := newTestLedger(t)
	ctx := context.Background()
	ana := f.client(t, "Ana")
	budi := f.client(t, "Budi")
	citra := f.client(t, "Citra")
	for id, points := range map[uint]int64{ana.ID: 300, budi.ID: 300, citra.ID: 500} {
		if _, _, err := f.ledger.Loyalty.AwardPoints(ctx, Award{ClientID: id, Points: points, Type: models.LoyaltyTypeAdjustment}); err != nil {
			t.Fatalf("AwardPoints: %v", err)
		}
	}

	board, err := f.ledger.Rankings.GetRanking(ctx, RankingLoyalty, budi.ID, 2)
	if err != nil {
		t.Fatalf("GetRanking: %v", err)
	}
	if len(board.Entries) != 2 {
		t.Fatalf("entries = %+v", board.Entries)
	}
	// ties go to the earlier member
	if board.Entries[0].ClientID != citra.ID || board.Entries[1].ClientID != ana.ID {
		t.Fatalf("order = %d, %d; want citra, ana", board.Entries[0].ClientID, board.Entries[1].ClientID)
	}
	if board.Entries[0].Tier != "SILVER" || board.Entries[0].Value != 550 {
		t.Errorf("leader = %+v", board.Entries[0])
	}
	if board.Self == nil || board.Self.ClientID != budi.ID || board.Self.Rank != 3 || !board.Self.IsSelf {
		t.Fatalf("self = %+v", board.Self)
	}

	board, err = f.ledger.Rankings.GetRanking(ctx, RankingLoyalty, ana.ID, 2)
	if err != nil {
		t.Fatalf("GetRanking: %v", err)
	}
	if board.Self != nil || !board.Entries[1].IsSelf {
		t.Errorf("requester inside the top should be flagged in place: %+v", board)
	}
}

func TestReferralRanking(t *testing.T) {
	f := newTestLedger(t)
	ctx := context.Background()
	ana := f.client(t, "Ana Putri")
	budi := f.client(t, "Budi")
	citra := f.client(t, "Citra")
	dewi := f.client(t, "Dewi")

	rows := []models.Referral{
		{ReferrerID: ana.ID, ReferredID: budi.ID, Status: models.ReferralStatusConfirmed},
		{ReferrerID: ana.ID, ReferredID: citra.ID, Status: models.ReferralStatusRewarded},
		{ReferrerID: budi.ID, ReferredID: dewi.ID, Status: models.ReferralStatusPending},
	}
	for i := range rows {
		var code models.ReferralCode
		f.ledger.DB().Where("client_id = ?", rows[i].ReferrerID).First(&code)
		rows[i].CodeID = code.ID
		if err := f.ledger.DB().Create(&rows[i]).Error; err != nil {
			t.Fatalf("create referral: %v", err)
		}
	}

	board, err := f.ledger.Rankings.GetRanking(ctx, RankingReferral, dewi.ID, 10)
	if err != nil {
		t.Fatalf("GetRanking: %v", err)
	}
	if len(board.Entries) != 4 {
		t.Fatalf("entries = %+v", board.Entries)
	}
	top := board.Entries[0]
	if top.ClientID != ana.ID || top.Value != 2 || top.Name != "Ana P." {
		t.Errorf("top = %+v", top)
	}
	if board.Entries[1].ClientID != budi.ID || board.Entries[1].Value != 0 {
		t.Errorf("pending referrals should not count: %+v", board.Entries[1])
	}
	if !board.Entries[3].IsSelf {
		t.Errorf("requester not flagged: %+v", board.Entries[3])
	}

	if _, err := f.ledger.Rankings.GetRanking(ctx, "weekly", ana.ID, 10); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("unknown ranking err = %v", err)
	}
}

func TestRankingSurvivesCancelledRequester(t *testing.T) {
	f := newTestLedger(t)
	ana := f.client(t, "Ana")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	board, err := f.ledger.Rankings.GetRanking(ctx, RankingLoyalty, ana.ID, 5)
	if err != nil {
		t.Fatalf("GetRanking: %v", err)
	}
	if len(board.Entries) != 1 || !board.Entries[0].IsSelf {
		t.Errorf("entries = %+v", board.Entries)
	}
}
