package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"glowledger_app/internal/config"
	"glowledger_app/internal/models"
)

func TestTierFor(t *testing.T) {
	tiers := config.Default().Loyalty.Tiers
	tests := []struct {
		earned   int64
		tier     string
		next     string
		toNext   int64
		progress float64
	}{
		{0, "BRONZE", "SILVER", 500, 0},
		{250, "BRONZE", "SILVER", 250, 50},
		{500, "SILVER", "GOLD", 1000, 0},
		{2999, "GOLD", "DIAMOND", 1, 99.93333333333334},
		{5000, "DIAMOND", "", 0, 100},
	}
	for _, tt := range tests {
		got := TierFor(tiers, tt.earned)
		if got.Tier != tt.tier {
			t.Errorf("TierFor(%d) = %s, want %s", tt.earned, got.Tier, tt.tier)
		}
		if tt.next == "" {
			if got.NextTier != nil || got.PointsToNextTier != nil {
				t.Errorf("TierFor(%d) has a next tier", tt.earned)
			}
		} else if got.NextTier == nil || *got.NextTier != tt.next || *got.PointsToNextTier != tt.toNext {
			t.Errorf("TierFor(%d) next = %v/%v, want %s/%d", tt.earned, got.NextTier, got.PointsToNextTier, tt.next, tt.toNext)
		}
		if diff := got.Progress - tt.progress; diff > 0.001 || diff < -0.001 {
			t.Errorf("TierFor(%d) progress = %v, want %v", tt.earned, got.Progress, tt.progress)
		}
	}
}

func TestAwardAndSpendKeepAccountInvariant(t *testing.T) {
	f := newTestLedger(t)
	ctx := context.Background()
	ana := f.client(t, "Ana")

	if _, applied, err := f.ledger.Loyalty.AwardPoints(ctx, Award{ClientID: ana.ID, Points: 120, Type: models.LoyaltyTypeAdjustment, IdempotencyKey: "manual:1"}); err != nil || !applied {
		t.Fatalf("AwardPoints = %v, %v", applied, err)
	}
	// replay of the same key
	if _, applied, err := f.ledger.Loyalty.AwardPoints(ctx, Award{ClientID: ana.ID, Points: 120, Type: models.LoyaltyTypeAdjustment, IdempotencyKey: "manual:1"}); err != nil || applied {
		t.Fatalf("replayed AwardPoints = %v, %v; want not applied", applied, err)
	}
	if _, err := f.ledger.Loyalty.SpendPoints(ctx, ana.ID, 70, models.LoyaltyTypeRedemption, "voucher"); err != nil {
		t.Fatalf("SpendPoints: %v", err)
	}
	if _, err := f.ledger.Loyalty.SpendPoints(ctx, ana.ID, 51, models.LoyaltyTypeRedemption, "voucher"); !errors.Is(err, ErrInsufficientPoints) {
		t.Fatalf("overspend err = %v, want ErrInsufficientPoints", err)
	}
	if _, _, err := f.ledger.Loyalty.AwardPoints(ctx, Award{ClientID: ana.ID, Points: 0, Type: models.LoyaltyTypeAdjustment}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("zero award err = %v, want ErrInvalidInput", err)
	}

	overview, err := f.ledger.Loyalty.Overview(ctx, ana.ID)
	if err != nil {
		t.Fatalf("Overview: %v", err)
	}
	if overview.Points != 50 || overview.TotalEarned != 120 || overview.TotalSpent != 70 {
		t.Fatalf("overview = %+v", overview)
	}
	if overview.Points != overview.TotalEarned-overview.TotalSpent {
		t.Error("points != earned - spent")
	}

	report, err := f.ledger.Loyalty.Reconcile(ctx, ana.ID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !report.Consistent || report.TransactionCount != 2 {
		t.Errorf("report = %+v", report)
	}

	rows, total, err := f.ledger.Loyalty.History(ctx, ana.ID, 1, 10)
	if err != nil || total != 2 || len(rows) != 2 {
		t.Fatalf("History = %d rows, total %d, %v", len(rows), total, err)
	}
	if rows[0].Points != -70 {
		t.Errorf("newest row = %+v", rows[0])
	}
}

func TestConcurrentSpendsNeverOverdraw(t *testing.T) {
	f := newTestLedger(t)
	ctx := context.Background()
	ana := f.client(t, "Ana")
	if _, _, err := f.ledger.Loyalty.AwardPoints(ctx, Award{ClientID: ana.ID, Points: 100, Type: models.LoyaltyTypeAdjustment}); err != nil {
		t.Fatalf("AwardPoints: %v", err)
	}

	const n = 6
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.ledger.Loyalty.SpendPoints(ctx, ana.ID, 30, models.LoyaltyTypeRedemption, "race")
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInsufficientPoints):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 3 {
		t.Errorf("%d spends succeeded, want 3", ok)
	}
	if got := f.points(t, ana.ID); got != 10 {
		t.Errorf("points = %d, want 10", got)
	}
}

func TestTierPromotionBonusIsGrantedOnce(t *testing.T) {
	f := newTestLedger(t)
	ctx := context.Background()
	ana := f.client(t, "Ana")

	award := func(points int64) {
		t.Helper()
		if _, _, err := f.ledger.Loyalty.AwardPoints(ctx, Award{ClientID: ana.ID, Points: points, Type: models.LoyaltyTypeAdjustment}); err != nil {
			t.Fatalf("AwardPoints: %v", err)
		}
	}
	award(480)
	award(30) // crosses SILVER at 500

	overview, _ := f.ledger.Loyalty.Overview(ctx, ana.ID)
	if overview.Tier != "SILVER" || overview.TotalEarned != 560 {
		t.Fatalf("overview = %+v, want SILVER with 560 earned", overview)
	}

	// spending does not demote, and staying in the tier gives no new bonus
	if _, err := f.ledger.Loyalty.SpendPoints(ctx, ana.ID, 500, models.LoyaltyTypeRedemption, "spa day"); err != nil {
		t.Fatalf("SpendPoints: %v", err)
	}
	award(10)
	overview, _ = f.ledger.Loyalty.Overview(ctx, ana.ID)
	if overview.Tier != "SILVER" || overview.TotalEarned != 570 || overview.Points != 70 {
		t.Fatalf("overview = %+v", overview)
	}

	var bonuses int64
	f.ledger.DB().Model(&models.LoyaltyTransaction{}).
		Where("client_id = ? AND type = ?", ana.ID, models.LoyaltyTypeTierPromotion).
		Count(&bonuses)
	if bonuses != 1 {
		t.Errorf("%d tier bonuses, want 1", bonuses)
	}
}

func TestReconcileDetectsTampering(t *testing.T) {
	f := newTestLedger(t)
	ctx := context.Background()
	ana := f.client(t, "Ana")
	if _, _, err := f.ledger.Loyalty.AwardPoints(ctx, Award{ClientID: ana.ID, Points: 40, Type: models.LoyaltyTypeAdjustment}); err != nil {
		t.Fatalf("AwardPoints: %v", err)
	}
	f.ledger.DB().Model(&models.LoyaltyAccount{}).Where("client_id = ?", ana.ID).Update("points", 400)

	report, err := f.ledger.Loyalty.Reconcile(ctx, ana.ID)
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("err = %v, want ErrIntegrity", err)
	}
	if report == nil || report.Consistent || report.StoredPoints != 400 || report.LedgerPoints != 40 {
		t.Fatalf("report = %+v", report)
	}
}

func TestAwardBirthdays(t *testing.T) {
	f := newTestLedger(t)
	ctx := context.Background()
	register := func(name string, birthday time.Time) {
		t.Helper()
		if _, err := f.ledger.Clients.RegisterClient(ctx, RegisterClientInput{Name: name, Email: name + "@example.com", Birthday: &birthday}); err != nil {
			t.Fatalf("RegisterClient: %v", err)
		}
	}
	register("ana", time.Date(1990, 3, 2, 0, 0, 0, 0, time.UTC))
	register("leap", time.Date(1992, 2, 29, 0, 0, 0, 0, time.UTC))
	register("other", time.Date(1990, 7, 14, 0, 0, 0, 0, time.UTC))

	n, err := f.ledger.Loyalty.AwardBirthdays(ctx, monday)
	if err != nil || n != 1 {
		t.Fatalf("AwardBirthdays = %d, %v; want 1", n, err)
	}
	n, err = f.ledger.Loyalty.AwardBirthdays(ctx, monday)
	if err != nil || n != 0 {
		t.Fatalf("second run = %d, %v; want 0", n, err)
	}

	// 2026 is not a leap year, Feb 29 birthdays are celebrated on Feb 28
	n, err = f.ledger.Loyalty.AwardBirthdays(ctx, time.Date(2026, 2, 28, 9, 0, 0, 0, time.UTC))
	if err != nil || n != 1 {
		t.Fatalf("Feb 28 run = %d, %v; want 1", n, err)
	}
}

func TestIsBirthday(t *testing.T) {
	leap := time.Date(1992, 2, 29, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		birthday time.Time
		today    time.Time
		want     bool
	}{
		{leap, time.Date(2028, 2, 29, 0, 0, 0, 0, time.UTC), true},
		{leap, time.Date(2028, 2, 28, 0, 0, 0, 0, time.UTC), false},
		{leap, time.Date(2027, 2, 28, 0, 0, 0, 0, time.UTC), true},
		{time.Date(1990, 3, 2, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), true},
		{time.Date(1990, 3, 2, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		if got := isBirthday(tt.birthday, tt.today); got != tt.want {
			t.Errorf("isBirthday(%s, %s) = %v, want %v", tt.birthday.Format(dateLayout), tt.today.Format(dateLayout), got, tt.want)
		}
	}
}

func TestTierBonusThatCrossesTheNextTier(t *testing.T) {
	f := newTestLedger(t)
	ctx := context.Background()
	ana := f.client(t, "Ana")
	for _, points := range []int64{450, 1020} {
		if _, _, err := f.ledger.Loyalty.AwardPoints(ctx, Award{ClientID: ana.ID, Points: points, Type: models.LoyaltyTypeAdjustment}); err != nil {
			t.Fatalf("AwardPoints: %v", err)
		}
	}

	// 1470 reaches SILVER, its bonus lands on 1520 which reaches GOLD
	overview, err := f.ledger.Loyalty.Overview(ctx, ana.ID)
	if err != nil {
		t.Fatalf("Overview: %v", err)
	}
	if overview.Tier != "GOLD" || overview.TotalEarned != 1570 {
		t.Fatalf("overview = %+v, want GOLD with 1570 earned", overview)
	}
	var bonuses int64
	f.ledger.DB().Model(&models.LoyaltyTransaction{}).
		Where("client_id = ? AND type = ?", ana.ID, models.LoyaltyTypeTierPromotion).
		Count(&bonuses)
	if bonuses != 2 {
		t.Errorf("%d tier bonuses, want 2", bonuses)
	}
}
