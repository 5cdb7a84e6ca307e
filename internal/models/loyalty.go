package models

import "time"

// LoyaltyAccount holds denormalized totals of a client's loyalty ledger.
// Points always equals TotalEarned - TotalSpent. The tier is derived from
// TotalEarned on read and never stored.
type LoyaltyAccount struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ClientID    uint  `gorm:"uniqueIndex;not null" json:"client_id"`
	Points      int64 `gorm:"not null;default:0" json:"points"`
	TotalEarned int64 `gorm:"not null;default:0" json:"total_earned"`
	TotalSpent  int64 `gorm:"not null;default:0" json:"total_spent"`
}

type LoyaltyTransactionType string

const (
	LoyaltyTypeReferralConfirmed LoyaltyTransactionType = "REFERRAL_CONFIRMED"
	LoyaltyTypeReferredWelcome   LoyaltyTransactionType = "REFERRED_WELCOME"
	LoyaltyTypeSessionCompleted  LoyaltyTransactionType = "SESSION_COMPLETED"
	LoyaltyTypeReviewSubmitted   LoyaltyTransactionType = "REVIEW_SUBMITTED"
	LoyaltyTypeBirthday          LoyaltyTransactionType = "BIRTHDAY"
	LoyaltyTypeTierPromotion     LoyaltyTransactionType = "TIER_PROMOTION"
	LoyaltyTypeRedemption        LoyaltyTransactionType = "REDEMPTION"
	LoyaltyTypeAdjustment        LoyaltyTransactionType = "ADJUSTMENT"
)

// LoyaltyTransaction is an immutable ledger row. Positive points are awards,
// negative points are spends.
type LoyaltyTransaction struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	AccountID      uint                   `gorm:"index;not null" json:"account_id"`
	ClientID       uint                   `gorm:"index;not null" json:"client_id"`
	Points         int64                  `gorm:"not null" json:"points"`
	Type           LoyaltyTransactionType `gorm:"type:varchar(32);not null" json:"type"`
	Description    string                 `gorm:"type:varchar(255)" json:"description"`
	IdempotencyKey *string                `gorm:"type:varchar(128);uniqueIndex" json:"-"`
}

type RedemptionStatus string

const (
	RedemptionStatusIssued RedemptionStatus = "ISSUED"
	RedemptionStatusUsed   RedemptionStatus = "USED"
)

// RewardRedemption records a reward handed out against a points spend.
type RewardRedemption struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ClientID      uint             `gorm:"index;not null" json:"client_id"`
	RewardID      uint             `gorm:"index;not null" json:"reward_id"`
	TransactionID uint             `json:"transaction_id"`
	PointsSpent   int64            `json:"points_spent"`
	Status        RedemptionStatus `gorm:"type:varchar(20);not null" json:"status"`

	Reward Reward `gorm:"foreignKey:RewardID" json:"reward,omitempty"`
}
