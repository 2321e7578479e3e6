package dbconnector

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Order statuses. quoting and placed only exist in memory during Purchase.
const (
	StatusReserved      = "reserved"
	StatusPending       = "pending"
	StatusInProgress    = "inprogress"
	StatusCompleted     = "completed"
	StatusPartial       = "partial"
	StatusCanceled      = "canceled"
	StatusRefundPending = "refund_pending"
	StatusRefunded      = "refunded"
	StatusSMMError      = "smm_error"
)

// Withdraw methods and statuses.
const (
	MethodBalance = "balance"
	MethodPaypay  = "paypay"
	MethodBank    = "bank"

	WithdrawPending  = "pending"
	WithdrawApproved = "approved"
	WithdrawRejected = "rejected"
)

type User struct {
	gorm.Model
	Email             string `gorm:"unique;not null"`
	Password          string `gorm:"not null"`
	Balance           int64  `gorm:"not null;default:0;check:chk_users_balance,balance >= 0"`
	AffiliateEarnings int64  `gorm:"not null;default:0"`
	ReferralCode      string `gorm:"uniqueIndex;not null"`
	ReferredBy        *uint  `gorm:"index"`
}

type Order struct {
	gorm.Model
	UserID          uint   `gorm:"index;not null"`
	ServiceID       string `gorm:"not null"`
	ServiceName     string
	Category        string
	Link            string `gorm:"not null"`
	Quantity        int64  `gorm:"not null"`
	PriceCharged    int64  `gorm:"not null"`
	IntentKey       string `gorm:"uniqueIndex;not null"`
	UpstreamOrderID string `gorm:"index"`
	// UpstreamCost is provisional until CostConfirmed is set by a status charge.
	UpstreamCost   decimal.Decimal `gorm:"type:numeric(20,8);not null;default:0"`
	CostConfirmed  bool            `gorm:"not null;default:false"`
	Status         string          `gorm:"index;not null;default:'reserved'"`
	StartCount     int64
	Remains        int64
	RefundedAmount int64 `gorm:"not null;default:0"`
	LastError      string
}

type Coupon struct {
	gorm.Model
	Code          string `gorm:"uniqueIndex;not null"`
	DiscountValue int64  `gorm:"not null"`
	Description   string
	ValidUntil    *time.Time
	// MaxUses nil means unlimited.
	MaxUses   *int
	UsedCount int `gorm:"not null;default:0"`
}

type CouponRedemption struct {
	ID        uint `gorm:"primarykey"`
	CouponID  uint `gorm:"not null;uniqueIndex:idx_redemption_coupon_user"`
	UserID    uint `gorm:"not null;uniqueIndex:idx_redemption_coupon_user"`
	CreatedAt time.Time
}

type WithdrawRequest struct {
	gorm.Model
	UserID        uint   `gorm:"index;not null"`
	Amount        int64  `gorm:"not null"`
	Method        string `gorm:"not null"`
	Status        string `gorm:"index;not null;default:'pending'"`
	PaypayID      string
	BankName      string
	BankBranch    string
	AccountType   string
	AccountNumber string
	AccountHolder string
	DecidedAt     *time.Time
}

// AffiliateLog rows are never updated or deleted.
type AffiliateLog struct {
	ID         uint  `gorm:"primarykey"`
	ReferrerID uint  `gorm:"index;not null"`
	UserID     uint  `gorm:"not null"`
	DepositID  *uint `gorm:"uniqueIndex"`
	Amount     int64 `gorm:"not null"`
	Reward     int64 `gorm:"not null"`
	CreatedAt  time.Time
}

type Deposit struct {
	gorm.Model
	UserID    uint   `gorm:"index;not null"`
	Amount    int64  `gorm:"not null"`
	Reference string `gorm:"uniqueIndex;not null"`
	Source    string
}

// WaitingStatuses are re-queried upstream by the sweeper.
var WaitingStatuses = []string{StatusPending, StatusInProgress}

// IsTerminal reports whether an order can no longer change on its own.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusPartial, StatusCanceled, StatusRefunded, StatusSMMError:
		return true
	}
	return false
}
