package models

import (
	"time"
)

type Credentials struct {
	Email    string `json:"login" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6,max=72"`
	// Ref is the referral code of the inviting user, signup only.
	Ref string `json:"ref,omitempty" validate:"omitempty,max=64"`
}

type PurchaseRequest struct {
	ServiceID string `json:"service_id" validate:"required"`
	Link      string `json:"link" validate:"required,url"`
	Quantity  int64  `json:"quantity" validate:"required,gt=0"`
}

type OrderResponse struct {
	ID              uint      `json:"id"`
	ServiceID       string    `json:"service_id"`
	ServiceName     string    `json:"service_name"`
	Category        string    `json:"category"`
	Link            string    `json:"link"`
	Quantity        int64     `json:"quantity"`
	PriceCharged    int64     `json:"price_charged"`
	Status          string    `json:"status"`
	UpstreamOrderID string    `json:"upstream_order_id,omitempty"`
	StartCount      int64     `json:"start_count,omitempty"`
	Remains         int64     `json:"remains,omitempty"`
	RefundedAmount  int64     `json:"refunded_amount,omitempty"`
	UploadedAt      time.Time `json:"uploaded_at"`
}

type BalanceResponse struct {
	Current           int64 `json:"current"`
	AffiliateEarnings int64 `json:"affiliate_earnings"`
	Withdrawable      int64 `json:"withdrawable"`
}

type RedeemRequest struct {
	Code string `json:"code" validate:"required,max=64"`
}

type RedeemResponse struct {
	Code     string `json:"code"`
	Credited int64  `json:"credited"`
	Balance  int64  `json:"balance"`
}

type CouponRequest struct {
	Code          string     `json:"code" validate:"required,max=64"`
	DiscountValue int64      `json:"discount_value" validate:"required,gt=0"`
	Description   string     `json:"description" validate:"max=255"`
	ValidUntil    *time.Time `json:"valid_until,omitempty"`
	MaxUses       *int       `json:"max_uses,omitempty" validate:"omitempty,gt=0"`
}

// WithdrawRequest carries payee details for the external payout methods.
type WithdrawRequest struct {
	Amount        int64  `json:"amount" validate:"required,gt=0"`
	Method        string `json:"method" validate:"required,oneof=balance paypay bank"`
	PaypayID      string `json:"paypay_id,omitempty" validate:"required_if=Method paypay,max=64"`
	BankName      string `json:"bank_name,omitempty" validate:"required_if=Method bank,max=64"`
	BankBranch    string `json:"bank_branch,omitempty" validate:"required_if=Method bank,max=64"`
	AccountType   string `json:"account_type,omitempty" validate:"required_if=Method bank,max=32"`
	AccountNumber string `json:"account_number,omitempty" validate:"required_if=Method bank,max=32"`
	AccountHolder string `json:"account_holder,omitempty" validate:"required_if=Method bank,max=64"`
}

type WithdrawalResponse struct {
	ID          uint       `json:"id"`
	Amount      int64      `json:"amount"`
	Method      string     `json:"method"`
	Status      string     `json:"status"`
	RequestedAt time.Time  `json:"requested_at"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
}

type AffiliateResponse struct {
	ReferralCode string `json:"referral_code"`
	InviteLink   string `json:"invite_link"`
	Invited      int64  `json:"invited"`
	Earnings     int64  `json:"earnings"`
	Withdrawable int64  `json:"withdrawable"`
}

// DepositEvent is delivered by the payment collaborator after it verified the charge.
type DepositEvent struct {
	UserID    uint   `json:"user_id" validate:"required"`
	Amount    int64  `json:"amount" validate:"required,gt=0"`
	Reference string `json:"reference" validate:"required,max=128"`
	Source    string `json:"source" validate:"max=32"`
}

type BalanceAdjustRequest struct {
	Delta  int64  `json:"delta" validate:"required"`
	Reason string `json:"reason" validate:"max=255"`
}

type StatusOverrideRequest struct {
	Status string `json:"status" validate:"required,oneof=pending inprogress completed partial canceled refunded smm_error"`
}

type UpstreamBalanceResponse struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
