package errors

import "fmt"

// Settlement and ledger.
var (
	ErrInsufficientFunds   = fmt.Errorf("insufficient funds")
	ErrServiceNotFound     = fmt.Errorf("service not found")
	ErrQuantityOutOfRange  = fmt.Errorf("quantity out of range for service")
	ErrInvalidAmount       = fmt.Errorf("amount must be positive")
	ErrUpstreamUnavailable = fmt.Errorf("upstream unavailable")
	ErrUpstreamRejected    = fmt.Errorf("upstream rejected request")
	ErrPersistenceFailure  = fmt.Errorf("persistence failure")
	ErrOrderNotFound       = fmt.Errorf("order not found")
	ErrOrderStateConflict  = fmt.Errorf("order is not in the expected state")
	ErrUnknownOrderStatus  = fmt.Errorf("unknown order status")
)

// Affiliate ledger and withdrawals.
var (
	ErrExceedsWithdrawable    = fmt.Errorf("amount exceeds withdrawable earnings")
	ErrBelowWithdrawalMinimum = fmt.Errorf("amount below withdrawal minimum")
	ErrUnknownWithdrawMethod  = fmt.Errorf("unknown withdraw method")
	ErrMissingPayeeDetails    = fmt.Errorf("payee details are required for this method")
	ErrWithdrawalNotFound     = fmt.Errorf("withdraw request not found")
	ErrWithdrawalNotPending   = fmt.Errorf("withdraw request is not pending")
)

// Coupons and deposits.
var (
	ErrCouponNotFound      = fmt.Errorf("coupon not found")
	ErrCouponExpired       = fmt.Errorf("coupon expired")
	ErrCouponExhausted     = fmt.Errorf("coupon usage limit reached")
	ErrDuplicateRedemption = fmt.Errorf("coupon already redeemed by user")
	ErrDuplicateCoupon     = fmt.Errorf("coupon code already exists")
	ErrDuplicateDeposit    = fmt.Errorf("deposit already processed")
	ErrDepositTooSmall     = fmt.Errorf("deposit below minimum amount")
)

// Users.
var (
	ErrUserNotFound        = fmt.Errorf("user not found")
	ErrAlreadyRegistered   = fmt.Errorf("user already registered")
	ErrInvalidCredentials  = fmt.Errorf("invalid login or password")
	ErrInvalidReferralCode = fmt.Errorf("invalid referral code")
)
