package service

import (
	"context"
	"time"

	"github.com/theheadmen/smmbroker/internal/dbconnector"
)

// LedgerStore is the single balance primitive. Implementations apply delta in
// one conditional statement and return ErrInsufficientFunds instead of ever
// letting the balance go below zero.
type LedgerStore interface {
	AdjustBalance(ctx context.Context, userID uint, delta int64) error
}

type UserStore interface {
	AddUser(ctx context.Context, newUser *dbconnector.User) error
	GetUserByEmail(ctx context.Context, email string, user *dbconnector.User) error
	GetUserByUserID(ctx context.Context, userID uint, user *dbconnector.User) error
	GetUserByReferralCode(ctx context.Context, code string, user *dbconnector.User) error
	CountReferrals(ctx context.Context, referrerID uint) (int64, error)
}

type OrderStore interface {
	ReserveOrder(ctx context.Context, order *dbconnector.Order) error
	TransitionOrder(ctx context.Context, orderID uint, from []string, upd dbconnector.OrderUpdate) error
	GetOrder(ctx context.Context, orderID uint, order *dbconnector.Order) error
	GetOrdersByUserID(ctx context.Context, userID uint, orders *[]dbconnector.Order) error
	GetWaitingOrders(ctx context.Context, orders *[]dbconnector.Order) error
	GetOrdersByStatus(ctx context.Context, status string, olderThan time.Time, orders *[]dbconnector.Order) error
}

type AffiliateStore interface {
	AddAffiliateReward(ctx context.Context, entry *dbconnector.AffiliateLog) error
	GetAffiliateLogsByReferrer(ctx context.Context, referrerID uint, logs *[]dbconnector.AffiliateLog) error
	SumOutstandingWithdrawals(ctx context.Context, userID uint) (int64, error)
	WithdrawalTransaction(ctx context.Context, req *dbconnector.WithdrawRequest, check func(earnings, outstanding int64) error) error
	DecideWithdrawRequest(ctx context.Context, id uint, status string, decidedAt time.Time, req *dbconnector.WithdrawRequest) error
	GetWithdrawRequestsByUserID(ctx context.Context, userID uint, reqs *[]dbconnector.WithdrawRequest) error
}

type CouponStore interface {
	AddCoupon(ctx context.Context, coupon *dbconnector.Coupon) error
	RedeemCoupon(ctx context.Context, code string, userID uint, now time.Time, coupon *dbconnector.Coupon) error
}

type DepositStore interface {
	RecordDeposit(ctx context.Context, deposit *dbconnector.Deposit) error
	GetDepositByReference(ctx context.Context, reference string, deposit *dbconnector.Deposit) error
}

// Storage is everything the services need; *dbconnector.DBConnector implements it.
type Storage interface {
	LedgerStore
	UserStore
	OrderStore
	AffiliateStore
	CouponStore
	DepositStore
}

var _ Storage = (*dbconnector.DBConnector)(nil)
