package dbconnector

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	apperrors "github.com/theheadmen/smmbroker/internal/errors"
)

type DBConnector struct {
	DB *gorm.DB
}

func OpenDBConnect(dsn string) (*DBConnector, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	return &DBConnector{DB: db}, err
}

func (dbConnector *DBConnector) DBInitialize() error {
	return dbConnector.DB.AutoMigrate(&User{}, &Order{}, &Coupon{}, &CouponRedemption{}, &WithdrawRequest{}, &AffiliateLog{}, &Deposit{})
}

// OrderUpdate describes one conditional order transition. Nil fields are left
// untouched. Refund is credited to the order owner in the same transaction.
type OrderUpdate struct {
	Status          string
	UpstreamOrderID *string
	UpstreamCost    *decimal.Decimal
	CostConfirmed   bool
	StartCount      *int64
	Remains         *int64
	LastError       *string
	Refund          int64
}

func (u OrderUpdate) columns() map[string]interface{} {
	cols := map[string]interface{}{"status": u.Status}
	if u.UpstreamOrderID != nil {
		cols["upstream_order_id"] = *u.UpstreamOrderID
	}
	if u.UpstreamCost != nil {
		cols["upstream_cost"] = *u.UpstreamCost
	}
	if u.CostConfirmed {
		cols["cost_confirmed"] = true
	}
	if u.StartCount != nil {
		cols["start_count"] = *u.StartCount
	}
	if u.Remains != nil {
		cols["remains"] = *u.Remains
	}
	if u.LastError != nil {
		cols["last_error"] = *u.LastError
	}
	if u.Refund > 0 {
		cols["refunded_amount"] = gorm.Expr("refunded_amount + ?", u.Refund)
	}
	return cols
}

// adjustBalance is the only statement that ever changes users.balance.
func adjustBalance(tx *gorm.DB, userID uint, delta int64) error {
	result := tx.Model(&User{}).
		Where("id = ? AND balance + ? >= 0", userID, delta).
		Update("balance", gorm.Expr("balance + ?", delta))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := tx.Model(&User{}).Where("id = ?", userID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return apperrors.ErrUserNotFound
	}
	return apperrors.ErrInsufficientFunds
}

func notFound(err, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}

func (dbConnector *DBConnector) AdjustBalance(ctx context.Context, userID uint, delta int64) error {
	return adjustBalance(dbConnector.DB.WithContext(ctx), userID, delta)
}

func (dbConnector *DBConnector) AddUser(ctx context.Context, newUser *User) error {
	err := dbConnector.DB.WithContext(ctx).Create(newUser).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperrors.ErrAlreadyRegistered
	}
	return err
}

func (dbConnector *DBConnector) GetUserByEmail(ctx context.Context, email string, user *User) error {
	err := dbConnector.DB.WithContext(ctx).Where("email = ?", email).First(user).Error
	return notFound(err, apperrors.ErrUserNotFound)
}

func (dbConnector *DBConnector) GetUserByUserID(ctx context.Context, userID uint, user *User) error {
	err := dbConnector.DB.WithContext(ctx).First(user, userID).Error
	return notFound(err, apperrors.ErrUserNotFound)
}

func (dbConnector *DBConnector) GetUserByReferralCode(ctx context.Context, code string, user *User) error {
	err := dbConnector.DB.WithContext(ctx).Where("referral_code = ?", code).First(user).Error
	return notFound(err, apperrors.ErrUserNotFound)
}

func (dbConnector *DBConnector) CountReferrals(ctx context.Context, referrerID uint) (int64, error) {
	var count int64
	err := dbConnector.DB.WithContext(ctx).Model(&User{}).Where("referred_by = ?", referrerID).Count(&count).Error
	return count, err
}

// ReserveOrder debits the price and records the order as reserved in one
// transaction, so a debit never exists without a row describing it.
func (dbConnector *DBConnector) ReserveOrder(ctx context.Context, order *Order) error {
	return dbConnector.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := adjustBalance(tx, order.UserID, -order.PriceCharged); err != nil {
			return err
		}
		order.Status = StatusReserved
		return tx.Create(order).Error
	})
}

// TransitionOrder applies upd only if the order is currently in one of from.
// It returns ErrOrderStateConflict when another writer got there first.
func (dbConnector *DBConnector) TransitionOrder(ctx context.Context, orderID uint, from []string, upd OrderUpdate) error {
	return dbConnector.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order Order
		if err := tx.Select("id", "user_id").First(&order, orderID).Error; err != nil {
			return notFound(err, apperrors.ErrOrderNotFound)
		}

		result := tx.Model(&Order{}).Where("id = ? AND status IN ?", orderID, from).Updates(upd.columns())
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return apperrors.ErrOrderStateConflict
		}

		if upd.Refund > 0 {
			return adjustBalance(tx, order.UserID, upd.Refund)
		}
		return nil
	})
}

func (dbConnector *DBConnector) GetOrder(ctx context.Context, orderID uint, order *Order) error {
	err := dbConnector.DB.WithContext(ctx).First(order, orderID).Error
	return notFound(err, apperrors.ErrOrderNotFound)
}

func (dbConnector *DBConnector) GetOrdersByUserID(ctx context.Context, userID uint, orders *[]Order) error {
	return dbConnector.DB.WithContext(ctx).Where("user_id = ?", userID).Order("created_at desc").Find(orders).Error
}

func (dbConnector *DBConnector) GetWaitingOrders(ctx context.Context, orders *[]Order) error {
	return dbConnector.DB.WithContext(ctx).Where("status IN ?", WaitingStatuses).Order("id").Find(orders).Error
}

func (dbConnector *DBConnector) GetOrdersByStatus(ctx context.Context, status string, olderThan time.Time, orders *[]Order) error {
	return dbConnector.DB.WithContext(ctx).
		Where("status = ? AND updated_at < ?", status, olderThan).
		Order("id").
		Find(orders).Error
}

func sumOutstanding(tx *gorm.DB, userID uint) (int64, error) {
	var sum int64
	err := tx.Model(&WithdrawRequest{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("user_id = ? AND status IN ?", userID, []string{WithdrawPending, WithdrawApproved}).
		Scan(&sum).Error
	return sum, err
}

// SumOutstandingWithdrawals is the total of a user's pending and approved requests.
func (dbConnector *DBConnector) SumOutstandingWithdrawals(ctx context.Context, userID uint) (int64, error) {
	return sumOutstanding(dbConnector.DB.WithContext(ctx), userID)
}

// WithdrawalTransaction locks the user row, lets check decide against the
// current earnings and outstanding requests, then inserts req. Balance
// conversions credit the spendable balance inside the same transaction.
func (dbConnector *DBConnector) WithdrawalTransaction(ctx context.Context, req *WithdrawRequest, check func(earnings, outstanding int64) error) error {
	return dbConnector.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, req.UserID).Error; err != nil {
			return notFound(err, apperrors.ErrUserNotFound)
		}

		outstanding, err := sumOutstanding(tx, req.UserID)
		if err != nil {
			return err
		}
		if err := check(user.AffiliateEarnings, outstanding); err != nil {
			return err
		}

		if err := tx.Create(req).Error; err != nil {
			return err
		}
		if req.Method == MethodBalance {
			return adjustBalance(tx, req.UserID, req.Amount)
		}
		return nil
	})
}

// DecideWithdrawRequest moves a pending request to approved or rejected.
func (dbConnector *DBConnector) DecideWithdrawRequest(ctx context.Context, id uint, status string, decidedAt time.Time, req *WithdrawRequest) error {
	return dbConnector.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(req, id).Error; err != nil {
			return notFound(err, apperrors.ErrWithdrawalNotFound)
		}
		result := tx.Model(&WithdrawRequest{}).
			Where("id = ? AND status = ?", id, WithdrawPending).
			Updates(map[string]interface{}{"status": status, "decided_at": decidedAt})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return apperrors.ErrWithdrawalNotPending
		}
		req.Status = status
		req.DecidedAt = &decidedAt
		return nil
	})
}

func (dbConnector *DBConnector) GetWithdrawRequestsByUserID(ctx context.Context, userID uint, reqs *[]WithdrawRequest) error {
	return dbConnector.DB.WithContext(ctx).Where("user_id = ?", userID).Order("created_at desc").Find(reqs).Error
}

// AddAffiliateReward appends the log row and bumps the referrer's earnings.
// A second reward for the same deposit yields ErrDuplicateDeposit.
func (dbConnector *DBConnector) AddAffiliateReward(ctx context.Context, entry *AffiliateLog) error {
	return dbConnector.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(entry).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return apperrors.ErrDuplicateDeposit
			}
			return err
		}
		result := tx.Model(&User{}).
			Where("id = ?", entry.ReferrerID).
			Update("affiliate_earnings", gorm.Expr("affiliate_earnings + ?", entry.Reward))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return apperrors.ErrUserNotFound
		}
		return nil
	})
}

func (dbConnector *DBConnector) GetAffiliateLogsByReferrer(ctx context.Context, referrerID uint, logs *[]AffiliateLog) error {
	return dbConnector.DB.WithContext(ctx).Where("referrer_id = ?", referrerID).Order("created_at desc").Find(logs).Error
}

// RecordDeposit stores the deposit and credits the balance once per reference.
func (dbConnector *DBConnector) RecordDeposit(ctx context.Context, deposit *Deposit) error {
	return dbConnector.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(deposit).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return apperrors.ErrDuplicateDeposit
			}
			return err
		}
		return adjustBalance(tx, deposit.UserID, deposit.Amount)
	})
}

func (dbConnector *DBConnector) GetDepositByReference(ctx context.Context, reference string, deposit *Deposit) error {
	return dbConnector.DB.WithContext(ctx).Where("reference = ?", reference).First(deposit).Error
}

func (dbConnector *DBConnector) AddCoupon(ctx context.Context, coupon *Coupon) error {
	err := dbConnector.DB.WithContext(ctx).Create(coupon).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperrors.ErrDuplicateCoupon
	}
	return err
}

// RedeemCoupon records the (coupon, user) pair, consumes one use and credits
// the coupon value. The unique index on the pair is what stops a second
// redemption, including a concurrent one.
func (dbConnector *DBConnector) RedeemCoupon(ctx context.Context, code string, userID uint, now time.Time, coupon *Coupon) error {
	return dbConnector.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("code = ?", code).First(coupon).Error; err != nil {
			return notFound(err, apperrors.ErrCouponNotFound)
		}
		if coupon.ValidUntil != nil && now.After(*coupon.ValidUntil) {
			return apperrors.ErrCouponExpired
		}

		if err := tx.Create(&CouponRedemption{CouponID: coupon.ID, UserID: userID}).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return apperrors.ErrDuplicateRedemption
			}
			return err
		}

		result := tx.Model(&Coupon{}).
			Where("id = ? AND (max_uses IS NULL OR used_count < max_uses)", coupon.ID).
			Update("used_count", gorm.Expr("used_count + 1"))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return apperrors.ErrCouponExhausted
		}

		return adjustBalance(tx, userID, coupon.DiscountValue)
	})
}

// DeleteAllData is used by tests only.
func (dbConnector *DBConnector) DeleteAllData(ctx context.Context) error {
	return dbConnector.DB.WithContext(ctx).Exec(
		"TRUNCATE TABLE users, orders, coupons, coupon_redemptions, withdraw_requests, affiliate_logs, deposits RESTART IDENTITY",
	).Error
}
