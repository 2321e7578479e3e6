package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/theheadmen/smmbroker/internal/dbconnector"
	apperrors "github.com/theheadmen/smmbroker/internal/errors"
	"github.com/theheadmen/smmbroker/internal/models"
	"github.com/theheadmen/smmbroker/internal/notify"
)

type AffiliateConfig struct {
	RewardRate      decimal.Decimal
	WithdrawMinimum int64
	// BaseURL prefixes invite links.
	BaseURL string
}

func DefaultAffiliateConfig() AffiliateConfig {
	return AffiliateConfig{
		RewardRate:      decimal.RequireFromString("0.05"),
		WithdrawMinimum: 1000,
	}
}

type affiliateStore interface {
	UserStore
	AffiliateStore
}

// Affiliate keeps referral earnings apart from spendable balance. Earnings only
// reach the balance through an explicit balance withdrawal.
type Affiliate struct {
	store    affiliateStore
	cfg      AffiliateConfig
	notifier notify.Publisher
	metrics  *Metrics
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewAffiliate(store affiliateStore, cfg AffiliateConfig, notifier notify.Publisher, metrics *Metrics, log logrus.FieldLogger) *Affiliate {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Affiliate{store: store, cfg: cfg, notifier: notifier, metrics: metrics, log: log, now: time.Now}
}

// RewardFor is floor(depositAmount * rate).
func (a *Affiliate) RewardFor(depositAmount int64) int64 {
	if depositAmount <= 0 {
		return 0
	}
	return decimal.NewFromInt(depositAmount).Mul(a.cfg.RewardRate).Floor().IntPart()
}

// GrantReward credits the depositor's referrer, if any. depositID makes the
// grant idempotent per deposit; a repeat returns 0 and no error.
func (a *Affiliate) GrantReward(ctx context.Context, depositorID uint, depositAmount int64, depositID *uint) (int64, error) {
	var depositor dbconnector.User
	if err := a.store.GetUserByUserID(ctx, depositorID, &depositor); err != nil {
		return 0, err
	}
	if depositor.ReferredBy == nil || *depositor.ReferredBy == depositor.ID {
		return 0, nil
	}
	reward := a.RewardFor(depositAmount)
	if reward <= 0 {
		return 0, nil
	}

	entry := &dbconnector.AffiliateLog{
		ReferrerID: *depositor.ReferredBy,
		UserID:     depositor.ID,
		DepositID:  depositID,
		Amount:     depositAmount,
		Reward:     reward,
	}
	if err := a.store.AddAffiliateReward(ctx, entry); err != nil {
		if errors.Is(err, apperrors.ErrDuplicateDeposit) {
			a.log.WithField("user_id", depositorID).Debug("reward already granted for deposit")
			return 0, nil
		}
		return 0, fmt.Errorf("%w: grant reward: %v", apperrors.ErrPersistenceFailure, err)
	}

	a.metrics.ObserveReward(reward)
	a.log.WithFields(logrus.Fields{
		"user_id":     entry.ReferrerID,
		"referred_id": depositor.ID,
		"amount":      reward,
	}).Info("affiliate reward granted")

	event := notify.NewEvent(notify.EventRewardGranted)
	event.UserID = entry.ReferrerID
	event.Amount = reward
	event.Fields = map[string]string{"referred_user_id": strconv.FormatUint(uint64(depositor.ID), 10)}
	_ = a.notifier.Publish(ctx, event)
	return reward, nil
}

func withdrawable(earnings, outstanding int64) int64 {
	if w := earnings - outstanding; w > 0 {
		return w
	}
	return 0
}

// ComputeWithdrawable is earnings minus pending and approved requests, never negative.
func (a *Affiliate) ComputeWithdrawable(ctx context.Context, userID uint) (int64, error) {
	var user dbconnector.User
	if err := a.store.GetUserByUserID(ctx, userID, &user); err != nil {
		return 0, err
	}
	outstanding, err := a.store.SumOutstandingWithdrawals(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", apperrors.ErrPersistenceFailure, err)
	}
	return withdrawable(user.AffiliateEarnings, outstanding), nil
}

// RequestWithdrawal claims part of the withdrawable earnings. The check and the
// insert run under a per-user row lock. Balance conversions are approved and
// credited at once; paypay and bank requests wait for staff.
func (a *Affiliate) RequestWithdrawal(ctx context.Context, userID uint, in models.WithdrawRequest) (*dbconnector.WithdrawRequest, error) {
	if in.Amount <= 0 {
		return nil, apperrors.ErrInvalidAmount
	}

	req := &dbconnector.WithdrawRequest{
		UserID: userID,
		Amount: in.Amount,
		Method: in.Method,
		Status: dbconnector.WithdrawPending,
	}
	switch in.Method {
	case dbconnector.MethodBalance:
		now := a.now()
		req.Status = dbconnector.WithdrawApproved
		req.DecidedAt = &now
	case dbconnector.MethodPaypay:
		if in.PaypayID == "" {
			return nil, apperrors.ErrMissingPayeeDetails
		}
		req.PaypayID = in.PaypayID
	case dbconnector.MethodBank:
		if in.BankName == "" || in.BankBranch == "" || in.AccountType == "" || in.AccountNumber == "" || in.AccountHolder == "" {
			return nil, apperrors.ErrMissingPayeeDetails
		}
		req.BankName = in.BankName
		req.BankBranch = in.BankBranch
		req.AccountType = in.AccountType
		req.AccountNumber = in.AccountNumber
		req.AccountHolder = in.AccountHolder
	default:
		return nil, apperrors.ErrUnknownWithdrawMethod
	}
	if in.Method != dbconnector.MethodBalance && in.Amount < a.cfg.WithdrawMinimum {
		return nil, fmt.Errorf("%w: minimum is %d", apperrors.ErrBelowWithdrawalMinimum, a.cfg.WithdrawMinimum)
	}

	err := a.store.WithdrawalTransaction(ctx, req, func(earnings, outstanding int64) error {
		if in.Amount > withdrawable(earnings, outstanding) {
			return apperrors.ErrExceedsWithdrawable
		}
		return nil
	})
	if err != nil {
		a.metrics.IncWithdrawal(in.Method, "rejected")
		if errors.Is(err, apperrors.ErrExceedsWithdrawable) || errors.Is(err, apperrors.ErrUserNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: withdrawal: %v", apperrors.ErrPersistenceFailure, err)
	}

	a.metrics.IncWithdrawal(in.Method, req.Status)
	a.log.WithFields(logrus.Fields{
		"user_id": userID,
		"amount":  in.Amount,
		"method":  in.Method,
		"status":  req.Status,
	}).Info("withdraw request recorded")

	if req.Status == dbconnector.WithdrawPending {
		event := notify.NewEvent(notify.EventWithdrawalRequested)
		event.UserID = userID
		event.Amount = in.Amount
		event.Fields = map[string]string{
			"method":     in.Method,
			"request_id": strconv.FormatUint(uint64(req.ID), 10),
		}
		_ = a.notifier.Publish(ctx, event)
	}
	return req, nil
}

// Approve authorises the out-of-band payout; nothing moves in-system.
func (a *Affiliate) Approve(ctx context.Context, requestID uint) (*dbconnector.WithdrawRequest, error) {
	return a.decide(ctx, requestID, dbconnector.WithdrawApproved)
}

// Reject releases the reserved earnings back to withdrawable.
func (a *Affiliate) Reject(ctx context.Context, requestID uint) (*dbconnector.WithdrawRequest, error) {
	return a.decide(ctx, requestID, dbconnector.WithdrawRejected)
}

func (a *Affiliate) decide(ctx context.Context, requestID uint, status string) (*dbconnector.WithdrawRequest, error) {
	var req dbconnector.WithdrawRequest
	if err := a.store.DecideWithdrawRequest(ctx, requestID, status, a.now(), &req); err != nil {
		return nil, err
	}
	a.metrics.IncWithdrawal(req.Method, status)
	a.log.WithFields(logrus.Fields{
		"user_id":    req.UserID,
		"request_id": requestID,
		"status":     status,
	}).Info("withdraw request decided")
	return &req, nil
}

func (a *Affiliate) Withdrawals(ctx context.Context, userID uint) ([]dbconnector.WithdrawRequest, error) {
	var reqs []dbconnector.WithdrawRequest
	if err := a.store.GetWithdrawRequestsByUserID(ctx, userID, &reqs); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrPersistenceFailure, err)
	}
	return reqs, nil
}

// Stats is the affiliate dashboard summary.
func (a *Affiliate) Stats(ctx context.Context, userID uint) (*models.AffiliateResponse, error) {
	var user dbconnector.User
	if err := a.store.GetUserByUserID(ctx, userID, &user); err != nil {
		return nil, err
	}
	invited, err := a.store.CountReferrals(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrPersistenceFailure, err)
	}
	outstanding, err := a.store.SumOutstandingWithdrawals(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrPersistenceFailure, err)
	}
	return &models.AffiliateResponse{
		ReferralCode: user.ReferralCode,
		InviteLink:   a.cfg.BaseURL + "/signup?ref=" + user.ReferralCode,
		Invited:      invited,
		Earnings:     user.AffiliateEarnings,
		Withdrawable: withdrawable(user.AffiliateEarnings, outstanding),
	}, nil
}
