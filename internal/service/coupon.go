package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/theheadmen/smmbroker/internal/dbconnector"
	apperrors "github.com/theheadmen/smmbroker/internal/errors"
	"github.com/theheadmen/smmbroker/internal/models"
)

type Coupons struct {
	store   CouponStore
	metrics *Metrics
	log     logrus.FieldLogger
	now     func() time.Time
}

func NewCoupons(store CouponStore, metrics *Metrics, log logrus.FieldLogger) *Coupons {
	return &Coupons{store: store, metrics: metrics, log: log, now: time.Now}
}

func (c *Coupons) Create(ctx context.Context, in models.CouponRequest) (*dbconnector.Coupon, error) {
	code := strings.TrimSpace(in.Code)
	if in.DiscountValue <= 0 {
		return nil, apperrors.ErrInvalidAmount
	}
	coupon := &dbconnector.Coupon{
		Code:          code,
		DiscountValue: in.DiscountValue,
		Description:   in.Description,
		ValidUntil:    in.ValidUntil,
		MaxUses:       in.MaxUses,
	}
	if err := c.store.AddCoupon(ctx, coupon); err != nil {
		if errors.Is(err, apperrors.ErrDuplicateCoupon) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", apperrors.ErrPersistenceFailure, err)
	}
	c.log.WithFields(logrus.Fields{"code": code, "amount": in.DiscountValue}).Info("coupon created")
	return coupon, nil
}

// Redeem credits the coupon value once per user.
func (c *Coupons) Redeem(ctx context.Context, userID uint, code string) (*dbconnector.Coupon, error) {
	var coupon dbconnector.Coupon
	err := c.store.RedeemCoupon(ctx, strings.TrimSpace(code), userID, c.now(), &coupon)
	if err != nil {
		c.metrics.IncCouponRedemption(redeemResult(err))
		switch {
		case errors.Is(err, apperrors.ErrCouponNotFound),
			errors.Is(err, apperrors.ErrCouponExpired),
			errors.Is(err, apperrors.ErrCouponExhausted),
			errors.Is(err, apperrors.ErrDuplicateRedemption),
			errors.Is(err, apperrors.ErrUserNotFound):
			return nil, err
		}
		return nil, fmt.Errorf("%w: redeem coupon: %v", apperrors.ErrPersistenceFailure, err)
	}

	c.metrics.IncCouponRedemption("redeemed")
	c.log.WithFields(logrus.Fields{
		"user_id": userID,
		"code":    coupon.Code,
		"amount":  coupon.DiscountValue,
	}).Info("coupon redeemed")
	return &coupon, nil
}

func redeemResult(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrCouponNotFound):
		return "not_found"
	case errors.Is(err, apperrors.ErrCouponExpired):
		return "expired"
	case errors.Is(err, apperrors.ErrCouponExhausted):
		return "exhausted"
	case errors.Is(err, apperrors.ErrDuplicateRedemption):
		return "duplicate"
	default:
		return "error"
	}
}
