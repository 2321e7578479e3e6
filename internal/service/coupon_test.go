package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/theheadmen/smmbroker/internal/errors"
	"github.com/theheadmen/smmbroker/internal/logging"
	"github.com/theheadmen/smmbroker/internal/models"
	"github.com/theheadmen/smmbroker/internal/testutil"
)

func TestCouponRedeem(t *testing.T) {
	store := testutil.NewMemStore()
	coupons := NewCoupons(store, nil, logging.Discard())
	user := store.SeedUser("buyer@example.com", 100, 0, nil)
	ctx := context.Background()

	_, err := coupons.Create(ctx, models.CouponRequest{Code: " WELCOME ", DiscountValue: 500})
	require.NoError(t, err)

	coupon, err := coupons.Redeem(ctx, user.ID, "WELCOME")
	require.NoError(t, err)
	assert.EqualValues(t, 500, coupon.DiscountValue)
	assert.Equal(t, 1, coupon.UsedCount)
	assert.EqualValues(t, 600, store.Balance(user.ID))

	_, err = coupons.Redeem(ctx, user.ID, "WELCOME")
	assert.ErrorIs(t, err, apperrors.ErrDuplicateRedemption)
	assert.EqualValues(t, 600, store.Balance(user.ID))
}

func TestCouponRedeemRejections(t *testing.T) {
	one := 1
	yesterday := time.Now().Add(-24 * time.Hour)

	testCases := []struct {
		name    string
		coupon  *models.CouponRequest
		code    string
		wantErr error
	}{
		{name: "unknown code", code: "NOPE", wantErr: apperrors.ErrCouponNotFound},
		{name: "expired", coupon: &models.CouponRequest{Code: "OLD", DiscountValue: 100, ValidUntil: &yesterday}, code: "OLD", wantErr: apperrors.ErrCouponExpired},
		{name: "exhausted", coupon: &models.CouponRequest{Code: "ONCE", DiscountValue: 100, MaxUses: &one}, code: "ONCE", wantErr: apperrors.ErrCouponExhausted},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := testutil.NewMemStore()
			coupons := NewCoupons(store, nil, logging.Discard())
			other := store.SeedUser("first@example.com", 0, 0, nil)
			user := store.SeedUser("buyer@example.com", 0, 0, nil)
			if tc.coupon != nil {
				_, err := coupons.Create(context.Background(), *tc.coupon)
				require.NoError(t, err)
			}
			if tc.wantErr == apperrors.ErrCouponExhausted {
				_, err := coupons.Redeem(context.Background(), other.ID, tc.code)
				require.NoError(t, err)
			}

			_, err := coupons.Redeem(context.Background(), user.ID, tc.code)
			assert.ErrorIs(t, err, tc.wantErr)
			assert.EqualValues(t, 0, store.Balance(user.ID))
		})
	}
}

func TestCouponCreate(t *testing.T) {
	store := testutil.NewMemStore()
	coupons := NewCoupons(store, nil, logging.Discard())

	_, err := coupons.Create(context.Background(), models.CouponRequest{Code: "FREE", DiscountValue: 0})
	assert.ErrorIs(t, err, apperrors.ErrInvalidAmount)

	_, err = coupons.Create(context.Background(), models.CouponRequest{Code: "FREE", DiscountValue: 100})
	require.NoError(t, err)
	_, err = coupons.Create(context.Background(), models.CouponRequest{Code: "FREE", DiscountValue: 200})
	assert.ErrorIs(t, err, apperrors.ErrDuplicateCoupon)
}

func TestConcurrentRedeemCreditsOnce(t *testing.T) {
	store := testutil.NewMemStore()
	coupons := NewCoupons(store, nil, logging.Discard())
	user := store.SeedUser("buyer@example.com", 0, 0, nil)
	_, err := coupons.Create(context.Background(), models.CouponRequest{Code: "RACE", DiscountValue: 300})
	require.NoError(t, err)

	const attempts = 10
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := coupons.Redeem(context.Background(), user.ID, "RACE")
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, apperrors.ErrDuplicateRedemption)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.EqualValues(t, 300, store.Balance(user.ID))
}
