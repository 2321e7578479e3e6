package service

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theheadmen/smmbroker/internal/dbconnector"
	apperrors "github.com/theheadmen/smmbroker/internal/errors"
	"github.com/theheadmen/smmbroker/internal/logging"
	"github.com/theheadmen/smmbroker/internal/models"
	"github.com/theheadmen/smmbroker/internal/notify"
	"github.com/theheadmen/smmbroker/internal/testutil"
)

func newAffiliate(store *testutil.MemStore, notifier notify.Publisher) *Affiliate {
	cfg := DefaultAffiliateConfig()
	cfg.BaseURL = "https://shop.example.com"
	return NewAffiliate(store, cfg, notifier, nil, logging.Discard())
}

func TestGrantReward(t *testing.T) {
	store := testutil.NewMemStore()
	notifier := &recordingPublisher{}
	aff := newAffiliate(store, notifier)
	referrer := store.SeedUser("ref@example.com", 0, 0, nil)
	referred := store.SeedUser("new@example.com", 1000, 0, &referrer.ID)

	depositID := uint(77)
	reward, err := aff.GrantReward(context.Background(), referred.ID, 1000, &depositID)
	require.NoError(t, err)
	assert.EqualValues(t, 50, reward)

	assert.EqualValues(t, 50, store.Earnings(referrer.ID))
	// earnings never touch the spendable balance
	assert.EqualValues(t, 0, store.Balance(referrer.ID))
	assert.EqualValues(t, 1000, store.Balance(referred.ID))

	logs := store.AffiliateLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, referrer.ID, logs[0].ReferrerID)
	assert.Equal(t, referred.ID, logs[0].UserID)
	assert.EqualValues(t, 1000, logs[0].Amount)
	assert.EqualValues(t, 50, logs[0].Reward)
	assert.Equal(t, []string{notify.EventRewardGranted}, notifier.types())

	// redelivery of the same deposit
	reward, err = aff.GrantReward(context.Background(), referred.ID, 1000, &depositID)
	require.NoError(t, err)
	assert.Zero(t, reward)
	assert.EqualValues(t, 50, store.Earnings(referrer.ID))
	assert.Len(t, store.AffiliateLogs(), 1)
}

func TestGrantRewardWithoutReferrer(t *testing.T) {
	store := testutil.NewMemStore()
	aff := newAffiliate(store, nil)
	user := store.SeedUser("solo@example.com", 0, 0, nil)

	reward, err := aff.GrantReward(context.Background(), user.ID, 5000, nil)
	require.NoError(t, err)
	assert.Zero(t, reward)
	assert.Empty(t, store.AffiliateLogs())
}

func TestRewardForFloors(t *testing.T) {
	aff := newAffiliate(testutil.NewMemStore(), nil)
	testCases := []struct {
		deposit int64
		want    int64
	}{
		{deposit: 1000, want: 50},
		{deposit: 1019, want: 50},
		{deposit: 1020, want: 51},
		{deposit: 19, want: 0},
		{deposit: 0, want: 0},
		{deposit: -100, want: 0},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, aff.RewardFor(tc.deposit), "deposit %d", tc.deposit)
	}

	aff.cfg.RewardRate = decimal.RequireFromString("0.1")
	assert.EqualValues(t, 100, aff.RewardFor(1000))
}

func TestRequestWithdrawalValidation(t *testing.T) {
	testCases := []struct {
		name    string
		req     models.WithdrawRequest
		wantErr error
	}{
		{name: "non-positive", req: models.WithdrawRequest{Amount: 0, Method: dbconnector.MethodBalance}, wantErr: apperrors.ErrInvalidAmount},
		{name: "unknown method", req: models.WithdrawRequest{Amount: 1000, Method: "crypto"}, wantErr: apperrors.ErrUnknownWithdrawMethod},
		{name: "paypay without id", req: models.WithdrawRequest{Amount: 1000, Method: dbconnector.MethodPaypay}, wantErr: apperrors.ErrMissingPayeeDetails},
		{name: "bank without holder", req: models.WithdrawRequest{
			Amount: 1000, Method: dbconnector.MethodBank,
			BankName: "Mizuho", BankBranch: "Shibuya", AccountType: "savings", AccountNumber: "1234567",
		}, wantErr: apperrors.ErrMissingPayeeDetails},
		{name: "paypay below minimum", req: models.WithdrawRequest{Amount: 999, Method: dbconnector.MethodPaypay, PaypayID: "me"}, wantErr: apperrors.ErrBelowWithdrawalMinimum},
		{name: "exceeds earnings", req: models.WithdrawRequest{Amount: 3000, Method: dbconnector.MethodPaypay, PaypayID: "me"}, wantErr: apperrors.ErrExceedsWithdrawable},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := testutil.NewMemStore()
			aff := newAffiliate(store, nil)
			user := store.SeedUser("ref@example.com", 0, 2000, nil)

			_, err := aff.RequestWithdrawal(context.Background(), user.ID, tc.req)
			assert.ErrorIs(t, err, tc.wantErr)

			reqs, err := aff.Withdrawals(context.Background(), user.ID)
			require.NoError(t, err)
			assert.Empty(t, reqs)
		})
	}
}

func TestRequestWithdrawalToBalance(t *testing.T) {
	store := testutil.NewMemStore()
	notifier := &recordingPublisher{}
	aff := newAffiliate(store, notifier)
	user := store.SeedUser("ref@example.com", 100, 800, nil)

	// the minimum only applies to payouts
	req, err := aff.RequestWithdrawal(context.Background(), user.ID, models.WithdrawRequest{Amount: 300, Method: dbconnector.MethodBalance})
	require.NoError(t, err)
	assert.Equal(t, dbconnector.WithdrawApproved, req.Status)
	assert.NotNil(t, req.DecidedAt)

	assert.EqualValues(t, 400, store.Balance(user.ID))
	assert.EqualValues(t, 800, store.Earnings(user.ID))
	w, err := aff.ComputeWithdrawable(context.Background(), user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 500, w)
	assert.Empty(t, notifier.types())
}

func TestWithdrawableLifecycle(t *testing.T) {
	store := testutil.NewMemStore()
	notifier := &recordingPublisher{}
	aff := newAffiliate(store, notifier)
	user := store.SeedUser("ref@example.com", 0, 5000, nil)
	ctx := context.Background()

	first, err := aff.RequestWithdrawal(ctx, user.ID, models.WithdrawRequest{Amount: 2000, Method: dbconnector.MethodPaypay, PaypayID: "me"})
	require.NoError(t, err)
	assert.Equal(t, dbconnector.WithdrawPending, first.Status)
	assert.Equal(t, []string{notify.EventWithdrawalRequested}, notifier.types())

	second, err := aff.RequestWithdrawal(ctx, user.ID, models.WithdrawRequest{
		Amount: 1500, Method: dbconnector.MethodBank,
		BankName: "Mizuho", BankBranch: "Shibuya", AccountType: "savings", AccountNumber: "1234567", AccountHolder: "Taro Yamada",
	})
	require.NoError(t, err)

	w, err := aff.ComputeWithdrawable(ctx, user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1500, w)

	// rejection releases the amount
	rejected, err := aff.Reject(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, dbconnector.WithdrawRejected, rejected.Status)
	w, err = aff.ComputeWithdrawable(ctx, user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3000, w)

	// approval keeps it reserved
	approved, err := aff.Approve(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, dbconnector.WithdrawApproved, approved.Status)
	w, err = aff.ComputeWithdrawable(ctx, user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3000, w)

	_, err = aff.Approve(ctx, second.ID)
	assert.ErrorIs(t, err, apperrors.ErrWithdrawalNotPending)
	_, err = aff.Reject(ctx, 999)
	assert.ErrorIs(t, err, apperrors.ErrWithdrawalNotFound)

	reqs, err := aff.Withdrawals(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, second.ID, reqs[0].ID)
}

// Concurrent requests must never reserve more than the earnings.
func TestConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	store := testutil.NewMemStore()
	aff := newAffiliate(store, nil)
	user := store.SeedUser("ref@example.com", 0, 5000, nil)

	const attempts = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := aff.RequestWithdrawal(context.Background(), user.ID, models.WithdrawRequest{
				Amount: 1000, Method: dbconnector.MethodPaypay, PaypayID: "me",
			})
			if err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, apperrors.ErrExceedsWithdrawable)
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, granted)
	w, err := aff.ComputeWithdrawable(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Zero(t, w)
}

func TestAffiliateStats(t *testing.T) {
	store := testutil.NewMemStore()
	aff := newAffiliate(store, nil)
	referrer := store.SeedUser("ref@example.com", 0, 3000, nil)
	store.SeedUser("a@example.com", 0, 0, &referrer.ID)
	store.SeedUser("b@example.com", 0, 0, &referrer.ID)
	store.SeedUser("c@example.com", 0, 0, nil)

	_, err := aff.RequestWithdrawal(context.Background(), referrer.ID, models.WithdrawRequest{Amount: 1000, Method: dbconnector.MethodPaypay, PaypayID: "me"})
	require.NoError(t, err)

	stats, err := aff.Stats(context.Background(), referrer.ID)
	require.NoError(t, err)
	assert.Equal(t, referrer.ReferralCode, stats.ReferralCode)
	assert.Equal(t, "https://shop.example.com/signup?ref="+referrer.ReferralCode, stats.InviteLink)
	assert.EqualValues(t, 2, stats.Invited)
	assert.EqualValues(t, 3000, stats.Earnings)
	assert.EqualValues(t, 2000, stats.Withdrawable)

	_, err = aff.Stats(context.Background(), 999)
	assert.ErrorIs(t, err, apperrors.ErrUserNotFound)
}
