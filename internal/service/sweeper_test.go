package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theheadmen/smmbroker/internal/dbconnector"
	apperrors "github.com/theheadmen/smmbroker/internal/errors"
	"github.com/theheadmen/smmbroker/internal/upstream"
)

func seedPending(f *fixture, userID uint, upstreamID string) uint {
	return f.store.SeedOrder(dbconnector.Order{
		UserID:          userID,
		ServiceID:       "101",
		Quantity:        1000,
		PriceCharged:    100,
		Status:          dbconnector.StatusPending,
		UpstreamOrderID: upstreamID,
	})
}

func TestSweeperProgress(t *testing.T) {
	f := newFixture()
	user := f.store.SeedUser("buyer@example.com", 0, 0, nil)
	id := seedPending(f, user.ID, "500")

	f.up.SetStatus("500", upstream.OrderStatus{Status: "In progress", StartCount: 120, Remains: 800})
	assert.Equal(t, time.Second, f.sweeper.RunOnce(context.Background()))

	stored := f.store.Order(id)
	assert.Equal(t, dbconnector.StatusInProgress, stored.Status)
	assert.EqualValues(t, 120, stored.StartCount)
	assert.EqualValues(t, 800, stored.Remains)
	assert.EqualValues(t, 0, f.store.Balance(user.ID))
}

func TestSweeperCanceledRefundsOnce(t *testing.T) {
	f := newFixture()
	user := f.store.SeedUser("buyer@example.com", 0, 0, nil)
	id := seedPending(f, user.ID, "500")
	f.up.SetStatus("500", upstream.OrderStatus{Status: "Canceled", Remains: 1000})

	f.sweeper.RunOnce(context.Background())
	f.sweeper.RunOnce(context.Background())

	stored := f.store.Order(id)
	assert.Equal(t, dbconnector.StatusCanceled, stored.Status)
	assert.EqualValues(t, 100, stored.RefundedAmount)
	assert.EqualValues(t, 100, f.store.Balance(user.ID))
	// terminal orders are not polled again
	assert.Equal(t, 1, f.up.StatusCalls())
}

func TestSweeperPartialRefund(t *testing.T) {
	f := newFixture()
	user := f.store.SeedUser("buyer@example.com", 0, 0, nil)
	id := seedPending(f, user.ID, "500")
	f.up.SetStatus("500", upstream.OrderStatus{Status: "Partial", Remains: 250})

	f.sweeper.RunOnce(context.Background())

	stored := f.store.Order(id)
	assert.Equal(t, dbconnector.StatusPartial, stored.Status)
	assert.EqualValues(t, 25, stored.RefundedAmount)
	assert.EqualValues(t, 25, f.store.Balance(user.ID))
}

func TestSweeperConfirmsCost(t *testing.T) {
	f := newFixture()
	user := f.store.SeedUser("buyer@example.com", 0, 0, nil)
	id := seedPending(f, user.ID, "500")
	f.up.SetStatus("500", upstream.OrderStatus{Status: "Pending", Charge: decimal.RequireFromString("0.048"), ChargeKnown: true})

	f.sweeper.RunOnce(context.Background())

	stored := f.store.Order(id)
	assert.Equal(t, dbconnector.StatusPending, stored.Status)
	assert.True(t, stored.CostConfirmed)
	assert.True(t, decimal.RequireFromString("0.048").Equal(stored.UpstreamCost))
}

func TestSweeperSkipsUnchanged(t *testing.T) {
	f := newFixture()
	user := f.store.SeedUser("buyer@example.com", 0, 0, nil)
	id := seedPending(f, user.ID, "500")
	f.up.SetStatus("500", upstream.OrderStatus{Status: "Pending"})

	writes := 0
	f.store.FailTransition = func(uint, dbconnector.OrderUpdate) error {
		writes++
		return nil
	}
	f.sweeper.RunOnce(context.Background())
	assert.Zero(t, writes)
	assert.Equal(t, dbconnector.StatusPending, f.store.Order(id).Status)
}

func TestSweeperRateLimitBackoff(t *testing.T) {
	testCases := []struct {
		name       string
		retryAfter time.Duration
		want       time.Duration
	}{
		{name: "panel supplied delay", retryAfter: 7 * time.Second, want: 7 * time.Second},
		{name: "no delay given", want: 2 * time.Second},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			user := f.store.SeedUser("buyer@example.com", 0, 0, nil)
			seedPending(f, user.ID, "500")
			f.up.StatusErr = &upstream.RateLimitedError{Action: "status", RetryAfter: tc.retryAfter}

			assert.Equal(t, tc.want, f.sweeper.RunOnce(context.Background()))
		})
	}
}

func TestSweeperIsolatesOrderErrors(t *testing.T) {
	f := newFixture()
	user := f.store.SeedUser("buyer@example.com", 0, 0, nil)
	broken := seedPending(f, user.ID, "500")
	healthy := seedPending(f, user.ID, "501")
	f.up.StatusErrFor = map[string]error{"500": fmt.Errorf("%w: timeout", apperrors.ErrUpstreamUnavailable)}
	f.up.SetStatus("501", upstream.OrderStatus{Status: "Completed"})

	assert.Equal(t, time.Second, f.sweeper.RunOnce(context.Background()))
	assert.Equal(t, dbconnector.StatusPending, f.store.Order(broken).Status)
	assert.Equal(t, dbconnector.StatusCompleted, f.store.Order(healthy).Status)
}

func TestSweeperLeavesUnknownStatus(t *testing.T) {
	f := newFixture()
	user := f.store.SeedUser("buyer@example.com", 0, 0, nil)
	id := seedPending(f, user.ID, "500")
	f.up.SetStatus("500", upstream.OrderStatus{Status: "Awaiting moderation"})

	f.sweeper.RunOnce(context.Background())
	assert.Equal(t, dbconnector.StatusPending, f.store.Order(id).Status)
}

func TestSweeperLosesRaceQuietly(t *testing.T) {
	f := newFixture()
	user := f.store.SeedUser("buyer@example.com", 0, 0, nil)
	id := seedPending(f, user.ID, "500")
	f.up.SetStatus("500", upstream.OrderStatus{Status: "Canceled", Remains: 1000})
	f.store.FailTransition = func(uint, dbconnector.OrderUpdate) error {
		return apperrors.ErrOrderStateConflict
	}

	assert.Equal(t, time.Second, f.sweeper.RunOnce(context.Background()))
	assert.Equal(t, dbconnector.StatusPending, f.store.Order(id).Status)
	assert.EqualValues(t, 0, f.store.Balance(user.ID))
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sweeper.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestMapUpstreamStatus(t *testing.T) {
	testCases := []struct {
		in   string
		want string
	}{
		{in: "Pending", want: dbconnector.StatusPending},
		{in: "In progress", want: dbconnector.StatusInProgress},
		{in: "inprogress", want: dbconnector.StatusInProgress},
		{in: "Processing", want: dbconnector.StatusInProgress},
		{in: " Completed ", want: dbconnector.StatusCompleted},
		{in: "Partial", want: dbconnector.StatusPartial},
		{in: "Canceled", want: dbconnector.StatusCanceled},
		{in: "Cancelled", want: dbconnector.StatusCanceled},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := MapUpstreamStatus(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := MapUpstreamStatus("Refilling")
	assert.ErrorIs(t, err, apperrors.ErrUnknownOrderStatus)
}

func TestPartialRefund(t *testing.T) {
	testCases := []struct {
		name                     string
		price, quantity, remains int64
		want                     int64
	}{
		{name: "quarter undelivered", price: 100, quantity: 1000, remains: 250, want: 25},
		{name: "rounds down", price: 100, quantity: 3, remains: 1, want: 33},
		{name: "nothing undelivered", price: 100, quantity: 1000, remains: 0, want: 0},
		{name: "remains capped at quantity", price: 100, quantity: 1000, remains: 5000, want: 100},
		{name: "zero quantity", price: 100, quantity: 0, remains: 10, want: 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, PartialRefund(tc.price, tc.quantity, tc.remains))
		})
	}
}
