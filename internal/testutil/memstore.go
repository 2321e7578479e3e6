// Package testutil holds in-memory fakes shared by package tests.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/theheadmen/smmbroker/internal/dbconnector"
	apperrors "github.com/theheadmen/smmbroker/internal/errors"
)

// MemStore mirrors the DBConnector semantics with one mutex standing in for
// row locks and conditional updates. Fail* hooks inject errors per method.
type MemStore struct {
	mu sync.Mutex

	users       map[uint]*dbconnector.User
	orders      map[uint]*dbconnector.Order
	coupons     map[uint]*dbconnector.Coupon
	redemptions map[[2]uint]struct{}
	withdrawals map[uint]*dbconnector.WithdrawRequest
	logs        []dbconnector.AffiliateLog
	deposits    map[uint]*dbconnector.Deposit
	nextID      uint

	// FailTransition is consulted before every TransitionOrder; a non-nil
	// result is returned without touching the order.
	FailTransition func(orderID uint, upd dbconnector.OrderUpdate) error
	FailReserve    error
	FailAddReward  error
}

func NewMemStore() *MemStore {
	return &MemStore{
		users:       map[uint]*dbconnector.User{},
		orders:      map[uint]*dbconnector.Order{},
		coupons:     map[uint]*dbconnector.Coupon{},
		redemptions: map[[2]uint]struct{}{},
		withdrawals: map[uint]*dbconnector.WithdrawRequest{},
		deposits:    map[uint]*dbconnector.Deposit{},
	}
}

func (m *MemStore) id() uint {
	m.nextID++
	return m.nextID
}

// SeedUser inserts a user with the given balance and earnings and returns it.
func (m *MemStore) SeedUser(email string, balance, earnings int64, referredBy *uint) dbconnector.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := &dbconnector.User{
		Email:             email,
		Balance:           balance,
		AffiliateEarnings: earnings,
		ReferralCode:      "REF" + email,
		ReferredBy:        referredBy,
	}
	u.ID = m.id()
	u.CreatedAt = time.Now()
	m.users[u.ID] = u
	return *u
}

// SeedOrder inserts an order as-is and returns its id.
func (m *MemStore) SeedOrder(order dbconnector.Order) uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := order
	o.ID = m.id()
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = time.Now()
	}
	m.orders[o.ID] = &o
	return o.ID
}

func (m *MemStore) Balance(userID uint) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[userID].Balance
}

func (m *MemStore) Earnings(userID uint) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[userID].AffiliateEarnings
}

func (m *MemStore) Order(orderID uint) dbconnector.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.orders[orderID]
}

func (m *MemStore) Orders() []dbconnector.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]dbconnector.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemStore) AffiliateLogs() []dbconnector.AffiliateLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]dbconnector.AffiliateLog(nil), m.logs...)
}

func (m *MemStore) adjust(userID uint, delta int64) error {
	u, ok := m.users[userID]
	if !ok {
		return apperrors.ErrUserNotFound
	}
	if u.Balance+delta < 0 {
		return apperrors.ErrInsufficientFunds
	}
	u.Balance += delta
	return nil
}

func (m *MemStore) AdjustBalance(_ context.Context, userID uint, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adjust(userID, delta)
}

func (m *MemStore) AddUser(_ context.Context, newUser *dbconnector.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == newUser.Email || u.ReferralCode == newUser.ReferralCode {
			return apperrors.ErrAlreadyRegistered
		}
	}
	u := *newUser
	u.ID = m.id()
	u.CreatedAt = time.Now()
	m.users[u.ID] = &u
	*newUser = u
	return nil
}

func (m *MemStore) findUser(match func(*dbconnector.User) bool, user *dbconnector.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if match(u) {
			*user = *u
			return nil
		}
	}
	return apperrors.ErrUserNotFound
}

func (m *MemStore) GetUserByEmail(_ context.Context, email string, user *dbconnector.User) error {
	return m.findUser(func(u *dbconnector.User) bool { return u.Email == email }, user)
}

func (m *MemStore) GetUserByUserID(_ context.Context, userID uint, user *dbconnector.User) error {
	return m.findUser(func(u *dbconnector.User) bool { return u.ID == userID }, user)
}

func (m *MemStore) GetUserByReferralCode(_ context.Context, code string, user *dbconnector.User) error {
	return m.findUser(func(u *dbconnector.User) bool { return u.ReferralCode == code }, user)
}

func (m *MemStore) CountReferrals(_ context.Context, referrerID uint) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, u := range m.users {
		if u.ReferredBy != nil && *u.ReferredBy == referrerID {
			n++
		}
	}
	return n, nil
}

func (m *MemStore) ReserveOrder(_ context.Context, order *dbconnector.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailReserve != nil {
		return m.FailReserve
	}
	if err := m.adjust(order.UserID, -order.PriceCharged); err != nil {
		return err
	}
	o := *order
	o.ID = m.id()
	o.Status = dbconnector.StatusReserved
	o.CreatedAt = time.Now()
	o.UpdatedAt = o.CreatedAt
	m.orders[o.ID] = &o
	*order = o
	return nil
}

func (m *MemStore) TransitionOrder(_ context.Context, orderID uint, from []string, upd dbconnector.OrderUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailTransition != nil {
		if err := m.FailTransition(orderID, upd); err != nil {
			return err
		}
	}
	o, ok := m.orders[orderID]
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	matched := false
	for _, s := range from {
		if o.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return apperrors.ErrOrderStateConflict
	}
	if upd.Refund > 0 {
		if err := m.adjust(o.UserID, upd.Refund); err != nil {
			return err
		}
		o.RefundedAmount += upd.Refund
	}
	o.Status = upd.Status
	if upd.UpstreamOrderID != nil {
		o.UpstreamOrderID = *upd.UpstreamOrderID
	}
	if upd.UpstreamCost != nil {
		o.UpstreamCost = *upd.UpstreamCost
	}
	if upd.CostConfirmed {
		o.CostConfirmed = true
	}
	if upd.StartCount != nil {
		o.StartCount = *upd.StartCount
	}
	if upd.Remains != nil {
		o.Remains = *upd.Remains
	}
	if upd.LastError != nil {
		o.LastError = *upd.LastError
	}
	o.UpdatedAt = time.Now()
	return nil
}

func (m *MemStore) GetOrder(_ context.Context, orderID uint, order *dbconnector.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	*order = *o
	return nil
}

func (m *MemStore) filterOrders(match func(*dbconnector.Order) bool, orders *[]dbconnector.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []dbconnector.Order{}
	for _, o := range m.orders {
		if match(o) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	*orders = out
}

func (m *MemStore) GetOrdersByUserID(_ context.Context, userID uint, orders *[]dbconnector.Order) error {
	m.filterOrders(func(o *dbconnector.Order) bool { return o.UserID == userID }, orders)
	return nil
}

func (m *MemStore) GetWaitingOrders(_ context.Context, orders *[]dbconnector.Order) error {
	m.filterOrders(func(o *dbconnector.Order) bool {
		for _, s := range dbconnector.WaitingStatuses {
			if o.Status == s {
				return true
			}
		}
		return false
	}, orders)
	return nil
}

func (m *MemStore) GetOrdersByStatus(_ context.Context, status string, olderThan time.Time, orders *[]dbconnector.Order) error {
	m.filterOrders(func(o *dbconnector.Order) bool {
		return o.Status == status && o.UpdatedAt.Before(olderThan)
	}, orders)
	return nil
}

func (m *MemStore) outstanding(userID uint) int64 {
	var sum int64
	for _, w := range m.withdrawals {
		if w.UserID == userID && (w.Status == dbconnector.WithdrawPending || w.Status == dbconnector.WithdrawApproved) {
			sum += w.Amount
		}
	}
	return sum
}

func (m *MemStore) SumOutstandingWithdrawals(_ context.Context, userID uint) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outstanding(userID), nil
}

func (m *MemStore) WithdrawalTransaction(_ context.Context, req *dbconnector.WithdrawRequest, check func(earnings, outstanding int64) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[req.UserID]
	if !ok {
		return apperrors.ErrUserNotFound
	}
	if err := check(u.AffiliateEarnings, m.outstanding(req.UserID)); err != nil {
		return err
	}
	w := *req
	w.ID = m.id()
	w.CreatedAt = time.Now()
	if w.Method == dbconnector.MethodBalance {
		u.Balance += w.Amount
	}
	m.withdrawals[w.ID] = &w
	*req = w
	return nil
}

func (m *MemStore) DecideWithdrawRequest(_ context.Context, id uint, status string, decidedAt time.Time, req *dbconnector.WithdrawRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.withdrawals[id]
	if !ok {
		return apperrors.ErrWithdrawalNotFound
	}
	if w.Status != dbconnector.WithdrawPending {
		*req = *w
		return apperrors.ErrWithdrawalNotPending
	}
	w.Status = status
	w.DecidedAt = &decidedAt
	*req = *w
	return nil
}

func (m *MemStore) GetWithdrawRequestsByUserID(_ context.Context, userID uint, reqs *[]dbconnector.WithdrawRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []dbconnector.WithdrawRequest{}
	for _, w := range m.withdrawals {
		if w.UserID == userID {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	*reqs = out
	return nil
}

func (m *MemStore) AddAffiliateReward(_ context.Context, entry *dbconnector.AffiliateLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAddReward != nil {
		return m.FailAddReward
	}
	if entry.DepositID != nil {
		for _, l := range m.logs {
			if l.DepositID != nil && *l.DepositID == *entry.DepositID {
				return apperrors.ErrDuplicateDeposit
			}
		}
	}
	referrer, ok := m.users[entry.ReferrerID]
	if !ok {
		return apperrors.ErrUserNotFound
	}
	e := *entry
	e.ID = m.id()
	e.CreatedAt = time.Now()
	m.logs = append(m.logs, e)
	referrer.AffiliateEarnings += e.Reward
	*entry = e
	return nil
}

func (m *MemStore) GetAffiliateLogsByReferrer(_ context.Context, referrerID uint, logs *[]dbconnector.AffiliateLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []dbconnector.AffiliateLog{}
	for _, l := range m.logs {
		if l.ReferrerID == referrerID {
			out = append(out, l)
		}
	}
	*logs = out
	return nil
}

func (m *MemStore) RecordDeposit(_ context.Context, deposit *dbconnector.Deposit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deposits {
		if d.Reference == deposit.Reference {
			return apperrors.ErrDuplicateDeposit
		}
	}
	if err := m.adjust(deposit.UserID, deposit.Amount); err != nil {
		return err
	}
	d := *deposit
	d.ID = m.id()
	d.CreatedAt = time.Now()
	m.deposits[d.ID] = &d
	*deposit = d
	return nil
}

func (m *MemStore) GetDepositByReference(_ context.Context, reference string, deposit *dbconnector.Deposit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deposits {
		if d.Reference == reference {
			*deposit = *d
			return nil
		}
	}
	return apperrors.ErrPersistenceFailure
}

func (m *MemStore) AddCoupon(_ context.Context, coupon *dbconnector.Coupon) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.coupons {
		if c.Code == coupon.Code {
			return apperrors.ErrDuplicateCoupon
		}
	}
	c := *coupon
	c.ID = m.id()
	c.CreatedAt = time.Now()
	m.coupons[c.ID] = &c
	*coupon = c
	return nil
}

func (m *MemStore) RedeemCoupon(_ context.Context, code string, userID uint, now time.Time, coupon *dbconnector.Coupon) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c *dbconnector.Coupon
	for _, candidate := range m.coupons {
		if candidate.Code == code {
			c = candidate
			break
		}
	}
	if c == nil {
		return apperrors.ErrCouponNotFound
	}
	*coupon = *c
	if c.ValidUntil != nil && now.After(*c.ValidUntil) {
		return apperrors.ErrCouponExpired
	}
	key := [2]uint{c.ID, userID}
	if _, dup := m.redemptions[key]; dup {
		return apperrors.ErrDuplicateRedemption
	}
	if c.MaxUses != nil && c.UsedCount >= *c.MaxUses {
		return apperrors.ErrCouponExhausted
	}
	if err := m.adjust(userID, c.DiscountValue); err != nil {
		return err
	}
	m.redemptions[key] = struct{}{}
	c.UsedCount++
	*coupon = *c
	return nil
}
