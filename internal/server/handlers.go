package server

import (
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	apperrors "github.com/theheadmen/smmbroker/internal/errors"
	"github.com/theheadmen/smmbroker/internal/models"
)

func (ls *ServerSystem) RegisterUserHandler(w http.ResponseWriter, r *http.Request) {
	var creds models.Credentials
	if !ls.decode(w, r, &creds) {
		return
	}

	user, err := ls.Users.Register(r.Context(), creds)
	if err != nil {
		ls.fail(w, r, err)
		return
	}
	if err := ls.Sessions.setCookie(w, user.ID); err != nil {
		ls.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (ls *ServerSystem) LoginUserHandler(w http.ResponseWriter, r *http.Request) {
	var creds models.Credentials
	if !ls.decode(w, r, &creds) {
		return
	}

	user, err := ls.Users.Login(r.Context(), creds)
	if err != nil {
		ls.fail(w, r, err)
		return
	}
	if err := ls.Sessions.setCookie(w, user.ID); err != nil {
		ls.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (ls *ServerSystem) ServicesHandler(w http.ResponseWriter, r *http.Request) {
	groups, err := ls.Settlement.Catalog(r.Context())
	if err != nil {
		ls.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (ls *ServerSystem) PurchaseHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := ls.AuthenticateUser(w, r)
	if err != nil {
		return
	}
	var req models.PurchaseRequest
	if !ls.decode(w, r, &req) {
		return
	}

	order, err := ls.Settlement.Purchase(r.Context(), userID, req)
	if err != nil {
		ls.fail(w, r, err)
		return
	}
	ls.Log.WithFields(logrus.Fields{"user_id": userID, "order_id": order.ID}).Debug("purchase accepted")
	writeJSON(w, http.StatusAccepted, orderResponse(*order))
}

func (ls *ServerSystem) GetOrderHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := ls.AuthenticateUser(w, r)
	if err != nil {
		return
	}

	orders, err := ls.Settlement.Orders(r.Context(), userID)
	if err != nil {
		ls.fail(w, r, err)
		return
	}
	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	resp := make([]models.OrderResponse, len(orders))
	for i, o := range orders {
		resp[i] = orderResponse(o)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (ls *ServerSystem) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := ls.AuthenticateUser(w, r)
	if err != nil {
		return
	}

	user, err := ls.Users.Get(r.Context(), userID)
	if err != nil {
		ls.fail(w, r, err)
		return
	}
	withdrawable, err := ls.Affiliate.ComputeWithdrawable(r.Context(), userID)
	if err != nil {
		ls.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.BalanceResponse{
		Current:           user.Balance,
		AffiliateEarnings: user.AffiliateEarnings,
		Withdrawable:      withdrawable,
	})
}

func (ls *ServerSystem) RedeemCouponHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := ls.AuthenticateUser(w, r)
	if err != nil {
		return
	}
	var req models.RedeemRequest
	if !ls.decode(w, r, &req) {
		return
	}

	coupon, err := ls.Coupons.Redeem(r.Context(), userID, req.Code)
	if err != nil {
		ls.fail(w, r, err)
		return
	}
	user, err := ls.Users.Get(r.Context(), userID)
	if err != nil {
		ls.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.RedeemResponse{
		Code:     coupon.Code,
		Credited: coupon.DiscountValue,
		Balance:  user.Balance,
	})
}

func (ls *ServerSystem) AffiliateHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := ls.AuthenticateUser(w, r)
	if err != nil {
		return
	}

	stats, err := ls.Affiliate.Stats(r.Context(), userID)
	if err != nil {
		ls.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (ls *ServerSystem) WithdrawHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := ls.AuthenticateUser(w, r)
	if err != nil {
		return
	}
	var req models.WithdrawRequest
	if !ls.decode(w, r, &req) {
		return
	}

	withdrawal, err := ls.Affiliate.RequestWithdrawal(r.Context(), userID, req)
	if err != nil {
		ls.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawalResponse(*withdrawal))
}

func (ls *ServerSystem) GetWithdrawalsHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := ls.AuthenticateUser(w, r)
	if err != nil {
		return
	}

	withdrawals, err := ls.Affiliate.Withdrawals(r.Context(), userID)
	if err != nil {
		ls.fail(w, r, err)
		return
	}
	if len(withdrawals) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	resp := make([]models.WithdrawalResponse, len(withdrawals))
	for i, wr := range withdrawals {
		resp[i] = withdrawalResponse(wr)
	}
	writeJSON(w, http.StatusOK, resp)
}

// DepositWebhookHandler acknowledges redelivered events with 200 so the
// payment provider stops retrying.
func (ls *ServerSystem) DepositWebhookHandler(w http.ResponseWriter, r *http.Request) {
	var event models.DepositEvent
	if !ls.decode(w, r, &event) {
		return
	}

	deposit, err := ls.Deposits.Handle(r.Context(), event)
	if err != nil && !errors.Is(err, apperrors.ErrDuplicateDeposit) {
		ls.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":        deposit.ID,
		"reference": deposit.Reference,
		"duplicate": err != nil,
	})
}

func (ls *ServerSystem) AdjustBalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req models.BalanceAdjustRequest
	if !ls.decode(w, r, &req) {
		return
	}

	if err := ls.Ledger.Adjust(r.Context(), userID, req.Delta); err != nil {
		ls.fail(w, r, err)
		return
	}
	user, err := ls.Users.Get(r.Context(), userID)
	if err != nil {
		ls.fail(w, r, err)
		return
	}
	ls.Log.WithFields(logrus.Fields{
		"user_id": userID,
		"amount":  req.Delta,
		"reason":  req.Reason,
	}).Warn("balance adjusted by staff")
	writeJSON(w, http.StatusOK, models.BalanceResponse{Current: user.Balance, AffiliateEarnings: user.AffiliateEarnings})
}

func (ls *ServerSystem) CreateCouponHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CouponRequest
	if !ls.decode(w, r, &req) {
		return
	}

	coupon, err := ls.Coupons.Create(r.Context(), req)
	if err != nil {
		ls.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, coupon)
}

func (ls *ServerSystem) ApproveWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	ls.decideWithdrawal(w, r, true)
}

func (ls *ServerSystem) RejectWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	ls.decideWithdrawal(w, r, false)
}

func (ls *ServerSystem) decideWithdrawal(w http.ResponseWriter, r *http.Request, approve bool) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	decide := ls.Affiliate.Reject
	if approve {
		decide = ls.Affiliate.Approve
	}
	withdrawal, err := decide(r.Context(), id)
	if err != nil {
		ls.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawalResponse(*withdrawal))
}

func (ls *ServerSystem) OverrideOrderStatusHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req models.StatusOverrideRequest
	if !ls.decode(w, r, &req) {
		return
	}

	order, err := ls.Settlement.OverrideStatus(r.Context(), id, req.Status)
	if err != nil {
		ls.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse(*order))
}

func (ls *ServerSystem) UpstreamBalanceHandler(w http.ResponseWriter, r *http.Request) {
	balance, err := ls.Upstream.GetBalance(r.Context())
	if err != nil {
		ls.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.UpstreamBalanceResponse{
		Amount:   balance.Amount.String(),
		Currency: balance.Currency,
	})
}
