package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/theheadmen/smmbroker/internal/dbconnector"
	apperrors "github.com/theheadmen/smmbroker/internal/errors"
	"github.com/theheadmen/smmbroker/internal/models"
)

var statusByError = []struct {
	err    error
	status int
}{
	{apperrors.ErrInsufficientFunds, http.StatusPaymentRequired},
	{apperrors.ErrInvalidCredentials, http.StatusUnauthorized},

	{apperrors.ErrServiceNotFound, http.StatusNotFound},
	{apperrors.ErrOrderNotFound, http.StatusNotFound},
	{apperrors.ErrCouponNotFound, http.StatusNotFound},
	{apperrors.ErrUserNotFound, http.StatusNotFound},
	{apperrors.ErrWithdrawalNotFound, http.StatusNotFound},

	{apperrors.ErrAlreadyRegistered, http.StatusConflict},
	{apperrors.ErrDuplicateRedemption, http.StatusConflict},
	{apperrors.ErrDuplicateCoupon, http.StatusConflict},
	{apperrors.ErrDuplicateDeposit, http.StatusConflict},
	{apperrors.ErrCouponExhausted, http.StatusConflict},
	{apperrors.ErrOrderStateConflict, http.StatusConflict},
	{apperrors.ErrWithdrawalNotPending, http.StatusConflict},

	{apperrors.ErrQuantityOutOfRange, http.StatusUnprocessableEntity},
	{apperrors.ErrInvalidAmount, http.StatusUnprocessableEntity},
	{apperrors.ErrExceedsWithdrawable, http.StatusUnprocessableEntity},
	{apperrors.ErrBelowWithdrawalMinimum, http.StatusUnprocessableEntity},
	{apperrors.ErrUnknownWithdrawMethod, http.StatusUnprocessableEntity},
	{apperrors.ErrMissingPayeeDetails, http.StatusUnprocessableEntity},
	{apperrors.ErrInvalidReferralCode, http.StatusUnprocessableEntity},
	{apperrors.ErrUnknownOrderStatus, http.StatusUnprocessableEntity},
	{apperrors.ErrDepositTooSmall, http.StatusUnprocessableEntity},
	{apperrors.ErrCouponExpired, http.StatusUnprocessableEntity},

	{apperrors.ErrUpstreamUnavailable, http.StatusServiceUnavailable},
	{apperrors.ErrUpstreamRejected, http.StatusBadGateway},
}

// statusFor maps a service error to its HTTP status. Anything unknown is a 500.
func statusFor(err error) int {
	for _, m := range statusByError {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.ErrorResponse{Error: msg})
}

// fail answers with the mapped status. Internal details of 5xx errors are
// logged, not returned.
func (ls *ServerSystem) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	log := ls.Log.WithError(err).WithFields(logrus.Fields{"path": r.URL.Path, "status": status})
	if status >= http.StatusInternalServerError {
		log.Error("request failed")
	} else {
		log.Debug("request rejected")
	}
	writeError(w, status, msg)
}

// decode reads a JSON body into dst and validates it. It answers 400 itself
// on failure.
func (ls *ServerSystem) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return false
	}
	if err := ls.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			writeError(w, http.StatusBadRequest, fmt.Sprintf("field %s failed %s", fe.Field(), fe.Tag()))
			return false
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func pathID(r *http.Request) (uint, error) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id")
	}
	return uint(id), nil
}

func orderResponse(o dbconnector.Order) models.OrderResponse {
	return models.OrderResponse{
		ID:              o.ID,
		ServiceID:       o.ServiceID,
		ServiceName:     o.ServiceName,
		Category:        o.Category,
		Link:            o.Link,
		Quantity:        o.Quantity,
		PriceCharged:    o.PriceCharged,
		Status:          o.Status,
		UpstreamOrderID: o.UpstreamOrderID,
		StartCount:      o.StartCount,
		Remains:         o.Remains,
		RefundedAmount:  o.RefundedAmount,
		UploadedAt:      o.CreatedAt,
	}
}

func withdrawalResponse(w dbconnector.WithdrawRequest) models.WithdrawalResponse {
	return models.WithdrawalResponse{
		ID:          w.ID,
		Amount:      w.Amount,
		Method:      w.Method,
		Status:      w.Status,
		RequestedAt: w.CreatedAt,
		DecidedAt:   w.DecidedAt,
	}
}
