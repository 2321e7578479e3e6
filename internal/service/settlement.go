package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/theheadmen/smmbroker/internal/dbconnector"
	apperrors "github.com/theheadmen/smmbroker/internal/errors"
	"github.com/theheadmen/smmbroker/internal/models"
	"github.com/theheadmen/smmbroker/internal/notify"
	"github.com/theheadmen/smmbroker/internal/pricing"
	"github.com/theheadmen/smmbroker/internal/upstream"
)

// Upstream is the part of the panel client the settlement engine and the
// sweeper depend on; *upstream.Client implements it.
type Upstream interface {
	ListServices(ctx context.Context) ([]upstream.Service, error)
	PlaceOrder(ctx context.Context, serviceID, link string, quantity int64) (string, error)
	GetOrderStatus(ctx context.Context, upstreamOrderID string) (*upstream.OrderStatus, error)
}

var _ Upstream = (*upstream.Client)(nil)

// overridable statuses, staff only
var overrideStatuses = map[string]struct{}{
	dbconnector.StatusPending:    {},
	dbconnector.StatusInProgress: {},
	dbconnector.StatusCompleted:  {},
	dbconnector.StatusPartial:    {},
	dbconnector.StatusCanceled:   {},
	dbconnector.StatusRefunded:   {},
	dbconnector.StatusSMMError:   {},
}

// statuses staff may not override from
var lockedStatuses = map[string]struct{}{
	dbconnector.StatusReserved:      {},
	dbconnector.StatusRefundPending: {},
}

type Settlement struct {
	store    OrderStore
	upstream Upstream
	pricing  *pricing.Engine
	notifier notify.Publisher
	metrics  *Metrics
	log      logrus.FieldLogger
}

func NewSettlement(store OrderStore, up Upstream, engine *pricing.Engine, notifier notify.Publisher, metrics *Metrics, log logrus.FieldLogger) *Settlement {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Settlement{store: store, upstream: up, pricing: engine, notifier: notifier, metrics: metrics, log: log}
}

// Purchase prices the order from the live catalog, reserves the price from the
// user's balance, places the order upstream and records the outcome.
//
// The debit and the reserved order row are written in one transaction before
// the upstream call. A failed placement refunds that row; if the refund cannot
// be written the row is parked as refund_pending for the sweeper. A failure to
// record a successful placement leaves the order in smm_error and raises a
// critical alert, the placement is never retried.
func (s *Settlement) Purchase(ctx context.Context, userID uint, req models.PurchaseRequest) (*dbconnector.Order, error) {
	services, err := s.upstream.ListServices(ctx)
	if err != nil {
		s.metrics.IncPurchase("catalog_error")
		return nil, err
	}

	svc, ok := findService(services, req.ServiceID)
	if !ok {
		s.metrics.IncPurchase("service_not_found")
		return nil, apperrors.ErrServiceNotFound
	}
	if (svc.Min > 0 && req.Quantity < svc.Min) || (svc.Max > 0 && req.Quantity > svc.Max) {
		s.metrics.IncPurchase("quantity_out_of_range")
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", apperrors.ErrQuantityOutOfRange, req.Quantity, svc.Min, svc.Max)
	}

	quote, err := s.pricing.Quote(svc, req.Quantity)
	if err != nil {
		s.metrics.IncPurchase("quote_error")
		return nil, err
	}

	order := &dbconnector.Order{
		UserID:       userID,
		ServiceID:    svc.ID,
		ServiceName:  svc.Name,
		Category:     pricing.Categorize(svc.Name),
		Link:         req.Link,
		Quantity:     req.Quantity,
		PriceCharged: quote.PriceCharged,
		IntentKey:    uuid.NewString(),
		UpstreamCost: quote.UpstreamCost,
	}

	log := s.log.WithFields(logrus.Fields{
		"user_id":    userID,
		"service_id": svc.ID,
		"amount":     quote.PriceCharged,
	})

	if err := s.store.ReserveOrder(ctx, order); err != nil {
		if errors.Is(err, apperrors.ErrInsufficientFunds) {
			s.metrics.IncPurchase("insufficient_funds")
			return nil, err
		}
		if errors.Is(err, apperrors.ErrUserNotFound) {
			s.metrics.IncPurchase("user_not_found")
			return nil, err
		}
		s.metrics.IncPurchase("persistence_error")
		log.WithError(err).Error("failed to reserve order")
		return nil, fmt.Errorf("%w: reserve order: %v", apperrors.ErrPersistenceFailure, err)
	}
	log = log.WithField("order_id", order.ID)

	// from here on the work must finish even if the client goes away
	ctx = context.WithoutCancel(ctx)

	upstreamOrderID, err := s.upstream.PlaceOrder(ctx, svc.ID, req.Link, req.Quantity)
	if err != nil {
		log.WithError(err).Warn("upstream placement failed, refunding")
		s.compensate(ctx, log, order, err)
		s.metrics.IncPurchase("upstream_error")
		return order, err
	}
	log = log.WithField("upstream_order_id", upstreamOrderID)

	upd := dbconnector.OrderUpdate{
		Status:          dbconnector.StatusPending,
		UpstreamOrderID: &upstreamOrderID,
	}
	if st, err := s.upstream.GetOrderStatus(ctx, upstreamOrderID); err != nil {
		log.WithError(err).Info("cost fetch failed, sweeper will backfill")
	} else if st.ChargeKnown {
		upd.UpstreamCost = &st.Charge
		upd.CostConfirmed = true
	}

	if err := s.store.TransitionOrder(ctx, order.ID, []string{dbconnector.StatusReserved}, upd); err != nil {
		s.escalate(ctx, log, order, upstreamOrderID, err)
		s.metrics.IncPurchase("smm_error")
		return order, fmt.Errorf("%w: record placed order: %v", apperrors.ErrPersistenceFailure, err)
	}

	order.Status = upd.Status
	order.UpstreamOrderID = upstreamOrderID
	if upd.UpstreamCost != nil {
		order.UpstreamCost = *upd.UpstreamCost
		order.CostConfirmed = true
	}
	s.metrics.IncPurchase("placed")
	log.Info("order placed")
	return order, nil
}

func (s *Settlement) compensate(ctx context.Context, log logrus.FieldLogger, order *dbconnector.Order, cause error) {
	reason := cause.Error()
	err := s.store.TransitionOrder(ctx, order.ID, []string{dbconnector.StatusReserved}, dbconnector.OrderUpdate{
		Status:    dbconnector.StatusRefunded,
		LastError: &reason,
		Refund:    order.PriceCharged,
	})
	switch {
	case err == nil:
		order.Status = dbconnector.StatusRefunded
		order.RefundedAmount = order.PriceCharged
		s.metrics.IncCompensation("refunded")
	default:
		log.WithError(err).Warn("refund failed, deferring to sweeper")
		err = s.store.TransitionOrder(ctx, order.ID, []string{dbconnector.StatusReserved}, dbconnector.OrderUpdate{
			Status:    dbconnector.StatusRefundPending,
			LastError: &reason,
		})
		if err == nil {
			order.Status = dbconnector.StatusRefundPending
			s.metrics.IncCompensation("deferred")
			break
		}
		// the reserved row is still there; the sweeper escalates it once stale
		s.metrics.IncCompensation("failed")
		log.WithError(err).WithField("alert", "critical").Error("could not record pending refund")
	}

	event := notify.NewEvent(notify.EventOrderFailed)
	event.UserID = order.UserID
	event.OrderID = order.ID
	event.Amount = order.PriceCharged
	event.Message = reason
	event.Fields = map[string]string{"status": order.Status, "service_id": order.ServiceID}
	_ = s.notifier.Publish(ctx, event)
}

func (s *Settlement) escalate(ctx context.Context, log logrus.FieldLogger, order *dbconnector.Order, upstreamOrderID string, cause error) {
	reason := cause.Error()
	err := s.store.TransitionOrder(ctx, order.ID, []string{dbconnector.StatusReserved}, dbconnector.OrderUpdate{
		Status:          dbconnector.StatusSMMError,
		UpstreamOrderID: &upstreamOrderID,
		LastError:       &reason,
	})
	if err == nil {
		order.Status = dbconnector.StatusSMMError
	}
	order.UpstreamOrderID = upstreamOrderID

	log.WithError(cause).WithFields(logrus.Fields{
		"alert":        "critical",
		"marked_error": err == nil,
	}).Error("order placed upstream but not recorded, manual reconciliation required")

	event := notify.NewEvent(notify.EventOrderSMMError)
	event.UserID = order.UserID
	event.OrderID = order.ID
	event.Amount = order.PriceCharged
	event.Message = reason
	event.Fields = map[string]string{"upstream_order_id": upstreamOrderID, "intent_key": order.IntentKey}
	_ = s.notifier.Publish(ctx, event)
}

// Catalog returns the live catalog grouped for display with storefront prices.
func (s *Settlement) Catalog(ctx context.Context) ([]pricing.AppGroup, error) {
	services, err := s.upstream.ListServices(ctx)
	if err != nil {
		return nil, err
	}
	return s.pricing.Catalog(services), nil
}

func (s *Settlement) Orders(ctx context.Context, userID uint) ([]dbconnector.Order, error) {
	var orders []dbconnector.Order
	if err := s.store.GetOrdersByUserID(ctx, userID, &orders); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrPersistenceFailure, err)
	}
	return orders, nil
}

// OverrideStatus sets an order status by hand. Orders still owned by the
// purchase flow or awaiting a refund retry are left alone. Overriding to
// canceled or refunded credits whatever part of the price is not yet
// refunded; other corrections go through Ledger.Adjust.
func (s *Settlement) OverrideStatus(ctx context.Context, orderID uint, status string) (*dbconnector.Order, error) {
	if _, ok := overrideStatuses[status]; !ok {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownOrderStatus, status)
	}
	var order dbconnector.Order
	if err := s.store.GetOrder(ctx, orderID, &order); err != nil {
		return nil, err
	}
	if _, locked := lockedStatuses[order.Status]; locked {
		return nil, fmt.Errorf("%w: order is %s", apperrors.ErrOrderStateConflict, order.Status)
	}

	upd := dbconnector.OrderUpdate{Status: status}
	if status == dbconnector.StatusCanceled || status == dbconnector.StatusRefunded {
		upd.Refund = order.PriceCharged - order.RefundedAmount
	}
	if err := s.store.TransitionOrder(ctx, orderID, []string{order.Status}, upd); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"order_id": orderID,
		"from":     order.Status,
		"to":       status,
		"refund":   upd.Refund,
	}).Warn("order status overridden by staff")
	order.Status = status
	if upd.Refund > 0 {
		order.RefundedAmount += upd.Refund
	}
	return &order, nil
}

func findService(services []upstream.Service, id string) (upstream.Service, bool) {
	for _, svc := range services {
		if svc.ID == id {
			return svc, true
		}
	}
	// panels report numeric ids; tolerate "007" vs "7"
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		want := strconv.FormatInt(n, 10)
		for _, svc := range services {
			if svc.ID == want {
				return svc, true
			}
		}
	}
	return upstream.Service{}, false
}
