package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/theheadmen/smmbroker/internal/dbconnector"
	apperrors "github.com/theheadmen/smmbroker/internal/errors"
	"github.com/theheadmen/smmbroker/internal/notify"
	"github.com/theheadmen/smmbroker/internal/upstream"
)

type SweeperConfig struct {
	Interval    time.Duration
	Concurrency int
	// StaleReservationAge is how long a reserved row may wait for its
	// placement result before it is escalated to smm_error.
	StaleReservationAge time.Duration
}

// Sweeper reconciles local orders with the panel. It runs alongside live
// traffic; every write it makes is a conditional transition, so it never
// clobbers a concurrent purchase or staff override.
type Sweeper struct {
	store    OrderStore
	upstream Upstream
	cfg      SweeperConfig
	notifier notify.Publisher
	metrics  *Metrics
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewSweeper(store OrderStore, up Upstream, cfg SweeperConfig, notifier notify.Publisher, metrics *Metrics, log logrus.FieldLogger) *Sweeper {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Sweeper{store: store, upstream: up, cfg: cfg, notifier: notifier, metrics: metrics, log: log, now: time.Now}
}

// Run sweeps every Interval until ctx is done. The timer is stopped while a
// pass runs and re-armed with whatever RunOnce asks for.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			ticker.Stop()
			next := s.RunOnce(ctx)
			ticker.Reset(next)
		}
	}
}

// RunOnce performs one reconciliation pass and returns the delay before the
// next one. A 429 from the panel ends the pass early and the delay becomes the
// panel's Retry-After, or twice the interval when none was given.
func (s *Sweeper) RunOnce(ctx context.Context) time.Duration {
	start := s.now()
	defer func() { s.metrics.ObserveSweep(s.now().Sub(start)) }()

	s.retryRefunds(ctx)
	s.escalateStale(ctx)

	var orders []dbconnector.Order
	if err := s.store.GetWaitingOrders(ctx, &orders); err != nil {
		s.metrics.IncSweeperError("load")
		s.log.WithError(err).Error("failed to load waiting orders")
		return s.cfg.Interval
	}

	var (
		mu      sync.Mutex
		backoff time.Duration
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for i := range orders {
		if gctx.Err() != nil {
			break
		}
		order := orders[i]
		g.Go(func() error {
			err := s.reconcile(gctx, &order)
			if err == nil {
				return nil
			}
			var rl *upstream.RateLimitedError
			if errors.As(err, &rl) {
				wait := rl.RetryAfter
				if wait <= 0 {
					wait = 2 * s.cfg.Interval
				}
				mu.Lock()
				if wait > backoff {
					backoff = wait
				}
				mu.Unlock()
				s.metrics.IncSweeperError("rate_limited")
				// stop the rest of the pass
				return err
			}
			if gctx.Err() == nil {
				s.metrics.IncSweeperError(errorKind(err))
				s.log.WithError(err).WithFields(logrus.Fields{
					"order_id":          order.ID,
					"upstream_order_id": order.UpstreamOrderID,
				}).Warn("failed to reconcile order")
			}
			return nil
		})
	}
	_ = g.Wait()

	if backoff > 0 {
		s.log.WithField("retry_after", backoff.String()).Info("panel asked to slow down")
		return backoff
	}
	return s.cfg.Interval
}

func (s *Sweeper) reconcile(ctx context.Context, order *dbconnector.Order) error {
	st, err := s.upstream.GetOrderStatus(ctx, order.UpstreamOrderID)
	if err != nil {
		return err
	}
	status, err := MapUpstreamStatus(st.Status)
	if err != nil {
		return err
	}

	upd := dbconnector.OrderUpdate{
		Status:     status,
		StartCount: &st.StartCount,
		Remains:    &st.Remains,
	}
	if st.ChargeKnown {
		upd.UpstreamCost = &st.Charge
		upd.CostConfirmed = true
	}
	switch status {
	case dbconnector.StatusCanceled:
		upd.Refund = order.PriceCharged - order.RefundedAmount
	case dbconnector.StatusPartial:
		upd.Refund = PartialRefund(order.PriceCharged, order.Quantity, st.Remains) - order.RefundedAmount
	}
	if upd.Refund < 0 {
		upd.Refund = 0
	}

	if unchanged(order, upd) {
		return nil
	}

	err = s.store.TransitionOrder(ctx, order.ID, []string{order.Status}, upd)
	if errors.Is(err, apperrors.ErrOrderStateConflict) {
		// somebody else moved it since we loaded it
		return nil
	}
	if err != nil {
		return err
	}

	s.metrics.IncSweeperUpdate(status)
	s.log.WithFields(logrus.Fields{
		"order_id": order.ID,
		"from":     order.Status,
		"to":       status,
		"refund":   upd.Refund,
	}).Debug("order reconciled")
	return nil
}

func unchanged(order *dbconnector.Order, upd dbconnector.OrderUpdate) bool {
	if upd.Status != order.Status || upd.Refund > 0 {
		return false
	}
	if *upd.StartCount != order.StartCount || *upd.Remains != order.Remains {
		return false
	}
	if upd.CostConfirmed && (!order.CostConfirmed || !upd.UpstreamCost.Equal(order.UpstreamCost)) {
		return false
	}
	return true
}

// retryRefunds finishes compensations that could not be written at purchase time.
func (s *Sweeper) retryRefunds(ctx context.Context) {
	var orders []dbconnector.Order
	if err := s.store.GetOrdersByStatus(ctx, dbconnector.StatusRefundPending, s.now(), &orders); err != nil {
		s.metrics.IncSweeperError("load")
		s.log.WithError(err).Error("failed to load refund_pending orders")
		return
	}
	for _, order := range orders {
		err := s.store.TransitionOrder(ctx, order.ID, []string{dbconnector.StatusRefundPending}, dbconnector.OrderUpdate{
			Status: dbconnector.StatusRefunded,
			Refund: order.PriceCharged - order.RefundedAmount,
		})
		if err != nil && !errors.Is(err, apperrors.ErrOrderStateConflict) {
			s.metrics.IncCompensation("retry_failed")
			s.log.WithError(err).WithField("order_id", order.ID).Error("refund retry failed")
			continue
		}
		if err == nil {
			s.metrics.IncCompensation("refunded")
			s.log.WithField("order_id", order.ID).Info("deferred refund applied")
		}
	}
}

// escalateStale moves reservations whose placement result was never recorded
// to smm_error. They are not refunded: the panel may have accepted the order.
func (s *Sweeper) escalateStale(ctx context.Context) {
	if s.cfg.StaleReservationAge <= 0 {
		return
	}
	var orders []dbconnector.Order
	cutoff := s.now().Add(-s.cfg.StaleReservationAge)
	if err := s.store.GetOrdersByStatus(ctx, dbconnector.StatusReserved, cutoff, &orders); err != nil {
		s.metrics.IncSweeperError("load")
		s.log.WithError(err).Error("failed to load stale reservations")
		return
	}
	for _, order := range orders {
		reason := "reservation went stale, placement outcome unknown"
		err := s.store.TransitionOrder(ctx, order.ID, []string{dbconnector.StatusReserved}, dbconnector.OrderUpdate{
			Status:    dbconnector.StatusSMMError,
			LastError: &reason,
		})
		if err != nil {
			if !errors.Is(err, apperrors.ErrOrderStateConflict) {
				s.log.WithError(err).WithField("order_id", order.ID).Error("failed to escalate stale reservation")
			}
			continue
		}
		s.metrics.IncSweeperUpdate(dbconnector.StatusSMMError)
		s.log.WithFields(logrus.Fields{
			"order_id":   order.ID,
			"user_id":    order.UserID,
			"amount":     order.PriceCharged,
			"intent_key": order.IntentKey,
			"alert":      "critical",
		}).Error("stale reservation escalated, manual reconciliation required")

		event := notify.NewEvent(notify.EventOrderSMMError)
		event.UserID = order.UserID
		event.OrderID = order.ID
		event.Amount = order.PriceCharged
		event.Message = reason
		event.Fields = map[string]string{"intent_key": order.IntentKey}
		_ = s.notifier.Publish(ctx, event)
	}
}

// MapUpstreamStatus maps panel status strings onto local order statuses.
func MapUpstreamStatus(status string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "pending":
		return dbconnector.StatusPending, nil
	case "in progress", "inprogress", "processing":
		return dbconnector.StatusInProgress, nil
	case "completed":
		return dbconnector.StatusCompleted, nil
	case "partial":
		return dbconnector.StatusPartial, nil
	case "canceled", "cancelled":
		return dbconnector.StatusCanceled, nil
	}
	return "", apperrors.ErrUnknownOrderStatus
}

// PartialRefund is the undelivered share of price, rounded down.
func PartialRefund(price, quantity, remains int64) int64 {
	if quantity <= 0 || remains <= 0 {
		return 0
	}
	if remains > quantity {
		remains = quantity
	}
	return decimal.NewFromInt(price).
		Mul(decimal.NewFromInt(remains)).
		Div(decimal.NewFromInt(quantity)).
		Floor().
		IntPart()
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, apperrors.ErrUpstreamRejected):
		return "upstream_rejected"
	case errors.Is(err, apperrors.ErrUnknownOrderStatus):
		return "unknown_status"
	default:
		return "store"
	}
}
