// Package notify delivers domain events to operators and other services.
// Delivery is best effort: callers wrap publishers in Async and never wait on
// the outcome.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	EventOrderFailed         = "order.failed"
	EventOrderSMMError       = "order.smm_error"
	EventWithdrawalRequested = "withdrawal.requested"
	EventRewardGranted       = "reward.granted"
)

type Event struct {
	ID      string            `json:"id"`
	Type    string            `json:"type"`
	UserID  uint              `json:"user_id,omitempty"`
	OrderID uint              `json:"order_id,omitempty"`
	Amount  int64             `json:"amount,omitempty"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
	At      time.Time         `json:"at"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(eventType string) Event {
	return Event{ID: uuid.NewString(), Type: eventType, At: time.Now().UTC()}
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async hands events to a background goroutine with a bounded timeout.
// Publish never blocks and never fails; delivery errors are logged.
type Async struct {
	next    Publisher
	timeout time.Duration
	log     logrus.FieldLogger
	sem     chan struct{}
	wg      sync.WaitGroup
}

func NewAsync(next Publisher, timeout time.Duration, maxInFlight int, log logrus.FieldLogger) *Async {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &Async{next: next, timeout: timeout, log: log, sem: make(chan struct{}, maxInFlight)}
}

func (a *Async) Publish(_ context.Context, event Event) error {
	select {
	case a.sem <- struct{}{}:
	default:
		a.log.WithField("event", event.Type).Warn("notification dropped, too many in flight")
		return nil
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() { <-a.sem }()
		// detached from the request context, which ends with the response
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.next.Publish(ctx, event); err != nil {
			a.log.WithError(err).WithFields(logrus.Fields{
				"event":    event.Type,
				"event_id": event.ID,
			}).Warn("notification delivery failed")
		}
	}()
	return nil
}

// Wait blocks until in-flight deliveries finish or ctx ends.
func (a *Async) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
