package testutil

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/theheadmen/smmbroker/internal/upstream"
)

// FakeUpstream is a scriptable panel. Zero value has an empty catalog and
// accepts every order.
type FakeUpstream struct {
	mu sync.Mutex

	Services []upstream.Service
	Statuses map[string]*upstream.OrderStatus

	ListErr   error
	PlaceErr  error
	StatusErr error
	// StatusErrFor overrides StatusErr per upstream order id.
	StatusErrFor map[string]error

	placed     []PlacedOrder
	nextID     int
	statusHits int
}

type PlacedOrder struct {
	ID        string
	ServiceID string
	Link      string
	Quantity  int64
}

func (f *FakeUpstream) ListServices(context.Context) ([]upstream.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	return append([]upstream.Service(nil), f.Services...), nil
}

func (f *FakeUpstream) PlaceOrder(_ context.Context, serviceID, link string, quantity int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PlaceErr != nil {
		return "", f.PlaceErr
	}
	f.nextID++
	id := strconv.Itoa(9000 + f.nextID)
	f.placed = append(f.placed, PlacedOrder{ID: id, ServiceID: serviceID, Link: link, Quantity: quantity})
	return id, nil
}

func (f *FakeUpstream) GetOrderStatus(_ context.Context, upstreamOrderID string) (*upstream.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusHits++
	if err, ok := f.StatusErrFor[upstreamOrderID]; ok {
		return nil, err
	}
	if f.StatusErr != nil {
		return nil, f.StatusErr
	}
	if st, ok := f.Statuses[upstreamOrderID]; ok {
		cp := *st
		return &cp, nil
	}
	return nil, fmt.Errorf("unknown order %s", upstreamOrderID)
}

// SetStatus scripts the next status reports for an upstream order.
func (f *FakeUpstream) SetStatus(upstreamOrderID string, st upstream.OrderStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Statuses == nil {
		f.Statuses = map[string]*upstream.OrderStatus{}
	}
	f.Statuses[upstreamOrderID] = &st
}

func (f *FakeUpstream) Placed() []PlacedOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PlacedOrder(nil), f.placed...)
}

func (f *FakeUpstream) StatusCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusHits
}
