package service

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/theheadmen/smmbroker/internal/logging"
	"github.com/theheadmen/smmbroker/internal/notify"
	"github.com/theheadmen/smmbroker/internal/pricing"
	"github.com/theheadmen/smmbroker/internal/testutil"
	"github.com/theheadmen/smmbroker/internal/upstream"
)

var _ Storage = (*testutil.MemStore)(nil)

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingPublisher) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

// unitPricing has no FX conversion, so a rate of 50 prices at 100 per 1000.
func unitPricing() *pricing.Engine {
	cfg := pricing.DefaultConfig()
	cfg.ExchangeRate = decimal.NewFromInt(1)
	return pricing.New(cfg)
}

func viewsService() upstream.Service {
	return upstream.Service{
		ID:   "101",
		Name: "TikTok Views",
		Rate: decimal.NewFromInt(50),
		Min:  100,
		Max:  100000,
	}
}

type fixture struct {
	store    *testutil.MemStore
	up       *testutil.FakeUpstream
	notifier *recordingPublisher
	settle   *Settlement
	sweeper  *Sweeper
}

func newFixture() *fixture {
	store := testutil.NewMemStore()
	up := &testutil.FakeUpstream{Services: []upstream.Service{viewsService()}}
	notifier := &recordingPublisher{}
	log := logging.Discard()
	return &fixture{
		store:    store,
		up:       up,
		notifier: notifier,
		settle:   NewSettlement(store, up, unitPricing(), notifier, nil, log),
		sweeper: NewSweeper(store, up, SweeperConfig{
			Interval:            time.Second,
			Concurrency:         4,
			StaleReservationAge: 10 * time.Minute,
		}, notifier, nil, log),
	}
}
