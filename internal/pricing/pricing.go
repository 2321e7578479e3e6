// Package pricing turns provider rates into storefront prices.
//
// Everything here is pure: no I/O, no shared state. Amounts are fixed-point
// decimals until the very last step, where the price is rounded half-to-even
// to the currency minor unit and returned as an integer.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	apperrors "github.com/theheadmen/smmbroker/internal/errors"
	"github.com/theheadmen/smmbroker/internal/upstream"
)

var thousand = decimal.NewFromInt(1000)

// Tier names, reported with each quote.
const (
	TierLow  = "low"
	TierMid  = "mid"
	TierHigh = "high"
	TierTop  = "top"
)

// Config holds the exchange rate and the markup tiers. Thresholds are compared
// against the converted per-1000 rate, inclusive on the upper bound.
type Config struct {
	ExchangeRate decimal.Decimal

	LowThreshold  decimal.Decimal
	MidThreshold  decimal.Decimal
	HighThreshold decimal.Decimal

	Low  decimal.Decimal
	Mid  decimal.Decimal
	High decimal.Decimal
	Top  decimal.Decimal

	// MinorUnitDigits is the number of decimal places of the target currency
	// minor unit (0 for JPY, 2 for USD).
	MinorUnitDigits int32
}

func DefaultConfig() Config {
	return Config{
		ExchangeRate:  decimal.NewFromInt(150),
		LowThreshold:  decimal.NewFromInt(100),
		MidThreshold:  decimal.NewFromInt(1000),
		HighThreshold: decimal.NewFromInt(1600),
		Low:           decimal.RequireFromString("2.0"),
		Mid:           decimal.RequireFromString("1.5"),
		High:          decimal.RequireFromString("1.3"),
		Top:           decimal.RequireFromString("1.1"),
	}
}

func (c Config) Validate() error {
	if !c.ExchangeRate.IsPositive() {
		return fmt.Errorf("exchange rate must be positive")
	}
	if !c.LowThreshold.IsPositive() || !c.LowThreshold.LessThan(c.MidThreshold) || !c.MidThreshold.LessThan(c.HighThreshold) {
		return fmt.Errorf("tier thresholds must be positive and strictly increasing")
	}
	for name, m := range map[string]decimal.Decimal{"low": c.Low, "mid": c.Mid, "high": c.High, "top": c.Top} {
		if !m.IsPositive() {
			return fmt.Errorf("%s multiplier must be positive", name)
		}
	}
	if c.MinorUnitDigits < 0 {
		return fmt.Errorf("minor unit digits must not be negative")
	}
	return nil
}

// Quote is a point-in-time price for one order.
type Quote struct {
	// PriceCharged is in target currency minor units.
	PriceCharged int64
	// RatePerThousand is the marked-up converted rate, before rounding.
	RatePerThousand decimal.Decimal
	// UpstreamCost is the provisional provider cost in provider currency.
	UpstreamCost decimal.Decimal
	Tier         string
}

type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

func (e *Engine) Config() Config {
	return e.cfg
}

// ConvertRate converts a provider per-1000 rate to the target currency.
func (e *Engine) ConvertRate(rate decimal.Decimal) decimal.Decimal {
	return rate.Mul(e.cfg.ExchangeRate)
}

// Multiplier picks the markup for a converted per-1000 rate. Cheaper services
// get the larger multiplier.
func (e *Engine) Multiplier(converted decimal.Decimal) (decimal.Decimal, string) {
	switch {
	case converted.LessThanOrEqual(e.cfg.LowThreshold):
		return e.cfg.Low, TierLow
	case converted.LessThanOrEqual(e.cfg.MidThreshold):
		return e.cfg.Mid, TierMid
	case converted.LessThanOrEqual(e.cfg.HighThreshold):
		return e.cfg.High, TierHigh
	default:
		return e.cfg.Top, TierTop
	}
}

// RatePerThousand is the marked-up price for 1000 units in the target currency.
func (e *Engine) RatePerThousand(rate decimal.Decimal) decimal.Decimal {
	converted := e.ConvertRate(rate)
	m, _ := e.Multiplier(converted)
	return converted.Mul(m)
}

// Quote prices quantity units of svc.
func (e *Engine) Quote(svc upstream.Service, quantity int64) (Quote, error) {
	if quantity <= 0 {
		return Quote{}, apperrors.ErrQuantityOutOfRange
	}
	if svc.Rate.IsNegative() {
		return Quote{}, fmt.Errorf("negative rate for service %s", svc.ID)
	}

	converted := e.ConvertRate(svc.Rate)
	m, tier := e.Multiplier(converted)
	marked := converted.Mul(m)
	qty := decimal.NewFromInt(quantity)

	// multiply before dividing so the intermediate stays exact
	price := marked.Mul(qty).Div(thousand)

	return Quote{
		PriceCharged:    e.ToMinorUnits(price),
		RatePerThousand: marked,
		UpstreamCost:    svc.Rate.Mul(qty).Div(thousand),
		Tier:            tier,
	}, nil
}

// ToMinorUnits rounds half-to-even to the minor unit.
func (e *Engine) ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(e.cfg.MinorUnitDigits).RoundBank(0).IntPart()
}
