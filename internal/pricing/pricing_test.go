package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/theheadmen/smmbroker/internal/errors"
	"github.com/theheadmen/smmbroker/internal/upstream"
)

func svc(rate string) upstream.Service {
	return upstream.Service{ID: "1", Name: "TikTok Views", Rate: decimal.RequireFromString(rate)}
}

func unitFX() Config {
	cfg := DefaultConfig()
	cfg.ExchangeRate = decimal.NewFromInt(1)
	return cfg
}

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "zero exchange rate", mutate: func(c *Config) { c.ExchangeRate = decimal.Zero }},
		{name: "thresholds out of order", mutate: func(c *Config) { c.MidThreshold = decimal.NewFromInt(50) }},
		{name: "equal thresholds", mutate: func(c *Config) { c.HighThreshold = c.MidThreshold }},
		{name: "negative multiplier", mutate: func(c *Config) { c.Top = decimal.NewFromInt(-1) }},
		{name: "negative digits", mutate: func(c *Config) { c.MinorUnitDigits = -1 }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

// Tier boundaries are inclusive on the upper bound and use the converted rate.
func TestQuoteTierBoundaries(t *testing.T) {
	engine := New(unitFX())

	testCases := []struct {
		rate     string
		tier     string
		perK     string
		price    int64
		quantity int64
	}{
		{rate: "100", tier: TierLow, perK: "200", price: 200, quantity: 1000},
		{rate: "100.01", tier: TierMid, perK: "150.015", price: 150, quantity: 1000},
		{rate: "1000", tier: TierMid, perK: "1500", price: 1500, quantity: 1000},
		{rate: "1000.01", tier: TierHigh, perK: "1300.013", price: 1300, quantity: 1000},
		{rate: "1600", tier: TierHigh, perK: "2080", price: 2080, quantity: 1000},
		{rate: "1600.01", tier: TierTop, perK: "1760.011", price: 1760, quantity: 1000},
	}

	for _, tc := range testCases {
		t.Run(tc.rate, func(t *testing.T) {
			q, err := engine.Quote(svc(tc.rate), tc.quantity)
			require.NoError(t, err)
			assert.Equal(t, tc.tier, q.Tier)
			assert.True(t, decimal.RequireFromString(tc.perK).Equal(q.RatePerThousand), "rate per thousand %s", q.RatePerThousand)
			assert.Equal(t, tc.price, q.PriceCharged)
		})
	}
}

func TestQuoteUsesConvertedRateForTier(t *testing.T) {
	engine := New(DefaultConfig())

	// 80 * 150 = 12000 converted, well above the top threshold
	q, err := engine.Quote(svc("80"), 1000)
	require.NoError(t, err)
	assert.Equal(t, TierTop, q.Tier)
	assert.EqualValues(t, 13200, q.PriceCharged)

	// 0.5 * 150 = 75 converted, low tier although 0.5 is tiny upstream
	q, err = engine.Quote(svc("0.5"), 1000)
	require.NoError(t, err)
	assert.Equal(t, TierLow, q.Tier)
	assert.EqualValues(t, 150, q.PriceCharged)

	// 6 * 150 = 900 converted, mid tier
	q, err = engine.Quote(svc("6"), 2000)
	require.NoError(t, err)
	assert.Equal(t, TierMid, q.Tier)
	assert.EqualValues(t, 2700, q.PriceCharged)
}

func TestQuoteRoundsHalfToEven(t *testing.T) {
	engine := New(unitFX())

	// rate 1 -> 2 per 1000 after the low multiplier
	testCases := []struct {
		quantity int64
		price    int64
	}{
		{quantity: 250, price: 0},  // 0.5
		{quantity: 750, price: 2},  // 1.5
		{quantity: 1250, price: 2}, // 2.5
		{quantity: 1251, price: 3}, // 2.502
		{quantity: 1749, price: 3}, // 3.498
	}
	for _, tc := range testCases {
		q, err := engine.Quote(svc("1"), tc.quantity)
		require.NoError(t, err)
		assert.Equal(t, tc.price, q.PriceCharged, "quantity %d", tc.quantity)
	}
}

func TestQuoteMinorUnitDigits(t *testing.T) {
	cfg := unitFX()
	cfg.MinorUnitDigits = 2
	engine := New(cfg)

	// 1.2345 * 2 = 2.469 per 1000 -> 246.9 cents -> 247
	q, err := engine.Quote(svc("1.2345"), 1000)
	require.NoError(t, err)
	assert.EqualValues(t, 247, q.PriceCharged)
}

func TestQuoteUpstreamCost(t *testing.T) {
	engine := New(DefaultConfig())
	q, err := engine.Quote(svc("0.9"), 1500)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1.35").Equal(q.UpstreamCost), "got %s", q.UpstreamCost)
}

func TestQuoteRejectsNonPositiveQuantity(t *testing.T) {
	engine := New(DefaultConfig())
	_, err := engine.Quote(svc("1"), 0)
	assert.ErrorIs(t, err, apperrors.ErrQuantityOutOfRange)
	_, err = engine.Quote(svc("1"), -5)
	assert.ErrorIs(t, err, apperrors.ErrQuantityOutOfRange)
}

func TestMultiplierIsMonotonicallyDecreasing(t *testing.T) {
	engine := New(DefaultConfig())
	prev := decimal.NewFromInt(1 << 30)
	for _, converted := range []string{"1", "100", "101", "1000", "1001", "1600", "1601", "100000"} {
		m, _ := engine.Multiplier(decimal.RequireFromString(converted))
		assert.True(t, m.LessThanOrEqual(prev), "multiplier rose at %s", converted)
		prev = m
	}
}

func TestQuoteIsDeterministic(t *testing.T) {
	engine := New(DefaultConfig())
	first, err := engine.Quote(svc("3.7"), 4321)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := engine.Quote(svc("3.7"), 4321)
		require.NoError(t, err)
		assert.Equal(t, first.PriceCharged, again.PriceCharged)
	}
}
