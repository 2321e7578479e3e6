package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	PurchasesTotal       *prometheus.CounterVec
	CompensationsTotal   *prometheus.CounterVec
	SweeperUpdates       *prometheus.CounterVec
	SweeperErrors        *prometheus.CounterVec
	SweeperRunDuration   prometheus.Histogram
	UpstreamCallDuration *prometheus.HistogramVec
	AffiliateRewards     prometheus.Counter
	AffiliateRewardSum   prometheus.Counter
	WithdrawalsTotal     *prometheus.CounterVec
	CouponRedemptions    *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		PurchasesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smmbroker_purchases_total",
				Help: "Total purchase attempts by result.",
			},
			[]string{"result"},
		),
		CompensationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smmbroker_compensations_total",
				Help: "Total refunds of failed placements by result.",
			},
			[]string{"result"},
		),
		SweeperUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smmbroker_sweeper_updates_total",
				Help: "Total order updates applied by the sweeper.",
			},
			[]string{"status"},
		),
		SweeperErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smmbroker_sweeper_errors_total",
				Help: "Total per-order sweeper errors.",
			},
			[]string{"type"},
		),
		SweeperRunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "smmbroker_sweeper_run_duration_seconds",
				Help:    "Duration of one reconciliation pass in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		UpstreamCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "smmbroker_upstream_call_duration_seconds",
				Help:    "Upstream panel call duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action", "outcome"},
		),
		AffiliateRewards: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "smmbroker_affiliate_rewards_total",
				Help: "Total affiliate rewards granted.",
			},
		),
		AffiliateRewardSum: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "smmbroker_affiliate_reward_amount_total",
				Help: "Sum of granted affiliate rewards in minor units.",
			},
		),
		WithdrawalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smmbroker_withdrawals_total",
				Help: "Total withdraw requests by method and result.",
			},
			[]string{"method", "result"},
		),
		CouponRedemptions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smmbroker_coupon_redemptions_total",
				Help: "Total coupon redemption attempts by result.",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		m.PurchasesTotal,
		m.CompensationsTotal,
		m.SweeperUpdates,
		m.SweeperErrors,
		m.SweeperRunDuration,
		m.UpstreamCallDuration,
		m.AffiliateRewards,
		m.AffiliateRewardSum,
		m.WithdrawalsTotal,
		m.CouponRedemptions,
	)
	return m
}

func (m *Metrics) IncPurchase(result string) {
	if m == nil {
		return
	}
	m.PurchasesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncCompensation(result string) {
	if m == nil {
		return
	}
	m.CompensationsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncSweeperUpdate(status string) {
	if m == nil {
		return
	}
	m.SweeperUpdates.WithLabelValues(status).Inc()
}

func (m *Metrics) IncSweeperError(kind string) {
	if m == nil {
		return
	}
	m.SweeperErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveSweep(duration time.Duration) {
	if m == nil {
		return
	}
	m.SweeperRunDuration.Observe(duration.Seconds())
}

// ObserveUpstreamCall matches upstream.Observer.
func (m *Metrics) ObserveUpstreamCall(action, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamCallDuration.WithLabelValues(action, outcome).Observe(duration.Seconds())
}

func (m *Metrics) ObserveReward(amount int64) {
	if m == nil {
		return
	}
	m.AffiliateRewards.Inc()
	m.AffiliateRewardSum.Add(float64(amount))
}

func (m *Metrics) IncWithdrawal(method, result string) {
	if m == nil {
		return
	}
	m.WithdrawalsTotal.WithLabelValues(method, result).Inc()
}

func (m *Metrics) IncCouponRedemption(result string) {
	if m == nil {
		return
	}
	m.CouponRedemptions.WithLabelValues(result).Inc()
}
