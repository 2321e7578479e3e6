package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/theheadmen/smmbroker/internal/service"
	"github.com/theheadmen/smmbroker/internal/upstream"
)

// UpstreamBalance is the provider balance lookup shown to staff.
type UpstreamBalance interface {
	GetBalance(ctx context.Context) (*upstream.Balance, error)
}

type ServerSystem struct {
	Users      *service.Users
	Settlement *service.Settlement
	Ledger     *service.Ledger
	Affiliate  *service.Affiliate
	Coupons    *service.Coupons
	Deposits   *service.Deposits
	Upstream   UpstreamBalance
	Sessions   *Sessions

	StaffToken   string
	WebhookToken string

	// Registry, when set, is served on /metrics and receives request metrics.
	Registry *prometheus.Registry
	Log      logrus.FieldLogger

	validate *validator.Validate
}

func (ls *ServerSystem) Router() *mux.Router {
	ls.validate = validator.New()

	r := mux.NewRouter()
	r.Use(ls.logRequests)
	if ls.Registry != nil {
		r.Use(instrument(ls.Registry))
		r.Handle("/metrics", promhttp.HandlerFor(ls.Registry, promhttp.HandlerOpts{})).Methods("GET")
	}

	r.HandleFunc("/api/user/register", ls.RegisterUserHandler).Methods("POST")
	r.HandleFunc("/api/user/login", ls.LoginUserHandler).Methods("POST")
	r.HandleFunc("/api/services", ls.ServicesHandler).Methods("GET")
	r.HandleFunc("/api/user/orders", ls.PurchaseHandler).Methods("POST")
	r.HandleFunc("/api/user/orders", ls.GetOrderHandler).Methods("GET")
	r.HandleFunc("/api/user/balance", ls.GetBalanceHandler).Methods("GET")
	r.HandleFunc("/api/user/coupons/redeem", ls.RedeemCouponHandler).Methods("POST")
	r.HandleFunc("/api/user/affiliate", ls.AffiliateHandler).Methods("GET")
	r.HandleFunc("/api/user/affiliate/withdrawals", ls.WithdrawHandler).Methods("POST")
	r.HandleFunc("/api/user/affiliate/withdrawals", ls.GetWithdrawalsHandler).Methods("GET")

	hooks := r.PathPrefix("/api/webhooks").Subrouter()
	hooks.Use(requireToken("X-Webhook-Token", ls.WebhookToken))
	hooks.HandleFunc("/deposit", ls.DepositWebhookHandler).Methods("POST")

	staff := r.PathPrefix("/api/staff").Subrouter()
	staff.Use(requireToken("X-Staff-Token", ls.StaffToken))
	staff.HandleFunc("/users/{id:[0-9]+}/balance", ls.AdjustBalanceHandler).Methods("POST")
	staff.HandleFunc("/coupons", ls.CreateCouponHandler).Methods("POST")
	staff.HandleFunc("/withdrawals/{id:[0-9]+}/approve", ls.ApproveWithdrawalHandler).Methods("POST")
	staff.HandleFunc("/withdrawals/{id:[0-9]+}/reject", ls.RejectWithdrawalHandler).Methods("POST")
	staff.HandleFunc("/orders/{id:[0-9]+}/status", ls.OverrideOrderStatusHandler).Methods("POST")
	staff.HandleFunc("/upstream/balance", ls.UpstreamBalanceHandler).Methods("GET")

	return r
}

func (ls *ServerSystem) MakeServer(serverAddr string) *http.Server {
	return &http.Server{
		Addr:    serverAddr,
		Handler: ls.Router(),
		// a purchase waits on the panel, keep the write timeout above the upstream timeout
		WriteTimeout: 45 * time.Second,
		ReadTimeout:  15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (ls *ServerSystem) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		rec.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(rec, r)

		ls.Log.WithFields(logrus.Fields{
			"request_id": requestID,
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     rec.status,
			"duration":   time.Since(start).String(),
		}).Info("request handled")
	})
}

func instrument(registry *prometheus.Registry) mux.MiddlewareFunc {
	duration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smmbroker_http_request_duration_seconds",
			Help:    "HTTP request latency by route and code.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method", "code"},
	)
	if err := registry.Register(duration); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			panic(err)
		}
		duration = already.ExistingCollector.(*prometheus.HistogramVec)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := "unmatched"
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			promhttp.InstrumentHandlerDuration(
				duration.MustCurryWith(prometheus.Labels{"route": route}),
				next,
			).ServeHTTP(w, r)
		})
	}
}
