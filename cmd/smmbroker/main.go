package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/theheadmen/smmbroker/internal/dbconnector"
	"github.com/theheadmen/smmbroker/internal/logging"
	"github.com/theheadmen/smmbroker/internal/notify"
	"github.com/theheadmen/smmbroker/internal/pricing"
	"github.com/theheadmen/smmbroker/internal/server"
	"github.com/theheadmen/smmbroker/internal/serverconfig"
	"github.com/theheadmen/smmbroker/internal/service"
	"github.com/theheadmen/smmbroker/internal/upstream"
)

func main() {
	configStore := serverconfig.NewConfigStore()
	if err := configStore.ParseFlags(); err != nil {
		logging.NewLogger("info", "smmbroker").WithError(err).Fatal("invalid configuration")
	}
	log := logging.NewLogger(configStore.LogLevel, "smmbroker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, configStore, log); err != nil {
		log.WithError(err).Fatal("smmbroker stopped")
	}
	log.Info("smmbroker stopped")
}

func run(ctx context.Context, configStore *serverconfig.ConfigStore, log *logrus.Entry) error {
	db, err := dbconnector.OpenDBConnect(configStore.FlagDatabase)
	if err != nil {
		return err
	}
	if err := db.DBInitialize(); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := service.NewMetrics(registry)

	pricingConfig, err := configStore.Pricing()
	if err != nil {
		return err
	}
	affiliateConfig, err := configStore.Affiliate()
	if err != nil {
		return err
	}

	panel := upstream.NewClient(configStore.FlagUpstreamURL, configStore.UpstreamKey, configStore.UpstreamTimeout,
		upstream.WithObserver(metrics.ObserveUpstreamCall))

	notifier, closeNotifier := buildNotifier(ctx, configStore, log)
	defer closeNotifier()

	engine := pricing.New(pricingConfig)
	affiliate := service.NewAffiliate(db, affiliateConfig, notifier, metrics, log)
	settlement := service.NewSettlement(db, panel, engine, notifier, metrics, log)
	sweeper := service.NewSweeper(db, panel, configStore.Sweeper(), notifier, metrics, log.WithField("component", "sweeper"))

	ls := &server.ServerSystem{
		Users:        service.NewUsers(db, log),
		Settlement:   settlement,
		Ledger:       service.NewLedger(db),
		Affiliate:    affiliate,
		Coupons:      service.NewCoupons(db, metrics, log),
		Deposits:     service.NewDeposits(db, affiliate, configStore.DepositMinimum, log),
		Upstream:     panel,
		Sessions:     server.NewSessions(configStore.SessionSecret, 7*24*time.Hour),
		StaffToken:   configStore.StaffToken,
		WebhookToken: configStore.WebhookToken,
		Registry:     registry,
		Log:          log.WithField("component", "http"),
	}
	srv := ls.MakeServer(configStore.FlagRunAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", configStore.FlagRunAddr).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// buildNotifier fans events out to Redis and staff mail when configured. The
// returned func flushes in-flight deliveries and closes connections.
func buildNotifier(ctx context.Context, configStore *serverconfig.ConfigStore, log *logrus.Entry) (notify.Publisher, func()) {
	var (
		sinks   notify.Multi
		closers []func() error
	)
	if configStore.RedisURL != "" {
		redisPub, err := notify.NewRedisPublisher(ctx, configStore.RedisURL, "smmbroker.")
		if err != nil {
			log.WithError(err).Warn("redis notifications disabled")
		} else {
			sinks = append(sinks, redisPub)
			closers = append(closers, redisPub.Close)
		}
	}
	if mailConfig, ok := configStore.Mail(); ok {
		sinks = append(sinks, notify.NewMailPublisher(mailConfig,
			notify.EventWithdrawalRequested, notify.EventOrderFailed, notify.EventOrderSMMError))
	}
	if len(sinks) == 0 {
		return notify.Nop{}, func() {}
	}

	async := notify.NewAsync(sinks, 10*time.Second, 64, log.WithField("component", "notify"))
	return async, func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := async.Wait(flushCtx); err != nil {
			log.WithError(err).Warn("notifications still in flight at shutdown")
		}
		for _, c := range closers {
			_ = c()
		}
	}
}
