package serverconfig

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/theheadmen/smmbroker/internal/notify"
	"github.com/theheadmen/smmbroker/internal/pricing"
	"github.com/theheadmen/smmbroker/internal/service"
)

type ConfigStore struct {
	FlagRunAddr     string
	FlagDatabase    string
	FlagUpstreamURL string
	UpstreamKey     string
	UpstreamTimeout time.Duration

	SweepInterval       time.Duration
	SweepConcurrency    int
	StaleReservationAge time.Duration

	ExchangeRate   string
	MultiplierLow  string
	MultiplierMid  string
	MultiplierHigh string
	MultiplierTop  string
	TierLow        string
	TierMid        string
	TierHigh       string

	AffiliateRate   string
	WithdrawMinimum int64
	DepositMinimum  int64

	SessionSecret string
	StaffToken    string
	WebhookToken  string

	RedisURL     string
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	StaffEmail   string

	LogLevel string
	BaseURL  string
}

func NewConfigStore() *ConfigStore {
	return &ConfigStore{}
}

// ParseFlags loads an optional .env file, then the command line, then the
// environment. Environment variables win over flags.
func (configStore *ConfigStore) ParseFlags() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return configStore.Parse(os.Args[1:], os.Getenv)
}

// Parse fills the store from args and the getenv lookup.
func (configStore *ConfigStore) Parse(args []string, getenv func(string) string) error {
	flags := flag.NewFlagSet("smmbroker", flag.ContinueOnError)
	flags.StringVar(&configStore.FlagRunAddr, "a", ":8080", "address and port to run server")
	flags.StringVar(&configStore.FlagDatabase, "d", "", "data for connecting to db")
	flags.StringVar(&configStore.FlagUpstreamURL, "u", "", "SMM panel api url")
	if err := flags.Parse(args); err != nil {
		return err
	}

	defaults := pricing.DefaultConfig()
	configStore.UpstreamTimeout = 15 * time.Second
	configStore.SweepInterval = 30 * time.Second
	configStore.SweepConcurrency = 4
	configStore.StaleReservationAge = 10 * time.Minute
	configStore.ExchangeRate = defaults.ExchangeRate.String()
	configStore.MultiplierLow = defaults.Low.String()
	configStore.MultiplierMid = defaults.Mid.String()
	configStore.MultiplierHigh = defaults.High.String()
	configStore.MultiplierTop = defaults.Top.String()
	configStore.TierLow = defaults.LowThreshold.String()
	configStore.TierMid = defaults.MidThreshold.String()
	configStore.TierHigh = defaults.HighThreshold.String()
	configStore.AffiliateRate = service.DefaultAffiliateConfig().RewardRate.String()
	configStore.WithdrawMinimum = service.DefaultAffiliateConfig().WithdrawMinimum
	configStore.DepositMinimum = service.DefaultDepositMinimum
	configStore.SMTPPort = 587
	configStore.LogLevel = "info"

	strs := map[string]*string{
		"RUN_ADDRESS":     &configStore.FlagRunAddr,
		"DATABASE_URI":    &configStore.FlagDatabase,
		"SMM_API_URL":     &configStore.FlagUpstreamURL,
		"SMM_API_KEY":     &configStore.UpstreamKey,
		"JPY_RATE":        &configStore.ExchangeRate,
		"MULTIPLIER_LOW":  &configStore.MultiplierLow,
		"MULTIPLIER_MID":  &configStore.MultiplierMid,
		"MULTIPLIER_HIGH": &configStore.MultiplierHigh,
		"MULTIPLIER_TOP":  &configStore.MultiplierTop,
		"TIER_LOW":        &configStore.TierLow,
		"TIER_MID":        &configStore.TierMid,
		"TIER_HIGH":       &configStore.TierHigh,
		"AFFILIATE_RATE":  &configStore.AffiliateRate,
		"SESSION_SECRET":  &configStore.SessionSecret,
		"STAFF_TOKEN":     &configStore.StaffToken,
		"WEBHOOK_TOKEN":   &configStore.WebhookToken,
		"REDIS_URL":       &configStore.RedisURL,
		"SMTP_HOST":       &configStore.SMTPHost,
		"SMTP_USERNAME":   &configStore.SMTPUsername,
		"SMTP_PASSWORD":   &configStore.SMTPPassword,
		"SMTP_FROM":       &configStore.SMTPFrom,
		"STAFF_EMAIL":     &configStore.StaffEmail,
		"LOG_LEVEL":       &configStore.LogLevel,
		"BASE_URL":        &configStore.BaseURL,
	}
	for key, dst := range strs {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"SMM_TIMEOUT":           &configStore.UpstreamTimeout,
		"SWEEP_INTERVAL":        &configStore.SweepInterval,
		"STALE_RESERVATION_AGE": &configStore.StaleReservationAge,
	}
	for key, dst := range durations {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}

	ints := map[string]*int64{
		"WITHDRAW_MINIMUM": &configStore.WithdrawMinimum,
		"DEPOSIT_MINIMUM":  &configStore.DepositMinimum,
	}
	for key, dst := range ints {
		if v := getenv(key); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}
	for key, dst := range map[string]*int{
		"SWEEP_CONCURRENCY": &configStore.SweepConcurrency,
		"SMTP_PORT":         &configStore.SMTPPort,
	} {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	return configStore.Validate()
}

func (configStore *ConfigStore) Validate() error {
	if configStore.FlagDatabase == "" {
		return fmt.Errorf("database uri is required")
	}
	if configStore.FlagUpstreamURL == "" || configStore.UpstreamKey == "" {
		return fmt.Errorf("SMM panel url and key are required")
	}
	if configStore.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET is required")
	}
	if configStore.SweepInterval <= 0 || configStore.SweepConcurrency <= 0 {
		return fmt.Errorf("sweep interval and concurrency must be positive")
	}
	if configStore.UpstreamTimeout <= 0 {
		return fmt.Errorf("SMM_TIMEOUT must be positive")
	}
	// a purchase makes up to three panel calls while its order is reserved
	if configStore.StaleReservationAge <= 3*configStore.UpstreamTimeout {
		return fmt.Errorf("STALE_RESERVATION_AGE %s must exceed three times SMM_TIMEOUT %s",
			configStore.StaleReservationAge, configStore.UpstreamTimeout)
	}
	if _, err := configStore.Pricing(); err != nil {
		return err
	}
	if _, err := configStore.Affiliate(); err != nil {
		return err
	}
	return nil
}

// Pricing builds the pricing engine config.
func (configStore *ConfigStore) Pricing() (pricing.Config, error) {
	cfg := pricing.DefaultConfig()
	fields := []struct {
		key string
		raw string
		dst *decimal.Decimal
	}{
		{"JPY_RATE", configStore.ExchangeRate, &cfg.ExchangeRate},
		{"MULTIPLIER_LOW", configStore.MultiplierLow, &cfg.Low},
		{"MULTIPLIER_MID", configStore.MultiplierMid, &cfg.Mid},
		{"MULTIPLIER_HIGH", configStore.MultiplierHigh, &cfg.High},
		{"MULTIPLIER_TOP", configStore.MultiplierTop, &cfg.Top},
		{"TIER_LOW", configStore.TierLow, &cfg.LowThreshold},
		{"TIER_MID", configStore.TierMid, &cfg.MidThreshold},
		{"TIER_HIGH", configStore.TierHigh, &cfg.HighThreshold},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return pricing.Config{}, fmt.Errorf("%s: %w", f.key, err)
		}
		*f.dst = d
	}
	if err := cfg.Validate(); err != nil {
		return pricing.Config{}, err
	}
	return cfg, nil
}

func (configStore *ConfigStore) Affiliate() (service.AffiliateConfig, error) {
	rate, err := decimal.NewFromString(configStore.AffiliateRate)
	if err != nil {
		return service.AffiliateConfig{}, fmt.Errorf("AFFILIATE_RATE: %w", err)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return service.AffiliateConfig{}, fmt.Errorf("AFFILIATE_RATE must be in [0, 1)")
	}
	if configStore.WithdrawMinimum <= 0 {
		return service.AffiliateConfig{}, fmt.Errorf("WITHDRAW_MINIMUM must be positive")
	}
	return service.AffiliateConfig{
		RewardRate:      rate,
		WithdrawMinimum: configStore.WithdrawMinimum,
		BaseURL:         configStore.BaseURL,
	}, nil
}

func (configStore *ConfigStore) Sweeper() service.SweeperConfig {
	return service.SweeperConfig{
		Interval:            configStore.SweepInterval,
		Concurrency:         configStore.SweepConcurrency,
		StaleReservationAge: configStore.StaleReservationAge,
	}
}

// Mail returns the staff mail settings, or false when mail is not configured.
func (configStore *ConfigStore) Mail() (notify.MailConfig, bool) {
	if configStore.SMTPHost == "" || configStore.StaffEmail == "" {
		return notify.MailConfig{}, false
	}
	from := configStore.SMTPFrom
	if from == "" {
		from = configStore.SMTPUsername
	}
	return notify.MailConfig{
		Host:     configStore.SMTPHost,
		Port:     configStore.SMTPPort,
		Username: configStore.SMTPUsername,
		Password: configStore.SMTPPassword,
		From:     from,
		To:       configStore.StaffEmail,
	}, true
}
