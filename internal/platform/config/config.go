package config

import (
	"crypto-exchange-arbitrage/internal/domain"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type RateLimitConfig struct {
	Calls int
	Per   time.Duration
}

type ExchangeConfig struct {
	Enabled    bool
	ApiKey     string
	ApiSecret  string
	Passphrase string
	BaseUrl    string
	StreamUrl  string
	TakerFee   decimal.Decimal
	RateLimit  RateLimitConfig
	Simulated  bool
}

type ArbitrageConfig struct {
	NotionalFloor decimal.Decimal
	MinQuantity   decimal.Decimal
	Interval      time.Duration
	AutoExecute   bool
	Symbols       []string
	MaxQuoteAge   time.Duration
}

type FeedConfig struct {
	Mode         domain.FeedModeEnum
	PollInterval time.Duration
}

type HTTPConfig struct {
	Timeout       time.Duration
	RetryAttempts int
	RetryBase     time.Duration
	RetryFactor   float64
}

type Config struct {
	Server struct {
		Port int
	}

	Exchange map[domain.Venue]ExchangeConfig

	Arbitrage ArbitrageConfig

	Feed FeedConfig

	HTTP HTTPConfig

	Ledger struct {
		DSN string
	}

	Discord struct {
		WebhookUrl string
	}
}

var venueKeys = map[domain.Venue]string{
	domain.Binance: "binance",
	domain.OKX:     "okx",
	domain.Luno:    "luno",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)

	v.SetDefault("binance.base_url", "https://testnet.binance.vision")
	v.SetDefault("binance.stream_url", "wss://testnet.binance.vision/stream")
	v.SetDefault("binance.taker_fee", "0.001")
	v.SetDefault("binance.rate_limit.calls", 1200)
	v.SetDefault("binance.rate_limit.per", "60s")

	v.SetDefault("okx.base_url", "https://www.okx.com")
	v.SetDefault("okx.stream_url", "wss://ws.okx.com:8443/ws/v5/public")
	v.SetDefault("okx.taker_fee", "0.001")
	v.SetDefault("okx.rate_limit.calls", 20)
	v.SetDefault("okx.rate_limit.per", "2s")
	v.SetDefault("okx.simulated", false)

	v.SetDefault("luno.base_url", "https://api.luno.com")
	v.SetDefault("luno.taker_fee", "0.001")
	v.SetDefault("luno.rate_limit.calls", 5)
	v.SetDefault("luno.rate_limit.per", "1s")

	v.SetDefault("arbitrage.notional_floor", "10")
	v.SetDefault("arbitrage.min_quantity", "0.01")
	v.SetDefault("arbitrage.interval", "5s")
	v.SetDefault("arbitrage.auto_execute", true)
	v.SetDefault("arbitrage.symbols", "")
	v.SetDefault("arbitrage.max_quote_age", "30s")

	v.SetDefault("feed.mode", "stream")
	v.SetDefault("feed.poll_interval", "5s")

	v.SetDefault("http.timeout", "10s")
	v.SetDefault("http.retry_attempts", 3)
	v.SetDefault("http.retry_base", "1s")
	v.SetDefault("http.retry_factor", 2.0)

	v.SetDefault("ledger.dsn", "")
	v.SetDefault("discord.webhook_url", "")
}

// Load reads configuration from the environment (a .env file is loaded by the
// caller) and, when present, from the JSON file named by CONFIG_FILE or ./config.json.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if err := v.BindEnv("server.port", "SERVER_PORT", "PORT"); err != nil {
		return nil, err
	}

	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		if _, err := os.Stat("config.json"); err == nil {
			path = "config.json"
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := &Config{Exchange: make(map[domain.Venue]ExchangeConfig)}
	cfg.Server.Port = v.GetInt("server.port")

	for venue, key := range venueKeys {
		fee, err := decimal.NewFromString(v.GetString(key + ".taker_fee"))
		if err != nil {
			return nil, fmt.Errorf("%s.taker_fee: %w", key, err)
		}
		ex := ExchangeConfig{
			ApiKey:     v.GetString(key + ".api_key"),
			ApiSecret:  v.GetString(key + ".secret_key"),
			Passphrase: v.GetString(key + ".passphrase"),
			BaseUrl:    v.GetString(key + ".base_url"),
			StreamUrl:  v.GetString(key + ".stream_url"),
			TakerFee:   fee,
			RateLimit: RateLimitConfig{
				Calls: v.GetInt(key + ".rate_limit.calls"),
				Per:   v.GetDuration(key + ".rate_limit.per"),
			},
			Simulated: v.GetBool(key + ".simulated"),
		}
		// Binance and OKX are mandatory; Luno joins only with credentials.
		ex.Enabled = venue != domain.Luno || (ex.ApiKey != "" && ex.ApiSecret != "")
		cfg.Exchange[venue] = ex
	}

	var err error
	if cfg.Arbitrage.NotionalFloor, err = decimal.NewFromString(v.GetString("arbitrage.notional_floor")); err != nil {
		return nil, fmt.Errorf("arbitrage.notional_floor: %w", err)
	}
	if cfg.Arbitrage.MinQuantity, err = decimal.NewFromString(v.GetString("arbitrage.min_quantity")); err != nil {
		return nil, fmt.Errorf("arbitrage.min_quantity: %w", err)
	}
	cfg.Arbitrage.Interval = v.GetDuration("arbitrage.interval")
	cfg.Arbitrage.AutoExecute = v.GetBool("arbitrage.auto_execute")
	cfg.Arbitrage.Symbols = splitList(v.GetStringSlice("arbitrage.symbols"))
	cfg.Arbitrage.MaxQuoteAge = v.GetDuration("arbitrage.max_quote_age")

	switch mode := strings.ToLower(v.GetString("feed.mode")); mode {
	case "stream":
		cfg.Feed.Mode = domain.Stream
	case "poll", "scheduled":
		cfg.Feed.Mode = domain.Scheduled
	default:
		return nil, fmt.Errorf("feed.mode: unknown mode %q", mode)
	}
	cfg.Feed.PollInterval = v.GetDuration("feed.poll_interval")

	cfg.HTTP = HTTPConfig{
		Timeout:       v.GetDuration("http.timeout"),
		RetryAttempts: v.GetInt("http.retry_attempts"),
		RetryBase:     v.GetDuration("http.retry_base"),
		RetryFactor:   v.GetFloat64("http.retry_factor"),
	}

	cfg.Ledger.DSN = v.GetString("ledger.dsn")
	cfg.Discord.WebhookUrl = v.GetString("discord.webhook_url")

	return cfg, nil
}

// Validate reports every missing credential of a required venue.
func (c *Config) Validate() error {
	var errs []error
	binance := c.Exchange[domain.Binance]
	if binance.ApiKey == "" || binance.ApiSecret == "" {
		errs = append(errs, errors.New("binance API keys are missing"))
	}
	okx := c.Exchange[domain.OKX]
	if okx.ApiKey == "" || okx.ApiSecret == "" || okx.Passphrase == "" {
		errs = append(errs, errors.New("okx API keys or passphrase are missing"))
	}
	if !c.Arbitrage.NotionalFloor.IsPositive() {
		errs = append(errs, errors.New("arbitrage.notional_floor must be positive"))
	}
	if c.Arbitrage.Interval <= 0 {
		errs = append(errs, errors.New("arbitrage.interval must be positive"))
	}
	return errors.Join(errs...)
}

// EnabledVenues lists configured venues in declaration order.
func (c *Config) EnabledVenues() []domain.Venue {
	venues := make([]domain.Venue, 0, len(c.Exchange))
	for _, venue := range []domain.Venue{domain.Binance, domain.OKX, domain.Luno} {
		if c.Exchange[venue].Enabled {
			venues = append(venues, venue)
		}
	}
	return venues
}

// splitList accepts both "BTC,ETH" from the environment and a JSON array.
func splitList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, strings.ToUpper(part))
			}
		}
	}
	return out
}
