// Package config loads the service configuration from a YAML file,
// BOLLAR_* environment variables and the legacy PORT / DATABASE_URL /
// REDIS_URL / NATS_URL variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/bollar/cdp-engine/internal/btcaddr"
	"github.com/bollar/cdp-engine/internal/ledger"
	"github.com/bollar/cdp-engine/internal/liquidation"
	"github.com/bollar/cdp-engine/internal/model"
	"github.com/bollar/cdp-engine/internal/pricefeed"
	"github.com/bollar/cdp-engine/internal/protocol"
	"github.com/bollar/cdp-engine/internal/settlement"
)

type Config struct {
	Server     ServerConfig       `mapstructure:"server"`
	Database   DatabaseConfig     `mapstructure:"database"`
	NATS       NATSConfig         `mapstructure:"nats"`
	Logging    LoggingConfig      `mapstructure:"logging"`
	Bitcoin    BitcoinConfig      `mapstructure:"bitcoin"`
	Protocol   model.SystemConfig `mapstructure:"protocol"`
	Ledger     LedgerConfig       `mapstructure:"ledger"`
	Oracle     OracleConfig       `mapstructure:"oracle"`
	Settlement SettlementConfig   `mapstructure:"settlement"`
	Keeper     KeeperConfig       `mapstructure:"keeper"`
	Paused     []string           `mapstructure:"paused"`
	Operators  []string           `mapstructure:"operators"` // may pause and resume operations
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
}

type DatabaseConfig struct {
	URL      string `mapstructure:"url"`       // PostgreSQL; empty selects the in-memory store
	RedisURL string `mapstructure:"redis_url"` // optional read-through cache
}

type NATSConfig struct {
	URL           string `mapstructure:"url"` // empty disables NATS publishing
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type BitcoinConfig struct {
	Network string `mapstructure:"network"` // mainnet, testnet or regtest
}

type LedgerConfig struct {
	CommitTimeout time.Duration `mapstructure:"commit_timeout"`
}

type OracleConfig struct {
	Source           string        `mapstructure:"source"` // "http" or "static"
	URL              string        `mapstructure:"url"`
	StaticPriceCents uint64        `mapstructure:"static_price_cents"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	ExtendedTTL      time.Duration `mapstructure:"extended_ttl"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`
	RefreshInterval  time.Duration `mapstructure:"refresh_interval"`
	MaxClockSkew     time.Duration `mapstructure:"max_clock_skew"`
	MinConfidence    uint8         `mapstructure:"min_confidence"`
	MaxDeviationBps  uint64        `mapstructure:"max_deviation_bps"`
	MinPriceCents    uint64        `mapstructure:"min_price_cents"`
	MaxPriceCents    uint64        `mapstructure:"max_price_cents"`
	Submitters       []string      `mapstructure:"submitters"` // may push prices over HTTP
}

type SettlementConfig struct {
	CallTimeout         time.Duration `mapstructure:"call_timeout"`
	RetryInterval       time.Duration `mapstructure:"retry_interval"`
	RetryRate           float64       `mapstructure:"retry_rate"`
	RetryBurst          int           `mapstructure:"retry_burst"`
	AutoConfirmDeposits bool          `mapstructure:"auto_confirm_deposits"`
}

type KeeperConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	RescanMoveBps uint64        `mapstructure:"rescan_move_bps"`
	Liquidator    string        `mapstructure:"liquidator"`
	PayoutAddress string        `mapstructure:"payout_address"`
}

// Load reads configuration. configPath empty searches ./config.yaml,
// ./config/config.yaml and /etc/bollar/config.yaml; a missing file is not
// an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/bollar")
	}

	v.SetEnvPrefix("BOLLAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	overrideFromEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)

	v.SetDefault("database.url", "")
	v.SetDefault("database.redis_url", "")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "bollar")

	v.SetDefault("logging.level", "info")
	v.SetDefault("bitcoin.network", btcaddr.Mainnet.Name)

	p := model.DefaultSystemConfig()
	v.SetDefault("protocol.max_collateral_ratio_bps", p.MaxCollateralRatioBps)
	v.SetDefault("protocol.liquidation_threshold_bps", p.LiquidationThresholdBps)
	v.SetDefault("protocol.liquidation_penalty_bps", p.LiquidationPenaltyBps)
	v.SetDefault("protocol.min_collateral_amount", p.MinCollateralAmount)
	v.SetDefault("protocol.max_collateral_amount", p.MaxCollateralAmount)
	v.SetDefault("protocol.min_mint_amount", p.MinMintAmount)
	v.SetDefault("protocol.max_system_debt", p.MaxSystemDebt)
	v.SetDefault("protocol.max_system_collateral", p.MaxSystemCollateral)
	v.SetDefault("protocol.max_position_debt", p.MaxPositionDebt)
	v.SetDefault("protocol.price_freshness", p.PriceFreshness)

	v.SetDefault("ledger.commit_timeout", ledger.DefaultCommitTimeout)

	f := pricefeed.DefaultConfig()
	v.SetDefault("oracle.source", "static")
	v.SetDefault("oracle.url", "")
	v.SetDefault("oracle.static_price_cents", 6_500_000)
	v.SetDefault("oracle.cache_ttl", f.CacheTTL)
	v.SetDefault("oracle.extended_ttl", f.ExtendedTTL)
	v.SetDefault("oracle.fetch_timeout", f.FetchTimeout)
	v.SetDefault("oracle.refresh_interval", f.RefreshInterval)
	v.SetDefault("oracle.max_clock_skew", f.MaxClockSkew)
	v.SetDefault("oracle.min_confidence", f.MinConfidence)
	v.SetDefault("oracle.max_deviation_bps", f.MaxDeviationBps)
	v.SetDefault("oracle.min_price_cents", f.MinPriceCents)
	v.SetDefault("oracle.max_price_cents", f.MaxPriceCents)
	v.SetDefault("oracle.submitters", []string{})

	s := settlement.DefaultConfig()
	v.SetDefault("settlement.call_timeout", s.CallTimeout)
	v.SetDefault("settlement.retry_interval", s.RetryInterval)
	v.SetDefault("settlement.retry_rate", s.RetryRate)
	v.SetDefault("settlement.retry_burst", s.RetryBurst)
	v.SetDefault("settlement.auto_confirm_deposits", false)

	v.SetDefault("keeper.interval", 30*time.Second)
	v.SetDefault("keeper.rescan_move_bps", 200)
	v.SetDefault("keeper.liquidator", "")
	v.SetDefault("keeper.payout_address", "")

	v.SetDefault("paused", []string{})
	v.SetDefault("operators", []string{})
}

// overrideFromEnv applies the deployment variables shared with the other
// services.
func overrideFromEnv(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Database.RedisURL = url
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.NATS.URL = url
	}
}

// Validate checks the configuration before any component is built.
func (c *Config) Validate() error {
	if err := c.Protocol.Validate(); err != nil {
		return fmt.Errorf("config: protocol: %w", err)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	switch strings.ToLower(c.Bitcoin.Network) {
	case btcaddr.Mainnet.Name, btcaddr.Testnet.Name, btcaddr.Regtest.Name:
	default:
		return fmt.Errorf("config: unknown bitcoin.network %q", c.Bitcoin.Network)
	}
	switch c.Oracle.Source {
	case "http":
		if c.Oracle.URL == "" {
			return errors.New("config: oracle.url is required for the http source")
		}
	case "static":
		if c.Oracle.StaticPriceCents == 0 {
			return errors.New("config: oracle.static_price_cents must be positive")
		}
	default:
		return fmt.Errorf("config: unknown oracle.source %q", c.Oracle.Source)
	}
	if c.Oracle.CacheTTL <= 0 || c.Oracle.ExtendedTTL < c.Oracle.CacheTTL {
		return fmt.Errorf("config: oracle.extended_ttl %s must be at least oracle.cache_ttl %s", c.Oracle.ExtendedTTL, c.Oracle.CacheTTL)
	}
	if c.Oracle.MinConfidence > 100 {
		return fmt.Errorf("config: oracle.min_confidence %d exceeds 100", c.Oracle.MinConfidence)
	}
	if c.Keeper.Liquidator != "" {
		if _, err := btcaddr.Validate(c.Keeper.PayoutAddress, c.Network()); err != nil {
			return fmt.Errorf("config: keeper.payout_address: %w", err)
		}
	}
	if _, err := c.PausedOperations(); err != nil {
		return err
	}
	return nil
}

// LogLevel parses logging.level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: logging.level: %w", err)
	}
	return level, nil
}

// Network returns the configured Bitcoin network.
func (c *Config) Network() btcaddr.Network {
	return btcaddr.ByName(c.Bitcoin.Network)
}

// PausedOperations returns the operations paused at start-up.
func (c *Config) PausedOperations() ([]protocol.Operation, error) {
	var ops []protocol.Operation
	for _, name := range c.Paused {
		op := protocol.Operation(strings.ToLower(name))
		if !protocol.IsPausable(op) {
			return nil, fmt.Errorf("config: operation %q cannot be paused", name)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// FeedConfig returns the price feed settings.
func (c *Config) FeedConfig() pricefeed.Config {
	return pricefeed.Config{
		CacheTTL:        c.Oracle.CacheTTL,
		ExtendedTTL:     c.Oracle.ExtendedTTL,
		Freshness:       c.Protocol.PriceFreshness,
		FetchTimeout:    c.Oracle.FetchTimeout,
		RefreshInterval: c.Oracle.RefreshInterval,
		MaxClockSkew:    c.Oracle.MaxClockSkew,
		MinConfidence:   c.Oracle.MinConfidence,
		MaxDeviationBps: c.Oracle.MaxDeviationBps,
		MinPriceCents:   c.Oracle.MinPriceCents,
		MaxPriceCents:   c.Oracle.MaxPriceCents,
	}
}

// SettlerConfig returns the settlement settings.
func (c *Config) SettlerConfig() settlement.Config {
	return settlement.Config{
		CallTimeout:   c.Settlement.CallTimeout,
		RetryInterval: c.Settlement.RetryInterval,
		RetryRate:     c.Settlement.RetryRate,
		RetryBurst:    c.Settlement.RetryBurst,
	}
}

// KeeperConfig returns the keeper settings.
func (c *Config) KeeperConfig() liquidation.KeeperConfig {
	return liquidation.KeeperConfig{
		Interval:      c.Keeper.Interval,
		RescanMoveBps: c.Keeper.RescanMoveBps,
		Liquidator:    c.Keeper.Liquidator,
		PayoutAddress: c.Keeper.PayoutAddress,
	}
}
